package router

import (
	"context"
	"errors"
	"time"

	"github.com/danderson/alljoyn"
)

// Ping results, as the attachments expect them.
const (
	pingSuccess     = 1
	pingFailed      = 2
	pingUnreachable = 3
	pingUnknownName = 4
	pingTimeout     = 5
)

// ping checks on behalf of an attachment that a name is reachable and
// answers Peer.Ping.
func (r *Router) ping(from *endpoint, call *alljoyn.Message, args []any) error {
	var (
		name    string
		timeout uint32
	)
	if err := scan(args, &name, &timeout); err != nil {
		return err
	}
	if name == alljoyn.BusName {
		r.reply(from, call, "u", uint32(pingSuccess))
		return nil
	}
	to, ok := r.resolve(name)
	if !ok {
		r.reply(from, call, "u", uint32(pingUnknownName))
		return nil
	}
	return r.runAsync(from, call, func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
			defer cancel()
		}
		_, err := r.call(ctx, to.name, "/", alljoyn.PeerInterface, "Ping", "")
		status := uint32(pingSuccess)
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			status = pingTimeout
		case errors.Is(err, errNoSuchName):
			status = pingUnreachable
		default:
			status = pingFailed
		}
		r.log.Debug("ping", "from", from.name, "to", name, "status", status)
		r.reply(from, call, "u", status)
		return nil
	})
}
