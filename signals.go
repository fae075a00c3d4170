package alljoyn

import (
	"context"
	"fmt"
	"time"
)

// SignalOptions controls how a signal is delivered.
type SignalOptions struct {
	// Destination, if set, sends the signal to a single peer.
	Destination string
	// SessionID, if set, sends the signal to the members of a
	// session.
	SessionID SessionID
	// Sessionless makes the router store the signal and deliver it to
	// peers with a matching sessionless match rule, including peers
	// that connect later, until TTL elapses or the signal is
	// canceled.
	Sessionless bool
	// GlobalBroadcast forwards the signal beyond the local router.
	GlobalBroadcast bool
	// TTL is the signal's time to live. Sessionless signals keep
	// whole seconds.
	TTL time.Duration
	// Compress compresses the signal body.
	Compress bool
}

// EmitSignal emits signal on the interface iface of the object
// registered at path. The signal and its arguments must agree with
// the object's description of iface. It returns the serial of the
// signal message.
//
// Signals of secure interfaces are encrypted for their recipient,
// which requires a Destination or a SessionID.
func (c *Conn) EmitSignal(ctx context.Context, path ObjectPath, iface, signal string, opts SignalOptions, args ...any) (uint32, error) {
	obj := c.object(path)
	if obj == nil {
		return 0, fmt.Errorf("no object registered at %s", path)
	}
	var d *InterfaceDescription
	if iface == PropertiesInterface {
		d = propertiesIface
	} else {
		obj.mu.Lock()
		d = obj.ifaceLocked(iface)
		obj.mu.Unlock()
	}
	if d == nil {
		return 0, fmt.Errorf("object %s does not implement %s: %w", path, iface, ErrNoSuchMember)
	}
	m, ok := d.Signal(signal)
	if !ok {
		return 0, fmt.Errorf("interface %s has no signal %s: %w", iface, signal, ErrNoSuchMember)
	}
	if opts.Sessionless && (opts.SessionID != 0 || opts.Destination != "") {
		return 0, fmt.Errorf("sessionless signal %s.%s cannot have a destination or session", iface, signal)
	}

	build := func(dest string) (*Message, error) {
		msg := NewSignal(path, iface, signal)
		msg.Destination = dest
		msg.SessionID = uint32(opts.SessionID)
		if opts.Sessionless {
			msg.Flags |= FlagSessionless
		}
		if opts.GlobalBroadcast {
			msg.Flags |= FlagGlobalBroadcast
		}
		msg.SetTTL(opts.TTL)
		if err := msg.SetBody(m.InSignature(), args...); err != nil {
			return nil, err
		}
		if opts.Compress {
			msg.Compress()
		}
		return msg, nil
	}

	if opts.SessionID != 0 && c.sessionLost(opts.SessionID) {
		return 0, fmt.Errorf("session %d: %w", opts.SessionID, ErrSessionLost)
	}

	if !d.memberSecure(m) {
		msg, err := build(opts.Destination)
		if err != nil {
			return 0, err
		}
		return c.send(msg)
	}

	var dests []string
	switch {
	case opts.Destination != "":
		dests = []string{opts.Destination}
	case opts.SessionID != 0:
		s, ok := c.Session(opts.SessionID)
		if !ok {
			return 0, fmt.Errorf("session %d: %w", opts.SessionID, ErrSessionNotFound)
		}
		dests = s.Members()
	default:
		return 0, fmt.Errorf("secure signal %s.%s needs a destination or session: %w", iface, signal, ErrPermissionDenied)
	}
	var last uint32
	for _, dest := range dests {
		msg, err := build(dest)
		if err != nil {
			return 0, err
		}
		msg.Serial = c.serials.next()
		if err := c.sealFor(ctx, dest, msg); err != nil {
			return 0, err
		}
		if last, err = c.send(msg); err != nil {
			return 0, err
		}
	}
	return last, nil
}

// CancelSessionlessMessage withdraws a sessionless signal from the
// router's store. It fails with [ErrNoSuchMessage] if the signal
// already expired or was canceled.
func (c *Conn) CancelSessionlessMessage(ctx context.Context, serial uint32) error {
	status, err := scanOne[uint32](c.busCall(ctx, AllJoynPath, AllJoynInterface, "CancelSessionlessMessage", "u", serial))
	if err != nil {
		return err
	}
	if status != 1 {
		return fmt.Errorf("canceling sessionless signal %d: %w", serial, ErrNoSuchMessage)
	}
	return nil
}
