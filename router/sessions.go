package router

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/Southclaws/fault/ftag"
	"github.com/creachadair/mds/mapset"
	"github.com/danderson/alljoyn"
)

// Replies of the session methods, as the attachments expect them.
const (
	statusSuccess = 1
	statusFailed  = 2

	bindAlreadyExists = 2
	bindInvalidOpts   = 3

	joinSuccess       = 1
	joinNoSession     = 2
	joinConnectFailed = 4
	joinRejected      = 5
	joinBadOpts       = 6
	joinAlreadyJoined = 7
)

// firstDynamicPort is where port allocation for SessionPortAny
// starts.
const firstDynamicPort = 0x8000

type portKey struct {
	host string
	port alljoyn.SessionPort
}

// binding is a bound session port.
type binding struct {
	opts alljoyn.SessionOpts
	// multipoint is the session joiners of a multipoint port join,
	// once the first joiner has been accepted.
	multipoint alljoyn.SessionID
}

type session struct {
	id      alljoyn.SessionID
	host    string
	port    alljoyn.SessionPort
	opts    alljoyn.SessionOpts
	members mapset.Set[string]
}

// inSession reports whether all names are members of session id.
func (r *Router) inSession(id alljoyn.SessionID, names ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	return s != nil && s.members.HasAll(names...)
}

func (r *Router) bindSessionPort(from *endpoint, call *alljoyn.Message, args []any) error {
	var (
		port uint16
		raw  map[string]alljoyn.Variant
	)
	if err := scan(args, &port, &raw); err != nil {
		return err
	}
	opts, err := alljoyn.SessionOptsFromDict(raw)
	if err != nil || opts.Traffic == 0 || opts.Transports == 0 {
		r.reply(from, call, "uq", uint32(bindInvalidOpts), uint16(0))
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p := alljoyn.SessionPort(port)
	if p == alljoyn.SessionPortAny {
		for p = firstDynamicPort; r.ports[portKey{from.name, p}] != nil; p++ {
			if p == 0xffff {
				return failure(fmt.Errorf("%s has no free session ports", from.name), ftag.Internal, "no free session ports")
			}
		}
	} else if r.ports[portKey{from.name, p}] != nil {
		r.reply(from, call, "uq", uint32(bindAlreadyExists), uint16(0))
		return nil
	}
	r.ports[portKey{from.name, p}] = &binding{opts: opts}
	r.log.Debug("session port bound", "host", from.name, "port", p, "multipoint", opts.Multipoint)
	r.reply(from, call, "uq", uint32(statusSuccess), uint16(p))
	return nil
}

func (r *Router) unbindSessionPort(from *endpoint, call *alljoyn.Message, args []any) error {
	var port uint16
	if err := scan(args, &port); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := portKey{from.name, alljoyn.SessionPort(port)}
	if r.ports[k] == nil {
		r.reply(from, call, "u", uint32(statusFailed))
		return nil
	}
	delete(r.ports, k)
	r.reply(from, call, "u", uint32(statusSuccess))
	return nil
}

func (r *Router) joinSession(from *endpoint, call *alljoyn.Message, args []any) error {
	var (
		host string
		port uint16
		raw  map[string]alljoyn.Variant
	)
	if err := scan(args, &host, &port, &raw); err != nil {
		return err
	}
	return r.runAsync(from, call, func(ctx context.Context) error {
		disp, id, opts := r.join(ctx, from, host, alljoyn.SessionPort(port), raw)
		r.reply(from, call, "uua{sv}", disp, uint32(id), opts.Dict())
		return nil
	})
}

// join runs a JoinSession request, and returns its disposition, the
// session joined and the session's options.
func (r *Router) join(ctx context.Context, from *endpoint, host string, port alljoyn.SessionPort, raw map[string]alljoyn.Variant) (uint32, alljoyn.SessionID, alljoyn.SessionOpts) {
	opts, err := alljoyn.SessionOptsFromDict(raw)
	if err != nil {
		return joinBadOpts, 0, opts
	}
	hostEP, ok := r.resolve(host)
	if !ok {
		return joinNoSession, 0, opts
	}
	if hostEP == from {
		// Attachments reach their own objects without a session.
		return joinRejected, 0, opts
	}
	k := portKey{hostEP.name, port}

	r.mu.Lock()
	b := r.ports[k]
	if b == nil {
		r.mu.Unlock()
		return joinNoSession, 0, opts
	}
	if !b.opts.Compatible(opts) || b.opts.Multipoint != opts.Multipoint {
		r.mu.Unlock()
		return joinBadOpts, 0, opts
	}
	id := b.multipoint
	if id != 0 {
		if r.sessions[id].members.Has(from.name) {
			r.mu.Unlock()
			return joinAlreadyJoined, 0, opts
		}
	} else {
		for _, s := range r.sessions {
			if s.host == hostEP.name && s.port == port && s.members.Has(from.name) {
				r.mu.Unlock()
				return joinAlreadyJoined, 0, opts
			}
		}
		id = r.newSessionIDLocked()
	}
	final := b.opts
	final.Proximity &= opts.Proximity
	final.Transports &= opts.Transports
	r.mu.Unlock()

	resp, err := r.call(ctx, hostEP.name, alljoyn.PeerPath, alljoyn.PeerSessionInterface, "AcceptSession", "qusa{sv}", uint16(port), uint32(id), from.name, opts.Dict())
	var accepted bool
	if err == nil {
		err = alljoyn.Scan(resp, &accepted)
	}
	if err != nil {
		r.log.Warn("asking host to accept joiner", "host", hostEP.name, "port", port, "joiner", from.name, "err", err)
		return joinConnectFailed, 0, opts
	}
	if !accepted {
		return joinRejected, 0, opts
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// The world may have moved on while the host was deciding.
	if r.ports[k] != b {
		return joinNoSession, 0, opts
	}
	if _, ok := r.endpoints.Load(from.name); !ok {
		return joinConnectFailed, 0, opts
	}
	s := r.sessions[id]
	if s == nil {
		s = &session{
			id:      id,
			host:    hostEP.name,
			port:    port,
			opts:    final,
			members: mapset.New(hostEP.name),
		}
		r.sessions[id] = s
		if final.Multipoint {
			b.multipoint = id
		}
		r.metrics.sessions.Inc()
	} else if s.members.Has(from.name) {
		return joinAlreadyJoined, 0, opts
	}
	others := s.members.Slice()
	s.members.Add(from.name)

	r.signal(hostEP.name, alljoyn.AllJoynPath, alljoyn.AllJoynInterface, alljoyn.SignalSessionJoined, "qus", uint16(port), uint32(id), from.name)
	for _, m := range others {
		if m != hostEP.name {
			r.signal(m, alljoyn.AllJoynPath, alljoyn.AllJoynInterface, alljoyn.SignalMPSessionChanged, "usb", uint32(id), from.name, true)
		}
	}
	r.log.Info("session joined", "session", id, "host", hostEP.name, "port", port, "joiner", from.name)
	return joinSuccess, id, s.opts
}

func (r *Router) newSessionIDLocked() alljoyn.SessionID {
	for {
		id := alljoyn.SessionID(rand.Uint32())
		if id == 0 || r.sessions[id] != nil {
			continue
		}
		inUse := false
		for _, b := range r.ports {
			if b.multipoint == id {
				inUse = true
				break
			}
		}
		if !inUse {
			return id
		}
	}
}

// removeMemberLocked takes member out of s. Remaining members learn
// of the departure, or lose the session with reason if too few
// remain.
func (r *Router) removeMemberLocked(s *session, member string, reason alljoyn.SessionLostReason) {
	s.members.Remove(member)
	if s.members.Len() >= 2 && s.opts.Multipoint {
		for m := range s.members {
			r.signal(m, alljoyn.AllJoynPath, alljoyn.AllJoynInterface, alljoyn.SignalMPSessionChanged, "usb", uint32(s.id), member, false)
		}
		return
	}
	for m := range s.members {
		r.signal(m, alljoyn.AllJoynPath, alljoyn.AllJoynInterface, alljoyn.SignalSessionLostWithReason, "uu", uint32(s.id), uint32(reason))
	}
	delete(r.sessions, s.id)
	if b := r.ports[portKey{s.host, s.port}]; b != nil && b.multipoint == s.id {
		b.multipoint = 0
	}
	r.metrics.sessions.Dec()
	r.log.Info("session ended", "session", s.id, "reason", reason)
}

func (r *Router) leaveSession(from *endpoint, call *alljoyn.Message, args []any) error {
	var id uint32
	if err := scan(args, &id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[alljoyn.SessionID(id)]
	if s == nil || !s.members.Has(from.name) {
		r.reply(from, call, "u", uint32(statusFailed))
		return nil
	}
	r.reply(from, call, "u", uint32(statusSuccess))
	r.removeMemberLocked(s, from.name, alljoyn.SessionLostRemoteEndLeftSession)
	return nil
}

func (r *Router) removeSessionMember(from *endpoint, call *alljoyn.Message, args []any) error {
	var (
		id     uint32
		member string
	)
	if err := scan(args, &id, &member); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[alljoyn.SessionID(id)]
	if s == nil || s.host != from.name || member == from.name || !s.members.Has(member) || !s.opts.Multipoint {
		r.reply(from, call, "u", uint32(statusFailed))
		return nil
	}
	r.reply(from, call, "u", uint32(statusSuccess))
	r.signal(member, alljoyn.AllJoynPath, alljoyn.AllJoynInterface, alljoyn.SignalSessionLostWithReason, "uu", id, uint32(alljoyn.SessionLostRemovedByBinder))
	r.removeMemberLocked(s, member, alljoyn.SessionLostRemoteEndLeftSession)
	return nil
}

func (r *Router) getSessionMembers(from *endpoint, call *alljoyn.Message, args []any) error {
	var id uint32
	if err := scan(args, &id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[alljoyn.SessionID(id)]
	if s == nil || !s.members.Has(from.name) {
		return failure(errSessionNotFound, ftag.NotFound, fmt.Sprintf("no session %d", id))
	}
	ret := s.members.Slice()
	slices.Sort(ret)
	r.reply(from, call, "as", ret)
	return nil
}

// dropSessionsLocked removes a departed endpoint from all sessions,
// and unbinds its ports.
func (r *Router) dropSessionsLocked(ep string) {
	for k := range r.ports {
		if k.host == ep {
			delete(r.ports, k)
		}
	}
	for _, s := range r.sessions {
		if s.members.Has(ep) {
			r.removeMemberLocked(s, ep, alljoyn.SessionLostRemoteEndClosedAbruptly)
		}
	}
}
