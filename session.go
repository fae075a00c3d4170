package alljoyn

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// SessionPort is a port on which a session host accepts joiners.
type SessionPort uint16

// SessionPortAny asks [Conn.BindSessionPort] to pick a free port.
const SessionPortAny SessionPort = 0

// SessionID identifies a session. Zero is never a valid session.
type SessionID uint32

// TrafficType is the kind of traffic a session carries.
type TrafficType uint8

const (
	TrafficMessages      TrafficType = 0x01
	TrafficRawUnreliable TrafficType = 0x02
	TrafficRawReliable   TrafficType = 0x04
)

// Proximity restricts how far apart session peers may be.
type Proximity uint8

const (
	ProximityPhysical Proximity = 0x01
	ProximityNetwork  Proximity = 0x02
	ProximityAny      Proximity = 0xff
)

// TransportMask is a set of transports.
type TransportMask uint16

const (
	TransportNone  TransportMask = 0x0000
	TransportLocal TransportMask = 0x0001
	TransportTCP   TransportMask = 0x0004
	TransportUDP   TransportMask = 0x0100
	TransportIP    TransportMask = TransportTCP | TransportUDP
	TransportAny   TransportMask = 0xffff
)

// SessionOpts are the properties of a session, set by the host when
// binding a port and by joiners when joining.
type SessionOpts struct {
	Traffic    TrafficType
	Multipoint bool
	Proximity  Proximity
	Transports TransportMask
}

// DefaultSessionOpts are the options of a point to point message
// session over any transport.
var DefaultSessionOpts = SessionOpts{
	Traffic:    TrafficMessages,
	Proximity:  ProximityAny,
	Transports: TransportAny,
}

// Compatible reports whether a session with options o can be joined
// by a peer asking for other: the traffic types must match, and
// proximities and transports must overlap.
func (o SessionOpts) Compatible(other SessionOpts) bool {
	return o.Traffic == other.Traffic &&
		o.Proximity&other.Proximity != 0 &&
		o.Transports&other.Transports != 0
}

func (o SessionOpts) dict() map[string]Variant {
	return map[string]Variant{
		"traf":  {"y", byte(o.Traffic)},
		"multi": {"b", o.Multipoint},
		"prox":  {"y", byte(o.Proximity)},
		"trans": {"q", uint16(o.Transports)},
	}
}

// SessionOptsFromDict decodes session options from their a{sv} wire
// form. Missing keys take their value from [DefaultSessionOpts].
func SessionOptsFromDict(d map[string]Variant) (SessionOpts, error) {
	ret := DefaultSessionOpts
	for k, v := range d {
		var err error
		switch k {
		case "traf":
			var t byte
			err = Scan([]any{v}, &t)
			ret.Traffic = TrafficType(t)
		case "multi":
			err = Scan([]any{v}, &ret.Multipoint)
		case "prox":
			var p byte
			err = Scan([]any{v}, &p)
			ret.Proximity = Proximity(p)
		case "trans":
			var t uint16
			err = Scan([]any{v}, &t)
			ret.Transports = TransportMask(t)
		}
		if err != nil {
			return SessionOpts{}, fmt.Errorf("session option %q: %w", k, err)
		}
	}
	return ret, nil
}

// Dict returns the a{sv} wire form of the options.
func (o SessionOpts) Dict() map[string]Variant { return o.dict() }

// SessionLostReason is why a session was lost.
type SessionLostReason uint32

const (
	SessionLostInvalid                 SessionLostReason = 0
	SessionLostRemoteEndLeftSession    SessionLostReason = 1
	SessionLostRemoteEndClosedAbruptly SessionLostReason = 2
	SessionLostRemovedByBinder         SessionLostReason = 3
	SessionLostLinkTimeout             SessionLostReason = 4
	SessionLostReasonOther             SessionLostReason = 5
)

func (r SessionLostReason) String() string {
	switch r {
	case SessionLostRemoteEndLeftSession:
		return "remote end left session"
	case SessionLostRemoteEndClosedAbruptly:
		return "remote end closed abruptly"
	case SessionLostRemovedByBinder:
		return "removed by binder"
	case SessionLostLinkTimeout:
		return "link timeout"
	case SessionLostReasonOther:
		return "other"
	default:
		return "invalid(" + strconv.Itoa(int(r)) + ")"
	}
}

// SessionPortListener decides who may join sessions on a bound port.
type SessionPortListener interface {
	// AcceptSessionJoiner reports whether joiner may join a session
	// on port.
	AcceptSessionJoiner(port SessionPort, joiner string, opts SessionOpts) bool
	// SessionJoined is called after a joiner accepted by
	// AcceptSessionJoiner has joined.
	SessionJoined(port SessionPort, id SessionID, joiner string)
}

// SessionListener receives the events of a session.
type SessionListener interface {
	// SessionLost is called once when the session ends. The session
	// id is no longer usable.
	SessionLost(id SessionID, reason SessionLostReason)
	SessionMemberAdded(id SessionID, member string)
	SessionMemberRemoved(id SessionID, member string)
}

// SessionEventKind is the kind of a [SessionEvent].
type SessionEventKind int

const (
	SessionMemberAdded SessionEventKind = iota + 1
	SessionMemberRemoved
	SessionLost
)

// SessionEvent is a session event delivered on [Session.Events].
type SessionEvent struct {
	Kind    SessionEventKind
	Session SessionID
	// Member is the member added or removed.
	Member string
	// Reason is why the session was lost.
	Reason SessionLostReason
}

// eventQueueLen is the buffer of event channels. Events to a full
// channel are dropped.
const eventQueueLen = 16

func sessionTopic(id SessionID) string {
	return "session/" + strconv.FormatUint(uint64(id), 10)
}

type boundPort struct {
	opts     SessionOpts
	listener SessionPortListener
}

// Session is a session this Conn hosts or has joined.
type Session struct {
	c      *Conn
	id     SessionID
	port   SessionPort
	host   string
	opts   SessionOpts
	hosted bool

	mu       sync.Mutex
	listener SessionListener
	members  []string
	lost     bool
	reason   SessionLostReason
}

// ID returns the session's id.
func (s *Session) ID() SessionID { return s.id }

// Port returns the port the session was joined on.
func (s *Session) Port() SessionPort { return s.port }

// Host returns the unique name of the session host.
func (s *Session) Host() string { return s.host }

// Opts returns the session's options.
func (s *Session) Opts() SessionOpts { return s.opts }

// Hosted reports whether this Conn is the session's host.
func (s *Session) Hosted() bool { return s.hosted }

// Members returns the unique names of the other members of the
// session.
func (s *Session) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.members)
}

// Lost reports whether the session was lost, and why.
func (s *Session) Lost() (bool, SessionLostReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost, s.reason
}

// SetListener sets the listener for the session's events.
func (s *Session) SetListener(l SessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Events returns a channel of the session's events, and a function
// to stop receiving them. The channel is closed when the Conn closes.
func (s *Session) Events() (<-chan any, func()) {
	topic := sessionTopic(s.id)
	ch := s.c.events.Sub(topic)
	return ch, func() { go s.c.events.Unsub(ch, topic) }
}

func (s *Session) memberChanged(member string, added bool) {
	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return
	}
	i := slices.Index(s.members, member)
	switch {
	case added && i < 0:
		s.members = append(s.members, member)
	case !added && i >= 0:
		s.members = slices.Delete(s.members, i, i+1)
	default:
		s.mu.Unlock()
		return
	}
	l := s.listener
	s.mu.Unlock()

	ev := SessionEvent{Kind: SessionMemberRemoved, Session: s.id, Member: member}
	if added {
		ev.Kind = SessionMemberAdded
	}
	s.c.events.TryPub(ev, sessionTopic(s.id))
	if l != nil {
		s.c.callbacks.Add(func() {
			if added {
				l.SessionMemberAdded(s.id, member)
			} else {
				l.SessionMemberRemoved(s.id, member)
			}
		})
	}
}

// lose marks the session lost and notifies its listener, once.
func (s *Session) lose(reason SessionLostReason) {
	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return
	}
	s.lost, s.reason = true, reason
	l := s.listener
	s.mu.Unlock()

	s.c.log.Info("session lost", "session", s.id, "reason", reason)
	s.c.events.TryPub(SessionEvent{Kind: SessionLost, Session: s.id, Reason: reason}, sessionTopic(s.id))
	if l != nil {
		s.c.callbacks.Add(func() { l.SessionLost(s.id, reason) })
	}
}

// Router replies of BindSessionPort.
const (
	bindSuccess       = 1
	bindAlreadyExists = 2
	bindInvalidOpts   = 3
)

// BindSessionPort binds a session port, so that other peers may join
// sessions hosted by this Conn. port may be SessionPortAny to have the
// router pick a free port. l decides who may join; a nil l accepts
// everyone.
//
// Bindings last until the Conn disconnects.
func (c *Conn) BindSessionPort(ctx context.Context, port SessionPort, opts SessionOpts, l SessionPortListener) (SessionPort, error) {
	resp, err := c.busCall(ctx, AllJoynPath, AllJoynInterface, "BindSessionPort", "qa{sv}", uint16(port), opts.dict())
	if err != nil {
		return 0, err
	}
	var (
		status uint32
		bound  uint16
	)
	if err := Scan(resp, &status, &bound); err != nil {
		return 0, err
	}
	switch status {
	case bindSuccess:
	case bindAlreadyExists:
		return 0, fmt.Errorf("binding port %d: %w", port, ErrPortInUse)
	case bindInvalidOpts:
		return 0, fmt.Errorf("binding port %d: %w", port, ErrBadSessionOpts)
	default:
		return 0, fmt.Errorf("binding port %d: router returned status %d", port, status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports[SessionPort(bound)] = &boundPort{opts, l}
	return SessionPort(bound), nil
}

// UnbindSessionPort unbinds a session port. Existing sessions on the
// port are unaffected.
func (c *Conn) UnbindSessionPort(ctx context.Context, port SessionPort) error {
	status, err := scanOne[uint32](c.busCall(ctx, AllJoynPath, AllJoynInterface, "UnbindSessionPort", "q", uint16(port)))
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.ports, port)
	c.mu.Unlock()
	if status != bindSuccess {
		return fmt.Errorf("unbinding port %d: %w", port, ErrNotBound)
	}
	return nil
}

// Router dispositions of JoinSession.
const (
	joinSuccess       = 1
	joinNoSession     = 2
	joinUnreachable   = 3
	joinConnectFailed = 4
	joinRejected      = 5
	joinBadOpts       = 6
	joinAlreadyJoined = 7
)

// JoinSession joins a session hosted by host on port.
//
// It fails with [ErrSessionNotFound] if host has not bound port,
// [ErrSessionRefused] if the host declined, [ErrBadSessionOpts] if
// opts are incompatible with the host's, and [ErrAlreadyJoined] if
// this Conn is already in the session.
func (c *Conn) JoinSession(ctx context.Context, host string, port SessionPort, opts SessionOpts, l SessionListener) (*Session, error) {
	resp, err := c.busCall(ctx, AllJoynPath, AllJoynInterface, "JoinSession", "sqa{sv}", host, uint16(port), opts.dict())
	if err != nil {
		return nil, err
	}
	var (
		disp, id uint32
		rawOpts  map[string]Variant
	)
	if err := Scan(resp, &disp, &id, &rawOpts); err != nil {
		return nil, err
	}
	switch disp {
	case joinSuccess:
	case joinNoSession:
		return nil, fmt.Errorf("joining %s port %d: %w", host, port, ErrSessionNotFound)
	case joinUnreachable:
		return nil, fmt.Errorf("joining %s port %d: %w", host, port, ErrUnreachable)
	case joinConnectFailed:
		return nil, fmt.Errorf("joining %s port %d: %w", host, port, ErrConnectionFailed)
	case joinRejected:
		return nil, fmt.Errorf("joining %s port %d: %w", host, port, ErrSessionRefused)
	case joinBadOpts:
		return nil, fmt.Errorf("joining %s port %d: %w", host, port, ErrBadSessionOpts)
	case joinAlreadyJoined:
		return nil, fmt.Errorf("joining %s port %d: %w", host, port, ErrAlreadyJoined)
	default:
		return nil, fmt.Errorf("joining %s port %d: router returned disposition %d", host, port, disp)
	}
	final, err := SessionOptsFromDict(rawOpts)
	if err != nil {
		return nil, err
	}

	members, err := c.sessionMembers(ctx, SessionID(id))
	if err != nil {
		c.log.Warn("listing session members", "session", id, "err", err)
		members = []string{host}
	}
	s := &Session{
		c:        c,
		id:       SessionID(id),
		port:     port,
		host:     host,
		opts:     final,
		listener: l,
		members:  members,
	}
	c.mu.Lock()
	if c.lost.has(s.id) {
		// Lost while the join reply was in flight.
		c.mu.Unlock()
		s.lose(SessionLostRemoteEndLeftSession)
		return s, nil
	}
	c.sessions[s.id] = s
	c.mu.Unlock()
	c.log.Info("joined session", "session", id, "host", host, "port", port)
	return s, nil
}

// LeaveSession leaves a session. The session's listener is not told
// about the departure, and the session id becomes invalid.
func (c *Conn) LeaveSession(ctx context.Context, id SessionID) error {
	c.mu.Lock()
	s := c.sessions[id]
	delete(c.sessions, id)
	c.lost.add(id)
	c.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		s.lost, s.reason = true, SessionLostRemoteEndLeftSession
		s.mu.Unlock()
	}

	status, err := scanOne[uint32](c.busCall(ctx, AllJoynPath, AllJoynInterface, "LeaveSession", "u", uint32(id)))
	if err != nil {
		return err
	}
	if status != 1 {
		return fmt.Errorf("leaving session %d: %w", id, ErrSessionNotFound)
	}
	return nil
}

// RemoveSessionMember removes a member from a multipoint session this
// Conn hosts.
func (c *Conn) RemoveSessionMember(ctx context.Context, id SessionID, member string) error {
	status, err := scanOne[uint32](c.busCall(ctx, AllJoynPath, AllJoynInterface, "RemoveSessionMember", "us", uint32(id), member))
	if err != nil {
		return err
	}
	if status != 1 {
		return fmt.Errorf("removing %s from session %d: %w", member, id, ErrSessionNotFound)
	}
	return nil
}

// Session returns a session this Conn hosts or has joined.
func (c *Conn) Session(id SessionID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// sessionMembers asks the router for the members of a session,
// excluding this Conn.
func (c *Conn) sessionMembers(ctx context.Context, id SessionID) ([]string, error) {
	all, err := scanOne[[]string](c.busCall(ctx, AllJoynPath, AllJoynInterface, "GetSessionMembers", "u", uint32(id)))
	if err != nil {
		return nil, err
	}
	self := c.UniqueName()
	return slices.DeleteFunc(all, func(m string) bool { return m == self }), nil
}

// maxLostSessions is how many lost session IDs a Conn remembers, to
// fail calls and signals in them fast.
const maxLostSessions = 256

// lostSessions is a bounded set of lost session IDs, which forgets
// the oldest first.
type lostSessions struct {
	ids   map[SessionID]bool
	order []SessionID
}

func (l *lostSessions) has(id SessionID) bool { return l.ids[id] }

func (l *lostSessions) add(id SessionID) {
	if l.ids[id] {
		return
	}
	if l.ids == nil {
		l.ids = map[SessionID]bool{}
	}
	l.ids[id] = true
	l.order = append(l.order, id)
	if len(l.order) > maxLostSessions {
		delete(l.ids, l.order[0])
		l.order = slices.Delete(l.order, 0, 1)
	}
}

func (l *lostSessions) remove(id SessionID) {
	if !l.ids[id] {
		return
	}
	delete(l.ids, id)
	l.order = slices.DeleteFunc(l.order, func(o SessionID) bool { return o == id })
}

func (l *lostSessions) clear() {
	clear(l.ids)
	l.order = l.order[:0]
}

func (l *lostSessions) len() int { return len(l.ids) }

func (c *Conn) sessionLost(id SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost.has(id)
}

func (c *Conn) handleAcceptSession(ctx context.Context, call *Call) ([]any, error) {
	if call.Sender != BusName {
		return nil, fmt.Errorf("%w: AcceptSession from %s", ErrPermissionDenied, call.Sender)
	}
	var (
		port    uint16
		id      uint32
		joiner  string
		rawOpts map[string]Variant
	)
	if err := call.Scan(&port, &id, &joiner, &rawOpts); err != nil {
		return nil, err
	}
	opts, err := SessionOptsFromDict(rawOpts)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	bp := c.ports[SessionPort(port)]
	c.mu.Unlock()
	if bp == nil {
		return []any{false}, nil
	}
	accept := bp.listener == nil || bp.listener.AcceptSessionJoiner(SessionPort(port), joiner, opts)
	c.log.Debug("session join request", "port", port, "joiner", joiner, "accepted", accept)
	return []any{accept}, nil
}

func (c *Conn) sessionJoinedSignal(port SessionPort, id SessionID, joiner string) {
	c.mu.Lock()
	bp := c.ports[port]
	s := c.sessions[id]
	isNew := s == nil
	if isNew && bp != nil {
		s = &Session{
			c:      c,
			id:     id,
			port:   port,
			host:   c.uniqueName,
			opts:   bp.opts,
			hosted: true,
		}
		c.sessions[id] = s
		c.lost.remove(id)
	}
	c.mu.Unlock()
	if s == nil {
		return
	}
	if isNew {
		s.mu.Lock()
		s.members = append(s.members, joiner)
		s.mu.Unlock()
	} else {
		s.memberChanged(joiner, true)
	}
	if bp != nil && bp.listener != nil {
		c.callbacks.Add(func() { bp.listener.SessionJoined(port, id, joiner) })
	}
}

func (c *Conn) sessionLostSignal(id SessionID, reason SessionLostReason) {
	c.mu.Lock()
	s := c.sessions[id]
	delete(c.sessions, id)
	c.lost.add(id)
	c.mu.Unlock()
	if s != nil {
		s.lose(reason)
	}
}

func (c *Conn) memberChanged(id SessionID, member string, added bool) {
	if member == c.UniqueName() {
		return
	}
	c.mu.Lock()
	s := c.sessions[id]
	c.mu.Unlock()
	if s != nil {
		s.memberChanged(member, added)
	}
}
