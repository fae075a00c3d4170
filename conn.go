package alljoyn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/cskr/pubsub/v2"
	"github.com/danderson/alljoyn/transport"
	"github.com/google/uuid"
)

// DefaultCallTimeout is how long method calls wait for a reply when
// neither the call nor the Conn sets a timeout.
const DefaultCallTimeout = 25 * time.Second

// Options configures a [Conn].
type Options struct {
	// Logger receives the Conn's logs. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
	// CallTimeout is the default time method calls wait for a reply.
	// If zero, DefaultCallTimeout is used.
	CallTimeout time.Duration
	// MaxMessageSize is the largest inbound message accepted. If
	// zero, DefaultMaxMessageSize is used.
	MaxMessageSize int
	// OnSecurityViolation, if set, is called each time an inbound
	// message is rejected by peer security or policy.
	OnSecurityViolation func(SecurityViolation)
}

// Conn is a bus attachment: a participant's connection to a bus
// router, through which it owns names, implements objects, calls
// other peers and joins sessions.
//
// A Conn is created disconnected by [NewConn]. Objects, interfaces and
// security may be configured before [Conn.Connect] is called.
type Conn struct {
	opts      Options
	log       *slog.Logger
	serials   serialCounter
	machineID string
	events    *pubsub.PubSub[string, any]
	callbacks *callbackQueue

	writeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	t          transport.Transport
	readDone   chan struct{}
	guid       string
	uniqueName string
	calls      map[uint32]*pendingCall
	objects    map[ObjectPath]*Object
	ifaces     map[string]*InterfaceDescription
	watchers   mapset.Set[*Watcher]
	claims     mapset.Set[*Claim]
	ports      map[SessionPort]*boundPort
	sessions   map[SessionID]*Session
	lost       lostSessions
	finders    []DiscoveryListener
	sec        *peerSecurity
	perm       *permissionGate
	about      *aboutService
}

type pendingCall struct {
	// from is the unique name the reply must come from.
	from string
	// secure calls only accept encrypted method returns.
	secure bool

	notify chan struct{}
	reply  *Message
	err    error
}

// NewConn returns an unconnected Conn.
func NewConn(opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	ret := &Conn{
		opts:      opts,
		log:       opts.Logger,
		machineID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		events:    pubsub.New[string, any](eventQueueLen),
		calls:     map[uint32]*pendingCall{},
		objects:   map[ObjectPath]*Object{},
		ifaces:    map[string]*InterfaceDescription{},
		watchers:  mapset.New[*Watcher](),
		claims:    mapset.New[*Claim](),
		ports:     map[SessionPort]*boundPort{},
		sessions:  map[SessionID]*Session{},
	}
	ret.callbacks = newCallbackQueue()
	ret.perm = newPermissionGate(ret)
	ret.about = newAboutService(ret)

	peer, err := NewObject(PeerPath)
	if err != nil {
		panic(err)
	}
	for _, iface := range []*InterfaceDescription{peerSessionIface, peerAuthIface} {
		if err := peer.AddInterface(iface); err != nil {
			panic(err)
		}
	}
	peer.HandleMethod(PeerSessionInterface, "AcceptSession", ret.handleAcceptSession)
	peer.HandleMethod(PeerAuthInterface, "ExchangeGuids", ret.handleExchangeGuids)
	peer.HandleMethod(PeerAuthInterface, "AuthChallenge", ret.handleAuthChallenge)
	peer.HandleMethod(PeerAuthInterface, "GenSessionKey", ret.handleGenSessionKey)
	if err := ret.RegisterObject(peer); err != nil {
		panic(err)
	}

	return ret
}

// serialCounter hands out message serials, which must never be zero.
type serialCounter struct {
	last atomic.Uint32
}

func (s *serialCounter) next() uint32 {
	for {
		if ret := s.last.Add(1); ret != 0 {
			return ret
		}
	}
}

// Connect connects to the bus router at addr, a semicolon separated
// list of addresses such as "unix:path=/run/alljoyn/bus" or
// "null:name=test", and obtains a unique name.
//
// Connect on a connected Conn does nothing. Failure to reach a router
// returns an error matching [ErrConnectionFailed].
func (c *Conn) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	if c.t != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	t, guid, err := transport.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	if c.closed || c.t != nil {
		c.mu.Unlock()
		t.Close()
		if c.closed {
			return net.ErrClosed
		}
		return nil
	}
	done := make(chan struct{})
	c.t, c.guid, c.readDone = t, guid, done
	c.lost.clear()
	c.mu.Unlock()

	go c.readLoop(t, done)

	var name string
	resp, err := c.busCall(ctx, BusPath, BusInterface, "Hello", "")
	if err == nil {
		err = Scan(resp, &name)
	}
	if err != nil {
		t.Close()
		<-done
		return fmt.Errorf("%w: getting unique name: %w", ErrConnectionFailed, err)
	}
	c.mu.Lock()
	c.uniqueName = name
	c.mu.Unlock()
	c.log.Info("connected to bus", "addr", addr, "name", name, "router", guid)

	// Matches outlive connections. Reinstate them.
	for w := range c.lockedWatchers() {
		for _, m := range w.activeMatches() {
			if err := c.addMatch(ctx, m); err != nil {
				c.log.Warn("restoring signal match", "match", m.filterString(), "err", err)
			}
		}
	}
	return nil
}

// Disconnect closes the connection to the router. The Conn's
// objects, interfaces and watchers are kept, and become live again
// on the next Connect. Sessions are lost.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	t, done := c.t, c.readDone
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	err := t.Close()
	<-done
	return err
}

// Close disconnects the Conn and releases all its resources. A closed
// Conn cannot be reconnected.
func (c *Conn) Close() error {
	var (
		ws mapset.Set[*Watcher]
		cs mapset.Set[*Claim]
	)
	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.closed = true
		ws, c.watchers = c.watchers, mapset.New[*Watcher]()
		cs, c.claims = c.claims, mapset.New[*Claim]()
		c.mu.Unlock()
	}
	for cl := range cs {
		cl.Close()
	}
	for w := range ws {
		w.Close()
	}
	err := c.Disconnect()
	if errors.Is(err, ErrNotConnected) {
		err = nil
	}
	c.callbacks.Close()
	c.events.Shutdown()
	if ps := c.security(); ps != nil {
		ps.close()
	}
	return err
}

// IsConnected reports whether the Conn is connected to a router.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t != nil && c.uniqueName != ""
}

// UniqueName returns the connection's unique bus name, or "" if the
// Conn is not connected.
func (c *Conn) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// RouterGUID returns the GUID of the router the Conn is connected to.
func (c *Conn) RouterGUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guid
}

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

func (c *Conn) bus() ProxyObject {
	return c.Peer(BusName).Object(BusPath)
}

// RegisterObject makes obj available to other bus peers at its path.
// An object registered on a disconnected Conn is accepted, but only
// serves calls once the Conn connects.
func (c *Conn) RegisterObject(obj *Object) error {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.conn != nil {
		return fmt.Errorf("object %s is already registered", obj.path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if _, ok := c.objects[obj.path]; ok {
		return fmt.Errorf("registering %s: %w", obj.path, ErrPathInUse)
	}
	c.objects[obj.path] = obj
	obj.conn = c
	return nil
}

// UnregisterObject removes a registered object.
func (c *Conn) UnregisterObject(obj *Object) {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.conn != c {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.objects[obj.path] == obj {
		delete(c.objects, obj.path)
	}
	obj.conn = nil
}

func (c *Conn) object(path ObjectPath) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objects[path]
}

// childNodes returns the names of the immediate children of path in
// the tree of registered objects.
func (c *Conn) childNodes(path ObjectPath) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := mapset.New[string]()
	var ret []string
	for p := range c.objects {
		if !p.IsChildOf(path) {
			continue
		}
		rest := strings.TrimPrefix(string(p), string(path))
		rest = strings.TrimPrefix(rest, "/")
		child, _, _ := strings.Cut(rest, "/")
		if child != "" && !seen.Has(child) {
			seen.Add(child)
			ret = append(ret, child)
		}
	}
	return ret
}

// CreateInterface registers a description of an interface that other
// peers implement. Proxies use registered descriptions to pick
// argument signatures and honor the NoReply and Secure annotations.
func (c *Conn) CreateInterface(iface *InterfaceDescription) error {
	iface.Activate()
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.ifaces[iface.Name]; ok && prev != iface {
		return fmt.Errorf("interface %s already created", iface.Name)
	}
	c.ifaces[iface.Name] = iface
	return nil
}

// Interface returns the registered description of the named
// interface.
func (c *Conn) Interface(name string) (*InterfaceDescription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret, ok := c.ifaces[name]
	return ret, ok
}

func (c *Conn) lockedWatchers() iter.Seq[*Watcher] {
	c.mu.Lock()
	ws := c.watchers.Clone()
	c.mu.Unlock()
	return func(yield func(*Watcher) bool) {
		for w := range ws {
			if !yield(w) {
				return
			}
		}
	}
}

// send transmits msg, assigning it a serial if it has none. A message
// whose TTL has already elapsed is not sent, and send returns
// ErrTimedOut.
func (c *Conn) send(msg *Message) (uint32, error) {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	if t == nil {
		return 0, ErrNotConnected
	}
	if msg.Serial == 0 {
		msg.Serial = c.serials.next()
	}
	if msg.Expired(time.Now()) {
		return 0, fmt.Errorf("%s %s.%s not sent: %w", msg.Type, msg.Interface, msg.Member, ErrTimedOut)
	}
	if msg.TTL != 0 && msg.Timestamp == 0 {
		msg.Timestamp = uint32(msg.Created.UnixMilli())
	}
	bs, err := msg.Encode()
	if err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := t.Write(bs); err != nil {
		return 0, err
	}
	return msg.Serial, nil
}

// call sends a method call and waits for its reply.
func (c *Conn) call(ctx context.Context, msg *Message, o callOptions) (*Message, error) {
	if o.noReply {
		msg.Flags |= FlagNoReplyExpected
	}
	if o.session != 0 {
		if c.sessionLost(o.session) {
			return nil, fmt.Errorf("session %d: %w", o.session, ErrSessionLost)
		}
		msg.SessionID = uint32(o.session)
	}
	if o.ttl > 0 {
		msg.SetTTL(o.ttl)
	}
	if o.compress {
		msg.Compress()
	}
	if msg.WantReply() && isWellKnown(msg.Destination) {
		// Pin the call to the current owner, so that only it can
		// answer.
		owner, err := c.GetNameOwner(ctx, msg.Destination)
		if err != nil {
			return nil, fmt.Errorf("calling %s.%s on %s: %w", msg.Interface, msg.Member, msg.Destination, err)
		}
		msg.Destination = owner
	}
	msg.Serial = c.serials.next()
	if o.secure {
		if err := c.sealFor(ctx, msg.Destination, msg); err != nil {
			return nil, err
		}
	}

	pending := &pendingCall{
		from:   msg.Destination,
		secure: o.secure,
		notify: make(chan struct{}),
	}
	if msg.WantReply() {
		c.mu.Lock()
		c.calls[msg.Serial] = pending
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.calls[msg.Serial] == pending {
				delete(c.calls, msg.Serial)
			}
		}()
	}

	if _, err := c.send(msg); err != nil {
		return nil, err
	}
	if !msg.WantReply() {
		return nil, nil
	}

	timeout := o.timeout
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-pending.notify:
	case <-timer.C:
		return nil, fmt.Errorf("calling %s.%s on %s: %w", msg.Interface, msg.Member, msg.Destination, ErrTimedOut)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if pending.err != nil {
		return nil, pending.err
	}

	reply := pending.reply
	if reply.Flags&FlagEncrypted != 0 {
		opened, _, err := c.openFrom(reply)
		if err != nil {
			return nil, err
		}
		reply = opened
	}
	if reply.Type == TypeError {
		return nil, CallError{
			Name:   reply.ErrorName,
			Detail: reply.errorDetail(),
		}
	}
	return reply, nil
}

// busCall calls a router method and returns the decoded reply.
func (c *Conn) busCall(ctx context.Context, path ObjectPath, iface, method, sig string, args ...any) ([]any, error) {
	msg := NewMethodCall(BusName, path, iface, method)
	if err := msg.SetBody(sig, args...); err != nil {
		return nil, err
	}
	reply, err := c.call(ctx, msg, callOptions{})
	if err != nil {
		return nil, err
	}
	return reply.Args()
}

func (c *Conn) readLoop(t transport.Transport, done chan struct{}) {
	defer close(done)
	defer c.connectionLost(t)
	for {
		msg, err := ReadMessage(t, c.opts.MaxMessageSize)
		switch {
		case err == nil:
			c.dispatch(msg)
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		case errors.Is(err, io.ErrUnexpectedEOF):
			c.log.Warn("bus connection closed mid-message", "err", err)
			return
		case errors.Is(err, ErrInvalidHeader), errors.Is(err, ErrTruncatedMessage), errors.Is(err, ErrMalformedMessage):
			// Protocol errors cost the message, not the connection.
			c.log.Warn("dropping invalid message", "err", err)
		default:
			c.log.Error("bus connection failed", "err", err)
			return
		}
	}
}

// connectionLost resets the Conn's connection state after the read
// loop for t exits.
func (c *Conn) connectionLost(t transport.Transport) {
	t.Close()

	var (
		pend     map[uint32]*pendingCall
		sessions map[SessionID]*Session
	)
	{
		c.mu.Lock()
		if c.t != t {
			c.mu.Unlock()
			return
		}
		c.t = nil
		c.uniqueName = ""
		pend, c.calls = c.calls, map[uint32]*pendingCall{}
		sessions, c.sessions = c.sessions, map[SessionID]*Session{}
		for id := range sessions {
			c.lost.add(id)
		}
		// The router forgets bindings with the connection.
		clear(c.ports)
		c.mu.Unlock()
	}
	for p := range maps.Values(pend) {
		p.err = fmt.Errorf("connection lost: %w", ErrNotConnected)
		close(p.notify)
	}
	for _, s := range sessions {
		s.lose(SessionLostRemoteEndClosedAbruptly)
	}
	if ps := c.security(); ps != nil {
		ps.forgetAll()
	}
	c.log.Info("disconnected from bus")
}

func (c *Conn) dispatch(msg *Message) {
	switch msg.Type {
	case TypeMethodCall:
		go c.dispatchCall(msg)
	case TypeMethodReturn, TypeError:
		c.dispatchReply(msg)
	case TypeSignal:
		c.dispatchSignal(msg)
	}
}

func (c *Conn) dispatchReply(msg *Message) {
	c.mu.Lock()
	pending := c.calls[msg.ReplySerial]
	if pending == nil {
		c.mu.Unlock()
		// Response to a canceled or timed out call.
		c.log.Debug("dropping unexpected reply", "reply_serial", msg.ReplySerial, "sender", msg.Sender)
		return
	}
	// The router answers with errors for calls it could not deliver.
	if msg.Sender != pending.from && (msg.Sender != BusName || msg.Type != TypeError) {
		c.mu.Unlock()
		c.log.Warn("dropping reply from wrong sender", "reply_serial", msg.ReplySerial, "sender", msg.Sender, "want", pending.from)
		return
	}
	delete(c.calls, msg.ReplySerial)
	c.mu.Unlock()

	if pending.secure && msg.Type == TypeMethodReturn && msg.Flags&FlagEncrypted == 0 {
		pending.err = fmt.Errorf("%w: unencrypted reply from %s to an encrypted call", ErrAuthFailed, msg.Sender)
	}
	pending.reply = msg
	close(pending.notify)
}

// isWellKnown reports whether name is a well-known name of a peer,
// rather than a unique name or the router.
func isWellKnown(name string) bool {
	return name != "" && name != BusName && !strings.HasPrefix(name, ":")
}

func (c *Conn) dispatchCall(msg *Message) {
	reply, err := c.handleCall(msg)
	if msg.Flags&FlagNoReplyExpected != 0 {
		if err != nil {
			c.log.Debug("no-reply call failed", "member", msg.Interface+"."+msg.Member, "sender", msg.Sender, "err", err)
		}
		return
	}
	if err != nil {
		reply = NewError(msg, errNameFor(err), err.Error())
	} else if msg.Flags&FlagEncrypted != 0 {
		if err := c.sealReply(msg.Sender, reply); err != nil {
			reply = NewError(msg, errNameAuthFailed, err.Error())
		}
	}
	if _, err := c.send(reply); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Warn("sending reply", "member", msg.Interface+"."+msg.Member, "dest", msg.Sender, "err", err)
	}
}

// handleCall runs the handler for an inbound method call and returns
// its reply.
func (c *Conn) handleCall(msg *Message) (*Message, error) {
	if msg.Interface == PeerInterface {
		return c.handlePeer(msg)
	}

	obj := c.object(msg.Path)
	if obj == nil {
		if msg.Interface == IntrospectableInterface && msg.Member == "Introspect" && len(c.childNodes(msg.Path)) > 0 {
			return c.introspectReply(msg, nil)
		}
		return nil, CallError{errNameUnknownObject, fmt.Sprintf("no object at %s", msg.Path)}
	}
	iface, member, ok := obj.lookup(msg.Interface, msg.Member)
	if !ok {
		return nil, CallError{errNameUnknownMethod, fmt.Sprintf("%s has no method %s.%s", msg.Path, msg.Interface, msg.Member)}
	}

	var auth *PeerAuth
	if msg.Flags&FlagEncrypted != 0 {
		opened, a, err := c.openFrom(msg)
		if err != nil {
			c.violation(msg, err)
			return nil, err
		}
		msg, auth = opened, a
	}
	if iface.memberSecure(member) && auth == nil {
		err := fmt.Errorf("%w: %s.%s requires an encrypted call", ErrPermissionDenied, iface.Name, member.Name)
		c.violation(msg, err)
		return nil, err
	}
	if want := member.InSignature(); msg.Signature != want {
		return nil, CallError{errNameInvalidArgs, fmt.Sprintf("%s.%s takes %q, got %q", iface.Name, member.Name, want, msg.Signature)}
	}
	args, err := msg.Args()
	if err != nil {
		return nil, CallError{errNameInvalidArgs, err.Error()}
	}
	call := &Call{
		Conn:   c,
		Msg:    msg,
		Args:   args,
		Sender: msg.Sender,
		Auth:   auth,
	}
	ctx := withContextCall(context.Background(), call)

	switch iface.Name {
	case IntrospectableInterface:
		return c.introspectReply(msg, obj)
	case PropertiesInterface:
		return c.handleProperties(ctx, obj, call)
	}

	if err := c.perm.authorize(call, iface.Name, member.Name, ActionProvide); err != nil {
		return nil, err
	}
	handler := obj.handler(iface.Name, member.Name)
	if handler == nil {
		return nil, CallError{errNameUnknownMethod, fmt.Sprintf("%s.%s is not implemented", iface.Name, member.Name)}
	}
	outs, err := handler(ctx, call)
	if err != nil {
		return nil, err
	}
	reply := NewReply(msg)
	if err := reply.SetBody(member.OutSignature(), outs...); err != nil {
		c.log.Error("method handler returned bad results", "member", iface.Name+"."+member.Name, "err", err)
		return nil, err
	}
	return reply, nil
}

func (c *Conn) handlePeer(msg *Message) (*Message, error) {
	reply := NewReply(msg)
	switch msg.Member {
	case "Ping":
		return reply, nil
	case "GetMachineId":
		return reply, reply.SetBody("s", c.machineID)
	default:
		return nil, CallError{errNameUnknownMethod, fmt.Sprintf("%s has no method %s", PeerInterface, msg.Member)}
	}
}

func (c *Conn) handleProperties(ctx context.Context, obj *Object, call *Call) (*Message, error) {
	reply := NewReply(call.Msg)
	switch call.Msg.Member {
	case "Get":
		var iface, name string
		if err := call.Scan(&iface, &name); err != nil {
			return nil, err
		}
		if err := c.perm.authorize(call, iface, name, ActionProvide); err != nil {
			return nil, err
		}
		v, err := obj.getProperty(ctx, iface, name)
		if err != nil {
			return nil, err
		}
		return reply, reply.SetBody("v", v)
	case "Set":
		var (
			iface, name string
			v           Variant
		)
		if err := call.Scan(&iface, &name, &v); err != nil {
			return nil, err
		}
		if err := c.perm.authorize(call, iface, name, ActionModify); err != nil {
			return nil, err
		}
		return reply, obj.setProperty(ctx, iface, name, v)
	case "GetAll":
		var iface string
		if err := call.Scan(&iface); err != nil {
			return nil, err
		}
		if err := c.perm.authorize(call, iface, "*", ActionProvide); err != nil {
			return nil, err
		}
		props, err := obj.getAllProperties(ctx, iface)
		if err != nil {
			return nil, err
		}
		return reply, reply.SetBody("a{sv}", props)
	}
	return nil, CallError{errNameUnknownMethod, call.Msg.Member}
}

func (c *Conn) introspectReply(msg *Message, obj *Object) (*Message, error) {
	desc := c.describe(msg.Path, obj)
	reply := NewReply(msg)
	return reply, reply.SetBody("s", desc.String())
}

func (c *Conn) dispatchSignal(msg *Message) {
	var auth *PeerAuth
	if msg.Flags&FlagEncrypted != 0 {
		opened, a, err := c.openFrom(msg)
		if err != nil {
			c.violation(msg, err)
			c.log.Warn("dropping undecryptable signal", "member", msg.Interface+"."+msg.Member, "sender", msg.Sender, "err", err)
			return
		}
		msg, auth = opened, a
	}
	args, err := msg.Args()
	if err != nil {
		c.log.Warn("dropping malformed signal", "member", msg.Interface+"."+msg.Member, "sender", msg.Sender, "err", err)
		return
	}

	if msg.Sender == BusName {
		c.handleBusSignal(msg, args)
	} else if !c.perm.allowSignal(msg, auth) {
		return
	}

	sig := Signal{
		Sender:      msg.Sender,
		Path:        msg.Path,
		Interface:   msg.Interface,
		Member:      msg.Member,
		SessionID:   SessionID(msg.SessionID),
		Sessionless: msg.Flags&FlagSessionless != 0,
		Args:        args,
	}
	for w := range c.lockedWatchers() {
		w.deliver(&sig)
	}
}

// handleBusSignal updates local state from router notifications.
func (c *Conn) handleBusSignal(msg *Message, args []any) {
	var err error
	switch msg.Interface + "." + msg.Member {
	case AllJoynInterface + "." + SignalSessionLostWithReason:
		var id, reason uint32
		if err = Scan(args, &id, &reason); err == nil {
			c.sessionLostSignal(SessionID(id), SessionLostReason(reason))
		}
	case AllJoynInterface + "." + SignalMPSessionChanged:
		var (
			id     uint32
			member string
			added  bool
		)
		if err = Scan(args, &id, &member, &added); err == nil {
			c.memberChanged(SessionID(id), member, added)
		}
	case AllJoynInterface + "." + SignalSessionJoined:
		var (
			port   uint16
			id     uint32
			joiner string
		)
		if err = Scan(args, &port, &id, &joiner); err == nil {
			c.sessionJoinedSignal(SessionPort(port), SessionID(id), joiner)
		}
	case AllJoynInterface + "." + SignalFoundAdvertisedName, AllJoynInterface + "." + SignalLostAdvertisedName:
		var ev DiscoveryEvent
		var transports uint16
		if err = Scan(args, &ev.Name, &transports, &ev.Prefix); err == nil {
			ev.Transports = TransportMask(transports)
			ev.Found = msg.Member == SignalFoundAdvertisedName
			c.discoveryEvent(ev)
		}
	}
	if err != nil {
		c.log.Warn("bad router signal", "member", msg.Member, "err", err)
	}
}

// callbackQueue runs listener callbacks one at a time, in the order
// they were queued, off the read loop.
type callbackQueue struct {
	once    sync.Once
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

func newCallbackQueue() *callbackQueue {
	ret := &callbackQueue{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go ret.run()
	return ret
}

func (q *callbackQueue) Add(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, fn)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *callbackQueue) Close() {
	q.once.Do(func() { close(q.stop) })
	<-q.stopped
}

func (q *callbackQueue) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		fns := q.pending
		q.pending = nil
		q.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
	}
}
