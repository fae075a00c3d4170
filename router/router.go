// Package router implements a bus router: the daemon that bus
// attachments connect to, which owns the name table, routes messages
// between attachments, and manages sessions, advertisements and
// sessionless signals.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault/ftag"
	"github.com/creachadair/mds/mapset"
	"github.com/danderson/alljoyn"
	"github.com/danderson/alljoyn/transport"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// preambleTimeout bounds the connection preamble of new attachments.
const preambleTimeout = 10 * time.Second

// replyWindow is how long the router lets a callee answer a forwarded
// method call without a TTL.
const replyWindow = 10 * time.Minute

// Router is a bus router.
type Router struct {
	cfg     Config
	log     *slog.Logger
	guid    string
	metrics *metrics
	serials atomic.Uint32
	nextID  atomic.Uint64

	// endpoints are the connected attachments by unique name.
	endpoints *xsync.MapOf[string, *endpoint]
	// calls are the router's own outstanding method calls, by serial.
	calls *xsync.MapOf[uint32, *busCall]
	// replies are the forwarded method calls awaiting an answer.
	replies *xsync.MapOf[replyKey, pendingReply]

	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once

	mu          sync.Mutex
	closed      bool
	conns       mapset.Set[*endpoint]
	listeners   mapset.Set[net.Listener]
	names       *nameTable
	ports       map[portKey]*binding
	sessions    map[alljoyn.SessionID]*session
	ads         map[adKey]alljoyn.TransportMask
	finds       map[string]mapset.Set[string]
	sessionless *sessionlessStore
}

// New returns a router configured by cfg. It accepts attachments
// once given listeners with [Router.Serve] or transports with
// [Router.Attach].
func New(cfg Config) *Router {
	cfg = cfg.withDefaults()
	ret := &Router{
		cfg:         cfg,
		log:         cfg.Logger,
		guid:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		metrics:     newMetrics(cfg.Registerer),
		endpoints:   xsync.NewMapOf[string, *endpoint](),
		calls:       xsync.NewMapOf[uint32, *busCall](),
		replies:     xsync.NewMapOf[replyKey, pendingReply](),
		stop:        make(chan struct{}),
		conns:       mapset.New[*endpoint](),
		listeners:   mapset.New[net.Listener](),
		names:       newNameTable(),
		ports:       map[portKey]*binding{},
		sessions:    map[alljoyn.SessionID]*session{},
		ads:         map[adKey]alljoyn.TransportMask{},
		finds:       map[string]mapset.Set[string]{},
		sessionless: newSessionlessStore(),
	}
	ret.wg.Add(1)
	go ret.expireLoop()
	return ret
}

// GUID returns the router's GUID, which attachments learn during the
// connection preamble.
func (r *Router) GUID() string { return r.guid }

// SessionlessCount returns the number of sessionless signals the
// router is holding for delivery.
func (r *Router) SessionlessCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionless.len()
}

// ListenAndServe listens on all the addresses of the router's
// configuration, and serves attachments until ctx is canceled or the
// router is closed.
func (r *Router) ListenAndServe(ctx context.Context) error {
	if len(r.cfg.Listen) == 0 {
		return errors.New("no listen addresses configured")
	}
	var ls []net.Listener
	for _, addr := range r.cfg.Listen {
		l, err := transport.Listen(addr)
		if err != nil {
			for _, l := range ls {
				l.Close()
			}
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		ls = append(ls, l)
	}
	errs := make(chan error, len(ls))
	for _, l := range ls {
		go func() { errs <- r.Serve(l) }()
	}
	select {
	case <-ctx.Done():
		r.Close()
		return ctx.Err()
	case err := <-errs:
		r.Close()
		return err
	}
}

// ListenNull serves attachments connecting to "null:name=<name>"
// from the same process.
func (r *Router) ListenNull(name string) error {
	l, err := transport.ListenNull(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		l.Close()
		return net.ErrClosed
	}
	r.listeners.Add(l)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.serve(l); err != nil {
			r.log.Error("null listener failed", "name", name, "err", err)
		}
	}()
	return nil
}

// Serve accepts attachments from l until l fails or the router is
// closed. Serve closes l before returning.
func (r *Router) Serve(l net.Listener) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		l.Close()
		return net.ErrClosed
	}
	r.listeners.Add(l)
	r.mu.Unlock()
	return r.serve(l)
}

func (r *Router) serve(l net.Listener) error {
	defer func() {
		l.Close()
		r.mu.Lock()
		r.listeners.Remove(l)
		r.mu.Unlock()
	}()
	r.log.Info("router listening", "addr", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), preambleTimeout)
			defer cancel()
			t, err := transport.Server(ctx, conn, r.guid)
			if err != nil {
				r.log.Warn("connection preamble failed", "remote", conn.RemoteAddr(), "err", err)
				return
			}
			if err := r.Attach(t); err != nil {
				r.log.Warn("rejecting attachment", "err", err)
				t.Close()
			}
		}()
	}
}

// Attach starts serving an attachment over t, which must have
// completed the connection preamble. The attachment's first message
// must be a call to Hello.
func (r *Router) Attach(t transport.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return net.ErrClosed
	}
	if r.conns.Len() >= r.cfg.MaxEndpoints {
		r.metrics.dropped.WithLabelValues("max_endpoints").Inc()
		return failure(errTooManyClients, ftag.Internal, fmt.Sprintf("router is limited to %d endpoints", r.cfg.MaxEndpoints))
	}
	ep := newEndpoint(r, t)
	r.conns.Add(ep)
	r.wg.Add(2)
	go ep.writeLoop()
	go ep.readLoop()
	return nil
}

// Close disconnects all attachments and stops the router.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ls := r.listeners.Slice()
	eps := r.conns.Slice()
	r.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
	for _, ep := range eps {
		ep.close()
	}
	r.stopped.Do(func() { close(r.stop) })
	r.wg.Wait()
	r.log.Info("router stopped")
	return nil
}

// expireLoop drops expired sessionless signals.
func (r *Router) expireLoop() {
	defer r.wg.Done()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-tick.C:
			r.mu.Lock()
			n := r.sessionless.prune(now)
			r.metrics.sessionless.Set(float64(r.sessionless.len()))
			r.mu.Unlock()
			if n > 0 {
				r.log.Debug("expired sessionless signals", "count", n)
			}
			r.replies.Range(func(k replyKey, p pendingReply) bool {
				if now.After(p.expires) {
					r.replies.Delete(k)
				}
				return true
			})
		}
	}
}

// uniqueName allocates a unique name for a new attachment.
func (r *Router) uniqueName() string {
	return ":" + r.guid[:8] + "." + strconv.FormatUint(r.nextID.Add(1), 10)
}

func (r *Router) nextSerial() uint32 {
	for {
		if ret := r.serials.Add(1); ret != 0 {
			return ret
		}
	}
}

// endpoint is a connected bus attachment.
type endpoint struct {
	r    *Router
	t    transport.Transport
	out  chan []byte
	done chan struct{}
	once sync.Once

	// name is set once, when Hello is handled.
	name string

	// Guarded by Router.mu.
	rules []matchRule
}

type matchRule struct {
	text  string
	match *alljoyn.Match
}

func newEndpoint(r *Router, t transport.Transport) *endpoint {
	return &endpoint{
		r:    r,
		t:    t,
		out:  make(chan []byte, r.cfg.OutboundQueue),
		done: make(chan struct{}),
	}
}

func (ep *endpoint) String() string {
	if ep.name == "" {
		return "<new endpoint>"
	}
	return ep.name
}

func (ep *endpoint) close() {
	ep.once.Do(func() {
		close(ep.done)
		ep.t.Close()
	})
}

// send queues msg for delivery. Messages to an endpoint that is not
// keeping up are dropped.
func (ep *endpoint) send(msg *alljoyn.Message) {
	bs, err := msg.Encode()
	if err != nil {
		ep.r.log.Error("encoding message", "to", ep, "member", msg.Interface+"."+msg.Member, "err", err)
		return
	}
	select {
	case ep.out <- bs:
	case <-ep.done:
	default:
		ep.r.metrics.dropped.WithLabelValues("queue_full").Inc()
		ep.r.log.Warn("outbound queue full, dropping message", "to", ep, "type", msg.Type, "member", msg.Interface+"."+msg.Member)
	}
}

func (ep *endpoint) writeLoop() {
	defer ep.r.wg.Done()
	for {
		select {
		case bs := <-ep.out:
			if _, err := ep.t.Write(bs); err != nil {
				if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
					ep.r.log.Warn("writing to endpoint", "err", err)
				}
				ep.close()
				return
			}
		case <-ep.done:
			return
		}
	}
}

func (ep *endpoint) readLoop() {
	r := ep.r
	defer r.wg.Done()
	defer r.detach(ep)
	for {
		msg, err := alljoyn.ReadMessage(ep.t, r.cfg.MaxMessageSize)
		switch {
		case err == nil:
		case errors.Is(err, alljoyn.ErrInvalidHeader), errors.Is(err, alljoyn.ErrTruncatedMessage), errors.Is(err, alljoyn.ErrMalformedMessage):
			r.metrics.dropped.WithLabelValues("invalid").Inc()
			r.log.Warn("dropping invalid message", "from", ep, "err", err)
			continue
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			return
		default:
			r.log.Warn("endpoint read failed", "from", ep, "err", err)
			return
		}

		if ep.name == "" {
			if err := r.hello(ep, msg); err != nil {
				r.log.Warn("endpoint did not say hello", "err", err)
				return
			}
			continue
		}
		r.route(ep, msg)
	}
}

// detach removes ep and everything it owned from the router.
func (r *Router) detach(ep *endpoint) {
	ep.close()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns.Remove(ep)
	if ep.name == "" {
		return
	}
	r.endpoints.Delete(ep.name)
	r.metrics.endpoints.Dec()

	for _, ch := range r.names.removeEndpoint(ep.name) {
		r.nameChangedLocked(ch)
	}
	r.nameChangedLocked(ownerChange{name: ep.name, old: ep.name})
	r.metrics.names.Set(float64(r.names.wellKnown()))

	r.dropSessionsLocked(ep.name)
	r.dropDiscoveryLocked(ep.name)
	r.replies.Range(func(k replyKey, p pendingReply) bool {
		if k.caller == ep.name || p.callee == ep.name {
			r.replies.Delete(k)
		}
		return true
	})
	r.log.Info("endpoint disconnected", "name", ep.name)
}

// hello handles the first message of an endpoint, which must be a
// call to Hello.
func (r *Router) hello(ep *endpoint, msg *alljoyn.Message) error {
	if msg.Type != alljoyn.TypeMethodCall || msg.Destination != alljoyn.BusName || msg.Interface != alljoyn.BusInterface || msg.Member != "Hello" {
		return fmt.Errorf("%w, got %s %s.%s", errNotHello, msg.Type, msg.Interface, msg.Member)
	}
	ep.name = r.uniqueName()
	msg.Sender = ep.name
	r.endpoints.Store(ep.name, ep)
	r.metrics.endpoints.Inc()

	r.reply(ep, msg, "s", ep.name)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nameChangedLocked(ownerChange{name: ep.name, new: ep.name})
	r.log.Info("endpoint connected", "name", ep.name)
	return nil
}

// resolve returns the endpoint that currently owns name.
func (r *Router) resolve(name string) (*endpoint, bool) {
	if strings.HasPrefix(name, ":") {
		return r.endpoints.Load(name)
	}
	r.mu.Lock()
	owner := r.names.owner(name)
	r.mu.Unlock()
	if owner == "" {
		return nil, false
	}
	return r.endpoints.Load(owner)
}

// route delivers a message received from an endpoint.
func (r *Router) route(from *endpoint, msg *alljoyn.Message) {
	msg.Sender = from.name
	r.metrics.messages.WithLabelValues(msg.Type.String()).Inc()
	if msg.Expired(time.Now()) {
		r.metrics.dropped.WithLabelValues("expired").Inc()
		return
	}

	switch msg.Type {
	case alljoyn.TypeMethodCall:
		if msg.Destination == alljoyn.BusName {
			r.handleBusCall(from, msg)
			return
		}
		to, ok := r.resolve(msg.Destination)
		if !ok {
			r.replyError(from, msg, failure(errNoSuchName, ftag.NotFound, fmt.Sprintf("%s is not on the bus", msg.Destination)))
			return
		}
		if msg.SessionID != 0 && !r.inSession(alljoyn.SessionID(msg.SessionID), from.name, to.name) {
			r.replyError(from, msg, failure(errNotMember, ftag.PermissionDenied, fmt.Sprintf("%s and %s do not share session %d", from.name, to.name, msg.SessionID)))
			return
		}
		if msg.WantReply() {
			expires := time.Now().Add(replyWindow)
			if ttl := msg.TTLDuration(); ttl > 0 {
				expires = msg.Created.Add(ttl)
			}
			r.replies.Store(replyKey{from.name, msg.Serial}, pendingReply{to.name, expires})
		}
		to.send(msg)
	case alljoyn.TypeMethodReturn, alljoyn.TypeError:
		r.routeReply(from, msg)
	case alljoyn.TypeSignal:
		r.routeSignal(from, msg)
	}
}

// replyKey identifies a forwarded method call.
type replyKey struct {
	caller string
	serial uint32
}

type pendingReply struct {
	callee  string
	expires time.Time
}

// busCall is a method call the router made itself.
type busCall struct {
	to string
	ch chan *alljoyn.Message
}

// routeReply delivers a method return or error, if it answers a call
// that was made to its sender.
func (r *Router) routeReply(from *endpoint, msg *alljoyn.Message) {
	if msg.Destination == alljoyn.BusName {
		var call *busCall
		r.calls.Compute(msg.ReplySerial, func(c *busCall, loaded bool) (*busCall, bool) {
			if loaded && c.to == from.name {
				call = c
				return nil, true
			}
			return c, !loaded
		})
		if call == nil {
			r.dropReply(from, msg)
			return
		}
		call.ch <- msg
		return
	}

	answered := false
	r.replies.Compute(replyKey{msg.Destination, msg.ReplySerial}, func(p pendingReply, loaded bool) (pendingReply, bool) {
		if loaded && p.callee == from.name {
			answered = true
			return p, true
		}
		return p, !loaded
	})
	if !answered {
		r.dropReply(from, msg)
		return
	}
	if to, ok := r.endpoints.Load(msg.Destination); ok {
		to.send(msg)
	}
}

func (r *Router) dropReply(from *endpoint, msg *alljoyn.Message) {
	r.metrics.dropped.WithLabelValues("unsolicited_reply").Inc()
	r.log.Debug("dropping unsolicited reply", "from", from.name, "to", msg.Destination, "reply_serial", msg.ReplySerial)
}

func (r *Router) routeSignal(from *endpoint, msg *alljoyn.Message) {
	switch {
	case msg.Destination != "":
		if to, ok := r.resolve(msg.Destination); ok {
			to.send(msg)
		}
	case msg.SessionID != 0:
		id := alljoyn.SessionID(msg.SessionID)
		r.mu.Lock()
		defer r.mu.Unlock()
		s := r.sessions[id]
		if s == nil || !s.members.Has(from.name) {
			r.metrics.dropped.WithLabelValues("not_in_session").Inc()
			r.log.Debug("dropping signal outside session", "from", from, "session", id)
			return
		}
		for m := range s.members {
			if m == from.name {
				continue
			}
			if to, ok := r.endpoints.Load(m); ok {
				to.send(msg)
			}
		}
	case msg.Flags&alljoyn.FlagSessionless != 0:
		r.mu.Lock()
		defer r.mu.Unlock()
		st := r.sessionless.add(msg, r.cfg.SessionlessTTL)
		r.metrics.sessionless.Set(float64(r.sessionless.len()))
		r.endpoints.Range(func(_ string, ep *endpoint) bool {
			r.offerLocked(ep, st)
			return true
		})
	default:
		sig := signalOf(msg)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.broadcastLocked(msg, sig)
	}
}

// broadcastLocked sends msg to every endpoint with a match rule for
// it.
func (r *Router) broadcastLocked(msg *alljoyn.Message, sig *alljoyn.Signal) {
	r.endpoints.Range(func(_ string, ep *endpoint) bool {
		for _, rule := range ep.rules {
			if rule.match.Matches(sig) {
				ep.send(msg)
				break
			}
		}
		return true
	})
}

// signalOf returns the view of msg that match rules filter on.
func signalOf(msg *alljoyn.Message) *alljoyn.Signal {
	// Undecodable bodies, such as encrypted ones, only match rules
	// without argument conditions.
	args, _ := msg.Args()
	return &alljoyn.Signal{
		Sender:      msg.Sender,
		Path:        msg.Path,
		Interface:   msg.Interface,
		Member:      msg.Member,
		SessionID:   alljoyn.SessionID(msg.SessionID),
		Sessionless: msg.Flags&alljoyn.FlagSessionless != 0,
		Args:        args,
	}
}

// reply answers call with a method return.
func (r *Router) reply(to *endpoint, call *alljoyn.Message, sig string, args ...any) {
	if !call.WantReply() {
		return
	}
	msg := alljoyn.NewReply(call)
	if err := msg.SetBody(sig, args...); err != nil {
		r.log.Error("encoding router reply", "member", call.Member, "err", err)
		msg = alljoyn.NewError(call, errNameFailed, err.Error())
	}
	r.sendFromBus(to, msg)
}

// replyError answers call with an error.
func (r *Router) replyError(to *endpoint, call *alljoyn.Message, err error) {
	if !call.WantReply() {
		return
	}
	r.log.Debug("router call failed", "from", to, "member", call.Interface+"."+call.Member, "err", err)
	r.sendFromBus(to, alljoyn.NewError(call, errorName(err), err.Error()))
}

// sendFromBus sends a message originating from the router itself.
func (r *Router) sendFromBus(to *endpoint, msg *alljoyn.Message) {
	msg.Sender = alljoyn.BusName
	msg.Serial = r.nextSerial()
	to.send(msg)
}

// signal sends a router signal to a single endpoint.
func (r *Router) signal(to string, path alljoyn.ObjectPath, iface, member, sig string, args ...any) {
	ep, ok := r.endpoints.Load(to)
	if !ok {
		return
	}
	msg := alljoyn.NewSignal(path, iface, member)
	msg.Destination = to
	if err := msg.SetBody(sig, args...); err != nil {
		r.log.Error("encoding router signal", "member", member, "err", err)
		return
	}
	r.sendFromBus(ep, msg)
}

// call makes a method call to an attachment on behalf of the router,
// and returns the reply arguments.
func (r *Router) call(ctx context.Context, to string, path alljoyn.ObjectPath, iface, member, sig string, args ...any) ([]any, error) {
	ep, ok := r.endpoints.Load(to)
	if !ok {
		return nil, failure(errNoSuchName, ftag.NotFound, fmt.Sprintf("%s is not on the bus", to))
	}
	msg := alljoyn.NewMethodCall(to, path, iface, member)
	if err := msg.SetBody(sig, args...); err != nil {
		return nil, err
	}
	msg.Sender = alljoyn.BusName
	msg.Serial = r.nextSerial()

	ch := make(chan *alljoyn.Message, 1)
	r.calls.Store(msg.Serial, &busCall{to: ep.name, ch: ch})
	defer r.calls.Delete(msg.Serial)
	ep.send(msg)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.CallTimeout))
	defer cancel()
	select {
	case reply := <-ch:
		if reply.Type == alljoyn.TypeError {
			return nil, fmt.Errorf("%s.%s on %s: %s", iface, member, to, reply.ErrorName)
		}
		return reply.Args()
	case <-ep.done:
		return nil, failure(errNoSuchName, ftag.NotFound, fmt.Sprintf("%s disconnected", to))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.stop:
		return nil, net.ErrClosed
	}
}
