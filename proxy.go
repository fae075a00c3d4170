package alljoyn

import (
	"context"
	"fmt"
	"time"
)

// CallOption configures a method call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout  time.Duration
	ttl      time.Duration
	noReply  bool
	secure   bool
	compress bool
	session  SessionID
}

// WithTimeout sets how long the call waits for a reply.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithTTL sets the call's time to live. A call that cannot be sent
// before its TTL elapses fails with [ErrTimedOut], and the router
// discards it if it expires in transit.
func WithTTL(d time.Duration) CallOption {
	return func(o *callOptions) { o.ttl = d }
}

// NoReply tells the callee not to reply. The call returns as soon as
// it is sent.
func NoReply() CallOption {
	return func(o *callOptions) { o.noReply = true }
}

// InSession sends the call within a session.
func InSession(id SessionID) CallOption {
	return func(o *callOptions) { o.session = id }
}

// Secure authenticates the callee if necessary, and encrypts the call
// and its reply.
func Secure() CallOption {
	return func(o *callOptions) { o.secure = true }
}

// Compressed compresses the call body.
func Compressed() CallOption {
	return func(o *callOptions) { o.compress = true }
}

func makeCallOptions(opts []CallOption) callOptions {
	var ret callOptions
	for _, o := range opts {
		o(&ret)
	}
	return ret
}

// Peer is a bus participant, addressed by a unique or well-known
// name.
type Peer struct {
	c    *Conn
	name string
}

// Conn returns the connection the Peer is reached through.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the Peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns a proxy for an object implemented by the peer.
func (p Peer) Object(path ObjectPath) ProxyObject {
	return ProxyObject{
		p:    p,
		path: path,
	}
}

// Ping checks that the peer is reachable and responsive, by calling
// its org.freedesktop.DBus.Peer.Ping method.
func (p Peer) Ping(ctx context.Context, opts ...CallOption) error {
	_, err := p.Object("/").Interface(PeerInterface).Call(ctx, "Ping", nil, opts...)
	return err
}

// MachineID returns the peer's machine identifier.
func (p Peer) MachineID(ctx context.Context, opts ...CallOption) (string, error) {
	return scanOne[string](p.Object("/").Interface(PeerInterface).Call(ctx, "GetMachineId", nil, opts...))
}

// ProxyObject is a remote object implemented by a [Peer].
type ProxyObject struct {
	p    Peer
	path ObjectPath
}

// Conn returns the connection the object is reached through.
func (o ProxyObject) Conn() *Conn { return o.p.Conn() }

// Peer returns the object's owner.
func (o ProxyObject) Peer() Peer { return o.p }

// Path returns the object's path.
func (o ProxyObject) Path() ObjectPath { return o.path }

func (o ProxyObject) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Interface returns a proxy for one of the object's interfaces.
func (o ProxyObject) Interface(name string) ProxyInterface {
	return ProxyInterface{
		o:    o,
		name: name,
	}
}

// IntrospectXML returns the object's introspection document.
func (o ProxyObject) IntrospectXML(ctx context.Context, opts ...CallOption) (string, error) {
	return scanOne[string](o.Interface(IntrospectableInterface).Call(ctx, "Introspect", nil, opts...))
}

// Introspect returns the parsed description of the object.
func (o ProxyObject) Introspect(ctx context.Context, opts ...CallOption) (*ObjectDescription, error) {
	doc, err := o.IntrospectXML(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return ParseIntrospection(doc)
}

// Children returns proxies for the object's immediate children, as
// reported by introspection.
func (o ProxyObject) Children(ctx context.Context, opts ...CallOption) ([]ProxyObject, error) {
	desc, err := o.Introspect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	ret := make([]ProxyObject, 0, len(desc.Children))
	for _, child := range desc.Children {
		ret = append(ret, o.p.Object(o.path.Child(child)))
	}
	return ret, nil
}

// ProxyInterface is an interface offered by a [ProxyObject].
type ProxyInterface struct {
	o    ProxyObject
	name string
}

// Conn returns the connection the interface is reached through.
func (f ProxyInterface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f ProxyInterface) Peer() Peer { return f.o.Peer() }

// Object returns the object that implements the interface.
func (f ProxyInterface) Object() ProxyObject { return f.o }

// Name returns the name of the interface.
func (f ProxyInterface) Name() string { return f.name }

func (f ProxyInterface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Call calls method with the given arguments, and returns the decoded
// results.
//
// If the interface was described to the Conn with
// [Conn.CreateInterface], the method's declared signature is used to
// marshal args, and the Secure and NoReply annotations apply.
// Otherwise the signature is inferred from args with [SignatureOf].
func (f ProxyInterface) Call(ctx context.Context, method string, args []any, opts ...CallOption) ([]any, error) {
	c := f.Conn()
	o := makeCallOptions(opts)
	sig, err := f.argSignature(method, args, &o)
	if err != nil {
		return nil, err
	}

	msg := NewMethodCall(f.Peer().Name(), f.Object().Path(), f.name, method)
	if err := msg.SetBody(sig, args...); err != nil {
		return nil, err
	}
	reply, err := c.call(ctx, msg, o)
	if err != nil || reply == nil {
		return nil, err
	}
	return reply.Args()
}

func (f ProxyInterface) argSignature(method string, args []any, o *callOptions) (string, error) {
	if d, ok := f.Conn().Interface(f.name); ok {
		m, ok := d.Method(method)
		if !ok {
			return "", fmt.Errorf("interface %s has no method %s: %w", f.name, method, ErrNoSuchMember)
		}
		if m.NoReply() {
			o.noReply = true
		}
		if d.memberSecure(m) {
			o.secure = true
		}
		return m.InSignature(), nil
	}
	sig := ""
	for _, a := range args {
		s, err := SignatureOf(a)
		if err != nil {
			return "", err
		}
		sig += s
	}
	return sig, nil
}

// GetProperty returns the value of the named property.
func (f ProxyInterface) GetProperty(ctx context.Context, name string, opts ...CallOption) (any, error) {
	resp, err := f.Object().Interface(PropertiesInterface).Call(ctx, "Get", []any{f.name, name}, opts...)
	if err != nil {
		return nil, err
	}
	var v Variant
	if err := Scan(resp, &v); err != nil {
		return nil, err
	}
	return v.Value, nil
}

// SetProperty sets the named property to value. The property's type
// is inferred from value, unless value is a [Variant].
func (f ProxyInterface) SetProperty(ctx context.Context, name string, value any, opts ...CallOption) error {
	v, ok := value.(Variant)
	if !ok {
		var err error
		if v, err = variantOf(value); err != nil {
			return err
		}
	}
	_, err := f.Object().Interface(PropertiesInterface).Call(ctx, "Set", []any{f.name, name, v}, opts...)
	return err
}

// GetAllProperties returns all the readable properties of the
// interface.
func (f ProxyInterface) GetAllProperties(ctx context.Context, opts ...CallOption) (map[string]any, error) {
	resp, err := f.Object().Interface(PropertiesInterface).Call(ctx, "GetAll", []any{f.name}, opts...)
	if err != nil {
		return nil, err
	}
	var props map[string]Variant
	if err := Scan(resp, &props); err != nil {
		return nil, err
	}
	ret := make(map[string]any, len(props))
	for k, v := range props {
		ret[k] = v.Value
	}
	return ret, nil
}

func variantOf(v any) (Variant, error) {
	sig, err := SignatureOf(v)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Signature(sig), v}, nil
}
