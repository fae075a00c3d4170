package alljoyn

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/alljoyn/fragments"
)

// MethodHandler implements a method of a local [Object]. It receives
// the decoded arguments of the call, and returns the results to send
// back, which must match the method's out signature.
//
// A returned [CallError] is sent to the caller verbatim. Other errors
// are mapped to a bus error name by the sentinel they match, if any.
type MethodHandler func(ctx context.Context, call *Call) ([]any, error)

// PropertyGetter returns the current value of the named property.
type PropertyGetter func(ctx context.Context, name string) (any, error)

// PropertySetter sets the named property to value.
type PropertySetter func(ctx context.Context, name string, value any) error

// Call is an inbound method call.
type Call struct {
	// Conn is the connection the call arrived on.
	Conn *Conn
	// Msg is the call message, with its body decrypted and
	// decompressed.
	Msg *Message
	// Args are the decoded call arguments.
	Args []any
	// Sender is the unique name of the caller.
	Sender string
	// Auth describes how the caller authenticated, if the call
	// arrived encrypted.
	Auth *PeerAuth
}

// Scan assigns the call arguments to dst, as with [Scan].
func (c *Call) Scan(dst ...any) error {
	return Scan(c.Args, dst...)
}

type propHandlers struct {
	get PropertyGetter
	set PropertySetter
}

// Object is a local object that can be registered on a [Conn] at an
// object path, to implement interfaces for other bus peers.
//
// An Object's interfaces and handlers are set up before it is
// registered with [Conn.RegisterObject].
type Object struct {
	path ObjectPath

	mu        sync.Mutex
	conn      *Conn
	ifaces    []*InterfaceDescription
	announced mapset.Set[string]
	methods   map[interfaceMember]MethodHandler
	props     map[string]propHandlers
	children  bool
}

type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string {
	return im.Interface + "." + im.Member
}

// NewObject returns an object to be registered at path.
func NewObject(path ObjectPath) (*Object, error) {
	if !path.Valid() {
		return nil, fmt.Errorf("invalid object path %q", path)
	}
	return &Object{
		path:      path,
		announced: mapset.New[string](),
		methods:   map[interfaceMember]MethodHandler{},
		props:     map[string]propHandlers{},
	}, nil
}

// Path returns the object's path.
func (o *Object) Path() ObjectPath { return o.path }

// AddInterface adds an interface to the object. The description is
// activated if it isn't already.
func (o *Object) AddInterface(iface *InterfaceDescription) error {
	if isStandardInterface(iface.Name) {
		return fmt.Errorf("interface %s is implemented by every object", iface.Name)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != nil {
		return fmt.Errorf("cannot add interface %s to registered object %s", iface.Name, o.path)
	}
	if slices.ContainsFunc(o.ifaces, func(d *InterfaceDescription) bool { return d.Name == iface.Name }) {
		return fmt.Errorf("object %s already implements %s", o.path, iface.Name)
	}
	iface.Activate()
	o.ifaces = append(o.ifaces, iface)
	return nil
}

// AnnounceInterface lists one of the object's interfaces in the
// Conn's About announcements.
func (o *Object) AnnounceInterface(iface string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ifaceLocked(iface) == nil {
		return fmt.Errorf("object %s does not implement %s: %w", o.path, iface, ErrNoSuchMember)
	}
	o.announced.Add(iface)
	return nil
}

// announcedInterfaces returns the object's announced interfaces, in
// the order they were added.
func (o *Object) announcedInterfaces() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ret []string
	for _, d := range o.ifaces {
		if o.announced.Has(d.Name) {
			ret = append(ret, d.Name)
		}
	}
	return ret
}

// HandleMethod sets the handler for a method of one of the object's
// interfaces.
func (o *Object) HandleMethod(iface, method string, fn MethodHandler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := o.ifaceLocked(iface)
	if d == nil {
		return fmt.Errorf("object %s does not implement %s: %w", o.path, iface, ErrNoSuchMember)
	}
	if _, ok := d.Method(method); !ok {
		return fmt.Errorf("interface %s has no method %s: %w", iface, method, ErrNoSuchMember)
	}
	o.methods[interfaceMember{iface, method}] = fn
	return nil
}

// HandleProperty sets the accessors for the properties of one of the
// object's interfaces. Either accessor may be nil, in which case
// reads or writes fail.
func (o *Object) HandleProperty(iface string, get PropertyGetter, set PropertySetter) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ifaceLocked(iface) == nil {
		return fmt.Errorf("object %s does not implement %s: %w", o.path, iface, ErrNoSuchMember)
	}
	o.props[iface] = propHandlers{get, set}
	return nil
}

// Interfaces returns the descriptions of the interfaces the object
// implements, excluding the standard interfaces every object has.
func (o *Object) Interfaces() []*InterfaceDescription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.ifaces)
}

// Registered reports whether the object is registered on a Conn that
// is connected to a bus.
func (o *Object) Registered() bool {
	o.mu.Lock()
	c := o.conn
	o.mu.Unlock()
	return c != nil && c.IsConnected()
}

// EmitSignal emits a signal from the object. It returns the serial of
// the signal message, which can be given to
// [Conn.CancelSessionlessMessage] for sessionless signals.
func (o *Object) EmitSignal(ctx context.Context, iface, signal string, opts SignalOptions, args ...any) (uint32, error) {
	o.mu.Lock()
	c := o.conn
	o.mu.Unlock()
	if c == nil {
		return 0, fmt.Errorf("object %s is not registered: %w", o.path, ErrNotConnected)
	}
	return c.EmitSignal(ctx, o.path, iface, signal, opts, args...)
}

// EmitPropertyChanged notifies peers that a property changed,
// following the property's EmitsChangedSignal annotation: "true"
// sends the new value, "invalidates" only the property name, and
// anything else sends nothing.
func (o *Object) EmitPropertyChanged(ctx context.Context, iface, prop string, value any, sessionID SessionID) error {
	o.mu.Lock()
	d := o.ifaceLocked(iface)
	o.mu.Unlock()
	if d == nil {
		return fmt.Errorf("object %s does not implement %s: %w", o.path, iface, ErrNoSuchMember)
	}
	p, ok := d.Property(prop)
	if !ok {
		return fmt.Errorf("interface %s has no property %s: %w", iface, prop, ErrNoSuchMember)
	}
	var (
		changed     = map[string]Variant{}
		invalidated = []string{}
	)
	switch p.EmitsChanged() {
	case "true":
		v, err := variantOfType(p.Type, value)
		if err != nil {
			return err
		}
		changed[prop] = v
	case "invalidates":
		invalidated = append(invalidated, prop)
	default:
		return nil
	}
	_, err := o.EmitSignal(ctx, PropertiesInterface, "PropertiesChanged", SignalOptions{SessionID: sessionID}, iface, changed, invalidated)
	return err
}

func (o *Object) ifaceLocked(name string) *InterfaceDescription {
	for _, d := range o.ifaces {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// lookup finds the description of a member the object implements,
// including the standard interfaces. An empty iface matches the first
// interface with a method of that name.
func (o *Object) lookup(iface, member string) (*InterfaceDescription, *Member, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	all := append(slices.Clone(o.ifaces), standardIfaces...)
	for _, d := range all {
		if iface != "" && d.Name != iface {
			continue
		}
		if m, ok := d.Method(member); ok {
			return d, m, true
		}
	}
	return nil, nil, false
}

func (o *Object) handler(iface, member string) MethodHandler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.methods[interfaceMember{iface, member}]
}

func (o *Object) propHandler(iface string) (*InterfaceDescription, propHandlers, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := o.ifaceLocked(iface)
	if d == nil {
		return nil, propHandlers{}, false
	}
	return d, o.props[iface], true
}

func (o *Object) getProperty(ctx context.Context, iface, name string) (Variant, error) {
	d, h, ok := o.propHandler(iface)
	if !ok {
		return Variant{}, CallError{errNameUnknownMethod, fmt.Sprintf("object %s does not implement %s", o.path, iface)}
	}
	p, ok := d.Property(name)
	if !ok {
		return Variant{}, CallError{errNameUnknownMethod, fmt.Sprintf("interface %s has no property %s", iface, name)}
	}
	if p.Access&PropRead == 0 || h.get == nil {
		return Variant{}, CallError{errNamePropertyWriteOnly, fmt.Sprintf("property %s.%s is not readable", iface, name)}
	}
	v, err := h.get(ctx, name)
	if err != nil {
		return Variant{}, err
	}
	return variantOfType(p.Type, v)
}

func (o *Object) setProperty(ctx context.Context, iface, name string, value Variant) error {
	d, h, ok := o.propHandler(iface)
	if !ok {
		return CallError{errNameUnknownMethod, fmt.Sprintf("object %s does not implement %s", o.path, iface)}
	}
	p, ok := d.Property(name)
	if !ok {
		return CallError{errNameUnknownMethod, fmt.Sprintf("interface %s has no property %s", iface, name)}
	}
	if p.Access&PropWrite == 0 || h.set == nil {
		return CallError{errNamePropertyReadOnly, fmt.Sprintf("property %s.%s is not writable", iface, name)}
	}
	if string(value.Sig) != p.Type {
		return fmt.Errorf("property %s.%s has type %q, got %q: %w", iface, name, p.Type, value.Sig, ErrTypeMismatch)
	}
	return h.set(ctx, name, value.Value)
}

func (o *Object) getAllProperties(ctx context.Context, iface string) (map[string]Variant, error) {
	d, h, ok := o.propHandler(iface)
	if !ok {
		return nil, CallError{errNameUnknownMethod, fmt.Sprintf("object %s does not implement %s", o.path, iface)}
	}
	ret := map[string]Variant{}
	if h.get == nil {
		return ret, nil
	}
	for _, p := range d.Properties {
		if p.Access&PropRead == 0 {
			continue
		}
		v, err := h.get(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		if ret[p.Name], err = variantOfType(p.Type, v); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// variantOfType wraps v in a Variant of signature sig, checking that
// v can be marshaled as sig.
func variantOfType(sig string, v any) (Variant, error) {
	if vv, ok := v.(Variant); ok && string(vv.Sig) == sig {
		return vv, nil
	}
	if _, err := Marshal(fragments.NativeEndian, sig, v); err != nil {
		return Variant{}, err
	}
	return Variant{Signature(sig), v}, nil
}
