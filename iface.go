package alljoyn

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Well known annotations.
const (
	AnnotationDeprecated         = "org.freedesktop.DBus.Deprecated"
	AnnotationNoReply            = "org.freedesktop.DBus.Method.NoReply"
	AnnotationEmitsChangedSignal = "org.freedesktop.DBus.Property.EmitsChangedSignal"
	AnnotationSecure             = "org.alljoyn.Bus.Secure"
)

// ErrInterfaceActive is returned when modifying an interface
// description after [InterfaceDescription.Activate].
var ErrInterfaceActive = errors.New("interface description is already active")

// Annotation is a name/value annotation on an interface, member or
// property.
type Annotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Arg is a named argument of a method or signal.
type Arg struct {
	Name string
	Type string
}

// Args splits sig into its complete types, naming them in order from
// names. Types without a corresponding name are unnamed.
func Args(sig string, names ...string) []Arg {
	ts, err := parseBodySignature(sig)
	if err != nil {
		// Keep the bad signature, for AddMethod and friends to
		// report.
		return []Arg{{Type: sig}}
	}
	ret := make([]Arg, len(ts))
	for i, t := range ts {
		ret[i].Type = t.String()
		if i < len(names) {
			ret[i].Name = names[i]
		}
	}
	return ret
}

func argsSignature(args []Arg) string {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(a.Type)
	}
	return b.String()
}

// MemberType is the type of an interface member.
type MemberType byte

const (
	MethodMember MemberType = iota + 1
	SignalMember
)

// Member describes a method or signal.
type Member struct {
	Type MemberType
	Name string
	// In are a method's arguments, or a signal's payload.
	In []Arg
	// Out are a method's results.
	Out         []Arg
	Annotations []Annotation
}

// InSignature returns the signature of the method arguments or
// signal payload.
func (m *Member) InSignature() string { return argsSignature(m.In) }

// OutSignature returns the signature of the method results.
func (m *Member) OutSignature() string { return argsSignature(m.Out) }

// Annotation returns the value of the named annotation.
func (m *Member) Annotation(name string) (string, bool) {
	return findAnnotation(m.Annotations, name)
}

// NoReply reports whether callers should not expect a reply.
func (m *Member) NoReply() bool { return hasTrue(m.Annotations, AnnotationNoReply) }

// Deprecated reports whether the member is deprecated.
func (m *Member) Deprecated() bool { return hasTrue(m.Annotations, AnnotationDeprecated) }

func (m *Member) String() string {
	var ret strings.Builder
	if m.Type == SignalMember {
		ret.WriteString("signal ")
	} else {
		ret.WriteString("func ")
	}
	ret.WriteString(m.Name)
	writeArgs := func(args []Arg) {
		ret.WriteByte('(')
		for i, a := range args {
			if i > 0 {
				ret.WriteString(", ")
			}
			if a.Name != "" {
				ret.WriteString(a.Name)
				ret.WriteByte(' ')
			}
			ret.WriteString(a.Type)
		}
		ret.WriteByte(')')
	}
	writeArgs(m.In)
	if len(m.Out) > 0 {
		ret.WriteByte(' ')
		writeArgs(m.Out)
	}
	var tags []string
	if m.Deprecated() {
		tags = append(tags, "deprecated")
	}
	if m.NoReply() {
		tags = append(tags, "noreply")
	}
	if hasTrue(m.Annotations, AnnotationSecure) {
		tags = append(tags, "secure")
	}
	if len(tags) > 0 {
		fmt.Fprintf(&ret, " [%s]", strings.Join(tags, ","))
	}
	return ret.String()
}

// PropAccess is the access mode of a property.
type PropAccess byte

const (
	PropRead      PropAccess = 1
	PropWrite     PropAccess = 2
	PropReadWrite            = PropRead | PropWrite
)

func (a PropAccess) String() string {
	switch a {
	case PropRead:
		return "read"
	case PropWrite:
		return "write"
	case PropReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("access(%d)", byte(a))
	}
}

func parsePropAccess(s string) (PropAccess, error) {
	switch s {
	case "read":
		return PropRead, nil
	case "write":
		return PropWrite, nil
	case "readwrite":
		return PropReadWrite, nil
	default:
		return 0, fmt.Errorf("unknown property access %q", s)
	}
}

// Property describes a property.
type Property struct {
	Name        string
	Type        string
	Access      PropAccess
	Annotations []Annotation
}

// EmitsChanged returns the value of the property's
// EmitsChangedSignal annotation, or "false" if it has none.
func (p *Property) EmitsChanged() string {
	if v, ok := findAnnotation(p.Annotations, AnnotationEmitsChangedSignal); ok {
		return v
	}
	return "false"
}

func (p *Property) String() string {
	return fmt.Sprintf("property %s %s [%s]", p.Name, p.Type, p.Access)
}

// InterfaceDescription declares the methods, signals and properties
// of an interface.
//
// An InterfaceDescription is built with the Add methods, then frozen
// with [InterfaceDescription.Activate] before use. Active descriptions
// are immutable and safe for concurrent use.
type InterfaceDescription struct {
	Name        string
	Methods     []*Member
	Signals     []*Member
	Properties  []*Property
	Annotations []Annotation

	mu     sync.Mutex
	active bool
}

// NewInterface returns an empty description for the named interface.
func NewInterface(name string) *InterfaceDescription {
	return &InterfaceDescription{Name: name}
}

// ValidInterfaceName reports whether name is a well-formed interface
// or well-known bus name: two or more dot-separated elements of
// [A-Za-z0-9_], not starting with a digit.
func ValidInterfaceName(name string) bool {
	if len(name) == 0 || len(name) > 255 {
		return false
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if !validMemberName(e) {
			return false
		}
	}
	return true
}

func validMemberName(name string) bool {
	if name == "" || len(name) > 255 || (name[0] >= '0' && name[0] <= '9') {
		return false
	}
	for _, c := range name {
		if !isNameChar(c) {
			return false
		}
	}
	return true
}

func (d *InterfaceDescription) checkAdd(name string, sigs ...[]Arg) error {
	if d.active {
		return fmt.Errorf("adding %s to %s: %w", name, d.Name, ErrInterfaceActive)
	}
	if !validMemberName(name) {
		return fmt.Errorf("invalid member name %q", name)
	}
	if d.hasName(name) {
		return fmt.Errorf("interface %s already has a member named %s", d.Name, name)
	}
	for _, args := range sigs {
		for _, a := range args {
			if _, err := ParseType(a.Type); err != nil {
				return fmt.Errorf("member %s: %w", name, err)
			}
		}
	}
	return nil
}

func (d *InterfaceDescription) hasName(name string) bool {
	isNamed := func(m *Member) bool { return m.Name == name }
	return slices.ContainsFunc(d.Methods, isNamed) ||
		slices.ContainsFunc(d.Signals, isNamed) ||
		slices.ContainsFunc(d.Properties, func(p *Property) bool { return p.Name == name })
}

// AddMethod adds a method.
func (d *InterfaceDescription) AddMethod(name string, in, out []Arg, annotations ...Annotation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAdd(name, in, out); err != nil {
		return err
	}
	d.Methods = append(d.Methods, &Member{
		Type:        MethodMember,
		Name:        name,
		In:          in,
		Out:         out,
		Annotations: annotations,
	})
	return nil
}

// AddSignal adds a signal.
func (d *InterfaceDescription) AddSignal(name string, args []Arg, annotations ...Annotation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAdd(name, args); err != nil {
		return err
	}
	d.Signals = append(d.Signals, &Member{
		Type:        SignalMember,
		Name:        name,
		In:          args,
		Annotations: annotations,
	})
	return nil
}

// AddProperty adds a property.
func (d *InterfaceDescription) AddProperty(name, sig string, access PropAccess, annotations ...Annotation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAdd(name, []Arg{{Type: sig}}); err != nil {
		return err
	}
	if access&PropReadWrite == 0 || access&^PropReadWrite != 0 {
		return fmt.Errorf("property %s: invalid access %s", name, access)
	}
	d.Properties = append(d.Properties, &Property{
		Name:        name,
		Type:        sig,
		Access:      access,
		Annotations: annotations,
	})
	return nil
}

// AddAnnotation adds an interface-wide annotation.
func (d *InterfaceDescription) AddAnnotation(name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return ErrInterfaceActive
	}
	d.Annotations = append(d.Annotations, Annotation{name, value})
	return nil
}

// SetSecure marks all members of the interface as requiring an
// encrypted, authenticated channel.
func (d *InterfaceDescription) SetSecure() error {
	return d.AddAnnotation(AnnotationSecure, "true")
}

// Activate freezes the description.
func (d *InterfaceDescription) Activate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = true
}

// Active reports whether the description has been activated.
func (d *InterfaceDescription) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Method returns the named method.
func (d *InterfaceDescription) Method(name string) (*Member, bool) {
	for _, m := range d.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// Signal returns the named signal.
func (d *InterfaceDescription) Signal(name string) (*Member, bool) {
	for _, m := range d.Signals {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// Property returns the named property.
func (d *InterfaceDescription) Property(name string) (*Property, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Secure reports whether the interface requires authenticated,
// encrypted calls.
func (d *InterfaceDescription) Secure() bool {
	return hasTrue(d.Annotations, AnnotationSecure)
}

// memberSecure reports whether calls to m require encryption: the
// member's own annotation wins over the interface's.
func (d *InterfaceDescription) memberSecure(m *Member) bool {
	if v, ok := m.Annotation(AnnotationSecure); ok {
		return v == "true"
	}
	return d.Secure()
}

func (d *InterfaceDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "interface %s {\n", d.Name)
	for _, m := range d.Methods {
		fmt.Fprintf(&ret, "  %s\n", m)
	}
	for _, s := range d.Signals {
		fmt.Fprintf(&ret, "  %s\n", s)
	}
	for _, p := range d.Properties {
		fmt.Fprintf(&ret, "  %s\n", p)
	}
	ret.WriteString("}")
	return ret.String()
}

func findAnnotation(as []Annotation, name string) (string, bool) {
	for _, a := range as {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func hasTrue(as []Annotation, name string) bool {
	v, ok := findAnnotation(as, name)
	return ok && v == "true"
}
