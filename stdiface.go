package alljoyn

// Router names and paths.
const (
	// BusName is the name of the bus router itself.
	BusName = "org.freedesktop.DBus"
	// BusPath is the router's control object.
	BusPath ObjectPath = "/org/freedesktop/DBus"
	// BusInterface is the router's naming and match interface.
	BusInterface = "org.freedesktop.DBus"

	// AllJoynPath is the router's session and discovery object.
	AllJoynPath ObjectPath = "/org/alljoyn/Bus"
	// AllJoynInterface is the router's session and discovery
	// interface.
	AllJoynInterface = "org.alljoyn.Bus"
)

// Interfaces implemented by every Conn.
const (
	PeerInterface           = "org.freedesktop.DBus.Peer"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"

	// PeerPath is the object at which every Conn answers session
	// and authentication requests from the router and other peers.
	PeerPath ObjectPath = "/org/alljoyn/Bus/Peer"
	// PeerSessionInterface is called by the router to ask a session
	// port's binder to accept a joiner.
	PeerSessionInterface = "org.alljoyn.Bus.Peer.Session"
	// PeerAuthInterface carries peer authentication conversations.
	PeerAuthInterface = "org.alljoyn.Bus.Peer.Authentication"

	// SecurityPath is the object exposing remote security
	// management.
	SecurityPath ObjectPath = "/org/alljoyn/Bus/Security"
	// ManagedApplicationInterface is the remote security management
	// interface.
	ManagedApplicationInterface = "org.alljoyn.Bus.Security.ManagedApplication"
	// ApplicationInterface carries the sessionless application state
	// signal.
	ApplicationInterface = "org.alljoyn.Bus.Application"

	// AboutPath is the object at which applications describe
	// themselves.
	AboutPath ObjectPath = "/About"
	// AboutInterface carries application metadata and its
	// sessionless Announce signal.
	AboutInterface = "org.alljoyn.About"
)

// Router signals.
const (
	SignalNameOwnerChanged      = "NameOwnerChanged"
	SignalNameAcquired          = "NameAcquired"
	SignalNameLost              = "NameLost"
	SignalFoundAdvertisedName   = "FoundAdvertisedName"
	SignalLostAdvertisedName    = "LostAdvertisedName"
	SignalSessionJoined         = "SessionJoined"
	SignalSessionLostWithReason = "SessionLostWithReason"
	SignalMPSessionChanged      = "MPSessionChanged"
)

func mustInterface(d *InterfaceDescription, err error) *InterfaceDescription {
	if err != nil {
		panic(err)
	}
	d.Activate()
	return d
}

// builder accumulates the first error of a sequence of Add calls.
type builder struct {
	*InterfaceDescription
	err error
}

func (b *builder) method(name string, in, out []Arg, anns ...Annotation) {
	if b.err == nil {
		b.err = b.AddMethod(name, in, out, anns...)
	}
}

func (b *builder) signal(name string, args []Arg, anns ...Annotation) {
	if b.err == nil {
		b.err = b.AddSignal(name, args, anns...)
	}
}

func (b *builder) done() (*InterfaceDescription, error) {
	return b.InterfaceDescription, b.err
}

var peerIface = mustInterface(func() (*InterfaceDescription, error) {
	b := builder{InterfaceDescription: NewInterface(PeerInterface)}
	b.method("Ping", nil, nil)
	b.method("GetMachineId", nil, Args("s", "machine_uuid"))
	return b.done()
}())

var introspectableIface = mustInterface(func() (*InterfaceDescription, error) {
	b := builder{InterfaceDescription: NewInterface(IntrospectableInterface)}
	b.method("Introspect", nil, Args("s", "data"))
	return b.done()
}())

var propertiesIface = mustInterface(func() (*InterfaceDescription, error) {
	b := builder{InterfaceDescription: NewInterface(PropertiesInterface)}
	b.method("Get", Args("ss", "interface_name", "property_name"), Args("v", "value"))
	b.method("Set", Args("ssv", "interface_name", "property_name", "value"), nil)
	b.method("GetAll", Args("s", "interface_name"), Args("a{sv}", "props"))
	b.signal("PropertiesChanged", Args("sa{sv}as", "interface_name", "changed_properties", "invalidated_properties"))
	return b.done()
}())

var peerSessionIface = mustInterface(func() (*InterfaceDescription, error) {
	b := builder{InterfaceDescription: NewInterface(PeerSessionInterface)}
	b.method("AcceptSession", Args("qusa{sv}", "port", "id", "src", "opts"), Args("b", "accepted"))
	return b.done()
}())

var peerAuthIface = mustInterface(func() (*InterfaceDescription, error) {
	b := builder{InterfaceDescription: NewInterface(PeerAuthInterface)}
	b.method("ExchangeGuids", Args("su", "localGuid", "authVersion"), Args("su", "remoteGuid", "authVersion"))
	b.method("AuthChallenge", Args("s", "challenge"), Args("s", "response"))
	b.method("GenSessionKey", Args("sss", "localGuid", "remoteGuid", "localNonce"), Args("ss", "remoteNonce", "verifier"))
	return b.done()
}())

// standardIfaces are answered on every registered object.
var standardIfaces = []*InterfaceDescription{peerIface, introspectableIface, propertiesIface}

func isStandardInterface(name string) bool {
	switch name {
	case PeerInterface, IntrospectableInterface, PropertiesInterface:
		return true
	}
	return false
}
