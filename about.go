package alljoyn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// aboutVersion is the version of org.alljoyn.About implemented here.
const aboutVersion = 1

// AJSoftwareVersion is the bus library version reported in About data.
const AJSoftwareVersion = "v16.10.00"

// LocalizedString is a text field in several languages, keyed by
// language tag.
type LocalizedString map[string]string

// in returns the text for lang, falling back to def.
func (l LocalizedString) in(lang, def string) (string, bool) {
	if s, ok := l[lang]; ok {
		return s, true
	}
	s, ok := l[def]
	return s, ok
}

// AboutData is the metadata an application publishes about itself
// with [Conn.Announce].
type AboutData struct {
	// AppID uniquely identifies the application.
	AppID uuid.UUID
	// DefaultLanguage is the language of announcements, and of
	// requests that do not name one.
	DefaultLanguage string
	// DeviceName is the name of the device the application runs on.
	DeviceName LocalizedString
	// DeviceID identifies the device.
	DeviceID string
	AppName  LocalizedString
	// Manufacturer is the application's maker.
	Manufacturer LocalizedString
	ModelNumber  string
	// SupportedLanguages lists languages beyond those of the localized
	// fields.
	SupportedLanguages []string
	Description        LocalizedString
	DateOfManufacture  string
	SoftwareVersion    string
	// AJSoftwareVersion is the bus library version. It is set to
	// [AJSoftwareVersion] when announced.
	AJSoftwareVersion string
	HardwareVersion   string
	SupportURL        string
	// Fields are application specific fields. They are returned by
	// GetAboutData but not announced.
	Fields map[string]Variant
}

// Field names of About data.
const (
	aboutAppID        = "AppId"
	aboutDefaultLang  = "DefaultLanguage"
	aboutDeviceName   = "DeviceName"
	aboutDeviceID     = "DeviceId"
	aboutAppName      = "AppName"
	aboutManufacturer = "Manufacturer"
	aboutModelNumber  = "ModelNumber"
	aboutLanguages    = "SupportedLanguages"
	aboutDescription  = "Description"
	aboutManufactured = "DateOfManufacture"
	aboutSoftware     = "SoftwareVersion"
	aboutAJSoftware   = "AJSoftwareVersion"
	aboutHardware     = "HardwareVersion"
	aboutSupportURL   = "SupportURL"
)

var standardAboutFields = []string{
	aboutAppID, aboutDefaultLang, aboutDeviceName, aboutDeviceID,
	aboutAppName, aboutManufacturer, aboutModelNumber, aboutLanguages,
	aboutDescription, aboutManufactured, aboutSoftware, aboutAJSoftware,
	aboutHardware, aboutSupportURL,
}

// Validate checks that d has every required field, in its default
// language where the field is localized.
//
// Errors match [ErrInvalidAboutData].
func (d *AboutData) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s is required", ErrInvalidAboutData, field)
	}
	if d.AppID == uuid.Nil {
		return missing(aboutAppID)
	}
	if d.DefaultLanguage == "" {
		return missing(aboutDefaultLang)
	}
	if _, err := language.Parse(d.DefaultLanguage); err != nil {
		return fmt.Errorf("%w: default language %q: %w", ErrInvalidAboutData, d.DefaultLanguage, err)
	}
	for field, s := range map[string]string{
		aboutDeviceID:    d.DeviceID,
		aboutModelNumber: d.ModelNumber,
		aboutSoftware:    d.SoftwareVersion,
	} {
		if s == "" {
			return missing(field)
		}
	}
	for field, l := range map[string]LocalizedString{
		aboutAppName:      d.AppName,
		aboutManufacturer: d.Manufacturer,
		aboutDescription:  d.Description,
	} {
		if l[d.DefaultLanguage] == "" {
			return fmt.Errorf("%w: %s is required in %s", ErrInvalidAboutData, field, d.DefaultLanguage)
		}
	}
	for name := range d.Fields {
		if slices.Contains(standardAboutFields, name) {
			return fmt.Errorf("%w: custom field %s shadows a standard field", ErrInvalidAboutData, name)
		}
	}
	return nil
}

// Languages returns every language d has text in, sorted.
func (d *AboutData) Languages() []string {
	ret := slices.Clone(d.SupportedLanguages)
	if d.DefaultLanguage != "" {
		ret = append(ret, d.DefaultLanguage)
	}
	for _, l := range []LocalizedString{d.DeviceName, d.AppName, d.Manufacturer, d.Description} {
		ret = slices.AppendSeq(ret, maps.Keys(l))
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}

// bestLanguage returns the language of d that best serves a request
// for want.
func (d *AboutData) bestLanguage(want string) (string, error) {
	if want == "" {
		return d.DefaultLanguage, nil
	}
	tag, err := language.Parse(want)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrLanguageNotSupported, want, err)
	}
	langs := d.Languages()
	tags := make([]language.Tag, len(langs))
	for i, l := range langs {
		tags[i] = language.Make(l)
	}
	_, i, conf := language.NewMatcher(tags).Match(tag)
	if conf == language.No {
		return "", fmt.Errorf("%w: %s", ErrLanguageNotSupported, want)
	}
	return langs[i], nil
}

func (d *AboutData) clone() *AboutData {
	ret := *d
	ret.DeviceName = maps.Clone(d.DeviceName)
	ret.AppName = maps.Clone(d.AppName)
	ret.Manufacturer = maps.Clone(d.Manufacturer)
	ret.Description = maps.Clone(d.Description)
	ret.SupportedLanguages = slices.Clone(d.SupportedLanguages)
	ret.Fields = maps.Clone(d.Fields)
	ret.AJSoftwareVersion = AJSoftwareVersion
	return &ret
}

// dict returns the a{sv} encoding of d in the language best matching
// lang.
func (d *AboutData) dict(lang string) (map[string]Variant, error) {
	best, err := d.bestLanguage(lang)
	if err != nil {
		return nil, err
	}
	ret := d.announced(best)
	for name, v := range d.Fields {
		ret[name] = v
	}
	ret[aboutLanguages] = MakeVariant(d.Languages())
	if s, ok := d.Description.in(best, d.DefaultLanguage); ok {
		ret[aboutDescription] = MakeVariant(s)
	}
	for name, s := range map[string]string{
		aboutManufactured: d.DateOfManufacture,
		aboutSoftware:     d.SoftwareVersion,
		aboutAJSoftware:   d.AJSoftwareVersion,
		aboutHardware:     d.HardwareVersion,
		aboutSupportURL:   d.SupportURL,
	} {
		if s != "" {
			ret[name] = MakeVariant(s)
		}
	}
	return ret, nil
}

// announced returns the fields of d carried by announcements, in
// lang.
func (d *AboutData) announced(lang string) map[string]Variant {
	ret := map[string]Variant{
		aboutAppID:       MakeVariant(d.AppID[:]),
		aboutDefaultLang: MakeVariant(d.DefaultLanguage),
		aboutDeviceID:    MakeVariant(d.DeviceID),
		aboutModelNumber: MakeVariant(d.ModelNumber),
	}
	for name, l := range map[string]LocalizedString{
		aboutDeviceName:   d.DeviceName,
		aboutAppName:      d.AppName,
		aboutManufacturer: d.Manufacturer,
	} {
		if s, ok := l.in(lang, d.DefaultLanguage); ok {
			ret[name] = MakeVariant(s)
		}
	}
	return ret
}

// parseAboutData decodes About data received from a peer. Localized
// fields are filed under lang, or the data's default language if lang
// is empty.
func parseAboutData(m map[string]Variant, lang string) (*AboutData, error) {
	ret := &AboutData{}
	if v, ok := m[aboutAppID]; ok {
		var bs []byte
		if err := Scan([]any{v.Value}, &bs); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidAboutData, aboutAppID, err)
		}
		id, err := uuid.FromBytes(bs)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidAboutData, aboutAppID, err)
		}
		ret.AppID = id
	}
	if v, ok := m[aboutLanguages]; ok {
		if err := Scan([]any{v.Value}, &ret.SupportedLanguages); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidAboutData, aboutLanguages, err)
		}
	}
	str := func(name string) string {
		s, _ := m[name].Value.(string)
		return s
	}
	ret.DefaultLanguage = str(aboutDefaultLang)
	if lang == "" {
		lang = ret.DefaultLanguage
	}
	localized := func(name string) LocalizedString {
		if s := str(name); s != "" {
			return LocalizedString{lang: s}
		}
		return nil
	}
	ret.DeviceName = localized(aboutDeviceName)
	ret.DeviceID = str(aboutDeviceID)
	ret.AppName = localized(aboutAppName)
	ret.Manufacturer = localized(aboutManufacturer)
	ret.ModelNumber = str(aboutModelNumber)
	ret.Description = localized(aboutDescription)
	ret.DateOfManufacture = str(aboutManufactured)
	ret.SoftwareVersion = str(aboutSoftware)
	ret.AJSoftwareVersion = str(aboutAJSoftware)
	ret.HardwareVersion = str(aboutHardware)
	ret.SupportURL = str(aboutSupportURL)
	for name, v := range m {
		if slices.Contains(standardAboutFields, name) {
			continue
		}
		if ret.Fields == nil {
			ret.Fields = map[string]Variant{}
		}
		ret.Fields[name] = v
	}
	return ret, nil
}

// AboutObjectDescription lists the announced interfaces of an
// application's objects.
type AboutObjectDescription map[ObjectPath][]string

// HasInterface reports whether any object implements iface. A
// trailing "*" in iface matches any suffix.
func (d AboutObjectDescription) HasInterface(iface string) bool {
	prefix, wild := strings.CutSuffix(iface, "*")
	for _, ifaces := range d {
		for _, name := range ifaces {
			if name == iface || (wild && strings.HasPrefix(name, prefix)) {
				return true
			}
		}
	}
	return false
}

// Implements reports whether d has all of ifaces.
func (d AboutObjectDescription) Implements(ifaces ...string) bool {
	for _, iface := range ifaces {
		if !d.HasInterface(iface) {
			return false
		}
	}
	return true
}

// aboutObject is the wire form of one object of a description.
type aboutObject struct {
	Path       ObjectPath
	Interfaces []string
}

func (d AboutObjectDescription) wire() []aboutObject {
	ret := make([]aboutObject, 0, len(d))
	for path, ifaces := range d {
		ret = append(ret, aboutObject{path, ifaces})
	}
	slices.SortFunc(ret, func(a, b aboutObject) int { return cmp.Compare(a.Path, b.Path) })
	return ret
}

func descriptionFromWire(objs []aboutObject) AboutObjectDescription {
	ret := AboutObjectDescription{}
	for _, o := range objs {
		ret[o.Path] = append(ret[o.Path], o.Interfaces...)
	}
	return ret
}

// announcedObjects describes the Conn's registered objects that have
// announced interfaces.
func (c *Conn) announcedObjects() AboutObjectDescription {
	c.mu.Lock()
	objs := slices.Collect(maps.Values(c.objects))
	c.mu.Unlock()
	ret := AboutObjectDescription{}
	for _, obj := range objs {
		if ifaces := obj.announcedInterfaces(); len(ifaces) > 0 {
			ret[obj.path] = ifaces
		}
	}
	return ret
}

var aboutIface = mustInterface(func() (*InterfaceDescription, error) {
	b := builder{InterfaceDescription: NewInterface(AboutInterface)}
	b.method("GetAboutData", Args("s", "languageTag"), Args("a{sv}", "aboutData"))
	b.method("GetObjectDescription", nil, Args("a(oas)", "Control"))
	b.signal("Announce", Args("qqa(oas)a{sv}", "version", "port", "objectDescription", "metaData"))
	if b.err == nil {
		b.err = b.AddProperty("Version", "q", PropRead)
	}
	return b.done()
}())

// aboutService answers org.alljoyn.About for a Conn.
type aboutService struct {
	c   *Conn
	obj *Object

	// announceMu serializes Announce and Unannounce.
	announceMu sync.Mutex

	mu         sync.Mutex
	registered bool
	data       *AboutData
	serial     uint32
}

func newAboutService(c *Conn) *aboutService {
	obj, err := NewObject(AboutPath)
	if err != nil {
		panic(err)
	}
	if err := obj.AddInterface(aboutIface); err != nil {
		panic(err)
	}
	if err := obj.AnnounceInterface(AboutInterface); err != nil {
		panic(err)
	}
	a := &aboutService{c: c, obj: obj}
	obj.HandleMethod(AboutInterface, "GetAboutData", a.getAboutData)
	obj.HandleMethod(AboutInterface, "GetObjectDescription", a.getObjectDescription)
	obj.HandleProperty(AboutInterface, a.getProperty, nil)
	return a
}

func (a *aboutService) getAboutData(ctx context.Context, call *Call) ([]any, error) {
	var lang string
	if err := call.Scan(&lang); err != nil {
		return nil, err
	}
	a.mu.Lock()
	data := a.data
	a.mu.Unlock()
	if data == nil {
		return nil, fmt.Errorf("%w: nothing announced", ErrInvalidState)
	}
	dict, err := data.dict(lang)
	if err != nil {
		return nil, err
	}
	return []any{dict}, nil
}

func (a *aboutService) getObjectDescription(ctx context.Context, call *Call) ([]any, error) {
	return []any{a.c.announcedObjects().wire()}, nil
}

func (a *aboutService) getProperty(ctx context.Context, name string) (any, error) {
	if name != "Version" {
		return nil, fmt.Errorf("no property %s: %w", name, ErrNoSuchMember)
	}
	return uint16(aboutVersion), nil
}

// Announce publishes data and the Conn's announced interfaces in a
// sessionless Announce signal, which replaces any earlier
// announcement. port is the session port peers join to use the
// application. The data is also served to GetAboutData calls.
//
// Invalid data fails with an error matching [ErrInvalidAboutData].
func (c *Conn) Announce(ctx context.Context, port SessionPort, data *AboutData) error {
	if err := data.Validate(); err != nil {
		return err
	}
	a := c.about
	a.announceMu.Lock()
	defer a.announceMu.Unlock()

	a.mu.Lock()
	if !a.registered {
		if err := c.RegisterObject(a.obj); err != nil {
			a.mu.Unlock()
			return err
		}
		a.registered = true
	}
	data = data.clone()
	a.data = data
	prev := a.serial
	a.serial = 0
	a.mu.Unlock()

	if prev != 0 {
		if err := c.CancelSessionlessMessage(ctx, prev); err != nil && !errors.Is(err, ErrNoSuchMessage) {
			c.log.Warn("withdrawing previous announcement", "err", err)
		}
	}
	objs := c.announcedObjects().wire()
	serial, err := c.EmitSignal(ctx, AboutPath, AboutInterface, "Announce", SignalOptions{Sessionless: true}, uint16(aboutVersion), uint16(port), objs, data.announced(data.DefaultLanguage))
	if err != nil {
		return fmt.Errorf("announcing: %w", err)
	}
	a.mu.Lock()
	a.serial = serial
	a.mu.Unlock()
	c.log.Info("announced", "port", port, "app", data.AppID, "objects", len(objs))
	return nil
}

// Unannounce withdraws the Conn's announcement. The About data stays
// available to GetAboutData calls.
func (c *Conn) Unannounce(ctx context.Context) error {
	a := c.about
	a.announceMu.Lock()
	defer a.announceMu.Unlock()
	a.mu.Lock()
	serial := a.serial
	a.serial = 0
	a.mu.Unlock()
	if serial == 0 {
		return fmt.Errorf("no announcement: %w", ErrNoSuchMessage)
	}
	return c.CancelSessionlessMessage(ctx, serial)
}

// Announcement is an About announcement received from a peer.
type Announcement struct {
	// Sender is the unique name of the announcing application.
	Sender  string
	Version uint16
	// Port is the session port to join to use the application.
	Port    SessionPort
	Objects AboutObjectDescription
	// Data holds the announced fields, in the announcer's default
	// language.
	Data *AboutData
}

func parseAnnouncement(sig *Signal) (*Announcement, error) {
	var (
		version, port uint16
		objs          []aboutObject
		meta          map[string]Variant
	)
	if err := sig.Scan(&version, &port, &objs, &meta); err != nil {
		return nil, err
	}
	data, err := parseAboutData(meta, "")
	if err != nil {
		return nil, err
	}
	return &Announcement{
		Sender:  sig.Sender,
		Version: version,
		Port:    SessionPort(port),
		Objects: descriptionFromWire(objs),
		Data:    data,
	}, nil
}

// AboutListener receives About announcements.
type AboutListener interface {
	Announced(a *Announcement)
}

// WhoImplements calls l with every announcement from applications
// that implement all of ifaces, including announcements made before
// the call. A trailing "*" in an interface name matches any suffix.
// l is called from a single goroutine, until stop is called.
func (c *Conn) WhoImplements(l AboutListener, ifaces ...string) (stop func(), err error) {
	w := c.Watch()
	if _, err := w.Match(MatchSignal(AboutInterface, "Announce").Sessionless()); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for sig := range w.Chan() {
			a, err := parseAnnouncement(sig)
			if err != nil {
				c.log.Debug("dropping malformed announcement", "sender", sig.Sender, "err", err)
				continue
			}
			if a.Objects.Implements(ifaces...) {
				l.Announced(a)
			}
		}
	}()
	return w.Close, nil
}

// AboutProxy reads the About data of a remote application.
type AboutProxy struct {
	iface ProxyInterface
	opts  []CallOption
}

// AboutProxy returns a proxy for the About interface of the
// application name. If session is non-zero, calls are made within
// that session.
func (c *Conn) AboutProxy(name string, session SessionID) AboutProxy {
	if err := c.CreateInterface(aboutIface); err != nil {
		c.log.Error("registering About interface", "err", err)
	}
	ret := AboutProxy{iface: c.Peer(name).Object(AboutPath).Interface(AboutInterface)}
	if session != 0 {
		ret.opts = append(ret.opts, InSession(session))
	}
	return ret
}

// Version returns the version of the application's About interface.
func (p AboutProxy) Version(ctx context.Context) (uint16, error) {
	v, err := p.iface.GetProperty(ctx, "Version", p.opts...)
	if err != nil {
		return 0, err
	}
	var ret uint16
	if err := Scan([]any{v}, &ret); err != nil {
		return 0, err
	}
	return ret, nil
}

// AboutData returns the application's About data in the language
// best matching lang, or its default language if lang is empty. An
// unsupported language fails with [ErrLanguageNotSupported].
func (p AboutProxy) AboutData(ctx context.Context, lang string) (*AboutData, error) {
	meta, err := scanOne[map[string]Variant](p.iface.Call(ctx, "GetAboutData", []any{lang}, p.opts...))
	if err != nil {
		return nil, err
	}
	return parseAboutData(meta, lang)
}

// ObjectDescription returns the application's announced objects.
func (p AboutProxy) ObjectDescription(ctx context.Context) (AboutObjectDescription, error) {
	objs, err := scanOne[[]aboutObject](p.iface.Call(ctx, "GetObjectDescription", nil, p.opts...))
	if err != nil {
		return nil, err
	}
	return descriptionFromWire(objs), nil
}
