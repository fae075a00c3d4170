package alljoyn

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/danderson/alljoyn/security"
	"github.com/google/uuid"
)

// Action is a permission granted by a security policy.
type Action = security.Action

const (
	ActionProvide = security.ActionProvide
	ActionObserve = security.ActionObserve
	ActionModify  = security.ActionModify
)

// SecurityViolation describes an inbound message rejected by peer
// security or by the security policy.
type SecurityViolation struct {
	Type      MessageType
	Sender    string
	Path      ObjectPath
	Interface string
	Member    string
	Err       error
}

func (v SecurityViolation) String() string {
	return fmt.Sprintf("%s %s.%s from %s: %v", v.Type, v.Interface, v.Member, v.Sender, v.Err)
}

// violation reports a rejected inbound message.
func (c *Conn) violation(msg *Message, err error) {
	c.log.Warn("security violation", "type", msg.Type, "member", msg.Interface+"."+msg.Member, "sender", msg.Sender, "err", err)
	if fn := c.opts.OnSecurityViolation; fn != nil {
		fn(SecurityViolation{
			Type:      msg.Type,
			Sender:    msg.Sender,
			Path:      msg.Path,
			Interface: msg.Interface,
			Member:    msg.Member,
			Err:       err,
		})
	}
}

// permissionGate checks inbound calls and signals against the
// installed security configuration.
type permissionGate struct {
	c *Conn

	mu   sync.Mutex
	cfg  *security.Configurator
	stop func()
}

func newPermissionGate(c *Conn) *permissionGate {
	return &permissionGate{c: c}
}

func (g *permissionGate) configurator() *security.Configurator {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// exemptInterface reports whether iface bypasses the policy. Security
// management checks its callers itself.
func exemptInterface(iface string) bool {
	switch iface {
	case PeerInterface, IntrospectableInterface, PropertiesInterface,
		PeerSessionInterface, PeerAuthInterface,
		ManagedApplicationInterface, ApplicationInterface:
		return true
	}
	return false
}

func peerInfo(auth *PeerAuth) security.PeerInfo {
	if auth == nil {
		return security.PeerInfo{}
	}
	return security.PeerInfo{Authenticated: true, Chain: auth.Chain}
}

func (g *permissionGate) authorize(call *Call, iface, member string, action Action) error {
	if exemptInterface(iface) {
		return nil
	}
	cfg := g.configurator()
	if cfg == nil {
		return nil
	}
	kind := security.MethodMember
	if call.Msg.Interface == PropertiesInterface {
		kind = security.PropertyMember
	}
	err := cfg.Authorize(security.Request{
		Path:      string(call.Msg.Path),
		Interface: iface,
		Member:    member,
		Kind:      kind,
		Action:    action,
		Peer:      peerInfo(call.Auth),
	})
	if err != nil {
		g.c.violation(call.Msg, err)
		return err
	}
	return nil
}

func (g *permissionGate) allowSignal(msg *Message, auth *PeerAuth) bool {
	if exemptInterface(msg.Interface) {
		return true
	}
	cfg := g.configurator()
	if cfg == nil {
		return true
	}
	err := cfg.Authorize(security.Request{
		Path:      string(msg.Path),
		Interface: msg.Interface,
		Member:    msg.Member,
		Kind:      security.SignalMember,
		Action:    ActionObserve,
		Peer:      peerInfo(auth),
	})
	if err != nil {
		g.c.violation(msg, err)
		return false
	}
	return true
}

var managedAppIface = mustInterface(func() (*InterfaceDescription, error) {
	b := builder{InterfaceDescription: NewInterface(ManagedApplicationInterface)}
	b.method("Claim", Args("ayayayaaya(sayay)", "caKey", "adminGroup", "adminKey", "identity", "manifests"), nil)
	b.method("Reset", nil, nil)
	b.method("UpdateIdentity", Args("aaya(sayay)", "identity", "manifests"), nil)
	b.method("UpdatePolicy", Args("s", "policy"), nil)
	b.method("ResetPolicy", nil, nil)
	b.method("InstallMembership", Args("aay", "chain"), nil)
	b.method("RemoveMembership", Args("ay", "serial"), nil)
	b.method("GetState", nil, Args("q", "state"))
	b.method("GetPublicKey", nil, Args("ay", "publicKey"))
	b.method("GetManifestTemplate", nil, Args("s", "manifest"))
	b.method("GetIdentity", nil, Args("aay", "identity"))
	b.method("GetPolicy", nil, Args("s", "policy"))
	if b.err == nil {
		b.err = b.SetSecure()
	}
	return b.done()
}())

var applicationIface = mustInterface(func() (*InterfaceDescription, error) {
	b := builder{InterfaceDescription: NewInterface(ApplicationInterface)}
	b.signal("State", Args("ayq", "publicKey", "state"))
	return b.done()
}())

// wireManifest is the bus encoding of a security.SignedManifest.
type wireManifest struct {
	XML        string
	Thumbprint []byte
	Signature  []byte
}

func manifestsToWire(ms []security.SignedManifest) []wireManifest {
	ret := make([]wireManifest, 0, len(ms))
	for _, m := range ms {
		ret = append(ret, wireManifest(m))
	}
	return ret
}

func manifestsFromWire(ms []wireManifest) []security.SignedManifest {
	ret := make([]security.SignedManifest, 0, len(ms))
	for _, m := range ms {
		ret = append(ret, security.SignedManifest(m))
	}
	return ret
}

// stateSignalTTL is how long the router keeps application state
// announcements.
const stateSignalTTL = 5 * time.Minute

// EnablePermissionManagement puts the Conn under the control of cfg.
// Once cfg has a policy, inbound calls and signals are checked against
// it. Security managers may administer cfg remotely through the
// org.alljoyn.Bus.Security.ManagedApplication interface, which needs
// peer security to be enabled.
func (c *Conn) EnablePermissionManagement(cfg *security.Configurator) error {
	obj, err := NewObject(SecurityPath)
	if err != nil {
		return err
	}
	for _, iface := range []*InterfaceDescription{managedAppIface, applicationIface} {
		if err := obj.AddInterface(iface); err != nil {
			return err
		}
	}
	m := managedApp{c: c, cfg: cfg}
	for name, h := range map[string]MethodHandler{
		"Claim":               m.claim,
		"Reset":               m.reset,
		"UpdateIdentity":      m.updateIdentity,
		"UpdatePolicy":        m.updatePolicy,
		"ResetPolicy":         m.resetPolicy,
		"InstallMembership":   m.installMembership,
		"RemoveMembership":    m.removeMembership,
		"GetState":            m.getState,
		"GetPublicKey":        m.getPublicKey,
		"GetManifestTemplate": m.getManifestTemplate,
		"GetIdentity":         m.getIdentity,
		"GetPolicy":           m.getPolicy,
	} {
		obj.HandleMethod(ManagedApplicationInterface, name, h)
	}
	if err := c.RegisterObject(obj); err != nil {
		return err
	}

	stop := cfg.OnStateChange(func(s security.State) {
		go c.announceState(cfg, s)
	})
	g := c.perm
	g.mu.Lock()
	g.cfg = cfg
	if g.stop != nil {
		g.stop()
	}
	g.stop = stop
	g.mu.Unlock()
	return nil
}

// PermissionConfigurator returns the Configurator installed by
// EnablePermissionManagement, or nil.
func (c *Conn) PermissionConfigurator() *security.Configurator {
	return c.perm.configurator()
}

// announceState emits the sessionless application state signal.
func (c *Conn) announceState(cfg *security.Configurator, s security.State) {
	if !c.IsConnected() {
		return
	}
	key, err := security.MarshalPublicKey(cfg.SigningPublicKey())
	if err != nil {
		c.log.Error("encoding application key", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	defer cancel()
	opts := SignalOptions{Sessionless: true, TTL: stateSignalTTL}
	if _, err := c.EmitSignal(ctx, SecurityPath, ApplicationInterface, "State", opts, key, uint16(s)); err != nil {
		c.log.Warn("announcing application state", "state", s, "err", err)
	}
}

// managedApp implements org.alljoyn.Bus.Security.ManagedApplication.
type managedApp struct {
	c   *Conn
	cfg *security.Configurator
}

func (m managedApp) requireAdmin(call *Call) error {
	if m.cfg.IsAdmin(peerInfo(call.Auth)) {
		return nil
	}
	err := fmt.Errorf("%w: %s is not an administrator", ErrPermissionDenied, call.Sender)
	m.c.violation(call.Msg, err)
	return err
}

func (m managedApp) claim(ctx context.Context, call *Call) ([]any, error) {
	var (
		caDER, group, adminDER []byte
		identity               [][]byte
		manifests              []wireManifest
	)
	if err := call.Scan(&caDER, &group, &adminDER, &identity, &manifests); err != nil {
		return nil, err
	}
	ca, err := security.ParsePublicKey(caDER)
	if err != nil {
		return nil, CallError{errNameInvalidArgs, fmt.Sprintf("certificate authority key: %v", err)}
	}
	admin, err := security.ParsePublicKey(adminDER)
	if err != nil {
		return nil, CallError{errNameInvalidArgs, fmt.Sprintf("admin key: %v", err)}
	}
	gid, err := uuid.FromBytes(group)
	if err != nil {
		return nil, CallError{errNameInvalidArgs, fmt.Sprintf("admin group: %v", err)}
	}
	chain, err := security.ParseChain(identity)
	if err != nil {
		return nil, CallError{errNameInvalidArgs, err.Error()}
	}
	if err := m.cfg.Claim(ca, gid, admin, chain, manifestsFromWire(manifests)); err != nil {
		return nil, err
	}
	m.c.log.Info("application claimed", "by", call.Sender)
	return nil, nil
}

func (m managedApp) reset(ctx context.Context, call *Call) ([]any, error) {
	if err := m.requireAdmin(call); err != nil {
		return nil, err
	}
	return nil, m.cfg.Reset()
}

func (m managedApp) updateIdentity(ctx context.Context, call *Call) ([]any, error) {
	if err := m.requireAdmin(call); err != nil {
		return nil, err
	}
	var (
		identity  [][]byte
		manifests []wireManifest
	)
	if err := call.Scan(&identity, &manifests); err != nil {
		return nil, err
	}
	chain, err := security.ParseChain(identity)
	if err != nil {
		return nil, CallError{errNameInvalidArgs, err.Error()}
	}
	return nil, m.cfg.UpdateIdentity(chain, manifestsFromWire(manifests))
}

func (m managedApp) updatePolicy(ctx context.Context, call *Call) ([]any, error) {
	if err := m.requireAdmin(call); err != nil {
		return nil, err
	}
	var doc string
	if err := call.Scan(&doc); err != nil {
		return nil, err
	}
	p, err := security.ParsePolicy(doc)
	if err != nil {
		return nil, CallError{errNameInvalidArgs, err.Error()}
	}
	return nil, m.cfg.UpdatePolicy(p)
}

func (m managedApp) resetPolicy(ctx context.Context, call *Call) ([]any, error) {
	if err := m.requireAdmin(call); err != nil {
		return nil, err
	}
	return nil, m.cfg.ResetPolicy()
}

func (m managedApp) installMembership(ctx context.Context, call *Call) ([]any, error) {
	if err := m.requireAdmin(call); err != nil {
		return nil, err
	}
	var ders [][]byte
	if err := call.Scan(&ders); err != nil {
		return nil, err
	}
	chain, err := security.ParseChain(ders)
	if err != nil {
		return nil, CallError{errNameInvalidArgs, err.Error()}
	}
	return nil, m.cfg.InstallMembership(chain)
}

func (m managedApp) removeMembership(ctx context.Context, call *Call) ([]any, error) {
	if err := m.requireAdmin(call); err != nil {
		return nil, err
	}
	var serial []byte
	if err := call.Scan(&serial); err != nil {
		return nil, err
	}
	return nil, m.cfg.RemoveMembership(new(big.Int).SetBytes(serial))
}

func (m managedApp) getState(ctx context.Context, call *Call) ([]any, error) {
	return []any{uint16(m.cfg.State())}, nil
}

func (m managedApp) getPublicKey(ctx context.Context, call *Call) ([]any, error) {
	der, err := security.MarshalPublicKey(m.cfg.SigningPublicKey())
	if err != nil {
		return nil, err
	}
	return []any{der}, nil
}

func (m managedApp) getManifestTemplate(ctx context.Context, call *Call) ([]any, error) {
	return []any{m.cfg.ManifestTemplate()}, nil
}

func (m managedApp) getIdentity(ctx context.Context, call *Call) ([]any, error) {
	if err := m.requireAdmin(call); err != nil {
		return nil, err
	}
	return []any{security.MarshalChain(m.cfg.Identity())}, nil
}

func (m managedApp) getPolicy(ctx context.Context, call *Call) ([]any, error) {
	if err := m.requireAdmin(call); err != nil {
		return nil, err
	}
	p, ok := m.cfg.Policy()
	if !ok {
		return []any{""}, nil
	}
	doc, err := p.XML()
	if err != nil {
		return nil, err
	}
	return []any{doc}, nil
}

// SecurityApplicationProxy administers a remote application's
// security configuration. All its calls are encrypted.
type SecurityApplicationProxy struct {
	iface ProxyInterface
	opts  []CallOption
}

// SecurityApplicationProxy returns a proxy for the security management
// interface of the application name. If session is non-zero, calls are
// made within that session.
func (c *Conn) SecurityApplicationProxy(name string, session SessionID) SecurityApplicationProxy {
	// Registering the description makes proxies honor its signatures
	// and its Secure annotation.
	if err := c.CreateInterface(managedAppIface); err != nil {
		c.log.Error("registering security management interface", "err", err)
	}
	ret := SecurityApplicationProxy{
		iface: c.Peer(name).Object(SecurityPath).Interface(ManagedApplicationInterface),
		opts:  []CallOption{Secure()},
	}
	if session != 0 {
		ret.opts = append(ret.opts, InSession(session))
	}
	return ret
}

func (p SecurityApplicationProxy) call(ctx context.Context, method string, args ...any) ([]any, error) {
	return p.iface.Call(ctx, method, args, p.opts...)
}

// State returns the application's claim state.
func (p SecurityApplicationProxy) State(ctx context.Context) (security.State, error) {
	s, err := scanOne[uint16](p.call(ctx, "GetState"))
	return security.State(s), err
}

// PublicKey returns the application's signing key.
func (p SecurityApplicationProxy) PublicKey(ctx context.Context) (*ecdsa.PublicKey, error) {
	der, err := scanOne[[]byte](p.call(ctx, "GetPublicKey"))
	if err != nil {
		return nil, err
	}
	return security.ParsePublicKey(der)
}

// ManifestTemplate returns the application's manifest template.
func (p SecurityApplicationProxy) ManifestTemplate(ctx context.Context) (string, error) {
	return scanOne[string](p.call(ctx, "GetManifestTemplate"))
}

// Claim claims the application. See [security.Configurator.Claim].
func (p SecurityApplicationProxy) Claim(ctx context.Context, ca *ecdsa.PublicKey, adminGroup uuid.UUID, adminKey *ecdsa.PublicKey, identity []*x509.Certificate, manifests []security.SignedManifest) error {
	caDER, err := security.MarshalPublicKey(ca)
	if err != nil {
		return err
	}
	adminDER, err := security.MarshalPublicKey(adminKey)
	if err != nil {
		return err
	}
	_, err = p.call(ctx, "Claim", caDER, adminGroup[:], adminDER, security.MarshalChain(identity), manifestsToWire(manifests))
	return err
}

// Reset returns the application to CLAIMABLE.
func (p SecurityApplicationProxy) Reset(ctx context.Context) error {
	_, err := p.call(ctx, "Reset")
	return err
}

// UpdateIdentity replaces the application's identity and manifests.
func (p SecurityApplicationProxy) UpdateIdentity(ctx context.Context, identity []*x509.Certificate, manifests []security.SignedManifest) error {
	_, err := p.call(ctx, "UpdateIdentity", security.MarshalChain(identity), manifestsToWire(manifests))
	return err
}

// UpdatePolicy installs a new policy on the application.
func (p SecurityApplicationProxy) UpdatePolicy(ctx context.Context, policy *security.Policy) error {
	doc, err := policy.XML()
	if err != nil {
		return err
	}
	_, err = p.call(ctx, "UpdatePolicy", doc)
	return err
}

// ResetPolicy reinstalls the application's default policy.
func (p SecurityApplicationProxy) ResetPolicy(ctx context.Context) error {
	_, err := p.call(ctx, "ResetPolicy")
	return err
}

// InstallMembership installs a membership certificate chain.
func (p SecurityApplicationProxy) InstallMembership(ctx context.Context, chain []*x509.Certificate) error {
	_, err := p.call(ctx, "InstallMembership", security.MarshalChain(chain))
	return err
}

// RemoveMembership removes the membership with the given serial.
func (p SecurityApplicationProxy) RemoveMembership(ctx context.Context, serial *big.Int) error {
	_, err := p.call(ctx, "RemoveMembership", serial.Bytes())
	return err
}

// Identity returns the application's identity certificate chain.
func (p SecurityApplicationProxy) Identity(ctx context.Context) ([]*x509.Certificate, error) {
	ders, err := scanOne[[][]byte](p.call(ctx, "GetIdentity"))
	if err != nil {
		return nil, err
	}
	return security.ParseChain(ders)
}

// Policy returns the application's policy, or nil if it has none.
func (p SecurityApplicationProxy) Policy(ctx context.Context) (*security.Policy, error) {
	doc, err := scanOne[string](p.call(ctx, "GetPolicy"))
	if err != nil || doc == "" {
		return nil, err
	}
	return security.ParsePolicy(doc)
}
