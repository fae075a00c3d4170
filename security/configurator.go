// Package security implements the application side of bus security
// management: the claim state machine, identity and membership
// certificates, manifests, and the access control policy that decides
// which peers may use which interface members.
package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidState is returned by operations not permitted in the
	// application's current state. The state is unchanged.
	ErrInvalidState = errors.New("invalid application state")
	// ErrPermissionDenied is returned for requests the policy denies.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidCertificate is returned for unusable certificates and
	// chains.
	ErrInvalidCertificate = errors.New("invalid certificate")
	// ErrInvalidManifest is returned for malformed or badly signed
	// manifests.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrInvalidPolicy is returned for malformed policies.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrPolicyNotNewer is returned by UpdatePolicy for a policy whose
	// serial is not higher than the installed one.
	ErrPolicyNotNewer = errors.New("policy is not newer than installed policy")
	// ErrDuplicateCertificate is returned when installing a
	// membership whose serial is already installed.
	ErrDuplicateCertificate = errors.New("duplicate certificate")
	// ErrNotFound is returned when removing an unknown membership.
	ErrNotFound = errors.New("not found")
)

// State is an application's claim state.
type State uint16

const (
	NotClaimable State = iota
	Claimable
	Claimed
	NeedUpdate
)

func (s State) String() string {
	switch s {
	case NotClaimable:
		return "NOT_CLAIMABLE"
	case Claimable:
		return "CLAIMABLE"
	case Claimed:
		return "CLAIMED"
	case NeedUpdate:
		return "NEED_UPDATE"
	default:
		return fmt.Sprintf("State(%d)", uint16(s))
	}
}

// SignedManifest is a manifest bound to an identity certificate by
// its thumbprint, and signed by the certificate's issuer.
type SignedManifest struct {
	XML        string
	Thumbprint []byte
	Signature  []byte
}

func (m SignedManifest) digest() []byte {
	h := sha256.New()
	h.Write(m.Thumbprint)
	h.Write([]byte(m.XML))
	return h.Sum(nil)
}

// Verify reports whether the manifest is signed by key.
func (m SignedManifest) Verify(key *ecdsa.PublicKey) bool {
	return key != nil && ecdsa.VerifyASN1(key, m.digest(), m.Signature)
}

// ConfiguratorOptions configures a Configurator.
type ConfiguratorOptions struct {
	// Key is the application's signing key. If nil, a new P-256 key
	// is generated.
	Key *ecdsa.PrivateKey
	// Logger receives state change logs. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// Configurator holds an application's security configuration, and
// enforces the claim state machine over it.
//
// An application starts NOT_CLAIMABLE. Installing a manifest template
// makes it CLAIMABLE, a security manager's Claim makes it CLAIMED,
// and Reset returns it to CLAIMABLE.
type Configurator struct {
	key *ecdsa.PrivateKey
	log *slog.Logger

	mu          sync.Mutex
	state       State
	template    string
	ca          *ecdsa.PublicKey
	adminGroup  uuid.UUID
	adminKey    *ecdsa.PublicKey
	identity    []*x509.Certificate
	manifests   []SignedManifest
	parsed      []*Manifest
	policy      *Policy
	memberships [][]*x509.Certificate
	nextID      int
	listeners   map[int]func(State)
}

// NewConfigurator returns an unclaimed, unclaimable Configurator.
func NewConfigurator(opts ConfiguratorOptions) (*Configurator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Key == nil {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		opts.Key = k
	}
	return &Configurator{
		key:       opts.Key,
		log:       opts.Logger,
		state:     NotClaimable,
		listeners: map[int]func(State){},
	}, nil
}

// State returns the application's claim state.
func (c *Configurator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange calls fn with the new state after every state change,
// until the returned function is called.
func (c *Configurator) OnStateChange(fn func(State)) (stop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// setStateLocked changes state, and returns a function that notifies
// listeners. The function must be called after c.mu is released.
func (c *Configurator) setStateLocked(s State) func() {
	if s == c.state {
		return func() {}
	}
	c.log.Info("application state changed", "from", c.state, "to", s)
	c.state = s
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(s)
		}
	}
}

// SetManifestTemplate installs the manifest template, the rules an
// application asks to be granted when claimed. A NOT_CLAIMABLE
// application becomes CLAIMABLE.
func (c *Configurator) SetManifestTemplate(doc string) error {
	if _, err := ParseManifest(doc); err != nil {
		return err
	}
	c.mu.Lock()
	c.template = doc
	notify := func() {}
	if c.state == NotClaimable {
		notify = c.setStateLocked(Claimable)
	}
	c.mu.Unlock()
	notify()
	return nil
}

// ManifestTemplate returns the installed manifest template.
func (c *Configurator) ManifestTemplate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.template
}

// SetClaimable switches an unclaimed application between CLAIMABLE and
// NOT_CLAIMABLE. Becoming claimable requires a manifest template.
func (c *Configurator) SetClaimable(claimable bool) error {
	c.mu.Lock()
	if c.state != NotClaimable && c.state != Claimable {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot change claimability when %s", ErrInvalidState, s)
	}
	if claimable && c.template == "" {
		c.mu.Unlock()
		return fmt.Errorf("%w: no manifest template installed", ErrInvalidState)
	}
	next := NotClaimable
	if claimable {
		next = Claimable
	}
	notify := c.setStateLocked(next)
	c.mu.Unlock()
	notify()
	return nil
}

// SetNeedUpdate flags a claimed application as needing an update from
// its security manager.
func (c *Configurator) SetNeedUpdate() error {
	c.mu.Lock()
	if c.state != Claimed && c.state != NeedUpdate {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot need update when %s", ErrInvalidState, s)
	}
	notify := c.setStateLocked(NeedUpdate)
	c.mu.Unlock()
	notify()
	return nil
}

// SigningPublicKey returns the application's public signing key.
func (c *Configurator) SigningPublicKey() *ecdsa.PublicKey {
	return &c.key.PublicKey
}

// SignCertificate issues a certificate from tmpl, signed with the
// application's signing key.
func (c *Configurator) SignCertificate(tmpl CertTemplate) (*x509.Certificate, error) {
	return CreateCertificate(tmpl, nil, c.key)
}

// ComputeThumbprintAndSignManifest binds the manifest doc to subject,
// and signs it with the application's signing key.
func (c *Configurator) ComputeThumbprintAndSignManifest(subject *x509.Certificate, doc string) (SignedManifest, error) {
	if _, err := ParseManifest(doc); err != nil {
		return SignedManifest{}, err
	}
	ret := SignedManifest{XML: doc, Thumbprint: Thumbprint(subject)}
	sig, err := ecdsa.SignASN1(rand.Reader, c.key, ret.digest())
	if err != nil {
		return SignedManifest{}, err
	}
	ret.Signature = sig
	return ret, nil
}

// checkIdentity validates an identity chain issued under ca, and
// manifests bound to it.
func (c *Configurator) checkIdentity(ca *ecdsa.PublicKey, identity []*x509.Certificate, manifests []SignedManifest) ([]*Manifest, error) {
	if len(identity) == 0 {
		return nil, fmt.Errorf("%w: empty identity chain", ErrInvalidCertificate)
	}
	leaf := identity[0]
	if t, ok := CertTypeOf(leaf); !ok || t != IdentityCert {
		return nil, fmt.Errorf("%w: leaf is not an identity certificate", ErrInvalidCertificate)
	}
	if k, ok := PublicKeyOf(leaf); !ok || !SameKey(k, c.SigningPublicKey()) {
		return nil, fmt.Errorf("%w: identity certificate is not for this application's key", ErrInvalidCertificate)
	}
	if err := VerifyChain(identity, ca, time.Now()); err != nil {
		return nil, err
	}

	issuer := ca
	if len(identity) > 1 {
		issuer, _ = PublicKeyOf(identity[1])
	}
	thumb := Thumbprint(leaf)
	var ret []*Manifest
	for i, m := range manifests {
		if !slices.Equal(m.Thumbprint, thumb) {
			return nil, fmt.Errorf("%w: manifest %d is bound to another certificate", ErrInvalidManifest, i)
		}
		if !m.Verify(issuer) {
			return nil, fmt.Errorf("%w: manifest %d has a bad signature", ErrInvalidManifest, i)
		}
		parsed, err := ParseManifest(m.XML)
		if err != nil {
			return nil, fmt.Errorf("manifest %d: %w", i, err)
		}
		ret = append(ret, parsed)
	}
	return ret, nil
}

// Claim makes a CLAIMABLE application CLAIMED by a security manager.
// ca is the certificate authority that issued identity, and members
// of adminGroup certified by adminKey may administer the application
// from then on.
func (c *Configurator) Claim(ca *ecdsa.PublicKey, adminGroup uuid.UUID, adminKey *ecdsa.PublicKey, identity []*x509.Certificate, manifests []SignedManifest) error {
	if ca == nil || adminKey == nil || adminGroup == uuid.Nil {
		return errors.New("claim needs a certificate authority, an admin group and an admin key")
	}
	c.mu.Lock()
	if c.state != Claimable {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot claim when %s", ErrInvalidState, s)
	}
	parsed, err := c.checkIdentity(ca, identity, manifests)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.ca, c.adminGroup, c.adminKey = ca, adminGroup, adminKey
	c.identity = slices.Clone(identity)
	c.manifests, c.parsed = slices.Clone(manifests), parsed
	c.policy = c.defaultPolicyLocked()
	notify := c.setStateLocked(Claimed)
	c.mu.Unlock()
	notify()
	return nil
}

// UpdateIdentity replaces the identity chain and manifests of a
// claimed application. Both are replaced together, or neither is.
func (c *Configurator) UpdateIdentity(identity []*x509.Certificate, manifests []SignedManifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.claimedLocked("update identity"); err != nil {
		return err
	}
	parsed, err := c.checkIdentity(c.ca, identity, manifests)
	if err != nil {
		return err
	}
	c.identity = slices.Clone(identity)
	c.manifests, c.parsed = slices.Clone(manifests), parsed
	return nil
}

func (c *Configurator) claimedLocked(op string) error {
	if c.state != Claimed && c.state != NeedUpdate {
		return fmt.Errorf("%w: cannot %s when %s", ErrInvalidState, op, c.state)
	}
	return nil
}

func allRules() []Rule {
	return []Rule{{
		Path:      "*",
		Interface: "*",
		Members:   []Member{{Kind: AnyMember, Name: "*", Actions: ActionAll}},
	}}
}

// defaultPolicyLocked is the policy installed on claim: the admin
// group and the application itself have full access.
func (c *Configurator) defaultPolicyLocked() *Policy {
	return &Policy{
		Version: PolicyVersion,
		ACLs: []ACL{
			{
				Peers: []Peer{{Type: PeerWithMembership, PublicKey: c.adminKey, Group: c.adminGroup}},
				Rules: allRules(),
			},
			{
				Peers: []Peer{{Type: PeerWithPublicKey, PublicKey: c.SigningPublicKey()}},
				Rules: allRules(),
			},
		},
	}
}

// UpdatePolicy installs p, which must have a higher serial than the
// installed policy.
func (c *Configurator) UpdatePolicy(p *Policy) error {
	if p.Version != PolicyVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidPolicy, p.Version)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.claimedLocked("update policy"); err != nil {
		return err
	}
	if c.policy != nil && p.Serial <= c.policy.Serial {
		return fmt.Errorf("%w: serial %d, installed %d", ErrPolicyNotNewer, p.Serial, c.policy.Serial)
	}
	c.policy = p
	c.log.Info("policy updated", "serial", p.Serial)
	return nil
}

// ResetPolicy reinstalls the default policy.
func (c *Configurator) ResetPolicy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.claimedLocked("reset policy"); err != nil {
		return err
	}
	c.policy = c.defaultPolicyLocked()
	return nil
}

// Policy returns the installed policy, if any.
func (c *Configurator) Policy() (*Policy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy, c.policy != nil
}

// InstallMembership installs a membership certificate chain for the
// application's key.
func (c *Configurator) InstallMembership(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty membership chain", ErrInvalidCertificate)
	}
	leaf := chain[0]
	if t, ok := CertTypeOf(leaf); !ok || t != MembershipCert {
		return fmt.Errorf("%w: leaf is not a membership certificate", ErrInvalidCertificate)
	}
	if _, ok := GroupOf(leaf); !ok {
		return fmt.Errorf("%w: membership certificate has no group", ErrInvalidCertificate)
	}
	if k, ok := PublicKeyOf(leaf); !ok || !SameKey(k, c.SigningPublicKey()) {
		return fmt.Errorf("%w: membership certificate is not for this application's key", ErrInvalidCertificate)
	}
	if err := VerifyChain(chain, nil, time.Now()); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.claimedLocked("install membership"); err != nil {
		return err
	}
	for _, m := range c.memberships {
		if m[0].SerialNumber.Cmp(leaf.SerialNumber) == 0 {
			return fmt.Errorf("%w: membership serial %s", ErrDuplicateCertificate, leaf.SerialNumber)
		}
	}
	c.memberships = append(c.memberships, slices.Clone(chain))
	return nil
}

// RemoveMembership removes the membership with the given serial.
func (c *Configurator) RemoveMembership(serial *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.memberships, func(m []*x509.Certificate) bool {
		return m[0].SerialNumber.Cmp(serial) == 0
	})
	if i < 0 {
		return fmt.Errorf("membership %s: %w", serial, ErrNotFound)
	}
	c.memberships = slices.Delete(c.memberships, i, i+1)
	return nil
}

// Memberships returns the installed membership chains.
func (c *Configurator) Memberships() [][]*x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.memberships)
}

// Identity returns the identity chain installed by Claim or
// UpdateIdentity.
func (c *Configurator) Identity() []*x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.identity)
}

// Manifests returns the signed manifests installed with the identity.
func (c *Configurator) Manifests() []SignedManifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.manifests)
}

// Reset forgets everything installed by the security manager, and
// returns the application to CLAIMABLE. The manifest template is
// kept.
func (c *Configurator) Reset() error {
	c.mu.Lock()
	c.ca, c.adminGroup, c.adminKey = nil, uuid.Nil, nil
	c.identity, c.manifests, c.parsed = nil, nil, nil
	c.policy, c.memberships = nil, nil
	next := NotClaimable
	if c.template != "" {
		next = Claimable
	}
	notify := c.setStateLocked(next)
	c.mu.Unlock()
	notify()
	return nil
}

// IsAdmin reports whether peer is a member of the admin group.
func (c *Configurator) IsAdmin(peer PeerInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adminKey == nil {
		return false
	}
	return Peer{Type: PeerWithMembership, PublicKey: c.adminKey, Group: c.adminGroup}.matches(peer)
}

// Authorize checks req against the installed policy and manifests.
// Without a policy every request is allowed.
func (c *Configurator) Authorize(req Request) error {
	c.mu.Lock()
	policy, manifests := c.policy, c.parsed
	c.mu.Unlock()
	if policy == nil {
		return nil
	}
	if err := policy.Authorize(req); err != nil {
		return err
	}
	if len(manifests) == 0 {
		return nil
	}
	for _, m := range manifests {
		if m.Allows(req) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is outside the application's manifest", ErrPermissionDenied, req)
}
