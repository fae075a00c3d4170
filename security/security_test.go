package security_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/danderson/alljoyn/security"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

const allInclusiveManifest = `<manifest>
<node name="*">
<interface name="*">
<any name="*">
<annotation name="org.alljoyn.Bus.Action" value="Provide"/>
<annotation name="org.alljoyn.Bus.Action" value="Observe"/>
<annotation name="org.alljoyn.Bus.Action" value="Modify"/>
</any>
</interface>
</node>
</manifest>`

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func mustPEM(t *testing.T, k *ecdsa.PublicKey) string {
	t.Helper()
	ret, err := security.EncodePublicKeyPEM(k)
	if err != nil {
		t.Fatal(err)
	}
	return ret
}

func policyDoc(acls ...string) string {
	return "<policy><policyVersion>1</policyVersion><serialNumber>10</serialNumber><acls>" +
		strings.Join(acls, "") + "</acls></policy>"
}

const basicRules = `<rules><node name="/door"><interface name="sample.Door">` +
	`<method name="Open"><annotation name="org.alljoyn.Bus.Action" value="Provide"/></method>` +
	`</interface></node></rules>`

func TestParsePolicy(t *testing.T) {
	key := mustKey(t)
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid", policyDoc(`<acl><peers><peer><type>ALL</type></peer></peers>` + basicRules + `</acl>`), false},
		{"not xml", "<abc>", true},
		{"empty policy", "<policy></policy>", true},
		{"no version", `<policy><serialNumber>10</serialNumber><acls><acl><peers><peer><type>ALL</type></peer></peers></acl></acls></policy>`, true},
		{"empty version", `<policy><policyVersion></policyVersion><serialNumber>10</serialNumber><acls><acl><peers><peer><type>ALL</type></peer></peers></acl></acls></policy>`, true},
		{"no serial", `<policy><policyVersion>1</policyVersion><acls><acl><peers><peer><type>ALL</type></peer></peers></acl></acls></policy>`, true},
		{"no acls", `<policy><policyVersion>1</policyVersion><serialNumber>10</serialNumber></policy>`, true},
		{"no acl", policyDoc(), true},
		{"no peers", policyDoc(`<acl>` + basicRules + `</acl>`), true},
		{"no peer type", policyDoc(`<acl><peers><peer></peer></peers></acl>`), true},
		{"unknown peer type", policyDoc(`<acl><peers><peer><type>SOMEONE</type></peer></peers></acl>`), true},
		{"ALL not alone", policyDoc(`<acl><peers><peer><type>ALL</type></peer><peer><type>ANY_TRUSTED</type></peer></peers></acl>`), true},
		{"key missing", policyDoc(`<acl><peers><peer><type>WITH_PUBLIC_KEY</type></peer></peers></acl>`), true},
		{"bad key", policyDoc(`<acl><peers><peer><type>WITH_PUBLIC_KEY</type><publicKey>InvalidPublicKey</publicKey></peer></peers></acl>`), true},
		{"with key", policyDoc(`<acl><peers><peer><type>WITH_PUBLIC_KEY</type><publicKey>` + mustPEM(t, &key.PublicKey) + `</publicKey></peer></peers></acl>`), false},
		{"bad sgID", policyDoc(`<acl><peers><peer><type>WITH_MEMBERSHIP</type><publicKey>` + mustPEM(t, &key.PublicKey) + `</publicKey><sgID>InvalidsgID</sgID></peer></peers></acl>`), true},
		{"membership", policyDoc(`<acl><peers><peer><type>WITH_MEMBERSHIP</type><publicKey>` + mustPEM(t, &key.PublicKey) + `</publicKey><sgID>a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5</sgID></peer></peers></acl>`), false},
		{"unknown action", policyDoc(`<acl><peers><peer><type>ALL</type></peer></peers><rules><node name="/"><interface name="a.b"><method name="M"><annotation name="org.alljoyn.Bus.Action" value="Launch"/></method></interface></node></rules></acl>`), true},
		{"observe on method", policyDoc(`<acl><peers><peer><type>ALL</type></peer></peers><rules><node name="/"><interface name="a.b"><method name="M"><annotation name="org.alljoyn.Bus.Action" value="Observe"/></method></interface></node></rules></acl>`), true},
		{"duplicate action", policyDoc(`<acl><peers><peer><type>ALL</type></peer></peers><rules><node name="/"><interface name="a.b"><property name="P"><annotation name="org.alljoyn.Bus.Action" value="Modify"/><annotation name="org.alljoyn.Bus.Action" value="Modify"/></property></interface></node></rules></acl>`), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := security.ParsePolicy(tc.doc)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("ParsePolicy got err %v, want err %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, security.ErrInvalidPolicy) {
				t.Errorf("error %v does not match ErrInvalidPolicy", err)
			}
		})
	}
}

func TestPolicyXML(t *testing.T) {
	key := mustKey(t)
	want := &security.Policy{
		Version: 1,
		Serial:  42,
		ACLs: []security.ACL{
			{
				Peers: []security.Peer{{Type: security.PeerWithMembership, PublicKey: &key.PublicKey, Group: uuid.New()}},
				Rules: []security.Rule{{
					Path:      "/door",
					Interface: "sample.*",
					Members: []security.Member{
						{Kind: security.MethodMember, Name: "Open", Actions: security.ActionProvide},
						{Kind: security.PropertyMember, Name: "State", Actions: security.ActionObserve | security.ActionModify},
						{Kind: security.SignalMember, Name: "Opened"},
					},
				}},
			},
		},
	}
	doc, err := want.XML()
	if err != nil {
		t.Fatal(err)
	}
	got, err := security.ParsePolicy(doc)
	if err != nil {
		t.Fatalf("ParsePolicy of own XML: %v\n%s", err, doc)
	}
	keyCmp := cmp.Comparer(func(a, b *ecdsa.PublicKey) bool { return security.SameKey(a, b) })
	if diff := cmp.Diff(got, want, keyCmp); diff != "" {
		t.Errorf("policy changed through XML (-got+want):\n%s", diff)
	}
}

// selfChain returns a one certificate chain for a new key, signed by
// the key itself.
func selfChain(t *testing.T, typ security.CertType, group uuid.UUID) (*ecdsa.PrivateKey, []*x509.Certificate) {
	t.Helper()
	k := mustKey(t)
	cert, err := security.CreateCertificate(security.CertTemplate{
		Type:      typ,
		Subject:   "peer",
		Group:     group,
		PublicKey: &k.PublicKey,
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().Add(time.Hour),
	}, nil, k)
	if err != nil {
		t.Fatal(err)
	}
	return k, []*x509.Certificate{cert}
}

func TestAuthorize(t *testing.T) {
	caKey := mustKey(t)
	group := uuid.New()
	peerKey, peerChain := selfChain(t, security.IdentityCert, uuid.Nil)
	memberCert, err := security.CreateCertificate(security.CertTemplate{
		Type:      security.MembershipCert,
		Group:     group,
		PublicKey: &peerKey.PublicKey,
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().Add(time.Hour),
	}, nil, caKey)
	if err != nil {
		t.Fatal(err)
	}
	memberChain := []*x509.Certificate{memberCert}

	rule := func(path, iface string, ms ...security.Member) security.Rule {
		return security.Rule{Path: path, Interface: iface, Members: ms}
	}
	method := func(name string, a security.Action) security.Member {
		return security.Member{Kind: security.MethodMember, Name: name, Actions: a}
	}
	prop := func(name string, a security.Action) security.Member {
		return security.Member{Kind: security.PropertyMember, Name: name, Actions: a}
	}
	policy := &security.Policy{
		Version: 1,
		ACLs: []security.ACL{
			{
				Peers: []security.Peer{{Type: security.PeerAll}},
				Rules: []security.Rule{rule("/public", "*", security.Member{Name: "*", Actions: security.ActionProvide})},
			},
			{
				Peers: []security.Peer{{Type: security.PeerAnyTrusted}},
				Rules: []security.Rule{
					rule("/door", "sample.Door", method("*", security.ActionProvide), method("Unlock", 0)),
					rule("/door", "sample.Door", prop("State", security.ActionModify)),
				},
			},
			{
				Peers: []security.Peer{{Type: security.PeerWithMembership, PublicKey: &caKey.PublicKey, Group: group}},
				Rules: []security.Rule{rule("/door", "sample.Door", method("Unlock", security.ActionProvide))},
			},
			{
				Peers: []security.Peer{{Type: security.PeerWithPublicKey, PublicKey: &peerKey.PublicKey}},
				Rules: []security.Rule{rule("/admin*", "*", method("*", security.ActionProvide))},
			},
		},
	}

	anon := security.PeerInfo{}
	trusted := security.PeerInfo{Authenticated: true}
	withKey := security.PeerInfo{Authenticated: true, Chain: peerChain}
	member := security.PeerInfo{Authenticated: true, Chain: memberChain}

	tests := []struct {
		name string
		req  security.Request
		want bool
	}{
		{"anyone on public", security.Request{Path: "/public", Interface: "x.y", Member: "Get", Kind: security.MethodMember, Action: security.ActionProvide, Peer: anon}, true},
		{"anonymous modify on public", security.Request{Path: "/public", Interface: "x.y", Member: "P", Kind: security.PropertyMember, Action: security.ActionModify, Peer: anon}, false},
		{"anonymous on door", security.Request{Path: "/door", Interface: "sample.Door", Member: "Open", Kind: security.MethodMember, Action: security.ActionProvide, Peer: anon}, false},
		{"trusted open", security.Request{Path: "/door", Interface: "sample.Door", Member: "Open", Kind: security.MethodMember, Action: security.ActionProvide, Peer: trusted}, true},
		{"exact deny beats wildcard", security.Request{Path: "/door", Interface: "sample.Door", Member: "Unlock", Kind: security.MethodMember, Action: security.ActionProvide, Peer: trusted}, false},
		{"deny wins at equal specificity", security.Request{Path: "/door", Interface: "sample.Door", Member: "Unlock", Kind: security.MethodMember, Action: security.ActionProvide, Peer: member}, false},
		{"modify implies observe", security.Request{Path: "/door", Interface: "sample.Door", Member: "State", Kind: security.PropertyMember, Action: security.ActionObserve, Peer: trusted}, true},
		{"modify does not imply provide", security.Request{Path: "/door", Interface: "sample.Door", Member: "State", Kind: security.PropertyMember, Action: security.ActionProvide, Peer: trusted}, false},
		{"kind must match", security.Request{Path: "/door", Interface: "sample.Door", Member: "Open", Kind: security.SignalMember, Action: security.ActionObserve, Peer: trusted}, false},
		{"public key prefix path", security.Request{Path: "/admin/users", Interface: "x.y", Member: "Add", Kind: security.MethodMember, Action: security.ActionProvide, Peer: withKey}, true},
		{"no key", security.Request{Path: "/admin/users", Interface: "x.y", Member: "Add", Kind: security.MethodMember, Action: security.ActionProvide, Peer: trusted}, false},
		{"no rule", security.Request{Path: "/other", Interface: "x.y", Member: "Add", Kind: security.MethodMember, Action: security.ActionProvide, Peer: withKey}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.Authorize(tc.req)
			if got := err == nil; got != tc.want {
				t.Errorf("Authorize(%s) = %v, want allowed=%v", tc.req, err, tc.want)
			}
			if err != nil && !errors.Is(err, security.ErrPermissionDenied) {
				t.Errorf("denial %v does not match ErrPermissionDenied", err)
			}
		})
	}
}

// manager is a security manager: a certificate authority that is
// also the admin group authority.
type manager struct {
	cfg   *security.Configurator
	group uuid.UUID
}

func newManager(t *testing.T) *manager {
	t.Helper()
	cfg, err := security.NewConfigurator(security.ConfiguratorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return &manager{cfg: cfg, group: uuid.New()}
}

func (m *manager) identityCert(t *testing.T, serial int64, subject *ecdsa.PublicKey) []*x509.Certificate {
	t.Helper()
	cert, err := m.cfg.SignCertificate(security.CertTemplate{
		Type:      security.IdentityCert,
		Serial:    big.NewInt(serial),
		Subject:   "app",
		Alias:     "alias",
		PublicKey: subject,
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	return []*x509.Certificate{cert}
}

func (m *manager) manifest(t *testing.T, chain []*x509.Certificate) []security.SignedManifest {
	t.Helper()
	sm, err := m.cfg.ComputeThumbprintAndSignManifest(chain[0], allInclusiveManifest)
	if err != nil {
		t.Fatal(err)
	}
	return []security.SignedManifest{sm}
}

func (m *manager) claim(t *testing.T, app *security.Configurator, serial int64) error {
	t.Helper()
	chain := m.identityCert(t, serial, app.SigningPublicKey())
	key := m.cfg.SigningPublicKey()
	return app.Claim(key, m.group, key, chain, m.manifest(t, chain))
}

func TestClaimFlow(t *testing.T) {
	app, err := security.NewConfigurator(security.ConfiguratorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var states []security.State
	stop := app.OnStateChange(func(s security.State) { states = append(states, s) })
	defer stop()

	mgr := newManager(t)
	if got := app.State(); got != security.NotClaimable {
		t.Fatalf("initial state %s, want NOT_CLAIMABLE", got)
	}
	if err := mgr.claim(t, app, 1); !errors.Is(err, security.ErrInvalidState) {
		t.Fatalf("claim of unclaimable app got %v, want ErrInvalidState", err)
	}
	if err := app.SetManifestTemplate(allInclusiveManifest); err != nil {
		t.Fatal(err)
	}
	if got := app.State(); got != security.Claimable {
		t.Fatalf("state after manifest template %s, want CLAIMABLE", got)
	}
	if err := mgr.claim(t, app, 1234); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got := app.State(); got != security.Claimed {
		t.Fatalf("state after claim %s, want CLAIMED", got)
	}
	id := app.Identity()
	if len(id) != 1 {
		t.Fatalf("Identity has %d certificates, want 1", len(id))
	}
	if id[0].SerialNumber.Int64() != 1234 {
		t.Errorf("identity serial %s, want 1234", id[0].SerialNumber)
	}
	if len(app.Manifests()) != 1 {
		t.Errorf("got %d manifests, want 1", len(app.Manifests()))
	}
	if err := mgr.claim(t, app, 5); !errors.Is(err, security.ErrInvalidState) {
		t.Errorf("second claim got %v, want ErrInvalidState", err)
	}

	if err := app.SetNeedUpdate(); err != nil {
		t.Fatal(err)
	}
	if err := app.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := app.State(); got != security.Claimable {
		t.Errorf("state after reset %s, want CLAIMABLE", got)
	}
	if len(app.Identity()) != 0 {
		t.Error("reset kept the identity")
	}
	if _, ok := app.Policy(); ok {
		t.Error("reset kept the policy")
	}

	want := []security.State{security.Claimable, security.Claimed, security.NeedUpdate, security.Claimable}
	if diff := cmp.Diff(states, want); diff != "" {
		t.Errorf("state notifications (-got+want):\n%s", diff)
	}
}

func TestClaimRejectsBadIdentity(t *testing.T) {
	app, err := security.NewConfigurator(security.ConfiguratorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := app.SetManifestTemplate(allInclusiveManifest); err != nil {
		t.Fatal(err)
	}
	mgr, other := newManager(t), newManager(t)
	key := mgr.cfg.SigningPublicKey()

	// Certificate for someone else's key.
	stranger := mustKey(t)
	chain := mgr.identityCert(t, 1, &stranger.PublicKey)
	if err := app.Claim(key, mgr.group, key, chain, mgr.manifest(t, chain)); !errors.Is(err, security.ErrInvalidCertificate) {
		t.Errorf("claim with foreign identity got %v, want ErrInvalidCertificate", err)
	}
	// Manifest signed by the wrong authority.
	chain = mgr.identityCert(t, 2, app.SigningPublicKey())
	if err := app.Claim(key, mgr.group, key, chain, other.manifest(t, chain)); !errors.Is(err, security.ErrInvalidManifest) {
		t.Errorf("claim with foreign manifest got %v, want ErrInvalidManifest", err)
	}
	if got := app.State(); got != security.Claimable {
		t.Errorf("failed claims changed state to %s", got)
	}
}

func TestUpdateIdentityAtomic(t *testing.T) {
	app, err := security.NewConfigurator(security.ConfiguratorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := app.SetManifestTemplate(allInclusiveManifest); err != nil {
		t.Fatal(err)
	}
	mgr := newManager(t)
	if err := app.UpdateIdentity(nil, nil); !errors.Is(err, security.ErrInvalidState) {
		t.Errorf("UpdateIdentity before claim got %v, want ErrInvalidState", err)
	}
	if err := mgr.claim(t, app, 1); err != nil {
		t.Fatal(err)
	}

	// A new certificate with a manifest bound to the old one must not
	// install either.
	old := app.Identity()
	next := mgr.identityCert(t, 2, app.SigningPublicKey())
	if err := app.UpdateIdentity(next, mgr.manifest(t, old)); !errors.Is(err, security.ErrInvalidManifest) {
		t.Fatalf("UpdateIdentity with mismatched manifest got %v, want ErrInvalidManifest", err)
	}
	if got := app.Identity()[0].SerialNumber.Int64(); got != 1 {
		t.Fatalf("failed update changed identity serial to %d", got)
	}
	if !app.Identity()[0].Equal(old[0]) {
		t.Fatal("failed update changed the identity")
	}

	if err := app.UpdateIdentity(next, mgr.manifest(t, next)); err != nil {
		t.Fatalf("UpdateIdentity: %v", err)
	}
	if got := app.Identity()[0].SerialNumber.Int64(); got != 2 {
		t.Errorf("identity serial %d after update, want 2", got)
	}
}

func TestPolicyUpdates(t *testing.T) {
	app, err := security.NewConfigurator(security.ConfiguratorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := app.SetManifestTemplate(allInclusiveManifest); err != nil {
		t.Fatal(err)
	}
	p := &security.Policy{Version: 1, Serial: 5}
	if err := app.UpdatePolicy(p); !errors.Is(err, security.ErrInvalidState) {
		t.Errorf("UpdatePolicy before claim got %v, want ErrInvalidState", err)
	}
	// Unclaimed applications allow everything.
	req := security.Request{Path: "/x", Interface: "a.b", Member: "M", Kind: security.MethodMember, Action: security.ActionProvide}
	if err := app.Authorize(req); err != nil {
		t.Errorf("unclaimed Authorize got %v", err)
	}

	mgr := newManager(t)
	if err := mgr.claim(t, app, 1); err != nil {
		t.Fatal(err)
	}
	if err := app.Authorize(req); !errors.Is(err, security.ErrPermissionDenied) {
		t.Errorf("anonymous request under default policy got %v, want ErrPermissionDenied", err)
	}

	p.ACLs = []security.ACL{{
		Peers: []security.Peer{{Type: security.PeerAll}},
		Rules: []security.Rule{{Path: "*", Interface: "*", Members: []security.Member{{Name: "*", Actions: security.ActionProvide}}}},
	}}
	if err := app.UpdatePolicy(p); err != nil {
		t.Fatal(err)
	}
	if err := app.Authorize(req); err != nil {
		t.Errorf("Authorize after opening policy got %v", err)
	}
	if err := app.UpdatePolicy(&security.Policy{Version: 1, Serial: 5}); !errors.Is(err, security.ErrPolicyNotNewer) {
		t.Errorf("UpdatePolicy with same serial got %v, want ErrPolicyNotNewer", err)
	}
	if err := app.ResetPolicy(); err != nil {
		t.Fatal(err)
	}
	if err := app.Authorize(req); err == nil {
		t.Error("ResetPolicy did not restore the default policy")
	}
}

func TestAdminAndMemberships(t *testing.T) {
	app, err := security.NewConfigurator(security.ConfiguratorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := app.SetManifestTemplate(allInclusiveManifest); err != nil {
		t.Fatal(err)
	}
	mgr := newManager(t)
	if err := mgr.claim(t, app, 1); err != nil {
		t.Fatal(err)
	}

	adminKey := mustKey(t)
	adminCert, err := mgr.cfg.SignCertificate(security.CertTemplate{
		Type:      security.MembershipCert,
		Group:     mgr.group,
		PublicKey: &adminKey.PublicKey,
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	admin := security.PeerInfo{Authenticated: true, Chain: []*x509.Certificate{adminCert}}
	if !app.IsAdmin(admin) {
		t.Error("admin group member is not admin")
	}
	_, strangerChain := selfChain(t, security.MembershipCert, mgr.group)
	if app.IsAdmin(security.PeerInfo{Authenticated: true, Chain: strangerChain}) {
		t.Error("self-certified group member is admin")
	}

	member, err := mgr.cfg.SignCertificate(security.CertTemplate{
		Type:      security.MembershipCert,
		Serial:    big.NewInt(77),
		Group:     uuid.New(),
		PublicKey: app.SigningPublicKey(),
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	chain := []*x509.Certificate{member}
	if err := app.InstallMembership(chain); err != nil {
		t.Fatalf("InstallMembership: %v", err)
	}
	if err := app.InstallMembership(chain); !errors.Is(err, security.ErrDuplicateCertificate) {
		t.Errorf("duplicate InstallMembership got %v, want ErrDuplicateCertificate", err)
	}
	if got := len(app.Memberships()); got != 1 {
		t.Errorf("%d memberships installed, want 1", got)
	}
	if err := app.RemoveMembership(big.NewInt(77)); err != nil {
		t.Fatal(err)
	}
	if err := app.RemoveMembership(big.NewInt(77)); !errors.Is(err, security.ErrNotFound) {
		t.Errorf("second RemoveMembership got %v, want ErrNotFound", err)
	}
}

func TestCertificateExtensions(t *testing.T) {
	group := uuid.New()
	_, chain := selfChain(t, security.MembershipCert, group)
	if typ, ok := security.CertTypeOf(chain[0]); !ok || typ != security.MembershipCert {
		t.Errorf("CertTypeOf = %v, %v, want membership", typ, ok)
	}
	if got, ok := security.GroupOf(chain[0]); !ok || got != group {
		t.Errorf("GroupOf = %v, %v, want %v", got, ok, group)
	}
	if err := security.VerifyChain(chain, nil, time.Now()); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
	if err := security.VerifyChain(chain, nil, time.Now().Add(2*time.Hour)); !errors.Is(err, security.ErrInvalidCertificate) {
		t.Errorf("VerifyChain of expired chain got %v, want ErrInvalidCertificate", err)
	}
	if err := security.VerifyChain(chain, &mustKey(t).PublicKey, time.Now()); err == nil {
		t.Error("VerifyChain accepted a chain from the wrong root")
	}
}
