package security

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ActionAnnotation is the annotation that grants actions on a rule
// member.
const ActionAnnotation = "org.alljoyn.Bus.Action"

// Action is a set of permissions on an interface member.
type Action uint8

const (
	// ActionProvide permits calling methods and reading properties.
	ActionProvide Action = 1 << iota
	// ActionObserve permits receiving signals and property changes.
	ActionObserve
	// ActionModify permits setting properties. It implies Observe.
	ActionModify

	ActionAll = ActionProvide | ActionObserve | ActionModify
)

var actionNames = []struct {
	a    Action
	name string
}{
	{ActionProvide, "Provide"},
	{ActionObserve, "Observe"},
	{ActionModify, "Modify"},
}

func (a Action) String() string {
	if a == 0 {
		return "Deny"
	}
	var parts []string
	for _, n := range actionNames {
		if a&n.a != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// grants reports whether a permits want.
func (a Action) grants(want Action) bool {
	if a&ActionModify != 0 {
		a |= ActionObserve
	}
	return want != 0 && a&want == want
}

// MemberKind is the kind of an interface member a rule applies to.
type MemberKind int

const (
	AnyMember MemberKind = iota
	MethodMember
	SignalMember
	PropertyMember
)

func (k MemberKind) String() string {
	switch k {
	case AnyMember:
		return "any"
	case MethodMember:
		return "method"
	case SignalMember:
		return "signal"
	case PropertyMember:
		return "property"
	default:
		return fmt.Sprintf("MemberKind(%d)", int(k))
	}
}

// Member grants actions on the members of an interface matching Name,
// which may end in "*". A Member with no actions denies access.
type Member struct {
	Kind    MemberKind
	Name    string
	Actions Action
}

// Rule applies Members to the interfaces matching Interface on the
// objects matching Path. Both may end in "*".
type Rule struct {
	Path      string
	Interface string
	Members   []Member
}

// PeerType selects which peers an ACL applies to.
type PeerType int

const (
	// PeerAll matches every peer, authenticated or not.
	PeerAll PeerType = iota + 1
	// PeerAnyTrusted matches every authenticated peer.
	PeerAnyTrusted
	// PeerFromCA matches peers whose certificate chain was issued by
	// a certificate authority key.
	PeerFromCA
	// PeerWithPublicKey matches the peer with a given public key.
	PeerWithPublicKey
	// PeerWithMembership matches members of a security group, as
	// certified by the group authority's key.
	PeerWithMembership
)

var peerTypeNames = map[PeerType]string{
	PeerAll:            "ALL",
	PeerAnyTrusted:     "ANY_TRUSTED",
	PeerFromCA:         "FROM_CERTIFICATE_AUTHORITY",
	PeerWithPublicKey:  "WITH_PUBLIC_KEY",
	PeerWithMembership: "WITH_MEMBERSHIP",
}

func (t PeerType) String() string {
	if s, ok := peerTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("PeerType(%d)", int(t))
}

func parsePeerType(s string) (PeerType, bool) {
	for t, name := range peerTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// Peer selects peers for an ACL.
type Peer struct {
	Type PeerType
	// PublicKey is the peer, CA or group authority key, for the types
	// that need one.
	PublicKey *ecdsa.PublicKey
	// Group is the security group of a PeerWithMembership peer.
	Group uuid.UUID
}

// ACL grants the rules to the peers.
type ACL struct {
	Peers []Peer
	Rules []Rule
}

// PolicyVersion is the only supported policy document version.
const PolicyVersion = 1

// Policy is an application's access control policy.
type Policy struct {
	Version int
	// Serial orders policy updates. An update must carry a higher
	// serial than the installed policy.
	Serial uint32
	ACLs   []ACL
}

// Manifest lists the actions an application's interfaces may be
// granted.
type Manifest struct {
	Rules []Rule
}

type xmlPolicy struct {
	XMLName xml.Name `xml:"policy"`
	Version *string  `xml:"policyVersion"`
	Serial  *string  `xml:"serialNumber"`
	ACLs    *xmlACLs `xml:"acls"`
}

type xmlACLs struct {
	ACL []xmlACL `xml:"acl"`
}

type xmlACL struct {
	Peers *xmlPeers `xml:"peers"`
	Rules *xmlRules `xml:"rules"`
}

type xmlPeers struct {
	Peer []xmlPeer `xml:"peer"`
}

type xmlPeer struct {
	Type      *string `xml:"type"`
	PublicKey string  `xml:"publicKey,omitempty"`
	Group     string  `xml:"sgID,omitempty"`
}

type xmlRules struct {
	Node []xmlNode `xml:"node"`
}

type xmlManifest struct {
	XMLName xml.Name  `xml:"manifest"`
	Node    []xmlNode `xml:"node"`
}

type xmlNode struct {
	Name      string     `xml:"name,attr,omitempty"`
	Interface []xmlIface `xml:"interface"`
}

type xmlIface struct {
	Name     string      `xml:"name,attr,omitempty"`
	Method   []xmlMember `xml:"method"`
	Property []xmlMember `xml:"property"`
	Signal   []xmlMember `xml:"signal"`
	Any      []xmlMember `xml:"any"`
}

type xmlMember struct {
	Name       string          `xml:"name,attr,omitempty"`
	Annotation []xmlAnnotation `xml:"annotation"`
}

type xmlAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func invalidPolicy(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}

// ParsePolicy parses a policy XML document.
func ParsePolicy(doc string) (*Policy, error) {
	var x xmlPolicy
	if err := xml.Unmarshal([]byte(doc), &x); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	if x.Version == nil {
		return nil, invalidPolicy("missing policyVersion")
	}
	v, err := strconv.Atoi(strings.TrimSpace(*x.Version))
	if err != nil {
		return nil, invalidPolicy("bad policyVersion %q", *x.Version)
	}
	if v != PolicyVersion {
		return nil, invalidPolicy("unsupported policyVersion %d", v)
	}
	if x.Serial == nil {
		return nil, invalidPolicy("missing serialNumber")
	}
	serial, err := strconv.ParseUint(strings.TrimSpace(*x.Serial), 10, 32)
	if err != nil {
		return nil, invalidPolicy("bad serialNumber %q", *x.Serial)
	}
	if x.ACLs == nil {
		return nil, invalidPolicy("missing acls")
	}
	if len(x.ACLs.ACL) == 0 {
		return nil, invalidPolicy("acls has no acl")
	}

	ret := &Policy{Version: v, Serial: uint32(serial)}
	for i, xa := range x.ACLs.ACL {
		acl, err := parseACL(xa)
		if err != nil {
			return nil, fmt.Errorf("acl %d: %w", i, err)
		}
		ret.ACLs = append(ret.ACLs, acl)
	}
	return ret, nil
}

func parseACL(x xmlACL) (ACL, error) {
	var ret ACL
	if x.Peers == nil || len(x.Peers.Peer) == 0 {
		return ACL{}, invalidPolicy("missing peers")
	}
	for _, xp := range x.Peers.Peer {
		p, err := parsePeer(xp)
		if err != nil {
			return ACL{}, err
		}
		ret.Peers = append(ret.Peers, p)
	}
	for _, p := range ret.Peers {
		if p.Type == PeerAll && len(ret.Peers) > 1 {
			return ACL{}, invalidPolicy("peer type ALL must be alone in its acl")
		}
	}
	if x.Rules != nil {
		rules, err := parseRules(x.Rules.Node)
		if err != nil {
			return ACL{}, err
		}
		ret.Rules = rules
	}
	return ret, nil
}

func parsePeer(x xmlPeer) (Peer, error) {
	if x.Type == nil {
		return Peer{}, invalidPolicy("peer has no type")
	}
	t, ok := parsePeerType(strings.TrimSpace(*x.Type))
	if !ok {
		return Peer{}, invalidPolicy("unknown peer type %q", *x.Type)
	}
	ret := Peer{Type: t}
	switch t {
	case PeerAll, PeerAnyTrusted:
		if x.PublicKey != "" || x.Group != "" {
			return Peer{}, invalidPolicy("peer type %s takes no key or group", t)
		}
		return ret, nil
	}
	if x.PublicKey == "" {
		return Peer{}, invalidPolicy("peer type %s needs a publicKey", t)
	}
	k, err := DecodePublicKeyPEM(strings.TrimSpace(x.PublicKey))
	if err != nil {
		return Peer{}, invalidPolicy("peer publicKey: %v", err)
	}
	ret.PublicKey = k
	switch t {
	case PeerWithMembership:
		g, err := parseGroup(x.Group)
		if err != nil {
			return Peer{}, err
		}
		ret.Group = g
	default:
		if x.Group != "" {
			return Peer{}, invalidPolicy("peer type %s takes no group", t)
		}
	}
	return ret, nil
}

func parseGroup(s string) (uuid.UUID, error) {
	bs, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(bs) != 16 {
		return uuid.Nil, invalidPolicy("bad sgID %q", s)
	}
	return uuid.UUID(bs), nil
}

func parseRules(nodes []xmlNode) ([]Rule, error) {
	var ret []Rule
	for _, n := range nodes {
		path := orWildcard(n.Name)
		if path != "*" && !strings.HasPrefix(path, "/") {
			return nil, invalidPolicy("bad node name %q", n.Name)
		}
		if len(n.Interface) == 0 {
			return nil, invalidPolicy("node %s has no interfaces", path)
		}
		for _, xi := range n.Interface {
			r := Rule{Path: path, Interface: orWildcard(xi.Name)}
			for _, group := range []struct {
				kind    MemberKind
				members []xmlMember
			}{
				{MethodMember, xi.Method},
				{PropertyMember, xi.Property},
				{SignalMember, xi.Signal},
				{AnyMember, xi.Any},
			} {
				for _, xm := range group.members {
					m, err := parseMember(group.kind, xm)
					if err != nil {
						return nil, fmt.Errorf("%s %s: %w", path, r.Interface, err)
					}
					r.Members = append(r.Members, m)
				}
			}
			if len(r.Members) == 0 {
				return nil, invalidPolicy("interface %s has no members", r.Interface)
			}
			ret = append(ret, r)
		}
	}
	return ret, nil
}

func orWildcard(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

// allowedActions are the actions that make sense for each kind.
var allowedActions = map[MemberKind]Action{
	AnyMember:      ActionAll,
	MethodMember:   ActionProvide | ActionModify,
	SignalMember:   ActionProvide | ActionObserve,
	PropertyMember: ActionAll,
}

func parseMember(kind MemberKind, x xmlMember) (Member, error) {
	ret := Member{Kind: kind, Name: orWildcard(x.Name)}
	for _, an := range x.Annotation {
		if an.Name != ActionAnnotation {
			return Member{}, invalidPolicy("unknown annotation %q on %s", an.Name, ret.Name)
		}
		var a Action
		for _, n := range actionNames {
			if n.name == an.Value {
				a = n.a
			}
		}
		if a == 0 {
			return Member{}, invalidPolicy("unknown action %q on %s", an.Value, ret.Name)
		}
		if ret.Actions&a != 0 {
			return Member{}, invalidPolicy("duplicate action %s on %s", a, ret.Name)
		}
		if allowedActions[kind]&a == 0 {
			return Member{}, invalidPolicy("action %s is not valid for %s %s", a, kind, ret.Name)
		}
		ret.Actions |= a
	}
	return ret, nil
}

// XML returns the policy as an XML document.
func (p *Policy) XML() (string, error) {
	x := xmlPolicy{
		Version: ptr(strconv.Itoa(p.Version)),
		Serial:  ptr(strconv.FormatUint(uint64(p.Serial), 10)),
		ACLs:    &xmlACLs{},
	}
	for _, acl := range p.ACLs {
		xa := xmlACL{Peers: &xmlPeers{}, Rules: &xmlRules{Node: rulesXML(acl.Rules)}}
		for _, peer := range acl.Peers {
			xp := xmlPeer{Type: ptr(peer.Type.String())}
			if peer.PublicKey != nil {
				k, err := EncodePublicKeyPEM(peer.PublicKey)
				if err != nil {
					return "", err
				}
				xp.PublicKey = k
			}
			if peer.Type == PeerWithMembership {
				xp.Group = hex.EncodeToString(peer.Group[:])
			}
			xa.Peers.Peer = append(xa.Peers.Peer, xp)
		}
		x.ACLs.ACL = append(x.ACLs.ACL, xa)
	}
	bs, err := xml.MarshalIndent(x, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

func ptr[T any](v T) *T { return &v }

func rulesXML(rules []Rule) []xmlNode {
	var ret []xmlNode
	for _, r := range rules {
		xi := xmlIface{Name: r.Interface}
		for _, m := range r.Members {
			xm := xmlMember{Name: m.Name}
			for _, n := range actionNames {
				if m.Actions&n.a != 0 {
					xm.Annotation = append(xm.Annotation, xmlAnnotation{ActionAnnotation, n.name})
				}
			}
			switch m.Kind {
			case MethodMember:
				xi.Method = append(xi.Method, xm)
			case PropertyMember:
				xi.Property = append(xi.Property, xm)
			case SignalMember:
				xi.Signal = append(xi.Signal, xm)
			default:
				xi.Any = append(xi.Any, xm)
			}
		}
		ret = append(ret, xmlNode{Name: r.Path, Interface: []xmlIface{xi}})
	}
	return ret
}

// ParseManifest parses a manifest XML document.
func ParseManifest(doc string) (*Manifest, error) {
	var x xmlManifest
	if err := xml.Unmarshal([]byte(doc), &x); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if len(x.Node) == 0 {
		return nil, fmt.Errorf("%w: manifest has no rules", ErrInvalidManifest)
	}
	rules, err := parseRules(x.Node)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return &Manifest{Rules: rules}, nil
}

// XML returns the manifest as an XML document.
func (m *Manifest) XML() (string, error) {
	bs, err := xml.MarshalIndent(xmlManifest{Node: rulesXML(m.Rules)}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bs), nil
}
