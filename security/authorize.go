package security

import (
	"cmp"
	"crypto/x509"
	"fmt"
	"math"
	"strings"
)

// Request is an access to be authorized.
type Request struct {
	// Path, Interface and Member name the member being accessed.
	Path      string
	Interface string
	Member    string
	Kind      MemberKind
	// Action is the action the access needs.
	Action Action
	// Peer is the peer making the access.
	Peer PeerInfo
}

// PeerInfo is what is known about the peer making a request.
type PeerInfo struct {
	// Authenticated is set for peers that authenticated with any
	// mechanism.
	Authenticated bool
	// Chain is the certificate chain the peer authenticated with,
	// leaf first.
	Chain []*x509.Certificate
}

func (r Request) String() string {
	return fmt.Sprintf("%s %s %s.%s on %s", r.Action, r.Kind, r.Interface, r.Member, r.Path)
}

// matches reports whether peer is selected by p.
func (p Peer) matches(peer PeerInfo) bool {
	switch p.Type {
	case PeerAll:
		return true
	case PeerAnyTrusted:
		return peer.Authenticated
	}
	if !peer.Authenticated || len(peer.Chain) == 0 {
		return false
	}
	switch p.Type {
	case PeerWithPublicKey:
		k, ok := PublicKeyOf(peer.Chain[0])
		return ok && SameKey(k, p.PublicKey)
	case PeerFromCA:
		for _, c := range peer.Chain {
			if SignedBy(c, p.PublicKey) {
				return true
			}
		}
	case PeerWithMembership:
		for _, c := range peer.Chain {
			if g, ok := GroupOf(c); ok && g == p.Group && SignedBy(c, p.PublicKey) {
				return true
			}
		}
	}
	return false
}

// wildcardScore rates how specifically pattern matches s. Exact
// matches beat prefix matches, and longer prefixes beat shorter ones.
func wildcardScore(pattern, s string) (int, bool) {
	switch {
	case pattern == s:
		return math.MaxInt, true
	case pattern == "*":
		return 0, true
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(s, prefix) {
			return 1 + len(prefix), true
		}
	}
	return 0, false
}

// specificity orders rule matches, most significant field first.
type specificity struct {
	member, kind, iface, path int
}

func (s specificity) compare(o specificity) int {
	return cmp.Or(
		cmp.Compare(s.member, o.member),
		cmp.Compare(s.kind, o.kind),
		cmp.Compare(s.iface, o.iface),
		cmp.Compare(s.path, o.path),
	)
}

// verdict accumulates the best matching rule members for a request.
type verdict struct {
	found   bool
	best    specificity
	granted Action
	denied  bool
}

func (v *verdict) consider(rules []Rule, req Request) {
	for _, r := range rules {
		ps, ok := wildcardScore(r.Path, req.Path)
		if !ok {
			continue
		}
		is, ok := wildcardScore(r.Interface, req.Interface)
		if !ok {
			continue
		}
		for _, m := range r.Members {
			if m.Kind != AnyMember && m.Kind != req.Kind {
				continue
			}
			ms, ok := wildcardScore(m.Name, req.Member)
			if !ok {
				continue
			}
			sp := specificity{member: ms, iface: is, path: ps}
			if m.Kind != AnyMember {
				sp.kind = 1
			}
			switch c := sp.compare(v.best); {
			case !v.found || c > 0:
				v.found, v.best = true, sp
				v.granted, v.denied = m.Actions, m.Actions == 0
			case c == 0:
				v.granted |= m.Actions
				v.denied = v.denied || m.Actions == 0
			}
		}
	}
}

func (v *verdict) allows(want Action) bool {
	return v.found && !v.denied && v.granted.grants(want)
}

// Authorize checks req against the policy. The most specific rules
// matching the request among the ACLs that select the peer decide the
// outcome, and a deny among them wins. A request no rule matches is
// denied.
func (p *Policy) Authorize(req Request) error {
	var v verdict
	for _, acl := range p.ACLs {
		for _, peer := range acl.Peers {
			if peer.matches(req.Peer) {
				v.consider(acl.Rules, req)
				break
			}
		}
	}
	if !v.allows(req.Action) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, req)
	}
	return nil
}

// Allows reports whether the manifest permits req, ignoring its peer.
func (m *Manifest) Allows(req Request) bool {
	var v verdict
	v.consider(m.Rules, req)
	return v.allows(req.Action)
}
