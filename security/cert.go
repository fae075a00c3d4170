package security

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Certificate extensions used by bus security.
var (
	oidCertTypeIdentity   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 1}
	oidCertTypeMembership = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 2}
	oidSecurityGroup      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 3}
	oidIdentityAlias      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 4}
	oidManifestDigest     = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 5}
)

// CertType is the role of a certificate.
type CertType int

const (
	// IdentityCert binds an application's signing key to an identity.
	IdentityCert CertType = iota + 1
	// MembershipCert grants an application membership of a security
	// group.
	MembershipCert
)

func (t CertType) String() string {
	switch t {
	case IdentityCert:
		return "identity"
	case MembershipCert:
		return "membership"
	default:
		return fmt.Sprintf("CertType(%d)", int(t))
	}
}

// CertTemplate describes a certificate to issue.
type CertTemplate struct {
	Type CertType
	// Serial is the certificate serial number. If nil, a random
	// serial is picked.
	Serial *big.Int
	// Subject is the subject common name.
	Subject string
	// Alias is the identity alias of an identity certificate.
	Alias string
	// Group is the security group of a membership certificate.
	Group uuid.UUID
	// PublicKey is the subject's public key.
	PublicKey *ecdsa.PublicKey
	// NotBefore and NotAfter bound the certificate's validity.
	NotBefore, NotAfter time.Time
	// CA allows the certificate to issue other certificates.
	CA bool
	// ManifestDigest is the digest of the manifests bound to an
	// identity certificate.
	ManifestDigest []byte
}

// CreateCertificate issues a certificate from tmpl. The certificate
// is signed by signer, and names issuer as its issuer. If issuer is
// nil, the certificate is issued by a synthetic authority named after
// signer's public key.
func CreateCertificate(tmpl CertTemplate, issuer *x509.Certificate, signer *ecdsa.PrivateKey) (*x509.Certificate, error) {
	if tmpl.PublicKey == nil {
		return nil, fmt.Errorf("%w: certificate has no public key", ErrInvalidCertificate)
	}
	if tmpl.NotAfter.IsZero() || !tmpl.NotAfter.After(tmpl.NotBefore) {
		return nil, fmt.Errorf("%w: empty validity window", ErrInvalidCertificate)
	}
	serial := tmpl.Serial
	if serial == nil {
		var err error
		serial, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			return nil, err
		}
	}

	cert := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: tmpl.Subject},
		NotBefore:             tmpl.NotBefore,
		NotAfter:              tmpl.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  tmpl.CA,
	}
	if tmpl.CA {
		cert.KeyUsage |= x509.KeyUsageCertSign
	}
	switch tmpl.Type {
	case IdentityCert:
		cert.UnknownExtKeyUsage = []asn1.ObjectIdentifier{oidCertTypeIdentity}
		if tmpl.Alias != "" {
			v, err := asn1.Marshal(tmpl.Alias)
			if err != nil {
				return nil, err
			}
			cert.ExtraExtensions = append(cert.ExtraExtensions, pkix.Extension{Id: oidIdentityAlias, Value: v})
		}
	case MembershipCert:
		if tmpl.Group == uuid.Nil {
			return nil, fmt.Errorf("%w: membership certificate has no group", ErrInvalidCertificate)
		}
		cert.UnknownExtKeyUsage = []asn1.ObjectIdentifier{oidCertTypeMembership}
		v, err := asn1.Marshal(tmpl.Group[:])
		if err != nil {
			return nil, err
		}
		cert.ExtraExtensions = append(cert.ExtraExtensions, pkix.Extension{Id: oidSecurityGroup, Value: v})
	default:
		return nil, fmt.Errorf("%w: unknown certificate type %v", ErrInvalidCertificate, tmpl.Type)
	}
	if len(tmpl.ManifestDigest) > 0 {
		v, err := asn1.Marshal(tmpl.ManifestDigest)
		if err != nil {
			return nil, err
		}
		cert.ExtraExtensions = append(cert.ExtraExtensions, pkix.Extension{Id: oidManifestDigest, Value: v})
	}

	if issuer == nil {
		issuer = authorityFor(&signer.PublicKey)
	}
	der, err := x509.CreateCertificate(rand.Reader, cert, issuer, tmpl.PublicKey, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// authorityFor returns a stand-in issuer certificate for key.
func authorityFor(key *ecdsa.PublicKey) *x509.Certificate {
	kid := KeyID(key)
	return &x509.Certificate{
		Subject:            pkix.Name{CommonName: fmt.Sprintf("%x", kid)},
		SubjectKeyId:       kid,
		PublicKeyAlgorithm: x509.ECDSA,
		PublicKey:          key,
	}
}

// KeyID returns a short identifier for a public key.
func KeyID(key *ecdsa.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(der)
	return sum[:20]
}

// CertTypeOf returns the type of cert, from its extended key usage.
func CertTypeOf(cert *x509.Certificate) (CertType, bool) {
	for _, oid := range cert.UnknownExtKeyUsage {
		switch {
		case oid.Equal(oidCertTypeIdentity):
			return IdentityCert, true
		case oid.Equal(oidCertTypeMembership):
			return MembershipCert, true
		}
	}
	return 0, false
}

// GroupOf returns the security group of a membership certificate.
func GroupOf(cert *x509.Certificate) (uuid.UUID, bool) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidSecurityGroup) {
			continue
		}
		var bs []byte
		if _, err := asn1.Unmarshal(ext.Value, &bs); err != nil {
			return uuid.Nil, false
		}
		ret, err := uuid.FromBytes(bs)
		if err != nil {
			return uuid.Nil, false
		}
		return ret, true
	}
	return uuid.Nil, false
}

// AliasOf returns the identity alias of an identity certificate.
func AliasOf(cert *x509.Certificate) string {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidIdentityAlias) {
			var ret string
			if _, err := asn1.Unmarshal(ext.Value, &ret); err == nil {
				return ret
			}
		}
	}
	return ""
}

// ManifestDigestOf returns the manifest digest bound to cert, if any.
func ManifestDigestOf(cert *x509.Certificate) []byte {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidManifestDigest) {
			var ret []byte
			if _, err := asn1.Unmarshal(ext.Value, &ret); err == nil {
				return ret
			}
		}
	}
	return nil
}

// Thumbprint returns the SHA-256 digest of cert's DER encoding.
func Thumbprint(cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.Raw)
	return sum[:]
}

// PublicKeyOf returns cert's public key, if it is an ECDSA key.
func PublicKeyOf(cert *x509.Certificate) (*ecdsa.PublicKey, bool) {
	k, ok := cert.PublicKey.(*ecdsa.PublicKey)
	return k, ok
}

// SignedBy reports whether cert's signature verifies under key.
func SignedBy(cert *x509.Certificate, key *ecdsa.PublicKey) bool {
	if key == nil {
		return false
	}
	return cert.CheckSignatureFrom(authorityFor(key)) == nil
}

// SameKey reports whether a and b are the same public key.
func SameKey(a, b *ecdsa.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Equal(b)
}

// VerifyChain checks that each certificate in chain is valid at now
// and is signed by the next one. The last certificate is signed by
// root if root is non-nil.
func VerifyChain(chain []*x509.Certificate, root *ecdsa.PublicKey, now time.Time) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty certificate chain", ErrInvalidCertificate)
	}
	for i, c := range chain {
		if now.Before(c.NotBefore) || now.After(c.NotAfter) {
			return fmt.Errorf("%w: certificate %d is not valid at %s", ErrInvalidCertificate, i, now.Format(time.RFC3339))
		}
		if i+1 < len(chain) {
			if err := c.CheckSignatureFrom(chain[i+1]); err != nil {
				return fmt.Errorf("%w: certificate %d: %w", ErrInvalidCertificate, i, err)
			}
		}
	}
	if root != nil && !SignedBy(chain[len(chain)-1], root) {
		return fmt.Errorf("%w: chain is not rooted in the expected authority", ErrInvalidCertificate)
	}
	return nil
}

// MarshalPublicKey returns the PKIX DER encoding of key.
func MarshalPublicKey(key *ecdsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(key)
}

// ParsePublicKey parses a PKIX DER encoded P-256 public key.
func ParsePublicKey(der []byte) (*ecdsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	ret, ok := k.(*ecdsa.PublicKey)
	if !ok || ret.Curve != elliptic.P256() {
		return nil, errors.New("public key is not a P-256 ECDSA key")
	}
	return ret, nil
}

// EncodePublicKeyPEM returns key as a PEM "PUBLIC KEY" block.
func EncodePublicKeyPEM(key *ecdsa.PublicKey) (string, error) {
	der, err := MarshalPublicKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodePublicKeyPEM parses a PEM "PUBLIC KEY" block.
func DecodePublicKeyPEM(s string) (*ecdsa.PublicKey, error) {
	b, _ := pem.Decode([]byte(s))
	if b == nil || b.Type != "PUBLIC KEY" {
		return nil, errors.New("no PEM public key found")
	}
	return ParsePublicKey(b.Bytes)
}

// MarshalChain returns the DER encodings of chain.
func MarshalChain(chain []*x509.Certificate) [][]byte {
	ret := make([][]byte, 0, len(chain))
	for _, c := range chain {
		ret = append(ret, bytes.Clone(c.Raw))
	}
	return ret
}

// ParseChain parses DER encoded certificates.
func ParseChain(ders [][]byte) ([]*x509.Certificate, error) {
	ret := make([]*x509.Certificate, 0, len(ders))
	for i, der := range ders {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %w", ErrInvalidCertificate, i, err)
		}
		ret = append(ret, c)
	}
	return ret, nil
}
