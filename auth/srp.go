package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"hash"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// SRP-6a over the 2048-bit group of RFC 5054, appendix A.
var (
	srpN = mustBig("AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
		"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
		"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
		"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
		"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
		"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
		"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
		"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73")
	srpG = big.NewInt(2)
	srpK = srpHash(srpPad(srpN), srpPad(srpG))
)

func mustBig(s string) *big.Int {
	ret, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("bad SRP constant")
	}
	return ret
}

func srpPad(n *big.Int) []byte {
	return n.FillBytes(make([]byte, (srpN.BitLen()+7)/8))
}

func srpHash(parts ...[]byte) *big.Int {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

type srpHello struct {
	Nonce []byte `cbor:"1,keyasint"`
}

type srpChallenge struct {
	Salt  []byte `cbor:"1,keyasint"`
	B     []byte `cbor:"2,keyasint"`
	Nonce []byte `cbor:"3,keyasint"`
}

type srpProof struct {
	A        []byte `cbor:"1,keyasint,omitempty"`
	Verifier []byte `cbor:"2,keyasint"`
}

// srp implements the SRP_KEYX mechanism: a password authenticated
// key exchange in which neither side reveals the password.
type srp struct {
	role  Role
	creds *Request

	step       int
	nonce      []byte
	peerNonce  []byte
	salt       []byte
	secretExp  *big.Int // a or b
	B          *big.Int
	transcript hash.Hash
	master     []byte
}

func newSRP(role Role, creds *Request) *srp {
	return &srp{role: role, creds: creds, transcript: sha256.New()}
}

func (m *srp) secret() []byte                 { return m.master }
func (m *srp) peerChain() []*x509.Certificate { return nil }

// x derives the private value from the salt and password.
func (m *srp) x() *big.Int {
	inner := sha256.Sum256(append([]byte(":"), m.creds.Password...))
	return srpHash(m.salt, inner[:])
}

func randomExponent() (*big.Int, error) {
	bs := make([]byte, 32)
	if _, err := rand.Read(bs); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(bs), nil
}

func (m *srp) initial() ([]byte, error) {
	var err error
	if m.nonce, err = newNonce(); err != nil {
		return nil, err
	}
	out, err := cbor.Marshal(srpHello{Nonce: m.nonce})
	if err != nil {
		return nil, err
	}
	m.transcript.Write(out)
	m.step = 1
	return out, nil
}

func (m *srp) next(in []byte) ([]byte, bool, error) {
	switch {
	case m.role == Responder && m.step == 0:
		return m.challenge(in)
	case m.role == Initiator && m.step == 1:
		return m.prove(in)
	case m.role == Responder && m.step == 1:
		return m.check(in)
	case m.role == Initiator && m.step == 2:
		return m.verifyResponder(in)
	default:
		return nil, false, fmt.Errorf("%w: %s message out of order", ErrFailed, SRPKeyX)
	}
}

// challenge answers the initiator's hello with the salt and B.
func (m *srp) challenge(in []byte) ([]byte, bool, error) {
	var h srpHello
	if err := cbor.Unmarshal(in, &h); err != nil {
		return nil, false, fmt.Errorf("%w: bad %s hello: %w", ErrFailed, SRPKeyX, err)
	}
	m.transcript.Write(in)
	m.peerNonce = h.Nonce

	var err error
	if m.nonce, err = newNonce(); err != nil {
		return nil, false, err
	}
	m.salt = make([]byte, 32)
	if _, err := rand.Read(m.salt); err != nil {
		return nil, false, err
	}
	if m.secretExp, err = randomExponent(); err != nil {
		return nil, false, err
	}
	v := new(big.Int).Exp(srpG, m.x(), srpN)
	// B = k*v + g^b
	m.B = new(big.Int).Mul(srpK, v)
	m.B.Add(m.B, new(big.Int).Exp(srpG, m.secretExp, srpN))
	m.B.Mod(m.B, srpN)

	out, err := cbor.Marshal(srpChallenge{Salt: m.salt, B: srpPad(m.B), Nonce: m.nonce})
	if err != nil {
		return nil, false, err
	}
	m.transcript.Write(out)
	m.step = 1
	return out, false, nil
}

// prove computes the shared key from the challenge and proves it.
func (m *srp) prove(in []byte) ([]byte, bool, error) {
	var ch srpChallenge
	if err := cbor.Unmarshal(in, &ch); err != nil {
		return nil, false, fmt.Errorf("%w: bad %s challenge: %w", ErrFailed, SRPKeyX, err)
	}
	m.transcript.Write(in)
	m.salt, m.peerNonce = ch.Salt, ch.Nonce
	B := new(big.Int).SetBytes(ch.B)
	if new(big.Int).Mod(B, srpN).Sign() == 0 {
		return nil, false, fmt.Errorf("%w: invalid SRP B", ErrFailed)
	}

	a, err := randomExponent()
	if err != nil {
		return nil, false, err
	}
	A := new(big.Int).Exp(srpG, a, srpN)
	u := srpHash(srpPad(A), srpPad(B))
	if u.Sign() == 0 {
		return nil, false, fmt.Errorf("%w: invalid SRP scrambler", ErrFailed)
	}
	x := m.x()
	// S = (B - k*g^x) ^ (a + u*x)
	base := new(big.Int).Exp(srpG, x, srpN)
	base.Mul(base, srpK)
	base.Sub(B, base)
	base.Mod(base, srpN)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, a)
	S := new(big.Int).Exp(base, exp, srpN)
	if err := m.derive(S, m.nonce, m.peerNonce); err != nil {
		return nil, false, err
	}

	m.transcript.Write(srpPad(A))
	out, err := cbor.Marshal(srpProof{A: srpPad(A), Verifier: prf(m.master, "client finished", m.transcript.Sum(nil))})
	if err != nil {
		return nil, false, err
	}
	m.step = 2
	return out, false, nil
}

// check verifies the initiator's proof and returns the responder's.
func (m *srp) check(in []byte) ([]byte, bool, error) {
	var p srpProof
	if err := cbor.Unmarshal(in, &p); err != nil {
		return nil, false, fmt.Errorf("%w: bad %s proof: %w", ErrFailed, SRPKeyX, err)
	}
	A := new(big.Int).SetBytes(p.A)
	if new(big.Int).Mod(A, srpN).Sign() == 0 {
		return nil, false, fmt.Errorf("%w: invalid SRP A", ErrFailed)
	}
	u := srpHash(srpPad(A), srpPad(m.B))
	v := new(big.Int).Exp(srpG, m.x(), srpN)
	// S = (A * v^u) ^ b
	S := new(big.Int).Exp(v, u, srpN)
	S.Mul(S, A)
	S.Mod(S, srpN)
	S.Exp(S, m.secretExp, srpN)
	if err := m.derive(S, m.peerNonce, m.nonce); err != nil {
		return nil, false, err
	}

	m.transcript.Write(srpPad(A))
	sum := m.transcript.Sum(nil)
	if !hmac.Equal(p.Verifier, prf(m.master, "client finished", sum)) {
		return nil, false, fmt.Errorf("%w: password mismatch", ErrBadCredentials)
	}
	out, err := cbor.Marshal(srpProof{Verifier: prf(m.master, "server finished", sum)})
	if err != nil {
		return nil, false, err
	}
	m.step = 2
	return out, true, nil
}

func (m *srp) verifyResponder(in []byte) ([]byte, bool, error) {
	var p srpProof
	if err := cbor.Unmarshal(in, &p); err != nil {
		return nil, false, fmt.Errorf("%w: bad %s proof: %w", ErrFailed, SRPKeyX, err)
	}
	if !hmac.Equal(p.Verifier, prf(m.master, "server finished", m.transcript.Sum(nil))) {
		return nil, false, fmt.Errorf("%w: %s responder verifier mismatch", ErrFailed, SRPKeyX)
	}
	m.step = 3
	return nil, true, nil
}

func (m *srp) derive(S *big.Int, initNonce, respNonce []byte) error {
	K := sha256.Sum256(srpPad(S))
	var err error
	m.master, err = deriveMaster(SRPKeyX, K[:], initNonce, respNonce)
	return err
}
