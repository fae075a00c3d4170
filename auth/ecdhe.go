package auth

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"hash"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// mechanism is one authentication mechanism, from one side.
type mechanism interface {
	// initial returns the initiator's first message.
	initial() ([]byte, error)
	// next consumes the peer's next message and returns this side's
	// reply. done reports that this side has verified the peer.
	next(in []byte) (out []byte, done bool, err error)
	secret() []byte
	peerChain() []*x509.Certificate
}

func newMechanism(name string, role Role, creds *Request, verify func([]*x509.Certificate) bool) (mechanism, error) {
	switch name {
	case ECDHENull, ECDHEPSK:
		return &ecdhe{name: name, role: role, creds: creds, transcript: sha256.New()}, nil
	case ECDHEECDSA:
		if creds.PrivateKey == nil || len(creds.CertChain) == 0 {
			return nil, fmt.Errorf("%w: %s needs a private key and certificate chain", ErrFailed, name)
		}
		return &ecdhe{name: name, role: role, creds: creds, verify: verify, transcript: sha256.New()}, nil
	case SRPKeyX:
		return newSRP(role, creds), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMechanism, name)
	}
}

// ecdheHello is the first message from each side of an ECDHE
// exchange.
type ecdheHello struct {
	Pub   []byte   `cbor:"1,keyasint"`
	Nonce []byte   `cbor:"2,keyasint"`
	Chain [][]byte `cbor:"3,keyasint,omitempty"`
	Sig   []byte   `cbor:"4,keyasint,omitempty"`
}

// ecdheFinish proves knowledge of the master secret.
type ecdheFinish struct {
	Verifier []byte   `cbor:"1,keyasint"`
	Chain    [][]byte `cbor:"2,keyasint,omitempty"`
	Sig      []byte   `cbor:"3,keyasint,omitempty"`
}

// ecdhe implements the ECDHE_NULL, ECDHE_PSK and ECDHE_ECDSA
// mechanisms. All three agree on a P-256 ECDH secret. PSK mixes a
// pre-shared key into the master secret, and ECDSA has each side sign
// the transcript with a certified key.
type ecdhe struct {
	name   string
	role   Role
	creds  *Request
	verify func([]*x509.Certificate) bool

	step       int
	key        *ecdh.PrivateKey
	nonce      []byte
	transcript hash.Hash
	master     []byte
	chain      []*x509.Certificate
}

func (m *ecdhe) secret() []byte                 { return m.master }
func (m *ecdhe) peerChain() []*x509.Certificate { return m.chain }

func (m *ecdhe) hello() (*ecdheHello, error) {
	var err error
	if m.key, err = ecdh.P256().GenerateKey(rand.Reader); err != nil {
		return nil, err
	}
	if m.nonce, err = newNonce(); err != nil {
		return nil, err
	}
	return &ecdheHello{Pub: m.key.PublicKey().Bytes(), Nonce: m.nonce}, nil
}

func (m *ecdhe) initial() ([]byte, error) {
	h, err := m.hello()
	if err != nil {
		return nil, err
	}
	out, err := cbor.Marshal(h)
	if err != nil {
		return nil, err
	}
	m.transcript.Write(out)
	m.step = 1
	return out, nil
}

func (m *ecdhe) next(in []byte) ([]byte, bool, error) {
	switch {
	case m.role == Responder && m.step == 0:
		return m.respondHello(in)
	case m.role == Initiator && m.step == 1:
		return m.finishInitiator(in)
	case m.role == Responder && m.step == 1:
		return m.finishResponder(in)
	case m.role == Initiator && m.step == 2:
		return m.verifyResponder(in)
	default:
		return nil, false, fmt.Errorf("%w: %s message out of order", ErrFailed, m.name)
	}
}

// respondHello handles the initiator's hello.
func (m *ecdhe) respondHello(in []byte) ([]byte, bool, error) {
	var peer ecdheHello
	if err := cbor.Unmarshal(in, &peer); err != nil {
		return nil, false, fmt.Errorf("%w: bad %s hello: %w", ErrFailed, m.name, err)
	}
	m.transcript.Write(in)
	h, err := m.hello()
	if err != nil {
		return nil, false, err
	}
	if err := m.agree(peer.Pub, peer.Nonce, m.nonce); err != nil {
		return nil, false, err
	}
	if m.name == ECDHEECDSA {
		digest := m.signedDigest(h.Pub, h.Nonce)
		if h.Sig, err = ecdsa.SignASN1(rand.Reader, m.creds.PrivateKey, digest); err != nil {
			return nil, false, err
		}
		h.Chain = chainDER(m.creds.CertChain)
	}
	out, err := cbor.Marshal(h)
	if err != nil {
		return nil, false, err
	}
	m.transcript.Write(out)
	m.step = 1
	return out, false, nil
}

// finishInitiator handles the responder's hello.
func (m *ecdhe) finishInitiator(in []byte) ([]byte, bool, error) {
	var peer ecdheHello
	if err := cbor.Unmarshal(in, &peer); err != nil {
		return nil, false, fmt.Errorf("%w: bad %s hello: %w", ErrFailed, m.name, err)
	}
	if m.name == ECDHEECDSA {
		if err := m.checkPeer(peer.Chain, peer.Sig, m.signedDigest(peer.Pub, peer.Nonce)); err != nil {
			return nil, false, err
		}
	}
	m.transcript.Write(in)
	if err := m.agree(peer.Pub, m.nonce, peer.Nonce); err != nil {
		return nil, false, err
	}
	sum := m.transcript.Sum(nil)
	f := ecdheFinish{Verifier: prf(m.master, "client finished", sum)}
	if m.name == ECDHEECDSA {
		var err error
		if f.Sig, err = ecdsa.SignASN1(rand.Reader, m.creds.PrivateKey, sum); err != nil {
			return nil, false, err
		}
		f.Chain = chainDER(m.creds.CertChain)
	}
	out, err := cbor.Marshal(f)
	if err != nil {
		return nil, false, err
	}
	m.transcript.Write(out)
	m.step = 2
	return out, false, nil
}

// finishResponder checks the initiator's proof and sends its own.
func (m *ecdhe) finishResponder(in []byte) ([]byte, bool, error) {
	var f ecdheFinish
	if err := cbor.Unmarshal(in, &f); err != nil {
		return nil, false, fmt.Errorf("%w: bad %s finish: %w", ErrFailed, m.name, err)
	}
	sum := m.transcript.Sum(nil)
	if !hmac.Equal(f.Verifier, prf(m.master, "client finished", sum)) {
		if m.name == ECDHEPSK {
			return nil, false, fmt.Errorf("%w: pre-shared key mismatch", ErrBadCredentials)
		}
		return nil, false, fmt.Errorf("%w: %s verifier mismatch", ErrFailed, m.name)
	}
	if m.name == ECDHEECDSA {
		if err := m.checkPeer(f.Chain, f.Sig, sum); err != nil {
			return nil, false, err
		}
	}
	m.transcript.Write(in)
	out, err := cbor.Marshal(ecdheFinish{Verifier: prf(m.master, "server finished", m.transcript.Sum(nil))})
	if err != nil {
		return nil, false, err
	}
	m.step = 2
	return out, true, nil
}

// verifyResponder checks the responder's proof.
func (m *ecdhe) verifyResponder(in []byte) ([]byte, bool, error) {
	var f ecdheFinish
	if err := cbor.Unmarshal(in, &f); err != nil {
		return nil, false, fmt.Errorf("%w: bad %s finish: %w", ErrFailed, m.name, err)
	}
	if !hmac.Equal(f.Verifier, prf(m.master, "server finished", m.transcript.Sum(nil))) {
		return nil, false, fmt.Errorf("%w: %s responder verifier mismatch", ErrFailed, m.name)
	}
	m.step = 3
	return nil, true, nil
}

func (m *ecdhe) agree(peerPub, initNonce, respNonce []byte) error {
	pub, err := ecdh.P256().NewPublicKey(peerPub)
	if err != nil {
		return fmt.Errorf("%w: bad peer key: %w", ErrFailed, err)
	}
	shared, err := m.key.ECDH(pub)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailed, err)
	}
	if m.name == ECDHEPSK {
		shared = append(shared, m.creds.Password...)
	}
	m.master, err = deriveMaster(m.name, shared, initNonce, respNonce)
	return err
}

func (m *ecdhe) signedDigest(pub, nonce []byte) []byte {
	h := sha256.New()
	h.Write(m.transcript.Sum(nil))
	h.Write(pub)
	h.Write(nonce)
	return h.Sum(nil)
}

// checkPeer validates the peer's certificate chain and its signature
// over digest, and asks the listener to vouch for the chain.
func (m *ecdhe) checkPeer(der [][]byte, sig, digest []byte) error {
	chain, err := parseChain(der)
	if err != nil {
		return err
	}
	if err := VerifyChain(chain, time.Now()); err != nil {
		return err
	}
	pub, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: peer certificate key is not ECDSA", ErrFailed)
	}
	if !ecdsa.VerifyASN1(pub, digest, sig) {
		return fmt.Errorf("%w: bad peer signature", ErrFailed)
	}
	if m.verify == nil || !m.verify(chain) {
		return fmt.Errorf("%w: peer certificate chain not trusted", ErrFailed)
	}
	m.chain = chain
	return nil
}

func chainDER(chain []*x509.Certificate) [][]byte {
	ret := make([][]byte, len(chain))
	for i, c := range chain {
		ret[i] = c.Raw
	}
	return ret
}

func parseChain(der [][]byte) ([]*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: peer sent no certificate chain", ErrFailed)
	}
	ret := make([]*x509.Certificate, 0, len(der))
	for _, bs := range der {
		c, err := x509.ParseCertificate(bs)
		if err != nil {
			return nil, fmt.Errorf("%w: bad peer certificate: %w", ErrFailed, err)
		}
		ret = append(ret, c)
	}
	return ret, nil
}

// VerifyChain checks that each certificate in chain is valid at now
// and signed by the next one. The last certificate is not checked
// against any root: deciding whether to trust it is up to the caller.
func VerifyChain(chain []*x509.Certificate, now time.Time) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty certificate chain", ErrFailed)
	}
	for i, c := range chain {
		if now.Before(c.NotBefore) || now.After(c.NotAfter) {
			return fmt.Errorf("%w: certificate %d is not valid at %v", ErrFailed, i, now.Format(time.RFC3339))
		}
		if i+1 < len(chain) {
			if err := c.CheckSignatureFrom(chain[i+1]); err != nil {
				return fmt.Errorf("%w: certificate %d: %w", ErrFailed, i, err)
			}
		}
	}
	return nil
}
