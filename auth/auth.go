// Package auth implements the authentication conversation that two
// bus peers run to establish a shared master secret.
//
// A conversation is a sequence of text lines exchanged between an
// initiator and a responder:
//
//	AUTH <mechanism> <hex>    initiator proposes a mechanism
//	REJECTED <mechanisms>     responder refuses, listing what it accepts
//	DATA <hex>                either side continues the exchange
//	OK <hex>                  responder accepts the initiator
//	ERROR <reason>            either side gives up
//
// The transport of the lines is up to the caller. Bus attachments
// carry them in AuthChallenge method calls.
package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"time"
)

// Mechanism names.
const (
	ECDHENull  = "ALLJOYN_ECDHE_NULL"
	ECDHEPSK   = "ALLJOYN_ECDHE_PSK"
	ECDHEECDSA = "ALLJOYN_ECDHE_ECDSA"
	SRPKeyX    = "ALLJOYN_SRP_KEYX"
)

// Mechanisms lists the supported mechanisms, strongest first.
var Mechanisms = []string{ECDHEECDSA, SRPKeyX, ECDHEPSK, ECDHENull}

// DefaultMaxAttempts is how many times a conversation asks for
// credentials before failing, when Config.MaxAttempts is zero.
const DefaultMaxAttempts = 3

var (
	// ErrNoCommonMechanism is returned when the peers share no
	// mechanism.
	ErrNoCommonMechanism = errors.New("no common authentication mechanism")
	// ErrFailed is returned when authentication fails.
	ErrFailed = errors.New("authentication failed")
	// ErrBadCredentials is returned by mechanisms when the peer's
	// credentials do not check out. The conversation retries while
	// attempts remain.
	ErrBadCredentials = errors.New("credentials rejected")
	// ErrUnknownMechanism is returned for mechanism names this
	// package does not implement.
	ErrUnknownMechanism = errors.New("unknown authentication mechanism")
)

// CredKind is a set of credentials a mechanism asks for.
type CredKind uint16

const (
	CredPassword CredKind = 1 << iota
	CredUserName
	CredCertChain
	CredPrivateKey
	// CredVerify asks the listener to vouch for the peer's
	// certificate chain, given in Request.PeerChain.
	CredVerify
	CredExpiration
)

// Request is a request for credentials, passed to
// Listener.Requested. The listener fills in the fields named by Want.
type Request struct {
	Mechanism string
	// Peer names the remote peer.
	Peer string
	// Attempt counts requests in this conversation, starting at 1.
	Attempt int
	// Want is the set of credentials needed.
	Want CredKind

	Password   []byte
	UserName   string
	CertChain  []*x509.Certificate
	PrivateKey *ecdsa.PrivateKey
	// Expiration is how long the resulting master secret stays
	// valid. Zero means the Config default.
	Expiration time.Duration

	// PeerChain is the certificate chain presented by the peer, for
	// CredVerify requests.
	PeerChain []*x509.Certificate
}

// Listener supplies credentials to conversations and learns their
// outcome.
type Listener interface {
	// Requested fills in the credentials named by req.Want, and
	// returns false to refuse, which fails the conversation.
	Requested(req *Request) bool
	// Completed is called once when a conversation ends.
	Completed(mechanism, peer string, ok bool)
}

// Config configures a Conversation.
type Config struct {
	// Mechanisms are the mechanisms this side accepts, in order of
	// preference. Empty means all of Mechanisms.
	Mechanisms []string
	// Listener supplies credentials. A nil Listener can only
	// authenticate with ECDHENull.
	Listener Listener
	// Peer names the remote peer in credential requests.
	Peer string
	// MaxAttempts bounds credential requests. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int
	// DefaultExpiration is the lifetime of master secrets whose
	// listener sets none. Zero means they never expire.
	DefaultExpiration time.Duration
}

func (c Config) mechanisms() []string {
	if len(c.Mechanisms) == 0 {
		return Mechanisms
	}
	return c.Mechanisms
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// Result is the outcome of a successful conversation.
type Result struct {
	Mechanism string
	// MasterSecret is the secret both peers now share.
	MasterSecret []byte
	// Expiration is how long MasterSecret stays valid, zero for
	// forever.
	Expiration time.Duration
	// PeerChain is the certificate chain the peer authenticated
	// with, for ECDHEECDSA.
	PeerChain []*x509.Certificate
}

// Supported reports whether mech names a mechanism this package
// implements.
func Supported(mech string) bool {
	switch mech {
	case ECDHENull, ECDHEPSK, ECDHEECDSA, SRPKeyX:
		return true
	}
	return false
}
