package auth

import (
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role is the side of a conversation.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the state of a conversation.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateExchanging
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateExchanging:
		return "exchanging"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const reasonNoCommonMechanism = "no common mechanism"

// Conversation is one side of an authentication conversation.
//
// The initiator calls Start and sends the returned line to the
// responder. Each side passes the lines it receives to Step, and
// sends back the lines Step returns, until the conversation is Done.
type Conversation struct {
	role Role
	cfg  Config

	state   State
	tried   []string
	name    string
	mech    mechanism
	attempt int
	expiry  time.Duration
	err     error
	result  Result
}

// NewInitiator returns the initiating side of a conversation.
func NewInitiator(cfg Config) *Conversation {
	return &Conversation{role: Initiator, cfg: cfg}
}

// NewResponder returns the responding side of a conversation.
func NewResponder(cfg Config) *Conversation {
	return &Conversation{role: Responder, cfg: cfg, state: StateNegotiating}
}

// State returns the conversation's current state.
func (c *Conversation) State() State { return c.state }

// Done reports whether the conversation has ended, successfully or
// not.
func (c *Conversation) Done() bool {
	return c.state == StateAuthenticated || c.state == StateFailed
}

// Err returns why the conversation failed, or nil.
func (c *Conversation) Err() error { return c.err }

// Result returns the result of a successful conversation.
func (c *Conversation) Result() (Result, bool) {
	return c.result, c.state == StateAuthenticated
}

// Mechanism returns the mechanism currently in use, if any.
func (c *Conversation) Mechanism() string { return c.name }

// Start begins an initiator's conversation, and returns the first
// line to send.
func (c *Conversation) Start() (string, error) {
	if c.role != Initiator || c.state != StateIdle {
		return "", fmt.Errorf("Start called on %s in state %s", c.role, c.state)
	}
	c.state = StateNegotiating
	mechs := c.cfg.mechanisms()
	return c.propose(mechs[0])
}

// Step consumes a line from the peer and returns the line to send
// back, or "" if there is nothing to send. When the conversation
// fails, Step returns the error, and possibly a final line telling the
// peer why.
func (c *Conversation) Step(line string) (string, error) {
	if c.Done() {
		return "", fmt.Errorf("conversation already %s", c.state)
	}
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	if cmd == "ERROR" {
		err := ErrFailed
		if arg == reasonNoCommonMechanism {
			err = ErrNoCommonMechanism
		}
		c.fail(fmt.Errorf("%w: peer said %q", err, arg))
		return "", c.err
	}
	if c.role == Initiator {
		return c.stepInitiator(cmd, arg)
	}
	return c.stepResponder(cmd, arg)
}

func (c *Conversation) stepInitiator(cmd, arg string) (string, error) {
	switch cmd {
	case "REJECTED":
		theirs := strings.Fields(arg)
		if c.state == StateExchanging && slices.Contains(theirs, c.name) {
			// Our credentials were refused.
			if c.attempt >= c.cfg.maxAttempts() {
				return c.abort(fmt.Errorf("%w: %s credentials refused %d times", ErrFailed, c.name, c.attempt))
			}
			c.state = StateNegotiating
			return c.propose(c.name)
		}
		for _, m := range c.cfg.mechanisms() {
			if slices.Contains(theirs, m) && !slices.Contains(c.tried, m) {
				c.state = StateNegotiating
				return c.propose(m)
			}
		}
		c.fail(fmt.Errorf("%w: offered %v, peer accepts %v", ErrNoCommonMechanism, c.cfg.mechanisms(), theirs))
		return "ERROR " + reasonNoCommonMechanism, c.err
	case "DATA":
		if c.mech == nil {
			return c.abort(fmt.Errorf("%w: DATA before AUTH", ErrFailed))
		}
		in, err := hex.DecodeString(arg)
		if err != nil {
			return c.abort(fmt.Errorf("%w: bad DATA: %w", ErrFailed, err))
		}
		c.state = StateExchanging
		out, _, err := c.mech.next(in)
		if err != nil {
			return c.abort(err)
		}
		return "DATA " + hex.EncodeToString(out), nil
	case "OK":
		if c.mech == nil {
			return c.abort(fmt.Errorf("%w: OK before AUTH", ErrFailed))
		}
		in, err := hex.DecodeString(arg)
		if err != nil {
			return c.abort(fmt.Errorf("%w: bad OK: %w", ErrFailed, err))
		}
		_, done, err := c.mech.next(in)
		if err != nil {
			return c.abort(err)
		}
		if !done {
			return c.abort(fmt.Errorf("%w: %s ended early", ErrFailed, c.name))
		}
		c.succeed()
		return "", nil
	default:
		return c.abort(fmt.Errorf("%w: unexpected %q", ErrFailed, cmd))
	}
}

func (c *Conversation) stepResponder(cmd, arg string) (string, error) {
	switch cmd {
	case "AUTH":
		name, data, _ := strings.Cut(arg, " ")
		if !slices.Contains(c.cfg.mechanisms(), name) || !Supported(name) {
			c.state = StateNegotiating
			c.mech = nil
			return "REJECTED " + strings.Join(c.cfg.mechanisms(), " "), nil
		}
		in, err := hex.DecodeString(data)
		if err != nil {
			return c.abort(fmt.Errorf("%w: bad AUTH data: %w", ErrFailed, err))
		}
		if err := c.begin(name); err != nil {
			return c.abort(err)
		}
		c.state = StateExchanging
		out, _, err := c.mech.next(in)
		if err != nil {
			return c.abort(err)
		}
		return "DATA " + hex.EncodeToString(out), nil
	case "DATA":
		if c.state != StateExchanging || c.mech == nil {
			return c.abort(fmt.Errorf("%w: DATA before AUTH", ErrFailed))
		}
		in, err := hex.DecodeString(arg)
		if err != nil {
			return c.abort(fmt.Errorf("%w: bad DATA: %w", ErrFailed, err))
		}
		out, done, err := c.mech.next(in)
		if errors.Is(err, ErrBadCredentials) {
			if c.attempt >= c.cfg.maxAttempts() {
				return c.abort(fmt.Errorf("%w: %s credentials refused %d times", ErrFailed, c.name, c.attempt))
			}
			c.state = StateNegotiating
			c.mech = nil
			return "REJECTED " + c.name, nil
		}
		if err != nil {
			return c.abort(err)
		}
		if done {
			c.succeed()
			return "OK " + hex.EncodeToString(out), nil
		}
		return "DATA " + hex.EncodeToString(out), nil
	default:
		return c.abort(fmt.Errorf("%w: unexpected %q", ErrFailed, cmd))
	}
}

// propose starts mechanism name and returns the AUTH line for it.
func (c *Conversation) propose(name string) (string, error) {
	if !slices.Contains(c.tried, name) {
		c.tried = append(c.tried, name)
	}
	if err := c.begin(name); err != nil {
		return c.abort(err)
	}
	out, err := c.mech.initial()
	if err != nil {
		return c.abort(err)
	}
	return "AUTH " + name + " " + hex.EncodeToString(out), nil
}

// begin gathers credentials for mechanism name and sets it up.
func (c *Conversation) begin(name string) error {
	if name != c.name {
		c.attempt = 0
	}
	c.name = name
	c.attempt++

	req := &Request{
		Mechanism: name,
		Peer:      c.cfg.Peer,
		Attempt:   c.attempt,
		Want:      credsFor(name) | CredExpiration,
	}
	switch {
	case c.cfg.Listener != nil:
		if !c.cfg.Listener.Requested(req) {
			return fmt.Errorf("%w: credentials for %s refused by listener", ErrFailed, name)
		}
	case credsFor(name) != 0:
		return fmt.Errorf("%w: %s needs credentials, and no listener is set", ErrFailed, name)
	}
	c.expiry = req.Expiration
	if c.expiry == 0 {
		c.expiry = c.cfg.DefaultExpiration
	}
	m, err := newMechanism(name, c.role, req, c.verifyChain)
	if err != nil {
		return err
	}
	c.mech = m
	return nil
}

func credsFor(mech string) CredKind {
	switch mech {
	case ECDHEPSK, SRPKeyX:
		return CredPassword
	case ECDHEECDSA:
		return CredPrivateKey | CredCertChain
	default:
		return 0
	}
}

func (c *Conversation) verifyChain(chain []*x509.Certificate) bool {
	if c.cfg.Listener == nil {
		return false
	}
	return c.cfg.Listener.Requested(&Request{
		Mechanism: c.name,
		Peer:      c.cfg.Peer,
		Attempt:   c.attempt,
		Want:      CredVerify,
		PeerChain: chain,
	})
}

// abort fails the conversation and returns the ERROR line telling
// the peer.
func (c *Conversation) abort(err error) (string, error) {
	c.fail(err)
	return "ERROR " + strings.ReplaceAll(err.Error(), "\n", " "), err
}

func (c *Conversation) fail(err error) {
	c.state = StateFailed
	c.err = err
	c.mech = nil
	if c.cfg.Listener != nil {
		c.cfg.Listener.Completed(c.name, c.cfg.Peer, false)
	}
}

func (c *Conversation) succeed() {
	c.state = StateAuthenticated
	c.result = Result{
		Mechanism:    c.name,
		MasterSecret: c.mech.secret(),
		Expiration:   c.expiry,
		PeerChain:    c.mech.peerChain(),
	}
	if c.cfg.Listener != nil {
		c.cfg.Listener.Completed(c.name, c.cfg.Peer, true)
	}
}
