package alljoyn

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danderson/alljoyn/auth"
	"github.com/danderson/alljoyn/keystore"
	"golang.org/x/crypto/chacha20poly1305"
)

// authVersion is the peer authentication protocol version exchanged
// in ExchangeGuids.
const authVersion = 0x00030001

// PeerAuth describes an authenticated peer.
type PeerAuth struct {
	// Name is the peer's unique name.
	Name string
	// GUID is the peer's stable identity.
	GUID string
	// Mechanism is the mechanism the peer authenticated with.
	Mechanism string
	// Chain is the certificate chain the peer authenticated with,
	// for ECDSA based mechanisms.
	Chain []*x509.Certificate
}

type sessionKey struct {
	aead cipher.AEAD
	auth *PeerAuth
	// expires is when the master secret the key derives from
	// expires. Guarded by peerSecurity.mu.
	expires time.Time
}

func (k *sessionKey) expired(now time.Time) bool {
	return !k.expires.IsZero() && !now.Before(k.expires)
}

type authAttempt struct {
	done   chan struct{}
	unique string
	err    error
}

// peerSecurity is the state of end to end peer security on a Conn.
type peerSecurity struct {
	c        *Conn
	mechs    []string
	listener auth.Listener
	ks       *keystore.Store

	mu      sync.Mutex
	aliases map[string]string
	keys    map[string]*sessionKey
	pending map[string]*authAttempt
	guids   map[string]string
	convs   map[string]*auth.Conversation
}

// EnablePeerSecurity turns on authentication and encryption with
// other peers, using the given mechanisms in order of preference. l
// supplies credentials, and may be nil if the only mechanism is
// auth.ECDHENull. Master secrets are kept in the key store at
// keystorePath, or in memory if keystorePath is empty.
//
// Peers that have not enabled security cannot make or receive secure
// calls.
func (c *Conn) EnablePeerSecurity(mechs []string, l auth.Listener, keystorePath string) error {
	if len(mechs) == 0 {
		return fmt.Errorf("no authentication mechanisms given")
	}
	for _, m := range mechs {
		if !auth.Supported(m) {
			return fmt.Errorf("%w: %q", auth.ErrUnknownMechanism, m)
		}
	}
	ks, err := keystore.Open(keystorePath, keystore.Options{Logger: c.log})
	if err != nil {
		return err
	}
	ps := &peerSecurity{
		c:        c,
		mechs:    mechs,
		listener: l,
		ks:       ks,
		aliases:  map[string]string{},
		keys:     map[string]*sessionKey{},
		pending:  map[string]*authAttempt{},
		guids:    map[string]string{},
		convs:    map[string]*auth.Conversation{},
	}

	c.mu.Lock()
	old := c.sec
	c.sec = ps
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
	c.log.Info("peer security enabled", "mechanisms", mechs, "guid", ks.LocalGUID())
	return nil
}

func (c *Conn) security() *peerSecurity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sec
}

func errSecurityOff() error {
	return fmt.Errorf("%w: peer security is not enabled", ErrAuthFailed)
}

// ClearKeyStore forgets all stored master secrets and session keys,
// so that the next secure call to each peer authenticates afresh.
func (c *Conn) ClearKeyStore() error {
	ps := c.security()
	if ps == nil {
		return errSecurityOff()
	}
	ps.forgetAll()
	return ps.ks.Clear()
}

// SetKeyExpiration sets the master secret shared with the peer with
// the given GUID to expire after d. Session keys derived from it
// expire with it, after which the next secure call authenticates
// again.
func (c *Conn) SetKeyExpiration(guid string, d time.Duration) error {
	ps := c.security()
	if ps == nil {
		return errSecurityOff()
	}
	if err := ps.ks.SetExpiration(guid, d); err != nil {
		return err
	}
	expires := time.Now().Add(d)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, k := range ps.keys {
		if k.auth.GUID == guid {
			k.expires = expires
		}
	}
	return nil
}

// LocalGUID returns the GUID this Conn authenticates as, or "" if
// peer security is not enabled.
func (c *Conn) LocalGUID() string {
	ps := c.security()
	if ps == nil {
		return ""
	}
	return ps.ks.LocalGUID()
}

// SecureConnection authenticates with the peer name, unless it has
// already been authenticated. If force is set, any stored master
// secret for the peer is discarded first.
func (c *Conn) SecureConnection(ctx context.Context, name string, force bool) (*PeerAuth, error) {
	ps := c.security()
	if ps == nil {
		return nil, errSecurityOff()
	}
	if force {
		ps.forget(name)
	}
	k, err := ps.keyFor(ctx, name, force)
	if err != nil {
		return nil, err
	}
	return k.auth, nil
}

func (ps *peerSecurity) close() {
	if err := ps.ks.Close(); err != nil {
		ps.c.log.Warn("closing key store", "err", err)
	}
}

// forgetAll drops per-connection state. Unique names die with the
// router connection.
func (ps *peerSecurity) forgetAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	clear(ps.aliases)
	clear(ps.keys)
	clear(ps.guids)
	clear(ps.convs)
}

func (ps *peerSecurity) forget(name string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	unique := name
	if u, ok := ps.aliases[name]; ok {
		unique = u
	}
	delete(ps.aliases, name)
	delete(ps.keys, unique)
}

// keyFor returns the session key for dest, authenticating if needed.
// Concurrent callers for the same dest share one authentication.
func (ps *peerSecurity) keyFor(ctx context.Context, dest string, fresh bool) (*sessionKey, error) {
	ps.mu.Lock()
	unique := dest
	if u, ok := ps.aliases[dest]; ok {
		unique = u
	}
	if k := ps.liveKeyLocked(unique); k != nil {
		ps.mu.Unlock()
		return k, nil
	}
	if a := ps.pending[dest]; a != nil {
		ps.mu.Unlock()
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if a.err != nil {
			return nil, a.err
		}
		return ps.keyFor(ctx, dest, false)
	}
	a := &authAttempt{done: make(chan struct{})}
	ps.pending[dest] = a
	ps.mu.Unlock()

	k, unique, err := ps.authenticate(ctx, dest, fresh)

	ps.mu.Lock()
	delete(ps.pending, dest)
	if err == nil {
		ps.keys[unique] = k
		ps.aliases[dest] = unique
	}
	ps.mu.Unlock()
	a.unique, a.err = unique, err
	close(a.done)
	return k, err
}

// authenticate runs the initiator side of peer authentication with
// dest, and returns the resulting session key and dest's unique name.
func (ps *peerSecurity) authenticate(ctx context.Context, dest string, fresh bool) (*sessionKey, string, error) {
	c := ps.c
	resp, err := ps.peerCall(ctx, dest, "ExchangeGuids", "su", ps.ks.LocalGUID(), uint32(authVersion))
	if err != nil {
		return nil, "", fmt.Errorf("%w: exchanging GUIDs with %s: %w", ErrAuthFailed, dest, err)
	}
	var (
		remoteGUID string
		version    uint32
	)
	if err := Scan(resp.args, &remoteGUID, &version); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	unique := resp.sender

	entry, err := ps.ks.Get(remoteGUID)
	cached := err == nil
	if fresh || !cached {
		if entry, err = ps.converse(ctx, unique, remoteGUID); err != nil {
			return nil, unique, err
		}
	}
	k, err := ps.genSessionKey(ctx, unique, remoteGUID, entry)
	if err != nil && cached && !fresh {
		// The peer may have forgotten the secret. Start over.
		c.log.Debug("stored key rejected, reauthenticating", "peer", unique, "err", err)
		if err := ps.ks.Delete(remoteGUID); err != nil {
			return nil, unique, err
		}
		if entry, err = ps.converse(ctx, unique, remoteGUID); err != nil {
			return nil, unique, err
		}
		k, err = ps.genSessionKey(ctx, unique, remoteGUID, entry)
	}
	if err != nil {
		return nil, unique, err
	}
	c.log.Debug("peer authenticated", "peer", unique, "guid", remoteGUID, "mechanism", entry.Mechanism)
	return k, unique, nil
}

// converse runs an authentication conversation with unique, and
// stores the resulting master secret.
func (ps *peerSecurity) converse(ctx context.Context, unique, remoteGUID string) (keystore.Entry, error) {
	conv := auth.NewInitiator(auth.Config{
		Mechanisms: ps.mechs,
		Listener:   ps.listener,
		Peer:       unique,
	})
	line, err := conv.Start()
	contacted := false
	for err == nil && !conv.Done() {
		var resp string
		resp, err = ps.challenge(ctx, unique, line)
		if err != nil {
			break
		}
		contacted = true
		line, err = conv.Step(resp)
	}
	if conv.State() == auth.StateFailed && contacted && line != "" {
		// Tell the responder why we gave up.
		ps.challenge(ctx, unique, line)
	}
	if err != nil {
		if errors.Is(err, auth.ErrNoCommonMechanism) {
			return keystore.Entry{}, fmt.Errorf("authenticating %s: %w", unique, ErrNoCommonMechanism)
		}
		return keystore.Entry{}, fmt.Errorf("%w: authenticating %s: %w", ErrAuthFailed, unique, err)
	}
	res, _ := conv.Result()
	entry := resultEntry(res)
	if err := ps.ks.Put(remoteGUID, entry); err != nil {
		return keystore.Entry{}, err
	}
	return entry, nil
}

func resultEntry(res auth.Result) keystore.Entry {
	ret := keystore.Entry{
		Mechanism: res.Mechanism,
		Secret:    res.MasterSecret,
	}
	if res.Expiration > 0 {
		ret.Expires = time.Now().Add(res.Expiration)
	}
	for _, cert := range res.PeerChain {
		ret.PeerChain = append(ret.PeerChain, cert.Raw)
	}
	return ret
}

func (ps *peerSecurity) challenge(ctx context.Context, unique, line string) (string, error) {
	resp, err := ps.peerCall(ctx, unique, "AuthChallenge", "s", line)
	if err != nil {
		return "", err
	}
	var ret string
	if err := Scan(resp.args, &ret); err != nil {
		return "", err
	}
	return ret, nil
}

func (ps *peerSecurity) genSessionKey(ctx context.Context, unique, remoteGUID string, entry keystore.Entry) (*sessionKey, error) {
	nonce, err := auth.NewNonce()
	if err != nil {
		return nil, err
	}
	resp, err := ps.peerCall(ctx, unique, "GenSessionKey", "sss", ps.ks.LocalGUID(), remoteGUID, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: generating session key with %s: %w", ErrAuthFailed, unique, err)
	}
	var remoteNonce, verifier string
	if err := Scan(resp.args, &remoteNonce, &verifier); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	key, want, err := auth.SessionKey(entry.Secret, nonce, remoteNonce)
	if err != nil {
		return nil, err
	}
	if verifier != want {
		return nil, fmt.Errorf("%w: session key verifier mismatch with %s", ErrAuthFailed, unique)
	}
	return newSessionKey(key, unique, remoteGUID, entry)
}

func newSessionKey(key []byte, unique, guid string, entry keystore.Entry) (*sessionKey, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pa := &PeerAuth{Name: unique, GUID: guid, Mechanism: entry.Mechanism}
	for _, der := range entry.PeerChain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("stored certificate for %s: %w", guid, err)
		}
		pa.Chain = append(pa.Chain, cert)
	}
	return &sessionKey{aead: aead, auth: pa, expires: entry.Expires}, nil
}

type peerReply struct {
	sender string
	args   []any
}

func (ps *peerSecurity) peerCall(ctx context.Context, dest, method, sig string, args ...any) (peerReply, error) {
	msg := NewMethodCall(dest, PeerPath, PeerAuthInterface, method)
	if err := msg.SetBody(sig, args...); err != nil {
		return peerReply{}, err
	}
	reply, err := ps.c.call(ctx, msg, callOptions{})
	if err != nil {
		return peerReply{}, err
	}
	got, err := reply.Args()
	if err != nil {
		return peerReply{}, err
	}
	return peerReply{reply.Sender, got}, nil
}

// key returns the unexpired session key shared with unique, if any.
func (ps *peerSecurity) key(unique string) *sessionKey {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.liveKeyLocked(unique)
}

func (ps *peerSecurity) liveKeyLocked(unique string) *sessionKey {
	k := ps.keys[unique]
	if k == nil {
		return nil
	}
	if k.expired(time.Now()) {
		delete(ps.keys, unique)
		ps.c.log.Debug("session key expired", "peer", unique, "guid", k.auth.GUID)
		return nil
	}
	return k
}

func sealAAD(msg *Message) []byte {
	return fmt.Appendf(nil, "%d/%d/%s/%s/%s/%s", msg.Type, msg.Serial, msg.Path, msg.Interface, msg.Member, msg.Signature)
}

func (k *sessionKey) seal(msg *Message) error {
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(msg.Body)+k.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	msg.Body = k.aead.Seal(nonce, nonce, msg.Body, sealAAD(msg))
	msg.Flags |= FlagEncrypted
	return nil
}

func (k *sessionKey) open(msg *Message) ([]byte, error) {
	if len(msg.Body) < chacha20poly1305.NonceSizeX+k.aead.Overhead() {
		return nil, fmt.Errorf("%w: encrypted body too short", ErrAuthFailed)
	}
	nonce, ct := msg.Body[:chacha20poly1305.NonceSizeX], msg.Body[chacha20poly1305.NonceSizeX:]
	ret, err := k.aead.Open(nil, nonce, ct, sealAAD(msg))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting message from %s: %w", ErrAuthFailed, msg.Sender, err)
	}
	return ret, nil
}

// sealFor encrypts msg for dest, authenticating dest first if needed.
// msg must already have its serial.
func (c *Conn) sealFor(ctx context.Context, dest string, msg *Message) error {
	if dest == "" {
		return fmt.Errorf("%w: encrypted messages need a destination", ErrAuthFailed)
	}
	ps := c.security()
	if ps == nil {
		return errSecurityOff()
	}
	k, err := ps.keyFor(ctx, dest, false)
	if err != nil {
		return err
	}
	return k.seal(msg)
}

// sealReply encrypts a reply to an encrypted call from dest.
func (c *Conn) sealReply(dest string, reply *Message) error {
	ps := c.security()
	if ps == nil {
		return errSecurityOff()
	}
	k := ps.key(dest)
	if k == nil {
		return fmt.Errorf("%w: no session key for %s", ErrAuthFailed, dest)
	}
	reply.Serial = c.serials.next()
	return k.seal(reply)
}

// openFrom decrypts an encrypted message, and returns the decrypted
// copy and the authenticated sender.
func (c *Conn) openFrom(msg *Message) (*Message, *PeerAuth, error) {
	ps := c.security()
	if ps == nil {
		return nil, nil, errSecurityOff()
	}
	k := ps.key(msg.Sender)
	if k == nil {
		return nil, nil, fmt.Errorf("%w: no session key for %s", ErrAuthFailed, msg.Sender)
	}
	body, err := k.open(msg)
	if err != nil {
		return nil, nil, err
	}
	ret := *msg
	ret.Body = body
	ret.Flags &^= FlagEncrypted
	return &ret, k.auth, nil
}

func (c *Conn) handleExchangeGuids(ctx context.Context, call *Call) ([]any, error) {
	ps := c.security()
	if ps == nil {
		return nil, CallError{errNameSecurityNotOn, "peer security is not enabled"}
	}
	var (
		guid    string
		version uint32
	)
	if err := call.Scan(&guid, &version); err != nil {
		return nil, err
	}
	ps.mu.Lock()
	ps.guids[call.Sender] = guid
	delete(ps.convs, call.Sender)
	ps.mu.Unlock()
	return []any{ps.ks.LocalGUID(), uint32(authVersion)}, nil
}

func (c *Conn) handleAuthChallenge(ctx context.Context, call *Call) ([]any, error) {
	ps := c.security()
	if ps == nil {
		return nil, CallError{errNameSecurityNotOn, "peer security is not enabled"}
	}
	var line string
	if err := call.Scan(&line); err != nil {
		return nil, err
	}

	ps.mu.Lock()
	guid, ok := ps.guids[call.Sender]
	conv := ps.convs[call.Sender]
	if conv == nil || conv.Done() {
		conv = auth.NewResponder(auth.Config{
			Mechanisms: ps.mechs,
			Listener:   ps.listener,
			Peer:       call.Sender,
		})
		ps.convs[call.Sender] = conv
	}
	ps.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: AuthChallenge from %s before ExchangeGuids", ErrAuthFailed, call.Sender)
	}

	reply, err := conv.Step(line)
	if conv.Done() {
		ps.mu.Lock()
		if ps.convs[call.Sender] == conv {
			delete(ps.convs, call.Sender)
		}
		ps.mu.Unlock()
	}
	switch {
	case err != nil:
		c.violation(call.Msg, err)
	case conv.State() == auth.StateAuthenticated:
		res, _ := conv.Result()
		if err := ps.ks.Put(guid, resultEntry(res)); err != nil {
			return nil, err
		}
	}
	return []any{reply}, nil
}

func (c *Conn) handleGenSessionKey(ctx context.Context, call *Call) ([]any, error) {
	ps := c.security()
	if ps == nil {
		return nil, CallError{errNameSecurityNotOn, "peer security is not enabled"}
	}
	var peerGUID, localGUID, nonce string
	if err := call.Scan(&peerGUID, &localGUID, &nonce); err != nil {
		return nil, err
	}
	if localGUID != ps.ks.LocalGUID() {
		return nil, fmt.Errorf("%w: session key requested for GUID %s, we are %s", ErrAuthFailed, localGUID, ps.ks.LocalGUID())
	}
	entry, err := ps.ks.Get(peerGUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	myNonce, err := auth.NewNonce()
	if err != nil {
		return nil, err
	}
	key, verifier, err := auth.SessionKey(entry.Secret, nonce, myNonce)
	if err != nil {
		return nil, err
	}
	k, err := newSessionKey(key, call.Sender, peerGUID, entry)
	if err != nil {
		return nil, err
	}
	ps.mu.Lock()
	ps.keys[call.Sender] = k
	ps.guids[call.Sender] = peerGUID
	ps.mu.Unlock()
	return []any{myNonce, verifier}, nil
}
