package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	masterSecretLen = 48
	nonceLen        = 28
	// SessionKeyLen is the length of keys returned by SessionKey.
	SessionKeyLen = 32
)

func newNonce() ([]byte, error) {
	ret := make([]byte, nonceLen)
	if _, err := rand.Read(ret); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return ret, nil
}

// NewNonce returns a random hex encoded nonce.
func NewNonce() (string, error) {
	bs, err := newNonce()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bs), nil
}

func deriveMaster(mech string, ikm, initNonce, respNonce []byte) ([]byte, error) {
	salt := make([]byte, 0, len(initNonce)+len(respNonce))
	salt = append(salt, initNonce...)
	salt = append(salt, respNonce...)
	r := hkdf.New(sha256.New, ikm, salt, []byte("alljoyn master secret "+mech))
	ret := make([]byte, masterSecretLen)
	if _, err := io.ReadFull(r, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func prf(secret []byte, label string, data []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(label))
	m.Write(data)
	return m.Sum(nil)
}

// SessionKey derives the key that protects messages between two
// peers, from their shared master secret and the nonces each
// contributed to the session. It also returns the verifier the
// responder sends to prove it derived the same key.
func SessionKey(master []byte, initNonce, respNonce string) (key []byte, verifier string, err error) {
	if len(master) == 0 {
		return nil, "", fmt.Errorf("%w: empty master secret", ErrFailed)
	}
	r := hkdf.New(sha256.New, master, []byte(initNonce+respNonce), []byte("alljoyn session key"))
	key = make([]byte, SessionKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, "", err
	}
	return key, hex.EncodeToString(prf(key, "session key verifier", []byte(initNonce+respNonce))[:16]), nil
}
