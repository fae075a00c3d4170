package auth_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/danderson/alljoyn/auth"
	"github.com/google/go-cmp/cmp"
)

// testListener hands out fixed credentials, optionally a wrong
// password for the first few attempts.
type testListener struct {
	password    string
	badAttempts int
	key         *ecdsa.PrivateKey
	chain       []*x509.Certificate
	trust       bool
	refuse      bool

	attempts  []int
	completed []bool
}

func (l *testListener) Requested(req *auth.Request) bool {
	if l.refuse {
		return false
	}
	if req.Want&auth.CredVerify != 0 {
		return l.trust
	}
	l.attempts = append(l.attempts, req.Attempt)
	if req.Want&auth.CredPassword != 0 {
		if req.Attempt <= l.badAttempts {
			req.Password = []byte("wrong")
		} else {
			req.Password = []byte(l.password)
		}
	}
	if req.Want&auth.CredPrivateKey != 0 {
		req.PrivateKey = l.key
		req.CertChain = l.chain
	}
	req.Expiration = time.Hour
	return true
}

func (l *testListener) Completed(mech, peer string, ok bool) {
	l.completed = append(l.completed, ok)
}

// converse runs a conversation to completion, relaying lines between
// the two sides.
func converse(t *testing.T, init, resp *auth.Conversation) (initErr, respErr error) {
	t.Helper()
	line, err := init.Start()
	if err != nil {
		return err, nil
	}
	for i := 0; i < 20; i++ {
		if resp.Done() {
			if !init.Done() && line != "" {
				_, initErr = init.Step(line)
			}
			return initErr, resp.Err()
		}
		reply, err := resp.Step(line)
		respErr = err
		if reply == "" {
			return init.Err(), respErr
		}
		if init.Done() {
			return init.Err(), respErr
		}
		line, initErr = init.Step(reply)
		if init.Done() {
			if line != "" && !resp.Done() {
				_, respErr = resp.Step(line)
			}
			return initErr, respErr
		}
	}
	t.Fatal("conversation did not finish")
	return nil, nil
}

func selfSigned(t *testing.T) (*ecdsa.PrivateKey, []*x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return key, []*x509.Certificate{cert}
}

func TestConversation(t *testing.T) {
	ikey, ichain := selfSigned(t)
	rkey, rchain := selfSigned(t)

	tests := []struct {
		name      string
		initMechs []string
		respMechs []string
		il, rl    *testListener
		wantMech  string
	}{
		{
			name:      "null",
			initMechs: []string{auth.ECDHENull},
			respMechs: []string{auth.ECDHENull},
			wantMech:  auth.ECDHENull,
		},
		{
			name:      "psk",
			initMechs: []string{auth.ECDHEPSK},
			respMechs: []string{auth.ECDHEPSK},
			il:        &testListener{password: "sekrit"},
			rl:        &testListener{password: "sekrit"},
			wantMech:  auth.ECDHEPSK,
		},
		{
			name:      "srp",
			initMechs: []string{auth.SRPKeyX},
			respMechs: []string{auth.SRPKeyX},
			il:        &testListener{password: "hunter2"},
			rl:        &testListener{password: "hunter2"},
			wantMech:  auth.SRPKeyX,
		},
		{
			name:      "ecdsa",
			initMechs: []string{auth.ECDHEECDSA},
			respMechs: []string{auth.ECDHEECDSA},
			il:        &testListener{key: ikey, chain: ichain, trust: true},
			rl:        &testListener{key: rkey, chain: rchain, trust: true},
			wantMech:  auth.ECDHEECDSA,
		},
		{
			name:      "negotiate down",
			initMechs: []string{auth.ECDHEECDSA, auth.ECDHEPSK, auth.ECDHENull},
			respMechs: []string{auth.ECDHENull},
			il:        &testListener{password: "x", key: ikey, chain: ichain},
			wantMech:  auth.ECDHENull,
		},
		{
			name:      "psk retry",
			initMechs: []string{auth.ECDHEPSK},
			respMechs: []string{auth.ECDHEPSK},
			il:        &testListener{password: "sekrit", badAttempts: 2},
			rl:        &testListener{password: "sekrit"},
			wantMech:  auth.ECDHEPSK,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			icfg := auth.Config{Mechanisms: tc.initMechs, Peer: "resp"}
			rcfg := auth.Config{Mechanisms: tc.respMechs, Peer: "init"}
			if tc.il != nil {
				icfg.Listener = tc.il
			}
			if tc.rl != nil {
				rcfg.Listener = tc.rl
			}
			init, resp := auth.NewInitiator(icfg), auth.NewResponder(rcfg)
			ierr, rerr := converse(t, init, resp)
			if ierr != nil || rerr != nil {
				t.Fatalf("conversation failed: initiator %v, responder %v", ierr, rerr)
			}
			ires, iok := init.Result()
			rres, rok := resp.Result()
			if !iok || !rok {
				t.Fatalf("states %s/%s, want both authenticated", init.State(), resp.State())
			}
			if ires.Mechanism != tc.wantMech || rres.Mechanism != tc.wantMech {
				t.Errorf("mechanisms %s/%s, want %s", ires.Mechanism, rres.Mechanism, tc.wantMech)
			}
			if len(ires.MasterSecret) == 0 || !bytes.Equal(ires.MasterSecret, rres.MasterSecret) {
				t.Error("master secrets differ")
			}
			if tc.wantMech == auth.ECDHEECDSA {
				if len(ires.PeerChain) != 1 || !ires.PeerChain[0].Equal(rchain[0]) {
					t.Error("initiator did not record responder's chain")
				}
				if len(rres.PeerChain) != 1 || !rres.PeerChain[0].Equal(ichain[0]) {
					t.Error("responder did not record initiator's chain")
				}
			}
		})
	}
}

func TestConversationRetryAttempts(t *testing.T) {
	il := &testListener{password: "sekrit", badAttempts: 2}
	rl := &testListener{password: "sekrit"}
	init := auth.NewInitiator(auth.Config{Mechanisms: []string{auth.ECDHEPSK}, Listener: il})
	resp := auth.NewResponder(auth.Config{Mechanisms: []string{auth.ECDHEPSK}, Listener: rl})
	if ierr, rerr := converse(t, init, resp); ierr != nil || rerr != nil {
		t.Fatalf("conversation failed: %v, %v", ierr, rerr)
	}
	if diff := cmp.Diff(il.attempts, []int{1, 2, 3}); diff != "" {
		t.Errorf("initiator attempts (-got+want):\n%s", diff)
	}
	if diff := cmp.Diff(il.completed, []bool{true}); diff != "" {
		t.Errorf("initiator completions (-got+want):\n%s", diff)
	}
}

func TestConversationFailures(t *testing.T) {
	ikey, ichain := selfSigned(t)
	rkey, rchain := selfSigned(t)

	tests := []struct {
		name      string
		initMechs []string
		respMechs []string
		il, rl    *testListener
		wantErr   error
	}{
		{
			name:      "no common mechanism",
			initMechs: []string{auth.ECDHEPSK},
			respMechs: []string{auth.ECDHENull},
			il:        &testListener{password: "x"},
			wantErr:   auth.ErrNoCommonMechanism,
		},
		{
			name:      "wrong password forever",
			initMechs: []string{auth.SRPKeyX},
			respMechs: []string{auth.SRPKeyX},
			il:        &testListener{password: "a", badAttempts: 10},
			rl:        &testListener{password: "a"},
			wantErr:   auth.ErrFailed,
		},
		{
			name:      "listener refuses",
			initMechs: []string{auth.ECDHEPSK},
			respMechs: []string{auth.ECDHEPSK},
			il:        &testListener{refuse: true},
			rl:        &testListener{password: "a"},
			wantErr:   auth.ErrFailed,
		},
		{
			name:      "untrusted chain",
			initMechs: []string{auth.ECDHEECDSA},
			respMechs: []string{auth.ECDHEECDSA},
			il:        &testListener{key: ikey, chain: ichain, trust: false},
			rl:        &testListener{key: rkey, chain: rchain, trust: true},
			wantErr:   auth.ErrFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			icfg := auth.Config{Mechanisms: tc.initMechs}
			rcfg := auth.Config{Mechanisms: tc.respMechs}
			if tc.il != nil {
				icfg.Listener = tc.il
			}
			if tc.rl != nil {
				rcfg.Listener = tc.rl
			}
			init, resp := auth.NewInitiator(icfg), auth.NewResponder(rcfg)
			ierr, _ := converse(t, init, resp)
			if !errors.Is(ierr, tc.wantErr) {
				t.Errorf("initiator error %v, want %v", ierr, tc.wantErr)
			}
			if init.State() != auth.StateFailed {
				t.Errorf("initiator state %s, want failed", init.State())
			}
			if _, ok := init.Result(); ok {
				t.Error("failed conversation has a result")
			}
		})
	}
}

func TestSessionKey(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 48)
	k1, v1, err := auth.SessionKey(master, "aa", "bb")
	if err != nil {
		t.Fatal(err)
	}
	k2, v2, err := auth.SessionKey(master, "aa", "bb")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) || v1 != v2 {
		t.Error("SessionKey is not deterministic")
	}
	k3, _, err := auth.SessionKey(master, "aa", "cc")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, k3) {
		t.Error("different nonces gave the same key")
	}
	if len(k1) != auth.SessionKeyLen {
		t.Errorf("key length %d, want %d", len(k1), auth.SessionKeyLen)
	}
}
