package keystore_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/danderson/alljoyn/keystore"
	"github.com/google/go-cmp/cmp"
)

func mustOpen(t *testing.T, path string, opts keystore.Options) *keystore.Store {
	t.Helper()
	s, err := keystore.Open(path, opts)
	if err != nil {
		t.Fatalf("Open(%q) got err: %v", path, err)
	}
	return s
}

func TestMemoryStore(t *testing.T) {
	s := mustOpen(t, "", keystore.Options{})
	defer s.Close()

	if _, err := s.Get("peer1"); !errors.Is(err, keystore.ErrNotFound) {
		t.Fatalf("Get of missing peer got %v, want ErrNotFound", err)
	}
	want := keystore.Entry{Mechanism: "ALLJOYN_ECDHE_NULL", Secret: []byte{1, 2, 3}}
	if err := s.Put("peer1", want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("peer1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Get (-got+want):\n%s", diff)
	}

	if err := s.SetExpiration("peer1", -time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("peer1"); !errors.Is(err, keystore.ErrExpired) {
		t.Errorf("Get of expired peer got %v, want ErrExpired", err)
	}
	if _, err := s.Get("peer1"); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("expired entry was not removed, got %v", err)
	}
	if err := s.SetExpiration("nobody", time.Hour); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("SetExpiration of missing peer got %v, want ErrNotFound", err)
	}

	other := mustOpen(t, "", keystore.Options{})
	defer other.Close()
	if s.LocalGUID() == other.LocalGUID() {
		t.Error("two memory stores share a GUID")
	}
}

func TestClear(t *testing.T) {
	s := mustOpen(t, "", keystore.Options{})
	defer s.Close()
	for _, p := range []string{"a", "b", "c"} {
		if err := s.Put(p, keystore.Entry{Secret: []byte(p)}); err != nil {
			t.Fatal(err)
		}
	}
	peers := s.Peers()
	slices.Sort(peers)
	if diff := cmp.Diff(peers, []string{"a", "b", "c"}); diff != "" {
		t.Errorf("Peers (-got+want):\n%s", diff)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if got := s.Peers(); len(got) != 0 {
		t.Errorf("Peers after Clear = %v, want none", got)
	}
}

func TestFileStore(t *testing.T) {
	for _, password := range []string{"", "correct horse"} {
		name := "plain"
		if password != "" {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "keys")
			opts := keystore.Options{Password: password, ScryptWorkFactor: 10}

			s := mustOpen(t, path, opts)
			guid := s.LocalGUID()
			entry := keystore.Entry{
				Mechanism: "ALLJOYN_ECDHE_PSK",
				Secret:    []byte("master"),
				Expires:   time.Now().Add(time.Hour).Truncate(time.Second),
			}
			if err := s.Put("peer", entry); err != nil {
				t.Fatal(err)
			}

			// A second handle shares the first's state.
			s2 := mustOpen(t, path, opts)
			if s2.LocalGUID() != guid {
				t.Error("second handle has a different GUID")
			}
			if _, err := s2.Get("peer"); err != nil {
				t.Errorf("second handle Get got err: %v", err)
			}
			s.Close()
			if _, err := s.Get("peer"); !errors.Is(err, keystore.ErrClosed) {
				t.Errorf("Get on closed handle got %v, want ErrClosed", err)
			}
			s2.Close()

			s3 := mustOpen(t, path, opts)
			defer s3.Close()
			if s3.LocalGUID() != guid {
				t.Error("GUID did not persist")
			}
			got, err := s3.Get("peer")
			if err != nil {
				t.Fatalf("Get after reopen got err: %v", err)
			}
			if got.Mechanism != entry.Mechanism || string(got.Secret) != "master" || !got.Expires.Equal(entry.Expires) {
				t.Errorf("reopened entry = %+v, want %+v", got, entry)
			}
		})
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys")
	s := mustOpen(t, path, keystore.Options{})
	if err := s.Put("peer", keystore.Entry{Secret: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	bs[0] ^= 0xff
	if err := os.WriteFile(path, bs, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := keystore.Open(path, keystore.Options{}); !errors.Is(err, keystore.ErrCorrupt) {
		t.Errorf("Open of corrupt file got %v, want ErrCorrupt", err)
	}
}
