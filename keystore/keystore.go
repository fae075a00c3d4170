// Package keystore stores the master secrets that bus peers agree on
// when they authenticate, so that later connections between the same
// peers can skip the full authentication conversation.
//
// Secrets are keyed by the peer's GUID, the stable identity a peer
// announces when authentication starts. A store may be persisted to a
// file, optionally encrypted with a passphrase.
package keystore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	// ErrNotFound is returned for peers with no stored secret.
	ErrNotFound = errors.New("no key for peer")
	// ErrExpired is returned for peers whose secret has expired. The
	// expired entry is removed.
	ErrExpired = errors.New("key expired")
	// ErrCorrupt is returned when a key store file fails its
	// checksum or cannot be decoded.
	ErrCorrupt = errors.New("key store file is corrupt")
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("key store is closed")
)

// Entry is what a Store remembers about one peer.
type Entry struct {
	// Mechanism is the authentication mechanism that produced
	// Secret.
	Mechanism string `cbor:"1,keyasint"`
	// Secret is the master secret shared with the peer.
	Secret []byte `cbor:"2,keyasint"`
	// Expires is when Secret stops being valid. The zero time
	// means never.
	Expires time.Time `cbor:"3,keyasint,omitempty"`
	// PeerChain is the DER encoded certificate chain the peer
	// authenticated with, if any.
	PeerChain [][]byte `cbor:"4,keyasint,omitempty"`
}

// Expired reports whether the entry has expired at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// Options configures a Store.
type Options struct {
	// Password, if set, encrypts the store's file.
	Password string
	// ScryptWorkFactor is the log2 scrypt work factor used to
	// encrypt the file. Zero uses age's default.
	ScryptWorkFactor int
	// Logger receives the store's logs. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// fileFormat is the CBOR document stored on disk, followed by its
// BLAKE3 checksum.
type fileFormat struct {
	Version int              `cbor:"1,keyasint"`
	GUID    string           `cbor:"2,keyasint"`
	Entries map[string]Entry `cbor:"3,keyasint"`
}

const fileVersion = 1

// shared is the state of a store file shared by every Store opened
// on the same path.
type shared struct {
	path string
	opts Options
	log  *slog.Logger
	refs int

	mu      sync.Mutex
	guid    string
	entries map[string]Entry
}

var (
	registryMu sync.Mutex
	registry   = map[string]*shared{}
)

// Store is a handle on a key store.
//
// Opening the same path twice in one process returns handles on the
// same store. The first Open loads the file, and the last Close
// writes it back.
type Store struct {
	s *shared

	mu     sync.Mutex
	closed bool
}

// Open opens the key store at path, creating it if needed. An empty
// path opens a new in-memory store.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if path == "" {
		s, err := newShared("", opts)
		if err != nil {
			return nil, err
		}
		s.refs = 1
		return &Store{s: s}, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if s, ok := registry[abs]; ok {
		if s.opts.Password != opts.Password {
			return nil, fmt.Errorf("key store %s is already open with a different password", abs)
		}
		s.refs++
		return &Store{s: s}, nil
	}
	s, err := newShared(abs, opts)
	if err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.refs = 1
	registry[abs] = s
	return &Store{s: s}, nil
}

func newShared(path string, opts Options) (*shared, error) {
	guid, err := newGUID()
	if err != nil {
		return nil, err
	}
	return &shared{
		path:    path,
		opts:    opts,
		log:     opts.Logger,
		guid:    guid,
		entries: map[string]Entry{},
	}, nil
}

func newGUID() (string, error) {
	var bs [16]byte
	if _, err := rand.Read(bs[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(bs[:]), nil
}

// Close releases the handle. Closing the last handle on a file
// writes the store to it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.s.path == "" {
		return nil
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	s.s.refs--
	if s.s.refs > 0 {
		return nil
	}
	delete(registry, s.s.path)
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	return s.s.saveLocked()
}

func (s *Store) state() (*shared, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.s, nil
}

// LocalGUID returns the GUID identifying this store's owner to
// peers. It is stable across reopenings of a store file.
func (s *Store) LocalGUID() string {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	return s.s.guid
}

// Get returns the entry for peer guid. An expired entry is removed
// and reported as ErrExpired.
func (s *Store) Get(guid string) (Entry, error) {
	st, err := s.state()
	if err != nil {
		return Entry{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.entries[guid]
	if !ok {
		return Entry{}, fmt.Errorf("peer %s: %w", guid, ErrNotFound)
	}
	if e.Expired(time.Now()) {
		delete(st.entries, guid)
		st.log.Debug("dropped expired key", "peer", guid)
		return Entry{}, fmt.Errorf("peer %s: %w", guid, ErrExpired)
	}
	return e, nil
}

// Put stores the entry for peer guid.
func (s *Store) Put(guid string, e Entry) error {
	return s.update(func(st *shared) {
		st.entries[guid] = e
	})
}

// Delete forgets peer guid.
func (s *Store) Delete(guid string) error {
	return s.update(func(st *shared) {
		delete(st.entries, guid)
	})
}

// Clear forgets all peers.
func (s *Store) Clear() error {
	return s.update(func(st *shared) {
		clear(st.entries)
	})
}

// SetExpiration sets peer guid's entry to expire d from now.
func (s *Store) SetExpiration(guid string, d time.Duration) error {
	var err error
	uerr := s.update(func(st *shared) {
		e, ok := st.entries[guid]
		if !ok {
			err = fmt.Errorf("peer %s: %w", guid, ErrNotFound)
			return
		}
		e.Expires = time.Now().Add(d)
		st.entries[guid] = e
	})
	return errors.Join(err, uerr)
}

// Peers returns the GUIDs of all peers with entries, expired or not.
func (s *Store) Peers() []string {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	ret := make([]string, 0, len(s.s.entries))
	for g := range maps.Keys(s.s.entries) {
		ret = append(ret, g)
	}
	return ret
}

// Reload rereads the store's file, picking up changes written by
// other processes.
func (s *Store) Reload() error {
	st, err := s.state()
	if err != nil {
		return err
	}
	if st.path == "" {
		return nil
	}
	return st.load()
}

func (s *Store) update(fn func(*shared)) error {
	st, err := s.state()
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st)
	if st.path == "" {
		return nil
	}
	return st.saveLocked()
}

func (s *shared) load() error {
	bs, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if s.opts.Password != "" {
		id, err := age.NewScryptIdentity(s.opts.Password)
		if err != nil {
			return err
		}
		r, err := age.Decrypt(bytes.NewReader(bs), id)
		if err != nil {
			return fmt.Errorf("decrypting key store %s: %w", s.path, err)
		}
		if bs, err = io.ReadAll(r); err != nil {
			return fmt.Errorf("decrypting key store %s: %w", s.path, err)
		}
	}

	if len(bs) < 32 {
		return fmt.Errorf("%w: %s is too short", ErrCorrupt, s.path)
	}
	doc, sum := bs[:len(bs)-32], bs[len(bs)-32:]
	if want := blake3.Sum256(doc); !bytes.Equal(sum, want[:]) {
		return fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, s.path)
	}
	var f fileFormat
	if err := cbor.Unmarshal(doc, &f); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, s.path, err)
	}
	if f.Version != fileVersion {
		return fmt.Errorf("%w: %s has unknown version %d", ErrCorrupt, s.path, f.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f.GUID != "" {
		s.guid = f.GUID
	}
	s.entries = f.Entries
	if s.entries == nil {
		s.entries = map[string]Entry{}
	}
	s.log.Debug("loaded key store", "path", s.path, "peers", len(s.entries))
	return nil
}

func (s *shared) saveLocked() error {
	doc, err := cbor.Marshal(fileFormat{
		Version: fileVersion,
		GUID:    s.guid,
		Entries: s.entries,
	})
	if err != nil {
		return err
	}
	sum := blake3.Sum256(doc)
	out := append(doc, sum[:]...)

	if s.opts.Password != "" {
		r, err := age.NewScryptRecipient(s.opts.Password)
		if err != nil {
			return err
		}
		if s.opts.ScryptWorkFactor > 0 {
			r.SetWorkFactor(s.opts.ScryptWorkFactor)
		}
		var buf bytes.Buffer
		w, err := age.Encrypt(&buf, r)
		if err != nil {
			return err
		}
		if _, err := w.Write(out); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		out = buf.Bytes()
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
