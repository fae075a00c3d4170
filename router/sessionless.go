package router

import (
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/mapset"
	"github.com/danderson/alljoyn"
)

type sessionlessKey struct {
	sender string
	serial uint32
}

// storedSignal is a sessionless signal awaiting delivery.
type storedSignal struct {
	key     sessionlessKey
	msg     *alljoyn.Message
	sig     *alljoyn.Signal
	expires time.Time
	gone    bool
	// sent are the endpoints the signal was delivered to.
	sent mapset.Set[string]
}

// sessionlessStore holds sessionless signals until they expire or
// their sender cancels them.
type sessionlessStore struct {
	byKey  map[sessionlessKey]*storedSignal
	expiry *heapq.Queue[*storedSignal]
}

func newSessionlessStore() *sessionlessStore {
	return &sessionlessStore{
		byKey: map[sessionlessKey]*storedSignal{},
		expiry: heapq.New(func(a, b *storedSignal) int {
			return a.expires.Compare(b.expires)
		}),
	}
}

func (s *sessionlessStore) len() int { return len(s.byKey) }

// add stores msg. Signals without a TTL are kept for defaultTTL.
func (s *sessionlessStore) add(msg *alljoyn.Message, defaultTTL Duration) *storedSignal {
	ttl := msg.TTLDuration()
	if ttl == 0 {
		ttl = time.Duration(defaultTTL)
	}
	st := &storedSignal{
		key:     sessionlessKey{msg.Sender, msg.Serial},
		msg:     msg,
		sig:     signalOf(msg),
		expires: msg.Created.Add(ttl),
		sent:    mapset.New[string](),
	}
	if old := s.byKey[st.key]; old != nil {
		old.gone = true
	}
	s.byKey[st.key] = st
	s.expiry.Add(st)
	return st
}

// cancel withdraws a stored signal, and reports whether there was
// one.
func (s *sessionlessStore) cancel(sender string, serial uint32) bool {
	k := sessionlessKey{sender, serial}
	st := s.byKey[k]
	if st == nil {
		return false
	}
	st.gone = true
	delete(s.byKey, k)
	return true
}

// prune drops signals that expired by now, and returns how many it
// dropped.
func (s *sessionlessStore) prune(now time.Time) int {
	n := 0
	for !s.expiry.IsEmpty() {
		st, _ := s.expiry.Pop()
		if st.gone {
			continue
		}
		if st.expires.After(now) {
			s.expiry.Add(st)
			break
		}
		st.gone = true
		delete(s.byKey, st.key)
		n++
	}
	return n
}

// each calls fn for every live stored signal.
func (s *sessionlessStore) each(fn func(*storedSignal)) {
	now := time.Now()
	for _, st := range s.byKey {
		if st.expires.After(now) {
			fn(st)
		}
	}
}

// offerLocked delivers st to ep, if ep has a sessionless match rule
// for it and has not received it yet.
func (r *Router) offerLocked(ep *endpoint, st *storedSignal) {
	if st.sent.Has(ep.name) || ep.name == st.key.sender {
		return
	}
	for _, rule := range ep.rules {
		if rule.match.WantsSessionless() && rule.match.Matches(st.sig) {
			st.sent.Add(ep.name)
			ep.send(st.msg)
			return
		}
	}
}

func (r *Router) cancelSessionless(from *endpoint, call *alljoyn.Message, args []any) error {
	var serial uint32
	if err := scan(args, &serial); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sessionless.cancel(from.name, serial) {
		r.reply(from, call, "u", uint32(statusFailed))
		return nil
	}
	r.metrics.sessionless.Set(float64(r.sessionless.len()))
	r.reply(from, call, "u", uint32(statusSuccess))
	return nil
}
