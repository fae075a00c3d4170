package alljoyn

import (
	"context"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
)

const maxWatcherQueue = 20

// Watch watches the bus for signals from other bus participants.
//
// A newly created Watcher delivers no signals. The caller must use
// [Watcher.Match] to specify which signals the Watcher should
// provide.
func (c *Conn) Watch() *Watcher {
	w := &Watcher{
		conn:        c,
		signals:     make(chan *Signal),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		matches:     mapset.New[*Match](),
	}
	go w.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers.Add(w)
	return w
}

// A Watcher delivers signals received from the bus that match its
// filters.
type Watcher struct {
	conn     *Conn
	signals  chan *Signal
	wakePump chan struct{}

	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[*Signal]
	matches mapset.Set[*Match]
}

// Signal is a signal received from a bus peer.
type Signal struct {
	// Sender is the unique name of the emitter.
	Sender string
	// Path is the object that emitted the signal.
	Path ObjectPath
	// Interface and Member name the signal.
	Interface string
	Member    string
	// SessionID is the session the signal was sent in, or zero.
	SessionID SessionID
	// Sessionless reports whether the signal was sent sessionless.
	Sessionless bool
	// Args is the signal payload.
	Args []any
	// Overflow reports that the watcher discarded some signals that
	// followed this one, due to the caller not processing delivered
	// signals fast enough.
	Overflow bool
}

// Scan assigns the signal arguments to dst, as with [Scan].
func (s *Signal) Scan(dst ...any) error {
	return Scan(s.Args, dst...)
}

// Close shuts down the Watcher.
func (w *Watcher) Close() {
	select {
	case <-w.pumpStopped:
		return
	default:
	}

	close(w.stopPump)
	<-w.pumpStopped

	w.conn.mu.Lock()
	w.conn.watchers.Remove(w)
	w.conn.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	for m := range w.matches {
		w.conn.removeMatch(context.Background(), m)
	}
	w.matches.Clear()
	w.queue.Clear()
}

// Chan returns the channel on which signals are delivered.
//
// The caller must drain this channel of new signals promptly, to
// avoid overflowing the Watcher's receive queue and losing signals of
// interest. Missing signals due to an overflow are indicated by the
// Overflow field of the [Signal] that immediately precedes the
// discarded signal(s).
func (w *Watcher) Chan() <-chan *Signal {
	return w.signals
}

// Match requests delivery of signals that match the rule m.
//
// Matches are additive: a signal is delivered if it matches any of
// the Watcher's match rules.
//
// If the match is added successfully, the returned remove function
// may be used to remove the match without affecting other
// matches. Use of remove is optional, and may be ignored if the set
// of matches doesn't need to change for the lifetime of the Watcher.
//
// Matches added while the Conn is disconnected take effect when it
// connects.
func (w *Watcher) Match(m *Match) (remove func(), err error) {
	if w.conn.IsConnected() {
		if err = w.conn.addMatch(context.Background(), m); err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.matches.Add(m)
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.matches.Has(m) {
			w.conn.removeMatch(context.Background(), m)
			w.matches.Remove(m)
		}
	}, nil
}

func (w *Watcher) activeMatches() []*Match {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.matches.Slice()
}

func (w *Watcher) enqueueLocked(s Signal) {
	if w.queue.Len() >= maxWatcherQueue {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}

	w.queue.Add(&s)
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) deliver(sig *Signal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.pumpStopped:
		// raced with a Close, this watcher is done.
		return
	default:
	}

	want := func() bool {
		for m := range w.matches {
			if m.Matches(sig) {
				return true
			}
		}
		return false
	}()
	if !want {
		return
	}

	w.enqueueLocked(*sig)
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Signal {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			return
		}
	}
}

func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	_, err := c.busCall(ctx, BusPath, BusInterface, "AddMatch", "s", m.filterString())
	return err
}

func (c *Conn) removeMatch(ctx context.Context, m *Match) error {
	if !c.IsConnected() {
		return nil
	}
	_, err := c.busCall(ctx, BusPath, BusInterface, "RemoveMatch", "s", m.filterString())
	return err
}
