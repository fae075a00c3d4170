// Package bustest provides a helper to run an isolated bus router in
// tests.
package bustest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danderson/alljoyn"
	"github.com/danderson/alljoyn/router"
)

var busCount atomic.Uint64

// Bus is an isolated in-process router for tests.
type Bus struct {
	r    *router.Router
	addr string
	log  *slog.Logger
}

// New starts a router dedicated to the calling test, and stops it
// when the test ends.
//
// If logTraffic is true, the router and the connections made with
// MustConn log at debug level using t.Log.
func New(t testing.TB, logTraffic bool) *Bus {
	t.Helper()
	level := slog.LevelWarn
	if logTraffic {
		level = slog.LevelDebug
	}
	return newBus(t, level, router.Config{})
}

// NewWithConfig is like New, but runs the router with cfg. The
// router logs warnings and errors to t.Log unless cfg sets a Logger.
func NewWithConfig(t testing.TB, cfg router.Config) *Bus {
	t.Helper()
	return newBus(t, slog.LevelWarn, cfg)
}

func newBus(t testing.TB, level slog.Level, cfg router.Config) *Bus {
	t.Helper()
	lw := newLogWriter(t)
	log := slog.New(slog.NewTextHandler(lw, &slog.HandlerOptions{Level: level}))
	if cfg.Logger == nil {
		cfg.Logger = log.With("component", "router")
	}

	name := fmt.Sprintf("bustest-%d", busCount.Add(1))
	r := router.New(cfg)
	if err := r.ListenNull(name); err != nil {
		t.Fatalf("starting test router: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		lw.Flush()
	})
	return &Bus{
		r:    r,
		addr: "null:name=" + name,
		log:  log,
	}
}

// Addr returns the bus address of the router.
func (b *Bus) Addr() string { return b.addr }

// Router returns the test router.
func (b *Bus) Router() *router.Router { return b.r }

// Conn returns an unconnected Conn that logs like the bus. The Conn
// is closed when the test ends.
func (b *Bus) Conn(t testing.TB, opts alljoyn.Options) *alljoyn.Conn {
	if opts.Logger == nil {
		opts.Logger = b.log.With("component", "conn")
	}
	ret := alljoyn.NewConn(opts)
	t.Cleanup(func() { ret.Close() })
	return ret
}

// MustConn returns a connection to the bus. It causes an immediate
// test failure with t.Fatal if it is unable to connect.
func (b *Bus) MustConn(t testing.TB) *alljoyn.Conn {
	t.Helper()
	ret := b.Conn(t, alljoyn.Options{})
	b.MustConnect(t, ret)
	return ret
}

// MustConnect connects c to the bus, failing the test if it cannot.
func (b *Bus) MustConnect(t testing.TB, c *alljoyn.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx, b.addr); err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
}

// logWriter sends complete lines written to it to t.Log.
type logWriter struct {
	t testing.TB

	mu   sync.Mutex
	done bool
	buf  bytes.Buffer
}

func newLogWriter(t testing.TB) *logWriter {
	return &logWriter{t: t}
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		// Logging after a test completes panics.
		return len(bs), nil
	}
	l.buf.Write(bs)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := l.buf.Next(i + 1)
		l.t.Log(string(line[:i]))
	}
	return len(bs), nil
}

// Flush logs any incomplete line, and stops logging.
func (l *logWriter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.t.Log(l.buf.String())
		l.buf.Reset()
	}
	l.done = true
}
