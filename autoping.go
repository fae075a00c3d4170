package alljoyn

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultPingTimeout is how long each AutoPinger ping waits for an
// answer.
const DefaultPingTimeout = 5 * time.Second

// PingListener is notified when destinations of a ping group change
// reachability.
type PingListener interface {
	DestinationFound(group, dest string)
	DestinationLost(group, dest string)
}

// AutoPinger periodically pings groups of destinations and reports
// when they become reachable or unreachable.
//
// Listener methods are called from the group's goroutine. They must
// not call AddPingGroup, RemovePingGroup or Close.
type AutoPinger struct {
	c       *Conn
	timeout time.Duration

	mu     sync.Mutex
	paused bool
	closed bool
	groups map[string]*pingGroup
}

type pingState int

const (
	pingUnknown pingState = iota
	pingAlive
	pingDead
)

type pingDest struct {
	refs  int
	state pingState
}

type pingGroup struct {
	name     string
	ctx      context.Context
	cancel   context.CancelFunc
	reset    chan struct{}
	done     chan struct{}

	// Guarded by AutoPinger.mu.
	interval time.Duration
	dests    map[string]*pingDest

	// cbMu is held while the listener runs. removed is set under it
	// so that no callback starts after RemovePingGroup.
	cbMu     sync.Mutex
	listener PingListener
	removed  bool
}

// NewAutoPinger returns an AutoPinger that pings through c.
func NewAutoPinger(c *Conn) *AutoPinger {
	return &AutoPinger{
		c:       c,
		timeout: DefaultPingTimeout,
		groups:  map[string]*pingGroup{},
	}
}

// SetPingTimeout sets how long each ping waits for an answer.
func (p *AutoPinger) SetPingTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d <= 0 {
		d = DefaultPingTimeout
	}
	p.timeout = d
}

// AddPingGroup creates a group of destinations pinged every
// interval, whose changes are reported to l. Adding an existing group
// replaces its listener and interval. Once it returns, the old
// listener is not called again.
func (p *AutoPinger) AddPingGroup(group string, l PingListener, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %v", interval)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("AutoPinger is closed")
	}
	if g, ok := p.groups[group]; ok {
		g.interval = interval
		p.mu.Unlock()
		// The running listener may be waiting for p.mu, so only wait
		// for it after releasing p.mu.
		g.cbMu.Lock()
		g.listener = l
		g.cbMu.Unlock()
		g.kick()
		return nil
	}
	defer p.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	g := &pingGroup{
		name:     group,
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
		reset:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		interval: interval,
		dests:    map[string]*pingDest{},
	}
	p.groups[group] = g
	go p.run(g)
	return nil
}

// RemovePingGroup stops probing a group. Once it returns, the group's
// listener is not called again.
func (p *AutoPinger) RemovePingGroup(group string) error {
	p.mu.Lock()
	g, ok := p.groups[group]
	delete(p.groups, group)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("removing %q: %w", group, ErrPingGroupNotFound)
	}
	g.stop()
	return nil
}

// SetPingInterval changes how often a group is pinged.
func (p *AutoPinger) SetPingInterval(group string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %v", interval)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[group]
	if !ok {
		return fmt.Errorf("setting interval of %q: %w", group, ErrPingGroupNotFound)
	}
	g.interval = interval
	g.kick()
	return nil
}

// AddDestination adds dest to a group, and pings it without waiting
// for the group's interval. Destinations are reference counted: adding
// one twice pings it once, and it stays until removed as many times.
func (p *AutoPinger) AddDestination(group, dest string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[group]
	if !ok {
		return fmt.Errorf("adding %s to %q: %w", dest, group, ErrPingGroupNotFound)
	}
	d := g.dests[dest]
	if d == nil {
		d = &pingDest{}
		g.dests[dest] = d
		g.kick()
	}
	d.refs++
	return nil
}

// RemoveDestination drops one reference to dest from a group, or all
// of them if removeAll is set. The destination stops being pinged
// when no references remain.
func (p *AutoPinger) RemoveDestination(group, dest string, removeAll bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[group]
	if !ok {
		return fmt.Errorf("removing %s from %q: %w", dest, group, ErrPingGroupNotFound)
	}
	d := g.dests[dest]
	if d == nil {
		return nil
	}
	d.refs--
	if removeAll || d.refs <= 0 {
		delete(g.dests, dest)
	}
	return nil
}

// Pause stops all pinging until Resume. Pausing a paused AutoPinger
// does nothing.
func (p *AutoPinger) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume restarts pinging after Pause. Resume undoes any number of
// Pause calls.
func (p *AutoPinger) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	for _, g := range p.groups {
		g.kick()
	}
}

// Close removes all groups and stops pinging.
func (p *AutoPinger) Close() {
	p.mu.Lock()
	groups := p.groups
	p.groups = map[string]*pingGroup{}
	p.closed = true
	p.mu.Unlock()
	for _, g := range groups {
		g.stop()
	}
}

// kick makes g ping its destinations now, and restart its interval.
func (g *pingGroup) kick() {
	select {
	case g.reset <- struct{}{}:
	default:
	}
}

func (g *pingGroup) stop() {
	g.cbMu.Lock()
	g.removed = true
	g.cbMu.Unlock()
	g.cancel()
	<-g.done
}

func (p *AutoPinger) run(g *pingGroup) {
	defer close(g.done)
	p.mu.Lock()
	t := time.NewTimer(g.interval)
	p.mu.Unlock()
	defer t.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-g.reset:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			p.pingAll(g)
		case <-t.C:
			p.pingAll(g)
		}
		p.mu.Lock()
		t.Reset(g.interval)
		p.mu.Unlock()
	}
}

// pingAll pings every destination of g once, concurrently, and
// reports the destinations whose state changed.
func (p *AutoPinger) pingAll(g *pingGroup) {
	p.mu.Lock()
	if p.paused || len(g.dests) == 0 {
		p.mu.Unlock()
		return
	}
	timeout := p.timeout
	dests := make([]string, 0, len(g.dests))
	for d := range g.dests {
		dests = append(dests, d)
	}
	p.mu.Unlock()

	alive := make([]bool, len(dests))
	var wg sync.WaitGroup
	for i, d := range dests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(g.ctx, timeout)
			defer cancel()
			alive[i] = p.c.Ping(ctx, d, timeout) == nil
		}()
	}
	wg.Wait()
	if g.ctx.Err() != nil {
		return
	}

	type change struct {
		dest  string
		alive bool
	}
	var changes []change
	p.mu.Lock()
	for i, name := range dests {
		d := g.dests[name]
		if d == nil {
			// Removed while the pings ran.
			continue
		}
		want := pingDead
		if alive[i] {
			want = pingAlive
		}
		if d.state != want {
			d.state = want
			changes = append(changes, change{name, alive[i]})
		}
	}
	p.mu.Unlock()

	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	for _, ch := range changes {
		if g.removed || g.listener == nil {
			return
		}
		if ch.alive {
			g.listener.DestinationFound(g.name, ch.dest)
		} else {
			g.listener.DestinationLost(g.name, ch.dest)
		}
	}
}
