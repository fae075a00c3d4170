package alljoyn

import (
	"context"
	"fmt"
	"time"
)

// NameFlags are the flags of [Conn.RequestName].
type NameFlags uint32

const (
	// NameFlagAllowReplacement lets a later request with
	// NameFlagReplaceExisting take the name from this owner.
	NameFlagAllowReplacement NameFlags = 0x1
	// NameFlagReplaceExisting takes the name from its current
	// owner, if the owner allowed replacement.
	NameFlagReplaceExisting NameFlags = 0x2
	// NameFlagDoNotQueue fails the request rather than queueing it
	// when the name is owned.
	NameFlagDoNotQueue NameFlags = 0x4
)

// RequestNameReply is the outcome of [Conn.RequestName].
type RequestNameReply uint32

const (
	PrimaryOwner RequestNameReply = 1
	InQueue      RequestNameReply = 2
	Exists       RequestNameReply = 3
	AlreadyOwner RequestNameReply = 4
)

func (r RequestNameReply) String() string {
	switch r {
	case PrimaryOwner:
		return "PrimaryOwner"
	case InQueue:
		return "InQueue"
	case Exists:
		return "Exists"
	case AlreadyOwner:
		return "AlreadyOwner"
	default:
		return fmt.Sprintf("RequestNameReply(%d)", uint32(r))
	}
}

// ReleaseNameReply is the outcome of [Conn.ReleaseName].
type ReleaseNameReply uint32

const (
	Released    ReleaseNameReply = 1
	NonExistent ReleaseNameReply = 2
	NotOwner    ReleaseNameReply = 3
)

func (r ReleaseNameReply) String() string {
	switch r {
	case Released:
		return "Released"
	case NonExistent:
		return "NonExistent"
	case NotOwner:
		return "NotOwner"
	default:
		return fmt.Sprintf("ReleaseNameReply(%d)", uint32(r))
	}
}

// RequestName asks the router for ownership of a well-known name.
//
// The first requester of a name becomes its primary owner. Later
// requesters queue behind the owner, unless they set
// NameFlagDoNotQueue, or take over with NameFlagReplaceExisting if
// the owner set NameFlagAllowReplacement.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameFlags) (RequestNameReply, error) {
	if !ValidInterfaceName(name) {
		return 0, fmt.Errorf("invalid bus name %q", name)
	}
	ret, err := scanOne[uint32](c.busCall(ctx, BusPath, BusInterface, "RequestName", "su", name, uint32(flags)))
	return RequestNameReply(ret), err
}

// ReleaseName gives up ownership of, or a queued request for, a
// well-known name. The next queued requester becomes the owner.
func (c *Conn) ReleaseName(ctx context.Context, name string) (ReleaseNameReply, error) {
	ret, err := scanOne[uint32](c.busCall(ctx, BusPath, BusInterface, "ReleaseName", "s", name))
	return ReleaseNameReply(ret), err
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	return scanOne[bool](c.busCall(ctx, BusPath, BusInterface, "NameHasOwner", "s", name))
}

// GetNameOwner returns the unique name of the owner of name. It fails
// with [ErrNoSuchName] if the name has no owner.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	return scanOne[string](c.busCall(ctx, BusPath, BusInterface, "GetNameOwner", "s", name))
}

// ListNames returns all names currently owned on the bus, unique
// names included.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	return scanOne[[]string](c.busCall(ctx, BusPath, BusInterface, "ListNames", ""))
}

// ListQueuedOwners returns the owner of name followed by the queued
// requesters, in the order they would succeed it.
func (c *Conn) ListQueuedOwners(ctx context.Context, name string) ([]string, error) {
	return scanOne[[]string](c.busCall(ctx, BusPath, BusInterface, "ListQueuedOwners", "s", name))
}

// Ping results of the router's Ping method.
const (
	pingSuccess     = 1
	pingFailed      = 2
	pingUnreachable = 3
	pingUnknownName = 4
	pingTimeout     = 5
)

// Ping asks the router to check that name is reachable and
// responsive. A zero timeout uses the Conn's call timeout.
func (c *Conn) Ping(ctx context.Context, name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}
	msg := NewMethodCall(BusName, AllJoynPath, AllJoynInterface, "Ping")
	if err := msg.SetBody("su", name, uint32(timeout.Milliseconds())); err != nil {
		return err
	}
	// Give the router time to report its own timeout.
	reply, err := c.call(ctx, msg, callOptions{timeout: timeout + time.Second})
	if err != nil {
		return err
	}
	args, err := reply.Args()
	if err != nil {
		return err
	}
	var status uint32
	if err := Scan(args, &status); err != nil {
		return err
	}
	switch status {
	case pingSuccess:
		return nil
	case pingUnreachable:
		return fmt.Errorf("pinging %s: %w", name, ErrUnreachable)
	case pingUnknownName:
		return fmt.Errorf("pinging %s: %w", name, ErrNoSuchName)
	case pingTimeout:
		return fmt.Errorf("pinging %s: %w", name, ErrTimedOut)
	default:
		return fmt.Errorf("pinging %s: %w", name, ErrPingFailed)
	}
}

// Claim requests ownership of a bus name, and tracks ownership as it
// changes.
//
// Bus names may have multiple active claims by different clients, but
// only one active owner at a time. The [ClaimOptions] set by each
// claimant determines the owner and rules of succession.
//
// Claiming a name does not guarantee ownership of the name. Callers
// must monitor [Claim.Chan] to find out if and when the name gets
// assigned to them.
func (c *Conn) Claim(ctx context.Context, name string, opts ClaimOptions) (*Claim, error) {
	ret := &Claim{
		c:           c,
		w:           c.Watch(),
		owner:       make(chan bool, 1),
		name:        name,
		pumpStopped: make(chan struct{}),
	}
	for _, member := range []string{SignalNameAcquired, SignalNameLost} {
		m := MatchSignal(BusInterface, member).Sender(BusName).ArgStr(0, name)
		if _, err := ret.w.Match(m); err != nil {
			ret.w.Close()
			return nil, err
		}
	}

	if err := ret.Request(ctx, opts); err != nil {
		ret.w.Close()
		return nil, err
	}

	go ret.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims.Add(ret)
	return ret, nil
}

// ClaimOptions are the options for a [Claim] to a bus name.
type ClaimOptions struct {
	// AllowReplacement is whether to allow another request that sets
	// TryReplace to take over ownership.
	AllowReplacement bool
	// TryReplace is whether to attempt to replace the current owner,
	// if the name already has an owner.
	//
	// Replacement is only permitted if the current owner made its
	// claim with the AllowReplacement option set. Otherwise, the
	// request for ownership joins the backup queue or returns an
	// error, depending on the NoQueue setting.
	TryReplace bool
	// NoQueue, if set, causes this claim to never join the backup
	// queue for any reason.
	NoQueue bool
}

func (o ClaimOptions) flags() NameFlags {
	var ret NameFlags
	if o.AllowReplacement {
		ret |= NameFlagAllowReplacement
	}
	if o.TryReplace {
		ret |= NameFlagReplaceExisting
	}
	if o.NoQueue {
		ret |= NameFlagDoNotQueue
	}
	return ret
}

// Claim is a claim to ownership of a bus name.
type Claim struct {
	c     *Conn
	w     *Watcher
	owner chan bool
	name  string

	pumpStopped chan struct{}

	last bool
}

// Request makes a new request to the bus for the claimed name.
//
// If this Claim is the current owner, Request updates the
// AllowReplacement and NoQueue settings without relinquishing
// ownership.
func (c *Claim) Request(ctx context.Context, opts ClaimOptions) error {
	reply, err := c.c.RequestName(ctx, c.name, opts.flags())
	if err != nil {
		return err
	}
	if reply == Exists {
		return fmt.Errorf("name %s is owned by another connection", c.name)
	}
	return nil
}

// Close abandons the claim.
//
// If the claim is the current owner of the bus name, ownership is
// lost and may be passed on to another claimant.
func (c *Claim) Close() error {
	select {
	case <-c.pumpStopped:
		return nil
	default:
	}

	c.w.Close()
	<-c.pumpStopped

	// One final send to report loss of ownership, before closing the
	// chan
	c.send(false)
	close(c.owner)

	if !c.c.IsConnected() {
		return nil
	}
	_, err := c.c.ReleaseName(context.Background(), c.name)
	return err
}

// Name returns the claim's bus name.
func (c *Claim) Name() string { return c.name }

// Chan returns a channel that reports whether this claim is the
// current owner of the bus name.
func (c *Claim) Chan() <-chan bool { return c.owner }

func (c *Claim) send(isOwner bool) {
	select {
	case c.owner <- isOwner:
	case <-c.owner:
		c.owner <- isOwner
	}
}

func (c *Claim) pump() {
	defer close(c.pumpStopped)
	for sig := range c.w.Chan() {
		switch sig.Member {
		case SignalNameAcquired:
			c.last = true
		case SignalNameLost:
			c.last = false
		default:
			continue
		}
		c.send(c.last)
	}
}
