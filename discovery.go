package alljoyn

import (
	"context"
	"fmt"
	"slices"
)

// DiscoveryEvent reports a well-known name advertisement appearing or
// disappearing.
type DiscoveryEvent struct {
	// Name is the advertised name.
	Name string
	// Prefix is the discovery prefix that matched Name.
	Prefix string
	// Transports are the transports over which Name is reachable.
	Transports TransportMask
	// Found is true if the advertisement appeared, false if it went
	// away.
	Found bool
}

// DiscoveryListener receives discovery events for the prefixes
// passed to [Conn.FindAdvertisedName].
type DiscoveryListener interface {
	FoundAdvertisedName(name string, transports TransportMask, prefix string)
	LostAdvertisedName(name string, transports TransportMask, prefix string)
}

const discoveryTopic = "discovery"

// Router replies of the advertisement and discovery methods.
const (
	discoverySuccess = 1
	discoveryAlready = 2
)

// AdvertiseName advertises a well-known name over transports, so
// that peers searching for a matching prefix find it. The Conn should
// own the name.
func (c *Conn) AdvertiseName(ctx context.Context, name string, transports TransportMask) error {
	if !ValidInterfaceName(name) {
		return fmt.Errorf("invalid bus name %q", name)
	}
	status, err := scanOne[uint32](c.busCall(ctx, AllJoynPath, AllJoynInterface, "AdvertiseName", "sq", name, uint16(transports)))
	if err != nil {
		return err
	}
	switch status {
	case discoverySuccess:
		return nil
	case discoveryAlready:
		return fmt.Errorf("advertising %s: %w", name, ErrAlreadyAdvertising)
	default:
		return fmt.Errorf("advertising %s: router returned status %d", name, status)
	}
}

// CancelAdvertiseName stops advertising name.
func (c *Conn) CancelAdvertiseName(ctx context.Context, name string, transports TransportMask) error {
	status, err := scanOne[uint32](c.busCall(ctx, AllJoynPath, AllJoynInterface, "CancelAdvertiseName", "sq", name, uint16(transports)))
	if err != nil {
		return err
	}
	if status != discoverySuccess {
		return fmt.Errorf("canceling advertisement of %s: %w", name, ErrNotAdvertising)
	}
	return nil
}

// FindAdvertisedName starts discovery of names starting with prefix.
// Names already advertised are reported immediately, and later
// advertisements as they happen.
func (c *Conn) FindAdvertisedName(ctx context.Context, prefix string) error {
	status, err := scanOne[uint32](c.busCall(ctx, AllJoynPath, AllJoynInterface, "FindAdvertisedName", "s", prefix))
	if err != nil {
		return err
	}
	switch status {
	case discoverySuccess:
		return nil
	case discoveryAlready:
		return fmt.Errorf("finding %q: %w", prefix, ErrAlreadyDiscovering)
	default:
		return fmt.Errorf("finding %q: router returned status %d", prefix, status)
	}
}

// CancelFindAdvertisedName stops discovery of names starting with
// prefix.
func (c *Conn) CancelFindAdvertisedName(ctx context.Context, prefix string) error {
	status, err := scanOne[uint32](c.busCall(ctx, AllJoynPath, AllJoynInterface, "CancelFindAdvertisedName", "s", prefix))
	if err != nil {
		return err
	}
	if status != discoverySuccess {
		return fmt.Errorf("canceling find of %q: %w", prefix, ErrNotDiscovering)
	}
	return nil
}

// RegisterDiscoveryListener adds l to the listeners notified of
// discovery events. Listeners are called in the order events arrive,
// never concurrently.
func (c *Conn) RegisterDiscoveryListener(l DiscoveryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finders = append(c.finders, l)
}

// UnregisterDiscoveryListener removes a listener added with
// RegisterDiscoveryListener.
func (c *Conn) UnregisterDiscoveryListener(l DiscoveryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finders = slices.DeleteFunc(c.finders, func(x DiscoveryListener) bool { return x == l })
}

// DiscoveryEvents returns a channel of [DiscoveryEvent]s and a
// function to stop receiving them. Events that arrive while the
// channel is full are dropped.
func (c *Conn) DiscoveryEvents() (<-chan any, func()) {
	ch := c.events.Sub(discoveryTopic)
	return ch, func() { go c.events.Unsub(ch, discoveryTopic) }
}

func (c *Conn) discoveryEvent(ev DiscoveryEvent) {
	c.log.Debug("discovery event", "name", ev.Name, "prefix", ev.Prefix, "found", ev.Found)
	c.events.TryPub(ev, discoveryTopic)
	c.mu.Lock()
	ls := slices.Clone(c.finders)
	c.mu.Unlock()
	if len(ls) == 0 {
		return
	}
	c.callbacks.Add(func() {
		for _, l := range ls {
			if ev.Found {
				l.FoundAdvertisedName(ev.Name, ev.Transports, ev.Prefix)
			} else {
				l.LostAdvertisedName(ev.Name, ev.Transports, ev.Prefix)
			}
		}
	})
}
