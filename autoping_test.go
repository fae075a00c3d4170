package alljoyn_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danderson/alljoyn"
	"github.com/danderson/alljoyn/bustest"
)

const pingInterval = 20 * time.Millisecond

// expectNoPing fails the test if events delivers anything within a
// few ping intervals.
func expectNoPing(t *testing.T, events pingRecorder) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected ping event %+v", ev)
	case <-time.After(10 * pingInterval):
	}
}

func expectPing(t *testing.T, events pingRecorder, want pingEvent) {
	t.Helper()
	select {
	case got := <-events:
		if got != want {
			t.Fatalf("got ping event %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for ping event %+v", want)
	}
}

func TestAutoPingerUnknownGroup(t *testing.T) {
	bus := bustest.New(t, false)
	p := alljoyn.NewAutoPinger(bus.MustConn(t))
	defer p.Close()

	if err := p.AddDestination("nope", ":1.1"); !errors.Is(err, alljoyn.ErrPingGroupNotFound) {
		t.Errorf("AddDestination on unknown group returned %v, want ErrPingGroupNotFound", err)
	}
	if err := p.RemoveDestination("nope", ":1.1", false); !errors.Is(err, alljoyn.ErrPingGroupNotFound) {
		t.Errorf("RemoveDestination on unknown group returned %v, want ErrPingGroupNotFound", err)
	}
	if err := p.SetPingInterval("nope", time.Second); !errors.Is(err, alljoyn.ErrPingGroupNotFound) {
		t.Errorf("SetPingInterval on unknown group returned %v, want ErrPingGroupNotFound", err)
	}
	if err := p.RemovePingGroup("nope"); !errors.Is(err, alljoyn.ErrPingGroupNotFound) {
		t.Errorf("RemovePingGroup on unknown group returned %v, want ErrPingGroupNotFound", err)
	}
	if err := p.AddPingGroup("g", make(pingRecorder), 0); err == nil {
		t.Error("AddPingGroup with zero interval succeeded")
	}
}

func TestAutoPingerReferenceCounts(t *testing.T) {
	bus := bustest.New(t, false)
	target := bus.MustConn(t)
	p := alljoyn.NewAutoPinger(bus.MustConn(t))
	defer p.Close()
	p.SetPingTimeout(time.Second)

	events := make(pingRecorder, 10)
	if err := p.AddPingGroup("g", events, pingInterval); err != nil {
		t.Fatal(err)
	}
	dest := target.UniqueName()
	for range 2 {
		if err := p.AddDestination("g", dest); err != nil {
			t.Fatalf("AddDestination failed: %v", err)
		}
	}
	expectPing(t, events, pingEvent{"g", dest, true})
	expectNoPing(t, events)

	// One reference remains, so dest is still pinged.
	if err := p.RemoveDestination("g", dest, false); err != nil {
		t.Fatalf("RemoveDestination failed: %v", err)
	}
	target.Close()
	expectPing(t, events, pingEvent{"g", dest, false})
	expectNoPing(t, events)

	if err := p.RemoveDestination("g", dest, false); err != nil {
		t.Fatalf("RemoveDestination failed: %v", err)
	}
	if err := p.RemoveDestination("g", dest, false); err != nil {
		t.Fatalf("RemoveDestination of absent destination failed: %v", err)
	}
}

func TestAutoPingerPause(t *testing.T) {
	bus := bustest.New(t, false)
	target := bus.MustConn(t)
	p := alljoyn.NewAutoPinger(bus.MustConn(t))
	defer p.Close()

	events := make(pingRecorder, 10)
	if err := p.AddPingGroup("g", events, pingInterval); err != nil {
		t.Fatal(err)
	}
	p.Pause()
	p.Pause()
	if err := p.AddDestination("g", target.UniqueName()); err != nil {
		t.Fatal(err)
	}
	expectNoPing(t, events)

	p.Resume()
	expectPing(t, events, pingEvent{"g", target.UniqueName(), true})
	p.Resume()
	expectNoPing(t, events)
}

type guardedRecorder struct {
	pingRecorder
	removed *atomic.Bool
	t       *testing.T
}

func (r guardedRecorder) DestinationFound(group, dest string) {
	if r.removed.Load() {
		r.t.Errorf("DestinationFound(%s, %s) on a retired listener", group, dest)
	}
	r.pingRecorder.DestinationFound(group, dest)
}

func (r guardedRecorder) DestinationLost(group, dest string) {
	if r.removed.Load() {
		r.t.Errorf("DestinationLost(%s, %s) on a retired listener", group, dest)
	}
	r.pingRecorder.DestinationLost(group, dest)
}

func TestAutoPingerRemoveGroup(t *testing.T) {
	bus := bustest.New(t, false)
	target := bus.MustConn(t)
	p := alljoyn.NewAutoPinger(bus.MustConn(t))
	defer p.Close()

	var removed atomic.Bool
	events := make(pingRecorder, 100)
	l := guardedRecorder{events, &removed, t}
	if err := p.AddPingGroup("g", l, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := p.AddDestination("g", target.UniqueName()); err != nil {
		t.Fatal(err)
	}
	expectPing(t, events, pingEvent{"g", target.UniqueName(), true})

	if err := p.RemovePingGroup("g"); err != nil {
		t.Fatalf("RemovePingGroup failed: %v", err)
	}
	removed.Store(true)
	target.Close()
	time.Sleep(10 * pingInterval)

	if err := p.AddDestination("g", target.UniqueName()); !errors.Is(err, alljoyn.ErrPingGroupNotFound) {
		t.Errorf("AddDestination after removal returned %v, want ErrPingGroupNotFound", err)
	}
}

func TestAutoPingerNewDestinationPingedAtOnce(t *testing.T) {
	bus := bustest.New(t, false)
	target := bus.MustConn(t)
	p := alljoyn.NewAutoPinger(bus.MustConn(t))
	defer p.Close()

	events := make(pingRecorder, 10)
	if err := p.AddPingGroup("g", events, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := p.AddDestination("g", target.UniqueName()); err != nil {
		t.Fatal(err)
	}
	expectPing(t, events, pingEvent{"g", target.UniqueName(), true})
}

func TestAutoPingerReplaceListener(t *testing.T) {
	bus := bustest.New(t, false)
	target := bus.MustConn(t)
	p := alljoyn.NewAutoPinger(bus.MustConn(t))
	defer p.Close()
	p.SetPingTimeout(time.Second)

	var replaced atomic.Bool
	first := make(pingRecorder, 10)
	if err := p.AddPingGroup("g", guardedRecorder{first, &replaced, t}, pingInterval); err != nil {
		t.Fatal(err)
	}
	if err := p.AddDestination("g", target.UniqueName()); err != nil {
		t.Fatal(err)
	}
	expectPing(t, first, pingEvent{"g", target.UniqueName(), true})

	second := make(pingRecorder, 10)
	if err := p.AddPingGroup("g", second, pingInterval); err != nil {
		t.Fatal(err)
	}
	replaced.Store(true)
	target.Close()
	expectPing(t, second, pingEvent{"g", target.UniqueName(), false})
	expectNoPing(t, first)
}
