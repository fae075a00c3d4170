package router_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/danderson/alljoyn"
	"github.com/danderson/alljoyn/bustest"
	"github.com/danderson/alljoyn/router"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it returns true or the test context
// expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// nextEvent returns the next event on ch, failing the test if none
// arrives promptly.
func nextEvent(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestNames(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	a, b := bus.MustConn(t), bus.MustConn(t)

	const name = "com.example.Names"
	if got, err := a.RequestName(ctx, name, 0); err != nil {
		t.Fatalf("a.RequestName: %v", err)
	} else if got != alljoyn.PrimaryOwner {
		t.Fatalf("a.RequestName = %v, want PrimaryOwner", got)
	}
	if got, err := b.RequestName(ctx, name, 0); err != nil {
		t.Fatalf("b.RequestName: %v", err)
	} else if got != alljoyn.InQueue {
		t.Fatalf("b.RequestName = %v, want InQueue", got)
	}

	queue, err := a.ListQueuedOwners(ctx, name)
	if err != nil {
		t.Fatalf("ListQueuedOwners: %v", err)
	}
	if diff := cmp.Diff(queue, []string{a.UniqueName(), b.UniqueName()}); diff != "" {
		t.Errorf("wrong queue (-got+want):\n%s", diff)
	}

	names, err := b.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	for _, want := range []string{alljoyn.BusName, name, a.UniqueName(), b.UniqueName()} {
		if !slices.Contains(names, want) {
			t.Errorf("ListNames() = %q, missing %q", names, want)
		}
	}

	if got, err := b.ReleaseName(ctx, "com.example.Other"); err != nil {
		t.Fatalf("ReleaseName of unowned name: %v", err)
	} else if got != alljoyn.NonExistent {
		t.Errorf("ReleaseName of unowned name = %v, want NonExistent", got)
	}

	if got, err := a.ReleaseName(ctx, name); err != nil {
		t.Fatalf("a.ReleaseName: %v", err)
	} else if got != alljoyn.Released {
		t.Fatalf("a.ReleaseName = %v, want Released", got)
	}
	owner, err := a.GetNameOwner(ctx, name)
	if err != nil {
		t.Fatalf("GetNameOwner: %v", err)
	}
	if owner != b.UniqueName() {
		t.Errorf("owner after release is %q, want %q", owner, b.UniqueName())
	}

	if _, err := a.GetNameOwner(ctx, "com.example.Nobody"); !errors.Is(err, alljoyn.ErrNoSuchName) {
		t.Errorf("GetNameOwner of unowned name: got err %v, want ErrNoSuchName", err)
	}
	if has, err := a.NameHasOwner(ctx, "com.example.Nobody"); err != nil || has {
		t.Errorf("NameHasOwner of unowned name = %v, %v, want false", has, err)
	}
}

func TestNamesOwnerDisconnects(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	a, b := bus.MustConn(t), bus.MustConn(t)

	const name = "com.example.Succession"
	if _, err := a.RequestName(ctx, name, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.RequestName(ctx, name, 0); err != nil {
		t.Fatal(err)
	}

	w := b.Watch()
	defer w.Close()
	if _, err := w.Match(alljoyn.MatchSignal(alljoyn.BusInterface, alljoyn.SignalNameOwnerChanged).ArgStr(0, name)); err != nil {
		t.Fatalf("adding match: %v", err)
	}

	aName := a.UniqueName()
	a.Close()

	select {
	case sig := <-w.Chan():
		var n, old, new string
		if err := sig.Scan(&n, &old, &new); err != nil {
			t.Fatalf("scanning NameOwnerChanged: %v", err)
		}
		if got, want := []string{n, old, new}, []string{name, aName, b.UniqueName()}; !slices.Equal(got, want) {
			t.Errorf("NameOwnerChanged%q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no NameOwnerChanged after owner disconnected")
	}

	if owner, err := b.GetNameOwner(ctx, name); err != nil || owner != b.UniqueName() {
		t.Errorf("GetNameOwner = %q, %v, want %q", owner, err, b.UniqueName())
	}
}

type portListener struct {
	accept bool
	joined chan alljoyn.SessionID
}

func (p *portListener) AcceptSessionJoiner(alljoyn.SessionPort, string, alljoyn.SessionOpts) bool {
	return p.accept
}

func (p *portListener) SessionJoined(_ alljoyn.SessionPort, id alljoyn.SessionID, _ string) {
	if p.joined != nil {
		p.joined <- id
	}
}

func TestSessionPointToPoint(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	host, joiner := bus.MustConn(t), bus.MustConn(t)

	pl := &portListener{accept: true, joined: make(chan alljoyn.SessionID, 1)}
	port, err := host.BindSessionPort(ctx, 42, alljoyn.DefaultSessionOpts, pl)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}
	if port != 42 {
		t.Fatalf("bound port %d, want 42", port)
	}
	if _, err := bus.MustConn(t).BindSessionPort(ctx, 42, alljoyn.DefaultSessionOpts, nil); err != nil {
		t.Fatalf("same port on another host: %v", err)
	}
	if _, err := host.BindSessionPort(ctx, 42, alljoyn.DefaultSessionOpts, nil); !errors.Is(err, alljoyn.ErrPortInUse) {
		t.Fatalf("rebinding port: got err %v, want ErrPortInUse", err)
	}

	sess, err := joiner.JoinSession(ctx, host.UniqueName(), port, alljoyn.DefaultSessionOpts, nil)
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if diff := cmp.Diff(sess.Members(), []string{host.UniqueName()}); diff != "" {
		t.Errorf("joiner sees wrong members (-got+want):\n%s", diff)
	}

	var id alljoyn.SessionID
	select {
	case id = <-pl.joined:
	case <-time.After(5 * time.Second):
		t.Fatal("host not told of joiner")
	}
	if id != sess.ID() {
		t.Fatalf("host saw session %d, joiner %d", id, sess.ID())
	}
	hosted, ok := host.Session(id)
	if !ok {
		t.Fatal("host has no record of session")
	}

	if _, err := joiner.JoinSession(ctx, host.UniqueName(), port, alljoyn.DefaultSessionOpts, nil); !errors.Is(err, alljoyn.ErrAlreadyJoined) {
		t.Errorf("second join: got err %v, want ErrAlreadyJoined", err)
	}

	evs, stop := hosted.Events()
	defer stop()
	if err := joiner.LeaveSession(ctx, sess.ID()); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}
	ev := nextEvent(t, evs)
	want := alljoyn.SessionEvent{
		Kind:    alljoyn.SessionLost,
		Session: id,
		Reason:  alljoyn.SessionLostRemoteEndLeftSession,
	}
	if diff := cmp.Diff(ev, any(want)); diff != "" {
		t.Errorf("wrong host event (-got+want):\n%s", diff)
	}
	if err := joiner.LeaveSession(ctx, sess.ID()); !errors.Is(err, alljoyn.ErrSessionNotFound) {
		t.Errorf("second leave: got err %v, want ErrSessionNotFound", err)
	}
}

func TestSessionHostDisconnects(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	host, joiner := bus.MustConn(t), bus.MustConn(t)

	port, err := host.BindSessionPort(ctx, alljoyn.SessionPortAny, alljoyn.DefaultSessionOpts, nil)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}
	if port < 0x8000 {
		t.Errorf("router allocated port %d, want a dynamic port", port)
	}
	sess, err := joiner.JoinSession(ctx, host.UniqueName(), port, alljoyn.DefaultSessionOpts, nil)
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	evs, stop := sess.Events()
	defer stop()

	host.Close()
	ev := nextEvent(t, evs).(alljoyn.SessionEvent)
	if ev.Kind != alljoyn.SessionLost || ev.Reason != alljoyn.SessionLostRemoteEndClosedAbruptly {
		t.Errorf("got event %+v, want session lost with closed abruptly", ev)
	}
}

func TestSessionJoinErrors(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	host, joiner := bus.MustConn(t), bus.MustConn(t)

	refuse, err := host.BindSessionPort(ctx, 1, alljoyn.DefaultSessionOpts, &portListener{accept: false})
	if err != nil {
		t.Fatal(err)
	}
	accept, err := host.BindSessionPort(ctx, 2, alljoyn.DefaultSessionOpts, nil)
	if err != nil {
		t.Fatal(err)
	}
	rawOpts := alljoyn.DefaultSessionOpts
	rawOpts.Traffic = alljoyn.TrafficRawReliable

	tests := []struct {
		name string
		host string
		port alljoyn.SessionPort
		opts alljoyn.SessionOpts
		want error
	}{
		{"refused", host.UniqueName(), refuse, alljoyn.DefaultSessionOpts, alljoyn.ErrSessionRefused},
		{"unbound port", host.UniqueName(), 3, alljoyn.DefaultSessionOpts, alljoyn.ErrSessionNotFound},
		{"unknown host", ":nobody.1", accept, alljoyn.DefaultSessionOpts, alljoyn.ErrSessionNotFound},
		{"incompatible traffic", host.UniqueName(), accept, rawOpts, alljoyn.ErrBadSessionOpts},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := joiner.JoinSession(ctx, tc.host, tc.port, tc.opts, nil)
			if !errors.Is(err, tc.want) {
				t.Errorf("JoinSession: got err %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := host.JoinSession(ctx, host.UniqueName(), accept, alljoyn.DefaultSessionOpts, nil); !errors.Is(err, alljoyn.ErrSessionRefused) {
		t.Errorf("self join: got err %v, want ErrSessionRefused", err)
	}

	bad := alljoyn.DefaultSessionOpts
	bad.Transports = alljoyn.TransportNone
	if _, err := host.BindSessionPort(ctx, 4, bad, nil); !errors.Is(err, alljoyn.ErrBadSessionOpts) {
		t.Errorf("binding with no transports: got err %v, want ErrBadSessionOpts", err)
	}
}

func TestSessionMultipoint(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	host, j1, j2 := bus.MustConn(t), bus.MustConn(t), bus.MustConn(t)

	opts := alljoyn.DefaultSessionOpts
	opts.Multipoint = true
	port, err := host.BindSessionPort(ctx, 7, opts, nil)
	if err != nil {
		t.Fatal(err)
	}

	s1, err := j1.JoinSession(ctx, host.UniqueName(), port, opts, nil)
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	evs1, stop := s1.Events()
	defer stop()

	s2, err := j2.JoinSession(ctx, host.UniqueName(), port, opts, nil)
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if s1.ID() != s2.ID() {
		t.Fatalf("multipoint joiners got sessions %d and %d", s1.ID(), s2.ID())
	}
	if diff := cmp.Diff(s2.Members(), []string{host.UniqueName(), j1.UniqueName()}, sortStrings()); diff != "" {
		t.Errorf("second joiner sees wrong members (-got+want):\n%s", diff)
	}

	ev := nextEvent(t, evs1)
	want := alljoyn.SessionEvent{Kind: alljoyn.SessionMemberAdded, Session: s1.ID(), Member: j2.UniqueName()}
	if diff := cmp.Diff(ev, any(want)); diff != "" {
		t.Errorf("wrong member event (-got+want):\n%s", diff)
	}

	evs2, stop2 := s2.Events()
	defer stop2()
	if err := j1.RemoveSessionMember(ctx, s1.ID(), j2.UniqueName()); !errors.Is(err, alljoyn.ErrSessionNotFound) {
		t.Errorf("non-host RemoveSessionMember: got err %v, want ErrSessionNotFound", err)
	}
	if err := host.RemoveSessionMember(ctx, s1.ID(), j2.UniqueName()); err != nil {
		t.Fatalf("RemoveSessionMember: %v", err)
	}
	ev = nextEvent(t, evs2)
	want = alljoyn.SessionEvent{Kind: alljoyn.SessionLost, Session: s2.ID(), Reason: alljoyn.SessionLostRemovedByBinder}
	if diff := cmp.Diff(ev, any(want)); diff != "" {
		t.Errorf("wrong event for removed member (-got+want):\n%s", diff)
	}
	ev = nextEvent(t, evs1)
	want = alljoyn.SessionEvent{Kind: alljoyn.SessionMemberRemoved, Session: s1.ID(), Member: j2.UniqueName()}
	if diff := cmp.Diff(ev, any(want)); diff != "" {
		t.Errorf("wrong event for remaining member (-got+want):\n%s", diff)
	}
}

func TestSessionSignals(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	host, joiner := bus.MustConn(t), bus.MustConn(t)

	iface := alljoyn.NewInterface("com.example.Chat")
	if err := iface.AddSignal("Message", alljoyn.Args("s", "text")); err != nil {
		t.Fatal(err)
	}
	obj, err := alljoyn.NewObject("/chat")
	if err != nil {
		t.Fatal(err)
	}
	if err := obj.AddInterface(iface); err != nil {
		t.Fatal(err)
	}
	if err := host.RegisterObject(obj); err != nil {
		t.Fatal(err)
	}

	pl := &portListener{accept: true, joined: make(chan alljoyn.SessionID, 1)}
	port, err := host.BindSessionPort(ctx, 9, alljoyn.DefaultSessionOpts, pl)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := joiner.JoinSession(ctx, host.UniqueName(), port, alljoyn.DefaultSessionOpts, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-pl.joined

	w := joiner.Watch()
	defer w.Close()
	if _, err := w.Match(alljoyn.MatchSignal("com.example.Chat", "Message").Session(sess.ID())); err != nil {
		t.Fatal(err)
	}
	if _, err := obj.EmitSignal(ctx, "com.example.Chat", "Message", alljoyn.SignalOptions{SessionID: sess.ID()}, "hello"); err != nil {
		t.Fatalf("EmitSignal: %v", err)
	}
	select {
	case sig := <-w.Chan():
		var text string
		if err := sig.Scan(&text); err != nil {
			t.Fatal(err)
		}
		if text != "hello" || sig.SessionID != sess.ID() || sig.Sender != host.UniqueName() {
			t.Errorf("got signal %+v, want hello in session %d from host", sig, sess.ID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session signal not delivered")
	}
}

func TestDiscovery(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	adv, finder := bus.MustConn(t), bus.MustConn(t)

	const name = "com.example.Discover.Me"
	if _, err := adv.RequestName(ctx, name, alljoyn.NameFlagDoNotQueue); err != nil {
		t.Fatal(err)
	}

	evs, stop := finder.DiscoveryEvents()
	defer stop()
	if err := finder.FindAdvertisedName(ctx, "com.example.Discover"); err != nil {
		t.Fatalf("FindAdvertisedName: %v", err)
	}
	if err := finder.FindAdvertisedName(ctx, "com.example.Discover"); !errors.Is(err, alljoyn.ErrAlreadyDiscovering) {
		t.Errorf("second find: got err %v, want ErrAlreadyDiscovering", err)
	}

	if err := adv.AdvertiseName(ctx, name, alljoyn.TransportAny); err != nil {
		t.Fatalf("AdvertiseName: %v", err)
	}
	if err := adv.AdvertiseName(ctx, name, alljoyn.TransportAny); !errors.Is(err, alljoyn.ErrAlreadyAdvertising) {
		t.Errorf("second advertise: got err %v, want ErrAlreadyAdvertising", err)
	}

	want := alljoyn.DiscoveryEvent{Name: name, Prefix: "com.example.Discover", Transports: alljoyn.TransportAny, Found: true}
	if diff := cmp.Diff(nextEvent(t, evs), any(want)); diff != "" {
		t.Errorf("wrong found event (-got+want):\n%s", diff)
	}

	if err := adv.CancelAdvertiseName(ctx, name, alljoyn.TransportAny); err != nil {
		t.Fatalf("CancelAdvertiseName: %v", err)
	}
	want.Found = false
	if diff := cmp.Diff(nextEvent(t, evs), any(want)); diff != "" {
		t.Errorf("wrong lost event (-got+want):\n%s", diff)
	}
	if err := adv.CancelAdvertiseName(ctx, name, alljoyn.TransportAny); !errors.Is(err, alljoyn.ErrNotAdvertising) {
		t.Errorf("second cancel: got err %v, want ErrNotAdvertising", err)
	}

	// Late finders learn of existing advertisements.
	if err := adv.AdvertiseName(ctx, name, alljoyn.TransportLocal); err != nil {
		t.Fatal(err)
	}
	late := bus.MustConn(t)
	lateEvs, stopLate := late.DiscoveryEvents()
	defer stopLate()
	if err := late.FindAdvertisedName(ctx, "com.example"); err != nil {
		t.Fatal(err)
	}
	want = alljoyn.DiscoveryEvent{Name: name, Prefix: "com.example", Transports: alljoyn.TransportLocal, Found: true}
	if diff := cmp.Diff(nextEvent(t, lateEvs), any(want)); diff != "" {
		t.Errorf("wrong event for late finder (-got+want):\n%s", diff)
	}

	adv.Close()
	want.Found = false
	if diff := cmp.Diff(nextEvent(t, lateEvs), any(want)); diff != "" {
		t.Errorf("wrong event after advertiser left (-got+want):\n%s", diff)
	}
	if err := finder.CancelFindAdvertisedName(ctx, "com.example.Discover"); err != nil {
		t.Errorf("CancelFindAdvertisedName: %v", err)
	}
	if err := finder.CancelFindAdvertisedName(ctx, "com.example.Discover"); !errors.Is(err, alljoyn.ErrNotDiscovering) {
		t.Errorf("second cancel find: got err %v, want ErrNotDiscovering", err)
	}
}

func TestSessionless(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	emitter := bus.MustConn(t)

	iface := alljoyn.NewInterface("com.example.Beacon")
	if err := iface.AddSignal("Beep", alljoyn.Args("u", "n")); err != nil {
		t.Fatal(err)
	}
	obj, err := alljoyn.NewObject("/beacon")
	if err != nil {
		t.Fatal(err)
	}
	if err := obj.AddInterface(iface); err != nil {
		t.Fatal(err)
	}
	if err := emitter.RegisterObject(obj); err != nil {
		t.Fatal(err)
	}

	emit := func(n uint32) uint32 {
		t.Helper()
		serial, err := obj.EmitSignal(ctx, "com.example.Beacon", "Beep", alljoyn.SignalOptions{Sessionless: true, TTL: time.Minute}, n)
		if err != nil {
			t.Fatalf("emitting sessionless signal: %v", err)
		}
		return serial
	}
	emit(1)
	canceled := emit(2)
	if err := emitter.CancelSessionlessMessage(ctx, canceled); err != nil {
		t.Fatalf("CancelSessionlessMessage: %v", err)
	}
	if err := emitter.CancelSessionlessMessage(ctx, canceled); !errors.Is(err, alljoyn.ErrNoSuchMessage) {
		t.Errorf("second cancel: got err %v, want ErrNoSuchMessage", err)
	}
	waitFor(t, "sessionless store", func() bool { return bus.Router().SessionlessCount() == 1 })

	// A receiver that connects after the emission still gets the
	// stored signal, but not the canceled one.
	rcv := bus.MustConn(t)
	w := rcv.Watch()
	defer w.Close()
	if _, err := w.Match(alljoyn.MatchSignal("com.example.Beacon", "Beep").Sessionless()); err != nil {
		t.Fatal(err)
	}
	next := func() uint32 {
		t.Helper()
		select {
		case sig := <-w.Chan():
			var n uint32
			if err := sig.Scan(&n); err != nil {
				t.Fatal(err)
			}
			if !sig.Sessionless {
				t.Errorf("signal %d not marked sessionless", n)
			}
			return n
		case <-time.After(5 * time.Second):
			t.Fatal("sessionless signal not delivered")
		}
		return 0
	}
	if got := next(); got != 1 {
		t.Errorf("got stored signal %d, want 1", got)
	}
	emit(3)
	if got := next(); got != 3 {
		t.Errorf("got live signal %d, want 3", got)
	}
}

func TestPing(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	a, b := bus.MustConn(t), bus.MustConn(t)

	if err := a.Ping(ctx, alljoyn.BusName, time.Second); err != nil {
		t.Errorf("pinging router: %v", err)
	}
	if err := a.Ping(ctx, b.UniqueName(), time.Second); err != nil {
		t.Errorf("pinging peer: %v", err)
	}
	if _, err := b.RequestName(ctx, "com.example.Pingable", 0); err != nil {
		t.Fatal(err)
	}
	if err := a.Ping(ctx, "com.example.Pingable", time.Second); err != nil {
		t.Errorf("pinging well-known name: %v", err)
	}
	if err := a.Ping(ctx, "com.example.Nobody", time.Second); !errors.Is(err, alljoyn.ErrNoSuchName) {
		t.Errorf("pinging unknown name: got err %v, want ErrNoSuchName", err)
	}
}

func TestCallUnknownDestination(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	a := bus.MustConn(t)
	err := a.Peer(":nobody.1").Ping(ctx)
	if !errors.Is(err, alljoyn.ErrNoSuchName) {
		t.Errorf("calling unknown peer: got err %v, want ErrNoSuchName", err)
	}
}

func TestMaxEndpoints(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.NewWithConfig(t, router.Config{MaxEndpoints: 1})
	bus.MustConn(t)
	c := bus.Conn(t, alljoyn.Options{})
	if err := c.Connect(ctx, bus.Addr()); err == nil {
		t.Error("second connection to a router limited to one endpoint succeeded")
	}
}

func sortStrings() cmp.Option {
	return cmpopts.SortSlices(func(a, b string) bool { return a < b })
}
