package router_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danderson/alljoyn"
	"github.com/danderson/alljoyn/bustest"
	"github.com/danderson/alljoyn/transport"
)

// rawConn is a bus attachment that speaks raw messages, so that it
// can send what a Conn never would.
type rawConn struct {
	t      transport.Transport
	name   string
	serial uint32
	msgs   chan *alljoyn.Message
}

func rawAttach(t *testing.T, bus *bustest.Bus) *rawConn {
	t.Helper()
	tr, _, err := transport.Dial(testContext(t), bus.Addr())
	if err != nil {
		t.Fatalf("dialing router: %v", err)
	}
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		tr.Close()
	})
	ret := &rawConn{t: tr, msgs: make(chan *alljoyn.Message, 100)}
	go func() {
		for {
			msg, err := alljoyn.ReadMessage(tr, 0)
			if err != nil {
				return
			}
			select {
			case ret.msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	args := ret.call(t, alljoyn.NewMethodCall(alljoyn.BusName, alljoyn.BusPath, alljoyn.BusInterface, "Hello"))
	if err := alljoyn.Scan(args, &ret.name); err != nil {
		t.Fatalf("Hello reply: %v", err)
	}
	return ret
}

func (c *rawConn) send(t *testing.T, msg *alljoyn.Message) {
	t.Helper()
	c.serial++
	msg.Serial = c.serial
	bs, err := msg.Encode()
	if err != nil {
		t.Fatalf("encoding %s: %v", msg.Type, err)
	}
	if _, err := c.t.Write(bs); err != nil {
		t.Fatalf("writing %s: %v", msg.Type, err)
	}
}

// reply returns the first answer to serial, skipping other messages.
func (c *rawConn) reply(t *testing.T, serial uint32) *alljoyn.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.msgs:
			if (msg.Type == alljoyn.TypeMethodReturn || msg.Type == alljoyn.TypeError) && msg.ReplySerial == serial {
				return msg
			}
		case <-timeout:
			t.Fatalf("no reply to serial %d", serial)
		}
	}
}

// call sends msg and returns the arguments of its method return.
func (c *rawConn) call(t *testing.T, msg *alljoyn.Message) []any {
	t.Helper()
	c.send(t, msg)
	reply := c.reply(t, msg.Serial)
	if reply.Type == alljoyn.TypeError {
		t.Fatalf("%s.%s failed: %s", msg.Interface, msg.Member, reply.ErrorName)
	}
	args, err := reply.Args()
	if err != nil {
		t.Fatalf("%s.%s reply: %v", msg.Interface, msg.Member, err)
	}
	return args
}

// sync returns once the router has handled everything c sent before.
func (c *rawConn) sync(t *testing.T) {
	t.Helper()
	c.call(t, alljoyn.NewMethodCall(alljoyn.BusName, alljoyn.BusPath, alljoyn.BusInterface, "GetId"))
}

// forgeReply sends a method return that claims to answer serial from
// caller.
func (c *rawConn) forgeReply(t *testing.T, caller string, serial uint32, sig string, args ...any) {
	t.Helper()
	call := alljoyn.NewMethodCall("", "/", "", "")
	call.Serial, call.Sender = serial, caller
	reply := alljoyn.NewReply(call)
	if err := reply.SetBody(sig, args...); err != nil {
		t.Fatal(err)
	}
	c.send(t, reply)
}

// serveSlow exports a method on c that answers "genuine" once release
// is closed, and reports on entered when it is called.
func serveSlow(t *testing.T, c *alljoyn.Conn, entered chan<- struct{}, release <-chan struct{}) {
	t.Helper()
	iface := alljoyn.NewInterface("org.example.Slow")
	if err := iface.AddMethod("Wait", nil, alljoyn.Args("s", "out")); err != nil {
		t.Fatal(err)
	}
	obj, err := alljoyn.NewObject("/org/example/slow")
	if err != nil {
		t.Fatal(err)
	}
	if err := obj.AddInterface(iface); err != nil {
		t.Fatal(err)
	}
	err = obj.HandleMethod("org.example.Slow", "Wait", func(ctx context.Context, call *alljoyn.Call) ([]any, error) {
		entered <- struct{}{}
		<-release
		return []any{"genuine"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterObject(obj); err != nil {
		t.Fatal(err)
	}
}

func TestForgedReplyDropped(t *testing.T) {
	bus := bustest.New(t, false)
	callee := bus.MustConn(t)
	entered, release := make(chan struct{}, 1), make(chan struct{})
	serveSlow(t, callee, entered, release)

	victim, forger := rawAttach(t, bus), rawAttach(t, bus)
	call := alljoyn.NewMethodCall(callee.UniqueName(), "/org/example/slow", "org.example.Slow", "Wait")
	victim.send(t, call)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("callee never saw the call")
	}

	forger.forgeReply(t, victim.name, call.Serial, "s", "forged")
	forger.sync(t)
	close(release)

	reply := victim.reply(t, call.Serial)
	if reply.Sender != callee.UniqueName() {
		t.Fatalf("reply came from %s, want %s", reply.Sender, callee.UniqueName())
	}
	args, err := reply.Args()
	if err != nil {
		t.Fatal(err)
	}
	var got string
	if err := alljoyn.Scan(args, &got); err != nil || got != "genuine" {
		t.Errorf("reply body = %q, %v, want genuine", got, err)
	}

	// Once answered, the call cannot be answered again.
	forger.forgeReply(t, victim.name, call.Serial, "s", "late")
	forger.sync(t)
	getID := alljoyn.NewMethodCall(alljoyn.BusName, alljoyn.BusPath, alljoyn.BusInterface, "GetId")
	victim.send(t, getID)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-victim.msgs:
			if msg.Type == alljoyn.TypeMethodReturn && msg.ReplySerial == call.Serial {
				t.Fatalf("second reply to serial %d delivered from %s", call.Serial, msg.Sender)
			}
			if msg.ReplySerial == getID.Serial {
				return
			}
		case <-timeout:
			t.Fatal("no reply to GetId")
		}
	}
}

type blockingListener struct {
	entered chan struct{}
	release chan struct{}
}

func (l *blockingListener) AcceptSessionJoiner(alljoyn.SessionPort, string, alljoyn.SessionOpts) bool {
	l.entered <- struct{}{}
	<-l.release
	return false
}

func (l *blockingListener) SessionJoined(alljoyn.SessionPort, alljoyn.SessionID, string) {}

func TestForgedAcceptSession(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	host, joiner := bus.MustConn(t), bus.MustConn(t)
	l := &blockingListener{make(chan struct{}, 1), make(chan struct{})}
	port, err := host.BindSessionPort(ctx, 7, alljoyn.DefaultSessionOpts, l)
	if err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := joiner.JoinSession(ctx, host.UniqueName(), port, alljoyn.DefaultSessionOpts, nil)
		errs <- err
	}()
	select {
	case <-l.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("host never asked to accept joiner")
	}

	// The router's serials are not secret, so answer all of the
	// likely ones.
	forger := rawAttach(t, bus)
	for serial := uint32(1); serial < 500; serial++ {
		forger.forgeReply(t, alljoyn.BusName, serial, "b", true)
	}
	forger.sync(t)
	close(l.release)

	if err := <-errs; !errors.Is(err, alljoyn.ErrSessionRefused) {
		t.Errorf("JoinSession with forged acceptance: got err %v, want ErrSessionRefused", err)
	}
}
