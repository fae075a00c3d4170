package alljoyn

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danderson/alljoyn/fragments"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestMessageRoundTrip(t *testing.T) {
	call := NewMethodCall(":abc.2", "/testobject", "org.alljoyn.test", "Ping")
	call.Serial = 7
	call.Sender = ":abc.1"
	call.SessionID = 42
	call.SetTTL(1500 * time.Millisecond)
	if err := call.SetBody("s", "Hello World"); err != nil {
		t.Fatalf("SetBody got err: %v", err)
	}

	for _, order := range []fragments.ByteOrder{fragments.BigEndian, fragments.LittleEndian} {
		call.Order = order
		if err := call.SetBody("s", "Hello World"); err != nil {
			t.Fatalf("SetBody got err: %v", err)
		}
		bs, err := call.Encode()
		if err != nil {
			t.Fatalf("Encode got err: %v", err)
		}
		if len(bs)%8 != len(call.Body)%8 {
			t.Errorf("body does not start 8-aligned")
		}
		got, err := ReadMessage(bytes.NewReader(bs), 0)
		if err != nil {
			t.Fatalf("ReadMessage got err: %v", err)
		}
		if diff := cmp.Diff(got.Header, call.Header, cmpopts.IgnoreInterfaces(struct{ fragments.ByteOrder }{})); diff != "" {
			t.Errorf("header round trip wrong (-got+want):\n%s", diff)
		}
		if got.Order.Flag() != order.Flag() {
			t.Errorf("got byte order %q, want %q", got.Order.Flag(), order.Flag())
		}
		args, err := got.Args()
		if err != nil {
			t.Fatalf("Args got err: %v", err)
		}
		if diff := cmp.Diff(args, []any{"Hello World"}); diff != "" {
			t.Errorf("body wrong (-got+want):\n%s", diff)
		}
	}
}

func TestMessageCompressed(t *testing.T) {
	sig := NewSignal("/obj", "org.alljoyn.test", "Bulk")
	sig.Serial = 1
	payload := strings.Repeat("compressible ", 100)
	if err := sig.SetBody("s", payload); err != nil {
		t.Fatalf("SetBody got err: %v", err)
	}
	plainLen := len(sig.Body)
	sig.Compress()
	if sig.Flags&FlagCompressed == 0 {
		t.Fatal("Compress did not set flag")
	}
	if len(sig.Body) >= plainLen {
		t.Errorf("compressed body is %d bytes, plain is %d", len(sig.Body), plainLen)
	}
	bs, err := sig.Encode()
	if err != nil {
		t.Fatalf("Encode got err: %v", err)
	}
	got, err := ParseMessage(bs)
	if err != nil {
		t.Fatalf("ParseMessage got err: %v", err)
	}
	args, err := got.Args()
	if err != nil {
		t.Fatalf("Args got err: %v", err)
	}
	if diff := cmp.Diff(args, []any{payload}); diff != "" {
		t.Errorf("body wrong (-got+want):\n%s", diff)
	}
}

func TestMessageInvalidHeader(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"zero serial", &Message{Header: Header{Type: TypeMethodCall, Path: "/", Member: "M"}}},
		{"call without path", &Message{Header: Header{Type: TypeMethodCall, Serial: 1, Member: "M"}}},
		{"call without member", &Message{Header: Header{Type: TypeMethodCall, Serial: 1, Path: "/"}}},
		{"return without reply serial", &Message{Header: Header{Type: TypeMethodReturn, Serial: 1}}},
		{"error without name", &Message{Header: Header{Type: TypeError, Serial: 1, ReplySerial: 1}}},
		{"signal without interface", &Message{Header: Header{Type: TypeSignal, Serial: 1, Path: "/", Member: "S"}}},
		{"sessionless call", &Message{Header: Header{Type: TypeMethodCall, Serial: 1, Path: "/", Member: "M", Flags: FlagSessionless}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.msg.Encode(); !errors.Is(err, ErrInvalidHeader) {
				t.Errorf("Encode got err %v, want ErrInvalidHeader", err)
			}
		})
	}

	// A return with its reply serial stripped on the wire.
	ret := &Message{Header: Header{Type: TypeMethodReturn, Serial: 2, ReplySerial: 1, Order: fragments.LittleEndian}}
	bs, err := ret.Encode()
	if err != nil {
		t.Fatalf("Encode got err: %v", err)
	}
	ret.ReplySerial = 0
	hdr, err := ret.encode(0)
	if err != nil {
		t.Fatalf("encode got err: %v", err)
	}
	if _, err := ParseMessage(hdr); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("ParseMessage(no reply serial) got err %v, want ErrInvalidHeader", err)
	}
	if _, err := ParseMessage(bs[:len(bs)-1]); err == nil {
		t.Error("ParseMessage(truncated) succeeded")
	}
}

func TestMessageTTL(t *testing.T) {
	m := NewMethodCall("dest", "/", "i", "M")
	m.SetTTL(10 * time.Millisecond)
	if m.TTL != 10 {
		t.Errorf("TTL = %d, want 10", m.TTL)
	}
	if m.Expired(m.Created.Add(5 * time.Millisecond)) {
		t.Error("message expired early")
	}
	if !m.Expired(m.Created.Add(11 * time.Millisecond)) {
		t.Error("message did not expire")
	}

	s := NewSignal("/", "i", "S")
	s.Flags |= FlagSessionless
	s.SetTTL(1500 * time.Millisecond)
	if s.TTL != 2 {
		t.Errorf("sessionless TTL = %d, want 2 (seconds)", s.TTL)
	}
	if got := s.TTLDuration(); got != 2*time.Second {
		t.Errorf("TTLDuration = %v, want 2s", got)
	}

	never := NewSignal("/", "i", "S")
	if never.Expired(never.Created.Add(time.Hour)) {
		t.Error("message with zero TTL expired")
	}
}

func TestNewError(t *testing.T) {
	call := NewMethodCall("dest", "/", "i", "M")
	call.Serial = 9
	call.Sender = ":x.1"
	e := NewError(call, errNamePermissionDenied, "nope")
	e.Serial = 1
	if e.ReplySerial != 9 || e.Destination != ":x.1" {
		t.Errorf("NewError header = %+v, want reply to serial 9 from :x.1", e.Header)
	}
	if got := e.errorDetail(); got != "nope" {
		t.Errorf("errorDetail() = %q, want nope", got)
	}
}
