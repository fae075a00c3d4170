package alljoyn

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMatch(t *testing.T) {
	type sigMatch struct {
		sig  Signal
		want bool
	}
	type testCase struct {
		name    string
		m       *Match
		filter  string
		signals []sigMatch
	}

	sig := func(want bool, sender, path, iface, name string, args ...any) sigMatch {
		return sigMatch{
			sig: Signal{
				Sender:    sender,
				Path:      ObjectPath(path),
				Interface: iface,
				Member:    name,
				Args:      args,
			},
			want: want,
		}
	}

	tests := []testCase{
		{
			name:   "all signals",
			m:      MatchAllSignals(),
			filter: `type='signal'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal"),
				sig(true, "test2", "/test2", "org.test2", "Signal2"),
			},
		},

		{
			name:   "signal",
			m:      MatchSignal("org.test", "Signal"),
			filter: `type='signal',interface='org.test',member='Signal'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal"),
				sig(false, "test", "/test", "org.test", "Signal2"),
				sig(false, "test2", "/test2", "org.test2", "Signal2"),
			},
		},

		{
			name:   "interface",
			m:      MatchInterface("org.test"),
			filter: `type='signal',interface='org.test'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal"),
				sig(true, "test", "/test", "org.test", "Signal2"),
				sig(false, "test2", "/test2", "org.test2", "Signal2"),
			},
		},

		{
			name:   "signal sender",
			m:      MatchSignal("org.test", "Signal").Sender("test"),
			filter: `type='signal',sender='test',interface='org.test',member='Signal'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal"),
				sig(true, "test", "/test2", "org.test", "Signal"),
				sig(false, "test2", "/test", "org.test", "Signal"),
			},
		},

		{
			name:   "signal object",
			m:      MatchSignal("org.test", "Signal").Object("/test"),
			filter: `type='signal',path='/test',interface='org.test',member='Signal'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal"),
				sig(false, "test", "/test2", "org.test", "Signal"),
				sig(true, "test2", "/test", "org.test", "Signal"),
			},
		},

		{
			name:   "signal object prefix",
			m:      MatchSignal("org.test", "Signal").ObjectPrefix("/test"),
			filter: `type='signal',path_namespace='/test',interface='org.test',member='Signal'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal"),
				sig(true, "test", "/test/foo", "org.test", "Signal"),
				sig(false, "test", "/testf", "org.test", "Signal"),
				sig(false, "test", "/qux", "org.test", "Signal"),
			},
		},

		{
			name:   "signal arg",
			m:      MatchSignal("org.test", "Signal").ArgStr(0, "foo").ArgStr(2, "bar"),
			filter: `type='signal',interface='org.test',member='Signal',arg0='foo',arg2='bar'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal", "foo", ObjectPath("/unused"), "bar", int16(42)),
				sig(false, "test", "/test", "org.test", "Signal", "foo", ObjectPath("/unused"), "zot"),
				sig(false, "test", "/test", "org.test", "Signal", "no", ObjectPath("/unused"), "bar"),
				sig(false, "test", "/test", "org.test", "Signal", "foo"),
				sig(false, "test", "/test", "org.test", "Signal", int32(1), int32(2), int32(3)),
			},
		},

		{
			name:   "signal arg path prefix",
			m:      MatchSignal("org.test", "Signal").ArgPathPrefix(0, "/foo").ArgPathPrefix(1, "/bar"),
			filter: `type='signal',interface='org.test',member='Signal',arg0path='/foo',arg1path='/bar'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal", "/foo", ObjectPath("/bar")),
				sig(true, "test", "/test", "org.test", "Signal", "/foo/bar", ObjectPath("/bar/qux")),
				sig(false, "test", "/test", "org.test", "Signal", "/foo", ObjectPath("/zot")),
				sig(false, "test", "/test", "org.test", "Signal", "no", ObjectPath("/bar")),
			},
		},

		{
			name:   "arg 0 namespace",
			m:      MatchSignal("org.test", "Signal").Arg0Namespace("foo.bar"),
			filter: `type='signal',interface='org.test',member='Signal',arg0namespace='foo.bar'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal", "foo.bar"),
				sig(true, "test", "/test", "org.test", "Signal", "foo.bar.baz"),
				sig(false, "test", "/test", "org.test", "Signal", "foo"),
				sig(false, "test", "/test", "org.test", "Signal", "foo.barbaz"),
				sig(false, "test", "/test", "org.test", "Signal"),
			},
		},

		{
			name:   "session",
			m:      MatchInterface("org.test").Session(7),
			filter: `type='signal',interface='org.test',sessionid='7'`,
			signals: []sigMatch{
				{Signal{Interface: "org.test", SessionID: 7}, true},
				{Signal{Interface: "org.test", SessionID: 8}, false},
				{Signal{Interface: "org.test"}, false},
			},
		},

		{
			name:   "sessionless",
			m:      MatchInterface("org.test").Sessionless(),
			filter: `type='signal',interface='org.test',sessionless='t'`,
			signals: []sigMatch{
				{Signal{Interface: "org.test", Sessionless: true}, true},
				{Signal{Interface: "org.test"}, false},
			},
		},

		{
			name:   "quoting",
			m:      MatchAllSignals().ArgStr(0, "it's"),
			filter: `type='signal',arg0='it'\''s'`,
			signals: []sigMatch{
				sig(true, "test", "/test", "org.test", "Signal", "it's"),
				sig(false, "test", "/test", "org.test", "Signal", "its"),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got, want := tc.m.filterString(), tc.filter; got != want {
				t.Errorf("wrong filter string\n  got: %s\n want: %s", got, want)
			}
			for _, tm := range tc.signals {
				if got := tc.m.Matches(&tm.sig); got != tm.want {
					t.Errorf("wrong match on %#v: got %v, want %v", tm.sig, got, tm.want)
				}
			}

			parsed, err := ParseMatch(tc.filter)
			if err != nil {
				t.Fatalf("ParseMatch(%q) got err: %v", tc.filter, err)
			}
			if got := parsed.filterString(); got != tc.filter {
				t.Errorf("ParseMatch round trip\n  got: %s\n want: %s", got, tc.filter)
			}
			for _, tm := range tc.signals {
				if got := parsed.Matches(&tm.sig); got != tm.want {
					t.Errorf("parsed match on %#v: got %v, want %v", tm.sig, got, tm.want)
				}
			}
		})
	}
}

func TestParseMatchErrors(t *testing.T) {
	for _, rule := range []string{
		"type='method_call'",
		"path='not a path'",
		"bogus='x'",
		"arg99='x'",
		"sender='unterminated",
		"interface",
	} {
		if m, err := ParseMatch(rule); err == nil {
			t.Errorf("ParseMatch(%q) = %s, want error", rule, m)
		}
	}
}

func TestMatchEscaping(t *testing.T) {
	val, rest, err := unescapeMatchArg(`'a,b'\''c',next='x'`)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{val, rest}, []string{"a,b'c", "next='x'"}); diff != "" {
		t.Errorf("unescapeMatchArg (-got+want):\n%s", diff)
	}
}
