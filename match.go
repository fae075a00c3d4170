package alljoyn

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter that matches bus signals.
type Match struct {
	sender      value.Maybe[string]
	object      value.Maybe[ObjectPath]
	prefix      value.Maybe[ObjectPath]
	iface       value.Maybe[string]
	member      value.Maybe[string]
	session     value.Maybe[SessionID]
	sessionless bool
	argStr      map[int]string
	argPath     map[int]ObjectPath
	arg0NS      value.Maybe[string]
}

// MatchSignal returns a match for the given signal.
func MatchSignal(iface, member string) *Match {
	return &Match{
		iface:  value.Just(iface),
		member: value.Just(member),
	}
}

// MatchInterface returns a match for all signals of an interface.
func MatchInterface(iface string) *Match {
	return &Match{iface: value.Just(iface)}
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return &Match{}
}

// Sender restricts the match to signals from a single bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Object restricts the match to a single source path.
func (m *Match) Object(o ObjectPath) *Match {
	m.prefix = value.Absent[ObjectPath]()
	m.object = value.Just(o)
	return m
}

// ObjectPrefix restricts the match to signals emitted by objects
// rooted at the given path prefix.
//
// For example, ObjectPrefix("/lamps/kitchen") matches signals emitted
// by /lamps/kitchen and /lamps/kitchen/ceiling, but not
// /lamps/kitchenette.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if o == "/" {
		m.prefix = value.Absent[ObjectPath]()
	} else {
		m.prefix = value.Just(o)
	}
	return m
}

// Session restricts the match to signals sent within a session.
func (m *Match) Session(id SessionID) *Match {
	m.session = value.Just(id)
	return m
}

// Sessionless restricts the match to sessionless signals, and asks
// the router to deliver stored sessionless signals that match.
func (m *Match) Sessionless() *Match {
	m.sessionless = true
	return m
}

// ArgStr restricts the match to signals whose i-th argument is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("invalid ArgStr index %d", i))
	}
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the Match to signals whose i-th argument is
// a string or ObjectPath equal to or rooted at val.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("invalid ArgPathPrefix index %d", i))
	}
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the Match to signals whose first argument
// is a bus or interface name with the given dot-separated prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

func (m *Match) String() string { return m.filterString() }

// filterString returns the match in the rule format of the router's
// AddMatch and RemoveMatch methods.
func (m *Match) filterString() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", string(o))
	}
	if p, ok := m.prefix.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if mb, ok := m.member.GetOK(); ok {
		kv("member", mb)
	}
	if id, ok := m.session.GetOK(); ok {
		kv("sessionid", strconv.FormatUint(uint64(id), 10))
	}
	if m.sessionless {
		kv("sessionless", "t")
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), string(m.argPath[i]))
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

// Matches reports whether sig matches the filter.
//
// The router applies the same logic to decide which broadcast signals
// a connection receives. A connection receives the union of the
// signals all its watchers asked for, so each watcher filters again.
func (m *Match) Matches(sig *Signal) bool {
	if s, ok := m.sender.GetOK(); ok && sig.Sender != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && sig.Path != o {
		return false
	}
	if p, ok := m.prefix.GetOK(); ok && sig.Path != p && !sig.Path.IsChildOf(p) {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && sig.Interface != i {
		return false
	}
	if mb, ok := m.member.GetOK(); ok && sig.Member != mb {
		return false
	}
	if id, ok := m.session.GetOK(); ok && sig.SessionID != id {
		return false
	}
	if m.sessionless && !sig.Sessionless {
		return false
	}
	for i, want := range m.argStr {
		if got, ok := argString(sig.Args, i); !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := argString(sig.Args, i)
		if !ok {
			return false
		}
		if gp := ObjectPath(got); gp != want && !gp.IsChildOf(want) {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		got, ok := argString(sig.Args, 0)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}
	return true
}

// WantsSessionless reports whether the match asks for sessionless
// signals.
func (m *Match) WantsSessionless() bool { return m.sessionless }

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	switch v := args[i].(type) {
	case string:
		return v, true
	case ObjectPath:
		return string(v), true
	default:
		return "", false
	}
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}

// ParseMatch parses a match rule in the format produced by
// [Match.String].
func ParseMatch(rule string) (*Match, error) {
	ret := &Match{}
	rest := rule
	for rest != "" {
		key, after, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, fmt.Errorf("match rule %q: missing '=' after %q", rule, rest)
		}
		key = strings.TrimSpace(key)
		val, after, err := unescapeMatchArg(after)
		if err != nil {
			return nil, fmt.Errorf("match rule %q: %w", rule, err)
		}
		rest = after
		if err := ret.set(key, val); err != nil {
			return nil, fmt.Errorf("match rule %q: %w", rule, err)
		}
	}
	return ret, nil
}

// unescapeMatchArg reads one value from the start of s, up to an
// unquoted comma, and returns it and the remainder of s after the
// comma.
func unescapeMatchArg(s string) (val, rest string, err error) {
	var (
		b      strings.Builder
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quoted && c == '\'':
			quoted = false
		case quoted:
			b.WriteByte(c)
		case c == '\'':
			quoted = true
		case c == '\\' && i+1 < len(s) && s[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case c == ',':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	if quoted {
		return "", "", errors.New("unterminated quote")
	}
	return b.String(), "", nil
}

func (m *Match) set(key, val string) error {
	switch key {
	case "type":
		if val != "signal" {
			return fmt.Errorf("unsupported match type %q", val)
		}
	case "sender":
		m.Sender(val)
	case "path":
		if !ObjectPath(val).Valid() {
			return fmt.Errorf("invalid path %q", val)
		}
		m.Object(ObjectPath(val))
	case "path_namespace":
		if !ObjectPath(val).Valid() {
			return fmt.Errorf("invalid path %q", val)
		}
		m.ObjectPrefix(ObjectPath(val))
	case "interface":
		m.iface = value.Just(val)
	case "member":
		m.member = value.Just(val)
	case "sessionid":
		id, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid session id %q", val)
		}
		m.Session(SessionID(id))
	case "sessionless":
		m.sessionless = val == "t" || val == "true"
	case "arg0namespace":
		m.Arg0Namespace(val)
	default:
		n, isPath := strings.CutSuffix(strings.TrimPrefix(key, "arg"), "path")
		if !strings.HasPrefix(key, "arg") {
			return fmt.Errorf("unknown match key %q", key)
		}
		i, err := strconv.Atoi(n)
		if err != nil || i < 0 || i > 63 {
			return fmt.Errorf("unknown match key %q", key)
		}
		if isPath {
			m.ArgPathPrefix(i, ObjectPath(val))
		} else {
			m.ArgStr(i, val)
		}
	}
	return nil
}
