package alljoyn

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/danderson/alljoyn/security"
)

// Protocol errors. These are fatal to a single message, never to the
// connection.
var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrTypeMismatch       = errors.New("value does not match signature")
	ErrTruncatedMessage   = errors.New("truncated message")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrInvalidHeader      = errors.New("invalid message header")
)

// Connection and naming errors.
var (
	ErrTimedOut         = errors.New("timed out")
	ErrNoSuchMessage    = errors.New("no such message")
	ErrConnectionFailed = errors.New("connection to bus failed")
	ErrNotConnected     = errors.New("not connected to bus")
	ErrPathInUse        = errors.New("object path already in use")
	ErrNoSuchMember     = errors.New("no such interface member")
	ErrNoSuchName       = errors.New("no such bus name")
	ErrUnreachable      = errors.New("peer unreachable")
	ErrPingFailed       = errors.New("ping failed")
)

// Session errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRefused  = errors.New("session refused")
	ErrBadSessionOpts  = errors.New("incompatible session options")
	ErrAlreadyJoined   = errors.New("session already joined")
	ErrSessionLost     = errors.New("session lost")
	ErrPortInUse       = errors.New("session port already bound")
	ErrNotBound        = errors.New("session port not bound")
)

// Discovery errors.
var (
	ErrAlreadyAdvertising = errors.New("name already advertised")
	ErrNotAdvertising     = errors.New("name not advertised")
	ErrAlreadyDiscovering = errors.New("name prefix already being discovered")
	ErrNotDiscovering     = errors.New("name prefix not being discovered")
)

// About errors.
var (
	ErrInvalidAboutData     = errors.New("invalid about data")
	ErrLanguageNotSupported = errors.New("language not supported")
)

// ErrPingGroupNotFound is returned by [AutoPinger] methods given an
// unknown group name.
var ErrPingGroupNotFound = errors.New("ping group not found")

// Security errors.
var (
	ErrNoCommonMechanism = errors.New("no common authentication mechanism")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrPermissionDenied  = security.ErrPermissionDenied
	ErrInvalidState      = security.ErrInvalidState
)

// Bus error names carried in error replies.
const (
	errNameFailed           = "org.alljoyn.Bus.ErStatus"
	errNameTimeout          = "org.alljoyn.Bus.Timeout"
	errNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	errNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	errNameServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNameNoSuchMessage    = "org.alljoyn.Bus.NoSuchMessage"
	errNameSessionNotFound  = "org.alljoyn.Bus.SessionNotFound"
	errNameSessionLost      = "org.alljoyn.Bus.SessionLost"
	errNameSecurityNotOn    = "org.alljoyn.Bus.SecurityNotEnabled"
	errNameAuthFailed       = "org.alljoyn.Bus.AuthFail"
	errNameNoCommonMech     = "org.alljoyn.Bus.NoCommonAuthMechanism"
	errNamePermissionDenied = "org.alljoyn.Bus.Security.Error.PermissionDenied"
	errNameInvalidState     = "org.alljoyn.Bus.Security.Error.InvalidState"
	errNamePingGroup        = "org.alljoyn.Bus.PingGroupNotFound"
	errNameLanguage         = "org.alljoyn.Error.LanguageNotSupported"

	errNamePropertyReadOnly  = "org.freedesktop.DBus.Error.PropertyReadOnly"
	errNamePropertyWriteOnly = "org.freedesktop.DBus.Error.PropertyWriteOnly"
)

var errNameToErr = map[string]error{
	errNameTimeout:          ErrTimedOut,
	errNameServiceUnknown:   ErrNoSuchName,
	errNameUnknownMethod:    ErrNoSuchMember,
	errNameInvalidArgs:      ErrTypeMismatch,
	errNameNoSuchMessage:    ErrNoSuchMessage,
	errNameSessionNotFound:  ErrSessionNotFound,
	errNameSessionLost:      ErrSessionLost,
	errNameAuthFailed:       ErrAuthFailed,
	errNameNoCommonMech:     ErrNoCommonMechanism,
	errNamePermissionDenied: ErrPermissionDenied,
	errNameInvalidState:     ErrInvalidState,
	errNameLanguage:         ErrLanguageNotSupported,
}

// errNameFor returns the bus error name to send in reply to a method
// call that failed with err.
func errNameFor(err error) string {
	var ce CallError
	if errors.As(err, &ce) {
		return ce.Name
	}
	for name, sentinel := range errNameToErr {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return errNameFailed
}

// TypeMismatchError is the error returned when a Go value cannot be
// encoded or decoded with a given signature.
type TypeMismatchError struct {
	// Type is the name of the Go type that caused the error.
	Type string
	// Signature is the wire type the value was checked against, if
	// any.
	Signature string
	// Reason is an explanation of the mismatch.
	Reason error
}

func (e TypeMismatchError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("alljoyn cannot represent %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("cannot use %s as %q: %s", e.Type, e.Signature, e.Reason)
}

func (e TypeMismatchError) Unwrap() error {
	return e.Reason
}

func (e TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

func typeErr(t reflect.Type, sig string, reason string, args ...any) error {
	ts := "nil"
	if t != nil {
		ts = t.String()
	}
	return TypeMismatchError{ts, sig, fmt.Errorf(reason, args...)}
}

// CallError is the error returned from failed method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Unwrap returns the sentinel error matching the bus error name, if
// the name is one the bus defines.
func (e CallError) Unwrap() error {
	return errNameToErr[e.Name]
}
