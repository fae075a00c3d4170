package router

import (
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// Error names the router sends in error replies.
const (
	errNameFailed          = "org.alljoyn.Bus.ErStatus"
	errNameUnknownMethod   = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameInvalidArgs     = "org.freedesktop.DBus.Error.InvalidArgs"
	errNameServiceUnknown  = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNameAccessDenied    = "org.freedesktop.DBus.Error.AccessDenied"
	errNameLimitsExceeded  = "org.freedesktop.DBus.Error.LimitsExceeded"
	errNameSessionNotFound = "org.alljoyn.Bus.SessionNotFound"
	errNameSessionLost     = "org.alljoyn.Bus.SessionLost"
	errNameTimeout         = "org.alljoyn.Bus.Timeout"
)

var (
	errUnknownMethod   = errors.New("unknown method")
	errNoSuchName      = errors.New("no such name")
	errNoOwner         = errors.New("name has no owner")
	errSessionNotFound = errors.New("session not found")
	errNotMember       = errors.New("not a session member")
	errNotHello        = errors.New("first message must be Hello")
	errTooManyClients  = errors.New("too many endpoints")
)

// wireNames maps router errors to the names of their error replies.
// Errors not listed are named after their ftag.
var wireNames = map[error]string{
	errUnknownMethod:   errNameUnknownMethod,
	errNoSuchName:      errNameServiceUnknown,
	errNoOwner:         errNameServiceUnknown,
	errSessionNotFound: errNameSessionNotFound,
	errNotMember:       errNameSessionLost,
	errTooManyClients:  errNameLimitsExceeded,
}

// failure wraps err with the tag and message reported to the
// attachment whose call failed.
func failure(err error, kind ftag.Kind, msg string) error {
	return fault.Wrap(err, ftag.With(kind), fmsg.With(msg))
}

// errorName returns the bus error name for a failed router call.
func errorName(err error) string {
	for sentinel, name := range wireNames {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	switch ftag.Get(err) {
	case ftag.InvalidArgument:
		return errNameInvalidArgs
	case ftag.NotFound:
		return errNameServiceUnknown
	case ftag.PermissionDenied, ftag.Unauthenticated:
		return errNameAccessDenied
	case ftag.Cancelled:
		return errNameTimeout
	}
	return errNameFailed
}
