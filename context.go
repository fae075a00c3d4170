package alljoyn

import "context"

type callContextKey struct{}

func withContextCall(ctx context.Context, call *Call) context.Context {
	return context.WithValue(ctx, callContextKey{}, call)
}

// ContextCall returns the inbound method call being handled, when ctx
// is the context passed to a [MethodHandler] or property handler.
func ContextCall(ctx context.Context) (*Call, bool) {
	ret, ok := ctx.Value(callContextKey{}).(*Call)
	return ret, ok && ret != nil
}

// ContextSender returns the unique bus name of the peer that made the
// inbound method call being handled.
func ContextSender(ctx context.Context) (string, bool) {
	call, ok := ContextCall(ctx)
	if !ok || call.Sender == "" {
		return "", false
	}
	return call.Sender, true
}

// ContextSessionID returns the session on which the inbound method
// call being handled arrived. Zero means the call did not arrive in a
// session.
func ContextSessionID(ctx context.Context) SessionID {
	call, ok := ContextCall(ctx)
	if !ok {
		return 0
	}
	return SessionID(call.Msg.SessionID)
}
