package router

import (
	"context"
	"fmt"
	"slices"

	"github.com/Southclaws/fault/ftag"
	"github.com/danderson/alljoyn"
)

// busHandler implements a router method. A handler either answers
// the call itself and returns nil, or returns an error to send back.
type busHandler func(r *Router, from *endpoint, call *alljoyn.Message, args []any) error

var busMethods = map[string]busHandler{
	alljoyn.BusInterface + ".Hello":            (*Router).helloAgain,
	alljoyn.BusInterface + ".RequestName":      (*Router).requestName,
	alljoyn.BusInterface + ".ReleaseName":      (*Router).releaseName,
	alljoyn.BusInterface + ".NameHasOwner":     (*Router).nameHasOwner,
	alljoyn.BusInterface + ".GetNameOwner":     (*Router).getNameOwner,
	alljoyn.BusInterface + ".ListNames":        (*Router).listNames,
	alljoyn.BusInterface + ".ListQueuedOwners": (*Router).listQueuedOwners,
	alljoyn.BusInterface + ".AddMatch":         (*Router).addMatch,
	alljoyn.BusInterface + ".RemoveMatch":      (*Router).removeMatch,
	alljoyn.BusInterface + ".GetId":            (*Router).getID,

	alljoyn.AllJoynInterface + ".BindSessionPort":          (*Router).bindSessionPort,
	alljoyn.AllJoynInterface + ".UnbindSessionPort":        (*Router).unbindSessionPort,
	alljoyn.AllJoynInterface + ".JoinSession":              (*Router).joinSession,
	alljoyn.AllJoynInterface + ".LeaveSession":             (*Router).leaveSession,
	alljoyn.AllJoynInterface + ".RemoveSessionMember":      (*Router).removeSessionMember,
	alljoyn.AllJoynInterface + ".GetSessionMembers":        (*Router).getSessionMembers,
	alljoyn.AllJoynInterface + ".AdvertiseName":            (*Router).advertiseName,
	alljoyn.AllJoynInterface + ".CancelAdvertiseName":      (*Router).cancelAdvertiseName,
	alljoyn.AllJoynInterface + ".FindAdvertisedName":       (*Router).findAdvertisedName,
	alljoyn.AllJoynInterface + ".CancelFindAdvertisedName": (*Router).cancelFindAdvertisedName,
	alljoyn.AllJoynInterface + ".CancelSessionlessMessage": (*Router).cancelSessionless,
	alljoyn.AllJoynInterface + ".Ping":                     (*Router).ping,

	alljoyn.PeerInterface + ".Ping": (*Router).peerPing,
}

// handleBusCall answers a method call addressed to the router.
func (r *Router) handleBusCall(from *endpoint, call *alljoyn.Message) {
	h := busMethods[call.Interface+"."+call.Member]
	if h == nil {
		r.replyError(from, call, failure(errUnknownMethod, ftag.NotFound, fmt.Sprintf("router has no method %s.%s", call.Interface, call.Member)))
		return
	}
	args, err := call.Args()
	if err != nil {
		r.replyError(from, call, failure(err, ftag.InvalidArgument, "undecodable arguments"))
		return
	}
	if err := h(r, from, call, args); err != nil {
		r.replyError(from, call, err)
	}
}

// scan decodes router method arguments, tagging failures as invalid
// arguments.
func scan(args []any, dst ...any) error {
	if err := alljoyn.Scan(args, dst...); err != nil {
		return failure(err, ftag.InvalidArgument, "invalid arguments")
	}
	return nil
}

func (r *Router) helloAgain(from *endpoint, call *alljoyn.Message, args []any) error {
	return failure(errNotHello, ftag.PermissionDenied, "Hello already called")
}

func (r *Router) getID(from *endpoint, call *alljoyn.Message, args []any) error {
	r.reply(from, call, "s", r.guid)
	return nil
}

func (r *Router) peerPing(from *endpoint, call *alljoyn.Message, args []any) error {
	r.reply(from, call, "")
	return nil
}

func (r *Router) requestName(from *endpoint, call *alljoyn.Message, args []any) error {
	var (
		name  string
		flags uint32
	)
	if err := scan(args, &name, &flags); err != nil {
		return err
	}
	if name == "" || name[0] == ':' || !alljoyn.ValidInterfaceName(name) {
		return failure(fmt.Errorf("invalid bus name %q", name), ftag.InvalidArgument, "invalid bus name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ch := r.names.request(name, from.name, alljoyn.NameFlags(flags))
	r.reply(from, call, "u", uint32(res))
	if ch != nil {
		r.nameChangedLocked(*ch)
		r.metrics.names.Set(float64(r.names.wellKnown()))
	}
	return nil
}

func (r *Router) releaseName(from *endpoint, call *alljoyn.Message, args []any) error {
	var name string
	if err := scan(args, &name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ch := r.names.release(name, from.name)
	r.reply(from, call, "u", uint32(res))
	if ch != nil {
		r.nameChangedLocked(*ch)
		r.metrics.names.Set(float64(r.names.wellKnown()))
	}
	return nil
}

func (r *Router) nameHasOwner(from *endpoint, call *alljoyn.Message, args []any) error {
	var name string
	if err := scan(args, &name); err != nil {
		return err
	}
	_, ok := r.resolve(name)
	r.reply(from, call, "b", ok || name == alljoyn.BusName)
	return nil
}

func (r *Router) getNameOwner(from *endpoint, call *alljoyn.Message, args []any) error {
	var name string
	if err := scan(args, &name); err != nil {
		return err
	}
	if name == alljoyn.BusName {
		r.reply(from, call, "s", alljoyn.BusName)
		return nil
	}
	ep, ok := r.resolve(name)
	if !ok {
		return failure(errNoOwner, ftag.NotFound, fmt.Sprintf("%s has no owner", name))
	}
	r.reply(from, call, "s", ep.name)
	return nil
}

func (r *Router) listNames(from *endpoint, call *alljoyn.Message, args []any) error {
	ret := []string{alljoyn.BusName}
	r.endpoints.Range(func(name string, _ *endpoint) bool {
		ret = append(ret, name)
		return true
	})
	r.mu.Lock()
	ret = append(ret, r.names.owned()...)
	r.mu.Unlock()
	slices.Sort(ret)
	r.reply(from, call, "as", ret)
	return nil
}

func (r *Router) listQueuedOwners(from *endpoint, call *alljoyn.Message, args []any) error {
	var name string
	if err := scan(args, &name); err != nil {
		return err
	}
	if len(name) > 0 && name[0] == ':' {
		if _, ok := r.endpoints.Load(name); !ok {
			return failure(errNoOwner, ftag.NotFound, fmt.Sprintf("%s has no owner", name))
		}
		r.reply(from, call, "as", []string{name})
		return nil
	}
	r.mu.Lock()
	q := r.names.queued(name)
	r.mu.Unlock()
	if len(q) == 0 {
		return failure(errNoOwner, ftag.NotFound, fmt.Sprintf("%s has no owner", name))
	}
	r.reply(from, call, "as", q)
	return nil
}

func (r *Router) addMatch(from *endpoint, call *alljoyn.Message, args []any) error {
	var rule string
	if err := scan(args, &rule); err != nil {
		return err
	}
	m, err := alljoyn.ParseMatch(rule)
	if err != nil {
		return failure(err, ftag.InvalidArgument, "invalid match rule")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	from.rules = append(from.rules, matchRule{rule, m})
	r.reply(from, call, "")
	if m.WantsSessionless() {
		r.sessionless.each(func(st *storedSignal) {
			r.offerLocked(from, st)
		})
	}
	return nil
}

func (r *Router) removeMatch(from *endpoint, call *alljoyn.Message, args []any) error {
	var rule string
	if err := scan(args, &rule); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Rules are reference counted by repetition: remove one copy.
	idx := slices.IndexFunc(from.rules, func(m matchRule) bool { return m.text == rule })
	if idx < 0 {
		return failure(fmt.Errorf("no match rule %q", rule), ftag.NotFound, "match rule not found")
	}
	from.rules = slices.Delete(from.rules, idx, idx+1)
	r.reply(from, call, "")
	return nil
}

// runAsync runs a router method that waits on other attachments in
// its own goroutine, so that the caller's other messages keep
// flowing.
func (r *Router) runAsync(from *endpoint, call *alljoyn.Message, fn func(ctx context.Context) error) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-from.done:
			case <-r.stop:
			case <-ctx.Done():
			}
			cancel()
		}()
		if err := fn(ctx); err != nil {
			r.replyError(from, call, err)
		}
	}()
	return nil
}
