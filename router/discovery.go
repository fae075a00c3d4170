package router

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/alljoyn"
)

const statusAlready = 2

type adKey struct {
	name  string
	owner string
}

func compareAds(a, b adKey) int {
	return cmp.Or(cmp.Compare(a.name, b.name), cmp.Compare(a.owner, b.owner))
}

// discoveryLocked tells every endpoint looking for a prefix of name
// that name appeared or disappeared.
func (r *Router) discoveryLocked(name string, transports alljoyn.TransportMask, found bool) {
	member := alljoyn.SignalLostAdvertisedName
	if found {
		member = alljoyn.SignalFoundAdvertisedName
	}
	for _, ep := range slices.Sorted(maps.Keys(r.finds)) {
		for _, prefix := range slices.Sorted(maps.Keys(r.finds[ep])) {
			if strings.HasPrefix(name, prefix) {
				r.signal(ep, alljoyn.AllJoynPath, alljoyn.AllJoynInterface, member, "sqs", name, uint16(transports), prefix)
			}
		}
	}
}

func (r *Router) advertiseName(from *endpoint, call *alljoyn.Message, args []any) error {
	var (
		name       string
		transports uint16
	)
	if err := scan(args, &name, &transports); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := adKey{name, from.name}
	if _, ok := r.ads[k]; ok {
		r.reply(from, call, "u", uint32(statusAlready))
		return nil
	}
	r.ads[k] = alljoyn.TransportMask(transports)
	r.reply(from, call, "u", uint32(statusSuccess))
	r.discoveryLocked(name, alljoyn.TransportMask(transports), true)
	return nil
}

func (r *Router) cancelAdvertiseName(from *endpoint, call *alljoyn.Message, args []any) error {
	var (
		name       string
		transports uint16
	)
	if err := scan(args, &name, &transports); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := adKey{name, from.name}
	t, ok := r.ads[k]
	if !ok {
		r.reply(from, call, "u", uint32(statusFailed))
		return nil
	}
	delete(r.ads, k)
	r.reply(from, call, "u", uint32(statusSuccess))
	r.discoveryLocked(name, t, false)
	return nil
}

func (r *Router) findAdvertisedName(from *endpoint, call *alljoyn.Message, args []any) error {
	var prefix string
	if err := scan(args, &prefix); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prefixes := r.finds[from.name]
	if prefixes.Has(prefix) {
		r.reply(from, call, "u", uint32(statusAlready))
		return nil
	}
	if prefixes == nil {
		prefixes = mapset.New[string]()
		r.finds[from.name] = prefixes
	}
	prefixes.Add(prefix)
	r.reply(from, call, "u", uint32(statusSuccess))
	for _, k := range slices.SortedFunc(maps.Keys(r.ads), compareAds) {
		if strings.HasPrefix(k.name, prefix) {
			r.signal(from.name, alljoyn.AllJoynPath, alljoyn.AllJoynInterface, alljoyn.SignalFoundAdvertisedName, "sqs", k.name, uint16(r.ads[k]), prefix)
		}
	}
	return nil
}

func (r *Router) cancelFindAdvertisedName(from *endpoint, call *alljoyn.Message, args []any) error {
	var prefix string
	if err := scan(args, &prefix); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prefixes := r.finds[from.name]
	if !prefixes.Has(prefix) {
		r.reply(from, call, "u", uint32(statusFailed))
		return nil
	}
	prefixes.Remove(prefix)
	if prefixes.IsEmpty() {
		delete(r.finds, from.name)
	}
	r.reply(from, call, "u", uint32(statusSuccess))
	return nil
}

// dropDiscoveryLocked withdraws the advertisements and searches of a
// departed endpoint.
func (r *Router) dropDiscoveryLocked(ep string) {
	delete(r.finds, ep)
	for _, k := range slices.SortedFunc(maps.Keys(r.ads), compareAds) {
		if k.owner == ep {
			t := r.ads[k]
			delete(r.ads, k)
			r.discoveryLocked(k.name, t, false)
		}
	}
}
