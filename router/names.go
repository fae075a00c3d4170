package router

import (
	"slices"

	"github.com/danderson/alljoyn"
)

// claimant is an endpoint's request for a well-known name.
type claimant struct {
	owner string
	flags alljoyn.NameFlags
}

// nameTable tracks the owners and queued claimants of well-known
// names. The first claimant of each queue is the owner.
type nameTable struct {
	queues map[string][]claimant
}

// ownerChange is a change of a name's owner. Empty old or new means
// the name had, or now has, no owner.
type ownerChange struct {
	name, old, new string
}

func newNameTable() *nameTable {
	return &nameTable{queues: map[string][]claimant{}}
}

func (t *nameTable) owner(name string) string {
	if q := t.queues[name]; len(q) > 0 {
		return q[0].owner
	}
	return ""
}

func (t *nameTable) queued(name string) []string {
	var ret []string
	for _, c := range t.queues[name] {
		ret = append(ret, c.owner)
	}
	return ret
}

func (t *nameTable) wellKnown() int { return len(t.queues) }

// owned returns all well-known names that have an owner.
func (t *nameTable) owned() []string {
	var ret []string
	for name := range t.queues {
		ret = append(ret, name)
	}
	slices.Sort(ret)
	return ret
}

// request processes a RequestName call by ep for name.
func (t *nameTable) request(name, ep string, flags alljoyn.NameFlags) (alljoyn.RequestNameReply, *ownerChange) {
	q := t.queues[name]
	if len(q) == 0 {
		t.queues[name] = []claimant{{ep, flags}}
		return alljoyn.PrimaryOwner, &ownerChange{name, "", ep}
	}
	if q[0].owner == ep {
		q[0].flags = flags
		return alljoyn.AlreadyOwner, nil
	}

	idx := slices.IndexFunc(q, func(c claimant) bool { return c.owner == ep })
	if q[0].flags&alljoyn.NameFlagAllowReplacement != 0 && flags&alljoyn.NameFlagReplaceExisting != 0 {
		old := q[0]
		if idx >= 0 {
			q = slices.Delete(q, idx, idx+1)
		}
		rest := q[1:]
		if old.flags&alljoyn.NameFlagDoNotQueue == 0 {
			// The replaced owner is next in line.
			rest = append([]claimant{old}, rest...)
		}
		t.queues[name] = append([]claimant{{ep, flags}}, rest...)
		return alljoyn.PrimaryOwner, &ownerChange{name, old.owner, ep}
	}

	if flags&alljoyn.NameFlagDoNotQueue != 0 {
		if idx >= 0 {
			t.queues[name] = slices.Delete(q, idx, idx+1)
		}
		return alljoyn.Exists, nil
	}
	if idx >= 0 {
		q[idx].flags = flags
	} else {
		t.queues[name] = append(q, claimant{ep, flags})
	}
	return alljoyn.InQueue, nil
}

// release processes a ReleaseName call by ep for name.
func (t *nameTable) release(name, ep string) (alljoyn.ReleaseNameReply, *ownerChange) {
	q := t.queues[name]
	if len(q) == 0 {
		return alljoyn.NonExistent, nil
	}
	idx := slices.IndexFunc(q, func(c claimant) bool { return c.owner == ep })
	if idx < 0 {
		return alljoyn.NotOwner, nil
	}
	q = slices.Delete(q, idx, idx+1)
	if len(q) == 0 {
		delete(t.queues, name)
	} else {
		t.queues[name] = q
	}
	if idx > 0 {
		return alljoyn.Released, nil
	}
	return alljoyn.Released, &ownerChange{name, ep, t.owner(name)}
}

// removeEndpoint releases all the names and queued claims of ep.
func (t *nameTable) removeEndpoint(ep string) []ownerChange {
	var ret []ownerChange
	for _, name := range t.owned() {
		if _, ch := t.release(name, ep); ch != nil {
			ret = append(ret, *ch)
		}
	}
	return ret
}

// nameChangedLocked announces a change of owner: NameOwnerChanged to
// all interested endpoints, NameLost to the old owner and
// NameAcquired to the new one.
func (r *Router) nameChangedLocked(ch ownerChange) {
	r.log.Debug("name owner changed", "name", ch.name, "old", ch.old, "new", ch.new)
	msg := alljoyn.NewSignal(alljoyn.BusPath, alljoyn.BusInterface, alljoyn.SignalNameOwnerChanged)
	if err := msg.SetBody("sss", ch.name, ch.old, ch.new); err != nil {
		r.log.Error("encoding NameOwnerChanged", "err", err)
		return
	}
	msg.Sender = alljoyn.BusName
	msg.Serial = r.nextSerial()
	r.broadcastLocked(msg, signalOf(msg))

	if ch.old != "" && ch.old != ch.name {
		r.signal(ch.old, alljoyn.BusPath, alljoyn.BusInterface, alljoyn.SignalNameLost, "s", ch.name)
	}
	if ch.new != "" {
		r.signal(ch.new, alljoyn.BusPath, alljoyn.BusInterface, alljoyn.SignalNameAcquired, "s", ch.name)
	}
}
