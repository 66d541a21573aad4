package ringsync

import (
	"fmt"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"go-ringsync/transport"
)

// view is this process's membership view: the set of peers believed alive,
// their dense ids, the ring order over those ids, and the generation counter
// bumped on every change. It is the sole source of truth for liveness; the
// token, barrier and sync coordinators consume it read-only.
//
// Ids are dense from 0 and reassigned after failures, so the view also owns
// the id<->endpoint binding. Everything keyed by identity below this layer
// uses endpoints, which are stable.
type view struct {
	mu         sync.RWMutex
	selfEp     transport.Endpoint
	selfID     int
	generation uint64
	joined     bool
	members    *treemap.Map // id -> member, ascending: this IS the ring order
	byEndpoint map[transport.Endpoint]int

	// onChange is invoked (without the lock held) after every generation
	// bump. Set once during Process wiring, before any traffic flows.
	onChange func(generation uint64, cause viewChange)
}

func newView(selfEp transport.Endpoint) *view {
	return &view{
		selfEp:     selfEp,
		selfID:     -1,
		members:    treemap.NewWithIntComparator(),
		byEndpoint: make(map[transport.Endpoint]int),
	}
}

func (v *view) setOnChange(fn func(generation uint64, cause viewChange)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = fn
}

// bootstrap installs this process as the sole member with id 0, generation 0.
func (v *view) bootstrap() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.members.Clear()
	v.byEndpoint = make(map[transport.Endpoint]int)
	v.members.Put(0, member{ID: 0, Endpoint: v.selfEp})
	v.byEndpoint[v.selfEp] = 0
	v.selfID = 0
	v.generation = 0
	v.joined = true
}

// install replaces the whole view with a negotiated one. Used by a joiner
// once its claim is confirmed.
func (v *view) install(members []member, selfID int, generation uint64) {
	v.mu.Lock()

	v.members.Clear()
	v.byEndpoint = make(map[transport.Endpoint]int)
	for _, m := range members {
		v.members.Put(m.ID, m)
		v.byEndpoint[m.Endpoint] = m.ID
	}
	v.selfID = selfID
	v.generation = generation
	v.joined = true

	var fn, gen = v.onChange, v.generation
	v.mu.Unlock()

	if fn != nil {
		fn(gen, changeJoin)
	}
}

// addMember inserts a new peer under the given id and bumps the generation.
// Returns false without any state change when the id or endpoint is already
// bound (idempotence against duplicate claims) or the binding conflicts.
func (v *view) addMember(m member) bool {
	v.mu.Lock()

	if _, taken := v.members.Get(m.ID); taken {
		v.mu.Unlock()
		return false
	}
	if _, known := v.byEndpoint[m.Endpoint]; known {
		v.mu.Unlock()
		return false
	}

	v.members.Put(m.ID, m)
	v.byEndpoint[m.Endpoint] = m.ID
	v.generation++

	var fn, gen = v.onChange, v.generation
	v.mu.Unlock()

	if fn != nil {
		fn(gen, changeJoin)
	}
	return true
}

// removeByEndpoint removes a dead peer, renumbers the survivors to a dense id
// range (id = rank by previous id) and bumps the generation. Returns the
// removed peer's previous id. Idempotent: removing an unknown endpoint is a
// no-op.
func (v *view) removeByEndpoint(ep transport.Endpoint) (int, bool) {
	v.mu.Lock()

	var deadID, known = v.byEndpoint[ep]
	if !known {
		v.mu.Unlock()
		return 0, false
	}

	// Survivors in ascending id order take id = rank. A pure function of the
	// survivor set: every peer applying the same removal lands on the same
	// numbering without any election.
	var survivors []member
	v.members.Each(func(_ any, value any) {
		var m = value.(member)
		if m.Endpoint != ep {
			survivors = append(survivors, m)
		}
	})

	v.members.Clear()
	v.byEndpoint = make(map[transport.Endpoint]int)
	for rank, m := range survivors {
		m.ID = rank
		v.members.Put(rank, m)
		v.byEndpoint[m.Endpoint] = rank
		if m.Endpoint == v.selfEp {
			v.selfID = rank
		}
	}
	v.generation++

	var fn, gen = v.onChange, v.generation
	v.mu.Unlock()

	if fn != nil {
		fn(gen, changeDeath)
	}
	return deadID, true
}

// ID returns this process's current id (-1 before joining).
func (v *view) ID() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.selfID
}

// Generation returns the current membership generation.
func (v *view) Generation() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.generation
}

func (v *view) isJoined() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.joined
}

// snapshot returns all members in ascending id order.
func (v *view) snapshot() []member {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out = make([]member, 0, v.members.Size())
	v.members.Each(func(_ any, value any) {
		out = append(out, value.(member))
	})
	return out
}

// memberInfos returns the view in envelope form for Discovery offers.
func (v *view) memberInfos() []transport.MemberInfo {
	var members = v.snapshot()
	var out = make([]transport.MemberInfo, 0, len(members))
	for _, m := range members {
		out = append(out, transport.MemberInfo{ID: m.ID, Endpoint: m.Endpoint})
	}
	return out
}

// endpointOf resolves an id to its endpoint.
func (v *view) endpointOf(id int) (transport.Endpoint, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var value, found = v.members.Get(id)
	if !found {
		return "", false
	}
	return value.(member).Endpoint, true
}

// idOf resolves an endpoint to its current id.
func (v *view) idOf(ep transport.Endpoint) (int, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var id, ok = v.byEndpoint[ep]
	return id, ok
}

// contains reports whether the endpoint is a live member.
func (v *view) contains(ep transport.Endpoint) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var _, ok = v.byEndpoint[ep]
	return ok
}

// liveEndpoints returns the endpoints of every member except self.
func (v *view) liveEndpoints() []transport.Endpoint {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out = make([]transport.Endpoint, 0, len(v.byEndpoint))
	for ep := range v.byEndpoint {
		if ep != v.selfEp {
			out = append(out, ep)
		}
	}
	return out
}

// successor returns the ring successor of the given id: the smallest live id
// greater than it, wrapping to the minimum. Reports false when the ring has
// no other member.
func (v *view) successor(id int) (member, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var _, value = v.members.Ceiling(id + 1)
	if value == nil {
		_, value = v.members.Min()
	}
	if value == nil {
		return member{}, false
	}

	var succ = value.(member)
	if succ.ID == id {
		return member{}, false
	}
	return succ, true
}

// predecessor is symmetric to successor.
func (v *view) predecessor(id int) (member, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var _, value = v.members.Floor(id - 1)
	if value == nil {
		_, value = v.members.Max()
	}
	if value == nil {
		return member{}, false
	}

	var pred = value.(member)
	if pred.ID == id {
		return member{}, false
	}
	return pred, true
}

// smallestID returns the minimum live id (-1 for an empty view).
func (v *view) smallestID() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var key, _ = v.members.Min()
	if key == nil {
		return -1
	}
	return key.(int)
}

func (v *view) size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.members.Size()
}

// String returns a visual representation of the ring.
func (v *view) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var b strings.Builder

	b.WriteString(fmt.Sprintf("Ring generation %d (self: id %d @ %s)\n",
		v.generation, v.selfID, v.selfEp))
	b.WriteString(fmt.Sprintf("Members: %d\n", v.members.Size()))

	if v.members.Size() == 0 {
		b.WriteString("\n[Empty Ring]\n")
		return b.String()
	}

	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")
	var ids []int
	v.members.Each(func(key any, _ any) {
		ids = append(ids, key.(int))
	})
	for i, id := range ids {
		var value, _ = v.members.Get(id)
		var m = value.(member)

		var marker = " "
		if m.Endpoint == v.selfEp {
			marker = "●"
		}

		var succ = ids[(i+1)%len(ids)]
		b.WriteString(fmt.Sprintf("│ %s id %-3d  %-30s  succ→%d\n",
			marker, m.ID, m.Endpoint, succ))
	}
	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")

	return b.String()
}
