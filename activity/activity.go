// Package activity keeps a small in-memory record of recent signing work
// for the device UI: a fixed ring of the last few events plus the last
// activity per key role. Nothing here is persisted.
package activity

import (
	"sync"
	"time"

	"tz4.dev/signer/watermark"
)

// ringCapacity matches the number of display rows on the device.
const ringCapacity = 5

// KeyRole distinguishes the two keys a baker deploys.
type KeyRole int

// Key roles.
const (
	RoleConsensus KeyRole = iota
	RoleCompanion
)

func (r KeyRole) String() string {
	if r == RoleCompanion {
		return "companion"
	}
	return "consensus"
}

// Event is one completed signing operation.
type Event struct {
	Role      KeyRole
	Kind      watermark.OpKind
	Level     uint32
	Size      int
	Duration  time.Duration
	Timestamp time.Time
}

// Ring is a fixed-capacity ring of events, newest last. It never allocates
// after construction.
type Ring struct {
	events [ringCapacity]Event
	filled [ringCapacity]bool
	head   int
	len    int
}

// Push appends an event, overwriting the oldest when full.
func (r *Ring) Push(e Event) {
	r.events[r.head] = e
	r.filled[r.head] = true
	r.head = (r.head + 1) % ringCapacity
	if r.len < ringCapacity {
		r.len++
	}
}

// Len reports how many events are held.
func (r *Ring) Len() int { return r.len }

// OldestFirst copies the held events oldest-first.
func (r *Ring) OldestFirst() []Event {
	out := make([]Event, 0, r.len)
	for i := 0; i < r.len; i++ {
		idx := (r.head + ringCapacity - r.len + i) % ringCapacity
		if r.filled[idx] {
			out = append(out, r.events[idx])
		}
	}
	return out
}

// Tracker aggregates recent signing activity behind a short-duration lock.
// Readers take snapshots; the lock never outlives a field copy.
type Tracker struct {
	mu        sync.Mutex
	consensus *Event
	companion *Event
	chainID   *[4]byte
	recent    Ring
}

// Record notes one completed signing operation.
func (t *Tracker) Record(e Event, chainID [4]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copied := e
	switch e.Role {
	case RoleCompanion:
		t.companion = &copied
	default:
		t.consensus = &copied
	}
	cid := chainID
	t.chainID = &cid
	t.recent.Push(e)
}

// Last returns the most recent event for a role, if any.
func (t *Tracker) Last(role KeyRole) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var e *Event
	if role == RoleCompanion {
		e = t.companion
	} else {
		e = t.consensus
	}
	if e == nil {
		return Event{}, false
	}
	return *e, true
}

// ChainID returns the chain observed on the most recent request.
func (t *Tracker) ChainID() ([4]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.chainID == nil {
		return [4]byte{}, false
	}
	return *t.chainID, true
}

// Recent snapshots the event ring oldest-first.
func (t *Tracker) Recent() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recent.OldestFirst()
}

// HasRecentActivity reports whether either role signed within the window.
func (t *Tracker) HasRecentActivity(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, e := range []*Event{t.consensus, t.companion} {
		if e != nil && now.Sub(e.Timestamp) < window {
			return true
		}
	}
	return false
}
