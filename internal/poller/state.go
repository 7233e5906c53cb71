package poller

import (
	"sort"
	"time"
)

// DefaultMaxSeen is the hard cap on seen-set entries per resource. Cursor
// advancement is the primary eviction mechanism; the cap is a safety net
// against providers whose cursor value stalls for long stretches.
const DefaultMaxSeen = 10000

// NewTriggerState returns a fresh state for a trigger instance that has never
// polled.
func NewTriggerState(triggerID string) *TriggerState {
	now := time.Now()
	return &TriggerState{
		TriggerID: triggerID,
		Resources: make(map[string]*ResourceState),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Resource returns the sub-state for the given resource, creating it on first
// use.
func (s *TriggerState) Resource(id string) *ResourceState {
	if s.Resources == nil {
		s.Resources = make(map[string]*ResourceState)
	}
	rs, ok := s.Resources[id]
	if !ok {
		rs = &ResourceState{Seen: make(map[string]SeenEntry)}
		s.Resources[id] = rs
	}
	if rs.Seen == nil {
		rs.Seen = make(map[string]SeenEntry)
	}
	return rs
}

// Clone returns a deep copy of the state. The engine mutates only the copy so
// a failed poll leaves the caller's state untouched.
func (s *TriggerState) Clone() *TriggerState {
	c := &TriggerState{
		TriggerID: s.TriggerID,
		Resources: make(map[string]*ResourceState, len(s.Resources)),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	for id, rs := range s.Resources {
		c.Resources[id] = rs.clone()
	}
	return c
}

func (rs *ResourceState) clone() *ResourceState {
	c := &ResourceState{
		Cursor: rs.Cursor,
		Seen:   make(map[string]SeenEntry, len(rs.Seen)),
	}
	for id, e := range rs.Seen {
		c.Seen[id] = e
	}
	return c
}

// markFired records fired item IDs under the current cursor value.
func (rs *ResourceState) markFired(items []CandidateItem, now time.Time) {
	firedAt := now.Unix()
	for _, item := range items {
		rs.Seen[item.ID] = SeenEntry{Cursor: rs.Cursor, FiredAt: firedAt}
	}
}

// prune evicts seen entries that can never collide again and bounds the set.
// An entry recorded under a cursor other than the current one is strictly
// older (the cursor is monotonically non-decreasing), so the provider will
// never re-return its item. If the set still exceeds maxSeen, the oldest
// entries by fire time go first.
func (rs *ResourceState) prune(maxSeen int) {
	if maxSeen <= 0 {
		maxSeen = DefaultMaxSeen
	}

	for id, e := range rs.Seen {
		if e.Cursor != rs.Cursor {
			delete(rs.Seen, id)
		}
	}

	if len(rs.Seen) <= maxSeen {
		return
	}

	type entry struct {
		id      string
		firedAt int64
	}
	entries := make([]entry, 0, len(rs.Seen))
	for id, e := range rs.Seen {
		entries = append(entries, entry{id, e.FiredAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].firedAt < entries[j].firedAt
	})

	toRemove := len(entries) - maxSeen
	for i := 0; i < toRemove; i++ {
		delete(rs.Seen, entries[i].id)
	}
}
