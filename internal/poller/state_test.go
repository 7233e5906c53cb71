package poller

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestTriggerState_Clone(t *testing.T) {
	state := NewTriggerState("trig-1")
	rs := state.Resource("res-1")
	rs.Cursor = "T5"
	rs.Seen["i1"] = SeenEntry{Cursor: "T5", FiredAt: 100}

	clone := state.Clone()

	// Mutating the clone must not leak into the original.
	crs := clone.Resource("res-1")
	crs.Cursor = "T9"
	crs.Seen["i2"] = SeenEntry{Cursor: "T9", FiredAt: 200}
	clone.Resource("res-2").Cursor = "T1"

	if state.Resources["res-1"].Cursor != "T5" {
		t.Errorf("original cursor = %s, want T5", state.Resources["res-1"].Cursor)
	}
	if _, ok := state.Resources["res-1"].Seen["i2"]; ok {
		t.Error("clone seen-set mutation leaked into original")
	}
	if _, ok := state.Resources["res-2"]; ok {
		t.Error("clone resource creation leaked into original")
	}
}

func TestResourceState_PruneEvictsOlderCursors(t *testing.T) {
	rs := &ResourceState{
		Cursor: "T3",
		Seen: map[string]SeenEntry{
			"old-1":     {Cursor: "T1", FiredAt: 10},
			"old-2":     {Cursor: "T2", FiredAt: 20},
			"current-1": {Cursor: "T3", FiredAt: 30},
			"current-2": {Cursor: "T3", FiredAt: 40},
		},
	}

	rs.prune(DefaultMaxSeen)

	if len(rs.Seen) != 2 {
		t.Fatalf("seen set size = %d, want 2", len(rs.Seen))
	}
	for _, id := range []string{"current-1", "current-2"} {
		if _, ok := rs.Seen[id]; !ok {
			t.Errorf("entry %s at the current cursor must survive pruning", id)
		}
	}
}

func TestResourceState_PruneEnforcesCap(t *testing.T) {
	rs := &ResourceState{Cursor: "T1", Seen: make(map[string]SeenEntry)}
	for i := 0; i < 20; i++ {
		rs.Seen[fmt.Sprintf("i%02d", i)] = SeenEntry{Cursor: "T1", FiredAt: int64(i)}
	}

	rs.prune(5)

	if len(rs.Seen) != 5 {
		t.Fatalf("seen set size = %d, want 5", len(rs.Seen))
	}
	// The newest five by fire time survive.
	for i := 15; i < 20; i++ {
		if _, ok := rs.Seen[fmt.Sprintf("i%02d", i)]; !ok {
			t.Errorf("newest entry i%02d should survive the cap", i)
		}
	}
}

func TestResourceState_MarkFired(t *testing.T) {
	rs := &ResourceState{Cursor: "T2", Seen: make(map[string]SeenEntry)}
	now := time.Unix(1700000000, 0)

	rs.markFired([]CandidateItem{item("a", "T1", nil), item("b", "T2", nil)}, now)

	for _, id := range []string{"a", "b"} {
		e, ok := rs.Seen[id]
		if !ok {
			t.Fatalf("item %s not recorded", id)
		}
		if e.Cursor != "T2" {
			t.Errorf("seen[%s].Cursor = %s, want the post-advance cursor T2", id, e.Cursor)
		}
		if e.FiredAt != now.Unix() {
			t.Errorf("seen[%s].FiredAt = %d, want %d", id, e.FiredAt, now.Unix())
		}
	}
}

func TestTriggerState_JSONRoundTrip(t *testing.T) {
	state := NewTriggerState("trig-1")
	rs := state.Resource("res-1")
	rs.Cursor = "2026-01-02T15:04:05Z"
	rs.Seen["msg-1"] = SeenEntry{Cursor: "2026-01-02T15:04:05Z", FiredAt: 1700000000}

	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got TriggerState
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.TriggerID != "trig-1" {
		t.Errorf("TriggerID = %s, want trig-1", got.TriggerID)
	}
	grs := got.Resources["res-1"]
	if grs == nil {
		t.Fatal("resource sub-state lost in round trip")
	}
	if grs.Cursor != rs.Cursor {
		t.Errorf("Cursor = %s, want %s", grs.Cursor, rs.Cursor)
	}
	if e := grs.Seen["msg-1"]; e != rs.Seen["msg-1"] {
		t.Errorf("Seen entry = %+v, want %+v", e, rs.Seen["msg-1"])
	}
}
