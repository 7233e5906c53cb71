package poller

import (
	"context"
	"testing"
	"time"

	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

func TestScheduler_Register(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()

	if err := s.Register(context.Background(), "trig-1", time.Minute); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if got := s.GetInterval("trig-1"); got != time.Minute {
		t.Errorf("GetInterval() = %v, want 1m", got)
	}

	triggers := s.ListTriggers()
	if len(triggers) != 1 || triggers[0] != "trig-1" {
		t.Errorf("ListTriggers() = %v, want [trig-1]", triggers)
	}
}

func TestScheduler_RegisterRejectsShortInterval(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()

	err := s.Register(context.Background(), "trig-1", 10*time.Second)
	if err == nil {
		t.Fatal("expected error for interval below the floor")
	}

	var ve *errors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error type = %T, want *errors.ValidationError", err)
	}
	if ve.Field != "interval" {
		t.Errorf("error field = %s, want interval", ve.Field)
	}

	// The trigger must not have been registered.
	if got := s.GetInterval("trig-1"); got != 0 {
		t.Errorf("GetInterval() = %v, want 0 after rejected registration", got)
	}
}

func TestScheduler_RegisterUpdatesInterval(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()

	ctx := context.Background()
	if err := s.Register(ctx, "trig-1", time.Minute); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register(ctx, "trig-1", 5*time.Minute); err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}

	if got := s.GetInterval("trig-1"); got != 5*time.Minute {
		t.Errorf("GetInterval() = %v, want 5m", got)
	}
	if got := s.ListTriggers(); len(got) != 1 {
		t.Errorf("ListTriggers() = %v, want a single entry", got)
	}
}

func TestScheduler_Unregister(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()

	if err := s.Register(context.Background(), "trig-1", time.Minute); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	s.Unregister("trig-1")

	if got := s.GetInterval("trig-1"); got != 0 {
		t.Errorf("GetInterval() = %v, want 0 after unregister", got)
	}

	// Unregistering an unknown trigger is a no-op.
	s.Unregister("never-registered")
}

func TestScheduler_StopRejectsNewRegistrations(t *testing.T) {
	s := NewScheduler(nil)
	s.Stop()

	if err := s.Register(context.Background(), "trig-1", time.Minute); err == nil {
		t.Error("Register() after Stop() should fail")
	}
}

func TestAddJitter(t *testing.T) {
	base := 10 * time.Minute
	min := time.Duration(float64(base) * 0.9)
	max := time.Duration(float64(base) * 1.1)

	for i := 0; i < 100; i++ {
		got := addJitter(base)
		if got < min || got > max {
			t.Fatalf("addJitter(%v) = %v, outside [%v, %v]", base, got, min, max)
		}
	}
}
