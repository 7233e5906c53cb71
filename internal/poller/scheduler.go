package poller

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

// Scheduler manages poll timers for registered triggers.
// It creates per-trigger timers with jitter to avoid thundering herd issues.
// A trigger's handler is never invoked concurrently with itself: the timer is
// only rearmed after the handler returns, which is the single-flight
// guarantee the poll engine relies on.
type Scheduler struct {
	mu      sync.RWMutex
	timers  map[string]*pollTimer
	handler PollHandler
	stopped bool
}

// PollHandler is called when a poll timer fires.
type PollHandler func(ctx context.Context, triggerID string) error

// pollTimer tracks the timer and configuration for a single poll trigger.
type pollTimer struct {
	triggerID string
	interval  time.Duration
	timer     *time.Timer
	cancel    context.CancelFunc
	stopped   bool
}

// NewScheduler creates a new poll trigger scheduler.
func NewScheduler(handler PollHandler) *Scheduler {
	return &Scheduler{
		timers:  make(map[string]*pollTimer),
		handler: handler,
	}
}

// Register adds or updates a poll trigger with the given interval.
// Intervals below MinInterval are rejected, not clamped: the floor is a
// validation contract and violating it must fail loudly at registration.
// Jitter (±10%) is added to each firing to avoid thundering herd.
func (s *Scheduler) Register(ctx context.Context, triggerID string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}

	if interval < MinInterval {
		return &errors.ValidationError{
			Field:      "interval",
			Message:    fmt.Sprintf("interval must be at least %s, got %s", MinInterval, interval),
			Suggestion: "increase the interval to 1m or more",
		}
	}

	// Check if timer already exists
	if existing, exists := s.timers[triggerID]; exists {
		if existing.interval != interval {
			existing.cancel()
			delete(s.timers, triggerID)
		} else {
			// Same interval, no change needed
			return nil
		}
	}

	timerCtx, cancel := context.WithCancel(ctx)
	timer := time.NewTimer(addJitter(interval))

	pt := &pollTimer{
		triggerID: triggerID,
		interval:  interval,
		timer:     timer,
		cancel:    cancel,
	}

	s.timers[triggerID] = pt

	go s.runTimer(timerCtx, pt)

	return nil
}

// Unregister removes a poll trigger from the scheduler.
func (s *Scheduler) Unregister(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pt, exists := s.timers[triggerID]; exists {
		pt.stopped = true
		pt.cancel()
		pt.timer.Stop()
		delete(s.timers, triggerID)
	}
}

// runTimer handles timer fires and reschedules for a single poll trigger.
// The rearm happens only after the handler returns, serializing polls of one
// trigger instance.
func (s *Scheduler) runTimer(ctx context.Context, pt *pollTimer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-pt.timer.C:
			if pt.stopped {
				return
			}

			if s.handler != nil {
				// Errors are handled (logged, counted) by the
				// handler itself; the timer just keeps going.
				_ = s.handler(ctx, pt.triggerID)
			}

			pt.timer.Reset(addJitter(pt.interval))
		}
	}
}

// Stop stops all timers and shuts down the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true

	for _, pt := range s.timers {
		pt.stopped = true
		pt.cancel()
		pt.timer.Stop()
	}

	s.timers = make(map[string]*pollTimer)
}

// GetInterval returns the configured interval for a trigger.
// Returns 0 if the trigger is not registered.
func (s *Scheduler) GetInterval(triggerID string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pt, exists := s.timers[triggerID]; exists {
		return pt.interval
	}
	return 0
}

// ListTriggers returns a list of all registered trigger IDs.
func (s *Scheduler) ListTriggers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	triggers := make([]string, 0, len(s.timers))
	for triggerID := range s.timers {
		triggers = append(triggers, triggerID)
	}
	return triggers
}

// addJitter adds ±10% jitter to a duration to avoid thundering herd.
func addJitter(d time.Duration) time.Duration {
	jitterRange := float64(d) * 0.1
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return d + time.Duration(jitter)
}
