package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

type captureEmitter struct {
	mu         sync.Mutex
	executions []*Execution
	failNext   bool
}

func (e *captureEmitter) Emit(ctx context.Context, exec *Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext {
		e.failNext = false
		return fmt.Errorf("host rejected execution")
	}
	e.executions = append(e.executions, exec)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, emitter Emitter) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{
		Store:   NewMemoryStore(),
		Logger:  testLogger(),
		Emitter: emitter,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestNewService_RequiredFields(t *testing.T) {
	base := ServiceConfig{
		Store:   NewMemoryStore(),
		Logger:  testLogger(),
		Emitter: &captureEmitter{},
	}

	tests := []struct {
		name   string
		mutate func(*ServiceConfig)
	}{
		{"missing logger", func(c *ServiceConfig) { c.Logger = nil }},
		{"missing store", func(c *ServiceConfig) { c.Store = nil }},
		{"missing emitter", func(c *ServiceConfig) { c.Emitter = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if _, err := NewService(cfg); err == nil {
				t.Error("NewService() should fail")
			}
		})
	}
}

func TestService_RegisterTrigger_Validation(t *testing.T) {
	svc := newTestService(t, &captureEmitter{})
	provider := newFakeProvider("fake")
	if err := svc.RegisterProvider(provider); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}

	tests := []struct {
		name string
		reg  Registration
	}{
		{
			name: "missing trigger id",
			reg:  Registration{Provider: "fake", Config: singleResourceConfig()},
		},
		{
			name: "missing config",
			reg:  Registration{TriggerID: "t1", Provider: "fake"},
		},
		{
			name: "interval below floor",
			reg: Registration{TriggerID: "t1", Provider: "fake",
				Config: &Config{Resource: "r", Interval: 10 * time.Second}},
		},
		{
			name: "contradictory resource selectors",
			reg: Registration{TriggerID: "t1", Provider: "fake",
				Config: &Config{Resource: "a", Resources: []string{"b"}, Interval: time.Minute}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.RegisterTrigger(tt.reg)
			if err == nil {
				t.Fatal("RegisterTrigger() should fail")
			}
			var ve *errors.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("error type = %T, want *errors.ValidationError", err)
			}
			if got := svc.scheduler.GetInterval(tt.reg.TriggerID); got != 0 {
				t.Error("rejected trigger must not be scheduled")
			}
		})
	}
}

func TestService_RegisterTrigger_UnknownProvider(t *testing.T) {
	svc := newTestService(t, &captureEmitter{})

	err := svc.RegisterTrigger(Registration{
		TriggerID: "t1",
		Provider:  "nonexistent",
		Config:    singleResourceConfig(),
	})
	if err == nil {
		t.Fatal("RegisterTrigger() should fail for an unknown provider")
	}
	var nfe *errors.NotFoundError
	if !errors.As(err, &nfe) {
		t.Errorf("error type = %T, want *errors.NotFoundError", err)
	}
}

func TestService_RegisterProvider_Duplicate(t *testing.T) {
	svc := newTestService(t, &captureEmitter{})

	if err := svc.RegisterProvider(newFakeProvider("fake")); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	if err := svc.RegisterProvider(newFakeProvider("fake")); err == nil {
		t.Error("duplicate provider registration should fail")
	}
}

func registerAndPrime(t *testing.T, svc *Service, provider *fakeProvider) {
	t.Helper()
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := svc.RegisterProvider(provider); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	if err := svc.RegisterTrigger(Registration{
		TriggerID: "trig-1",
		Provider:  "fake",
		Config:    singleResourceConfig(),
	}); err != nil {
		t.Fatalf("RegisterTrigger() error = %v", err)
	}
}

func TestService_HandlePoll_EmitsAndPersists(t *testing.T) {
	emitter := &captureEmitter{}
	svc := newTestService(t, emitter)

	provider := newFakeProvider("fake")
	provider.responses["res-1"] = []fetchResponse{
		{items: []CandidateItem{item("i1", "T1", nil)}, cursor: "T1"},
	}
	registerAndPrime(t, svc, provider)

	if err := svc.handlePoll(context.Background(), "trig-1"); err != nil {
		t.Fatalf("handlePoll() error = %v", err)
	}

	if len(emitter.executions) != 1 {
		t.Fatalf("emitted %d executions, want 1", len(emitter.executions))
	}
	exec := emitter.executions[0]
	if exec.TriggerID != "trig-1" || exec.Resource != "res-1" || exec.Cursor != "T1" {
		t.Errorf("execution = %+v", exec)
	}
	if exec.ID == "" {
		t.Error("execution ID should be assigned")
	}
	if len(exec.Items) != 1 || exec.Items[0].ID != "i1" {
		t.Errorf("execution items = %v", itemIDs(exec.Items))
	}

	state, err := svc.store.Load(context.Background(), "trig-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.Resources["res-1"].Cursor != "T1" {
		t.Errorf("persisted cursor = %s, want T1", state.Resources["res-1"].Cursor)
	}
}

func TestService_HandlePoll_EmitFailureKeepsCursor(t *testing.T) {
	emitter := &captureEmitter{failNext: true}
	svc := newTestService(t, emitter)

	provider := newFakeProvider("fake")
	provider.responses["res-1"] = []fetchResponse{
		{items: []CandidateItem{item("i1", "T1", nil)}, cursor: "T1"},
	}
	registerAndPrime(t, svc, provider)

	if err := svc.handlePoll(context.Background(), "trig-1"); err != nil {
		t.Fatalf("handlePoll() error = %v", err)
	}

	// The emitter rejected the execution, so the cursor must not advance
	// past the unhandled items.
	state, err := svc.store.Load(context.Background(), "trig-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rs, ok := state.Resources["res-1"]; ok && rs.Cursor != "" {
		t.Errorf("persisted cursor = %s, want unadvanced", rs.Cursor)
	}

	// The next poll retries and the items fire.
	if err := svc.handlePoll(context.Background(), "trig-1"); err != nil {
		t.Fatalf("retry handlePoll() error = %v", err)
	}
	if len(emitter.executions) != 1 {
		t.Fatalf("emitted %d executions after retry, want 1", len(emitter.executions))
	}
	if got := itemIDs(emitter.executions[0].Items); len(got) != 1 || got[0] != "i1" {
		t.Errorf("retry emitted %v, want [i1]", got)
	}
}

func TestService_HandlePoll_FailedPollLeavesStateAlone(t *testing.T) {
	svc := newTestService(t, &captureEmitter{})

	provider := newFakeProvider("fake")
	provider.responses["res-1"] = []fetchResponse{
		{items: []CandidateItem{item("i1", "T1", nil)}, cursor: "T1"},
		{err: errors.Transient("fake", 503, "down", nil)},
	}
	registerAndPrime(t, svc, provider)

	ctx := context.Background()
	if err := svc.handlePoll(ctx, "trig-1"); err != nil {
		t.Fatalf("first handlePoll() error = %v", err)
	}
	if err := svc.handlePoll(ctx, "trig-1"); err == nil {
		t.Fatal("second handlePoll() should return the provider error")
	}

	state, err := svc.store.Load(ctx, "trig-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.Resources["res-1"].Cursor != "T1" {
		t.Errorf("persisted cursor = %s, want T1 unchanged", state.Resources["res-1"].Cursor)
	}
}

func TestService_HandlePoll_PausesAfterMaxErrors(t *testing.T) {
	svc, err := NewService(ServiceConfig{
		Store:                NewMemoryStore(),
		Logger:               testLogger(),
		Emitter:              &captureEmitter{},
		MaxConsecutiveErrors: 3,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	provider := newFakeProvider("fake")
	provider.responses["res-1"] = []fetchResponse{
		{err: errors.Transient("fake", 500, "down", nil)},
	}
	registerAndPrime(t, svc, provider)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := svc.handlePoll(ctx, "trig-1"); err == nil {
			t.Fatalf("poll %d should fail", i+1)
		}
	}

	if got := svc.scheduler.GetInterval("trig-1"); got != 0 {
		t.Error("trigger should be unscheduled after hitting the error threshold")
	}
}

func TestService_HandlePoll_RateLimitTriggersBackoff(t *testing.T) {
	svc := newTestService(t, &captureEmitter{})

	provider := newFakeProvider("fake")
	provider.responses["res-1"] = []fetchResponse{
		{err: errors.Transient("fake", 429, "quota exceeded", nil)},
	}
	registerAndPrime(t, svc, provider)

	if err := svc.handlePoll(context.Background(), "trig-1"); err == nil {
		t.Fatal("handlePoll() should return the rate-limit error")
	}

	if _, active := svc.rateLimiter.GetBackoffStatus("fake"); !active {
		t.Error("provider should be backed off after a 429")
	}
}

func TestService_UnregisterKeepsState(t *testing.T) {
	svc := newTestService(t, &captureEmitter{})

	provider := newFakeProvider("fake")
	provider.responses["res-1"] = []fetchResponse{
		{items: []CandidateItem{item("i1", "T1", nil)}, cursor: "T1"},
	}
	registerAndPrime(t, svc, provider)

	ctx := context.Background()
	if err := svc.handlePoll(ctx, "trig-1"); err != nil {
		t.Fatalf("handlePoll() error = %v", err)
	}

	svc.UnregisterTrigger("trig-1")

	// State survives so re-registration resumes from the cursor.
	state, err := svc.store.Load(ctx, "trig-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.Resources["res-1"].Cursor != "T1" {
		t.Errorf("cursor after unregister = %s, want T1", state.Resources["res-1"].Cursor)
	}
}

func TestService_HandlePoll_DroppedOutsideStartStopWindow(t *testing.T) {
	emitter := &captureEmitter{}
	svc := newTestService(t, emitter)

	provider := newFakeProvider("fake")
	provider.responses["res-1"] = []fetchResponse{
		{items: []CandidateItem{item("i1", "T1", nil)}, cursor: "T1"},
	}
	if err := svc.RegisterProvider(provider); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	if err := svc.RegisterTrigger(Registration{
		TriggerID: "trig-1",
		Provider:  "fake",
		Config:    singleResourceConfig(),
	}); err != nil {
		t.Fatalf("RegisterTrigger() error = %v", err)
	}

	ctx := context.Background()

	// Before Start, a firing timer is dropped without touching the store.
	if err := svc.handlePoll(ctx, "trig-1"); err != nil {
		t.Fatalf("handlePoll() before Start error = %v", err)
	}
	if len(emitter.executions) != 0 {
		t.Fatalf("emitted %d executions before Start, want 0", len(emitter.executions))
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := svc.handlePoll(ctx, "trig-1"); err != nil {
		t.Fatalf("handlePoll() error = %v", err)
	}
	if len(emitter.executions) != 1 {
		t.Fatalf("emitted %d executions, want 1", len(emitter.executions))
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// A timer racing Stop must not join the wait group after shutdown.
	if err := svc.handlePoll(ctx, "trig-1"); err != nil {
		t.Fatalf("handlePoll() after Stop error = %v", err)
	}
	if len(emitter.executions) != 1 {
		t.Errorf("emitted %d executions after Stop, want 1", len(emitter.executions))
	}
}

func TestService_StartStop(t *testing.T) {
	svc := newTestService(t, &captureEmitter{})

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := svc.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// Stopping an already-stopped service is a no-op.
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("repeated Stop() error = %v", err)
	}
}
