package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestra-io/workspace-triggers/internal/log"
	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

// Service manages poll trigger instances. It coordinates the scheduler, state
// store, providers, and emitter so that each registered trigger runs the poll
// cycle on its own timer, persists state only after items were handed off,
// and backs off providers that are rate limiting us.
type Service struct {
	cfg         ServiceConfig
	logger      *slog.Logger
	scheduler   *Scheduler
	store       Store
	providers   map[string]Provider
	triggers    map[string]*registration
	rateLimiter *RateLimiter
	metrics     *MetricsCollector
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// ServiceConfig contains configuration for the trigger service.
type ServiceConfig struct {
	// Store persists trigger state between polls.
	Store Store

	// Logger is the structured logger for the service.
	Logger *slog.Logger

	// Emitter receives executions for non-empty fire sets.
	Emitter Emitter

	// PollTimeout is the maximum duration for a single poll cycle,
	// including the state read/write around the provider call.
	// Default: 45 seconds.
	PollTimeout time.Duration

	// MaxConsecutiveErrors pauses a trigger after this many failed polls
	// in a row. Paused triggers require re-registration. Default: 10.
	MaxConsecutiveErrors int

	// MeterProvider is the OpenTelemetry meter provider for metrics.
	// If nil, metrics will not be collected.
	MeterProvider metric.MeterProvider
}

// Registration describes one trigger instance.
type Registration struct {
	// TriggerID is the unique identifier for this trigger.
	TriggerID string

	// Provider names the registered provider to poll.
	Provider string

	// Config holds the trigger's poll options.
	Config *Config
}

// registration is the service-internal view of a trigger. Consecutive error
// counts are deliberately kept out of TriggerState: failed polls must not
// mutate persisted state.
type registration struct {
	Registration
	engine            *Engine
	consecutiveErrors int
}

// NewService creates a new poll trigger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 45 * time.Second
	}
	if cfg.MaxConsecutiveErrors == 0 {
		cfg.MaxConsecutiveErrors = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		cfg:         cfg,
		logger:      log.WithComponent(cfg.Logger, "trigger-service"),
		store:       cfg.Store,
		providers:   make(map[string]Provider),
		triggers:    make(map[string]*registration),
		rateLimiter: NewRateLimiter(),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.MeterProvider != nil {
		metrics, err := NewMetricsCollector(cfg.MeterProvider)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		s.metrics = metrics
	}

	s.scheduler = NewScheduler(s.handlePoll)

	return s, nil
}

// RegisterProvider registers a resource provider by its name.
func (s *Service) RegisterProvider(provider Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := provider.Name()
	if _, exists := s.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	s.providers[name] = provider
	s.logger.Info("registered provider", slog.String(log.ProviderKey, name))

	return nil
}

// SetProviderBudget sets the per-minute API request budget for a provider.
// Zero removes the budget.
func (s *Service) SetProviderBudget(provider string, requestsPerMinute int) {
	s.rateLimiter.SetRequestBudget(provider, requestsPerMinute)
}

// RegisterTrigger validates and registers a trigger instance.
// Configuration errors (contradictory resource selectors, interval below the
// floor) are surfaced here, before any poll attempt, and are never retried.
func (s *Service) RegisterTrigger(reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reg.TriggerID == "" {
		return &errors.ValidationError{
			Field:      "trigger_id",
			Message:    "trigger ID is required",
			Suggestion: "assign a unique id to the trigger",
		}
	}
	if reg.Config == nil {
		return &errors.ValidationError{
			Field:      "config",
			Message:    "trigger configuration is required",
			Suggestion: "supply poll options for the trigger",
		}
	}
	if err := reg.Config.Validate(); err != nil {
		return err
	}

	provider, exists := s.providers[reg.Provider]
	if !exists {
		return &errors.NotFoundError{Resource: "provider", ID: reg.Provider}
	}

	s.triggers[reg.TriggerID] = &registration{
		Registration: reg,
		engine:       NewEngine(provider, s.logger),
	}

	if err := s.scheduler.Register(s.ctx, reg.TriggerID, reg.Config.Interval); err != nil {
		delete(s.triggers, reg.TriggerID)
		return errors.Wrap(err, "failed to register with scheduler")
	}

	if s.metrics != nil {
		s.metrics.SetActiveTriggers(len(s.triggers))
	}

	s.logger.Info("registered poll trigger",
		slog.String(log.TriggerIDKey, reg.TriggerID),
		slog.String(log.ProviderKey, reg.Provider),
		slog.Duration("interval", reg.Config.Interval))

	return nil
}

// UnregisterTrigger removes a poll trigger. Persisted state is kept so a
// re-registered trigger resumes from its cursor.
func (s *Service) UnregisterTrigger(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduler.Unregister(triggerID)
	delete(s.triggers, triggerID)

	if s.metrics != nil {
		s.metrics.SetActiveTriggers(len(s.triggers))
	}

	s.logger.Info("unregistered poll trigger",
		slog.String(log.TriggerIDKey, triggerID))
}

// Start starts the trigger service. Polls are only dispatched between Start
// and Stop; a timer firing outside that window is dropped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("service already started")
	}

	s.started = true
	s.logger.Info("trigger service started")

	return nil
}

// Stop gracefully stops the trigger service.
// In-flight polls are allowed to complete within the context's deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("stopping trigger service")

	s.cancel()
	s.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all poll triggers stopped")
	case <-ctx.Done():
		s.logger.Warn("trigger shutdown timed out, some polls may not have completed")
	}

	if err := s.store.Close(); err != nil {
		return errors.Wrap(err, "failed to close state store")
	}

	return nil
}

// handlePoll is called by the scheduler when a poll timer fires. It runs the
// full cycle for one trigger: rate-limit wait, state load, engine poll,
// emission, state save.
//
// The in-flight count joins the WaitGroup under the same lock that guards
// the started flag: once Stop has flipped the flag, no late timer can add to
// the group while Stop is waiting on it.
func (s *Service) handlePoll(ctx context.Context, triggerID string) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	s.mu.RLock()
	reg, exists := s.triggers[triggerID]
	s.mu.RUnlock()
	if !exists {
		return &errors.NotFoundError{Resource: "trigger", ID: triggerID}
	}

	if err := s.rateLimiter.WaitIfNeeded(pollCtx, reg.Provider); err != nil {
		return errors.Wrap(err, "rate limit wait cancelled")
	}

	state, err := s.store.Load(pollCtx, triggerID)
	if err != nil {
		return errors.Wrapf(err, "loading state for trigger %s", triggerID)
	}

	pollStart := time.Now()
	result, next, err := reg.engine.Poll(pollCtx, state, reg.Config)
	pollDuration := time.Since(pollStart)

	if err != nil {
		// Every resource failed: persisted state is untouched and the
		// next scheduled poll retries from the same cursor.
		s.recordFailure(pollCtx, reg, err, pollDuration)
		return err
	}

	s.mu.Lock()
	reg.consecutiveErrors = 0
	s.mu.Unlock()
	s.rateLimiter.RecordSuccess(reg.Provider)
	if s.metrics != nil {
		s.metrics.RecordPollComplete(pollCtx, reg.Provider, true, pollDuration)
	}

	// Partial failures: failed resources kept their old sub-cursor inside
	// next; report them without aborting the successful ones.
	for _, rr := range result.FailedResources() {
		s.noteResourceError(pollCtx, reg, rr)
	}

	// Hand fire sets to the emitter. A resource whose emission fails is
	// rolled back to its pre-poll sub-state so the cursor never advances
	// past items the host did not receive.
	firedItems := 0
	for _, rr := range result.Resources {
		if rr.Err != nil || len(rr.Items) == 0 {
			continue
		}

		exec := &Execution{
			ID:        uuid.NewString(),
			TriggerID: triggerID,
			Resource:  rr.Resource,
			Cursor:    rr.Cursor,
			FiredAt:   time.Now(),
			Items:     rr.Items,
		}

		if err := s.cfg.Emitter.Emit(pollCtx, exec); err != nil {
			s.logger.Error("failed to emit execution",
				slog.String(log.TriggerIDKey, triggerID),
				slog.String(log.ResourceKey, rr.Resource),
				slog.String(log.ExecutionIDKey, exec.ID),
				log.Error(err))
			revertResource(next, state, rr.Resource)
			continue
		}

		firedItems += len(rr.Items)
		if s.metrics != nil {
			s.metrics.RecordItemsFired(pollCtx, reg.Provider, rr.Resource, len(rr.Items))
		}
	}

	if err := s.store.Save(pollCtx, next); err != nil {
		s.logger.Error("failed to save state",
			slog.String(log.TriggerIDKey, triggerID),
			log.Error(err))
		return err
	}

	if firedItems > 0 {
		s.logger.Info("poll trigger fired",
			slog.String(log.TriggerIDKey, triggerID),
			slog.String(log.ProviderKey, reg.Provider),
			slog.Int("items", firedItems),
			slog.Int64(log.DurationKey, pollDuration.Milliseconds()))
	}

	return nil
}

// recordFailure handles a fully-failed poll: backoff, metrics, escalating
// logs, and the pause threshold. Persisted state is never touched here.
func (s *Service) recordFailure(ctx context.Context, reg *registration, err error, pollDuration time.Duration) {
	if errors.IsRateLimited(err) {
		s.rateLimiter.RecordRateLimit(reg.Provider, 0)
	}
	if s.metrics != nil {
		s.metrics.RecordPollComplete(ctx, reg.Provider, false, pollDuration)
		s.metrics.RecordError(ctx, reg.Provider, errorType(err))
	}

	s.mu.Lock()
	reg.consecutiveErrors++
	count := reg.consecutiveErrors
	s.mu.Unlock()

	attrs := []any{
		slog.String(log.TriggerIDKey, reg.TriggerID),
		slog.String(log.ProviderKey, reg.Provider),
		slog.Int("consecutive_errors", count),
		log.Error(err),
	}

	switch {
	case count >= s.cfg.MaxConsecutiveErrors:
		s.logger.Error("poll trigger paused after consecutive errors - manual re-registration required", attrs...)
		s.scheduler.Unregister(reg.TriggerID)
	case errors.IsPermanent(err):
		s.logger.Error("poll failed with permanent provider error - fix the resource to resume", attrs...)
	case count >= 5:
		s.logger.Error("poll trigger experiencing repeated errors", attrs...)
	default:
		s.logger.Warn("poll failed", attrs...)
	}
}

// noteResourceError reports a per-resource failure inside an otherwise
// successful poll.
func (s *Service) noteResourceError(ctx context.Context, reg *registration, rr ResourceResult) {
	if errors.IsRateLimited(rr.Err) {
		s.rateLimiter.RecordRateLimit(reg.Provider, 0)
	}
	if s.metrics != nil {
		s.metrics.RecordError(ctx, reg.Provider, errorType(rr.Err))
	}

	s.logger.Warn("resource poll failed, other resources unaffected",
		slog.String(log.TriggerIDKey, reg.TriggerID),
		slog.String(log.ResourceKey, rr.Resource),
		log.Error(rr.Err))
}

// revertResource restores one resource's sub-state in next to its pre-poll
// value from prev.
func revertResource(next, prev *TriggerState, resource string) {
	if rs, ok := prev.Resources[resource]; ok {
		next.Resources[resource] = rs.clone()
		return
	}
	delete(next.Resources, resource)
}

// errorType buckets an error for metrics labels.
func errorType(err error) string {
	switch {
	case errors.IsRateLimited(err):
		return "rate_limited"
	case errors.IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}
