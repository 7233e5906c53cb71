package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestra-io/workspace-triggers/internal/log"
)

// Engine runs one polling cycle for a trigger instance: fetch, filter, dedup,
// decide-to-fire. It is synchronous, holds no background goroutines, and has
// no shared mutable state across instances; the host must not invoke Poll for
// the same trigger instance concurrently. Persistence and emission are the
// caller's job (see Service), which keeps the fire decision unit-testable
// without a scheduler.
type Engine struct {
	provider Provider
	logger   *slog.Logger
	maxSeen  int
}

// NewEngine creates a poll engine bound to one provider.
func NewEngine(provider Provider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider: provider,
		logger:   log.WithComponent(logger, "poll-engine"),
		maxSeen:  DefaultMaxSeen,
	}
}

// Poll executes one poll cycle over every configured resource and returns the
// fire sets plus the advanced state. The input state is never mutated.
//
// Per resource: a fetch error leaves that resource's sub-state at its
// pre-poll value and attaches the error to the result; a successful fetch
// advances the sub-cursor to the provider-returned value even when the fire
// set is empty, so already-inspected items are not re-scanned next poll.
//
// The returned error is non-nil only when every resource failed; the caller
// then discards the returned state and retries from the old one at the next
// scheduled poll. Partial failures are reported per-resource and do not
// abort successful resources.
func (e *Engine) Poll(ctx context.Context, state *TriggerState, cfg *Config) (*PollResult, *TriggerState, error) {
	filter, err := newItemFilter(cfg)
	if err != nil {
		// Unreachable for validated configs; kept for direct callers.
		return nil, state, err
	}

	next := state.Clone()
	result := &PollResult{}

	resources := cfg.ResourceIDs()
	var firstErr error
	failures := 0

	for _, resource := range resources {
		rr := e.pollResource(ctx, next, cfg, filter, resource)
		result.Resources = append(result.Resources, rr)

		if rr.Err != nil {
			failures++
			if firstErr == nil {
				firstErr = rr.Err
			}
			continue
		}
		if len(rr.Items) > 0 {
			result.Fired = true
		}
	}

	if failures == len(resources) && failures > 0 {
		return result, state, firstErr
	}

	next.UpdatedAt = time.Now()
	return result, next, nil
}

// pollResource runs the cycle for one resource against next's sub-state.
func (e *Engine) pollResource(ctx context.Context, next *TriggerState, cfg *Config, filter *itemFilter, resource string) ResourceResult {
	rs := next.Resource(resource)

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.fetchTimeout())
	defer cancel()

	items, newCursor, err := e.provider.FetchSince(fetchCtx, resource, rs.Cursor, cfg, cfg.MaxItems())
	if err != nil {
		return ResourceResult{Resource: resource, Cursor: rs.Cursor, Err: err}
	}

	matched, ferr := filter.Apply(items)
	if ferr != nil {
		e.logger.Warn("expression evaluation failed for some items",
			slog.String(log.ResourceKey, resource),
			log.Error(ferr))
	}

	// Same-cursor dedup: entries under older cursors were already evicted,
	// so presence in the seen set means "fired at the current cursor value".
	fire := make([]CandidateItem, 0, len(matched))
	for _, item := range matched {
		if _, seen := rs.Seen[item.ID]; seen {
			continue
		}
		fire = append(fire, item)
	}

	if newCursor != "" {
		rs.Cursor = newCursor
	}
	rs.markFired(fire, time.Now())
	rs.prune(e.maxSeen)

	return ResourceResult{Resource: resource, Items: fire, Cursor: rs.Cursor}
}
