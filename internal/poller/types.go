// Package poller implements poll-based triggers over external workspace resources.
//
// A trigger instance repeatedly asks a resource provider (mail, calendar,
// spreadsheet) for items newer than a persisted cursor, filters them, removes
// items already fired within the current cursor value, and hands the survivors
// to an execution emitter. The cursor and a bounded seen-set are persisted
// between polls so a restart never re-fires items and never skips them.
package poller

import (
	"context"
	"time"
)

// Cursor is an opaque, provider-defined ordering marker (timestamp, revision
// ID, or page token). It is monotonically non-decreasing across successful
// polls of a trigger instance. The empty cursor means "no history": the
// provider decides what the first poll covers.
type Cursor string

// CandidateItem is the unit of change reported by a provider during one poll.
// Items live only for the poll cycle that produced them; only the ID may be
// persisted, for deduplication.
type CandidateItem struct {
	// ID uniquely identifies the item within provider+resource.
	ID string `json:"id"`

	// OrderingKey is the provider-defined ordering value for the item
	// (e.g. an RFC3339 timestamp). Items sharing an ordering key may be
	// re-returned by providers with coarse cursor granularity.
	OrderingKey string `json:"ordering_key"`

	// Payload is the resource's native representation, passed through
	// unmodified to the execution emitter.
	Payload map[string]any `json:"payload"`
}

// SeenEntry records one fired item identifier together with the cursor value
// in effect when it fired. Entries recorded under an older cursor can never
// collide again and are evicted when the cursor advances past them.
type SeenEntry struct {
	Cursor  Cursor `json:"cursor"`
	FiredAt int64  `json:"fired_at"`
}

// ResourceState is the persisted poll state for a single resource within a
// trigger instance. Multi-resource triggers keep one ResourceState per
// resource so a failure on one resource never rolls back another.
type ResourceState struct {
	// Cursor is the last-confirmed ordering marker for this resource.
	Cursor Cursor `json:"cursor"`

	// Seen maps recently-fired item IDs to the cursor value they fired at.
	// It is a safety net for coarse cursor granularity, not the primary
	// dedup mechanism, and is bounded (see TriggerState pruning).
	Seen map[string]SeenEntry `json:"seen,omitempty"`
}

// TriggerState is the per-trigger-instance aggregate persisted between polls.
// It is owned exclusively by the poll engine for that trigger instance and is
// never shared across instances.
type TriggerState struct {
	// TriggerID is the unique identifier for this trigger instance.
	TriggerID string `json:"trigger_id"`

	// Resources holds one sub-state per polled resource.
	Resources map[string]*ResourceState `json:"resources"`

	// CreatedAt is when this trigger state was first persisted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state was last persisted.
	UpdatedAt time.Time `json:"updated_at"`
}

// ResourceResult is the outcome of polling a single resource.
// Err is set when the resource failed; a failed resource never advances its
// cursor, and other resources in the same poll are unaffected.
type ResourceResult struct {
	// Resource identifies the resource this result came from.
	Resource string

	// Items is the fire set in provider-native order.
	Items []CandidateItem

	// Cursor is the cursor value in effect after this poll of the resource.
	Cursor Cursor

	// Err is the per-resource failure, if any.
	Err error
}

// PollResult is produced once per poll cycle. It is either converted to
// execution emissions or discarded; it is never persisted.
type PollResult struct {
	// Fired reports whether any resource produced a non-empty fire set.
	Fired bool

	// Resources holds per-resource outcomes, including partial failures.
	Resources []ResourceResult
}

// FailedResources returns the results that carry an error.
func (r *PollResult) FailedResources() []ResourceResult {
	var failed []ResourceResult
	for _, rr := range r.Resources {
		if rr.Err != nil {
			failed = append(failed, rr)
		}
	}
	return failed
}

// Provider is implemented per resource type (mail, calendar, spreadsheet
// range). FetchSince returns all candidate items newer than the cursor, up to
// maxItems, in provider-native order, plus the cursor value that covers all
// returned items. Providers paginate internally. Failures must be
// distinguishable as transient vs permanent (see pkg/errors.ProviderError) so
// the engine can decide whether to retain the old cursor.
type Provider interface {
	// Name returns the provider name (e.g. "gmail", "calendar", "sheets").
	Name() string

	// FetchSince queries the resource for items newer than cursor.
	FetchSince(ctx context.Context, resource string, cursor Cursor, cfg *Config, maxItems int) ([]CandidateItem, Cursor, error)
}

// Execution is the payload handed to the host when a trigger fires. Items are
// in provider-native order with their native fields passed through.
type Execution struct {
	// ID is a unique identifier for this execution.
	ID string `json:"id"`

	// TriggerID identifies the trigger instance that fired.
	TriggerID string `json:"trigger_id"`

	// Resource identifies the resource the items came from.
	Resource string `json:"resource"`

	// Cursor is the cursor value in effect at fire time.
	Cursor Cursor `json:"cursor"`

	// FiredAt is when the fire decision was made.
	FiredAt time.Time `json:"fired_at"`

	// Items is the ordered list of matched items.
	Items []CandidateItem `json:"items"`
}

// Emitter receives executions for non-empty fire sets. The host scheduler
// consumes the payload to materialize a workflow run. An Emit error prevents
// the cursor from advancing past the unhanded items.
type Emitter interface {
	Emit(ctx context.Context, exec *Execution) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, exec *Execution) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, exec *Execution) error {
	return f(ctx, exec)
}
