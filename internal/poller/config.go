package poller

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

const (
	// MinInterval is the minimum allowed polling interval. Intervals below
	// the floor are a validation error, never silently raised.
	MinInterval = time.Minute

	// MaxItemsCeiling is the hard ceiling on items fetched per poll cycle,
	// matching the largest page budget the workspace providers allow.
	MaxItemsCeiling = 2500

	// DefaultMaxItems is used when max_items_per_poll is not configured.
	DefaultMaxItems = 100

	// DefaultFetchTimeout bounds a single provider read.
	DefaultFetchTimeout = 30 * time.Second
)

// Config enumerates the recognized options for one poll trigger instance.
// Filter options compose by conjunction; an absent option means "always true"
// for that dimension. Query strings are passed through to the provider
// verbatim, in the provider's own query syntax.
type Config struct {
	// Resource selects a single resource (mailbox, calendar ID,
	// spreadsheet ID). Mutually exclusive with Resources.
	Resource string `yaml:"resource,omitempty" json:"resource,omitempty"`

	// Resources selects several resources polled independently, each with
	// its own sub-cursor. Mutually exclusive with Resource.
	Resources []string `yaml:"resources,omitempty" json:"resources,omitempty"`

	// Interval is the polling interval. Floor: 1 minute.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Query is a provider-native query string (e.g. a Gmail search
	// expression), passed through verbatim.
	Query string `yaml:"query,omitempty" json:"query,omitempty"`

	// StatusFilter keeps only items whose payload status equals this value.
	// Matching is case-sensitive equality.
	StatusFilter string `yaml:"status_filter,omitempty" json:"status_filter,omitempty"`

	// OrganizerOrSender keeps only items organized by (calendar) or sent
	// from (mail) this address.
	OrganizerOrSender string `yaml:"organizer_or_sender,omitempty" json:"organizer_or_sender,omitempty"`

	// Labels keeps only items carrying every listed label.
	Labels []string `yaml:"labels,omitempty" json:"labels,omitempty"`

	// Expression is an optional boolean expression evaluated against each
	// item's payload, ANDed with the structural filters.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`

	// MaxItemsPerPoll bounds the work done in one poll cycle.
	// Zero means DefaultMaxItems; values above MaxItemsCeiling are capped.
	MaxItemsPerPoll int `yaml:"max_items_per_poll,omitempty" json:"max_items_per_poll,omitempty"`

	// FetchTimeout bounds a single provider read. Zero means the default.
	// Connection establishment has its own budget, configured on the
	// provider (see the provider package).
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty" json:"fetch_timeout,omitempty"`
}

// Validate checks the configuration for errors. Configuration errors are
// non-retryable and are surfaced at trigger registration time, before any
// poll attempt.
func (c *Config) Validate() error {
	if c.Resource == "" && len(c.Resources) == 0 {
		return &errors.ValidationError{
			Field:      "resource",
			Message:    "a resource selector is required",
			Suggestion: "set resource to a single id, or resources to a list of ids",
		}
	}

	if c.Resource != "" && len(c.Resources) > 0 {
		return &errors.ValidationError{
			Field:      "resources",
			Message:    "resource and resources are mutually exclusive",
			Suggestion: "set either resource (single id) or resources (list), not both",
		}
	}

	if c.Interval < MinInterval {
		return &errors.ValidationError{
			Field:      "interval",
			Message:    fmt.Sprintf("interval must be at least %s, got %s", MinInterval, c.Interval),
			Suggestion: "increase the interval to 1m or more",
		}
	}

	if c.MaxItemsPerPoll < 0 {
		return &errors.ValidationError{
			Field:      "max_items_per_poll",
			Message:    fmt.Sprintf("must not be negative, got %d", c.MaxItemsPerPoll),
			Suggestion: "set a positive item budget, or omit for the default",
		}
	}

	if c.Expression != "" {
		if _, err := compileExpression(c.Expression); err != nil {
			return &errors.ValidationError{
				Field:      "expression",
				Message:    fmt.Sprintf("failed to compile expression: %s", err),
				Suggestion: "check expression syntax; it must evaluate to a boolean",
			}
		}
	}

	return nil
}

// ResourceIDs returns the configured resource selectors as a list.
func (c *Config) ResourceIDs() []string {
	if c.Resource != "" {
		return []string{c.Resource}
	}
	return c.Resources
}

// MaxItems returns the effective per-poll item budget, capped at the ceiling.
func (c *Config) MaxItems() int {
	n := c.MaxItemsPerPoll
	if n == 0 {
		n = DefaultMaxItems
	}
	if n > MaxItemsCeiling {
		n = MaxItemsCeiling
	}
	return n
}

// fetchTimeout returns the effective provider read timeout.
func (c *Config) fetchTimeout() time.Duration {
	if c.FetchTimeout > 0 {
		return c.FetchTimeout
	}
	return DefaultFetchTimeout
}

// compileExpression compiles an item filter expression.
// The environment is supplied at evaluation time, so undefined variables are
// allowed here; the result type is pinned to boolean.
func compileExpression(expression string) (compiledExpression, error) {
	return expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
}
