package poller

import (
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// compiledExpression is a compiled item filter expression.
type compiledExpression = *vm.Program

// itemFilter is the stateless predicate composition applied to each candidate
// item. Each configured dimension contributes one predicate; the effective
// predicate is the conjunction of all of them. An unset dimension is always
// true.
type itemFilter struct {
	keyword string
	status  string
	address string
	labels  []string
	program compiledExpression
}

// newItemFilter builds the filter for a validated config.
func newItemFilter(cfg *Config) (*itemFilter, error) {
	f := &itemFilter{
		keyword: cfg.Query,
		status:  cfg.StatusFilter,
		address: cfg.OrganizerOrSender,
		labels:  cfg.Labels,
	}

	if cfg.Expression != "" {
		program, err := compileExpression(cfg.Expression)
		if err != nil {
			return nil, err
		}
		f.program = program
	}

	return f, nil
}

// Matches evaluates the conjunction of all configured predicates against one
// item. An item failing any one dimension is excluded regardless of the
// others. Expression evaluation errors exclude the item and are reported so
// the caller can log them.
func (f *itemFilter) Matches(item CandidateItem) (bool, error) {
	if f.keyword != "" && !payloadContains(item.Payload, f.keyword) {
		return false, nil
	}

	if f.status != "" {
		// Case-sensitive equality for enum/status fields.
		status, _ := item.Payload["status"].(string)
		if status != f.status {
			return false, nil
		}
	}

	if f.address != "" && !matchesAddress(item.Payload, f.address) {
		return false, nil
	}

	for _, label := range f.labels {
		if !hasLabel(item.Payload, label) {
			return false, nil
		}
	}

	if f.program != nil {
		env := map[string]any{
			"id":           item.ID,
			"ordering_key": item.OrderingKey,
			"item":         item.Payload,
		}
		result, err := expr.Run(f.program, env)
		if err != nil {
			return false, err
		}
		match, ok := result.(bool)
		if !ok || !match {
			return false, nil
		}
	}

	return true, nil
}

// Apply filters items in place order, preserving provider-native ordering.
// Items whose expression evaluation fails are dropped; the first such error
// is returned alongside the survivors.
func (f *itemFilter) Apply(items []CandidateItem) ([]CandidateItem, error) {
	matched := make([]CandidateItem, 0, len(items))
	var firstErr error
	for _, item := range items {
		ok, err := f.Matches(item)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			matched = append(matched, item)
		}
	}
	return matched, firstErr
}

// payloadContains reports whether any string value in the payload contains the
// keyword. Substring containment, case-sensitive: provider-side query
// semantics are not reinterpreted here.
func payloadContains(payload map[string]any, keyword string) bool {
	for _, v := range payload {
		if s, ok := v.(string); ok && strings.Contains(s, keyword) {
			return true
		}
	}
	return false
}

// matchesAddress reports whether the payload's organizer or sender field
// equals the configured address.
func matchesAddress(payload map[string]any, address string) bool {
	for _, field := range []string{"organizer", "sender", "from"} {
		if s, ok := payload[field].(string); ok && s == address {
			return true
		}
	}
	return false
}

// hasLabel reports whether the payload's label set contains the given label.
// Providers surface labels either as []string or as []any after JSON decoding.
func hasLabel(payload map[string]any, label string) bool {
	switch labels := payload["labels"].(type) {
	case []string:
		for _, l := range labels {
			if l == label {
				return true
			}
		}
	case []any:
		for _, l := range labels {
			if s, ok := l.(string); ok && s == label {
				return true
			}
		}
	}
	return false
}
