package provider

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/gmail/v1"

	"github.com/kestra-io/workspace-triggers/internal/poller"
)

// gmailPageSize is the API's maximum page size for message listing.
const gmailPageSize = 500

// Gmail polls mailboxes through the Gmail API. The resource selector is the
// mailbox address (or "me" for the authenticated user). The cursor encodes
// the newest internal date observed, in epoch seconds; the fetch query is the
// configured search expression narrowed with an "after:" clause.
type Gmail struct {
	svc *gmail.Service
}

// NewGmail creates a Gmail provider with read-only mailbox access.
func NewGmail(ctx context.Context, cfg ClientConfig) (*Gmail, error) {
	opts, err := cfg.transportOptions(ctx, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail client: %w", err)
	}
	return &Gmail{svc: svc}, nil
}

// Name implements poller.Provider.
func (g *Gmail) Name() string { return "gmail" }

// FetchSince lists messages newer than the cursor. Gmail's "after:" clause
// has one-second granularity, so the boundary message is re-returned on the
// next poll; the caller's seen set absorbs the overlap.
//
// The listing is newest-first. When the eligible set exceeds maxItems only
// the oldest maxItems are fetched: the advanced cursor then covers exactly
// the returned messages, and the newer ones stay ahead of it for the next
// poll. Advancing past an unfetched message would hide it behind the
// "after:" clause forever.
func (g *Gmail) FetchSince(ctx context.Context, resource string, cursor poller.Cursor, cfg *poller.Config, maxItems int) ([]poller.CandidateItem, poller.Cursor, error) {
	query := buildGmailQuery(cfg.Query, cursor)

	refs, err := g.listMessageRefs(ctx, resource, query, cfg.Labels)
	if err != nil {
		return nil, "", err
	}
	if maxItems > 0 && len(refs) > maxItems {
		refs = refs[len(refs)-maxItems:]
	}

	items := make([]poller.CandidateItem, 0, len(refs))
	newCursor := string(cursor)
	for _, ref := range refs {
		msg, err := g.svc.Users.Messages.Get(resource, ref.Id).
			Format("metadata").
			MetadataHeaders("From", "To", "Subject").
			Context(ctx).
			Do()
		if err != nil {
			return nil, "", classify(g.Name(), err)
		}

		items = append(items, messageToItem(msg))
		newCursor = maxCursor(newCursor, fmt.Sprintf("%d", msg.InternalDate/1000))
	}

	return items, poller.Cursor(newCursor), nil
}

// listMessageRefs pages through every message reference matching the query.
// References carry only IDs, so enumerating the full eligible set is one
// cheap list call per 500 messages.
func (g *Gmail) listMessageRefs(ctx context.Context, resource, query string, labels []string) ([]*gmail.Message, error) {
	var refs []*gmail.Message

	pageToken := ""
	for {
		call := g.svc.Users.Messages.List(resource).
			Q(query).
			MaxResults(gmailPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		if len(labels) > 0 {
			call = call.LabelIds(labels...)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, classify(g.Name(), err)
		}
		refs = append(refs, resp.Messages...)

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return refs, nil
}

// buildGmailQuery combines the configured search expression with the cursor
// narrowing clause. The expression is passed through verbatim in Gmail's own
// query syntax.
func buildGmailQuery(query string, cursor poller.Cursor) string {
	parts := make([]string, 0, 2)
	if query != "" {
		parts = append(parts, query)
	}
	if cursor != "" {
		parts = append(parts, fmt.Sprintf("after:%s", cursor))
	}
	return strings.Join(parts, " ")
}

// messageToItem flattens a message's metadata into a candidate item payload.
func messageToItem(msg *gmail.Message) poller.CandidateItem {
	payload := map[string]any{
		"thread_id":     msg.ThreadId,
		"snippet":       msg.Snippet,
		"labels":        msg.LabelIds,
		"internal_date": msg.InternalDate,
		"size":          msg.SizeEstimate,
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				payload["from"] = h.Value
				payload["sender"] = h.Value
			case "To":
				payload["to"] = h.Value
			case "Subject":
				payload["subject"] = h.Value
			}
		}
	}

	// Internal date has millisecond precision and is fixed-width, so it
	// orders lexicographically.
	return poller.CandidateItem{
		ID:          msg.Id,
		OrderingKey: fmt.Sprintf("%013d", msg.InternalDate),
		Payload:     payload,
	}
}
