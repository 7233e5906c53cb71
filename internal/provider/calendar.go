package provider

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/kestra-io/workspace-triggers/internal/poller"
)

// calendarPageSize is the API's maximum page size for event listing.
const calendarPageSize = 250

// Calendar polls calendars through the Calendar API. The resource selector is
// the calendar ID. The cursor is the newest event update timestamp observed,
// in RFC 3339; fetches list events updated strictly after it.
type Calendar struct {
	svc *calendar.Service
}

// NewCalendar creates a Calendar provider with read-only calendar access.
func NewCalendar(ctx context.Context, cfg ClientConfig) (*Calendar, error) {
	opts, err := cfg.transportOptions(ctx, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar client: %w", err)
	}
	return &Calendar{svc: svc}, nil
}

// Name implements poller.Provider.
func (c *Calendar) Name() string { return "calendar" }

// FetchSince lists events whose last modification is newer than the cursor.
// UpdatedMin is inclusive at second granularity, so the boundary event comes
// back on the next poll; the caller's seen set absorbs the overlap.
func (c *Calendar) FetchSince(ctx context.Context, resource string, cursor poller.Cursor, cfg *poller.Config, maxItems int) ([]poller.CandidateItem, poller.Cursor, error) {
	var items []poller.CandidateItem
	newCursor := string(cursor)

	pageToken := ""
	for len(items) < maxItems {
		pageSize := int64(maxItems - len(items))
		if pageSize > calendarPageSize {
			pageSize = calendarPageSize
		}

		call := c.svc.Events.List(resource).
			MaxResults(pageSize).
			SingleEvents(true).
			OrderBy("updated").
			ShowDeleted(false).
			Context(ctx)
		if cursor != "" {
			call = call.UpdatedMin(string(cursor))
		}
		if cfg.Query != "" {
			// Free-text search in the provider's own semantics.
			call = call.Q(cfg.Query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, "", classify(c.Name(), err)
		}

		for _, event := range resp.Items {
			if len(items) >= maxItems {
				break
			}
			items = append(items, eventToItem(event))
			newCursor = maxCursor(newCursor, event.Updated)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return items, poller.Cursor(newCursor), nil
}

// eventToItem flattens an event into a candidate item payload.
func eventToItem(event *calendar.Event) poller.CandidateItem {
	payload := map[string]any{
		"summary":     event.Summary,
		"description": event.Description,
		"status":      event.Status,
		"location":    event.Location,
		"updated":     event.Updated,
		"attendees":   len(event.Attendees),
		"html_link":   event.HtmlLink,
	}

	if event.Organizer != nil {
		payload["organizer"] = event.Organizer.Email
	}
	if event.Start != nil {
		payload["start"] = eventTime(event.Start)
	}
	if event.End != nil {
		payload["end"] = eventTime(event.End)
	}

	return poller.CandidateItem{
		ID:          event.Id,
		OrderingKey: event.Updated,
		Payload:     payload,
	}
}

// eventTime returns the event boundary as RFC 3339, whether the event is
// timed or all-day.
func eventTime(t *calendar.EventDateTime) string {
	if t.DateTime != "" {
		return t.DateTime
	}
	if t.Date != "" {
		// All-day events carry a bare date.
		if parsed, err := time.Parse("2006-01-02", t.Date); err == nil {
			return parsed.Format(time.RFC3339)
		}
		return t.Date
	}
	return ""
}
