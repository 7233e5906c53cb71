package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/kestra-io/workspace-triggers/internal/poller"
	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

func TestFileToItem(t *testing.T) {
	file := &drive.File{
		Id:           "sheet-1",
		Name:         "Q3 Forecast",
		Version:      42,
		ModifiedTime: "2026-03-01T10:15:00.000Z",
		LastModifyingUser: &drive.User{
			DisplayName:  "Dana Reyes",
			EmailAddress: "dana@example.com",
		},
	}

	item := fileToItem(file)

	assert.Equal(t, "sheet-1@42", item.ID)
	assert.Equal(t, "2026-03-01T10:15:00.000Z", item.OrderingKey)
	assert.Equal(t, "Q3 Forecast", item.Payload["name"])
	assert.Equal(t, int64(42), item.Payload["version"])
	assert.Equal(t, "dana@example.com", item.Payload["sender"])
	assert.Equal(t, "Dana Reyes", item.Payload["modified_by"])
}

func TestFileToItemNoModifyingUser(t *testing.T) {
	item := fileToItem(&drive.File{
		Id:           "sheet-2",
		Version:      1,
		ModifiedTime: "2026-03-02T00:00:00.000Z",
	})

	assert.Equal(t, "sheet-2@1", item.ID)
	assert.NotContains(t, item.Payload, "sender")
	assert.NotContains(t, item.Payload, "modified_by")
}

// fakeSpreadsheet serves the Drive file metadata get and the Sheets
// spreadsheet get that FetchSince combines.
type fakeSpreadsheet struct {
	file *drive.File
	doc  *sheets.Spreadsheet

	fileStatus int // non-zero overrides the Drive response with an error
}

func (f *fakeSpreadsheet) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/files/"):
			if f.fileStatus != 0 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(f.fileStatus)
				w.Write([]byte(`{"error":{"code":404,"message":"file not found"}}`))
				return
			}
			json.NewEncoder(w).Encode(f.file)
		case strings.Contains(r.URL.Path, "/spreadsheets/"):
			json.NewEncoder(w).Encode(f.doc)
		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	})
}

func newTestSheets(t *testing.T, handler http.Handler) *Sheets {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts := []option.ClientOption{
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication(),
	}
	driveSvc, err := drive.NewService(context.Background(), opts...)
	require.NoError(t, err)
	sheetsSvc, err := sheets.NewService(context.Background(), opts...)
	require.NoError(t, err)
	return &Sheets{drive: driveSvc, sheets: sheetsSvc}
}

func TestSheetsFetchSince_ReportsModification(t *testing.T) {
	fake := &fakeSpreadsheet{
		file: &drive.File{
			Id:           "sheet-1",
			Name:         "Q3 Forecast",
			Version:      7,
			ModifiedTime: "2026-03-01T10:15:00.000Z",
		},
		doc: &sheets.Spreadsheet{
			Properties: &sheets.SpreadsheetProperties{Title: "Q3 Forecast"},
			Sheets: []*sheets.Sheet{
				{Properties: &sheets.SheetProperties{Title: "Summary"}},
				{Properties: &sheets.SheetProperties{Title: "Data"}},
			},
		},
	}
	s := newTestSheets(t, fake.handler(t))

	items, cursor, err := s.FetchSince(context.Background(), "sheet-1", "", &poller.Config{}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "sheet-1@7", items[0].ID)
	assert.Equal(t, poller.Cursor("2026-03-01T10:15:00.000Z"), cursor)
	assert.Equal(t, "Q3 Forecast", items[0].Payload["title"])
	assert.Equal(t, []string{"Summary", "Data"}, items[0].Payload["sheet_names"])
}

func TestSheetsFetchSince_NoChangeKeepsCursor(t *testing.T) {
	fake := &fakeSpreadsheet{
		file: &drive.File{
			Id:           "sheet-1",
			Version:      7,
			ModifiedTime: "2026-03-01T10:15:00.000Z",
		},
	}
	s := newTestSheets(t, fake.handler(t))

	cursor := poller.Cursor("2026-03-01T10:15:00.000Z")
	items, next, err := s.FetchSince(context.Background(), "sheet-1", cursor, &poller.Config{}, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, cursor, next)
}

func TestSheetsFetchSince_ClassifiesMissingFile(t *testing.T) {
	fake := &fakeSpreadsheet{fileStatus: http.StatusNotFound}
	s := newTestSheets(t, fake.handler(t))

	_, _, err := s.FetchSince(context.Background(), "gone", "", &poller.Config{}, 10)
	require.Error(t, err)

	var pe *errors.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Transient)
	assert.Equal(t, 404, pe.StatusCode)
	assert.True(t, errors.IsPermanent(err))
}

func TestFileToItemOrderingKeysSortByModifiedTime(t *testing.T) {
	earlier := fileToItem(&drive.File{Id: "s", Version: 1, ModifiedTime: "2026-03-01T09:00:00.000Z"})
	later := fileToItem(&drive.File{Id: "s", Version: 2, ModifiedTime: "2026-03-01T10:00:00.000Z"})

	assert.Less(t, earlier.OrderingKey, later.OrderingKey)
	assert.NotEqual(t, earlier.ID, later.ID)
}
