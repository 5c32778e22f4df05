package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/IshaanNene/BirdStalk/internal/pool"
	"github.com/IshaanNene/BirdStalk/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func newTestAPI(t *testing.T, baseURL string) *API {
	t.Helper()
	ctx := context.Background()

	p, err := pool.New(filepath.Join(t.TempDir(), "accounts.db"), testLogger, pool.Options{RaiseWhenNoAccount: true})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.AddAccount(ctx, "user1", "pass1", "u1@example.com", "mailpass", pool.AddOptions{}); err != nil {
		t.Fatalf("add account: %v", err)
	}
	if err := p.SetActive(ctx, "user1", true); err != nil {
		t.Fatalf("set active: %v", err)
	}

	old := gqlURL
	gqlURL = baseURL
	t.Cleanup(func() { gqlURL = old })

	return New(p, Options{Logger: testLogger})
}

// page builds a timeline payload with n tweet entries and an optional bottom
// cursor.
func page(n int, cursor string) string {
	var entries []map[string]any
	for i := 0; i < n; i++ {
		entries = append(entries, map[string]any{
			"entryId": fmt.Sprintf("tweet-%d", i),
			"content": map[string]any{"itemContent": map[string]any{}},
		})
	}
	if cursor != "" {
		entries = append(entries, map[string]any{
			"entryId": "cursor-bottom-0",
			"content": map[string]any{"cursorType": "Bottom", "value": cursor},
		})
	}

	payload := map[string]any{
		"data": map[string]any{
			"timeline": map[string]any{
				"instructions": []any{
					map[string]any{"type": "TimelineAddEntries", "entries": entries},
				},
			},
		},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

// Scenario: pagination stops on the first page with zero filtered entries,
// without yielding it or requesting a third page.
func TestItemsStopsOnEmptyPage(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch requests.Add(1) {
		case 1:
			w.Write([]byte(page(20, "c2")))
		default:
			w.Write([]byte(page(0, "c3")))
		}
	}))
	defer srv.Close()

	a := newTestAPI(t, srv.URL)

	var pages []*types.Response
	for rep := range a.Items(context.Background(), OpSearchTimeline, map[string]any{"rawQuery": "q"}, -1) {
		pages = append(pages, rep)
	}

	if len(pages) != 1 {
		t.Fatalf("yielded %d pages, want 1", len(pages))
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("made %d requests, want 2", got)
	}
}

func TestItemsPassesCursor(t *testing.T) {
	var mu sync.Mutex
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var vars map[string]any
		json.Unmarshal([]byte(r.URL.Query().Get("variables")), &vars)
		cur, _ := vars["cursor"].(string)

		mu.Lock()
		cursors = append(cursors, cur)
		first := len(cursors) == 1
		mu.Unlock()

		if first {
			w.Write([]byte(page(5, "next-cursor")))
		} else {
			w.Write([]byte(page(0, "")))
		}
	}))
	defer srv.Close()

	a := newTestAPI(t, srv.URL)
	for range a.Items(context.Background(), OpSearchTimeline, map[string]any{"rawQuery": "q"}, -1) {
	}

	mu.Lock()
	defer mu.Unlock()
	if len(cursors) != 2 {
		t.Fatalf("made %d requests, want 2", len(cursors))
	}
	if cursors[0] != "" {
		t.Fatalf("first request carried cursor %q, want none", cursors[0])
	}
	if cursors[1] != "next-cursor" {
		t.Fatalf("second request carried cursor %q, want next-cursor", cursors[1])
	}
}

func TestItemsLimitStopsAfterEnough(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(page(20, "more")))
	}))
	defer srv.Close()

	a := newTestAPI(t, srv.URL)

	yielded := 0
	for range a.Items(context.Background(), OpSearchTimeline, map[string]any{"rawQuery": "q"}, 30) {
		yielded++
	}

	// 20 entries per page, limit 30: the second page overshoots, then stops
	if yielded != 2 {
		t.Fatalf("yielded %d pages, want 2", yielded)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("made %d requests, want 2", got)
	}
}

func TestItemsLimitZero(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(page(20, "more")))
	}))
	defer srv.Close()

	a := newTestAPI(t, srv.URL)

	yielded := 0
	for range a.Items(context.Background(), OpSearchTimeline, map[string]any{"rawQuery": "q"}, 0) {
		yielded++
	}

	if yielded != 0 {
		t.Fatalf("limit=0 yielded %d pages, want 0", yielded)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("limit=0 made %d requests, want 1", got)
	}
}

// Early break by the consumer releases the lease.
func TestItemsEarlyBreakReleasesLease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page(20, "more")))
	}))
	defer srv.Close()

	a := newTestAPI(t, srv.URL)

	for range a.Items(context.Background(), OpSearchTimeline, map[string]any{"rawQuery": "q"}, -1) {
		break
	}

	stats, err := a.pool.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["locked_SearchTimeline"] != 0 {
		t.Fatalf("lease not released after early break: %v", stats)
	}
}

func TestItemSingleShot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"user": {"result": {"rest_id": "123"}}}}`))
	}))
	defer srv.Close()

	a := newTestAPI(t, srv.URL)
	rep, err := a.UserByID(context.Background(), 123)
	if err != nil {
		t.Fatalf("user by id: %v", err)
	}
	if rep == nil || rep.StatusCode != 200 {
		t.Fatalf("unexpected response: %+v", rep)
	}
}

func TestEncodeParams(t *testing.T) {
	params := encodeParams(map[string]any{"q": "golang", "skip": nil}, map[string]bool{"withArticlePlainText": false})

	var vars map[string]any
	if err := json.Unmarshal([]byte(params.Get("variables")), &vars); err != nil {
		t.Fatalf("variables not JSON: %v", err)
	}
	if vars["q"] != "golang" {
		t.Fatalf("variables = %v", vars)
	}
	if _, ok := vars["skip"]; ok {
		t.Fatal("nil variable not stripped")
	}

	var feats map[string]bool
	if err := json.Unmarshal([]byte(params.Get("features")), &feats); err != nil {
		t.Fatalf("features not JSON: %v", err)
	}
	if len(feats) != len(gqlFeatures) {
		t.Fatalf("features = %d entries, want %d", len(feats), len(gqlFeatures))
	}

	if params.Get("fieldToggles") == "" {
		t.Fatal("fieldToggles missing")
	}
}

func TestGetByPath(t *testing.T) {
	var obj map[string]any
	json.Unmarshal([]byte(`{"a": {"b": [{"c": {"entries": [1, 2]}}]}}`), &obj)

	got := getByPath(obj, "entries")
	if got == nil {
		t.Fatal("entries not found")
	}
	if len(got.([]any)) != 2 {
		t.Fatalf("entries = %v", got)
	}
	if getByPath(obj, "missing") != nil {
		t.Fatal("expected nil for missing key")
	}
}

func TestFindObj(t *testing.T) {
	var obj map[string]any
	json.Unmarshal([]byte(`{"x": [{"cursorType": "Top", "value": "t"}, {"cursorType": "Bottom", "value": "b"}]}`), &obj)

	got := findObj(obj, func(o map[string]any) bool { return o["cursorType"] == "Bottom" })
	if got == nil || got["value"] != "b" {
		t.Fatalf("findObj = %v", got)
	}
}

func TestPageEntriesFiltersPlaceholders(t *testing.T) {
	var obj map[string]any
	json.Unmarshal([]byte(`{"entries": [
		{"entryId": "tweet-1"},
		{"entryId": "cursor-top-0"},
		{"entryId": "messageprompt-1"},
		{"entryId": "tweet-2"}
	]}`), &obj)

	entries := pageEntries(obj)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}
