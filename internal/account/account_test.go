package account

import (
	"net/http"
	"testing"
	"time"

	"github.com/IshaanNene/BirdStalk/internal/store"
)

func sampleRow() store.Row {
	return store.Row{
		"username":       "user1",
		"password":       "pass1",
		"email":          "u1@example.com",
		"email_password": "mailpass1",
		"user_agent":     "Mozilla/5.0 test",
		"active":         int64(1),
		"locks":          `{"SearchTimeline":"2026-01-02T15:04:05"}`,
		"stats":          `{"SearchTimeline":42}`,
		"headers":        `{"authorization":"Bearer xyz"}`,
		"cookies":        `{"ct0":"abc"}`,
		"proxy":          nil,
		"error_msg":      nil,
		"last_used":      "2026-01-02T15:00:00",
		"mfa_code":       nil,
		"_tx":            nil,
	}
}

func TestFromRow(t *testing.T) {
	acc, err := FromRow(sampleRow())
	if err != nil {
		t.Fatalf("from row: %v", err)
	}

	if acc.Username != "user1" || !acc.Active {
		t.Fatalf("unexpected account: %+v", acc)
	}

	lock, ok := acc.Locks["SearchTimeline"]
	if !ok {
		t.Fatal("expected SearchTimeline lock")
	}
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	if !lock.Equal(want) {
		t.Fatalf("lock = %v, want %v", lock, want)
	}

	if acc.Stats["SearchTimeline"] != 42 {
		t.Fatalf("stats = %v", acc.Stats)
	}
	if !acc.LoggedIn() {
		t.Fatal("expected logged in")
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	acc, err := FromRow(sampleRow())
	if err != nil {
		t.Fatalf("from row: %v", err)
	}

	args := acc.ToArgs()
	row := store.Row{}
	for i, col := range Columns {
		row[col] = args[i]
	}
	// active is persisted as boolean-as-integer
	if row["active"] == true {
		row["active"] = int64(1)
	}

	again, err := FromRow(row)
	if err != nil {
		t.Fatalf("from row after round trip: %v", err)
	}

	if again.Username != acc.Username || again.Password != acc.Password {
		t.Fatal("credentials changed in round trip")
	}
	if !again.Locks["SearchTimeline"].Equal(acc.Locks["SearchTimeline"]) {
		t.Fatal("locks changed in round trip")
	}
	if again.Stats["SearchTimeline"] != acc.Stats["SearchTimeline"] {
		t.Fatal("stats changed in round trip")
	}
	if again.Cookies["ct0"] != acc.Cookies["ct0"] {
		t.Fatal("cookies changed in round trip")
	}
	if !again.LastUsed.Equal(acc.LastUsed) {
		t.Fatal("last_used changed in round trip")
	}
}

// headerRecorder captures the final outgoing request.
type headerRecorder struct {
	req *http.Request
}

func (r *headerRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	r.req = req
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       http.NoBody,
		Request:    req,
	}, nil
}

func TestClientHeaders(t *testing.T) {
	acc := &Account{
		Username:  "user1",
		UserAgent: "UA-test",
		Headers:   map[string]string{"x-prev-session": "kept"},
		Cookies:   map[string]string{"ct0": "csrf123", "auth_token": "tok"},
	}

	clt, err := acc.Client(ClientOptions{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	rec := &headerRecorder{}
	clt.Session.base = rec

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/api", nil)
	rep, err := clt.Session.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	rep.Body.Close()

	h := rec.req.Header
	if h.Get("user-agent") != "UA-test" {
		t.Fatalf("user-agent = %q", h.Get("user-agent"))
	}
	if h.Get("authorization") != BearerToken {
		t.Fatal("missing bearer authorization")
	}
	if h.Get("x-csrf-token") != "csrf123" {
		t.Fatal("csrf header not derived from ct0 cookie")
	}
	if h.Get("x-twitter-active-user") != "yes" || h.Get("x-twitter-client-language") != "en" {
		t.Fatal("missing client identification headers")
	}
	if h.Get("x-prev-session") != "kept" {
		t.Fatal("persisted session header dropped")
	}
	if h.Get("Cookie") == "" {
		t.Fatal("cookies not attached")
	}
}

func TestProxyPrecedence(t *testing.T) {
	t.Setenv("TWS_PROXY", "http://env:1")

	if got := resolveProxy("http://arg:1", "http://acc:1"); got != "http://arg:1" {
		t.Fatalf("explicit arg should win, got %s", got)
	}
	if got := resolveProxy("", "http://acc:1"); got != "http://env:1" {
		t.Fatalf("env should beat persisted, got %s", got)
	}

	t.Setenv("TWS_PROXY", "")
	if got := resolveProxy("", "http://acc:1"); got != "http://acc:1" {
		t.Fatalf("persisted should be fallback, got %s", got)
	}
}

func TestNextUserAgentRotates(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < len(userAgents)*2; i++ {
		seen[NextUserAgent()] = true
	}
	if len(seen) != len(userAgents) {
		t.Fatalf("rotation covered %d of %d agents", len(seen), len(userAgents))
	}
}
