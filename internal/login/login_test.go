package login

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/IshaanNene/BirdStalk/internal/account"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// flowServer scripts the remote task graph: each submitted step advances to
// the next subtask.
type flowServer struct {
	mu    sync.Mutex
	step  int
	seen  []string // flow tokens received from the client
	steps []string // subtask ids emitted in order
}

func (s *flowServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/1.1/guest/activate.json" {
			fmt.Fprint(w, `{"guest_token": "gt-123"}`)
			return
		}

		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(body, &payload)

		s.mu.Lock()
		defer s.mu.Unlock()

		if token, ok := payload["flow_token"].(string); ok {
			s.seen = append(s.seen, token)
		}

		// hand out the session cookie together with the password subtask
		if s.step < len(s.steps) && s.steps[s.step] == "LoginEnterPassword" {
			http.SetCookie(w, &http.Cookie{Name: "ct0", Value: "csrf-abc"})
			http.SetCookie(w, &http.Cookie{Name: "auth_token", Value: "tok-xyz"})
		}

		rep := map[string]any{
			"flow_token": fmt.Sprintf("ft-%d", s.step+1),
			"status":     "success",
			"subtasks":   []map[string]any{},
		}
		if s.step < len(s.steps) {
			rep["subtasks"] = []map[string]any{{"subtask_id": s.steps[s.step]}}
		}
		s.step++

		json.NewEncoder(w).Encode(rep)
	}
}

func withFlowServer(t *testing.T, steps []string) *flowServer {
	t.Helper()
	fs := &flowServer{steps: steps}
	srv := httptest.NewServer(fs.handler(t))
	t.Cleanup(srv.Close)

	oldLogin, oldGuest := loginURL, guestTokenURL
	loginURL = srv.URL + "/1.1/onboarding/task.json"
	guestTokenURL = srv.URL + "/1.1/guest/activate.json"
	t.Cleanup(func() { loginURL, guestTokenURL = oldLogin, oldGuest })

	return fs
}

func TestLoginHappyPath(t *testing.T) {
	fs := withFlowServer(t, []string{
		"LoginJsInstrumentationSubtask",
		"LoginEnterUserIdentifierSSO",
		"LoginEnterPassword",
		"LoginSuccessSubtask",
	})

	acc := &account.Account{
		Username:      "user1",
		Password:      "pass1",
		Email:         "u1@example.com",
		EmailPassword: "mailpass",
		UserAgent:     "UA-test",
	}

	if err := Login(context.Background(), acc, Config{Logger: testLogger}); err != nil {
		t.Fatalf("login: %v", err)
	}

	if !acc.Active {
		t.Fatal("account should be active after login")
	}
	if acc.Cookies["ct0"] != "csrf-abc" {
		t.Fatalf("session cookies not snapshotted: %v", acc.Cookies)
	}
	if acc.Headers["x-csrf-token"] != "csrf-abc" {
		t.Fatalf("csrf header not set: %v", acc.Headers)
	}
	if acc.Headers["x-twitter-auth-type"] != "OAuth2Session" {
		t.Fatal("auth-type header not switched to authenticated")
	}
	if acc.ErrorMsg != "" {
		t.Fatalf("error message set on success: %q", acc.ErrorMsg)
	}

	// flow tokens must be threaded through every step
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.seen) != 4 {
		t.Fatalf("server saw %d submits, want 4", len(fs.seen))
	}
	for i, token := range fs.seen {
		want := fmt.Sprintf("ft-%d", i+1)
		if token != want {
			t.Fatalf("step %d carried flow token %q, want %q", i, token, want)
		}
	}
}

func TestLoginAlreadyActive(t *testing.T) {
	acc := &account.Account{Username: "user1", Active: true}
	if err := Login(context.Background(), acc, Config{Logger: testLogger}); err != nil {
		t.Fatalf("login on active account should be a no-op, got %v", err)
	}
}

func TestLoginNoCt0(t *testing.T) {
	withFlowServer(t, []string{"LoginSuccessSubtask"})

	acc := &account.Account{Username: "user1", Password: "p", Email: "e", EmailPassword: "ep", UserAgent: "UA"}
	err := Login(context.Background(), acc, Config{Logger: testLogger})
	if err == nil {
		t.Fatal("login without ct0 cookie must fail")
	}
	if acc.Active {
		t.Fatal("account must stay inactive")
	}
	if acc.ErrorMsg == "" {
		t.Fatal("failure must be recorded in error_msg")
	}
}

func TestLoginStepFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/1.1/guest/activate.json" {
			fmt.Fprint(w, `{"guest_token": "gt-123"}`)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"errors": [{"code": 399, "message": "denied"}]}`)
	}))
	t.Cleanup(srv.Close)

	oldLogin, oldGuest := loginURL, guestTokenURL
	loginURL = srv.URL + "/1.1/onboarding/task.json"
	guestTokenURL = srv.URL + "/1.1/guest/activate.json"
	t.Cleanup(func() { loginURL, guestTokenURL = oldLogin, oldGuest })

	acc := &account.Account{Username: "user1", Password: "p", Email: "e", EmailPassword: "ep", UserAgent: "UA"}
	err := Login(context.Background(), acc, Config{Logger: testLogger})
	if err == nil {
		t.Fatal("403 must abandon the attempt")
	}
	if acc.Active {
		t.Fatal("account must stay inactive after 403")
	}
	if acc.ErrorMsg == "" {
		t.Fatal("failure must be recorded in error_msg")
	}
}
