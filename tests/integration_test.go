package integration

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IshaanNene/BirdStalk/internal/pool"
	"github.com/IshaanNene/BirdStalk/internal/queue"
	"github.com/IshaanNene/BirdStalk/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

const testQueue = "SearchTimeline"

func newPool(t *testing.T, opts pool.Options) *pool.Pool {
	t.Helper()
	p, err := pool.New(filepath.Join(t.TempDir(), "accounts.db"), testLogger, opts)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx := context.Background()
	for _, u := range []string{"user1", "user2"} {
		if err := p.AddAccount(ctx, u, "pass", u+"@example.com", "mailpass", pool.AddOptions{}); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := p.SetActive(ctx, u, true); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
	return p
}

// A full scope: one account leased on entry, both unlocked after exit, stats
// recorded.
func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, pool.Options{RaiseWhenNoAccount: true})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"foo": "bar"}`))
	}))
	defer srv.Close()

	c := queue.New(p, testQueue, queue.Options{Logger: testLogger})

	rep, err := c.Get(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	leased := rep.Username

	accs, _ := p.GetAll(ctx)
	for _, acc := range accs {
		_, locked := acc.Locks[testQueue]
		if acc.Username == leased && !locked {
			t.Fatalf("%s should hold the lease", acc.Username)
		}
		if acc.Username != leased && locked {
			t.Fatalf("%s should not hold a lease", acc.Username)
		}
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	accs, _ = p.GetAll(ctx)
	for _, acc := range accs {
		if _, locked := acc.Locks[testQueue]; locked {
			t.Fatalf("%s still locked after scope exit", acc.Username)
		}
	}

	acc, _ := p.Get(ctx, leased)
	if acc.Stats[testQueue] != 1 {
		t.Fatalf("stats = %d, want the one successful request", acc.Stats[testQueue])
	}
}

// A worker blocked on GetForQueueOrWait proceeds once the lease is released.
func TestWaitForReleasedAccount(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, pool.Options{})
	if err := p.DeleteAccounts(ctx, "user2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	acc, err := p.GetForQueue(ctx, testQueue)
	if err != nil || acc == nil {
		t.Fatalf("lease: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		acc, err := p.GetForQueueOrWait(ctx, testQueue)
		if err != nil || acc == nil {
			done <- ""
			return
		}
		done <- acc.Username
	}()

	// release while the waiter is polling
	time.Sleep(100 * time.Millisecond)
	if err := p.Unlock(ctx, "user1", testQueue, 0); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	select {
	case username := <-done:
		if username != "user1" {
			t.Fatalf("waiter got %q, want user1", username)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("waiter never proceeded after unlock")
	}
}

// Cancelling a waiting caller returns promptly with the context error.
func TestWaitCancellation(t *testing.T) {
	p := newPool(t, pool.Options{})
	ctx := context.Background()

	// exhaust both accounts
	for i := 0; i < 2; i++ {
		if acc, _ := p.GetForQueue(ctx, testQueue); acc == nil {
			t.Fatal("setup lease failed")
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := p.GetForQueueOrWait(cancelCtx, testQueue)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}

// Bans and recoveries across a multi-request operation leave consistent
// durable state.
func TestBanThenRecover(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, pool.Options{RaiseWhenNoAccount: true})

	var n atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.Write([]byte(`{"errors": [{"code": 64, "message": "Your account is suspended and is not permitted"}]}`))
			return
		}
		w.Write([]byte(`{"data": {}}`))
	}))
	defer srv.Close()

	c := queue.New(p, testQueue, queue.Options{Logger: testLogger})
	defer c.Close(ctx)

	rep, err := c.Get(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rep.Username != "user2" {
		t.Fatalf("leased %s, want user2 after user1 was banned", rep.Username)
	}

	acc1, _ := p.Get(ctx, "user1")
	if acc1.Active {
		t.Fatal("banned account should be inactive")
	}
	if acc1.ErrorMsg == "" {
		t.Fatal("ban reason not captured")
	}
}

// Raise-instead-of-wait policy converts an exhausted pool into a typed
// error.
func TestRaiseWhenExhausted(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, pool.Options{RaiseWhenNoAccount: true})

	for i := 0; i < 2; i++ {
		if acc, _ := p.GetForQueue(ctx, testQueue); acc == nil {
			t.Fatal("setup lease failed")
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := queue.New(p, testQueue, queue.Options{Logger: testLogger})
	defer c.Close(ctx)

	_, err := c.Get(ctx, srv.URL, nil)
	var noAcc *types.NoAccountError
	if !errors.As(err, &noAcc) {
		t.Fatalf("expected NoAccountError, got %v", err)
	}
}
