package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Metrics tracks operational counters for the scraper.
type Metrics struct {
	// Request metrics
	RequestsTotal   atomic.Int64
	RequestsFailed  atomic.Int64
	RequestsRetried atomic.Int64

	// Scheduler metrics
	RateLimitsHit   atomic.Int64
	BansDetected    atomic.Int64
	AccountSwitches atomic.Int64
	LeaseWaits      atomic.Int64

	// Stream metrics
	PagesYielded    atomic.Int64
	BytesDownloaded atomic.Int64

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With("component", "metrics"),
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	metrics := []struct {
		name  string
		help  string
		value int64
	}{
		{"birdstalk_requests_total", "Total requests made", m.RequestsTotal.Load()},
		{"birdstalk_requests_failed_total", "Total failed requests", m.RequestsFailed.Load()},
		{"birdstalk_requests_retried_total", "Total retried requests", m.RequestsRetried.Load()},
		{"birdstalk_rate_limits_total", "Total rate limits hit", m.RateLimitsHit.Load()},
		{"birdstalk_bans_total", "Total account bans detected", m.BansDetected.Load()},
		{"birdstalk_account_switches_total", "Total mid-operation account switches", m.AccountSwitches.Load()},
		{"birdstalk_lease_waits_total", "Total waits for a leasable account", m.LeaseWaits.Load()},
		{"birdstalk_pages_yielded_total", "Total pages yielded to parsers", m.PagesYielded.Load()},
		{"birdstalk_bytes_downloaded_total", "Total bytes downloaded", m.BytesDownloaded.Load()},
	}

	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", metric.name)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Snapshot returns all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"requests_total":   m.RequestsTotal.Load(),
		"requests_failed":  m.RequestsFailed.Load(),
		"requests_retried": m.RequestsRetried.Load(),
		"rate_limits":      m.RateLimitsHit.Load(),
		"bans":             m.BansDetected.Load(),
		"account_switches": m.AccountSwitches.Load(),
		"lease_waits":      m.LeaseWaits.Load(),
		"pages_yielded":    m.PagesYielded.Load(),
		"bytes_downloaded": m.BytesDownloaded.Load(),
	}
}
