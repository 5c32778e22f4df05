// Package queue implements the scoped-lease HTTP client: one account leased
// per queue, responses classified for rate-limit and ban signals, and the
// lease updated accordingly.
package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"

	"github.com/IshaanNene/BirdStalk/internal/account"
	"github.com/IshaanNene/BirdStalk/internal/observability"
	"github.com/IshaanNene/BirdStalk/internal/pool"
	"github.com/IshaanNene/BirdStalk/internal/types"
)

const (
	// unknownRetries is the number of unclassified failures after which the
	// account is penalized and the error surfaces (the first failure plus
	// two retries).
	unknownRetries = 3

	// connectRetries is the number of connection-level failures (typically
	// a misconfigured proxy) after which the error surfaces (the first
	// failure plus two retries).
	connectRetries = 3

	// penalty is how far into the future a misbehaving account's lease is
	// extended.
	penalty = 15 * time.Minute
)

// TokenProvider computes the optional per-request challenge token header.
type TokenProvider interface {
	Calc(method, path string) (string, error)
}

// Options tweak a queue client.
type Options struct {
	// Debug dumps every response to a temp directory.
	Debug bool

	// Proxy overrides the account-level proxy for requests in this scope.
	Proxy string

	// Tokens, when set, is consulted for a challenge token on every request.
	Tokens TokenProvider

	// Metrics, when set, receives operational counters.
	Metrics *observability.Metrics

	Logger *slog.Logger
}

// leaseCtx is the account currently leased to this client.
type leaseCtx struct {
	acc          *account.Account
	clt          *account.Client
	requestCount int
}

// Client wraps N requests in one per-queue account lease.
type Client struct {
	pool   *pool.Pool
	queue  string
	opts   Options
	logger *slog.Logger
	lease  *leaseCtx
	dumper *dumper
}

// New creates a queue client. The first request (or an explicit Acquire)
// obtains the lease; Close releases it.
func New(p *pool.Pool, queueName string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		pool:   p,
		queue:  queueName,
		opts:   opts,
		logger: logger.With("component", "queue_client", "queue", queueName),
	}
	if opts.Debug {
		c.dumper = newDumper()
	}
	return c
}

// Acquire leases an account for the queue, blocking per pool policy. Returns
// (false, nil) when no active accounts remain.
func (c *Client) Acquire(ctx context.Context) (bool, error) {
	lease, err := c.acquire(ctx)
	if err != nil {
		return false, err
	}
	return lease != nil, nil
}

func (c *Client) acquire(ctx context.Context) (*leaseCtx, error) {
	if c.lease != nil {
		return c.lease, nil
	}

	acc, err := c.pool.GetForQueueOrWait(ctx, c.queue)
	if err != nil || acc == nil {
		return nil, err
	}

	clt, err := acc.Client(account.ClientOptions{Proxy: c.opts.Proxy})
	if err != nil {
		// the account is leased already; release before surfacing
		c.pool.Unlock(context.WithoutCancel(ctx), acc.Username, c.queue, 0)
		return nil, err
	}

	c.lease = &leaseCtx{acc: acc, clt: clt}
	return c.lease, nil
}

// Close releases the current lease and records the accumulated request
// count. Safe to call multiple times; must be called on every exit path,
// including cancellation.
func (c *Client) Close(ctx context.Context) error {
	return c.release(ctx, time.Time{}, false, "")
}

// release ends the current lease: plain unlock, rate-limit extension, or
// ban, depending on the arguments.
func (c *Client) release(ctx context.Context, resetAt time.Time, inactive bool, msg string) error {
	if c.lease == nil {
		return nil
	}
	lease := c.lease
	c.lease = nil

	lease.clt.CloseIdleConnections()

	// lease bookkeeping must run even when the caller was cancelled
	ctx = context.WithoutCancel(ctx)

	if inactive {
		return c.pool.MarkInactive(ctx, lease.acc.Username, msg)
	}
	if !resetAt.IsZero() {
		return c.pool.LockUntil(ctx, lease.acc.Username, c.queue, resetAt, lease.requestCount)
	}
	return c.pool.Unlock(ctx, lease.acc.Username, c.queue, lease.requestCount)
}

// Get issues a GET through the leased account.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) (*types.Response, error) {
	return c.Request(ctx, http.MethodGet, rawURL, params)
}

// Request issues one logical request, transparently re-leasing accounts on
// rate limits and bans. A nil response with nil error means the operation
// was aborted (dependency error) or no active accounts remain.
func (c *Client) Request(ctx context.Context, method, rawURL string, params url.Values) (*types.Response, error) {
	unknownRetry, connectRetry := 0, 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lease, err := c.acquire(ctx)
		if err != nil || lease == nil {
			return nil, err
		}

		if c.opts.Metrics != nil {
			c.opts.Metrics.RequestsTotal.Add(1)
		}

		rep, err := c.do(ctx, lease, method, rawURL, params)
		if err != nil {
			if c.opts.Metrics != nil {
				c.opts.Metrics.RequestsFailed.Add(1)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if isTransient(err) {
				c.logger.Debug("transport error, retrying on same account",
					"username", lease.acc.Username, "error", err)
				if c.opts.Metrics != nil {
					c.opts.Metrics.RequestsRetried.Add(1)
				}
				continue
			}
			if isConnect(err) {
				connectRetry++
				if connectRetry >= connectRetries {
					return nil, err
				}
				continue
			}

			unknownRetry++
			if unknownRetry >= unknownRetries {
				c.logger.Warn("unknown error, account penalized",
					"username", lease.acc.Username, "error", err)
				c.release(ctx, types.UTCNow().Add(penalty), false, "")
				return nil, err
			}
			continue
		}

		if c.dumper != nil {
			c.dumper.dump(rep)
		}

		dec := classify(rep)
		logAttrs := []any{
			"status", rep.StatusCode,
			"username", lease.acc.Username,
			"limit_remaining", rep.RateLimitRemaining(),
			"limit_reset", rep.RateLimitReset(),
			"error_msg", dec.message,
		}

		switch dec.verdict {
		case verdictOK:
			if dec.message != "OK" && dec.message != "" {
				c.logger.Warn("api error ignored", logAttrs...)
			}
			lease.requestCount++
			if c.opts.Metrics != nil {
				c.opts.Metrics.BytesDownloaded.Add(int64(len(rep.Body)))
			}
			return rep, nil

		case verdictRateLimited:
			c.logger.Debug("rate limited", logAttrs...)
			if c.opts.Metrics != nil {
				c.opts.Metrics.RateLimitsHit.Add(1)
				c.opts.Metrics.AccountSwitches.Add(1)
			}
			c.release(ctx, dec.resetAt, false, "")

		case verdictBanned:
			c.logger.Warn("ban detected", logAttrs...)
			if c.opts.Metrics != nil {
				c.opts.Metrics.BansDetected.Add(1)
				c.opts.Metrics.AccountSwitches.Add(1)
			}
			c.release(ctx, time.Time{}, true, dec.message)

		case verdictRetry:
			c.logger.Warn("remote timeout, switching account", logAttrs...)
			if c.opts.Metrics != nil {
				c.opts.Metrics.AccountSwitches.Add(1)
			}
			c.release(ctx, time.Time{}, false, "")

		case verdictAbort:
			c.logger.Warn("dependency error, request aborted", logAttrs...)
			return nil, nil

		case verdictFatal:
			c.logger.Error("feature flags rejected by remote, update required", logAttrs...)
			os.Exit(1)

		case verdictUnknown:
			unknownRetry++
			if unknownRetry >= unknownRetries {
				c.logger.Error("unhandled response code, account penalized", logAttrs...)
				c.release(ctx, types.UTCNow().Add(penalty), false, "")
				return nil, &types.FetchError{URL: rawURL, StatusCode: rep.StatusCode, Err: types.ErrMaxRetries}
			}
		}
	}
}

// do issues one HTTP request on the leased account and annotates the
// response with its username.
func (c *Client) do(ctx context.Context, lease *leaseCtx, method, rawURL string, params url.Values) (*types.Response, error) {
	u := rawURL
	if len(params) > 0 {
		u = rawURL + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Err: err}
	}

	if c.opts.Tokens != nil {
		if tok, err := c.opts.Tokens.Calc(method, req.URL.Path); err == nil {
			req.Header.Set("x-client-transaction-id", tok)
		}
	}

	start := time.Now()
	httpRep, err := lease.clt.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpRep.Body.Close()

	body, err := io.ReadAll(httpRep.Body)
	if err != nil {
		return nil, err
	}

	rep := types.NewResponse(httpRep, body, time.Since(start))
	rep.Username = lease.acc.Username
	return rep, nil
}

// isTransient matches transport failures worth retrying on the same account:
// timeouts, resets, and truncated reads.
func isTransient(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET)
}

// isConnect matches connection establishment failures, typically a
// misconfigured proxy.
func isConnect(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
