// Package birdstalk provides a public SDK for embedding BirdStalk as a
// library.
//
// Example usage:
//
//	client, err := birdstalk.NewClient(
//	    birdstalk.WithDB("accounts.db"),
//	    birdstalk.WithProxy("socks5://127.0.0.1:9050"),
//	)
//	if err != nil { ... }
//
//	err = client.AddAccount(ctx, "user1", "pass1", "u1@example.com", "mailpass1")
//
//	for page := range client.Search(ctx, "golang", 200) {
//	    fmt.Println(string(page.Body))
//	}
package birdstalk

import (
	"context"
	"iter"
	"log/slog"
	"os"

	"github.com/IshaanNene/BirdStalk/internal/api"
	"github.com/IshaanNene/BirdStalk/internal/clid"
	"github.com/IshaanNene/BirdStalk/internal/config"
	"github.com/IshaanNene/BirdStalk/internal/login"
	"github.com/IshaanNene/BirdStalk/internal/pool"
	"github.com/IshaanNene/BirdStalk/internal/types"
)

// Response is a raw API response page.
type Response = types.Response

// Client is the high-level API for using BirdStalk as a library.
type Client struct {
	cfg    *config.Config
	pool   *pool.Pool
	api    *api.API
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*config.Config)

// WithDB selects the accounts database file.
func WithDB(path string) Option {
	return func(c *config.Config) { c.DB = path }
}

// WithProxy sets the default outbound proxy.
func WithProxy(url string) Option {
	return func(c *config.Config) { c.Proxy = url }
}

// WithRandomOrder leases accounts in random order instead of by username.
func WithRandomOrder() Option {
	return func(c *config.Config) { c.Pool.OrderBy = "random" }
}

// WithRaiseWhenNoAccount raises instead of waiting when no account is
// leasable.
func WithRaiseWhenNoAccount() Option {
	return func(c *config.Config) { c.Pool.RaiseWhenNoAccount = true }
}

// WithEmailFirst opens the IMAP session before starting login flows.
func WithEmailFirst() Option {
	return func(c *config.Config) { c.Login.EmailFirst = true }
}

// WithLogLevel sets the log level (TRACE..CRITICAL).
func WithLogLevel(level string) Option {
	return func(c *config.Config) { c.Logging.Level = level }
}

// NewClient creates a Client with the given options applied over defaults.
func NewClient(opts ...Option) (*Client, error) {
	cfg := config.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.Logging.Level),
	}))

	p, err := pool.New(cfg.DB, logger, pool.Options{
		OrderBy:            cfg.Pool.OrderBy,
		RaiseWhenNoAccount: cfg.Pool.RaiseWhenNoAccount,
		Login: login.Config{
			EmailFirst: cfg.Login.EmailFirst,
			Manual:     cfg.Login.Manual,
			Logger:     logger,
		},
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:    cfg,
		pool:   p,
		api:    api.New(p, api.Options{Proxy: cfg.Proxy, Logger: logger}),
		logger: logger,
	}, nil
}

// Pool exposes the underlying account pool for administrative operations.
func (c *Client) Pool() *pool.Pool { return c.pool }

// EnableChallengeTokens scrapes the remote's key material and attaches a
// challenge token header to every subsequent request. Optional: requests
// proceed without it when not enabled.
func (c *Client) EnableChallengeTokens(ctx context.Context) error {
	gen, err := clid.New(ctx, nil)
	if err != nil {
		return err
	}
	c.api = api.New(c.pool, api.Options{
		Proxy:  c.cfg.Proxy,
		Tokens: gen,
		Logger: c.logger,
	})
	return nil
}

// AddAccount registers a new account in the pool.
func (c *Client) AddAccount(ctx context.Context, username, password, email, emailPassword string) error {
	return c.pool.AddAccount(ctx, username, password, email, emailPassword, pool.AddOptions{})
}

// LoginAll drives the login flow for every inactive account that has no
// recorded login error.
func (c *Client) LoginAll(ctx context.Context) (pool.LoginStats, error) {
	return c.pool.LoginAll(ctx, nil)
}

// Search streams raw search result pages for the query.
func (c *Client) Search(ctx context.Context, query string, limit int) iter.Seq[*Response] {
	return c.api.Search(ctx, query, limit)
}

// UserByID fetches one user by numeric id. A user the remote reports as not
// found comes back as a non-nil response carrying the remote's error body.
func (c *Client) UserByID(ctx context.Context, uid int64) (*Response, error) {
	return c.api.UserByID(ctx, uid)
}

// UserByLogin fetches one user by screen name.
func (c *Client) UserByLogin(ctx context.Context, screenName string) (*Response, error) {
	return c.api.UserByLogin(ctx, screenName)
}

// TweetDetails fetches one tweet with its conversation context.
func (c *Client) TweetDetails(ctx context.Context, twid int64) (*Response, error) {
	return c.api.TweetDetails(ctx, twid)
}

// Followers streams raw follower pages for the user.
func (c *Client) Followers(ctx context.Context, uid int64, limit int) iter.Seq[*Response] {
	return c.api.Followers(ctx, uid, limit)
}

// Following streams raw following pages for the user.
func (c *Client) Following(ctx context.Context, uid int64, limit int) iter.Seq[*Response] {
	return c.api.Following(ctx, uid, limit)
}

// UserTweets streams raw timeline pages for the user.
func (c *Client) UserTweets(ctx context.Context, uid int64, limit int) iter.Seq[*Response] {
	return c.api.UserTweets(ctx, uid, limit)
}

// API exposes the full operation catalogue.
func (c *Client) API() *api.API { return c.api }
