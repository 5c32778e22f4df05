// Package pool implements the account scheduler: durable accounts, atomic
// per-queue leases, and the administrative operations around them.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IshaanNene/BirdStalk/internal/account"
	"github.com/IshaanNene/BirdStalk/internal/login"
	"github.com/IshaanNene/BirdStalk/internal/store"
	"github.com/IshaanNene/BirdStalk/internal/types"
)

const (
	// LeaseDuration is how long one GetForQueue lease holds an account.
	LeaseDuration = 15 * time.Minute

	// waitPoll is the sleep between retries when no account is leasable.
	waitPoll = 5 * time.Second
)

// Options tweak pool behavior.
type Options struct {
	// OrderBy selects the lease ordering key: "username" (default) or
	// "random".
	OrderBy string

	// RaiseWhenNoAccount turns blocking waits into a NoAccountError.
	RaiseWhenNoAccount bool

	// Login configures the login flow driven for inactive accounts.
	Login login.Config
}

// Pool schedules accounts over a shared store.
type Pool struct {
	st     *store.Store
	logger *slog.Logger
	opts   Options
}

// New creates a Pool over the accounts database at dbPath.
func New(dbPath string, logger *slog.Logger, opts Options) (*Pool, error) {
	st, err := store.New(dbPath, logger)
	if err != nil {
		return nil, err
	}
	if opts.OrderBy == "" {
		opts.OrderBy = "username"
	}
	return &Pool{
		st:     st,
		logger: logger.With("component", "pool"),
		opts:   opts,
	}, nil
}

// Store exposes the underlying database handle.
func (p *Pool) Store() *store.Store { return p.st }

// AddOptions are the optional fields of AddAccount.
type AddOptions struct {
	UserAgent string
	Proxy     string
	Cookies   string
	MfaCode   string
}

// AddAccount inserts a new account. Inserting a duplicate username
// (case-insensitive) is a no-op that preserves the first record. When the
// imported cookies include ct0 the account is considered logged in already
// and marked active.
func (p *Pool) AddAccount(ctx context.Context, username, password, email, emailPassword string, opts AddOptions) error {
	row, err := p.st.FetchOne(ctx, "SELECT username FROM accounts WHERE username = ?", username)
	if err != nil {
		return err
	}
	if row != nil {
		p.logger.Warn("account already exists", "username", username)
		return nil
	}

	cookies := map[string]string{}
	if opts.Cookies != "" {
		cookies, err = account.ParseCookies(opts.Cookies)
		if err != nil {
			return err
		}
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = account.NextUserAgent()
	}

	acc := &account.Account{
		Username:      username,
		Password:      password,
		Email:         email,
		EmailPassword: emailPassword,
		UserAgent:     ua,
		Cookies:       cookies,
		Proxy:         opts.Proxy,
		MfaCode:       opts.MfaCode,
	}

	if _, ok := cookies["ct0"]; ok {
		acc.Active = true
	}

	if err := p.Save(ctx, acc); err != nil {
		return err
	}
	p.logger.Info("account added", "username", username, "active", acc.Active)
	return nil
}

// guessDelim infers the separator of an accounts file line format such as
// "username:password:email:email_password".
func guessDelim(lineFormat string) string {
	left, right, _ := strings.Cut(lineFormat, "username")
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)
	if left != "" {
		return left[len(left)-1:]
	}
	return right[:1]
}

// LoadFromFile imports accounts from a delimited text file. The line format
// names the fields in order; "_" skips a column.
func (p *Pool) LoadFromFile(ctx context.Context, path, lineFormat string) error {
	delim := guessDelim(lineFormat)
	tokens := strings.Split(lineFormat, delim)

	required := map[string]bool{"username": false, "password": false, "email": false, "email_password": false}
	for _, t := range tokens {
		if _, ok := required[t]; ok {
			required[t] = true
		}
	}
	for field, seen := range required {
		if !seen {
			return fmt.Errorf("invalid line format %q: missing %s", lineFormat, field)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, delim)
		if len(parts) < len(tokens) {
			return fmt.Errorf("invalid line: %s", line)
		}

		vals := map[string]string{}
		for i, tok := range tokens {
			if tok != "_" {
				vals[tok] = strings.TrimSpace(parts[i])
			}
		}

		err := p.AddAccount(ctx, vals["username"], vals["password"], vals["email"], vals["email_password"], AddOptions{
			UserAgent: vals["user_agent"],
			Proxy:     vals["proxy"],
			Cookies:   vals["cookies"],
			MfaCode:   vals["mfa_code"],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteAccounts removes the named accounts.
func (p *Pool) DeleteAccounts(ctx context.Context, usernames ...string) error {
	usernames = dedupe(usernames)
	if len(usernames) == 0 {
		p.logger.Warn("no usernames provided")
		return nil
	}

	qs := fmt.Sprintf("DELETE FROM accounts WHERE username IN (%s)", placeholders(len(usernames)))
	return p.st.Execute(ctx, qs, toAny(usernames)...)
}

// DeleteInactive removes every inactive account.
func (p *Pool) DeleteInactive(ctx context.Context) error {
	return p.st.Execute(ctx, "DELETE FROM accounts WHERE active = false")
}

// Get returns the named account or ErrAccountNotFound.
func (p *Pool) Get(ctx context.Context, username string) (*account.Account, error) {
	acc, err := p.Lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrAccountNotFound, username)
	}
	return acc, nil
}

// Lookup returns the named account, or nil when absent.
func (p *Pool) Lookup(ctx context.Context, username string) (*account.Account, error) {
	row, err := p.st.FetchOne(ctx, "SELECT * FROM accounts WHERE username = ?", username)
	if err != nil || row == nil {
		return nil, err
	}
	return account.FromRow(row)
}

// GetAll returns every account.
func (p *Pool) GetAll(ctx context.Context) ([]*account.Account, error) {
	rows, err := p.st.FetchAll(ctx, "SELECT * FROM accounts")
	if err != nil {
		return nil, err
	}
	out := make([]*account.Account, 0, len(rows))
	for _, row := range rows {
		acc, err := account.FromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, nil
}

// Save upserts the account keyed by username.
func (p *Pool) Save(ctx context.Context, acc *account.Account) error {
	cols := account.Columns
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s=excluded.%s", c, c)
	}

	qs := fmt.Sprintf(
		"INSERT INTO accounts (%s) VALUES (%s) ON CONFLICT(username) DO UPDATE SET %s",
		strings.Join(cols, ","), placeholders(len(cols)), strings.Join(sets, ","),
	)
	return p.st.Execute(ctx, qs, acc.ToArgs()...)
}

// SetActive flips the account's active flag.
func (p *Pool) SetActive(ctx context.Context, username string, active bool) error {
	return p.st.Execute(ctx, "UPDATE accounts SET active = ? WHERE username = ?", active, username)
}

// Login drives the login state machine for one account and persists the
// result either way.
func (p *Pool) Login(ctx context.Context, acc *account.Account) bool {
	err := login.Login(ctx, acc, p.opts.Login)
	if saveErr := p.Save(ctx, acc); saveErr != nil {
		p.logger.Error("failed to save account after login", "username", acc.Username, "error", saveErr)
	}
	if err != nil {
		p.logger.Error("login failed", "username", acc.Username, "error", err)
		return false
	}
	p.logger.Info("logged in", "username", acc.Username)
	return true
}

// LoginStats summarizes a LoginAll run.
type LoginStats struct {
	Total   int
	Success int
	Failed  int
}

// LoginAll logs in the named accounts, or every inactive account that has
// not already failed when usernames is nil. Per-account failures are captured
// in error_msg and the loop continues.
func (p *Pool) LoginAll(ctx context.Context, usernames []string) (LoginStats, error) {
	var rows []store.Row
	var err error
	if usernames == nil {
		rows, err = p.st.FetchAll(ctx, "SELECT * FROM accounts WHERE active = false AND error_msg IS NULL")
	} else {
		qs := fmt.Sprintf("SELECT * FROM accounts WHERE username IN (%s)", placeholders(len(usernames)))
		rows, err = p.st.FetchAll(ctx, qs, toAny(usernames)...)
	}
	if err != nil {
		return LoginStats{}, err
	}

	stats := LoginStats{Total: len(rows)}
	for i, row := range rows {
		acc, err := account.FromRow(row)
		if err != nil {
			return stats, err
		}
		p.logger.Info("logging in", "progress", fmt.Sprintf("%d/%d", i+1, len(rows)),
			"username", acc.Username, "email", acc.Email)
		if p.Login(ctx, acc) {
			stats.Success++
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

// Relogin clears the named accounts' session material and re-runs login.
func (p *Pool) Relogin(ctx context.Context, usernames []string) error {
	usernames = dedupe(usernames)
	if len(usernames) == 0 {
		p.logger.Warn("no usernames provided")
		return nil
	}

	qs := fmt.Sprintf(`
		UPDATE accounts SET
			active = false,
			locks = json_object(),
			last_used = NULL,
			error_msg = NULL,
			headers = json_object(),
			cookies = json_object(),
			user_agent = ?
		WHERE username IN (%s)`, placeholders(len(usernames)))

	args := append([]any{account.NextUserAgent()}, toAny(usernames)...)
	if err := p.st.Execute(ctx, qs, args...); err != nil {
		return err
	}
	_, err := p.LoginAll(ctx, usernames)
	return err
}

// ReloginFailed re-runs login for accounts that previously failed it.
func (p *Pool) ReloginFailed(ctx context.Context) error {
	rows, err := p.st.FetchAll(ctx, "SELECT username FROM accounts WHERE active = false AND error_msg IS NOT NULL")
	if err != nil {
		return err
	}
	usernames := make([]string, 0, len(rows))
	for _, row := range rows {
		usernames = append(usernames, row.String("username"))
	}
	if len(usernames) == 0 {
		return nil
	}
	return p.Relogin(ctx, usernames)
}

// ResetLocks clears every account's lease map.
func (p *Pool) ResetLocks(ctx context.Context) error {
	return p.st.Execute(ctx, "UPDATE accounts SET locks = json_object()")
}

// LockUntil extends the account's lease on the queue to an explicit future
// timestamp, adds reqCount to the queue's counter, and stamps last_used — in
// one write.
func (p *Pool) LockUntil(ctx context.Context, username, queue string, unlockAt time.Time, reqCount int) error {
	qs := fmt.Sprintf(`
		UPDATE accounts SET
			locks = json_set(locks, '$."%[1]s"', datetime(?, 'unixepoch')),
			stats = json_set(stats, '$."%[1]s"', COALESCE(json_extract(stats, '$."%[1]s"'), 0) + ?),
			last_used = datetime(?, 'unixepoch')
		WHERE username = ?`, queue)
	return p.st.Execute(ctx, qs, unlockAt.Unix(), reqCount, types.UTCTs(), username)
}

// Unlock releases the account's lease on the queue, adds reqCount to the
// queue's counter, and stamps last_used.
func (p *Pool) Unlock(ctx context.Context, username, queue string, reqCount int) error {
	qs := fmt.Sprintf(`
		UPDATE accounts SET
			locks = json_remove(locks, '$."%[1]s"'),
			stats = json_set(stats, '$."%[1]s"', COALESCE(json_extract(stats, '$."%[1]s"'), 0) + ?),
			last_used = datetime(?, 'unixepoch')
		WHERE username = ?`, queue)
	return p.st.Execute(ctx, qs, reqCount, types.UTCTs(), username)
}

// MarkInactive flips the account inactive and stores the reason.
func (p *Pool) MarkInactive(ctx context.Context, username, errorMsg string) error {
	return p.st.Execute(ctx,
		"UPDATE accounts SET active = false, error_msg = ? WHERE username = ?",
		nullableStr(errorMsg), username)
}

// getAndLock runs the lease update for the account selected by the subquery
// and returns the updated row. On runtimes with UPDATE...RETURNING the whole
// lease is one statement; otherwise a fresh transaction marker written in
// the update is read back.
func (p *Pool) getAndLock(ctx context.Context, queue, condition string) (*account.Account, error) {
	if store.SupportsReturning() {
		qs := fmt.Sprintf(`
			UPDATE accounts SET
				locks = json_set(locks, '$."%s"', datetime('now', '+15 minutes')),
				last_used = datetime(?, 'unixepoch')
			WHERE username = (%s)
			RETURNING *`, queue, condition)
		row, err := p.st.FetchOne(ctx, qs, types.UTCTs())
		if err != nil || row == nil {
			return nil, err
		}
		return account.FromRow(row)
	}

	tx := uuid.NewString()
	qs := fmt.Sprintf(`
		UPDATE accounts SET
			locks = json_set(locks, '$."%s"', datetime('now', '+15 minutes')),
			last_used = datetime(?, 'unixepoch'),
			_tx = ?
		WHERE username = (%s)`, queue, condition)
	if err := p.st.Execute(ctx, qs, types.UTCTs(), tx); err != nil {
		return nil, err
	}

	row, err := p.st.FetchOne(ctx, "SELECT * FROM accounts WHERE _tx = ?", tx)
	if err != nil || row == nil {
		return nil, err
	}
	return account.FromRow(row)
}

// GetForQueue atomically leases one active account for the queue: the lease
// deadline, last_used, and selection happen in one UPDATE statement (followed
// by a SELECT on the _tx marker where RETURNING is unavailable), so two
// concurrent callers can never receive the same account.
func (p *Pool) GetForQueue(ctx context.Context, queue string) (*account.Account, error) {
	orderBy := "username"
	if p.opts.OrderBy == "random" {
		orderBy = "RANDOM()"
	}

	condition := fmt.Sprintf(`
		SELECT username FROM accounts
		WHERE active = true AND (
			locks IS NULL
			OR json_extract(locks, '$."%s"') IS NULL
			OR json_extract(locks, '$."%s"') < datetime('now')
		)
		ORDER BY %s
		LIMIT 1`, queue, queue, orderBy)

	return p.getAndLock(ctx, queue, condition)
}

// GetForQueueOrWait retries GetForQueue with 5-second polling. Returns a
// NoAccountError when the raise-instead-of-wait policy is on, and nil when
// no active accounts remain at all.
func (p *Pool) GetForQueueOrWait(ctx context.Context, queue string) (*account.Account, error) {
	msgShown := false
	for {
		acc, err := p.GetForQueue(ctx, queue)
		if err != nil {
			return nil, err
		}
		if acc != nil {
			if msgShown {
				p.logger.Info("continuing", "username", acc.Username, "queue", queue)
			}
			return acc, nil
		}

		if p.opts.RaiseWhenNoAccount || types.EnvBool("TWS_RAISE_WHEN_NO_ACCOUNT", false) {
			return nil, &types.NoAccountError{Queue: queue}
		}

		if !msgShown {
			nat, err := p.NextAvailableAt(ctx, queue)
			if err != nil {
				return nil, err
			}
			if nat == "" {
				p.logger.Warn("no active accounts, stopping", "queue", queue)
				return nil, nil
			}
			p.logger.Info("no account available", "queue", queue, "next_available_at", nat)
			msgShown = true
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}

// NextAvailableAt returns the earliest future lease expiry for the queue
// across active accounts, formatted as local HH:MM:SS; "now" when that expiry
// already passed; "" when no active account is locked for the queue.
func (p *Pool) NextAvailableAt(ctx context.Context, queue string) (string, error) {
	qs := fmt.Sprintf(`
		SELECT json_extract(locks, '$."%[1]s"') as lock_until
		FROM accounts
		WHERE active = true AND json_extract(locks, '$."%[1]s"') IS NOT NULL
		ORDER BY lock_until ASC
		LIMIT 1`, queue)

	row, err := p.st.FetchOne(ctx, qs)
	if err != nil || row == nil {
		return "", err
	}

	target, err := types.ParseUTCISO(row.String("lock_until"))
	if err != nil {
		return "", err
	}

	now := types.UTCNow()
	if target.Before(now) {
		return "now", nil
	}
	return time.Now().Add(target.Sub(now)).Format("15:04:05"), nil
}

func dedupe(xs []string) []string {
	seen := map[string]bool{}
	out := xs[:0]
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAny(xs []string) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
