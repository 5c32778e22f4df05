// Package account defines the durable account record and the session-aware
// HTTP client hydrated from it.
package account

import (
	"encoding/json"
	"time"

	"github.com/IshaanNene/BirdStalk/internal/store"
	"github.com/IshaanNene/BirdStalk/internal/types"
)

// Account is the durable unit of the pool: credentials, session material and
// per-queue scheduling state.
type Account struct {
	Username      string
	Password      string
	Email         string
	EmailPassword string
	UserAgent     string
	Active        bool

	// Locks maps queue name to the UTC deadline until which the account is
	// leased for that queue.
	Locks map[string]time.Time

	// Stats maps queue name to the cumulative successful-request count.
	Stats map[string]int

	Headers map[string]string
	Cookies map[string]string

	Proxy    string
	ErrorMsg string
	LastUsed time.Time
	MfaCode  string

	// TX is the transaction marker used to emulate UPDATE...RETURNING on old
	// runtimes. Persisted, never meaningful between leases.
	TX string
}

// Columns is the persisted column set, in the order used by Save.
var Columns = []string{
	"username", "password", "email", "email_password", "user_agent", "active",
	"locks", "stats", "headers", "cookies", "proxy", "error_msg", "last_used",
	"mfa_code", "_tx",
}

// FromRow hydrates an Account from a database row. Lock values are ISO-8601
// UTC strings on disk and real timestamps in memory.
func FromRow(row store.Row) (*Account, error) {
	a := &Account{
		Username:      row.String("username"),
		Password:      row.String("password"),
		Email:         row.String("email"),
		EmailPassword: row.String("email_password"),
		UserAgent:     row.String("user_agent"),
		Active:        row.Bool("active"),
		Locks:         map[string]time.Time{},
		Stats:         map[string]int{},
		Headers:       map[string]string{},
		Cookies:       map[string]string{},
		Proxy:         row.String("proxy"),
		ErrorMsg:      row.String("error_msg"),
		MfaCode:       row.String("mfa_code"),
		TX:            row.String("_tx"),
	}

	var rawLocks map[string]string
	if err := json.Unmarshal([]byte(orBrace(row.String("locks"))), &rawLocks); err == nil {
		for q, iso := range rawLocks {
			if t, err := types.ParseUTCISO(iso); err == nil {
				a.Locks[q] = t
			}
		}
	}

	var rawStats map[string]any
	if err := json.Unmarshal([]byte(orBrace(row.String("stats"))), &rawStats); err == nil {
		for q, v := range rawStats {
			if n, ok := v.(float64); ok {
				a.Stats[q] = int(n)
			}
		}
	}

	json.Unmarshal([]byte(orBrace(row.String("headers"))), &a.Headers)
	json.Unmarshal([]byte(orBrace(row.String("cookies"))), &a.Cookies)

	if !row.IsNull("last_used") {
		if t, err := types.ParseUTCISO(row.String("last_used")); err == nil {
			a.LastUsed = t
		}
	}
	return a, nil
}

// ToArgs serializes the account into the argument tuple matching Columns.
func (a *Account) ToArgs() []any {
	locks := map[string]string{}
	for q, t := range a.Locks {
		locks[q] = types.FormatUTCISO(t)
	}

	locksJSON, _ := json.Marshal(locks)
	statsJSON, _ := json.Marshal(orEmptyInts(a.Stats))
	headersJSON, _ := json.Marshal(orEmptyStrs(a.Headers))
	cookiesJSON, _ := json.Marshal(orEmptyStrs(a.Cookies))

	return []any{
		a.Username, a.Password, a.Email, a.EmailPassword, a.UserAgent, a.Active,
		string(locksJSON), string(statsJSON), string(headersJSON), string(cookiesJSON),
		nullable(a.Proxy), nullable(a.ErrorMsg), nullableTime(a.LastUsed),
		nullable(a.MfaCode), nullable(a.TX),
	}
}

// TotalRequests sums the per-queue counters.
func (a *Account) TotalRequests() int {
	total := 0
	for _, n := range a.Stats {
		total += n
	}
	return total
}

// LoggedIn reports whether the account carries an authenticated session.
func (a *Account) LoggedIn() bool {
	return a.Headers["authorization"] != ""
}

func orBrace(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func orEmptyInts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func orEmptyStrs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return types.FormatUTCISO(t)
}
