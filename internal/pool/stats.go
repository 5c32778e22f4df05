package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AccountInfo is one row of the operator-facing accounts listing.
type AccountInfo struct {
	Username string
	LoggedIn bool
	Active   bool
	LastUsed time.Time
	TotalReq int
	ErrorMsg string
}

// Stats returns aggregate pool counters: total/active/inactive plus a
// locked_<queue> count for every queue that appears in any lock map.
func (p *Pool) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := p.st.FetchAll(ctx, "SELECT DISTINCT(f.key) as k FROM accounts, json_each(locks) f")
	if err != nil {
		return nil, err
	}

	queues := make([]string, 0, len(rows))
	for _, row := range rows {
		queues = append(queues, row.String("k"))
	}

	selects := []string{
		"(SELECT COUNT(*) FROM accounts) as total",
		"(SELECT COUNT(*) FROM accounts WHERE active = true) as active",
		"(SELECT COUNT(*) FROM accounts WHERE active = false) as inactive",
	}
	for _, q := range queues {
		selects = append(selects, fmt.Sprintf(`
			(SELECT COUNT(*) FROM accounts
			 WHERE json_extract(locks, '$."%[1]s"') IS NOT NULL
			   AND json_extract(locks, '$."%[1]s"') > datetime('now')) as "locked_%[1]s"`, q))
	}

	row, err := p.st.FetchOne(ctx, "SELECT "+strings.Join(selects, ","))
	if err != nil {
		return nil, err
	}

	out := map[string]int{}
	for col := range row {
		out[col] = int(row.Int(col))
	}
	return out, nil
}

// AccountsInfo returns the operator listing, sorted: active accounts first,
// then by recency of use (only for accounts that made requests), then by
// username.
func (p *Pool) AccountsInfo(ctx context.Context) ([]AccountInfo, error) {
	accounts, err := p.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]AccountInfo, 0, len(accounts))
	for _, acc := range accounts {
		msg := acc.ErrorMsg
		if len(msg) > 60 {
			msg = msg[:60]
		}
		items = append(items, AccountInfo{
			Username: acc.Username,
			LoggedIn: acc.LoggedIn(),
			Active:   acc.Active,
			LastUsed: acc.LastUsed,
			TotalReq: acc.TotalRequests(),
			ErrorMsg: msg,
		})
	}

	sortKey := func(x AccountInfo) time.Time {
		if x.TotalReq > 0 {
			return x.LastUsed
		}
		return time.Time{}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(items[i].Username) < strings.ToLower(items[j].Username)
	})
	sort.SliceStable(items, func(i, j int) bool {
		return sortKey(items[i]).After(sortKey(items[j]))
	})
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Active && !items[j].Active
	})
	return items, nil
}
