// Package api implements the request engine: single-shot and cursored
// queries over the account pool, plus the typed operation wrappers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"

	"github.com/IshaanNene/BirdStalk/internal/observability"
	"github.com/IshaanNene/BirdStalk/internal/pool"
	"github.com/IshaanNene/BirdStalk/internal/queue"
	"github.com/IshaanNene/BirdStalk/internal/types"
)

// Options tweak the API facade.
type Options struct {
	// Debug dumps every response to a temp directory.
	Debug bool

	// Proxy overrides the per-account proxies.
	Proxy string

	// Tokens, when set, adds the per-request challenge token header.
	Tokens queue.TokenProvider

	// Metrics, when set, receives operational counters.
	Metrics *observability.Metrics

	Logger *slog.Logger
}

// API issues catalogued operations through the pool.
type API struct {
	pool   *pool.Pool
	opts   Options
	logger *slog.Logger
}

// New creates the API facade over a pool.
func New(p *pool.Pool, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		pool:   p,
		opts:   opts,
		logger: logger.With("component", "api"),
	}
}

func (a *API) client(op Operation) *queue.Client {
	return queue.New(a.pool, op.Name, queue.Options{
		Debug:   a.opts.Debug,
		Proxy:   a.opts.Proxy,
		Tokens:  a.opts.Tokens,
		Metrics: a.opts.Metrics,
		Logger:  a.logger,
	})
}

// encodeParams JSON-encodes the variables/features/fieldToggles query
// parameters, stripping nil variable values.
func encodeParams(vars map[string]any, toggles map[string]bool) url.Values {
	clean := make(map[string]any, len(vars))
	for k, v := range vars {
		if v != nil {
			clean[k] = v
		}
	}

	params := url.Values{}
	varsJSON, _ := json.Marshal(clean)
	featJSON, _ := json.Marshal(gqlFeatures)
	params.Set("variables", string(varsJSON))
	params.Set("features", string(featJSON))
	if toggles != nil {
		togglesJSON, _ := json.Marshal(toggles)
		params.Set("fieldToggles", string(togglesJSON))
	}
	return params
}

// Item issues a single-shot operation and returns the raw response. A nil
// response means the operation was aborted or no active account remains;
// content the remote reports as not found comes back as a non-nil response
// carrying the remote's error body.
func (a *API) Item(ctx context.Context, op Operation, vars map[string]any) (*types.Response, error) {
	qc := a.client(op)
	defer qc.Close(ctx)

	return qc.Get(ctx, gqlURL+"/"+op.Path(), encodeParams(vars, op.FieldToggles))
}

// Items drives a cursored operation, yielding each raw page. The sequence
// must be consumed lazily; breaking out early releases the account lease
// deterministically. limit bounds the total entry count leniently (the last
// page may overshoot); -1 streams until the remote runs dry.
func (a *API) Items(ctx context.Context, op Operation, vars map[string]any, limit int) iter.Seq[*types.Response] {
	return func(yield func(*types.Response) bool) {
		qc := a.client(op)
		defer qc.Close(ctx)

		cursor := ""
		count := 0

		for {
			pageVars := make(map[string]any, len(vars)+1)
			for k, v := range vars {
				pageVars[k] = v
			}
			if cursor != "" {
				pageVars["cursor"] = cursor
			}

			rep, err := qc.Get(ctx, gqlURL+"/"+op.Path(), encodeParams(pageVars, op.FieldToggles))
			if err != nil {
				a.logger.Error("request failed", "queue", op.Name, "error", err)
				return
			}
			if rep == nil {
				return
			}

			obj := rep.JSON()
			entries := pageEntries(obj)
			cursor = nextCursor(obj, op.cursorType())

			count += len(entries)
			a.logger.Debug("page",
				"queue", op.Name,
				"total", count,
				"new", len(entries),
				"has_cursor", cursor != "",
				"username", rep.Username,
			)

			if len(entries) == 0 || limit == 0 {
				return
			}
			if a.opts.Metrics != nil {
				a.opts.Metrics.PagesYielded.Add(1)
			}
			if !yield(rep) {
				return
			}
			if cursor == "" || (limit > 0 && count >= limit) {
				return
			}
		}
	}
}

func (op Operation) cursorType() string {
	if op.CursorType != "" {
		return op.CursorType
	}
	return "Bottom"
}

// pageEntries deep-searches the payload for the timeline entries, dropping
// the cursor and message-prompt placeholders.
func pageEntries(obj map[string]any) []map[string]any {
	raw, _ := getByPath(obj, "entries").([]any)

	var out []map[string]any
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entry["entryId"].(string)
		if strings.HasPrefix(id, "cursor-") || strings.HasPrefix(id, "messageprompt-") {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// nextCursor finds the pagination cursor of the given type anywhere in the
// payload.
func nextCursor(obj map[string]any, cursorType string) string {
	cur := findObj(obj, func(o map[string]any) bool {
		t, _ := o["cursorType"].(string)
		return t == cursorType
	})
	if cur == nil {
		return ""
	}
	val, _ := cur["value"].(string)
	return val
}

// Search streams raw SearchTimeline pages for the query.
func (a *API) Search(ctx context.Context, query string, limit int) iter.Seq[*types.Response] {
	vars := map[string]any{
		"rawQuery":    query,
		"count":       20,
		"product":     "Latest",
		"querySource": "typed_query",
	}
	return a.Items(ctx, OpSearchTimeline, vars, limit)
}

// UserByID fetches one user by numeric id.
func (a *API) UserByID(ctx context.Context, uid int64) (*types.Response, error) {
	vars := map[string]any{"userId": fmt.Sprint(uid), "withSafetyModeUserFields": true}
	return a.Item(ctx, OpUserByRestId, vars)
}

// UserByLogin fetches one user by screen name.
func (a *API) UserByLogin(ctx context.Context, login string) (*types.Response, error) {
	vars := map[string]any{"screen_name": login, "withSafetyModeUserFields": true}
	return a.Item(ctx, OpUserByScreen, vars)
}

func tweetDetailVars(twid int64) map[string]any {
	return map[string]any{
		"focalTweetId":                           fmt.Sprint(twid),
		"referrer":                               "tweet",
		"with_rux_injections":                    false,
		"includePromotedContent":                 true,
		"withCommunity":                          true,
		"withQuickPromoteEligibilityTweetFields": true,
		"withBirdwatchNotes":                     true,
		"withVoice":                              true,
		"withV2Timeline":                         true,
	}
}

// TweetDetails fetches one tweet with its conversation context.
func (a *API) TweetDetails(ctx context.Context, twid int64) (*types.Response, error) {
	return a.Item(ctx, OpTweetDetail, tweetDetailVars(twid))
}

// TweetReplies streams the reply tree of a tweet.
func (a *API) TweetReplies(ctx context.Context, twid int64, limit int) iter.Seq[*types.Response] {
	return a.Items(ctx, OpTweetReplies, tweetDetailVars(twid), limit)
}

// Retweeters streams users who retweeted the tweet.
func (a *API) Retweeters(ctx context.Context, twid int64, limit int) iter.Seq[*types.Response] {
	vars := map[string]any{"tweetId": fmt.Sprint(twid), "count": 20, "includePromotedContent": true}
	return a.Items(ctx, OpRetweeters, vars, limit)
}

// Favoriters streams users who liked the tweet.
func (a *API) Favoriters(ctx context.Context, twid int64, limit int) iter.Seq[*types.Response] {
	vars := map[string]any{"tweetId": fmt.Sprint(twid), "count": 20, "includePromotedContent": true}
	return a.Items(ctx, OpFavoriters, vars, limit)
}

// Followers streams the user's followers.
func (a *API) Followers(ctx context.Context, uid int64, limit int) iter.Seq[*types.Response] {
	vars := map[string]any{"userId": fmt.Sprint(uid), "count": 20, "includePromotedContent": false}
	return a.Items(ctx, OpFollowers, vars, limit)
}

// Following streams the users this user follows.
func (a *API) Following(ctx context.Context, uid int64, limit int) iter.Seq[*types.Response] {
	vars := map[string]any{"userId": fmt.Sprint(uid), "count": 20, "includePromotedContent": false}
	return a.Items(ctx, OpFollowing, vars, limit)
}

func userTweetsVars(uid int64) map[string]any {
	return map[string]any{
		"userId":                                 fmt.Sprint(uid),
		"count":                                  40,
		"includePromotedContent":                 true,
		"withQuickPromoteEligibilityTweetFields": true,
		"withVoice":                              true,
		"withV2Timeline":                         true,
	}
}

// UserTweets streams the user's timeline.
func (a *API) UserTweets(ctx context.Context, uid int64, limit int) iter.Seq[*types.Response] {
	return a.Items(ctx, OpUserTweets, userTweetsVars(uid), limit)
}

// UserTweetsAndReplies streams the user's timeline including replies.
func (a *API) UserTweetsAndReplies(ctx context.Context, uid int64, limit int) iter.Seq[*types.Response] {
	return a.Items(ctx, OpUserReplies, userTweetsVars(uid), limit)
}

// ListTimeline streams the latest tweets of a list.
func (a *API) ListTimeline(ctx context.Context, listID int64, limit int) iter.Seq[*types.Response] {
	vars := map[string]any{"listId": fmt.Sprint(listID), "count": 20}
	return a.Items(ctx, OpListTimeline, vars, limit)
}
