package queue

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IshaanNene/BirdStalk/internal/types"
)

// verdict is the classifier's decision for one response.
type verdict int

const (
	// verdictOK passes the response to the caller.
	verdictOK verdict = iota

	// verdictRateLimited extends the account's lease to ResetAt and
	// re-leases.
	verdictRateLimited

	// verdictBanned marks the account inactive and re-leases.
	verdictBanned

	// verdictRetry releases the lease without a new deadline and re-leases;
	// the next lease may be the same account.
	verdictRetry

	// verdictAbort aborts the whole logical operation.
	verdictAbort

	// verdictUnknown is an unclassified failure: retried a bounded number of
	// times, then the account is penalized and the error surfaces.
	verdictUnknown

	// verdictFatal forces operator action (stale feature flags).
	verdictFatal
)

// decision couples a verdict with its parameters.
type decision struct {
	verdict verdict
	resetAt time.Time
	message string
}

// rateLimitFallback is the conservative lock applied when the remote reports
// a rate limit without a usable reset header.
const rateLimitFallback = 4 * time.Hour

// errorMessage flattens the response body's errors array into the "(code)
// message" form the decision table matches on. Returns "OK" when the body
// carries no errors.
func errorMessage(data map[string]any) string {
	rawErrs, ok := data["errors"].([]any)
	if !ok || len(rawErrs) == 0 {
		return "OK"
	}

	seen := map[string]bool{}
	var msgs []string
	for _, raw := range rawErrs {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		code := -1
		if c, ok := obj["code"].(float64); ok {
			code = int(c)
		}
		msg, _ := obj["message"].(string)
		s := fmt.Sprintf("(%d) %s", code, msg)
		if !seen[s] {
			seen[s] = true
			msgs = append(msgs, s)
		}
	}
	if len(msgs) == 0 {
		return "OK"
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

// classify runs the response decision table, in order.
func classify(rep *types.Response) decision {
	data := rep.JSON()
	errMsg := errorMessage(data)

	limitRemaining := rep.RateLimitRemaining()
	limitReset := rep.RateLimitReset()

	switch {
	case strings.Contains(errMsg, "The following features cannot be null"):
		return decision{verdict: verdictFatal, message: errMsg}

	case limitRemaining == 0 && limitReset > 0:
		return decision{verdict: verdictRateLimited, resetAt: time.Unix(int64(limitReset), 0).UTC(), message: errMsg}

	case strings.HasPrefix(errMsg, "(88) Rate limit exceeded") || rep.StatusCode == 429:
		return decision{verdict: verdictRateLimited, resetAt: types.UTCNow().Add(rateLimitFallback), message: errMsg}

	case strings.HasPrefix(errMsg, "(326) Authorization: Denied by access control"):
		return decision{verdict: verdictBanned, message: errMsg}

	case strings.HasPrefix(errMsg, "(64) Your account is suspended"):
		return decision{verdict: verdictBanned, message: errMsg}

	case strings.HasPrefix(errMsg, "(32) Could not authenticate you"):
		return decision{verdict: verdictBanned, message: errMsg}

	case strings.HasPrefix(errMsg, "(29) Timeout: Unspecified"):
		return decision{verdict: verdictRetry, message: errMsg}

	case errMsg == "OK" && (rep.StatusCode == 401 || rep.StatusCode == 403):
		return decision{verdict: verdictBanned, message: ""}

	case strings.HasPrefix(errMsg, "(131) Dependency: Internal error"):
		return decision{verdict: verdictAbort, message: errMsg}

	case rep.StatusCode == 200 && strings.Contains(errMsg, "_Missing: No status found with that ID."):
		// content deleted or hidden; the caller sees the raw body
		return decision{verdict: verdictOK, message: errMsg}

	case rep.StatusCode == 200 && strings.Contains(errMsg, "Authorization"):
		return decision{verdict: verdictOK, message: errMsg}

	case rep.StatusCode == 200:
		return decision{verdict: verdictOK, message: errMsg}

	case errMsg != "OK":
		// errors at non-200 statuses pass through like 200-with-errors does
		return decision{verdict: verdictOK, message: errMsg}

	default:
		return decision{verdict: verdictUnknown, message: errMsg}
	}
}
