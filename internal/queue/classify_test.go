package queue

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/IshaanNene/BirdStalk/internal/types"
)

func makeRep(status int, body string, headers map[string]string) *types.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &types.Response{StatusCode: status, Headers: h, Body: []byte(body)}
}

func errBody(code int, message string) string {
	return `{"errors": [{"code": ` + strconv.Itoa(code) + `, "message": "` + message + `"}]}`
}

func TestClassifyOK(t *testing.T) {
	dec := classify(makeRep(200, `{"foo": "bar"}`, nil))
	if dec.verdict != verdictOK {
		t.Fatalf("verdict = %v, want OK", dec.verdict)
	}
}

func TestClassifyRateLimitHeader(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute).Unix()
	dec := classify(makeRep(200, `{}`, map[string]string{
		"x-rate-limit-remaining": "0",
		"x-rate-limit-reset":     strconv.FormatInt(reset, 10),
	}))
	if dec.verdict != verdictRateLimited {
		t.Fatalf("verdict = %v, want rate limited", dec.verdict)
	}
	if dec.resetAt.Unix() != reset {
		t.Fatalf("resetAt = %v, want %v", dec.resetAt.Unix(), reset)
	}
}

func TestClassifyRateLimitBody(t *testing.T) {
	dec := classify(makeRep(200, errBody(88, "Rate limit exceeded."), nil))
	if dec.verdict != verdictRateLimited {
		t.Fatalf("verdict = %v, want rate limited", dec.verdict)
	}
	until := time.Until(dec.resetAt)
	if until < 3*time.Hour || until > 5*time.Hour {
		t.Fatalf("fallback reset %v not ≈ 4h away", until)
	}
}

func TestClassifyStatus429(t *testing.T) {
	dec := classify(makeRep(429, `{}`, nil))
	if dec.verdict != verdictRateLimited {
		t.Fatalf("verdict = %v, want rate limited", dec.verdict)
	}
}

func TestClassifyBans(t *testing.T) {
	cases := []string{
		errBody(326, "Authorization: Denied by access control: To protect our users from spam..."),
		errBody(64, "Your account is suspended and is not permitted to access this feature."),
		errBody(32, "Could not authenticate you"),
	}
	for _, body := range cases {
		dec := classify(makeRep(200, body, nil))
		if dec.verdict != verdictBanned {
			t.Fatalf("verdict for %q = %v, want banned", body, dec.verdict)
		}
		if dec.message == "" {
			t.Fatal("ban must carry a reason")
		}
	}
}

func TestClassifyEmptyError40x(t *testing.T) {
	for _, status := range []int{401, 403} {
		dec := classify(makeRep(status, `{"foo": "1"}`, nil))
		if dec.verdict != verdictBanned {
			t.Fatalf("verdict for %d = %v, want banned", status, dec.verdict)
		}
	}
}

func TestClassifyRemoteTimeout(t *testing.T) {
	dec := classify(makeRep(200, errBody(29, "Timeout: Unspecified"), nil))
	if dec.verdict != verdictRetry {
		t.Fatalf("verdict = %v, want retry", dec.verdict)
	}
}

func TestClassifyDependencyError(t *testing.T) {
	dec := classify(makeRep(200, errBody(131, "Dependency: Internal error."), nil))
	if dec.verdict != verdictAbort {
		t.Fatalf("verdict = %v, want abort", dec.verdict)
	}
}

func TestClassifyContentNotFound(t *testing.T) {
	dec := classify(makeRep(200, errBody(144, "_Missing: No status found with that ID."), nil))
	if dec.verdict != verdictOK {
		t.Fatalf("verdict = %v, want OK", dec.verdict)
	}
}

func TestClassifyToleratedAuthorizationQuirk(t *testing.T) {
	dec := classify(makeRep(200, errBody(200, "Forbidden. Authorization required"), nil))
	if dec.verdict != verdictOK {
		t.Fatalf("verdict = %v, want OK", dec.verdict)
	}
}

func TestClassifyUnknownStatus(t *testing.T) {
	dec := classify(makeRep(500, `{"foo": "1"}`, nil))
	if dec.verdict != verdictUnknown {
		t.Fatalf("verdict = %v, want unknown", dec.verdict)
	}
}

func TestClassifyFatalFeatures(t *testing.T) {
	dec := classify(makeRep(400, errBody(336, "The following features cannot be null: foo_enabled"), nil))
	if dec.verdict != verdictFatal {
		t.Fatalf("verdict = %v, want fatal", dec.verdict)
	}
}

func TestClassifySingleOutcome(t *testing.T) {
	// every response maps to exactly one verdict in the enumerated set
	bodies := []string{
		`{"foo": "bar"}`, `not json`, errBody(88, "Rate limit exceeded."),
		errBody(64, "Your account is suspended"), `{}`,
	}
	statuses := []int{200, 400, 401, 403, 429, 500}
	for _, body := range bodies {
		for _, status := range statuses {
			dec := classify(makeRep(status, body, nil))
			if dec.verdict < verdictOK || dec.verdict > verdictFatal {
				t.Fatalf("verdict %v out of range for status=%d body=%q", dec.verdict, status, body)
			}
		}
	}
}

func TestErrorMessageDedup(t *testing.T) {
	body := `{"errors": [
		{"code": 88, "message": "Rate limit exceeded."},
		{"code": 88, "message": "Rate limit exceeded."}
	]}`
	msg := errorMessage(makeRep(200, body, nil).JSON())
	if msg != "(88) Rate limit exceeded." {
		t.Fatalf("message = %q", msg)
	}
}
