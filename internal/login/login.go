// Package login drives the remote provider's multi-subtask onboarding flow
// and persists the authenticated session into the account record.
package login

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/IshaanNene/BirdStalk/internal/account"
	"github.com/IshaanNene/BirdStalk/internal/imapcode"
	"github.com/IshaanNene/BirdStalk/internal/types"
)

var (
	loginURL      = "https://api.x.com/1.1/onboarding/task.json"
	guestTokenURL = "https://api.x.com/1.1/guest/activate.json"
)

// Config tweaks the login flow.
type Config struct {
	// EmailFirst opens the IMAP session before starting the flow, so a code
	// request racing the login start cannot be missed.
	EmailFirst bool

	// Manual prompts the operator for the email code instead of IMAP.
	Manual bool

	Logger *slog.Logger
}

// flowResponse is the remote's task-graph envelope.
type flowResponse struct {
	FlowToken string    `json:"flow_token"`
	Status    string    `json:"status"`
	Subtasks  []subtask `json:"subtasks"`
}

type subtask struct {
	SubtaskID string `json:"subtask_id"`
	EnterText struct {
		HintText string `json:"hint_text"`
	} `json:"enter_text"`
}

// taskCtx is the state of one login attempt.
type taskCtx struct {
	clt    *account.Client
	acc    *account.Account
	cfg    Config
	prev   *flowResponse
	imap   *imapcode.Session
	logger *slog.Logger
}

// Login runs the flow for one account. On success the authenticated headers
// and cookies are snapshotted into the account and it is marked active; on
// failure the failing step is recorded in the account's error message.
func Login(ctx context.Context, acc *account.Account, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "login", "username", acc.Username)

	if acc.Active {
		logger.Info("account already active")
		return nil
	}

	clt, err := acc.Client(account.ClientOptions{})
	if err != nil {
		return err
	}

	tc := &taskCtx{clt: clt, acc: acc, cfg: cfg, logger: logger}
	if cfg.EmailFirst && !cfg.Manual {
		tc.imap, err = imapcode.Login(acc.Email, acc.EmailPassword, logger)
		if err != nil {
			acc.ErrorMsg = err.Error()
			return err
		}
	}
	defer func() {
		if tc.imap != nil {
			tc.imap.Close()
		}
	}()

	if err := run(ctx, tc); err != nil {
		if acc.ErrorMsg == "" {
			acc.ErrorMsg = err.Error()
		}
		return err
	}

	ct0 := clt.Session.Cookie("ct0")
	if ct0 == "" {
		acc.ErrorMsg = "ct0 not in cookies (most likely ip ban)"
		return fmt.Errorf("%s", acc.ErrorMsg)
	}
	clt.Session.SetHeader("x-csrf-token", ct0)
	clt.Session.SetHeader("x-twitter-auth-type", "OAuth2Session")

	acc.Active = true
	acc.ErrorMsg = ""
	acc.Headers = clt.Session.Headers()
	acc.Cookies = clt.Session.Cookies()
	return nil
}

// run bootstraps the guest token, submits the initial flow, then dispatches
// subtasks until the remote stops emitting them.
func run(ctx context.Context, tc *taskCtx) error {
	token, err := guestToken(ctx, tc.clt)
	if err != nil {
		return err
	}
	tc.clt.Session.SetHeader("x-guest-token", token)

	rep, err := initiate(ctx, tc.clt)
	if err != nil {
		return err
	}

	for rep != nil {
		rep, err = nextTask(ctx, tc, rep)
		if err != nil {
			return err
		}
	}
	return nil
}

// guestToken activates a bootstrap guest session.
func guestToken(ctx context.Context, clt *account.Client) (string, error) {
	body, err := postJSON(ctx, clt, guestTokenURL, nil)
	if err != nil {
		return "", &types.LoginError{Step: "guest_token", Err: err}
	}
	var out struct {
		GuestToken string `json:"guest_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.GuestToken == "" {
		return "", &types.LoginError{Step: "guest_token", Err: fmt.Errorf("no guest_token in %s", body)}
	}
	return out.GuestToken, nil
}

func initiate(ctx context.Context, clt *account.Client) (*flowResponse, error) {
	payload := map[string]any{
		"input_flow_data": map[string]any{
			"flow_context": map[string]any{
				"debug_overrides": map[string]any{},
				"start_location":  map[string]any{"location": "unknown"},
			},
		},
		"subtask_versions": map[string]any{},
	}

	body, err := postJSON(ctx, clt, loginURL+"?flow_name=login", payload)
	if err != nil {
		return nil, &types.LoginError{Step: "initiate", Err: err}
	}
	return parseFlow(body)
}

// nextTask refreshes session auth state, then dispatches the first known
// subtask of the previous response. A response with no known subtask ends
// the flow.
func nextTask(ctx context.Context, tc *taskCtx, rep *flowResponse) (*flowResponse, error) {
	if ct0 := tc.clt.Session.Cookie("ct0"); ct0 != "" {
		tc.clt.Session.SetHeader("x-csrf-token", ct0)
		tc.clt.Session.SetHeader("x-twitter-auth-type", "OAuth2Session")
	}

	tc.prev = rep
	if tc.prev.FlowToken == "" {
		return nil, fmt.Errorf("flow_token missing in login response")
	}

	for _, task := range rep.Subtasks {
		handler, ok := handlerFor(tc, task)
		if !ok {
			continue
		}

		tc.logger.Debug("login subtask", "subtask_id", task.SubtaskID)
		next, err := handler(ctx)
		if err != nil {
			lerr := &types.LoginError{Step: task.SubtaskID, Err: err}
			tc.acc.ErrorMsg = lerr.Error()
			return nil, lerr
		}
		return next, nil
	}
	return nil, nil
}

func handlerFor(tc *taskCtx, task subtask) (func(context.Context) (*flowResponse, error), bool) {
	switch task.SubtaskID {
	case "LoginSuccessSubtask":
		return tc.success, true
	case "LoginAcid":
		if strings.EqualFold(task.EnterText.HintText, "confirmation code") {
			return tc.confirmEmailCode, true
		}
		return tc.confirmEmail, true
	case "AccountDuplicationCheck":
		return tc.duplicationCheck, true
	case "LoginEnterPassword":
		return tc.enterPassword, true
	case "LoginTwoFactorAuthChallenge":
		return tc.twoFactorChallenge, true
	case "LoginEnterUserIdentifierSSO":
		return tc.enterUsername, true
	case "LoginJsInstrumentationSubtask":
		return tc.instrumentation, true
	case "LoginEnterAlternateIdentifierSubtask":
		return tc.alternateIdentifier, true
	}
	return nil, false
}

func (tc *taskCtx) submit(ctx context.Context, inputs ...map[string]any) (*flowResponse, error) {
	if inputs == nil {
		inputs = []map[string]any{}
	}
	payload := map[string]any{
		"flow_token":     tc.prev.FlowToken,
		"subtask_inputs": inputs,
	}
	body, err := postJSON(ctx, tc.clt, loginURL, payload)
	if err != nil {
		return nil, err
	}
	return parseFlow(body)
}

func (tc *taskCtx) instrumentation(ctx context.Context) (*flowResponse, error) {
	return tc.submit(ctx, map[string]any{
		"subtask_id":         "LoginJsInstrumentationSubtask",
		"js_instrumentation": map[string]any{"response": "{}", "link": "next_link"},
	})
}

func (tc *taskCtx) enterUsername(ctx context.Context) (*flowResponse, error) {
	return tc.submit(ctx, map[string]any{
		"subtask_id": "LoginEnterUserIdentifierSSO",
		"settings_list": map[string]any{
			"setting_responses": []map[string]any{{
				"key":           "user_identifier",
				"response_data": map[string]any{"text_data": map[string]any{"result": tc.acc.Username}},
			}},
			"link": "next_link",
		},
	})
}

func (tc *taskCtx) alternateIdentifier(ctx context.Context) (*flowResponse, error) {
	return tc.submit(ctx, map[string]any{
		"subtask_id": "LoginEnterAlternateIdentifierSubtask",
		"enter_text": map[string]any{"text": tc.acc.Username, "link": "next_link"},
	})
}

func (tc *taskCtx) enterPassword(ctx context.Context) (*flowResponse, error) {
	return tc.submit(ctx, map[string]any{
		"subtask_id":     "LoginEnterPassword",
		"enter_password": map[string]any{"password": tc.acc.Password, "link": "next_link"},
	})
}

func (tc *taskCtx) twoFactorChallenge(ctx context.Context) (*flowResponse, error) {
	if tc.acc.MfaCode == "" {
		return nil, fmt.Errorf("mfa seed is required")
	}
	code, err := totp.GenerateCode(tc.acc.MfaCode, time.Now())
	if err != nil {
		return nil, fmt.Errorf("totp: %w", err)
	}
	return tc.submit(ctx, map[string]any{
		"subtask_id": "LoginTwoFactorAuthChallenge",
		"enter_text": map[string]any{"text": code, "link": "next_link"},
	})
}

func (tc *taskCtx) duplicationCheck(ctx context.Context) (*flowResponse, error) {
	return tc.submit(ctx, map[string]any{
		"subtask_id":              "AccountDuplicationCheck",
		"check_logged_in_account": map[string]any{"link": "AccountDuplicationCheck_false"},
	})
}

func (tc *taskCtx) confirmEmail(ctx context.Context) (*flowResponse, error) {
	return tc.submit(ctx, map[string]any{
		"subtask_id": "LoginAcid",
		"enter_text": map[string]any{"text": tc.acc.Email, "link": "next_link"},
	})
}

func (tc *taskCtx) confirmEmailCode(ctx context.Context) (*flowResponse, error) {
	var code string
	var err error

	if tc.cfg.Manual {
		code, err = imapcode.Prompt(tc.acc.Username, tc.acc.Email)
	} else {
		if tc.imap == nil {
			tc.imap, err = imapcode.Login(tc.acc.Email, tc.acc.EmailPassword, tc.logger)
			if err != nil {
				return nil, err
			}
		}
		minTime := types.UTCNow().Add(-30 * time.Second)
		code, err = tc.imap.WaitForCode(ctx, minTime)
	}
	if err != nil {
		return nil, err
	}

	return tc.submit(ctx, map[string]any{
		"subtask_id": "LoginAcid",
		"enter_text": map[string]any{"text": code, "link": "next_link"},
	})
}

func (tc *taskCtx) success(ctx context.Context) (*flowResponse, error) {
	return tc.submit(ctx)
}

func parseFlow(body []byte) (*flowResponse, error) {
	var rep flowResponse
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	return &rep, nil
}

// postJSON issues a POST with a JSON body and returns the response body,
// failing on any non-2xx status.
func postJSON(ctx context.Context, clt *account.Client, url string, payload map[string]any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}

	rep, err := clt.Do(req)
	if err != nil {
		return nil, err
	}
	defer rep.Body.Close()

	raw, err := io.ReadAll(rep.Body)
	if err != nil {
		return nil, err
	}
	if rep.StatusCode >= 400 {
		return nil, fmt.Errorf("%d - %s", rep.StatusCode, raw)
	}
	return raw, nil
}
