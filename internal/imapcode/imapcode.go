// Package imapcode polls a mailbox for the login confirmation code sent by
// the remote provider during the ACID login subtask.
package imapcode

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

const (
	subjectMarker = "confirmation code"

	pollInterval   = 5 * time.Second
	defaultTimeout = 30 * time.Second

	// scanWindow bounds how many of the newest messages are inspected per
	// poll; anything older predates the login attempt anyway.
	scanWindow = 20
)

// hostOverrides maps well-known mail domains whose IMAP host is not the
// plain imap.<domain> convention.
var hostOverrides = map[string]string{
	"yahoo.com":   "imap.mail.yahoo.com",
	"icloud.com":  "imap.mail.me.com",
	"outlook.com": "imap-mail.outlook.com",
	"hotmail.com": "imap-mail.outlook.com",
}

// Host derives the IMAP host for an email address.
func Host(email string) string {
	_, domain, _ := strings.Cut(email, "@")
	if host, ok := hostOverrides[domain]; ok {
		return host
	}
	return "imap." + domain
}

// Timeout returns the code-wait deadline: TWS_WAIT_EMAIL_CODE or
// LOGIN_CODE_TIMEOUT in seconds, default 30.
func Timeout() time.Duration {
	for _, key := range []string{"TWS_WAIT_EMAIL_CODE", "LOGIN_CODE_TIMEOUT"} {
		if v := os.Getenv(key); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultTimeout
}

// Session is an authenticated IMAP connection to one inbox.
type Session struct {
	clt    *client.Client
	email  string
	logger *slog.Logger
}

// Login connects to the account's IMAP host over TLS and authenticates.
func Login(email, password string, logger *slog.Logger) (*Session, error) {
	host := Host(email)
	clt, err := client.DialTLS(host+":993", nil)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", host, err)
	}
	if err := clt.Login(email, password); err != nil {
		clt.Logout()
		return nil, fmt.Errorf("imap login %s: %w", email, err)
	}
	return &Session{
		clt:    clt,
		email:  email,
		logger: logger.With("component", "imapcode", "email", email),
	}, nil
}

// Close logs out of the IMAP session.
func (s *Session) Close() error {
	return s.clt.Logout()
}

// WaitForCode polls the inbox until a confirmation-code message newer than
// minTime arrives, or the deadline passes. The inbox is selected READ-ONLY;
// the code is the last whitespace-delimited token of the subject.
func (s *Session) WaitForCode(ctx context.Context, minTime time.Time) (string, error) {
	deadline := time.Now().Add(Timeout())

	for {
		mbox, err := s.clt.Select("INBOX", true)
		if err != nil {
			return "", fmt.Errorf("select inbox: %w", err)
		}

		if mbox.Messages > 0 {
			code, err := s.scan(mbox.Messages, minTime)
			if err != nil {
				return "", err
			}
			if code != "" {
				return code, nil
			}
		}

		s.logger.Debug("waiting for confirmation code", "messages", mbox.Messages)
		if time.Now().After(deadline) {
			return "", fmt.Errorf("timeout waiting for confirmation code for %s", s.email)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// scan fetches envelopes newest-to-oldest and returns the first code that
// matches sender, subject, and minimum-time filters.
func (s *Session) scan(count uint32, minTime time.Time) (string, error) {
	from := uint32(1)
	if count > scanWindow {
		from = count - scanWindow + 1
	}

	seq := new(imap.SeqSet)
	seq.AddRange(from, count)

	messages := make(chan *imap.Message, scanWindow)
	done := make(chan error, 1)
	go func() {
		done <- s.clt.Fetch(seq, []imap.FetchItem{imap.FetchEnvelope}, messages)
	}()

	var fetched []*imap.Message
	for msg := range messages {
		fetched = append(fetched, msg)
	}
	if err := <-done; err != nil {
		return "", fmt.Errorf("fetch messages: %w", err)
	}

	for i := len(fetched) - 1; i >= 0; i-- {
		env := fetched[i].Envelope
		if env == nil {
			continue
		}

		sender := ""
		if len(env.From) > 0 {
			sender = strings.ToLower(env.From[0].Address())
		}
		subject := strings.ToLower(env.Subject)
		s.logger.Debug("inbox message", "from", sender, "date", env.Date, "subject", subject)

		if !minTime.IsZero() && env.Date.Before(minTime) {
			// older than the login attempt; everything below is older still
			return "", nil
		}

		if isKnownSender(sender) && strings.Contains(subject, subjectMarker) {
			// e.g. "Your X confirmation code is XXX"
			fields := strings.Fields(subject)
			return strings.TrimSpace(fields[len(fields)-1]), nil
		}
	}
	return "", nil
}

// isKnownSender matches the provider's notification addresses, old and new.
func isKnownSender(sender string) bool {
	return strings.Contains(sender, "info@x.com") || strings.Contains(sender, "info@twitter.com")
}

// Prompt reads the confirmation code from standard input instead of IMAP.
func Prompt(username, email string) (string, error) {
	fmt.Printf("Enter email code for %s / %s\n", username, email)
	fmt.Print("Code: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
