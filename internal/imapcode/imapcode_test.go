package imapcode

import (
	"testing"
	"time"
)

func TestHostOverrides(t *testing.T) {
	cases := map[string]string{
		"a@yahoo.com":   "imap.mail.yahoo.com",
		"a@icloud.com":  "imap.mail.me.com",
		"a@outlook.com": "imap-mail.outlook.com",
		"a@hotmail.com": "imap-mail.outlook.com",
		"a@example.com": "imap.example.com",
		"a@gmail.com":   "imap.gmail.com",
	}
	for email, want := range cases {
		if got := Host(email); got != want {
			t.Errorf("Host(%q) = %q, want %q", email, got, want)
		}
	}
}

func TestTimeoutDefault(t *testing.T) {
	t.Setenv("TWS_WAIT_EMAIL_CODE", "")
	t.Setenv("LOGIN_CODE_TIMEOUT", "")
	if got := Timeout(); got != 30*time.Second {
		t.Fatalf("default timeout = %v, want 30s", got)
	}
}

func TestTimeoutEnvOverride(t *testing.T) {
	t.Setenv("TWS_WAIT_EMAIL_CODE", "90")
	if got := Timeout(); got != 90*time.Second {
		t.Fatalf("timeout = %v, want 90s", got)
	}

	t.Setenv("TWS_WAIT_EMAIL_CODE", "")
	t.Setenv("LOGIN_CODE_TIMEOUT", "45")
	if got := Timeout(); got != 45*time.Second {
		t.Fatalf("alias timeout = %v, want 45s", got)
	}
}

func TestKnownSender(t *testing.T) {
	if !isKnownSender("info@x.com") || !isKnownSender("info@twitter.com") {
		t.Fatal("provider addresses not recognized")
	}
	if isKnownSender("phish@example.com") {
		t.Fatal("unknown sender accepted")
	}
}
