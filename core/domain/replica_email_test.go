package domain

import (
	"strings"
	"testing"
	"time"
)

func TestPreview(t *testing.T) {
	email := &SyncedEmail{
		Subject: "Quarterly check-in",
		Text:    "  Hi   Sam,\n\nlet's   move our call to Tuesday.  ",
	}
	got := email.Preview(120)
	if got != "Hi Sam, let's move our call to Tuesday." {
		t.Errorf("unexpected preview: %q", got)
	}

	// Falls back to the subject when the body is empty.
	email.Text = "   "
	if got := email.Preview(120); got != "Quarterly check-in" {
		t.Errorf("expected subject fallback, got %q", got)
	}

	// Truncates to max.
	email.Text = strings.Repeat("a", 200)
	if got := email.Preview(50); len(got) != 50 {
		t.Errorf("expected 50 chars, got %d", len(got))
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Coach@Example.COM "); got != "coach@example.com" {
		t.Errorf("unexpected normalization: %q", got)
	}
}

func TestRecipientsMergesCC(t *testing.T) {
	email := &SyncedEmail{
		To: []EmailAddress{{Email: "a@example.com"}},
		CC: []EmailAddress{{Email: "b@example.com"}},
	}
	if got := email.Recipients(); len(got) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(got))
	}
}

func TestAccountNeedsReauth(t *testing.T) {
	account := &EmailAccount{SyncEnabled: true, AccessToken: "tok", IsActive: true}
	if account.NeedsReauth() {
		t.Error("active account should not need reauth")
	}
	if !account.Syncable() {
		t.Error("active account should be syncable")
	}

	account.SyncEnabled = false
	account.AccessToken = ""
	if !account.NeedsReauth() {
		t.Error("disabled tokenless account should need reauth")
	}
	if account.Syncable() {
		t.Error("needs-reauth account should not be syncable")
	}
}

func TestTokenExpiringWithin(t *testing.T) {
	account := &EmailAccount{}
	if !account.TokenExpiringWithin(5 * time.Minute) {
		t.Error("zero expiry should count as expiring")
	}

	account.TokenExpiresAt = time.Now().Add(time.Hour)
	if account.TokenExpiringWithin(5 * time.Minute) {
		t.Error("hour-away expiry should not count as expiring")
	}

	account.TokenExpiresAt = time.Now().Add(2 * time.Minute)
	if !account.TokenExpiringWithin(5 * time.Minute) {
		t.Error("expiry inside the skew window should count as expiring")
	}
}
