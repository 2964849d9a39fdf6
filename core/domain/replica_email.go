package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncedEmail is the transient unit a provider adapter returns from a sync
// page. It is never persisted as-is; the reconciler and the fine-tuning cache
// consume it.
type SyncedEmail struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`

	From EmailAddress   `json:"from"`
	To   []EmailAddress `json:"to"`
	CC   []EmailAddress `json:"cc,omitempty"`

	Subject string `json:"subject"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`

	Attachments []AttachmentMeta `json:"attachments,omitempty"`

	SentAt     time.Time `json:"sent_at"`
	ReceivedAt time.Time `json:"received_at"`
	IsRead     bool      `json:"is_read"`
	Labels     []string  `json:"labels,omitempty"`
}

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Recipients returns To and CC merged.
func (e *SyncedEmail) Recipients() []EmailAddress {
	if len(e.CC) == 0 {
		return e.To
	}
	out := make([]EmailAddress, 0, len(e.To)+len(e.CC))
	out = append(out, e.To...)
	out = append(out, e.CC...)
	return out
}

// Preview returns a short plain-text snippet for thread listings.
func (e *SyncedEmail) Preview(max int) string {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		text = strings.TrimSpace(e.Subject)
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > max {
		return text[:max]
	}
	return text
}

// EmailThread is one provider conversation reconciled for one coach.
// At most one EmailThread exists per (CoachID, ThreadID).
type EmailThread struct {
	ID       int64     `json:"id"`
	CoachID  uuid.UUID `json:"coach_id"`
	ThreadID string    `json:"thread_id"`

	Subject string `json:"subject"`

	ParticipantID    uuid.UUID `json:"participant_id"`
	ParticipantType  UserType  `json:"participant_type"`
	ParticipantEmail string    `json:"participant_email"`

	MessageCount       int       `json:"message_count"`
	LastMessageAt      time.Time `json:"last_message_at"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	IsRead             bool      `json:"is_read"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity is a resolved participant: an active client, a lead, or the coach.
type Identity struct {
	ID    uuid.UUID `json:"id"`
	Type  UserType  `json:"type"`
	Email string    `json:"email"`
	Name  string    `json:"name,omitempty"`
}

// IsClientOrLead reports whether the identity can appear on the client side
// of a coaching conversation.
func (i *Identity) IsClientOrLead() bool {
	return i.Type == UserTypeClient || i.Type == UserTypeLead
}

// NormalizeEmail lowercases and trims an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
