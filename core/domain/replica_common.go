// Package domain holds the core types of the mail-sync and fine-tuning pipeline.
package domain

// Provider identifies a mailbox provider.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// UserType identifies the role of a participant relative to a coach.
type UserType string

const (
	UserTypeCoach  UserType = "coach"
	UserTypeClient UserType = "client"
	UserTypeLead   UserType = "lead"
)

// EmailAddress is a parsed address with optional display name.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}
