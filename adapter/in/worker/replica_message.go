// Package worker consumes queue jobs and drives the sync and fine-tuning
// services.
package worker

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// JobType represents the type of a queued job.
type JobType = string

const (
	JobAccountSync   JobType = "account.sync"
	JobFineTuneCheck JobType = "finetune.check"
	JobFineTunePoll  JobType = "finetune.poll"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

// AccountSyncPayload triggers one account sync run.
type AccountSyncPayload struct {
	AccountID int64 `json:"account_id"`
	ForceFull bool  `json:"force_full"`
	MaxEmails int   `json:"max_emails,omitempty"`
}

// FineTuneCheckPayload triggers the readiness check for one coach, or for
// every enabled coach when CoachID is empty.
type FineTuneCheckPayload struct {
	CoachID string `json:"coach_id,omitempty"`
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
