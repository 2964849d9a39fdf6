package finetune

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/apperr"
	"replica_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/goccy/go-json"
)

// maxContextMessages bounds how much thread history precedes each training
// target.
const maxContextMessages = 5

const systemPreamble = "You are an email assistant that writes replies in the coach's personal voice and style. Match their tone, length, and way of addressing clients."

// chatMessage is one turn in a chat-format training example.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatExample struct {
	Messages []chatMessage `json:"messages"`
}

// Dataset is one serialized JSONL training batch.
type Dataset struct {
	Data         []byte
	ExampleCount int
	RangeStart   time.Time
	RangeEnd     time.Time
}

// DatasetBuilder turns cached coach emails into chat-format training
// examples. Each coach reply becomes one example whose context is the
// preceding thread messages, oldest first.
type DatasetBuilder struct {
	contents out.ContentStore
	log      *logger.Logger
}

func NewDatasetBuilder(contents out.ContentStore) *DatasetBuilder {
	return &DatasetBuilder{
		contents: contents,
		log:      logger.WithField("component", "dataset"),
	}
}

// Build assembles the JSONL dataset for the claimed cache rows. Threads with
// fewer than two stored messages carry no conversational signal and are
// skipped; a coach message opening a thread likewise yields no example.
func (b *DatasetBuilder) Build(ctx context.Context, coachID uuid.UUID, rows []*domain.CachedEmail) (*Dataset, error) {
	if len(rows) == 0 {
		return nil, apperr.DatasetBuild(coachID.String(), fmt.Errorf("no cached emails"))
	}

	// The same thread may appear in many rows; fetch each thread once.
	targets := make(map[string]map[string]struct{})
	var rangeStart, rangeEnd time.Time
	for _, row := range rows {
		if targets[row.ThreadID] == nil {
			targets[row.ThreadID] = make(map[string]struct{})
		}
		targets[row.ThreadID][row.MessageID] = struct{}{}
		if rangeStart.IsZero() || row.SentAt.Before(rangeStart) {
			rangeStart = row.SentAt
		}
		if row.SentAt.After(rangeEnd) {
			rangeEnd = row.SentAt
		}
	}

	var buf bytes.Buffer
	count := 0
	for threadID, messageIDs := range targets {
		messages, err := b.contents.ListThreadMessages(ctx, coachID, threadID)
		if err != nil {
			return nil, apperr.DatasetBuild(coachID.String(), fmt.Errorf("load thread %s: %w", threadID, err))
		}
		if len(messages) < 2 {
			b.log.Debug("thread %s has %d stored messages, skipping", threadID, len(messages))
			continue
		}

		for i, msg := range messages {
			if i == 0 || !msg.IsFromCoach {
				continue
			}
			if _, claimed := messageIDs[msg.MessageID]; !claimed {
				continue
			}
			example := b.buildExample(messages, i)
			if example == nil {
				continue
			}
			line, err := json.Marshal(example)
			if err != nil {
				return nil, apperr.DatasetBuild(coachID.String(), err)
			}
			buf.Write(line)
			buf.WriteByte('\n')
			count++
		}
	}

	if count == 0 {
		return nil, apperr.DatasetBuild(coachID.String(), fmt.Errorf("no usable training examples"))
	}

	return &Dataset{
		Data:         buf.Bytes(),
		ExampleCount: count,
		RangeStart:   rangeStart,
		RangeEnd:     rangeEnd,
	}, nil
}

// buildExample emits one chat example targeting messages[target]. Context is
// the up-to-maxContextMessages preceding messages in thread order; coach
// turns map to the assistant role, everyone else to user. Returns nil when
// the target has no usable body.
func (b *DatasetBuilder) buildExample(messages []*out.MessageContent, target int) *chatExample {
	reply := messageBody(messages[target])
	if reply == "" {
		return nil
	}

	first := target - maxContextMessages
	if first < 0 {
		first = 0
	}

	turns := make([]chatMessage, 0, target-first+2)
	turns = append(turns, chatMessage{Role: "system", Content: systemPreamble})
	for _, msg := range messages[first:target] {
		body := messageBody(msg)
		if body == "" {
			continue
		}
		role := "user"
		if msg.IsFromCoach {
			role = "assistant"
		}
		turns = append(turns, chatMessage{Role: role, Content: body})
	}

	// An example needs at least one non-coach turn before the reply.
	hasUserTurn := false
	for _, t := range turns[1:] {
		if t.Role == "user" {
			hasUserTurn = true
			break
		}
	}
	if !hasUserTurn {
		return nil
	}

	turns = append(turns, chatMessage{Role: "assistant", Content: reply})
	return &chatExample{Messages: turns}
}

func messageBody(msg *out.MessageContent) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Subject
}
