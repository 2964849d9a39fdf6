package finetune

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

func threadMessage(threadID, messageID, text string, fromCoach bool, sentAt time.Time) *out.MessageContent {
	return &out.MessageContent{
		MessageID:   messageID,
		ThreadID:    threadID,
		From:        "someone@example.com",
		Subject:     "Check-in",
		Text:        text,
		IsFromCoach: fromCoach,
		SentAt:      sentAt,
	}
}

func cachedRow(coachID uuid.UUID, threadID, messageID string, sentAt time.Time) *domain.CachedEmail {
	return &domain.CachedEmail{
		CoachID:          coachID,
		ThreadID:         threadID,
		MessageID:        messageID,
		IsFromCoach:      true,
		IsToClientOrLead: true,
		SentAt:           sentAt,
	}
}

func decodeExamples(t *testing.T, data []byte) []chatExample {
	t.Helper()
	var examples []chatExample
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		var ex chatExample
		if err := json.Unmarshal(line, &ex); err != nil {
			t.Fatalf("invalid JSONL line %q: %v", line, err)
		}
		examples = append(examples, ex)
	}
	return examples
}

func TestBuildProducesChatExamples(t *testing.T) {
	coachID := uuid.New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{threads: map[string][]*out.MessageContent{
		"t1": {
			threadMessage("t1", "c1", "How should I handle the client dinner?", false, base),
			threadMessage("t1", "r1", "Order first, keep it light.", true, base.Add(time.Hour)),
			threadMessage("t1", "c2", "That worked, thanks!", false, base.Add(2*time.Hour)),
			threadMessage("t1", "r2", "Great, see you Thursday.", true, base.Add(3*time.Hour)),
		},
	}}
	builder := NewDatasetBuilder(store)
	rows := []*domain.CachedEmail{
		cachedRow(coachID, "t1", "r1", base.Add(time.Hour)),
		cachedRow(coachID, "t1", "r2", base.Add(3*time.Hour)),
	}

	dataset, err := builder.Build(context.Background(), coachID, rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dataset.ExampleCount != 2 {
		t.Fatalf("expected 2 examples, got %d", dataset.ExampleCount)
	}
	if !dataset.RangeStart.Equal(base.Add(time.Hour)) || !dataset.RangeEnd.Equal(base.Add(3*time.Hour)) {
		t.Errorf("unexpected range: %v .. %v", dataset.RangeStart, dataset.RangeEnd)
	}

	examples := decodeExamples(t, dataset.Data)
	for _, ex := range examples {
		if len(ex.Messages) < 3 {
			t.Fatalf("example too short: %+v", ex)
		}
		if ex.Messages[0].Role != "system" {
			t.Errorf("expected system turn first, got %q", ex.Messages[0].Role)
		}
		last := ex.Messages[len(ex.Messages)-1]
		if last.Role != "assistant" {
			t.Errorf("expected assistant reply last, got %q", last.Role)
		}
	}
	// The first example targets r1 with a single client turn of context.
	first := examples[0]
	if first.Messages[1].Role != "user" || first.Messages[1].Content != "How should I handle the client dinner?" {
		t.Errorf("unexpected context turn: %+v", first.Messages[1])
	}
	if first.Messages[2].Content != "Order first, keep it light." {
		t.Errorf("unexpected reply: %+v", first.Messages[2])
	}
}

func TestBuildCapsContextWindow(t *testing.T) {
	coachID := uuid.New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	messages := make([]*out.MessageContent, 0, 10)
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("c%d", i)
		messages = append(messages, threadMessage("t1", id, "client update "+id, false, base.Add(time.Duration(i)*time.Minute)))
	}
	messages = append(messages, threadMessage("t1", "r1", "Here is my take.", true, base.Add(time.Hour)))
	store := &fakeStore{threads: map[string][]*out.MessageContent{"t1": messages}}
	builder := NewDatasetBuilder(store)

	dataset, err := builder.Build(context.Background(), coachID, []*domain.CachedEmail{
		cachedRow(coachID, "t1", "r1", base.Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	examples := decodeExamples(t, dataset.Data)
	// system + at most 5 context turns + the reply.
	if got := len(examples[0].Messages); got != 7 {
		t.Errorf("expected 7 turns, got %d", got)
	}
}

func TestBuildSkipsShortThreads(t *testing.T) {
	coachID := uuid.New()
	store := &fakeStore{threads: map[string][]*out.MessageContent{
		"t1": {threadMessage("t1", "r1", "Opener with nobody to reply to.", true, time.Now())},
	}}
	builder := NewDatasetBuilder(store)

	_, err := builder.Build(context.Background(), coachID, []*domain.CachedEmail{
		cachedRow(coachID, "t1", "r1", time.Now()),
	})
	if err == nil {
		t.Fatal("expected error for thread with a single stored message")
	}
}

func TestBuildSkipsThreadOpeners(t *testing.T) {
	coachID := uuid.New()
	base := time.Now()
	store := &fakeStore{threads: map[string][]*out.MessageContent{
		"t1": {
			threadMessage("t1", "r1", "Coach opens the thread.", true, base),
			threadMessage("t1", "c1", "Client replies.", false, base.Add(time.Hour)),
		},
	}}
	builder := NewDatasetBuilder(store)

	// Only the opener is claimed; it precedes any client turn, so no example.
	_, err := builder.Build(context.Background(), coachID, []*domain.CachedEmail{
		cachedRow(coachID, "t1", "r1", base),
	})
	if err == nil {
		t.Fatal("expected error when no usable examples remain")
	}
}

func TestBuildRequiresUserTurn(t *testing.T) {
	coachID := uuid.New()
	base := time.Now()
	store := &fakeStore{threads: map[string][]*out.MessageContent{
		"t1": {
			threadMessage("t1", "r1", "First coach note.", true, base),
			threadMessage("t1", "r2", "Second coach note.", true, base.Add(time.Hour)),
		},
	}}
	builder := NewDatasetBuilder(store)

	// r2 has context, but the context is all coach turns.
	_, err := builder.Build(context.Background(), coachID, []*domain.CachedEmail{
		cachedRow(coachID, "t1", "r2", base.Add(time.Hour)),
	})
	if err == nil {
		t.Fatal("expected error for context without a client turn")
	}
}

func TestBuildFallsBackToSubjectBody(t *testing.T) {
	coachID := uuid.New()
	base := time.Now()
	clientMsg := threadMessage("t1", "c1", "", false, base)
	clientMsg.Subject = "Quick question about pricing"
	store := &fakeStore{threads: map[string][]*out.MessageContent{
		"t1": {
			clientMsg,
			threadMessage("t1", "r1", "Happy to walk you through it.", true, base.Add(time.Hour)),
		},
	}}
	builder := NewDatasetBuilder(store)

	dataset, err := builder.Build(context.Background(), coachID, []*domain.CachedEmail{
		cachedRow(coachID, "t1", "r1", base.Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	examples := decodeExamples(t, dataset.Data)
	if examples[0].Messages[1].Content != "Quick question about pricing" {
		t.Errorf("expected subject fallback, got %q", examples[0].Messages[1].Content)
	}
}

func TestBuildEmptyRows(t *testing.T) {
	builder := NewDatasetBuilder(&fakeStore{})
	if _, err := builder.Build(context.Background(), uuid.New(), nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}
