package finetune

import (
	"context"
	"errors"
	"testing"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"

	"github.com/google/uuid"
)

type fakeStore struct {
	out.ContentStore

	putErr   error
	puts     []*out.MessageContent
	threads  map[string][]*out.MessageContent
	datasets map[string][]byte
}

func (f *fakeStore) Put(ctx context.Context, coachID uuid.UUID, content *out.MessageContent) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	f.puts = append(f.puts, content)
	return "content/" + content.MessageID, nil
}

func (f *fakeStore) ListThreadMessages(ctx context.Context, coachID uuid.UUID, threadID string) ([]*out.MessageContent, error) {
	return f.threads[threadID], nil
}

func (f *fakeStore) PutDataset(ctx context.Context, coachID uuid.UUID, name string, data []byte) (string, error) {
	if f.datasets == nil {
		f.datasets = make(map[string][]byte)
	}
	f.datasets[name] = data
	return "datasets/" + name, nil
}

type fakeCachedRepo struct {
	out.CachedEmailRepository

	insertErr error
	inserted  []*domain.CachedEmail

	count int
	rows  []*domain.CachedEmail

	consumedJobID int64
	consumedIDs   []int64

	requeuedJobs []int64
}

func (f *fakeCachedRepo) Insert(ctx context.Context, email *domain.CachedEmail) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, email)
	return nil
}

func (f *fakeCachedRepo) CountUnconsumed(ctx context.Context, coachID uuid.UUID) (int, error) {
	return f.count, nil
}

func (f *fakeCachedRepo) ListUnconsumedOldest(ctx context.Context, coachID uuid.UUID, limit int) ([]*domain.CachedEmail, error) {
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeCachedRepo) MarkConsumed(ctx context.Context, jobID int64, ids []int64) error {
	f.consumedJobID = jobID
	f.consumedIDs = append(f.consumedIDs, ids...)
	return nil
}

func (f *fakeCachedRepo) RequeueJobEmails(ctx context.Context, jobID int64) error {
	f.requeuedJobs = append(f.requeuedJobs, jobID)
	return nil
}

func coachEmail(threadID, messageID string) *domain.SyncedEmail {
	return &domain.SyncedEmail{
		MessageID: messageID,
		ThreadID:  threadID,
		From:      domain.EmailAddress{Email: "Coach@Example.com"},
		To:        []domain.EmailAddress{{Email: "client@example.com"}},
		Subject:   "Re: Check-in",
		Text:      "Sounds good, keep the morning routine going.",
		SentAt:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestIngestStoresContentAndRow(t *testing.T) {
	store := &fakeStore{}
	cached := &fakeCachedRepo{}
	svc := NewCacheService(cached, store)
	coachID := uuid.New()

	err := svc.IngestCoachEmail(context.Background(), coachID, coachEmail("t1", "m1"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.puts) != 1 {
		t.Fatalf("expected 1 content write, got %d", len(store.puts))
	}
	content := store.puts[0]
	if !content.IsFromCoach {
		t.Error("expected content flagged as coach-authored")
	}
	if content.From != "coach@example.com" {
		t.Errorf("expected normalized sender, got %q", content.From)
	}

	if len(cached.inserted) != 1 {
		t.Fatalf("expected 1 cache row, got %d", len(cached.inserted))
	}
	row := cached.inserted[0]
	if row.ContentKey != "content/m1" {
		t.Errorf("expected content key from store, got %q", row.ContentKey)
	}
	if !row.IsToClientOrLead || !row.IsFromCoach {
		t.Errorf("unexpected row flags: %+v", row)
	}
	if !row.Trainable() {
		t.Error("expected freshly ingested client-addressed row to be trainable")
	}
}

func TestIngestNonClientEmailNotTrainable(t *testing.T) {
	store := &fakeStore{}
	cached := &fakeCachedRepo{}
	svc := NewCacheService(cached, store)

	err := svc.IngestCoachEmail(context.Background(), uuid.New(), coachEmail("t1", "m1"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.puts) != 1 {
		t.Fatal("expected content stored even for non-client mail")
	}
	if cached.inserted[0].Trainable() {
		t.Error("expected non-client-addressed row to be untrainable")
	}
}

func TestIngestDuplicateIsNoOp(t *testing.T) {
	store := &fakeStore{}
	cached := &fakeCachedRepo{insertErr: out.ErrDuplicate}
	svc := NewCacheService(cached, store)

	err := svc.IngestCoachEmail(context.Background(), uuid.New(), coachEmail("t1", "m1"), true)
	if err != nil {
		t.Fatalf("expected duplicate insert to succeed, got %v", err)
	}
}

func TestIngestWithoutContentStore(t *testing.T) {
	cached := &fakeCachedRepo{}
	svc := NewCacheService(cached, nil)

	err := svc.IngestCoachEmail(context.Background(), uuid.New(), coachEmail("t1", "m1"), true)
	if !errors.Is(err, ErrContentStoreUnavailable) {
		t.Fatalf("expected ErrContentStoreUnavailable, got %v", err)
	}
	if len(cached.inserted) != 0 {
		t.Error("expected no cache row without a content store")
	}
}

func TestIngestContentStoreFailure(t *testing.T) {
	store := &fakeStore{putErr: errors.New("mongo down")}
	cached := &fakeCachedRepo{}
	svc := NewCacheService(cached, store)

	err := svc.IngestCoachEmail(context.Background(), uuid.New(), coachEmail("t1", "m1"), true)
	if err == nil {
		t.Fatal("expected error when content store is unavailable")
	}
	if len(cached.inserted) != 0 {
		t.Error("expected no cache row without a stored body")
	}
}
