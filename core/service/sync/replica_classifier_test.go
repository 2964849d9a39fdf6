package sync

import (
	"testing"

	"replica_server/core/domain"

	"github.com/google/uuid"
)

func classifierAccount(coachID uuid.UUID, email string) *domain.EmailAccount {
	return &domain.EmailAccount{CoachID: coachID, Email: email}
}

func TestClassifierSpansCoachMailboxes(t *testing.T) {
	coachID := uuid.New()
	syncing := classifierAccount(coachID, "coach@gmail.com")
	siblings := []*domain.EmailAccount{
		syncing,
		classifierAccount(coachID, "coach@outlook.com"),
		classifierAccount(uuid.New(), "other-coach@gmail.com"),
	}
	c := NewClassifier(syncing, siblings)

	// A reply sent from the coach's second mailbox is still outbound.
	fromSecondMailbox := &domain.SyncedEmail{
		From: domain.EmailAddress{Email: "Coach@Outlook.com"},
		To:   []domain.EmailAddress{{Email: "client@example.com"}},
	}
	if got := c.Classify(fromSecondMailbox); got != DirectionOutbound {
		t.Errorf("expected outbound, got %s", got)
	}

	// Another coach's address never joins the own set.
	if c.IsOwnAddress("other-coach@gmail.com") {
		t.Error("expected sibling filter to exclude other coaches")
	}

	inbound := &domain.SyncedEmail{
		From: domain.EmailAddress{Email: "Client@Example.com"},
		To:   []domain.EmailAddress{{Email: "coach@gmail.com"}},
	}
	if got := c.Classify(inbound); got != DirectionInbound {
		t.Errorf("expected inbound, got %s", got)
	}
}

func TestCounterpartAddresses(t *testing.T) {
	coachID := uuid.New()
	syncing := classifierAccount(coachID, "coach@gmail.com")
	c := NewClassifier(syncing, []*domain.EmailAccount{syncing})

	outbound := &domain.SyncedEmail{
		From: domain.EmailAddress{Email: "coach@gmail.com"},
		To: []domain.EmailAddress{
			{Email: "Client@Example.com"},
			{Email: "coach@gmail.com"}, // self-cc is dropped
		},
		CC: []domain.EmailAddress{{Email: "partner@example.com"}},
	}
	got := c.CounterpartAddresses(outbound)
	if len(got) != 2 || got[0] != "client@example.com" || got[1] != "partner@example.com" {
		t.Errorf("unexpected counterparts: %v", got)
	}

	inbound := &domain.SyncedEmail{
		From: domain.EmailAddress{Email: "Client@Example.com"},
		To:   []domain.EmailAddress{{Email: "coach@gmail.com"}},
	}
	got = c.CounterpartAddresses(inbound)
	if len(got) != 1 || got[0] != "client@example.com" {
		t.Errorf("expected the sender as sole counterpart, got %v", got)
	}
}
