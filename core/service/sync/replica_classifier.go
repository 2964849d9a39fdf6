package sync

import (
	"replica_server/core/domain"
)

// Direction of an email relative to the coach's own mailboxes.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Classifier decides, for one sync run, whether each email was sent by the
// coach or received by them. The own-address set is built once per run from
// the syncing account plus every other mailbox the coach has connected, so
// a reply sent from a second connected account still counts as outbound.
type Classifier struct {
	ownAddresses map[string]struct{}
}

// NewClassifier builds the own-address set for one coach's run.
func NewClassifier(syncing *domain.EmailAccount, others []*domain.EmailAccount) *Classifier {
	own := make(map[string]struct{}, len(others)+1)
	own[domain.NormalizeEmail(syncing.Email)] = struct{}{}
	for _, a := range others {
		if a.CoachID == syncing.CoachID {
			own[domain.NormalizeEmail(a.Email)] = struct{}{}
		}
	}
	return &Classifier{ownAddresses: own}
}

// Classify returns the direction of the email.
func (c *Classifier) Classify(email *domain.SyncedEmail) Direction {
	if c.IsOwnAddress(email.From.Email) {
		return DirectionOutbound
	}
	return DirectionInbound
}

// IsOwnAddress reports whether addr belongs to the coach.
func (c *Classifier) IsOwnAddress(addr string) bool {
	_, ok := c.ownAddresses[domain.NormalizeEmail(addr)]
	return ok
}

// CounterpartAddresses returns the non-coach addresses of an email: the
// recipients for an outbound message, the sender for an inbound one.
func (c *Classifier) CounterpartAddresses(email *domain.SyncedEmail) []string {
	if c.Classify(email) == DirectionInbound {
		return []string{domain.NormalizeEmail(email.From.Email)}
	}
	var out []string
	for _, r := range email.Recipients() {
		if addr := domain.NormalizeEmail(r.Email); !c.IsOwnAddress(addr) {
			out = append(out, addr)
		}
	}
	return out
}
