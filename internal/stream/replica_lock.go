package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AccountLock serializes sync runs per account via Redis SET NX. The TTL
// bounds how long a crashed worker can hold an account hostage.
type AccountLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAccountLock(client *redis.Client, ttl time.Duration) *AccountLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &AccountLock{client: client, ttl: ttl}
}

func lockKey(accountID int64) string {
	return fmt.Sprintf("lock:sync:account:%d", accountID)
}

// Acquire takes the account lock. Returns false when another worker holds it.
func (l *AccountLock) Acquire(ctx context.Context, accountID int64) (bool, error) {
	return l.client.SetNX(ctx, lockKey(accountID), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
}

// Release drops the lock after a run.
func (l *AccountLock) Release(ctx context.Context, accountID int64) error {
	return l.client.Del(ctx, lockKey(accountID)).Err()
}

// CoachLock serializes fine-tuning readiness checks per coach. A scheduled
// pass and a manual trigger can land on the stream at the same time; without
// the lock both would claim the same unconsumed cache rows.
type CoachLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCoachLock(client *redis.Client, ttl time.Duration) *CoachLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CoachLock{client: client, ttl: ttl}
}

func coachLockKey(coachID uuid.UUID) string {
	return "lock:finetune:coach:" + coachID.String()
}

// Acquire takes the coach lock. Returns false when another worker holds it.
func (l *CoachLock) Acquire(ctx context.Context, coachID uuid.UUID) (bool, error) {
	return l.client.SetNX(ctx, coachLockKey(coachID), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
}

// Release drops the lock after a check.
func (l *CoachLock) Release(ctx context.Context, coachID uuid.UUID) error {
	return l.client.Del(ctx, coachLockKey(coachID)).Err()
}
