package worker

import (
	"context"

	"replica_server/core/service/sync"
	"replica_server/pkg/apperr"
	"replica_server/pkg/logger"
)

// AccountSyncLock serializes sync runs per account; satisfied by
// stream.AccountLock. Declared here rather than importing internal/stream,
// which would close an import cycle (stream's consumer feeds this package's
// handler).
type AccountSyncLock interface {
	Acquire(ctx context.Context, accountID int64) (bool, error)
	Release(ctx context.Context, accountID int64) error
}

// SyncProcessor handles account.sync jobs. The Redis lock serializes runs
// per account: a job that finds the lock held is skipped, not retried,
// because the holder is already syncing the same mailbox.
type SyncProcessor struct {
	service *sync.Service
	lock    AccountSyncLock
}

func NewSyncProcessor(service *sync.Service, lock AccountSyncLock) *SyncProcessor {
	return &SyncProcessor{service: service, lock: lock}
}

func (p *SyncProcessor) ProcessSync(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[AccountSyncPayload](msg)
	if err != nil {
		logger.Error("invalid account.sync payload: %v", err)
		return nil
	}

	acquired, err := p.lock.Acquire(ctx, payload.AccountID)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Info("account %d sync already in progress, skipping", payload.AccountID)
		return nil
	}
	defer func() {
		if err := p.lock.Release(context.WithoutCancel(ctx), payload.AccountID); err != nil {
			logger.Warn("failed to release lock for account %d: %v", payload.AccountID, err)
		}
	}()

	result, err := p.service.Run(ctx, payload.AccountID, sync.Options{
		ForceFull: payload.ForceFull,
		MaxEmails: payload.MaxEmails,
	})
	if err != nil {
		// Auth failures are final until the coach reconnects; retrying the
		// job would just burn provider quota.
		if apperr.IsAuthExpired(err) {
			logger.Warn("account %d needs re-authentication: %v", payload.AccountID, err)
			return nil
		}
		return err
	}

	logger.Debug("account %d sync done: %d processed, %d client emails",
		payload.AccountID, result.TotalProcessed, result.ClientEmailsFound)
	return nil
}
