package worker

import (
	"context"
	"time"

	"replica_server/core/port/out"
	"replica_server/pkg/logger"

	"github.com/google/uuid"
)

// =============================================================================
// Scheduler - interval-driven job enqueueing
// =============================================================================
//
// The scheduler owns the timers and nothing else: every tick turns into
// queue messages, and the pool consumers do the actual work. Multiple
// scheduler instances behind the same consumer group stay safe because the
// per-account lock deduplicates overlapping sync runs.

const (
	DefaultSyncInterval     = 5 * time.Minute
	DefaultFineTuneInterval = 30 * time.Minute
	DefaultPollInterval     = time.Hour
)

type Scheduler struct {
	accounts out.AccountRepository
	producer out.MessageProducer

	syncInterval     time.Duration
	fineTuneInterval time.Duration
	pollInterval     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates the scheduler. Zero intervals fall back to defaults.
func NewScheduler(accounts out.AccountRepository, producer out.MessageProducer, syncInterval, fineTuneInterval, pollInterval time.Duration) *Scheduler {
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	if fineTuneInterval <= 0 {
		fineTuneInterval = DefaultFineTuneInterval
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		accounts:         accounts,
		producer:         producer,
		syncInterval:     syncInterval,
		fineTuneInterval: fineTuneInterval,
		pollInterval:     pollInterval,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start starts the scheduler loops.
func (s *Scheduler) Start() {
	logger.Info("[Scheduler] starting: sync=%s finetune=%s poll=%s",
		s.syncInterval, s.fineTuneInterval, s.pollInterval)
	go s.runSyncLoop()
	go s.runFineTuneLoop()
	go s.runPollLoop()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	logger.Info("[Scheduler] stopping...")
	s.cancel()
}

func (s *Scheduler) runSyncLoop() {
	// Let the consumers come up before the first burst.
	time.Sleep(30 * time.Second)

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.enqueueSyncJobs()
		}
	}
}

// enqueueSyncJobs fans one sync job per syncable account onto the queue.
func (s *Scheduler) enqueueSyncJobs() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	accounts, err := s.accounts.ListSyncEnabled(ctx)
	if err != nil {
		logger.Error("[Scheduler] failed to list sync-enabled accounts: %v", err)
		return
	}

	enqueued := 0
	for _, account := range accounts {
		if !account.Syncable() {
			continue
		}
		job := &out.AccountSyncJob{AccountID: account.ID}
		if err := s.producer.PublishAccountSync(ctx, job); err != nil {
			logger.Error("[Scheduler] failed to enqueue sync for account %d: %v", account.ID, err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		logger.Debug("[Scheduler] enqueued %d sync jobs", enqueued)
	}
}

func (s *Scheduler) runFineTuneLoop() {
	ticker := time.NewTicker(s.fineTuneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
			// The nil coach ID runs the readiness pass for every coach.
			if err := s.producer.PublishFineTuneCheck(ctx, uuid.Nil); err != nil {
				logger.Error("[Scheduler] failed to enqueue finetune check: %v", err)
			}
			cancel()
		}
	}
}

func (s *Scheduler) runPollLoop() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
			if err := s.producer.PublishJobPoll(ctx); err != nil {
				logger.Error("[Scheduler] failed to enqueue job poll: %v", err)
			}
			cancel()
		}
	}
}
