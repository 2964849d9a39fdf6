package bootstrap

import (
	"context"
	"os"
	"sync"

	"replica_server/adapter/in/worker"
	"replica_server/config"
	"replica_server/internal/stream"
	"replica_server/pkg/logger"

	"github.com/rs/zerolog"
)

type Worker struct {
	pool      *worker.Pool
	consumer  *stream.Consumer
	scheduler *worker.Scheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	syncProcessor := worker.NewSyncProcessor(deps.SyncService, deps.AccountLock)
	fineTuneProcessor := worker.NewFineTuneProcessor(deps.Orchestrator, deps.IdentityRepo)
	handler := worker.NewHandler(syncProcessor, fineTuneProcessor)

	poolConfig := worker.DefaultPoolConfig()
	if cfg.WorkerMax > 0 {
		poolConfig.MaxWorkers = cfg.WorkerMax
	}
	if cfg.WorkerQueueSize > 0 {
		poolConfig.QueueSize = cfg.WorkerQueueSize
	}

	pool := worker.NewPool(handler, poolConfig, zlog)
	handler.AttachPool(pool)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if deps.Stream != nil {
		w.consumer = stream.NewConsumer(deps.Stream, handler, cfg.WorkerID)
		logger.Info("Redis stream consumer configured as %s", cfg.WorkerID)
	} else {
		logger.Warn("Redis not available, worker will only process direct submissions")
	}

	if cfg.SchedulerEnabled && deps.Producer != nil {
		w.scheduler = worker.NewScheduler(
			deps.AccountRepo,
			deps.Producer,
			cfg.SyncInterval,
			cfg.FineTuneCheckInterval,
			cfg.JobPollInterval,
		)
	}

	return w, cleanup, nil
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pool.Start()
	}()

	if w.consumer != nil {
		w.consumer.Start(w.ctx)
		w.zlog.Info().Msg("Started Redis stream consumer")
	}

	if w.scheduler != nil {
		w.scheduler.Start()
		w.zlog.Info().Msg("Started interval scheduler")
	}

	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	w.pool.Stop()
	w.wg.Wait()
}

func (w *Worker) Submit(msg *worker.Message) bool {
	return w.pool.Submit(msg)
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
