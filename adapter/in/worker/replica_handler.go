package worker

import (
	"context"

	"replica_server/pkg/logger"
)

// Handler dispatches queue messages to their processors. Submit hands the
// message to the pool; Process is the pool's entry point.
type Handler struct {
	syncProcessor     *SyncProcessor
	fineTuneProcessor *FineTuneProcessor

	pool *Pool
}

func NewHandler(syncProcessor *SyncProcessor, fineTuneProcessor *FineTuneProcessor) *Handler {
	return &Handler{
		syncProcessor:     syncProcessor,
		fineTuneProcessor: fineTuneProcessor,
	}
}

// AttachPool wires the worker pool. Called once during bootstrap.
func (h *Handler) AttachPool(pool *Pool) {
	h.pool = pool
}

// Submit queues the message on the worker pool. Without a pool the message
// is processed inline, which keeps tests simple.
func (h *Handler) Submit(msg *Message) error {
	if h.pool != nil {
		if !h.pool.Submit(msg) {
			logger.Warn("pool rejected job %s (%s)", msg.ID, msg.Type)
		}
		return nil
	}
	return h.Process(context.Background(), msg)
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("processing message: %s", msg.Type)

	switch msg.Type {
	case JobAccountSync:
		return h.syncProcessor.ProcessSync(ctx, msg)
	case JobFineTuneCheck:
		return h.fineTuneProcessor.ProcessCheck(ctx, msg)
	case JobFineTunePoll:
		return h.fineTuneProcessor.ProcessPoll(ctx, msg)
	default:
		logger.Warn("unknown job type: %s", msg.Type)
		return nil
	}
}
