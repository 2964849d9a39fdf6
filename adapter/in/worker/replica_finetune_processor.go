package worker

import (
	"context"

	"replica_server/core/port/out"
	"replica_server/core/service/finetune"
	"replica_server/pkg/logger"

	"github.com/google/uuid"
)

// FineTuneProcessor handles finetune.check and finetune.poll jobs.
type FineTuneProcessor struct {
	orchestrator *finetune.Orchestrator
	identities   out.IdentityRepository
}

func NewFineTuneProcessor(orchestrator *finetune.Orchestrator, identities out.IdentityRepository) *FineTuneProcessor {
	return &FineTuneProcessor{orchestrator: orchestrator, identities: identities}
}

func (p *FineTuneProcessor) ProcessCheck(ctx context.Context, msg *Message) error {
	if p.orchestrator == nil {
		logger.Warn("fine-tuning not configured, dropping finetune.check")
		return nil
	}

	payload, err := ParsePayload[FineTuneCheckPayload](msg)
	if err != nil {
		logger.Error("invalid finetune.check payload: %v", err)
		return nil
	}

	if payload.CoachID == "" {
		return p.orchestrator.RunReadinessPass(ctx)
	}

	coachID, err := uuid.Parse(payload.CoachID)
	if err != nil {
		logger.Error("invalid coach id %q in finetune.check", payload.CoachID)
		return nil
	}

	agents, err := p.identities.ListCoachesWithReplicaAgent(ctx)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.CoachID == coachID {
			return p.orchestrator.CheckCoach(ctx, agent)
		}
	}
	logger.Debug("coach %s has no enabled replica agent, skipping check", coachID)
	return nil
}

func (p *FineTuneProcessor) ProcessPoll(ctx context.Context, msg *Message) error {
	if p.orchestrator == nil {
		logger.Warn("fine-tuning not configured, dropping finetune.poll")
		return nil
	}
	return p.orchestrator.PollJobs(ctx)
}
