package finetune

import (
	"context"
	"fmt"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/apperr"
	"replica_server/pkg/logger"

	"github.com/google/uuid"
)

// Thresholds for the readiness pass.
const (
	DefaultMinEmails = 50
	DefaultMaxPerJob = 1000
)

// Orchestrator drives the fine-tuning lifecycle: it gates on accumulated
// cache volume, claims rows, builds and submits datasets, and polls active
// jobs until they settle.
type Orchestrator struct {
	identities out.IdentityRepository
	cached     out.CachedEmailRepository
	jobs       out.FineTuningJobRepository
	contents   out.ContentStore
	builder    *DatasetBuilder
	trainer    out.TrainerPort
	lock       out.CoachCheckLock
	log        *logger.Logger

	minEmails int
	maxPerJob int
	baseModel string
	clock     func() time.Time
}

func NewOrchestrator(
	identities out.IdentityRepository,
	cached out.CachedEmailRepository,
	jobs out.FineTuningJobRepository,
	contents out.ContentStore,
	builder *DatasetBuilder,
	trainer out.TrainerPort,
	baseModel string,
) *Orchestrator {
	return &Orchestrator{
		identities: identities,
		cached:     cached,
		jobs:       jobs,
		contents:   contents,
		builder:    builder,
		trainer:    trainer,
		log:        logger.WithField("component", "finetune"),
		minEmails:  DefaultMinEmails,
		maxPerJob:  DefaultMaxPerJob,
		baseModel:  baseModel,
		clock:      time.Now,
	}
}

// WithThresholds overrides the readiness gates.
func (o *Orchestrator) WithThresholds(minEmails, maxPerJob int) *Orchestrator {
	if minEmails > 0 {
		o.minEmails = minEmails
	}
	if maxPerJob > 0 {
		o.maxPerJob = maxPerJob
	}
	return o
}

// WithClock injects a clock for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithCheckLock installs the per-coach lock. Without one, readiness checks
// run unserialized; only safe in single-worker deployments.
func (o *Orchestrator) WithCheckLock(lock out.CoachCheckLock) *Orchestrator {
	o.lock = lock
	return o
}

// RunReadinessPass checks every coach with an enabled replica agent. A
// failure for one coach never blocks the others.
func (o *Orchestrator) RunReadinessPass(ctx context.Context) error {
	agents, err := o.identities.ListCoachesWithReplicaAgent(ctx)
	if err != nil {
		return apperr.DatabaseError("list replica agents", err)
	}

	for _, agent := range agents {
		if err := o.CheckCoach(ctx, agent); err != nil {
			o.log.Error("readiness check failed for coach %s: %v", agent.CoachID, err)
		}
	}
	return nil
}

// CheckCoach submits a job for one coach when enough unconsumed coach emails
// have accumulated. Below the threshold it does nothing.
func (o *Orchestrator) CheckCoach(ctx context.Context, agent *domain.CoachAgent) error {
	if !agent.Enabled {
		return nil
	}

	// Serialize per coach: a scheduled pass and a manual trigger must never
	// read the same unconsumed rows concurrently.
	if o.lock != nil {
		acquired, err := o.lock.Acquire(ctx, agent.CoachID)
		if err != nil {
			return apperr.ExternalError("coach check lock", err)
		}
		if !acquired {
			o.log.Info("readiness check for coach %s already running, skipping", agent.CoachID)
			return nil
		}
		defer func() {
			if err := o.lock.Release(context.WithoutCancel(ctx), agent.CoachID); err != nil {
				o.log.Warn("failed to release check lock for coach %s: %v", agent.CoachID, err)
			}
		}()
	}

	count, err := o.cached.CountUnconsumed(ctx, agent.CoachID)
	if err != nil {
		return apperr.DatabaseError("count cached emails", err)
	}
	if count < o.minEmails {
		o.log.Debug("coach %s has %d/%d cached emails, not ready", agent.CoachID, count, o.minEmails)
		return nil
	}

	rows, err := o.cached.ListUnconsumedOldest(ctx, agent.CoachID, o.maxPerJob)
	if err != nil {
		return apperr.DatabaseError("list cached emails", err)
	}
	if len(rows) < o.minEmails {
		return nil
	}

	return o.submitJob(ctx, agent, rows)
}

// submitJob builds the dataset, records the job, claims the rows and hands
// the dataset to the training backend. The rows stay claimed even when the
// submit fails; releasing them is an explicit ops action.
func (o *Orchestrator) submitJob(ctx context.Context, agent *domain.CoachAgent, rows []*domain.CachedEmail) error {
	now := o.clock()

	dataset, err := o.builder.Build(ctx, agent.CoachID, rows)
	if err != nil {
		return err
	}

	baseModel := agent.BaseModel
	if baseModel == "" {
		baseModel = o.baseModel
	}

	name := fmt.Sprintf("ft-%s-%s.jsonl", agent.CoachID, now.UTC().Format("20060102-150405"))
	datasetKey, err := o.contents.PutDataset(ctx, agent.CoachID, name, dataset.Data)
	if err != nil {
		return apperr.DatasetBuild(agent.CoachID.String(), err)
	}

	job := &domain.FineTuningJob{
		CoachID:     agent.CoachID,
		AssistantID: agent.AssistantID,
		BaseModel:   baseModel,
		DatasetKey:  datasetKey,
		EmailCount:  len(rows),
		RangeStart:  dataset.RangeStart,
		RangeEnd:    dataset.RangeEnd,
		Status:      domain.JobStatusPending,
		CreatedAt:   now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return apperr.DatabaseError("create fine-tuning job", err)
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if err := o.cached.MarkConsumed(ctx, job.ID, ids); err != nil {
		job.Fail(fmt.Sprintf("claim cache rows: %v", err), o.clock())
		if updateErr := o.jobs.Update(ctx, job); updateErr != nil {
			o.log.Error("failed to record job %d failure: %v", job.ID, updateErr)
		}
		return apperr.DatabaseError("mark emails consumed", err)
	}

	handle, err := o.trainer.Submit(ctx, &out.TrainingSubmission{
		Dataset:   dataset.Data,
		Filename:  name,
		BaseModel: baseModel,
		Suffix:    "replica-" + shortCoachID(agent.CoachID),
	})
	if err != nil {
		job.Fail(err.Error(), o.clock())
		if updateErr := o.jobs.Update(ctx, job); updateErr != nil {
			o.log.Error("failed to record job %d failure: %v", job.ID, updateErr)
		}
		return apperr.JobSubmit(agent.CoachID.String(), err)
	}

	job.ExternalFileID = handle.FileID
	job.ExternalJobID = handle.JobID
	if err := job.AdvanceTo(domain.JobStatusPreparingData, o.clock()); err != nil {
		return err
	}
	if err := job.AdvanceTo(domain.JobStatusRunning, o.clock()); err != nil {
		return err
	}
	if err := o.jobs.Update(ctx, job); err != nil {
		return apperr.DatabaseError("update fine-tuning job", err)
	}

	o.log.Info("submitted fine-tuning job %d for coach %s: %d emails, %d examples, external=%s",
		job.ID, agent.CoachID, len(rows), dataset.ExampleCount, handle.JobID)
	return nil
}

// PollJobs refreshes every active job from the training backend. Status
// moves forward only; a poll error for one job never blocks the rest.
func (o *Orchestrator) PollJobs(ctx context.Context) error {
	active, err := o.jobs.ListActive(ctx)
	if err != nil {
		return apperr.DatabaseError("list active jobs", err)
	}

	for _, job := range active {
		if err := o.pollOne(ctx, job); err != nil {
			o.log.Error("poll failed for job %d (%s): %v", job.ID, job.ExternalJobID, err)
		}
	}
	return nil
}

func (o *Orchestrator) pollOne(ctx context.Context, job *domain.FineTuningJob) error {
	if job.Status.Terminal() || job.ExternalJobID == "" {
		return nil
	}

	status, err := o.trainer.GetStatus(ctx, job.ExternalJobID)
	if err != nil {
		return err
	}

	now := o.clock()
	switch status.Status {
	case out.TrainingStatusSucceeded:
		job.FineTunedModel = status.FineTunedModel
		job.TrainedTokens = status.TrainedTokens
		if err := job.AdvanceTo(domain.JobStatusCompleted, now); err != nil {
			return err
		}
		if err := o.jobs.Update(ctx, job); err != nil {
			return apperr.DatabaseError("update job", err)
		}
		return o.activateModel(ctx, job)

	case out.TrainingStatusFailed:
		job.Fail(status.Error, now)
		if err := o.jobs.Update(ctx, job); err != nil {
			return apperr.DatabaseError("update job", err)
		}
		o.log.Warn("fine-tuning job %d failed: %s", job.ID, status.Error)
		return nil

	case out.TrainingStatusCancelled:
		if err := job.AdvanceTo(domain.JobStatusCancelled, now); err != nil {
			return err
		}
		if err := o.jobs.Update(ctx, job); err != nil {
			return apperr.DatabaseError("update job", err)
		}
		return nil

	default:
		// queued or running, nothing to record yet.
		return nil
	}
}

// activateModel points the coach's assistant and agent record at the newly
// trained model.
func (o *Orchestrator) activateModel(ctx context.Context, job *domain.FineTuningJob) error {
	if job.FineTunedModel == "" {
		return fmt.Errorf("job %d completed without a model id", job.ID)
	}
	if job.AssistantID != "" {
		if err := o.trainer.UpdateAssistantModel(ctx, job.AssistantID, job.FineTunedModel); err != nil {
			return apperr.ExternalError("trainer", err)
		}
	}
	if err := o.identities.UpdateAgentModel(ctx, job.CoachID, job.FineTunedModel); err != nil {
		return apperr.DatabaseError("update agent model", err)
	}
	o.log.Info("coach %s replica agent now serves %s", job.CoachID, job.FineTunedModel)
	return nil
}

// RequeueFailedJob releases a failed job's cache rows back to the pool so
// the next readiness pass can pick them up. Ops-triggered only.
func (o *Orchestrator) RequeueFailedJob(ctx context.Context, jobID int64) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return apperr.DatabaseError("load job", err)
	}
	if job == nil {
		return apperr.NotFound("fine-tuning job")
	}
	if job.Status != domain.JobStatusFailed {
		return apperr.BadRequest("only failed jobs can be requeued")
	}
	if err := o.cached.RequeueJobEmails(ctx, jobID); err != nil {
		return apperr.DatabaseError("requeue job emails", err)
	}
	o.log.Info("released cache rows of failed job %d", jobID)
	return nil
}

func shortCoachID(id uuid.UUID) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
