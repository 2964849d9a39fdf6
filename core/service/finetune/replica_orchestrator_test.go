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

type fakeIdentityRepo struct {
	out.IdentityRepository

	agents []*domain.CoachAgent

	modelUpdates map[uuid.UUID]string
}

func (f *fakeIdentityRepo) ListCoachesWithReplicaAgent(ctx context.Context) ([]*domain.CoachAgent, error) {
	return f.agents, nil
}

func (f *fakeIdentityRepo) UpdateAgentModel(ctx context.Context, coachID uuid.UUID, modelID string) error {
	if f.modelUpdates == nil {
		f.modelUpdates = make(map[uuid.UUID]string)
	}
	f.modelUpdates[coachID] = modelID
	return nil
}

type fakeJobsRepo struct {
	out.FineTuningJobRepository

	nextID  int64
	created []*domain.FineTuningJob
	updated []*domain.FineTuningJob
	active  []*domain.FineTuningJob
	byID    map[int64]*domain.FineTuningJob
}

func (f *fakeJobsRepo) Create(ctx context.Context, job *domain.FineTuningJob) error {
	f.nextID++
	job.ID = f.nextID
	f.created = append(f.created, job)
	return nil
}

func (f *fakeJobsRepo) Update(ctx context.Context, job *domain.FineTuningJob) error {
	f.updated = append(f.updated, job)
	return nil
}

func (f *fakeJobsRepo) GetByID(ctx context.Context, id int64) (*domain.FineTuningJob, error) {
	return f.byID[id], nil
}

func (f *fakeJobsRepo) ListActive(ctx context.Context) ([]*domain.FineTuningJob, error) {
	return f.active, nil
}

type fakeTrainer struct {
	submitErr error
	submits   []*out.TrainingSubmission

	statuses   map[string]*out.TrainingStatus
	statusErrs map[string]error

	assistantModels map[string]string
}

func (f *fakeTrainer) Submit(ctx context.Context, sub *out.TrainingSubmission) (*out.TrainingHandle, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits = append(f.submits, sub)
	return &out.TrainingHandle{FileID: "file-1", JobID: "ftjob-1"}, nil
}

func (f *fakeTrainer) GetStatus(ctx context.Context, jobID string) (*out.TrainingStatus, error) {
	if err := f.statusErrs[jobID]; err != nil {
		return nil, err
	}
	return f.statuses[jobID], nil
}

func (f *fakeTrainer) UpdateAssistantModel(ctx context.Context, assistantID, modelID string) error {
	if f.assistantModels == nil {
		f.assistantModels = make(map[string]string)
	}
	f.assistantModels[assistantID] = modelID
	return nil
}

type fakeCheckLock struct {
	held     bool
	acquires []uuid.UUID
	releases []uuid.UUID
}

func (f *fakeCheckLock) Acquire(ctx context.Context, coachID uuid.UUID) (bool, error) {
	f.acquires = append(f.acquires, coachID)
	return !f.held, nil
}

func (f *fakeCheckLock) Release(ctx context.Context, coachID uuid.UUID) error {
	f.releases = append(f.releases, coachID)
	return nil
}

func readyAgent() *domain.CoachAgent {
	return &domain.CoachAgent{
		CoachID:     uuid.New(),
		AssistantID: "asst_1",
		Enabled:     true,
	}
}

// trainableRows stages n rows over a single two-message thread in the store
// so the dataset builder can produce examples for each claimed coach reply.
func trainableRows(coachID uuid.UUID, store *fakeStore, n int) []*domain.CachedEmail {
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rows := make([]*domain.CachedEmail, 0, n)
	if store.threads == nil {
		store.threads = make(map[string][]*out.MessageContent)
	}
	for i := 0; i < n; i++ {
		threadID := string(rune('a' + i%26))
		messageID := threadID + "-reply"
		if store.threads[threadID] == nil {
			store.threads[threadID] = []*out.MessageContent{
				threadMessage(threadID, threadID+"-ask", "Question from the client.", false, base),
				threadMessage(threadID, messageID, "Answer from the coach.", true, base.Add(time.Hour)),
			}
		}
		rows = append(rows, &domain.CachedEmail{
			ID:               int64(i + 1),
			CoachID:          coachID,
			ThreadID:         threadID,
			MessageID:        messageID,
			IsFromCoach:      true,
			IsToClientOrLead: true,
			SentAt:           base.Add(time.Hour),
		})
	}
	return rows
}

func newOrchestratorFixture(store *fakeStore, cached *fakeCachedRepo, jobs *fakeJobsRepo, trainer *fakeTrainer, identities *fakeIdentityRepo) *Orchestrator {
	return NewOrchestrator(
		identities,
		cached,
		jobs,
		store,
		NewDatasetBuilder(store),
		trainer,
		"gpt-4o-mini-2024-07-18",
	).WithThresholds(3, 10)
}

func TestCheckCoachBelowThresholdDoesNothing(t *testing.T) {
	store := &fakeStore{}
	cached := &fakeCachedRepo{count: 2}
	jobs := &fakeJobsRepo{}
	trainer := &fakeTrainer{}
	o := newOrchestratorFixture(store, cached, jobs, trainer, &fakeIdentityRepo{})

	if err := o.CheckCoach(context.Background(), readyAgent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs.created) != 0 || len(trainer.submits) != 0 {
		t.Error("expected no job activity below the email threshold")
	}
}

func TestCheckCoachDisabledAgentSkipped(t *testing.T) {
	cached := &fakeCachedRepo{count: 100}
	jobs := &fakeJobsRepo{}
	o := newOrchestratorFixture(&fakeStore{}, cached, jobs, &fakeTrainer{}, &fakeIdentityRepo{})

	agent := readyAgent()
	agent.Enabled = false
	if err := o.CheckCoach(context.Background(), agent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs.created) != 0 {
		t.Error("expected disabled agent to be skipped")
	}
}

func TestCheckCoachSubmitsJob(t *testing.T) {
	agent := readyAgent()
	store := &fakeStore{}
	rows := trainableRows(agent.CoachID, store, 4)
	cached := &fakeCachedRepo{count: 4, rows: rows}
	jobs := &fakeJobsRepo{}
	trainer := &fakeTrainer{}
	o := newOrchestratorFixture(store, cached, jobs, trainer, &fakeIdentityRepo{})

	if err := o.CheckCoach(context.Background(), agent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(jobs.created) != 1 {
		t.Fatalf("expected 1 job created, got %d", len(jobs.created))
	}
	job := jobs.created[0]
	if job.Status != domain.JobStatusRunning {
		t.Errorf("expected job running after submit, got %s", job.Status)
	}
	if job.ExternalJobID != "ftjob-1" || job.ExternalFileID != "file-1" {
		t.Errorf("expected external handles recorded, got %q/%q", job.ExternalJobID, job.ExternalFileID)
	}
	if job.EmailCount != 4 {
		t.Errorf("expected email count 4, got %d", job.EmailCount)
	}
	if job.DatasetKey == "" {
		t.Error("expected dataset key recorded on the job")
	}

	if cached.consumedJobID != job.ID {
		t.Errorf("expected rows claimed by job %d, got %d", job.ID, cached.consumedJobID)
	}
	if len(cached.consumedIDs) != 4 {
		t.Errorf("expected 4 rows claimed, got %d", len(cached.consumedIDs))
	}

	if len(trainer.submits) != 1 {
		t.Fatalf("expected 1 training submission, got %d", len(trainer.submits))
	}
	if trainer.submits[0].BaseModel != "gpt-4o-mini-2024-07-18" {
		t.Errorf("unexpected base model: %q", trainer.submits[0].BaseModel)
	}
	if len(store.datasets) != 1 {
		t.Errorf("expected 1 dataset stored, got %d", len(store.datasets))
	}
}

func TestCheckCoachSkipsWhenLockHeld(t *testing.T) {
	agent := readyAgent()
	store := &fakeStore{}
	cached := &fakeCachedRepo{count: 4, rows: trainableRows(agent.CoachID, store, 4)}
	jobs := &fakeJobsRepo{}
	trainer := &fakeTrainer{}
	lock := &fakeCheckLock{held: true}
	o := newOrchestratorFixture(store, cached, jobs, trainer, &fakeIdentityRepo{}).WithCheckLock(lock)

	if err := o.CheckCoach(context.Background(), agent); err != nil {
		t.Fatalf("expected held lock to be a clean skip, got %v", err)
	}
	if len(jobs.created) != 0 || len(trainer.submits) != 0 {
		t.Error("expected no job activity while another check holds the lock")
	}
	if len(cached.consumedIDs) != 0 {
		t.Error("expected no rows claimed while another check holds the lock")
	}
	if len(lock.releases) != 0 {
		t.Error("expected no release of a lock that was never acquired")
	}
}

func TestCheckCoachReleasesLockAfterRun(t *testing.T) {
	agent := readyAgent()
	store := &fakeStore{}
	cached := &fakeCachedRepo{count: 4, rows: trainableRows(agent.CoachID, store, 4)}
	lock := &fakeCheckLock{}
	o := newOrchestratorFixture(store, cached, &fakeJobsRepo{}, &fakeTrainer{}, &fakeIdentityRepo{}).WithCheckLock(lock)

	if err := o.CheckCoach(context.Background(), agent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lock.acquires) != 1 || lock.acquires[0] != agent.CoachID {
		t.Errorf("expected one acquire for the coach, got %v", lock.acquires)
	}
	if len(lock.releases) != 1 || lock.releases[0] != agent.CoachID {
		t.Errorf("expected one release for the coach, got %v", lock.releases)
	}
}

func TestCheckCoachPrefersAgentBaseModel(t *testing.T) {
	agent := readyAgent()
	agent.BaseModel = "gpt-4o-2024-08-06"
	store := &fakeStore{}
	cached := &fakeCachedRepo{count: 3, rows: trainableRows(agent.CoachID, store, 3)}
	trainer := &fakeTrainer{}
	o := newOrchestratorFixture(store, cached, &fakeJobsRepo{}, trainer, &fakeIdentityRepo{})

	if err := o.CheckCoach(context.Background(), agent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trainer.submits[0].BaseModel != "gpt-4o-2024-08-06" {
		t.Errorf("expected the agent's base model, got %q", trainer.submits[0].BaseModel)
	}
}

func TestSubmitFailureMarksJobFailedRowsStayClaimed(t *testing.T) {
	agent := readyAgent()
	store := &fakeStore{}
	cached := &fakeCachedRepo{count: 3, rows: trainableRows(agent.CoachID, store, 3)}
	jobs := &fakeJobsRepo{}
	trainer := &fakeTrainer{submitErr: errors.New("quota exceeded")}
	o := newOrchestratorFixture(store, cached, jobs, trainer, &fakeIdentityRepo{})

	err := o.CheckCoach(context.Background(), agent)
	if err == nil {
		t.Fatal("expected submit failure to surface")
	}

	job := jobs.created[0]
	if job.Status != domain.JobStatusFailed {
		t.Errorf("expected failed job, got %s", job.Status)
	}
	if job.ErrorMessage != "quota exceeded" {
		t.Errorf("expected failure message captured, got %q", job.ErrorMessage)
	}
	// Rows remain claimed until an explicit requeue.
	if len(cached.consumedIDs) != 3 {
		t.Errorf("expected rows to stay claimed, got %d", len(cached.consumedIDs))
	}
	if len(cached.requeuedJobs) != 0 {
		t.Error("expected no automatic requeue after a failed submit")
	}
}

func activeJob(coachID uuid.UUID, externalID string) *domain.FineTuningJob {
	return &domain.FineTuningJob{
		ID:            7,
		CoachID:       coachID,
		AssistantID:   "asst_1",
		Status:        domain.JobStatusRunning,
		ExternalJobID: externalID,
		StartedAt:     time.Now().Add(-time.Hour),
	}
}

func TestPollJobsActivatesCompletedModel(t *testing.T) {
	coachID := uuid.New()
	job := activeJob(coachID, "ftjob-1")
	jobs := &fakeJobsRepo{active: []*domain.FineTuningJob{job}}
	identities := &fakeIdentityRepo{}
	trainer := &fakeTrainer{statuses: map[string]*out.TrainingStatus{
		"ftjob-1": {Status: out.TrainingStatusSucceeded, FineTunedModel: "ft:gpt-4o-mini:replica:abc", TrainedTokens: 120000},
	}}
	o := newOrchestratorFixture(&fakeStore{}, &fakeCachedRepo{}, jobs, trainer, identities)

	if err := o.PollJobs(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if job.Status != domain.JobStatusCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
	if job.FineTunedModel != "ft:gpt-4o-mini:replica:abc" {
		t.Errorf("expected model recorded, got %q", job.FineTunedModel)
	}
	if job.TrainedTokens != 120000 {
		t.Errorf("expected trained tokens recorded, got %d", job.TrainedTokens)
	}
	if trainer.assistantModels["asst_1"] != "ft:gpt-4o-mini:replica:abc" {
		t.Error("expected assistant pointed at the new model")
	}
	if identities.modelUpdates[coachID] != "ft:gpt-4o-mini:replica:abc" {
		t.Error("expected agent record pointed at the new model")
	}
}

func TestPollJobsRecordsBackendFailure(t *testing.T) {
	job := activeJob(uuid.New(), "ftjob-1")
	jobs := &fakeJobsRepo{active: []*domain.FineTuningJob{job}}
	trainer := &fakeTrainer{statuses: map[string]*out.TrainingStatus{
		"ftjob-1": {Status: out.TrainingStatusFailed, Error: "training file invalid"},
	}}
	o := newOrchestratorFixture(&fakeStore{}, &fakeCachedRepo{}, jobs, trainer, &fakeIdentityRepo{})

	if err := o.PollJobs(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Errorf("expected failed, got %s", job.Status)
	}
	if job.ErrorMessage != "training file invalid" {
		t.Errorf("expected backend error captured, got %q", job.ErrorMessage)
	}
	if len(trainer.assistantModels) != 0 {
		t.Error("expected no model activation for a failed job")
	}
}

func TestPollJobsStillRunningLeavesJobAlone(t *testing.T) {
	job := activeJob(uuid.New(), "ftjob-1")
	jobs := &fakeJobsRepo{active: []*domain.FineTuningJob{job}}
	trainer := &fakeTrainer{statuses: map[string]*out.TrainingStatus{
		"ftjob-1": {Status: out.TrainingStatusRunning},
	}}
	o := newOrchestratorFixture(&fakeStore{}, &fakeCachedRepo{}, jobs, trainer, &fakeIdentityRepo{})

	if err := o.PollJobs(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.JobStatusRunning {
		t.Errorf("expected running, got %s", job.Status)
	}
	if len(jobs.updated) != 0 {
		t.Error("expected no writes while the job is still running")
	}
}

func TestPollJobsIsolatesPerJobErrors(t *testing.T) {
	broken := activeJob(uuid.New(), "ftjob-1")
	fine := activeJob(uuid.New(), "ftjob-2")
	jobs := &fakeJobsRepo{active: []*domain.FineTuningJob{broken, fine}}
	trainer := &fakeTrainer{
		statusErrs: map[string]error{"ftjob-1": errors.New("api timeout")},
		statuses: map[string]*out.TrainingStatus{
			"ftjob-2": {Status: out.TrainingStatusSucceeded, FineTunedModel: "ft:abc"},
		},
	}
	o := newOrchestratorFixture(&fakeStore{}, &fakeCachedRepo{}, jobs, trainer, &fakeIdentityRepo{})

	if err := o.PollJobs(context.Background()); err != nil {
		t.Fatalf("expected per-job isolation, got %v", err)
	}
	if fine.Status != domain.JobStatusCompleted {
		t.Errorf("expected second job completed, got %s", fine.Status)
	}
	if broken.Status != domain.JobStatusRunning {
		t.Errorf("expected broken job untouched, got %s", broken.Status)
	}
}

func TestRequeueFailedJob(t *testing.T) {
	failed := &domain.FineTuningJob{ID: 9, Status: domain.JobStatusFailed}
	running := &domain.FineTuningJob{ID: 10, Status: domain.JobStatusRunning}
	jobs := &fakeJobsRepo{byID: map[int64]*domain.FineTuningJob{9: failed, 10: running}}
	cached := &fakeCachedRepo{}
	o := newOrchestratorFixture(&fakeStore{}, cached, jobs, &fakeTrainer{}, &fakeIdentityRepo{})

	if err := o.RequeueFailedJob(context.Background(), 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cached.requeuedJobs) != 1 || cached.requeuedJobs[0] != 9 {
		t.Errorf("expected job 9 requeued, got %v", cached.requeuedJobs)
	}

	if err := o.RequeueFailedJob(context.Background(), 10); err == nil {
		t.Error("expected error requeueing a running job")
	}
	if err := o.RequeueFailedJob(context.Background(), 99); err == nil {
		t.Error("expected error for an unknown job")
	}
}
