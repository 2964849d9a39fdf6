package out

import "context"

// =============================================================================
// Training Job Port (external model-training backend)
// =============================================================================

// TrainingSubmission is one dataset handed to the training backend.
type TrainingSubmission struct {
	Dataset   []byte
	Filename  string
	BaseModel string
	Suffix    string

	// NEpochs of 0 lets the backend choose.
	NEpochs int
}

// TrainingHandle identifies a submitted job on the backend.
type TrainingHandle struct {
	FileID string
	JobID  string
}

// Training statuses as reported by the backend, already normalized.
const (
	TrainingStatusQueued    = "queued"
	TrainingStatusRunning   = "running"
	TrainingStatusSucceeded = "succeeded"
	TrainingStatusFailed    = "failed"
	TrainingStatusCancelled = "cancelled"
)

// TrainingStatus is a snapshot of a backend job.
type TrainingStatus struct {
	Status         string
	FineTunedModel string
	TrainedTokens  int64
	Error          string
}

// TrainerPort is the external training-job API.
type TrainerPort interface {
	Submit(ctx context.Context, sub *TrainingSubmission) (*TrainingHandle, error)
	GetStatus(ctx context.Context, jobID string) (*TrainingStatus, error)

	// UpdateAssistantModel points the coach's assistant at a new model.
	UpdateAssistantModel(ctx context.Context, assistantID, modelID string) error
}
