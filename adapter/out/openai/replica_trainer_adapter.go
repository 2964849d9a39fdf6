// Package openai implements the training-job port on the OpenAI API.
package openai

import (
	"context"
	"fmt"

	"replica_server/core/port/out"
	"replica_server/pkg/logger"

	openai "github.com/sashabaranov/go-openai"
)

// TrainerAdapter implements out.TrainerPort using OpenAI fine-tuning.
type TrainerAdapter struct {
	client *openai.Client
	log    *logger.Logger
}

// NewTrainerAdapter creates a new OpenAI trainer adapter.
func NewTrainerAdapter(apiKey string) *TrainerAdapter {
	return &TrainerAdapter{
		client: openai.NewClient(apiKey),
		log:    logger.WithField("component", "openai-trainer"),
	}
}

// Submit uploads the dataset and starts a fine-tuning job.
func (a *TrainerAdapter) Submit(ctx context.Context, sub *out.TrainingSubmission) (*out.TrainingHandle, error) {
	file, err := a.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    sub.Filename,
		Bytes:   sub.Dataset,
		Purpose: openai.PurposeFineTune,
	})
	if err != nil {
		return nil, fmt.Errorf("upload training file: %w", err)
	}
	a.log.Info("uploaded training file %s (%d bytes)", file.ID, len(sub.Dataset))

	req := openai.FineTuningJobRequest{
		TrainingFile: file.ID,
		Model:        sub.BaseModel,
		Suffix:       sub.Suffix,
	}
	if sub.NEpochs > 0 {
		req.Hyperparameters = &openai.Hyperparameters{Epochs: sub.NEpochs}
	}

	job, err := a.client.CreateFineTuningJob(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create fine-tuning job: %w", err)
	}

	return &out.TrainingHandle{FileID: file.ID, JobID: job.ID}, nil
}

// GetStatus fetches and normalizes the backend job state.
func (a *TrainerAdapter) GetStatus(ctx context.Context, jobID string) (*out.TrainingStatus, error) {
	job, err := a.client.RetrieveFineTuningJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("retrieve fine-tuning job %s: %w", jobID, err)
	}

	status := &out.TrainingStatus{
		FineTunedModel: job.FineTunedModel,
		TrainedTokens:  int64(job.TrainedTokens),
	}

	switch job.Status {
	case "succeeded":
		status.Status = out.TrainingStatusSucceeded
	case "failed":
		status.Status = out.TrainingStatusFailed
		status.Error = fmt.Sprintf("fine-tuning job %s failed", jobID)
	case "cancelled":
		status.Status = out.TrainingStatusCancelled
	case "running":
		status.Status = out.TrainingStatusRunning
	default:
		// validating_files, queued
		status.Status = out.TrainingStatusQueued
	}
	return status, nil
}

// UpdateAssistantModel points the assistant at the fine-tuned model.
func (a *TrainerAdapter) UpdateAssistantModel(ctx context.Context, assistantID, modelID string) error {
	_, err := a.client.ModifyAssistant(ctx, assistantID, openai.AssistantRequest{
		Model: modelID,
	})
	if err != nil {
		return fmt.Errorf("modify assistant %s: %w", assistantID, err)
	}
	return nil
}

var _ out.TrainerPort = (*TrainerAdapter)(nil)
