package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/JannisBe/imagetopdfconverter/internal/model"
	"github.com/JannisBe/imagetopdfconverter/internal/pipeline"
	"github.com/JannisBe/imagetopdfconverter/internal/queue"
	"github.com/JannisBe/imagetopdfconverter/internal/sweeper"
)

// Processor plugs the pipeline and the sweepers into the asynq worker loop.
type Processor struct {
	pipeline *pipeline.Pipeline
	sweeper  *sweeper.Sweeper
}

// NewProcessor constructs a worker processor.
func NewProcessor(pl *pipeline.Pipeline, sw *sweeper.Sweeper) *Processor {
	return &Processor{pipeline: pl, sweeper: sw}
}

// Handler registers the processing and sweep job handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessUploadTask, p.handleProcess)
	mux.HandleFunc(queue.ReapStuckTask, p.handleReapStuck)
	mux.HandleFunc(queue.CleanupFilesTask, p.handleCleanupFiles)
	return mux
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	taskID, _ := asynq.GetTaskID(ctx)
	err := p.pipeline.Process(ctx, payload.UploadID, taskID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrFailed), errors.Is(err, model.ErrNotFound):
		// The terminal outcome is persisted on the record; retrying would
		// only repeat the failure.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

func (p *Processor) handleReapStuck(ctx context.Context, _ *asynq.Task) error {
	return p.sweeper.ReapStuck(ctx)
}

func (p *Processor) handleCleanupFiles(ctx context.Context, _ *asynq.Task) error {
	return p.sweeper.CleanupFiles(ctx)
}
