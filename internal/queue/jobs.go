package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ProcessUploadTask is scheduled each time an image is uploaded.
	ProcessUploadTask = "upload:process"
	// ReapStuckTask fires on a short interval to fail uploads stuck in PENDING.
	ReapStuckTask = "upload:reap_stuck"
	// CleanupFilesTask fires on a longer interval to reclaim aged blobs.
	CleanupFilesTask = "upload:cleanup_files"
)

// ProcessPayload is serialized into the task payload so the worker knows which
// upload to drive through the pipeline.
type ProcessPayload struct {
	UploadID string `json:"upload_id"`
}

// Enqueuer dispatches processing work. The asynq-backed Client implements it;
// tests substitute fakes to exercise dispatch failures.
type Enqueuer interface {
	EnqueueProcess(ctx context.Context, uploadID string) (taskID string, err error)
}

// Client wraps an asynq.Client behind the Enqueuer interface.
type Client struct {
	client *asynq.Client
}

// NewClient constructs a Client.
func NewClient(client *asynq.Client) *Client {
	return &Client{client: client}
}

// EnqueueProcess enqueues a processing job and returns the queue's task id so
// the caller can record it as the upload's task handle.
func (c *Client) EnqueueProcess(ctx context.Context, uploadID string) (string, error) {
	data, err := json.Marshal(ProcessPayload{UploadID: uploadID})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessUploadTask, data)
	info, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(5))
	if err != nil {
		return "", fmt.Errorf("enqueue process task: %w", err)
	}
	return info.ID, nil
}
