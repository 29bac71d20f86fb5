package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// CaptionListingTask is scheduled each time a listing is stored.
	CaptionListingTask = "listing:caption"
)

// CaptionPayload is serialized into the task payload so the worker knows which
// listing document to load.
type CaptionPayload struct {
	DocumentID string `json:"document_id"`
	Collection string `json:"collection"`
}

// Enqueuer is the part of *asynq.Client the notifier needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EnqueueCaption enqueues a caption job. Failed jobs are not retried.
func EnqueueCaption(ctx context.Context, client Enqueuer, payload CaptionPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(CaptionListingTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue caption task: %w", err)
	}
	return nil
}

// Notifier enqueues a caption job for every stored listing.
type Notifier struct {
	client Enqueuer
}

// NewNotifier wraps an asynq client.
func NewNotifier(client Enqueuer) *Notifier {
	return &Notifier{client: client}
}

// ListingCreated implements listing.Notifier.
func (n *Notifier) ListingCreated(ctx context.Context, collection, documentID string) error {
	return EnqueueCaption(ctx, n.client, CaptionPayload{DocumentID: documentID, Collection: collection})
}
