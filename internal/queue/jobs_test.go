package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func TestNotifierEnqueuesCaptionTask(t *testing.T) {
	client := &fakeEnqueuer{}
	n := NewNotifier(client)

	require.NoError(t, n.ListingCreated(context.Background(), "products", "doc-1"))
	require.Len(t, client.tasks, 1)
	assert.Equal(t, CaptionListingTask, client.tasks[0].Type())

	var payload CaptionPayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	assert.Equal(t, CaptionPayload{DocumentID: "doc-1", Collection: "products"}, payload)

	require.Len(t, client.opts[0], 1)
	assert.Equal(t, asynq.MaxRetryOpt, client.opts[0][0].Type())
	assert.Equal(t, 0, client.opts[0][0].Value())
}

func TestEnqueueCaptionWrapsError(t *testing.T) {
	client := &fakeEnqueuer{err: errors.New("dial tcp: connection refused")}
	err := EnqueueCaption(context.Background(), client, CaptionPayload{DocumentID: "doc-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue caption task")
}
