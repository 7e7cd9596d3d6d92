package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

func TestAttributes(t *testing.T) {
	t.Parallel()

	attrs := attributes(crawler.TaskEvent{TaskID: "task_000001", WorkerID: "w1", Status: crawler.TaskStatusFailed})
	require.Equal(t, map[string]string{"source": "stackharvest", "status": "failed", "worker_id": "w1"}, attrs)
	require.Equal(t, map[string]string{"source": "stackharvest"}, attributes("plain"))
}

func TestPublishRequiresClientAndTopic(t *testing.T) {
	t.Parallel()

	p := NewWithClient(nil)
	_, err := p.Publish(context.Background(), "events", crawler.TaskEvent{})
	require.Error(t, err)
	require.NoError(t, p.Close())

	_, err = New(context.Background(), "")
	require.Error(t, err)
}
