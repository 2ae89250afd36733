package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmestly-reports/internal/models"
)

func TestPublishSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	n := NewRedisNotifier(client)

	sub, err := n.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, n.Publish(ctx, Event{JobID: "job-2", Status: models.StatusProcessing, At: time.Now()}))
	require.NoError(t, n.Publish(ctx, Event{
		JobID:  "job-1",
		Status: models.StatusCompleted,
		Result: &models.JobResult{DownloadURL: "https://x/report/download/a.pdf"},
		At:     time.Now(),
	}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, models.StatusCompleted, ev.Status)
		require.NotNil(t, ev.Result)
		assert.Contains(t, ev.Result.DownloadURL, "a.pdf")
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
