package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, nil), mr
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	sid := uuid.New()

	require.NoError(t, q.EnqueueArchive(ctx, sid))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeSessionArchive, job.Type)
	assert.NotEmpty(t, job.ID)

	var p ArchivePayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, sid, p.SessionID)
}

func TestQueue_SkipsMalformed(t *testing.T) {
	q, mr := newQueue(t)
	_, err := mr.RPush(QueueArchives, "{not json")
	require.NoError(t, err)

	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_RetryThenDLQ(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueueArchive(ctx, uuid.New()))

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		require.NoError(t, q.Retry(ctx, job))
	}

	pending, dead, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, int64(1), dead)
}
