package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/sessionlog"
	"github.com/aura-live/backend/internal/stats"
	"github.com/aura-live/backend/internal/store"
	"github.com/aura-live/backend/pkg/queue"
)

type bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (b *bucket) Upload(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	if b.fail {
		return "", errors.New("s3 down")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[key] = data
	return "mem://" + key, nil
}

func (b *bucket) get(key string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[key]
}

type fixture struct {
	st     *store.Memory
	peaks  *stats.Memory
	log    *sessionlog.Memory
	bucket *bucket
	q      *queue.Queue
	p      *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{st: store.NewMemory(), peaks: stats.NewMemory(), log: sessionlog.NewMemory(), bucket: &bucket{}, q: queue.NewQueue(rdb, nil)}
	f.p = NewProcessor(f.st, f.peaks, f.log, f.bucket, f.q, nil)
	f.p.backoff = 0
	return f
}

func (f *fixture) endedSession(t *testing.T) *models.Session {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	s := &models.Session{BroadcasterID: uuid.New(), Title: "drop", Category: models.CategoryEntertainment, RecordingEnabled: true, CreatedAt: start}
	require.NoError(t, f.st.CreateSession(ctx, s))
	require.NoError(t, f.log.LogJoin(ctx, s.ID, uuid.New()))
	require.NoError(t, f.peaks.RecordPeak(ctx, s.ID, 12))
	_, _, err := f.st.EndSession(ctx, s.ID, start.Add(90*time.Minute))
	require.NoError(t, err)
	return s
}

func TestBuild(t *testing.T) {
	f := newFixture(t)
	s := f.endedSession(t)

	sum, err := f.p.Build(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(90*60), sum.DurationSeconds)
	assert.Equal(t, 12, sum.PeakViewers)
	assert.Len(t, sum.Attendance, 1)
	assert.Equal(t, "drop", sum.Title)
}

func TestBuild_LiveSessionConflicts(t *testing.T) {
	f := newFixture(t)
	s := &models.Session{BroadcasterID: uuid.New(), Title: "on air", Category: models.CategoryBusiness}
	require.NoError(t, f.st.CreateSession(context.Background(), s))

	_, err := f.p.Build(context.Background(), s.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func runWorker(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return cancel
}

func TestRun_UploadsSummary(t *testing.T) {
	f := newFixture(t)
	s := f.endedSession(t)
	require.NoError(t, f.q.EnqueueArchive(context.Background(), s.ID))

	runWorker(t, f.p)

	key := "archives/" + s.ID.String() + "/summary.json"
	require.Eventually(t, func() bool { return f.bucket.get(key) != nil }, 5*time.Second, 10*time.Millisecond)
	var sum Summary
	require.NoError(t, json.Unmarshal(f.bucket.get(key), &sum))
	assert.Equal(t, s.ID, sum.SessionID)
	assert.Equal(t, 12, sum.PeakViewers)
}

func TestRun_FailingUploadsEndInDLQ(t *testing.T) {
	f := newFixture(t)
	f.bucket.fail = true
	s := f.endedSession(t)
	require.NoError(t, f.q.EnqueueArchive(context.Background(), s.ID))

	runWorker(t, f.p)

	require.Eventually(t, func() bool {
		_, dead, err := f.q.Depth(context.Background())
		return err == nil && dead == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_DropsUnknownSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.EnqueueArchive(context.Background(), uuid.New()))

	runWorker(t, f.p)

	require.Eventually(t, func() bool {
		pending, _, err := f.q.Depth(context.Background())
		return err == nil && pending == 0
	}, 5*time.Second, 10*time.Millisecond)
	_, dead, err := f.q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dead)
}
