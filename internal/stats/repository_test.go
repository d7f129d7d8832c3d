package stats

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PeakOnlyRises(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sid := uuid.New()

	s, err := m.Get(ctx, sid)
	require.NoError(t, err)
	assert.Zero(t, s.PeakViewers)

	var wg sync.WaitGroup
	for _, n := range []int{3, 7, 1, 5, 7, 2} {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, m.RecordPeak(ctx, sid, n))
		}(n)
	}
	wg.Wait()

	s, err = m.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 7, s.PeakViewers)
}
