package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixgate/gateway/internal/kvstore"
)

func TestCreateStartsInQueuedState(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemory(), time.Hour)

	job, err := reg.Create(ctx, "job-1", "principal-1", "gpt-4", nil)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, job.State)

	fetched, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", fetched.ID)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	reg := NewRegistry(kvstore.NewMemory(), time.Hour)
	_, err := reg.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStateAppliesLegalTransition(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemory(), time.Hour)
	_, err := reg.Create(ctx, "job-1", "principal-1", "gpt-4", nil)
	require.NoError(t, err)

	job, err := reg.UpdateState(ctx, "job-1", StateRunning, func(j *Job) {
		now := time.Now().UTC()
		j.StartedAt = &now
		j.GPU = "gpu_0"
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, job.State)
	assert.Equal(t, "gpu_0", job.GPU)
}

func TestUpdateStateRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemory(), time.Hour)
	_, err := reg.Create(ctx, "job-1", "principal-1", "gpt-4", nil)
	require.NoError(t, err)

	// queued -> completed is not a legal direct transition.
	_, err = reg.UpdateState(ctx, "job-1", StateCompleted, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestUpdateStateRejectsTransitionFromTerminal(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemory(), time.Hour)
	_, err := reg.Create(ctx, "job-1", "principal-1", "gpt-4", nil)
	require.NoError(t, err)

	_, err = reg.UpdateState(ctx, "job-1", StateRunning, nil)
	require.NoError(t, err)
	_, err = reg.UpdateState(ctx, "job-1", StateCompleted, nil)
	require.NoError(t, err)

	_, err = reg.UpdateState(ctx, "job-1", StateFailed, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCompletedJobGetsTTLApplied(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	reg := NewRegistry(store, 10*time.Millisecond)

	_, err := reg.Create(ctx, "job-1", "principal-1", "gpt-4", nil)
	require.NoError(t, err)
	_, err = reg.UpdateState(ctx, "job-1", StateRunning, nil)
	require.NoError(t, err)
	_, err = reg.UpdateState(ctx, "job-1", StateCompleted, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = reg.Get(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// racingStore wraps a KVStore and, on its first CompareAndSwap call, runs
// conflict (simulating a second gateway process winning the race in the
// window between a reader's Get and its own CAS) before reporting failure,
// then behaves normally afterward.
type racingStore struct {
	kvstore.KVStore
	once     sync.Once
	conflict func()
}

func (r *racingStore) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	fired := false
	r.once.Do(func() {
		fired = true
		r.conflict()
	})
	if fired {
		return false, nil
	}
	return r.KVStore.CompareAndSwap(ctx, key, oldValue, newValue, ttl)
}

func TestUpdateStateAbortsAfterLosingRaceToIllegalTransition(t *testing.T) {
	ctx := context.Background()
	mem := kvstore.NewMemory()
	_, err := NewRegistry(mem, time.Hour).Create(ctx, "job-1", "principal-1", "gpt-4", nil)
	require.NoError(t, err)

	store := &racingStore{KVStore: mem, conflict: func() {
		_, err := NewRegistry(mem, time.Hour).UpdateState(ctx, "job-1", StateRunning, nil)
		require.NoError(t, err)
	}}

	_, err = NewRegistry(store, time.Hour).UpdateState(ctx, "job-1", StateRunning, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestDeleteRemovesRecordImmediately(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemory(), time.Hour)
	_, err := reg.Create(ctx, "job-1", "principal-1", "gpt-4", nil)
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, "job-1"))
	_, err = reg.Get(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGCSweepDropsExpiredAndStaleTerminalJobs(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	reg := NewRegistry(store, time.Hour)
	gc := NewGC(reg)

	_, err := reg.Create(ctx, "job-1", "principal-1", "gpt-4", nil)
	require.NoError(t, err)
	gc.Track("job-1")

	_, err = reg.UpdateState(ctx, "job-1", StateRunning, nil)
	require.NoError(t, err)
	_, err = reg.UpdateState(ctx, "job-1", StateCompleted, func(j *Job) {
		stale := time.Now().UTC().Add(-2 * time.Hour)
		j.CompletedAt = &stale
	})
	require.NoError(t, err)

	swept := gc.Sweep(ctx)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 0, gc.TrackedCount())

	_, err = reg.Get(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGCSweepUntracksAlreadyGoneJobs(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemory(), time.Hour)
	gc := NewGC(reg)
	gc.Track("never-created")

	swept := gc.Sweep(ctx)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 0, gc.TrackedCount())
}
