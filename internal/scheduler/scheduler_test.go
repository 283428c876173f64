package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixgate/gateway/internal/backend"
	"github.com/helixgate/gateway/internal/gpupool"
	"github.com/helixgate/gateway/internal/jobs"
	"github.com/helixgate/gateway/internal/kvstore"
	"github.com/helixgate/gateway/internal/workqueue"
)

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, context.Context, context.CancelFunc) {
	t.Helper()
	queue := workqueue.NewMemory(16)
	registry := jobs.NewRegistry(kvstore.NewMemory(), time.Hour)
	pool := gpupool.New([]gpupool.DeviceSpec{{ID: "gpu-0", TotalMemory: 24}}, false)
	be := backend.NewScripted("")

	s := New(queue, registry, pool, be, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return s, ctx, cancel
}

func TestSubmitNonStreamingJobCompletes(t *testing.T) {
	s, ctx, cancel := newTestScheduler(t)
	defer cancel()

	h, err := s.Submit(ctx, Request{
		ID:          uuid.NewString(),
		PrincipalID: "p1",
		Model:       "gpt-4",
		Messages:    []backend.Message{{Role: "user", Content: "hello there"}},
	})
	require.NoError(t, err)
	require.False(t, h.Stream)

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer awaitCancel()
	result, err := h.Await(awaitCtx)
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Contains(t, result.Message, "Simulated response from gpt-4")
	assert.Greater(t, result.Usage.TotalTokens, 0)
}

func TestSubmitStreamingJobYieldsTokensThenCompletes(t *testing.T) {
	s, ctx, cancel := newTestScheduler(t)
	defer cancel()

	h, err := s.Submit(ctx, Request{
		ID:          uuid.NewString(),
		PrincipalID: "p1",
		Model:       "gpt-4",
		Messages:    []backend.Message{{Role: "user", Content: "hi"}},
		Stream:      true,
	})
	require.NoError(t, err)
	require.True(t, h.Stream)

	var tokens []string
	for tok := range h.Tokens() {
		tokens = append(tokens, tok)
	}
	assert.NotEmpty(t, tokens)

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer awaitCancel()
	result, err := h.Await(awaitCtx)
	require.NoError(t, err)
	assert.NoError(t, result.Err)
}

func TestJobFailsWithNoCapacityAfterAdmissionDeadline(t *testing.T) {
	queue := workqueue.NewMemory(16)
	registry := jobs.NewRegistry(kvstore.NewMemory(), time.Hour)
	pool := gpupool.New([]gpupool.DeviceSpec{{ID: "gpu-0", TotalMemory: 1}}, false) // too small for any model
	be := backend.NewScripted("")

	s := New(queue, registry, pool, be,
		WithAdmissionDeadline(20*time.Millisecond),
		WithBackoffCap(5*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	h, err := s.Submit(ctx, Request{
		ID:          uuid.NewString(),
		PrincipalID: "p1",
		Model:       "gpt-4",
		Messages:    []backend.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer awaitCancel()
	result, err := h.Await(awaitCtx)
	require.NoError(t, err)
	require.Error(t, result.Err)

	job, err := registry.Get(context.Background(), h.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
}

func TestCancelQueuedJobTransitionsToCancelled(t *testing.T) {
	queue := workqueue.NewMemory(16)
	registry := jobs.NewRegistry(kvstore.NewMemory(), time.Hour)
	pool := gpupool.New([]gpupool.DeviceSpec{{ID: "gpu-0", TotalMemory: 1}}, false)
	be := backend.NewScripted("")

	// No worker running, so the job stays queued until we cancel it.
	s := New(queue, registry, pool, be, WithWorkers(0))

	id := uuid.NewString()
	_, err := s.Submit(context.Background(), Request{
		ID:          id,
		PrincipalID: "p1",
		Model:       "gpt-4",
		Messages:    []backend.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	err = s.Cancel(context.Background(), id, "p1")
	require.NoError(t, err)

	job, err := registry.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCancelled, job.State)
}

func TestHandleCancelTransitionsQueuedJobEvenBeforeDispatch(t *testing.T) {
	queue := workqueue.NewMemory(16)
	registry := jobs.NewRegistry(kvstore.NewMemory(), time.Hour)
	pool := gpupool.New([]gpupool.DeviceSpec{{ID: "gpu-0", TotalMemory: 24}}, false)
	be := backend.NewScripted("")

	// No worker running, so the job can never leave queued on its own;
	// only Handle.Cancel (as a disconnect handler would call) can move it.
	s := New(queue, registry, pool, be, WithWorkers(0))

	h, err := s.Submit(context.Background(), Request{
		ID:          uuid.NewString(),
		PrincipalID: "p1",
		Model:       "gpt-4",
		Messages:    []backend.Message{{Role: "user", Content: "hi"}},
		Stream:      true,
	})
	require.NoError(t, err)

	h.Cancel()

	job, err := registry.Get(context.Background(), h.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCancelled, job.State)
}

func TestStreamingJobFailedBeforeDispatchClosesTokenChannel(t *testing.T) {
	queue := workqueue.NewMemory(16)
	registry := jobs.NewRegistry(kvstore.NewMemory(), time.Hour)
	pool := gpupool.New([]gpupool.DeviceSpec{{ID: "gpu-0", TotalMemory: 1}}, false) // too small for any model
	be := backend.NewScripted("")

	s := New(queue, registry, pool, be,
		WithAdmissionDeadline(20*time.Millisecond),
		WithBackoffCap(5*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	h, err := s.Submit(ctx, Request{
		ID:          uuid.NewString(),
		PrincipalID: "p1",
		Model:       "gpt-4",
		Messages:    []backend.Message{{Role: "user", Content: "hi"}},
		Stream:      true,
	})
	require.NoError(t, err)

	// A streaming job that fails admission before ever reaching
	// runStreaming must still close its token channel promptly so a
	// stream sink's range over Tokens() unblocks instead of hanging
	// until the caller's own context deadline.
	select {
	case _, ok := <-h.Tokens():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("token channel never closed after admission-deadline failure")
	}

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer awaitCancel()
	result, err := h.Await(awaitCtx)
	require.NoError(t, err)
	require.Error(t, result.Err)
}

func TestSubmitTracksJobWithGC(t *testing.T) {
	queue := workqueue.NewMemory(16)
	registry := jobs.NewRegistry(kvstore.NewMemory(), time.Hour)
	pool := gpupool.New([]gpupool.DeviceSpec{{ID: "gpu-0", TotalMemory: 24}}, false)
	be := backend.NewScripted("")
	gc := jobs.NewGC(registry)

	s := New(queue, registry, pool, be, WithWorkers(0), WithGC(gc))

	id := uuid.NewString()
	_, err := s.Submit(context.Background(), Request{ID: id, PrincipalID: "p1", Model: "gpt-4"})
	require.NoError(t, err)

	// Removing the record out from under GC and sweeping proves Submit
	// tracked id: Sweep only ever looks at tracked IDs.
	require.NoError(t, registry.Delete(context.Background(), id))
	assert.Equal(t, 1, gc.Sweep(context.Background()))
}

func TestCancelByWrongPrincipalIsForbidden(t *testing.T) {
	queue := workqueue.NewMemory(16)
	registry := jobs.NewRegistry(kvstore.NewMemory(), time.Hour)
	pool := gpupool.New([]gpupool.DeviceSpec{{ID: "gpu-0", TotalMemory: 24}}, false)
	be := backend.NewScripted("")
	s := New(queue, registry, pool, be, WithWorkers(0))

	id := uuid.NewString()
	_, err := s.Submit(context.Background(), Request{ID: id, PrincipalID: "owner", Model: "gpt-4"})
	require.NoError(t, err)

	err = s.Cancel(context.Background(), id, "someone-else")
	assert.Error(t, err)
}
