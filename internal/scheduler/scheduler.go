// Package scheduler implements the Scheduler (§4.6, "the heart"): a small
// worker pool that drains WorkQueue, matches jobs to GPUPool leases, and
// drives InferenceBackend execution through to a terminal JobRegistry
// state. Grounded on internal/services/functions/service.go's
// façade-over-a-store execution lifecycle, with the dispatch loop itself
// shaped directly from spec.md §4.6's per-worker algorithm.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helixgate/gateway/internal/backend"
	"github.com/helixgate/gateway/internal/gpupool"
	"github.com/helixgate/gateway/internal/jobs"
	"github.com/helixgate/gateway/internal/svcerr"
	"github.com/helixgate/gateway/internal/workqueue"
)

// DefaultAdmissionDeadline is spec.md §4.6's "configurable deadline
// (default 30s)" a job may wait for a GPU before failing no_capacity.
const DefaultAdmissionDeadline = 30 * time.Second

// DefaultBackoffCap is the "bounded exponential-backoff reinsertion
// (capped at e.g. 250ms)" spec.md §4.6 describes for requeue-on-no-GPU.
const DefaultBackoffCap = 250 * time.Millisecond

const minBackoff = 5 * time.Millisecond

// Request is one chat-completion dispatch request. ID is generated by the
// caller (the admission pipeline) so it can be correlated before the
// registry record exists.
type Request struct {
	ID          string
	PrincipalID string
	Model       string
	Messages    []backend.Message
	Params      backend.Params
	Stream      bool
}

// Result is the terminal outcome of a non-streaming job, or the final
// summary of a streaming one once its token channel closes.
type Result struct {
	Message string
	Usage   backend.Usage
	Err     error
}

// Handle is returned by Submit. Non-streaming callers call Await;
// streaming callers range over Tokens until it closes, then call Await for
// the final Result.
type Handle struct {
	JobID  string
	Stream bool

	tokens      chan string
	done        chan struct{}
	once        sync.Once
	result      Result
	cancel      context.CancelFunc
	sched       *Scheduler
	principalID string
}

// Tokens yields content deltas as the backend produces them. Only
// meaningful when Stream is true; closes when the job reaches a terminal
// state.
func (h *Handle) Tokens() <-chan string { return h.tokens }

// Await blocks until the job reaches a terminal state and returns its
// result, or ctx is cancelled first. Safe to call more than once.
func (h *Handle) Await(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests cancellation of the job this handle backs, whatever
// state it is currently in: a still-queued job is marked cancelled in the
// registry so the worker drops it on dispatch (spec.md §4.6), and a
// running job's backend context is cancelled directly. Safe to call from
// a stream sink's disconnect handler.
func (h *Handle) Cancel() {
	if h.sched != nil {
		_ = h.sched.Cancel(context.Background(), h.JobID, h.principalID)
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
}

// Scheduler is the worker-pool dispatch loop over WorkQueue, GPUPool,
// JobRegistry, and InferenceBackend.
type Scheduler struct {
	queue    workqueue.WorkQueue
	registry *jobs.Registry
	pool     *gpupool.Pool
	be       backend.InferenceBackend
	log      *zap.SugaredLogger
	gc       *jobs.GC

	admissionDeadline time.Duration
	backoffCap        time.Duration
	workers           int

	mu       sync.Mutex
	handles  map[string]*Handle
	requests map[string]Request
	attempts map[string]int
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithAdmissionDeadline overrides DefaultAdmissionDeadline.
func WithAdmissionDeadline(d time.Duration) Option {
	return func(s *Scheduler) { s.admissionDeadline = d }
}

// WithBackoffCap overrides DefaultBackoffCap.
func WithBackoffCap(d time.Duration) Option {
	return func(s *Scheduler) { s.backoffCap = d }
}

// WithWorkers sets the worker-pool size. spec.md §5 suggests sizing around
// 2x the GPU count so a worker is never the bottleneck ahead of capacity.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithLogger overrides the hot-path logger (default: a no-op logger).
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithGC registers the JobRegistry's GC sweeper so every job this
// Scheduler creates is tracked for eventual cleanup. Optional: without it
// jobs still expire via the KVStore's own per-key TTL, just without the
// GC's explicit sweep/live-count bookkeeping.
func WithGC(gc *jobs.GC) Option {
	return func(s *Scheduler) { s.gc = gc }
}

// New builds a Scheduler. workers defaults to 2x the pool's device count.
func New(queue workqueue.WorkQueue, registry *jobs.Registry, pool *gpupool.Pool, be backend.InferenceBackend, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:             queue,
		registry:          registry,
		pool:              pool,
		be:                be,
		log:               zap.NewNop().Sugar(),
		admissionDeadline: DefaultAdmissionDeadline,
		backoffCap:        DefaultBackoffCap,
		workers:           2 * len(pool.Snapshot()),
		handles:           make(map[string]*Handle),
		requests:          make(map[string]Request),
		attempts:          make(map[string]int),
	}
	if s.workers <= 0 {
		s.workers = 2
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run launches the worker pool; it blocks until ctx is cancelled, then
// waits for in-flight dispatches to unwind.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		id := i
		go func() {
			defer wg.Done()
			s.workerLoop(ctx, id)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID int) {
	for {
		jobID, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warnw("dequeue error", "worker", workerID, "err", err)
			continue
		}
		s.dispatchSafely(ctx, jobID, workerID)
	}
}

// dispatchSafely recovers from a panic in dispatch so one worker's bug
// never takes down the pool (spec.md §4.6's "panic in a worker never
// terminates other workers").
func (s *Scheduler) dispatchSafely(ctx context.Context, jobID string, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("worker recovered from panic", "worker", workerID, "job", jobID, "panic", r)
			s.failJob(ctx, jobID, svcerr.Internal("worker panic", fmt.Errorf("%v", r)))
		}
	}()
	s.dispatch(ctx, jobID, workerID)
}

// Submit creates a job record, enqueues it, and returns a Handle the
// caller uses to await completion or consume a token stream.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*Handle, error) {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("scheduler: marshal params: %w", err)
	}
	if _, err := s.registry.Create(ctx, req.ID, req.PrincipalID, req.Model, params); err != nil {
		return nil, fmt.Errorf("scheduler: create job: %w", err)
	}
	if s.gc != nil {
		s.gc.Track(req.ID)
	}

	h := &Handle{
		JobID:       req.ID,
		Stream:      req.Stream,
		tokens:      make(chan string, 16),
		done:        make(chan struct{}),
		sched:       s,
		principalID: req.PrincipalID,
	}
	s.mu.Lock()
	s.handles[req.ID] = h
	s.request(req.ID, req)
	s.mu.Unlock()

	if err := s.queue.Enqueue(ctx, req.ID); err != nil {
		s.mu.Lock()
		delete(s.handles, req.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: enqueue job: %w", svcerr.QueueFull())
	}
	return h, nil
}

// request records the Request a job was submitted with, since the worker
// loop only has the job ID off the queue. Caller must hold s.mu.
func (s *Scheduler) request(id string, req Request) {
	s.requests[id] = req
}

// Cancel marks job id cancelled, requesting cooperative stop of any
// running backend iterator.
func (s *Scheduler) Cancel(ctx context.Context, id, principalID string) error {
	job, err := s.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.PrincipalID != principalID {
		return svcerr.Forbidden("job.cancel")
	}

	_, err = s.registry.UpdateState(ctx, id, jobs.StateCancelled, func(j *jobs.Job) {
		j.Cancelled = true
	})
	if err != nil && !errors.Is(err, jobs.ErrIllegalTransition) {
		return err
	}

	s.mu.Lock()
	h := s.handles[id]
	s.mu.Unlock()
	if h != nil && h.cancel != nil {
		h.cancel()
	}
	return nil
}

func (s *Scheduler) handleFor(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

func (s *Scheduler) releaseHandle(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	delete(s.attempts, id)
	delete(s.requests, id)
	s.mu.Unlock()
}

func (s *Scheduler) nextBackoff(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.attempts[id]
	s.attempts[id] = n + 1

	d := minBackoff << uint(n)
	if d <= 0 || d > s.backoffCap {
		d = s.backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

func (s *Scheduler) dispatch(ctx context.Context, id string, workerID int) {
	job, err := s.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return
		}
		s.log.Errorw("dispatch: get job", "job", id, "err", err)
		return
	}
	if job.State != jobs.StateQueued {
		// Already cancelled, or a stale re-delivery; nothing to do.
		s.finish(id, Result{Err: nil})
		return
	}

	if time.Since(job.CreatedAt) > s.admissionDeadline {
		s.failJob(ctx, id, svcerr.NoCapacity())
		return
	}

	lease, err := s.pool.TryAllocate(job.Model)
	if errors.Is(err, gpupool.ErrNoCapacity) {
		backoff := s.nextBackoff(id)
		time.AfterFunc(backoff, func() {
			if enqErr := s.queue.Enqueue(context.Background(), id); enqErr != nil {
				s.log.Warnw("requeue after backoff failed", "job", id, "err", enqErr)
			}
		})
		return
	}
	if err != nil {
		s.failJob(ctx, id, svcerr.Internal("gpu allocation", err))
		return
	}

	job, err = s.registry.UpdateState(ctx, id, jobs.StateRunning, func(j *jobs.Job) {
		now := time.Now().UTC()
		j.StartedAt = &now
		j.GPU = lease.DeviceID
	})
	if err != nil {
		s.pool.Release(lease)
		if errors.Is(err, jobs.ErrIllegalTransition) {
			// Cancelled while queued.
			s.finish(id, Result{})
			return
		}
		s.log.Errorw("dispatch: transition to running", "job", id, "err", err)
		return
	}

	s.mu.Lock()
	req := s.requests[id]
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	if h := s.handleFor(id); h != nil {
		h.cancel = cancel
	}
	defer cancel()
	defer s.pool.Release(lease)

	s.log.Infow("dispatch running", "worker", workerID, "job", id, "model", job.Model, "gpu", lease.DeviceID)

	it, err := s.be.Execute(runCtx, job.Model, req.Messages, req.Params)
	if err != nil {
		s.failJob(runCtx, id, svcerr.BackendFailed(err))
		return
	}
	defer it.Close()

	if req.Stream {
		s.runStreaming(runCtx, id, it)
		return
	}
	s.runSync(runCtx, id, it)
}

func (s *Scheduler) runSync(ctx context.Context, id string, it backend.TokenIterator) {
	var b strings.Builder
	for {
		tok, ok := it.Next(ctx)
		if !ok {
			break
		}
		b.WriteString(tok)
	}

	if err := it.Err(); err != nil {
		if ctx.Err() != nil {
			s.cancelJob(context.Background(), id)
			return
		}
		s.failJob(context.Background(), id, svcerr.BackendFailed(err))
		return
	}

	message := b.String()
	usage := it.Usage()
	resultJSON, _ := json.Marshal(struct {
		Message string        `json:"message"`
		Usage   backend.Usage `json:"usage"`
	}{message, usage})

	_, err := s.registry.UpdateState(context.Background(), id, jobs.StateCompleted, func(j *jobs.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.Result = resultJSON
	})
	if err != nil && !errors.Is(err, jobs.ErrIllegalTransition) {
		s.log.Errorw("complete job", "job", id, "err", err)
	}
	s.finish(id, Result{Message: message, Usage: usage})
}

func (s *Scheduler) runStreaming(ctx context.Context, id string, it backend.TokenIterator) {
	h := s.handleFor(id)
	var b strings.Builder
	for {
		tok, ok := it.Next(ctx)
		if !ok {
			break
		}
		b.WriteString(tok)
		if h != nil {
			select {
			case h.tokens <- tok:
			case <-ctx.Done():
			}
		}
	}
	if err := it.Err(); err != nil {
		if ctx.Err() != nil {
			s.cancelJob(context.Background(), id)
			return
		}
		s.failJob(context.Background(), id, svcerr.BackendFailed(err))
		return
	}

	message := b.String()
	usage := it.Usage()
	resultJSON, _ := json.Marshal(struct {
		Message string        `json:"message"`
		Usage   backend.Usage `json:"usage"`
	}{message, usage})

	_, err := s.registry.UpdateState(context.Background(), id, jobs.StateCompleted, func(j *jobs.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.Result = resultJSON
	})
	if err != nil && !errors.Is(err, jobs.ErrIllegalTransition) {
		s.log.Errorw("complete streaming job", "job", id, "err", err)
	}
	s.finish(id, Result{Message: message, Usage: usage})
}

func (s *Scheduler) failJob(ctx context.Context, id string, svcErr *svcerr.ServiceError) {
	_, err := s.registry.UpdateState(ctx, id, jobs.StateFailed, func(j *jobs.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.Error = svcErr.Error()
	})
	if err != nil && !errors.Is(err, jobs.ErrIllegalTransition) {
		s.log.Errorw("fail job", "job", id, "err", err)
	}
	s.finish(id, Result{Err: svcErr})
}

func (s *Scheduler) cancelJob(ctx context.Context, id string) {
	_, err := s.registry.UpdateState(ctx, id, jobs.StateCancelled, func(j *jobs.Job) {
		j.Cancelled = true
	})
	if err != nil && !errors.Is(err, jobs.ErrIllegalTransition) {
		s.log.Errorw("cancel job", "job", id, "err", err)
	}
	s.finish(id, Result{Err: context.Canceled})
}

func (s *Scheduler) finish(id string, r Result) {
	h := s.handleFor(id)
	if h != nil {
		h.once.Do(func() {
			h.result = r
			close(h.done)
			if h.Stream {
				close(h.tokens)
			}
		})
	}
	s.releaseHandle(id)
}
