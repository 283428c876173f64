// Package jobs implements JobRegistry (§4.4): a small façade over KVStore
// providing Create/Get/UpdateState/Delete, plus a cron-scheduled TTL
// garbage-collection sweep. Grounded on
// infrastructure/middleware/ratelimit.go's StartCleanup ticker pattern,
// replacing the ad hoc time.Ticker with robfig/cron/v3 so the sweep
// interval is an operator-readable expression.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/helixgate/gateway/internal/kvstore"
)

// State is a Job's lifecycle state. Transitions are monotonic:
// queued -> running -> {completed, failed, cancelled}, and queued may also
// go straight to failed or cancelled.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// terminal reports whether s is one a job never leaves.
func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates the state machine from spec.md §3's Job
// entity: queued -> running -> {completed, failed, cancelled}. queued can
// also go straight to failed (admission deadline passed, no_capacity) or
// cancelled (cancel of a not-yet-dispatched job).
var legalTransitions = map[State][]State{
	StateQueued:  {StateRunning, StateFailed, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled},
}

func isLegalTransition(from, to State) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrNotFound is returned when a job ID has no record (or it already
// expired/was garbage-collected).
var ErrNotFound = errors.New("jobs: not found")

// ErrIllegalTransition is returned by UpdateState when the requested state
// is not reachable from the record's current state.
var ErrIllegalTransition = errors.New("jobs: illegal state transition")

// ErrConflict is returned by UpdateState when another writer's
// compare-and-swap won the race; the caller should re-read and decide
// whether its transition is still legal.
var ErrConflict = errors.New("jobs: compare-and-swap conflict")

// Job is the record persisted per spec.md §3's Job entity.
type Job struct {
	ID          string          `json:"id"`
	PrincipalID string          `json:"principal_id"`
	Model       string          `json:"model"`
	Params      json.RawMessage `json:"params,omitempty"`
	State       State           `json:"state"`
	GPU         string          `json:"gpu,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Cancelled   bool            `json:"cancelled,omitempty"`
}

const keyPrefix = "job:"

// DefaultTTL is spec.md §3's "retained for a bounded TTL (default one
// hour) after completion" default.
const DefaultTTL = time.Hour

// Registry is the JobRegistry façade over a KVStore.
type Registry struct {
	store kvstore.KVStore
	ttl   time.Duration
}

// NewRegistry wires a Registry over store. ttl <= 0 uses DefaultTTL.
func NewRegistry(store kvstore.KVStore, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{store: store, ttl: ttl}
}

// Create persists a new job in StateQueued and returns it.
func (r *Registry) Create(ctx context.Context, id, principalID, model string, params json.RawMessage) (*Job, error) {
	job := &Job{
		ID:          id,
		PrincipalID: principalID,
		Model:       model,
		Params:      params,
		State:       StateQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.put(ctx, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// Get reads a job by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := r.store.Get(ctx, keyPrefix+id)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("jobs: decode %s: %w", id, err)
	}
	return &job, nil
}

// UpdateState reads the current record, validates the transition, applies
// mutate, and writes back with a compare-and-swap against the raw bytes it
// read. A concurrent writer winning the race is detected by the swap
// failing; the loop re-reads and re-validates the transition against the
// new state rather than blindly retrying the same write, so spec.md §4.4's
// "a lost race means the caller re-reads and aborts" holds across
// processes, not just within one.
func (r *Registry) UpdateState(ctx context.Context, id string, to State, mutate func(*Job)) (*Job, error) {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, err := r.store.Get(ctx, keyPrefix+id)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("jobs: get %s: %w", id, err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("jobs: decode %s: %w", id, err)
		}
		if job.State.terminal() {
			return nil, ErrIllegalTransition
		}
		if !isLegalTransition(job.State, to) {
			return nil, ErrIllegalTransition
		}

		job.State = to
		if mutate != nil {
			mutate(&job)
		}

		data, err := json.Marshal(&job)
		if err != nil {
			return nil, fmt.Errorf("jobs: encode %s: %w", id, err)
		}

		swapped, err := r.store.CompareAndSwap(ctx, keyPrefix+id, raw, string(data), r.ttlFor(&job))
		if err != nil {
			return nil, fmt.Errorf("jobs: cas %s: %w", id, err)
		}
		if swapped {
			return &job, nil
		}
		// Lost the race to a concurrent writer; re-read and try again.
	}
	return nil, ErrConflict
}

// Delete removes a job record immediately. The GC sweep calls it for
// terminal records past their TTL; cancellation does not delete records.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, keyPrefix+id)
}

func (r *Registry) ttlFor(job *Job) time.Duration {
	if job.State.terminal() {
		return r.ttl
	}
	return 0 // queued/running jobs never expire on their own
}

func (r *Registry) put(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode %s: %w", job.ID, err)
	}
	if err := r.store.Set(ctx, keyPrefix+job.ID, string(data), ttl); err != nil {
		return fmt.Errorf("jobs: put %s: %w", job.ID, err)
	}
	return nil
}
