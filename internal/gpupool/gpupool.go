// Package gpupool maintains the in-memory device inventory GPUPool (§4.5)
// allocates leases against. Grounded on
// original_source/inference-pool/src/app.py's gpu_status map and
// allocate_gpu function, generalized from a single global dict to a
// thread-safe pool with real lease accounting instead of a single
// available/unavailable bit.
package gpupool

import (
	"errors"
	"sort"
	"sync"
)

// GiB is a memory quantity in gibibytes, the unit spec.md's GPUDevice
// entity and original_source's "max_memory"/"memory_used" fields use.
type GiB int

// ErrNoCapacity is returned by TryAllocate when no device can satisfy the
// request.
var ErrNoCapacity = errors.New("gpupool: no device has sufficient capacity")

// modelMemory is the static required-memory table from
// original_source/inference-pool/src/app.py's allocate_gpu, with
// defaultModelMemory (8 GiB) for any model not listed.
var modelMemory = map[string]GiB{
	"gpt-4":            16,
	"claude-3-sonnet":  12,
	"deepseek-chat":    8,
	"glm-4":            10,
}

const defaultModelMemory GiB = 8

// RequiredMemory returns the static memory requirement for model, falling
// back to defaultModelMemory for unlisted models.
func RequiredMemory(model string) GiB {
	if mem, ok := modelMemory[model]; ok {
		return mem
	}
	return defaultModelMemory
}

// device is one GPU's live state. currentModel/leases are zero when idle.
type device struct {
	ID           string
	TotalMemory  GiB
	UsedMemory   GiB
	CurrentModel string
	Leases       int
}

// DeviceState is an immutable snapshot of one device, returned by
// Snapshot for status endpoints and metrics.
type DeviceState struct {
	ID           string
	TotalMemory  GiB
	UsedMemory   GiB
	CurrentModel string
	Leases       int
}

// Lease represents one allocation held against a device. Callers must
// pass it back to Release exactly once.
type Lease struct {
	DeviceID string
	Model    string
	Memory   GiB
}

// Pool is a thread-safe in-memory GPU device inventory.
type Pool struct {
	mu      sync.Mutex
	devices map[string]*device
	order   []string // device IDs in ascending order, for deterministic tie-break
	// sharingEnabled controls whether a device already serving a model can
	// take on additional leases for that same model instead of requiring
	// leases == 0. Off by default: the scripted test backend and the
	// baseline scheduler assume one model per device at a time.
	sharingEnabled bool
}

// DeviceSpec describes one device at pool construction time.
type DeviceSpec struct {
	ID          string
	TotalMemory GiB
}

// New builds a Pool from specs. Device IDs must be unique.
func New(specs []DeviceSpec, sharingEnabled bool) *Pool {
	p := &Pool{
		devices:        make(map[string]*device, len(specs)),
		sharingEnabled: sharingEnabled,
	}
	for _, spec := range specs {
		p.devices[spec.ID] = &device{ID: spec.ID, TotalMemory: spec.TotalMemory}
		p.order = append(p.order, spec.ID)
	}
	sort.Strings(p.order)
	return p
}

// TryAllocate finds a device with enough free capacity for model and
// returns a Lease, or ErrNoCapacity if none qualifies. Ties are broken by
// least-loaded device (lowest UsedMemory), then lowest ID.
func (p *Pool) TryAllocate(model string) (*Lease, error) {
	required := RequiredMemory(model)

	p.mu.Lock()
	defer p.mu.Unlock()

	var best *device
	for _, id := range p.order {
		d := p.devices[id]
		eligible := d.Leases == 0 || (p.sharingEnabled && d.CurrentModel == model)
		if !eligible {
			continue
		}
		if d.TotalMemory-d.UsedMemory < required {
			continue
		}
		if best == nil || d.UsedMemory < best.UsedMemory {
			best = d
		}
	}
	if best == nil {
		return nil, ErrNoCapacity
	}

	best.UsedMemory += required
	best.Leases++
	best.CurrentModel = model

	return &Lease{DeviceID: best.ID, Model: model, Memory: required}, nil
}

// Release returns lease's reserved memory to its device, clearing
// CurrentModel once the device is fully idle.
func (p *Pool) Release(lease *Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.devices[lease.DeviceID]
	if !ok {
		return
	}
	d.UsedMemory -= lease.Memory
	if d.UsedMemory < 0 {
		d.UsedMemory = 0
	}
	d.Leases--
	if d.Leases <= 0 {
		d.Leases = 0
		d.CurrentModel = ""
	}
}

// Snapshot returns the current state of every device, ordered by ID.
func (p *Pool) Snapshot() []DeviceState {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]DeviceState, 0, len(p.order))
	for _, id := range p.order {
		d := p.devices[id]
		states = append(states, DeviceState{
			ID:           d.ID,
			TotalMemory:  d.TotalMemory,
			UsedMemory:   d.UsedMemory,
			CurrentModel: d.CurrentModel,
			Leases:       d.Leases,
		})
	}
	return states
}
