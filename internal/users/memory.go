package users

import (
	"context"
	"sync"

	"github.com/helixgate/gateway/internal/auth"
)

// Memory is an in-process UserLookup backed by two maps, for tests and
// single-instance deployments without Postgres configured.
type Memory struct {
	mu      sync.RWMutex
	byID    map[string]*auth.Principal
	byEmail map[string]string // email -> id
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[string]*auth.Principal),
		byEmail: make(map[string]string),
	}
}

// Put inserts or replaces a principal, indexed by both ID and Email.
func (m *Memory) Put(p *auth.Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.byID[p.ID] = &cp
	m.byEmail[p.Email] = p.ID
}

func (m *Memory) ByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ByID(ctx context.Context, id string) (*auth.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}
