package store

import (
	"context"
	"sync"
)

// Memory is an in-process Journal. Used when no database is configured.
type Memory struct {
	mu       sync.RWMutex
	outcomes []*Outcome
}

// NewMemory creates an empty journal.
func NewMemory() *Memory {
	return &Memory{}
}

var _ Journal = (*Memory)(nil)

func (m *Memory) Record(_ context.Context, o *Outcome) error {
	cp := *o
	m.mu.Lock()
	m.outcomes = append(m.outcomes, &cp)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ByBundle(_ context.Context, bundleID string) ([]*Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Outcome
	for _, o := range m.outcomes {
		if o.BundleID == bundleID {
			cp := *o
			out = append(out, &cp)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := min(limit, len(m.outcomes))
	out := make([]*Outcome, 0, n)
	for i := len(m.outcomes) - 1; i >= 0 && len(out) < n; i-- {
		cp := *m.outcomes[i]
		out = append(out, &cp)
	}
	return out, nil
}
