package targets

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu      sync.Mutex
	targets map[string]*Target

	// Error injection
	listErr    error
	getErr     error
	updateErrs map[string]error
	// beforeUpdate runs once per target id before the version check, to
	// simulate a concurrent writer.
	beforeUpdate map[string]func(stored *Target)
	updateCalls  int
}

func newMockRepository(list ...*Target) *mockRepository {
	m := &mockRepository{
		targets:      make(map[string]*Target),
		updateErrs:   make(map[string]error),
		beforeUpdate: make(map[string]func(stored *Target)),
	}
	for _, t := range list {
		m.targets[t.ID] = t.Clone()
	}
	return m
}

func (m *mockRepository) Create(ctx context.Context, t *Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID] = t.Clone()
	return nil
}

func (m *mockRepository) Get(ctx context.Context, id string) (*Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	t, ok := m.targets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *mockRepository) List(ctx context.Context, filter ListFilter) ([]Target, int, error) {
	return m.filter(func(t *Target) bool {
		if filter.Status != nil && t.Status != *filter.Status {
			return false
		}
		if filter.Period != nil && t.Period != *filter.Period {
			return false
		}
		return filter.AgentID == "" || t.AgentID == filter.AgentID
	})
}

func (m *mockRepository) ListDueRecurring(ctx context.Context, kind periods.Kind, now time.Time) ([]Target, error) {
	list, _, err := m.filter(func(t *Target) bool { return t.IsDue(kind, now) })
	return list, err
}

func (m *mockRepository) ListDueOneOff(ctx context.Context, now time.Time) ([]Target, error) {
	list, _, err := m.filter(func(t *Target) bool { return t.IsExpirable(now) })
	return list, err
}

func (m *mockRepository) filter(keep func(*Target) bool) ([]Target, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var list []Target
	for _, t := range m.targets {
		if keep(t) {
			list = append(list, *t.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, len(list), nil
}

func (m *mockRepository) Update(ctx context.Context, t *Target, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if err := m.updateErrs[t.ID]; err != nil {
		return err
	}
	stored, ok := m.targets[t.ID]
	if !ok {
		return ErrNotFound
	}
	if hook := m.beforeUpdate[t.ID]; hook != nil {
		delete(m.beforeUpdate, t.ID)
		hook(stored)
		stored.Version++
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	t.Version = expectedVersion + 1
	m.targets[t.ID] = t.Clone()
	return nil
}

func (m *mockRepository) stored(id string) *Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targets[id].Clone()
}
