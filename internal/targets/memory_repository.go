package targets

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
)

type memoryRepository struct {
	mu    sync.RWMutex
	items map[string]*Target
}

// NewMemoryRepository returns a process-local Repository with the same
// version check as the database stores. Intended for local runs and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{items: make(map[string]*Target)}
}

func (r *memoryRepository) Create(ctx context.Context, t *Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[t.ID]; ok {
		return persistenceErr("create", t.ID, ErrInvalidTarget)
	}
	r.items[t.ID] = t.Clone()
	return nil
}

func (r *memoryRepository) Get(ctx context.Context, id string) (*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (r *memoryRepository) List(ctx context.Context, filter ListFilter) ([]Target, int, error) {
	filter = filter.normalised()
	matched := r.collect(func(t *Target) bool {
		if filter.Status != nil && t.Status != *filter.Status {
			return false
		}
		if filter.Period != nil && t.Period != *filter.Period {
			return false
		}
		if filter.AgentID != "" && t.AgentID != filter.AgentID {
			return false
		}
		return filter.CustomerCode == "" || t.CustomerCode == filter.CustomerCode
	})
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareBy(filter.Sort, &matched[i], &matched[j])
		if c == 0 {
			c = strings.Compare(matched[i].ID, matched[j].ID)
		}
		if filter.Desc {
			return c > 0
		}
		return c < 0
	})
	total := len(matched)
	if filter.Offset >= total {
		return []Target{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (r *memoryRepository) ListDueRecurring(ctx context.Context, kind periods.Kind, now time.Time) ([]Target, error) {
	return r.sortedByEnd(func(t *Target) bool { return t.IsDue(kind, now) }), nil
}

func (r *memoryRepository) ListDueOneOff(ctx context.Context, now time.Time) ([]Target, error) {
	return r.sortedByEnd(func(t *Target) bool { return t.IsExpirable(now) }), nil
}

func (r *memoryRepository) Update(ctx context.Context, t *Target, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[t.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	t.Version = expectedVersion + 1
	r.items[t.ID] = t.Clone()
	return nil
}

func (r *memoryRepository) collect(keep func(*Target) bool) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.items))
	for _, t := range r.items {
		if keep(t) {
			out = append(out, *t.Clone())
		}
	}
	return out
}

func (r *memoryRepository) sortedByEnd(keep func(*Target) bool) []Target {
	out := r.collect(keep)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CurrentPeriodEnd.Equal(out[j].CurrentPeriodEnd) {
			return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func compareBy(field SortField, a, b *Target) int {
	switch field {
	case SortPeriodEnd:
		return a.CurrentPeriodEnd.Compare(b.CurrentPeriodEnd)
	case SortCustomerCode:
		return strings.Compare(a.CustomerCode, b.CustomerCode)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}
