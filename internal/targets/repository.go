package targets

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
)

// Repository persists targets. Update must apply only when the stored
// version equals expectedVersion and must bump the version on success.
type Repository interface {
	Create(ctx context.Context, t *Target) error
	Get(ctx context.Context, id string) (*Target, error)
	List(ctx context.Context, filter ListFilter) ([]Target, int, error)
	ListDueRecurring(ctx context.Context, kind periods.Kind, now time.Time) ([]Target, error)
	ListDueOneOff(ctx context.Context, now time.Time) ([]Target, error)
	Update(ctx context.Context, t *Target, expectedVersion int64) error
}

// SortField is one of the columns a target listing may be ordered by.
type SortField string

const (
	SortCreatedAt    SortField = "created_at"
	SortPeriodEnd    SortField = "current_period_end"
	SortCustomerCode SortField = "customer_code"
)

// ParseSortField accepts only the enumerated sort fields. Empty input
// selects SortCreatedAt.
func ParseSortField(raw string) (SortField, error) {
	switch SortField(raw) {
	case "":
		return SortCreatedAt, nil
	case SortCreatedAt, SortPeriodEnd, SortCustomerCode:
		return SortField(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSort, raw)
}

// ListFilter narrows a target listing.
type ListFilter struct {
	Status       *Status
	Period       *periods.Kind
	AgentID      string
	CustomerCode string
	Sort         SortField
	Desc         bool
	Limit        int
	Offset       int
}

func (f ListFilter) normalised() ListFilter {
	if f.Sort == "" {
		f.Sort = SortCreatedAt
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
