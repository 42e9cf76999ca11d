package targets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
)

// DefaultMaxAttempts bounds optimistic concurrency retries per record.
const DefaultMaxAttempts = 3

// CreateTargetRequest is the administrative payload for a new target.
type CreateTargetRequest struct {
	CustomerCode string          `json:"customer_code" validate:"required,max=50"`
	CustomerName string          `json:"customer_name" validate:"required,max=200"`
	AgentID      string          `json:"agent_id" validate:"required,max=64"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	Period       string          `json:"period" validate:"required,oneof=monthly quarterly yearly"`
	IsRecurring  *bool           `json:"is_recurring,omitempty"`
}

// AchievementInput carries one increment from the order/invoice feed.
type AchievementInput struct {
	Amount     decimal.Decimal `json:"amount"`
	SourceType SourceType      `json:"source_type,omitempty" validate:"omitempty,oneof=order invoice"`
	SourceRef  string          `json:"source_ref,omitempty" validate:"max=100"`
}

// Service owns target creation and the achievement-feed mutation.
type Service struct {
	repo        Repository
	validate    *validator.Validate
	logger      *slog.Logger
	maxAttempts int
	clock       func() time.Time
}

// NewService constructs the target service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		validate:    validator.New(),
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}

// WithMaxAttempts sets the optimistic concurrency retry budget.
func (s *Service) WithMaxAttempts(n int) {
	if s != nil && n > 0 {
		s.maxAttempts = n
	}
}

// Create registers a new target whose first window contains "now".
func (s *Service) Create(ctx context.Context, req CreateTargetRequest) (*Target, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if req.TargetAmount.IsNegative() {
		return nil, fmt.Errorf("%w: target amount must not be negative", ErrInvalidTarget)
	}
	kind, err := periods.ParseKind(req.Period)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	now := s.now()
	window, err := periods.WindowFor(now, kind)
	if err != nil {
		return nil, err
	}
	recurring := true
	if req.IsRecurring != nil {
		recurring = *req.IsRecurring
	}

	t := &Target{
		ID:                 uuid.NewString(),
		CustomerCode:       req.CustomerCode,
		CustomerName:       req.CustomerName,
		AgentID:            req.AgentID,
		TargetAmount:       req.TargetAmount,
		Period:             kind,
		IsRecurring:        recurring,
		CurrentPeriodStart: window.Start,
		CurrentPeriodEnd:   window.End,
		Deadline:           window.End,
		AchievedAmount:     decimal.Zero,
		Status:             StatusActive,
		Version:            1,
		CreatedAt:          now,
		LastRecalculated:   now,
		UpdatedAt:          now,
	}
	t.RecomputeAchievementRate()
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	s.log().Info("target created",
		slog.String("target_id", t.ID),
		slog.String("customer_code", t.CustomerCode),
		slog.String("period", string(kind)),
		slog.String("window", t.Window().String()),
	)
	return t, nil
}

// Get returns a single target.
func (s *Service) Get(ctx context.Context, id string) (*Target, error) {
	return s.repo.Get(ctx, id)
}

// List returns a filtered page of targets and the total count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Target, int, error) {
	return s.repo.List(ctx, filter)
}

// RecordAchievement adds an achievement to the target's current period. A
// negative amount is rejected before the stored record is read.
func (s *Service) RecordAchievement(ctx context.Context, id string, in AchievementInput) (*Target, error) {
	if in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, in.Amount.String())
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		t, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := t.Version
		if err := t.RecordAchievement(in.Amount, in.SourceType, in.SourceRef, s.now()); err != nil {
			return nil, err
		}
		err = s.repo.Update(ctx, t, expected)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		s.log().Debug("achievement retry after version conflict", slog.String("target_id", id), slog.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger.With(slog.String("component", "targets"))
	}
	return slog.Default().With(slog.String("component", "targets"))
}

func (s *Service) now() time.Time {
	if s != nil && s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}
