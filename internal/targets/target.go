package targets

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
)

// Status enumerates target lifecycle states.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusPaused    Status = "paused"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusExpired, StatusPaused:
		return true
	}
	return false
}

// SourceType identifies what kind of document produced an achievement.
type SourceType string

const (
	SourceOrder   SourceType = "order"
	SourceInvoice SourceType = "invoice"
)

var hundred = decimal.NewFromInt(100)

// Attribution links an achievement increment to the document that produced it.
type Attribution struct {
	SourceRef  string          `json:"source_ref"`
	Amount     decimal.Decimal `json:"amount"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// HistoryEntry is the frozen performance of one elapsed period.
type HistoryEntry struct {
	Period          string          `json:"period"`
	TargetAmount    decimal.Decimal `json:"target_amount"`
	AchievedAmount  decimal.Decimal `json:"achieved_amount"`
	AchievementRate decimal.Decimal `json:"achievement_rate"`
	ArchivedAt      time.Time       `json:"archived_at"`
}

// Target is a sales goal for one customer and agent pair.
type Target struct {
	ID           string `json:"id"`
	CustomerCode string `json:"customer_code"`
	CustomerName string `json:"customer_name"`
	AgentID      string `json:"agent_id"`

	TargetAmount decimal.Decimal `json:"target_amount"`
	Period       periods.Kind    `json:"period"`
	IsRecurring  bool            `json:"is_recurring"`

	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	// Deadline mirrors CurrentPeriodEnd for older readers.
	Deadline time.Time `json:"deadline"`

	AchievedAmount  decimal.Decimal `json:"achieved_amount"`
	AchievementRate decimal.Decimal `json:"achievement_rate"`

	Status       Status         `json:"status"`
	History      []HistoryEntry `json:"history"`
	Orders       []Attribution  `json:"orders"`
	Transactions []Attribution  `json:"transactions"`

	// PeriodSeq counts applied rollovers. Version is the optimistic
	// concurrency token checked by Repository.Update.
	PeriodSeq int64 `json:"period_seq"`
	Version   int64 `json:"version"`

	CreatedAt        time.Time `json:"created_at"`
	LastRecalculated time.Time `json:"last_recalculated"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Window returns the current period window.
func (t *Target) Window() periods.Window {
	return periods.Window{Start: t.CurrentPeriodStart, End: t.CurrentPeriodEnd}
}

// CurrentLabel returns the label of the period the target currently sits in.
func (t *Target) CurrentLabel() string {
	return periods.Label(t.CurrentPeriodStart, t.Period)
}

// HasHistory reports whether a snapshot for label was already archived.
func (t *Target) HasHistory(label string) bool {
	for _, h := range t.History {
		if h.Period == label {
			return true
		}
	}
	return false
}

// RecomputeAchievementRate derives AchievementRate from the amounts.
func (t *Target) RecomputeAchievementRate() {
	if !t.TargetAmount.IsPositive() {
		t.AchievementRate = decimal.Zero
		return
	}
	t.AchievementRate = t.AchievedAmount.Mul(hundred).Div(t.TargetAmount)
}

// RecordAchievement adds amount to the current period accumulator.
func (t *Target) RecordAchievement(amount decimal.Decimal, source SourceType, ref string, at time.Time) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	if t.Status != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrTargetInactive, t.ID, t.Status)
	}
	t.AchievedAmount = t.AchievedAmount.Add(amount)
	if ref != "" {
		entry := Attribution{SourceRef: ref, Amount: amount, RecordedAt: at}
		switch source {
		case SourceInvoice:
			t.Transactions = append(t.Transactions, entry)
		default:
			t.Orders = append(t.Orders, entry)
		}
	}
	t.RecomputeAchievementRate()
	t.LastRecalculated = at
	t.UpdatedAt = at
	return nil
}

// IsDue reports whether the recurring target's current period has elapsed.
func (t *Target) IsDue(kind periods.Kind, now time.Time) bool {
	return t.IsRecurring && t.Status == StatusActive && t.Period == kind && t.CurrentPeriodEnd.Before(now)
}

// IsExpirable reports whether a one-off target has run past its window.
func (t *Target) IsExpirable(now time.Time) bool {
	return !t.IsRecurring && t.Status == StatusActive && t.CurrentPeriodEnd.Before(now)
}

// RolloverOutcome describes what StartNewPeriod did.
type RolloverOutcome int

const (
	// RolloverSkipped means the next period was already archived.
	RolloverSkipped RolloverOutcome = iota
	// RolloverAdvanced means the target moved to the next period.
	RolloverAdvanced
)

// StartNewPeriod archives the current period and opens the next one. The
// snapshot is not duplicated when the current label is already in history,
// and the target is left untouched when the next label is already there.
func (t *Target) StartNewPeriod(now time.Time) (RolloverOutcome, error) {
	next, err := periods.NextWindow(t.CurrentPeriodEnd, t.Period)
	if err != nil {
		return RolloverSkipped, err
	}
	if t.HasHistory(periods.Label(next.Start, t.Period)) {
		return RolloverSkipped, nil
	}

	current := t.CurrentLabel()
	if !t.HasHistory(current) {
		t.RecomputeAchievementRate()
		t.History = append(t.History, HistoryEntry{
			Period:          current,
			TargetAmount:    t.TargetAmount,
			AchievedAmount:  t.AchievedAmount,
			AchievementRate: t.AchievementRate,
			ArchivedAt:      now,
		})
	}

	t.CurrentPeriodStart = next.Start
	t.CurrentPeriodEnd = next.End
	t.Deadline = next.End
	t.AchievedAmount = decimal.Zero
	t.AchievementRate = decimal.Zero
	t.Orders = nil
	t.Transactions = nil
	t.PeriodSeq++
	t.LastRecalculated = now
	t.UpdatedAt = now
	return RolloverAdvanced, nil
}

// Expire marks a one-off target as expired.
func (t *Target) Expire(now time.Time) {
	t.Status = StatusExpired
	t.UpdatedAt = now
}

// Clone returns a deep copy, so callers can mutate without aliasing slices.
func (t *Target) Clone() *Target {
	if t == nil {
		return nil
	}
	c := *t
	c.History = append([]HistoryEntry(nil), t.History...)
	c.Orders = append([]Attribution(nil), t.Orders...)
	c.Transactions = append([]Attribution(nil), t.Transactions...)
	return &c
}
