package targets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/db"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

const targetColumns = `id::text, customer_code, customer_name, agent_id,
	target_amount::text, period, is_recurring,
	current_period_start, current_period_end, deadline,
	achieved_amount::text, achievement_rate::text, status,
	history, orders, transactions, period_seq, version,
	created_at, last_recalculated, updated_at`

type pgRepository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewPostgresRepository returns a Repository backed by the sales_targets table.
func NewPostgresRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool, db: pool}
}

func (r *pgRepository) Create(ctx context.Context, t *Target) error {
	history, orders, txs, err := marshalCollections(t)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO sales_targets (
	id, customer_code, customer_name, agent_id, target_amount, period, is_recurring,
	current_period_start, current_period_end, deadline, achieved_amount, achievement_rate,
	status, history, orders, transactions, period_seq, version, created_at, last_recalculated, updated_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11::numeric, $12::numeric, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.ID, t.CustomerCode, t.CustomerName, t.AgentID, t.TargetAmount.String(), string(t.Period), t.IsRecurring,
		t.CurrentPeriodStart, t.CurrentPeriodEnd, t.Deadline, t.AchievedAmount.String(), t.AchievementRate.String(),
		string(t.Status), history, orders, txs, t.PeriodSeq, t.Version, t.CreatedAt, t.LastRecalculated, t.UpdatedAt)
	return persistenceErr("create", t.ID, err)
}

func (r *pgRepository) Get(ctx context.Context, id string) (*Target, error) {
	row := r.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM sales_targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, persistenceErr("get", id, err)
	}
	return t, nil
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter) ([]Target, int, error) {
	filter = filter.normalised()
	var conditions []string
	var args []interface{}
	argPos := 1

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, string(*filter.Status))
		argPos++
	}
	if filter.Period != nil {
		conditions = append(conditions, fmt.Sprintf("period = $%d", argPos))
		args = append(args, string(*filter.Period))
		argPos++
	}
	if filter.AgentID != "" {
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", argPos))
		args = append(args, filter.AgentID)
		argPos++
	}
	if filter.CustomerCode != "" {
		conditions = append(conditions, fmt.Sprintf("customer_code = $%d", argPos))
		args = append(args, filter.CustomerCode)
		argPos++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Sort is restricted to the enumerated SortField values by ParseSortField.
	direction := "ASC"
	if filter.Desc {
		direction = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM sales_targets %s ORDER BY %s %s, id LIMIT $%d OFFSET $%d`,
		targetColumns, whereClause, sortColumn(filter.Sort), direction, argPos, argPos+1)
	pageArgs := append(append([]interface{}{}, args...), filter.Limit, filter.Offset)

	var (
		total int
		list  []Target
	)
	err := db.ReadSnapshot(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM sales_targets "+whereClause, args...).Scan(&total); err != nil {
			return persistenceErr("count", "", err)
		}
		var err error
		list, err = queryTargets(ctx, tx, "list", query, pageArgs...)
		return err
	})
	if err != nil {
		return nil, 0, persistenceErr("list", "", err)
	}
	return list, total, nil
}

func (r *pgRepository) ListDueRecurring(ctx context.Context, kind periods.Kind, now time.Time) ([]Target, error) {
	return r.query(ctx, "list due recurring", `SELECT `+targetColumns+` FROM sales_targets
WHERE is_recurring = TRUE AND status = $1 AND period = $2 AND current_period_end < $3
ORDER BY current_period_end, id`, string(StatusActive), string(kind), now)
}

func (r *pgRepository) ListDueOneOff(ctx context.Context, now time.Time) ([]Target, error) {
	return r.query(ctx, "list due one-off", `SELECT `+targetColumns+` FROM sales_targets
WHERE is_recurring = FALSE AND status = $1 AND current_period_end < $2
ORDER BY current_period_end, id`, string(StatusActive), now)
}

func (r *pgRepository) Update(ctx context.Context, t *Target, expectedVersion int64) error {
	history, orders, txs, err := marshalCollections(t)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE sales_targets SET
	customer_code = $3, customer_name = $4, agent_id = $5, target_amount = $6::numeric,
	period = $7, is_recurring = $8, current_period_start = $9, current_period_end = $10,
	deadline = $11, achieved_amount = $12::numeric, achievement_rate = $13::numeric, status = $14,
	history = $15, orders = $16, transactions = $17, period_seq = $18,
	last_recalculated = $19, updated_at = $20, version = version + 1
WHERE id = $1 AND version = $2`,
		t.ID, expectedVersion, t.CustomerCode, t.CustomerName, t.AgentID, t.TargetAmount.String(),
		string(t.Period), t.IsRecurring, t.CurrentPeriodStart, t.CurrentPeriodEnd,
		t.Deadline, t.AchievedAmount.String(), t.AchievementRate.String(), string(t.Status),
		history, orders, txs, t.PeriodSeq, t.LastRecalculated, t.UpdatedAt)
	if err != nil {
		return persistenceErr("update", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sales_targets WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return persistenceErr("update", t.ID, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	t.Version = expectedVersion + 1
	return nil
}

func (r *pgRepository) query(ctx context.Context, op, sql string, args ...interface{}) ([]Target, error) {
	return queryTargets(ctx, r.db, op, sql, args...)
}

func queryTargets(ctx context.Context, q dbtx, op, sql string, args ...interface{}) ([]Target, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistenceErr(op, "", err)
	}
	defer rows.Close()

	var list []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, persistenceErr(op, "", err)
		}
		list = append(list, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr(op, "", err)
	}
	return list, nil
}

func sortColumn(field SortField) string {
	switch field {
	case SortPeriodEnd:
		return "current_period_end"
	case SortCustomerCode:
		return "customer_code"
	default:
		return "created_at"
	}
}

func scanTarget(row pgx.Row) (*Target, error) {
	var (
		t                             Target
		targetAmount, achieved, rate  string
		period, status                string
		historyRaw, ordersRaw, txsRaw []byte
	)
	err := row.Scan(
		&t.ID, &t.CustomerCode, &t.CustomerName, &t.AgentID,
		&targetAmount, &period, &t.IsRecurring,
		&t.CurrentPeriodStart, &t.CurrentPeriodEnd, &t.Deadline,
		&achieved, &rate, &status,
		&historyRaw, &ordersRaw, &txsRaw, &t.PeriodSeq, &t.Version,
		&t.CreatedAt, &t.LastRecalculated, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Period = periods.Kind(period)
	t.Status = Status(status)
	if t.TargetAmount, err = decimal.NewFromString(targetAmount); err != nil {
		return nil, fmt.Errorf("target_amount: %w", err)
	}
	if t.AchievedAmount, err = decimal.NewFromString(achieved); err != nil {
		return nil, fmt.Errorf("achieved_amount: %w", err)
	}
	if t.AchievementRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("achievement_rate: %w", err)
	}
	if err := unmarshalJSONB(historyRaw, &t.History); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if err := unmarshalJSONB(ordersRaw, &t.Orders); err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}
	if err := unmarshalJSONB(txsRaw, &t.Transactions); err != nil {
		return nil, fmt.Errorf("transactions: %w", err)
	}
	t.CurrentPeriodStart = t.CurrentPeriodStart.UTC()
	t.CurrentPeriodEnd = t.CurrentPeriodEnd.UTC()
	t.Deadline = t.Deadline.UTC()
	return &t, nil
}

func unmarshalJSONB(raw []byte, dest interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func marshalCollections(t *Target) (history, orders, txs []byte, err error) {
	if history, err = marshalList(t.History); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	if orders, err = marshalList(t.Orders); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal orders: %w", err)
	}
	if txs, err = marshalList(t.Transactions); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal transactions: %w", err)
	}
	return history, orders, txs, nil
}

func marshalList[T any](list []T) ([]byte, error) {
	if list == nil {
		list = []T{}
	}
	return json.Marshal(list)
}
