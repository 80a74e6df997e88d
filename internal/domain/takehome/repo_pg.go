package takehome

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caretrack/otp-server/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

const orderCols = `id, patient_id, days, start_date, end_date, prescriber, risk_level,
	max_takehome, status, reviewed_by, reviewed_at, created_at, updated_at`

func (r *orderRepoPG) scan(row pgx.Row) (*TakehomeOrder, error) {
	var o TakehomeOrder
	err := row.Scan(&o.ID, &o.PatientID, &o.Days, &o.StartDate, &o.EndDate, &o.Prescriber,
		&o.RiskLevel, &o.MaxTakehome, &o.Status, &o.ReviewedBy, &o.ReviewedAt,
		&o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (r *orderRepoPG) Create(ctx context.Context, o *TakehomeOrder) error {
	o.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO takehome_order (id, patient_id, days, start_date, end_date, prescriber,
			risk_level, max_takehome, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.PatientID, o.Days, o.StartDate, o.EndDate, o.Prescriber,
		o.RiskLevel, o.MaxTakehome, o.Status)
	return err
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TakehomeOrder, error) {
	return r.scan(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderCols+` FROM takehome_order WHERE id = $1`, id))
}

func (r *orderRepoPG) Update(ctx context.Context, o *TakehomeOrder) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE takehome_order
		SET status = $2, reviewed_by = $3, reviewed_at = $4, updated_at = now()
		WHERE id = $1`,
		o.ID, o.Status, o.ReviewedBy, o.ReviewedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *orderRepoPG) List(ctx context.Context, status string, limit, offset int) ([]*TakehomeOrder, int, error) {
	where := ""
	args := []interface{}{}
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, status)
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM takehome_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + orderCols + ` FROM takehome_order` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*TakehomeOrder
	for rows.Next() {
		o, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

type holdRepoPG struct{ pool *pgxpool.Pool }

func NewHoldRepoPG(pool *pgxpool.Pool) HoldRepository {
	return &holdRepoPG{pool: pool}
}

const holdCols = `id, patient_id, reason, status, opened_by, closed_at, created_at`

func (r *holdRepoPG) scan(row pgx.Row) (*ComplianceHold, error) {
	var h ComplianceHold
	err := row.Scan(&h.ID, &h.PatientID, &h.Reason, &h.Status, &h.OpenedBy,
		&h.ClosedAt, &h.CreatedAt)
	return &h, err
}

func (r *holdRepoPG) Create(ctx context.Context, h *ComplianceHold) error {
	h.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO compliance_hold (id, patient_id, reason, status, opened_by)
		VALUES ($1,$2,$3,$4,$5)`,
		h.ID, h.PatientID, h.Reason, h.Status, h.OpenedBy)
	return err
}

func (r *holdRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ComplianceHold, error) {
	return r.scan(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+holdCols+` FROM compliance_hold WHERE id = $1`, id))
}

func (r *holdRepoPG) Close(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE compliance_hold SET status = 'closed', closed_at = now()
		WHERE id = $1 AND status = 'open'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *holdRepoPG) List(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*ComplianceHold, int, error) {
	where := ""
	args := []interface{}{}
	if patientID != uuid.Nil {
		args = append(args, patientID)
		where = fmt.Sprintf(" WHERE patient_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		clause := fmt.Sprintf("status = $%d", len(args))
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM compliance_hold`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + holdCols + ` FROM compliance_hold` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*ComplianceHold
	for rows.Next() {
		h, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, h)
	}
	return items, total, rows.Err()
}

func (r *holdRepoPG) HasOpenHold(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var exists bool
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM compliance_hold WHERE patient_id = $1 AND status = 'open'
		)`, patientID).Scan(&exists)
	return exists, err
}

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository {
	return &ruleRepoPG{pool: pool}
}

func (r *ruleRepoPG) ForTier(ctx context.Context, tier string) ([]*RiskRule, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, tier, name, value FROM risk_rules
		WHERE tier = $1 OR tier = 'all'`, tier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*RiskRule
	for rows.Next() {
		var rr RiskRule
		if err := rows.Scan(&rr.ID, &rr.Tier, &rr.Name, &rr.Value); err != nil {
			return nil, err
		}
		items = append(items, &rr)
	}
	return items, rows.Err()
}
