package form222

import (
	"context"
	"fmt"
	"time"

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('form222_number_seq')`).Scan(&seq)
	return seq, err
}

const formCols = `id, number, registrant, supplier, signed_by, execution_date, expires_at,
	status, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*DeaForm222, error) {
	var f DeaForm222
	err := row.Scan(&f.ID, &f.Number, &f.Registrant, &f.Supplier, &f.SignedBy,
		&f.ExecutionDate, &f.ExpiresAt, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	return &f, err
}

func (r *repoPG) CreateForm(ctx context.Context, f *DeaForm222) error {
	f.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dea_form_222 (id, number, registrant, supplier, signed_by,
			execution_date, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		f.ID, f.Number, f.Registrant, f.Supplier, f.SignedBy,
		f.ExecutionDate, f.ExpiresAt, f.Status)
	return err
}

func (r *repoPG) CreateLine(ctx context.Context, l *DeaForm222Line) error {
	l.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dea_form_222_line (id, form_id, line_number, medication_id, strength, form, quantity)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		l.ID, l.FormID, l.LineNumber, l.MedicationID, l.Strength, l.Form, l.Quantity)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*DeaForm222, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+formCols+` FROM dea_form_222 WHERE id = $1`, id))
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE dea_form_222 SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, status string, expiringBefore *time.Time, limit, offset int) ([]*DeaForm222, int, error) {
	where := ""
	args := []interface{}{}
	add := func(clause string) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	if status != "" {
		args = append(args, status)
		add(fmt.Sprintf("status = $%d", len(args)))
	}
	if expiringBefore != nil {
		args = append(args, *expiringBefore)
		add(fmt.Sprintf("expires_at <= $%d AND status NOT IN ('received', 'void')", len(args)))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM dea_form_222`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + formCols + ` FROM dea_form_222` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*DeaForm222
	for rows.Next() {
		f, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, f)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListLines(ctx context.Context, formID uuid.UUID) ([]*DeaForm222Line, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, form_id, line_number, medication_id, strength, form, quantity
		FROM dea_form_222_line WHERE form_id = $1 ORDER BY line_number`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*DeaForm222Line
	for rows.Next() {
		var l DeaForm222Line
		if err := rows.Scan(&l.ID, &l.FormID, &l.LineNumber, &l.MedicationID,
			&l.Strength, &l.Form, &l.Quantity); err != nil {
			return nil, err
		}
		items = append(items, &l)
	}
	return items, rows.Err()
}

func (r *repoPG) IsActivePOA(ctx context.Context, signer string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM power_of_attorney WHERE holder = $1 AND status = 'active'
		)`, signer).Scan(&exists)
	return exists, err
}
