package labs

import (
	"context"
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

const udsCols = `id, patient_id, result, substances, collected_at, recorded_by, created_at`

func (r *repoPG) scan(row pgx.Row) (*UDSResult, error) {
	var u UDSResult
	err := row.Scan(&u.ID, &u.PatientID, &u.Result, &u.Substances, &u.CollectedAt,
		&u.RecordedBy, &u.CreatedAt)
	return &u, err
}

func (r *repoPG) Create(ctx context.Context, u *UDSResult) error {
	u.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO uds_result (id, patient_id, result, substances, collected_at, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		u.ID, u.PatientID, u.Result, u.Substances, u.CollectedAt, u.RecordedBy)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*UDSResult, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+udsCols+` FROM uds_result WHERE id = $1`, id))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*UDSResult, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM uds_result WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+udsCols+` FROM uds_result WHERE patient_id = $1
		 ORDER BY collected_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*UDSResult
	for rows.Next() {
		u, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

func (r *repoPG) HasPositiveSince(ctx context.Context, patientID uuid.UUID, cutoff time.Time) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM uds_result
			WHERE patient_id = $1 AND result = 'positive' AND collected_at >= $2
		)`, patientID, cutoff).Scan(&exists)
	return exists, err
}
