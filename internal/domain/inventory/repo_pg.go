package inventory

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

const txCols = `id, bottle_id, dose_event_id, kind, delta_ml, note, recorded_by, created_at`

func (r *repoPG) scanTx(row pgx.Row) (*InventoryTransaction, error) {
	var t InventoryTransaction
	err := row.Scan(&t.ID, &t.BottleID, &t.DoseEventID, &t.Kind, &t.DeltaML,
		&t.Note, &t.RecordedBy, &t.CreatedAt)
	return &t, err
}

func (r *repoPG) CreateTransaction(ctx context.Context, t *InventoryTransaction) error {
	t.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO inventory_transaction (id, bottle_id, dose_event_id, kind, delta_ml, note, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.BottleID, t.DoseEventID, t.Kind, t.DeltaML, t.Note, t.RecordedBy)
	return err
}

func (r *repoPG) ListTransactions(ctx context.Context, bottleID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error) {
	where := ""
	args := []interface{}{}
	if bottleID != uuid.Nil {
		where = " WHERE bottle_id = $1"
		args = append(args, bottleID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM inventory_transaction`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + txCols + ` FROM inventory_transaction` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*InventoryTransaction
	for rows.Next() {
		t, err := r.scanTx(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *repoPG) CreateShiftCount(ctx context.Context, s *ShiftCount) error {
	s.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO shift_count (id, kind, total_ml, counted_by)
		VALUES ($1,$2,$3,$4)`,
		s.ID, s.Kind, s.TotalML, s.CountedBy)
	return err
}

func (r *repoPG) LatestShiftCount(ctx context.Context) (*ShiftCount, error) {
	var s ShiftCount
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, kind, total_ml, counted_by, created_at
		FROM shift_count ORDER BY created_at DESC LIMIT 1`).
		Scan(&s.ID, &s.Kind, &s.TotalML, &s.CountedBy, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) MedicationTotals(ctx context.Context) ([]*MedicationInventory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT m.id, m.name,
		       COALESCE(SUM(b.current_volume_ml) FILTER (WHERE b.status = 'active'), 0),
		       COUNT(b.id) FILTER (WHERE b.status = 'active')
		FROM medication m
		LEFT JOIN lot_batch l ON l.medication_id = m.id
		LEFT JOIN bottle b ON b.lot_id = l.id
		GROUP BY m.id, m.name
		ORDER BY m.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*MedicationInventory
	for rows.Next() {
		var mi MedicationInventory
		if err := rows.Scan(&mi.MedicationID, &mi.Name, &mi.TotalML, &mi.BottleCount); err != nil {
			return nil, err
		}
		items = append(items, &mi)
	}
	return items, rows.Err()
}

func (r *repoPG) ExpiredLotBottleCount(ctx context.Context, asOf time.Time) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM bottle b
		JOIN lot_batch l ON b.lot_id = l.id
		WHERE b.status = 'active' AND l.expires_at < $1`, asOf).Scan(&count)
	return count, err
}

func (r *repoPG) Form222StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT status, COUNT(*) FROM dea_form_222 GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
