package dispensing

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

// =========== Device Repository ===========

type deviceRepoPG struct{ pool *pgxpool.Pool }

func NewDeviceRepoPG(pool *pgxpool.Pool) DeviceRepository {
	return &deviceRepoPG{pool: pool}
}

func (r *deviceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const deviceCols = `id, name, serial, status, location, created_at, updated_at`

func (r *deviceRepoPG) scan(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Name, &d.Serial, &d.Status, &d.Location, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *deviceRepoPG) Create(ctx context.Context, d *Device) error {
	d.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO device (id, name, serial, status, location)
		VALUES ($1,$2,$3,$4,$5)`,
		d.ID, d.Name, d.Serial, d.Status, d.Location)
	return err
}

func (r *deviceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+deviceCols+` FROM device WHERE id = $1`, id))
}

func (r *deviceRepoPG) Update(ctx context.Context, d *Device) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE device SET name=$2, serial=$3, status=$4, location=$5, updated_at=NOW()
		WHERE id = $1`,
		d.ID, d.Name, d.Serial, d.Status, d.Location)
	return err
}

func (r *deviceRepoPG) List(ctx context.Context, limit, offset int) ([]*Device, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM device`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+deviceCols+` FROM device ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Device
	for rows.Next() {
		d, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

func (r *deviceRepoPG) NewestOnline(ctx context.Context) (*Device, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+deviceCols+` FROM device WHERE status = 'online' ORDER BY updated_at DESC LIMIT 1`))
}

func (r *deviceRepoPG) CreateEvent(ctx context.Context, e *DeviceEvent) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO device_event (id, device_id, event_type, dose_event_id, payload)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.DeviceID, e.EventType, e.DoseEventID, e.Payload)
	return err
}

func (r *deviceRepoPG) ListEventsByDose(ctx context.Context, doseEventID uuid.UUID) ([]*DeviceEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, device_id, event_type, dose_event_id, payload, created_at
		FROM device_event WHERE dose_event_id = $1 ORDER BY created_at`, doseEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DeviceEvent
	for rows.Next() {
		var e DeviceEvent
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.EventType, &e.DoseEventID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

// =========== Medication Repository ===========

type medicationRepoPG struct{ pool *pgxpool.Pool }

func NewMedicationRepoPG(pool *pgxpool.Pool) MedicationRepository {
	return &medicationRepoPG{pool: pool}
}

func (r *medicationRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const medCols = `id, name, concentration_mg_per_ml, schedule, ndc_code, created_at, updated_at`

func (r *medicationRepoPG) scan(row pgx.Row) (*Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.Name, &m.ConcentrationMG, &m.Schedule, &m.NDCCode,
		&m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (r *medicationRepoPG) Create(ctx context.Context, m *Medication) error {
	m.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication (id, name, concentration_mg_per_ml, schedule, ndc_code)
		VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.Name, m.ConcentrationMG, m.Schedule, m.NDCCode)
	return err
}

func (r *medicationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+medCols+` FROM medication WHERE id = $1`, id))
}

func (r *medicationRepoPG) Update(ctx context.Context, m *Medication) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication SET name=$2, concentration_mg_per_ml=$3, schedule=$4, ndc_code=$5,
			updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.Name, m.ConcentrationMG, m.Schedule, m.NDCCode)
	return err
}

func (r *medicationRepoPG) List(ctx context.Context, limit, offset int) ([]*Medication, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+medCols+` FROM medication ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Medication
	for rows.Next() {
		m, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

const lotCols = `id, medication_id, lot_number, manufacturer, expires_at, created_at`

func (r *medicationRepoPG) CreateLot(ctx context.Context, l *LotBatch) error {
	l.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lot_batch (id, medication_id, lot_number, manufacturer, expires_at)
		VALUES ($1,$2,$3,$4,$5)`,
		l.ID, l.MedicationID, l.LotNumber, l.Manufacturer, l.ExpiresAt)
	return err
}

func (r *medicationRepoPG) GetLot(ctx context.Context, id uuid.UUID) (*LotBatch, error) {
	var l LotBatch
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+lotCols+` FROM lot_batch WHERE id = $1`, id).
		Scan(&l.ID, &l.MedicationID, &l.LotNumber, &l.Manufacturer, &l.ExpiresAt, &l.CreatedAt)
	return &l, err
}

func (r *medicationRepoPG) ListLots(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*LotBatch, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM lot_batch WHERE medication_id = $1`, medicationID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lotCols+` FROM lot_batch WHERE medication_id = $1
		 ORDER BY expires_at LIMIT $2 OFFSET $3`, medicationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*LotBatch
	for rows.Next() {
		var l LotBatch
		if err := rows.Scan(&l.ID, &l.MedicationID, &l.LotNumber, &l.Manufacturer, &l.ExpiresAt, &l.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &l)
	}
	return items, total, rows.Err()
}

// =========== Bottle Repository ===========

type bottleRepoPG struct{ pool *pgxpool.Pool }

func NewBottleRepoPG(pool *pgxpool.Pool) BottleRepository {
	return &bottleRepoPG{pool: pool}
}

func (r *bottleRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const bottleCols = `id, lot_id, start_volume_ml, current_volume_ml, status, opened_at,
	disposed_at, created_at, updated_at`

func (r *bottleRepoPG) scan(row pgx.Row) (*Bottle, error) {
	var b Bottle
	err := row.Scan(&b.ID, &b.LotID, &b.StartVolumeML, &b.CurrentVolumeML, &b.Status,
		&b.OpenedAt, &b.DisposedAt, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *bottleRepoPG) Create(ctx context.Context, b *Bottle) error {
	b.ID = uuid.New()
	if b.CurrentVolumeML == 0 {
		b.CurrentVolumeML = b.StartVolumeML
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bottle (id, lot_id, start_volume_ml, current_volume_ml, status, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		b.ID, b.LotID, b.StartVolumeML, b.CurrentVolumeML, b.Status, b.OpenedAt)
	return err
}

func (r *bottleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bottle, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+bottleCols+` FROM bottle WHERE id = $1`, id))
}

func (r *bottleRepoPG) List(ctx context.Context, status string, limit, offset int) ([]*Bottle, int, error) {
	where := `1=1`
	args := []interface{}{}
	if status != "" {
		where = `status = $1`
		args = append(args, status)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM bottle WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	limitClause := fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+bottleCols+` FROM bottle WHERE `+where+limitClause,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Bottle
	for rows.Next() {
		b, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *bottleRepoPG) ActiveSource(ctx context.Context) (*DispenseSource, error) {
	var s DispenseSource
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT b.id, b.lot_id, b.start_volume_ml, b.current_volume_ml, b.status,
			b.opened_at, b.disposed_at, b.created_at, b.updated_at,
			l.id, l.medication_id, l.lot_number, l.manufacturer, l.expires_at, l.created_at,
			m.id, m.name, m.concentration_mg_per_ml, m.schedule, m.ndc_code, m.created_at, m.updated_at
		FROM bottle b
		JOIN lot_batch l ON l.id = b.lot_id
		JOIN medication m ON m.id = l.medication_id
		WHERE b.status = 'active' AND b.opened_at IS NOT NULL
		ORDER BY b.opened_at DESC
		LIMIT 1`).Scan(
		&s.Bottle.ID, &s.Bottle.LotID, &s.Bottle.StartVolumeML, &s.Bottle.CurrentVolumeML,
		&s.Bottle.Status, &s.Bottle.OpenedAt, &s.Bottle.DisposedAt, &s.Bottle.CreatedAt, &s.Bottle.UpdatedAt,
		&s.Lot.ID, &s.Lot.MedicationID, &s.Lot.LotNumber, &s.Lot.Manufacturer, &s.Lot.ExpiresAt, &s.Lot.CreatedAt,
		&s.Medication.ID, &s.Medication.Name, &s.Medication.ConcentrationMG, &s.Medication.Schedule,
		&s.Medication.NDCCode, &s.Medication.CreatedAt, &s.Medication.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *bottleRepoPG) LockForDispense(ctx context.Context, id uuid.UUID) (*Bottle, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+bottleCols+` FROM bottle WHERE id = $1 FOR UPDATE`, id))
}

func (r *bottleRepoPG) DecrementVolume(ctx context.Context, id uuid.UUID, ml float64) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE bottle SET current_volume_ml = current_volume_ml - $2, updated_at=NOW()
		WHERE id = $1`, id, ml)
	return err
}

func (r *bottleRepoPG) Open(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE bottle SET opened_at = $2, updated_at=NOW() WHERE id = $1`, id, at)
	return err
}

func (r *bottleRepoPG) Dispose(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE bottle SET status = 'disposed', disposed_at = $2, updated_at=NOW()
		WHERE id = $1`, id, at)
	return err
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderCols = `id, patient_id, medication_id, max_daily_mg, start_date, end_date,
	status, prescriber, created_at, updated_at`

func (r *orderRepoPG) scan(row pgx.Row) (*MedicationOrder, error) {
	var o MedicationOrder
	err := row.Scan(&o.ID, &o.PatientID, &o.MedicationID, &o.MaxDailyMG, &o.StartDate,
		&o.EndDate, &o.Status, &o.Prescriber, &o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (r *orderRepoPG) Create(ctx context.Context, o *MedicationOrder) error {
	o.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication_order (id, patient_id, medication_id, max_daily_mg,
			start_date, end_date, status, prescriber)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.PatientID, o.MedicationID, o.MaxDailyMG,
		o.StartDate, o.EndDate, o.Status, o.Prescriber)
	return err
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MedicationOrder, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM medication_order WHERE id = $1`, id))
}

func (r *orderRepoPG) Update(ctx context.Context, o *MedicationOrder) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication_order SET max_daily_mg=$2, start_date=$3, end_date=$4,
			status=$5, prescriber=$6, updated_at=NOW()
		WHERE id = $1`,
		o.ID, o.MaxDailyMG, o.StartDate, o.EndDate, o.Status, o.Prescriber)
	return err
}

func (r *orderRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicationOrder, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM medication_order WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+orderCols+` FROM medication_order WHERE patient_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*MedicationOrder
	for rows.Next() {
		o, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *orderRepoPG) ActiveForPatient(ctx context.Context, patientID uuid.UUID, on time.Time) (*MedicationOrder, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `
		SELECT `+orderCols+` FROM medication_order
		WHERE patient_id = $1 AND status = 'active'
			AND start_date <= $2 AND (end_date IS NULL OR end_date >= $2)
		ORDER BY created_at DESC
		LIMIT 1`, patientID, on))
}

// =========== DoseEvent Repository ===========

type doseEventRepoPG struct{ pool *pgxpool.Pool }

func NewDoseEventRepoPG(pool *pgxpool.Pool) DoseEventRepository {
	return &doseEventRepoPG{pool: pool}
}

func (r *doseEventRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const doseCols = `id, patient_id, order_id, bottle_id, device_id, requested_ml, actual_ml,
	requested_mg, outcome, witness_signature_hash, created_at`

func (r *doseEventRepoPG) scan(row pgx.Row) (*DoseEvent, error) {
	var e DoseEvent
	err := row.Scan(&e.ID, &e.PatientID, &e.OrderID, &e.BottleID, &e.DeviceID,
		&e.RequestedML, &e.ActualML, &e.RequestedMG, &e.Outcome, &e.WitnessSignature, &e.CreatedAt)
	return &e, err
}

func (r *doseEventRepoPG) Create(ctx context.Context, e *DoseEvent) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dose_event (id, patient_id, order_id, bottle_id, device_id,
			requested_ml, actual_ml, requested_mg, outcome, witness_signature_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.PatientID, e.OrderID, e.BottleID, e.DeviceID,
		e.RequestedML, e.ActualML, e.RequestedMG, e.Outcome, e.WitnessSignature)
	return err
}

func (r *doseEventRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DoseEvent, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+doseCols+` FROM dose_event WHERE id = $1`, id))
}

func (r *doseEventRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*DoseEvent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM dose_event WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+doseCols+` FROM dose_event WHERE patient_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DoseEvent
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *doseEventRepoPG) CreateLog(ctx context.Context, l *DispensingLog) error {
	l.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dispensing_log (id, dose_event_id, patient_id, staff_initials, ml, mg)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		l.ID, l.DoseEventID, l.PatientID, l.StaffInitials, l.ML, l.MG)
	return err
}

func (r *doseEventRepoPG) ListLogs(ctx context.Context, limit, offset int) ([]*DispensingLog, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM dispensing_log`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, dose_event_id, patient_id, staff_initials, ml, mg, created_at
		FROM dispensing_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DispensingLog
	for rows.Next() {
		var l DispensingLog
		if err := rows.Scan(&l.ID, &l.DoseEventID, &l.PatientID, &l.StaffInitials, &l.ML, &l.MG, &l.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &l)
	}
	return items, total, rows.Err()
}
