package dispensing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caretrack/otp-server/internal/domain/audit"
	"github.com/caretrack/otp-server/internal/platform/metrics"
)

// Sentinel errors drive the handler's status mapping.
var (
	ErrNoOnlineDevice = errors.New("no online dispensing device")
	ErrNoActiveOrder  = errors.New("no active medication order for patient")
	ErrNoActiveBottle = errors.New("no active bottle available")
	ErrPatientUnknown = errors.New("patient not found")
)

// ValidationError is a 400-class rejection of a dose request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErr(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TxRunner executes fn inside a database transaction; the transaction is
// carried on the context fn receives.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// PatientDirectory is the slice of the patient domain dose execution needs.
type PatientDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Ledger records the inventory side of a dispense. Implemented by the
// inventory service; called inside the dose transaction.
type Ledger interface {
	RecordDoseDebit(ctx context.Context, bottleID, doseEventID uuid.UUID, ml float64) error
}

// Auditor appends domain audit rows.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
}

type Service struct {
	devices  DeviceRepository
	meds     MedicationRepository
	bottles  BottleRepository
	orders   OrderRepository
	doses    DoseEventRepository
	patients PatientDirectory
	ledger   Ledger
	auditor  Auditor
	runInTx  TxRunner
	metrics  *metrics.Metrics
}

func NewService(
	devices DeviceRepository,
	meds MedicationRepository,
	bottles BottleRepository,
	orders OrderRepository,
	doses DoseEventRepository,
	patients PatientDirectory,
	ledger Ledger,
	auditor Auditor,
	runInTx TxRunner,
) *Service {
	if runInTx == nil {
		runInTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		}
	}
	return &Service{
		devices:  devices,
		meds:     meds,
		bottles:  bottles,
		orders:   orders,
		doses:    doses,
		patients: patients,
		ledger:   ledger,
		auditor:  auditor,
		runInTx:  runInTx,
	}
}

// SetMetrics attaches optional Prometheus metrics.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// DoseRequest is the input to ExecuteDose.
type DoseRequest struct {
	PatientID        uuid.UUID `json:"patient_id"`
	ML               float64   `json:"ml"`
	WitnessSignature string    `json:"witness_signature"`
}

// DoseResult is the response payload for a completed dispense.
type DoseResult struct {
	DoseEventID  uuid.UUID      `json:"dose_event_id"`
	ActualML     float64        `json:"actual_ml"`
	Outcome      string         `json:"outcome"`
	DeviceEvents []*DeviceEvent `json:"device_events"`
}

// ExecuteDose runs the full dispense flow: validate, resolve device,
// order and bottle, convert volume to mg against the order ceiling, then
// write the dose event, bottle decrement, inventory debit, register line
// and device events in one transaction. The bottle row is locked inside
// the transaction so the volume check cannot race a concurrent dispense.
func (s *Service) ExecuteDose(ctx context.Context, req *DoseRequest) (*DoseResult, error) {
	start := time.Now()

	if req.PatientID == uuid.Nil {
		return nil, s.failDose(validationErr("patient_id is required"))
	}
	if req.ML <= 0 {
		return nil, s.failDose(validationErr("ml must be positive"))
	}
	if req.WitnessSignature == "" {
		return nil, s.failDose(validationErr("witness_signature is required"))
	}

	exists, err := s.patients.Exists(ctx, req.PatientID)
	if err != nil {
		return nil, s.failDose(fmt.Errorf("looking up patient: %w", err))
	}
	if !exists {
		return nil, s.failDose(ErrPatientUnknown)
	}

	device, err := s.devices.NewestOnline(ctx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.failDose(ErrNoOnlineDevice)
		}
		return nil, s.failDose(fmt.Errorf("resolving device: %w", err))
	}

	order, err := s.orders.ActiveForPatient(ctx, req.PatientID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.failDose(ErrNoActiveOrder)
		}
		return nil, s.failDose(fmt.Errorf("resolving order: %w", err))
	}

	source, err := s.bottles.ActiveSource(ctx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.failDose(ErrNoActiveBottle)
		}
		return nil, s.failDose(fmt.Errorf("resolving bottle: %w", err))
	}

	requestedMG := req.ML * source.Medication.ConcentrationMG
	if requestedMG > order.MaxDailyMG {
		return nil, s.failDose(validationErr("requested %.1f mg exceeds order ceiling of %.1f mg",
			requestedMG, order.MaxDailyMG))
	}
	if source.Bottle.CurrentVolumeML < req.ML {
		return nil, s.failDose(validationErr("bottle has %.1f mL remaining, %.1f mL requested",
			source.Bottle.CurrentVolumeML, req.ML))
	}

	sigHash := sha256.Sum256([]byte(req.WitnessSignature))

	dose := &DoseEvent{
		PatientID:        req.PatientID,
		OrderID:          order.ID,
		BottleID:         source.Bottle.ID,
		DeviceID:         device.ID,
		RequestedML:      req.ML,
		ActualML:         req.ML,
		RequestedMG:      requestedMG,
		Outcome:          "success",
		WitnessSignature: hex.EncodeToString(sigHash[:]),
	}

	var events []*DeviceEvent
	err = s.runInTx(ctx, func(ctx context.Context) error {
		// Re-read under lock; the pre-check above only avoids pointless
		// transactions, this is the authoritative volume check.
		locked, err := s.bottles.LockForDispense(ctx, source.Bottle.ID)
		if err != nil {
			return fmt.Errorf("locking bottle: %w", err)
		}
		if locked.Status != "active" {
			return ErrNoActiveBottle
		}
		if locked.CurrentVolumeML < req.ML {
			return validationErr("bottle has %.1f mL remaining, %.1f mL requested",
				locked.CurrentVolumeML, req.ML)
		}

		if err := s.doses.Create(ctx, dose); err != nil {
			return fmt.Errorf("inserting dose event: %w", err)
		}
		if err := s.bottles.DecrementVolume(ctx, locked.ID, req.ML); err != nil {
			return fmt.Errorf("decrementing bottle: %w", err)
		}
		if err := s.ledger.RecordDoseDebit(ctx, locked.ID, dose.ID, req.ML); err != nil {
			return fmt.Errorf("recording inventory debit: %w", err)
		}
		if err := s.doses.CreateLog(ctx, &DispensingLog{
			DoseEventID:   dose.ID,
			PatientID:     req.PatientID,
			StaffInitials: deriveInitials(req.WitnessSignature),
			ML:            req.ML,
			MG:            requestedMG,
		}); err != nil {
			return fmt.Errorf("writing dispensing log: %w", err)
		}

		for _, eventType := range []string{"dispense_start", "dispense_complete"} {
			e := &DeviceEvent{
				DeviceID:    device.ID,
				EventType:   eventType,
				DoseEventID: &dose.ID,
			}
			if err := s.devices.CreateEvent(ctx, e); err != nil {
				return fmt.Errorf("recording device event: %w", err)
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, s.failDose(err)
	}

	if s.auditor != nil {
		detail := fmt.Sprintf("dispensed %.1f mL (%.1f mg)", req.ML, requestedMG)
		_ = s.auditor.Record(ctx, &audit.Entry{
			Actor:     deriveInitials(req.WitnessSignature),
			Action:    "dispense",
			Entity:    "dose_event",
			EntityID:  &dose.ID,
			PatientID: &req.PatientID,
			Detail:    &detail,
		})
	}
	if s.metrics != nil {
		s.metrics.DosesDispensed.Inc()
		s.metrics.DispenseDuration.Observe(time.Since(start).Seconds())
	}

	return &DoseResult{
		DoseEventID:  dose.ID,
		ActualML:     dose.ActualML,
		Outcome:      dose.Outcome,
		DeviceEvents: events,
	}, nil
}

func (s *Service) failDose(err error) error {
	if s.metrics != nil {
		s.metrics.DosesFailed.Inc()
	}
	return err
}

func (s *Service) GetDoseEvent(ctx context.Context, id uuid.UUID) (*DoseEvent, error) {
	return s.doses.GetByID(ctx, id)
}

func (s *Service) ListDoseEventsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*DoseEvent, int, error) {
	return s.doses.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListDispensingLogs(ctx context.Context, limit, offset int) ([]*DispensingLog, int, error) {
	return s.doses.ListLogs(ctx, limit, offset)
}

// -- Devices --

var validDeviceStatuses = map[string]bool{
	"online": true, "offline": true, "maintenance": true,
}

func (s *Service) CreateDevice(ctx context.Context, d *Device) error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Serial == "" {
		return fmt.Errorf("serial is required")
	}
	if d.Status == "" {
		d.Status = "offline"
	}
	if !validDeviceStatuses[d.Status] {
		return fmt.Errorf("invalid status: %s", d.Status)
	}
	return s.devices.Create(ctx, d)
}

func (s *Service) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	return s.devices.GetByID(ctx, id)
}

func (s *Service) UpdateDevice(ctx context.Context, d *Device) error {
	if d.Status != "" && !validDeviceStatuses[d.Status] {
		return fmt.Errorf("invalid status: %s", d.Status)
	}
	return s.devices.Update(ctx, d)
}

func (s *Service) ListDevices(ctx context.Context, limit, offset int) ([]*Device, int, error) {
	return s.devices.List(ctx, limit, offset)
}

// -- Medications and lots --

func (s *Service) CreateMedication(ctx context.Context, m *Medication) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.ConcentrationMG <= 0 {
		return fmt.Errorf("concentration_mg_per_ml must be positive")
	}
	if m.Schedule == "" {
		m.Schedule = "II"
	}
	return s.meds.Create(ctx, m)
}

func (s *Service) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return s.meds.GetByID(ctx, id)
}

func (s *Service) UpdateMedication(ctx context.Context, m *Medication) error {
	if m.ConcentrationMG <= 0 {
		return fmt.Errorf("concentration_mg_per_ml must be positive")
	}
	return s.meds.Update(ctx, m)
}

func (s *Service) ListMedications(ctx context.Context, limit, offset int) ([]*Medication, int, error) {
	return s.meds.List(ctx, limit, offset)
}

func (s *Service) CreateLot(ctx context.Context, l *LotBatch) error {
	if l.MedicationID == uuid.Nil {
		return fmt.Errorf("medication_id is required")
	}
	if l.LotNumber == "" {
		return fmt.Errorf("lot_number is required")
	}
	if l.ExpiresAt.IsZero() {
		return fmt.Errorf("expires_at is required")
	}
	return s.meds.CreateLot(ctx, l)
}

func (s *Service) GetLot(ctx context.Context, id uuid.UUID) (*LotBatch, error) {
	return s.meds.GetLot(ctx, id)
}

func (s *Service) ListLots(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*LotBatch, int, error) {
	return s.meds.ListLots(ctx, medicationID, limit, offset)
}

// -- Bottles --

var validBottleStatuses = map[string]bool{
	"active": true, "disposed": true,
}

func (s *Service) CreateBottle(ctx context.Context, b *Bottle) error {
	if b.LotID == uuid.Nil {
		return fmt.Errorf("lot_id is required")
	}
	if b.StartVolumeML <= 0 {
		return fmt.Errorf("start_volume_ml must be positive")
	}
	if b.Status == "" {
		b.Status = "active"
	}
	if !validBottleStatuses[b.Status] {
		return fmt.Errorf("invalid status: %s", b.Status)
	}
	return s.bottles.Create(ctx, b)
}

func (s *Service) GetBottle(ctx context.Context, id uuid.UUID) (*Bottle, error) {
	return s.bottles.GetByID(ctx, id)
}

func (s *Service) ListBottles(ctx context.Context, status string, limit, offset int) ([]*Bottle, int, error) {
	if status != "" && !validBottleStatuses[status] {
		return nil, 0, fmt.Errorf("invalid status: %s", status)
	}
	return s.bottles.List(ctx, status, limit, offset)
}

func (s *Service) OpenBottle(ctx context.Context, id uuid.UUID) error {
	b, err := s.bottles.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != "active" {
		return fmt.Errorf("bottle is %s", b.Status)
	}
	if b.OpenedAt != nil {
		return fmt.Errorf("bottle already opened")
	}
	return s.bottles.Open(ctx, id, time.Now().UTC())
}

// -- Orders --

var validOrderStatuses = map[string]bool{
	"active": true, "discontinued": true, "completed": true,
}

func (s *Service) CreateOrder(ctx context.Context, o *MedicationOrder) error {
	if o.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if o.MedicationID == uuid.Nil {
		return fmt.Errorf("medication_id is required")
	}
	if o.MaxDailyMG <= 0 {
		return fmt.Errorf("max_daily_mg must be positive")
	}
	if o.Prescriber == "" {
		return fmt.Errorf("prescriber is required")
	}
	if o.StartDate.IsZero() {
		o.StartDate = time.Now().UTC()
	}
	if o.Status == "" {
		o.Status = "active"
	}
	if !validOrderStatuses[o.Status] {
		return fmt.Errorf("invalid status: %s", o.Status)
	}
	return s.orders.Create(ctx, o)
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*MedicationOrder, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) UpdateOrder(ctx context.Context, o *MedicationOrder) error {
	if o.Status != "" && !validOrderStatuses[o.Status] {
		return fmt.Errorf("invalid status: %s", o.Status)
	}
	return s.orders.Update(ctx, o)
}

func (s *Service) ListOrdersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicationOrder, int, error) {
	return s.orders.ListByPatient(ctx, patientID, limit, offset)
}
