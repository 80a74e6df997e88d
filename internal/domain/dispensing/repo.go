package dispensing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type DeviceRepository interface {
	Create(ctx context.Context, d *Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	Update(ctx context.Context, d *Device) error
	List(ctx context.Context, limit, offset int) ([]*Device, int, error)
	// NewestOnline returns the most recently updated online device.
	NewestOnline(ctx context.Context) (*Device, error)
	CreateEvent(ctx context.Context, e *DeviceEvent) error
	ListEventsByDose(ctx context.Context, doseEventID uuid.UUID) ([]*DeviceEvent, error)
}

type MedicationRepository interface {
	Create(ctx context.Context, m *Medication) error
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	Update(ctx context.Context, m *Medication) error
	List(ctx context.Context, limit, offset int) ([]*Medication, int, error)
	CreateLot(ctx context.Context, l *LotBatch) error
	GetLot(ctx context.Context, id uuid.UUID) (*LotBatch, error)
	ListLots(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*LotBatch, int, error)
}

type BottleRepository interface {
	Create(ctx context.Context, b *Bottle) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bottle, error)
	List(ctx context.Context, status string, limit, offset int) ([]*Bottle, int, error)
	// ActiveSource returns the newest opened active bottle joined with its
	// lot and medication.
	ActiveSource(ctx context.Context) (*DispenseSource, error)
	// LockForDispense re-reads the bottle with a row lock; must run inside
	// a transaction.
	LockForDispense(ctx context.Context, id uuid.UUID) (*Bottle, error)
	DecrementVolume(ctx context.Context, id uuid.UUID, ml float64) error
	Open(ctx context.Context, id uuid.UUID, at time.Time) error
	Dispose(ctx context.Context, id uuid.UUID, at time.Time) error
}

type OrderRepository interface {
	Create(ctx context.Context, o *MedicationOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*MedicationOrder, error)
	Update(ctx context.Context, o *MedicationOrder) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicationOrder, int, error)
	// ActiveForPatient returns the active order covering the given date,
	// newest first when several overlap.
	ActiveForPatient(ctx context.Context, patientID uuid.UUID, on time.Time) (*MedicationOrder, error)
}

type DoseEventRepository interface {
	Create(ctx context.Context, e *DoseEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*DoseEvent, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*DoseEvent, int, error)
	CreateLog(ctx context.Context, l *DispensingLog) error
	ListLogs(ctx context.Context, limit, offset int) ([]*DispensingLog, int, error)
}
