package inventory

import (
	"time"

	"github.com/google/uuid"
)

// InventoryTransaction is one signed movement of controlled substance, in
// mL. The ledger is append-only; corrections are new entries.
type InventoryTransaction struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	BottleID    uuid.UUID  `db:"bottle_id" json:"bottle_id"`
	DoseEventID *uuid.UUID `db:"dose_event_id" json:"dose_event_id,omitempty"`
	Kind        string     `db:"kind" json:"kind"`
	DeltaML     float64    `db:"delta_ml" json:"delta_ml"`
	Note        *string    `db:"note" json:"note,omitempty"`
	RecordedBy  string     `db:"recorded_by" json:"recorded_by"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// ShiftCount is a physical count snapshot used as the variance baseline.
type ShiftCount struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Kind      string    `db:"kind" json:"kind"`
	TotalML   float64   `db:"total_ml" json:"total_ml"`
	CountedBy string    `db:"counted_by" json:"counted_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// MedicationInventory is one row of the per-medication rollup.
type MedicationInventory struct {
	MedicationID uuid.UUID `db:"medication_id" json:"medication_id"`
	Name         string    `db:"name" json:"name"`
	TotalML      float64   `db:"total_ml" json:"total_ml"`
	BottleCount  int       `db:"bottle_count" json:"bottle_count"`
}

// Summary is the response of the inventory overview endpoint.
type Summary struct {
	Medications       []*MedicationInventory `json:"medications"`
	TotalML           float64                `json:"total_ml"`
	Form222Pending    int                    `json:"form_222_pending"`
	Form222Submitted  int                    `json:"form_222_submitted"`
	ExpiredLotBottles int                    `json:"expired_lot_bottles"`
	LastShiftCount    *ShiftCount            `json:"last_shift_count,omitempty"`
	VariancePercent   *float64               `json:"variance_percent,omitempty"`
}
