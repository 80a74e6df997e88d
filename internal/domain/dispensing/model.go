package dispensing

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Device is a dispensing pump on the med line.
type Device struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Serial    string    `db:"serial" json:"serial"`
	Status    string    `db:"status" json:"status"`
	Location  *string   `db:"location" json:"location,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DeviceEvent records a pump action. Written in the same transaction as
// the dose event it belongs to.
type DeviceEvent struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	DeviceID    uuid.UUID  `db:"device_id" json:"device_id"`
	EventType   string     `db:"event_type" json:"event_type"`
	DoseEventID *uuid.UUID `db:"dose_event_id" json:"dose_event_id,omitempty"`
	Payload     *string    `db:"payload" json:"payload,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Medication is a dispensable liquid formulation.
type Medication struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	ConcentrationMG float64   `db:"concentration_mg_per_ml" json:"concentration_mg_per_ml"`
	Schedule        string    `db:"schedule" json:"schedule"`
	NDCCode         *string   `db:"ndc_code" json:"ndc_code,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// LotBatch is a manufacturer lot of a medication.
type LotBatch struct {
	ID           uuid.UUID `db:"id" json:"id"`
	MedicationID uuid.UUID `db:"medication_id" json:"medication_id"`
	LotNumber    string    `db:"lot_number" json:"lot_number"`
	Manufacturer *string   `db:"manufacturer" json:"manufacturer,omitempty"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Bottle is a physical container drawn against during dispensing.
type Bottle struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	LotID           uuid.UUID  `db:"lot_id" json:"lot_id"`
	StartVolumeML   float64    `db:"start_volume_ml" json:"start_volume_ml"`
	CurrentVolumeML float64    `db:"current_volume_ml" json:"current_volume_ml"`
	Status          string     `db:"status" json:"status"`
	OpenedAt        *time.Time `db:"opened_at" json:"opened_at,omitempty"`
	DisposedAt      *time.Time `db:"disposed_at" json:"disposed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// DispenseSource is the bottle joined with its lot and medication, the
// unit the dose executor works against.
type DispenseSource struct {
	Bottle     Bottle     `json:"bottle"`
	Lot        LotBatch   `json:"lot"`
	Medication Medication `json:"medication"`
}

// MedicationOrder is a prescriber's standing dosing order.
type MedicationOrder struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	MedicationID uuid.UUID  `db:"medication_id" json:"medication_id"`
	MaxDailyMG   float64    `db:"max_daily_mg" json:"max_daily_mg"`
	StartDate    time.Time  `db:"start_date" json:"start_date"`
	EndDate      *time.Time `db:"end_date" json:"end_date,omitempty"`
	Status       string     `db:"status" json:"status"`
	Prescriber   string     `db:"prescriber" json:"prescriber"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// DoseEvent is the immutable record of a single dispense. There is no
// update path; corrections happen as new ledger entries.
type DoseEvent struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	OrderID          uuid.UUID `db:"order_id" json:"order_id"`
	BottleID         uuid.UUID `db:"bottle_id" json:"bottle_id"`
	DeviceID         uuid.UUID `db:"device_id" json:"device_id"`
	RequestedML      float64   `db:"requested_ml" json:"requested_ml"`
	ActualML         float64   `db:"actual_ml" json:"actual_ml"`
	RequestedMG      float64   `db:"requested_mg" json:"requested_mg"`
	Outcome          string    `db:"outcome" json:"outcome"`
	WitnessSignature string    `db:"witness_signature_hash" json:"witness_signature_hash"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// DispensingLog is the human-readable register line for a dose.
type DispensingLog struct {
	ID            uuid.UUID `db:"id" json:"id"`
	DoseEventID   uuid.UUID `db:"dose_event_id" json:"dose_event_id"`
	PatientID     uuid.UUID `db:"patient_id" json:"patient_id"`
	StaffInitials string    `db:"staff_initials" json:"staff_initials"`
	ML            float64   `db:"ml" json:"ml"`
	MG            float64   `db:"mg" json:"mg"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// deriveInitials extracts staff initials from a witness signature: first
// letter of up to the first three words, uppercased.
func deriveInitials(signature string) string {
	var b strings.Builder
	for i, word := range strings.Fields(signature) {
		if i == 3 {
			break
		}
		r, _ := utf8.DecodeRuneInString(word)
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
