package form222

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Form expiry per 21 CFR 1305: 60 days from execution, flagged as
// expiring when within 14 days of that.
const (
	ValidityDays     = 60
	ExpiringSoonDays = 14
	numberPrefix     = "F222"
)

// DeaForm222 is a numbered controlled-substance acquisition form.
type DeaForm222 struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Number        string    `db:"number" json:"number"`
	Registrant    string    `db:"registrant" json:"registrant"`
	Supplier      string    `db:"supplier" json:"supplier"`
	SignedBy      string    `db:"signed_by" json:"signed_by"`
	ExecutionDate time.Time `db:"execution_date" json:"execution_date"`
	ExpiresAt     time.Time `db:"expires_at" json:"expires_at"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// DeaForm222Line is one numbered line item on a form.
type DeaForm222Line struct {
	ID           uuid.UUID `db:"id" json:"id"`
	FormID       uuid.UUID `db:"form_id" json:"form_id"`
	LineNumber   int       `db:"line_number" json:"line_number"`
	MedicationID uuid.UUID `db:"medication_id" json:"medication_id"`
	Strength     string    `db:"strength" json:"strength"`
	Form         string    `db:"form" json:"form"`
	Quantity     int       `db:"quantity" json:"quantity"`
}

// lineKey identifies a line for duplicate detection; a form may carry at
// most one line per (medication, strength, form).
func (l *DeaForm222Line) lineKey() string {
	return strings.ToLower(fmt.Sprintf("%s|%s|%s", l.MedicationID, l.Strength, l.Form))
}

// FormNumber renders the sequence-backed number, e.g. F222-2026-007.
func FormNumber(year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%03d", numberPrefix, year, seq)
}
