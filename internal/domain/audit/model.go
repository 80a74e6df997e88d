package audit

import (
	"time"

	"github.com/google/uuid"
)

// Entry maps to the audit_trail table. Rows are append-only; there is no
// update or delete path anywhere in the service.
type Entry struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Actor     string     `db:"actor" json:"actor"`
	Action    string     `db:"action" json:"action"`
	Entity    string     `db:"entity" json:"entity"`
	EntityID  *uuid.UUID `db:"entity_id" json:"entity_id,omitempty"`
	PatientID *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	Detail    *string    `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
