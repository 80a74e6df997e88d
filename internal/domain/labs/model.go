package labs

import (
	"time"

	"github.com/google/uuid"
)

// UDSResult maps to the uds_result table. Urine drug screen outcomes feed
// the take-home eligibility check.
type UDSResult struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	Result      string    `db:"result" json:"result"`
	Substances  *string   `db:"substances" json:"substances,omitempty"`
	CollectedAt time.Time `db:"collected_at" json:"collected_at"`
	RecordedBy  string    `db:"recorded_by" json:"recorded_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
