package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. A minimal clinic census record: the
// dosing and take-home flows key off ID, display name, and status.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	MRN         string     `db:"mrn" json:"mrn"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	BirthDate   *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender      *string    `db:"gender" json:"gender,omitempty"`
	PhoneMobile *string    `db:"phone_mobile" json:"phone_mobile,omitempty"`
	Email       *string    `db:"email" json:"email,omitempty"`
	Status      string     `db:"status" json:"status"`
	AdmittedAt  *time.Time `db:"admitted_at" json:"admitted_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// DisplayName returns "First Last" trimmed of padding.
func (p *Patient) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}
