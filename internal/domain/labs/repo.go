package labs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *UDSResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*UDSResult, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*UDSResult, int, error)
	// HasPositiveSince reports whether the patient has any positive result
	// collected on or after the cutoff.
	HasPositiveSince(ctx context.Context, patientID uuid.UUID, cutoff time.Time) (bool, error)
}
