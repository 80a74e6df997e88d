package labs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	results Repository
}

func NewService(results Repository) *Service {
	return &Service{results: results}
}

var validResults = map[string]bool{
	"positive": true, "negative": true,
}

func (s *Service) Record(ctx context.Context, u *UDSResult) error {
	if u.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if !validResults[u.Result] {
		return fmt.Errorf("invalid result: %s", u.Result)
	}
	if u.CollectedAt.IsZero() {
		u.CollectedAt = time.Now().UTC()
	}
	return s.results.Create(ctx, u)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*UDSResult, error) {
	return s.results.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*UDSResult, int, error) {
	return s.results.ListByPatient(ctx, patientID, limit, offset)
}

// HasRecentPositive reports whether the patient had a positive screen
// within the given window ending now.
func (s *Service) HasRecentPositive(ctx context.Context, patientID uuid.UUID, window time.Duration) (bool, error) {
	return s.results.HasPositiveSince(ctx, patientID, time.Now().UTC().Add(-window))
}
