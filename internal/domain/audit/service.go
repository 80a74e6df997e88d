package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caretrack/otp-server/internal/platform/middleware"
)

type Service struct {
	entries Repository
	logger  zerolog.Logger
}

func NewService(entries Repository, logger zerolog.Logger) *Service {
	return &Service{entries: entries, logger: logger}
}

// Record appends one trail entry. A storage failure is logged and
// returned; callers treat the trail as a secondary write and carry on.
func (s *Service) Record(ctx context.Context, e *Entry) error {
	if e.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if err := s.entries.Create(ctx, e); err != nil {
		s.logger.Warn().Err(err).
			Str("entity", e.Entity).
			Str("action", e.Action).
			Msg("audit write failed")
		return err
	}
	return nil
}

func (s *Service) ListByEntity(ctx context.Context, entity string, entityID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	return s.entries.ListByEntity(ctx, entity, entityID, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	return s.entries.ListByPatient(ctx, patientID, limit, offset)
}

// Recorder adapts the service to the request-level audit middleware so
// every authenticated API access lands in the same trail.
func (s *Service) Recorder() middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		e := &Entry{
			Actor:  entry.UserID,
			Action: entry.Action,
			Entity: entry.Resource,
		}
		if e.Actor == "" {
			e.Actor = "anonymous"
		}
		if entry.PatientID != "" {
			if pid, err := uuid.Parse(entry.PatientID); err == nil {
				e.PatientID = &pid
			}
		}
		detail := entry.Method + " " + entry.Path
		e.Detail = &detail
		if err := s.entries.Create(context.Background(), e); err != nil {
			s.logger.Warn().Err(err).Str("path", entry.Path).Msg("audit write failed")
			return err
		}
		return nil
	})
}
