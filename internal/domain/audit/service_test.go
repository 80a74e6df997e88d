package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caretrack/otp-server/internal/platform/middleware"
)

// failingRepo simulates the trail table being unavailable.
type failingRepo struct{}

func (f *failingRepo) Create(_ context.Context, _ *Entry) error {
	return errors.New("connection refused")
}

func (f *failingRepo) ListByEntity(_ context.Context, _ string, _ uuid.UUID, _, _ int) ([]*Entry, int, error) {
	return nil, 0, errors.New("connection refused")
}

func (f *failingRepo) ListByPatient(_ context.Context, _ uuid.UUID, _, _ int) ([]*Entry, int, error) {
	return nil, 0, errors.New("connection refused")
}

type mockRepo struct {
	entries []*Entry
}

func (m *mockRepo) Create(_ context.Context, e *Entry) error {
	e.ID = uuid.New()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockRepo) ListByEntity(_ context.Context, entity string, entityID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var result []*Entry
	for _, e := range m.entries {
		if e.Entity == entity && e.EntityID != nil && *e.EntityID == entityID {
			result = append(result, e)
		}
	}
	return result, len(result), nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var result []*Entry
	for _, e := range m.entries {
		if e.PatientID != nil && *e.PatientID == patientID {
			result = append(result, e)
		}
	}
	return result, len(result), nil
}

func TestRecord_RequiredFields(t *testing.T) {
	svc := NewService(&mockRepo{}, zerolog.Nop())

	tests := []struct {
		name  string
		entry *Entry
	}{
		{"missing actor", &Entry{Action: "create", Entity: "dose_event"}},
		{"missing action", &Entry{Actor: "u", Entity: "dose_event"}},
		{"missing entity", &Entry{Actor: "u", Action: "create"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Record(context.Background(), tt.entry); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRecord_OK(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(repo, zerolog.Nop())

	id := uuid.New()
	e := &Entry{Actor: "nurse-1", Action: "create", Entity: "dose_event", EntityID: &id}
	if err := svc.Record(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
}

func TestRecord_StorageFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(&failingRepo{}, zerolog.New(&buf))

	e := &Entry{Actor: "nurse-1", Action: "create", Entity: "dose_event"}
	if err := svc.Record(context.Background(), e); err == nil {
		t.Fatal("expected storage error")
	}
	if !strings.Contains(buf.String(), "audit write failed") {
		t.Errorf("expected failure to be logged, got %q", buf.String())
	}
}

func TestRecorder_MapsMiddlewareEntry(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(repo, zerolog.Nop())

	patientID := uuid.New()
	rec := svc.Recorder()
	err := rec.RecordAccess(middleware.AuditEntry{
		UserID:    "nurse-1",
		Action:    "read",
		Resource:  "patients",
		PatientID: patientID.String(),
		Method:    "GET",
		Path:      "/api/v1/patients/" + patientID.String(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	e := repo.entries[0]
	if e.Actor != "nurse-1" || e.Entity != "patients" {
		t.Errorf("unexpected mapping: %+v", e)
	}
	if e.PatientID == nil || *e.PatientID != patientID {
		t.Error("expected patient id to be parsed")
	}
}

func TestRecorder_AnonymousActor(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(repo, zerolog.Nop())

	if err := svc.Recorder().RecordAccess(middleware.AuditEntry{
		Action: "read", Resource: "inventory",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.entries[0].Actor != "anonymous" {
		t.Errorf("expected anonymous actor, got %s", repo.entries[0].Actor)
	}
}
