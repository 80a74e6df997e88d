package form222

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/caretrack/otp-server/internal/domain/audit"
	"github.com/caretrack/otp-server/internal/domain/dispensing"
	"github.com/caretrack/otp-server/internal/platform/metrics"
)

// ErrUnauthorizedSigner rejects issuance when the signer does not hold an
// active power of attorney.
var ErrUnauthorizedSigner = errors.New("signer does not hold an active power of attorney")

// ValidationError is a 400-class rejection of an issuance request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErr(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Auditor appends domain audit rows.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// CopyWriter produces the purchaser copy of an issued form. Failures are
// logged, never surfaced; the form is already on file.
type CopyWriter interface {
	WritePurchaserCopy(ctx context.Context, f *DeaForm222, lines []*DeaForm222Line) error
}

type Service struct {
	repo    Repository
	auditor Auditor
	copies  CopyWriter
	runInTx dispensing.TxRunner
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewService(repo Repository, auditor Auditor, copies CopyWriter, runInTx dispensing.TxRunner, logger zerolog.Logger) *Service {
	if runInTx == nil {
		runInTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		}
	}
	return &Service{repo: repo, auditor: auditor, copies: copies, runInTx: runInTx, logger: logger}
}

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// LineInput is one requested line item.
type LineInput struct {
	MedicationID uuid.UUID `json:"medication_id"`
	Strength     string    `json:"strength"`
	Form         string    `json:"form"`
	Quantity     int       `json:"quantity"`
}

// IssueRequest is the input to Issue.
type IssueRequest struct {
	Registrant    string      `json:"registrant"`
	Supplier      string      `json:"supplier"`
	SignedBy      string      `json:"signed_by"`
	ExecutionDate time.Time   `json:"execution_date"`
	Lines         []LineInput `json:"lines"`
}

// IssueResult is the response payload for an issued form.
type IssueResult struct {
	FormID     uuid.UUID `json:"form_id"`
	FormNumber string    `json:"form_number"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Issue validates signer authority and line items, allocates a
// sequence-backed form number and persists the form with its lines in one
// transaction. The number is unique; an allocation that collides is
// retried once with a fresh sequence value.
func (s *Service) Issue(ctx context.Context, req *IssueRequest) (*IssueResult, error) {
	if req.Registrant == "" {
		return nil, validationErr("registrant is required")
	}
	if req.Supplier == "" {
		return nil, validationErr("supplier is required")
	}
	if req.SignedBy == "" {
		return nil, validationErr("signed_by is required")
	}
	if len(req.Lines) == 0 {
		return nil, validationErr("at least one line item is required")
	}
	if req.ExecutionDate.IsZero() {
		req.ExecutionDate = time.Now().UTC()
	}

	authorized, err := s.repo.IsActivePOA(ctx, req.SignedBy)
	if err != nil {
		return nil, fmt.Errorf("checking power of attorney: %w", err)
	}
	if !authorized {
		return nil, ErrUnauthorizedSigner
	}

	// Duplicate keys reject the whole form before any per-line field check.
	lines := make([]*DeaForm222Line, 0, len(req.Lines))
	seen := make(map[string]bool)
	for i, in := range req.Lines {
		l := &DeaForm222Line{
			LineNumber:   i + 1,
			MedicationID: in.MedicationID,
			Strength:     in.Strength,
			Form:         in.Form,
			Quantity:     in.Quantity,
		}
		if seen[l.lineKey()] {
			return nil, validationErr("only one item per numbered line allowed: duplicate medication/strength/form")
		}
		seen[l.lineKey()] = true
		lines = append(lines, l)
	}
	for _, l := range lines {
		if l.MedicationID == uuid.Nil {
			return nil, validationErr("line %d: medication_id is required", l.LineNumber)
		}
		if l.Quantity <= 0 {
			return nil, validationErr("line %d: quantity must be positive", l.LineNumber)
		}
	}

	form := &DeaForm222{
		Registrant:    req.Registrant,
		Supplier:      req.Supplier,
		SignedBy:      req.SignedBy,
		ExecutionDate: req.ExecutionDate,
		ExpiresAt:     req.ExecutionDate.AddDate(0, 0, ValidityDays),
		Status:        "pending",
	}

	persist := func() error {
		return s.runInTx(ctx, func(ctx context.Context) error {
			if err := s.repo.CreateForm(ctx, form); err != nil {
				return err
			}
			for _, l := range lines {
				l.FormID = form.ID
				if err := s.repo.CreateLine(ctx, l); err != nil {
					return fmt.Errorf("inserting line %d: %w", l.LineNumber, err)
				}
			}
			return nil
		})
	}

	if err := s.allocateNumber(ctx, form); err != nil {
		return nil, err
	}
	if err := persist(); err != nil {
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("persisting form: %w", err)
		}
		// Number collision; draw a fresh one and retry once.
		if err := s.allocateNumber(ctx, form); err != nil {
			return nil, err
		}
		if err := persist(); err != nil {
			return nil, fmt.Errorf("persisting form after number retry: %w", err)
		}
	}

	if s.auditor != nil {
		detail := fmt.Sprintf("form %s with %d line(s) for %s", form.Number, len(lines), form.Supplier)
		_ = s.auditor.Record(ctx, &audit.Entry{
			Actor:    form.SignedBy,
			Action:   "create",
			Entity:   "dea_form_222",
			EntityID: &form.ID,
			Detail:   &detail,
		})
	}
	if s.metrics != nil {
		s.metrics.Form222Issued.Inc()
	}

	if s.copies != nil {
		if err := s.copies.WritePurchaserCopy(ctx, form, lines); err != nil {
			s.logger.Warn().Err(err).Str("form_number", form.Number).
				Msg("purchaser copy generation failed")
		}
	}

	return &IssueResult{FormID: form.ID, FormNumber: form.Number, ExpiresAt: form.ExpiresAt}, nil
}

func (s *Service) allocateNumber(ctx context.Context, form *DeaForm222) error {
	seq, err := s.repo.NextSequence(ctx)
	if err != nil {
		return fmt.Errorf("allocating form number: %w", err)
	}
	form.Number = FormNumber(form.ExecutionDate.Year(), seq)
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*DeaForm222, error) {
	return s.repo.GetByID(ctx, id)
}

// List filters forms by status and, when expiringSoon is set, to forms
// still outstanding that expire within the next 14 days.
func (s *Service) List(ctx context.Context, status string, expiringSoon bool, limit, offset int) ([]*DeaForm222, int, error) {
	var expiringBefore *time.Time
	if expiringSoon {
		cutoff := time.Now().UTC().AddDate(0, 0, ExpiringSoonDays)
		expiringBefore = &cutoff
	}
	return s.repo.List(ctx, status, expiringBefore, limit, offset)
}

func (s *Service) ListLines(ctx context.Context, formID uuid.UUID) ([]*DeaForm222Line, error) {
	return s.repo.ListLines(ctx, formID)
}

// Void marks a form void. Received forms are part of the acquisition
// record and cannot be voided.
func (s *Service) Void(ctx context.Context, id uuid.UUID, voidedBy string) (*DeaForm222, error) {
	form, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch form.Status {
	case "void":
		return nil, validationErr("form is already void")
	case "received":
		return nil, validationErr("received forms cannot be voided")
	}

	if err := s.repo.UpdateStatus(ctx, id, "void"); err != nil {
		return nil, err
	}
	form.Status = "void"

	if s.auditor != nil {
		_ = s.auditor.Record(ctx, &audit.Entry{
			Actor:    voidedBy,
			Action:   "update",
			Entity:   "dea_form_222",
			EntityID: &form.ID,
			Detail:   &form.Number,
		})
	}
	if s.metrics != nil {
		s.metrics.Form222Voided.Inc()
	}
	return form, nil
}
