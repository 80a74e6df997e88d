package takehome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caretrack/otp-server/internal/domain/audit"
	"github.com/caretrack/otp-server/internal/domain/dispensing"
	"github.com/caretrack/otp-server/internal/platform/metrics"
)

const positiveUDSWindow = 30 * 24 * time.Hour

// EligibilityError carries every failed eligibility check, not just the
// first one.
type EligibilityError struct {
	Reasons []string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("take-home eligibility failed: %d reason(s)", len(e.Reasons))
}

// ValidationError is a 400-class rejection of a request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErr(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// UDSChecker is the slice of the labs domain eligibility needs.
type UDSChecker interface {
	HasRecentPositive(ctx context.Context, patientID uuid.UUID, window time.Duration) (bool, error)
}

// PatientNames resolves display names for listing enrichment.
type PatientNames interface {
	DisplayNameFor(ctx context.Context, id uuid.UUID) (string, error)
}

// PrescriberSource yields the patient's current medication order; the
// take-home order inherits its prescriber.
type PrescriberSource interface {
	ActiveForPatient(ctx context.Context, patientID uuid.UUID, on time.Time) (*dispensing.MedicationOrder, error)
}

// Auditor appends domain audit rows.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
}

type Service struct {
	orders      OrderRepository
	holds       HoldRepository
	rules       RuleRepository
	uds         UDSChecker
	names       PatientNames
	prescribers PrescriberSource
	auditor     Auditor
	metrics     *metrics.Metrics
}

func NewService(
	orders OrderRepository,
	holds HoldRepository,
	rules RuleRepository,
	uds UDSChecker,
	names PatientNames,
	prescribers PrescriberSource,
	auditor Auditor,
) *Service {
	return &Service{
		orders:      orders,
		holds:       holds,
		rules:       rules,
		uds:         uds,
		names:       names,
		prescribers: prescribers,
		auditor:     auditor,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// OrderRequest is the input to CreateOrder.
type OrderRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	Days      int       `json:"days"`
	RiskLevel string    `json:"risk_level"`
	StartDate time.Time `json:"start_date"`
	CreatedBy string    `json:"-"`
}

// CreateOrder runs every eligibility check and either records a pending
// take-home order or returns an EligibilityError listing all failures.
func (s *Service) CreateOrder(ctx context.Context, req *OrderRequest) (*TakehomeOrder, error) {
	if req.PatientID == uuid.Nil {
		return nil, validationErr("patient_id is required")
	}
	if req.Days <= 0 {
		return nil, validationErr("days must be positive")
	}
	if req.RiskLevel == "" {
		return nil, validationErr("risk_level is required")
	}
	if req.StartDate.IsZero() {
		req.StartDate = time.Now().UTC().Truncate(24 * time.Hour)
	}

	rows, err := s.rules.ForTier(ctx, req.RiskLevel)
	if err != nil {
		return nil, fmt.Errorf("loading risk rules: %w", err)
	}
	rules := ResolveRules(req.RiskLevel, rows)

	var reasons []string
	if req.Days > rules.MaxConsecutiveDays {
		reasons = append(reasons, fmt.Sprintf("Exceeds maximum %d days for %s risk level",
			rules.MaxConsecutiveDays, req.RiskLevel))
	}

	held, err := s.holds.HasOpenHold(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("checking compliance holds: %w", err)
	}
	if held {
		reasons = append(reasons, "Patient has an open compliance hold")
	}

	if rules.PositiveUDSAutoHold {
		positive, err := s.uds.HasRecentPositive(ctx, req.PatientID, positiveUDSWindow)
		if err != nil {
			return nil, fmt.Errorf("checking drug screens: %w", err)
		}
		if positive {
			reasons = append(reasons, "Positive urine drug screen within the last 30 days")
		}
	}

	if len(reasons) > 0 {
		if s.metrics != nil {
			s.metrics.TakehomeDenials.Inc()
		}
		return nil, &EligibilityError{Reasons: reasons}
	}

	var prescriber string
	medOrder, err := s.prescribers.ActiveForPatient(ctx, req.PatientID, time.Now().UTC())
	switch {
	case err == nil:
		prescriber = medOrder.Prescriber
	case errors.Is(err, pgx.ErrNoRows):
		// order without a current prescriber; left blank for review
	default:
		return nil, fmt.Errorf("resolving prescriber: %w", err)
	}

	order := &TakehomeOrder{
		PatientID:   req.PatientID,
		Days:        req.Days,
		StartDate:   req.StartDate,
		EndDate:     req.StartDate.AddDate(0, 0, req.Days-1),
		Prescriber:  prescriber,
		RiskLevel:   req.RiskLevel,
		MaxTakehome: rules.MaxConsecutiveDays,
		Status:      "pending",
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("creating take-home order: %w", err)
	}

	if s.auditor != nil {
		detail := fmt.Sprintf("%d take-home days requested at %s risk", order.Days, order.RiskLevel)
		_ = s.auditor.Record(ctx, &audit.Entry{
			Actor:     req.CreatedBy,
			Action:    "create",
			Entity:    "takehome_order",
			EntityID:  &order.ID,
			PatientID: &order.PatientID,
			Detail:    &detail,
		})
	}
	if s.metrics != nil {
		s.metrics.TakehomeOrdersIssued.Inc()
	}
	return order, nil
}

var validReviewStatuses = map[string]bool{
	"approved": true, "denied": true,
}

// Review transitions a pending order to approved or denied.
func (s *Service) Review(ctx context.Context, id uuid.UUID, status, reviewer string) (*TakehomeOrder, error) {
	if !validReviewStatuses[status] {
		return nil, validationErr("invalid status: %s", status)
	}
	if reviewer == "" {
		return nil, validationErr("reviewer is required")
	}

	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != "pending" {
		return nil, validationErr("order is %s, only pending orders can be reviewed", order.Status)
	}

	now := time.Now().UTC()
	order.Status = status
	order.ReviewedBy = &reviewer
	order.ReviewedAt = &now
	if err := s.orders.Update(ctx, order); err != nil {
		return nil, err
	}

	if s.auditor != nil {
		detail := fmt.Sprintf("take-home order %s", status)
		_ = s.auditor.Record(ctx, &audit.Entry{
			Actor:     reviewer,
			Action:    "update",
			Entity:    "takehome_order",
			EntityID:  &order.ID,
			PatientID: &order.PatientID,
			Detail:    &detail,
		})
	}
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*TakehomeOrder, error) {
	return s.orders.GetByID(ctx, id)
}

// ListOrders returns orders enriched with patient names and risk buckets.
func (s *Service) ListOrders(ctx context.Context, status string, limit, offset int) ([]*OrderView, int, error) {
	orders, total, err := s.orders.List(ctx, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	views := make([]*OrderView, 0, len(orders))
	for _, o := range orders {
		name, err := s.names.DisplayNameFor(ctx, o.PatientID)
		if err != nil {
			return nil, 0, fmt.Errorf("resolving patient name: %w", err)
		}
		views = append(views, &OrderView{
			TakehomeOrder: *o,
			PatientName:   name,
			RiskBucket:    RiskBucket(o.MaxTakehome),
		})
	}
	return views, total, nil
}

// OpenHold opens a compliance hold; the patient is ineligible for
// take-homes until it is closed.
func (s *Service) OpenHold(ctx context.Context, h *ComplianceHold) error {
	if h.PatientID == uuid.Nil {
		return validationErr("patient_id is required")
	}
	if h.Reason == "" {
		return validationErr("reason is required")
	}
	if h.OpenedBy == "" {
		return validationErr("opened_by is required")
	}
	h.Status = "open"
	if err := s.holds.Create(ctx, h); err != nil {
		return err
	}

	if s.auditor != nil {
		_ = s.auditor.Record(ctx, &audit.Entry{
			Actor:     h.OpenedBy,
			Action:    "create",
			Entity:    "compliance_hold",
			EntityID:  &h.ID,
			PatientID: &h.PatientID,
			Detail:    &h.Reason,
		})
	}
	return nil
}

func (s *Service) CloseHold(ctx context.Context, id uuid.UUID, closedBy string) error {
	if err := s.holds.Close(ctx, id); err != nil {
		return err
	}
	if s.auditor != nil {
		h, err := s.holds.GetByID(ctx, id)
		if err == nil {
			_ = s.auditor.Record(ctx, &audit.Entry{
				Actor:     closedBy,
				Action:    "update",
				Entity:    "compliance_hold",
				EntityID:  &h.ID,
				PatientID: &h.PatientID,
			})
		}
	}
	return nil
}

func (s *Service) ListHolds(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*ComplianceHold, int, error) {
	return s.holds.List(ctx, patientID, status, limit, offset)
}
