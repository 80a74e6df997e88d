package takehome

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caretrack/otp-server/internal/domain/audit"
	"github.com/caretrack/otp-server/internal/domain/dispensing"
)

type mockOrderRepo struct {
	orders map[uuid.UUID]*TakehomeOrder
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*TakehomeOrder)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *TakehomeOrder) error {
	o.ID = uuid.New()
	m.orders[o.ID] = o
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*TakehomeOrder, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return o, nil
}

func (m *mockOrderRepo) Update(_ context.Context, o *TakehomeOrder) error {
	if _, ok := m.orders[o.ID]; !ok {
		return pgx.ErrNoRows
	}
	m.orders[o.ID] = o
	return nil
}

func (m *mockOrderRepo) List(_ context.Context, status string, _, _ int) ([]*TakehomeOrder, int, error) {
	var out []*TakehomeOrder
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	return out, len(out), nil
}

type mockHoldRepo struct {
	holds map[uuid.UUID]*ComplianceHold
}

func newMockHoldRepo() *mockHoldRepo {
	return &mockHoldRepo{holds: make(map[uuid.UUID]*ComplianceHold)}
}

func (m *mockHoldRepo) Create(_ context.Context, h *ComplianceHold) error {
	h.ID = uuid.New()
	m.holds[h.ID] = h
	return nil
}

func (m *mockHoldRepo) GetByID(_ context.Context, id uuid.UUID) (*ComplianceHold, error) {
	h, ok := m.holds[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return h, nil
}

func (m *mockHoldRepo) Close(_ context.Context, id uuid.UUID) error {
	h, ok := m.holds[id]
	if !ok || h.Status != "open" {
		return pgx.ErrNoRows
	}
	now := time.Now()
	h.Status = "closed"
	h.ClosedAt = &now
	return nil
}

func (m *mockHoldRepo) List(_ context.Context, patientID uuid.UUID, status string, _, _ int) ([]*ComplianceHold, int, error) {
	var out []*ComplianceHold
	for _, h := range m.holds {
		if patientID != uuid.Nil && h.PatientID != patientID {
			continue
		}
		if status != "" && h.Status != status {
			continue
		}
		out = append(out, h)
	}
	return out, len(out), nil
}

func (m *mockHoldRepo) HasOpenHold(_ context.Context, patientID uuid.UUID) (bool, error) {
	for _, h := range m.holds {
		if h.PatientID == patientID && h.Status == "open" {
			return true, nil
		}
	}
	return false, nil
}

type mockRuleRepo struct {
	rules []*RiskRule
}

func (m *mockRuleRepo) ForTier(_ context.Context, tier string) ([]*RiskRule, error) {
	var out []*RiskRule
	for _, r := range m.rules {
		if r.Tier == tier || r.Tier == "all" {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeUDS struct {
	positive map[uuid.UUID]bool
}

func (f *fakeUDS) HasRecentPositive(_ context.Context, patientID uuid.UUID, _ time.Duration) (bool, error) {
	return f.positive[patientID], nil
}

type fakeNames struct {
	names map[uuid.UUID]string
}

func (f *fakeNames) DisplayNameFor(_ context.Context, id uuid.UUID) (string, error) {
	return f.names[id], nil
}

type fakePrescribers struct {
	order *dispensing.MedicationOrder
}

func (f *fakePrescribers) ActiveForPatient(_ context.Context, patientID uuid.UUID, _ time.Time) (*dispensing.MedicationOrder, error) {
	if f.order == nil || f.order.PatientID != patientID {
		return nil, pgx.ErrNoRows
	}
	return f.order, nil
}

type fakeAuditor struct {
	entries []*audit.Entry
}

func (f *fakeAuditor) Record(_ context.Context, e *audit.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fixture struct {
	svc         *Service
	orders      *mockOrderRepo
	holds       *mockHoldRepo
	rules       *mockRuleRepo
	uds         *fakeUDS
	names       *fakeNames
	prescribers *fakePrescribers
	auditor     *fakeAuditor
	patientID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	patientID := uuid.New()
	fx := &fixture{
		orders:    newMockOrderRepo(),
		holds:     newMockHoldRepo(),
		rules:     &mockRuleRepo{},
		uds:       &fakeUDS{positive: map[uuid.UUID]bool{}},
		names:     &fakeNames{names: map[uuid.UUID]string{patientID: "Sam Okafor"}},
		auditor:   &fakeAuditor{},
		patientID: patientID,
	}
	fx.prescribers = &fakePrescribers{order: &dispensing.MedicationOrder{
		PatientID:  patientID,
		Status:     "active",
		Prescriber: "Dr. Reyes",
	}}
	fx.svc = NewService(fx.orders, fx.holds, fx.rules, fx.uds, fx.names, fx.prescribers, fx.auditor)
	return fx
}

func TestCreateOrder_Success(t *testing.T) {
	fx := newFixture(t)

	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	order, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
		PatientID: fx.patientID,
		Days:      5,
		RiskLevel: "standard",
		StartDate: start,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.Status != "pending" {
		t.Errorf("status = %q, want pending", order.Status)
	}
	if want := start.AddDate(0, 0, 4); !order.EndDate.Equal(want) {
		t.Errorf("end date = %v, want %v", order.EndDate, want)
	}
	if order.Prescriber != "Dr. Reyes" {
		t.Errorf("prescriber = %q", order.Prescriber)
	}
	if order.MaxTakehome != 7 {
		t.Errorf("max takehome = %d, want default 7", order.MaxTakehome)
	}
	if len(fx.auditor.entries) != 1 || fx.auditor.entries[0].Entity != "takehome_order" {
		t.Errorf("audit entries = %+v", fx.auditor.entries)
	}
}

func TestCreateOrder_DayCapPerTier(t *testing.T) {
	tests := []struct {
		tier string
		cap  int
	}{
		{"high", 3},
		{"low", 14},
		{"standard", 7},
		{"unrecognized", 7},
	}
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			fx := newFixture(t)

			// One day over the cap is always rejected with a day-cap reason.
			_, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
				PatientID: fx.patientID,
				Days:      tt.cap + 1,
				RiskLevel: tt.tier,
			})
			var ee *EligibilityError
			if !errors.As(err, &ee) {
				t.Fatalf("err = %v, want EligibilityError", err)
			}
			found := false
			for _, r := range ee.Reasons {
				if strings.Contains(r, "Exceeds maximum") {
					found = true
				}
			}
			if !found {
				t.Errorf("reasons = %v, missing day-cap message", ee.Reasons)
			}

			// At the cap it passes.
			if _, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
				PatientID: fx.patientID,
				Days:      tt.cap,
				RiskLevel: tt.tier,
			}); err != nil {
				t.Errorf("at-cap request rejected: %v", err)
			}
		})
	}
}

func TestCreateOrder_DayCapReasonText(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
		PatientID: fx.patientID,
		Days:      10,
		RiskLevel: "high",
	})
	var ee *EligibilityError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want EligibilityError", err)
	}
	if len(ee.Reasons) != 1 || !strings.Contains(ee.Reasons[0], "maximum 3 days for high risk") {
		t.Errorf("reasons = %v", ee.Reasons)
	}
}

func TestCreateOrder_OpenHoldBlocksRegardlessOfDays(t *testing.T) {
	fx := newFixture(t)
	fx.holds.holds[uuid.New()] = &ComplianceHold{PatientID: fx.patientID, Status: "open"}

	for _, days := range []int{1, 3, 7} {
		_, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
			PatientID: fx.patientID,
			Days:      days,
			RiskLevel: "standard",
		})
		var ee *EligibilityError
		if !errors.As(err, &ee) {
			t.Fatalf("days=%d: err = %v, want EligibilityError", days, err)
		}
	}
}

func TestCreateOrder_ClosedHoldDoesNotBlock(t *testing.T) {
	fx := newFixture(t)
	fx.holds.holds[uuid.New()] = &ComplianceHold{PatientID: fx.patientID, Status: "closed"}

	if _, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
		PatientID: fx.patientID,
		Days:      3,
		RiskLevel: "standard",
	}); err != nil {
		t.Errorf("CreateOrder with closed hold: %v", err)
	}
}

func TestCreateOrder_PositiveUDSAutoHold(t *testing.T) {
	fx := newFixture(t)
	fx.uds.positive[fx.patientID] = true

	_, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
		PatientID: fx.patientID,
		Days:      3,
		RiskLevel: "standard",
	})
	var ee *EligibilityError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want EligibilityError", err)
	}
	if !strings.Contains(strings.Join(ee.Reasons, " "), "urine drug screen") {
		t.Errorf("reasons = %v", ee.Reasons)
	}

	// Disabling the rule lets the same patient through.
	fx.rules.rules = []*RiskRule{{Tier: "all", Name: RulePositiveUDSAutoHold, Value: "false"}}
	if _, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
		PatientID: fx.patientID,
		Days:      3,
		RiskLevel: "standard",
	}); err != nil {
		t.Errorf("CreateOrder with rule disabled: %v", err)
	}
}

func TestCreateOrder_AccumulatesAllReasons(t *testing.T) {
	fx := newFixture(t)
	fx.holds.holds[uuid.New()] = &ComplianceHold{PatientID: fx.patientID, Status: "open"}
	fx.uds.positive[fx.patientID] = true

	_, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
		PatientID: fx.patientID,
		Days:      10,
		RiskLevel: "high",
	})
	var ee *EligibilityError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want EligibilityError", err)
	}
	if len(ee.Reasons) != 3 {
		t.Errorf("reasons = %v, want all 3 failures surfaced", ee.Reasons)
	}
}

func TestResolveRules(t *testing.T) {
	rows := []*RiskRule{
		{Tier: "all", Name: RuleMaxConsecutiveDays, Value: "5"},
		{Tier: "high", Name: RuleMaxConsecutiveDays, Value: "2"},
	}

	// Tier-specific overrides "all".
	if got := ResolveRules("high", rows); got.MaxConsecutiveDays != 2 {
		t.Errorf("high cap = %d, want 2", got.MaxConsecutiveDays)
	}
	// Other tiers see the "all" value.
	low := []*RiskRule{{Tier: "all", Name: RuleMaxConsecutiveDays, Value: "5"}}
	if got := ResolveRules("low", low); got.MaxConsecutiveDays != 5 {
		t.Errorf("low cap = %d, want 5", got.MaxConsecutiveDays)
	}
}

func TestResolveRules_MalformedValuesFallBack(t *testing.T) {
	rows := []*RiskRule{
		{Tier: "high", Name: RuleMaxConsecutiveDays, Value: "not-a-number"},
		{Tier: "high", Name: RulePositiveUDSAutoHold, Value: "yes please"},
	}
	got := ResolveRules("high", rows)
	if got.MaxConsecutiveDays != 3 {
		t.Errorf("cap = %d, want default 3", got.MaxConsecutiveDays)
	}
	if !got.PositiveUDSAutoHold {
		t.Error("auto-hold fell to false on malformed value, want default true")
	}
}

func TestRiskBucket(t *testing.T) {
	tests := []struct {
		max  int
		want string
	}{
		{14, "low"},
		{8, "low"},
		{7, "standard"},
		{4, "standard"},
		{3, "high"},
		{1, "high"},
	}
	for _, tt := range tests {
		if got := RiskBucket(tt.max); got != tt.want {
			t.Errorf("RiskBucket(%d) = %q, want %q", tt.max, got, tt.want)
		}
	}
}

func TestReview(t *testing.T) {
	fx := newFixture(t)

	order, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
		PatientID: fx.patientID,
		Days:      3,
		RiskLevel: "standard",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	reviewed, err := fx.svc.Review(context.Background(), order.ID, "approved", "dr-reyes")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if reviewed.Status != "approved" || reviewed.ReviewedBy == nil || *reviewed.ReviewedBy != "dr-reyes" {
		t.Errorf("reviewed = %+v", reviewed)
	}

	// Only pending orders can transition.
	if _, err := fx.svc.Review(context.Background(), order.ID, "denied", "dr-reyes"); err == nil {
		t.Error("expected error re-reviewing an approved order")
	}
	if _, err := fx.svc.Review(context.Background(), uuid.New(), "approved", "dr-reyes"); err == nil {
		t.Error("expected error for unknown order")
	}
}

func TestListOrders_Enrichment(t *testing.T) {
	fx := newFixture(t)

	if _, err := fx.svc.CreateOrder(context.Background(), &OrderRequest{
		PatientID: fx.patientID,
		Days:      3,
		RiskLevel: "low",
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	views, total, err := fx.svc.ListOrders(context.Background(), "", 20, 0)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if total != 1 || len(views) != 1 {
		t.Fatalf("total = %d, views = %d", total, len(views))
	}
	if views[0].PatientName != "Sam Okafor" {
		t.Errorf("patient name = %q", views[0].PatientName)
	}
	if views[0].RiskBucket != "low" {
		t.Errorf("risk bucket = %q, want low (cap 14)", views[0].RiskBucket)
	}
}

func TestHolds(t *testing.T) {
	fx := newFixture(t)

	h := &ComplianceHold{PatientID: fx.patientID, Reason: "missed counseling", OpenedBy: "JD"}
	if err := fx.svc.OpenHold(context.Background(), h); err != nil {
		t.Fatalf("OpenHold: %v", err)
	}
	if h.Status != "open" {
		t.Errorf("status = %q, want open", h.Status)
	}

	if err := fx.svc.OpenHold(context.Background(), &ComplianceHold{PatientID: fx.patientID, OpenedBy: "JD"}); err == nil {
		t.Error("expected error for missing reason")
	}

	if err := fx.svc.CloseHold(context.Background(), h.ID, "JD"); err != nil {
		t.Fatalf("CloseHold: %v", err)
	}
	if h.Status != "closed" || h.ClosedAt == nil {
		t.Errorf("hold = %+v", h)
	}
	if err := fx.svc.CloseHold(context.Background(), h.ID, "JD"); err == nil {
		t.Error("expected error closing a closed hold")
	}
}
