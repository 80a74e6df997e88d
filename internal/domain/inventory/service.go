package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caretrack/otp-server/internal/domain/dispensing"
	"github.com/caretrack/otp-server/internal/platform/metrics"
)

const (
	KindDose        = "dose"
	KindAcquisition = "acquisition"
	KindDisposal    = "disposal"
)

var validSnapshotKinds = map[string]bool{
	"initial_inventory":  true,
	"biennial_inventory": true,
}

type Service struct {
	repo    Repository
	bottles dispensing.BottleRepository
	runInTx dispensing.TxRunner
	metrics *metrics.Metrics
}

func NewService(repo Repository, bottles dispensing.BottleRepository, runInTx dispensing.TxRunner) *Service {
	if runInTx == nil {
		runInTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		}
	}
	return &Service{repo: repo, bottles: bottles, runInTx: runInTx}
}

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// RecordDoseDebit writes the ledger side of a dispense. Called by the dose
// executor inside its transaction.
func (s *Service) RecordDoseDebit(ctx context.Context, bottleID, doseEventID uuid.UUID, ml float64) error {
	return s.repo.CreateTransaction(ctx, &InventoryTransaction{
		BottleID:    bottleID,
		DoseEventID: &doseEventID,
		Kind:        KindDose,
		DeltaML:     -ml,
		RecordedBy:  "dispensing",
	})
}

// ActionRequest is the input to the inventory action endpoint.
type ActionRequest struct {
	Action     string    `json:"action"`
	LotID      uuid.UUID `json:"lot_id,omitempty"`
	BottleID   uuid.UUID `json:"bottle_id,omitempty"`
	VolumeML   float64   `json:"volume_ml,omitempty"`
	CountedML  float64   `json:"counted_ml,omitempty"`
	Note       *string   `json:"note,omitempty"`
	RecordedBy string    `json:"recorded_by"`
}

// ActionResult reports what an inventory action produced.
type ActionResult struct {
	Bottle      *dispensing.Bottle    `json:"bottle,omitempty"`
	Transaction *InventoryTransaction `json:"transaction,omitempty"`
	ShiftCount  *ShiftCount           `json:"shift_count,omitempty"`
}

// Apply dispatches an inventory action. Acquisitions credit a new bottle,
// disposals drain and dispose an existing one, snapshots record a shift
// count as the new variance baseline.
func (s *Service) Apply(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	if req.RecordedBy == "" {
		return nil, fmt.Errorf("recorded_by is required")
	}
	switch req.Action {
	case "record_acquisition":
		return s.recordAcquisition(ctx, req)
	case "record_disposal":
		return s.recordDisposal(ctx, req)
	case "initial_inventory", "biennial_inventory":
		return s.recordSnapshot(ctx, req)
	default:
		return nil, fmt.Errorf("unknown action: %s", req.Action)
	}
}

func (s *Service) recordAcquisition(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	if req.LotID == uuid.Nil {
		return nil, fmt.Errorf("lot_id is required")
	}
	if req.VolumeML <= 0 {
		return nil, fmt.Errorf("volume_ml must be positive")
	}

	bottle := &dispensing.Bottle{
		LotID:           req.LotID,
		StartVolumeML:   req.VolumeML,
		CurrentVolumeML: req.VolumeML,
		Status:          "active",
	}
	var tx *InventoryTransaction
	err := s.runInTx(ctx, func(ctx context.Context) error {
		if err := s.bottles.Create(ctx, bottle); err != nil {
			return fmt.Errorf("creating bottle: %w", err)
		}
		tx = &InventoryTransaction{
			BottleID:   bottle.ID,
			Kind:       KindAcquisition,
			DeltaML:    req.VolumeML,
			Note:       req.Note,
			RecordedBy: req.RecordedBy,
		}
		return s.repo.CreateTransaction(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return &ActionResult{Bottle: bottle, Transaction: tx}, nil
}

func (s *Service) recordDisposal(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	if req.BottleID == uuid.Nil {
		return nil, fmt.Errorf("bottle_id is required")
	}

	var bottle *dispensing.Bottle
	var tx *InventoryTransaction
	err := s.runInTx(ctx, func(ctx context.Context) error {
		var err error
		bottle, err = s.bottles.LockForDispense(ctx, req.BottleID)
		if err != nil {
			return fmt.Errorf("locking bottle: %w", err)
		}
		if bottle.Status != "active" {
			return fmt.Errorf("bottle is %s", bottle.Status)
		}
		now := time.Now().UTC()
		if err := s.bottles.Dispose(ctx, bottle.ID, now); err != nil {
			return fmt.Errorf("disposing bottle: %w", err)
		}
		tx = &InventoryTransaction{
			BottleID:   bottle.ID,
			Kind:       KindDisposal,
			DeltaML:    -bottle.CurrentVolumeML,
			Note:       req.Note,
			RecordedBy: req.RecordedBy,
		}
		return s.repo.CreateTransaction(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return &ActionResult{Bottle: bottle, Transaction: tx}, nil
}

func (s *Service) recordSnapshot(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	if !validSnapshotKinds[req.Action] {
		return nil, fmt.Errorf("unknown snapshot kind: %s", req.Action)
	}
	if req.CountedML < 0 {
		return nil, fmt.Errorf("counted_ml cannot be negative")
	}
	sc := &ShiftCount{
		Kind:      req.Action,
		TotalML:   req.CountedML,
		CountedBy: req.RecordedBy,
	}
	if err := s.repo.CreateShiftCount(ctx, sc); err != nil {
		return nil, err
	}
	return &ActionResult{ShiftCount: sc}, nil
}

// Summarize builds the inventory overview: per-medication totals, Form 222
// workload, expired stock and variance against the latest physical count.
func (s *Service) Summarize(ctx context.Context) (*Summary, error) {
	meds, err := s.repo.MedicationTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregating medications: %w", err)
	}

	var totalML float64
	var activeBottles int
	for _, m := range meds {
		totalML += m.TotalML
		activeBottles += m.BottleCount
	}

	form222, err := s.repo.Form222StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting forms: %w", err)
	}

	expired, err := s.repo.ExpiredLotBottleCount(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("counting expired lots: %w", err)
	}

	summary := &Summary{
		Medications:       meds,
		TotalML:           totalML,
		Form222Pending:    form222["pending"],
		Form222Submitted:  form222["submitted"],
		ExpiredLotBottles: expired,
	}

	last, err := s.repo.LatestShiftCount(ctx)
	switch {
	case err == nil:
		summary.LastShiftCount = last
		if last.TotalML > 0 {
			v := (totalML - last.TotalML) / last.TotalML * 100
			summary.VariancePercent = &v
		}
	case errors.Is(err, pgx.ErrNoRows):
		// no baseline yet
	default:
		return nil, fmt.Errorf("loading shift count: %w", err)
	}

	if s.metrics != nil {
		s.metrics.BottlesActive.Set(float64(activeBottles))
		if summary.LastShiftCount != nil {
			s.metrics.InventoryVarianceML.Set(totalML - summary.LastShiftCount.TotalML)
		}
	}
	return summary, nil
}

func (s *Service) ListTransactions(ctx context.Context, bottleID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error) {
	return s.repo.ListTransactions(ctx, bottleID, limit, offset)
}
