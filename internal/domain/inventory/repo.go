package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	CreateTransaction(ctx context.Context, t *InventoryTransaction) error
	ListTransactions(ctx context.Context, bottleID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error)
	CreateShiftCount(ctx context.Context, s *ShiftCount) error
	// LatestShiftCount returns pgx.ErrNoRows when no count has been taken.
	LatestShiftCount(ctx context.Context) (*ShiftCount, error)
	MedicationTotals(ctx context.Context) ([]*MedicationInventory, error)
	ExpiredLotBottleCount(ctx context.Context, asOf time.Time) (int, error)
	Form222StatusCounts(ctx context.Context) (map[string]int, error)
}
