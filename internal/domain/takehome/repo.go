package takehome

import (
	"context"

	"github.com/google/uuid"
)

type OrderRepository interface {
	Create(ctx context.Context, o *TakehomeOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*TakehomeOrder, error)
	Update(ctx context.Context, o *TakehomeOrder) error
	List(ctx context.Context, status string, limit, offset int) ([]*TakehomeOrder, int, error)
}

type HoldRepository interface {
	Create(ctx context.Context, h *ComplianceHold) error
	GetByID(ctx context.Context, id uuid.UUID) (*ComplianceHold, error)
	Close(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*ComplianceHold, int, error)
	// HasOpenHold is the eligibility gate; any open hold blocks.
	HasOpenHold(ctx context.Context, patientID uuid.UUID) (bool, error)
}

type RuleRepository interface {
	// ForTier returns the tier's rules plus the tier-agnostic "all" rows.
	ForTier(ctx context.Context, tier string) ([]*RiskRule, error)
}
