package form222

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// NextSequence draws the next value from the form-number sequence.
	NextSequence(ctx context.Context) (int64, error)
	CreateForm(ctx context.Context, f *DeaForm222) error
	CreateLine(ctx context.Context, l *DeaForm222Line) error
	GetByID(ctx context.Context, id uuid.UUID) (*DeaForm222, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	List(ctx context.Context, status string, expiringBefore *time.Time, limit, offset int) ([]*DeaForm222, int, error)
	ListLines(ctx context.Context, formID uuid.UUID) ([]*DeaForm222Line, error)
	// IsActivePOA reports whether the signer holds an active power of
	// attorney for Schedule II ordering.
	IsActivePOA(ctx context.Context, signer string) (bool, error)
}
