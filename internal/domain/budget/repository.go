package budget

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores budget configuration and the last emitted signal per budget
type Repository interface {
	Create(ctx context.Context, b *Budget) error
	Update(ctx context.Context, b *Budget) error
	GetByID(ctx context.Context, id uuid.UUID) (*Budget, error)

	// ListActive returns budgets whose period contains at
	ListActive(ctx context.Context, at time.Time) ([]*Budget, error)

	// ListForTenant returns the tenant's budgets whose period contains at
	ListForTenant(ctx context.Context, tenantID string, at time.Time) ([]*Budget, error)

	SaveSignal(ctx context.Context, s *StoredSignal) error
	LatestSignal(ctx context.Context, budgetID uuid.UUID) (*StoredSignal, error)
}
