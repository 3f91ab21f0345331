package pricing

import (
	"context"

	"github.com/google/uuid"
)

// MutateFunc edits a locked catalog item in place and returns the history
// entry to append alongside it, or nil when nothing is recorded.
type MutateFunc func(item *CatalogItem) (*HistoryEntry, error)

type CatalogRepository interface {
	Create(ctx context.Context, item *CatalogItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*CatalogItem, error)
	GetByCode(ctx context.Context, code string) (*CatalogItem, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*CatalogItem, int, error)
	// Mutate serializes writers of one item: the item is loaded under lock,
	// fn runs, and the item plus fn's history entry are stored in one
	// atomic unit. Nothing is stored when fn fails.
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*CatalogItem, error)
	ListHistory(ctx context.Context, serviceID uuid.UUID) ([]*HistoryEntry, error)
}

type OverrideRepository interface {
	// Active returns the active override for the pair or a not_found error.
	Active(ctx context.Context, serviceID, branchID uuid.UUID) (*BranchOverride, error)
	ListActiveByBranch(ctx context.Context, branchID uuid.UUID) ([]*BranchOverride, error)
	ListByService(ctx context.Context, serviceID uuid.UUID) ([]*BranchOverride, error)
	// Replace deactivates any active override for the pair and inserts o as
	// the new active one, atomically.
	Replace(ctx context.Context, o *BranchOverride) error
	Deactivate(ctx context.Context, serviceID, branchID uuid.UUID) error
}

type DiscountRepository interface {
	Create(ctx context.Context, d *DiscountScheme) error
	GetByID(ctx context.Context, id uuid.UUID) (*DiscountScheme, error)
	List(ctx context.Context, activeOnly bool) ([]*DiscountScheme, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
