package claims

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByNumber(ctx context.Context, number string) (*Claim, error)
	// List returns matching claims newest first. A non-positive limit
	// returns every match.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Claim, int, error)
	// Update stores c, items included, if its Version still matches the
	// stored one and bumps the version. A stale version is a conflict.
	Update(ctx context.Context, c *Claim) error
}

type TariffRepository interface {
	Upsert(ctx context.Context, t *Tariff) error
	Get(ctx context.Context, code string) (*Tariff, error)
	List(ctx context.Context, category string, activeOnly bool) ([]*Tariff, error)
}
