package invoice

import (
	"context"

	"github.com/google/uuid"
)

// MutateFunc edits a locked invoice in place. ctx carries the atomic unit,
// so repositories written through it commit or roll back together with the
// invoice.
type MutateFunc func(ctx context.Context, inv *Invoice) error

type Repository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetByNumber(ctx context.Context, number string) (*Invoice, error)
	// List returns matching invoices oldest first. A non-positive limit
	// returns every match.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Invoice, int, error)
	// Mutate is the single-writer path: the invoice is locked, fn runs and
	// the result (items included) is stored. Nothing is stored when fn fails.
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Invoice, error)
}
