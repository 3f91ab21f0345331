package directory

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Upsert(ctx context.Context, p *Patient) error
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)
}

type ChargeRepository interface {
	// Replace swaps every charge of the encounter for the given lines.
	Replace(ctx context.Context, encounterID uuid.UUID, charges []*Charge) error
	List(ctx context.Context, encounterID uuid.UUID) ([]*Charge, error)
}
