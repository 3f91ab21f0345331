package directory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/billing-engine/internal/platform/apperr"
)

type patientRepoMemory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*Patient
}

func NewPatientRepoMemory() PatientRepository {
	return &patientRepoMemory{patients: make(map[uuid.UUID]*Patient)}
}

func (r *patientRepoMemory) Upsert(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if old, ok := r.patients[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	r.patients[p.ID] = &cp
	return nil
}

func (r *patientRepoMemory) Get(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, apperr.NotFound("patient", id.String())
	}
	cp := *p
	return &cp, nil
}

type chargeRepoMemory struct {
	mu      sync.RWMutex
	charges map[uuid.UUID][]*Charge
}

func NewChargeRepoMemory() ChargeRepository {
	return &chargeRepoMemory{charges: make(map[uuid.UUID][]*Charge)}
}

func (r *chargeRepoMemory) Replace(_ context.Context, encounterID uuid.UUID, charges []*Charge) error {
	now := time.Now().UTC()
	stored := make([]*Charge, len(charges))
	for i, c := range charges {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.CreatedAt = now
		cp := *c
		stored[i] = &cp
	}
	r.mu.Lock()
	r.charges[encounterID] = stored
	r.mu.Unlock()
	return nil
}

func (r *chargeRepoMemory) List(_ context.Context, encounterID uuid.UUID) ([]*Charge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Charge, len(r.charges[encounterID]))
	for i, c := range r.charges[encounterID] {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}
