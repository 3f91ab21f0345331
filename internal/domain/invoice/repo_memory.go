package invoice

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/keylock"
	"github.com/ehr/billing-engine/pkg/pagination"
)

type repoMemory struct {
	mu       sync.RWMutex
	locks    *keylock.Locker
	invoices map[uuid.UUID]*Invoice
	byNumber map[string]uuid.UUID
}

func NewRepoMemory() Repository {
	return &repoMemory{
		locks:    keylock.New(),
		invoices: make(map[uuid.UUID]*Invoice),
		byNumber: make(map[string]uuid.UUID),
	}
}

func clone(inv *Invoice) *Invoice {
	cp := *inv
	cp.Items = make([]*Item, len(inv.Items))
	for i, it := range inv.Items {
		c := *it
		cp.Items[i] = &c
	}
	return &cp
}

func (r *repoMemory) Create(_ context.Context, inv *Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byNumber[inv.InvoiceNumber]; dup {
		return apperr.Conflict("invoice", inv.InvoiceNumber, "number already issued")
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	for _, it := range inv.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.InvoiceID = inv.ID
	}
	now := time.Now().UTC()
	inv.CreatedAt, inv.UpdatedAt = now, now
	inv.Version = 1
	r.invoices[inv.ID] = clone(inv)
	r.byNumber[inv.InvoiceNumber] = inv.ID
	return nil
}

func (r *repoMemory) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, apperr.NotFound("invoice", id.String())
	}
	return clone(inv), nil
}

func (r *repoMemory) GetByNumber(_ context.Context, number string) (*Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNumber[number]
	if !ok {
		return nil, apperr.NotFound("invoice", number)
	}
	return clone(r.invoices[id]), nil
}

func (r *repoMemory) List(_ context.Context, f Filter, limit, offset int) ([]*Invoice, int, error) {
	r.mu.RLock()
	var out []*Invoice
	for _, inv := range r.invoices {
		if f.matches(inv) {
			out = append(out, clone(inv))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].InvoiceDate.Equal(out[j].InvoiceDate) {
			return out[i].InvoiceDate.Before(out[j].InvoiceDate)
		}
		return out[i].InvoiceNumber < out[j].InvoiceNumber
	})
	return pagination.Slice(out, limit, offset), len(out), nil
}

func (r *repoMemory) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Invoice, error) {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	inv, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, inv); err != nil {
		return nil, err
	}
	for _, it := range inv.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.InvoiceID = id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	inv.Version++
	inv.UpdatedAt = time.Now().UTC()
	r.invoices[id] = clone(inv)
	return inv, nil
}
