package claims

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/pkg/pagination"
)

// =========== Claims ===========

type repoMemory struct {
	mu       sync.RWMutex
	claims   map[uuid.UUID]*Claim
	byNumber map[string]uuid.UUID
}

func NewRepoMemory() Repository {
	return &repoMemory{
		claims:   make(map[uuid.UUID]*Claim),
		byNumber: make(map[string]uuid.UUID),
	}
}

func (r *repoMemory) Create(_ context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byNumber[c.ClaimNumber]; dup {
		return apperr.Conflict("claim", c.ClaimNumber, "number already issued")
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	for _, it := range c.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.ClaimID = c.ID
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Version = 1
	r.claims[c.ID] = c.clone()
	r.byNumber[c.ClaimNumber] = c.ID
	return nil
}

func (r *repoMemory) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, apperr.NotFound("claim", id.String())
	}
	return c.clone(), nil
}

func (r *repoMemory) GetByNumber(ctx context.Context, number string) (*Claim, error) {
	r.mu.RLock()
	id, ok := r.byNumber[number]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("claim", number)
	}
	return r.GetByID(ctx, id)
}

func (r *repoMemory) List(_ context.Context, f Filter, limit, offset int) ([]*Claim, int, error) {
	r.mu.RLock()
	var out []*Claim
	for _, c := range r.claims {
		if f.matches(c) {
			out = append(out, c.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClaimDate.Equal(out[j].ClaimDate) {
			return out[i].ClaimDate.After(out[j].ClaimDate)
		}
		return out[i].ClaimNumber > out[j].ClaimNumber
	})
	return pagination.Slice(out, limit, offset), len(out), nil
}

func (r *repoMemory) Update(_ context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.claims[c.ID]
	if !ok {
		return apperr.NotFound("claim", c.ID.String())
	}
	if stored.Version != c.Version {
		return apperr.Conflict("claim", c.ClaimNumber, "modified concurrently (version %d, now %d)", c.Version, stored.Version)
	}
	for _, it := range c.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.ClaimID = c.ID
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	r.claims[c.ID] = c.clone()
	return nil
}

// =========== Tariffs ===========

type tariffRepoMemory struct {
	mu      sync.RWMutex
	tariffs map[string]*Tariff
}

func NewTariffRepoMemory() TariffRepository {
	return &tariffRepoMemory{tariffs: make(map[string]*Tariff)}
}

func (r *tariffRepoMemory) Upsert(_ context.Context, t *Tariff) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.tariffs[t.Code]; ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	r.tariffs[t.Code] = &cp
	return nil
}

func (r *tariffRepoMemory) Get(_ context.Context, code string) (*Tariff, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tariffs[code]
	if !ok {
		return nil, apperr.NotFound("tariff", code)
	}
	cp := *t
	return &cp, nil
}

func (r *tariffRepoMemory) List(_ context.Context, category string, activeOnly bool) ([]*Tariff, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tariff
	for _, t := range r.tariffs {
		if category != "" && t.Category != category {
			continue
		}
		if activeOnly && !t.IsActive {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
