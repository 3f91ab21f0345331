package pricing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/keylock"
	"github.com/ehr/billing-engine/pkg/pagination"
)

// =========== Catalog ===========

type catalogRepoMemory struct {
	mu      sync.RWMutex
	locks   *keylock.Locker
	items   map[uuid.UUID]*CatalogItem
	byCode  map[string]uuid.UUID
	history []*HistoryEntry
}

func NewCatalogRepoMemory() CatalogRepository {
	return &catalogRepoMemory{
		locks:  keylock.New(),
		items:  make(map[uuid.UUID]*CatalogItem),
		byCode: make(map[string]uuid.UUID),
	}
}

func cloneItem(c *CatalogItem) *CatalogItem {
	cp := *c
	return &cp
}

func (r *catalogRepoMemory) Create(_ context.Context, item *CatalogItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byCode[item.Code]; dup {
		return apperr.Conflict("service", item.Code, "code already exists")
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	item.Version = 1
	r.items[item.ID] = cloneItem(item)
	r.byCode[item.Code] = item.ID
	return nil
}

func (r *catalogRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*CatalogItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, apperr.NotFound("service", id.String())
	}
	return cloneItem(c), nil
}

func (r *catalogRepoMemory) GetByCode(_ context.Context, code string) (*CatalogItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[code]
	if !ok {
		return nil, apperr.NotFound("service", code)
	}
	return cloneItem(r.items[id]), nil
}

func (r *catalogRepoMemory) List(_ context.Context, f ListFilter, limit, offset int) ([]*CatalogItem, int, error) {
	r.mu.RLock()
	var out []*CatalogItem
	search := strings.ToLower(f.Search)
	for _, c := range r.items {
		if f.Category != "" && c.Category != f.Category {
			continue
		}
		if f.ActiveOnly && !c.IsActive {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(c.Name), search) && !strings.Contains(strings.ToLower(c.Code), search) {
			continue
		}
		out = append(out, cloneItem(c))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Code < out[j].Code
	})
	return pagination.Slice(out, limit, offset), len(out), nil
}

func (r *catalogRepoMemory) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*CatalogItem, error) {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	item, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	entry, err := fn(item)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	item.Version++
	item.UpdatedAt = time.Now().UTC()
	r.items[id] = cloneItem(item)
	if entry != nil {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		entry.ServiceID = id
		entry.CreatedAt = item.UpdatedAt
		cp := *entry
		r.history = append(r.history, &cp)
	}
	return item, nil
}

func (r *catalogRepoMemory) ListHistory(_ context.Context, serviceID uuid.UUID) ([]*HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*HistoryEntry
	for i := len(r.history) - 1; i >= 0; i-- {
		if h := r.history[i]; h.ServiceID == serviceID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

// =========== Branch overrides ===========

type overrideRepoMemory struct {
	mu   sync.Mutex
	rows []*BranchOverride
}

func NewOverrideRepoMemory() OverrideRepository {
	return &overrideRepoMemory{}
}

func (r *overrideRepoMemory) Active(_ context.Context, serviceID, branchID uuid.UUID) (*BranchOverride, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.rows {
		if o.IsActive && o.ServiceID == serviceID && o.BranchID == branchID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("branch override", serviceID.String()+"/"+branchID.String())
}

func (r *overrideRepoMemory) ListActiveByBranch(_ context.Context, branchID uuid.UUID) ([]*BranchOverride, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*BranchOverride
	for _, o := range r.rows {
		if o.IsActive && o.BranchID == branchID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *overrideRepoMemory) ListByService(_ context.Context, serviceID uuid.UUID) ([]*BranchOverride, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*BranchOverride
	for i := len(r.rows) - 1; i >= 0; i-- {
		if o := r.rows[i]; o.ServiceID == serviceID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *overrideRepoMemory) Replace(_ context.Context, o *BranchOverride) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.IsActive && existing.ServiceID == o.ServiceID && existing.BranchID == o.BranchID {
			existing.IsActive = false
		}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.IsActive = true
	o.CreatedAt = time.Now().UTC()
	cp := *o
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *overrideRepoMemory) Deactivate(_ context.Context, serviceID, branchID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, o := range r.rows {
		if o.IsActive && o.ServiceID == serviceID && o.BranchID == branchID {
			o.IsActive = false
			found = true
		}
	}
	if !found {
		return apperr.NotFound("branch override", serviceID.String()+"/"+branchID.String())
	}
	return nil
}

// =========== Discount schemes ===========

type discountRepoMemory struct {
	mu      sync.RWMutex
	schemes map[uuid.UUID]*DiscountScheme
}

func NewDiscountRepoMemory() DiscountRepository {
	return &discountRepoMemory{schemes: make(map[uuid.UUID]*DiscountScheme)}
}

func (r *discountRepoMemory) Create(_ context.Context, d *DiscountScheme) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now().UTC()
	cp := *d
	r.schemes[d.ID] = &cp
	return nil
}

func (r *discountRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*DiscountScheme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.schemes[id]
	if !ok {
		return nil, apperr.NotFound("discount scheme", id.String())
	}
	cp := *d
	return &cp, nil
}

func (r *discountRepoMemory) List(_ context.Context, activeOnly bool) ([]*DiscountScheme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*DiscountScheme
	for _, d := range r.schemes {
		if activeOnly && !d.IsActive {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *discountRepoMemory) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.schemes[id]
	if !ok {
		return apperr.NotFound("discount scheme", id.String())
	}
	d.IsActive = active
	return nil
}
