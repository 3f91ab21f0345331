package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/clock"
	"github.com/ehr/billing-engine/internal/platform/money"
)

type Service struct {
	catalog   CatalogRepository
	overrides OverrideRepository
	discounts DiscountRepository
	clock     clock.Clock
	logger    zerolog.Logger
}

func NewService(catalog CatalogRepository, overrides OverrideRepository, discounts DiscountRepository, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System(nil)
	}
	return &Service{
		catalog:   catalog,
		overrides: overrides,
		discounts: discounts,
		clock:     clk,
		logger:    zerolog.Nop(),
	}
}

// SetLogger attaches a logger for price-change events.
func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "pricing").Logger()
}

// -- Resolution --

// Resolve computes the price of a service in a fixed order: catalog lookup,
// organization price, branch override, NHIS comparison, discount scheme,
// then tax on the discounted amount.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if strings.TrimSpace(req.ServiceCode) == "" {
		return nil, apperr.Validation("service_code", "is required")
	}
	qty := req.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	if err := money.CheckQuantity("quantity", qty); err != nil {
		return nil, err
	}

	item, err := s.catalog.GetByCode(ctx, req.ServiceCode)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, apperr.Inactive("service", item.Code)
	}

	res := &Resolution{
		ServiceID:      item.ID,
		ServiceCode:    item.Code,
		ServiceName:    item.Name,
		Category:       item.Category,
		UnitPrice:      item.BasePrice,
		PriceSource:    SourceOrganization,
		Quantity:       qty,
		NHISCovered:    item.IsNHISCovered,
		NHISTariffCode: item.NHISTariffCode,
		Breakdown:      Breakdown{OrganizationPrice: item.BasePrice},
	}

	if req.BranchID != nil {
		o, err := s.overrides.Active(ctx, item.ID, *req.BranchID)
		switch {
		case err == nil:
			price := o.Price
			res.UnitPrice = price
			res.PriceSource = SourceBranchOverride
			res.Breakdown.BranchOverride = &price
		case !apperr.IsNotFound(err):
			return nil, err
		}
	}

	if req.WantsInsurance && item.IsNHISCovered && item.NHISPrice != nil {
		nhis := *item.NHISPrice
		res.Breakdown.NHISPrice = &nhis
		res.Breakdown.InsuranceAdjustment = nhis.Sub(res.UnitPrice)
	}

	price := res.UnitPrice
	if req.DiscountSchemeID != nil {
		scheme, err := s.discounts.GetByID(ctx, *req.DiscountSchemeID)
		if err != nil {
			return nil, err
		}
		if !scheme.IsActive {
			return nil, apperr.Inactive("discount scheme", scheme.ID.String())
		}
		if !scheme.appliesTo(item.Category) {
			return nil, apperr.Validation("discount_scheme_id",
				"scheme %q applies to %s, not %s", scheme.Name, scheme.AppliesTo, item.Category)
		}
		off := scheme.amountOff(price)
		res.Breakdown.DiscountApplied = off
		price = money.Max(decimal.Zero, price.Sub(off))
	}

	if item.IsTaxable {
		res.TaxRate = item.TaxRate
		tax := money.Percent(price, item.TaxRate)
		res.Breakdown.TaxAdded = tax
		price = price.Add(tax)
	}

	res.FinalUnitPrice = price
	res.Total = money.Round(price.Mul(qty))
	return res, nil
}

// -- Catalog --

func (s *Service) CreateService(ctx context.Context, item *CatalogItem) error {
	item.Code = strings.TrimSpace(item.Code)
	item.Name = strings.TrimSpace(item.Name)
	if item.Code == "" {
		return apperr.Validation("code", "is required")
	}
	if item.Name == "" {
		return apperr.Validation("name", "is required")
	}
	if item.Category == "" {
		return apperr.Validation("category", "is required")
	}
	if err := money.CheckAmount("base_price", item.BasePrice); err != nil {
		return err
	}
	if item.CostPrice != nil {
		if err := money.CheckAmount("cost_price", *item.CostPrice); err != nil {
			return err
		}
	}
	if item.NHISPrice != nil {
		if err := money.CheckAmount("nhis_price", *item.NHISPrice); err != nil {
			return err
		}
	}
	if item.IsNHISCovered && item.NHISPrice == nil {
		return apperr.Validation("nhis_price", "is required for NHIS-covered services")
	}
	if err := money.CheckRate("tax_rate", item.TaxRate); err != nil {
		return err
	}
	if item.Unit == "" {
		item.Unit = "per_service"
	}
	if err := s.catalog.Create(ctx, item); err != nil {
		return err
	}
	s.logger.Info().Str("service", item.Code).Str("base_price", item.BasePrice.StringFixed(2)).Msg("service created")
	return nil
}

func (s *Service) GetService(ctx context.Context, id uuid.UUID) (*CatalogItem, error) {
	return s.catalog.GetByID(ctx, id)
}

func (s *Service) GetServiceByCode(ctx context.Context, code string) (*CatalogItem, error) {
	return s.catalog.GetByCode(ctx, code)
}

func (s *Service) ListServices(ctx context.Context, f ListFilter, limit, offset int) ([]*CatalogItem, int, error) {
	return s.catalog.List(ctx, f, limit, offset)
}

func (s *Service) SetServiceActive(ctx context.Context, id uuid.UUID, active bool) (*CatalogItem, error) {
	item, err := s.catalog.Mutate(ctx, id, func(item *CatalogItem) (*HistoryEntry, error) {
		item.IsActive = active
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("service", item.Code).Bool("active", active).Msg("service activation changed")
	return item, nil
}

// UpdatePrice sets a new organization base price and appends the matching
// history entry in the same atomic unit.
func (s *Service) UpdatePrice(ctx context.Context, id uuid.UUID, newPrice decimal.Decimal, reason, changedBy string) (*CatalogItem, error) {
	if err := money.CheckAmount("price", newPrice); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("reason", "is required")
	}
	now := s.clock.Now()
	item, err := s.catalog.Mutate(ctx, id, func(item *CatalogItem) (*HistoryEntry, error) {
		old := item.BasePrice
		item.BasePrice = newPrice
		return &HistoryEntry{
			Kind:          HistoryPrice,
			OldPrice:      &old,
			NewPrice:      newPrice,
			ChangeReason:  reason,
			EffectiveDate: now,
			ChangedBy:     optional(changedBy),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("service", item.Code).Str("new_price", newPrice.StringFixed(2)).Str("changed_by", changedBy).Msg("base price updated")
	return item, nil
}

// UpdateCostPrice sets the acquisition cost and records it in the history.
func (s *Service) UpdateCostPrice(ctx context.Context, id uuid.UUID, newCost decimal.Decimal, reason, changedBy string) (*CatalogItem, error) {
	if err := money.CheckAmount("cost_price", newCost); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("reason", "is required")
	}
	now := s.clock.Now()
	item, err := s.catalog.Mutate(ctx, id, func(item *CatalogItem) (*HistoryEntry, error) {
		old := item.CostPrice
		cost := newCost
		item.CostPrice = &cost
		return &HistoryEntry{
			Kind:          HistoryCost,
			OldPrice:      old,
			NewPrice:      newCost,
			ChangeReason:  reason,
			EffectiveDate: now,
			ChangedBy:     optional(changedBy),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("service", item.Code).Str("new_cost", newCost.StringFixed(2)).Msg("cost price updated")
	return item, nil
}

// BulkAdjust applies the same adjustment to every matching active service.
// Each service is updated in its own atomic unit with its own history entry;
// the count of updated services is returned together with the first error.
func (s *Service) BulkAdjust(ctx context.Context, req BulkAdjustRequest) (int, error) {
	if req.Type != AdjustPercentage && req.Type != AdjustFixed {
		return 0, apperr.Validation("type", "must be percentage or fixed")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return 0, apperr.Validation("reason", "is required")
	}
	if req.Type == AdjustFixed {
		if !req.Value.Equal(req.Value.Round(money.Places)) {
			return 0, apperr.Validation("value", "must have at most 2 decimal places")
		}
	} else if req.Value.LessThanOrEqual(decimal.NewFromInt(-100)) {
		return 0, apperr.Validation("value", "percentage must be greater than -100")
	}

	items, _, err := s.catalog.List(ctx, ListFilter{Category: req.Category, ActiveOnly: true}, 0, 0)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, item := range items {
		var next decimal.Decimal
		if req.Type == AdjustPercentage {
			next = item.BasePrice.Add(money.Percent(item.BasePrice, req.Value))
		} else {
			next = item.BasePrice.Add(req.Value)
		}
		next = money.Max(decimal.Zero, next)
		if _, err := s.UpdatePrice(ctx, item.ID, next, req.Reason, req.ChangedBy); err != nil {
			return updated, fmt.Errorf("adjust %s: %w", item.Code, err)
		}
		updated++
	}
	return updated, nil
}

func (s *Service) PriceHistory(ctx context.Context, serviceID uuid.UUID) ([]*HistoryEntry, error) {
	if _, err := s.catalog.GetByID(ctx, serviceID); err != nil {
		return nil, err
	}
	return s.catalog.ListHistory(ctx, serviceID)
}

// -- Branch overrides --

func (s *Service) SetBranchPrice(ctx context.Context, serviceID, branchID uuid.UUID, price decimal.Decimal, reason, changedBy string) (*BranchOverride, error) {
	if branchID == uuid.Nil {
		return nil, apperr.Validation("branch_id", "is required")
	}
	if err := money.CheckAmount("price", price); err != nil {
		return nil, err
	}
	item, err := s.catalog.GetByID(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, apperr.Inactive("service", item.Code)
	}
	o := &BranchOverride{
		ServiceID:     serviceID,
		BranchID:      branchID,
		Price:         price,
		Reason:        optional(reason),
		EffectiveDate: s.clock.Now(),
		CreatedBy:     optional(changedBy),
	}
	if err := s.overrides.Replace(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info().Str("service", item.Code).Str("branch_id", branchID.String()).Str("price", price.StringFixed(2)).Msg("branch price set")
	return o, nil
}

func (s *Service) RemoveBranchPrice(ctx context.Context, serviceID, branchID uuid.UUID) error {
	if err := s.overrides.Deactivate(ctx, serviceID, branchID); err != nil {
		return err
	}
	s.logger.Info().Str("service_id", serviceID.String()).Str("branch_id", branchID.String()).Msg("branch price removed")
	return nil
}

func (s *Service) BranchOverrideHistory(ctx context.Context, serviceID uuid.UUID) ([]*BranchOverride, error) {
	return s.overrides.ListByService(ctx, serviceID)
}

// BranchPricingTable lists every active service with the price a branch
// actually charges.
func (s *Service) BranchPricingTable(ctx context.Context, branchID uuid.UUID) ([]BranchPriceRow, error) {
	items, _, err := s.catalog.List(ctx, ListFilter{ActiveOnly: true}, 0, 0)
	if err != nil {
		return nil, err
	}
	overrides, err := s.overrides.ListActiveByBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	byService := make(map[uuid.UUID]decimal.Decimal, len(overrides))
	for _, o := range overrides {
		byService[o.ServiceID] = o.Price
	}

	rows := make([]BranchPriceRow, 0, len(items))
	for _, item := range items {
		row := BranchPriceRow{
			ServiceID:      item.ID,
			Code:           item.Code,
			Name:           item.Name,
			Category:       item.Category,
			BasePrice:      item.BasePrice,
			EffectivePrice: item.BasePrice,
			PriceSource:    SourceOrganization,
		}
		if p, ok := byService[item.ID]; ok {
			bp := p
			row.BranchPrice = &bp
			row.EffectivePrice = p
			row.PriceSource = SourceBranchOverride
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// -- Discount schemes --

func (s *Service) CreateDiscountScheme(ctx context.Context, d *DiscountScheme) error {
	if strings.TrimSpace(d.Name) == "" {
		return apperr.Validation("name", "is required")
	}
	switch d.Type {
	case DiscountPercentage:
		if err := money.CheckRate("value", d.Value); err != nil {
			return err
		}
	case DiscountFixed:
		if err := money.CheckAmount("value", d.Value); err != nil {
			return err
		}
	default:
		return apperr.Validation("type", "must be percentage or fixed")
	}
	if d.AppliesTo == "" {
		d.AppliesTo = AppliesToAll
	}
	return s.discounts.Create(ctx, d)
}

func (s *Service) GetDiscountScheme(ctx context.Context, id uuid.UUID) (*DiscountScheme, error) {
	return s.discounts.GetByID(ctx, id)
}

func (s *Service) ListDiscountSchemes(ctx context.Context, activeOnly bool) ([]*DiscountScheme, error) {
	return s.discounts.List(ctx, activeOnly)
}

func (s *Service) SetDiscountSchemeActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.discounts.SetActive(ctx, id, active)
}

// LookupActive returns a catalog item by code, rejecting deactivated ones.
func (s *Service) LookupActive(ctx context.Context, code string) (*CatalogItem, error) {
	item, err := s.catalog.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, apperr.Inactive("service", code)
	}
	return item, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
