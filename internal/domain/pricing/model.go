package pricing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CatalogItem maps to the service_catalog table.
type CatalogItem struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	Code           string           `db:"code" json:"code"`
	Name           string           `db:"name" json:"name"`
	Category       string           `db:"category" json:"category"`
	Description    *string          `db:"description" json:"description,omitempty"`
	BasePrice      decimal.Decimal  `db:"base_price" json:"base_price"`
	CostPrice      *decimal.Decimal `db:"cost_price" json:"cost_price,omitempty"`
	NHISPrice      *decimal.Decimal `db:"nhis_price" json:"nhis_price,omitempty"`
	NHISTariffCode *string          `db:"nhis_tariff_code" json:"nhis_tariff_code,omitempty"`
	IsNHISCovered  bool             `db:"is_nhis_covered" json:"is_nhis_covered"`
	IsTaxable      bool             `db:"is_taxable" json:"is_taxable"`
	TaxRate        decimal.Decimal  `db:"tax_rate" json:"tax_rate"`
	Unit           string           `db:"unit" json:"unit"`
	IsActive       bool             `db:"is_active" json:"is_active"`
	Version        int              `db:"version" json:"version"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// BranchOverride maps to the branch_price_override table. Superseded rows
// stay with IsActive=false as the override history.
type BranchOverride struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	ServiceID     uuid.UUID       `db:"service_id" json:"service_id"`
	BranchID      uuid.UUID       `db:"branch_id" json:"branch_id"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Reason        *string         `db:"reason" json:"reason,omitempty"`
	EffectiveDate time.Time       `db:"effective_date" json:"effective_date"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	CreatedBy     *string         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

type HistoryKind string

const (
	HistoryPrice HistoryKind = "price"
	HistoryCost  HistoryKind = "cost"
)

// HistoryEntry maps to the price_history table. Rows are never updated.
type HistoryEntry struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	ServiceID     uuid.UUID        `db:"service_id" json:"service_id"`
	Kind          HistoryKind      `db:"kind" json:"kind"`
	OldPrice      *decimal.Decimal `db:"old_price" json:"old_price,omitempty"`
	NewPrice      decimal.Decimal  `db:"new_price" json:"new_price"`
	ChangeReason  string           `db:"change_reason" json:"change_reason"`
	EffectiveDate time.Time        `db:"effective_date" json:"effective_date"`
	ChangedBy     *string          `db:"changed_by" json:"changed_by,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// AppliesToAll marks a discount scheme valid for every category.
const AppliesToAll = "all"

// DiscountScheme maps to the discount_scheme table.
type DiscountScheme struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	Name                string          `db:"name" json:"name"`
	Type                DiscountType    `db:"type" json:"type"`
	Value               decimal.Decimal `db:"value" json:"value"`
	AppliesTo           string          `db:"applies_to" json:"applies_to"`
	EligibilityCriteria *string         `db:"eligibility_criteria" json:"eligibility_criteria,omitempty"`
	IsActive            bool            `db:"is_active" json:"is_active"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

func (d *DiscountScheme) appliesTo(category string) bool {
	return d.AppliesTo == "" || d.AppliesTo == AppliesToAll || d.AppliesTo == category
}

// amountOff returns the per-unit reduction for price, never exceeding it.
func (d *DiscountScheme) amountOff(price decimal.Decimal) decimal.Decimal {
	var off decimal.Decimal
	switch d.Type {
	case DiscountPercentage:
		off = price.Mul(d.Value).Div(decimal.NewFromInt(100)).Round(2)
	default:
		off = d.Value
	}
	if off.GreaterThan(price) {
		return price
	}
	return off
}

type PriceSource string

const (
	SourceOrganization   PriceSource = "organization"
	SourceBranchOverride PriceSource = "branch_override"
)

// ResolveRequest is the input to Service.Resolve. A zero Quantity means 1.
type ResolveRequest struct {
	ServiceCode      string
	BranchID         *uuid.UUID
	WantsInsurance   bool
	DiscountSchemeID *uuid.UUID
	Quantity         decimal.Decimal
}

// Breakdown lists every adjustment considered while resolving a price.
type Breakdown struct {
	OrganizationPrice   decimal.Decimal  `json:"organization_price"`
	BranchOverride      *decimal.Decimal `json:"branch_override,omitempty"`
	NHISPrice           *decimal.Decimal `json:"nhis_price,omitempty"`
	InsuranceAdjustment decimal.Decimal  `json:"insurance_adjustment"`
	DiscountApplied     decimal.Decimal  `json:"discount_applied"`
	TaxAdded            decimal.Decimal  `json:"tax_added"`
}

// Resolution is the result of Resolve. UnitPrice is the cash price before
// discount and tax; FinalUnitPrice applies both.
type Resolution struct {
	ServiceID      uuid.UUID       `json:"service_id"`
	ServiceCode    string          `json:"service_code"`
	ServiceName    string          `json:"service_name"`
	Category       string          `json:"category"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	PriceSource    PriceSource     `json:"price_source"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	FinalUnitPrice decimal.Decimal `json:"final_unit_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Total          decimal.Decimal `json:"total"`
	NHISCovered    bool            `json:"nhis_covered"`
	NHISTariffCode *string         `json:"nhis_tariff_code,omitempty"`
	Breakdown      Breakdown       `json:"breakdown"`
}

// ListFilter narrows catalog listings.
type ListFilter struct {
	Category   string
	ActiveOnly bool
	Search     string
}

// BranchPriceRow is one line of a branch pricing table.
type BranchPriceRow struct {
	ServiceID      uuid.UUID        `json:"service_id"`
	Code           string           `json:"code"`
	Name           string           `json:"name"`
	Category       string           `json:"category"`
	BasePrice      decimal.Decimal  `json:"base_price"`
	BranchPrice    *decimal.Decimal `json:"branch_price,omitempty"`
	EffectivePrice decimal.Decimal  `json:"effective_price"`
	PriceSource    PriceSource      `json:"price_source"`
}

type AdjustmentType string

const (
	AdjustPercentage AdjustmentType = "percentage"
	AdjustFixed      AdjustmentType = "fixed"
)

// BulkAdjustRequest raises or lowers every active base price in a category
// (all categories when Category is empty).
type BulkAdjustRequest struct {
	Category  string
	Type      AdjustmentType
	Value     decimal.Decimal
	Reason    string
	ChangedBy string
}
