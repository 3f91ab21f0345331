package invoice

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/platform/money"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

// Invoice maps to the invoices table. Every amount except AmountPaid and the
// two discount inputs is derived by recompute.
type Invoice struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	InvoiceNumber   string          `db:"invoice_number" json:"invoice_number"`
	PatientID       uuid.UUID       `db:"patient_id" json:"patient_id"`
	EncounterID     *uuid.UUID      `db:"encounter_id" json:"encounter_id,omitempty"`
	BranchID        *uuid.UUID      `db:"branch_id" json:"branch_id,omitempty"`
	Items           []*Item         `json:"items"`
	Subtotal        decimal.Decimal `db:"subtotal" json:"subtotal"`
	ItemDiscount    decimal.Decimal `db:"item_discount" json:"item_discount"`
	InvoiceDiscount decimal.Decimal `db:"invoice_discount" json:"invoice_discount"`
	Discount        decimal.Decimal `db:"discount" json:"discount"`
	Tax             decimal.Decimal `db:"tax" json:"tax"`
	Total           decimal.Decimal `db:"total" json:"total"`
	AmountPaid      decimal.Decimal `db:"amount_paid" json:"amount_paid"`
	Balance         decimal.Decimal `db:"balance" json:"balance"`
	Status          Status          `db:"status" json:"status"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	DiscountReason  *string         `db:"discount_reason" json:"discount_reason,omitempty"`
	CancelReason    *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	InvoiceDate     time.Time       `db:"invoice_date" json:"invoice_date"`
	CancelledAt     *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedBy       *string         `db:"created_by" json:"created_by,omitempty"`
	Version         int             `db:"version" json:"version"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Item maps to the invoice_items table.
type Item struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	InvoiceID      uuid.UUID        `db:"invoice_id" json:"invoice_id"`
	Sequence       int              `db:"sequence" json:"sequence"`
	ServiceID      *uuid.UUID       `db:"service_id" json:"service_id,omitempty"`
	ServiceCode    *string          `db:"service_code" json:"service_code,omitempty"`
	Category       *string          `db:"category" json:"category,omitempty"`
	Description    string           `db:"description" json:"description"`
	Quantity       decimal.Decimal  `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal  `db:"unit_price" json:"unit_price"`
	ItemDiscount   decimal.Decimal  `db:"item_discount" json:"item_discount"`
	TaxRate        decimal.Decimal  `db:"tax_rate" json:"tax_rate"`
	TaxAmount      decimal.Decimal  `db:"tax_amount" json:"tax_amount"`
	LineTotal      decimal.Decimal  `db:"line_total" json:"line_total"`
	NHISTariffCode *string          `db:"nhis_tariff_code" json:"nhis_tariff_code,omitempty"`
	NHISPrice      *decimal.Decimal `db:"nhis_price" json:"nhis_price,omitempty"`
}

// Gross is quantity times unit price, before any discount.
func (it *Item) Gross() decimal.Decimal {
	return money.Round(it.Quantity.Mul(it.UnitPrice))
}

func (it *Item) recompute() {
	net := it.Gross().Sub(it.ItemDiscount)
	it.LineTotal = net
	it.TaxAmount = money.Percent(net, it.TaxRate)
}

// recompute derives every computed amount and the status from the items,
// the invoice-level discount and AmountPaid.
func (inv *Invoice) recompute() {
	subtotal, itemDiscount, tax := decimal.Zero, decimal.Zero, decimal.Zero
	for i, it := range inv.Items {
		it.Sequence = i + 1
		it.recompute()
		subtotal = subtotal.Add(it.Gross())
		itemDiscount = itemDiscount.Add(it.ItemDiscount)
		tax = tax.Add(it.TaxAmount)
	}
	inv.Subtotal = subtotal
	inv.ItemDiscount = itemDiscount
	inv.Discount = itemDiscount.Add(inv.InvoiceDiscount)
	inv.Tax = tax
	inv.Total = money.Max(decimal.Zero, subtotal.Sub(inv.Discount).Add(tax))
	inv.Balance = inv.Total.Sub(inv.AmountPaid)
	inv.Status = deriveStatus(inv.Balance, inv.AmountPaid, inv.CancelledAt != nil)
}

// deriveStatus maps amounts to a status. A zero-total invoice with nothing
// paid stays PENDING.
func deriveStatus(balance, paid decimal.Decimal, cancelled bool) Status {
	switch {
	case cancelled:
		return StatusCancelled
	case !paid.IsPositive():
		return StatusPending
	case !balance.IsPositive():
		return StatusPaid
	default:
		return StatusPartial
	}
}

// Editable reports whether items and discounts may still change.
func (inv *Invoice) Editable() bool {
	return inv.Status != StatusPaid && inv.Status != StatusCancelled
}

func (inv *Invoice) item(id uuid.UUID) (int, *Item) {
	for i, it := range inv.Items {
		if it.ID == id {
			return i, it
		}
	}
	return -1, nil
}

// ItemInput describes a line to add. A ServiceCode ties the line to the
// catalog; a nil UnitPrice asks for the resolved price.
type ItemInput struct {
	ServiceCode    *string
	Description    string
	Quantity       decimal.Decimal
	UnitPrice      *decimal.Decimal
	ItemDiscount   decimal.Decimal
	TaxRate        *decimal.Decimal
	NHISTariffCode *string
	NHISPrice      *decimal.Decimal
}

// ItemUpdate carries the editable fields of an existing line. Nil fields are
// left unchanged.
type ItemUpdate struct {
	Description  *string
	Quantity     *decimal.Decimal
	UnitPrice    *decimal.Decimal
	ItemDiscount *decimal.Decimal
}

type CreateRequest struct {
	PatientID   uuid.UUID
	EncounterID *uuid.UUID
	BranchID    *uuid.UUID
	Items       []ItemInput
	Notes       string
	CreatedBy   string
}

// Filter narrows invoice listings. Zero values match everything.
type Filter struct {
	PatientID       *uuid.UUID
	EncounterID     *uuid.UUID
	Status          Status
	From            *time.Time
	To              *time.Time
	OutstandingOnly bool
}

func (f Filter) matches(inv *Invoice) bool {
	if f.PatientID != nil && inv.PatientID != *f.PatientID {
		return false
	}
	if f.EncounterID != nil && (inv.EncounterID == nil || *inv.EncounterID != *f.EncounterID) {
		return false
	}
	if f.Status != "" && inv.Status != f.Status {
		return false
	}
	if f.From != nil && inv.InvoiceDate.Before(*f.From) {
		return false
	}
	if f.To != nil && !inv.InvoiceDate.Before(*f.To) {
		return false
	}
	if f.OutstandingOnly && (inv.Status == StatusCancelled || !inv.Balance.IsPositive()) {
		return false
	}
	return true
}

// Encounter is the billable view of a clinical encounter.
type Encounter struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	BranchID  *uuid.UUID
	Lines     []ItemInput
}
