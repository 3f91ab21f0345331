package claims

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSubmitted Status = "SUBMITTED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusPaid      Status = "PAID"
)

// transitions lists the statuses reachable from each status.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusSubmitted},
	StatusSubmitted: {StatusApproved, StatusRejected},
	StatusApproved:  {StatusPaid},
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected, StatusPaid:
		return true
	}
	return false
}

func (s Status) canMoveTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Claim maps to the nhis_claims table.
type Claim struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	ClaimNumber     string           `db:"claim_number" json:"claim_number"`
	NHISNumber      string           `db:"nhis_number" json:"nhis_number"`
	PatientID       uuid.UUID        `db:"patient_id" json:"patient_id"`
	EncounterID     *uuid.UUID       `db:"encounter_id" json:"encounter_id,omitempty"`
	InvoiceID       *uuid.UUID       `db:"invoice_id" json:"invoice_id,omitempty"`
	Items           []*Item          `json:"items"`
	TotalAmount     decimal.Decimal  `db:"total_amount" json:"total_amount"`
	ApprovedAmount  *decimal.Decimal `db:"approved_amount" json:"approved_amount"`
	Status          Status           `db:"status" json:"status"`
	RejectionReason *string          `db:"rejection_reason" json:"rejection_reason,omitempty"`
	Notes           *string          `db:"notes" json:"notes,omitempty"`
	ClaimDate       time.Time        `db:"claim_date" json:"claim_date"`
	SubmittedAt     *time.Time       `db:"submitted_at" json:"submitted_at,omitempty"`
	ApprovedAt      *time.Time       `db:"approved_at" json:"approved_at,omitempty"`
	RejectedAt      *time.Time       `db:"rejected_at" json:"rejected_at,omitempty"`
	PaidAt          *time.Time       `db:"paid_at" json:"paid_at,omitempty"`
	CreatedBy       *string          `db:"created_by" json:"created_by,omitempty"`
	Version         int              `db:"version" json:"version"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// Item maps to the nhis_claim_items table. Its status follows the claim's
// so lines can be adjudicated individually.
type Item struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	ClaimID        uuid.UUID        `db:"claim_id" json:"claim_id"`
	Sequence       int              `db:"sequence" json:"sequence"`
	TariffCode     string           `db:"tariff_code" json:"tariff_code"`
	Description    string           `db:"description" json:"description"`
	Quantity       decimal.Decimal  `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal  `db:"unit_price" json:"unit_price"`
	Amount         decimal.Decimal  `db:"amount" json:"amount"`
	ApprovedAmount *decimal.Decimal `db:"approved_amount" json:"approved_amount"`
	Status         Status           `db:"status" json:"status"`
}

func (c *Claim) item(id uuid.UUID) *Item {
	for _, it := range c.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (c *Claim) setItemStatus(s Status) {
	for _, it := range c.Items {
		it.Status = s
	}
}

func (c *Claim) recomputeTotal() {
	total := decimal.Zero
	for i, it := range c.Items {
		it.Sequence = i + 1
		total = total.Add(it.Amount)
	}
	c.TotalAmount = total
}

func (c *Claim) clone() *Claim {
	cp := *c
	cp.Items = make([]*Item, len(c.Items))
	for i, it := range c.Items {
		ic := *it
		cp.Items[i] = &ic
	}
	return &cp
}

// Tariff maps to the nhis_tariffs table.
type Tariff struct {
	Code        string          `db:"code" json:"code"`
	Description string          `db:"description" json:"description"`
	Category    string          `db:"category" json:"category"`
	Price       decimal.Decimal `db:"price" json:"price"`
	IsActive    bool            `db:"is_active" json:"is_active"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// ItemInput is one requested claim line. Amount defaults to the tariff
// price times quantity.
type ItemInput struct {
	TariffCode string
	Quantity   decimal.Decimal
	Amount     *decimal.Decimal
}

type CreateRequest struct {
	PatientID   uuid.UUID
	NHISNumber  string
	EncounterID *uuid.UUID
	InvoiceID   *uuid.UUID
	Items       []ItemInput
	Notes       string
	CreatedBy   string
}

// ItemApproval sets the approved amount of one line.
type ItemApproval struct {
	ItemID uuid.UUID
	Amount decimal.Decimal
}

// Filter narrows claim listings. From is inclusive, To exclusive, both on
// the claim date.
type Filter struct {
	Status    Status
	PatientID *uuid.UUID
	InvoiceID *uuid.UUID
	From      *time.Time
	To        *time.Time
}

func (f Filter) matches(c *Claim) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.PatientID != nil && c.PatientID != *f.PatientID {
		return false
	}
	if f.InvoiceID != nil && (c.InvoiceID == nil || *c.InvoiceID != *f.InvoiceID) {
		return false
	}
	if f.From != nil && c.ClaimDate.Before(*f.From) {
		return false
	}
	if f.To != nil && !c.ClaimDate.Before(*f.To) {
		return false
	}
	return true
}

// ReconcileEntry is one line of an insurer's adjudication file.
type ReconcileEntry struct {
	ClaimNumber     string           `json:"claim_number"`
	Status          Status           `json:"status"`
	ApprovedAmount  *decimal.Decimal `json:"approved_amount,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
}

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// ReconcileResult reports what happened to one entry. ErrorKind is set for
// skipped and failed entries.
type ReconcileResult struct {
	ClaimNumber string  `json:"claim_number"`
	Outcome     Outcome `json:"outcome"`
	Status      Status  `json:"status,omitempty"`
	ErrorKind   string  `json:"error_kind,omitempty"`
	Error       string  `json:"error,omitempty"`
}
