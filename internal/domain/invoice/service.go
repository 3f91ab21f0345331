package invoice

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/domain/pricing"
	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/clock"
	"github.com/ehr/billing-engine/internal/platform/money"
	"github.com/ehr/billing-engine/internal/platform/numbering"
)

// Pricer resolves catalog prices for lines carrying a service code.
type Pricer interface {
	Resolve(ctx context.Context, req pricing.ResolveRequest) (*pricing.Resolution, error)
}

// PatientDirectory answers whether a patient exists.
type PatientDirectory interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// EncounterSource returns the billable lines of an encounter.
type EncounterSource interface {
	BillableEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error)
}

// RecordFunc writes the settlement record (payment or refund) inside the
// invoice's atomic unit, after the invoice amounts have been updated.
type RecordFunc func(ctx context.Context, inv *Invoice) error

type Service struct {
	repo       Repository
	pricer     Pricer
	numbers    *numbering.Generator
	clock      clock.Clock
	patients   PatientDirectory
	encounters EncounterSource
	logger     zerolog.Logger
}

func NewService(repo Repository, pricer Pricer, numbers *numbering.Generator, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System(nil)
	}
	return &Service{repo: repo, pricer: pricer, numbers: numbers, clock: clk, logger: zerolog.Nop()}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "invoice").Logger()
}

// SetPatientDirectory enables patient existence checks on creation.
func (s *Service) SetPatientDirectory(p PatientDirectory) { s.patients = p }

// SetEncounterSource enables GenerateFromEncounter.
func (s *Service) SetEncounterSource(e EncounterSource) { s.encounters = e }

// -- Creation --

// Quote validates and prices req without issuing a number or storing
// anything.
func (s *Service) Quote(ctx context.Context, req CreateRequest) (*Invoice, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "is required")
	}
	if len(req.Items) == 0 {
		return nil, apperr.Validation("items", "at least one item is required")
	}
	if s.patients != nil {
		ok, err := s.patients.PatientExists(ctx, req.PatientID)
		if err != nil {
			return nil, fmt.Errorf("check patient: %w", err)
		}
		if !ok {
			return nil, apperr.NotFound("patient", req.PatientID.String())
		}
	}

	items := make([]*Item, 0, len(req.Items))
	for i, in := range req.Items {
		it, err := s.buildItem(ctx, fmt.Sprintf("items[%d]", i), in, req.BranchID)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	inv := &Invoice{
		PatientID:   req.PatientID,
		EncounterID: req.EncounterID,
		BranchID:    req.BranchID,
		Items:       items,
		Notes:       optional(req.Notes),
		CreatedBy:   optional(req.CreatedBy),
	}
	inv.recompute()
	return inv, nil
}

func (s *Service) CreateInvoice(ctx context.Context, req CreateRequest) (*Invoice, error) {
	inv, err := s.Quote(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	number, err := s.numbers.Next(ctx, numbering.PrefixInvoice, now)
	if err != nil {
		return nil, err
	}
	inv.InvoiceNumber = number
	inv.InvoiceDate = now
	if err := s.repo.Create(ctx, inv); err != nil {
		return nil, err
	}
	s.logger.Info().Str("invoice", inv.InvoiceNumber).Str("patient_id", inv.PatientID.String()).
		Str("total", inv.Total.StringFixed(2)).Int("items", len(inv.Items)).Msg("invoice created")
	return inv, nil
}

// GenerateFromEncounter bills the encounter's lines. An encounter that
// already has a live invoice is rejected.
func (s *Service) GenerateFromEncounter(ctx context.Context, encounterID uuid.UUID, createdBy string) (*Invoice, error) {
	if s.encounters == nil {
		return nil, fmt.Errorf("encounter source not configured")
	}
	existing, _, err := s.repo.List(ctx, Filter{EncounterID: &encounterID}, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, inv := range existing {
		if inv.Status != StatusCancelled {
			return nil, apperr.Conflict("encounter", encounterID.String(), "already billed on %s", inv.InvoiceNumber)
		}
	}
	enc, err := s.encounters.BillableEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if len(enc.Lines) == 0 {
		return nil, apperr.Validation("encounter_id", "encounter has no billable lines")
	}
	return s.CreateInvoice(ctx, CreateRequest{
		PatientID:   enc.PatientID,
		EncounterID: &enc.ID,
		BranchID:    enc.BranchID,
		Items:       enc.Lines,
		CreatedBy:   createdBy,
	})
}

// buildItem validates one input line and prices it through the catalog when
// it carries a service code.
func (s *Service) buildItem(ctx context.Context, field string, in ItemInput, branchID *uuid.UUID) (*Item, error) {
	if err := money.CheckQuantity(field+".quantity", in.Quantity); err != nil {
		return nil, err
	}
	it := &Item{
		Description:    strings.TrimSpace(in.Description),
		Quantity:       in.Quantity,
		ItemDiscount:   in.ItemDiscount,
		NHISTariffCode: in.NHISTariffCode,
		NHISPrice:      in.NHISPrice,
	}

	if in.ServiceCode != nil && *in.ServiceCode != "" {
		if s.pricer == nil {
			return nil, fmt.Errorf("pricer not configured")
		}
		res, err := s.pricer.Resolve(ctx, pricing.ResolveRequest{
			ServiceCode:    *in.ServiceCode,
			BranchID:       branchID,
			WantsInsurance: true,
			Quantity:       in.Quantity,
		})
		if err != nil {
			return nil, err
		}
		code, category, id := res.ServiceCode, res.Category, res.ServiceID
		it.ServiceCode, it.Category, it.ServiceID = &code, &category, &id
		it.UnitPrice = res.UnitPrice
		it.TaxRate = res.TaxRate
		if it.Description == "" {
			it.Description = res.ServiceName
		}
		if it.NHISTariffCode == nil && res.NHISCovered {
			it.NHISTariffCode = res.NHISTariffCode
		}
		if it.NHISPrice == nil && res.Breakdown.NHISPrice != nil {
			p := *res.Breakdown.NHISPrice
			it.NHISPrice = &p
		}
	}
	if in.UnitPrice != nil {
		it.UnitPrice = *in.UnitPrice
	} else if it.ServiceCode == nil {
		return nil, apperr.Validation(field+".unit_price", "is required without a service code")
	}
	if in.TaxRate != nil {
		it.TaxRate = *in.TaxRate
	}

	if it.Description == "" {
		return nil, apperr.Validation(field+".description", "is required")
	}
	if err := money.CheckAmount(field+".unit_price", it.UnitPrice); err != nil {
		return nil, err
	}
	if err := money.CheckRate(field+".tax_rate", it.TaxRate); err != nil {
		return nil, err
	}
	if it.NHISPrice != nil {
		if err := money.CheckAmount(field+".nhis_price", *it.NHISPrice); err != nil {
			return nil, err
		}
	}
	if err := checkItemDiscount(field, it); err != nil {
		return nil, err
	}
	it.recompute()
	return it, nil
}

func checkItemDiscount(field string, it *Item) error {
	if err := money.CheckAmount(field+".item_discount", it.ItemDiscount); err != nil {
		return err
	}
	if it.ItemDiscount.GreaterThan(it.Gross()) {
		return apperr.Validation(field+".item_discount", "must not exceed quantity x unit price (%s)", it.Gross().StringFixed(2))
	}
	return nil
}

// -- Item mutation --

func (s *Service) AddItem(ctx context.Context, invoiceID uuid.UUID, in ItemInput) (*Invoice, error) {
	return s.edit(ctx, invoiceID, "add items to", func(ctx context.Context, inv *Invoice) error {
		it, err := s.buildItem(ctx, "item", in, inv.BranchID)
		if err != nil {
			return err
		}
		inv.Items = append(inv.Items, it)
		return nil
	})
}

func (s *Service) UpdateItem(ctx context.Context, invoiceID, itemID uuid.UUID, u ItemUpdate) (*Invoice, error) {
	return s.edit(ctx, invoiceID, "edit items of", func(_ context.Context, inv *Invoice) error {
		_, it := inv.item(itemID)
		if it == nil {
			return apperr.NotFound("invoice item", itemID.String())
		}
		if u.Description != nil {
			desc := strings.TrimSpace(*u.Description)
			if desc == "" {
				return apperr.Validation("description", "must not be empty")
			}
			it.Description = desc
		}
		if u.Quantity != nil {
			if err := money.CheckQuantity("quantity", *u.Quantity); err != nil {
				return err
			}
			it.Quantity = *u.Quantity
		}
		if u.UnitPrice != nil {
			if err := money.CheckAmount("unit_price", *u.UnitPrice); err != nil {
				return err
			}
			it.UnitPrice = *u.UnitPrice
		}
		if u.ItemDiscount != nil {
			it.ItemDiscount = *u.ItemDiscount
		}
		return checkItemDiscount("item", it)
	})
}

func (s *Service) RemoveItem(ctx context.Context, invoiceID, itemID uuid.UUID) (*Invoice, error) {
	return s.edit(ctx, invoiceID, "remove items from", func(_ context.Context, inv *Invoice) error {
		i, it := inv.item(itemID)
		if it == nil {
			return apperr.NotFound("invoice item", itemID.String())
		}
		if len(inv.Items) == 1 {
			return apperr.Validation("items", "an invoice must keep at least one item")
		}
		inv.Items = append(inv.Items[:i], inv.Items[i+1:]...)
		return nil
	})
}

// ApplyDiscount sets the invoice-level discount, replacing any earlier one.
func (s *Service) ApplyDiscount(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, reason string) (*Invoice, error) {
	if err := money.CheckAmount("amount", amount); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("reason", "is required")
	}
	inv, err := s.edit(ctx, invoiceID, "discount", func(_ context.Context, inv *Invoice) error {
		if amount.GreaterThan(inv.Subtotal) {
			return apperr.Validation("amount", "must not exceed the subtotal (%s)", inv.Subtotal.StringFixed(2))
		}
		inv.InvoiceDiscount = amount
		inv.DiscountReason = &reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("invoice", inv.InvoiceNumber).Str("discount", amount.StringFixed(2)).Str("reason", reason).Msg("invoice discount applied")
	return inv, nil
}

// edit runs fn on an editable invoice and recomputes it. The edit is refused
// when the new total would fall below what has already been paid.
func (s *Service) edit(ctx context.Context, invoiceID uuid.UUID, op string, fn MutateFunc) (*Invoice, error) {
	return s.repo.Mutate(ctx, invoiceID, func(ctx context.Context, inv *Invoice) error {
		if !inv.Editable() {
			return apperr.NotAllowed("invoice", inv.InvoiceNumber, "cannot %s a %s invoice", op, inv.Status)
		}
		if err := fn(ctx, inv); err != nil {
			return err
		}
		inv.recompute()
		if inv.Total.LessThan(inv.AmountPaid) {
			return apperr.Conflict("invoice", inv.InvoiceNumber,
				"new total %s would fall below amount paid %s", inv.Total.StringFixed(2), inv.AmountPaid.StringFixed(2))
		}
		return nil
	})
}

// CancelInvoice voids an unpaid invoice. Invoices with payments must be
// refunded first.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID uuid.UUID, reason string) (*Invoice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("reason", "is required")
	}
	now := s.clock.Now()
	inv, err := s.repo.Mutate(ctx, invoiceID, func(_ context.Context, inv *Invoice) error {
		if !inv.Editable() {
			return apperr.InvalidTransition("invoice", inv.InvoiceNumber, string(inv.Status), string(StatusCancelled))
		}
		if inv.AmountPaid.IsPositive() {
			return apperr.Conflict("invoice", inv.InvoiceNumber,
				"has %s paid; refund payments before cancelling", inv.AmountPaid.StringFixed(2))
		}
		inv.CancelReason = &reason
		inv.CancelledAt = &now
		inv.recompute()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("invoice", inv.InvoiceNumber).Str("reason", reason).Msg("invoice cancelled")
	return inv, nil
}

// -- Settlement --

// ApplyPayment adds amount to the invoice's paid total and runs record in
// the same atomic unit. Cancelled invoices and overpayments are refused.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, record RecordFunc) (*Invoice, error) {
	if err := money.CheckPositive("amount", amount); err != nil {
		return nil, err
	}
	return s.repo.Mutate(ctx, invoiceID, func(ctx context.Context, inv *Invoice) error {
		if inv.Status == StatusCancelled {
			return apperr.NotAllowed("invoice", inv.InvoiceNumber, "cannot pay a cancelled invoice")
		}
		if amount.GreaterThan(inv.Balance) {
			return apperr.Conflict("invoice", inv.InvoiceNumber,
				"payment %s exceeds balance %s", amount.StringFixed(2), inv.Balance.StringFixed(2))
		}
		inv.AmountPaid = inv.AmountPaid.Add(amount)
		inv.recompute()
		if record != nil {
			return record(ctx, inv)
		}
		return nil
	})
}

// ReversePayment takes amount back off the paid total, re-deriving the
// status, and runs record in the same atomic unit.
func (s *Service) ReversePayment(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, record RecordFunc) (*Invoice, error) {
	if err := money.CheckPositive("amount", amount); err != nil {
		return nil, err
	}
	return s.repo.Mutate(ctx, invoiceID, func(ctx context.Context, inv *Invoice) error {
		if inv.Status == StatusCancelled {
			return apperr.NotAllowed("invoice", inv.InvoiceNumber, "cannot refund against a cancelled invoice")
		}
		if amount.GreaterThan(inv.AmountPaid) {
			return apperr.Conflict("invoice", inv.InvoiceNumber,
				"reversal %s exceeds amount paid %s", amount.StringFixed(2), inv.AmountPaid.StringFixed(2))
		}
		inv.AmountPaid = inv.AmountPaid.Sub(amount)
		inv.recompute()
		if record != nil {
			return record(ctx, inv)
		}
		return nil
	})
}

// -- Queries --

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error) {
	return s.repo.GetByNumber(ctx, number)
}

func (s *Service) ListInvoices(ctx context.Context, f Filter, limit, offset int) ([]*Invoice, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
