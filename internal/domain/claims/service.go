package claims

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/domain/invoice"
	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/clock"
	"github.com/ehr/billing-engine/internal/platform/money"
	"github.com/ehr/billing-engine/internal/platform/numbering"
)

// InvoiceSource reads invoices for CreateFromInvoice.
type InvoiceSource interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*invoice.Invoice, error)
}

// PatientDirectory returns a patient's NHIS membership number, or "" when
// the patient has none.
type PatientDirectory interface {
	NHISNumber(ctx context.Context, patientID uuid.UUID) (string, error)
}

type Service struct {
	repo     Repository
	tariffs  TariffRepository
	invoices InvoiceSource
	patients PatientDirectory
	numbers  *numbering.Generator
	clock    clock.Clock
	facility string
	logger   zerolog.Logger
}

func NewService(repo Repository, tariffs TariffRepository, invoices InvoiceSource, numbers *numbering.Generator, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System(nil)
	}
	return &Service{
		repo:     repo,
		tariffs:  tariffs,
		invoices: invoices,
		numbers:  numbers,
		clock:    clk,
		logger:   zerolog.Nop(),
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "claims").Logger()
}

// SetPatientDirectory enables CreateFromInvoice.
func (s *Service) SetPatientDirectory(p PatientDirectory) { s.patients = p }

// SetFacilityCode sets the provider code written into export batch headers.
func (s *Service) SetFacilityCode(code string) { s.facility = code }

// -- Tariffs --

func (s *Service) UpsertTariff(ctx context.Context, t *Tariff) error {
	t.Code = strings.TrimSpace(t.Code)
	if t.Code == "" {
		return apperr.Validation("code", "is required")
	}
	if strings.TrimSpace(t.Description) == "" {
		return apperr.Validation("description", "is required")
	}
	if err := money.CheckAmount("price", t.Price); err != nil {
		return err
	}
	return s.tariffs.Upsert(ctx, t)
}

func (s *Service) GetTariff(ctx context.Context, code string) (*Tariff, error) {
	return s.tariffs.Get(ctx, code)
}

func (s *Service) ListTariffs(ctx context.Context, category string, activeOnly bool) ([]*Tariff, error) {
	return s.tariffs.List(ctx, category, activeOnly)
}

// -- Creation --

func (s *Service) CreateClaim(ctx context.Context, req CreateRequest) (*Claim, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "is required")
	}
	req.NHISNumber = strings.TrimSpace(req.NHISNumber)
	if req.NHISNumber == "" {
		return nil, apperr.Validation("nhis_number", "is required")
	}
	items, err := s.buildItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	number, err := s.numbers.Next(ctx, numbering.PrefixClaim, now)
	if err != nil {
		return nil, err
	}
	c := &Claim{
		ClaimNumber: number,
		NHISNumber:  req.NHISNumber,
		PatientID:   req.PatientID,
		EncounterID: req.EncounterID,
		InvoiceID:   req.InvoiceID,
		Items:       items,
		Status:      StatusDraft,
		Notes:       optional(req.Notes),
		CreatedBy:   optional(req.CreatedBy),
		ClaimDate:   now,
	}
	c.recomputeTotal()
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info().Str("claim", c.ClaimNumber).Str("patient_id", c.PatientID.String()).
		Str("total", c.TotalAmount.StringFixed(2)).Int("items", len(c.Items)).Msg("claim created")
	return c, nil
}

func (s *Service) buildItems(ctx context.Context, in []ItemInput) ([]*Item, error) {
	if len(in) == 0 {
		return nil, apperr.Validation("items", "at least one item is required")
	}
	items := make([]*Item, 0, len(in))
	for i, it := range in {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(it.TariffCode) == "" {
			return nil, apperr.Validation(field+".tariff_code", "is required")
		}
		if err := money.CheckQuantity(field+".quantity", it.Quantity); err != nil {
			return nil, err
		}
		t, err := s.tariffs.Get(ctx, it.TariffCode)
		if err != nil {
			return nil, err
		}
		if !t.IsActive {
			return nil, apperr.Inactive("tariff", t.Code)
		}
		amount := money.Round(t.Price.Mul(it.Quantity))
		if it.Amount != nil {
			if err := money.CheckAmount(field+".amount", *it.Amount); err != nil {
				return nil, err
			}
			amount = *it.Amount
		}
		items = append(items, &Item{
			TariffCode:  t.Code,
			Description: t.Description,
			Quantity:    it.Quantity,
			UnitPrice:   t.Price,
			Amount:      amount,
			Status:      StatusDraft,
		})
	}
	return items, nil
}

// CreateFromInvoice claims the NHIS-tagged lines of an invoice for its
// patient. An invoice can carry only one live claim.
func (s *Service) CreateFromInvoice(ctx context.Context, invoiceID uuid.UUID, createdBy string) (*Claim, error) {
	if s.patients == nil {
		return nil, fmt.Errorf("patient directory not configured")
	}
	inv, err := s.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == invoice.StatusCancelled {
		return nil, apperr.NotAllowed("invoice", inv.InvoiceNumber, "cannot claim a cancelled invoice")
	}
	existing, _, err := s.repo.List(ctx, Filter{InvoiceID: &inv.ID}, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if c.Status != StatusRejected {
			return nil, apperr.Conflict("invoice", inv.InvoiceNumber, "already claimed on %s", c.ClaimNumber)
		}
	}

	var items []ItemInput
	for _, it := range inv.Items {
		if it.NHISTariffCode == nil || *it.NHISTariffCode == "" {
			continue
		}
		items = append(items, ItemInput{TariffCode: *it.NHISTariffCode, Quantity: it.Quantity})
	}
	if len(items) == 0 {
		return nil, apperr.Validation("invoice_id", "invoice has no NHIS-eligible items")
	}
	nhis, err := s.patients.NHISNumber(ctx, inv.PatientID)
	if err != nil {
		return nil, err
	}
	if nhis == "" {
		return nil, apperr.Validation("patient_id", "patient has no NHIS membership")
	}
	return s.CreateClaim(ctx, CreateRequest{
		PatientID:   inv.PatientID,
		NHISNumber:  nhis,
		EncounterID: inv.EncounterID,
		InvoiceID:   &inv.ID,
		Items:       items,
		CreatedBy:   createdBy,
	})
}

// ReplaceItems rewrites the lines of a draft claim.
func (s *Service) ReplaceItems(ctx context.Context, id uuid.UUID, in []ItemInput) (*Claim, error) {
	items, err := s.buildItems(ctx, in)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDraft {
		return nil, apperr.NotAllowed("claim", c.ClaimNumber, "items of a %s claim are locked", c.Status)
	}
	c.Items = items
	c.recomputeTotal()
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// -- Transitions --

// transition moves the claim to status `to` after checking the state
// machine; apply fills in the transition's data. The save is guarded by the
// version read here.
func (s *Service) transition(ctx context.Context, c *Claim, to Status, apply func(c *Claim) error) (*Claim, error) {
	if !c.Status.canMoveTo(to) {
		return nil, apperr.InvalidTransition("claim", c.ClaimNumber, string(c.Status), string(to))
	}
	from := c.Status
	if err := apply(c); err != nil {
		return nil, err
	}
	c.Status = to
	c.setItemStatus(to)
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info().Str("claim", c.ClaimNumber).Str("from", string(from)).Str("to", string(to)).Msg("claim status changed")
	return c, nil
}

func (s *Service) SubmitClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, c)
}

func (s *Service) submit(ctx context.Context, c *Claim) (*Claim, error) {
	return s.transition(ctx, c, StatusSubmitted, func(c *Claim) error {
		now := s.clock.Now()
		c.SubmittedAt = &now
		return nil
	})
}

// ApproveClaim records the insurer's approval. With per-item amounts their
// sum must equal approved and every line must be covered; without them the
// approved amount is spread over the lines pro rata.
func (s *Service) ApproveClaim(ctx context.Context, id uuid.UUID, approved decimal.Decimal, perItem []ItemApproval) (*Claim, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.approve(ctx, c, approved, perItem)
}

func (s *Service) approve(ctx context.Context, c *Claim, approved decimal.Decimal, perItem []ItemApproval) (*Claim, error) {
	if err := money.CheckAmount("approved_amount", approved); err != nil {
		return nil, err
	}
	return s.transition(ctx, c, StatusApproved, func(c *Claim) error {
		if approved.GreaterThan(c.TotalAmount) {
			return apperr.Validation("approved_amount", "must not exceed the claim total %s", c.TotalAmount.StringFixed(2))
		}
		if len(perItem) > 0 {
			if err := applyItemApprovals(c, approved, perItem); err != nil {
				return err
			}
		} else {
			allocate(c, approved)
		}
		now := s.clock.Now()
		c.ApprovedAmount = &approved
		c.ApprovedAt = &now
		return nil
	})
}

func applyItemApprovals(c *Claim, approved decimal.Decimal, perItem []ItemApproval) error {
	if len(perItem) != len(c.Items) {
		return apperr.Validation("items", "an approved amount is required for each of the %d lines", len(c.Items))
	}
	set := make(map[uuid.UUID]decimal.Decimal, len(perItem))
	sum := decimal.Zero
	for i, a := range perItem {
		field := fmt.Sprintf("items[%d].approved_amount", i)
		it := c.item(a.ItemID)
		if it == nil {
			return apperr.Validation(fmt.Sprintf("items[%d].item_id", i), "not a line of claim %s", c.ClaimNumber)
		}
		if _, dup := set[a.ItemID]; dup {
			return apperr.Validation(fmt.Sprintf("items[%d].item_id", i), "duplicate line")
		}
		if err := money.CheckAmount(field, a.Amount); err != nil {
			return err
		}
		if a.Amount.GreaterThan(it.Amount) {
			return apperr.Validation(field, "must not exceed the line amount %s", it.Amount.StringFixed(2))
		}
		set[a.ItemID] = a.Amount
		sum = sum.Add(a.Amount)
	}
	if !sum.Equal(approved) {
		return apperr.Validation("items", "line approvals sum to %s, not %s", sum.StringFixed(2), approved.StringFixed(2))
	}
	for _, it := range c.Items {
		v := set[it.ID]
		it.ApprovedAmount = &v
	}
	return nil
}

var cent = decimal.New(1, -money.Places)

// allocate spreads approved over the lines in proportion to their amounts,
// to the cent. Leftover cents go to the earliest lines with room, so no
// line is approved above its amount and the shares sum to approved.
func allocate(c *Claim, approved decimal.Decimal) {
	shares := make([]decimal.Decimal, len(c.Items))
	sum := decimal.Zero
	for i, it := range c.Items {
		if c.TotalAmount.IsPositive() {
			shares[i] = approved.Mul(it.Amount).Div(c.TotalAmount).Truncate(money.Places)
		}
		sum = sum.Add(shares[i])
	}
	for rest := approved.Sub(sum); rest.IsPositive(); {
		moved := false
		for i, it := range c.Items {
			if !rest.IsPositive() {
				break
			}
			if shares[i].Add(cent).LessThanOrEqual(it.Amount) {
				shares[i] = shares[i].Add(cent)
				rest = rest.Sub(cent)
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	for i, it := range c.Items {
		v := shares[i]
		it.ApprovedAmount = &v
	}
}

func (s *Service) RejectClaim(ctx context.Context, id uuid.UUID, reason string) (*Claim, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.reject(ctx, c, reason)
}

func (s *Service) reject(ctx context.Context, c *Claim, reason string) (*Claim, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("reason", "is required")
	}
	return s.transition(ctx, c, StatusRejected, func(c *Claim) error {
		now := s.clock.Now()
		c.RejectionReason = &reason
		c.RejectedAt = &now
		c.ApprovedAmount = nil
		for _, it := range c.Items {
			it.ApprovedAmount = nil
		}
		return nil
	})
}

func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.markPaid(ctx, c)
}

func (s *Service) markPaid(ctx context.Context, c *Claim) (*Claim, error) {
	return s.transition(ctx, c, StatusPaid, func(c *Claim) error {
		now := s.clock.Now()
		c.PaidAt = &now
		return nil
	})
}

// -- Reconciliation --

// Reconcile applies an insurer's adjudication file entry by entry. Entries
// are independent: a failure is reported and the rest still run. An entry
// whose status the claim already has is skipped.
func (s *Service) Reconcile(ctx context.Context, entries []ReconcileEntry) []ReconcileResult {
	results := make([]ReconcileResult, 0, len(entries))
	for _, e := range entries {
		res := s.reconcileOne(ctx, e)
		ev := s.logger.Info()
		if res.Outcome == OutcomeError {
			ev = s.logger.Warn()
		}
		ev.Str("claim", e.ClaimNumber).Str("status", string(e.Status)).Str("outcome", string(res.Outcome)).
			Str("error_kind", res.ErrorKind).Msg("claim reconciled")
		results = append(results, res)
	}
	return results
}

func (s *Service) reconcileOne(ctx context.Context, e ReconcileEntry) ReconcileResult {
	res := ReconcileResult{ClaimNumber: e.ClaimNumber}
	fail := func(err error) ReconcileResult {
		res.Outcome = OutcomeError
		res.ErrorKind = string(apperr.KindOf(err))
		if res.ErrorKind == "" {
			res.ErrorKind = "internal"
		}
		res.Error = err.Error()
		return res
	}

	c, err := s.repo.GetByNumber(ctx, e.ClaimNumber)
	if err != nil {
		return fail(err)
	}
	if c.Status == e.Status {
		res.Outcome = OutcomeSkipped
		res.Status = c.Status
		res.ErrorKind = string(apperr.KindInvalidTransition)
		res.Error = fmt.Sprintf("claim is already %s", c.Status)
		return res
	}

	switch e.Status {
	case StatusApproved:
		amount := c.TotalAmount
		if e.ApprovedAmount != nil {
			amount = *e.ApprovedAmount
		}
		c, err = s.approve(ctx, c, amount, nil)
	case StatusRejected:
		reason := e.RejectionReason
		if strings.TrimSpace(reason) == "" {
			reason = "Rejected during reconciliation"
		}
		c, err = s.reject(ctx, c, reason)
	case StatusPaid:
		c, err = s.markPaid(ctx, c)
	default:
		err = apperr.Validation("status", "cannot reconcile to %q", e.Status)
	}
	if err != nil {
		return fail(err)
	}
	res.Outcome = OutcomeApplied
	res.Status = c.Status
	return res
}

// -- Queries --

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetClaimByNumber(ctx context.Context, number string) (*Claim, error) {
	return s.repo.GetByNumber(ctx, number)
}

func (s *Service) ListClaims(ctx context.Context, f Filter, limit, offset int) ([]*Claim, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
