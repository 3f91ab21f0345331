package payment

import (
	"context"
	"fmt"
	"regexp"
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

// Ledger is the part of the invoice ledger the processor settles against.
type Ledger interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*invoice.Invoice, error)
	Quote(ctx context.Context, req invoice.CreateRequest) (*invoice.Invoice, error)
	CreateInvoice(ctx context.Context, req invoice.CreateRequest) (*invoice.Invoice, error)
	CancelInvoice(ctx context.Context, id uuid.UUID, reason string) (*invoice.Invoice, error)
	ApplyPayment(ctx context.Context, id uuid.UUID, amount decimal.Decimal, record invoice.RecordFunc) (*invoice.Invoice, error)
	ReversePayment(ctx context.Context, id uuid.UUID, amount decimal.Decimal, record invoice.RecordFunc) (*invoice.Invoice, error)
}

// PatientNames resolves the name printed on a receipt.
type PatientNames interface {
	PatientName(ctx context.Context, id uuid.UUID) (string, error)
}

type Service struct {
	repo     Repository
	momo     MobileMoneyRepository
	ledger   Ledger
	gateway  Gateway
	numbers  *numbering.Generator
	clock    clock.Clock
	patients PatientNames
	logger   zerolog.Logger
}

func NewService(repo Repository, momo MobileMoneyRepository, ledger Ledger, gateway Gateway, numbers *numbering.Generator, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System(nil)
	}
	if gateway == nil {
		gateway = NewLogGateway(zerolog.Nop())
	}
	return &Service{
		repo:    repo,
		momo:    momo,
		ledger:  ledger,
		gateway: gateway,
		numbers: numbers,
		clock:   clk,
		logger:  zerolog.Nop(),
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "payment").Logger()
}

// SetPatientNames lets receipts carry the patient's name.
func (s *Service) SetPatientNames(p PatientNames) { s.patients = p }

// RecordPayment applies a payment to an invoice. The invoice update, the
// receipt number and the payment record form one atomic unit.
func (s *Service) RecordPayment(ctx context.Context, req RecordRequest) (*Receipt, error) {
	if req.InvoiceID == uuid.Nil {
		return nil, apperr.Validation("invoice_id", "is required")
	}
	if err := money.CheckPositive("amount", req.Amount); err != nil {
		return nil, err
	}
	if !req.Method.Valid() {
		return nil, apperr.Validation("method", "unknown payment method %q", req.Method)
	}

	now := s.clock.Now()
	var p *Payment
	inv, err := s.ledger.ApplyPayment(ctx, req.InvoiceID, req.Amount, func(ctx context.Context, inv *invoice.Invoice) error {
		number, err := s.numbers.Next(ctx, numbering.PrefixReceipt, now)
		if err != nil {
			return err
		}
		p = &Payment{
			ReceiptNumber:  number,
			InvoiceID:      inv.ID,
			Amount:         req.Amount,
			Method:         req.Method,
			TransactionRef: optional(req.TransactionRef),
			Notes:          optional(req.Notes),
			ReceivedBy:     optional(req.ReceivedBy),
			PaymentDate:    now,
		}
		return s.repo.CreatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("receipt", p.ReceiptNumber).
		Str("invoice", inv.InvoiceNumber).
		Str("amount", p.Amount.StringFixed(2)).
		Str("method", string(p.Method)).
		Str("status", string(inv.Status)).
		Msg("payment recorded")
	return &Receipt{
		Payment:          p,
		ReceiptNumber:    p.ReceiptNumber,
		InvoiceNumber:    inv.InvoiceNumber,
		InvoiceStatus:    inv.Status,
		RemainingBalance: inv.Balance,
	}, nil
}

// Refund returns part or all of a payment. The payment record is left
// untouched; a refund record is written alongside the invoice update.
func (s *Service) Refund(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal, reason, refundedBy string) (*RefundResult, error) {
	if err := money.CheckPositive("amount", amount); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("reason", "is required")
	}
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var rf *Refund
	inv, err := s.ledger.ReversePayment(ctx, p.InvoiceID, amount, func(ctx context.Context, inv *invoice.Invoice) error {
		refunded, err := s.repo.RefundedTotal(ctx, p.ID)
		if err != nil {
			return err
		}
		if remaining := p.Amount.Sub(refunded); amount.GreaterThan(remaining) {
			return apperr.Conflict("payment", p.ReceiptNumber,
				"refund %s exceeds refundable amount %s", amount.StringFixed(2), remaining.StringFixed(2))
		}
		number, err := s.numbers.Next(ctx, numbering.PrefixRefund, now)
		if err != nil {
			return err
		}
		rf = &Refund{
			RefundNumber: number,
			PaymentID:    p.ID,
			InvoiceID:    inv.ID,
			Amount:       amount,
			Reason:       reason,
			RefundedBy:   optional(refundedBy),
			RefundDate:   now,
		}
		return s.repo.CreateRefund(ctx, rf)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("refund", rf.RefundNumber).
		Str("receipt", p.ReceiptNumber).
		Str("invoice", inv.InvoiceNumber).
		Str("amount", amount.StringFixed(2)).
		Str("status", string(inv.Status)).
		Msg("payment refunded")
	return &RefundResult{
		Refund:        rf,
		InvoiceStatus: inv.Status,
		AmountPaid:    inv.AmountPaid,
		Balance:       inv.Balance,
	}, nil
}

// InvoiceWithPayment creates an invoice and pays it straight away. The amount
// is checked against the priced draft first, so an overpayment never issues
// an invoice number. When recording still fails the new invoice is cancelled
// so no half-finished sale stays open.
func (s *Service) InvoiceWithPayment(ctx context.Context, req invoice.CreateRequest, pay RecordRequest) (*invoice.Invoice, *Receipt, error) {
	if err := money.CheckPositive("amount", pay.Amount); err != nil {
		return nil, nil, err
	}
	if !pay.Method.Valid() {
		return nil, nil, apperr.Validation("method", "unknown payment method %q", pay.Method)
	}
	draft, err := s.ledger.Quote(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if pay.Amount.GreaterThan(draft.Total) {
		return nil, nil, apperr.Conflict("invoice", "", "payment %s exceeds total %s",
			pay.Amount.StringFixed(2), draft.Total.StringFixed(2))
	}
	inv, err := s.ledger.CreateInvoice(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	pay.InvoiceID = inv.ID
	receipt, err := s.RecordPayment(ctx, pay)
	if err != nil {
		if _, cerr := s.ledger.CancelInvoice(ctx, inv.ID, "payment at creation failed: "+err.Error()); cerr != nil {
			s.logger.Error().Err(cerr).Str("invoice", inv.InvoiceNumber).Msg("cancel after failed payment")
		}
		return nil, nil, err
	}
	inv, err = s.ledger.GetInvoice(ctx, inv.ID)
	if err != nil {
		return nil, nil, err
	}
	return inv, receipt, nil
}

// -- Mobile money --

var phonePattern = regexp.MustCompile(`^(?:\+?233|0)\d{9}$`)

// InitiateMobileMoneyPayment records a pending charge and asks the gateway
// to prompt the payer. The invoice is not touched until confirmation.
func (s *Service) InitiateMobileMoneyPayment(ctx context.Context, invoiceID uuid.UUID, phone string, network Network, amount decimal.Decimal) (*MobileMoneyTransaction, error) {
	phone = strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	if !phonePattern.MatchString(phone) {
		return nil, apperr.Validation("phone", "must be a Ghanaian mobile number")
	}
	if !network.Valid() {
		return nil, apperr.Validation("network", "must be MTN, VODAFONE or AIRTELTIGO")
	}
	if err := money.CheckPositive("amount", amount); err != nil {
		return nil, err
	}
	inv, err := s.ledger.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == invoice.StatusCancelled {
		return nil, apperr.NotAllowed("invoice", inv.InvoiceNumber, "cannot pay a cancelled invoice")
	}
	if amount.GreaterThan(inv.Balance) {
		return nil, apperr.Conflict("invoice", inv.InvoiceNumber,
			"amount %s exceeds balance %s", amount.StringFixed(2), inv.Balance.StringFixed(2))
	}

	tx := &MobileMoneyTransaction{
		Reference: newReference(),
		InvoiceID: inv.ID,
		Phone:     phone,
		Network:   network,
		Amount:    amount,
		Status:    MobileMoneyPending,
		CreatedAt: s.clock.Now(),
	}
	if err := s.momo.Create(ctx, tx); err != nil {
		return nil, err
	}

	extRef, err := s.gateway.RequestCharge(ctx, ChargeRequest{
		Reference:     tx.Reference,
		InvoiceNumber: inv.InvoiceNumber,
		Phone:         phone,
		Network:       network,
		Amount:        amount,
	})
	if err != nil {
		msg := "gateway request failed: " + err.Error()
		if _, ferr := s.momo.Mutate(ctx, tx.Reference, func(_ context.Context, t *MobileMoneyTransaction) error {
			s.fail(t, msg)
			return nil
		}); ferr != nil {
			s.logger.Error().Err(ferr).Str("reference", tx.Reference).Msg("mark mobile money transaction failed")
		}
		return nil, fmt.Errorf("request mobile money charge: %w", err)
	}
	if extRef != "" {
		tx, err = s.momo.Mutate(ctx, tx.Reference, func(_ context.Context, t *MobileMoneyTransaction) error {
			t.ExternalRef = &extRef
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	s.logger.Info().Str("reference", tx.Reference).Str("invoice", inv.InvoiceNumber).
		Str("amount", amount.StringFixed(2)).Msg("mobile money payment initiated")
	return tx, nil
}

// ConfirmMobileMoneyPayment applies the operator's answer. A successful
// charge goes through RecordPayment; a failed charge, or a payment the
// ledger refuses, leaves the invoice untouched and the transaction FAILED.
func (s *Service) ConfirmMobileMoneyPayment(ctx context.Context, reference string, success bool, externalRef, message string) (*MobileMoneyTransaction, *Receipt, error) {
	var receipt *Receipt
	tx, err := s.momo.Mutate(ctx, reference, func(ctx context.Context, t *MobileMoneyTransaction) error {
		if t.Status != MobileMoneyPending {
			return apperr.InvalidTransition("mobile money transaction", t.Reference, string(t.Status), string(MobileMoneyCompleted))
		}
		if externalRef != "" {
			t.ExternalRef = &externalRef
		}
		if !success {
			s.fail(t, message)
			return nil
		}

		ref := externalRef
		if ref == "" {
			ref = t.Reference
		}
		r, err := s.RecordPayment(ctx, RecordRequest{
			InvoiceID:      t.InvoiceID,
			Amount:         t.Amount,
			Method:         t.Network.Method(),
			TransactionRef: ref,
			Notes:          "mobile money " + t.Reference,
		})
		if err != nil {
			if apperr.KindOf(err) == "" {
				return err
			}
			s.fail(t, "payment rejected: "+err.Error())
			return nil
		}
		receipt = r
		now := s.clock.Now()
		t.Status = MobileMoneyCompleted
		t.PaymentID = &r.Payment.ID
		t.CompletedAt = &now
		if message != "" {
			t.StatusMessage = &message
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().Str("reference", tx.Reference).Str("status", string(tx.Status)).Msg("mobile money payment confirmed")
	return tx, receipt, nil
}

func (s *Service) fail(t *MobileMoneyTransaction, message string) {
	now := s.clock.Now()
	t.Status = MobileMoneyFailed
	t.CompletedAt = &now
	if message != "" {
		t.StatusMessage = &message
	}
}

func (s *Service) GetMobileMoneyTransaction(ctx context.Context, reference string) (*MobileMoneyTransaction, error) {
	return s.momo.GetByReference(ctx, reference)
}

func (s *Service) ListMobileMoneyTransactions(ctx context.Context, invoiceID uuid.UUID) ([]*MobileMoneyTransaction, error) {
	return s.momo.ListByInvoice(ctx, invoiceID)
}

// -- Queries --

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// GetReceipt assembles the receipt for a receipt number from the payment,
// its invoice and any refunds drawn against it.
func (s *Service) GetReceipt(ctx context.Context, receiptNumber string) (*ReceiptView, error) {
	receiptNumber = strings.TrimSpace(receiptNumber)
	if receiptNumber == "" {
		return nil, apperr.Validation("receipt_number", "is required")
	}
	p, err := s.repo.GetPaymentByReceipt(ctx, receiptNumber)
	if err != nil {
		return nil, err
	}
	inv, err := s.ledger.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("receipt %s invoice: %w", receiptNumber, err)
	}
	refunds, err := s.repo.ListRefunds(ctx, Filter{PaymentID: &p.ID})
	if err != nil {
		return nil, err
	}
	if refunds == nil {
		refunds = []*Refund{}
	}
	refunded := decimal.Zero
	for _, rf := range refunds {
		refunded = refunded.Add(rf.Amount)
	}

	view := &ReceiptView{
		ReceiptNumber:  p.ReceiptNumber,
		Payment:        p,
		Invoice:        inv,
		Refunds:        refunds,
		RefundedAmount: refunded,
		NetAmount:      p.Amount.Sub(refunded),
		InvoiceBalance: inv.Balance,
	}
	if s.patients != nil {
		name, err := s.patients.PatientName(ctx, inv.PatientID)
		switch {
		case err == nil:
			view.PatientName = name
		case !apperr.IsNotFound(err):
			return nil, err
		}
	}
	return view, nil
}

func (s *Service) ListPayments(ctx context.Context, f Filter, limit, offset int) ([]*Payment, int, error) {
	return s.repo.ListPayments(ctx, f, limit, offset)
}

func (s *Service) ListRefunds(ctx context.Context, f Filter) ([]*Refund, error) {
	return s.repo.ListRefunds(ctx, f)
}

func newReference() string {
	return "MM-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
