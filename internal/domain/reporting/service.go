package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/domain/claims"
	"github.com/ehr/billing-engine/internal/domain/invoice"
	"github.com/ehr/billing-engine/internal/domain/payment"
	"github.com/ehr/billing-engine/internal/platform/clock"
)

type InvoiceSource interface {
	ListInvoices(ctx context.Context, f invoice.Filter, limit, offset int) ([]*invoice.Invoice, int, error)
}

type PaymentSource interface {
	ListPayments(ctx context.Context, f payment.Filter, limit, offset int) ([]*payment.Payment, int, error)
	ListRefunds(ctx context.Context, f payment.Filter) ([]*payment.Refund, error)
}

type ClaimSource interface {
	ListClaims(ctx context.Context, f claims.Filter, limit, offset int) ([]*claims.Claim, int, error)
}

// claimStatuses fixes the row order of the claims summary.
var claimStatuses = []claims.Status{
	claims.StatusDraft, claims.StatusSubmitted, claims.StatusApproved,
	claims.StatusRejected, claims.StatusPaid,
}

// Service computes reports on demand from the billing services. Nothing is
// cached between calls.
type Service struct {
	invoices InvoiceSource
	payments PaymentSource
	claims   ClaimSource
	clock    clock.Clock
	logger   zerolog.Logger
}

func NewService(invoices InvoiceSource, payments PaymentSource, cl ClaimSource, clk clock.Clock) *Service {
	return &Service{invoices: invoices, payments: payments, claims: cl, clock: clk, logger: zerolog.Nop()}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "reporting").Logger()
}

// DailySummary reports the calendar day containing date, in date's location.
func (s *Service) DailySummary(ctx context.Context, date time.Time) (*DailySummary, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	end := start.AddDate(0, 0, 1)

	invs, _, err := s.invoices.ListInvoices(ctx, invoice.Filter{From: &start, To: &end}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	pays, _, err := s.payments.ListPayments(ctx, payment.Filter{From: &start, To: &end}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	refunds, err := s.payments.ListRefunds(ctx, payment.Filter{From: &start, To: &end})
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}

	out := &DailySummary{
		Date:            start.Format("2006-01-02"),
		InvoiceCount:    len(invs),
		ByPaymentMethod: map[payment.Method]decimal.Decimal{},
	}
	for _, inv := range invs {
		if inv.Status == invoice.StatusCancelled {
			out.CancelledCount++
			continue
		}
		out.TotalInvoiced = out.TotalInvoiced.Add(inv.Total)
		out.TotalOutstanding = out.TotalOutstanding.Add(inv.Balance)
	}
	for _, p := range pays {
		out.TotalCollected = out.TotalCollected.Add(p.Amount)
		out.ByPaymentMethod[p.Method] = out.ByPaymentMethod[p.Method].Add(p.Amount)
	}
	for _, r := range refunds {
		out.TotalRefunded = out.TotalRefunded.Add(r.Amount)
	}
	out.NetCollected = out.TotalCollected.Sub(out.TotalRefunded)
	return out, nil
}

// OutstandingInvoices lists every invoice with a positive balance that is
// not cancelled, oldest first.
func (s *Service) OutstandingInvoices(ctx context.Context) ([]OutstandingInvoice, error) {
	invs, _, err := s.invoices.ListInvoices(ctx, invoice.Filter{OutstandingOnly: true}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list outstanding invoices: %w", err)
	}
	now := s.clock.Now()
	out := make([]OutstandingInvoice, 0, len(invs))
	for _, inv := range invs {
		out = append(out, view(inv, now))
	}
	return out, nil
}

// AgingReport groups outstanding invoices by whole days since the invoice
// date, measured from the clock at call time.
func (s *Service) AgingReport(ctx context.Context) (*AgingReport, error) {
	outstanding, err := s.OutstandingInvoices(ctx)
	if err != nil {
		return nil, err
	}
	byBucket := make(map[Bucket]*AgingBucket, len(buckets))
	rep := &AgingReport{AsOf: s.clock.Now(), Buckets: make([]AgingBucket, len(buckets))}
	for i, b := range buckets {
		rep.Buckets[i] = AgingBucket{Bucket: b, Invoices: []OutstandingInvoice{}}
		byBucket[b] = &rep.Buckets[i]
	}
	for _, o := range outstanding {
		ab := byBucket[bucketFor(o.DaysOutstanding)]
		ab.Count++
		ab.Balance = ab.Balance.Add(o.Balance)
		ab.Invoices = append(ab.Invoices, o)
		rep.TotalOutstanding = rep.TotalOutstanding.Add(o.Balance)
	}
	return rep, nil
}

// ClaimsSummary reports count and amounts per claim status. Every status
// appears, including those with no claims.
func (s *Service) ClaimsSummary(ctx context.Context) (*ClaimsSummary, error) {
	list, _, err := s.claims.ListClaims(ctx, claims.Filter{}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	rows := make(map[claims.Status]*ClaimStatusSummary, len(claimStatuses))
	out := &ClaimsSummary{ByStatus: make([]ClaimStatusSummary, len(claimStatuses))}
	for i, st := range claimStatuses {
		out.ByStatus[i] = ClaimStatusSummary{Status: st}
		rows[st] = &out.ByStatus[i]
	}
	for _, c := range list {
		row, ok := rows[c.Status]
		if !ok {
			s.logger.Warn().Str("claim_number", c.ClaimNumber).Str("status", string(c.Status)).Msg("claim with unknown status skipped")
			continue
		}
		row.Count++
		row.TotalAmount = row.TotalAmount.Add(c.TotalAmount)
		out.Count++
		out.TotalAmount = out.TotalAmount.Add(c.TotalAmount)
		if c.ApprovedAmount != nil {
			row.ApprovedAmount = row.ApprovedAmount.Add(*c.ApprovedAmount)
			out.ApprovedAmount = out.ApprovedAmount.Add(*c.ApprovedAmount)
		}
	}
	return out, nil
}

func view(inv *invoice.Invoice, now time.Time) OutstandingInvoice {
	days := int(now.Sub(inv.InvoiceDate) / (24 * time.Hour))
	if days < 0 {
		days = 0
	}
	return OutstandingInvoice{
		InvoiceID:       inv.ID,
		InvoiceNumber:   inv.InvoiceNumber,
		PatientID:       inv.PatientID,
		InvoiceDate:     inv.InvoiceDate,
		Total:           inv.Total,
		AmountPaid:      inv.AmountPaid,
		Balance:         inv.Balance,
		DaysOutstanding: days,
	}
}
