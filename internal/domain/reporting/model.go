package reporting

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/domain/claims"
	"github.com/ehr/billing-engine/internal/domain/payment"
)

// DailySummary aggregates one calendar day of billing activity. Invoice
// figures cover invoices dated that day; collection figures cover payments
// and refunds dated that day, whatever the invoice date.
type DailySummary struct {
	Date             string                             `json:"date"`
	InvoiceCount     int                                `json:"invoice_count"`
	CancelledCount   int                                `json:"cancelled_count"`
	TotalInvoiced    decimal.Decimal                    `json:"total_invoiced"`
	TotalCollected   decimal.Decimal                    `json:"total_collected"`
	TotalRefunded    decimal.Decimal                    `json:"total_refunded"`
	NetCollected     decimal.Decimal                    `json:"net_collected"`
	TotalOutstanding decimal.Decimal                    `json:"total_outstanding"`
	ByPaymentMethod  map[payment.Method]decimal.Decimal `json:"by_payment_method"`
}

// OutstandingInvoice is the reporting view of an unpaid invoice.
type OutstandingInvoice struct {
	InvoiceID       uuid.UUID       `json:"invoice_id"`
	InvoiceNumber   string          `json:"invoice_number"`
	PatientID       uuid.UUID       `json:"patient_id"`
	InvoiceDate     time.Time       `json:"invoice_date"`
	Total           decimal.Decimal `json:"total"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	Balance         decimal.Decimal `json:"balance"`
	DaysOutstanding int             `json:"days_outstanding"`
}

type Bucket string

const (
	BucketCurrent Bucket = "0-30"
	Bucket31To60  Bucket = "31-60"
	Bucket61To90  Bucket = "61-90"
	BucketOver90  Bucket = "90+"
)

// buckets lists every bucket in report order.
var buckets = []Bucket{BucketCurrent, Bucket31To60, Bucket61To90, BucketOver90}

// bucketFor classifies an age in whole days: [0,30], (30,60], (60,90],
// (90,inf).
func bucketFor(days int) Bucket {
	switch {
	case days <= 30:
		return BucketCurrent
	case days <= 60:
		return Bucket31To60
	case days <= 90:
		return Bucket61To90
	default:
		return BucketOver90
	}
}

type AgingBucket struct {
	Bucket   Bucket               `json:"bucket"`
	Count    int                  `json:"count"`
	Balance  decimal.Decimal      `json:"balance"`
	Invoices []OutstandingInvoice `json:"invoices"`
}

type AgingReport struct {
	AsOf             time.Time       `json:"as_of"`
	Buckets          []AgingBucket   `json:"buckets"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
}

// Bucket returns the named bucket of the report.
func (r *AgingReport) Bucket(b Bucket) AgingBucket {
	for _, ab := range r.Buckets {
		if ab.Bucket == b {
			return ab
		}
	}
	return AgingBucket{Bucket: b}
}

type ClaimStatusSummary struct {
	Status         claims.Status   `json:"status"`
	Count          int             `json:"count"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	ApprovedAmount decimal.Decimal `json:"approved_amount"`
}

type ClaimsSummary struct {
	ByStatus       []ClaimStatusSummary `json:"by_status"`
	Count          int                  `json:"count"`
	TotalAmount    decimal.Decimal      `json:"total_amount"`
	ApprovedAmount decimal.Decimal      `json:"approved_amount"`
}
