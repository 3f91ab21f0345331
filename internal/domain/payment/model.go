package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/domain/invoice"
)

type Method string

const (
	MethodCash            Method = "CASH"
	MethodCard            Method = "CARD"
	MethodMTNMoMo         Method = "MTN_MOMO"
	MethodVodafoneCash    Method = "VODAFONE_CASH"
	MethodAirtelTigoMoney Method = "AIRTELTIGO_MONEY"
	MethodBankTransfer    Method = "BANK_TRANSFER"
	MethodNHIS            Method = "NHIS"
	MethodInsurance       Method = "INSURANCE"
	MethodCheque          Method = "CHEQUE"
)

var methods = map[Method]bool{
	MethodCash: true, MethodCard: true, MethodMTNMoMo: true, MethodVodafoneCash: true,
	MethodAirtelTigoMoney: true, MethodBankTransfer: true, MethodNHIS: true,
	MethodInsurance: true, MethodCheque: true,
}

func (m Method) Valid() bool { return methods[m] }

// Payment maps to the payments table. Payments are never updated; refunds
// are separate records.
type Payment struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	ReceiptNumber  string          `db:"receipt_number" json:"receipt_number"`
	InvoiceID      uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Method         Method          `db:"method" json:"method"`
	TransactionRef *string         `db:"transaction_ref" json:"transaction_ref,omitempty"`
	Notes          *string         `db:"notes" json:"notes,omitempty"`
	ReceivedBy     *string         `db:"received_by" json:"received_by,omitempty"`
	PaymentDate    time.Time       `db:"payment_date" json:"payment_date"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Refund maps to the refunds table.
type Refund struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	RefundNumber string          `db:"refund_number" json:"refund_number"`
	PaymentID    uuid.UUID       `db:"payment_id" json:"payment_id"`
	InvoiceID    uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	Reason       string          `db:"reason" json:"reason"`
	RefundedBy   *string         `db:"refunded_by" json:"refunded_by,omitempty"`
	RefundDate   time.Time       `db:"refund_date" json:"refund_date"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

type Network string

const (
	NetworkMTN        Network = "MTN"
	NetworkVodafone   Network = "VODAFONE"
	NetworkAirtelTigo Network = "AIRTELTIGO"
)

// Method returns the payment method recorded for a confirmed charge.
func (n Network) Method() Method {
	switch n {
	case NetworkMTN:
		return MethodMTNMoMo
	case NetworkVodafone:
		return MethodVodafoneCash
	default:
		return MethodAirtelTigoMoney
	}
}

func (n Network) Valid() bool {
	return n == NetworkMTN || n == NetworkVodafone || n == NetworkAirtelTigo
}

type MobileMoneyStatus string

const (
	MobileMoneyPending   MobileMoneyStatus = "PENDING"
	MobileMoneyCompleted MobileMoneyStatus = "COMPLETED"
	MobileMoneyFailed    MobileMoneyStatus = "FAILED"
)

// MobileMoneyTransaction maps to the mobile_money_transactions table. It
// tracks one charge request from initiation to confirmation.
type MobileMoneyTransaction struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	Reference     string            `db:"reference" json:"reference"`
	InvoiceID     uuid.UUID         `db:"invoice_id" json:"invoice_id"`
	Phone         string            `db:"phone" json:"phone"`
	Network       Network           `db:"network" json:"network"`
	Amount        decimal.Decimal   `db:"amount" json:"amount"`
	Status        MobileMoneyStatus `db:"status" json:"status"`
	ExternalRef   *string           `db:"external_ref" json:"external_ref,omitempty"`
	StatusMessage *string           `db:"status_message" json:"status_message,omitempty"`
	PaymentID     *uuid.UUID        `db:"payment_id" json:"payment_id,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	CompletedAt   *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}

// Receipt is the result of recording a payment.
type Receipt struct {
	Payment          *Payment        `json:"payment"`
	ReceiptNumber    string          `json:"receipt_number"`
	InvoiceNumber    string          `json:"invoice_number"`
	InvoiceStatus    invoice.Status  `json:"invoice_status"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

// ReceiptView is the printable receipt: the payment with the invoice it
// settled and what has been refunded from it since.
type ReceiptView struct {
	ReceiptNumber  string           `json:"receipt_number"`
	Payment        *Payment         `json:"payment"`
	Invoice        *invoice.Invoice `json:"invoice"`
	PatientName    string           `json:"patient_name,omitempty"`
	Refunds        []*Refund        `json:"refunds"`
	RefundedAmount decimal.Decimal  `json:"refunded_amount"`
	NetAmount      decimal.Decimal  `json:"net_amount"`
	InvoiceBalance decimal.Decimal  `json:"invoice_balance"`
}

// RefundResult is the result of a refund.
type RefundResult struct {
	Refund        *Refund         `json:"refund"`
	InvoiceStatus invoice.Status  `json:"invoice_status"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Balance       decimal.Decimal `json:"balance"`
}

type RecordRequest struct {
	InvoiceID      uuid.UUID
	Amount         decimal.Decimal
	Method         Method
	TransactionRef string
	Notes          string
	ReceivedBy     string
}

// Filter narrows payment and refund listings. From is inclusive, To
// exclusive.
type Filter struct {
	InvoiceID *uuid.UUID
	PaymentID *uuid.UUID
	Method    Method
	From      *time.Time
	To        *time.Time
}
