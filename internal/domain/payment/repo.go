package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Repository interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetPaymentByReceipt(ctx context.Context, receiptNumber string) (*Payment, error)
	// ListPayments returns newest first. A non-positive limit returns all.
	ListPayments(ctx context.Context, f Filter, limit, offset int) ([]*Payment, int, error)
	CreateRefund(ctx context.Context, r *Refund) error
	ListRefunds(ctx context.Context, f Filter) ([]*Refund, error)
	RefundedTotal(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error)
}

type MobileMoneyRepository interface {
	Create(ctx context.Context, tx *MobileMoneyTransaction) error
	GetByReference(ctx context.Context, ref string) (*MobileMoneyTransaction, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*MobileMoneyTransaction, error)
	// Mutate locks the transaction, runs fn and stores the result.
	Mutate(ctx context.Context, ref string, fn func(ctx context.Context, tx *MobileMoneyTransaction) error) (*MobileMoneyTransaction, error)
}
