package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/keylock"
	"github.com/ehr/billing-engine/pkg/pagination"
)

// =========== Payments and refunds ===========

type repoMemory struct {
	mu       sync.RWMutex
	payments map[uuid.UUID]*Payment
	refunds  []*Refund
}

func NewRepoMemory() Repository {
	return &repoMemory{payments: make(map[uuid.UUID]*Payment)}
}

func (r *repoMemory) CreatePayment(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.ReceiptNumber == p.ReceiptNumber {
			return apperr.Conflict("payment", p.ReceiptNumber, "receipt number already issued")
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *repoMemory) GetPayment(_ context.Context, id uuid.UUID) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment", id.String())
	}
	cp := *p
	return &cp, nil
}

func (r *repoMemory) GetPaymentByReceipt(_ context.Context, receiptNumber string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.payments {
		if p.ReceiptNumber == receiptNumber {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("receipt", receiptNumber)
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && !t.Before(*to) {
		return false
	}
	return true
}

func (r *repoMemory) ListPayments(_ context.Context, f Filter, limit, offset int) ([]*Payment, int, error) {
	r.mu.RLock()
	var out []*Payment
	for _, p := range r.payments {
		if f.InvoiceID != nil && p.InvoiceID != *f.InvoiceID {
			continue
		}
		if f.PaymentID != nil && p.ID != *f.PaymentID {
			continue
		}
		if f.Method != "" && p.Method != f.Method {
			continue
		}
		if !inRange(p.PaymentDate, f.From, f.To) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.After(out[j].PaymentDate)
		}
		return out[i].ReceiptNumber > out[j].ReceiptNumber
	})
	return pagination.Slice(out, limit, offset), len(out), nil
}

func (r *repoMemory) CreateRefund(_ context.Context, rf *Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rf.ID == uuid.Nil {
		rf.ID = uuid.New()
	}
	rf.CreatedAt = time.Now().UTC()
	cp := *rf
	r.refunds = append(r.refunds, &cp)
	return nil
}

func (r *repoMemory) ListRefunds(_ context.Context, f Filter) ([]*Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Refund
	for i := len(r.refunds) - 1; i >= 0; i-- {
		rf := r.refunds[i]
		if f.InvoiceID != nil && rf.InvoiceID != *f.InvoiceID {
			continue
		}
		if f.PaymentID != nil && rf.PaymentID != *f.PaymentID {
			continue
		}
		if !inRange(rf.RefundDate, f.From, f.To) {
			continue
		}
		cp := *rf
		out = append(out, &cp)
	}
	return out, nil
}

func (r *repoMemory) RefundedTotal(_ context.Context, paymentID uuid.UUID) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for _, rf := range r.refunds {
		if rf.PaymentID == paymentID {
			total = total.Add(rf.Amount)
		}
	}
	return total, nil
}

// =========== Mobile money ===========

type mobileMoneyRepoMemory struct {
	mu    sync.RWMutex
	locks *keylock.Locker
	txs   map[string]*MobileMoneyTransaction
}

func NewMobileMoneyRepoMemory() MobileMoneyRepository {
	return &mobileMoneyRepoMemory{locks: keylock.New(), txs: make(map[string]*MobileMoneyTransaction)}
}

func (r *mobileMoneyRepoMemory) Create(_ context.Context, tx *MobileMoneyTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.txs[tx.Reference]; dup {
		return apperr.Conflict("mobile money transaction", tx.Reference, "reference already used")
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	cp := *tx
	r.txs[tx.Reference] = &cp
	return nil
}

func (r *mobileMoneyRepoMemory) GetByReference(_ context.Context, ref string) (*MobileMoneyTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.txs[ref]
	if !ok {
		return nil, apperr.NotFound("mobile money transaction", ref)
	}
	cp := *tx
	return &cp, nil
}

func (r *mobileMoneyRepoMemory) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*MobileMoneyTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*MobileMoneyTransaction
	for _, tx := range r.txs {
		if tx.InvoiceID == invoiceID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *mobileMoneyRepoMemory) Mutate(ctx context.Context, ref string, fn func(ctx context.Context, tx *MobileMoneyTransaction) error) (*MobileMoneyTransaction, error) {
	unlock := r.locks.Lock(ref)
	defer unlock()

	tx, err := r.GetByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tx
	r.txs[ref] = &cp
	return tx, nil
}
