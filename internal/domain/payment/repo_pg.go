package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// filterClause renders f against a table whose date column is dateCol.
func filterClause(f Filter, dateCol string, args *[]interface{}) string {
	var where []string
	add := func(cond string, v interface{}) {
		*args = append(*args, v)
		where = append(where, fmt.Sprintf(cond, len(*args)))
	}
	if f.InvoiceID != nil {
		add("invoice_id = $%d", *f.InvoiceID)
	}
	if f.Method != "" {
		add("method = $%d", f.Method)
	}
	if f.From != nil {
		add(dateCol+" >= $%d", *f.From)
	}
	if f.To != nil {
		add(dateCol+" < $%d", *f.To)
	}
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

// =========== Payment Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const paymentCols = `id, receipt_number, invoice_id, amount, method, transaction_ref, notes,
	received_by, payment_date, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.ReceiptNumber, &p.InvoiceID, &p.Amount, &p.Method, &p.TransactionRef,
		&p.Notes, &p.ReceivedBy, &p.PaymentDate, &p.CreatedAt)
	return &p, err
}

func (r *repoPG) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payments (id, receipt_number, invoice_id, amount, method, transaction_ref, notes,
			received_by, payment_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		p.ID, p.ReceiptNumber, p.InvoiceID, p.Amount, p.Method, p.TransactionRef, p.Notes,
		p.ReceivedBy, p.PaymentDate,
	).Scan(&p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("payment", p.ReceiptNumber, "receipt number already issued")
	}
	return err
}

func (r *repoPG) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("payment", id.String())
	}
	return p, err
}

func (r *repoPG) GetPaymentByReceipt(ctx context.Context, receiptNumber string) (*Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE receipt_number = $1`, receiptNumber))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("receipt", receiptNumber)
	}
	return p, err
}

func (r *repoPG) ListPayments(ctx context.Context, f Filter, limit, offset int) ([]*Payment, int, error) {
	var args []interface{}
	clause := filterClause(f, "payment_date", &args)
	if f.PaymentID != nil {
		args = append(args, *f.PaymentID)
		if clause == "" {
			clause = " WHERE "
		} else {
			clause += " AND "
		}
		clause += fmt.Sprintf("id = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payments`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+` FROM payments`+clause+
		` ORDER BY payment_date DESC, receipt_number DESC`+db.LimitOffset(&args, limit, offset), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

const refundCols = `id, refund_number, payment_id, invoice_id, amount, reason, refunded_by, refund_date, created_at`

func (r *repoPG) CreateRefund(ctx context.Context, rf *Refund) error {
	if rf.ID == uuid.Nil {
		rf.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO refunds (id, refund_number, payment_id, invoice_id, amount, reason, refunded_by, refund_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		rf.ID, rf.RefundNumber, rf.PaymentID, rf.InvoiceID, rf.Amount, rf.Reason, rf.RefundedBy, rf.RefundDate,
	).Scan(&rf.CreatedAt)
}

func (r *repoPG) ListRefunds(ctx context.Context, f Filter) ([]*Refund, error) {
	var args []interface{}
	f.Method = ""
	clause := filterClause(f, "refund_date", &args)
	if f.PaymentID != nil {
		args = append(args, *f.PaymentID)
		if clause == "" {
			clause = " WHERE "
		} else {
			clause += " AND "
		}
		clause += fmt.Sprintf("payment_id = $%d", len(args))
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+refundCols+` FROM refunds`+clause+` ORDER BY refund_date DESC, refund_number DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Refund
	for rows.Next() {
		var rf Refund
		if err := rows.Scan(&rf.ID, &rf.RefundNumber, &rf.PaymentID, &rf.InvoiceID, &rf.Amount, &rf.Reason,
			&rf.RefundedBy, &rf.RefundDate, &rf.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rf)
	}
	return out, rows.Err()
}

func (r *repoPG) RefundedTotal(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE payment_id = $1`, paymentID).Scan(&total)
	return total, err
}

// =========== Mobile Money Repository ===========

type mobileMoneyRepoPG struct{ pool *pgxpool.Pool }

func NewMobileMoneyRepoPG(pool *pgxpool.Pool) MobileMoneyRepository {
	return &mobileMoneyRepoPG{pool: pool}
}

func (r *mobileMoneyRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const momoCols = `id, reference, invoice_id, phone, network, amount, status, external_ref,
	status_message, payment_id, created_at, completed_at`

func scanMobileMoney(row pgx.Row) (*MobileMoneyTransaction, error) {
	var tx MobileMoneyTransaction
	err := row.Scan(&tx.ID, &tx.Reference, &tx.InvoiceID, &tx.Phone, &tx.Network, &tx.Amount, &tx.Status,
		&tx.ExternalRef, &tx.StatusMessage, &tx.PaymentID, &tx.CreatedAt, &tx.CompletedAt)
	return &tx, err
}

func (r *mobileMoneyRepoPG) Create(ctx context.Context, tx *MobileMoneyTransaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO mobile_money_transactions (`+momoCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tx.ID, tx.Reference, tx.InvoiceID, tx.Phone, tx.Network, tx.Amount, tx.Status,
		tx.ExternalRef, tx.StatusMessage, tx.PaymentID, tx.CreatedAt, tx.CompletedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("mobile money transaction", tx.Reference, "reference already used")
	}
	return err
}

func (r *mobileMoneyRepoPG) GetByReference(ctx context.Context, ref string) (*MobileMoneyTransaction, error) {
	tx, err := scanMobileMoney(r.conn(ctx).QueryRow(ctx, `SELECT `+momoCols+` FROM mobile_money_transactions WHERE reference = $1`, ref))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("mobile money transaction", ref)
	}
	return tx, err
}

func (r *mobileMoneyRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*MobileMoneyTransaction, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+momoCols+` FROM mobile_money_transactions WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MobileMoneyTransaction
	for rows.Next() {
		tx, err := scanMobileMoney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *mobileMoneyRepoPG) Mutate(ctx context.Context, ref string, fn func(ctx context.Context, tx *MobileMoneyTransaction) error) (*MobileMoneyTransaction, error) {
	var out *MobileMoneyTransaction
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		tx, err := scanMobileMoney(q.QueryRow(ctx, `SELECT `+momoCols+` FROM mobile_money_transactions WHERE reference = $1 FOR UPDATE`, ref))
		if db.IsNoRows(err) {
			return apperr.NotFound("mobile money transaction", ref)
		}
		if err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		_, err = q.Exec(ctx, `
			UPDATE mobile_money_transactions
			SET status=$2, external_ref=$3, status_message=$4, payment_id=$5, completed_at=$6
			WHERE id = $1`,
			tx.ID, tx.Status, tx.ExternalRef, tx.StatusMessage, tx.PaymentID, tx.CompletedAt)
		if err != nil {
			return fmt.Errorf("update mobile money transaction %s: %w", ref, err)
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
