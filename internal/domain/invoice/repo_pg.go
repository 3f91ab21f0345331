package invoice

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const invoiceCols = `id, invoice_number, patient_id, encounter_id, branch_id, subtotal, item_discount,
	invoice_discount, discount, tax, total, amount_paid, balance, status, notes, discount_reason,
	cancel_reason, invoice_date, cancelled_at, created_by, version, created_at, updated_at`

const itemCols = `id, invoice_id, sequence, service_id, service_code, category, description, quantity,
	unit_price, item_discount, tax_rate, tax_amount, line_total, nhis_tariff_code, nhis_price`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.PatientID, &inv.EncounterID, &inv.BranchID,
		&inv.Subtotal, &inv.ItemDiscount, &inv.InvoiceDiscount, &inv.Discount, &inv.Tax, &inv.Total,
		&inv.AmountPaid, &inv.Balance, &inv.Status, &inv.Notes, &inv.DiscountReason, &inv.CancelReason,
		&inv.InvoiceDate, &inv.CancelledAt, &inv.CreatedBy, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	return &inv, err
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.InvoiceID, &it.Sequence, &it.ServiceID, &it.ServiceCode, &it.Category,
		&it.Description, &it.Quantity, &it.UnitPrice, &it.ItemDiscount, &it.TaxRate, &it.TaxAmount,
		&it.LineTotal, &it.NHISTariffCode, &it.NHISPrice)
	return &it, err
}

func (r *repoPG) Create(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.Version = 1
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			INSERT INTO invoices (id, invoice_number, patient_id, encounter_id, branch_id, subtotal,
				item_discount, invoice_discount, discount, tax, total, amount_paid, balance, status,
				notes, discount_reason, cancel_reason, invoice_date, cancelled_at, created_by, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			RETURNING created_at, updated_at`,
			inv.ID, inv.InvoiceNumber, inv.PatientID, inv.EncounterID, inv.BranchID, inv.Subtotal,
			inv.ItemDiscount, inv.InvoiceDiscount, inv.Discount, inv.Tax, inv.Total, inv.AmountPaid,
			inv.Balance, inv.Status, inv.Notes, inv.DiscountReason, inv.CancelReason, inv.InvoiceDate,
			inv.CancelledAt, inv.CreatedBy, inv.Version,
		).Scan(&inv.CreatedAt, &inv.UpdatedAt)
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("invoice", inv.InvoiceNumber, "number already issued")
		}
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		return r.insertItems(ctx, q, inv)
	})
}

func (r *repoPG) insertItems(ctx context.Context, q queryable, inv *Invoice) error {
	for _, it := range inv.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.InvoiceID = inv.ID
		_, err := q.Exec(ctx, `
			INSERT INTO invoice_items (`+itemCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			it.ID, it.InvoiceID, it.Sequence, it.ServiceID, it.ServiceCode, it.Category, it.Description,
			it.Quantity, it.UnitPrice, it.ItemDiscount, it.TaxRate, it.TaxAmount, it.LineTotal,
			it.NHISTariffCode, it.NHISPrice)
		if err != nil {
			return fmt.Errorf("insert invoice item: %w", err)
		}
	}
	return nil
}

// loadItems attaches items to the given invoices with one query.
func (r *repoPG) loadItems(ctx context.Context, invoices ...*Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(invoices))
	byID := make(map[uuid.UUID]*Invoice, len(invoices))
	for i, inv := range invoices {
		ids[i] = inv.ID
		inv.Items = []*Item{}
		byID[inv.ID] = inv
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM invoice_items WHERE invoice_id = ANY($1) ORDER BY invoice_id, sequence`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return err
		}
		if inv := byID[it.InvoiceID]; inv != nil {
			inv.Items = append(inv.Items, it)
		}
	}
	return rows.Err()
}

func (r *repoPG) get(ctx context.Context, where, key string, arg interface{}) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE `+where, arg))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("invoice", key)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, "id = $1", id.String(), id)
}

func (r *repoPG) GetByNumber(ctx context.Context, number string) (*Invoice, error) {
	return r.get(ctx, "invoice_number = $1", number, number)
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Invoice, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.EncounterID != nil {
		add("encounter_id = $%d", *f.EncounterID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.From != nil {
		add("invoice_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("invoice_date < $%d", *f.To)
	}
	if f.OutstandingOnly {
		where = append(where, "status <> 'CANCELLED' AND balance > 0")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoices`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+invoiceCols+` FROM invoices`+clause+
		` ORDER BY invoice_date, invoice_number`+db.LimitOffset(&args, limit, offset), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	rows.Close()
	if err := r.loadItems(ctx, out...); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Mutate locks the invoice row for the rest of the transaction. Writers
// through ctx inside fn (payments, refunds) join the same transaction.
func (r *repoPG) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Invoice, error) {
	var out *Invoice
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		inv, err := scanInvoice(q.QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
		if db.IsNoRows(err) {
			return apperr.NotFound("invoice", id.String())
		}
		if err != nil {
			return err
		}
		if err := r.loadItems(ctx, inv); err != nil {
			return err
		}
		if err := fn(ctx, inv); err != nil {
			return err
		}

		err = q.QueryRow(ctx, `
			UPDATE invoices SET subtotal=$2, item_discount=$3, invoice_discount=$4, discount=$5, tax=$6,
				total=$7, amount_paid=$8, balance=$9, status=$10, notes=$11, discount_reason=$12,
				cancel_reason=$13, cancelled_at=$14, version=version+1, updated_at=NOW()
			WHERE id = $1
			RETURNING version, updated_at`,
			inv.ID, inv.Subtotal, inv.ItemDiscount, inv.InvoiceDiscount, inv.Discount, inv.Tax,
			inv.Total, inv.AmountPaid, inv.Balance, inv.Status, inv.Notes, inv.DiscountReason,
			inv.CancelReason, inv.CancelledAt,
		).Scan(&inv.Version, &inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update invoice %s: %w", inv.InvoiceNumber, err)
		}
		if _, err := q.Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, inv.ID); err != nil {
			return fmt.Errorf("replace invoice items: %w", err)
		}
		if err := r.insertItems(ctx, q, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
