package claims

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

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Claim Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const claimCols = `id, claim_number, nhis_number, patient_id, encounter_id, invoice_id, total_amount,
	approved_amount, status, rejection_reason, notes, claim_date, submitted_at, approved_at,
	rejected_at, paid_at, created_by, version, created_at, updated_at`

const claimItemCols = `id, claim_id, sequence, tariff_code, description, quantity, unit_price, amount,
	approved_amount, status`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.NHISNumber, &c.PatientID, &c.EncounterID, &c.InvoiceID,
		&c.TotalAmount, &c.ApprovedAmount, &c.Status, &c.RejectionReason, &c.Notes, &c.ClaimDate,
		&c.SubmittedAt, &c.ApprovedAt, &c.RejectedAt, &c.PaidAt, &c.CreatedBy, &c.Version,
		&c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *repoPG) insertItems(ctx context.Context, q queryable, c *Claim) error {
	for _, it := range c.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.ClaimID = c.ID
		_, err := q.Exec(ctx, `INSERT INTO nhis_claim_items (`+claimItemCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			it.ID, it.ClaimID, it.Sequence, it.TariffCode, it.Description, it.Quantity, it.UnitPrice,
			it.Amount, it.ApprovedAmount, it.Status)
		if err != nil {
			return fmt.Errorf("insert claim item %d: %w", it.Sequence, err)
		}
	}
	return nil
}

func (r *repoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Version = 1
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			INSERT INTO nhis_claims (id, claim_number, nhis_number, patient_id, encounter_id, invoice_id,
				total_amount, approved_amount, status, rejection_reason, notes, claim_date, submitted_at,
				approved_at, rejected_at, paid_at, created_by, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			RETURNING created_at, updated_at`,
			c.ID, c.ClaimNumber, c.NHISNumber, c.PatientID, c.EncounterID, c.InvoiceID, c.TotalAmount,
			c.ApprovedAmount, c.Status, c.RejectionReason, c.Notes, c.ClaimDate, c.SubmittedAt,
			c.ApprovedAt, c.RejectedAt, c.PaidAt, c.CreatedBy, c.Version,
		).Scan(&c.CreatedAt, &c.UpdatedAt)
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("claim", c.ClaimNumber, "number already issued")
		}
		if err != nil {
			return err
		}
		return r.insertItems(ctx, q, c)
	})
}

func (r *repoPG) loadItems(ctx context.Context, claims []*Claim) error {
	if len(claims) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(claims))
	byID := make(map[uuid.UUID]*Claim, len(claims))
	for i, c := range claims {
		ids[i] = c.ID
		byID[c.ID] = c
		c.Items = nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimItemCols+` FROM nhis_claim_items
		WHERE claim_id = ANY($1) ORDER BY claim_id, sequence`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.ClaimID, &it.Sequence, &it.TariffCode, &it.Description,
			&it.Quantity, &it.UnitPrice, &it.Amount, &it.ApprovedAmount, &it.Status); err != nil {
			return err
		}
		if c := byID[it.ClaimID]; c != nil {
			c.Items = append(c.Items, &it)
		}
	}
	return rows.Err()
}

func (r *repoPG) getOne(ctx context.Context, where string, arg interface{}, label string) (*Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM nhis_claims WHERE `+where, arg))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("claim", label)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, []*Claim{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.getOne(ctx, "id = $1", id, id.String())
}

func (r *repoPG) GetByNumber(ctx context.Context, number string) (*Claim, error) {
	return r.getOne(ctx, "claim_number = $1", number, number)
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Claim, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.InvoiceID != nil {
		add("invoice_id = $%d", *f.InvoiceID)
	}
	if f.From != nil {
		add("claim_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("claim_date < $%d", *f.To)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM nhis_claims`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM nhis_claims`+clause+
		` ORDER BY claim_date DESC, claim_number DESC`+db.LimitOffset(&args, limit, offset), args...)
	if err != nil {
		return nil, 0, err
	}
	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.loadItems(ctx, out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *repoPG) Update(ctx context.Context, c *Claim) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			UPDATE nhis_claims SET
				nhis_number=$3, total_amount=$4, approved_amount=$5, status=$6, rejection_reason=$7,
				notes=$8, submitted_at=$9, approved_at=$10, rejected_at=$11, paid_at=$12,
				version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at`,
			c.ID, c.Version, c.NHISNumber, c.TotalAmount, c.ApprovedAmount, c.Status, c.RejectionReason,
			c.Notes, c.SubmittedAt, c.ApprovedAt, c.RejectedAt, c.PaidAt,
		).Scan(&c.Version, &c.UpdatedAt)
		if db.IsNoRows(err) {
			var current int
			if err := q.QueryRow(ctx, `SELECT version FROM nhis_claims WHERE id = $1`, c.ID).Scan(&current); err != nil {
				if db.IsNoRows(err) {
					return apperr.NotFound("claim", c.ID.String())
				}
				return err
			}
			return apperr.Conflict("claim", c.ClaimNumber, "modified concurrently (version %d, now %d)", c.Version, current)
		}
		if err != nil {
			return fmt.Errorf("update claim %s: %w", c.ClaimNumber, err)
		}
		if _, err := q.Exec(ctx, `DELETE FROM nhis_claim_items WHERE claim_id = $1`, c.ID); err != nil {
			return fmt.Errorf("replace claim items: %w", err)
		}
		return r.insertItems(ctx, q, c)
	})
}

// =========== Tariff Repository ===========

type tariffRepoPG struct{ pool *pgxpool.Pool }

func NewTariffRepoPG(pool *pgxpool.Pool) TariffRepository { return &tariffRepoPG{pool: pool} }

func (r *tariffRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const tariffCols = `code, description, category, price, is_active, created_at, updated_at`

func (r *tariffRepoPG) Upsert(ctx context.Context, t *Tariff) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO nhis_tariffs (code, description, category, price, is_active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (code) DO UPDATE SET
			description = EXCLUDED.description, category = EXCLUDED.category,
			price = EXCLUDED.price, is_active = EXCLUDED.is_active, updated_at = NOW()
		RETURNING created_at, updated_at`,
		t.Code, t.Description, t.Category, t.Price, t.IsActive,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *tariffRepoPG) Get(ctx context.Context, code string) (*Tariff, error) {
	var t Tariff
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+tariffCols+` FROM nhis_tariffs WHERE code = $1`, code).
		Scan(&t.Code, &t.Description, &t.Category, &t.Price, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("tariff", code)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tariffRepoPG) List(ctx context.Context, category string, activeOnly bool) ([]*Tariff, error) {
	query := `SELECT ` + tariffCols + ` FROM nhis_tariffs WHERE ($1 = '' OR category = $1) AND (NOT $2 OR is_active) ORDER BY code`
	rows, err := r.conn(ctx).Query(ctx, query, category, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Tariff
	for rows.Next() {
		var t Tariff
		if err := rows.Scan(&t.Code, &t.Description, &t.Category, &t.Price, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
