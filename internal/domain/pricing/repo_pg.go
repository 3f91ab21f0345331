package pricing

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

// =========== Catalog Repository ===========

type catalogRepoPG struct{ pool *pgxpool.Pool }

func NewCatalogRepoPG(pool *pgxpool.Pool) CatalogRepository { return &catalogRepoPG{pool: pool} }

func (r *catalogRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const catalogCols = `id, code, name, category, description, base_price, cost_price,
	nhis_price, nhis_tariff_code, is_nhis_covered, is_taxable, tax_rate, unit,
	is_active, version, created_at, updated_at`

func scanCatalogItem(row pgx.Row) (*CatalogItem, error) {
	var c CatalogItem
	err := row.Scan(&c.ID, &c.Code, &c.Name, &c.Category, &c.Description, &c.BasePrice, &c.CostPrice,
		&c.NHISPrice, &c.NHISTariffCode, &c.IsNHISCovered, &c.IsTaxable, &c.TaxRate, &c.Unit,
		&c.IsActive, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *catalogRepoPG) Create(ctx context.Context, c *CatalogItem) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Version = 1
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_catalog (id, code, name, category, description, base_price, cost_price,
			nhis_price, nhis_tariff_code, is_nhis_covered, is_taxable, tax_rate, unit, is_active, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		c.ID, c.Code, c.Name, c.Category, c.Description, c.BasePrice, c.CostPrice,
		c.NHISPrice, c.NHISTariffCode, c.IsNHISCovered, c.IsTaxable, c.TaxRate, c.Unit, c.IsActive, c.Version,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("service", c.Code, "code already exists")
	}
	return err
}

func (r *catalogRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CatalogItem, error) {
	c, err := scanCatalogItem(r.conn(ctx).QueryRow(ctx, `SELECT `+catalogCols+` FROM service_catalog WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("service", id.String())
	}
	return c, err
}

func (r *catalogRepoPG) GetByCode(ctx context.Context, code string) (*CatalogItem, error) {
	c, err := scanCatalogItem(r.conn(ctx).QueryRow(ctx, `SELECT `+catalogCols+` FROM service_catalog WHERE code = $1`, code))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("service", code)
	}
	return c, err
}

func (r *catalogRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*CatalogItem, int, error) {
	var where []string
	var args []interface{}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.ActiveOnly {
		where = append(where, "is_active")
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR code ILIKE $%d)", len(args), len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM service_catalog`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+catalogCols+` FROM service_catalog`+clause+
		` ORDER BY category, code`+db.LimitOffset(&args, limit, offset), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*CatalogItem
	for rows.Next() {
		c, err := scanCatalogItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *catalogRepoPG) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*CatalogItem, error) {
	var out *CatalogItem
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		item, err := scanCatalogItem(q.QueryRow(ctx, `SELECT `+catalogCols+` FROM service_catalog WHERE id = $1 FOR UPDATE`, id))
		if db.IsNoRows(err) {
			return apperr.NotFound("service", id.String())
		}
		if err != nil {
			return err
		}

		entry, err := fn(item)
		if err != nil {
			return err
		}

		err = q.QueryRow(ctx, `
			UPDATE service_catalog SET name=$2, category=$3, description=$4, base_price=$5, cost_price=$6,
				nhis_price=$7, nhis_tariff_code=$8, is_nhis_covered=$9, is_taxable=$10, tax_rate=$11,
				unit=$12, is_active=$13, version=version+1, updated_at=NOW()
			WHERE id = $1
			RETURNING version, updated_at`,
			item.ID, item.Name, item.Category, item.Description, item.BasePrice, item.CostPrice,
			item.NHISPrice, item.NHISTariffCode, item.IsNHISCovered, item.IsTaxable, item.TaxRate,
			item.Unit, item.IsActive,
		).Scan(&item.Version, &item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update service %s: %w", item.Code, err)
		}

		if entry != nil {
			if entry.ID == uuid.Nil {
				entry.ID = uuid.New()
			}
			entry.ServiceID = id
			err = q.QueryRow(ctx, `
				INSERT INTO price_history (id, service_id, kind, old_price, new_price, change_reason, effective_date, changed_by)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
				RETURNING created_at`,
				entry.ID, entry.ServiceID, entry.Kind, entry.OldPrice, entry.NewPrice,
				entry.ChangeReason, entry.EffectiveDate, entry.ChangedBy,
			).Scan(&entry.CreatedAt)
			if err != nil {
				return fmt.Errorf("record price history: %w", err)
			}
		}
		out = item
		return nil
	})
	return out, err
}

func (r *catalogRepoPG) ListHistory(ctx context.Context, serviceID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, service_id, kind, old_price, new_price, change_reason, effective_date, changed_by, created_at
		FROM price_history WHERE service_id = $1 ORDER BY created_at DESC, id`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.ServiceID, &h.Kind, &h.OldPrice, &h.NewPrice, &h.ChangeReason,
			&h.EffectiveDate, &h.ChangedBy, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// =========== Branch Override Repository ===========

type overrideRepoPG struct{ pool *pgxpool.Pool }

func NewOverrideRepoPG(pool *pgxpool.Pool) OverrideRepository { return &overrideRepoPG{pool: pool} }

func (r *overrideRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const overrideCols = `id, service_id, branch_id, price, reason, effective_date, is_active, created_by, created_at`

func scanOverride(row pgx.Row) (*BranchOverride, error) {
	var o BranchOverride
	err := row.Scan(&o.ID, &o.ServiceID, &o.BranchID, &o.Price, &o.Reason, &o.EffectiveDate,
		&o.IsActive, &o.CreatedBy, &o.CreatedAt)
	return &o, err
}

func (r *overrideRepoPG) Active(ctx context.Context, serviceID, branchID uuid.UUID) (*BranchOverride, error) {
	o, err := scanOverride(r.conn(ctx).QueryRow(ctx, `SELECT `+overrideCols+` FROM branch_price_override
		WHERE service_id = $1 AND branch_id = $2 AND is_active`, serviceID, branchID))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("branch override", serviceID.String()+"/"+branchID.String())
	}
	return o, err
}

func (r *overrideRepoPG) list(ctx context.Context, query string, arg uuid.UUID) ([]*BranchOverride, error) {
	rows, err := r.conn(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BranchOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *overrideRepoPG) ListActiveByBranch(ctx context.Context, branchID uuid.UUID) ([]*BranchOverride, error) {
	return r.list(ctx, `SELECT `+overrideCols+` FROM branch_price_override WHERE branch_id = $1 AND is_active`, branchID)
}

func (r *overrideRepoPG) ListByService(ctx context.Context, serviceID uuid.UUID) ([]*BranchOverride, error) {
	return r.list(ctx, `SELECT `+overrideCols+` FROM branch_price_override WHERE service_id = $1 ORDER BY created_at DESC`, serviceID)
}

func (r *overrideRepoPG) Replace(ctx context.Context, o *BranchOverride) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		// Writers for the same service queue on the catalog row.
		var locked uuid.UUID
		if err := q.QueryRow(ctx, `SELECT id FROM service_catalog WHERE id = $1 FOR UPDATE`, o.ServiceID).Scan(&locked); err != nil {
			if db.IsNoRows(err) {
				return apperr.NotFound("service", o.ServiceID.String())
			}
			return fmt.Errorf("lock service: %w", err)
		}
		if _, err := q.Exec(ctx, `UPDATE branch_price_override SET is_active = FALSE
			WHERE service_id = $1 AND branch_id = $2 AND is_active`, o.ServiceID, o.BranchID); err != nil {
			return fmt.Errorf("deactivate override: %w", err)
		}
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		o.IsActive = true
		err := q.QueryRow(ctx, `
			INSERT INTO branch_price_override (id, service_id, branch_id, price, reason, effective_date, is_active, created_by)
			VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7)
			RETURNING created_at`,
			o.ID, o.ServiceID, o.BranchID, o.Price, o.Reason, o.EffectiveDate, o.CreatedBy,
		).Scan(&o.CreatedAt)
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("branch override", o.ServiceID.String()+"/"+o.BranchID.String(), "changed concurrently; retry")
		}
		if err != nil {
			return fmt.Errorf("insert override: %w", err)
		}
		return nil
	})
}

func (r *overrideRepoPG) Deactivate(ctx context.Context, serviceID, branchID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE branch_price_override SET is_active = FALSE
		WHERE service_id = $1 AND branch_id = $2 AND is_active`, serviceID, branchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("branch override", serviceID.String()+"/"+branchID.String())
	}
	return nil
}

// =========== Discount Scheme Repository ===========

type discountRepoPG struct{ pool *pgxpool.Pool }

func NewDiscountRepoPG(pool *pgxpool.Pool) DiscountRepository { return &discountRepoPG{pool: pool} }

func (r *discountRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const discountCols = `id, name, type, value, applies_to, eligibility_criteria, is_active, created_at`

func scanDiscount(row pgx.Row) (*DiscountScheme, error) {
	var d DiscountScheme
	err := row.Scan(&d.ID, &d.Name, &d.Type, &d.Value, &d.AppliesTo, &d.EligibilityCriteria, &d.IsActive, &d.CreatedAt)
	return &d, err
}

func (r *discountRepoPG) Create(ctx context.Context, d *DiscountScheme) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO discount_scheme (id, name, type, value, applies_to, eligibility_criteria, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		d.ID, d.Name, d.Type, d.Value, d.AppliesTo, d.EligibilityCriteria, d.IsActive,
	).Scan(&d.CreatedAt)
}

func (r *discountRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DiscountScheme, error) {
	d, err := scanDiscount(r.conn(ctx).QueryRow(ctx, `SELECT `+discountCols+` FROM discount_scheme WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("discount scheme", id.String())
	}
	return d, err
}

func (r *discountRepoPG) List(ctx context.Context, activeOnly bool) ([]*DiscountScheme, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+discountCols+` FROM discount_scheme
		WHERE is_active OR NOT $1 ORDER BY name`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DiscountScheme
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *discountRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE discount_scheme SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("discount scheme", id.String())
	}
	return nil
}
