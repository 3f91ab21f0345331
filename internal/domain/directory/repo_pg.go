package directory

import (
	"context"
	"fmt"

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

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) Upsert(ctx context.Context, p *Patient) error {
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient_directory (id, mrn, full_name, nhis_number, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			mrn = EXCLUDED.mrn, full_name = EXCLUDED.full_name,
			nhis_number = EXCLUDED.nhis_number, is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		p.ID, p.MRN, p.FullName, p.NHISNumber, p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("patient", p.ID.String(), "mrn %s already registered", p.MRN)
		}
		return fmt.Errorf("upsert patient: %w", err)
	}
	return nil
}

func (r *patientRepoPG) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, mrn, full_name, nhis_number, is_active, created_at, updated_at
		FROM patient_directory WHERE id = $1`, id,
	).Scan(&p.ID, &p.MRN, &p.FullName, &p.NHISNumber, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("patient", id.String())
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}

type chargeRepoPG struct {
	pool *pgxpool.Pool
}

func NewChargeRepoPG(pool *pgxpool.Pool) ChargeRepository {
	return &chargeRepoPG{pool: pool}
}

func (r *chargeRepoPG) Replace(ctx context.Context, encounterID uuid.UUID, charges []*Charge) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		if _, err := q.Exec(ctx, `DELETE FROM encounter_charges WHERE encounter_id = $1`, encounterID); err != nil {
			return fmt.Errorf("clear encounter charges: %w", err)
		}
		for _, c := range charges {
			if c.ID == uuid.Nil {
				c.ID = uuid.New()
			}
			err := q.QueryRow(ctx, `
				INSERT INTO encounter_charges (id, encounter_id, patient_id, branch_id, sequence,
					service_code, description, quantity, unit_price, nhis_tariff_code)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
				RETURNING created_at`,
				c.ID, encounterID, c.PatientID, c.BranchID, c.Sequence,
				c.ServiceCode, c.Description, c.Quantity, c.UnitPrice, c.NHISTariffCode,
			).Scan(&c.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert encounter charge: %w", err)
			}
		}
		return nil
	})
}

func (r *chargeRepoPG) List(ctx context.Context, encounterID uuid.UUID) ([]*Charge, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, encounter_id, patient_id, branch_id, sequence, service_code, description,
			quantity, unit_price, nhis_tariff_code, created_at
		FROM encounter_charges WHERE encounter_id = $1 ORDER BY sequence`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("list encounter charges: %w", err)
	}
	defer rows.Close()
	var out []*Charge
	for rows.Next() {
		var c Charge
		if err := rows.Scan(&c.ID, &c.EncounterID, &c.PatientID, &c.BranchID, &c.Sequence, &c.ServiceCode,
			&c.Description, &c.Quantity, &c.UnitPrice, &c.NHISTariffCode, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan encounter charge: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
