package directory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Patient maps to the patient_directory table: the slice of the patient
// registry that billing needs.
type Patient struct {
	ID         uuid.UUID `db:"id" json:"id"`
	MRN        string    `db:"mrn" json:"mrn"`
	FullName   string    `db:"full_name" json:"full_name"`
	NHISNumber *string   `db:"nhis_number" json:"nhis_number,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Charge maps to the encounter_charges table. One row per billable line
// captured during an encounter.
type Charge struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	EncounterID    uuid.UUID        `db:"encounter_id" json:"encounter_id"`
	PatientID      uuid.UUID        `db:"patient_id" json:"patient_id"`
	BranchID       *uuid.UUID       `db:"branch_id" json:"branch_id,omitempty"`
	Sequence       int              `db:"sequence" json:"sequence"`
	ServiceCode    *string          `db:"service_code" json:"service_code,omitempty"`
	Description    string           `db:"description" json:"description"`
	Quantity       decimal.Decimal  `db:"quantity" json:"quantity"`
	UnitPrice      *decimal.Decimal `db:"unit_price" json:"unit_price,omitempty"`
	NHISTariffCode *string          `db:"nhis_tariff_code" json:"nhis_tariff_code,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
}

type ChargeInput struct {
	ServiceCode    string
	Description    string
	Quantity       decimal.Decimal
	UnitPrice      *decimal.Decimal
	NHISTariffCode string
}
