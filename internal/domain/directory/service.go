package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/billing-engine/internal/domain/invoice"
	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/money"
)

// Service is the billing-side view of the patient registry and of the
// charges captured during encounters. It implements the patient and
// encounter lookups consumed by invoicing and claims.
type Service struct {
	patients PatientRepository
	charges  ChargeRepository
	logger   zerolog.Logger
}

func NewService(patients PatientRepository, charges ChargeRepository) *Service {
	return &Service{patients: patients, charges: charges, logger: zerolog.Nop()}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "directory").Logger()
}

func (s *Service) UpsertPatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		return apperr.Validation("id", "is required")
	}
	p.FullName = strings.TrimSpace(p.FullName)
	if p.FullName == "" {
		return apperr.Validation("full_name", "is required")
	}
	if p.NHISNumber != nil {
		n := strings.TrimSpace(*p.NHISNumber)
		if n == "" {
			p.NHISNumber = nil
		} else {
			p.NHISNumber = &n
		}
	}
	if err := s.patients.Upsert(ctx, p); err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Bool("active", p.IsActive).Msg("patient registered")
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.Get(ctx, id)
}

// PatientExists reports whether id names an active patient.
func (s *Service) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	p, err := s.patients.Get(ctx, id)
	if err != nil {
		if apperr.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return p.IsActive, nil
}

// PatientName returns the patient's full name for printed documents.
func (s *Service) PatientName(ctx context.Context, id uuid.UUID) (string, error) {
	p, err := s.patients.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.FullName, nil
}

// NHISNumber returns the patient's scheme membership number, or "" when the
// patient has none.
func (s *Service) NHISNumber(ctx context.Context, id uuid.UUID) (string, error) {
	p, err := s.patients.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if p.NHISNumber == nil {
		return "", nil
	}
	return *p.NHISNumber, nil
}

// RecordCharges replaces the billable lines of an encounter.
func (s *Service) RecordCharges(ctx context.Context, encounterID, patientID uuid.UUID, branchID *uuid.UUID, lines []ChargeInput) ([]*Charge, error) {
	if encounterID == uuid.Nil {
		return nil, apperr.Validation("encounter_id", "is required")
	}
	if _, err := s.patients.Get(ctx, patientID); err != nil {
		return nil, err
	}
	charges := make([]*Charge, len(lines))
	for i, in := range lines {
		field := fmt.Sprintf("charges[%d]", i)
		if strings.TrimSpace(in.ServiceCode) == "" && strings.TrimSpace(in.Description) == "" {
			return nil, apperr.Validation(field, "service code or description is required")
		}
		if err := money.CheckQuantity(field+".quantity", in.Quantity); err != nil {
			return nil, err
		}
		if in.UnitPrice != nil {
			if err := money.CheckAmount(field+".unit_price", *in.UnitPrice); err != nil {
				return nil, err
			}
		}
		charges[i] = &Charge{
			EncounterID:    encounterID,
			PatientID:      patientID,
			BranchID:       branchID,
			Sequence:       i + 1,
			ServiceCode:    optional(in.ServiceCode),
			Description:    strings.TrimSpace(in.Description),
			Quantity:       in.Quantity,
			UnitPrice:      in.UnitPrice,
			NHISTariffCode: optional(in.NHISTariffCode),
		}
	}
	if err := s.charges.Replace(ctx, encounterID, charges); err != nil {
		return nil, err
	}
	s.logger.Info().Str("encounter_id", encounterID.String()).Int("charges", len(charges)).Msg("encounter charges recorded")
	return charges, nil
}

func (s *Service) ListCharges(ctx context.Context, encounterID uuid.UUID) ([]*Charge, error) {
	return s.charges.List(ctx, encounterID)
}

// BillableEncounter assembles the invoice lines of an encounter from its
// recorded charges. An encounter without charges is not found.
func (s *Service) BillableEncounter(ctx context.Context, id uuid.UUID) (*invoice.Encounter, error) {
	charges, err := s.charges.List(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(charges) == 0 {
		return nil, apperr.NotFound("encounter", id.String())
	}
	enc := &invoice.Encounter{
		ID:        id,
		PatientID: charges[0].PatientID,
		BranchID:  charges[0].BranchID,
		Lines:     make([]invoice.ItemInput, len(charges)),
	}
	for i, c := range charges {
		enc.Lines[i] = invoice.ItemInput{
			ServiceCode:    c.ServiceCode,
			Description:    c.Description,
			Quantity:       c.Quantity,
			UnitPrice:      c.UnitPrice,
			NHISTariffCode: c.NHISTariffCode,
		}
	}
	return enc, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
