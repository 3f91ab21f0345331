package directory

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/auth"
	"github.com/ehr/billing-engine/internal/platform/validation"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequirePermission(auth.PermInvoiceRead))
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/encounters/:id/charges", h.ListCharges)

	write := api.Group("", auth.RequirePermission(auth.PermDirectoryWrite))
	write.PUT("/patients/:id", h.UpsertPatient)
	write.PUT("/encounters/:id/charges", h.RecordCharges)
}

type patientRequest struct {
	MRN        string  `json:"mrn" validate:"max=50"`
	FullName   string  `json:"full_name" validate:"required,max=200"`
	NHISNumber *string `json:"nhis_number" validate:"omitempty,max=20"`
	IsActive   *bool   `json:"is_active"`
}

type chargeRequest struct {
	ServiceCode    string           `json:"service_code"`
	Description    string           `json:"description"`
	Quantity       decimal.Decimal  `json:"quantity"`
	UnitPrice      *decimal.Decimal `json:"unit_price"`
	NHISTariffCode string           `json:"nhis_tariff_code"`
}

type chargesRequest struct {
	PatientID uuid.UUID       `json:"patient_id" validate:"required"`
	BranchID  *uuid.UUID      `json:"branch_id"`
	Charges   []chargeRequest `json:"charges" validate:"required,min=1"`
}

func (h *Handler) UpsertPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req patientRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	p := &Patient{
		ID:         id,
		MRN:        req.MRN,
		FullName:   req.FullName,
		NHISNumber: req.NHISNumber,
		IsActive:   req.IsActive == nil || *req.IsActive,
	}
	if err := h.svc.UpsertPatient(c.Request().Context(), p); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RecordCharges(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req chargesRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	lines := make([]ChargeInput, len(req.Charges))
	for i, ch := range req.Charges {
		lines[i] = ChargeInput{
			ServiceCode:    ch.ServiceCode,
			Description:    ch.Description,
			Quantity:       ch.Quantity,
			UnitPrice:      ch.UnitPrice,
			NHISTariffCode: ch.NHISTariffCode,
		}
	}
	charges, err := h.svc.RecordCharges(c.Request().Context(), id, req.PatientID, req.BranchID, lines)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, charges)
}

func (h *Handler) ListCharges(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	charges, err := h.svc.ListCharges(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, charges)
}
