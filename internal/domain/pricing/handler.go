package pricing

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/auth"
	"github.com/ehr/billing-engine/internal/platform/validation"
	"github.com/ehr/billing-engine/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequirePermission(auth.PermPricingRead))
	read.GET("/services", h.ListServices)
	read.GET("/services/:id", h.GetService)
	read.GET("/services/code/:code", h.GetServiceByCode)
	read.GET("/services/:id/price-history", h.PriceHistory)
	read.GET("/services/:id/branch-prices", h.BranchOverrideHistory)
	read.GET("/branches/:branch_id/pricing", h.BranchPricingTable)
	read.POST("/pricing/resolve", h.Resolve)
	read.GET("/discount-schemes", h.ListDiscountSchemes)

	write := api.Group("", auth.RequirePermission(auth.PermPricingWrite))
	write.POST("/services", h.CreateService)
	write.PUT("/services/:id/price", h.UpdatePrice)
	write.PUT("/services/:id/cost-price", h.UpdateCostPrice)
	write.POST("/services/:id/activate", h.ActivateService)
	write.POST("/services/:id/deactivate", h.DeactivateService)
	write.PUT("/services/:id/branch-prices/:branch_id", h.SetBranchPrice)
	write.DELETE("/services/:id/branch-prices/:branch_id", h.RemoveBranchPrice)
	write.POST("/pricing/bulk-adjust", h.BulkAdjust)
	write.POST("/discount-schemes", h.CreateDiscountScheme)
	write.POST("/discount-schemes/:id/activate", h.ActivateDiscountScheme)
	write.POST("/discount-schemes/:id/deactivate", h.DeactivateDiscountScheme)
}

type createServiceRequest struct {
	Code           string           `json:"code" validate:"required,max=50"`
	Name           string           `json:"name" validate:"required,max=200"`
	Category       string           `json:"category" validate:"required"`
	Description    *string          `json:"description"`
	BasePrice      decimal.Decimal  `json:"base_price" validate:"gte=0"`
	CostPrice      *decimal.Decimal `json:"cost_price"`
	NHISPrice      *decimal.Decimal `json:"nhis_price"`
	NHISTariffCode *string          `json:"nhis_tariff_code"`
	IsNHISCovered  bool             `json:"is_nhis_covered"`
	IsTaxable      bool             `json:"is_taxable"`
	TaxRate        decimal.Decimal  `json:"tax_rate" validate:"gte=0,lte=100"`
	Unit           string           `json:"unit"`
}

type priceChangeRequest struct {
	Price  decimal.Decimal `json:"price" validate:"gte=0"`
	Reason string          `json:"reason" validate:"required"`
}

type resolveRequest struct {
	ServiceCode      string           `json:"service_code" validate:"required"`
	BranchID         *uuid.UUID       `json:"branch_id"`
	WantsInsurance   bool             `json:"wants_insurance"`
	DiscountSchemeID *uuid.UUID       `json:"discount_scheme_id"`
	Quantity         *decimal.Decimal `json:"quantity"`
}

type bulkAdjustRequest struct {
	Category string          `json:"category"`
	Type     AdjustmentType  `json:"type" validate:"required,oneof=percentage fixed"`
	Value    decimal.Decimal `json:"value"`
	Reason   string          `json:"reason" validate:"required"`
}

type discountSchemeRequest struct {
	Name                string          `json:"name" validate:"required"`
	Type                DiscountType    `json:"type" validate:"required,oneof=percentage fixed"`
	Value               decimal.Decimal `json:"value" validate:"gte=0"`
	AppliesTo           string          `json:"applies_to"`
	EligibilityCriteria *string         `json:"eligibility_criteria"`
}

// -- Catalog --

func (h *Handler) CreateService(c echo.Context) error {
	var req createServiceRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	item := &CatalogItem{
		Code:           req.Code,
		Name:           req.Name,
		Category:       req.Category,
		Description:    req.Description,
		BasePrice:      req.BasePrice,
		CostPrice:      req.CostPrice,
		NHISPrice:      req.NHISPrice,
		NHISTariffCode: req.NHISTariffCode,
		IsNHISCovered:  req.IsNHISCovered,
		IsTaxable:      req.IsTaxable,
		TaxRate:        req.TaxRate,
		Unit:           req.Unit,
		IsActive:       true,
	}
	if err := h.svc.CreateService(c.Request().Context(), item); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) GetService(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	item, err := h.svc.GetService(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) GetServiceByCode(c echo.Context) error {
	item, err := h.svc.GetServiceByCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) ListServices(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Category: c.QueryParam("category"),
		Search:   c.QueryParam("search"),
	}
	if v := c.QueryParam("active_only"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return apperr.BadRequest("active_only", "must be a boolean")
		}
		f.ActiveOnly = active
	}
	items, total, err := h.svc.ListServices(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ActivateService(c echo.Context) error   { return h.setServiceActive(c, true) }
func (h *Handler) DeactivateService(c echo.Context) error { return h.setServiceActive(c, false) }

func (h *Handler) setServiceActive(c echo.Context, active bool) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	item, err := h.svc.SetServiceActive(c.Request().Context(), id, active)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) UpdatePrice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req priceChangeRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	ctx := c.Request().Context()
	item, err := h.svc.UpdatePrice(ctx, id, req.Price, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) UpdateCostPrice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req priceChangeRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	ctx := c.Request().Context()
	item, err := h.svc.UpdateCostPrice(ctx, id, req.Price, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) PriceHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	entries, err := h.svc.PriceHistory(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": entries})
}

func (h *Handler) BulkAdjust(c echo.Context) error {
	var req bulkAdjustRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	ctx := c.Request().Context()
	n, err := h.svc.BulkAdjust(ctx, BulkAdjustRequest{
		Category:  req.Category,
		Type:      req.Type,
		Value:     req.Value,
		Reason:    req.Reason,
		ChangedBy: auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}

// -- Branch pricing --

type branchPriceRequest struct {
	Price  decimal.Decimal `json:"price" validate:"gte=0"`
	Reason string          `json:"reason"`
}

func (h *Handler) SetBranchPrice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	branchID, err := uuid.Parse(c.Param("branch_id"))
	if err != nil {
		return apperr.BadRequest("branch_id", "invalid id")
	}
	var req branchPriceRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	ctx := c.Request().Context()
	o, err := h.svc.SetBranchPrice(ctx, id, branchID, req.Price, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) RemoveBranchPrice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	branchID, err := uuid.Parse(c.Param("branch_id"))
	if err != nil {
		return apperr.BadRequest("branch_id", "invalid id")
	}
	if err := h.svc.RemoveBranchPrice(c.Request().Context(), id, branchID); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) BranchOverrideHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	rows, err := h.svc.BranchOverrideHistory(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": rows})
}

func (h *Handler) BranchPricingTable(c echo.Context) error {
	branchID, err := uuid.Parse(c.Param("branch_id"))
	if err != nil {
		return apperr.BadRequest("branch_id", "invalid id")
	}
	rows, err := h.svc.BranchPricingTable(c.Request().Context(), branchID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"branch_id": branchID, "data": rows})
}

// -- Resolution --

func (h *Handler) Resolve(c echo.Context) error {
	var req resolveRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	rr := ResolveRequest{
		ServiceCode:      req.ServiceCode,
		BranchID:         req.BranchID,
		WantsInsurance:   req.WantsInsurance,
		DiscountSchemeID: req.DiscountSchemeID,
	}
	if req.Quantity != nil {
		rr.Quantity = *req.Quantity
	}
	res, err := h.svc.Resolve(c.Request().Context(), rr)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Discount schemes --

func (h *Handler) CreateDiscountScheme(c echo.Context) error {
	var req discountSchemeRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	d := &DiscountScheme{
		Name:                req.Name,
		Type:                req.Type,
		Value:               req.Value,
		AppliesTo:           req.AppliesTo,
		EligibilityCriteria: req.EligibilityCriteria,
		IsActive:            true,
	}
	if err := h.svc.CreateDiscountScheme(c.Request().Context(), d); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListDiscountSchemes(c echo.Context) error {
	activeOnly := c.QueryParam("active_only") == "true"
	schemes, err := h.svc.ListDiscountSchemes(c.Request().Context(), activeOnly)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": schemes})
}

func (h *Handler) ActivateDiscountScheme(c echo.Context) error {
	return h.setSchemeActive(c, true)
}

func (h *Handler) DeactivateDiscountScheme(c echo.Context) error {
	return h.setSchemeActive(c, false)
}

func (h *Handler) setSchemeActive(c echo.Context, active bool) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	if err := h.svc.SetDiscountSchemeActive(c.Request().Context(), id, active); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}
