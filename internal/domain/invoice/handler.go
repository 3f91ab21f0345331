package invoice

import (
	"net/http"
	"time"

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
	read := api.Group("", auth.RequirePermission(auth.PermInvoiceRead))
	read.GET("/invoices", h.ListInvoices)
	read.GET("/invoices/:id", h.GetInvoice)
	read.GET("/invoices/number/:number", h.GetInvoiceByNumber)

	write := api.Group("", auth.RequirePermission(auth.PermInvoiceWrite))
	write.POST("/invoices", h.CreateInvoice)
	write.POST("/invoices/:id/items", h.AddItem)
	write.PATCH("/invoices/:id/items/:item_id", h.UpdateItem)
	write.DELETE("/invoices/:id/items/:item_id", h.RemoveItem)
	write.POST("/encounters/:id/invoice", h.GenerateFromEncounter)

	api.POST("/invoices/:id/discount", h.ApplyDiscount, auth.RequirePermission(auth.PermInvoiceDiscount))
	api.POST("/invoices/:id/cancel", h.CancelInvoice, auth.RequirePermission(auth.PermInvoiceCancel))
}

type itemRequest struct {
	ServiceCode    *string          `json:"service_code"`
	Description    string           `json:"description" validate:"max=500"`
	Quantity       decimal.Decimal  `json:"quantity" validate:"gt=0"`
	UnitPrice      *decimal.Decimal `json:"unit_price"`
	ItemDiscount   decimal.Decimal  `json:"item_discount" validate:"gte=0"`
	TaxRate        *decimal.Decimal `json:"tax_rate"`
	NHISTariffCode *string          `json:"nhis_tariff_code"`
	NHISPrice      *decimal.Decimal `json:"nhis_price"`
}

func (r itemRequest) input() ItemInput {
	return ItemInput{
		ServiceCode:    r.ServiceCode,
		Description:    r.Description,
		Quantity:       r.Quantity,
		UnitPrice:      r.UnitPrice,
		ItemDiscount:   r.ItemDiscount,
		TaxRate:        r.TaxRate,
		NHISTariffCode: r.NHISTariffCode,
		NHISPrice:      r.NHISPrice,
	}
}

type createInvoiceRequest struct {
	PatientID   uuid.UUID     `json:"patient_id" validate:"required"`
	EncounterID *uuid.UUID    `json:"encounter_id"`
	BranchID    *uuid.UUID    `json:"branch_id"`
	Items       []itemRequest `json:"items" validate:"required,min=1,dive"`
	Notes       string        `json:"notes"`
}

type updateItemRequest struct {
	Description  *string          `json:"description"`
	Quantity     *decimal.Decimal `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price"`
	ItemDiscount *decimal.Decimal `json:"item_discount"`
}

type discountRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"gte=0"`
	Reason string          `json:"reason" validate:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) CreateInvoice(c echo.Context) error {
	var req createInvoiceRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	items := make([]ItemInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = it.input()
	}
	ctx := c.Request().Context()
	branchID := req.BranchID
	if branchID == nil {
		if b, err := uuid.Parse(auth.BranchFromContext(ctx)); err == nil {
			branchID = &b
		}
	}
	inv, err := h.svc.CreateInvoice(ctx, CreateRequest{
		PatientID:   req.PatientID,
		EncounterID: req.EncounterID,
		BranchID:    branchID,
		Items:       items,
		Notes:       req.Notes,
		CreatedBy:   auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GenerateFromEncounter(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	ctx := c.Request().Context()
	inv, err := h.svc.GenerateFromEncounter(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetInvoiceByNumber(c echo.Context) error {
	inv, err := h.svc.GetInvoiceByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f Filter
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return apperr.BadRequest("patient_id", "invalid id")
		}
		f.PatientID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		switch Status(v) {
		case StatusPending, StatusPartial, StatusPaid, StatusCancelled:
			f.Status = Status(v)
		default:
			return apperr.BadRequest("status", "unknown status")
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := c.QueryParam(p.name); v != "" {
			t, err := time.Parse("2006-01-02", v)
			if err != nil {
				return apperr.BadRequest(p.name, "must be YYYY-MM-DD")
			}
			*p.dst = &t
		}
	}
	if f.To != nil {
		end := f.To.AddDate(0, 0, 1)
		f.To = &end
	}
	f.OutstandingOnly = c.QueryParam("outstanding") == "true"

	items, total, err := h.svc.ListInvoices(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req itemRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	inv, err := h.svc.AddItem(c.Request().Context(), id, req.input())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) UpdateItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	itemID, err := uuid.Parse(c.Param("item_id"))
	if err != nil {
		return apperr.BadRequest("item_id", "invalid id")
	}
	var req updateItemRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	inv, err := h.svc.UpdateItem(c.Request().Context(), id, itemID, ItemUpdate{
		Description:  req.Description,
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		ItemDiscount: req.ItemDiscount,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) RemoveItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	itemID, err := uuid.Parse(c.Param("item_id"))
	if err != nil {
		return apperr.BadRequest("item_id", "invalid id")
	}
	inv, err := h.svc.RemoveItem(c.Request().Context(), id, itemID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ApplyDiscount(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req discountRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	inv, err := h.svc.ApplyDiscount(c.Request().Context(), id, req.Amount, req.Reason)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) CancelInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req cancelRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	inv, err := h.svc.CancelInvoice(c.Request().Context(), id, req.Reason)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, inv)
}
