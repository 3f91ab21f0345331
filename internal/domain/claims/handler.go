package claims

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
	read := api.Group("", auth.RequirePermission(auth.PermClaimRead))
	read.GET("/claims", h.ListClaims)
	read.GET("/claims/:id", h.GetClaim)
	read.GET("/claims/number/:number", h.GetClaimByNumber)
	read.GET("/nhis-tariffs", h.ListTariffs)

	write := api.Group("", auth.RequirePermission(auth.PermClaimWrite))
	write.POST("/claims", h.CreateClaim)
	write.POST("/invoices/:id/claim", h.CreateFromInvoice)
	write.PUT("/claims/:id/items", h.ReplaceItems)
	write.POST("/claims/:id/submit", h.SubmitClaim)
	write.PUT("/nhis-tariffs/:code", h.UpsertTariff)

	adj := api.Group("", auth.RequirePermission(auth.PermClaimAdjudicate))
	adj.POST("/claims/:id/approve", h.ApproveClaim)
	adj.POST("/claims/:id/reject", h.RejectClaim)
	adj.POST("/claims/:id/paid", h.MarkPaid)
	adj.POST("/claims/reconcile", h.Reconcile)

	export := api.Group("", auth.RequirePermission(auth.PermClaimExport))
	export.GET("/claims/:id/xml", h.ClaimXML)
	export.POST("/claims/export", h.ExportXML)
}

type itemRequest struct {
	TariffCode string           `json:"tariff_code" validate:"required"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Amount     *decimal.Decimal `json:"amount"`
}

func inputs(items []itemRequest) []ItemInput {
	out := make([]ItemInput, len(items))
	for i, it := range items {
		out[i] = ItemInput{TariffCode: it.TariffCode, Quantity: it.Quantity, Amount: it.Amount}
	}
	return out
}

type createClaimRequest struct {
	PatientID   uuid.UUID     `json:"patient_id" validate:"required"`
	NHISNumber  string        `json:"nhis_number" validate:"required,max=20"`
	EncounterID *uuid.UUID    `json:"encounter_id"`
	Items       []itemRequest `json:"items" validate:"required,min=1,dive"`
	Notes       string        `json:"notes"`
}

type replaceItemsRequest struct {
	Items []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type approveRequest struct {
	ApprovedAmount decimal.Decimal `json:"approved_amount"`
	Items          []struct {
		ItemID         uuid.UUID       `json:"item_id" validate:"required"`
		ApprovedAmount decimal.Decimal `json:"approved_amount"`
	} `json:"items" validate:"dive"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type reconcileRequest struct {
	Entries []ReconcileEntry `json:"entries" validate:"required,min=1"`
}

type exportRequest struct {
	ClaimIDs []uuid.UUID `json:"claim_ids" validate:"required,min=1"`
}

type tariffRequest struct {
	Description string          `json:"description" validate:"required"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	IsActive    *bool           `json:"is_active"`
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var req createClaimRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	ctx := c.Request().Context()
	claim, err := h.svc.CreateClaim(ctx, CreateRequest{
		PatientID:   req.PatientID,
		NHISNumber:  req.NHISNumber,
		EncounterID: req.EncounterID,
		Items:       inputs(req.Items),
		Notes:       req.Notes,
		CreatedBy:   auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) CreateFromInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	ctx := c.Request().Context()
	claim, err := h.svc.CreateFromInvoice(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) ReplaceItems(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req replaceItemsRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	claim, err := h.svc.ReplaceItems(c.Request().Context(), id, inputs(req.Items))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	claim, err := h.svc.SubmitClaim(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ApproveClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req approveRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	var perItem []ItemApproval
	for _, it := range req.Items {
		perItem = append(perItem, ItemApproval{ItemID: it.ItemID, Amount: it.ApprovedAmount})
	}
	claim, err := h.svc.ApproveClaim(c.Request().Context(), id, req.ApprovedAmount, perItem)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) RejectClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req rejectRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	claim, err := h.svc.RejectClaim(c.Request().Context(), id, req.Reason)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) MarkPaid(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	claim, err := h.svc.MarkPaid(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) Reconcile(c echo.Context) error {
	var req reconcileRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	results := h.svc.Reconcile(c.Request().Context(), req.Entries)
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

func (h *Handler) ClaimXML(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	doc, err := h.svc.ClaimXML(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationXMLCharsetUTF8, doc)
}

func (h *Handler) ExportXML(c echo.Context) error {
	var req exportRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	doc, err := h.svc.ExportXML(c.Request().Context(), req.ClaimIDs)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="nhis-claims.xml"`)
	return c.Blob(http.StatusOK, echo.MIMEApplicationXMLCharsetUTF8, doc)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) GetClaimByNumber(c echo.Context) error {
	claim, err := h.svc.GetClaimByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f Filter
	if v := c.QueryParam("status"); v != "" {
		if !Status(v).Valid() {
			return apperr.BadRequest("status", "unknown status")
		}
		f.Status = Status(v)
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return apperr.BadRequest("patient_id", "invalid id")
		}
		f.PatientID = &id
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
	items, total, err := h.svc.ListClaims(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListTariffs(c echo.Context) error {
	tariffs, err := h.svc.ListTariffs(c.Request().Context(), c.QueryParam("category"), c.QueryParam("all") != "true")
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, tariffs)
}

func (h *Handler) UpsertTariff(c echo.Context) error {
	var req tariffRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	t := &Tariff{
		Code:        c.Param("code"),
		Description: req.Description,
		Category:    req.Category,
		Price:       req.Price,
		IsActive:    req.IsActive == nil || *req.IsActive,
	}
	if err := h.svc.UpsertTariff(c.Request().Context(), t); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, t)
}
