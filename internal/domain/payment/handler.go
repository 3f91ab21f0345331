package payment

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/domain/invoice"
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
	read.GET("/payments", h.ListPayments)
	read.GET("/payments/:id", h.GetPayment)
	read.GET("/payments/:id/refunds", h.ListRefunds)
	read.GET("/receipts/:number", h.GetReceipt)
	read.GET("/mobile-money/:reference", h.GetMobileMoney)
	read.GET("/invoices/:id/mobile-money", h.ListMobileMoney)

	record := api.Group("", auth.RequirePermission(auth.PermPaymentRecord))
	record.POST("/invoices/:id/payments", h.RecordPayment)
	record.POST("/invoices/:id/mobile-money", h.InitiateMobileMoney)
	record.POST("/invoices/with-payment", h.InvoiceWithPayment, auth.RequirePermission(auth.PermInvoiceWrite))

	api.POST("/payments/:id/refunds", h.Refund, auth.RequirePermission(auth.PermPaymentRefund))
	api.POST("/mobile-money/:reference/confirm", h.ConfirmMobileMoney, auth.RequirePermission(auth.PermPaymentRecord))
}

type paymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Method         Method          `json:"method" validate:"required"`
	TransactionRef string          `json:"transaction_ref" validate:"max=100"`
	Notes          string          `json:"notes" validate:"max=500"`
}

func (r paymentRequest) record(invoiceID uuid.UUID, receivedBy string) RecordRequest {
	return RecordRequest{
		InvoiceID:      invoiceID,
		Amount:         r.Amount,
		Method:         r.Method,
		TransactionRef: r.TransactionRef,
		Notes:          r.Notes,
		ReceivedBy:     receivedBy,
	}
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"required,max=500"`
}

type mobileMoneyRequest struct {
	Phone   string          `json:"phone" validate:"required"`
	Network Network         `json:"network" validate:"required"`
	Amount  decimal.Decimal `json:"amount"`
}

type confirmRequest struct {
	Success     bool   `json:"success"`
	ExternalRef string `json:"external_ref"`
	Message     string `json:"message"`
}

type invoiceWithPaymentRequest struct {
	PatientID uuid.UUID            `json:"patient_id" validate:"required"`
	BranchID  *uuid.UUID           `json:"branch_id"`
	Items     []invoiceItemRequest `json:"items" validate:"required,min=1,dive"`
	Notes     string               `json:"notes"`
	Payment   paymentRequest       `json:"payment"`
}

type invoiceItemRequest struct {
	ServiceCode  *string          `json:"service_code"`
	Description  string           `json:"description" validate:"max=500"`
	Quantity     decimal.Decimal  `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price"`
	ItemDiscount decimal.Decimal  `json:"item_discount"`
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req paymentRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	ctx := c.Request().Context()
	receipt, err := h.svc.RecordPayment(ctx, req.record(id, auth.UserIDFromContext(ctx)))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, receipt)
}

func (h *Handler) Refund(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req refundRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	ctx := c.Request().Context()
	result, err := h.svc.Refund(ctx, id, req.Amount, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) InvoiceWithPayment(c echo.Context) error {
	var req invoiceWithPaymentRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	ctx := c.Request().Context()
	user := auth.UserIDFromContext(ctx)
	items := make([]invoice.ItemInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = invoice.ItemInput{
			ServiceCode:  it.ServiceCode,
			Description:  it.Description,
			Quantity:     it.Quantity,
			UnitPrice:    it.UnitPrice,
			ItemDiscount: it.ItemDiscount,
		}
	}
	inv, receipt, err := h.svc.InvoiceWithPayment(ctx, invoice.CreateRequest{
		PatientID: req.PatientID,
		BranchID:  req.BranchID,
		Items:     items,
		Notes:     req.Notes,
		CreatedBy: user,
	}, req.Payment.record(uuid.Nil, user))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"invoice": inv,
		"receipt": receipt,
	})
}

func (h *Handler) InitiateMobileMoney(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	var req mobileMoneyRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	tx, err := h.svc.InitiateMobileMoneyPayment(c.Request().Context(), id, req.Phone, req.Network, req.Amount)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusAccepted, tx)
}

func (h *Handler) ConfirmMobileMoney(c echo.Context) error {
	var req confirmRequest
	if err := validation.Bind(c, &req); err != nil {
		return apperr.ToHTTP(err)
	}
	tx, receipt, err := h.svc.ConfirmMobileMoneyPayment(c.Request().Context(), c.Param("reference"), req.Success, req.ExternalRef, req.Message)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"transaction": tx,
		"receipt":     receipt,
	})
}

func (h *Handler) GetMobileMoney(c echo.Context) error {
	tx, err := h.svc.GetMobileMoneyTransaction(c.Request().Context(), c.Param("reference"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, tx)
}

func (h *Handler) ListMobileMoney(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	txs, err := h.svc.ListMobileMoneyTransactions(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, txs)
}

func (h *Handler) GetReceipt(c echo.Context) error {
	r, err := h.svc.GetReceipt(c.Request().Context(), c.Param("number"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	p, err := h.svc.GetPayment(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f Filter
	if v := c.QueryParam("invoice_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return apperr.BadRequest("invoice_id", "invalid id")
		}
		f.InvoiceID = &id
	}
	if v := c.QueryParam("method"); v != "" {
		if !Method(v).Valid() {
			return apperr.BadRequest("method", "unknown payment method")
		}
		f.Method = Method(v)
	}
	if v := c.QueryParam("date"); v != "" {
		day, err := time.Parse("2006-01-02", v)
		if err != nil {
			return apperr.BadRequest("date", "must be YYYY-MM-DD")
		}
		end := day.AddDate(0, 0, 1)
		f.From, f.To = &day, &end
	}
	items, total, err := h.svc.ListPayments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListRefunds(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.BadRequest("id", "invalid id")
	}
	refunds, err := h.svc.ListRefunds(c.Request().Context(), Filter{PaymentID: &id})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, refunds)
}
