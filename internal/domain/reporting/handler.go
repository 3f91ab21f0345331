package reporting

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequirePermission(auth.PermReportRead))
	g.GET("/daily-summary", h.DailySummary)
	g.GET("/outstanding", h.Outstanding)
	g.GET("/aging", h.Aging)
	g.GET("/claims-summary", h.ClaimsSummary)
}

func (h *Handler) DailySummary(c echo.Context) error {
	// Without a date the current day is reported.
	now := h.svc.clock.Now()
	date := now
	if v := c.QueryParam("date"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, now.Location())
		if err != nil {
			return apperr.BadRequest("date", "must be YYYY-MM-DD")
		}
		date = t
	}
	out, err := h.svc.DailySummary(c.Request().Context(), date)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Outstanding(c echo.Context) error {
	out, err := h.svc.OutstandingInvoices(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Aging(c echo.Context) error {
	out, err := h.svc.AgingReport(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ClaimsSummary(c echo.Context) error {
	out, err := h.svc.ClaimsSummary(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}
