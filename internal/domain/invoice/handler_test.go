package invoice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/billing-engine/internal/platform/auth"
	"github.com/ehr/billing-engine/internal/platform/validation"
)

func newTestServer(t *testing.T, roles ...string) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	e.Validator = validation.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), "clerk-1", roles, "")))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return e, f
}

func send(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateInvoice(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleBilling)

	body := `{"patient_id":"` + uuid.NewString() + `","items":[
		{"service_code":"CONS-GP","quantity":1},
		{"description":"Bandage","quantity":"2","unit_price":"3.25"}]}`
	rec := send(e, http.MethodPost, "/api/v1/invoices", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var inv Invoice
	if err := json.Unmarshal(rec.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !inv.Total.Equal(d("56.5")) || inv.CreatedBy == nil || *inv.CreatedBy != "clerk-1" {
		t.Errorf("unexpected invoice: total %s created by %v", inv.Total, inv.CreatedBy)
	}

	rec = send(e, http.MethodGet, "/api/v1/invoices/number/"+inv.InvoiceNumber, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 by number, got %d", rec.Code)
	}
}

func TestHandler_CreateInvoiceValidation(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleBilling)

	tests := []struct {
		name string
		body string
	}{
		{"no items", `{"patient_id":"` + uuid.NewString() + `","items":[]}`},
		{"zero quantity", `{"patient_id":"` + uuid.NewString() + `","items":[{"description":"x","quantity":0,"unit_price":1}]}`},
		{"missing patient", `{"items":[{"description":"x","quantity":1,"unit_price":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := send(e, http.MethodPost, "/api/v1/invoices", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_CancelNeedsPermission(t *testing.T) {
	e, f := newTestServer(t, auth.RoleBilling)
	inv := f.create(t, manual("x", "1", "10"))

	rec := send(e, http.MethodPost, "/api/v1/invoices/"+inv.ID.String()+"/cancel", `{"reason":"dup"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("billing role should not cancel, got %d", rec.Code)
	}

	e, f = newTestServer(t, auth.RoleFinanceManager)
	inv = f.create(t, manual("x", "1", "10"))
	rec = send(e, http.MethodPost, "/api/v1/invoices/"+inv.ID.String()+"/cancel", `{"reason":"dup"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = send(e, http.MethodPost, "/api/v1/invoices/"+inv.ID.String()+"/cancel", `{"reason":"dup"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 cancelling twice, got %d", rec.Code)
	}
}

func TestHandler_ListInvoices(t *testing.T) {
	e, f := newTestServer(t, auth.RoleAuditor)
	f.create(t, manual("a", "1", "10"))
	f.create(t, manual("b", "1", "10"))

	rec := send(e, http.MethodGet, "/api/v1/invoices?status=PENDING&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data    []Invoice `json:"data"`
		Total   int       `json:"total"`
		HasMore bool      `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Errorf("unexpected page: total %d len %d more %v", page.Total, len(page.Data), page.HasMore)
	}

	rec = send(e, http.MethodGet, "/api/v1/invoices?status=OPEN", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
}
