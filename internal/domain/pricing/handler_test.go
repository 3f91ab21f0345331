package pricing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/auth"
	"github.com/ehr/billing-engine/internal/platform/validation"
)

func newTestServer(t *testing.T, roles ...string) (*echo.Echo, *Service) {
	t.Helper()
	svc := newTestService()
	e := echo.New()
	e.Validator = validation.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), "user-1", roles, "")))
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))
	return e, svc
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndResolve(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleAdmin)

	rec := do(e, http.MethodPost, "/api/v1/services",
		`{"code":"CONS-GP","name":"GP consultation","category":"CLINICAL_SERVICES","base_price":"100.00"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created CatalogItem
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	branch := uuid.New()
	rec = do(e, http.MethodPut, "/api/v1/services/"+created.ID.String()+"/branch-prices/"+branch.String(),
		`{"price":80,"reason":"branch rate"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on branch price, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/v1/pricing/resolve",
		`{"service_code":"CONS-GP","branch_id":"`+branch.String()+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on resolve, got %d: %s", rec.Code, rec.Body.String())
	}
	var res Resolution
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.PriceSource != SourceBranchOverride || !res.UnitPrice.Equal(d("80")) {
		t.Errorf("expected 80 from branch_override, got %s from %s", res.UnitPrice, res.PriceSource)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	e, svc := newTestServer(t, auth.RoleAdmin)
	item := seedService(t, svc, CatalogItem{Code: "OLD", Name: "Retired", Category: "LABORATORY", BasePrice: d("10")})
	if _, err := svc.SetServiceActive(context.Background(), item.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown service", http.MethodPost, "/api/v1/pricing/resolve", `{"service_code":"NOPE"}`, http.StatusNotFound, "not_found"},
		{"inactive service", http.MethodPost, "/api/v1/pricing/resolve", `{"service_code":"OLD"}`, http.StatusUnprocessableEntity, "inactive"},
		{"missing code", http.MethodPost, "/api/v1/pricing/resolve", `{}`, http.StatusBadRequest, "validation"},
		{"bad id", http.MethodGet, "/api/v1/services/not-a-uuid", "", http.StatusBadRequest, "validation"},
		{"missing reason", http.MethodPut, "/api/v1/services/" + item.ID.String() + "/price", `{"price":"12"}`, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			var body apperr.Body
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, body.Code)
			}
		})
	}
}

func TestHandler_Permissions(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleCashier)

	rec := do(e, http.MethodGet, "/api/v1/services", "")
	if rec.Code != http.StatusOK {
		t.Errorf("cashier should list services, got %d", rec.Code)
	}
	rec = do(e, http.MethodPost, "/api/v1/services",
		`{"code":"X","name":"X","category":"LABORATORY","base_price":1}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("cashier should not create services, got %d", rec.Code)
	}
}

func TestHandler_PriceHistory(t *testing.T) {
	e, svc := newTestServer(t, auth.RoleFinanceManager)
	item := seedService(t, svc, CatalogItem{Code: "LAB-U", Name: "Urinalysis", Category: "LABORATORY", BasePrice: d("25")})

	rec := do(e, http.MethodPut, "/api/v1/services/"+item.ID.String()+"/price", `{"price":"27.50","reason":"review"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodGet, "/api/v1/services/"+item.ID.String()+"/price-history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out struct {
		Data []HistoryEntry `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].ChangedBy == nil || *out.Data[0].ChangedBy != "user-1" {
		t.Errorf("expected one entry changed by user-1, got %+v", out.Data)
	}
}
