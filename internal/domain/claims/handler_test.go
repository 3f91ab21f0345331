package claims

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

func newTestServer(t *testing.T, f *fixture, roles ...string) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.Validator = validation.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), "officer-9", roles, "")))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return e
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

func TestHandler_ClaimFlow(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(t, f, auth.RoleClaimsOfficer)

	body := `{"patient_id":"` + uuid.NewString() + `","nhis_number":"99887766","items":[{"tariff_code":"SURG01","quantity":"2"}]}`
	rec := send(e, http.MethodPost, "/api/v1/claims", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var c Claim
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	base := "/api/v1/claims/" + c.ID.String()

	if rec := send(e, http.MethodPost, base+"/approve", `{"approved_amount":"450"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("approve draft: expected 422, got %d", rec.Code)
	}
	if rec := send(e, http.MethodPost, base+"/submit", ""); rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := send(e, http.MethodPost, base+"/approve", `{"approved_amount":"600"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("approve above total: expected 400, got %d", rec.Code)
	}
	if rec := send(e, http.MethodPost, base+"/approve", `{"approved_amount":"450"}`); rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := send(e, http.MethodPost, base+"/paid", ""); rec.Code != http.StatusOK {
		t.Fatalf("paid: expected 200, got %d", rec.Code)
	}
	if rec := send(e, http.MethodPost, base+"/reject", `{"reason":"late"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("reject paid: expected 422, got %d", rec.Code)
	}

	rec = send(e, http.MethodPost, "/api/v1/claims/export", `{"claim_ids":["`+c.ID.String()+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "<Status>PAID</Status>") {
		t.Errorf("export should carry the claim status:\n%s", rec.Body.String())
	}
}

func TestHandler_Reconcile(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, line("OPDC01", "1"))
	e := newTestServer(t, f, auth.RoleClaimsOfficer)

	body := `{"entries":[
		{"claim_number":"` + c.ClaimNumber + `","status":"APPROVED","approved_amount":"30"},
		{"claim_number":"NHIS-000000-00000","status":"PAID"}]}`
	rec := send(e, http.MethodPost, "/api/v1/claims/reconcile", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []ReconcileResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 || resp.Results[0].Outcome != OutcomeApplied || resp.Results[1].ErrorKind != "not_found" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
}

func TestHandler_Permissions(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, line("OPDC01", "1"))
	billing := newTestServer(t, f, auth.RoleBilling)

	if rec := send(billing, http.MethodGet, "/api/v1/claims/"+c.ID.String(), ""); rec.Code != http.StatusOK {
		t.Errorf("billing read: expected 200, got %d", rec.Code)
	}
	if rec := send(billing, http.MethodPost, "/api/v1/claims/"+c.ID.String()+"/approve", `{"approved_amount":"1"}`); rec.Code != http.StatusForbidden {
		t.Errorf("billing approve: expected 403, got %d", rec.Code)
	}
	if rec := send(billing, http.MethodPost, "/api/v1/claims/export", `{"claim_ids":["`+c.ID.String()+`"]}`); rec.Code != http.StatusForbidden {
		t.Errorf("billing export: expected 403, got %d", rec.Code)
	}
}
