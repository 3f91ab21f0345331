package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing-engine/internal/platform/auth"
)

func auditRequest(t *testing.T, method, path string, rec AuditRecorder, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(auth.WithUser(req.Context(), "cashier-1", []string{auth.RoleCashier}, ""))
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-1")
	c.Set("tenant_id", "accra")
	return Audit(zerolog.New(os.Stderr), rec)(handler)(c)
}

func TestAudit_RecordsMutation(t *testing.T) {
	var got []AuditEntry
	rec := AuditRecorderFunc(func(e AuditEntry) error {
		got = append(got, e)
		return nil
	})

	err := auditRequest(t, http.MethodPost, "/api/v1/invoices/INV-1/items", rec, func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(got))
	}
	e := got[0]
	if e.Resource != "invoices" || e.ResourceID != "INV-1" || e.Action != "items" {
		t.Errorf("unexpected classification: %+v", e)
	}
	if e.UserID != "cashier-1" || e.TenantID != "accra" || e.RequestID != "req-1" {
		t.Errorf("identity not captured: %+v", e)
	}
	if e.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", e.StatusCode)
	}
}

func TestAudit_SkipsReads(t *testing.T) {
	calls := 0
	rec := AuditRecorderFunc(func(AuditEntry) error { calls++; return nil })
	auditRequest(t, http.MethodGet, "/api/v1/invoices", rec, func(c echo.Context) error { return nil })
	auditRequest(t, http.MethodPost, "/health", rec, func(c echo.Context) error { return nil })
	if calls != 0 {
		t.Errorf("expected no audit entries, got %d", calls)
	}
}

func TestAudit_CapturesErrorStatus(t *testing.T) {
	var got AuditEntry
	rec := AuditRecorderFunc(func(e AuditEntry) error { got = e; return nil })
	err := auditRequest(t, http.MethodPost, "/api/v1/payments/abc/refund", rec, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "missing permission")
	})
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if got.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 recorded, got %d", got.StatusCode)
	}
}

func TestAudit_RecorderErrorDoesNotFailRequest(t *testing.T) {
	rec := AuditRecorderFunc(func(AuditEntry) error { return errors.New("disk full") })
	err := auditRequest(t, http.MethodPut, "/api/v1/pricing/services/x", rec, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err != nil {
		t.Errorf("recorder failure must not fail the request: %v", err)
	}
}

func TestClassifyPath(t *testing.T) {
	tests := []struct {
		path, resource, id, action string
	}{
		{"/api/v1/invoices", "invoices", "", "create"},
		{"/api/v1/invoices/abc", "invoices", "abc", "update"},
		{"/api/v1/claims/abc/approve", "claims", "abc", "approve"},
		{"/api/v1/pricing/services/abc/price", "pricing", "services", "abc/price"},
	}
	for _, tt := range tests {
		r, id, a := classifyPath(tt.path)
		if r != tt.resource || id != tt.id || a != tt.action {
			t.Errorf("classifyPath(%q) = (%q,%q,%q), want (%q,%q,%q)", tt.path, r, id, a, tt.resource, tt.id, tt.action)
		}
	}
}
