package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// newBillingServer mounts the request-scoped middleware in server order over
// a few billing routes. One of them panics while applying a payment.
func newBillingServer(logs *bytes.Buffer) *echo.Echo {
	logger := zerolog.New(logs)
	e := echo.New()
	e.Use(Recovery(logger), RequestID(), Logger(logger))
	e.GET("/api/v1/invoices", func(c echo.Context) error {
		rid, _ := c.Get("request_id").(string)
		return c.JSON(http.StatusOK, map[string]string{"request_id": rid})
	})
	e.POST("/api/v1/invoices/:id/payments", func(c echo.Context) error {
		panic("ledger invariant broken")
	})
	e.POST("/api/v1/claims/reconcile", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "claim changed concurrently")
	})
	return e
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			t.Fatalf("decode log line %q: %v", raw, err)
		}
		out = append(out, line)
	}
	return out
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
	}{
		{"minted", ""},
		{"propagated from the front desk proxy", "cashier-desk-3-0001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			e := newBillingServer(&logs)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			got := rec.Header().Get(RequestIDHeader)
			if got == "" || (tt.inbound != "" && got != tt.inbound) {
				t.Fatalf("response request id %q, inbound %q", got, tt.inbound)
			}
			if !strings.Contains(rec.Body.String(), got) {
				t.Errorf("handler did not see request id %q: %s", got, rec.Body.String())
			}
			lines := logLines(t, &logs)
			if len(lines) != 1 || lines[0]["request_id"] != got || lines[0]["path"] != "/api/v1/invoices" {
				t.Errorf("unexpected request log: %v", lines)
			}
		})
	}
}

func TestRecovery_PaymentPanicBecomes500(t *testing.T) {
	var logs bytes.Buffer
	e := newBillingServer(&logs)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices/6f1c/payments", strings.NewReader(`{"amount":"10"}`))
	req.Header.Set(RequestIDHeader, "pay-42")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "ledger invariant") {
		t.Errorf("panic value leaked to the client: %s", rec.Body.String())
	}

	var panicked bool
	for _, line := range logLines(t, &logs) {
		if line["message"] == "panic recovered" {
			panicked = true
			if line["request_id"] != "pay-42" || line["panic"] != "ledger invariant broken" {
				t.Errorf("unexpected panic log: %v", line)
			}
		}
	}
	if !panicked {
		t.Error("expected the panic to be logged")
	}
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		method string
		path   string
		status float64
		level  string
	}{
		{http.MethodGet, "/api/v1/invoices", http.StatusOK, "info"},
		{http.MethodPost, "/api/v1/claims/reconcile", http.StatusConflict, "warn"},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound, "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var logs bytes.Buffer
			e := newBillingServer(&logs)
			e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			lines := logLines(t, &logs)
			if len(lines) != 1 {
				t.Fatalf("expected one request log line, got %d", len(lines))
			}
			if lines[0]["status"] != tt.status || lines[0]["level"] != tt.level || lines[0]["method"] != tt.method {
				t.Errorf("unexpected log line: %v", lines[0])
			}
		})
	}
}
