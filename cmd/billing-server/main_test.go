package main

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/config"
	"github.com/ehr/billing-engine/internal/platform/auth"
	"github.com/ehr/billing-engine/internal/platform/clock"
)

const testKey = "test-signing-key"

func testConfig() *config.Config {
	return &config.Config{
		Env:                   "staging",
		StoreDriver:           config.StoreMemory,
		DefaultTenant:         "default",
		CORSOrigins:           []string{"http://localhost:3000"},
		AuthSigningKey:        testKey,
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
		RequestTimeoutSeconds: 5,
		Timezone:              "UTC",
		FacilityCode:          "KBTH-01",
	}
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	clk := clock.NewFixed(time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC))
	svcs := newServices(cfg, nil, clk, zerolog.Nop())
	return &testApp{t: t, h: newServer(cfg, nil, svcs, zerolog.Nop())}
}

type testApp struct {
	t *testing.T
	h http.Handler
}

func token(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "default",
		Roles:    roles,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func (s *testApp) do(method, path, tok, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["store"] != config.StoreMemory {
		t.Errorf("unexpected health body %v", body)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("security headers missing on /health")
	}
	rec = app.do(http.MethodGet, "/health/db", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"store":"memory"`) {
		t.Errorf("/health/db on the memory store: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	app := newTestApp(t)
	if rec := app.do(http.MethodGet, "/api/v1/invoices", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec := app.do(http.MethodGet, "/api/v1/invoices", "not-a-jwt", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a malformed token, got %d", rec.Code)
	}
}

// A patient is registered, billed, pays cash, and the day shows up in the
// daily summary.
func TestBillingFlow(t *testing.T) {
	app := newTestApp(t)
	billing := token(t, "clerk-1", auth.RoleBilling)
	cashier := token(t, "cashier-1", auth.RoleCashier)
	auditor := token(t, "auditor-1", auth.RoleAuditor)

	pid := uuid.NewString()
	if rec := app.do(http.MethodPut, "/api/v1/patients/"+pid, billing, `{"mrn":"KB-100","full_name":"Akosua Boateng"}`); rec.Code != http.StatusOK {
		t.Fatalf("register patient: %d %s", rec.Code, rec.Body.String())
	}

	rec := app.do(http.MethodPost, "/api/v1/invoices", billing,
		`{"patient_id":"`+pid+`","items":[{"description":"OPD consultation","quantity":"1","unit_price":"50"},{"description":"Malaria RDT","quantity":"2","unit_price":"12.50"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create invoice: %d %s", rec.Code, rec.Body.String())
	}
	var inv struct {
		ID            string          `json:"id"`
		InvoiceNumber string          `json:"invoice_number"`
		Total         decimal.Decimal `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode invoice: %v", err)
	}
	if !inv.Total.Equal(decimal.NewFromInt(75)) || !strings.HasPrefix(inv.InvoiceNumber, "INV-202409-") {
		t.Fatalf("unexpected invoice %+v", inv)
	}

	if rec := app.do(http.MethodPost, "/api/v1/invoices", cashier, `{"patient_id":"`+pid+`","items":[{"description":"x","quantity":"1","unit_price":"1"}]}`); rec.Code != http.StatusForbidden {
		t.Errorf("cashier creating invoice: expected 403, got %d", rec.Code)
	}

	if rec := app.do(http.MethodPost, "/api/v1/invoices/"+inv.ID+"/payments", cashier, `{"amount":"60","method":"CASH"}`); rec.Code != http.StatusCreated {
		t.Fatalf("record payment: %d %s", rec.Code, rec.Body.String())
	}

	rec = app.do(http.MethodGet, "/api/v1/reports/daily-summary?date=2024-09-02", auditor, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("daily summary: %d %s", rec.Code, rec.Body.String())
	}
	var sum struct {
		InvoiceCount     int             `json:"invoice_count"`
		TotalCollected   decimal.Decimal `json:"total_collected"`
		TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.InvoiceCount != 1 || !sum.TotalCollected.Equal(decimal.NewFromInt(60)) || !sum.TotalOutstanding.Equal(decimal.NewFromInt(15)) {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestRoutesRegistered(t *testing.T) {
	app := newTestApp(t)
	admin := token(t, "admin", auth.RoleAdmin)
	for _, path := range []string{
		"/api/v1/services",
		"/api/v1/invoices",
		"/api/v1/payments",
		"/api/v1/claims",
		"/api/v1/nhis-tariffs",
		"/api/v1/discount-schemes",
		"/api/v1/reports/aging",
		"/api/v1/reports/claims-summary",
	} {
		t.Run(path, func(t *testing.T) {
			if rec := app.do(http.MethodGet, path, admin, ""); rec.Code != http.StatusOK {
				t.Errorf("GET %s: expected 200, got %d %s", path, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMigrationFiles(t *testing.T) {
	entries, err := fs.Glob(migrationFiles(""), "*.sql")
	if err != nil {
		t.Fatalf("list embedded migrations: %v", err)
	}
	if len(entries) == 0 || entries[0] != "001_document_sequence.sql" {
		t.Errorf("unexpected embedded migrations %v", entries)
	}
}
