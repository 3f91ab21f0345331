package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing-engine/internal/platform/apperr"
)

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) apperr.Body {
	t.Helper()
	var b apperr.Body
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return b
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/api/v1/invoices", okHandler)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store",
	}
	for h, v := range want {
		if got := rec.Header().Get(h); got != v {
			t.Errorf("%s = %q, want %q", h, got, v)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	slow := func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "late")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	t.Run("expires", func(t *testing.T) {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil), rec)
		if err := RequestTimeout(50*time.Millisecond)(slow)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusGatewayTimeout {
			t.Fatalf("expected 504, got %d", rec.Code)
		}
		if b := decodeBody(t, rec); b.Code != "timeout" {
			t.Errorf("unexpected body %+v", b)
		}
	})

	t.Run("sets deadline", func(t *testing.T) {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		h := func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); !ok {
				t.Error("expected a deadline")
			}
			return nil
		}
		if err := RequestTimeout(time.Second)(h)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		h := func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				t.Error("zero timeout should not set a deadline")
			}
			return nil
		}
		if err := RequestTimeout(0)(h)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("propagates handler error", func(t *testing.T) {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		h := func(echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) }
		err := RequestTimeout(time.Second)(h)(c)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusNotFound {
			t.Errorf("expected 404 HTTPError, got %v", err)
		}
	})
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"2g", 2 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"lots", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	e := echo.New()
	e.Use(BodyLimit("1K", "4K"))
	read := func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	}
	e.POST("/api/v1/invoices", read)
	e.PUT("/api/v1/encounters/:id/charges", read)

	send := func(method, path string, body []byte, chunked bool) int {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if chunked {
			req.ContentLength = -1
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	small := []byte(`{"patient_id":"x"}`)
	big := bytes.Repeat([]byte("x"), 2048)

	tests := []struct {
		name    string
		method  string
		path    string
		body    []byte
		chunked bool
		want    int
	}{
		{"small invoice", http.MethodPost, "/api/v1/invoices", small, false, http.StatusOK},
		{"oversized by header", http.MethodPost, "/api/v1/invoices", big, false, http.StatusRequestEntityTooLarge},
		{"oversized without header", http.MethodPost, "/api/v1/invoices", big, true, http.StatusRequestEntityTooLarge},
		{"charges get the larger limit", http.MethodPut, "/api/v1/encounters/e1/charges", big, false, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := send(tt.method, tt.path, tt.body, tt.chunked); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	e := echo.New()
	e.Use(Sanitize(zerolog.Nop()))
	e.GET("/*", okHandler)

	tests := []struct {
		name   string
		target string
		header [2]string
		want   int
	}{
		{"clean", "/api/v1/invoices?status=PENDING", [2]string{}, http.StatusOK},
		{"dot dot", "/api/v1/../../etc/passwd", [2]string{}, http.StatusBadRequest},
		{"encoded dot dot", "/%2e%2e/%2e%2e/etc/passwd", [2]string{}, http.StatusBadRequest},
		{"null byte", "/api/v1/invoices%00", [2]string{}, http.StatusBadRequest},
		{"script in query", "/api/v1/invoices?q=%3Cscript%3E", [2]string{}, http.StatusBadRequest},
		{"sql in query is only logged", "/api/v1/invoices?q=1%3D1", [2]string{}, http.StatusOK},
		{"oversized header", "/api/v1/invoices", [2]string{"X-Note", strings.Repeat("a", maxHeaderValueSize+1)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusBadRequest {
				if b := decodeBody(t, rec); b.Code != string(apperr.KindValidation) {
					t.Errorf("unexpected body %+v", b)
				}
			}
		})
	}
}
