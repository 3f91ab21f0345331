package main

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/billing-engine/internal/config"
	"github.com/ehr/billing-engine/internal/domain/claims"
	"github.com/ehr/billing-engine/internal/domain/directory"
	"github.com/ehr/billing-engine/internal/domain/invoice"
	"github.com/ehr/billing-engine/internal/domain/payment"
	"github.com/ehr/billing-engine/internal/domain/pricing"
	"github.com/ehr/billing-engine/internal/domain/reporting"
	"github.com/ehr/billing-engine/internal/platform/auth"
	"github.com/ehr/billing-engine/internal/platform/clock"
	"github.com/ehr/billing-engine/internal/platform/db"
	"github.com/ehr/billing-engine/internal/platform/middleware"
	"github.com/ehr/billing-engine/internal/platform/numbering"
	"github.com/ehr/billing-engine/internal/platform/validation"
)

const version = "0.1.0"

// services holds one instance of every billing service, wired together.
type services struct {
	pricing   *pricing.Service
	invoices  *invoice.Service
	payments  *payment.Service
	claims    *claims.Service
	directory *directory.Service
	reports   *reporting.Service
}

// newServices builds the service graph. A nil pool selects the in-memory
// repositories.
func newServices(cfg *config.Config, pool *pgxpool.Pool, clk clock.Clock, logger zerolog.Logger) *services {
	var (
		catalog   pricing.CatalogRepository
		overrides pricing.OverrideRepository
		discounts pricing.DiscountRepository
		invRepo   invoice.Repository
		payRepo   payment.Repository
		momoRepo  payment.MobileMoneyRepository
		claimRepo claims.Repository
		tariffs   claims.TariffRepository
		patients  directory.PatientRepository
		charges   directory.ChargeRepository
		seq       numbering.Sequence
	)
	if pool != nil {
		catalog = pricing.NewCatalogRepoPG(pool)
		overrides = pricing.NewOverrideRepoPG(pool)
		discounts = pricing.NewDiscountRepoPG(pool)
		invRepo = invoice.NewRepoPG(pool)
		payRepo = payment.NewRepoPG(pool)
		momoRepo = payment.NewMobileMoneyRepoPG(pool)
		claimRepo = claims.NewRepoPG(pool)
		tariffs = claims.NewTariffRepoPG(pool)
		patients = directory.NewPatientRepoPG(pool)
		charges = directory.NewChargeRepoPG(pool)
		seq = numbering.NewPGSequence(pool)
	} else {
		catalog = pricing.NewCatalogRepoMemory()
		overrides = pricing.NewOverrideRepoMemory()
		discounts = pricing.NewDiscountRepoMemory()
		invRepo = invoice.NewRepoMemory()
		payRepo = payment.NewRepoMemory()
		momoRepo = payment.NewMobileMoneyRepoMemory()
		claimRepo = claims.NewRepoMemory()
		tariffs = claims.NewTariffRepoMemory()
		patients = directory.NewPatientRepoMemory()
		charges = directory.NewChargeRepoMemory()
		seq = numbering.NewMemorySequence()
	}
	numbers := numbering.NewGenerator(seq)

	s := &services{}
	s.pricing = pricing.NewService(catalog, overrides, discounts, clk)
	s.directory = directory.NewService(patients, charges)

	s.invoices = invoice.NewService(invRepo, s.pricing, numbers, clk)
	s.invoices.SetPatientDirectory(s.directory)
	s.invoices.SetEncounterSource(s.directory)

	s.payments = payment.NewService(payRepo, momoRepo, s.invoices, payment.NewLogGateway(logger), numbers, clk)
	s.payments.SetPatientNames(s.directory)

	s.claims = claims.NewService(claimRepo, tariffs, s.invoices, numbers, clk)
	s.claims.SetPatientDirectory(s.directory)
	s.claims.SetFacilityCode(cfg.FacilityCode)

	s.reports = reporting.NewService(s.invoices, s.payments, s.claims, clk)

	s.pricing.SetLogger(logger)
	s.directory.SetLogger(logger)
	s.invoices.SetLogger(logger)
	s.payments.SetLogger(logger)
	s.claims.SetLogger(logger)
	s.reports.SetLogger(logger)
	return s
}

// newServer assembles the HTTP surface: global middleware, auth, tenancy,
// the /api/v1 routes and health checks.
func newServer(cfg *config.Config, pool *pgxpool.Pool, svcs *services, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.BodyLimit("1M", "8M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreDriver,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	apiV1.Use(middleware.Audit(logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	pricing.NewHandler(svcs.pricing).RegisterRoutes(apiV1)
	invoice.NewHandler(svcs.invoices).RegisterRoutes(apiV1)
	payment.NewHandler(svcs.payments).RegisterRoutes(apiV1)
	claims.NewHandler(svcs.claims).RegisterRoutes(apiV1)
	directory.NewHandler(svcs.directory).RegisterRoutes(apiV1)
	reporting.NewHandler(svcs.reports).RegisterRoutes(apiV1)

	return e
}
