package auth

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Permission is a single capability checked by route guards.
type Permission string

const (
	PermPricingRead     Permission = "pricing:read"
	PermPricingWrite    Permission = "pricing:write"
	PermInvoiceRead     Permission = "invoice:read"
	PermInvoiceWrite    Permission = "invoice:write"
	PermInvoiceDiscount Permission = "invoice:discount"
	PermInvoiceCancel   Permission = "invoice:cancel"
	PermPaymentRecord   Permission = "payment:record"
	PermPaymentRefund   Permission = "payment:refund"
	PermClaimRead       Permission = "claim:read"
	PermClaimWrite      Permission = "claim:write"
	PermClaimAdjudicate Permission = "claim:adjudicate"
	PermClaimExport     Permission = "claim:export"
	PermReportRead      Permission = "report:read"
	PermDirectoryWrite  Permission = "directory:write"
)

const (
	RoleAdmin          = "admin"
	RoleBilling        = "billing"
	RoleCashier        = "cashier"
	RoleClaimsOfficer  = "claims_officer"
	RoleFinanceManager = "finance_manager"
	RoleAuditor        = "auditor"
)

var allPermissions = []Permission{
	PermPricingRead, PermPricingWrite,
	PermInvoiceRead, PermInvoiceWrite, PermInvoiceDiscount, PermInvoiceCancel,
	PermPaymentRecord, PermPaymentRefund,
	PermClaimRead, PermClaimWrite, PermClaimAdjudicate, PermClaimExport,
	PermReportRead, PermDirectoryWrite,
}

var rolePermissions = map[string][]Permission{
	RoleAdmin: allPermissions,
	RoleBilling: {
		PermPricingRead, PermInvoiceRead, PermInvoiceWrite, PermInvoiceDiscount,
		PermPaymentRecord, PermClaimRead, PermClaimWrite, PermReportRead,
		PermDirectoryWrite,
	},
	RoleCashier: {
		PermPricingRead, PermInvoiceRead, PermPaymentRecord,
	},
	RoleClaimsOfficer: {
		PermPricingRead, PermInvoiceRead,
		PermClaimRead, PermClaimWrite, PermClaimAdjudicate, PermClaimExport,
	},
	RoleFinanceManager: {
		PermPricingRead, PermPricingWrite,
		PermInvoiceRead, PermInvoiceDiscount, PermInvoiceCancel,
		PermPaymentRefund, PermClaimRead, PermClaimExport, PermReportRead,
	},
	RoleAuditor: {
		PermPricingRead, PermInvoiceRead, PermClaimRead, PermReportRead,
	},
}

// grants is built once from rolePermissions; it is read-only afterwards.
var grants = buildGrants()

func buildGrants() map[string]map[Permission]bool {
	out := make(map[string]map[Permission]bool, len(rolePermissions))
	for role, perms := range rolePermissions {
		set := make(map[Permission]bool, len(perms))
		for _, p := range perms {
			set[p] = true
		}
		out[role] = set
	}
	return out
}

// HasPermission reports whether any of roles grants p. Unknown roles grant
// nothing.
func HasPermission(roles []string, p Permission) bool {
	for _, r := range roles {
		if grants[r][p] {
			return true
		}
	}
	return false
}

// RequirePermission rejects requests whose roles do not grant p.
func RequirePermission(p Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasPermission(RolesFromContext(c.Request().Context()), p) {
				return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("missing permission: %s", p))
			}
			return next(c)
		}
	}
}
