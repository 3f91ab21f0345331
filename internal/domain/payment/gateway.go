package payment

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ChargeRequest asks a mobile-money operator to prompt the payer.
type ChargeRequest struct {
	Reference     string
	InvoiceNumber string
	Phone         string
	Network       Network
	Amount        decimal.Decimal
}

// Gateway is the outbound side of the mobile-money boundary. The operator
// answers later through ConfirmMobileMoneyPayment.
type Gateway interface {
	RequestCharge(ctx context.Context, req ChargeRequest) (externalRef string, err error)
}

// LogGateway records charge requests in the log and returns no external
// reference. It stands in for an operator integration.
type LogGateway struct {
	logger zerolog.Logger
}

func NewLogGateway(logger zerolog.Logger) *LogGateway {
	return &LogGateway{logger: logger.With().Str("component", "momo_gateway").Logger()}
}

func (g *LogGateway) RequestCharge(_ context.Context, req ChargeRequest) (string, error) {
	g.logger.Info().
		Str("reference", req.Reference).
		Str("invoice", req.InvoiceNumber).
		Str("network", string(req.Network)).
		Str("phone", maskPhone(req.Phone)).
		Str("amount", req.Amount.StringFixed(2)).
		Msg("mobile money charge requested")
	return "", nil
}

func maskPhone(p string) string {
	if len(p) <= 4 {
		return p
	}
	masked := make([]byte, len(p))
	for i := range p {
		if i < len(p)-4 {
			masked[i] = '*'
		} else {
			masked[i] = p[i]
		}
	}
	return string(masked)
}
