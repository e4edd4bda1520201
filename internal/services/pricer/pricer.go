// Package pricer resolves current USD prices for tokens. The engine consumes
// prices only to fill valuation fields; the FIFO quantity and cost-basis
// arithmetic never depends on them.
package pricer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when a source has no quote for the token.
// Callers degrade valuation fields to unknown instead of failing.
var ErrPriceUnavailable = errors.New("price unavailable")

// Pricer provides the current USD price of a token on a chain.
type Pricer interface {
	PriceUSD(ctx context.Context, token, chain string) (decimal.Decimal, error)
}
