package pricer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
)

// HyperliquidPricer fetches mid prices from the Hyperliquid public Info API.
type HyperliquidPricer struct {
	info *hyperliquid.Info
}

func NewHyperliquidPricer(info *hyperliquid.Info) *HyperliquidPricer {
	return &HyperliquidPricer{info: info}
}

func (p *HyperliquidPricer) PriceUSD(ctx context.Context, token, _ string) (decimal.Decimal, error) {
	if p.info == nil {
		return decimal.Zero, errors.New("hyperliquid info client is nil")
	}

	mids, err := p.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	// Hyperliquid mids are keyed by base coin (e.g., "ETH").
	mid, ok := mids[token]
	if !ok || mid == "" {
		return decimal.Zero, errors.Wrapf(ErrPriceUnavailable, "hyperliquid returned no mid price for %s", token)
	}
	return decimal.NewFromString(mid)
}
