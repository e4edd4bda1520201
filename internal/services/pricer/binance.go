package pricer

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BinancePricer fetches spot prices from the Binance public API. Market quotes
// are chain-independent, so the chain argument is ignored.
type BinancePricer struct {
	client *binance.Client
	quote  string
}

func NewBinancePricer(client *binance.Client, quote string) *BinancePricer {
	return &BinancePricer{client: client, quote: quote}
}

func (p *BinancePricer) PriceUSD(ctx context.Context, token, _ string) (decimal.Decimal, error) {
	symbol := token + p.quote

	prices, err := p.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, errors.Wrapf(ErrPriceUnavailable, "binance returned no price for %s", symbol)
	}

	return decimal.NewFromString(prices[0].Price)
}
