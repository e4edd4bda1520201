package pricer

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BybitPricer fetches spot prices from the Bybit V5 market API.
type BybitPricer struct {
	client *bybit.Client
	quote  string
}

func NewBybitPricer(client *bybit.Client, quote string) *BybitPricer {
	return &BybitPricer{client: client, quote: quote}
}

func (p *BybitPricer) PriceUSD(_ context.Context, token, _ string) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(token + p.quote)

	result, err := p.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "spot",
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	if len(result.Result.Spot.List) == 0 {
		return decimal.Decimal{}, errors.Wrapf(ErrPriceUnavailable, "bybit returned no price for %s", string(symbol))
	}

	return decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
}
