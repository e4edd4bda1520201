package pricer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// StaticPricer serves prices from a fixed table, keyed by token symbol. It
// backs tests and offline runs where no exchange connectivity is wanted.
type StaticPricer struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewStaticPricer(prices map[string]decimal.Decimal) *StaticPricer {
	if prices == nil {
		prices = make(map[string]decimal.Decimal)
	}
	return &StaticPricer{prices: prices}
}

func (p *StaticPricer) PriceUSD(_ context.Context, token, _ string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	price, ok := p.prices[token]
	if !ok {
		return decimal.Decimal{}, errors.Wrapf(ErrPriceUnavailable, "no static price for %s", token)
	}
	return price, nil
}

// SetPrice updates the table, used by tests to move the market.
func (p *StaticPricer) SetPrice(token string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[token] = price
}
