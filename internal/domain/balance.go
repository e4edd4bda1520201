package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceKey identifies one position: a token held by a wallet on a chain.
type BalanceKey struct {
	WalletID int64
	Token    string
	Chain    string
}

// String returns the canonical representation used in logs and lock keys.
func (k BalanceKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.WalletID, k.Token, k.Chain)
}

// Balance is the current aggregate for one position. It is a materialized view
// over the position's transaction set: every recalculation overwrites the row
// wholesale, it is never patched incrementally.
type Balance struct {
	Key BalanceKey

	AmountRaw decimal.Decimal // sum of remaining lot quantities, never negative
	Amount    decimal.Decimal

	AvgBuyPriceUSD  decimal.Decimal // cost-weighted average over remaining lots
	AvgSellPriceUSD decimal.Decimal // proceeds-weighted average over all disposals
	TotalBuyUSD     decimal.Decimal
	TotalSellUSD    decimal.Decimal
	RealizedPnLUSD  decimal.Decimal

	// Market valuation, nil when no price is available.
	PriceUSD         *decimal.Decimal
	ValueUSD         *decimal.Decimal
	UnrealizedPnLUSD *decimal.Decimal
	PriceChange24h   *decimal.Decimal

	UpdatedAt time.Time
}

// Zeroed returns a copy with quantity and market-valuation fields reset and
// historical aggregates retained, used when every contributing transaction
// has been cancelled. A dead position must not keep advertising a quote.
func (b Balance) Zeroed() Balance {
	b.AmountRaw = decimal.Zero
	b.Amount = decimal.Zero
	b.AvgBuyPriceUSD = decimal.Zero
	b.PriceUSD = nil
	b.ValueUSD = nil
	b.UnrealizedPnLUSD = nil
	b.PriceChange24h = nil
	return b
}
