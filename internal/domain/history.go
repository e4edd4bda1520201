package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Cadence tags a balance snapshot with its periodicity.
type Cadence string

const (
	CadenceTransaction Cadence = "transaction"
	CadenceHourly      Cadence = "hourly"
	CadenceDaily       Cadence = "daily"
	CadenceWeekly      Cadence = "weekly"
	CadenceMonthly     Cadence = "monthly"
)

// ScheduledCadences lists the cadences driven by periodic triggers.
var ScheduledCadences = []Cadence{CadenceHourly, CadenceDaily, CadenceWeekly, CadenceMonthly}

// ParseCadence converts a raw string into a Cadence.
func ParseCadence(s string) (Cadence, error) {
	switch Cadence(s) {
	case CadenceTransaction, CadenceHourly, CadenceDaily, CadenceWeekly, CadenceMonthly:
		return Cadence(s), nil
	}
	return "", errors.Errorf("unknown snapshot cadence %q", s)
}

// TriggerReason records why a snapshot was taken.
type TriggerReason string

const (
	TriggerTransaction TriggerReason = "transaction"
	TriggerPriceChange TriggerReason = "price_change"
	TriggerScheduled   TriggerReason = "scheduled"
)

// BalanceHistory is an append-only point-in-time copy of a Balance. SnapshotAt
// leads the row identity so the partitioned store can range-scan and prune
// sequentially. Rows are never mutated, only deleted by retention pruning.
type BalanceHistory struct {
	SnapshotAt time.Time
	Key        BalanceKey

	AmountRaw       decimal.Decimal
	Amount          decimal.Decimal
	AvgBuyPriceUSD  decimal.Decimal
	AvgSellPriceUSD decimal.Decimal
	TotalBuyUSD     decimal.Decimal
	TotalSellUSD    decimal.Decimal
	RealizedPnLUSD  decimal.Decimal

	PriceUSD         *decimal.Decimal
	ValueUSD         *decimal.Decimal
	UnrealizedPnLUSD *decimal.Decimal

	Cadence     Cadence
	Reason      TriggerReason
	TriggeredBy string
}

// SnapshotOf copies a balance into a history row stamped at the given time.
func SnapshotOf(b Balance, at time.Time, cadence Cadence, reason TriggerReason, triggeredBy string) BalanceHistory {
	return BalanceHistory{
		SnapshotAt:       at,
		Key:              b.Key,
		AmountRaw:        b.AmountRaw,
		Amount:           b.Amount,
		AvgBuyPriceUSD:   b.AvgBuyPriceUSD,
		AvgSellPriceUSD:  b.AvgSellPriceUSD,
		TotalBuyUSD:      b.TotalBuyUSD,
		TotalSellUSD:     b.TotalSellUSD,
		RealizedPnLUSD:   b.RealizedPnLUSD,
		PriceUSD:         b.PriceUSD,
		ValueUSD:         b.ValueUSD,
		UnrealizedPnLUSD: b.UnrealizedPnLUSD,
		Cadence:          cadence,
		Reason:           reason,
		TriggeredBy:      triggeredBy,
	}
}
