// Package fold implements the FIFO cost-basis fold: it replays the ordered
// transaction sequence of one position and produces its terminal balance
// together with realized P&L facts. The fold is pure, with no I/O, no clock
// and no state outside the call, so it is safe to replay at any frequency.
package fold

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/chainfolio/internal/domain"
)

// lot is one open acquisition waiting to be consumed by later disposals.
// Lots live only for the duration of a single fold.
type lot struct {
	remainingRaw decimal.Decimal
	unitCostUSD  decimal.Decimal // USD per normalized unit; zero when acquired without a price
	acquiredAt   time.Time
	txID         uuid.UUID
}

// Result is the terminal state of a fold.
type Result struct {
	AmountRaw decimal.Decimal
	Amount    decimal.Decimal

	AvgBuyPriceUSD  decimal.Decimal
	AvgSellPriceUSD decimal.Decimal
	TotalBuyUSD     decimal.Decimal
	TotalSellUSD    decimal.Decimal
	RealizedPnLUSD  decimal.Decimal

	Anomalies []domain.Anomaly
}

// Folder folds transaction sequences into balances.
type Folder struct {
	dust decimal.Decimal
}

// New creates a Folder. Positions whose terminal amount is at or below
// dustThreshold are zeroed (quantity and remaining cost basis only, the
// cumulative aggregates survive).
func New(dustThreshold decimal.Decimal) *Folder {
	return &Folder{dust: dustThreshold}
}

// Fold replays all transactions of one (wallet, token, chain) group. Cancelled
// transactions are skipped. The input does not have to be pre-sorted: the fold
// orders it by timestamp with the transaction ID as a stable tie-break, so any
// two callers holding the same transaction set produce identical results.
func (f *Folder) Fold(txs []domain.Transaction) (Result, error) {
	res := Result{
		AmountRaw:       decimal.Zero,
		Amount:          decimal.Zero,
		AvgBuyPriceUSD:  decimal.Zero,
		AvgSellPriceUSD: decimal.Zero,
		TotalBuyUSD:     decimal.Zero,
		TotalSellUSD:    decimal.Zero,
		RealizedPnLUSD:  decimal.Zero,
	}

	live := make([]domain.Transaction, 0, len(txs))
	for i := range txs {
		if txs[i].Cancelled {
			continue
		}
		if err := txs[i].Validate(); err != nil {
			return Result{}, errors.Wrap(err, "fold rejected malformed transaction")
		}
		live = append(live, txs[i])
	}
	if len(live) == 0 {
		return res, nil
	}

	key := live[0].Key()
	for i := range live {
		if live[i].Key() != key {
			return Result{}, errors.Errorf("fold input mixes groups %s and %s", key, live[i].Key())
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].Timestamp.Equal(live[j].Timestamp) {
			return live[i].Timestamp.Before(live[j].Timestamp)
		}
		return live[i].ID.String() < live[j].ID.String()
	})

	decimals := live[0].Decimals

	var (
		queue        []lot
		disposedNorm = decimal.Zero
	)

	for i := range live {
		tx := &live[i]
		price := decimal.Zero
		if tx.PriceUSD != nil {
			price = *tx.PriceUSD
		}

		switch {
		case tx.Kind.IsAcquisition():
			queue = append(queue, lot{
				remainingRaw: tx.AmountRaw,
				unitCostUSD:  price,
				acquiredAt:   tx.Timestamp,
				txID:         tx.ID,
			})
			res.TotalBuyUSD = res.TotalBuyUSD.Add(tx.AmountRaw.Shift(-decimals).Mul(price))

		case tx.Kind.IsDisposal():
			requested := tx.AmountRaw
			available := decimal.Zero
			for j := range queue {
				available = available.Add(queue[j].remainingRaw)
			}
			if requested.GreaterThan(available) {
				// Clamp at zero rather than letting the position go negative.
				res.Anomalies = append(res.Anomalies, domain.Anomaly{
					Key:           key,
					TransactionID: tx.ID,
					RequestedRaw:  requested,
					AvailableRaw:  available,
					Timestamp:     tx.Timestamp,
				})
				requested = available
			}

			remaining := requested
			for len(queue) > 0 && remaining.IsPositive() {
				head := &queue[0]
				slice := decimal.Min(head.remainingRaw, remaining)
				sliceNorm := slice.Shift(-decimals)

				cost := sliceNorm.Mul(head.unitCostUSD)
				proceeds := sliceNorm.Mul(price)

				res.TotalSellUSD = res.TotalSellUSD.Add(proceeds)
				res.RealizedPnLUSD = res.RealizedPnLUSD.Add(proceeds.Sub(cost))
				disposedNorm = disposedNorm.Add(sliceNorm)

				head.remainingRaw = head.remainingRaw.Sub(slice)
				remaining = remaining.Sub(slice)
				if head.remainingRaw.IsZero() {
					queue = queue[1:]
				}
			}
		}
	}

	remainingCost := decimal.Zero
	for j := range queue {
		res.AmountRaw = res.AmountRaw.Add(queue[j].remainingRaw)
		remainingCost = remainingCost.Add(queue[j].remainingRaw.Shift(-decimals).Mul(queue[j].unitCostUSD))
	}
	res.Amount = res.AmountRaw.Shift(-decimals)

	if res.Amount.IsPositive() {
		res.AvgBuyPriceUSD = remainingCost.Div(res.Amount)
	}
	if disposedNorm.IsPositive() {
		res.AvgSellPriceUSD = res.TotalSellUSD.Div(disposedNorm)
	}

	// Residuals at or below the dust threshold collapse to a clean zero.
	if res.Amount.IsPositive() && !res.Amount.GreaterThan(f.dust) {
		res.AmountRaw = decimal.Zero
		res.Amount = decimal.Zero
		res.AvgBuyPriceUSD = decimal.Zero
	}

	return res, nil
}
