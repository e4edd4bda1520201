// Package recalc drives the FIFO fold over the ledger's current contents and
// commits the resulting balances atomically, one wallet at a time.
package recalc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/chainfolio/internal/domain"
	"github.com/vadiminshakov/chainfolio/internal/services/fold"
)

// Ledger is the read side of the transaction store.
type Ledger interface {
	// ListForWallet returns every non-cancelled transaction of the wallet,
	// ordered by timestamp then transaction ID.
	ListForWallet(ctx context.Context, walletID int64) ([]domain.Transaction, error)
	ListWalletIDs(ctx context.Context) ([]int64, error)
}

// BalanceStore is the write side of the current-balance table.
type BalanceStore interface {
	ListForWallet(ctx context.Context, walletID int64) ([]domain.Balance, error)
	// ReplaceForWallet upserts the given rows and inserts the history rows in
	// one atomic unit. Rows not present in the slice are left untouched.
	ReplaceForWallet(ctx context.Context, walletID int64, rows []domain.Balance, history []domain.BalanceHistory) error
}

// HistoryIndex reads past snapshots, used for the 24h price change.
type HistoryIndex interface {
	LatestBefore(ctx context.Context, key domain.BalanceKey, at time.Time) (*domain.BalanceHistory, error)
}

// Pricer resolves the current USD price of a token on a chain.
type Pricer interface {
	PriceUSD(ctx context.Context, token, chain string) (decimal.Decimal, error)
}

// AnomalySink receives oversell anomalies surfaced by folds.
type AnomalySink interface {
	Record(anomaly domain.Anomaly) error
}

// Orchestrator recomputes wallet balances from the ledger. At most one
// recalculation per wallet is in flight at any time; a second concurrent
// caller for the same wallet blocks until the first commit and then observes
// its result.
type Orchestrator struct {
	folder    *fold.Folder
	ledger    Ledger
	balances  BalanceStore
	history   HistoryIndex
	pricer    Pricer
	anomalies AnomalySink
	locks     *walletLocks
	l         *zap.Logger
	now       func() time.Time
}

// New constructs an Orchestrator. history, pricer and anomalies may be nil:
// valuation fields then stay unknown and anomalies are only logged.
func New(l *zap.Logger, folder *fold.Folder, ledger Ledger, balances BalanceStore, history HistoryIndex, pricer Pricer, anomalies AnomalySink) *Orchestrator {
	return &Orchestrator{
		folder:    folder,
		ledger:    ledger,
		balances:  balances,
		history:   history,
		pricer:    pricer,
		anomalies: anomalies,
		locks:     newWalletLocks(),
		l:         l,
		now:       time.Now,
	}
}

// RecalculateWallet replays the wallet's whole ledger and replaces its balance
// rows. With emitSnapshot set, one transaction-cadence history row is written
// per updated balance inside the same atomic commit.
//
// A malformed group fails loudly and leaves its old balance row untouched, but
// never blocks the wallet's other groups from committing.
func (o *Orchestrator) RecalculateWallet(ctx context.Context, walletID int64, emitSnapshot bool) error {
	release := o.locks.acquire(walletID)
	defer release()

	txs, err := o.ledger.ListForWallet(ctx, walletID)
	if err != nil {
		return errors.Wrapf(err, "load transactions for wallet %d", walletID)
	}

	groups := make(map[domain.BalanceKey][]domain.Transaction)
	for i := range txs {
		key := txs[i].Key()
		groups[key] = append(groups[key], txs[i])
	}

	existing, err := o.balances.ListForWallet(ctx, walletID)
	if err != nil {
		return errors.Wrapf(err, "load balances for wallet %d", walletID)
	}

	now := o.now()
	rows := make([]domain.Balance, 0, len(groups))
	var failed []string

	for key, group := range groups {
		res, foldErr := o.folder.Fold(group)
		if foldErr != nil {
			// Leave the old row in place rather than committing a partial result.
			o.l.Error("group recalculation failed",
				zap.String("group", key.String()),
				zap.Error(foldErr))
			failed = append(failed, key.String())
			continue
		}

		o.reportAnomalies(res.Anomalies)

		row := domain.Balance{
			Key:             key,
			AmountRaw:       res.AmountRaw,
			Amount:          res.Amount,
			AvgBuyPriceUSD:  res.AvgBuyPriceUSD,
			AvgSellPriceUSD: res.AvgSellPriceUSD,
			TotalBuyUSD:     res.TotalBuyUSD,
			TotalSellUSD:    res.TotalSellUSD,
			RealizedPnLUSD:  res.RealizedPnLUSD,
		}
		o.valuate(ctx, &row, now)
		rows = append(rows, row)
	}

	// Positions whose transactions all vanished (cancelled) are zeroed, not
	// deleted: the historical aggregates stay readable.
	for i := range existing {
		if _, ok := groups[existing[i].Key]; ok {
			continue
		}
		rows = append(rows, existing[i].Zeroed())
	}

	var history []domain.BalanceHistory
	if emitSnapshot {
		triggeredBy := fmt.Sprintf("recalc_wallet_%d", walletID)
		for i := range rows {
			history = append(history, domain.SnapshotOf(rows[i], now, domain.CadenceTransaction, domain.TriggerTransaction, triggeredBy))
		}
	}

	if err := o.balances.ReplaceForWallet(ctx, walletID, rows, history); err != nil {
		return errors.Wrapf(err, "replace balances for wallet %d", walletID)
	}

	if len(failed) > 0 {
		return errors.Errorf("recalculation failed for groups: %s", strings.Join(failed, ", "))
	}
	return nil
}

// RecalculateAll replays every wallet. It is O(total transactions) and meant
// for corrective use. Wallets are processed independently: a failure on one is
// logged and counted but does not abort the rest, and cancellation is honored
// between wallets so no single wallet is ever left half-updated.
func (o *Orchestrator) RecalculateAll(ctx context.Context) error {
	walletIDs, err := o.ledger.ListWalletIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "list wallets")
	}

	var failures int
	for _, walletID := range walletIDs {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "full recalculation interrupted")
		}

		if err := o.RecalculateWallet(ctx, walletID, false); err != nil {
			failures++
			o.l.Error("wallet recalculation failed",
				zap.Int64("wallet_id", walletID),
				zap.Error(err))
		}
	}

	if failures > 0 {
		return errors.Errorf("recalculation failed for %d of %d wallets", failures, len(walletIDs))
	}
	return nil
}

// valuate fills the market-valuation fields. Missing price data degrades those
// fields to unknown instead of failing the fold.
func (o *Orchestrator) valuate(ctx context.Context, row *domain.Balance, now time.Time) {
	if o.pricer == nil {
		return
	}

	price, err := o.pricer.PriceUSD(ctx, row.Key.Token, row.Key.Chain)
	if err != nil {
		o.l.Debug("price unavailable, valuation left unknown",
			zap.String("group", row.Key.String()),
			zap.Error(err))
		return
	}

	value := row.Amount.Mul(price)
	unrealized := price.Sub(row.AvgBuyPriceUSD).Mul(row.Amount)
	row.PriceUSD = &price
	row.ValueUSD = &value
	row.UnrealizedPnLUSD = &unrealized

	if o.history == nil {
		return
	}
	prev, err := o.history.LatestBefore(ctx, row.Key, now.Add(-24*time.Hour))
	if err != nil || prev == nil || prev.PriceUSD == nil || prev.PriceUSD.IsZero() {
		return
	}
	change := price.Sub(*prev.PriceUSD).Div(*prev.PriceUSD).Mul(decimal.NewFromInt(100))
	row.PriceChange24h = &change
}

func (o *Orchestrator) reportAnomalies(anomalies []domain.Anomaly) {
	for _, a := range anomalies {
		o.l.Warn("oversell clamped at zero",
			zap.String("group", a.Key.String()),
			zap.String("transaction_id", a.TransactionID.String()),
			zap.String("requested_raw", a.RequestedRaw.String()),
			zap.String("available_raw", a.AvailableRaw.String()))

		if o.anomalies == nil {
			continue
		}
		if err := o.anomalies.Record(a); err != nil {
			o.l.Error("failed to journal anomaly", zap.Error(err))
		}
	}
}
