package recalc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/chainfolio/internal/domain"
	"github.com/vadiminshakov/chainfolio/internal/services/fold"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	mu      sync.Mutex
	txs     map[int64][]domain.Transaction
	listErr error

	// onList, when set, runs while a ListForWallet call is in progress.
	onList func()
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txs: make(map[int64][]domain.Transaction)}
}

func (f *fakeLedger) add(tx domain.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.WalletID] = append(f.txs[tx.WalletID], tx)
}

func (f *fakeLedger) cancel(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for walletID := range f.txs {
		for i := range f.txs[walletID] {
			if f.txs[walletID][i].ID == id {
				f.txs[walletID][i].Cancelled = true
			}
		}
	}
}

func (f *fakeLedger) ListForWallet(_ context.Context, walletID int64) ([]domain.Transaction, error) {
	if f.onList != nil {
		f.onList()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Transaction
	for _, tx := range f.txs[walletID] {
		if !tx.Cancelled {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListWalletIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.txs))
	for id := range f.txs {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeBalances struct {
	mu       sync.Mutex
	rows     map[domain.BalanceKey]domain.Balance
	history  []domain.BalanceHistory
	replaces int

	onReplace func()
}

func newFakeBalances() *fakeBalances {
	return &fakeBalances{rows: make(map[domain.BalanceKey]domain.Balance)}
}

func (f *fakeBalances) ListForWallet(_ context.Context, walletID int64) ([]domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Balance
	for _, b := range f.rows {
		if b.Key.WalletID == walletID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBalances) ReplaceForWallet(_ context.Context, _ int64, rows []domain.Balance, history []domain.BalanceHistory) error {
	if f.onReplace != nil {
		f.onReplace()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		f.rows[row.Key] = row
	}
	f.history = append(f.history, history...)
	f.replaces++
	return nil
}

func (f *fakeBalances) get(key domain.BalanceKey) (domain.Balance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[key]
	return b, ok
}

type fakeHistory struct {
	snapshot *domain.BalanceHistory
	err      error
	askedAt  time.Time
}

func (f *fakeHistory) LatestBefore(_ context.Context, _ domain.BalanceKey, at time.Time) (*domain.BalanceHistory, error) {
	f.askedAt = at
	return f.snapshot, f.err
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

type fakePricer struct {
	price decimal.Decimal
	err   error
}

func (f *fakePricer) PriceUSD(context.Context, string, string) (decimal.Decimal, error) {
	return f.price, f.err
}

func walletTx(walletID int64, token string, kind domain.Kind, amount int64, price string, offset time.Duration) domain.Transaction {
	tx := domain.Transaction{
		ID:        uuid.New(),
		WalletID:  walletID,
		Token:     token,
		Chain:     "ethereum",
		Kind:      kind,
		AmountRaw: decimal.NewFromInt(amount),
		Amount:    decimal.NewFromInt(amount),
		Timestamp: testBase.Add(offset),
	}
	if price != "" {
		p := decimal.RequireFromString(price)
		tx.PriceUSD = &p
	}
	return tx
}

func newTestOrchestrator(ledger *fakeLedger, balances *fakeBalances, pricer Pricer) *Orchestrator {
	return New(zap.NewNop(), fold.New(decimal.Zero), ledger, balances, nil, pricer, nil)
}

func TestRecalculateWalletReplacesBalances(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()

	ledger.add(walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0))
	ledger.add(walletTx(1, "ETH", domain.KindSell, 4, "2000", time.Minute))

	o := newTestOrchestrator(ledger, balances, nil)
	require.NoError(t, o.RecalculateWallet(context.Background(), 1, true))

	key := domain.BalanceKey{WalletID: 1, Token: "ETH", Chain: "ethereum"}
	row, ok := balances.get(key)
	require.True(t, ok)
	require.True(t, row.Amount.Equal(decimal.NewFromInt(6)))
	require.True(t, row.RealizedPnLUSD.Equal(decimal.NewFromInt(4000)))

	require.Len(t, balances.history, 1)
	require.Equal(t, domain.CadenceTransaction, balances.history[0].Cadence)
	require.Equal(t, domain.TriggerTransaction, balances.history[0].Reason)
}

func TestRecalculateWalletIdempotent(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()

	ledger.add(walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0))
	ledger.add(walletTx(1, "ETH", domain.KindBuy, 5, "1200", time.Minute))
	ledger.add(walletTx(1, "ETH", domain.KindSell, 7, "1500", 2*time.Minute))

	o := newTestOrchestrator(ledger, balances, nil)
	key := domain.BalanceKey{WalletID: 1, Token: "ETH", Chain: "ethereum"}

	require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))
	first, ok := balances.get(key)
	require.True(t, ok)

	require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))
	second, ok := balances.get(key)
	require.True(t, ok)

	require.True(t, first.Amount.Equal(second.Amount))
	require.True(t, first.AvgBuyPriceUSD.Equal(second.AvgBuyPriceUSD))
	require.True(t, first.AvgSellPriceUSD.Equal(second.AvgSellPriceUSD))
	require.True(t, first.TotalBuyUSD.Equal(second.TotalBuyUSD))
	require.True(t, first.TotalSellUSD.Equal(second.TotalSellUSD))
	require.True(t, first.RealizedPnLUSD.Equal(second.RealizedPnLUSD))
}

func TestRecalculateWalletCancellationExclusion(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()

	keep := walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0)
	toggle := walletTx(1, "ETH", domain.KindBuy, 90, "5000", time.Minute)
	ledger.add(keep)
	ledger.add(toggle)

	o := newTestOrchestrator(ledger, balances, nil)
	key := domain.BalanceKey{WalletID: 1, Token: "ETH", Chain: "ethereum"}

	require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))
	row, _ := balances.get(key)
	require.True(t, row.Amount.Equal(decimal.NewFromInt(100)))

	// Cancelling and recalculating reproduces the never-submitted state.
	ledger.cancel(toggle.ID)
	require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))
	row, _ = balances.get(key)
	require.True(t, row.Amount.Equal(decimal.NewFromInt(10)))
	require.True(t, row.TotalBuyUSD.Equal(decimal.NewFromInt(10000)))
}

func TestRecalculateWalletZeroesVanishedGroups(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()

	tx := walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0)
	ledger.add(tx)

	o := newTestOrchestrator(ledger, balances, nil)
	key := domain.BalanceKey{WalletID: 1, Token: "ETH", Chain: "ethereum"}

	require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))
	row, _ := balances.get(key)
	require.True(t, row.Amount.Equal(decimal.NewFromInt(10)))

	ledger.cancel(tx.ID)
	require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))
	row, ok := balances.get(key)
	require.True(t, ok, "zeroed row must survive, not be deleted")
	require.True(t, row.Amount.IsZero())
	require.True(t, row.TotalBuyUSD.Equal(decimal.NewFromInt(10000)), "historical aggregates are retained")
}

func TestRecalculateWalletMalformedGroupLeavesOldBalance(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()

	ledger.add(walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0))
	bad := walletTx(1, "BTC", domain.KindBuy, 10, "50000", 0)
	bad.AmountRaw = decimal.NewFromInt(-10)
	ledger.add(bad)

	badKey := domain.BalanceKey{WalletID: 1, Token: "BTC", Chain: "ethereum"}
	old := domain.Balance{Key: badKey, Amount: decimal.NewFromInt(42), AmountRaw: decimal.NewFromInt(42)}
	balances.rows[badKey] = old

	o := newTestOrchestrator(ledger, balances, nil)
	err := o.RecalculateWallet(context.Background(), 1, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "BTC")

	// The healthy group committed, the malformed one kept its old row.
	ethRow, ok := balances.get(domain.BalanceKey{WalletID: 1, Token: "ETH", Chain: "ethereum"})
	require.True(t, ok)
	require.True(t, ethRow.Amount.Equal(decimal.NewFromInt(10)))

	btcRow, ok := balances.get(badKey)
	require.True(t, ok)
	require.True(t, btcRow.Amount.Equal(decimal.NewFromInt(42)))
}

func TestRecalculateWalletMissingPriceDegradesValuation(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()
	ledger.add(walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0))

	key := domain.BalanceKey{WalletID: 1, Token: "ETH", Chain: "ethereum"}

	o := newTestOrchestrator(ledger, balances, &fakePricer{err: errors.New("feed down")})
	require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))

	row, _ := balances.get(key)
	require.Nil(t, row.ValueUSD)
	require.Nil(t, row.UnrealizedPnLUSD)
	// Quantity and cost basis are fully computed regardless.
	require.True(t, row.Amount.Equal(decimal.NewFromInt(10)))
	require.True(t, row.AvgBuyPriceUSD.Equal(decimal.NewFromInt(1000)))

	o = newTestOrchestrator(ledger, balances, &fakePricer{price: decimal.NewFromInt(1500)})
	require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))

	row, _ = balances.get(key)
	require.NotNil(t, row.ValueUSD)
	require.True(t, row.ValueUSD.Equal(decimal.NewFromInt(15000)))
	require.NotNil(t, row.UnrealizedPnLUSD)
	require.True(t, row.UnrealizedPnLUSD.Equal(decimal.NewFromInt(5000)))
}

func TestRecalculateWalletComputes24hPriceChange(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0))
	key := domain.BalanceKey{WalletID: 1, Token: "ETH", Chain: "ethereum"}
	pricer := &fakePricer{price: decimal.NewFromInt(1500)}

	prior := func(price *decimal.Decimal) *domain.BalanceHistory {
		return &domain.BalanceHistory{
			SnapshotAt: testBase.Add(-25 * time.Hour),
			Key:        key,
			Cadence:    domain.CadenceHourly,
			PriceUSD:   price,
		}
	}
	thousand := decimal.NewFromInt(1000)

	tests := []struct {
		name       string
		history    *fakeHistory
		wantChange *decimal.Decimal
	}{
		{"prior snapshot yields percentage", &fakeHistory{snapshot: prior(&thousand)}, ptr(decimal.NewFromInt(50))},
		{"no prior snapshot", &fakeHistory{}, nil},
		{"prior snapshot without price", &fakeHistory{snapshot: prior(nil)}, nil},
		{"prior snapshot with zero price", &fakeHistory{snapshot: prior(&decimal.Zero)}, nil},
		{"history lookup error", &fakeHistory{err: errors.New("series offline")}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			balances := newFakeBalances()
			o := New(zap.NewNop(), fold.New(decimal.Zero), ledger, balances, tt.history, pricer, nil)
			o.now = func() time.Time { return testBase }
			require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))

			row, ok := balances.get(key)
			require.True(t, ok)
			require.NotNil(t, row.PriceUSD, "valuation itself must not depend on history")
			if tt.wantChange == nil {
				require.Nil(t, row.PriceChange24h)
				return
			}
			require.NotNil(t, row.PriceChange24h)
			require.True(t, row.PriceChange24h.Equal(*tt.wantChange),
				"want %s, got %s", tt.wantChange, row.PriceChange24h)
			require.True(t, tt.history.askedAt.Equal(testBase.Add(-24*time.Hour)),
				"lookup must target the balance 24 hours ago")
		})
	}
}

func TestZeroedVanishedGroupDropsMarketQuote(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()

	key := domain.BalanceKey{WalletID: 1, Token: "ETH", Chain: "ethereum"}
	price := decimal.NewFromInt(1500)
	value := decimal.NewFromInt(15000)
	change := decimal.NewFromInt(3)
	balances.rows[key] = domain.Balance{
		Key:            key,
		AmountRaw:      decimal.NewFromInt(10),
		Amount:         decimal.NewFromInt(10),
		TotalBuyUSD:    decimal.NewFromInt(10000),
		PriceUSD:       &price,
		ValueUSD:       &value,
		PriceChange24h: &change,
	}

	// No surviving ledger rows: the position vanished and must be zeroed.
	o := newTestOrchestrator(ledger, balances, nil)
	require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))

	row, ok := balances.get(key)
	require.True(t, ok)
	require.True(t, row.Amount.IsZero())
	require.True(t, row.TotalBuyUSD.Equal(decimal.NewFromInt(10000)))
	require.Nil(t, row.PriceUSD, "a dead position must not advertise a quote")
	require.Nil(t, row.ValueUSD)
	require.Nil(t, row.UnrealizedPnLUSD)
	require.Nil(t, row.PriceChange24h)
}

func TestRecalculateWalletSerializesConcurrentCallers(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()
	ledger.add(walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0))

	// Track the read-to-commit window: with per-wallet locking no two passes
	// for the same wallet may ever overlap between load and commit.
	var (
		mu        sync.Mutex
		inFlight  int
		maxSeen   int
		slowdowns = 5 * time.Millisecond
	)
	ledger.onList = func() {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(slowdowns)
	}
	balances.onReplace = func() {
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	o := newTestOrchestrator(ledger, balances, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, o.RecalculateWallet(context.Background(), 1, false))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen, "two recalculations for the same wallet interleaved")
	require.Equal(t, 8, balances.replaces)
}

func TestRecalculateAllContinuesPastFailures(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()

	bad := walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0)
	bad.AmountRaw = decimal.NewFromInt(-1)
	ledger.add(bad)
	ledger.add(walletTx(2, "ETH", domain.KindBuy, 7, "1000", 0))

	o := newTestOrchestrator(ledger, balances, nil)
	err := o.RecalculateAll(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 2")

	row, ok := balances.get(domain.BalanceKey{WalletID: 2, Token: "ETH", Chain: "ethereum"})
	require.True(t, ok, "healthy wallet must still be processed")
	require.True(t, row.Amount.Equal(decimal.NewFromInt(7)))
}

func TestRecalculateAllStopsBetweenWalletsOnCancel(t *testing.T) {
	ledger := newFakeLedger()
	balances := newFakeBalances()
	ledger.add(walletTx(1, "ETH", domain.KindBuy, 10, "1000", 0))
	ledger.add(walletTx(2, "ETH", domain.KindBuy, 10, "1000", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(ledger, balances, nil)
	err := o.RecalculateAll(ctx)
	require.Error(t, err)
	require.ErrorIs(t, errors.Cause(err), context.Canceled)
	require.Equal(t, 0, balances.replaces, "no wallet may be touched after cancellation")
}
