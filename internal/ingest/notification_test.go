package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/chainfolio/internal/domain"
	"github.com/vadiminshakov/chainfolio/pkg/retrier"
)

func validNotification() Notification {
	return Notification{
		TransactionID: uuid.New(),
		WalletID:      7,
		WalletAddress: "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
		Token:         "ETH",
		Chain:         "ethereum",
		TxHash:        "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060",
	}
}

func newTransactionNotification() Notification {
	n := validNotification()
	n.Kind = string(domain.KindBuy)
	n.AmountRaw = decimal.NewFromInt(1000)
	n.Decimals = 2
	price := decimal.NewFromInt(1500)
	n.PriceUSD = &price
	n.Timestamp = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return n
}

func TestNotificationValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Notification)
		wantErr bool
	}{
		{"valid", func(*Notification) {}, false},
		{"missing transaction id", func(n *Notification) { n.TransactionID = uuid.Nil }, true},
		{"invalid wallet id", func(n *Notification) { n.WalletID = 0 }, true},
		{"missing token", func(n *Notification) { n.Token = "" }, true},
		{"bad evm address", func(n *Notification) { n.WalletAddress = "not-an-address" }, true},
		{"short evm hash", func(n *Notification) { n.TxHash = "0x1234" }, true},
		{"non-hex evm hash", func(n *Notification) {
			n.TxHash = "0xzz04ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
		}, true},
		{"missing 0x prefix", func(n *Notification) {
			n.TxHash = "5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
		}, true},
		{"all-zero evm hash is legal", func(n *Notification) {
			n.TxHash = "0x0000000000000000000000000000000000000000000000000000000000000000"
		}, false},
		{"non-evm chain skips hex checks", func(n *Notification) {
			n.Chain = "solana"
			n.WalletAddress = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
			n.TxHash = "somebase58hash"
		}, false},
		{"empty optional fields", func(n *Notification) {
			n.WalletAddress = ""
			n.TxHash = ""
		}, false},
		{"unknown kind", func(n *Notification) { n.Kind = "SHORT" }, true},
		{"negative payload amount", func(n *Notification) {
			n.Kind = string(domain.KindBuy)
			n.AmountRaw = decimal.NewFromInt(-1)
			n.Timestamp = time.Now()
		}, true},
		{"payload without timestamp", func(n *Notification) {
			n.Kind = string(domain.KindBuy)
			n.AmountRaw = decimal.NewFromInt(1)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := validNotification()
			tt.mutate(&n)
			err := n.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

type fakeRecalc struct {
	calls []int64
	errs  []error
}

func (f *fakeRecalc) RecalculateWallet(_ context.Context, walletID int64, _ bool) error {
	f.calls = append(f.calls, walletID)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

type fakeLedger struct {
	saved     []domain.Transaction
	cancelled []uuid.UUID
}

func (f *fakeLedger) Save(_ context.Context, tx *domain.Transaction) error {
	f.saved = append(f.saved, *tx)
	return nil
}

func (f *fakeLedger) SetCancelled(_ context.Context, id uuid.UUID, _ bool) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func newTestConsumer(recalc *fakeRecalc, ledger *fakeLedger) *Consumer {
	return &Consumer{
		recalc: recalc,
		ledger: ledger,
		retry:  retrier.New(retrier.WithMaxRetries(2), retrier.WithInitialInterval(time.Millisecond)),
		l:      zap.NewNop(),
	}
}

func TestHandleTriggersRecalculation(t *testing.T) {
	recalc := &fakeRecalc{}
	ledger := &fakeLedger{}
	c := newTestConsumer(recalc, ledger)

	payload, err := json.Marshal(validNotification())
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), payload))
	require.Equal(t, []int64{7}, recalc.calls)
	require.Empty(t, ledger.saved)
	require.Empty(t, ledger.cancelled)
}

func TestHandlePersistsNewTransactionBeforeRecalc(t *testing.T) {
	recalc := &fakeRecalc{}
	ledger := &fakeLedger{}
	c := newTestConsumer(recalc, ledger)

	n := newTransactionNotification()
	payload, err := json.Marshal(n)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), payload))

	require.Len(t, ledger.saved, 1)
	saved := ledger.saved[0]
	require.Equal(t, n.TransactionID, saved.ID)
	require.Equal(t, domain.KindBuy, saved.Kind)
	require.True(t, saved.AmountRaw.Equal(decimal.NewFromInt(1000)))
	require.True(t, saved.Amount.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, saved.PriceUSD)
	require.Equal(t, []int64{7}, recalc.calls)
}

func TestHandleCancellationFlipsFlagBeforeRecalc(t *testing.T) {
	recalc := &fakeRecalc{}
	ledger := &fakeLedger{}
	c := newTestConsumer(recalc, ledger)

	n := validNotification()
	n.Cancelled = true
	payload, err := json.Marshal(n)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), payload))
	require.Equal(t, []uuid.UUID{n.TransactionID}, ledger.cancelled)
	require.Empty(t, ledger.saved)
	require.Equal(t, []int64{7}, recalc.calls)
}

func TestHandleDropsMalformedPayload(t *testing.T) {
	recalc := &fakeRecalc{}
	c := newTestConsumer(recalc, &fakeLedger{})

	// Garbage must be swallowed (committed), never retried forever.
	require.NoError(t, c.handle(context.Background(), []byte("{not json")))
	require.Empty(t, recalc.calls)
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	recalc := &fakeRecalc{errs: []error{errors.New("db hiccup"), errors.New("db hiccup")}}
	c := newTestConsumer(recalc, &fakeLedger{})

	payload, err := json.Marshal(validNotification())
	require.NoError(t, err)

	require.NoError(t, c.process(context.Background(), payload))
	require.Equal(t, []int64{7, 7, 7}, recalc.calls)
}

func TestProcessSurfacesPersistentFailure(t *testing.T) {
	recalc := &fakeRecalc{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	c := newTestConsumer(recalc, &fakeLedger{})

	payload, err := json.Marshal(validNotification())
	require.NoError(t, err)

	// The error must reach the caller so the offset stays uncommitted and the
	// notification is redelivered instead of being skipped by a later commit.
	require.Error(t, c.process(context.Background(), payload))
	require.Equal(t, []int64{7, 7, 7}, recalc.calls)
}
