// Package ingest consumes ledger-change notifications and turns them into
// wallet recalculations. Wallet and address discovery live outside the engine.
package ingest

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/chainfolio/internal/domain"
)

// Notification announces that a wallet's ledger changed. A new transaction
// carries its full payload so the engine can persist it before recalculating;
// a cancellation carries identities only. Replays are harmless either way:
// persistence is idempotent on (tx_hash, chain) and the recalculation re-reads
// the ledger wholesale.
type Notification struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	WalletID      int64     `json:"wallet_id"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	Token         string    `json:"token"`
	Chain         string    `json:"chain"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Cancelled     bool      `json:"cancelled"`

	// Transaction payload, set for new-transaction events.
	Kind      string           `json:"kind,omitempty"`
	AmountRaw decimal.Decimal  `json:"amount_raw,omitempty"`
	Decimals  int32            `json:"decimals,omitempty"`
	PriceUSD  *decimal.Decimal `json:"price_usd,omitempty"`
	Timestamp time.Time        `json:"ts,omitempty"`
}

// evmChains lists chains whose addresses and hashes follow the EVM format.
var evmChains = map[string]bool{
	"ethereum":  true,
	"arbitrum":  true,
	"optimism":  true,
	"polygon":   true,
	"base":      true,
	"avalanche": true,
	"bsc":       true,
}

// Validate rejects notifications that could not refer to a real ledger row.
func (n *Notification) Validate() error {
	if n.TransactionID == uuid.Nil {
		return errors.New("notification missing transaction id")
	}
	if n.WalletID <= 0 {
		return errors.Errorf("notification has invalid wallet id %d", n.WalletID)
	}
	if n.Token == "" || n.Chain == "" {
		return errors.New("notification missing token or chain")
	}

	if n.Kind != "" {
		if _, err := domain.ParseKind(n.Kind); err != nil {
			return errors.Wrap(err, "notification")
		}
		if n.AmountRaw.IsNegative() {
			return errors.Errorf("notification has negative raw amount %s", n.AmountRaw)
		}
		if n.Timestamp.IsZero() {
			return errors.New("notification transaction payload missing timestamp")
		}
	}

	if !evmChains[n.Chain] {
		return nil
	}
	if n.WalletAddress != "" && !common.IsHexAddress(n.WalletAddress) {
		return errors.Errorf("invalid EVM wallet address %q", n.WalletAddress)
	}
	if n.TxHash != "" {
		decoded, err := hexutil.Decode(n.TxHash)
		if err != nil || len(decoded) != common.HashLength {
			return errors.Errorf("invalid EVM transaction hash %q", n.TxHash)
		}
	}
	return nil
}

// HasTransaction reports whether the notification carries a new-transaction
// payload to persist.
func (n *Notification) HasTransaction() bool {
	return n.Kind != "" && !n.Cancelled
}

// Transaction builds the ledger row announced by a new-transaction event.
func (n *Notification) Transaction() domain.Transaction {
	return domain.Transaction{
		ID:        n.TransactionID,
		WalletID:  n.WalletID,
		Token:     n.Token,
		Chain:     n.Chain,
		Kind:      domain.Kind(n.Kind),
		AmountRaw: n.AmountRaw,
		Amount:    n.AmountRaw.Shift(-n.Decimals),
		Decimals:  n.Decimals,
		PriceUSD:  n.PriceUSD,
		TxHash:    n.TxHash,
		Timestamp: n.Timestamp,
	}
}
