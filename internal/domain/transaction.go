package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Transaction is an immutable ledger fact for one (wallet, token, chain) position.
// Rows are written by ingestion; the engine only ever reads them and flips the
// cancelled flag. A cancelled transaction stays in the ledger for audit but is
// excluded from every balance fold.
type Transaction struct {
	ID        uuid.UUID
	WalletID  int64
	Token     string
	Chain     string
	Kind      Kind
	AmountRaw decimal.Decimal // token's smallest unit, integer-valued, never negative
	Amount    decimal.Decimal // AmountRaw scaled by token decimals
	Decimals  int32
	PriceUSD  *decimal.Decimal // unit price at transaction time, nil when unknown
	TxHash    string
	Timestamp time.Time
	Cancelled bool
}

// Key returns the balance group the transaction belongs to.
func (t *Transaction) Key() BalanceKey {
	return BalanceKey{WalletID: t.WalletID, Token: t.Token, Chain: t.Chain}
}

// Validate checks invariants that must hold before a transaction may enter a fold.
// A violation here means the ledger store persisted a row it never should have.
func (t *Transaction) Validate() error {
	if t.AmountRaw.IsNegative() {
		return errors.Errorf("transaction %s has negative raw amount %s", t.ID, t.AmountRaw)
	}
	if t.Amount.IsNegative() {
		return errors.Errorf("transaction %s has negative amount %s", t.ID, t.Amount)
	}
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return errors.Wrapf(err, "transaction %s", t.ID)
	}
	return nil
}
