// Package domain defines core data structures shared by the balance engine.
package domain

import "github.com/pkg/errors"

// Kind classifies a ledger transaction.
type Kind string

const (
	KindBuy         Kind = "BUY"
	KindSell        Kind = "SELL"
	KindTransferIn  Kind = "TRANSFER_IN"
	KindTransferOut Kind = "TRANSFER_OUT"
)

// ParseKind converts a raw string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBuy, KindSell, KindTransferIn, KindTransferOut:
		return Kind(s), nil
	}
	return "", errors.Errorf("unknown transaction kind %q", s)
}

// IsAcquisition reports whether the kind adds quantity to a position.
func (k Kind) IsAcquisition() bool {
	return k == KindBuy || k == KindTransferIn
}

// IsDisposal reports whether the kind removes quantity from a position.
func (k Kind) IsDisposal() bool {
	return k == KindSell || k == KindTransferOut
}
