package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Anomaly records a disposal that asked for more quantity than the position
// held. The fold clamps consumption at zero instead of letting the balance go
// negative; the excess is surfaced here for operator visibility.
type Anomaly struct {
	Key           BalanceKey      `json:"key"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	RequestedRaw  decimal.Decimal `json:"requested_raw"`
	AvailableRaw  decimal.Decimal `json:"available_raw"`
	Timestamp     time.Time       `json:"ts"`
}
