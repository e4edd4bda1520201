package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/chainfolio/internal/domain"
)

// TransactionRepository reads the append-only ledger. Rows are written by
// ingestion; the engine only flips the cancelled flag, never deletes.
type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Save inserts a ledger row. Duplicate (tx_hash, chain) pairs are ignored so
// at-least-once ingestion stays safe to replay.
func (r *TransactionRepository) Save(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, wallet_id, token, chain, kind, amount_raw, amount, decimals, price_usd, tx_hash, cancelled, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tx_hash, chain) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		tx.ID,
		tx.WalletID,
		tx.Token,
		tx.Chain,
		string(tx.Kind),
		tx.AmountRaw,
		tx.Amount,
		tx.Decimals,
		toNullDecimal(tx.PriceUSD),
		tx.TxHash,
		tx.Cancelled,
		tx.Timestamp,
	)
	return errors.Wrap(err, "save transaction")
}

// ListForWallet returns every non-cancelled transaction of the wallet ordered
// by timestamp with the transaction ID as a stable tie-break.
func (r *TransactionRepository) ListForWallet(ctx context.Context, walletID int64) ([]domain.Transaction, error) {
	query := `
		SELECT id, wallet_id, token, chain, kind, amount_raw, amount, decimals, price_usd, tx_hash, cancelled, ts
		FROM transactions
		WHERE wallet_id = $1 AND cancelled = false
		ORDER BY ts ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, walletID)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// ListWalletIDs returns every wallet that has at least one ledger row.
func (r *TransactionRepository) ListWalletIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT wallet_id FROM transactions ORDER BY wallet_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list wallet ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan wallet id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetCancelled flips the cancellation flag. The row itself is immutable
// otherwise and is retained for audit.
func (r *TransactionRepository) SetCancelled(ctx context.Context, id uuid.UUID, cancelled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE transactions SET cancelled = $2 WHERE id = $1`, id, cancelled)
	if err != nil {
		return errors.Wrap(err, "set cancelled")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return errors.Errorf("transaction %s not found", id)
	}
	return nil
}

func scanTransaction(rows *sql.Rows) (domain.Transaction, error) {
	var (
		tx    domain.Transaction
		kind  string
		price decimal.NullDecimal
	)
	err := rows.Scan(
		&tx.ID,
		&tx.WalletID,
		&tx.Token,
		&tx.Chain,
		&kind,
		&tx.AmountRaw,
		&tx.Amount,
		&tx.Decimals,
		&price,
		&tx.TxHash,
		&tx.Cancelled,
		&tx.Timestamp,
	)
	if err != nil {
		return domain.Transaction{}, errors.Wrap(err, "scan transaction")
	}
	tx.Kind = domain.Kind(kind)
	tx.PriceUSD = fromNullDecimal(price)
	return tx, nil
}
