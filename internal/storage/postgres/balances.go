package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/chainfolio/internal/domain"
)

const balanceColumns = `wallet_id, token, chain, amount_raw, amount,
	avg_buy_price_usd, avg_sell_price_usd, total_buy_usd, total_sell_usd, realized_pnl_usd,
	price_usd, value_usd, unrealized_pnl_usd, price_change_24h, updated_at`

// BalanceRepository owns the current-balance table. Rows are only ever written
// through ReplaceForWallet, which the recalculation orchestrator drives.
type BalanceRepository struct {
	db      *sql.DB
	history *HistoryRepository
}

func NewBalanceRepository(db *sql.DB, history *HistoryRepository) *BalanceRepository {
	return &BalanceRepository{db: db, history: history}
}

// ReplaceForWallet overwrites the given balance rows and appends the history
// rows in a single database transaction: either the whole recalculation
// result commits or none of it does. Rows not present in the slice are left
// untouched.
func (r *BalanceRepository) ReplaceForWallet(ctx context.Context, walletID int64, rows []domain.Balance, history []domain.BalanceHistory) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin replace")
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO balances (wallet_id, token, chain, amount_raw, amount,
			avg_buy_price_usd, avg_sell_price_usd, total_buy_usd, total_sell_usd, realized_pnl_usd,
			price_usd, value_usd, unrealized_pnl_usd, price_change_24h, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (wallet_id, token, chain) DO UPDATE SET
			amount_raw = EXCLUDED.amount_raw,
			amount = EXCLUDED.amount,
			avg_buy_price_usd = EXCLUDED.avg_buy_price_usd,
			avg_sell_price_usd = EXCLUDED.avg_sell_price_usd,
			total_buy_usd = EXCLUDED.total_buy_usd,
			total_sell_usd = EXCLUDED.total_sell_usd,
			realized_pnl_usd = EXCLUDED.realized_pnl_usd,
			price_usd = EXCLUDED.price_usd,
			value_usd = EXCLUDED.value_usd,
			unrealized_pnl_usd = EXCLUDED.unrealized_pnl_usd,
			price_change_24h = EXCLUDED.price_change_24h,
			updated_at = NOW()
	`
	for i := range rows {
		b := &rows[i]
		if b.Key.WalletID != walletID {
			return errors.Errorf("balance row %s does not belong to wallet %d", b.Key, walletID)
		}
		_, err := tx.ExecContext(ctx, upsert,
			b.Key.WalletID, b.Key.Token, b.Key.Chain,
			b.AmountRaw, b.Amount,
			b.AvgBuyPriceUSD, b.AvgSellPriceUSD, b.TotalBuyUSD, b.TotalSellUSD, b.RealizedPnLUSD,
			toNullDecimal(b.PriceUSD), toNullDecimal(b.ValueUSD), toNullDecimal(b.UnrealizedPnLUSD), toNullDecimal(b.PriceChange24h),
		)
		if err != nil {
			return errors.Wrapf(err, "upsert balance %s", b.Key)
		}
	}

	if err := r.history.insertBatchTx(ctx, tx, history); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "commit replace")
}

// ListForWallet returns the wallet's current balance rows.
func (r *BalanceRepository) ListForWallet(ctx context.Context, walletID int64) ([]domain.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE wallet_id = $1 ORDER BY token, chain`
	rows, err := r.db.QueryContext(ctx, query, walletID)
	if err != nil {
		return nil, errors.Wrap(err, "list balances")
	}
	defer rows.Close()
	return collectBalances(rows)
}

// ListAll returns every current balance row, used by the snapshot manager.
func (r *BalanceRepository) ListAll(ctx context.Context) ([]domain.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances ORDER BY wallet_id, token, chain`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list all balances")
	}
	defer rows.Close()
	return collectBalances(rows)
}

// Get returns one balance row, or nil when the position does not exist yet.
func (r *BalanceRepository) Get(ctx context.Context, key domain.BalanceKey) (*domain.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE wallet_id = $1 AND token = $2 AND chain = $3`
	rows, err := r.db.QueryContext(ctx, query, key.WalletID, key.Token, key.Chain)
	if err != nil {
		return nil, errors.Wrap(err, "get balance")
	}
	defer rows.Close()

	balances, err := collectBalances(rows)
	if err != nil {
		return nil, err
	}
	if len(balances) == 0 {
		return nil, nil
	}
	return &balances[0], nil
}

func collectBalances(rows *sql.Rows) ([]domain.Balance, error) {
	var out []domain.Balance
	for rows.Next() {
		var (
			b                              domain.Balance
			price, value, unreal, change24 decimal.NullDecimal
		)
		err := rows.Scan(
			&b.Key.WalletID, &b.Key.Token, &b.Key.Chain,
			&b.AmountRaw, &b.Amount,
			&b.AvgBuyPriceUSD, &b.AvgSellPriceUSD, &b.TotalBuyUSD, &b.TotalSellUSD, &b.RealizedPnLUSD,
			&price, &value, &unreal, &change24,
			&b.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan balance")
		}
		b.PriceUSD = fromNullDecimal(price)
		b.ValueUSD = fromNullDecimal(value)
		b.UnrealizedPnLUSD = fromNullDecimal(unreal)
		b.PriceChange24h = fromNullDecimal(change24)
		out = append(out, b)
	}
	return out, rows.Err()
}
