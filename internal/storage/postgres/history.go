package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/chainfolio/internal/domain"
)

const historyColumns = `snapshot_at, wallet_id, token, chain, amount_raw, amount,
	avg_buy_price_usd, avg_sell_price_usd, total_buy_usd, total_sell_usd, realized_pnl_usd,
	price_usd, value_usd, unrealized_pnl_usd, cadence, trigger_reason, triggered_by`

// HistoryRepository owns the append-only balance_history series. Rows are
// never updated, only inserted and range-deleted by retention pruning.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// InsertBatch appends snapshot rows in one transaction.
func (r *HistoryRepository) InsertBatch(ctx context.Context, rows []domain.BalanceHistory) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin history insert")
	}
	defer tx.Rollback()

	if err := r.insertBatchTx(ctx, tx, rows); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit history insert")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *HistoryRepository) insertBatchTx(ctx context.Context, tx execer, rows []domain.BalanceHistory) error {
	query := `
		INSERT INTO balance_history (snapshot_at, wallet_id, token, chain, amount_raw, amount,
			avg_buy_price_usd, avg_sell_price_usd, total_buy_usd, total_sell_usd, realized_pnl_usd,
			price_usd, value_usd, unrealized_pnl_usd, cadence, trigger_reason, triggered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	for i := range rows {
		h := &rows[i]
		_, err := tx.ExecContext(ctx, query,
			h.SnapshotAt,
			h.Key.WalletID, h.Key.Token, h.Key.Chain,
			h.AmountRaw, h.Amount,
			h.AvgBuyPriceUSD, h.AvgSellPriceUSD, h.TotalBuyUSD, h.TotalSellUSD, h.RealizedPnLUSD,
			toNullDecimal(h.PriceUSD), toNullDecimal(h.ValueUSD), toNullDecimal(h.UnrealizedPnLUSD),
			string(h.Cadence), string(h.Reason), h.TriggeredBy,
		)
		if err != nil {
			return errors.Wrapf(err, "insert history row for %s", h.Key)
		}
	}
	return nil
}

// DeleteBefore removes rows of the cadence strictly older than cutoff. The
// delete is a pure range scan on the leading snapshot_at component, disjoint
// from anything a concurrent snapshot writes, and naturally idempotent.
func (r *HistoryRepository) DeleteBefore(ctx context.Context, cadence domain.Cadence, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM balance_history WHERE cadence = $1 AND snapshot_at < $2`,
		string(cadence), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete history range")
	}
	deleted, err := res.RowsAffected()
	return deleted, errors.Wrap(err, "rows affected")
}

// LatestBefore returns the most recent snapshot of the position taken at or
// before the given time, or nil when none exists.
func (r *HistoryRepository) LatestBefore(ctx context.Context, key domain.BalanceKey, at time.Time) (*domain.BalanceHistory, error) {
	query := `SELECT ` + historyColumns + `
		FROM balance_history
		WHERE wallet_id = $1 AND token = $2 AND chain = $3 AND snapshot_at <= $4
		ORDER BY snapshot_at DESC
		LIMIT 1`
	rows, err := r.db.QueryContext(ctx, query, key.WalletID, key.Token, key.Chain, at)
	if err != nil {
		return nil, errors.Wrap(err, "latest history before")
	}
	defer rows.Close()

	out, err := collectHistory(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// ListRange returns the position's snapshots of one cadence inside [from, to),
// oldest first.
func (r *HistoryRepository) ListRange(ctx context.Context, key domain.BalanceKey, cadence domain.Cadence, from, to time.Time) ([]domain.BalanceHistory, error) {
	query := `SELECT ` + historyColumns + `
		FROM balance_history
		WHERE wallet_id = $1 AND token = $2 AND chain = $3 AND cadence = $4
			AND snapshot_at >= $5 AND snapshot_at < $6
		ORDER BY snapshot_at ASC`
	rows, err := r.db.QueryContext(ctx, query, key.WalletID, key.Token, key.Chain, string(cadence), from, to)
	if err != nil {
		return nil, errors.Wrap(err, "list history range")
	}
	defer rows.Close()
	return collectHistory(rows)
}

func collectHistory(rows *sql.Rows) ([]domain.BalanceHistory, error) {
	var out []domain.BalanceHistory
	for rows.Next() {
		var (
			h                    domain.BalanceHistory
			price, value, unreal decimal.NullDecimal
			cadence, reason      string
			triggeredBy          sql.NullString
		)
		err := rows.Scan(
			&h.SnapshotAt,
			&h.Key.WalletID, &h.Key.Token, &h.Key.Chain,
			&h.AmountRaw, &h.Amount,
			&h.AvgBuyPriceUSD, &h.AvgSellPriceUSD, &h.TotalBuyUSD, &h.TotalSellUSD, &h.RealizedPnLUSD,
			&price, &value, &unreal,
			&cadence, &reason, &triggeredBy,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan history row")
		}
		h.PriceUSD = fromNullDecimal(price)
		h.ValueUSD = fromNullDecimal(value)
		h.UnrealizedPnLUSD = fromNullDecimal(unreal)
		h.Cadence = domain.Cadence(cadence)
		h.Reason = domain.TriggerReason(reason)
		h.TriggeredBy = triggeredBy.String
		out = append(out, h)
	}
	return out, rows.Err()
}
