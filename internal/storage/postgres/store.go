// Package postgres implements the engine's persistence boundary on PostgreSQL.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Config holds connection settings for the store.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is the facade over the engine's three tables.
type Store struct {
	db *sql.DB

	Transactions *TransactionRepository
	Balances     *BalanceRepository
	History      *HistoryRepository
}

// Open connects, verifies the connection and runs migrations.
func Open(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	history := NewHistoryRepository(db)
	store := &Store{
		db:           db,
		Transactions: NewTransactionRepository(db),
		Balances:     NewBalanceRepository(db, history),
		History:      history,
	}

	if err := store.migrate(); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	return store, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			wallet_id BIGINT NOT NULL,
			token VARCHAR(32) NOT NULL,
			chain VARCHAR(32) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			amount_raw NUMERIC(38, 0) NOT NULL CHECK (amount_raw >= 0),
			amount NUMERIC(38, 18) NOT NULL,
			decimals INTEGER NOT NULL DEFAULT 0,
			price_usd NUMERIC(38, 18),
			tx_hash VARCHAR(80) NOT NULL,
			cancelled BOOLEAN NOT NULL DEFAULT false,
			ts TIMESTAMPTZ NOT NULL,
			UNIQUE (tx_hash, chain)
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			id BIGSERIAL PRIMARY KEY,
			wallet_id BIGINT NOT NULL,
			token VARCHAR(32) NOT NULL,
			chain VARCHAR(32) NOT NULL,
			amount_raw NUMERIC(38, 0) NOT NULL DEFAULT 0 CHECK (amount_raw >= 0),
			amount NUMERIC(38, 18) NOT NULL DEFAULT 0,
			avg_buy_price_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			avg_sell_price_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			total_buy_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			total_sell_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			realized_pnl_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			price_usd NUMERIC(38, 18),
			value_usd NUMERIC(38, 18),
			unrealized_pnl_usd NUMERIC(38, 18),
			price_change_24h NUMERIC(18, 8),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (wallet_id, token, chain)
		)`,
		// snapshot_at leads the identity so range queries and retention
		// pruning stay sequential scans on the partitioned series.
		`CREATE TABLE IF NOT EXISTS balance_history (
			snapshot_at TIMESTAMPTZ NOT NULL,
			id BIGSERIAL NOT NULL,
			wallet_id BIGINT NOT NULL,
			token VARCHAR(32) NOT NULL,
			chain VARCHAR(32) NOT NULL,
			amount_raw NUMERIC(38, 0) NOT NULL,
			amount NUMERIC(38, 18) NOT NULL,
			avg_buy_price_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			avg_sell_price_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			total_buy_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			total_sell_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			realized_pnl_usd NUMERIC(38, 18) NOT NULL DEFAULT 0,
			price_usd NUMERIC(38, 18),
			value_usd NUMERIC(38, 18),
			unrealized_pnl_usd NUMERIC(38, 18),
			cadence VARCHAR(16) NOT NULL,
			trigger_reason VARCHAR(16) NOT NULL,
			triggered_by VARCHAR(64),
			PRIMARY KEY (snapshot_at, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions(wallet_id, token, chain)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_ts ON transactions(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_history_cadence ON balance_history(cadence, snapshot_at)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_history_position ON balance_history(wallet_id, token, chain, snapshot_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return errors.Wrap(err, "migration failed")
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and administrative tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func toNullDecimal(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}

func fromNullDecimal(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
