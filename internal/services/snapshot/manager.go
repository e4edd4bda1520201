// Package snapshot produces point-in-time copies of current balances on a
// cadence and prunes stale history rows per retention policy.
package snapshot

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/chainfolio/internal/domain"
)

const (
	defaultHourlyRetention   = 7 * 24 * time.Hour
	defaultStandardRetention = 90 * 24 * time.Hour
)

// BalanceSource reads the current balance rows to be snapshotted.
type BalanceSource interface {
	ListAll(ctx context.Context) ([]domain.Balance, error)
}

// HistoryStore is the append/delete surface of the history series.
type HistoryStore interface {
	InsertBatch(ctx context.Context, rows []domain.BalanceHistory) error
	// DeleteBefore removes rows of the cadence strictly older than cutoff and
	// returns how many were deleted.
	DeleteBefore(ctx context.Context, cadence domain.Cadence, cutoff time.Time) (int64, error)
}

// Config holds the snapshot and retention knobs. Zero retention values fall
// back to the defaults (7 days hourly, 90 days everything else).
type Config struct {
	DustThreshold     decimal.Decimal
	HourlyRetention   time.Duration
	StandardRetention time.Duration
	// Disabled lists cadences whose scheduled snapshots are switched off.
	Disabled map[domain.Cadence]bool
}

// Manager writes scheduled snapshots and prunes expired ones. Snapshot writes
// take no locks: a snapshot is a consistent read of whatever balance currently
// exists, and repeated invocations within one time bucket simply add rows.
// Consumers deduplicate by taking the latest row per bucket.
type Manager struct {
	balances BalanceSource
	history  HistoryStore
	cfg      Config
	l        *zap.Logger
	now      func() time.Time
}

// New constructs a Manager.
func New(l *zap.Logger, balances BalanceSource, history HistoryStore, cfg Config) *Manager {
	if cfg.HourlyRetention <= 0 {
		cfg.HourlyRetention = defaultHourlyRetention
	}
	if cfg.StandardRetention <= 0 {
		cfg.StandardRetention = defaultStandardRetention
	}
	return &Manager{
		balances: balances,
		history:  history,
		cfg:      cfg,
		l:        l,
		now:      time.Now,
	}
}

// Snapshot writes one history row per current balance, stamped with the
// invocation time and the given cadence. Dust-level positions are skipped.
// Returns the number of rows written.
func (m *Manager) Snapshot(ctx context.Context, cadence domain.Cadence) (int, error) {
	if m.cfg.Disabled[cadence] {
		m.l.Debug("snapshot cadence disabled", zap.String("cadence", string(cadence)))
		return 0, nil
	}

	balances, err := m.balances.ListAll(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load balances for snapshot")
	}

	now := m.now()
	rows := make([]domain.BalanceHistory, 0, len(balances))
	for i := range balances {
		if !balances[i].Amount.GreaterThan(m.cfg.DustThreshold) {
			continue
		}
		rows = append(rows, domain.SnapshotOf(balances[i], now, cadence, domain.TriggerScheduled, string(cadence)))
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := m.history.InsertBatch(ctx, rows); err != nil {
		return 0, errors.Wrapf(err, "write %s snapshot", cadence)
	}

	m.l.Info("snapshot written",
		zap.String("cadence", string(cadence)),
		zap.Int("rows", len(rows)))
	return len(rows), nil
}

// PruneCadence deletes history rows of the cadence older than now minus the
// window. The delete touches only a range disjoint from anything a concurrent
// snapshot could write, so it needs no lock and is naturally safe to retry.
func (m *Manager) PruneCadence(ctx context.Context, cadence domain.Cadence, window time.Duration) (int64, error) {
	cutoff := m.now().Add(-window)
	deleted, err := m.history.DeleteBefore(ctx, cadence, cutoff)
	if err != nil {
		return 0, errors.Wrapf(err, "prune %s history before %s", cadence, cutoff)
	}
	if deleted > 0 {
		m.l.Info("history pruned",
			zap.String("cadence", string(cadence)),
			zap.Int64("rows", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

// Prune applies the retention policy to every cadence: the short window for
// hourly rows, the standard window for everything else.
func (m *Manager) Prune(ctx context.Context) error {
	cadences := []struct {
		cadence domain.Cadence
		window  time.Duration
	}{
		{domain.CadenceHourly, m.cfg.HourlyRetention},
		{domain.CadenceTransaction, m.cfg.StandardRetention},
		{domain.CadenceDaily, m.cfg.StandardRetention},
		{domain.CadenceWeekly, m.cfg.StandardRetention},
		{domain.CadenceMonthly, m.cfg.StandardRetention},
	}

	for _, c := range cadences {
		if _, err := m.PruneCadence(ctx, c.cadence, c.window); err != nil {
			return err
		}
	}
	return nil
}
