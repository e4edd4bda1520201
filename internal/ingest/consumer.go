package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/vadiminshakov/chainfolio/internal/domain"
	"github.com/vadiminshakov/chainfolio/pkg/retrier"
)

// Recalculator is the engine surface the consumer drives.
type Recalculator interface {
	RecalculateWallet(ctx context.Context, walletID int64, emitSnapshot bool) error
}

// Ledger is the transaction-store surface the consumer writes through.
type Ledger interface {
	Save(ctx context.Context, tx *domain.Transaction) error
	SetCancelled(ctx context.Context, id uuid.UUID, cancelled bool) error
}

// Config holds Kafka connection settings for the notification stream.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads ledger-change notifications from Kafka, persists announced
// transactions, and recalculates the affected wallet. An offset is committed
// only after its notification is fully handled; a persistent failure stops
// the consumer instead of committing past the message, since consumer-group
// commits are per-partition watermarks and a later commit would swallow the
// failed offset. Delivery is at-least-once; the idempotent persistence and
// recalculation make replays harmless.
type Consumer struct {
	reader *kafka.Reader
	recalc Recalculator
	ledger Ledger
	retry  *retrier.Retrier
	l      *zap.Logger
}

// NewConsumer creates a consumer-group reader over the notification topic.
func NewConsumer(l *zap.Logger, cfg Config, recalc Recalculator, ledger Ledger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    10e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{
		reader: reader,
		recalc: recalc,
		ledger: ledger,
		retry:  retrier.New(retrier.WithMaxRetries(3), retrier.WithInitialInterval(500*time.Millisecond)),
		l:      l,
	}
}

// Run consumes until the context is cancelled or a notification cannot be
// handled even after retries.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch notification")
		}

		if err := c.process(ctx, msg.Value); err != nil {
			// Stop without committing: fetching the next message and
			// committing it would advance the group watermark past this
			// offset and the failed notification would never be redelivered.
			return errors.Wrapf(err, "handle notification at offset %d", msg.Offset)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.l.Error("offset commit failed", zap.Error(err))
		}
	}
}

// process retries transient handling failures in place before giving up.
func (c *Consumer) process(ctx context.Context, payload []byte) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		err := c.handle(ctx, payload)
		if err != nil {
			c.l.Warn("notification handling failed, retrying", zap.Error(err))
		}
		return err
	})
}

func (c *Consumer) handle(ctx context.Context, payload []byte) error {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		// Malformed payloads are logged and dropped, not retried forever.
		c.l.Warn("dropping malformed notification", zap.Error(err))
		return nil
	}
	if err := n.Validate(); err != nil {
		c.l.Warn("dropping invalid notification", zap.Error(err))
		return nil
	}

	switch {
	case n.Cancelled:
		if err := c.ledger.SetCancelled(ctx, n.TransactionID, true); err != nil {
			return errors.Wrap(err, "cancel transaction")
		}
	case n.HasTransaction():
		tx := n.Transaction()
		if err := c.ledger.Save(ctx, &tx); err != nil {
			return errors.Wrap(err, "save transaction")
		}
	}

	c.l.Info("ledger change received",
		zap.Int64("wallet_id", n.WalletID),
		zap.String("token", n.Token),
		zap.String("chain", n.Chain),
		zap.Bool("cancelled", n.Cancelled))

	return c.recalc.RecalculateWallet(ctx, n.WalletID, true)
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
