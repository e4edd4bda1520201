package pricer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/chainfolio/pkg/retrier"
)

const defaultPriceTTL = time.Minute

// CachedPricer is a read-through Redis cache in front of another pricer.
// Cache failures are never fatal: a broken Redis degrades to direct lookups.
type CachedPricer struct {
	inner Pricer
	rdb   *redis.Client
	ttl   time.Duration
	retry *retrier.Retrier
	l     *zap.Logger
}

func NewCachedPricer(l *zap.Logger, inner Pricer, rdb *redis.Client, ttl time.Duration) *CachedPricer {
	if ttl <= 0 {
		ttl = defaultPriceTTL
	}
	return &CachedPricer{
		inner: inner,
		rdb:   rdb,
		ttl:   ttl,
		retry: retrier.New(
			retrier.WithMaxRetries(3),
			retrier.WithInitialInterval(200*time.Millisecond),
			// unlisted tokens stay unlisted; only transient failures retry
			retrier.WithRetryIf(func(err error) bool {
				return !errors.Is(err, ErrPriceUnavailable)
			}),
		),
		l:     l,
	}
}

func (c *CachedPricer) PriceUSD(ctx context.Context, token, chain string) (decimal.Decimal, error) {
	key := fmt.Sprintf("price:%s:%s", chain, token)

	cached, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		if price, parseErr := decimal.NewFromString(cached); parseErr == nil {
			return price, nil
		}
	} else if err != redis.Nil {
		c.l.Warn("price cache read failed, falling through", zap.Error(err))
	}

	price, err := retrier.DoWithData(c.retry, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return c.inner.PriceUSD(ctx, token, chain)
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	if err := c.rdb.Set(ctx, key, price.String(), c.ttl).Err(); err != nil {
		c.l.Warn("price cache write failed", zap.Error(err))
	}
	return price, nil
}
