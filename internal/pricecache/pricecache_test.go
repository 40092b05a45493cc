package pricecache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenwatch/price-oracle/internal/models"
)

var (
	testExchanges = []string{"binance", "coinbase", "coinup"}
	testQuotes    = []string{"USDT", "USDC", "USD"}
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logrus.New().WithField("component", "test")
	return New(client, testExchanges, testQuotes, time.Hour, log), mr
}

func obs(exchange, quote string, price string, ts time.Time) models.PriceObservation {
	return models.PriceObservation{
		BaseAsset:  "BTC",
		Symbol:     "BTC/" + quote,
		QuoteAsset: quote,
		Exchange:   exchange,
		Price:      decimal.RequireFromString(price),
		Timestamp:  ts,
	}
}

func TestPushAndPopBatch(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := cache.Push(ctx, []models.PriceObservation{
		obs("binance", "USDT", "60000", now),
		obs("coinbase", "USD", "60010", now),
	})
	require.NoError(t, err)

	depth, err := cache.QueueDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	batch, err := cache.PopBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "binance", batch[0].Exchange)
	assert.Equal(t, 0, batch[0].ExchangePriority)
	assert.Equal(t, "coinbase", batch[1].Exchange)
	assert.Equal(t, 1, batch[1].ExchangePriority)

	batch, err = cache.PopBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestPushDropsZeroPrices(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	zero := obs("binance", "USDT", "0", time.Now().UTC())
	require.NoError(t, cache.Push(ctx, []models.PriceObservation{zero}))

	depth, err := cache.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	_, err = cache.BestPrice(ctx, "BTC")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestBestPricePrefersHigherExchange(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// A later report from a worse exchange must not displace the incumbent.
	require.NoError(t, cache.Push(ctx, []models.PriceObservation{obs("binance", "USDT", "60000", now)}))
	require.NoError(t, cache.Push(ctx, []models.PriceObservation{obs("coinup", "USDT", "59000", now.Add(time.Minute))}))

	best, err := cache.BestPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "binance", best.Exchange)
}

func TestBetterExchangeDisplacesIncumbent(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, cache.Push(ctx, []models.PriceObservation{obs("coinup", "USDT", "59000", now)}))
	// Older timestamp, better exchange: still wins.
	require.NoError(t, cache.Push(ctx, []models.PriceObservation{obs("binance", "USDT", "60000", now.Add(-time.Minute))}))

	best, err := cache.BestPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "binance", best.Exchange)
}

func TestBestPriceQuoteTiebreak(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, cache.Push(ctx, []models.PriceObservation{obs("binance", "USDC", "60000", now)}))
	require.NoError(t, cache.Push(ctx, []models.PriceObservation{obs("binance", "USDT", "60005", now)}))

	best, err := cache.BestPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "USDT", best.QuoteAsset)
}

func TestBestPriceSameSourceTakesNewest(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, cache.Push(ctx, []models.PriceObservation{obs("binance", "USDT", "60000", now)}))
	require.NoError(t, cache.Push(ctx, []models.PriceObservation{obs("binance", "USDT", "60100", now.Add(time.Second))}))

	best, err := cache.BestPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("60100").Equal(best.Price))
}

func TestBestPriceExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Push(ctx, []models.PriceObservation{obs("binance", "USDT", "60000", time.Now().UTC())}))

	mr.FastForward(2 * time.Hour)

	_, err := cache.BestPrice(ctx, "BTC")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestUnknownExchangeRanksLast(t *testing.T) {
	cache, _ := newTestCache(t)
	assert.Equal(t, len(testExchanges), cache.ExchangeRank("unlisted"))
	assert.Equal(t, 0, cache.ExchangeRank("Binance"))
	assert.Equal(t, 0, cache.QuoteRank("usdt"))
}
