package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenwatch/price-oracle/internal/adapters"
	"github.com/tokenwatch/price-oracle/internal/aggregator"
	"github.com/tokenwatch/price-oracle/internal/config"
	"github.com/tokenwatch/price-oracle/internal/linker"
	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/pricecache"
	"github.com/tokenwatch/price-oracle/internal/store"
)

type fakeSource struct {
	name         string
	observations []models.PriceObservation
	err          error
	calls        int
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Fetch(ctx context.Context) ([]models.PriceObservation, error) {
	f.calls++
	return f.observations, f.err
}
func (f *fakeSource) Close() {}

type harness struct {
	jobs  *Jobs
	cache *pricecache.Cache
	mock  pgxmock.PgxPoolIface
	redis *redis.Client
}

func newHarness(t *testing.T, sources ...adapters.SourceAdapter) *harness {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	log := logger.WithField("component", "test")

	st := store.New(mock)
	cache := pricecache.New(client, []string{"coinup"}, []string{"USDT"}, time.Hour, log)
	lk := linker.New(st, log)

	aggClient := aggregator.NewClient(config.AggregatorConfig{
		BaseURL: "http://localhost", Timeout: "1s", BatchSize: 100, MinCallSpacing: "1ms",
	}, log)
	t.Cleanup(aggClient.Close)
	syncer := aggregator.NewSyncer(aggClient, st, client, log)

	pricing := config.PricingConfig{PersistBatchSize: 100, LinkBatchSize: 100}
	return &harness{
		jobs:  New(sources, cache, st, lk, syncer, pricing, log),
		cache: cache,
		mock:  mock,
		redis: client,
	}
}

func observation(price string) models.PriceObservation {
	return models.PriceObservation{
		BaseAsset:  "CP",
		Symbol:     "CP/USDT",
		QuoteAsset: "USDT",
		Exchange:   "coinup",
		Price:      decimal.RequireFromString(price),
		Timestamp:  time.Now().UTC(),
	}
}

func TestCollectPricesUsesFirstWorkingSource(t *testing.T) {
	primary := &fakeSource{name: "ticker", observations: []models.PriceObservation{observation("0.5")}}
	fallback := &fakeSource{name: "scrape", observations: []models.PriceObservation{observation("0.49")}}
	h := newHarness(t, primary, fallback)

	require.NoError(t, h.jobs.CollectPrices(context.Background()))

	assert.Equal(t, 1, primary.calls)
	assert.Zero(t, fallback.calls)

	best, err := h.cache.BestPrice(context.Background(), "CP")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.5").Equal(best.Price))
}

func TestCollectPricesFallsBackWhenPrimaryFails(t *testing.T) {
	primary := &fakeSource{name: "ticker", err: errors.New("connection refused")}
	fallback := &fakeSource{name: "scrape", observations: []models.PriceObservation{observation("0.49")}}
	h := newHarness(t, primary, fallback)

	require.NoError(t, h.jobs.CollectPrices(context.Background()))

	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)

	best, err := h.cache.BestPrice(context.Background(), "CP")
	require.NoError(t, err)
	assert.Equal(t, "scrape", best.Exchange)
}

func TestCollectPricesFallsBackToSnapshotSource(t *testing.T) {
	primary := &fakeSource{name: "ticker", err: errors.New("connection refused")}

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	snapshots := adapters.NewAggregatorAdapter(store.New(mock))

	h := newHarness(t, primary, snapshots)

	now := time.Now().UTC()
	mock.ExpectQuery("JOIN assets").
		WillReturnRows(pgxmock.NewRows([]string{
			"symbol", "asset_id", "price_usd", "volume_24h", "percent_change_24h", "timestamp",
		}).AddRow("CP", int64(9999), decimal.RequireFromString("0.51"),
			decimal.NullDecimal{}, decimal.NullDecimal{}, now))

	require.NoError(t, h.jobs.CollectPrices(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	best, err := h.cache.BestPrice(context.Background(), "CP")
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeAggregator, best.Exchange)
}

func TestCollectPricesErrorsWhenAllSourcesFail(t *testing.T) {
	primary := &fakeSource{name: "ticker", err: errors.New("connection refused")}
	fallback := &fakeSource{name: "scrape", err: errors.New("page changed")}
	h := newHarness(t, primary, fallback)

	err := h.jobs.CollectPrices(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all price sources failed")
}

func TestPersistPricesLinksAndStores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Push(ctx, []models.PriceObservation{observation("0.5")}))

	now := time.Now().UTC()
	h.mock.ExpectQuery(`UPPER\(symbol\)`).WithArgs("CP").
		WillReturnRows(pgxmock.NewRows([]string{"id", "provider_id", "symbol", "name", "slug", "created_at", "updated_at"}).
			AddRow(int64(1), int64(9999), "CP", "CoinPulse", "coinpulse", now, now))
	h.mock.ExpectExec("INSERT INTO price_observations").
		WithArgs("CP", "CP/USDT", "USDT", "coinup", pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), 0, 0, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, h.jobs.PersistPrices(ctx))
	require.NoError(t, h.mock.ExpectationsWereMet())

	// The newly linked asset is queued for an aggregator refresh.
	pending, err := h.redis.SCard(ctx, "sync:pending").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	// The queue drained.
	depth, err := h.cache.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPersistPricesEmptyQueueIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.jobs.PersistPrices(context.Background()))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDailyHoldingsUpdate(t *testing.T) {
	h := newHarness(t)

	h.mock.ExpectExec("INSERT INTO asset_holdings").
		WillReturnResult(pgxmock.NewResult("INSERT", 7))

	require.NoError(t, h.jobs.DailyHoldingsUpdate(context.Background()))
	require.NoError(t, h.mock.ExpectationsWereMet())
}
