package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/price-oracle/internal/adapters"
	"github.com/tokenwatch/price-oracle/internal/aggregator"
	"github.com/tokenwatch/price-oracle/internal/config"
	"github.com/tokenwatch/price-oracle/internal/linker"
	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/pricecache"
	"github.com/tokenwatch/price-oracle/internal/scheduler"
	"github.com/tokenwatch/price-oracle/internal/store"
)

// Jobs holds the bodies of every scheduled job. Sources are tried in order;
// the first adapter that returns observations wins the collection cycle.
type Jobs struct {
	sources []adapters.SourceAdapter
	cache   *pricecache.Cache
	store   *store.Store
	linker  *linker.Linker
	syncer  *aggregator.Syncer
	pricing config.PricingConfig
	log     *logrus.Entry
}

func New(sources []adapters.SourceAdapter, cache *pricecache.Cache, st *store.Store,
	lk *linker.Linker, syncer *aggregator.Syncer, pricing config.PricingConfig,
	log *logrus.Entry) *Jobs {
	return &Jobs{
		sources: sources,
		cache:   cache,
		store:   st,
		linker:  lk,
		syncer:  syncer,
		pricing: pricing,
		log:     log,
	}
}

// RegisterAll binds every job body to its configured name.
func (j *Jobs) RegisterAll(s *scheduler.Scheduler) error {
	handlers := map[string]scheduler.JobFunc{
		"collect_prices":           j.CollectPrices,
		"persist_prices":           j.PersistPrices,
		"process_pending_batch":    j.ProcessPendingBatch,
		"sync_aggregator_data":     j.SyncAggregatorData,
		"hourly_candle_update":     j.HourlyCandleUpdate,
		"daily_candle_backfill":    j.DailyCandleBackfill,
		"daily_full_resync":        j.DailyFullResync,
		"daily_holdings_update":    j.DailyHoldingsUpdate,
		"daily_unlocks_update":     j.DailyUnlocksUpdate,
		"daily_allocations_update": j.DailyAllocationsUpdate,
	}
	for name, handler := range handlers {
		if err := s.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

// CollectPrices pulls fresh observations from the first source that answers
// and feeds them into the cache and persistence queue. A cycle where every
// source fails is an error; the next trigger simply tries again.
func (j *Jobs) CollectPrices(ctx context.Context) error {
	var lastErr error
	for _, source := range j.sources {
		observations, err := source.Fetch(ctx)
		if err != nil {
			j.log.WithError(err).WithField("source", source.Name()).Warn("Source fetch failed")
			lastErr = err
			continue
		}
		if len(observations) == 0 {
			continue
		}
		return j.cache.Push(ctx, observations)
	}
	if lastErr != nil {
		return fmt.Errorf("all price sources failed: %w", lastErr)
	}
	return nil
}

// PersistPrices drains one batch from the persistence queue into the store.
// Each observation is linked on the way through; newly linked assets get
// queued for an aggregator snapshot refresh immediately.
func (j *Jobs) PersistPrices(ctx context.Context) error {
	observations, err := j.cache.PopBatch(ctx, j.pricing.PersistBatchSize)
	if err != nil {
		return err
	}

	var newAssets []int64
	for _, obs := range observations {
		if obs.AssetID == nil {
			link, err := j.linker.Link(ctx, obs.BaseAsset)
			if err != nil {
				return err
			}
			if link.Matched() {
				id := link.Asset.ProviderID
				obs.AssetID = &id
				newAssets = append(newAssets, id)
			}
		}
		if err := j.store.UpsertObservation(ctx, obs); err != nil {
			j.log.WithError(err).WithField("base_asset", obs.BaseAsset).Error("Failed to persist observation")
		}
	}

	return j.syncer.EnqueuePending(ctx, newAssets)
}

// ProcessPendingBatch drains one aggregator API batch from the pending set.
func (j *Jobs) ProcessPendingBatch(ctx context.Context) error {
	stored, err := j.syncer.ProcessPendingBatch(ctx)
	if err != nil {
		return err
	}
	if stored > 0 {
		j.log.WithField("snapshots", stored).Debug("Processed pending batch")
	}
	return nil
}

// SyncAggregatorData is the steady-state refresh: relink any unlinked
// observations, then queue every tracked asset for a requote.
func (j *Jobs) SyncAggregatorData(ctx context.Context) error {
	linked, missed, newAssets, err := j.linker.SweepUnlinked(ctx, j.pricing.LinkBatchSize)
	if err != nil {
		return err
	}
	if linked > 0 || missed > 0 {
		j.log.WithFields(logrus.Fields{"linked": linked, "missed": missed}).Info("Link sweep finished")
	}
	if err := j.syncer.EnqueuePending(ctx, newAssets); err != nil {
		return err
	}

	queued, err := j.syncer.RefreshTrackedAssets(ctx)
	if err != nil {
		return err
	}
	j.log.WithField("queued", queued).Debug("Queued tracked assets for requote")
	return nil
}

// HourlyCandleUpdate writes the current hour's OHLC row for every tracked
// asset from its latest snapshot. Snapshots carry a single price, so open,
// high, low and close start equal and later updates within the hour widen
// nothing; the row records the last seen price per bucket.
func (j *Jobs) HourlyCandleUpdate(ctx context.Context) error {
	ids, err := j.store.LinkedAssetIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		snap, err := j.store.LatestSnapshot(ctx, id)
		if err != nil {
			j.log.WithError(err).WithField("asset_id", id).Warn("No snapshot for candle update")
			continue
		}
		bucket := snap.Timestamp.UTC().Truncate(time.Hour)
		if err := j.store.UpsertCandle(ctx, candleFromSnapshot(snap, bucket)); err != nil {
			j.log.WithError(err).WithField("asset_id", id).Error("Failed to upsert candle")
		}
	}
	return nil
}

// DailyCandleBackfill fills the last day's missing hourly buckets per asset
// with the latest known price carried forward.
func (j *Jobs) DailyCandleBackfill(ctx context.Context) error {
	ids, err := j.store.LinkedAssetIDs(ctx)
	if err != nil {
		return err
	}

	filled := 0
	for _, id := range ids {
		missing, err := j.store.MissingCandleHours(ctx, id, 24)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			continue
		}

		snap, err := j.store.LatestSnapshot(ctx, id)
		if err != nil {
			j.log.WithError(err).WithField("asset_id", id).Warn("No snapshot for candle backfill")
			continue
		}
		for _, bucket := range missing {
			if err := j.store.UpsertCandle(ctx, candleFromSnapshot(snap, bucket)); err != nil {
				j.log.WithError(err).WithField("asset_id", id).Error("Failed to backfill candle")
				continue
			}
			filled++
		}
	}

	j.log.WithField("filled", filled).Info("Candle backfill finished")
	return nil
}

// DailyFullResync refreshes the whole asset registry and clears the link
// cache so cached misses get another chance against new listings.
func (j *Jobs) DailyFullResync(ctx context.Context) error {
	total, err := j.syncer.FullResync(ctx)
	if err != nil {
		return err
	}
	j.linker.Reset()
	j.log.WithField("assets", total).Info("Full resync finished")
	return nil
}

func (j *Jobs) DailyHoldingsUpdate(ctx context.Context) error {
	rows, err := j.store.RefreshHoldings(ctx)
	if err != nil {
		return err
	}
	j.log.WithField("rows", rows).Info("Holdings refreshed")
	return nil
}

func (j *Jobs) DailyUnlocksUpdate(ctx context.Context) error {
	rows, err := j.store.RefreshUnlocks(ctx)
	if err != nil {
		return err
	}
	j.log.WithField("rows", rows).Info("Unlocks refreshed")
	return nil
}

func (j *Jobs) DailyAllocationsUpdate(ctx context.Context) error {
	rows, err := j.store.RefreshAllocations(ctx)
	if err != nil {
		return err
	}
	j.log.WithField("rows", rows).Info("Allocations refreshed")
	return nil
}

func candleFromSnapshot(snap models.MarketSnapshot, bucket time.Time) models.Candle {
	var volume decimal.NullDecimal
	if snap.Volume24h.Valid {
		// Spread the daily volume evenly; a real per-hour figure is not
		// available from snapshot data.
		volume = decimal.NewNullDecimal(snap.Volume24h.Decimal.Div(decimal.NewFromInt(24)))
	}
	return models.Candle{
		AssetID:   snap.AssetID,
		Period:    "1h",
		Open:      snap.PriceUSD,
		High:      snap.PriceUSD,
		Low:       snap.PriceUSD,
		Close:     snap.PriceUSD,
		Volume:    volume,
		Timestamp: bucket,
	}
}
