package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/price-oracle/internal/linker"
	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/pricecache"
	"github.com/tokenwatch/price-oracle/internal/store"
)

// ErrNoPrice is returned when neither the direct pipeline nor the aggregator
// has any usable price for the asset.
var ErrNoPrice = errors.New("no price available")

// Resolver answers "what is the price of X right now" by reconciling the two
// pipelines. Direct exchange observations win while fresh; past the staleness
// threshold the aggregator snapshot takes over, and a stale direct quote is
// only served when the aggregator has nothing at all.
type Resolver struct {
	store          *store.Store
	cache          *pricecache.Cache
	linker         *linker.Linker
	directMaxAge   time.Duration
	aggregatorWarn time.Duration
	log            *logrus.Entry
}

func New(st *store.Store, cache *pricecache.Cache, lk *linker.Linker,
	directMaxAge, aggregatorWarn time.Duration, log *logrus.Entry) *Resolver {
	return &Resolver{
		store:          st,
		cache:          cache,
		linker:         lk,
		directMaxAge:   directMaxAge,
		aggregatorWarn: aggregatorWarn,
		log:            log,
	}
}

// Resolve returns the authoritative price for one base asset. A zero or
// absent price from either source counts as no data, never as a quote of
// zero; ErrNoPrice means both sources came up empty.
func (r *Resolver) Resolve(ctx context.Context, baseAsset string) (models.ResolvedPrice, error) {
	direct, haveDirect := r.latestDirect(ctx, baseAsset)
	if haveDirect && time.Since(direct.Timestamp) <= r.directMaxAge {
		return resolvedFromObservation(direct), nil
	}

	if resolved, ok, err := r.fromAggregator(ctx, baseAsset); err != nil {
		return models.ResolvedPrice{}, err
	} else if ok {
		return resolved, nil
	}

	if haveDirect {
		r.log.WithFields(logrus.Fields{
			"base_asset": baseAsset,
			"age":        time.Since(direct.Timestamp).Round(time.Second),
		}).Warn("Serving stale direct price, aggregator has no data")
		return resolvedFromObservation(direct), nil
	}

	return models.ResolvedPrice{}, fmt.Errorf("%w for %s", ErrNoPrice, baseAsset)
}

// latestDirect consults the best-price cache first and falls back to the
// store. Cache errors degrade to a store read; resolution must not fail
// because Redis is down.
func (r *Resolver) latestDirect(ctx context.Context, baseAsset string) (models.PriceObservation, bool) {
	cached, err := r.cache.BestPrice(ctx, baseAsset)
	if err == nil && cached.HasPrice() {
		return cached, true
	}
	if err != nil && !errors.Is(err, pricecache.ErrCacheMiss) {
		r.log.WithError(err).Warn("Best price cache read failed")
	}

	obs, err := r.store.LatestObservation(ctx, baseAsset)
	if errors.Is(err, store.ErrNotFound) {
		return models.PriceObservation{}, false
	}
	if err != nil {
		r.log.WithError(err).WithField("base_asset", baseAsset).Error("Observation lookup failed")
		return models.PriceObservation{}, false
	}
	return obs, obs.HasPrice()
}

func (r *Resolver) fromAggregator(ctx context.Context, baseAsset string) (models.ResolvedPrice, bool, error) {
	link, err := r.linker.Link(ctx, baseAsset)
	if err != nil {
		return models.ResolvedPrice{}, false, err
	}
	if !link.Matched() {
		return models.ResolvedPrice{}, false, nil
	}

	snap, err := r.store.LatestSnapshot(ctx, link.Asset.ProviderID)
	if errors.Is(err, store.ErrNotFound) {
		return models.ResolvedPrice{}, false, nil
	}
	if err != nil {
		return models.ResolvedPrice{}, false, err
	}
	if !snap.PriceUSD.IsPositive() {
		return models.ResolvedPrice{}, false, nil
	}

	if age := time.Since(snap.Timestamp); age > r.aggregatorWarn {
		r.log.WithFields(logrus.Fields{
			"base_asset": baseAsset,
			"age":        age.Round(time.Second),
		}).Warn("Aggregator snapshot is stale")
	}

	return models.ResolvedPrice{
		BaseAsset: baseAsset,
		Price:     snap.PriceUSD,
		Volume24h: snap.Volume24h,
		Source:    models.PriceSourceAggregator,
		Timestamp: snap.Timestamp,
	}, true, nil
}

func resolvedFromObservation(obs models.PriceObservation) models.ResolvedPrice {
	// Observations collected through the aggregator fallback source keep
	// their origin visible in the resolved answer.
	source := models.PriceSourceDirect
	if obs.Exchange == models.ExchangeAggregator {
		source = models.PriceSourceAggregator
	}
	return models.ResolvedPrice{
		BaseAsset: obs.BaseAsset,
		Price:     obs.Price,
		Volume24h: obs.Volume24h,
		Source:    source,
		Timestamp: obs.Timestamp,
	}
}
