package pricecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/price-oracle/internal/models"
)

const (
	bestPriceKeyPrefix = "price:best:"
	persistQueueKey    = "price:queue"
)

// ErrCacheMiss is returned when no best price is cached for an asset.
var ErrCacheMiss = errors.New("price not cached")

// Cache keeps the per-asset best price and the write-behind persistence queue
// in Redis. Collectors push every observation; the best-price slot only moves
// when the incoming observation beats the cached one under the priority
// ordering, so a low-priority exchange can never shadow a fresher quote from a
// preferred one within the TTL window.
type Cache struct {
	client       *redis.Client
	log          *logrus.Entry
	exchangeRank map[string]int
	quoteRank    map[string]int
	ttl          time.Duration
}

func New(client *redis.Client, exchangePriority, quotePriority []string, ttl time.Duration, log *logrus.Entry) *Cache {
	return &Cache{
		client:       client,
		log:          log,
		exchangeRank: rankOf(exchangePriority, strings.ToLower),
		quoteRank:    rankOf(quotePriority, strings.ToUpper),
		ttl:          ttl,
	}
}

func rankOf(priority []string, canon func(string) string) map[string]int {
	ranks := make(map[string]int, len(priority))
	for i, name := range priority {
		ranks[canon(name)] = i
	}
	return ranks
}

// ExchangeRank returns the priority index for an exchange, lower is better.
// Unknown exchanges rank after every listed one.
func (c *Cache) ExchangeRank(exchange string) int {
	if rank, ok := c.exchangeRank[strings.ToLower(exchange)]; ok {
		return rank
	}
	return len(c.exchangeRank)
}

// QuoteRank returns the priority index for a quote asset, lower is better.
func (c *Cache) QuoteRank(quote string) int {
	if rank, ok := c.quoteRank[strings.ToUpper(quote)]; ok {
		return rank
	}
	return len(c.quoteRank)
}

// Push enqueues observations for the persistence job and advances each
// asset's best-price slot. Observations without a usable price are dropped
// here so neither the queue nor the cache ever carries a zero.
func (c *Cache) Push(ctx context.Context, observations []models.PriceObservation) error {
	for i := range observations {
		obs := &observations[i]
		if !obs.HasPrice() {
			c.log.WithField("base_asset", obs.BaseAsset).Warn("Dropping observation without price")
			continue
		}
		obs.ExchangePriority = c.ExchangeRank(obs.Exchange)
		obs.QuotePriority = c.QuoteRank(obs.QuoteAsset)

		payload, err := json.Marshal(obs)
		if err != nil {
			return fmt.Errorf("failed to encode observation for %s: %w", obs.BaseAsset, err)
		}
		if err := c.client.RPush(ctx, persistQueueKey, payload).Err(); err != nil {
			return fmt.Errorf("failed to enqueue observation for %s: %w", obs.BaseAsset, err)
		}
		if err := c.updateBest(ctx, *obs); err != nil {
			return err
		}
	}
	return nil
}

// PopBatch removes and returns up to n queued observations, oldest first.
// Entries that fail to decode are logged and skipped rather than requeued;
// the queue must never wedge on one bad payload.
func (c *Cache) PopBatch(ctx context.Context, n int) ([]models.PriceObservation, error) {
	payloads, err := c.client.LPopCount(ctx, persistQueueKey, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop persistence queue: %w", err)
	}

	out := make([]models.PriceObservation, 0, len(payloads))
	for _, payload := range payloads {
		var obs models.PriceObservation
		if err := json.Unmarshal([]byte(payload), &obs); err != nil {
			c.log.WithError(err).Warn("Skipping undecodable queued observation")
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// QueueDepth reports how many observations await persistence.
func (c *Cache) QueueDepth(ctx context.Context) (int64, error) {
	depth, err := c.client.LLen(ctx, persistQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// BestPrice returns the cached best observation for a base asset.
func (c *Cache) BestPrice(ctx context.Context, baseAsset string) (models.PriceObservation, error) {
	payload, err := c.client.Get(ctx, bestPriceKey(baseAsset)).Result()
	if errors.Is(err, redis.Nil) {
		return models.PriceObservation{}, ErrCacheMiss
	}
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("failed to read best price for %s: %w", baseAsset, err)
	}

	var obs models.PriceObservation
	if err := json.Unmarshal([]byte(payload), &obs); err != nil {
		return models.PriceObservation{}, fmt.Errorf("failed to decode best price for %s: %w", baseAsset, err)
	}
	return obs, nil
}

func (c *Cache) updateBest(ctx context.Context, obs models.PriceObservation) error {
	key := bestPriceKey(obs.BaseAsset)

	current, err := c.BestPrice(ctx, obs.BaseAsset)
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		return err
	}
	if err == nil && !beats(obs, current) {
		// Refresh the TTL anyway; a still-winning entry should not expire
		// just because a worse source keeps reporting.
		if err := c.client.Expire(ctx, key, c.ttl).Err(); err != nil {
			return fmt.Errorf("failed to refresh best price ttl for %s: %w", obs.BaseAsset, err)
		}
		return nil
	}

	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to encode best price for %s: %w", obs.BaseAsset, err)
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store best price for %s: %w", obs.BaseAsset, err)
	}
	return nil
}

// beats reports whether the candidate should replace the incumbent: better
// exchange rank wins, then better quote rank, then the newer timestamp.
func beats(candidate, incumbent models.PriceObservation) bool {
	if candidate.ExchangePriority != incumbent.ExchangePriority {
		return candidate.ExchangePriority < incumbent.ExchangePriority
	}
	if candidate.QuotePriority != incumbent.QuotePriority {
		return candidate.QuotePriority < incumbent.QuotePriority
	}
	return candidate.Timestamp.After(incumbent.Timestamp)
}

func bestPriceKey(baseAsset string) string {
	return bestPriceKeyPrefix + strings.ToUpper(baseAsset)
}
