package aggregator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/price-oracle/internal/store"
)

const pendingSetKey = "sync:pending"

// Syncer moves aggregator data into the store in two speeds. Producers drop
// provider ids into a Redis pending set; a fast drain job pulls one API batch
// every tick, so spikes in demand queue up instead of blowing the quota.
// Slower jobs re-enqueue the known asset population on a cycle.
type Syncer struct {
	client *Client
	store  *store.Store
	redis  *redis.Client
	log    *logrus.Entry
}

func NewSyncer(client *Client, st *store.Store, rdb *redis.Client, log *logrus.Entry) *Syncer {
	return &Syncer{client: client, store: st, redis: rdb, log: log}
}

// EnqueuePending marks provider ids for the next quote refresh. The set
// dedupes, so re-requesting a queued id is free.
func (s *Syncer) EnqueuePending(ctx context.Context, providerIDs []int64) error {
	if len(providerIDs) == 0 {
		return nil
	}
	members := make([]any, len(providerIDs))
	for i, id := range providerIDs {
		members[i] = strconv.FormatInt(id, 10)
	}
	if err := s.redis.SAdd(ctx, pendingSetKey, members...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue pending ids: %w", err)
	}
	return nil
}

// PendingDepth reports how many ids await a quote refresh.
func (s *Syncer) PendingDepth(ctx context.Context) (int64, error) {
	depth, err := s.redis.SCard(ctx, pendingSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending depth: %w", err)
	}
	return depth, nil
}

// ProcessPendingBatch drains up to one API batch from the pending set and
// persists the returned snapshots. Returns the number of snapshots stored.
// Ids whose fetch fails go back into the set so a transient API error only
// delays them.
func (s *Syncer) ProcessPendingBatch(ctx context.Context) (int, error) {
	members, err := s.redis.SPopN(ctx, pendingSetKey, int64(s.client.BatchSize())).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to pop pending ids: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			s.log.WithField("member", member).Warn("Dropping unparseable pending id")
			continue
		}
		ids = append(ids, id)
	}

	snapshots, err := s.client.Quotes(ctx, ids)
	if err != nil {
		if requeueErr := s.EnqueuePending(ctx, ids); requeueErr != nil {
			s.log.WithError(requeueErr).Error("Failed to requeue pending ids after fetch error")
		}
		return 0, fmt.Errorf("quote fetch for pending batch failed: %w", err)
	}

	stored := 0
	for _, snap := range snapshots {
		if err := s.store.UpsertSnapshot(ctx, snap); err != nil {
			s.log.WithError(err).WithField("asset_id", snap.AssetID).Error("Failed to store snapshot")
			continue
		}
		stored++
	}
	return stored, nil
}

// RefreshTrackedAssets re-enqueues every asset that has a snapshot already.
// This is the steady-state refresh loop; newly linked assets enter the set
// the moment the linker claims them.
func (s *Syncer) RefreshTrackedAssets(ctx context.Context) (int, error) {
	ids, err := s.store.LinkedAssetIDs(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.EnqueuePending(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// FullResync pages through the provider's entire currency map, refreshing the
// canonical asset registry, then queues every known snapshot for requote.
// This is the slow daily job that picks up renames and new listings.
func (s *Syncer) FullResync(ctx context.Context) (int, error) {
	const pageSize = 5000

	total := 0
	for start := 1; ; start += pageSize {
		assets, err := s.client.ListAssets(ctx, start, pageSize)
		if err != nil {
			return total, fmt.Errorf("asset map page at %d failed: %w", start, err)
		}
		if len(assets) == 0 {
			break
		}

		for _, asset := range assets {
			if err := s.store.UpsertAsset(ctx, asset); err != nil {
				s.log.WithError(err).WithField("provider_id", asset.ProviderID).Error("Failed to upsert asset")
				continue
			}
			total++
		}

		if len(assets) < pageSize {
			break
		}
	}

	if _, err := s.RefreshTrackedAssets(ctx); err != nil {
		s.log.WithError(err).Warn("Failed to queue requote after full resync")
	}
	return total, nil
}
