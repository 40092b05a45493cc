package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tokenwatch/price-oracle/internal/models"
)

// UpsertSnapshot writes the aggregator-derived market view for one asset,
// latest-wins. Null fields never overwrite previously known values.
func (s *Store) UpsertSnapshot(ctx context.Context, snap models.MarketSnapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO market_snapshots (asset_id, price_usd, market_cap, fully_diluted_market_cap,
			volume_24h, percent_change_1h, percent_change_24h, percent_change_7d,
			rank, circulating_supply, total_supply, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (asset_id) DO UPDATE SET
			price_usd = EXCLUDED.price_usd,
			market_cap = COALESCE(EXCLUDED.market_cap, market_snapshots.market_cap),
			fully_diluted_market_cap = COALESCE(EXCLUDED.fully_diluted_market_cap, market_snapshots.fully_diluted_market_cap),
			volume_24h = COALESCE(EXCLUDED.volume_24h, market_snapshots.volume_24h),
			percent_change_1h = COALESCE(EXCLUDED.percent_change_1h, market_snapshots.percent_change_1h),
			percent_change_24h = COALESCE(EXCLUDED.percent_change_24h, market_snapshots.percent_change_24h),
			percent_change_7d = COALESCE(EXCLUDED.percent_change_7d, market_snapshots.percent_change_7d),
			rank = EXCLUDED.rank,
			circulating_supply = COALESCE(EXCLUDED.circulating_supply, market_snapshots.circulating_supply),
			total_supply = COALESCE(EXCLUDED.total_supply, market_snapshots.total_supply),
			timestamp = EXCLUDED.timestamp`,
		snap.AssetID, snap.PriceUSD, snap.MarketCap, snap.FullyDilutedCap,
		snap.Volume24h, snap.PercentChange1h, snap.PercentChange24h, snap.PercentChange7d,
		snap.Rank, snap.CirculatingSupply, snap.TotalSupply, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot for asset %d: %w", snap.AssetID, err)
	}
	return nil
}

// LatestSnapshot returns the aggregator view for one asset.
func (s *Store) LatestSnapshot(ctx context.Context, assetID int64) (models.MarketSnapshot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT asset_id, price_usd, market_cap, fully_diluted_market_cap,
			volume_24h, percent_change_1h, percent_change_24h, percent_change_7d,
			rank, circulating_supply, total_supply, timestamp
		FROM market_snapshots
		WHERE asset_id = $1`, assetID)

	var snap models.MarketSnapshot
	err := row.Scan(&snap.AssetID, &snap.PriceUSD, &snap.MarketCap, &snap.FullyDilutedCap,
		&snap.Volume24h, &snap.PercentChange1h, &snap.PercentChange24h, &snap.PercentChange7d,
		&snap.Rank, &snap.CirculatingSupply, &snap.TotalSupply, &snap.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MarketSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.MarketSnapshot{}, fmt.Errorf("failed to load snapshot for asset %d: %w", assetID, err)
	}
	return snap, nil
}

// LatestSnapshotTime feeds the freshness monitor's "latest market snapshot"
// category. MAX over an empty table yields one NULL row, not zero rows.
func (s *Store) LatestSnapshotTime(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT MAX(timestamp) FROM market_snapshots`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load latest snapshot time: %w", err)
	}
	if ts == nil {
		return time.Time{}, ErrNotFound
	}
	return *ts, nil
}

// UpsertCandle appends one OHLC row; candles keep history, so the key
// includes the bucket timestamp.
func (s *Store) UpsertCandle(ctx context.Context, c models.Candle) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO candles (asset_id, period, open, high, low, close, volume, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (asset_id, period, timestamp) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`,
		c.AssetID, c.Period, c.Open, c.High, c.Low, c.Close, c.Volume, c.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to upsert candle for asset %d: %w", c.AssetID, err)
	}
	return nil
}

// MissingCandleHours returns bucket timestamps within the last n hours that
// have no candle yet for the asset, oldest first. Drives the daily backfill.
func (s *Store) MissingCandleHours(ctx context.Context, assetID int64, hours int) ([]time.Time, error) {
	rows, err := s.db.Query(ctx, `
		SELECT bucket
		FROM generate_series(
			date_trunc('hour', NOW()) - ($2 - 1) * INTERVAL '1 hour',
			date_trunc('hour', NOW()),
			INTERVAL '1 hour') AS bucket
		WHERE NOT EXISTS (
			SELECT 1 FROM candles
			WHERE asset_id = $1 AND period = '1h' AND timestamp = bucket)
		ORDER BY bucket ASC`, assetID, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to find missing candles for asset %d: %w", assetID, err)
	}
	defer rows.Close()

	var buckets []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan candle bucket: %w", err)
		}
		buckets = append(buckets, ts)
	}
	return buckets, rows.Err()
}

// LatestCandleTime feeds the freshness monitor's "latest hourly candle"
// category. MAX over an empty table yields one NULL row, not zero rows.
func (s *Store) LatestCandleTime(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT MAX(timestamp) FROM candles WHERE period = '1h'`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load latest candle time: %w", err)
	}
	if ts == nil {
		return time.Time{}, ErrNotFound
	}
	return *ts, nil
}

// SnapshotObservations projects every synced asset's latest snapshot into an
// observation row, at most one per asset. Feeds the aggregator source
// adapter; zero-priced snapshots are dropped up front.
func (s *Store) SnapshotObservations(ctx context.Context) ([]models.PriceObservation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.symbol, ms.asset_id, ms.price_usd, ms.volume_24h,
			ms.percent_change_24h, ms.timestamp
		FROM market_snapshots ms
		JOIN assets a ON a.provider_id = ms.asset_id
		WHERE ms.price_usd > 0
		ORDER BY a.symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot observations: %w", err)
	}
	defer rows.Close()

	var observations []models.PriceObservation
	for rows.Next() {
		var (
			obs models.PriceObservation
			id  int64
		)
		if err := rows.Scan(&obs.BaseAsset, &id, &obs.Price,
			&obs.Volume24h, &obs.PriceChange24h, &obs.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot observation: %w", err)
		}
		obs.AssetID = &id
		obs.Symbol = obs.BaseAsset + "/USD"
		obs.QuoteAsset = "USD"
		obs.Exchange = models.ExchangeAggregator
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// LinkedAssetIDs lists assets that at least one observation or snapshot
// references; the candle jobs only maintain history for these.
func (s *Store) LinkedAssetIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT asset_id FROM market_snapshots
		ORDER BY asset_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked assets: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan asset id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RefreshHoldings recomputes the per-asset holdings rollup from the latest
// snapshot supply figures.
func (s *Store) RefreshHoldings(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO asset_holdings (asset_id, circulating_supply, total_supply, updated_at)
		SELECT asset_id, circulating_supply, total_supply, NOW()
		FROM market_snapshots
		WHERE circulating_supply IS NOT NULL
		ON CONFLICT (asset_id) DO UPDATE SET
			circulating_supply = EXCLUDED.circulating_supply,
			total_supply = EXCLUDED.total_supply,
			updated_at = NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh holdings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RefreshUnlocks advances unlock schedules whose next unlock date has passed.
func (s *Store) RefreshUnlocks(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE token_unlocks
		SET unlocked_amount = unlocked_amount + next_unlock_amount,
			next_unlock_at = next_unlock_at + unlock_interval,
			updated_at = NOW()
		WHERE next_unlock_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh unlocks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RefreshAllocations recomputes allocation percentages against current total
// supply.
func (s *Store) RefreshAllocations(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE token_allocations ta
		SET percent_of_supply = CASE WHEN ms.total_supply > 0
				THEN ta.amount / ms.total_supply * 100 ELSE NULL END,
			updated_at = NOW()
		FROM market_snapshots ms
		WHERE ms.asset_id = ta.asset_id AND ms.total_supply IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh allocations: %w", err)
	}
	return tag.RowsAffected(), nil
}
