package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tokenwatch/price-oracle/internal/models"
)

// ErrNotFound is returned by single-row lookups when no record exists.
var ErrNotFound = errors.New("record not found")

const observationColumns = `base_asset, symbol, quote_asset, exchange, price,
	volume_24h, price_change_24h, exchange_priority, quote_priority,
	asset_id, price_timestamp`

// UpsertObservation writes one observation keyed by (base asset, quote asset,
// exchange): the latest write for a key replaces the previous one.
func (s *Store) UpsertObservation(ctx context.Context, obs models.PriceObservation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO price_observations (base_asset, symbol, quote_asset, exchange, price,
			volume_24h, price_change_24h, exchange_priority, quote_priority, asset_id, price_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (base_asset, quote_asset, exchange) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			price = EXCLUDED.price,
			volume_24h = EXCLUDED.volume_24h,
			price_change_24h = EXCLUDED.price_change_24h,
			exchange_priority = EXCLUDED.exchange_priority,
			quote_priority = EXCLUDED.quote_priority,
			asset_id = COALESCE(EXCLUDED.asset_id, price_observations.asset_id),
			price_timestamp = EXCLUDED.price_timestamp`,
		obs.BaseAsset, obs.Symbol, obs.QuoteAsset, obs.Exchange, obs.Price,
		obs.Volume24h, obs.PriceChange24h, obs.ExchangePriority, obs.QuotePriority,
		obs.AssetID, obs.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to upsert observation for %s: %w", obs.BaseAsset, err)
	}
	return nil
}

func scanObservation(row pgx.Row) (models.PriceObservation, error) {
	var obs models.PriceObservation
	err := row.Scan(&obs.BaseAsset, &obs.Symbol, &obs.QuoteAsset, &obs.Exchange,
		&obs.Price, &obs.Volume24h, &obs.PriceChange24h,
		&obs.ExchangePriority, &obs.QuotePriority, &obs.AssetID, &obs.Timestamp)
	return obs, err
}

// LatestObservation returns the newest observation for a base asset across
// all pairs and exchanges, breaking timestamp ties by exchange then quote
// priority.
func (s *Store) LatestObservation(ctx context.Context, baseAsset string) (models.PriceObservation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+observationColumns+`
		FROM price_observations
		WHERE base_asset = $1
		ORDER BY price_timestamp DESC, exchange_priority ASC, quote_priority ASC
		LIMIT 1`, baseAsset)

	obs, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PriceObservation{}, ErrNotFound
	}
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("failed to load latest observation for %s: %w", baseAsset, err)
	}
	return obs, nil
}

// LatestObservationForAsset prefers the canonical link and falls back to a
// raw symbol match for observations the linker has not claimed yet.
func (s *Store) LatestObservationForAsset(ctx context.Context, assetID int64, symbol string) (models.PriceObservation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+observationColumns+`
		FROM price_observations
		WHERE asset_id = $1 OR (asset_id IS NULL AND base_asset = $2)
		ORDER BY price_timestamp DESC, exchange_priority ASC, quote_priority ASC
		LIMIT 1`, assetID, symbol)

	obs, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PriceObservation{}, ErrNotFound
	}
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("failed to load observation for asset %d: %w", assetID, err)
	}
	return obs, nil
}

// ListObservations returns the stored latest-wins rows ordered by base asset.
func (s *Store) ListObservations(ctx context.Context, limit int) ([]models.PriceObservation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+observationColumns+`
		FROM price_observations
		ORDER BY base_asset ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var out []models.PriceObservation
	for rows.Next() {
		var obs models.PriceObservation
		if err := rows.Scan(&obs.BaseAsset, &obs.Symbol, &obs.QuoteAsset, &obs.Exchange,
			&obs.Price, &obs.Volume24h, &obs.PriceChange24h,
			&obs.ExchangePriority, &obs.QuotePriority, &obs.AssetID, &obs.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan observation row: %w", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// ListUnlinkedSymbols returns distinct base assets that have observations but
// no canonical link yet, for the batch re-link sweep.
func (s *Store) ListUnlinkedSymbols(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT base_asset
		FROM price_observations
		WHERE asset_id IS NULL
		ORDER BY base_asset ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("failed to scan unlinked symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// SymbolLink pairs a base asset with the canonical asset id the linker chose
// for it.
type SymbolLink struct {
	BaseAsset string
	AssetID   int64
}

// ApplyLinks attaches canonical asset ids to observations inside one
// transaction, so a failure partway through a batch leaves nothing
// half-applied. Batches are independent; callers keep per-record counters.
func (s *Store) ApplyLinks(ctx context.Context, links []SymbolLink) error {
	if len(links) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin link batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, link := range links {
		if _, err := tx.Exec(ctx, `
			UPDATE price_observations SET asset_id = $1
			WHERE base_asset = $2 AND asset_id IS NULL`,
			link.AssetID, link.BaseAsset); err != nil {
			return fmt.Errorf("failed to link %s: %w", link.BaseAsset, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit link batch: %w", err)
	}
	return nil
}

// LatestObservationTime feeds the freshness monitor's "latest price"
// category. MAX over an empty table yields one NULL row, not zero rows.
func (s *Store) LatestObservationTime(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT MAX(price_timestamp) FROM price_observations`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load latest observation time: %w", err)
	}
	if ts == nil {
		return time.Time{}, ErrNotFound
	}
	return *ts, nil
}
