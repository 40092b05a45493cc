package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tokenwatch/price-oracle/internal/models"
)

const assetColumns = `id, provider_id, symbol, name, slug, created_at, updated_at`

func scanAsset(row pgx.Row) (models.Asset, error) {
	var a models.Asset
	err := row.Scan(&a.ID, &a.ProviderID, &a.Symbol, &a.Name, &a.Slug, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// UpsertAsset creates or refreshes a canonical asset keyed by provider id.
func (s *Store) UpsertAsset(ctx context.Context, asset models.Asset) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO assets (provider_id, symbol, name, slug, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (provider_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			slug = EXCLUDED.slug,
			updated_at = NOW()`,
		asset.ProviderID, asset.Symbol, asset.Name, asset.Slug)
	if err != nil {
		return fmt.Errorf("failed to upsert asset %d: %w", asset.ProviderID, err)
	}
	return nil
}

// GetAssetBySymbol does a case-insensitive exact symbol match. Symbols
// collide across unrelated tokens, so ties go to the smallest provider id
// (oldest registration).
func (s *Store) GetAssetBySymbol(ctx context.Context, symbol string) (models.Asset, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE UPPER(symbol) = UPPER($1)
		ORDER BY provider_id ASC
		LIMIT 1`, symbol)

	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, ErrNotFound
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("failed to look up asset by symbol %s: %w", symbol, err)
	}
	return asset, nil
}

// GetAssetByProviderID returns the canonical asset for a provider id.
func (s *Store) GetAssetByProviderID(ctx context.Context, providerID int64) (models.Asset, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE provider_id = $1`, providerID)

	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, ErrNotFound
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("failed to look up asset %d: %w", providerID, err)
	}
	return asset, nil
}

// SearchAssetsByText returns up to limit assets whose name or slug contains
// the query, ordered by provider id. Only the fuzzy linker stage uses this.
func (s *Store) SearchAssetsByText(ctx context.Context, query string, limit int) ([]models.Asset, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE name ILIKE '%' || $1 || '%' OR slug ILIKE '%' || $1 || '%'
		ORDER BY provider_id ASC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search assets for %q: %w", query, err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ID, &a.ProviderID, &a.Symbol, &a.Name, &a.Slug, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
