package adapters

import (
	"context"

	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/store"
)

// AggregatorAdapter serves the locally synced snapshot table through the
// source interface. It never calls the remote aggregator API itself; the sync
// jobs own that budget. Sits last in the collection order so live sources win
// whenever they answer.
type AggregatorAdapter struct {
	store *store.Store
}

func NewAggregatorAdapter(st *store.Store) *AggregatorAdapter {
	return &AggregatorAdapter{store: st}
}

func (a *AggregatorAdapter) Name() string { return models.ExchangeAggregator }

// Fetch returns at most one observation per synced asset.
func (a *AggregatorAdapter) Fetch(ctx context.Context) ([]models.PriceObservation, error) {
	return a.store.SnapshotObservations(ctx)
}

// Close is a no-op; the adapter holds no connection of its own.
func (a *AggregatorAdapter) Close() {}
