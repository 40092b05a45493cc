package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource tags which side of the fallback chain produced a resolved price.
type PriceSource string

const (
	PriceSourceDirect     PriceSource = "direct"
	PriceSourceAggregator PriceSource = "aggregator"
)

// ExchangeAggregator tags observations that originate from the locally synced
// aggregator snapshots rather than a live exchange feed.
const ExchangeAggregator = "aggregator"

// PriceObservation is one source's measurement of one trading pair at one
// instant. Observations are upserted latest-wins per base asset; priorities
// break ties when several sources report the same asset in one cycle.
type PriceObservation struct {
	BaseAsset        string              `json:"base_asset" db:"base_asset"`
	Symbol           string              `json:"symbol" db:"symbol"`
	QuoteAsset       string              `json:"quote_asset" db:"quote_asset"`
	Exchange         string              `json:"exchange" db:"exchange"`
	Price            decimal.Decimal     `json:"price" db:"price"`
	Volume24h        decimal.NullDecimal `json:"volume_24h" db:"volume_24h"`
	PriceChange24h   decimal.NullDecimal `json:"price_change_24h" db:"price_change_24h"`
	ExchangePriority int                 `json:"exchange_priority" db:"exchange_priority"`
	QuotePriority    int                 `json:"quote_priority" db:"quote_priority"`
	AssetID          *int64              `json:"asset_id,omitempty" db:"asset_id"`
	Timestamp        time.Time           `json:"timestamp" db:"price_timestamp"`
}

// HasPrice reports whether the observation carries a usable price. A zero
// price always means "no data", never a legitimate quote.
func (o PriceObservation) HasPrice() bool {
	return o.Price.IsPositive()
}

// MarketSnapshot is the aggregator-derived view of one asset: slower to
// refresh than direct observations but carries market statistics the direct
// sources never provide.
type MarketSnapshot struct {
	AssetID           int64               `json:"asset_id" db:"asset_id"`
	PriceUSD          decimal.Decimal     `json:"price_usd" db:"price_usd"`
	MarketCap         decimal.NullDecimal `json:"market_cap" db:"market_cap"`
	FullyDilutedCap   decimal.NullDecimal `json:"fully_diluted_market_cap" db:"fully_diluted_market_cap"`
	Volume24h         decimal.NullDecimal `json:"volume_24h" db:"volume_24h"`
	PercentChange1h   decimal.NullDecimal `json:"percent_change_1h" db:"percent_change_1h"`
	PercentChange24h  decimal.NullDecimal `json:"percent_change_24h" db:"percent_change_24h"`
	PercentChange7d   decimal.NullDecimal `json:"percent_change_7d" db:"percent_change_7d"`
	Rank              int                 `json:"rank" db:"rank"`
	CirculatingSupply decimal.NullDecimal `json:"circulating_supply" db:"circulating_supply"`
	TotalSupply       decimal.NullDecimal `json:"total_supply" db:"total_supply"`
	Timestamp         time.Time           `json:"timestamp" db:"timestamp"`
}

// ResolvedPrice is the authoritative answer for one asset after the
// direct-first, aggregator-fallback policy has run.
type ResolvedPrice struct {
	BaseAsset string              `json:"base_asset"`
	Price     decimal.Decimal     `json:"price"`
	Volume24h decimal.NullDecimal `json:"volume_24h"`
	Source    PriceSource         `json:"source"`
	Timestamp time.Time           `json:"timestamp"`
}

// Candle is one hourly OHLC row; unlike observations these are retained as
// history.
type Candle struct {
	AssetID   int64               `json:"asset_id" db:"asset_id"`
	Period    string              `json:"period" db:"period"`
	Open      decimal.Decimal     `json:"open" db:"open"`
	High      decimal.Decimal     `json:"high" db:"high"`
	Low       decimal.Decimal     `json:"low" db:"low"`
	Close     decimal.Decimal     `json:"close" db:"close"`
	Volume    decimal.NullDecimal `json:"volume" db:"volume"`
	Timestamp time.Time           `json:"timestamp" db:"timestamp"`
}
