package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/price-oracle/internal/config"
	"github.com/tokenwatch/price-oracle/internal/models"
)

// ExchangeAdapter pulls the latest ticker for one trading pair straight from
// an exchange's public API. It is the low-latency leg of the price pipeline:
// a single pair, a short timeout of its own, and a fixed-delay retry loop so
// one flaky response does not cost the whole collection cycle.
type ExchangeAdapter struct {
	name       string
	tickerURL  string
	baseAsset  string
	quoteAsset string
	maxRetries int
	retryDelay time.Duration
	floor      decimal.Decimal
	ceil       decimal.Decimal
	client     *http.Client
	log        *logrus.Entry
}

func NewExchangeAdapter(cfg config.ExchangeConfig, log *logrus.Entry) *ExchangeAdapter {
	base, quote := splitPair(cfg.Pair)
	return &ExchangeAdapter{
		name:       cfg.Name,
		tickerURL:  cfg.TickerURL,
		baseAsset:  base,
		quoteAsset: quote,
		maxRetries: cfg.MaxRetries,
		retryDelay: config.Duration(cfg.RetryDelay),
		floor:      decimal.NewFromFloat(cfg.PriceFloor),
		ceil:       decimal.NewFromFloat(cfg.PriceCeil),
		client:     &http.Client{Timeout: config.Duration(cfg.Timeout)},
		log:        log,
	}
}

func (a *ExchangeAdapter) Name() string {
	return a.name
}

// tickerResponse mirrors the exchange's get_ticker envelope. Numeric fields
// arrive as strings.
type tickerResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Last string `json:"last"`
		Vol  string `json:"vol"`
		Rose string `json:"rose"`
		Time int64  `json:"time"`
	} `json:"data"`
}

// Fetch returns at most one observation for the configured pair. Failed
// attempts are retried with a fixed delay up to the configured limit.
func (a *ExchangeAdapter) Fetch(ctx context.Context) ([]models.PriceObservation, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.retryDelay):
			}
		}

		obs, err := a.fetchOnce(ctx)
		if err == nil {
			return []models.PriceObservation{obs}, nil
		}
		lastErr = err
		a.log.WithError(err).WithField("attempt", attempt+1).Warn("Ticker fetch failed")
	}
	return nil, fmt.Errorf("ticker fetch for %s exhausted retries: %w", a.name, lastErr)
}

func (a *ExchangeAdapter) fetchOnce(ctx context.Context) (models.PriceObservation, error) {
	u, err := url.Parse(a.tickerURL)
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("invalid ticker url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", a.baseAsset+a.quoteAsset)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.PriceObservation{}, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("ticker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.PriceObservation{}, fmt.Errorf("ticker returned status %d", resp.StatusCode)
	}

	var ticker tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return models.PriceObservation{}, fmt.Errorf("failed to decode ticker: %w", err)
	}
	if ticker.Code != "0" {
		return models.PriceObservation{}, fmt.Errorf("ticker error code %s: %s", ticker.Code, ticker.Msg)
	}

	price, err := decimal.NewFromString(ticker.Data.Last)
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("unparseable last price %q: %w", ticker.Data.Last, err)
	}
	if price.LessThanOrEqual(a.floor) || price.GreaterThanOrEqual(a.ceil) {
		return models.PriceObservation{}, fmt.Errorf("%w: %s", ErrOutOfBounds, price)
	}

	obs := models.PriceObservation{
		BaseAsset:  a.baseAsset,
		Symbol:     a.baseAsset + "/" + a.quoteAsset,
		QuoteAsset: a.quoteAsset,
		Exchange:   a.name,
		Price:      price,
		Timestamp:  time.Now().UTC(),
	}
	if vol, err := decimal.NewFromString(ticker.Data.Vol); err == nil {
		obs.Volume24h = decimal.NewNullDecimal(vol)
	}
	if rose, err := decimal.NewFromString(ticker.Data.Rose); err == nil {
		obs.PriceChange24h = decimal.NewNullDecimal(rose.Mul(decimal.NewFromInt(100)))
	}
	return obs, nil
}

func (a *ExchangeAdapter) Close() {
	a.client.CloseIdleConnections()
}
