package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tokenwatch/price-oracle/internal/config"
	"github.com/tokenwatch/price-oracle/internal/models"
)

// Client talks to the market-data aggregator API. Every call passes through a
// shared rate limiter sized to the upstream quota, so concurrent jobs cannot
// burn through it no matter how the scheduler interleaves them.
type Client struct {
	baseURL   string
	apiKey    string
	batchSize int
	client    *http.Client
	limiter   *rate.Limiter
	log       *logrus.Entry
}

func NewClient(cfg config.AggregatorConfig, log *logrus.Entry) *Client {
	spacing := config.Duration(cfg.MinCallSpacing)
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: config.Duration(cfg.Timeout)},
		limiter:   rate.NewLimiter(rate.Every(spacing), 1),
		log:       log,
	}
}

// BatchSize is the largest id set one quotes call may carry.
func (c *Client) BatchSize() int {
	return c.batchSize
}

type apiStatus struct {
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type mapResponse struct {
	Status apiStatus `json:"status"`
	Data   []struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
		Slug   string `json:"slug"`
	} `json:"data"`
}

type quotesResponse struct {
	Status apiStatus                 `json:"status"`
	Data   map[string]quotedCurrency `json:"data"`
}

type quotedCurrency struct {
	ID                int64               `json:"id"`
	Rank              int                 `json:"cmc_rank"`
	CirculatingSupply decimal.NullDecimal `json:"circulating_supply"`
	TotalSupply       decimal.NullDecimal `json:"total_supply"`
	Quote             map[string]struct {
		Price            decimal.Decimal     `json:"price"`
		Volume24h        decimal.NullDecimal `json:"volume_24h"`
		PercentChange1h  decimal.NullDecimal `json:"percent_change_1h"`
		PercentChange24h decimal.NullDecimal `json:"percent_change_24h"`
		PercentChange7d  decimal.NullDecimal `json:"percent_change_7d"`
		MarketCap        decimal.NullDecimal `json:"market_cap"`
		FullyDilutedCap  decimal.NullDecimal `json:"fully_diluted_market_cap"`
		LastUpdated      time.Time           `json:"last_updated"`
	} `json:"quote"`
}

// ListAssets pages through the provider's currency map, returning up to limit
// entries starting at the 1-based offset.
func (c *Client) ListAssets(ctx context.Context, start, limit int) ([]models.Asset, error) {
	params := url.Values{}
	params.Set("start", strconv.Itoa(start))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("sort", "id")

	var resp mapResponse
	if err := c.get(ctx, "/v1/cryptocurrency/map", params, &resp); err != nil {
		return nil, err
	}
	if resp.Status.ErrorCode != 0 {
		return nil, fmt.Errorf("aggregator map error %d: %s", resp.Status.ErrorCode, resp.Status.ErrorMessage)
	}

	assets := make([]models.Asset, 0, len(resp.Data))
	for _, entry := range resp.Data {
		assets = append(assets, models.Asset{
			ProviderID: entry.ID,
			Symbol:     entry.Symbol,
			Name:       entry.Name,
			Slug:       entry.Slug,
		})
	}
	return assets, nil
}

// Quotes fetches the latest USD market snapshot for a batch of provider ids.
// Ids the provider no longer knows are silently absent from the result.
func (c *Client) Quotes(ctx context.Context, providerIDs []int64) (map[int64]models.MarketSnapshot, error) {
	if len(providerIDs) == 0 {
		return nil, nil
	}
	if len(providerIDs) > c.batchSize {
		return nil, fmt.Errorf("quote batch of %d exceeds limit %d", len(providerIDs), c.batchSize)
	}

	ids := make([]string, len(providerIDs))
	for i, id := range providerIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	params := url.Values{}
	params.Set("id", strings.Join(ids, ","))
	params.Set("convert", "USD")

	var resp quotesResponse
	if err := c.get(ctx, "/v2/cryptocurrency/quotes/latest", params, &resp); err != nil {
		return nil, err
	}
	if resp.Status.ErrorCode != 0 {
		return nil, fmt.Errorf("aggregator quotes error %d: %s", resp.Status.ErrorCode, resp.Status.ErrorMessage)
	}

	snapshots := make(map[int64]models.MarketSnapshot, len(resp.Data))
	for _, currency := range resp.Data {
		usd, ok := currency.Quote["USD"]
		if !ok {
			continue
		}
		snapshots[currency.ID] = models.MarketSnapshot{
			AssetID:           currency.ID,
			PriceUSD:          usd.Price,
			MarketCap:         usd.MarketCap,
			FullyDilutedCap:   usd.FullyDilutedCap,
			Volume24h:         usd.Volume24h,
			PercentChange1h:   usd.PercentChange1h,
			PercentChange24h:  usd.PercentChange24h,
			PercentChange7d:   usd.PercentChange7d,
			Rank:              currency.Rank,
			CirculatingSupply: currency.CirculatingSupply,
			TotalSupply:       currency.TotalSupply,
			Timestamp:         usd.LastUpdated,
		}
	}
	return snapshots, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait aborted: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-CMC_PRO_API_KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("aggregator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("aggregator returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode aggregator response: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
