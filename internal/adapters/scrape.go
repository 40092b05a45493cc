package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/price-oracle/internal/config"
	"github.com/tokenwatch/price-oracle/internal/models"
)

// Patterns tried in order against the page title. The first capture group of
// the first match wins; later patterns only matter when the page layout
// drifts.
var titlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`<title>\s*([0-9]+\.?[0-9]*)\s`),
	regexp.MustCompile(`<title>[^0-9]*([0-9]+\.[0-9]+)`),
	regexp.MustCompile(`"last"\s*:\s*"?([0-9]+\.?[0-9]*)"?`),
}

// ScrapeAdapter recovers the pair price from the exchange's public trading
// page when the ticker API is down. Scraping is expensive and rude to do
// often, so successful reads are cached for a short TTL and served from
// memory.
type ScrapeAdapter struct {
	pageURL    string
	baseAsset  string
	quoteAsset string
	floor      decimal.Decimal
	ceil       decimal.Decimal
	cacheTTL   time.Duration
	client     *http.Client
	log        *logrus.Entry

	mu       sync.Mutex
	cached   models.PriceObservation
	cachedAt time.Time
}

func NewScrapeAdapter(cfg config.ScrapeConfig, log *logrus.Entry) *ScrapeAdapter {
	base, quote := splitPair(cfg.Pair)
	return &ScrapeAdapter{
		pageURL:    cfg.URL,
		baseAsset:  base,
		quoteAsset: quote,
		floor:      decimal.NewFromFloat(cfg.PriceFloor),
		ceil:       decimal.NewFromFloat(cfg.PriceCeil),
		cacheTTL:   config.Duration(cfg.CacheTTL),
		client:     &http.Client{Timeout: config.Duration(cfg.Timeout)},
		log:        log,
	}
}

func (a *ScrapeAdapter) Name() string {
	return "scrape"
}

func (a *ScrapeAdapter) Fetch(ctx context.Context) ([]models.PriceObservation, error) {
	a.mu.Lock()
	if !a.cachedAt.IsZero() && time.Since(a.cachedAt) < a.cacheTTL {
		obs := a.cached
		a.mu.Unlock()
		return []models.PriceObservation{obs}, nil
	}
	a.mu.Unlock()

	obs, err := a.scrape(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cached = obs
	a.cachedAt = time.Now()
	a.mu.Unlock()

	return []models.PriceObservation{obs}, nil
}

func (a *ScrapeAdapter) scrape(ctx context.Context) (models.PriceObservation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.pageURL, nil)
	if err != nil {
		return models.PriceObservation{}, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; price-oracle/1.0)")

	resp, err := a.client.Do(req)
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("scrape request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.PriceObservation{}, fmt.Errorf("scrape returned status %d", resp.StatusCode)
	}

	// The price lives in the document head; 64KiB is far more than enough.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("failed to read page: %w", err)
	}

	price, err := a.extractPrice(body)
	if err != nil {
		return models.PriceObservation{}, err
	}

	return models.PriceObservation{
		BaseAsset:  a.baseAsset,
		Symbol:     a.baseAsset + "/" + a.quoteAsset,
		QuoteAsset: a.quoteAsset,
		Exchange:   a.Name(),
		Price:      price,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (a *ScrapeAdapter) extractPrice(body []byte) (decimal.Decimal, error) {
	for _, pattern := range titlePatterns {
		match := pattern.FindSubmatch(body)
		if match == nil {
			continue
		}
		price, err := decimal.NewFromString(string(match[1]))
		if err != nil {
			a.log.WithField("raw", string(match[1])).Warn("Matched price did not parse")
			continue
		}
		if price.LessThanOrEqual(a.floor) || price.GreaterThanOrEqual(a.ceil) {
			return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrOutOfBounds, price)
		}
		return price, nil
	}
	return decimal.Decimal{}, fmt.Errorf("no price found in page for %s", a.baseAsset)
}

func (a *ScrapeAdapter) Close() {
	a.client.CloseIdleConnections()
}
