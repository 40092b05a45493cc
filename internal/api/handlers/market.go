package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/resolver"
	"github.com/tokenwatch/price-oracle/internal/store"
)

const (
	maxBatchSymbols = 50
	maxListLimit    = 1000
)

type MarketHandler struct {
	store    *store.Store
	resolver *resolver.Resolver
}

func NewMarketHandler(st *store.Store, res *resolver.Resolver) *MarketHandler {
	return &MarketHandler{store: st, resolver: res}
}

// PricesResponse carries a price listing. For batch lookups, symbols with no
// available price appear in Missing rather than failing the whole request.
type PricesResponse struct {
	Data      []models.ResolvedPrice `json:"data"`
	Missing   []string               `json:"missing,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ObservationsResponse lists the stored latest-wins observation rows.
type ObservationsResponse struct {
	Data      []models.PriceObservation `json:"data"`
	Total     int                       `json:"total"`
	Timestamp time.Time                 `json:"timestamp"`
}

// GetPrice resolves one asset: /api/v1/market/price?base_asset=BTC
func (h *MarketHandler) GetPrice(c *gin.Context) {
	baseAsset := strings.TrimSpace(c.Query("base_asset"))
	if baseAsset == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base_asset parameter is required"})
		return
	}

	price, err := h.resolver.Resolve(c.Request.Context(), baseAsset)
	if errors.Is(err, resolver.ErrNoPrice) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no price available for " + baseAsset})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve price"})
		return
	}

	c.JSON(http.StatusOK, price)
}

// GetPrices returns every latest stored price, or resolves a selected batch
// when base_assets is given: /api/v1/market/prices?base_assets=BTC,ETH
func (h *MarketHandler) GetPrices(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("base_assets"))
	if raw == "" {
		h.listStoredPrices(c)
		return
	}

	baseAssets := strings.Split(raw, ",")
	if len(baseAssets) > maxBatchSymbols {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many assets, limit is " + strconv.Itoa(maxBatchSymbols)})
		return
	}

	response := PricesResponse{Timestamp: time.Now().UTC()}
	for _, baseAsset := range baseAssets {
		baseAsset = strings.TrimSpace(baseAsset)
		if baseAsset == "" {
			continue
		}

		price, err := h.resolver.Resolve(c.Request.Context(), baseAsset)
		if err != nil {
			response.Missing = append(response.Missing, baseAsset)
			continue
		}
		response.Data = append(response.Data, price)
	}

	c.JSON(http.StatusOK, response)
}

func (h *MarketHandler) listStoredPrices(c *gin.Context) {
	observations, err := h.store.ListObservations(c.Request.Context(), maxListLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list prices"})
		return
	}

	response := PricesResponse{Timestamp: time.Now().UTC()}
	for _, obs := range observations {
		if !obs.HasPrice() {
			continue
		}
		source := models.PriceSourceDirect
		if obs.Exchange == models.ExchangeAggregator {
			source = models.PriceSourceAggregator
		}
		response.Data = append(response.Data, models.ResolvedPrice{
			BaseAsset: obs.BaseAsset,
			Price:     obs.Price,
			Volume24h: obs.Volume24h,
			Source:    source,
			Timestamp: obs.Timestamp,
		})
	}

	c.JSON(http.StatusOK, response)
}

// GetObservations lists raw stored observation rows:
// /api/v1/market/observations?limit=100
func (h *MarketHandler) GetObservations(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = parsed
	}

	observations, err := h.store.ListObservations(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list observations"})
		return
	}

	c.JSON(http.StatusOK, ObservationsResponse{
		Data:      observations,
		Total:     len(observations),
		Timestamp: time.Now().UTC(),
	})
}
