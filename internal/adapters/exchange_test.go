package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenwatch/price-oracle/internal/config"
)

func exchangeConfig(url string) config.ExchangeConfig {
	return config.ExchangeConfig{
		Name:       "coinup",
		TickerURL:  url,
		Pair:       "CP/USDT",
		Timeout:    "2s",
		MaxRetries: 2,
		RetryDelay: "1ms",
		PriceFloor: 0.0001,
		PriceCeil:  100,
	}
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log.WithField("component", "test")
}

func tickerBody(last string) string {
	return fmt.Sprintf(`{"code":"0","msg":"suc","data":{"last":"%s","vol":"123456.7","rose":"0.0215","time":1700000000000}}`, last)
}

func TestExchangeFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CPUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, tickerBody("0.5123"))
	}))
	defer srv.Close()

	adapter := NewExchangeAdapter(exchangeConfig(srv.URL), testLog())
	defer adapter.Close()

	observations, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, observations, 1)

	got := observations[0]
	assert.Equal(t, "CP", got.BaseAsset)
	assert.Equal(t, "USDT", got.QuoteAsset)
	assert.Equal(t, "coinup", got.Exchange)
	assert.True(t, decimal.RequireFromString("0.5123").Equal(got.Price))
	require.True(t, got.Volume24h.Valid)
	require.True(t, got.PriceChange24h.Valid)
	assert.True(t, decimal.RequireFromString("2.15").Equal(got.PriceChange24h.Decimal))
}

func TestExchangeFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, tickerBody("0.5"))
	}))
	defer srv.Close()

	adapter := NewExchangeAdapter(exchangeConfig(srv.URL), testLog())
	defer adapter.Close()

	observations, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.EqualValues(t, 3, calls.Load())
}

func TestExchangeFetchExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := NewExchangeAdapter(exchangeConfig(srv.URL), testLog())
	defer adapter.Close()

	_, err := adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load()) // initial attempt + 2 retries
}

func TestExchangeFetchRejectsOutOfBoundsPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tickerBody("250"))
	}))
	defer srv.Close()

	adapter := NewExchangeAdapter(exchangeConfig(srv.URL), testLog())
	defer adapter.Close()

	_, err := adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestExchangeFetchRejectsAPIErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"1002","msg":"system busy","data":{}}`)
	}))
	defer srv.Close()

	adapter := NewExchangeAdapter(exchangeConfig(srv.URL), testLog())
	defer adapter.Close()

	_, err := adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1002")
}
