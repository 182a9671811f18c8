// Package fxrate implements the §6 FX client: fetching and caching the
// daily HistoricalRate table C11's BI rollups convert subunits to USD
// with. Grounded on the teacher's outbound-RPC idiom (a
// retryablehttp.Client wrapping a JSON decode), generalized from a
// single-resource fetch to a per-day rate table cached by
// internal/cache so a BI-heavy invoicing run does not refetch the same
// day's rates per row.
package fxrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/cache"
	"github.com/meteroid-oss/meteroid-sub001/internal/config"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
)

// Client fetches and caches HistoricalRate tables, and converts a
// subunit amount in one currency to its USD decimal equivalent —
// implementing the lifecycle.FxConverter seam C11 dispatches BI rows
// through.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	cache   cache.Cache
	ttl     time.Duration
	logger  *logger.Logger
}

// NewClient builds a Client from the loaded FX config section.
func NewClient(cfg *config.Configuration, c cache.Cache, log *logger.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	if cfg.FX.RequestTimeout > 0 {
		rc.HTTPClient.Timeout = time.Duration(cfg.FX.RequestTimeout) * time.Second
	}
	ttl := time.Duration(cfg.FX.RefreshHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Client{http: rc, baseURL: cfg.FX.BaseURL, cache: c, ttl: ttl, logger: log}
}

// ratesResponse is the wire shape of the upstream daily-rate endpoint.
type ratesResponse struct {
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

// HistoricalRateAt returns the rate table for at's calendar day,
// fetching from the upstream provider on a cache miss and caching the
// result for the configured refresh window.
func (c *Client) HistoricalRateAt(ctx context.Context, at time.Time) (model.HistoricalRate, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	key := cache.GenerateKey(cache.PrefixFxRate, day)

	if cached, ok := c.cache.Get(ctx, key); ok {
		if rate, ok := cached.(model.HistoricalRate); ok {
			return rate, nil
		}
	}

	rate, err := c.fetch(ctx, day)
	if err != nil {
		return model.HistoricalRate{}, err
	}
	c.cache.Set(ctx, key, rate, c.ttl)
	return rate, nil
}

func (c *Client) fetch(ctx context.Context, day time.Time) (model.HistoricalRate, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, day.Format("2006-01-02"))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.HistoricalRate{}, ierr.WithError(err).WithHintf("building fx rate request for %s", url).Mark(ierr.ErrSystem)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.HistoricalRate{}, ierr.WithError(err).WithHintf("fetching fx rates from %s", url).Mark(ierr.ErrSystem)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return model.HistoricalRate{}, ierr.NewError("fx rate provider returned non-200").
			WithHintf("status=%d body=%s", resp.StatusCode, string(body)).Mark(ierr.ErrSystem)
	}

	var parsed ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.HistoricalRate{}, ierr.WithError(err).WithHintf("decoding fx rate response from %s", url).Mark(ierr.ErrSerde)
	}

	rates := make(map[string]decimal.Decimal, len(parsed.Rates))
	for currency, rate := range parsed.Rates {
		rates[currency] = decimal.NewFromFloat(rate)
	}
	return model.HistoricalRate{Date: day, Rates: rates}, nil
}

// ToUSD converts an amount expressed in currency subunits to its USD
// decimal equivalent at the rate in effect on at's calendar day,
// implementing lifecycle.FxConverter.
func (c *Client) ToUSD(ctx context.Context, amountSubunits int64, currency string, at time.Time) (decimal.Decimal, error) {
	amount := model.FromSubunit(amountSubunits, currency)
	if currency == "USD" || currency == "usd" {
		return amount, nil
	}

	table, err := c.HistoricalRateAt(ctx, at)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := table.Rates[currency]
	if !ok {
		return decimal.Zero, ierr.NewError("no fx rate for currency").
			WithHintf("currency=%s date=%s", currency, table.Date.Format("2006-01-02")).Mark(ierr.ErrNotFound)
	}
	if rate.IsZero() {
		return decimal.Zero, ierr.NewError("fx rate is zero").WithHintf("currency=%s", currency).Mark(ierr.ErrInvalidDecimal)
	}
	return amount.Div(rate), nil
}
