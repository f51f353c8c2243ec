// Package price converts USD charge amounts into lamports using the spot
// SOL/USD rate from CoinGecko. Quotes are memoised so a burst of refill
// requests does not fan out into a burst of upstream calls.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/turbodash/backend/pkg/metrics"
	"github.com/turbodash/backend/pkg/retry"
)

const (
	defaultBaseURL  = "https://api.coingecko.com/api/v3"
	defaultQuoteTTL = 5 * time.Minute

	lamportsPerSOL = 1_000_000_000
)

type Config struct {
	Logger *slog.Logger

	// BaseURL overrides the CoinGecko endpoint, used by tests.
	BaseURL string

	// APIKey is sent as the x-cg-demo-api-key header when set.
	APIKey string

	// QuoteTTL bounds how long a fetched rate is reused.
	QuoteTTL time.Duration

	HTTPClient *http.Client
	Clock      clockwork.Clock
	Retry      retry.Config
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = defaultQuoteTTL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	return nil
}

// Converter turns USD amounts into lamports at the current SOL rate.
type Converter struct {
	cfg *Config

	mu        sync.Mutex
	rate      float64
	fetchedAt time.Time
}

func NewConverter(cfg *Config) (*Converter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &Converter{cfg: cfg}, nil
}

// USDToLamports converts a USD amount into lamports, rounding up so the
// charge never undershoots the quoted price.
func (c *Converter) USDToLamports(ctx context.Context, usd float64) (uint64, error) {
	if usd < 0 {
		return 0, fmt.Errorf("negative amount %v", usd)
	}
	if usd == 0 {
		return 0, nil
	}
	rate, err := c.solUSD(ctx)
	if err != nil {
		return 0, err
	}
	lamports := math.Ceil(usd / rate * lamportsPerSOL)
	if lamports > math.MaxUint64 {
		return 0, fmt.Errorf("amount %v overflows lamports", usd)
	}
	return uint64(lamports), nil
}

func (c *Converter) solUSD(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	if c.rate > 0 && now.Sub(c.fetchedAt) < c.cfg.QuoteTTL {
		return c.rate, nil
	}

	var rate float64
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		rate, err = c.fetch(ctx)
		return err
	})
	if err != nil {
		metrics.PriceQuotesTotal.WithLabelValues("error").Inc()
		// Fall back to the stale quote rather than failing the
		// request outright.
		if c.rate > 0 {
			c.cfg.Logger.Warn("price: using stale quote", "error", err, "age", now.Sub(c.fetchedAt))
			return c.rate, nil
		}
		return 0, fmt.Errorf("fetch SOL/USD: %w", err)
	}

	metrics.PriceQuotesTotal.WithLabelValues("ok").Inc()
	c.rate = rate
	c.fetchedAt = now
	c.cfg.Logger.Debug("price: refreshed quote", "rate", rate)
	return rate, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (e *statusError) StatusCode() int { return e.code }

func (c *Converter) fetch(ctx context.Context) (float64, error) {
	u := c.cfg.BaseURL + "/simple/price?ids=solana&vs_currencies=usd"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var payload struct {
		Solana struct {
			USD float64 `json:"usd"`
		} `json:"solana"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if payload.Solana.USD <= 0 {
		return 0, retry.Permanent(fmt.Errorf("non-positive rate %v", payload.Solana.USD))
	}
	return payload.Solana.USD, nil
}
