package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/viktsys/optionscan/models"
)

const (
	DefaultPolygonBaseURL = "https://api.polygon.io"
	DefaultPageLimit      = 250
	DefaultMaxPages       = 20
)

// OIClient returns the full option chain of one underlying with open interest.
type OIClient interface {
	ChainSnapshot(ctx context.Context, underlying string) ([]models.RawContractRecord, error)
}

// PolygonConfig configures the REST snapshot client.
type PolygonConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	PageLimit         int           `yaml:"page_limit"`
	MaxPages          int           `yaml:"max_pages"`
}

func DefaultPolygonConfig() PolygonConfig {
	return PolygonConfig{
		BaseURL:           DefaultPolygonBaseURL,
		Timeout:           10 * time.Second,
		RequestsPerSecond: 5,
		Burst:             1,
		PageLimit:         DefaultPageLimit,
		MaxPages:          DefaultMaxPages,
	}
}

type chainResponse struct {
	Status  string          `json:"status"`
	Error   string          `json:"error"`
	Results []chainContract `json:"results"`
	NextURL string          `json:"next_url"`
}

type chainContract struct {
	Details struct {
		ContractType   string  `json:"contract_type"`
		ExpirationDate string  `json:"expiration_date"`
		StrikePrice    float64 `json:"strike_price"`
		Ticker         string  `json:"ticker"`
	} `json:"details"`
	OpenInterest *float64 `json:"open_interest"`
	Day          struct {
		Volume float64 `json:"volume"`
	} `json:"day"`
	UnderlyingAsset struct {
		Price  float64 `json:"price"`
		Ticker string  `json:"ticker"`
	} `json:"underlying_asset"`
}

// PolygonClient reads option chain snapshots from the Polygon REST API.
type PolygonClient struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	limiter   *rate.Limiter
	pageLimit int
	maxPages  int
}

func NewPolygonClient(cfg PolygonConfig) *PolygonClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPolygonBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &PolygonClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, burst),
		pageLimit: cfg.PageLimit,
		maxPages:  cfg.MaxPages,
	}
}

// ChainSnapshot walks next_url pages until the chain ends or the page cap is hit.
func (c *PolygonClient) ChainSnapshot(ctx context.Context, underlying string) ([]models.RawContractRecord, error) {
	next := fmt.Sprintf("%s/v3/snapshot/options/%s?limit=%d", c.baseURL, url.PathEscape(underlying), c.pageLimit)

	var records []models.RawContractRecord
	for page := 0; next != "" && page < c.maxPages; page++ {
		resp, err := c.get(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, r := range resp.Results {
			records = append(records, toRawRecord(underlying, r))
		}
		next = resp.NextURL
	}
	return records, nil
}

func (c *PolygonClient) get(ctx context.Context, rawURL string) (*chainResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	q.Set("apiKey", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out chainResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response failed: %w", err)
	}
	if out.Status != "" && out.Status != "OK" && out.Status != "DELAYED" {
		return nil, fmt.Errorf("api status %s: %s", out.Status, out.Error)
	}
	return &out, nil
}

func toRawRecord(underlying string, r chainContract) models.RawContractRecord {
	rec := models.RawContractRecord{
		Ticker:     r.Details.Ticker,
		Underlying: underlying,
		Type:       r.Details.ContractType,
		Expiry:     r.Details.ExpirationDate,
		Volume:     strconv.FormatFloat(r.Day.Volume, 'f', -1, 64),
	}
	if r.Details.StrikePrice != 0 {
		rec.Strike = strconv.FormatFloat(r.Details.StrikePrice, 'f', -1, 64)
	}
	if r.OpenInterest != nil {
		rec.OpenInterest = strconv.FormatFloat(*r.OpenInterest, 'f', -1, 64)
	}
	if r.UnderlyingAsset.Price > 0 {
		rec.UnderlyingPrice = strconv.FormatFloat(r.UnderlyingAsset.Price, 'f', -1, 64)
	}
	return rec
}
