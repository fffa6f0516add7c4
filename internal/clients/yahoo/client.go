// Package yahoo implements the upstream Fetcher against the Yahoo Finance
// public endpoints: the v8 chart API for daily bars and the v7 quote API for
// fundamentals. HTTP failures are classified into the fetch error taxonomy so
// the scheduler retries only what can plausibly succeed.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketscan/internal/domain"
)

const defaultBaseURL = "https://query1.finance.yahoo.com"

// userAgent mimics a browser; Yahoo rejects default Go clients.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// Client is a Yahoo Finance API client
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new Yahoo Finance client. An empty baseURL selects the
// production endpoint; tests point it at a local server.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "yahoo").Logger(),
	}
}

// chartResponse represents the response from the Yahoo Finance chart API
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchContinuous returns up to windowDays of daily bars, timestamp ascending.
// Bars with a missing close (trading halts, partial rows) are dropped.
func (c *Client) FetchContinuous(ctx context.Context, subject domain.Subject, windowDays int) ([]domain.PricePoint, error) {
	now := time.Now()
	params := url.Values{}
	params.Add("period1", strconv.FormatInt(now.AddDate(0, 0, -windowDays).Unix(), 10))
	params.Add("period2", strconv.FormatInt(now.Unix(), 10))
	params.Add("interval", "1d")

	reqURL := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(subject), params.Encode())

	body, err := c.get(ctx, subject, reqURL)
	if err != nil {
		return nil, err
	}

	var result chartResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, domain.NewTransientError(subject, fmt.Errorf("failed to parse chart response: %w", err))
	}
	if result.Chart.Error != nil {
		return nil, domain.NewPermanentError(subject,
			fmt.Errorf("chart API error %s: %s", result.Chart.Error.Code, result.Chart.Error.Description))
	}
	if len(result.Chart.Result) == 0 || len(result.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, domain.NewPermanentError(subject, fmt.Errorf("no chart data returned"))
	}

	series := result.Chart.Result[0]
	quote := series.Indicators.Quote[0]

	points := make([]domain.PricePoint, 0, len(series.Timestamp))
	for i, ts := range series.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == nil {
			continue
		}
		point := domain.PricePoint{
			Timestamp: time.Unix(ts, 0).UTC(),
			Close:     *quote.Close[i],
		}
		if i < len(quote.Open) && quote.Open[i] != nil {
			point.Open = *quote.Open[i]
		}
		if i < len(quote.High) && quote.High[i] != nil {
			point.High = *quote.High[i]
		}
		if i < len(quote.Low) && quote.Low[i] != nil {
			point.Low = *quote.Low[i]
		}
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			point.Volume = *quote.Volume[i]
		}
		points = append(points, point)
	}

	// A quote block with no usable bars is still no data; callers must never
	// mistake it for a valid empty series.
	if len(points) == 0 {
		return nil, domain.NewPermanentError(subject, fmt.Errorf("chart response contained no usable bars"))
	}

	c.log.Debug().
		Str("subject", subject).
		Int("window_days", windowDays).
		Int("points", len(points)).
		Msg("Fetched daily bars")
	return points, nil
}

// quoteResponse represents the response from the Yahoo Finance quote API
type quoteResponse struct {
	QuoteResponse struct {
		Result []map[string]interface{} `json:"result"`
		Error  interface{}              `json:"error"`
	} `json:"quoteResponse"`
}

// snapshotFields maps snapshot keys to the quote API field names.
var snapshotFields = map[string]string{
	"pe_ratio":         "trailingPE",
	"forward_pe":       "forwardPE",
	"peg_ratio":        "pegRatio",
	"price_to_book":    "priceToBook",
	"revenue_growth":   "revenueGrowth",
	"earnings_growth":  "earningsGrowth",
	"profit_margin":    "profitMargins",
	"operating_margin": "operatingMargins",
	"roe":              "returnOnEquity",
	"debt_to_equity":   "debtToEquity",
	"current_ratio":    "currentRatio",
	"market_cap":       "marketCap",
	"dividend_yield":   "dividendYield",
	"eps":              "epsTrailingTwelveMonths",
}

// FetchPeriodic returns a fundamentals snapshot. Fields the upstream omits
// are simply absent from the snapshot.
func (c *Client) FetchPeriodic(ctx context.Context, subject domain.Subject) (domain.Snapshot, error) {
	params := url.Values{}
	params.Add("symbols", subject)
	params.Add("fields", "symbol,trailingPE,forwardPE,pegRatio,priceToBook,revenueGrowth,earningsGrowth,"+
		"profitMargins,operatingMargins,returnOnEquity,debtToEquity,currentRatio,marketCap,"+
		"dividendYield,epsTrailingTwelveMonths")

	reqURL := fmt.Sprintf("%s/v7/finance/quote?%s", c.baseURL, params.Encode())

	body, err := c.get(ctx, subject, reqURL)
	if err != nil {
		return nil, err
	}

	var result quoteResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, domain.NewTransientError(subject, fmt.Errorf("failed to parse quote response: %w", err))
	}
	if result.QuoteResponse.Error != nil {
		return nil, domain.NewPermanentError(subject,
			fmt.Errorf("quote API error: %v", result.QuoteResponse.Error))
	}
	if len(result.QuoteResponse.Result) == 0 {
		return nil, domain.NewPermanentError(subject, fmt.Errorf("no quote data returned"))
	}

	info := result.QuoteResponse.Result[0]
	snapshot := make(domain.Snapshot, len(snapshotFields))
	for key, field := range snapshotFields {
		if value, ok := getFloat64(info, field); ok {
			snapshot[key] = value
		}
	}

	c.log.Debug().
		Str("subject", subject).
		Int("fields", len(snapshot)).
		Msg("Fetched fundamentals snapshot")
	return snapshot, nil
}

// get performs one request and classifies failures. Rate limits, timeouts and
// server errors are transient; other client errors are permanent.
func (c *Client) get(ctx context.Context, subject domain.Subject, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, domain.NewPermanentError(subject, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewTransientError(subject, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransientError(subject, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("Yahoo Finance API returned status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode >= http.StatusInternalServerError {
			return nil, domain.NewTransientError(subject, statusErr)
		}
		return nil, domain.NewPermanentError(subject, statusErr)
	}

	return body, nil
}

// getFloat64 safely extracts a numeric value from a quote result map.
func getFloat64(m map[string]interface{}, key string) (float64, bool) {
	if val, ok := m[key]; ok && val != nil {
		switch v := val.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}
