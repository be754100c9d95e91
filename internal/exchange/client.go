package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// klineRecordCap is the exchange's per-request record limit; ranges
// longer than this many days are paginated internally.
const klineRecordCap = 1000

// maxRetries bounds the exponential backoff applied to 429 responses.
const maxRetries = 5

// symbolMap is the closed instrument-to-exchange-symbol mapping. A new
// instrument added to the enumeration needs an entry here before this
// client can serve it.
var symbolMap = map[types.Instrument]string{
	types.BTC: "BTCUSDT",
	types.ETH: "ETHUSDT",
}

// RESTClient is a DataSource backed by an exchange's public kline REST
// API. It normalizes the usual kline quirks: per-request record caps,
// millisecond timestamps, and fixed-scale price/volume strings.
type RESTClient struct {
	sourceID string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// RESTClientConfig configures rate limiting, circuit breaking, and HTTP
// timeouts for one exchange connection.
type RESTClientConfig struct {
	SourceID           string
	BaseURL            string
	RequestsPerSecond  float64
	Burst              int
	RequestTimeout     time.Duration
	BreakerFailureThreshold uint32
	BreakerOpenTimeout time.Duration
}

// DefaultRESTClientConfig returns settings tuned to a typical public
// exchange rate limit (well under documented per-minute caps).
func DefaultRESTClientConfig(sourceID, baseURL string) RESTClientConfig {
	return RESTClientConfig{
		SourceID:                sourceID,
		BaseURL:                 baseURL,
		RequestsPerSecond:       10,
		Burst:                   10,
		RequestTimeout:          10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      30 * time.Second,
	}
}

// NewRESTClient builds a RESTClient from config.
func NewRESTClient(config RESTClientConfig, logger *zap.Logger) *RESTClient {
	settings := gobreaker.Settings{
		Name: "exchange-" + config.SourceID,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailureThreshold
		},
		Timeout: config.BreakerOpenTimeout,
	}

	return &RESTClient{
		sourceID: config.SourceID,
		baseURL:  config.BaseURL,
		http:     &http.Client{Timeout: config.RequestTimeout},
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}
}

func (c *RESTClient) DataSourceID() string { return c.sourceID }

func (c *RESTClient) SupportsInstrument(instrument types.Instrument) bool {
	_, ok := symbolMap[instrument]
	return ok
}

func (c *RESTClient) Healthy(ctx context.Context) bool {
	state := c.breaker.State()
	return state != gobreaker.StateOpen
}

// klineRow is one row of the exchange's kline array-of-arrays response:
// [openTimeMs, open, high, low, close, volume, closeTimeMs, ...].
type klineRow []json.RawMessage

// FetchHistoricalData paginates the range into klineRecordCap-day windows,
// fetching each through the rate limiter and circuit breaker, and
// normalizes every row into a validated Bar.
func (c *RESTClient) FetchHistoricalData(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]types.Bar, error) {
	symbol, ok := symbolMap[instrument]
	if !ok {
		return nil, &types.InvalidRequestError{Field: "instrument", Reason: "unsupported by " + c.sourceID}
	}

	var out []types.Bar
	cursor := r.From
	for cursor.Before(r.To) || cursor.Equal(r.To) {
		windowEnd := cursor.AddDate(0, 0, klineRecordCap)
		if windowEnd.After(r.To) {
			windowEnd = r.To
		}

		rows, err := c.fetchKlinesWithRetry(ctx, symbol, cursor, windowEnd)
		if err != nil {
			return out, &types.ExternalFetchFailedError{SourceID: c.sourceID, Symbol: symbol, Err: err}
		}

		bars, err := parseKlines(rows, instrument)
		if err != nil {
			return out, &types.ExternalFetchFailedError{SourceID: c.sourceID, Symbol: symbol, Err: err}
		}
		out = append(out, bars...)

		if windowEnd.Equal(r.To) {
			break
		}
		cursor = windowEnd.AddDate(0, 0, 1)
	}
	return out, nil
}

// FetchLatestData returns the most recent completed daily bar.
func (c *RESTClient) FetchLatestData(ctx context.Context, instrument types.Instrument) (types.Bar, error) {
	symbol, ok := symbolMap[instrument]
	if !ok {
		return types.Bar{}, &types.InvalidRequestError{Field: "instrument", Reason: "unsupported by " + c.sourceID}
	}

	now := time.Now().UTC()
	rows, err := c.fetchKlinesWithRetry(ctx, symbol, now.AddDate(0, 0, -2), now)
	if err != nil {
		return types.Bar{}, &types.ExternalFetchFailedError{SourceID: c.sourceID, Symbol: symbol, Err: err}
	}
	bars, err := parseKlines(rows, instrument)
	if err != nil {
		return types.Bar{}, &types.ExternalFetchFailedError{SourceID: c.sourceID, Symbol: symbol, Err: err}
	}
	if len(bars) == 0 {
		return types.Bar{}, &types.ExternalFetchFailedError{SourceID: c.sourceID, Symbol: symbol, Err: fmt.Errorf("no bars returned")}
	}
	return bars[len(bars)-1], nil
}

// fetchKlinesWithRetry executes one kline request through the rate
// limiter and circuit breaker, retrying transient 429s with bounded
// exponential backoff.
func (c *RESTClient) fetchKlinesWithRetry(ctx context.Context, symbol string, from, to time.Time) ([]klineRow, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doFetchKlines(ctx, symbol, from, to)
		})
		if err == nil {
			return result.([]klineRow), nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}

		if c.logger != nil {
			c.logger.Warn("kline fetch retrying",
				zap.String("symbol", symbol),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
}

type rateLimitedError struct{ status int }

func (e *rateLimitedError) Error() string { return fmt.Sprintf("rate limited: status %d", e.status) }

func isRetryable(err error) bool {
	rle, ok := err.(*rateLimitedError)
	return ok && rle.status == http.StatusTooManyRequests
}

func (c *RESTClient) doFetchKlines(ctx context.Context, symbol string, from, to time.Time) ([]klineRow, error) {
	url := fmt.Sprintf("%s/klines?symbol=%s&interval=1d&startTime=%d&endTime=%d&limit=%d",
		c.baseURL, symbol, from.UnixMilli(), to.UnixMilli(), klineRecordCap)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitedError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("kline request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var rows []klineRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("parse kline response: %w", err)
	}
	return rows, nil
}

// parseKlines converts raw kline rows into validated, ascending Bars.
// Price fields are parsed at types.PriceScale, volume at types.VolumeScale;
// rows failing the OHLC invariant are rejected rather than silently
// normalized: a bar must pass the OHLC invariant before it is emitted.
func parseKlines(rows []klineRow, instrument types.Instrument) ([]types.Bar, error) {
	currency := instrument.QuoteCurrency()
	bars := make([]types.Bar, 0, len(rows))

	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row %d: expected at least 6 fields, got %d", i, len(row))
		}

		openTimeMs, err := decodeInt64(row[0])
		if err != nil {
			return nil, fmt.Errorf("kline row %d: openTime: %w", i, err)
		}
		open, err := decodeDecimal(row[1], types.PriceScale)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: open: %w", i, err)
		}
		high, err := decodeDecimal(row[2], types.PriceScale)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: high: %w", i, err)
		}
		low, err := decodeDecimal(row[3], types.PriceScale)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: low: %w", i, err)
		}
		closePrice, err := decodeDecimal(row[4], types.PriceScale)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: close: %w", i, err)
		}
		volume, err := decodeDecimal(row[5], types.VolumeScale)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: volume: %w", i, err)
		}

		bar := types.Bar{
			Open:      types.Price{Amount: open, Currency: currency},
			High:      types.Price{Amount: high, Currency: currency},
			Low:       types.Price{Amount: low, Currency: currency},
			Close:     types.Price{Amount: closePrice, Currency: currency},
			Volume:    volume,
			Timestamp: time.UnixMilli(openTimeMs).UTC(),
		}
		if err := bar.Validate(instrument); err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func decodeInt64(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func decodeDecimal(raw json.RawMessage, scale int32) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var f float64
		if err2 := json.Unmarshal(raw, &f); err2 != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromFloat(f).Round(scale), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return d.Round(scale), nil
}
