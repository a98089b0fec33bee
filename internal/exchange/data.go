// data.go implements the data-indexer REST client (positions, trades,
// activity). Unlike the CLOB client these endpoints are aggressively cached:
// responses are kept briefly to deduplicate redundant calls, and a stale copy
// is served when the host is rate limited or erroring, so the scan loop never
// hard-fails on a 429.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

func decodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

const (
	dataCacheTTL    = 1500 * time.Millisecond
	dataStaleTTL    = 45 * time.Second
	dataMaxBackoff  = 90 * time.Second
	dataMinGap      = 120 * time.Millisecond
	dataRetry429    = 2
)

type cachedResponse struct {
	ts   time.Time
	body []byte
}

// DataClient reads wallet positions and public trades from the data indexer.
type DataClient struct {
	http   *resty.Client
	logger *slog.Logger

	mu          sync.Mutex
	cache       map[string]cachedResponse
	backoffTill time.Time
	lastCall    time.Time
}

// NewDataClient creates a data-indexer client.
func NewDataClient(cfg config.Config, logger *slog.Logger) *DataClient {
	httpClient := resty.New().
		SetBaseURL(cfg.API.DataBaseURL).
		SetTimeout(8 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &DataClient{
		http:   httpClient,
		cache:  make(map[string]cachedResponse),
		logger: logger.With("component", "data_api"),
	}
}

// getJSON performs a cached, host-paced GET and decodes into out.
func (d *DataClient) getJSON(ctx context.Context, path string, params map[string]string, out any) error {
	key := path
	for k, v := range params {
		key += "|" + k + "=" + v
	}

	d.mu.Lock()
	if c, ok := d.cache[key]; ok && time.Since(c.ts) <= dataCacheTTL {
		body := c.body
		d.mu.Unlock()
		return decodeJSON(body, out)
	}
	// Host-wide backoff from an earlier 429: serve stale if we have it.
	if time.Now().Before(d.backoffTill) {
		if c, ok := d.cache[key]; ok && time.Since(c.ts) <= dataStaleTTL {
			body := c.body
			d.mu.Unlock()
			return decodeJSON(body, out)
		}
		till := d.backoffTill
		d.mu.Unlock()
		return fmt.Errorf("data api backoff active for %s", time.Until(till).Round(time.Second))
	}
	// Per-host minimum gap.
	if gap := dataMinGap - time.Since(d.lastCall); gap > 0 {
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gap):
		}
		d.mu.Lock()
	}
	d.lastCall = time.Now()
	d.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= dataRetry429; attempt++ {
		resp, err := d.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(path)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode() == http.StatusTooManyRequests {
			retryAfter := 2.0
			if ra := resp.Header().Get("Retry-After"); ra != "" {
				if v, perr := strconv.ParseFloat(ra, 64); perr == nil && v > 0 {
					retryAfter = v
				}
			}
			wait := time.Duration((retryAfter+rand.Float64()*0.35)*float64(time.Second)) + time.Duration(attempt)*350*time.Millisecond
			if wait > dataMaxBackoff {
				wait = dataMaxBackoff
			}
			d.mu.Lock()
			if till := time.Now().Add(wait); till.After(d.backoffTill) {
				d.backoffTill = till
			}
			d.mu.Unlock()
			lastErr = fmt.Errorf("http 429 %s", path)
			if attempt < dataRetry429 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			break
		}

		if resp.StatusCode() != http.StatusOK {
			lastErr = fmt.Errorf("http %d %s", resp.StatusCode(), path)
			break
		}

		body := resp.Body()
		d.mu.Lock()
		d.cache[key] = cachedResponse{ts: time.Now(), body: body}
		d.mu.Unlock()
		return decodeJSON(body, out)
	}

	// Degrade to stale cache within the stale TTL before surfacing the error.
	d.mu.Lock()
	if c, ok := d.cache[key]; ok && time.Since(c.ts) <= dataStaleTTL {
		body := c.body
		d.mu.Unlock()
		d.logger.Warn("serving stale data-api response", "path", path, "error", lastErr)
		return decodeJSON(body, out)
	}
	d.mu.Unlock()
	return fmt.Errorf("data api get %s: %w", path, lastErr)
}

// Positions fetches all positions for a wallet (open and redeemable).
func (d *DataClient) Positions(ctx context.Context, wallet string) ([]types.APIPosition, error) {
	var out []types.APIPosition
	err := d.getJSON(ctx, "/positions", map[string]string{
		"user":          wallet,
		"sizeThreshold": "0.1",
		"limit":         "500",
	}, &out)
	return out, err
}

// Trades fetches recent public trades for one market.
func (d *DataClient) Trades(ctx context.Context, conditionID string, limit int) ([]types.APITrade, error) {
	var out []types.APITrade
	err := d.getJSON(ctx, "/trades", map[string]string{
		"market": conditionID,
		"limit":  strconv.Itoa(limit),
	}, &out)
	return out, err
}

// Activity pages through a wallet's historical activity. Used by the
// settlement backfill to find redeemable cids the live path missed.
func (d *DataClient) Activity(ctx context.Context, wallet string, pages, pageSize int) ([]types.APITrade, error) {
	var all []types.APITrade
	seen := make(map[string]bool)

	for page := 0; page < pages; page++ {
		var batch []types.APITrade
		err := d.getJSON(ctx, "/activity", map[string]string{
			"user":   wallet,
			"limit":  strconv.Itoa(pageSize),
			"offset": strconv.Itoa(page * pageSize),
		}, &batch)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			break // partial history is fine for backfill
		}
		if len(batch) == 0 {
			break
		}
		fresh := 0
		for _, ev := range batch {
			key := ev.TransactionHash + "|" + ev.ConditionID + "|" + strconv.FormatInt(ev.Timestamp, 10)
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, ev)
			fresh++
		}
		if fresh == 0 || len(batch) < pageSize {
			break
		}
	}
	return all, nil
}
