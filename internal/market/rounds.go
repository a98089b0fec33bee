// Package market discovers Up/Down rounds and caches their metadata.
//
// The watcher polls the Gamma markets API for the configured active series,
// parses each listing into a types.Round bounded to exact wall-clock slots,
// and keeps a persistent metadata cache so the reconciler can classify
// on-chain positions without an API round-trip after restarts.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	AcceptingOrders bool    `json:"acceptingOrders"`
	StartDate       string  `json:"startDate"`
	EndDate         string  `json:"endDate"`
	Outcomes        string  `json:"outcomes"`
	OutcomePrices   string  `json:"outcomePrices"`
	ClobTokenIds    string  `json:"clobTokenIds"`
	NegRisk         bool    `json:"negRisk"`
	TickSize        float64 `json:"orderPriceMinTickSize"`
}

// MetaStore persists the round metadata cache across restarts.
type MetaStore interface {
	SaveRoundMeta(rounds map[string]types.Round) error
	LoadRoundMeta() (map[string]types.Round, error)
}

// Watcher polls the markets API and maintains the active round set.
type Watcher struct {
	http   *resty.Client
	cfg    config.RoundsConfig
	meta   MetaStore
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]types.Round // cid → round (active only)
	cache  map[string]types.Round // cid → round (everything ever seen, bounded)
}

// NewWatcher creates a round watcher.
func NewWatcher(api config.APIConfig, cfg config.RoundsConfig, meta MetaStore, logger *slog.Logger) *Watcher {
	w := &Watcher{
		http: resty.New().
			SetBaseURL(api.GammaBaseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
		cfg:    cfg,
		meta:   meta,
		logger: logger.With("component", "rounds"),
		active: make(map[string]types.Round),
		cache:  make(map[string]types.Round),
	}
	if meta != nil {
		if cached, err := meta.LoadRoundMeta(); err == nil && len(cached) > 0 {
			w.cache = cached
			logger.Info("round metadata cache restored", "entries", len(cached))
		}
	}
	return w
}

// Run polls on the configured interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	fresh := make(map[string]types.Round)
	for _, slug := range w.cfg.SeriesSlugs {
		rounds, err := w.fetchSeries(ctx, slug)
		if err != nil {
			w.logger.Warn("series fetch failed", "series", slug, "error", err)
			continue
		}
		for _, r := range rounds {
			fresh[r.ConditionID] = r
		}
	}
	if len(fresh) == 0 {
		return
	}

	now := time.Now()
	w.mu.Lock()
	w.active = make(map[string]types.Round, len(fresh))
	for cid, r := range fresh {
		if r.Closed || now.After(r.EndTs) {
			continue
		}
		if r.DurationMin == 5 && !w.cfg.Enable5m {
			continue
		}
		if r.DurationMin == 15 && !w.cfg.Enable15m {
			continue
		}
		w.active[cid] = r
		w.cache[cid] = r
	}
	// Keep the cache bounded; retired entries past the settlement horizon go.
	if len(w.cache) > 2048 {
		for cid, r := range w.cache {
			if now.Sub(r.EndTs) > 48*time.Hour {
				delete(w.cache, cid)
			}
		}
	}
	cacheCopy := make(map[string]types.Round, len(w.cache))
	for k, v := range w.cache {
		cacheCopy[k] = v
	}
	w.mu.Unlock()

	if w.meta != nil {
		if err := w.meta.SaveRoundMeta(cacheCopy); err != nil {
			w.logger.Warn("round metadata save failed", "error", err)
		}
	}
}

func (w *Watcher) fetchSeries(ctx context.Context, seriesSlug string) ([]types.Round, error) {
	var markets []GammaMarket
	resp, err := w.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"series_slug": seriesSlug,
			"active":      "true",
			"closed":      "false",
			"limit":       "40",
			"order":       "endDate",
			"ascending":   "true",
		}).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
	}

	rounds := make([]types.Round, 0, len(markets))
	for _, gm := range markets {
		r, err := ParseRound(gm)
		if err != nil {
			w.logger.Debug("skipping unparseable market", "slug", gm.Slug, "error", err)
			continue
		}
		rounds = append(rounds, r)
	}
	return rounds, nil
}

// ParseRound converts a Gamma listing into a typed round. It requires two
// outcome tokens, valid slot bounds, and an inferable asset.
func ParseRound(gm GammaMarket) (types.Round, error) {
	var r types.Round

	if gm.ConditionID == "" {
		return r, fmt.Errorf("missing condition id")
	}

	asset, ok := inferAsset(gm.Question + " " + gm.Slug)
	if !ok {
		return r, fmt.Errorf("cannot infer asset from %q", gm.Question)
	}

	start, err := parseAPITime(gm.StartDate)
	if err != nil {
		return r, fmt.Errorf("start date: %w", err)
	}
	end, err := parseAPITime(gm.EndDate)
	if err != nil {
		return r, fmt.Errorf("end date: %w", err)
	}
	durMin := int(end.Sub(start).Minutes() + 0.5)
	if durMin != 5 && durMin != 15 {
		return r, fmt.Errorf("unsupported duration %dm", durMin)
	}

	var outcomes []string
	if err := json.Unmarshal([]byte(gm.Outcomes), &outcomes); err != nil || len(outcomes) != 2 {
		return r, fmt.Errorf("bad outcomes %q", gm.Outcomes)
	}
	var tokens []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokens); err != nil || len(tokens) != 2 {
		return r, fmt.Errorf("bad token ids %q", gm.ClobTokenIds)
	}
	var prices []string
	_ = json.Unmarshal([]byte(gm.OutcomePrices), &prices)

	upIdx, downIdx := -1, -1
	for i, o := range outcomes {
		switch strings.ToLower(strings.TrimSpace(o)) {
		case "up", "yes":
			upIdx = i
		case "down", "no":
			downIdx = i
		}
	}
	if upIdx < 0 || downIdx < 0 {
		return r, fmt.Errorf("outcomes not up/down: %v", outcomes)
	}

	upPrice := 0.0
	if upIdx < len(prices) {
		fmt.Sscanf(prices[upIdx], "%f", &upPrice)
	}

	tick := types.Tick001
	switch gm.TickSize {
	case 0.1:
		tick = types.Tick01
	case 0.001:
		tick = types.Tick0001
	case 0.0001:
		tick = types.Tick00001
	}

	return types.Round{
		ConditionID: gm.ConditionID,
		Asset:       asset,
		DurationMin: durMin,
		Question:    gm.Question,
		Slug:        gm.Slug,
		StartTs:     start,
		EndTs:       end,
		TokenUp:     tokens[upIdx],
		TokenDown:   tokens[downIdx],
		UpPrice:     upPrice,
		TickSize:    tick,
		NegRisk:     gm.NegRisk,
		Active:      gm.Active && gm.AcceptingOrders,
		Closed:      gm.Closed,
	}, nil
}

func inferAsset(text string) (types.Asset, bool) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "bitcoin") || strings.Contains(lower, "btc"):
		return types.AssetBTC, true
	case strings.Contains(lower, "ethereum") || strings.Contains(lower, "eth"):
		return types.AssetETH, true
	case strings.Contains(lower, "solana") || strings.Contains(lower, "sol"):
		return types.AssetSOL, true
	case strings.Contains(lower, "xrp") || strings.Contains(lower, "ripple"):
		return types.AssetXRP, true
	}
	return "", false
}

func parseAPITime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// Active returns a copy of the currently tradeable rounds.
func (w *Watcher) Active() []types.Round {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]types.Round, 0, len(w.active))
	for _, r := range w.active {
		out = append(out, r)
	}
	return out
}

// Lookup finds round metadata by cid, consulting the persistent cache for
// retired rounds.
func (w *Watcher) Lookup(cid string) (types.Round, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if r, ok := w.active[cid]; ok {
		return r, true
	}
	r, ok := w.cache[cid]
	return r, ok
}

// LookupOrFetch resolves metadata by cid, falling back to a direct API call
// for cids the poller never saw (e.g. positions predating this process).
func (w *Watcher) LookupOrFetch(ctx context.Context, cid string) (types.Round, bool) {
	if r, ok := w.Lookup(cid); ok {
		return r, true
	}

	var markets []GammaMarket
	resp, err := w.http.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", cid).
		SetResult(&markets).
		Get("/markets")
	if err != nil || resp.StatusCode() != 200 || len(markets) == 0 {
		return types.Round{}, false
	}
	r, perr := ParseRound(markets[0])
	if perr != nil {
		return types.Round{}, false
	}

	w.mu.Lock()
	w.cache[cid] = r
	w.mu.Unlock()
	return r, true
}
