// copyflow.go aggregates recent trades by externally ranked leader wallets
// into a per-round directional bias. Leader flow is optional alpha: when it
// is missing or stale the scorer applies a soft penalty, never a hard gate.
package feed

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// TradesFetcher is the slice of the data client the aggregator needs.
type TradesFetcher interface {
	Trades(ctx context.Context, conditionID string, limit int) ([]types.APITrade, error)
}

// RoundLister provides the currently active rounds to aggregate over.
type RoundLister func() []types.Round

// CopyFlow polls recent trades per active round and folds them into
// leader-weighted conviction per side.
type CopyFlow struct {
	cfg     config.FeedsConfig
	fetcher TradesFetcher
	rounds  RoundLister
	logger  *slog.Logger

	weights map[string]float64 // lowercase wallet → leader score

	mu    sync.RWMutex
	flows map[string]types.FlowView // cid → latest aggregate
}

// NewCopyFlow creates the leader-flow aggregator.
func NewCopyFlow(cfg config.FeedsConfig, fetcher TradesFetcher, rounds RoundLister, logger *slog.Logger) *CopyFlow {
	weights := make(map[string]float64, len(cfg.LeaderWallets))
	for i, w := range cfg.LeaderWallets {
		score := 1.0
		if i < len(cfg.LeaderScores) {
			score = cfg.LeaderScores[i]
		}
		weights[strings.ToLower(w)] = score
	}
	return &CopyFlow{
		cfg:     cfg,
		fetcher: fetcher,
		rounds:  rounds,
		logger:  logger.With("component", "copyflow"),
		weights: weights,
		flows:   make(map[string]types.FlowView),
	}
}

// Run refreshes every active round on the configured interval.
func (c *CopyFlow) Run(ctx context.Context) error {
	interval := c.cfg.CopyFlowInterval
	if interval <= 0 {
		interval = 6 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refreshAll(ctx)
		}
	}
}

func (c *CopyFlow) refreshAll(ctx context.Context) {
	for _, r := range c.rounds() {
		if ctx.Err() != nil {
			return
		}
		if err := c.RefreshCID(ctx, r.ConditionID); err != nil {
			c.logger.Debug("copyflow refresh failed", "cid", r.ConditionID, "error", err)
		}
	}
	c.prune()
}

// RefreshCID re-aggregates one round immediately. Run calls it for every
// active round on each tick.
func (c *CopyFlow) RefreshCID(ctx context.Context, cid string) error {
	trades, err := c.fetcher.Trades(ctx, cid, 200)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.flows[cid] = c.aggregate(trades)
	c.mu.Unlock()
	return nil
}

// aggregate folds trades into weighted side conviction. Weighting: leader
// score from the configured ranking (unknown wallets count at a fraction),
// recency-decayed so old flow fades, and size-damped so one whale does not
// saturate the signal.
func (c *CopyFlow) aggregate(trades []types.APITrade) types.FlowView {
	now := time.Now()
	var upW, downW, total float64
	var entrySum float64
	n := 0

	for _, t := range trades {
		if t.Side != "BUY" {
			continue // exits are not conviction
		}
		side := types.MarketSide(t.Outcome)
		if side != types.SideUp && side != types.SideDown {
			continue
		}

		weight := 0.25 // unknown wallet baseline
		if w, ok := c.weights[strings.ToLower(t.ProxyWallet)]; ok {
			weight = w
		}

		age := now.Sub(time.Unix(t.Timestamp, 0)).Seconds()
		if age < 0 {
			age = 0
		}
		recency := 1.0 / (1.0 + age/120.0)

		sizeDamp := t.Size * t.Price
		if sizeDamp > 50 {
			sizeDamp = 50 + (sizeDamp-50)*0.15
		}

		w := weight * recency * sizeDamp
		if side == types.SideUp {
			upW += w
		} else {
			downW += w
		}
		total += w
		entrySum += t.Price
		n++
	}

	v := types.FlowView{N: n, Ts: now}
	if total > 0 {
		v.UpConf = upW / total
		v.DownConf = downW / total
	}
	if n > 0 {
		v.AvgEntry = entrySum / float64(n)
	}
	return v
}

func (c *CopyFlow) prune() {
	maxAge := time.Duration(c.cfg.CopyFlowMaxAgeS*4) * time.Second
	if maxAge <= 0 {
		maxAge = 3 * time.Minute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for cid, f := range c.flows {
		if time.Since(f.Ts) > maxAge {
			delete(c.flows, cid)
		}
	}
}

// View returns the latest aggregate for a round.
func (c *CopyFlow) View(cid string) types.FlowView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flows[cid]
}
