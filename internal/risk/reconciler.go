// Package risk is the single authority for "what is open right now".
//
// The reconciler merges the on-chain positions indexer with local fills
// inside a grace window, recomputes equity, locks the P&L baseline, prunes
// ghosts, and publishes a copy-on-write PortfolioView for the scorer. It
// also enforces the exposure rules that stand between a candidate signal
// and an order.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"updown-bot/internal/config"
	"updown-bot/internal/stats"
	"updown-bot/pkg/types"
)

// PositionsFetcher is the slice of the data client the reconciler needs.
type PositionsFetcher interface {
	Positions(ctx context.Context, wallet string) ([]types.APIPosition, error)
}

// RoundResolver resolves round metadata for classification.
type RoundResolver interface {
	LookupOrFetch(ctx context.Context, cid string) (types.Round, bool)
}

// BalanceFunc reads the wallet's USDC collateral balance on-chain.
type BalanceFunc func(ctx context.Context) (float64, error)

// BaselineStore persists the locked P&L origin across restarts.
type BaselineStore interface {
	LoadBaseline() (float64, bool, error)
	SaveBaseline(v float64) error
}

type localFill struct {
	pos      types.Position
	filledAt time.Time
	absent   int // consecutive cycles missing on-chain
}

// Reconciler periodically rebuilds the portfolio view.
type Reconciler struct {
	cfg      config.RiskConfig
	wallet   string
	data     PositionsFetcher
	rounds   RoundResolver
	balance  BalanceFunc
	baseline BaselineStore
	book     *stats.Book
	logger   *slog.Logger

	view atomic.Pointer[types.PortfolioView]

	mu         sync.Mutex
	local      map[string]*localFill // cid → local pending fill
	baselineV  float64
	baselineOK bool
	peakEquity float64
}

// NewReconciler creates the portfolio reconciler.
func NewReconciler(cfg config.RiskConfig, wallet string, data PositionsFetcher, rounds RoundResolver, balance BalanceFunc, baseline BaselineStore, book *stats.Book, logger *slog.Logger) *Reconciler {
	r := &Reconciler{
		cfg:      cfg,
		wallet:   wallet,
		data:     data,
		rounds:   rounds,
		balance:  balance,
		baseline: baseline,
		book:     book,
		logger:   logger.With("component", "reconciler"),
		local:    make(map[string]*localFill),
	}
	empty := &types.PortfolioView{
		Open:      map[string]types.Position{},
		SideStake: map[types.MarketSide]float64{},
	}
	r.view.Store(empty)

	if baseline != nil {
		if v, ok, err := baseline.LoadBaseline(); err == nil && ok {
			r.baselineV, r.baselineOK = v, true
			r.peakEquity = v
		}
	}
	return r
}

// AddLocalFill registers a confirmed local fill so exposure reflects it
// before the indexer catches up.
func (r *Reconciler) AddLocalFill(pos types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.local[pos.CID]; ok {
		existing.pos.Shares += pos.Shares
		existing.pos.CostUSDC += pos.CostUSDC
		existing.pos.AddOnCount++
		existing.filledAt = time.Now()
		existing.absent = 0
		return
	}
	r.local[pos.CID] = &localFill{pos: pos, filledAt: time.Now()}
}

// View returns the latest published portfolio view (copy semantics: the
// maps inside are never mutated after publish).
func (r *Reconciler) View() types.PortfolioView {
	return *r.view.Load()
}

// Run executes the reconcile cycle on the configured interval.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.cfg.SyncInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Cycle(ctx); err != nil {
				r.logger.Warn("reconcile cycle failed", "error", err)
			}
		}
	}
}

// Cycle performs one full reconciliation pass.
func (r *Reconciler) Cycle(ctx context.Context) error {
	wallet, err := r.balance(ctx)
	if err != nil {
		return err
	}
	apiPositions, err := r.data.Positions(ctx, r.wallet)
	if err != nil {
		return err
	}

	now := time.Now()
	open := make(map[string]types.Position)
	sideStake := map[types.MarketSide]float64{types.SideUp: 0, types.SideDown: 0}
	var openStake, openMark, settling float64

	onChain := make(map[string]bool, len(apiPositions))
	for _, ap := range apiPositions {
		side := types.MarketSide(ap.Outcome)
		if side != types.SideUp && side != types.SideDown {
			continue
		}
		onChain[ap.ConditionID] = true

		if ap.Redeemable {
			if ap.CurrentValue > 0 {
				settling += ap.CurrentValue
			}
			continue // settling, not open exposure
		}
		if ap.Size <= 0 && ap.CurrentValue < r.cfg.PresenceThreshold {
			continue // dust
		}

		pos := types.Position{
			CID:          ap.ConditionID,
			Side:         side,
			Shares:       ap.Size,
			CostUSDC:     ap.AvgPrice * ap.Size,
			ValueNowUSDC: ap.CurrentValue,
			AvgEntry:     ap.AvgPrice,
			Question:     ap.Title,
			Core:         true,
		}
		// Derive (asset, duration, bounds) from the cached round metadata,
		// falling back to an API lookup; the cache persists across restarts.
		if round, ok := r.rounds.LookupOrFetch(ctx, ap.ConditionID); ok {
			pos.Asset = round.Asset
			pos.DurationMin = round.DurationMin
			pos.StartTs = round.StartTs
			pos.EndTs = round.EndTs
		}

		open[pos.CID] = pos
		openStake += pos.CostUSDC
		openMark += pos.ValueNowUSDC
		sideStake[pos.Side] += pos.CostUSDC
	}

	// Merge local pending fills the indexer has not surfaced yet; prune
	// entries absent for N consecutive cycles past the grace window.
	r.mu.Lock()
	for cid, lf := range r.local {
		if onChain[cid] {
			delete(r.local, cid) // indexer caught up
			continue
		}
		if now.Sub(lf.filledAt) > r.cfg.PruneGrace {
			lf.absent++
			if lf.absent >= r.cfg.PruneCycles {
				r.logger.Warn("pruning ghost pending position", "cid", cid)
				delete(r.local, cid)
				continue
			}
		}
		if _, dup := open[cid]; !dup {
			open[cid] = lf.pos
			openStake += lf.pos.CostUSDC
			openMark += lf.pos.CostUSDC // marked at cost until indexed
			sideStake[lf.pos.Side] += lf.pos.CostUSDC
		}
	}
	r.mu.Unlock()

	equity := wallet + openMark + settling

	r.mu.Lock()
	if !r.baselineOK {
		r.baselineV, r.baselineOK = equity, true
		r.peakEquity = equity
		if r.baseline != nil {
			if err := r.baseline.SaveBaseline(equity); err != nil {
				r.logger.Warn("baseline save failed", "error", err)
			}
		}
		r.logger.Info("pnl baseline locked", "equity", equity)
	}
	if equity > r.peakEquity {
		r.peakEquity = equity
	}
	drawdown := 0.0
	if r.peakEquity > 0 {
		drawdown = (r.peakEquity - equity) / r.peakEquity
	}
	baseline := r.baselineV
	r.mu.Unlock()

	view := &types.PortfolioView{
		Ts:            now,
		WalletUSDC:    wallet,
		OpenStake:     openStake,
		OpenMarkValue: openMark,
		SettlingClaim: settling,
		TotalEquity:   equity,
		Baseline:      baseline,
		Open:          open,
		SideStake:     sideStake,
		LossStreak:    r.book.LossStreak(),
		DrawdownPct:   drawdown,
	}
	r.view.Store(view)
	return nil
}
