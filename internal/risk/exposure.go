// exposure.go enforces the portfolio exposure rules between a candidate
// signal and an order. Checks run against the latest reconciled view plus
// the executor's reserved (in-flight) notional.
package risk

import (
	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// Checker validates signals against exposure limits.
type Checker struct {
	cfg config.RiskConfig
}

// NewChecker creates an exposure checker.
func NewChecker(cfg config.RiskConfig) *Checker {
	return &Checker{cfg: cfg}
}

// Check returns ReasonNone when the signal may proceed to execution.
// choppy widens nothing: it selects the tighter per-side fraction.
// reserved is notional already committed to in-flight orders.
func (c *Checker) Check(sig types.Signal, view types.PortfolioView, reserved float64, choppy bool) types.Reason {
	// Opposite side on the exact same market is never allowed.
	if pos, ok := view.Open[sig.CID]; ok && pos.Side != sig.Side {
		return types.ReasonOppositeSameCID
	}

	// Opposite side on the same round by (asset, duration, start, end)
	// fingerprint — catches re-listed cids for the same slot.
	sigFp := types.Round{
		Asset: sig.Asset, DurationMin: sig.DurationMin,
		StartTs: sig.StartTs, EndTs: sig.EndTs,
	}.Fingerprint()
	for _, pos := range view.Open {
		if pos.CID == sig.CID {
			continue
		}
		if pos.Fingerprint() == sigFp && pos.Side != sig.Side {
			return types.ReasonOppositeSameRound
		}
	}

	// Global open position count (add-ons to an existing cid don't count).
	if _, held := view.Open[sig.CID]; !held && len(view.Open) >= c.cfg.MaxOpenPositions {
		return types.ReasonMaxOpenPositions
	}

	bankroll := view.Bankroll()
	if bankroll <= 0 {
		return types.ReasonBankrollCap
	}
	available := bankroll - reserved
	if sig.NotionalUSDC > available {
		return types.ReasonBankrollCap
	}

	// Per-side fraction cap, tighter in a choppy regime.
	sidePct := c.cfg.MaxSidePct
	if choppy {
		sidePct = c.cfg.MaxSidePctChoppy
	}
	if view.SideStake != nil {
		if view.SideStake[sig.Side]+sig.NotionalUSDC > bankroll*sidePct {
			return types.ReasonSideCapExceeded
		}
	}

	// Per-cid fraction cap including what is already held.
	held := 0.0
	if pos, ok := view.Open[sig.CID]; ok {
		held = pos.CostUSDC
	}
	if held+sig.NotionalUSDC > bankroll*c.cfg.MaxCidPct+1e-9 {
		return types.ReasonCidCapExceeded
	}

	return types.ReasonNone
}
