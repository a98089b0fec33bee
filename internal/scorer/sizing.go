// sizing.go implements Kelly sizing with the full damper stack: entry-tier
// fractions, win-rate and drawdown scaling, bucket quality, cents-tail caps,
// time-remaining decay, leader scale, regime multiplier, correlated decay
// across same-round legs, and the super-bet floor/ceiling.
package scorer

import (
	"math"
	"time"

	"updown-bot/pkg/types"
)

type sizeInputs struct {
	round       types.Round
	side        types.MarketSide
	entry       float64
	trueProb    float64
	edge        float64
	score       int
	executionEV float64
	minsLeft    float64
	volMult     float64
	regimeMult  float64
	leaderScale float64
	oracleOK    bool
	oracleAgeS  float64
	contrarian  bool
	booster     bool
	port        types.PortfolioView
	now         time.Time
}

// kellyFraction is the optimal log-growth fraction for a binary bet:
// f* = (p·b − q) / b where b is the net payout multiple.
func kellyFraction(p, entry float64) float64 {
	if entry <= 0 || entry >= 1 {
		return 0
	}
	b := 1/entry - 1
	if b <= 0 {
		return 0
	}
	f := (p*b - (1 - p)) / b
	return clamp(f, 0, 1)
}

// entryTier returns (kellyFrac, bankrollPct cap) by entry band and score:
// cheaper tokens (higher payout) earn a larger fraction, except that a
// high score above 0.55 gets 0.30, more than the 0.25 of the 0.40–0.55 band.
func entryTier(entry float64, score int) (frac, pct float64) {
	high := score >= 12
	mid := score >= 9
	switch {
	case entry <= 0.20:
		if high {
			return 0.55, 0.10
		} else if mid {
			return 0.45, 0.08
		}
		return 0.35, 0.06
	case entry <= 0.30:
		if high {
			return 0.45, 0.08
		} else if mid {
			return 0.35, 0.06
		}
		return 0.28, 0.05
	case entry <= 0.40:
		if high {
			return 0.35, 0.06
		} else if mid {
			return 0.28, 0.05
		}
		return 0.22, 0.04
	case entry <= 0.55:
		if high {
			return 0.25, 0.04
		} else if mid {
			return 0.18, 0.03
		}
		return 0.14, 0.025
	default:
		if high {
			return 0.30, 0.04
		} else if mid {
			return 0.10, 0.015
		}
		return 0.07, 0.010
	}
}

// size computes the final notional in USDC. Returns 0 when the bankroll is
// not positive; the minimum execution notional is not enforced here, the
// caller compares the result against it.
func (s *Scorer) size(in sizeInputs) float64 {
	cfg := s.sizing
	bankroll := in.port.Bankroll()
	if bankroll <= 0 {
		return 0
	}

	// Booster legs: small fixed fraction, capped against the core stake.
	if in.booster {
		b := round2(math.Max(cfg.MinBetAbsUSDC, bankroll*s.cfg.BoosterSizePct))
		if pos, ok := in.port.Open[in.round.ConditionID]; ok && pos.CostUSDC > 0 {
			b = math.Min(b, round2(pos.CostUSDC*0.5))
		}
		return math.Max(0, math.Min(b, cfg.MaxSingleAbsUSDC))
	}

	frac, pct := entryTier(in.entry, in.score)
	raw := bankroll * frac * kellyFraction(in.trueProb, in.entry)

	// Damper stack
	raw *= in.volMult
	raw *= s.book.WRScale()
	raw *= s.book.BucketSizeScale(in.round.DurationMin, in.score, in.entry)
	raw *= in.leaderScale
	raw *= in.regimeMult
	if !in.oracleOK {
		if in.oracleAgeS <= 15 {
			raw *= 0.40 // fresh oracle actively disagreeing
		} else {
			raw *= 0.65
		}
	}
	// Drawdown throttle
	if dd := in.port.DrawdownPct; dd > cfg.DrawdownSoftPct {
		scale := 1 - (dd-cfg.DrawdownSoftPct)*3
		raw *= clamp(scale, cfg.DrawdownScaleMin, 1)
	}
	// Cents-band tail decay
	switch {
	case in.entry <= 0.03:
		raw *= 0.30
	case in.entry <= 0.05:
		raw *= 0.45
	case in.entry <= 0.10:
		raw *= 0.60
	case in.entry <= 0.20:
		raw *= 0.80
	}
	// Time-remaining decay for 15m rounds
	if in.round.DurationMin >= 15 {
		switch {
		case in.minsLeft <= 2.5:
			raw *= 0.40
		case in.minsLeft <= 3.5:
			raw *= 0.60
		case in.minsLeft <= 5.0:
			raw *= 0.80
		}
	}
	if in.contrarian {
		raw *= s.cfg.TailSizeMult
	}

	// Hard caps: per-order bankroll fraction, per-cid exposure, absolute.
	maxSingle := math.Min(cfg.MaxSingleAbsUSDC, bankroll*pct)
	cidCap := math.Max(cfg.MinHardCapUSDC, bankroll*cfg.MaxCidExposurePct)
	if pos, ok := in.port.Open[in.round.ConditionID]; ok {
		cidCap -= pos.CostUSDC
		if cidCap < 0 {
			cidCap = 0
		}
	}
	hardCap := math.Max(cfg.MinHardCapUSDC, math.Min(maxSingle, math.Min(cidCap, bankroll*cfg.MaxBankrollPct)))
	// Tail entries get tighter absolute caps: high-multiple fills at 2–12¢
	// are mostly noise liquidity.
	if in.entry <= cfg.TailCapEntry1 {
		hardCap = math.Min(hardCap, math.Max(cfg.MinBetAbsUSDC, bankroll*cfg.TailCapPct1))
	} else if in.entry <= cfg.TailCapEntry2 {
		hardCap = math.Min(hardCap, math.Max(cfg.MinBetAbsUSDC, bankroll*cfg.TailCapPct2))
	}

	// Correlated-Kelly decay: extra legs in the same round window and legs
	// across assets in the same slot shrink geometrically.
	fpr := types.Round{
		Asset: in.round.Asset, DurationMin: in.round.DurationMin,
		StartTs: in.round.StartTs, EndTs: in.round.EndTs,
	}.Fingerprint()
	sameRound, sameWindow := 0, 0
	for _, pos := range in.port.Open {
		if pos.Fingerprint() == fpr {
			sameRound++
		} else if !pos.StartTs.IsZero() && pos.StartTs.Equal(in.round.StartTs) && pos.DurationMin == in.round.DurationMin {
			sameWindow++
		}
	}
	if sameRound > 0 {
		raw *= math.Max(cfg.RoundStackMin, math.Pow(cfg.RoundStackDecay, float64(sameRound)))
	}
	if sameWindow > 0 {
		raw *= math.Pow(cfg.CrossWindowDecay, float64(sameWindow))
	}

	// Dynamic floor: keep solid mid-entry setups from being dust-sized.
	floor := math.Min(hardCap, math.Max(cfg.MinBetAbsUSDC, bankroll*cfg.MinBetPct))
	if in.round.DurationMin >= 15 &&
		in.entry >= 0.30 && in.entry <= 0.62 &&
		in.score >= 12 && in.trueProb >= 0.60 &&
		in.executionEV >= 0.03 && in.oracleOK {
		floor = math.Max(floor, math.Min(hardCap, bankroll*0.02))
	}
	// Never force a floor onto ultra-cheap tails or near-expiry entries.
	if in.entry <= 0.06 || (in.round.DurationMin >= 15 && in.minsLeft <= 2.0) {
		floor = math.Min(floor, cfg.MinBetAbsUSDC)
	}

	size := math.Max(raw, floor)

	// Super-bet floor on cheap, high-payout, high-conviction setups
	// (cooldown-gated) and a matching ceiling on tail entries.
	payout := 1 / math.Max(in.entry, 1e-9)
	if cfg.SuperBetEnabled && in.round.DurationMin >= 15 &&
		in.entry <= cfg.SuperBetEntryMax && payout >= cfg.SuperBetMinPayout {
		if size < cfg.SuperBetFloorUSDC &&
			in.score >= cfg.SuperBetMinScore &&
			in.executionEV >= cfg.SuperBetMinEV &&
			s.book.SuperbetAllowed(in.now, cfg.SuperBetCooldown) {
			size = math.Min(hardCap, cfg.SuperBetFloorUSDC)
		}
		maxSuper := math.Max(cfg.MinBetAbsUSDC, math.Min(cfg.SuperBetMaxUSDC, bankroll*cfg.SuperBetMaxPct))
		if size > maxSuper {
			size = maxSuper
		}
	}

	return round2(math.Min(size, hardCap))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
