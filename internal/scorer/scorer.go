// Package scorer turns a decision snapshot into a sized, execution-ready
// signal or a rejection with a closed-enum reason code.
//
// Score is a pure function of (round, snapshot, portfolio) plus the adaptive
// stats book — no I/O happens on the scoring path. Every skip is recorded
// into a rolling reason window for diagnostics; no skip is fatal.
package scorer

import (
	"fmt"
	"math"
	"sync"
	"time"

	"log/slog"

	"updown-bot/internal/config"
	"updown-bot/internal/stats"
	"updown-bot/pkg/types"
)

// Scorer evaluates rounds. It owns only caching and diagnostic state; all
// market state arrives through the snapshot.
type Scorer struct {
	cfg    config.ScorerConfig
	sizing config.SizingConfig
	feeds  config.FeedsConfig
	book   *stats.Book
	logger *slog.Logger

	mu          sync.Mutex
	seen        map[string]bool      // cids already traded this process
	boosterUsed map[string]int       // cid → booster legs placed
	debounce    map[string]debounced // fingerprint → cached result
	skips       []skipRecord
}

type debounced struct {
	at     time.Time
	signal types.Signal
	reason types.Reason
}

type skipRecord struct {
	reason types.Reason
	ts     time.Time
}

// New creates a scorer.
func New(cfg config.ScorerConfig, sizing config.SizingConfig, feeds config.FeedsConfig, book *stats.Book, logger *slog.Logger) *Scorer {
	return &Scorer{
		cfg:         cfg,
		sizing:      sizing,
		feeds:       feeds,
		book:        book,
		logger:      logger.With("component", "scorer"),
		seen:        make(map[string]bool),
		boosterUsed: make(map[string]int),
		debounce:    make(map[string]debounced),
	}
}

// MarkSeen records that a cid has a confirmed entry (called by execution).
func (s *Scorer) MarkSeen(cid string) {
	s.mu.Lock()
	s.seen[cid] = true
	s.mu.Unlock()
}

// MarkBoosterUsed counts a confirmed booster leg.
func (s *Scorer) MarkBoosterUsed(cid string) {
	s.mu.Lock()
	s.boosterUsed[cid]++
	s.mu.Unlock()
}

// RestoreSeen reloads the seen set after a restart.
func (s *Scorer) RestoreSeen(cids []string) {
	s.mu.Lock()
	for _, cid := range cids {
		s.seen[cid] = true
	}
	s.mu.Unlock()
}

// SeenList returns the current seen set for persistence.
func (s *Scorer) SeenList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for cid := range s.seen {
		out = append(out, cid)
	}
	return out
}

func (s *Scorer) skip(reason types.Reason) types.Reason {
	s.mu.Lock()
	s.skips = append(s.skips, skipRecord{reason: reason, ts: time.Now()})
	if len(s.skips) > 512 {
		s.skips = s.skips[len(s.skips)-512:]
	}
	s.mu.Unlock()
	return reason
}

// SkipCounts aggregates the rolling reason window for diagnostics.
func (s *Scorer) SkipCounts(window time.Duration) map[types.Reason]int {
	cutoff := time.Now().Add(-window)
	out := make(map[types.Reason]int)
	s.mu.Lock()
	for _, r := range s.skips {
		if r.ts.After(cutoff) {
			out[r.reason]++
		}
	}
	s.mu.Unlock()
	return out
}

// Score evaluates one round against the current snapshot and portfolio.
// Returns (signal, ReasonNone) on acceptance or (zero, reason) on skip.
func (s *Scorer) Score(round types.Round, snap types.Snapshot, port types.PortfolioView) (types.Signal, types.Reason) {
	started := time.Now()
	now := snap.Taken
	cid := round.ConditionID

	// Re-entry control: already-traded cids are only eligible for a booster.
	boosterEval := false
	var boosterSide types.MarketSide
	s.mu.Lock()
	if s.seen[cid] {
		pos, held := port.Open[cid]
		if s.cfg.BoosterEnabled && held && pos.Core && pos.CostUSDC > 0 {
			boosterEval = true
			boosterSide = pos.Side
		} else {
			s.mu.Unlock()
			return types.Signal{}, s.skip(types.ReasonDuplicateCID)
		}
	}
	// Debounce: identical inputs within the window return the cached verdict.
	fp := fingerprint(cid, boosterEval, snap)
	if d, ok := s.debounce[fp]; ok && now.Sub(d.at) <= s.cfg.DebounceWindow {
		s.mu.Unlock()
		if d.reason == types.ReasonNone {
			return d.signal, types.ReasonNone
		}
		return types.Signal{}, types.ReasonDebounced
	}
	s.mu.Unlock()

	sig, reason := s.scoreInner(round, snap, port, boosterEval, boosterSide, now)
	sig.SignalLatencyMS = float64(time.Since(started)) / float64(time.Millisecond)

	s.mu.Lock()
	s.debounce[fp] = debounced{at: now, signal: sig, reason: reason}
	if len(s.debounce) > 256 {
		for k, v := range s.debounce {
			if now.Sub(v.at) > 10*s.cfg.DebounceWindow {
				delete(s.debounce, k)
			}
		}
	}
	s.mu.Unlock()
	return sig, reason
}

func (s *Scorer) scoreInner(round types.Round, snap types.Snapshot, port types.PortfolioView, boosterEval bool, boosterSide types.MarketSide, now time.Time) (types.Signal, types.Reason) {
	cfg := s.cfg
	var notes []string

	// ── Step 1: eligibility ─────────────────────────────────────────────
	if snap.OpenPrice <= 0 {
		return types.Signal{}, s.skip(types.ReasonNoOpenPrice)
	}
	pctRemaining := round.PctRemaining(now)
	if pctRemaining < cfg.PctRemainingMin {
		return types.Signal{}, s.skip(types.ReasonWindowTooLate)
	}
	minsLeft := round.MinsLeft(now)

	// Decision price arbitration: fresh oracle wins, then fresh quote, then
	// the freshest available with a stale penalty.
	oracleAge := snap.Oracle.AgeS(now)
	quoteAge := snap.Spot.AgeMS(now)
	var current float64
	staleSource := false
	switch {
	case snap.Oracle.Value > 0 && oracleAge <= s.feeds.OracleFreshS:
		current = snap.Oracle.Value
		quoteAge = 0 // the oracle resolves the round; quote freshness moot
	case snap.Spot.Value > 0 && quoteAge <= s.feeds.QuoteFreshMS:
		current = snap.Spot.Value
	case snap.Oracle.Value > 0 && (snap.Spot.Value <= 0 || oracleAge*1000 <= quoteAge):
		current = snap.Oracle.Value
		staleSource = true
	case snap.Spot.Value > 0:
		current = snap.Spot.Value
		staleSource = true
	default:
		return types.Signal{}, s.skip(types.ReasonNoFreshPrice)
	}

	if oracleAge > cfg.OracleAgeSkipS {
		return types.Signal{}, s.skip(types.ReasonOracleTooOld)
	}
	// Core 15m entries with no oracle observation at all are materially
	// worse in live outcomes; boosters keep their own stricter gates.
	if round.DurationMin >= 15 && !boosterEval && snap.Oracle.Value <= 0 {
		return types.Signal{}, s.skip(types.ReasonOracleAgeInvalid)
	}

	openPrice := snap.OpenPrice
	movePct := math.Abs(current-openPrice) / openPrice

	// ── Step 2: direction ───────────────────────────────────────────────
	score := 0
	edgeAdj := 0.0
	conflict := false
	divergencePenalized := false

	mom := snap.Momentum
	upVotes := votes(mom, cfg.MomThreshUp, true)
	downVotes := votes(mom, cfg.MomThreshDn, false)

	oracleMove := 0.0
	var oracleDir types.MarketSide
	if snap.Oracle.Value > 0 {
		oracleMove = math.Abs(snap.Oracle.Value-openPrice) / openPrice
		if oracleMove >= cfg.DirMoveMin {
			if snap.Oracle.Value > openPrice {
				oracleDir = types.SideUp
			} else {
				oracleDir = types.SideDown
			}
		}
	}

	var direction types.MarketSide
	switch {
	case movePct >= cfg.DirMoveMin:
		if current > openPrice {
			direction = types.SideUp
		} else {
			direction = types.SideDown
		}
		// Small move disagreeing with the oracle: realign and penalize.
		if oracleDir != "" && oracleDir != direction && movePct < cfg.DirConflictMoveMax {
			score -= cfg.DirConflictPen
			edgeAdj -= cfg.DirConflictEdgePen
			conflict = true
			if oracleAge <= s.feeds.OracleFreshS {
				direction = oracleDir
			}
		}
	case oracleDir != "":
		direction = oracleDir
	case upVotes > downVotes:
		direction = types.SideUp
	case downVotes > upVotes:
		direction = types.SideDown
	default:
		// Tie-break matches the on-chain resolution rule: >= resolves Up.
		if snap.Oracle.Value >= openPrice {
			direction = types.SideUp
		} else {
			direction = types.SideDown
		}
	}

	isUp := direction == types.SideUp
	tfVotes := upVotes
	if !isUp {
		tfVotes = downVotes
	}
	veryStrongMom := tfVotes >= 3

	prevDir := prevWindowDir(snap, cfg.DirMoveMin)
	earlyContinuation := prevDir == direction && pctRemaining > 0.60

	// ── Step 3: feature scoring ─────────────────────────────────────────
	if staleSource {
		score--
	}

	// Timing: earlier in window = the book hasn't repriced yet.
	switch {
	case pctRemaining >= cfg.TimingPct2:
		score += 2
	case pctRemaining >= cfg.TimingPct1:
		score++
	}

	// Move magnitude buckets
	switch {
	case movePct >= cfg.MoveT3:
		score += 3
	case movePct >= cfg.MoveT2:
		score += 2
	case movePct >= cfg.MoveT1:
		score++
	}

	// Multi-horizon momentum votes
	switch tfVotes {
	case 4:
		score += 4
	case 3:
		score += 3
	case 2:
		score++
	}

	// Oracle agreement: disagreement with the instrument that resolves the
	// round is a major red flag.
	oracleAgrees := true
	if snap.Oracle.Value > 0 {
		oracleAgrees = (snap.Oracle.Value >= openPrice) == isUp
	}
	if oracleAgrees {
		score++
	} else {
		score -= 3
	}

	// Source divergence: oracle and quote feed disagreeing about the level.
	if snap.Oracle.Value > 0 && snap.Spot.Value > 0 {
		div := math.Abs(snap.Oracle.Value-snap.Spot.Value) / openPrice
		if div >= cfg.DivergencePenMin {
			pen := int(math.Min(3, math.Max(1, div/cfg.DivergencePenMin)))
			score -= pen
			edgeAdj -= math.Min(0.02, div*4)
			divergencePenalized = true
		}
	}

	// Oracle staleness warning band
	if oracleAge > cfg.OracleAgeWarnS {
		score--
	}
	// Open-price source confidence
	switch snap.OpenSource {
	case "PM":
		score++
	case "CL-exact", "CL":
	default:
		score--
	}

	deriv := snap.Deriv
	if !deriv.Ready {
		return types.Signal{}, s.skip(types.ReasonVolumeMissing)
	}

	// Depth-weighted book imbalance with a hard block on extreme contra.
	obSig := deriv.DepthImbalance
	if !isUp {
		obSig = -obSig
	}
	if obSig < cfg.OBHardBlock {
		return types.Signal{}, s.skip(types.ReasonOBHardBlock)
	}
	switch {
	case obSig > cfg.OBScoreT3:
		score += 3
	case obSig > cfg.OBScoreT2:
		score += 2
	case obSig > cfg.OBScoreT1:
		score++
	default:
		score--
	}
	imbalanceConfirms := obSig > cfg.ImbalanceConfirm

	// Taker flow + volume vs baseline
	taker := deriv.TakerRatio
	switch {
	case (isUp && taker > cfg.TakerT3) || (!isUp && taker < 1-cfg.TakerT3):
		score += 3
	case (isUp && taker > cfg.TakerT2) || (!isUp && taker < 1-cfg.TakerT2):
		score += 2
	case math.Abs(taker-0.5) < cfg.TakerNeutralBand:
		score++
	default:
		score--
	}
	switch {
	case deriv.VolRatio > cfg.VolT2:
		score += 2
	case deriv.VolRatio > cfg.VolT1:
		score++
	}

	// Perp basis: leveraged crowding in our direction confirms.
	basisSigned := deriv.PerpBasis
	if !isUp {
		basisSigned = -basisSigned
	}
	switch {
	case basisSigned > cfg.PerpStrong:
		score += 2
	case basisSigned > cfg.PerpConfirm:
		score++
	case basisSigned < -cfg.PerpConfirm:
		score--
	}

	// Funding extremes: crowded side is fragile.
	funding := deriv.FundingRate
	switch {
	case !isUp && funding > cfg.FundingStrong:
		score++
	case isUp && funding < -cfg.FundingStrong:
		score++
	case isUp && funding > cfg.FundingExtreme:
		score--
	case !isUp && funding < -cfg.FundingExtreme:
		score--
	}

	// Liquidations on the opposing side confirm the move.
	liqConfirm := deriv.LiqUpUSD
	liqContra := deriv.LiqDownUSD
	if !isUp {
		liqConfirm, liqContra = liqContra, liqConfirm
	}
	if liqConfirm > 25000 && liqConfirm > 3*liqContra {
		score += 2
	} else if liqConfirm > 5000 && liqConfirm > liqContra {
		score++
	}

	// Open-interest delta and long/short crowding
	switch {
	case isUp && deriv.OIDelta > cfg.OIDeltaMin:
		score++
	case !isUp && deriv.OIDelta < -cfg.OIDeltaMin:
		score++
	case isUp && deriv.OIDelta < -cfg.OIDeltaMin:
		score--
	case !isUp && deriv.OIDelta > cfg.OIDeltaMin:
		score--
	}
	if (isUp && deriv.LSRatio > cfg.LSLongExtreme) || (!isUp && deriv.LSRatio < cfg.LSShortExtreme) {
		score--
	}

	// VWAP deviation relative to direction
	vwapNet := deriv.VWAPDev
	if !isUp {
		vwapNet = -vwapNet
	}
	switch {
	case vwapNet > cfg.VWAPT2:
		score += 2
	case vwapNet > cfg.VWAPT1:
		score++
	case vwapNet < -cfg.VWAPT2:
		score -= 2
	case vwapNet < -cfg.VWAPT1:
		score--
	}

	// Previous-round continuation requires realtime corroboration.
	if prevDir != "" {
		if prevDir == direction {
			hits := 0
			if tfVotes >= 3 {
				hits++
			}
			if (isUp && taker > 0.54) || (!isUp && taker < 0.46) {
				hits++
			}
			if obSig > 0.15 {
				hits++
			}
			if hits >= 2 {
				if pctRemaining > 0.60 {
					score += 2
				} else {
					score++
				}
			}
		} else {
			score--
		}
	}

	// Cross-asset consensus
	crossConfirm := snap.CrossUp
	crossContra := snap.CrossDown
	if !isUp {
		crossConfirm, crossContra = crossContra, crossConfirm
	}
	switch {
	case crossConfirm >= 3:
		score += 2
	case crossConfirm >= 2:
		score++
	case crossContra >= 3:
		score -= 2
	case crossContra >= 2:
		score--
	}

	// BTC lead for altcoins
	if round.Asset != types.AssetBTC {
		lead := snap.BTCLeadProb
		switch {
		case (isUp && lead > cfg.BTCLeadT2) || (!isUp && lead < 1-cfg.BTCLeadT2):
			score += 2
		case (isUp && lead > cfg.BTCLeadT1) || (!isUp && lead < 1-cfg.BTCLeadT1):
			score++
		case (isUp && lead < 1-cfg.BTCLeadT1) || (!isUp && lead > cfg.BTCLeadT1):
			score--
		}
	}

	// Regime: trending boosts momentum reliability, mean-reversion damps it.
	regimeMult := 1.0
	reg := snap.Regime
	if reg.VarianceRatio > cfg.RegimeVRTrend && reg.Autocorr > cfg.RegimeACTrend {
		score++
		regimeMult = cfg.RegimeMultTrend
	} else if reg.VarianceRatio < cfg.RegimeVRMeanRev && reg.Autocorr < cfg.RegimeACMeanRev {
		score--
		regimeMult = cfg.RegimeMultMeanRev
	}

	// Oscillator confirmation (RSI + Williams %R)
	switch {
	case isUp && reg.RSI >= cfg.RSIOverbought && reg.WilliamsR >= cfg.WROverbought:
		score += 2
	case !isUp && reg.RSI <= cfg.RSIOversold && reg.WilliamsR <= cfg.WROversold:
		score += 2
	case isUp && (reg.RSI >= cfg.RSIOverbought-5 || reg.WilliamsR >= cfg.WROverbought+5):
		score++
	case !isUp && (reg.RSI <= cfg.RSIOversold+5 || reg.WilliamsR <= cfg.WROversold-5):
		score++
	}

	// Book availability: a fresh ws book is required; fresh REST is a soft
	// fallback with a penalty; nothing fresh is a hard skip.
	bookAge := snap.Book.AgeMS(now)
	bookOK := snap.Book.BestAsk > 0
	switch {
	case bookOK && snap.Book.Source == "ws" && bookAge <= s.feeds.BookSoftMaxAgeMS:
		if bookAge > s.feeds.CLOBRestFreshMS {
			score-- // soft-stale ws
		}
	case bookOK && snap.Book.Source == "clob-rest" && bookAge <= s.feeds.CLOBRestFreshMS:
		score-- // REST fallback accepted with a small penalty
	default:
		return types.Signal{}, s.skip(types.ReasonBookWSMissing)
	}

	// ── Step 4: probability synthesis ──────────────────────────────────
	upPrice := round.UpPrice
	if upPrice <= 0 || upPrice >= 1 {
		// Derive from the cheap-side book when the listing price is absent.
		upPrice = impliedUpPrice(round, snap)
		if upPrice <= 0 || upPrice >= 1 {
			return types.Signal{}, s.skip(types.ReasonTokenMissing)
		}
	}

	probUp := s.synthesizeProbUp(round, snap, current, openPrice, regimeMult, oracleAgrees)
	probUp = clamp(probUp+cfg.TieBiasUp, cfg.ProbClampMin, cfg.ProbClampMax)

	// Online calibration shrink from realized expectancy.
	shrink := s.book.ProbShrink()
	probUp = clamp(0.5+(probUp-0.5)*shrink, cfg.ProbClampMin, cfg.ProbClampMax)

	// Analysis-quality rescale: degraded data pulls the posterior to 0.5.
	qScale := cfg.QualityScaleMin + (cfg.QualityScaleMax-cfg.QualityScaleMin)*clamp(snap.Quality, 0, 1)
	probUp = clamp(0.5+(probUp-0.5)*qScale, cfg.ProbClampMin, cfg.ProbClampMax)
	probDown := 1 - probUp

	// Per-asset/side priors from on-chain resolved samples.
	upPrior := s.book.SideProfileFor(round.Asset, round.DurationMin, types.SideUp)
	downPrior := s.book.SideProfileFor(round.Asset, round.DurationMin, types.SideDown)
	if upPrior.ProbAdj != 0 || downPrior.ProbAdj != 0 {
		pu := clamp(probUp+upPrior.ProbAdj, 0.10, 0.90)
		pd := clamp(probDown+downPrior.ProbAdj, 0.10, 0.90)
		if z := pu + pd; z > 0 {
			probUp = clamp(pu/z, cfg.ProbClampMin, cfg.ProbClampMax)
			probDown = 1 - probUp
		}
	}

	edgeUp := probUp - upPrice
	edgeDown := probDown - (1 - upPrice)

	// ── Step 5: side selection ─────────────────────────────────────────
	side := direction
	trueProb := probUp
	edge := edgeUp
	if !isUp {
		trueProb, edge = probDown, edgeDown
	}
	if edge < cfg.EdgeHardBlock {
		return types.Signal{}, s.skip(types.ReasonEdgeHardBlock)
	}
	if edge < cfg.EdgeFloor {
		edge = cfg.EdgeFloor
	}

	if cfg.MaxWinMode {
		// Compare EV utility per side and take the higher one.
		feeUp := s.fee(upPrice)
		feeDown := s.fee(1 - upPrice)
		evUp := probUp/math.Max(upPrice, 1e-9) - 1 - feeUp
		evDown := probDown/math.Max(1-upPrice, 1e-9) - 1 - feeDown
		utilUp := evUp + edgeUp*cfg.UtilEdgeMult
		utilDown := evDown + edgeDown*cfg.UtilEdgeMult
		if utilUp >= utilDown {
			side, trueProb, edge = types.SideUp, probUp, edgeUp
		} else {
			side, trueProb, edge = types.SideDown, probDown, edgeDown
		}
	}

	// Leader flow: strong fresh consensus can flip the side; degraded flow
	// is only a soft penalty.
	tier := "TIER-C"
	leaderScale := cfg.LeaderNoFlowScale
	flow := snap.Flow
	flowFresh := flow.N > 0 && flow.AgeS(now) <= s.feeds.CopyFlowMaxAgeS
	if flowFresh {
		tier = "TIER-A"
		leaderScale = cfg.LeaderFreshScale
		net := flow.UpConf - flow.DownConf
		if flow.N >= cfg.LeaderFollowMinN && math.Abs(net) >= cfg.LeaderFollowMinNet {
			leaderSide := types.SideUp
			if net < 0 {
				leaderSide = types.SideDown
			}
			leaderEntry := upPrice
			if leaderSide == types.SideDown {
				leaderEntry = 1 - upPrice
			}
			if leaderEntry <= cfg.MaxEntry+cfg.MaxEntryTol+0.04 {
				if side != leaderSide {
					notes = append(notes, fmt.Sprintf("leader-follow %s->%s", side, leaderSide))
					side = leaderSide
					if side == types.SideUp {
						trueProb, edge = probUp, edgeUp
					} else {
						trueProb, edge = probDown, edgeDown
					}
				}
				score += cfg.LeaderScoreBonus
				edgeAdj += cfg.LeaderEdgeBonus
			}
		}
		pref, opp := flow.UpConf, flow.DownConf
		if side == types.SideDown {
			pref, opp = opp, pref
		}
		copyNet := pref - opp
		bonus := int(math.Round(clamp(copyNet*float64(cfg.CopyFlowBonusMax), -float64(cfg.CopyFlowBonusMax), float64(cfg.CopyFlowBonusMax))))
		score += bonus
		edgeAdj += copyNet * cfg.CopyNetEdgeMult
	} else {
		tier = "TIER-B"
	}

	// Contrarian tail: buy the cheap trailing side on an early overreaction.
	contrarian := false
	if cfg.TailEnabled && round.DurationMin >= 15 && !boosterEval {
		cheapSide := types.SideUp
		cheapEntry := upPrice
		if 1-upPrice < upPrice {
			cheapSide, cheapEntry = types.SideDown, 1-upPrice
		}
		if cheapEntry <= cfg.TailMaxEntry &&
			minsLeft >= cfg.TailMinMinsLeft &&
			movePct >= cfg.TailMinMovePct &&
			cheapSide != direction {
			side = cheapSide
			contrarian = true
			// Keep the best estimate: the reversal conviction carries the
			// directional posterior, not the cheap side's raw probability.
			if side == types.SideUp {
				trueProb, edge = math.Max(trueProb, probUp), math.Max(edge, edgeUp)
			} else {
				trueProb, edge = math.Max(trueProb, probDown), math.Max(edge, edgeDown)
			}
			notes = append(notes, "contrarian-tail")
		}
	}

	// Re-align side-dependent features after any side flip.
	isUp = side == types.SideUp
	tfVotes = upVotes
	if !isUp {
		tfVotes = downVotes
	}
	obSig = deriv.DepthImbalance
	if !isUp {
		obSig = -obSig
	}
	imbalanceConfirms = obSig > cfg.ImbalanceConfirm
	if snap.Oracle.Value > 0 {
		oracleAgrees = (snap.Oracle.Value >= openPrice) == isUp
	}
	// Side prior score/edge adjustments for the chosen side.
	prior := upPrior
	if !isUp {
		prior = downPrior
	}
	score += prior.ScoreAdj
	edgeAdj += prior.EdgeAdj

	edge += edgeAdj
	trueProb = clamp(trueProb, cfg.ProbClampMin, cfg.ProbClampMax)

	// 5m rounds with both a direction conflict and a feed divergence are
	// noise, not signal.
	if round.DurationMin <= 5 && conflict && divergencePenalized {
		return types.Signal{}, s.skip(types.ReasonConflictDivergence)
	}

	// Booster legs: stricter thresholds, same side only, per-cid cap,
	// post-loss-streak lock.
	if boosterEval {
		if reason := s.boosterGate(round, side, boosterSide, score, trueProb, edge, minsLeft, now); reason != types.ReasonNone {
			return types.Signal{}, s.skip(reason)
		}
	}

	// ── Step 6 & 7: EV and entry/payout gates ──────────────────────────
	entrySide := upPrice
	if !isUp {
		entrySide = 1 - upPrice
	}
	liveEntry := entrySide
	if ask := sideAsk(round, snap, side); ask > 0 {
		liveEntry = ask
	}

	if trueProb < cfg.MinTrueProb(round.DurationMin) && !s.highPayoutBypass(liveEntry, score, edge, trueProb) {
		return types.Signal{}, s.skip(types.ReasonProbBelowGate)
	}

	minScore := cfg.MinScore(round.DurationMin)
	recent := s.book.RecentResults(3)
	if len(recent) >= 3 {
		wins := 0
		for _, w := range recent {
			if w {
				wins++
			}
		}
		if wins < 2 {
			minScore += cfg.Rolling3Pen
		}
	}
	if crossConfirm >= cfg.CrossConsensusMin && round.DurationMin >= 15 {
		if minScore > 4 {
			minScore -= 2
			if minScore < 4 {
				minScore = 4
			}
		}
	}
	if score < minScore {
		return types.Signal{}, s.skip(types.ReasonScoreBelowGate)
	}

	maxEntry := cfg.MaxEntry + cfg.MaxEntryTol
	minEVReq := cfg.MinEVNet(round.DurationMin)
	// Model-consistent cap: strong conviction may pay more as long as EV
	// after fees stays positive.
	if score >= 9 {
		modelCap := trueProb / (1 + s.fee(liveEntry) + math.Max(0.003, minEVReq))
		if modelCap > maxEntry {
			maxEntry = math.Min(0.85, modelCap)
		}
	}
	if round.DurationMin >= 15 {
		hardCap := cfg.EntryHardCap15m
		if trueProb >= 0.72 && score >= 14 && edge >= 0.14 {
			hardCap += 0.02
		}
		maxEntry = math.Min(maxEntry, hardCap)
	}
	minEntry := 0.01
	if round.DurationMin >= 15 {
		minEntry = cfg.MinEntry15m
	}

	useLimit := false
	entry := liveEntry
	if entry < minEntry || entry > maxEntry {
		if cfg.PullbackEnabled && pctRemaining >= cfg.PullbackMinPctLeft && entry > maxEntry {
			// Park a pullback limit at the max acceptable entry instead of
			// missing the setup entirely.
			useLimit = true
			entry = maxEntry
		} else {
			return types.Signal{}, s.skip(types.ReasonEntryOutside)
		}
	}

	minPayout := cfg.MinPayout(round.DurationMin)
	if cfg.ForceTradeEveryRound {
		if cap := cfg.RoundForcePayoutCap; cap > 1 && minPayout > cap {
			minPayout = cap
		}
	}
	// Late-window locked-direction relax: when the move is already in and we
	// are betting with it, the realized win rate supports a lower payout.
	if round.DurationMin >= 15 && pctRemaining <= 0.45 && movePct >= cfg.TailMinMovePct {
		moveSide := types.SideDown
		if current >= openPrice {
			moveSide = types.SideUp
		}
		if side == moveSide && minPayout > 1.65 {
			minPayout = 1.65
		}
	}
	payout := 1 / math.Max(entry, 1e-9)
	if payout < minPayout {
		if payout < minPayout-cfg.PayoutNearMissTol {
			return types.Signal{}, s.skip(types.ReasonPayoutBelow)
		}
		notes = append(notes, fmt.Sprintf("payout-near-miss %.2fx", payout))
	}

	fee := s.fee(entry)
	evNet := trueProb/math.Max(entry, 1e-9) - 1 - fee
	slipCost, noFillPen, fillRatio := s.book.ExecutionPenalties(round.DurationMin, score, entry)
	executionEV := evNet - slipCost - noFillPen
	if executionEV < minEVReq {
		return types.Signal{}, s.skip(types.ReasonEVBelow)
	}
	_ = fillRatio

	// Booster legs carry their own EV and entry ceilings on top of the
	// general gates.
	if boosterEval && (entry > cfg.BoosterMaxEntry || executionEV < cfg.BoosterMinEV) {
		return types.Signal{}, s.skip(types.ReasonBoosterWeak)
	}

	// Entry-aware probability frontier: sub-2x entries demand posterior
	// strength beyond break-even plus a safety margin.
	if round.DurationMin >= 15 {
		reqProb := entry*(1+fee) + cfg.EVFrontierMargin + math.Max(0, entry-0.50)*cfg.EVFrontierHighAdd
		if trueProb+1e-9 < reqProb {
			return types.Signal{}, s.skip(types.ReasonEVFrontier)
		}
	}

	// ── Step 8: sizing ─────────────────────────────────────────────────
	sized := s.size(sizeInputs{
		round:       round,
		side:        side,
		entry:       entry,
		trueProb:    trueProb,
		edge:        edge,
		score:       score,
		executionEV: executionEV,
		minsLeft:    minsLeft,
		volMult:     deriv.VolMult,
		regimeMult:  regimeMult,
		leaderScale: leaderScale,
		oracleOK:    oracleAgrees,
		oracleAgeS:  oracleAge,
		contrarian:  contrarian,
		booster:     boosterEval,
		port:        port,
		now:         now,
	})
	if sized < s.sizing.MinExecNotionalUSDC {
		return types.Signal{}, s.skip(types.ReasonSizeBelowMin)
	}

	// ── Step 9: execution mode ─────────────────────────────────────────
	mode := types.ModeMaker
	secondsLeft := minsLeft * 60
	forceTaker := !useLimit && ((score >= cfg.ForceTakerScore && veryStrongMom && imbalanceConfirms && movePct > cfg.ForceTakerMoveMin) ||
		(score >= cfg.ForceTakerScore && earlyContinuation))
	switch {
	case useLimit:
		mode = types.ModeLimitGTC
	case secondsLeft <= cfg.FastTakerNearEndS:
		mode = types.ModeTakerFOK
	case forceTaker:
		mode = types.ModeTakerFOK
	}

	tokenID := round.Token(side)
	if tokenID == "" {
		return types.Signal{}, s.skip(types.ReasonTokenMissing)
	}

	if boosterEval {
		tier += "+BOOST"
	}

	return types.Signal{
		CID:             round.ConditionID,
		Asset:           round.Asset,
		DurationMin:     round.DurationMin,
		Side:            side,
		TokenID:         tokenID,
		StartTs:         round.StartTs,
		EndTs:           round.EndTs,
		Score:           score,
		TrueProb:        trueProb,
		Edge:            edge,
		Entry:           entry,
		NotionalUSDC:    sized,
		Mode:            mode,
		Tier:            tier,
		MaxEntryAllowed: maxEntry,
		PayoutMult:      payout,
		EVNet:           evNet,
		ExecutionEV:     executionEV,
		Quality:         snap.Quality,
		Booster:         boosterEval,
		Contrarian:      contrarian,
		OpenPrice:       openPrice,
		OpenSource:      snap.OpenSource,
		OracleAgeS:      oracleAge,
		QuoteAgeMS:      quoteAge,
		BookAgeMS:       bookAge,
		Notes:           notes,
	}, types.ReasonNone
}

// boosterGate applies the stricter add-on thresholds.
func (s *Scorer) boosterGate(round types.Round, side, lockedSide types.MarketSide, score int, trueProb, edge, minsLeft float64, now time.Time) types.Reason {
	cfg := s.cfg
	if s.book.BoosterLocked(now) {
		return types.ReasonBoosterLocked
	}
	if round.DurationMin != 15 || side != lockedSide {
		return types.ReasonBoosterWeak
	}
	s.mu.Lock()
	used := s.boosterUsed[round.ConditionID]
	s.mu.Unlock()
	if used >= cfg.BoosterMaxPerCID {
		return types.ReasonBoosterUsedUp
	}
	if minsLeft < cfg.BoosterMinLeftMins {
		return types.ReasonBoosterWeak
	}
	if score < cfg.BoosterMinScore || trueProb < cfg.BoosterMinProb || edge < cfg.BoosterMinEdge {
		return types.ReasonBoosterWeak
	}
	return types.ReasonNone
}

func (s *Scorer) highPayoutBypass(entry float64, score int, edge, trueProb float64) bool {
	payout := 1 / math.Max(entry, 1e-9)
	return payout >= 8.0 && score >= 12 && edge >= 0.06 && trueProb >= 0.42
}

// fee is the venue fee model: p·(1−p)·fee_coeff with a small floor.
func (s *Scorer) fee(p float64) float64 {
	return math.Max(0.001, p*(1-p)*s.cfg.FeeCoeff)
}

// synthesizeProbUp combines the independent signals into a log-likelihood
// ratio and squashes through a logistic.
func (s *Scorer) synthesizeProbUp(round types.Round, snap types.Snapshot, current, openPrice, regimeMult float64, oracleAgrees bool) float64 {
	cfg := s.cfg
	annVol := snap.Regime.AnnVol
	if annVol <= 0 {
		annVol = 0.70
	}
	sigmaWindow := annVol * math.Sqrt(float64(round.DurationMin)/(252*390))

	llr := 0.0
	if openPrice > 0 && sigmaWindow > 0 {
		llr += (current - openPrice) / openPrice / sigmaWindow * cfg.LLRPriceMult
	}
	if snap.Momentum.EMA60 > 0 {
		llr += (snap.Momentum.EMA5/snap.Momentum.EMA60 - 1) * cfg.LLREMAMult
	}
	if snap.Momentum.KalReady {
		perSec := math.Max(annVol/math.Sqrt(252*24*3600)*current, 1e-9)
		llr += snap.Momentum.KalVel / perSec * cfg.LLRKalmanMult
	}
	llr += snap.Deriv.DepthImbalance * cfg.LLROBMult
	llr += (snap.Deriv.TakerRatio - 0.5) * cfg.LLRTakerMult
	if b := snap.Deriv.PerpBasis; math.Abs(b) > 1e-7 {
		llr += math.Copysign(math.Min(math.Abs(b)*cfg.LLRPerpMult, cfg.LLRPerpCap), b)
	}
	if snap.Oracle.Value > 0 {
		if snap.Oracle.Value >= openPrice {
			llr += cfg.LLRCLAgree
		} else {
			llr -= cfg.LLRCLDisagree
		}
	}
	if round.Asset != types.AssetBTC {
		llr += (snap.BTCLeadProb - 0.5) * cfg.LLRBTCLead
	}
	llr *= regimeMult
	llr = clamp(llr, -cfg.LLRClamp, cfg.LLRClamp)

	return 1.0 / (1.0 + math.Exp(-llr))
}

func votes(m types.MomentumView, thresh float64, up bool) int {
	n := 0
	for _, p := range []float64{m.Prob5s, m.Prob30s, m.Prob180s, m.KalmanP} {
		if up && p > thresh {
			n++
		}
		if !up && p < thresh {
			n++
		}
	}
	return n
}

func prevWindowDir(snap types.Snapshot, moveMin float64) types.MarketSide {
	if snap.PrevOpen <= 0 || snap.OpenPrice <= 0 {
		return ""
	}
	diff := (snap.OpenPrice - snap.PrevOpen) / snap.PrevOpen
	switch {
	case diff > moveMin:
		return types.SideUp
	case diff < -moveMin:
		return types.SideDown
	}
	return ""
}

// sideAsk returns the live best ask for the chosen side's token from the
// snapshot books, 0 when unavailable.
func sideAsk(round types.Round, snap types.Snapshot, side types.MarketSide) float64 {
	token := round.Token(side)
	if snap.Book.TokenID == token && snap.Book.BestAsk > 0 {
		return snap.Book.BestAsk
	}
	if snap.OppBook.TokenID == token && snap.OppBook.BestAsk > 0 {
		return snap.OppBook.BestAsk
	}
	// Synthetic: the other token's bid implies this side's ask.
	if snap.Book.TokenID == roundOtherToken(round, token) && snap.Book.BestBid > 0 {
		return 1 - snap.Book.BestBid
	}
	return 0
}

func roundOtherToken(round types.Round, token string) string {
	if round.TokenUp == token {
		return round.TokenDown
	}
	return round.TokenUp
}

func impliedUpPrice(round types.Round, snap types.Snapshot) float64 {
	if snap.Book.TokenID == round.TokenUp && snap.Book.BestAsk > 0 {
		return snap.Book.BestAsk
	}
	if snap.Book.TokenID == round.TokenDown && snap.Book.BestAsk > 0 {
		return 1 - snap.Book.BestAsk
	}
	return 0
}

func fingerprint(cid string, booster bool, snap types.Snapshot) string {
	b := byte('0')
	if booster {
		b = '1'
	}
	return fmt.Sprintf("%s|%c|%.2f|%.6f|%.6f|%.3f|%d",
		cid, b, snap.Quality, snap.Spot.Value, snap.Oracle.Value, snap.Book.BestAsk, snap.Flow.N)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
