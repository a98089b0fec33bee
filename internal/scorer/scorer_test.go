package scorer

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"updown-bot/internal/config"
	"updown-bot/internal/stats"
	"updown-bot/pkg/types"
)

const testYAML = `
dry_run: true
wallet:
  private_key: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
  chain_id: 137
api:
  clob_base_url: "https://clob.example.com"
  gamma_base_url: "https://gamma.example.com"
  data_base_url: "https://data.example.com"
chain:
  rpc_endpoints: ["https://rpc.example.com"]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newTestScorer(t *testing.T) (*Scorer, *stats.Book) {
	t.Helper()
	cfg := testConfig(t)
	book := stats.NewBook(cfg.Scorer.ColdSlipBps, cfg.Scorer.ColdNoFillPct, cfg.Scorer.BucketMinSamples)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg.Scorer, cfg.Sizing, cfg.Feeds, book, logger), book
}

func testPortfolio(bankroll float64) types.PortfolioView {
	return types.PortfolioView{
		Ts:         time.Now(),
		WalletUSDC: bankroll,
		Open:       map[string]types.Position{},
		SideStake:  map[types.MarketSide]float64{},
	}
}

// uptrendRound/uptrendSnapshot build the S1 scenario: clear uptrend, fresh
// data, 15m round, mid-window.
func uptrendRound(now time.Time) types.Round {
	start := now.Add(-510 * time.Second) // 8.5 min elapsed, 6.5 left
	return types.Round{
		ConditionID: "0xround1",
		Asset:       types.AssetBTC,
		DurationMin: 15,
		Question:    "Bitcoin Up or Down",
		StartTs:     start,
		EndTs:       start.Add(15 * time.Minute),
		TokenUp:     "tokUP",
		TokenDown:   "tokDN",
		UpPrice:     0.57,
		TickSize:    types.Tick001,
	}
}

func uptrendSnapshot(now time.Time) types.Snapshot {
	return types.Snapshot{
		Taken:      now,
		Asset:      types.AssetBTC,
		Spot:       types.PriceView{Value: 60180, Ts: now.Add(-400 * time.Millisecond)},
		Oracle:     types.PriceView{Value: 60170, Ts: now.Add(-12 * time.Second)},
		OpenPrice:  60000,
		OpenSource: "CL-exact",
		PrevOpen:   59900,
		Book: types.BookView{
			TokenID: "tokUP", BestBid: 0.56, BestAsk: 0.58,
			Asks:     []types.Level{{Price: 0.58, Size: 900}},
			TickSize: 0.01, Ts: now.Add(-600 * time.Millisecond), Source: "ws",
		},
		OppBook: types.BookView{
			TokenID: "tokDN", BestBid: 0.41, BestAsk: 0.43,
			TickSize: 0.01, Ts: now.Add(-700 * time.Millisecond), Source: "ws",
		},
		Flow: types.FlowView{UpConf: 0.62, DownConf: 0.12, N: 40, AvgEntry: 0.52, Ts: now.Add(-8 * time.Second)},
		Momentum: types.MomentumView{
			Prob5s: 0.72, Prob30s: 0.70, Prob180s: 0.66, KalmanP: 0.68,
			EMA5: 60170, EMA60: 60080, KalVel: 0.9, KalReady: true,
		},
		Deriv: types.DerivView{
			DepthImbalance: 0.35, TakerRatio: 0.63, VolRatio: 1.9,
			PerpBasis: 0.0015, FundingRate: 0.0001, VWAPDev: 0.0018,
			VolMult: 1.1, OFI: 0.4, OIDelta: 0.004, LSRatio: 1.4,
			LiqUpUSD: 60000, LiqDownUSD: 4000,
			Ready: true, Ts: now,
		},
		Regime: types.RegimeView{
			VarianceRatio: 1.25, Autocorr: 0.10, RSI: 68, WilliamsR: -12, AnnVol: 0.60,
		},
		CrossUp:     3,
		CrossDown:   0,
		BTCLeadProb: 0.5,
		Quality:     1.0,
	}
}

// S1 — clear uptrend, fresh data: accepted Up FOK with strong score and
// 2–4% of bankroll notional.
func TestScoreS1ClearUptrend(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	round := uptrendRound(now)
	snap := uptrendSnapshot(now)
	port := testPortfolio(1000)

	sig, reason := sc.Score(round, snap, port)
	require.Equal(t, types.ReasonNone, reason)

	require.Equal(t, types.SideUp, sig.Side)
	require.GreaterOrEqual(t, sig.Score, 12)
	require.GreaterOrEqual(t, sig.TrueProb, 0.60)
	require.InDelta(t, 0.58, sig.Entry, 0.011)
	require.Equal(t, types.ModeTakerFOK, sig.Mode)
	require.GreaterOrEqual(t, sig.NotionalUSDC, 0.02*port.Bankroll())
	require.LessOrEqual(t, sig.NotionalUSDC, 0.04*port.Bankroll()+1e-9)

	// §8 invariants on every accepted signal
	require.Greater(t, sig.Entry, 0.0)
	require.Less(t, sig.Entry, 1.0)
	require.Greater(t, sig.TrueProb, 0.0)
	require.Less(t, sig.TrueProb, 1.0)
	require.GreaterOrEqual(t, sig.PayoutMult, 1.72-0.06-1e-9)
	fee := sig.Entry * (1 - sig.Entry) * 0.0624
	require.InDelta(t, sig.TrueProb/sig.Entry-1-fee, sig.EVNet, 1e-9)
	require.Equal(t, "tokUP", sig.TokenID)
}

// S2 — flat market, weak signal: rejected below the score gate.
func TestScoreS2FlatMarket(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	round := uptrendRound(now)
	round.ConditionID = "0xround2"
	round.UpPrice = 0.52

	snap := uptrendSnapshot(now)
	snap.Spot = types.PriceView{Value: 3000.2, Ts: now.Add(-300 * time.Millisecond)}
	snap.Oracle = types.PriceView{Value: 3000.1, Ts: now.Add(-10 * time.Second)}
	snap.OpenPrice = 3000
	snap.Momentum = types.MomentumView{Prob5s: 0.56, Prob30s: 0.52, Prob180s: 0.49, KalmanP: 0.50, EMA5: 3000.1, EMA60: 3000.0, KalReady: true}
	snap.Deriv.DepthImbalance = 0.05
	snap.Deriv.TakerRatio = 0.51
	snap.Deriv.VolRatio = 0.9
	snap.Deriv.PerpBasis = 0
	snap.Deriv.VWAPDev = 0
	snap.Deriv.LiqUpUSD = 0
	snap.Deriv.LiqDownUSD = 0
	snap.Deriv.OIDelta = 0
	snap.Regime = types.RegimeView{VarianceRatio: 1.0, Autocorr: 0, RSI: 52, WilliamsR: -48, AnnVol: 0.6}
	snap.CrossUp, snap.CrossDown = 1, 1
	snap.Flow = types.FlowView{}

	_, reason := sc.Score(round, snap, testPortfolio(1000))
	require.Contains(t, []types.Reason{
		types.ReasonScoreBelowGate, types.ReasonProbBelowGate,
		types.ReasonEVBelow, types.ReasonEVFrontier,
	}, reason)
}

// S3 — strong contrarian tail: cheap side bought against the move with the
// contrarian size multiplier and maker execution.
func TestScoreS3ContrarianTail(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()

	start := now.Add(-7 * time.Minute)
	round := types.Round{
		ConditionID: "0xround3",
		Asset:       types.AssetBTC,
		DurationMin: 15,
		StartTs:     start,
		EndTs:       start.Add(15 * time.Minute), // 8 min remaining
		TokenUp:     "tokUP",
		TokenDown:   "tokDN",
		UpPrice:     0.78, // Down is the cheap side at 0.22
		TickSize:    types.Tick001,
	}

	snap := uptrendSnapshot(now)
	// Price moved up 0.12% (against the cheap Down side).
	snap.Spot = types.PriceView{Value: 60072, Ts: now.Add(-300 * time.Millisecond)}
	snap.Oracle = types.PriceView{Value: 60070, Ts: now.Add(-9 * time.Second)}
	snap.OpenPrice = 60000
	snap.Book = types.BookView{
		TokenID: "tokDN", BestBid: 0.20, BestAsk: 0.22,
		TickSize: 0.01, Ts: now.Add(-500 * time.Millisecond), Source: "ws",
	}
	snap.OppBook = types.BookView{
		TokenID: "tokUP", BestBid: 0.77, BestAsk: 0.79,
		TickSize: 0.01, Ts: now.Add(-500 * time.Millisecond), Source: "ws",
	}

	sig, reason := sc.Score(round, snap, testPortfolio(1000))
	require.Equal(t, types.ReasonNone, reason)
	require.Equal(t, types.SideDown, sig.Side, "contrarian tail buys the cheap trailing side")
	require.True(t, sig.Contrarian)
	require.Equal(t, types.ModeMaker, sig.Mode)
	require.Equal(t, "tokDN", sig.TokenID)
}

// S4 — stale oracle beyond the hard skip age.
func TestScoreS4StaleOracle(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	round := uptrendRound(now)
	round.ConditionID = "0xround4"
	snap := uptrendSnapshot(now)
	snap.Oracle = types.PriceView{Value: 60170, Ts: now.Add(-95 * time.Second)}

	_, reason := sc.Score(round, snap, testPortfolio(1000))
	require.Equal(t, types.ReasonOracleTooOld, reason)
}

// Duplicate-cid dedup: once marked seen (without an open core position), a
// cid cannot be scored again.
func TestScoreDuplicateCID(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	round := uptrendRound(now)
	snap := uptrendSnapshot(now)

	sc.MarkSeen(round.ConditionID)
	_, reason := sc.Score(round, snap, testPortfolio(1000))
	require.Equal(t, types.ReasonDuplicateCID, reason)
}

// Missing open price blocks scoring entirely.
func TestScoreNoOpenPrice(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	round := uptrendRound(now)
	round.ConditionID = "0xround5"
	snap := uptrendSnapshot(now)
	snap.OpenPrice = 0

	_, reason := sc.Score(round, snap, testPortfolio(1000))
	require.Equal(t, types.ReasonNoOpenPrice, reason)
}

// Too little window remaining rejects before any pricing work.
func TestScoreWindowTooLate(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	start := now.Add(-890 * time.Second)
	round := uptrendRound(now)
	round.ConditionID = "0xround6"
	round.StartTs = start
	round.EndTs = start.Add(15 * time.Minute) // ~10s left

	_, reason := sc.Score(round, uptrendSnapshot(now), testPortfolio(1000))
	require.Equal(t, types.ReasonWindowTooLate, reason)
}

// Missing derivatives cache is a volume_missing skip.
func TestScoreVolumeMissing(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	round := uptrendRound(now)
	round.ConditionID = "0xround7"
	snap := uptrendSnapshot(now)
	snap.Deriv.Ready = false

	_, reason := sc.Score(round, snap, testPortfolio(1000))
	require.Equal(t, types.ReasonVolumeMissing, reason)
}

// Extreme opposite book imbalance is a hard block.
func TestScoreOBHardBlock(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	round := uptrendRound(now)
	round.ConditionID = "0xround8"
	snap := uptrendSnapshot(now)
	snap.Deriv.DepthImbalance = -0.60 // strongly contra the Up direction

	_, reason := sc.Score(round, snap, testPortfolio(1000))
	require.Equal(t, types.ReasonOBHardBlock, reason)
}

// Near-expiry forces FOK with no maker attempt (5m round, 60s left).
func TestScoreNearExpiryForcesFOK(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	start := now.Add(-4 * time.Minute)
	round := uptrendRound(now)
	round.ConditionID = "0xround9"
	round.DurationMin = 5
	round.StartTs = start
	round.EndTs = start.Add(5 * time.Minute) // 60s left

	snap := uptrendSnapshot(now)
	sig, reason := sc.Score(round, snap, testPortfolio(1000))
	require.Equal(t, types.ReasonNone, reason)
	require.Equal(t, types.ModeTakerFOK, sig.Mode)
}

// Reference == current: direction defaults Up (resolution rule is >=).
func TestScoreTieBreaksUp(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	round := uptrendRound(now)
	round.ConditionID = "0xround10"
	round.UpPrice = 0.50

	snap := uptrendSnapshot(now)
	snap.Spot = types.PriceView{Value: 60000, Ts: now.Add(-300 * time.Millisecond)}
	snap.Oracle = types.PriceView{Value: 60000, Ts: now.Add(-5 * time.Second)}
	snap.OpenPrice = 60000
	snap.Momentum = types.MomentumView{Prob5s: 0.5, Prob30s: 0.5, Prob180s: 0.5, KalmanP: 0.5, EMA5: 60000, EMA60: 60000, KalReady: true}

	sig, reason := sc.Score(round, snap, testPortfolio(1000))
	if reason == types.ReasonNone {
		require.Equal(t, types.SideUp, sig.Side)
	}
	// Even when gated out, the tie-break must not have produced a Down
	// signal; reaching here without panic plus the assertion above covers
	// the observable contract.
	_ = sig
}

// Skip reasons are recorded into the rolling window.
func TestSkipDiagnosticsWindow(t *testing.T) {
	sc, _ := newTestScorer(t)
	now := time.Now()
	round := uptrendRound(now)
	round.ConditionID = "0xround11"
	snap := uptrendSnapshot(now)
	snap.OpenPrice = 0

	_, _ = sc.Score(round, snap, testPortfolio(1000))
	counts := sc.SkipCounts(time.Minute)
	require.Equal(t, 1, counts[types.ReasonNoOpenPrice])
}
