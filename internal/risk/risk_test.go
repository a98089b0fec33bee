package risk

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"updown-bot/internal/config"
	"updown-bot/internal/stats"
	"updown-bot/pkg/types"
)

func riskCfg() config.RiskConfig {
	return config.RiskConfig{
		SyncInterval:      2 * time.Second,
		MaxOpenPositions:  4,
		MaxSidePct:        0.30,
		MaxSidePctChoppy:  0.18,
		MaxCidPct:         0.06,
		PresenceThreshold: 0.25,
		PruneCycles:       3,
		PruneGrace:        time.Millisecond, // immediate for tests
	}
}

func openView(bankroll float64, positions ...types.Position) types.PortfolioView {
	open := map[string]types.Position{}
	sideStake := map[types.MarketSide]float64{}
	for _, p := range positions {
		open[p.CID] = p
		sideStake[p.Side] += p.CostUSDC
	}
	return types.PortfolioView{
		WalletUSDC: bankroll,
		Open:       open,
		SideStake:  sideStake,
	}
}

func candidate(cid string, side types.MarketSide, notional float64) types.Signal {
	start := time.Unix(1_700_000_000, 0)
	return types.Signal{
		CID: cid, Asset: types.AssetBTC, DurationMin: 15, Side: side,
		StartTs: start, EndTs: start.Add(15 * time.Minute),
		NotionalUSDC: notional, Score: 14, TrueProb: 0.65, Entry: 0.5,
	}
}

// S5 — opposite side on the same cid is always blocked, regardless of score.
func TestOppositeSideSameCIDBlocked(t *testing.T) {
	t.Parallel()

	c := NewChecker(riskCfg())
	held := types.Position{CID: "0xX", Side: types.SideUp, CostUSDC: 10}
	view := openView(1000, held)

	reason := c.Check(candidate("0xX", types.SideDown, 20), view, 0, false)
	require.Equal(t, types.ReasonOppositeSameCID, reason)
}

func TestOppositeSideSameRoundFingerprint(t *testing.T) {
	t.Parallel()

	c := NewChecker(riskCfg())
	start := time.Unix(1_700_000_000, 0)
	held := types.Position{
		CID: "0xOLD", Asset: types.AssetBTC, DurationMin: 15, Side: types.SideUp,
		StartTs: start, EndTs: start.Add(15 * time.Minute), CostUSDC: 10,
	}
	view := openView(1000, held)

	// Different cid, same exact slot, opposite side.
	reason := c.Check(candidate("0xNEW", types.SideDown, 20), view, 0, false)
	require.Equal(t, types.ReasonOppositeSameRound, reason)

	// Same side on the same round is allowed by this rule.
	reason = c.Check(candidate("0xNEW", types.SideUp, 20), view, 0, false)
	require.Equal(t, types.ReasonNone, reason)
}

func TestMaxOpenPositions(t *testing.T) {
	t.Parallel()

	c := NewChecker(riskCfg())
	positions := make([]types.Position, 4)
	for i := range positions {
		positions[i] = types.Position{
			CID: string(rune('a' + i)), Side: types.SideUp, CostUSDC: 5,
			Asset: types.AssetETH, DurationMin: 5,
		}
	}
	view := openView(1000, positions...)

	reason := c.Check(candidate("0xNEW", types.SideUp, 10), view, 0, false)
	require.Equal(t, types.ReasonMaxOpenPositions, reason)
}

func TestSideCapTighterWhenChoppy(t *testing.T) {
	t.Parallel()

	c := NewChecker(riskCfg())
	held := types.Position{
		CID: "0xA", Asset: types.AssetETH, DurationMin: 5, Side: types.SideUp, CostUSDC: 150,
	}
	view := openView(1000, held)

	sig := candidate("0xNEW", types.SideUp, 50) // side total 200 = 20%
	require.Equal(t, types.ReasonNone, c.Check(sig, view, 0, false))
	require.Equal(t, types.ReasonSideCapExceeded, c.Check(sig, view, 0, true))
}

func TestCidCap(t *testing.T) {
	t.Parallel()

	c := NewChecker(riskCfg())
	view := openView(1000)
	// 6% of 1000 = 60 max per cid.
	require.Equal(t, types.ReasonCidCapExceeded, c.Check(candidate("0xA", types.SideUp, 61), view, 0, false))
	require.Equal(t, types.ReasonNone, c.Check(candidate("0xA", types.SideUp, 59), view, 0, false))
}

func TestReservedBankrollGuards(t *testing.T) {
	t.Parallel()

	c := NewChecker(riskCfg())
	view := openView(100)
	sig := candidate("0xA", types.SideUp, 6)
	require.Equal(t, types.ReasonNone, c.Check(sig, view, 0, false))
	require.Equal(t, types.ReasonBankrollCap, c.Check(sig, view, 95, false))
}

// ——— Reconciler ————————————————————————————————————————————————————————

type fakePositions struct {
	rows []types.APIPosition
}

func (f *fakePositions) Positions(ctx context.Context, wallet string) ([]types.APIPosition, error) {
	return f.rows, nil
}

type fakeRounds struct{}

func (fakeRounds) LookupOrFetch(ctx context.Context, cid string) (types.Round, bool) {
	start := time.Unix(1_700_000_000, 0)
	return types.Round{
		ConditionID: cid, Asset: types.AssetBTC, DurationMin: 15,
		StartTs: start, EndTs: start.Add(15 * time.Minute),
	}, true
}

type memBaseline struct {
	v  float64
	ok bool
}

func (m *memBaseline) LoadBaseline() (float64, bool, error) { return m.v, m.ok, nil }
func (m *memBaseline) SaveBaseline(v float64) error         { m.v, m.ok = v, true; return nil }

func newRecon(pos *fakePositions, wallet float64) *Reconciler {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	book := stats.NewBook(60, 0.12, 8)
	return NewReconciler(riskCfg(), "0xwallet", pos, fakeRounds{}, func(ctx context.Context) (float64, error) {
		return wallet, nil
	}, &memBaseline{}, book, logger)
}

// Post-reconcile accounting identity:
// wallet + open mark value + settling ≈ total equity.
func TestCycleEquityIdentity(t *testing.T) {
	t.Parallel()

	pos := &fakePositions{rows: []types.APIPosition{
		{ConditionID: "0xA", Outcome: "Up", Size: 100, AvgPrice: 0.5, CurrentValue: 58},
		{ConditionID: "0xB", Outcome: "Down", Size: 40, AvgPrice: 0.3, CurrentValue: 10},
		{ConditionID: "0xC", Outcome: "Up", CurrentValue: 4.2, Redeemable: true},
	}}
	r := newRecon(pos, 500)
	require.NoError(t, r.Cycle(context.Background()))

	v := r.View()
	require.Len(t, v.Open, 2)
	require.InDelta(t, 50+12, v.OpenStake, 1e-9)
	require.InDelta(t, 68, v.OpenMarkValue, 1e-9)
	require.InDelta(t, 4.2, v.SettlingClaim, 1e-9)
	require.InDelta(t, 500+68+4.2, v.TotalEquity, 1e-9)
	require.InDelta(t, v.WalletUSDC+v.OpenMarkValue+v.SettlingClaim, v.TotalEquity, 1e-6)

	// Metadata derived via the round cache.
	require.Equal(t, types.AssetBTC, v.Open["0xA"].Asset)
	require.Equal(t, 15, v.Open["0xA"].DurationMin)
}

func TestBaselineLockedOnce(t *testing.T) {
	t.Parallel()

	pos := &fakePositions{}
	r := newRecon(pos, 500)
	require.NoError(t, r.Cycle(context.Background()))
	first := r.View().Baseline
	require.InDelta(t, 500, first, 1e-9)

	// Equity moves; baseline must not.
	pos.rows = []types.APIPosition{{ConditionID: "0xA", Outcome: "Up", Size: 10, AvgPrice: 0.5, CurrentValue: 8}}
	require.NoError(t, r.Cycle(context.Background()))
	require.InDelta(t, first, r.View().Baseline, 1e-9)
}

// A local fill shows up in exposure immediately and is pruned once absent
// on-chain for PruneCycles cycles past the grace window.
func TestLocalFillMergeAndPrune(t *testing.T) {
	t.Parallel()

	pos := &fakePositions{}
	r := newRecon(pos, 500)

	r.AddLocalFill(types.Position{
		CID: "0xLOCAL", Side: types.SideUp, Shares: 10, CostUSDC: 5,
		Asset: types.AssetBTC, DurationMin: 15,
	})
	require.NoError(t, r.Cycle(context.Background()))
	require.Contains(t, r.View().Open, "0xLOCAL")

	// Grace is 1ms in tests; three absent cycles prune the ghost.
	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Cycle(context.Background()))
	}
	require.NotContains(t, r.View().Open, "0xLOCAL")
}

// Once the indexer reports the cid, the local pending entry retires.
func TestLocalFillRetiredByIndexer(t *testing.T) {
	t.Parallel()

	pos := &fakePositions{}
	r := newRecon(pos, 500)
	r.AddLocalFill(types.Position{CID: "0xA", Side: types.SideUp, Shares: 10, CostUSDC: 5})

	pos.rows = []types.APIPosition{{ConditionID: "0xA", Outcome: "Up", Size: 10, AvgPrice: 0.5, CurrentValue: 5.5}}
	require.NoError(t, r.Cycle(context.Background()))

	v := r.View()
	require.Contains(t, v.Open, "0xA")
	require.InDelta(t, 5.5, v.Open["0xA"].ValueNowUSDC, 1e-9, "indexer view wins over local cost marking")
}
