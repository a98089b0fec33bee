package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"updown-bot/pkg/types"
)

func outcome(win bool, pnl, stake float64) Outcome {
	return Outcome{
		Asset: types.AssetBTC, DurationMin: 15, Side: types.SideUp,
		Win: win, PnL: pnl, Stake: stake, Entry: 0.45, Score: 10,
		Ts: time.Now(),
	}
}

func TestColdStartDefaults(t *testing.T) {
	t.Parallel()

	b := NewBook(60, 0.12, 8)
	slip, noFill, fillRatio := b.ExecutionPenalties(15, 10, 0.45)
	require.InDelta(t, 0.006, slip, 1e-9)
	require.InDelta(t, 0.006, noFill, 1e-9)
	require.InDelta(t, 0.88, fillRatio, 1e-9)
	require.Equal(t, 1.0, b.ProbShrink())
	require.Equal(t, 1.0, b.WRScale())
	require.Equal(t, 1.0, b.BucketSizeScale(15, 10, 0.45))
}

func TestExecutionPenaltiesFromSamples(t *testing.T) {
	t.Parallel()

	b := NewBook(60, 0.12, 4)
	for i := 0; i < 8; i++ {
		b.RecordAttempt(15, 10, 0.45)
	}
	for i := 0; i < 6; i++ {
		b.RecordFill(15, 10, 0.45, 40) // 40 bps each
	}
	for i := 0; i < 2; i++ {
		b.RecordNoFill(15, 10, 0.45)
	}

	slip, noFill, fillRatio := b.ExecutionPenalties(15, 10, 0.45)
	require.InDelta(t, 0.004, slip, 1e-9)    // 40 bps mean
	require.InDelta(t, 0.75, fillRatio, 1e-9) // 6/8
	require.InDelta(t, 0.0125, noFill, 1e-9)  // (1-0.75)*0.05
}

func TestProbShrinkDegradesOnLosses(t *testing.T) {
	t.Parallel()

	b := NewBook(60, 0.12, 8)
	for i := 0; i < 15; i++ {
		b.RecordOutcome(outcome(false, -10, 10))
	}
	shrink := b.ProbShrink()
	require.Less(t, shrink, 1.0)
	require.GreaterOrEqual(t, shrink, 0.55)
}

func TestLossStreakAndWRScale(t *testing.T) {
	t.Parallel()

	b := NewBook(60, 0.12, 8)
	for i := 0; i < 6; i++ {
		b.RecordOutcome(outcome(true, 8, 10))
	}
	for i := 0; i < 4; i++ {
		b.RecordOutcome(outcome(false, -10, 10))
	}
	require.Equal(t, 4, b.LossStreak())
	require.Less(t, b.WRScale(), 1.01) // 6/10 wins → at most par
}

func TestSideProfilePenalizesBadSide(t *testing.T) {
	t.Parallel()

	b := NewBook(60, 0.12, 8)
	for i := 0; i < 12; i++ {
		b.RecordOutcome(outcome(false, -10, 10))
	}
	p := b.SideProfileFor(types.AssetBTC, 15, types.SideUp)
	require.Equal(t, 12, p.N)
	require.Negative(t, p.Exp)
	require.Less(t, p.ScoreAdj, 0)
	require.Less(t, p.ProbAdj, 0.0)

	// Other side untouched
	other := b.SideProfileFor(types.AssetBTC, 15, types.SideDown)
	require.Equal(t, 0, other.N)
	require.Equal(t, 0, other.ScoreAdj)
}

func TestSuperbetCooldown(t *testing.T) {
	t.Parallel()

	b := NewBook(60, 0.12, 8)
	now := time.Now()
	require.True(t, b.SuperbetAllowed(now, 20*time.Minute))
	b.MarkSuperbet(now)
	require.False(t, b.SuperbetAllowed(now.Add(10*time.Minute), 20*time.Minute))
	require.True(t, b.SuperbetAllowed(now.Add(21*time.Minute), 20*time.Minute))
}

func TestBoosterLock(t *testing.T) {
	t.Parallel()

	b := NewBook(60, 0.12, 8)
	now := time.Now()
	require.False(t, b.BoosterLocked(now))
	b.LockBooster(now.Add(time.Hour))
	require.True(t, b.BoosterLocked(now.Add(30*time.Minute)))
	require.False(t, b.BoosterLocked(now.Add(2*time.Hour)))
}

// Replaying the same outcomes into a fresh book must reproduce identical
// aggregates (journal-replay equivalence).
func TestSnapshotRestoreAndReplayEquivalence(t *testing.T) {
	t.Parallel()

	outcomes := []Outcome{
		outcome(true, 12, 10),
		outcome(false, -10, 10),
		outcome(true, 9, 10),
	}

	live := NewBook(60, 0.12, 4)
	replay := NewBook(60, 0.12, 4)
	for _, o := range outcomes {
		live.RecordOutcome(o)
		replay.RecordOutcome(o)
	}

	a, b2 := live.Snapshot(), replay.Snapshot()
	require.Equal(t, len(a.Buckets), len(b2.Buckets))
	for k, v := range a.Buckets {
		require.Equal(t, *v, *b2.Buckets[k], k)
	}
	for k, v := range a.Sides {
		require.Equal(t, *v, *b2.Sides[k], k)
	}

	// Restore round-trips.
	restored := NewBook(60, 0.12, 4)
	restored.Restore(live.Snapshot())
	require.Equal(t, live.SideProfileFor(types.AssetBTC, 15, types.SideUp),
		restored.SideProfileFor(types.AssetBTC, 15, types.SideUp))
}

func TestWilsonLowerBound(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0.5, wilsonLowerBound(0, 0), 1e-9)
	lb := wilsonLowerBound(60, 100)
	require.Greater(t, lb, 0.49)
	require.Less(t, lb, 0.60)
	require.Greater(t, wilsonLowerBound(60, 100), wilsonLowerBound(6, 10))
}
