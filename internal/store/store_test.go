package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"updown-bot/internal/stats"
	"updown-bot/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir(), 8, time.Hour)
	require.NoError(t, err)
	return st
}

func TestPendingRoundTrip(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	in := map[string]PendingTrade{
		"0xA": {
			Position: types.Position{CID: "0xA", Asset: types.AssetBTC, DurationMin: 15, Side: types.SideUp, Shares: 10, CostUSDC: 5},
			Score:    12, Entry: 0.5, Stake: 5, Tier: "TIER-A", Mode: "taker_fok",
			PlacedTs: time.Now().UTC().Truncate(time.Second),
		},
	}
	require.NoError(t, st.SavePending(in))

	out, err := st.LoadPending()
	require.NoError(t, err)
	require.Equal(t, in["0xA"].Stake, out["0xA"].Stake)
	require.Equal(t, in["0xA"].Position.Side, out["0xA"].Position.Side)
}

func TestLoadPendingMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	out, err := st.LoadPending()
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestSeenRingBounded(t *testing.T) {
	t.Parallel()

	st := openStore(t) // cap 8
	cids := make([]string, 20)
	for i := range cids {
		cids[i] = "0x" + string(rune('a'+i))
	}
	require.NoError(t, st.SaveSeen(cids))

	out, err := st.LoadSeen()
	require.NoError(t, err)
	require.Len(t, out, 8)
	require.Equal(t, cids[12:], out, "newest entries survive the bound")
}

func TestSettledTTLPrunes(t *testing.T) {
	t.Parallel()

	st := openStore(t) // TTL 1h
	in := map[string]SettledOutcome{
		"0xnew": {CID: "0xnew", Result: "WIN", PnL: 2, SettledAt: time.Now()},
		"0xold": {CID: "0xold", Result: "LOSS", PnL: -1, SettledAt: time.Now().Add(-2 * time.Hour)},
	}
	require.NoError(t, st.SaveSettled(in))

	out, err := st.LoadSettled()
	require.NoError(t, err)
	require.Contains(t, out, "0xnew")
	require.NotContains(t, out, "0xold")
}

func TestBaselineRoundTrip(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	_, ok, err := st.LoadBaseline()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.SaveBaseline(1234.56))
	v, ok, err := st.LoadBaseline()
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 1234.56, v, 1e-9)
}

func TestRoundMetaRoundTrip(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	start := time.Unix(1_700_000_000, 0).UTC()
	in := map[string]types.Round{
		"0xr": {ConditionID: "0xr", Asset: types.AssetSOL, DurationMin: 5, StartTs: start, EndTs: start.Add(5 * time.Minute), TokenUp: "1", TokenDown: "2"},
	}
	require.NoError(t, st.SaveRoundMeta(in))

	out, err := st.LoadRoundMeta()
	require.NoError(t, err)
	require.Equal(t, in["0xr"].Fingerprint(), out["0xr"].Fingerprint())
}

// Replaying the metrics journal through the stats aggregator yields the same
// counters as live accrual.
func TestJournalReplayMatchesLiveAccrual(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, err := OpenJournal(dir + "/metrics.jsonl")
	require.NoError(t, err)

	live := stats.NewBook(60, 0.12, 4)
	outcomes := []stats.Outcome{
		{CID: "0xa", Asset: types.AssetBTC, DurationMin: 15, Side: types.SideUp, Win: true, PnL: 4.2, Stake: 2.0, Entry: 0.4, Score: 12},
		{CID: "0xb", Asset: types.AssetBTC, DurationMin: 15, Side: types.SideDown, Win: false, PnL: -3.0, Stake: 3.0, Entry: 0.55, Score: 9},
		{CID: "0xc", Asset: types.AssetETH, DurationMin: 5, Side: types.SideUp, Win: true, PnL: 1.1, Stake: 1.0, Entry: 0.3, Score: 14},
	}
	for _, o := range outcomes {
		live.RecordOutcome(o)
		result := "LOSS"
		if o.Win {
			result = "WIN"
		}
		require.NoError(t, j.Append(JournalEvent{
			Event: "RESOLVE", CID: o.CID, Asset: string(o.Asset), Side: string(o.Side),
			Duration: o.DurationMin, Score: o.Score, EntryPrice: o.Entry,
			PnL: o.PnL, Credit: o.PnL + o.Stake, Size: o.Stake, Result: result,
		}))
	}
	require.NoError(t, j.Close())

	replayed := stats.NewBook(60, 0.12, 4)
	require.NoError(t, ReplayJournal(dir+"/metrics.jsonl", func(ev JournalEvent) error {
		if ev.Event != "RESOLVE" && ev.Event != "RESOLVE-BACKFILL" {
			return nil
		}
		replayed.RecordOutcome(stats.Outcome{
			CID: ev.CID, Asset: types.Asset(ev.Asset), DurationMin: ev.Duration,
			Side: types.MarketSide(ev.Side), Win: ev.Result == "WIN",
			PnL: ev.PnL, Stake: ev.Size, Entry: ev.EntryPrice, Score: ev.Score,
			Ts: ev.Ts,
		})
		return nil
	}))

	a, b := live.Snapshot(), replayed.Snapshot()
	require.Equal(t, len(a.Buckets), len(b.Buckets))
	for k, v := range a.Buckets {
		require.NotNil(t, b.Buckets[k], k)
		require.Equal(t, v.Outcomes, b.Buckets[k].Outcomes, k)
		require.Equal(t, v.Wins, b.Buckets[k].Wins, k)
		require.InDelta(t, v.PnL, b.Buckets[k].PnL, 1e-9, k)
	}
	require.Equal(t,
		live.SideProfileFor(types.AssetBTC, 15, types.SideUp),
		replayed.SideProfileFor(types.AssetBTC, 15, types.SideUp))
}

func TestMetricsDBInsertAndCount(t *testing.T) {
	t.Parallel()

	db, err := OpenMetricsDB(t.TempDir() + "/metrics.db")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertResolve(JournalEvent{
		Ts: time.Now(), Event: "RESOLVE", CID: "0xa", Asset: "BTC",
		Side: "Up", Duration: 15, Score: 12, EntryPrice: 0.4,
		PnL: 2.19, Credit: 4.19, Result: "WIN",
	}))
	require.NoError(t, db.InsertResolve(JournalEvent{
		Ts: time.Now(), Event: "RESOLVE-BACKFILL", CID: "0xb", Asset: "ETH",
		Side: "Down", Duration: 5, PnL: -1, Result: "LOSS",
	}))

	n, err := db.ResolveCount()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
