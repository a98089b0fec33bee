package settle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"updown-bot/internal/config"
	"updown-bot/internal/stats"
	"updown-bot/internal/store"
	"updown-bot/pkg/types"
)

// ——— Nonce manager ————————————————————————————————————————————————————

type fakeNonceReader struct {
	mu      sync.Mutex
	pending uint64
	calls   int
}

func (f *fakeNonceReader) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.pending, nil
}

func TestNonceMonotone(t *testing.T) {
	t.Parallel()

	reader := &fakeNonceReader{pending: 7}
	nm := NewNonceManager(reader, common.Address{})

	ctx := context.Background()
	var got []uint64
	for i := 0; i < 5; i++ {
		n, err := nm.Next(ctx)
		require.NoError(t, err)
		got = append(got, n)
	}
	require.Equal(t, []uint64{7, 8, 9, 10, 11}, got)
	require.Equal(t, 1, reader.calls, "only the first allocation syncs")
}

func TestNonceResyncAfterDrift(t *testing.T) {
	t.Parallel()

	reader := &fakeNonceReader{pending: 3}
	nm := NewNonceManager(reader, common.Address{})
	ctx := context.Background()

	n, _ := nm.Next(ctx)
	require.Equal(t, uint64(3), n)

	// Chain moved ahead (another process sent txs); resync picks it up but
	// never goes backwards below the local counter.
	reader.mu.Lock()
	reader.pending = 10
	reader.mu.Unlock()
	nm.Resync()

	n, _ = nm.Next(ctx)
	require.Equal(t, uint64(10), n)

	// A resync that reports an OLDER pending count must not reissue nonces.
	reader.mu.Lock()
	reader.pending = 2
	reader.mu.Unlock()
	nm.Resync()
	n, _ = nm.Next(ctx)
	require.Equal(t, uint64(11), n)
}

func TestNonceConcurrentAllocationsUnique(t *testing.T) {
	t.Parallel()

	nm := NewNonceManager(&fakeNonceReader{}, common.Address{})
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := nm.Next(ctx)
			require.NoError(t, err)
			mu.Lock()
			require.False(t, seen[n], "duplicate nonce %d", n)
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, 32)
}

func TestIsNonceError(t *testing.T) {
	t.Parallel()

	require.True(t, IsNonceError(fmt.Errorf("nonce too low")))
	require.True(t, IsNonceError(fmt.Errorf("tx already known")))
	require.False(t, IsNonceError(fmt.Errorf("insufficient funds")))
	require.False(t, IsNonceError(nil))
}

// ——— Settlement manager ———————————————————————————————————————————————

type fakeRedeemer struct {
	mu              sync.Mutex
	preflightFails  int
	submitFails     int
	credit          float64
	receiptBad      bool
	submitted       []string
}

func (f *fakeRedeemer) PreflightRedeem(ctx context.Context, cid string, indexSets []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.preflightFails > 0 {
		f.preflightFails--
		return fmt.Errorf("preflight: execution reverted")
	}
	return nil
}

func (f *fakeRedeemer) SubmitRedeem(ctx context.Context, cid string, indexSets []uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitFails > 0 {
		f.submitFails--
		return common.Hash{}, fmt.Errorf("send tx: 503")
	}
	f.submitted = append(f.submitted, cid)
	return common.HexToHash("0xdeadbeef"), nil
}

func (f *fakeRedeemer) WaitReceipt(ctx context.Context, hash common.Hash) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptBad {
		return 0, fmt.Errorf("receipt status 0 for %s", hash.Hex())
	}
	return f.credit, nil
}

type fakeData struct {
	mu   sync.Mutex
	rows []types.APIPosition
	acts []types.APITrade
}

func (f *fakeData) Positions(ctx context.Context, wallet string) ([]types.APIPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, nil
}

func (f *fakeData) Activity(ctx context.Context, wallet string, pages, pageSize int) ([]types.APITrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acts, nil
}

type fakeRoundSrc struct{}

func (fakeRoundSrc) LookupOrFetch(ctx context.Context, cid string) (types.Round, bool) {
	start := time.Unix(1_700_000_000, 0)
	return types.Round{
		ConditionID: cid, Asset: types.AssetBTC, DurationMin: 15,
		StartTs: start, EndTs: start.Add(15 * time.Minute),
	}, true
}

func settleCfg() config.SettleConfig {
	return config.SettleConfig{
		ScanInterval:   time.Second,
		DustUSDC:       0.02,
		MaxVerify:      3,
		MaxSubmit:      3,
		ReceiptTimeout: time.Second,
		RetryBackoff:   time.Millisecond,
		GasLimit:       350000,
	}
}

func newManager(t *testing.T, chain Redeemer, data *fakeData) (*Manager, *store.Store, *stats.Book) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir, 128, time.Hour)
	require.NoError(t, err)
	journal, err := store.OpenJournal(dir + "/metrics.jsonl")
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	book := stats.NewBook(60, 0.12, 8)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := NewManager(settleCfg(), chain, data, data, fakeRoundSrc{}, "0xwallet", st, journal, nil, book, false, logger)
	require.NoError(t, err)
	return m, st, book
}

// S6 — a redeemable position is discovered, preflighted, submitted, and the
// realized credit becomes a WIN with pnl = credit − stake.
func TestRedemptionHappyPath(t *testing.T) {
	t.Parallel()

	chain := &fakeRedeemer{credit: 4.19}
	data := &fakeData{rows: []types.APIPosition{
		{ConditionID: "0xwin", Outcome: "Up", Size: 10, CurrentValue: 4.20, Redeemable: true},
	}}
	m, st, book := newManager(t, chain, data)

	// A tracked entry gives settlement its stake context.
	m.TrackFill(types.Signal{
		CID: "0xwin", Asset: types.AssetBTC, DurationMin: 15, Side: types.SideUp,
		Score: 12, Entry: 0.40, Mode: types.ModeTakerFOK, Tier: "TIER-A",
	}, types.Position{
		CID: "0xwin", Asset: types.AssetBTC, DurationMin: 15, Side: types.SideUp,
		Shares: 10, CostUSDC: 2.0,
	})

	ctx := context.Background()
	require.NoError(t, m.discover(ctx))
	m.drain(ctx)

	require.Equal(t, []string{"0xwin"}, chain.submitted)

	settled, err := st.LoadSettled()
	require.NoError(t, err)
	out, ok := settled["0xwin"]
	require.True(t, ok)
	require.Equal(t, "WIN", out.Result)
	require.InDelta(t, 4.19-2.0, out.PnL, 1e-9)

	// Bucket and side stats were updated.
	p := book.SideProfileFor(types.AssetBTC, 15, types.SideUp)
	require.Equal(t, 1, p.N)

	// The pending ledger no longer tracks the cid.
	require.Empty(t, m.PendingCIDs())
}

// The serialized settle cache prevents double-counting on restart: a
// finalized cid is never requeued.
func TestNoRequeueAfterFinalize(t *testing.T) {
	t.Parallel()

	chain := &fakeRedeemer{credit: 4.19}
	data := &fakeData{rows: []types.APIPosition{
		{ConditionID: "0xwin", Outcome: "Up", Size: 10, CurrentValue: 4.20, Redeemable: true},
	}}
	m, st, _ := newManager(t, chain, data)

	ctx := context.Background()
	require.NoError(t, m.discover(ctx))
	m.drain(ctx)
	require.Len(t, chain.submitted, 1)

	// Indexer lag: the row is still redeemable next scan.
	require.NoError(t, m.discover(ctx))
	m.drain(ctx)
	require.Len(t, chain.submitted, 1, "finalized cid must not redeem twice")

	// Restart: a fresh manager restores the finalized guard from the cache.
	journal2, err := store.OpenJournal(t.TempDir() + "/j.jsonl")
	require.NoError(t, err)
	defer journal2.Close()
	book2 := stats.NewBook(60, 0.12, 8)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m2, err := NewManager(settleCfg(), chain, data, data, fakeRoundSrc{}, "0xwallet", st, journal2, nil, book2, false, logger)
	require.NoError(t, err)
	require.NoError(t, m2.discover(ctx))
	m2.drain(ctx)
	require.Len(t, chain.submitted, 1, "restart must not double-count the win")
}

// Preflight reverts skip the cycle and abandon the task after MaxVerify.
func TestPreflightRevertAbandons(t *testing.T) {
	t.Parallel()

	chain := &fakeRedeemer{preflightFails: 100}
	data := &fakeData{rows: []types.APIPosition{
		{ConditionID: "0xstuck", Outcome: "Down", Size: 5, CurrentValue: 2.0, Redeemable: true},
	}}
	m, _, _ := newManager(t, chain, data)

	ctx := context.Background()
	require.NoError(t, m.discover(ctx))
	for i := 0; i < 4; i++ {
		m.drain(ctx)
	}
	require.Empty(t, chain.submitted)

	m.mu.Lock()
	_, queued := m.queue["0xstuck"]
	final := m.finalized["0xstuck"]
	m.mu.Unlock()
	require.False(t, queued, "abandoned task must leave the queue")
	require.True(t, final)
}

// A redeemable row with zero claim value is the losing side: the tracked
// trade resolves as a LOSS of the full stake.
func TestWorthlessSideRecordsLoss(t *testing.T) {
	t.Parallel()

	chain := &fakeRedeemer{}
	data := &fakeData{rows: []types.APIPosition{
		{ConditionID: "0xlost", Outcome: "Up", Size: 10, CurrentValue: 0, Redeemable: true},
	}}
	m, st, book := newManager(t, chain, data)

	m.TrackFill(types.Signal{
		CID: "0xlost", Asset: types.AssetBTC, DurationMin: 15, Side: types.SideUp,
		Score: 10, Entry: 0.50,
	}, types.Position{
		CID: "0xlost", Asset: types.AssetBTC, DurationMin: 15, Side: types.SideUp,
		Shares: 10, CostUSDC: 5.0,
	})

	require.NoError(t, m.discover(context.Background()))

	settled, err := st.LoadSettled()
	require.NoError(t, err)
	out, ok := settled["0xlost"]
	require.True(t, ok)
	require.Equal(t, "LOSS", out.Result)
	require.InDelta(t, -5.0, out.PnL, 1e-9)
	require.Equal(t, 1, book.LossStreak())
	require.Empty(t, chain.submitted)
}

// Backfill queues historical cids and tags their resolutions.
func TestBackfillQueuesHistoricalCids(t *testing.T) {
	t.Parallel()

	chain := &fakeRedeemer{credit: 1.0}
	data := &fakeData{acts: []types.APITrade{
		{ConditionID: "0xold", Outcome: "Down", Side: "BUY", Price: 0.4, Size: 5, Timestamp: time.Now().Unix()},
	}}
	m, _, _ := newManager(t, chain, data)

	require.NoError(t, m.backfill(context.Background()))
	m.mu.Lock()
	task, ok := m.queue["0xold"]
	m.mu.Unlock()
	require.True(t, ok)
	require.True(t, task.Backfill)
	require.Equal(t, types.SideDown, task.WinningSide)
}
