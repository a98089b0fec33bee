package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"updown-bot/pkg/types"
)

type fakeTrades struct {
	rows []types.APITrade
}

func (f *fakeTrades) Trades(ctx context.Context, conditionID string, limit int) ([]types.APITrade, error) {
	return f.rows, nil
}

func TestCopyFlowAggregation(t *testing.T) {
	t.Parallel()

	cfg := feedsCfg()
	cfg.LeaderWallets = []string{"0xLEADER"}
	cfg.LeaderScores = []float64{3.0}

	now := time.Now().Unix()
	fetcher := &fakeTrades{rows: []types.APITrade{
		// Ranked leader buying Up, big and recent.
		{ProxyWallet: "0xleader", Outcome: "Up", Side: "BUY", Price: 0.55, Size: 80, Timestamp: now - 5},
		// Unknown wallets buying Down, small.
		{ProxyWallet: "0xrandom1", Outcome: "Down", Side: "BUY", Price: 0.45, Size: 10, Timestamp: now - 10},
		{ProxyWallet: "0xrandom2", Outcome: "Down", Side: "BUY", Price: 0.44, Size: 10, Timestamp: now - 12},
		// Sells are ignored: exits carry no conviction.
		{ProxyWallet: "0xleader", Outcome: "Down", Side: "SELL", Price: 0.40, Size: 500, Timestamp: now - 3},
		// Unknown outcomes are skipped.
		{ProxyWallet: "0xleader", Outcome: "Over", Side: "BUY", Price: 0.5, Size: 10, Timestamp: now - 4},
	}}

	cf := NewCopyFlow(cfg, fetcher, func() []types.Round { return nil }, testLogger())
	require.NoError(t, cf.RefreshCID(context.Background(), "0xcid"))

	flow := cf.View("0xcid")
	require.Equal(t, 3, flow.N)
	require.Greater(t, flow.UpConf, flow.DownConf, "weighted leader buy dominates")
	require.Greater(t, flow.UpConf, 0.6)
	require.InDelta(t, (0.55+0.45+0.44)/3, flow.AvgEntry, 1e-9)
	require.False(t, flow.Ts.IsZero())
}

func TestCopyFlowMissingRoundIsEmpty(t *testing.T) {
	t.Parallel()

	cf := NewCopyFlow(feedsCfg(), &fakeTrades{}, func() []types.Round { return nil }, testLogger())
	flow := cf.View("0xnothing")
	require.Equal(t, 0, flow.N)
	require.True(t, flow.Ts.IsZero())
}
