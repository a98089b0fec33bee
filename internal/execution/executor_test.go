package execution

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// fakeAPI scripts CLOB behavior per order.
type fakeAPI struct {
	mu       sync.Mutex
	nextID   int
	orders   map[string]*fakeOrder
	postHook func(order types.UserOrder, id string) *fakeOrder
	postErrs int // fail this many placements first
	canceled []string
}

type fakeOrder struct {
	price   float64
	size    float64
	matched float64
	status  string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{orders: make(map[string]*fakeOrder)}
}

func (f *fakeAPI) PostOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErrs > 0 {
		f.postErrs--
		return nil, fmt.Errorf("transient 503")
	}
	f.nextID++
	id := "ord-" + strconv.Itoa(f.nextID)
	fo := &fakeOrder{price: order.Price, size: order.Size, status: "live"}
	if f.postHook != nil {
		fo = f.postHook(order, id)
	}
	f.orders[id] = fo
	return &types.OrderResponse{Success: true, OrderID: id, Status: fo.status}, nil
}

func (f *fakeAPI) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &types.OpenOrder{
		OrderID:     orderID,
		Status:      o.status,
		Price:       strconv.FormatFloat(o.price, 'f', -1, 64),
		SizeMatched: strconv.FormatFloat(o.matched, 'f', -1, 64),
	}, nil
}

func (f *fakeAPI) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderIDs...)
	return &types.CancelResponse{Canceled: orderIDs}, nil
}

type captureListener struct {
	mu    sync.Mutex
	fills []Result
}

func (c *captureListener) OnFill(sig types.Signal, res Result) {
	c.mu.Lock()
	c.fills = append(c.fills, res)
	c.mu.Unlock()
}

type captureJournal struct {
	mu     sync.Mutex
	events []Result
}

func (c *captureJournal) ExecutionEvent(sig types.Signal, res Result) {
	c.mu.Lock()
	c.events = append(c.events, res)
	c.mu.Unlock()
}

func testExecCfg() config.ExecutionConfig {
	return config.ExecutionConfig{
		MakerHold5m:      200 * time.Millisecond,
		MakerHold15m:     400 * time.Millisecond,
		MakerTickInside:  1,
		MinPartialTrack:  2.0,
		TakerSlipBps5m:   150,
		TakerSlipBps15m:  250,
		MaxAttempts:      3,
		RetryBase:        10 * time.Millisecond,
		RetryJitter:      5 * time.Millisecond,
		PollInterval:     50 * time.Millisecond,
		AdverseMoveTicks: 2,
	}
}

func staticBook(bid, ask float64) BookFetcher {
	return func(ctx context.Context, tokenID string) (types.BookView, bool) {
		return types.BookView{
			TokenID: tokenID, BestBid: bid, BestAsk: ask,
			TickSize: 0.01, Ts: time.Now(), Source: "ws",
		}, true
	}
}

func testSignal(mode types.ExecutionMode) types.Signal {
	return types.Signal{
		CID: "0xcid", Asset: types.AssetBTC, DurationMin: 15,
		Side: types.SideUp, TokenID: "tokUP",
		Entry: 0.58, NotionalUSDC: 40, MaxEntryAllowed: 0.60,
		Mode: mode, Score: 14, TrueProb: 0.65,
	}
}

func testRound() types.Round {
	now := time.Now()
	return types.Round{
		ConditionID: "0xcid", Asset: types.AssetBTC, DurationMin: 15,
		StartTs: now.Add(-5 * time.Minute), EndTs: now.Add(10 * time.Minute),
		TokenUp: "tokUP", TokenDown: "tokDN", TickSize: types.Tick001,
	}
}

func newExecutor(api OrderAPI, book BookFetcher, j Journal, l FillListener) *Executor {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(testExecCfg(), api, book, j, l, logger)
}

func TestTakerFOKFills(t *testing.T) {
	api := newFakeAPI()
	api.postHook = func(order types.UserOrder, id string) *fakeOrder {
		return &fakeOrder{price: order.Price, size: order.Size, matched: order.Size, status: "matched"}
	}
	listener := &captureListener{}
	journal := &captureJournal{}
	ex := newExecutor(api, staticBook(0.56, 0.58), journal, listener)

	res := ex.Execute(context.Background(), testSignal(types.ModeTakerFOK), testRound())
	require.Equal(t, StateFilled, res.State)
	require.Greater(t, res.Filled, 0.0)
	require.Len(t, listener.fills, 1)
	require.Len(t, journal.events, 1)
	require.Equal(t, 0.0, ex.Reserved(), "reserved bankroll must release after execution")
}

func TestTakerRespectsSlippageCap(t *testing.T) {
	api := newFakeAPI()
	var placedPrice float64
	api.postHook = func(order types.UserOrder, id string) *fakeOrder {
		placedPrice = order.Price
		return &fakeOrder{price: order.Price, size: order.Size, matched: order.Size}
	}
	ex := newExecutor(api, staticBook(0.56, 0.58), nil, nil)

	sig := testSignal(types.ModeTakerIOC)
	sig.MaxEntryAllowed = 0.95 // not the binding constraint
	ex.Execute(context.Background(), sig, testRound())

	// 250 bps over 0.58 = 0.5945, snapped down to 0.59.
	require.InDelta(t, 0.59, placedPrice, 1e-9)
}

func TestMakerFullFill(t *testing.T) {
	api := newFakeAPI()
	api.postHook = func(order types.UserOrder, id string) *fakeOrder {
		// Maker fills completely while resting.
		return &fakeOrder{price: order.Price, size: order.Size, matched: order.Size, status: "live"}
	}
	ex := newExecutor(api, staticBook(0.55, 0.58), nil, nil)

	res := ex.Execute(context.Background(), testSignal(types.ModeMaker), testRound())
	require.Equal(t, StateFilled, res.State)
	// One tick inside the ask: 0.57.
	require.InDelta(t, 0.57, res.FillPrice, 1e-9)
}

func TestMakerTimeoutCancelsAndTracksPartial(t *testing.T) {
	api := newFakeAPI()
	api.postHook = func(order types.UserOrder, id string) *fakeOrder {
		// Partial above MinPartialTrack, never completes.
		return &fakeOrder{price: order.Price, size: order.Size, matched: 5, status: "live"}
	}
	ex := newExecutor(api, staticBook(0.55, 0.58), nil, nil)

	res := ex.Execute(context.Background(), testSignal(types.ModeMaker), testRound())
	require.Equal(t, StatePartial, res.State)
	require.InDelta(t, 5, res.Filled, 1e-9)
	require.NotEmpty(t, api.canceled, "remainder must be cancelled after the hold")
}

func TestMakerTimeoutRejectsDust(t *testing.T) {
	api := newFakeAPI()
	api.postHook = func(order types.UserOrder, id string) *fakeOrder {
		return &fakeOrder{price: order.Price, size: order.Size, matched: 0.5, status: "live"} // below track floor
	}
	// Ask stays put so no adverse-move taker fallback fires.
	ex := newExecutor(api, staticBook(0.55, 0.58), nil, nil)

	res := ex.Execute(context.Background(), testSignal(types.ModeMaker), testRound())
	require.Equal(t, StateRejected, res.State)
	require.Equal(t, "maker_timeout", res.Reason)
}

func TestExecutionLockBlocksConcurrentSameCID(t *testing.T) {
	api := newFakeAPI()
	release := make(chan struct{})
	api.postHook = func(order types.UserOrder, id string) *fakeOrder {
		<-release // hold the first execution inside the machine
		return &fakeOrder{price: order.Price, size: order.Size, matched: order.Size}
	}
	ex := newExecutor(api, staticBook(0.56, 0.58), nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ex.Execute(context.Background(), testSignal(types.ModeTakerFOK), testRound())
	}()

	time.Sleep(50 * time.Millisecond)
	res := ex.Execute(context.Background(), testSignal(types.ModeTakerFOK), testRound())
	require.Equal(t, StateSkipped, res.State)
	require.Equal(t, "execution_lock_busy", res.Reason)

	close(release)
	wg.Wait()
}

func TestReservedBankrollDuringExecution(t *testing.T) {
	api := newFakeAPI()
	started := make(chan struct{})
	release := make(chan struct{})
	api.postHook = func(order types.UserOrder, id string) *fakeOrder {
		close(started)
		<-release
		return &fakeOrder{price: order.Price, size: order.Size, matched: order.Size}
	}
	ex := newExecutor(api, staticBook(0.56, 0.58), nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ex.Execute(context.Background(), testSignal(types.ModeTakerFOK), testRound())
	}()

	<-started
	require.InDelta(t, 40, ex.Reserved(), 1e-9)
	close(release)
	wg.Wait()
	require.InDelta(t, 0, ex.Reserved(), 1e-9)
}

func TestPlaceRetriesTransientErrors(t *testing.T) {
	api := newFakeAPI()
	api.postErrs = 2 // first two placements fail
	api.postHook = func(order types.UserOrder, id string) *fakeOrder {
		return &fakeOrder{price: order.Price, size: order.Size, matched: order.Size}
	}
	ex := newExecutor(api, staticBook(0.56, 0.58), nil, nil)

	res := ex.Execute(context.Background(), testSignal(types.ModeTakerFOK), testRound())
	require.Equal(t, StateFilled, res.State)
}

func TestPullbackLimitParks(t *testing.T) {
	api := newFakeAPI()
	ex := newExecutor(api, staticBook(0.56, 0.58), nil, nil)

	sig := testSignal(types.ModeLimitGTC)
	sig.MaxEntryAllowed = 0.56
	res := ex.Execute(context.Background(), sig, testRound())
	require.Equal(t, StateParked, res.State)
	require.InDelta(t, 0.56, res.FillPrice, 1e-9)
	require.Empty(t, api.canceled)
}

func TestSnapAlignment(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0.57, snap(0.579, 0.01), 1e-9)
	require.InDelta(t, 0.58, snap(0.58, 0.01), 1e-9)
	require.InDelta(t, 0.01, snap(0.004, 0.01), 1e-9, "clamped to one tick")
	require.InDelta(t, 0.99, snap(1.2, 0.01), 1e-9, "clamped below 1")
}
