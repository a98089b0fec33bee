// Package execution drives the per-order lifecycle:
//
//	IDLE ─place_maker→ MAKER_LIVE ─fully_filled→ FILLED
//	                      │  partial_fill / cancel_timeout / adverse_move
//	                      ▼
//	                  TAKER_FALLBACK ─(FOK|IOC)→ FILLED | REJECTED
//	IDLE ─place_taker(FOK|IOC)→ FILLED | REJECTED     (near expiry / strong signal)
//	Any ─unrecoverable_error→ FAILED
//
// A per-cid ExecutionLock prevents two concurrent executions for the same
// market; a reserved-bankroll counter subtracts in-flight notional from the
// capital available to sizing.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// State is a terminal order-machine state.
type State string

const (
	StateFilled   State = "FILLED"
	StatePartial  State = "PARTIAL"
	StateParked   State = "PARKED" // resting pullback limit
	StateRejected State = "REJECTED"
	StateFailed   State = "FAILED"
	StateSkipped  State = "SKIPPED" // lock busy / no book
)

// OrderAPI is the slice of the CLOB client the executor uses.
type OrderAPI interface {
	PostOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
}

// BookFetcher reads a fresh book for tick/price alignment.
type BookFetcher func(ctx context.Context, tokenID string) (types.BookView, bool)

// FillListener is notified of confirmed fills (reconciler + scorer + stats).
type FillListener interface {
	OnFill(sig types.Signal, res Result)
}

// Result is the outcome of one execution attempt.
type Result struct {
	State       State
	OrderID     string
	Requested   float64 // shares requested
	Filled      float64 // shares filled
	FillPrice   float64
	SlipBps     float64
	LatencyMS   float64
	Mode        types.ExecutionMode
	Reason      string
	NotionalUSD float64
}

// Journal receives terminal execution events.
type Journal interface {
	ExecutionEvent(sig types.Signal, res Result)
}

// Executor owns order placement.
type Executor struct {
	cfg      config.ExecutionConfig
	api      OrderAPI
	book     BookFetcher
	journal  Journal
	listener FillListener
	logger   *slog.Logger

	mu       sync.Mutex
	locks    map[string]*cidLock
	reserved float64
	parked   map[string]parkedOrder // orderID → context for cancel-at-expiry
}

type cidLock struct {
	busy bool
}

type parkedOrder struct {
	sig      types.Signal
	orderID  string
	cancelBy time.Time
}

// New creates an executor.
func New(cfg config.ExecutionConfig, api OrderAPI, book BookFetcher, journal Journal, listener FillListener, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		api:      api,
		book:     book,
		journal:  journal,
		listener: listener,
		logger:   logger.With("component", "executor"),
		locks:    make(map[string]*cidLock),
		parked:   make(map[string]parkedOrder),
	}
}

// Reserved returns the notional currently committed to in-flight orders.
func (e *Executor) Reserved() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reserved
}

func (e *Executor) tryLock(cid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[cid]
	if !ok {
		l = &cidLock{}
		e.locks[cid] = l
	}
	if l.busy {
		return false
	}
	l.busy = true
	return true
}

func (e *Executor) unlock(cid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[cid]; ok {
		l.busy = false
	}
}

func (e *Executor) reserve(usd float64)  { e.mu.Lock(); e.reserved += usd; e.mu.Unlock() }
func (e *Executor) release(usd float64)  { e.mu.Lock(); e.reserved -= usd; e.mu.Unlock() }

// Execute runs the state machine for one signal. Blocking; call from the
// trade loop goroutine.
func (e *Executor) Execute(ctx context.Context, sig types.Signal, round types.Round) Result {
	if !e.tryLock(sig.CID) {
		return Result{State: StateSkipped, Mode: sig.Mode, Reason: "execution_lock_busy"}
	}
	defer e.unlock(sig.CID)

	e.reserve(sig.NotionalUSDC)
	defer e.release(sig.NotionalUSDC)

	started := time.Now()
	var res Result
	switch sig.Mode {
	case types.ModeTakerFOK:
		res = e.placeTaker(ctx, sig, round, types.OrderTypeFOK)
	case types.ModeTakerIOC:
		res = e.placeTaker(ctx, sig, round, types.OrderTypeIOC)
	case types.ModeLimitGTC:
		res = e.placePullbackLimit(ctx, sig, round)
	default:
		res = e.placeMakerThenTaker(ctx, sig, round)
	}
	res.Mode = sig.Mode
	res.LatencyMS = float64(time.Since(started)) / float64(time.Millisecond)

	if e.journal != nil {
		e.journal.ExecutionEvent(sig, res)
	}
	if (res.State == StateFilled || res.State == StatePartial) && e.listener != nil {
		e.listener.OnFill(sig, res)
	}
	return res
}


// orderExpiry returns the venue-side order expiration, 0 = no expiry.
func (e *Executor) orderExpiry() int64 {
	if e.cfg.OrderExpirySeconds <= 0 {
		return 0
	}
	return time.Now().Unix() + e.cfg.OrderExpirySeconds
}

// snap rounds a price down to the venue tick and clamps into (tick, 1-tick).
func snap(price, tick float64) float64 {
	if tick <= 0 {
		tick = 0.01
	}
	p := math.Floor(price/tick+1e-9) * tick
	if p < tick {
		p = tick
	}
	if p > 1-tick {
		p = 1 - tick
	}
	return math.Round(p*1e6) / 1e6
}

func shares(notional, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return math.Floor(notional/price*100) / 100
}

// placeTaker crosses the book with a slippage-capped limit.
func (e *Executor) placeTaker(ctx context.Context, sig types.Signal, round types.Round, ot types.OrderType) Result {
	tick := round.TickSize.Float()

	book, ok := e.book(ctx, sig.TokenID)
	if !ok || book.BestAsk <= 0 {
		return Result{State: StateSkipped, Reason: "no_book"}
	}

	slipCap := e.cfg.TakerSlipBps(sig.DurationMin) / 10000.0
	limit := math.Min(sig.MaxEntryAllowed, book.BestAsk*(1+slipCap))
	price := snap(limit, tick)
	if price < book.BestAsk {
		price = snap(book.BestAsk, tick)
	}
	qty := shares(sig.NotionalUSDC, price)
	if qty <= 0 {
		return Result{State: StateSkipped, Reason: "zero_size"}
	}

	resp, err := e.placeWithRetry(ctx, types.UserOrder{
		TokenID:    sig.TokenID,
		Price:      price,
		Size:       qty,
		Side:       types.BUY,
		OrderType:  ot,
		TickSize:   round.TickSize,
		FeeRateBps: e.cfg.FeeRateBps,
		Expiration: e.orderExpiry(),
		ClientID:   uuid.NewString(),
		NegRisk:    round.NegRisk,
	})
	if err != nil {
		return Result{State: StateFailed, Reason: err.Error()}
	}
	if !resp.Success {
		return Result{State: StateRejected, OrderID: resp.OrderID, Reason: resp.ErrorMsg, Requested: qty}
	}

	filled, avg := e.awaitFill(ctx, resp.OrderID, qty, 3*time.Second)
	return e.finish(sig, resp.OrderID, qty, filled, avg, price)
}

// placeMakerThenTaker posts inside the spread, waits the duration-specific
// hold, then converts the remainder to a taker order or cancels it.
func (e *Executor) placeMakerThenTaker(ctx context.Context, sig types.Signal, round types.Round) Result {
	tick := round.TickSize.Float()

	book, ok := e.book(ctx, sig.TokenID)
	if !ok || book.BestAsk <= 0 {
		return Result{State: StateSkipped, Reason: "no_book"}
	}

	// One tick inside the ask, never above the allowed ceiling, never
	// crossing from below the best bid.
	price := book.BestAsk - float64(e.cfg.MakerTickInside)*tick
	if book.BestBid > 0 && price <= book.BestBid {
		price = book.BestBid + tick
	}
	price = snap(math.Min(price, sig.MaxEntryAllowed), tick)
	qty := shares(sig.NotionalUSDC, price)
	if qty <= 0 {
		return Result{State: StateSkipped, Reason: "zero_size"}
	}

	resp, err := e.placeWithRetry(ctx, types.UserOrder{
		TokenID:    sig.TokenID,
		Price:      price,
		Size:       qty,
		Side:       types.BUY,
		OrderType:  types.OrderTypeGTC,
		TickSize:   round.TickSize,
		FeeRateBps: e.cfg.FeeRateBps,
		Expiration: e.orderExpiry(),
		ClientID:   uuid.NewString(),
		NegRisk:    round.NegRisk,
	})
	if err != nil {
		return Result{State: StateFailed, Reason: err.Error()}
	}
	if !resp.Success {
		return Result{State: StateRejected, OrderID: resp.OrderID, Reason: resp.ErrorMsg, Requested: qty}
	}

	hold := e.cfg.MakerHold(sig.DurationMin)
	deadline := time.Now().Add(hold)
	poll := e.cfg.PollInterval
	if poll <= 0 {
		poll = 750 * time.Millisecond
	}

	var filled, avg float64
	adverse := false
	for time.Now().Before(deadline) && ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-time.After(poll):
		}
		filled, avg = e.orderFill(ctx, resp.OrderID, price)
		if filled >= qty-1e-9 {
			return e.finish(sig, resp.OrderID, qty, filled, avg, price)
		}
		// Adverse move: the ask walked away from our resting price.
		if cur, ok := e.book(ctx, sig.TokenID); ok && cur.BestAsk > 0 {
			if cur.BestAsk-price > float64(e.cfg.AdverseMoveTicks)*tick {
				adverse = true
				break
			}
		}
	}

	// Cancel the remainder before deciding what to do with it.
	if _, err := e.api.CancelOrders(ctx, []string{resp.OrderID}); err != nil {
		e.logger.Warn("cancel after maker hold failed", "order", resp.OrderID, "error", err)
	}
	// Cancellation race: one more read after cancel settles the final size.
	filled, avg = e.orderFill(ctx, resp.OrderID, price)
	if filled >= qty-1e-9 {
		return e.finish(sig, resp.OrderID, qty, filled, avg, price)
	}

	remainderUSD := (qty - filled) * price
	secondsLeft := time.Until(round.EndTs).Seconds()
	trackPartial := filled >= e.cfg.MinPartialTrack

	// Taker fallback for the remainder while more than 10s remain, when an
	// adverse move says the market is running away from us or when less than
	// three maker holds' worth of time is left.
	if remainderUSD >= 1.0 && secondsLeft > 10 && (adverse || secondsLeft < hold.Seconds()*3) {
		sub := sig
		sub.NotionalUSDC = remainderUSD
		takerRes := e.placeTaker(ctx, sub, round, types.OrderTypeIOC)
		if takerRes.State == StateFilled || takerRes.State == StatePartial {
			total := filled + takerRes.Filled
			wavg := price
			if total > 0 {
				wavg = (filled*avg + takerRes.Filled*takerRes.FillPrice) / total
			}
			return e.finish(sig, resp.OrderID, qty, total, wavg, price)
		}
	}

	if trackPartial && filled > 0 {
		return e.finish(sig, resp.OrderID, qty, filled, avg, price)
	}
	reason := "maker_timeout"
	if adverse {
		reason = "adverse_move"
	}
	return Result{State: StateRejected, OrderID: resp.OrderID, Requested: qty, Filled: filled, Reason: reason}
}

// placePullbackLimit parks a GTC at the allowed ceiling and leaves it
// resting; the expiry sweeper cancels it before the fast-taker window.
func (e *Executor) placePullbackLimit(ctx context.Context, sig types.Signal, round types.Round) Result {
	tick := round.TickSize.Float()
	price := snap(sig.MaxEntryAllowed, tick)
	qty := shares(sig.NotionalUSDC, price)
	if qty <= 0 {
		return Result{State: StateSkipped, Reason: "zero_size"}
	}

	resp, err := e.placeWithRetry(ctx, types.UserOrder{
		TokenID:    sig.TokenID,
		Price:      price,
		Size:       qty,
		Side:       types.BUY,
		OrderType:  types.OrderTypeGTC,
		TickSize:   round.TickSize,
		FeeRateBps: e.cfg.FeeRateBps,
		Expiration: e.orderExpiry(),
		ClientID:   uuid.NewString(),
		NegRisk:    round.NegRisk,
	})
	if err != nil {
		return Result{State: StateFailed, Reason: err.Error()}
	}
	if !resp.Success {
		return Result{State: StateRejected, OrderID: resp.OrderID, Reason: resp.ErrorMsg, Requested: qty}
	}

	e.mu.Lock()
	e.parked[resp.OrderID] = parkedOrder{
		sig:      sig,
		orderID:  resp.OrderID,
		cancelBy: round.EndTs.Add(-90 * time.Second),
	}
	e.mu.Unlock()

	return Result{State: StateParked, OrderID: resp.OrderID, Requested: qty, FillPrice: price, Reason: "pullback_parked"}
}

// RunParkedSweeper cancels parked pullback limits as their rounds approach
// expiry, folding in whatever filled by then.
func (e *Executor) RunParkedSweeper(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := time.Now()
		var due []parkedOrder
		e.mu.Lock()
		for id, p := range e.parked {
			if now.After(p.cancelBy) {
				due = append(due, p)
				delete(e.parked, id)
			}
		}
		e.mu.Unlock()

		for _, p := range due {
			if _, err := e.api.CancelOrders(ctx, []string{p.orderID}); err != nil {
				e.logger.Warn("parked cancel failed", "order", p.orderID, "error", err)
			}
			filled, avg := e.orderFill(ctx, p.orderID, p.sig.Entry)
			if filled > 0 {
				res := e.finish(p.sig, p.orderID, filled, filled, avg, p.sig.Entry)
				if e.journal != nil {
					e.journal.ExecutionEvent(p.sig, res)
				}
				if e.listener != nil {
					e.listener.OnFill(p.sig, res)
				}
			}
		}
	}
}

// placeWithRetry retries transient placement failures with jittered backoff.
func (e *Executor) placeWithRetry(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	attempts := e.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			wait := e.cfg.RetryBase + time.Duration(rand.Int63n(int64(e.cfg.RetryJitter)+1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		resp, err := e.api.PostOrder(ctx, order)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("place order after %d attempts: %w", attempts, lastErr)
}

// awaitFill polls the order briefly for immediate (FOK/IOC) outcomes.
func (e *Executor) awaitFill(ctx context.Context, orderID string, qty float64, timeout time.Duration) (filled, avg float64) {
	deadline := time.Now().Add(timeout)
	for {
		filled, avg = e.orderFill(ctx, orderID, 0)
		if filled >= qty-1e-9 || time.Now().After(deadline) || ctx.Err() != nil {
			return filled, avg
		}
		select {
		case <-ctx.Done():
			return filled, avg
		case <-time.After(300 * time.Millisecond):
		}
	}
}

// orderFill reads matched size and price for an order; fallbackPrice is used
// when the API omits the price.
func (e *Executor) orderFill(ctx context.Context, orderID string, fallbackPrice float64) (filled, avg float64) {
	o, err := e.api.GetOrder(ctx, orderID)
	if err != nil || o == nil {
		return 0, fallbackPrice
	}
	filled, _ = strconv.ParseFloat(o.SizeMatched, 64)
	avg, _ = strconv.ParseFloat(o.Price, 64)
	if avg <= 0 {
		avg = fallbackPrice
	}
	return filled, avg
}

// finish classifies a fill outcome and computes slippage vs the target entry.
func (e *Executor) finish(sig types.Signal, orderID string, requested, filled, avg, placed float64) Result {
	if avg <= 0 {
		avg = placed
	}
	slip := 0.0
	if sig.Entry > 0 && avg > 0 {
		slip = (avg - sig.Entry) / sig.Entry * 10000
	}
	state := StateFilled
	if filled < requested-1e-9 {
		state = StatePartial
	}
	return Result{
		State:       state,
		OrderID:     orderID,
		Requested:   requested,
		Filled:      filled,
		FillPrice:   avg,
		SlipBps:     slip,
		NotionalUSD: filled * avg,
	}
}
