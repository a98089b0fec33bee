// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. The round watcher discovers Up/Down rounds per asset and duration.
//  2. The feed manager merges price, oracle, book, derivatives and
//     copy-flow streams into decision snapshots.
//  3. The trade loop scores every active round on each tick, risk-checks
//     candidates, and hands accepted signals to the execution engine.
//  4. The reconciler publishes the portfolio view; settlement redeems wins.
//  5. The supervisor runs every component as a named loop and restarts it
//     after a 10s cooldown on any error, surfacing per-loop counters.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"

	"updown-bot/internal/config"
	"updown-bot/internal/exchange"
	"updown-bot/internal/execution"
	"updown-bot/internal/feed"
	"updown-bot/internal/market"
	"updown-bot/internal/risk"
	"updown-bot/internal/rpcpool"
	"updown-bot/internal/scorer"
	"updown-bot/internal/settle"
	"updown-bot/internal/snapshot"
	"updown-bot/internal/stats"
	"updown-bot/internal/store"
	"updown-bot/pkg/types"
)

const restartCooldown = 10 * time.Second

// loopHealth tracks one supervised loop.
type loopHealth struct {
	alive     bool
	restarts  int
	lastError string
}

// Engine owns the lifecycle of every subsystem.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	pool     *rpcpool.Pool
	auth     *exchange.Auth
	clob     *exchange.Client
	dataAPI  *exchange.DataClient
	mktFeed  *exchange.WSFeed
	usrFeed  *exchange.WSFeed
	rounds   *market.Watcher
	feeds    *feed.Manager
	snaps    *snapshot.Store
	book     *stats.Book
	scorer   *scorer.Scorer
	checker  *risk.Checker
	recon    *risk.Reconciler
	executor *execution.Executor
	settler  *settle.Manager
	chain    *settle.Chain
	st       *store.Store
	journal  *store.Journal
	metrics  *store.MetricsDB

	healthMu sync.Mutex
	health   map[string]*loopHealth

	subscribedTokens  map[string]bool // token ids on the market feed
	subscribedMarkets map[string]bool // cids on the user feed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	runCtx, cancel := context.WithCancel(ctx)

	pool, err := rpcpool.Dial(runCtx, cfg.Chain, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("rpc pool: %w", err)
	}

	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("auth: %w", err)
	}
	clob := exchange.NewClient(cfg, auth, logger)
	dataAPI := exchange.NewDataClient(cfg, logger)

	st, err := store.Open(cfg.Store.DataDir, cfg.Store.SeenRing, cfg.Store.SettledTTL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store: %w", err)
	}

	journalPath := cfg.Store.DataDir + "/" + cfg.Store.JournalFile
	journal, err := store.OpenJournal(journalPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("journal: %w", err)
	}

	var metrics *store.MetricsDB
	if cfg.Store.MetricsDB != "" {
		metrics, err = store.OpenMetricsDB(cfg.Store.DataDir + "/" + cfg.Store.MetricsDB)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("metrics db: %w", err)
		}
	}

	book := stats.NewBook(cfg.Scorer.ColdSlipBps, cfg.Scorer.ColdNoFillPct, cfg.Scorer.BucketMinSamples)
	if state, ok, err := st.LoadStats(); err == nil && ok {
		book.Restore(state)
	}

	rounds := market.NewWatcher(cfg.API, cfg.Rounds, st, logger)

	prices := feed.NewPriceStream(cfg.Feeds, logger)
	deriv := feed.NewDerivStream(cfg.Feeds, logger)
	oracle, err := feed.NewOracleFeed(cfg.Chain, cfg.Feeds.OraclePollInterval, pool, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("oracle feed: %w", err)
	}
	books := feed.NewBookTracker(cfg.Feeds, logger)
	flow := feed.NewCopyFlow(cfg.Feeds, dataAPI, rounds.Active, logger)
	feeds := feed.NewManager(cfg.Feeds, prices, deriv, oracle, books, flow, logger)

	chain, err := settle.NewChain(pool, cfg.Chain, cfg.Settle, cfg.Wallet.ChainID, cfg.Wallet.PrivateKey)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chain: %w", err)
	}

	sc := scorer.New(cfg.Scorer, cfg.Sizing, cfg.Feeds, book, logger)
	if seen, err := st.LoadSeen(); err == nil {
		sc.RestoreSeen(seen)
	}

	recon := risk.NewReconciler(cfg.Risk, chain.Wallet().Hex(), dataAPI, rounds, chain.USDCBalance, st, book, logger)

	settler, err := settle.NewManager(cfg.Settle, chain, dataAPI, dataAPI, rounds, chain.Wallet().Hex(), st, journal, metrics, book, cfg.DryRun, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("settle: %w", err)
	}
	sc.RestoreSeen(settler.PendingCIDs())

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		pool:       pool,
		auth:       auth,
		clob:       clob,
		dataAPI:    dataAPI,
		mktFeed:    exchange.NewMarketFeed(cfg.API.WSMarketURL, logger),
		usrFeed:    exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger),
		rounds:     rounds,
		feeds:      feeds,
		snaps:      snapshot.NewStore(),
		book:       book,
		scorer:     sc,
		checker:    risk.NewChecker(cfg.Risk),
		recon:      recon,
		settler:    settler,
		chain:      chain,
		st:         st,
		journal:    journal,
		metrics:    metrics,
		health:            make(map[string]*loopHealth),
		subscribedTokens:  make(map[string]bool),
		subscribedMarkets: make(map[string]bool),
		ctx:        runCtx,
		cancel:     cancel,
	}
	e.executor = execution.New(cfg.Execution, clob, e.fetchBook, e, e, logger)
	return e, nil
}

// Start bootstraps credentials and launches every supervised loop.
func (e *Engine) Start() error {
	// Bootstrap: derive L2 credentials, retrying until the venue answers.
	if !e.auth.HasL2Credentials() {
		for {
			e.logger.Info("no L2 credentials, deriving API key via L1...")
			_, err := e.clob.DeriveAPIKey(e.ctx)
			if err == nil {
				break
			}
			e.logger.Error("derive api key failed, retrying", "error", err)
			select {
			case <-e.ctx.Done():
				return e.ctx.Err()
			case <-time.After(20 * time.Second):
			}
		}
	}

	loops := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"rounds", e.rounds.Run},
		{"price_stream", e.feeds.Prices.Run},
		{"deriv_stream", e.feeds.Deriv.Run},
		{"oracle_poll", e.feeds.Oracle.RunPoll},
		{"oracle_ws", e.feeds.Oracle.RunSubscribe},
		{"clob_market_ws", e.mktFeed.Run},
		{"clob_user_ws", e.usrFeed.Run},
		{"book_dispatch", e.dispatchBookEvents},
		{"user_dispatch", e.dispatchUserEvents},
		{"open_price", func(ctx context.Context) error { return e.feeds.RunOpenPriceCapture(ctx, e.rounds.Active) }},
		{"copyflow", e.feeds.Flow.Run},
		{"subscriber", e.subscribeLoop},
		{"trade_loop", e.tradeLoop},
		{"reconciler", e.recon.Run},
		{"settle_discovery", e.settler.RunDiscovery},
		{"settle_executor", e.settler.RunExecutor},
		{"settle_backfill", e.settler.RunBackfill},
		{"parked_sweeper", e.executor.RunParkedSweeper},
		{"rpc_optimizer", e.pool.RunOptimizer},
		{"book_health", e.bookHealthLoop},
		{"runtime_health", e.healthLoop},
	}
	for _, l := range loops {
		e.superviseLoop(l.name, l.fn)
	}
	return nil
}

// superviseLoop runs fn as a named task, restarting after a cooldown on any
// error until the engine context is cancelled.
func (e *Engine) superviseLoop(name string, fn func(context.Context) error) {
	e.healthMu.Lock()
	e.health[name] = &loopHealth{}
	e.healthMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			e.setHealth(name, true, "")
			err := fn(e.ctx)
			if e.ctx.Err() != nil {
				e.setHealth(name, false, "")
				return
			}

			msg := "loop exited"
			if err != nil {
				msg = err.Error()
			}
			e.setHealth(name, false, msg)
			e.bumpRestarts(name)
			e.logger.Error("loop crashed, restarting after cooldown",
				"loop", name, "error", msg, "cooldown", restartCooldown)
			if jerr := e.journal.Append(store.JournalEvent{
				Event: "LOOP_RESTART", LoopName: name, Reason: msg,
				Restarts: e.restarts(name),
			}); jerr != nil {
				e.logger.Warn("journal append failed", "error", jerr)
			}

			select {
			case <-e.ctx.Done():
				return
			case <-time.After(restartCooldown):
			}
		}
	}()
}

func (e *Engine) setHealth(name string, alive bool, lastError string) {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	h := e.health[name]
	h.alive = alive
	if lastError != "" {
		h.lastError = lastError
	}
}

func (e *Engine) bumpRestarts(name string) {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	e.health[name].restarts++
}

func (e *Engine) restarts(name string) int {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	return e.health[name].restarts
}

// Stop shuts down: cancel loops, cancel resting orders as a safety net,
// persist state, close resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := e.clob.CancelAll(cancelCtx); err != nil {
		e.logger.Error("failed to cancel all orders on shutdown", "error", err)
	}
	cancelCancel()

	if err := e.st.SaveSeen(e.scorer.SeenList()); err != nil {
		e.logger.Error("seen save failed", "error", err)
	}
	if err := e.st.SaveStats(e.book.Snapshot()); err != nil {
		e.logger.Error("stats save failed", "error", err)
	}

	e.wg.Wait()
	e.mktFeed.Close()
	e.usrFeed.Close()
	e.journal.Close()
	if e.metrics != nil {
		e.metrics.Close()
	}
	e.logger.Info("shutdown complete")
}

// fetchBook serves the executor: fresh tracked book first, REST fallback.
func (e *Engine) fetchBook(ctx context.Context, tokenID string) (types.BookView, bool) {
	if v, ok := e.feeds.Books.View(tokenID, e.cfg.Feeds.BookSoftMaxAgeMS); ok && v.BestAsk > 0 {
		return v, true
	}
	resp, err := e.clob.GetOrderBook(ctx, tokenID)
	if err != nil || resp == nil {
		return types.BookView{}, false
	}
	e.feeds.Books.ApplyREST(resp)
	return e.feeds.Books.View(tokenID, 0)
}

// dispatchBookEvents routes market WS events into the book tracker.
func (e *Engine) dispatchBookEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-e.mktFeed.BookEvents():
			e.feeds.Books.ApplyWSBook(evt)
		case evt := <-e.mktFeed.PriceChangeEvents():
			e.feeds.Books.ApplyPriceChange(evt)
		}
	}
}

// dispatchUserEvents logs fills and order lifecycle events from the user
// channel into the journal (the executor polls order state directly).
func (e *Engine) dispatchUserEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-e.usrFeed.TradeEvents():
			if err := e.journal.Append(store.JournalEvent{
				Event: "FILL", CID: evt.Market, Side: evt.Outcome, Reason: evt.Status,
			}); err != nil {
				e.logger.Warn("journal append failed", "error", err)
			}
		case <-e.usrFeed.OrderEvents():
			// Order placements/cancellations are tracked by the executor.
		}
	}
}

// subscribeLoop keeps the market/user WS subscriptions aligned with the
// active round set.
func (e *Engine) subscribeLoop(ctx context.Context) error {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		active := e.rounds.Active()
		wantTokens := make(map[string]bool, len(active)*2)
		var addTokens, addMarkets []string
		for _, r := range active {
			for _, tok := range []string{r.TokenUp, r.TokenDown} {
				if tok == "" {
					continue
				}
				wantTokens[tok] = true
				if !e.subscribedTokens[tok] {
					addTokens = append(addTokens, tok)
				}
			}
			if !e.subscribedMarkets[r.ConditionID] {
				addMarkets = append(addMarkets, r.ConditionID)
				e.subscribedMarkets[r.ConditionID] = true
			}
		}

		var drop []string
		for tok := range e.subscribedTokens {
			if !wantTokens[tok] {
				drop = append(drop, tok)
			}
		}

		if len(addTokens) > 0 {
			if err := e.mktFeed.Subscribe(ctx, addTokens); err != nil {
				e.logger.Warn("market subscribe failed", "error", err)
			}
			for _, t := range addTokens {
				e.subscribedTokens[t] = true
			}
		}
		if len(addMarkets) > 0 {
			if err := e.usrFeed.Subscribe(ctx, addMarkets); err != nil {
				e.logger.Warn("user subscribe failed", "error", err)
			}
		}
		if len(drop) > 0 {
			if err := e.mktFeed.Unsubscribe(ctx, drop); err != nil {
				e.logger.Warn("market unsubscribe failed", "error", err)
			}
			for _, t := range drop {
				delete(e.subscribedTokens, t)
			}
			e.feeds.Books.Drop(drop...)
		}
	}
}

// tradeLoop is the scan → score → gate → execute pipeline.
func (e *Engine) tradeLoop(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		port := e.recon.View()
		choppy := e.choppyRegime()

		for _, round := range e.rounds.Active() {
			snap := e.feeds.BuildSnapshot(round)
			e.snaps.PublishOne(round.ConditionID, snap)

			sig, reason := e.scorer.Score(round, snap, port)
			if reason != types.ReasonNone {
				continue
			}

			if r := e.checker.Check(sig, port, e.executor.Reserved(), choppy); r != types.ReasonNone {
				e.logger.Debug("signal blocked by exposure rule",
					"cid", sig.CID, "side", sig.Side, "reason", r)
				continue
			}

			if err := e.journal.Append(store.JournalEvent{
				Event: "ENTRY", CID: sig.CID, Asset: string(sig.Asset),
				Side: string(sig.Side), Duration: sig.DurationMin,
				Score: sig.Score, EntryPrice: sig.Entry, Size: sig.NotionalUSDC,
				Mode: string(sig.Mode), Tier: sig.Tier,
				ExecutionEV: sig.ExecutionEV, TrueProb: sig.TrueProb,
				Quality: sig.Quality, OpenPriceSrc: sig.OpenSource,
				OracleAgeS: sig.OracleAgeS,
				RoundKey:   types.Round{Asset: sig.Asset, DurationMin: sig.DurationMin, StartTs: sig.StartTs, EndTs: sig.EndTs}.Fingerprint(),
			}); err != nil {
				e.logger.Warn("journal append failed", "error", err)
			}

			round := round
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				res := e.executor.Execute(ctx, sig, round)
				e.logger.Info("execution finished",
					"cid", sig.CID, "side", sig.Side, "mode", res.Mode,
					"state", res.State, "filled", res.Filled, "price", res.FillPrice,
					"slip_bps", res.SlipBps, "reason", res.Reason)
			}()
		}
	}
}

// choppyRegime flags a mean-reverting BTC tape, which tightens the per-side
// exposure fraction.
func (e *Engine) choppyRegime() bool {
	vr, ac, _ := e.feeds.Prices.Regime(types.AssetBTC)
	return vr < e.cfg.Scorer.RegimeVRMeanRev && ac < e.cfg.Scorer.RegimeACMeanRev
}

// OnFill implements execution.FillListener: confirmed fills become local
// pending positions, seen-cid entries and stats samples.
func (e *Engine) OnFill(sig types.Signal, res execution.Result) {
	if res.Filled <= 0 {
		return
	}

	pos := types.Position{
		CID:         sig.CID,
		Asset:       sig.Asset,
		DurationMin: sig.DurationMin,
		Side:        sig.Side,
		Shares:      res.Filled,
		CostUSDC:    res.NotionalUSD,
		AvgEntry:    res.FillPrice,
		OpenedTs:    time.Now(),
		StartTs:     sig.StartTs,
		EndTs:       sig.EndTs,
		Core:        !sig.Booster,
	}

	if sig.Booster {
		e.scorer.MarkBoosterUsed(sig.CID)
	} else {
		e.scorer.MarkSeen(sig.CID)
	}
	e.recon.AddLocalFill(pos)
	e.settler.TrackFill(sig, pos)
	e.book.RecordFill(sig.DurationMin, sig.Score, sig.Entry, res.SlipBps)
	if e.cfg.Sizing.SuperBetEnabled &&
		sig.Entry <= e.cfg.Sizing.SuperBetEntryMax &&
		sig.NotionalUSDC >= e.cfg.Sizing.SuperBetFloorUSDC {
		e.book.MarkSuperbet(time.Now())
	}
	if err := e.st.SaveSeen(e.scorer.SeenList()); err != nil {
		e.logger.Warn("seen save failed", "error", err)
	}

	// Loss-streak booster lock
	if streak := e.book.LossStreak(); streak >= e.cfg.Scorer.BoosterLockLosses {
		e.book.LockBooster(time.Now().Add(time.Duration(e.cfg.Scorer.BoosterLockHours * float64(time.Hour))))
	}
}

// ExecutionEvent implements execution.Journal.
func (e *Engine) ExecutionEvent(sig types.Signal, res execution.Result) {
	event := "FILL"
	switch res.State {
	case execution.StatePartial:
		event = "PARTIAL"
	case execution.StateRejected, execution.StateFailed, execution.StateSkipped:
		event = "NOFILL"
		e.book.RecordNoFill(sig.DurationMin, sig.Score, sig.Entry)
	case execution.StateParked:
		event = "PARKED"
	}
	e.book.RecordAttempt(sig.DurationMin, sig.Score, sig.Entry)

	if err := e.journal.Append(store.JournalEvent{
		Event: event, CID: sig.CID, Asset: string(sig.Asset),
		Side: string(sig.Side), Duration: sig.DurationMin, Score: sig.Score,
		EntryPrice: sig.Entry, Size: sig.NotionalUSDC,
		FillPrice: res.FillPrice, FilledSize: res.Filled,
		SlipBps: res.SlipBps, LatencyMS: res.LatencyMS,
		Mode: string(res.Mode), Reason: res.Reason,
	}); err != nil {
		e.logger.Warn("journal append failed", "error", err)
	}
}

// bookHealthLoop forces a market-feed reconnect when every book stales out.
func (e *Engine) bookHealthLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.feeds.Books.HealthTick() {
				e.mktFeed.ForceReconnect()
			}
		}
	}
}

// healthLoop logs per-loop status and the top skip reasons.
func (e *Engine) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		e.healthMu.Lock()
		up, total, restarts := 0, 0, 0
		for _, h := range e.health {
			total++
			if h.alive {
				up++
			}
			restarts += h.restarts
		}
		e.healthMu.Unlock()

		skips := e.scorer.SkipCounts(5 * time.Minute)
		type kv struct {
			r types.Reason
			n int
		}
		top := make([]kv, 0, len(skips))
		for r, n := range skips {
			top = append(top, kv{r, n})
		}
		sort.Slice(top, func(i, j int) bool { return top[i].n > top[j].n })
		if len(top) > 5 {
			top = top[:5]
		}
		skipSummary := make([]string, 0, len(top))
		for _, t := range top {
			skipSummary = append(skipSummary, fmt.Sprintf("%s=%d", t.r, t.n))
		}

		port := e.recon.View()
		e.logger.Info("runtime health",
			"loops_up", fmt.Sprintf("%d/%d", up, total),
			"restarts", restarts,
			"open_positions", len(port.Open),
			"equity", port.TotalEquity,
			"wallet", port.WalletUSDC,
			"reserved", e.executor.Reserved(),
			"top_skips", skipSummary,
		)
	}
}
