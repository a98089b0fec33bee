// Package settle reconciles wins and losses on-chain. A discovery loop
// scans the positions indexer for redeemable claims and enqueues
// RedemptionTasks; the executor preflights, submits and confirms each task
// through the serialized nonce manager; a backfill loop sweeps historical
// activity for cids the live path missed. Realized credits feed the stats
// book, the journal and the metrics DB.
package settle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"updown-bot/internal/config"
	"updown-bot/internal/stats"
	"updown-bot/internal/store"
	"updown-bot/pkg/types"
)

// Redeemer is the on-chain surface (satisfied by Chain).
type Redeemer interface {
	PreflightRedeem(ctx context.Context, cid string, indexSets []uint64) error
	SubmitRedeem(ctx context.Context, cid string, indexSets []uint64) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (float64, error)
}

// PositionsFetcher reads wallet positions from the data indexer.
type PositionsFetcher interface {
	Positions(ctx context.Context, wallet string) ([]types.APIPosition, error)
}

// ActivityFetcher pages historical wallet activity for backfill.
type ActivityFetcher interface {
	Activity(ctx context.Context, wallet string, pages, pageSize int) ([]types.APITrade, error)
}

// RoundResolver maps cids back to round metadata for outcome records.
type RoundResolver interface {
	LookupOrFetch(ctx context.Context, cid string) (types.Round, bool)
}

// Manager owns the redemption queue and pending-trade ledger.
type Manager struct {
	cfg     config.SettleConfig
	chain   Redeemer
	data    PositionsFetcher
	act     ActivityFetcher
	rounds  RoundResolver
	wallet  string
	st      *store.Store
	journal *store.Journal
	metrics *store.MetricsDB
	book    *stats.Book
	logger  *slog.Logger
	dryRun  bool

	mu        sync.Mutex
	queue     map[string]*types.RedemptionTask
	settled   map[string]store.SettledOutcome
	pending   map[string]store.PendingTrade
	finalized map[string]bool // per-cid guard: never requeue a finalized cid
}

// NewManager creates the settlement manager, restoring the settled cache
// and pending ledger from the store.
func NewManager(cfg config.SettleConfig, chain Redeemer, data PositionsFetcher, act ActivityFetcher, rounds RoundResolver, wallet string, st *store.Store, journal *store.Journal, metrics *store.MetricsDB, book *stats.Book, dryRun bool, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		chain:     chain,
		data:      data,
		act:       act,
		rounds:    rounds,
		wallet:    wallet,
		st:        st,
		journal:   journal,
		metrics:   metrics,
		book:      book,
		dryRun:    dryRun,
		logger:    logger.With("component", "settle"),
		queue:     make(map[string]*types.RedemptionTask),
		settled:   make(map[string]store.SettledOutcome),
		pending:   make(map[string]store.PendingTrade),
		finalized: make(map[string]bool),
	}

	settled, err := st.LoadSettled()
	if err != nil {
		return nil, fmt.Errorf("load settled cache: %w", err)
	}
	m.settled = settled
	for cid := range settled {
		m.finalized[cid] = true
	}

	pending, err := st.LoadPending()
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	m.pending = pending

	return m, nil
}

// TrackFill records a confirmed entry so settlement can resolve its P&L.
func (m *Manager) TrackFill(sig types.Signal, pos types.Position) {
	m.mu.Lock()
	existing, ok := m.pending[sig.CID]
	if ok {
		existing.Stake += pos.CostUSDC
		existing.Position.Shares += pos.Shares
		existing.Position.CostUSDC += pos.CostUSDC
		m.pending[sig.CID] = existing
	} else {
		m.pending[sig.CID] = store.PendingTrade{
			Position: pos,
			Score:    sig.Score,
			Entry:    sig.Entry,
			Stake:    pos.CostUSDC,
			Tier:     sig.Tier,
			Mode:     string(sig.Mode),
			PlacedTs: time.Now(),
		}
	}
	snapshot := m.pendingCopyLocked()
	m.mu.Unlock()

	if err := m.st.SavePending(snapshot); err != nil {
		m.logger.Warn("pending save failed", "error", err)
	}
}

// PendingCIDs lists cids with a tracked local entry.
func (m *Manager) PendingCIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for cid := range m.pending {
		out = append(out, cid)
	}
	return out
}

func (m *Manager) pendingCopyLocked() map[string]store.PendingTrade {
	out := make(map[string]store.PendingTrade, len(m.pending))
	for k, v := range m.pending {
		out[k] = v
	}
	return out
}

// RunDiscovery scans for redeemable positions every few seconds.
func (m *Manager) RunDiscovery(ctx context.Context) error {
	interval := m.cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.discover(ctx); err != nil {
				m.logger.Warn("discovery failed", "error", err)
			}
		}
	}
}

func (m *Manager) discover(ctx context.Context) error {
	positions, err := m.data.Positions(ctx, m.wallet)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, p := range positions {
		side := types.MarketSide(p.Outcome)
		if side != types.SideUp && side != types.SideDown {
			continue
		}
		if !p.Redeemable {
			continue
		}

		if p.CurrentValue <= m.cfg.DustUSDC {
			// A redeemable position with no claim value is the losing side:
			// record the loss for a tracked trade and drop it.
			m.recordLossIfPending(ctx, p.ConditionID, now)
			continue
		}

		m.mu.Lock()
		_, queued := m.queue[p.ConditionID]
		final := m.finalized[p.ConditionID]
		if !queued && !final {
			m.queue[p.ConditionID] = &types.RedemptionTask{
				CID:         p.ConditionID,
				WinningSide: side,
				ClaimUSDC:   p.CurrentValue,
				QueuedTs:    now,
				State:       types.RedeemDiscovered,
			}
			m.mu.Unlock()
			m.appendJournal(store.JournalEvent{
				Event: "QUEUE_REDEEM", CID: p.ConditionID,
				Side: string(side), Credit: p.CurrentValue,
			})
			continue
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) recordLossIfPending(ctx context.Context, cid string, now time.Time) {
	m.mu.Lock()
	trade, ok := m.pending[cid]
	if !ok || m.finalized[cid] {
		m.mu.Unlock()
		return
	}
	delete(m.pending, cid)
	m.finalized[cid] = true
	snapshot := m.pendingCopyLocked()
	m.mu.Unlock()

	m.finalizeOutcome(ctx, cid, trade, 0, now, false)
	if err := m.st.SavePending(snapshot); err != nil {
		m.logger.Warn("pending save failed", "error", err)
	}
}

// RunExecutor drains the redemption queue.
func (m *Manager) RunExecutor(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.drain(ctx)
		}
	}
}

func (m *Manager) drain(ctx context.Context) {
	m.mu.Lock()
	tasks := make([]*types.RedemptionTask, 0, len(m.queue))
	for _, t := range m.queue {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		m.process(ctx, task)
	}
}

func (m *Manager) process(ctx context.Context, task *types.RedemptionTask) {
	cid := task.CID
	indexSets := []uint64{task.WinningSide.IndexSet()}

	if m.dryRun {
		m.logger.Info("DRY-RUN: would redeem", "cid", cid, "claim", task.ClaimUSDC)
		m.complete(ctx, task, task.ClaimUSDC, "")
		return
	}

	// Preflight: a revert means not claimable yet; give up after N attempts.
	if err := m.chain.PreflightRedeem(ctx, cid, indexSets); err != nil {
		task.VerifyAttempts++
		if task.VerifyAttempts >= m.cfg.MaxVerify {
			m.logger.Warn("redemption never became claimable, abandoning",
				"cid", cid, "attempts", task.VerifyAttempts)
			task.State = types.RedeemAbandoned
			m.mu.Lock()
			delete(m.queue, cid)
			m.finalized[cid] = true
			m.mu.Unlock()
		}
		return
	}
	task.State = types.RedeemPreflightOK

	hash, err := m.chain.SubmitRedeem(ctx, cid, indexSets)
	if err != nil {
		task.SubmitAttempts++
		m.logger.Warn("redeem submit failed", "cid", cid, "error", err, "attempt", task.SubmitAttempts)
		if task.SubmitAttempts >= m.cfg.MaxSubmit {
			task.State = types.RedeemAbandoned
			m.mu.Lock()
			delete(m.queue, cid)
			m.mu.Unlock()
		} else {
			// Backoff happens naturally via the drain ticker; add one extra
			// beat for chain errors so we never hot-loop a failing tx.
			select {
			case <-ctx.Done():
			case <-time.After(m.cfg.RetryBackoff):
			}
		}
		return
	}
	task.TxHash = hash.Hex()
	task.State = types.RedeemSubmitted

	credit, err := m.chain.WaitReceipt(ctx, hash)
	if err != nil {
		task.SubmitAttempts++
		m.logger.Warn("redeem receipt failed", "cid", cid, "tx", task.TxHash, "error", err)
		if task.SubmitAttempts >= m.cfg.MaxSubmit {
			task.State = types.RedeemAbandoned
			m.mu.Lock()
			delete(m.queue, cid)
			m.mu.Unlock()
		}
		return
	}
	task.State = types.RedeemConfirmed

	m.complete(ctx, task, credit, task.TxHash)
}

// complete finalizes a confirmed redemption: realized credit, stats,
// journal, settled cache.
func (m *Manager) complete(ctx context.Context, task *types.RedemptionTask, credit float64, txHash string) {
	cid := task.CID

	m.mu.Lock()
	trade := m.pending[cid] // zero value for untracked credits
	delete(m.pending, cid)
	delete(m.queue, cid)
	m.finalized[cid] = true
	task.State = types.RedeemFinalized
	pendingSnap := m.pendingCopyLocked()
	m.mu.Unlock()

	m.finalizeOutcome(ctx, cid, trade, credit, time.Now(), task.Backfill)

	if err := m.st.SavePending(pendingSnap); err != nil {
		m.logger.Warn("pending save failed", "error", err)
	}
	m.logger.Info("redemption finalized", "cid", cid, "credit", credit, "tx", txHash)
}

// finalizeOutcome folds a resolution into stats and persists the settled
// cache. credit == 0 records a loss of the full stake.
func (m *Manager) finalizeOutcome(ctx context.Context, cid string, trade store.PendingTrade, credit float64, now time.Time, backfill bool) {
	if trade.Stake <= 0 && credit <= 0 {
		return
	}

	pnl := credit - trade.Stake
	win := credit > trade.Stake*0.5 && credit > 0
	result := "LOSS"
	if win {
		result = "WIN"
	}

	asset := trade.Position.Asset
	duration := trade.Position.DurationMin
	roundKey := trade.Position.Fingerprint()
	oracleAge := 0.0
	if (asset == "" || duration == 0) && m.rounds != nil {
		if r, ok := m.rounds.LookupOrFetch(ctx, cid); ok {
			asset = r.Asset
			duration = r.DurationMin
			roundKey = r.Fingerprint()
		}
	}

	if trade.Stake > 0 {
		m.book.RecordOutcome(stats.Outcome{
			CID:         cid,
			Asset:       asset,
			DurationMin: duration,
			Side:        trade.Position.Side,
			Win:         win,
			PnL:         pnl,
			Stake:       trade.Stake,
			Entry:       trade.Entry,
			Score:       trade.Score,
			Ts:          now,
		})
		if err := m.st.SaveStats(m.book.Snapshot()); err != nil {
			m.logger.Warn("stats save failed", "error", err)
		}
	}

	ev := store.JournalEvent{
		Event:        eventName(backfill),
		CID:          cid,
		Asset:        string(asset),
		Side:         string(trade.Position.Side),
		Duration:     duration,
		Score:        trade.Score,
		EntryPrice:   trade.Entry,
		Size:         trade.Stake,
		PnL:          pnl,
		Credit:       credit,
		Result:       result,
		RoundKey:     roundKey,
		OracleAgeS:   oracleAge,
		OpenPriceSrc: "",
	}
	m.appendJournal(ev)
	if m.metrics != nil {
		if err := m.metrics.InsertResolve(ev); err != nil {
			m.logger.Warn("metrics insert failed", "error", err)
		}
	}

	m.mu.Lock()
	m.settled[cid] = store.SettledOutcome{
		CID: cid, Result: result, PnL: pnl, Credit: credit, SettledAt: now,
	}
	settledSnap := make(map[string]store.SettledOutcome, len(m.settled))
	for k, v := range m.settled {
		settledSnap[k] = v
	}
	m.mu.Unlock()
	if err := m.st.SaveSettled(settledSnap); err != nil {
		m.logger.Warn("settled save failed", "error", err)
	}
}

func eventName(backfill bool) string {
	if backfill {
		return "RESOLVE-BACKFILL"
	}
	return "RESOLVE"
}

// RunBackfill independently sweeps historical activity for redeemable cids
// the live discovery may have missed.
func (m *Manager) RunBackfill(ctx context.Context) error {
	interval := m.cfg.BackfillInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.backfill(ctx); err != nil {
				m.logger.Warn("backfill failed", "error", err)
			}
		}
	}
}

func (m *Manager) backfill(ctx context.Context) error {
	rows, err := m.act.Activity(ctx, m.wallet, m.cfg.BackfillPages, 100)
	if err != nil {
		return err
	}

	bySide := make(map[string]types.MarketSide)
	for _, ev := range rows {
		side := types.MarketSide(ev.Outcome)
		if side != types.SideUp && side != types.SideDown {
			continue
		}
		if ev.ConditionID == "" {
			continue
		}
		bySide[ev.ConditionID] = side
	}

	queued := 0
	m.mu.Lock()
	for cid, side := range bySide {
		if m.finalized[cid] {
			continue
		}
		if _, ok := m.queue[cid]; ok {
			continue
		}
		m.queue[cid] = &types.RedemptionTask{
			CID:         cid,
			WinningSide: side,
			QueuedTs:    time.Now(),
			State:       types.RedeemDiscovered,
			Backfill:    true,
		}
		queued++
	}
	m.mu.Unlock()

	if queued > 0 {
		m.logger.Info("backfill queued historical cids", "count", queued)
	}
	return nil
}

func (m *Manager) appendJournal(ev store.JournalEvent) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Append(ev); err != nil {
		m.logger.Warn("journal append failed", "error", err)
	}
}
