// manager.go merges all streams into immutable decision snapshots and owns
// the open-price ("price to beat") capture per round.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

type openPrice struct {
	price  float64
	source string // "PM", "CL-exact", "CL", "interp"
}

// Manager owns every feed and assembles snapshots for the scorer.
type Manager struct {
	cfg    config.FeedsConfig
	Prices *PriceStream
	Deriv  *DerivStream
	Oracle *OracleFeed
	Books  *BookTracker
	Flow   *CopyFlow
	logger *slog.Logger

	mu         sync.RWMutex
	openPrices map[string]openPrice // cid → price to beat
	prevOpen   map[types.Asset]float64
	lastSlot   map[types.Asset]time.Time
}

// NewManager wires the feed components together.
func NewManager(cfg config.FeedsConfig, prices *PriceStream, deriv *DerivStream, oracle *OracleFeed, books *BookTracker, flow *CopyFlow, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		Prices:     prices,
		Deriv:      deriv,
		Oracle:     oracle,
		Books:      books,
		Flow:       flow,
		logger:     logger.With("component", "feed_manager"),
		openPrices: make(map[string]openPrice),
		prevOpen:   make(map[types.Asset]float64),
		lastSlot:   make(map[types.Asset]time.Time),
	}
}

// RunOpenPriceCapture watches active rounds and resolves each round's
// reference price shortly after its start boundary. Source preference:
// a venue-provided reference ("PM") wins, then an oracle print at the exact
// boundary ("CL-exact"), then the latest oracle at/before it ("CL"), then
// the latest spot price when it is at most 30s old ("interp").
func (m *Manager) RunOpenPriceCapture(ctx context.Context, rounds RoundLister) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			for _, r := range rounds() {
				if now.Before(r.StartTs) {
					continue
				}
				m.captureOpen(r, now)
			}
			m.pruneOpen(rounds())
		}
	}
}

func (m *Manager) captureOpen(r types.Round, now time.Time) {
	m.mu.RLock()
	_, have := m.openPrices[r.ConditionID]
	m.mu.RUnlock()
	if have {
		return
	}

	var op openPrice
	if price, exact, ok := m.Oracle.AtBoundary(r.Asset, r.StartTs); ok {
		if exact {
			op = openPrice{price: price, source: "CL-exact"}
		} else {
			op = openPrice{price: price, source: "CL"}
		}
	} else if spot := m.Prices.Last(r.Asset); spot.Value > 0 && spot.AgeS(now) <= 30 {
		op = openPrice{price: spot.Value, source: "interp"}
	} else {
		return // wait for the first usable reference
	}

	m.mu.Lock()
	m.openPrices[r.ConditionID] = op
	// Round rollover: the previous slot's open becomes the continuation
	// reference for this asset.
	if last, ok := m.lastSlot[r.Asset]; !ok || r.StartTs.After(last) {
		if prev := m.openForSlot(r.Asset, last); prev > 0 {
			m.prevOpen[r.Asset] = prev
		}
		m.lastSlot[r.Asset] = r.StartTs
	}
	m.mu.Unlock()

	m.logger.Info("open price captured",
		"asset", r.Asset, "duration", r.DurationMin,
		"cid", shortCID(r.ConditionID), "price", op.price, "source", op.source)
}

// SetOpenPriceFromVenue records a venue-provided reference price, which wins
// over any oracle-derived capture.
func (m *Manager) SetOpenPriceFromVenue(cid string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	m.openPrices[cid] = openPrice{price: price, source: "PM"}
	m.mu.Unlock()
}

func (m *Manager) openForSlot(asset types.Asset, slot time.Time) float64 {
	if slot.IsZero() {
		return 0
	}
	if price, _, ok := m.Oracle.AtBoundary(asset, slot); ok {
		return price
	}
	return 0
}

func (m *Manager) pruneOpen(active []types.Round) {
	keep := make(map[string]bool, len(active))
	for _, r := range active {
		keep[r.ConditionID] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.openPrices) <= 4*len(keep)+64 {
		return
	}
	for cid := range m.openPrices {
		if !keep[cid] {
			delete(m.openPrices, cid)
		}
	}
}

// OpenPrice returns the round's reference price and source tag.
func (m *Manager) OpenPrice(cid string) (float64, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op := m.openPrices[cid]
	return op.price, op.source
}

// BuildSnapshot assembles the immutable decision view for one round.
// The prefetch book is the cheap side (token whose quoted price ≤ 0.5).
func (m *Manager) BuildSnapshot(r types.Round) types.Snapshot {
	now := time.Now()

	prefetch := r.TokenUp
	oppToken := r.TokenDown
	if r.UpPrice > 0.5 {
		prefetch, oppToken = r.TokenDown, r.TokenUp
	}

	capMS := m.Books.AdaptiveFreshCapMS()
	book, ok := m.Books.View(prefetch, capMS)
	if !ok {
		// Soft window: an older ws book or REST fallback may still serve with
		// a score penalty; the scorer decides from the age it sees.
		book, _ = m.Books.View(prefetch, m.cfg.BookSoftMaxAgeMS)
	}
	oppBook, _ := m.Books.View(oppToken, m.cfg.BookSoftMaxAgeMS)

	vr, ac, annVol := m.Prices.Regime(r.Asset)
	rsi, wr := m.Deriv.Oscillators(r.Asset)

	openPx, openSrc := m.OpenPrice(r.ConditionID)

	m.mu.RLock()
	prevOpen := m.prevOpen[r.Asset]
	m.mu.RUnlock()

	snap := types.Snapshot{
		Taken:      now,
		Asset:      r.Asset,
		Spot:       m.Prices.Last(r.Asset),
		Oracle:     m.Oracle.Current(r.Asset),
		PrevOpen:   prevOpen,
		OpenPrice:  openPx,
		OpenSource: openSrc,
		Book:       book,
		OppBook:    oppBook,
		Flow:       m.Flow.View(r.ConditionID),
		Momentum:   m.Prices.Momentum(r.Asset, annVol),
		Deriv:      m.Deriv.View(r.Asset, m.Prices, r.StartTs),
		Regime: types.RegimeView{
			VarianceRatio: vr,
			Autocorr:      ac,
			RSI:           rsi,
			WilliamsR:     wr,
			AnnVol:        annVol,
		},
		BTCLeadProb: 0.5,
	}

	if r.Asset != types.AssetBTC {
		snap.BTCLeadProb = m.Prices.BTCLeadProb()
	}

	for _, other := range types.AllAssets {
		if other == r.Asset {
			continue
		}
		switch m.Prices.Direction(other) {
		case types.SideUp:
			snap.CrossUp++
		case types.SideDown:
			snap.CrossDown++
		}
	}

	snap.Quality = m.analysisQuality(snap, capMS)
	return snap
}

// analysisQuality is the composite freshness score in [0,1] used to shrink
// probability estimates toward 0.5 under degraded data.
func (m *Manager) analysisQuality(s types.Snapshot, bookCapMS float64) float64 {
	now := s.Taken
	q := 0.0

	switch {
	case s.Book.Source == "ws" && s.Book.AgeMS(now) <= bookCapMS:
		q += 0.30
	case s.Book.AgeMS(now) <= m.cfg.CLOBRestFreshMS:
		q += 0.18
	}
	minN := m.cfg.CopyFlowMinN
	if minN <= 0 {
		minN = 1
	}
	if s.Flow.N >= minN && s.Flow.AgeS(now) <= m.cfg.CopyFlowMaxAgeS {
		q += 0.15
	}
	if s.Oracle.AgeS(now) <= m.cfg.OracleFreshS {
		q += 0.25
	}
	if s.Spot.AgeMS(now) <= m.cfg.QuoteFreshMS {
		q += 0.15
	}
	if s.Deriv.Ready {
		q += 0.15
	}
	return clampF(q, 0, 1)
}

func shortCID(cid string) string {
	if len(cid) <= 10 {
		return cid
	}
	return cid[:10] + "…"
}
