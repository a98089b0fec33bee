// books.go mirrors the CLOB order books per token and tracks their ages.
// Books are updated from two sources: WebSocket events (full snapshots and
// incremental price changes) and REST responses (fallback). An adaptive
// freshness cap derived from the recent median age decides what "fresh"
// means right now, and a stale-streak counter asks for a forced reconnect
// when every subscribed token ages out.
package feed

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

const bookDepth = 8 // top-N levels retained per side

type tokenBook struct {
	bids    []types.Level // descending
	asks    []types.Level // ascending
	tick    float64
	ts      time.Time
	source  string // "ws" or "clob-rest"
	hash    string
}

// BookTracker holds the live token books and freshness state.
type BookTracker struct {
	cfg    config.FeedsConfig
	logger *slog.Logger

	mu         sync.RWMutex
	books      map[string]*tokenBook
	recentAges []float64 // observed ws update gaps (ms), ring
	staleTicks int
}

// NewBookTracker creates the CLOB book mirror.
func NewBookTracker(cfg config.FeedsConfig, logger *slog.Logger) *BookTracker {
	return &BookTracker{
		cfg:    cfg,
		logger: logger.With("component", "books"),
		books:  make(map[string]*tokenBook),
	}
}

// ApplyWSBook replaces the book for one token with a full WS snapshot.
func (b *BookTracker) ApplyWSBook(evt types.WSBookEvent) {
	bids := evt.Bids
	if len(bids) == 0 {
		bids = evt.Buys
	}
	asks := evt.Asks
	if len(asks) == 0 {
		asks = evt.Sells
	}
	b.apply(evt.AssetID, bids, asks, evt.TickSize, evt.Hash, "ws")
}

// ApplyREST applies a REST book response as fallback data.
func (b *BookTracker) ApplyREST(resp *types.BookResponse) {
	if resp == nil {
		return
	}
	b.apply(resp.AssetID, resp.Bids, resp.Asks, resp.TickSize, resp.Hash, "clob-rest")
}

func (b *BookTracker) apply(tokenID string, bids, asks []types.PriceLevel, tickStr, hash, source string) {
	parsedBids := parseLevels(bids)
	sort.Slice(parsedBids, func(i, j int) bool { return parsedBids[i].Price > parsedBids[j].Price })
	parsedAsks := parseLevels(asks)
	sort.Slice(parsedAsks, func(i, j int) bool { return parsedAsks[i].Price < parsedAsks[j].Price })

	if len(parsedBids) > bookDepth {
		parsedBids = parsedBids[:bookDepth]
	}
	if len(parsedAsks) > bookDepth {
		parsedAsks = parsedAsks[:bookDepth]
	}

	tick := 0.01
	if t, err := strconv.ParseFloat(tickStr, 64); err == nil && t > 0 {
		tick = t
	}

	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.books[tokenID]
	if ok && source == "ws" {
		gap := float64(now.Sub(prev.ts)) / float64(time.Millisecond)
		if gap > 0 {
			b.recentAges = append(b.recentAges, gap)
			if len(b.recentAges) > 256 {
				b.recentAges = b.recentAges[len(b.recentAges)-256:]
			}
		}
	}
	// REST data never overwrites a fresher WS book.
	if ok && source == "clob-rest" && prev.source == "ws" && now.Sub(prev.ts) < 2*time.Second {
		return
	}

	b.books[tokenID] = &tokenBook{
		bids: parsedBids, asks: parsedAsks,
		tick: tick, ts: now, source: source, hash: hash,
	}
}

// ApplyPriceChange patches individual levels from an incremental update.
func (b *BookTracker) ApplyPriceChange(evt types.WSPriceChangeEvent) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pc := range evt.PriceChanges {
		book, ok := b.books[pc.AssetID]
		if !ok {
			continue
		}
		price, err1 := strconv.ParseFloat(pc.Price, 64)
		size, err2 := strconv.ParseFloat(pc.Size, 64)
		if err1 != nil || err2 != nil || price <= 0 {
			continue
		}
		switch pc.Side {
		case "BUY", "buy":
			book.bids = patchLevel(book.bids, price, size, true)
		case "SELL", "sell":
			book.asks = patchLevel(book.asks, price, size, false)
		}
		book.ts = now
		book.hash = pc.Hash
		book.source = "ws"
	}
}

func patchLevel(levels []types.Level, price, size float64, descending bool) []types.Level {
	for i, l := range levels {
		if l.Price == price {
			if size <= 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size <= 0 {
		return levels
	}
	levels = append(levels, types.Level{Price: price, Size: size})
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if len(levels) > bookDepth {
		levels = levels[:bookDepth]
	}
	return levels
}

func parseLevels(in []types.PriceLevel) []types.Level {
	out := make([]types.Level, 0, len(in))
	for _, l := range in {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil || price <= 0 || size <= 0 {
			continue
		}
		out = append(out, types.Level{Price: price, Size: size})
	}
	return out
}

// AdaptiveFreshCapMS computes the current freshness cap from the median of
// recent ws update gaps, clamped to the configured floor/ceiling.
func (b *BookTracker) AdaptiveFreshCapMS() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.adaptiveCapLocked()
}

func (b *BookTracker) adaptiveCapLocked() float64 {
	floor, ceil := b.cfg.BookFreshFloorMS, b.cfg.BookFreshCeilMS
	if floor <= 0 {
		floor = 1500
	}
	if ceil <= 0 {
		ceil = 8000
	}
	if len(b.recentAges) < 8 {
		return ceil
	}
	ages := make([]float64, len(b.recentAges))
	copy(ages, b.recentAges)
	sort.Float64s(ages)
	median := ages[len(ages)/2]
	mult := b.cfg.BookFreshMedianMult
	if mult <= 0 {
		mult = 3.0
	}
	return clampF(median*mult, floor, ceil)
}

// View returns the book for a token if it is within maxAgeMS (0 = any age).
func (b *BookTracker) View(tokenID string, maxAgeMS float64) (types.BookView, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	book, ok := b.books[tokenID]
	if !ok {
		return types.BookView{}, false
	}
	age := float64(time.Since(book.ts)) / float64(time.Millisecond)
	if maxAgeMS > 0 && age > maxAgeMS {
		return types.BookView{}, false
	}

	v := types.BookView{
		TokenID:  tokenID,
		TickSize: book.tick,
		Ts:       book.ts,
		Source:   book.source,
		Asks:     append([]types.Level(nil), book.asks...),
		Bids:     append([]types.Level(nil), book.bids...),
	}
	if len(book.bids) > 0 {
		v.BestBid = book.bids[0].Price
	}
	if len(book.asks) > 0 {
		v.BestAsk = book.asks[0].Price
	}
	return v, true
}

// HealthTick counts consecutive ticks where every tracked book exceeds the
// adaptive cap; returns true when a forced reconnect is due.
func (b *BookTracker) HealthTick() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.books) == 0 {
		b.staleTicks = 0
		return false
	}
	cap := b.adaptiveCapLocked()
	now := time.Now()
	allStale := true
	for _, book := range b.books {
		if float64(now.Sub(book.ts))/float64(time.Millisecond) <= cap {
			allStale = false
			break
		}
	}
	if !allStale {
		b.staleTicks = 0
		return false
	}
	b.staleTicks++
	threshold := b.cfg.StaleTicksReconnect
	if threshold <= 0 {
		threshold = 4
	}
	if b.staleTicks >= threshold {
		b.staleTicks = 0
		b.logger.Warn("all books stale beyond adaptive cap, forcing reconnect", "cap_ms", cap)
		return true
	}
	return false
}

// Drop removes a token book (round retired).
func (b *BookTracker) Drop(tokenIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range tokenIDs {
		delete(b.books, id)
	}
}
