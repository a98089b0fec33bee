// deriv.go maintains the derivatives-market microstructure state per asset:
// perp mark/index basis and funding, forced-liquidation flow, aggregate-trade
// order-flow imbalance, depth-weighted book imbalance, VWAP window stats,
// volume ratios, open-interest delta and the global long/short ratio.
package feed

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

const fapiBaseURL = "https://fapi.binance.com"

type liqEvent struct {
	ts  time.Time
	usd float64
	// side is the liquidated position side: SELL order = long liquidation.
	longLiq bool
}

type klineBar struct {
	openTime time.Time
	open     float64
	high     float64
	low      float64
	close    float64
	volume   float64
}

type derivAsset struct {
	markPrice   float64
	indexPrice  float64
	fundingRate float64
	markTs      time.Time

	depthBids []types.Level
	depthAsks []types.Level
	depthTs   time.Time

	ofiBuy  float64
	ofiSell float64
	ofiTs   time.Time

	liqs []liqEvent

	klines   []klineBar
	klinesTs time.Time

	oiPrev float64
	oiCur  float64
	oiTs   time.Time
	lsLong float64
}

// DerivStream supervises the futures streams and polls for one asset set.
type DerivStream struct {
	cfg    config.FeedsConfig
	http   *resty.Client
	spot   *binance.Client
	logger *slog.Logger

	mu     sync.RWMutex
	assets map[types.Asset]*derivAsset
}

// NewDerivStream creates the derivatives stream.
func NewDerivStream(cfg config.FeedsConfig, logger *slog.Logger) *DerivStream {
	assets := make(map[types.Asset]*derivAsset, len(types.AllAssets))
	for _, a := range types.AllAssets {
		assets[a] = &derivAsset{lsLong: 1.0}
	}
	return &DerivStream{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(fapiBaseURL).
			SetTimeout(8 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(400 * time.Millisecond),
		spot:   binance.NewClient("", ""),
		logger: logger.With("component", "deriv_stream"),
		assets: assets,
	}
}

// Run launches every sub-stream and poll loop; blocks until ctx is done.
func (d *DerivStream) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, asset := range types.AllAssets {
		asset := asset
		for _, f := range []func(context.Context, types.Asset){
			d.runMarkPrice, d.runLiquidations, d.runAggTrades, d.runDepth,
		} {
			f := f
			wg.Add(1)
			go func() {
				defer wg.Done()
				f(ctx, asset)
			}()
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.pollLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// superviseWS wraps one go-binance websocket subscription with reconnect.
func (d *DerivStream) superviseWS(ctx context.Context, name string, subscribe func() (chan struct{}, chan struct{}, error)) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		doneC, stopC, err := subscribe()
		if err != nil {
			wait := bo.NextBackOff()
			d.logger.Warn("subscribe failed", "stream", name, "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		select {
		case <-ctx.Done():
			close(stopC)
			return
		case <-doneC:
			wait := bo.NextBackOff()
			d.logger.Warn("stream closed, reconnecting", "stream", name, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (d *DerivStream) runMarkPrice(ctx context.Context, asset types.Asset) {
	symbol := asset.SpotSymbol()
	d.superviseWS(ctx, "mark:"+symbol, func() (chan struct{}, chan struct{}, error) {
		return futures.WsMarkPriceServe(symbol, func(event *futures.WsMarkPriceEvent) {
			mark, _ := strconv.ParseFloat(event.MarkPrice, 64)
			index, _ := strconv.ParseFloat(event.IndexPrice, 64)
			funding, _ := strconv.ParseFloat(event.FundingRate, 64)
			if mark <= 0 || index <= 0 {
				return
			}
			d.mu.Lock()
			st := d.assets[asset]
			st.markPrice = mark
			st.indexPrice = index
			st.fundingRate = funding
			st.markTs = time.UnixMilli(event.Time)
			d.mu.Unlock()
		}, func(err error) {
			d.logger.Warn("mark price stream error", "symbol", symbol, "error", err)
		})
	})
}

func (d *DerivStream) runLiquidations(ctx context.Context, asset types.Asset) {
	symbol := asset.SpotSymbol()
	d.superviseWS(ctx, "liq:"+symbol, func() (chan struct{}, chan struct{}, error) {
		return futures.WsLiquidationOrderServe(symbol, func(event *futures.WsLiquidationOrderEvent) {
			o := event.LiquidationOrder
			price, _ := strconv.ParseFloat(o.Price, 64)
			qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
			if price <= 0 || qty <= 0 {
				return
			}
			d.mu.Lock()
			st := d.assets[asset]
			st.liqs = append(st.liqs, liqEvent{
				ts:      time.UnixMilli(o.TradeTime),
				usd:     price * qty,
				longLiq: o.Side == futures.SideTypeSell, // forced sell = long blown out
			})
			if len(st.liqs) > 200 {
				st.liqs = st.liqs[len(st.liqs)-200:]
			}
			d.mu.Unlock()
		}, func(err error) {
			d.logger.Warn("liquidation stream error", "symbol", symbol, "error", err)
		})
	})
}

func (d *DerivStream) runAggTrades(ctx context.Context, asset types.Asset) {
	symbol := asset.SpotSymbol()
	window := d.cfg.OFIWindow.Seconds()
	if window <= 0 {
		window = 20
	}
	d.superviseWS(ctx, "aggofi:"+symbol, func() (chan struct{}, chan struct{}, error) {
		return futures.WsAggTradeServe(symbol, func(event *futures.WsAggTradeEvent) {
			price, _ := strconv.ParseFloat(event.Price, 64)
			qty, _ := strconv.ParseFloat(event.Quantity, 64)
			if price <= 0 || qty <= 0 {
				return
			}
			ts := time.UnixMilli(event.Time)
			d.mu.Lock()
			st := d.assets[asset]
			dt := 1.0
			if !st.ofiTs.IsZero() {
				dt = ts.Sub(st.ofiTs).Seconds()
				if dt < 0 {
					dt = 0
				}
			}
			decay := math.Exp(-dt / window)
			st.ofiBuy *= decay
			st.ofiSell *= decay
			if event.Maker {
				st.ofiSell += price * qty // aggressor sold into the bid
			} else {
				st.ofiBuy += price * qty
			}
			st.ofiTs = ts
			d.mu.Unlock()
		}, func(err error) {
			d.logger.Warn("agg trade stream error", "symbol", symbol, "error", err)
		})
	})
}

func (d *DerivStream) runDepth(ctx context.Context, asset types.Asset) {
	symbol := asset.SpotSymbol()
	d.superviseWS(ctx, "depth:"+symbol, func() (chan struct{}, chan struct{}, error) {
		return binance.WsPartialDepthServe(symbol, "20", func(event *binance.WsPartialDepthEvent) {
			bids := make([]types.Level, 0, len(event.Bids))
			for _, b := range event.Bids {
				price, _ := strconv.ParseFloat(b.Price, 64)
				size, _ := strconv.ParseFloat(b.Quantity, 64)
				if price > 0 && size > 0 {
					bids = append(bids, types.Level{Price: price, Size: size})
				}
			}
			asks := make([]types.Level, 0, len(event.Asks))
			for _, a := range event.Asks {
				price, _ := strconv.ParseFloat(a.Price, 64)
				size, _ := strconv.ParseFloat(a.Quantity, 64)
				if price > 0 && size > 0 {
					asks = append(asks, types.Level{Price: price, Size: size})
				}
			}
			d.mu.Lock()
			st := d.assets[asset]
			st.depthBids = bids
			st.depthAsks = asks
			st.depthTs = time.Now()
			d.mu.Unlock()
		}, func(err error) {
			d.logger.Warn("depth stream error", "symbol", symbol, "error", err)
		})
	})
}

// pollLoop refreshes klines, open interest and long/short ratio on a timer.
func (d *DerivStream) pollLoop(ctx context.Context) {
	interval := d.cfg.OIPollInterval
	if interval <= 0 {
		interval = 45 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshAll(ctx)
		}
	}
}

func (d *DerivStream) refreshAll(ctx context.Context) {
	for _, asset := range types.AllAssets {
		if ctx.Err() != nil {
			return
		}
		if err := d.refreshKlines(ctx, asset); err != nil {
			d.logger.Warn("kline refresh failed", "asset", asset, "error", err)
		}
		if err := d.refreshOI(ctx, asset); err != nil {
			d.logger.Warn("oi refresh failed", "asset", asset, "error", err)
		}
		if err := d.refreshLongShort(ctx, asset); err != nil {
			d.logger.Warn("long/short refresh failed", "asset", asset, "error", err)
		}
	}
}

func (d *DerivStream) refreshKlines(ctx context.Context, asset types.Asset) error {
	bars := d.cfg.KlineWarmupBars
	if bars <= 0 {
		bars = 30
	}
	ks, err := d.spot.NewKlinesService().
		Symbol(asset.SpotSymbol()).
		Interval("1m").
		Limit(bars).
		Do(ctx)
	if err != nil {
		return err
	}

	out := make([]klineBar, 0, len(ks))
	for _, k := range ks {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		cl, _ := strconv.ParseFloat(k.Close, 64)
		vol, _ := strconv.ParseFloat(k.Volume, 64)
		out = append(out, klineBar{
			openTime: time.UnixMilli(k.OpenTime),
			open:     open, high: high, low: low, close: cl, volume: vol,
		})
	}

	d.mu.Lock()
	st := d.assets[asset]
	st.klines = out
	st.klinesTs = time.Now()
	d.mu.Unlock()
	return nil
}

func (d *DerivStream) refreshOI(ctx context.Context, asset types.Asset) error {
	var out struct {
		OpenInterest string `json:"openInterest"`
	}
	resp, err := d.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", asset.SpotSymbol()).
		SetResult(&out).
		Get("/fapi/v1/openInterest")
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return errStatus(resp.StatusCode())
	}
	oi, _ := strconv.ParseFloat(out.OpenInterest, 64)
	if oi <= 0 {
		return nil
	}
	d.mu.Lock()
	st := d.assets[asset]
	if st.oiCur > 0 {
		st.oiPrev = st.oiCur
	}
	st.oiCur = oi
	st.oiTs = time.Now()
	d.mu.Unlock()
	return nil
}

func (d *DerivStream) refreshLongShort(ctx context.Context, asset types.Asset) error {
	var out []struct {
		LongShortRatio string `json:"longShortRatio"`
	}
	resp, err := d.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": asset.SpotSymbol(),
			"period": "5m",
			"limit":  "1",
		}).
		SetResult(&out).
		Get("/futures/data/globalLongShortAccountRatio")
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 || len(out) == 0 {
		return nil
	}
	ratio, _ := strconv.ParseFloat(out[0].LongShortRatio, 64)
	if ratio <= 0 {
		return nil
	}
	d.mu.Lock()
	d.assets[asset].lsLong = ratio
	d.mu.Unlock()
	return nil
}

type statusError int

func (e statusError) Error() string { return "http status " + strconv.Itoa(int(e)) }

func errStatus(code int) error { return statusError(code) }

// View assembles the DerivView for a round starting at windowStart using the
// shared spot-stream taker flow for the taker ratio.
func (d *DerivStream) View(asset types.Asset, spot *PriceStream, windowStart time.Time) types.DerivView {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := d.assets[asset]
	now := time.Now()
	v := types.DerivView{TakerRatio: 0.5, VolRatio: 1.0, VolMult: 1.0, LSRatio: st.lsLong, Ts: now}

	// Depth-weighted 1/rank imbalance
	v.DepthImbalance = depthWeightedImbalance(st.depthBids, st.depthAsks)

	if st.indexPrice > 0 && st.markPrice > 0 {
		v.PerpBasis = (st.markPrice - st.indexPrice) / st.indexPrice
	}
	v.FundingRate = st.fundingRate

	if ratio, ts := spot.TakerFlow(asset); !ts.IsZero() {
		v.TakerRatio = ratio
	}

	if total := st.ofiBuy + st.ofiSell; total > 0 {
		v.OFI = (st.ofiBuy - st.ofiSell) / total
	}

	if st.oiPrev > 0 && st.oiCur > 0 {
		v.OIDelta = (st.oiCur - st.oiPrev) / st.oiPrev
	}

	// Liquidation notionals within the window
	liqWindow := d.cfg.LiqWindow
	if liqWindow <= 0 {
		liqWindow = 90 * time.Second
	}
	for _, l := range st.liqs {
		if now.Sub(l.ts) > liqWindow {
			continue
		}
		if l.longLiq {
			v.LiqDownUSD += l.usd
		} else {
			v.LiqUpUSD += l.usd
		}
	}

	// VWAP deviation and volume ratio over the round window from 1m bars.
	v.VWAPDev, v.VolRatio, v.VolMult = windowStats(st.klines, windowStart)

	v.Ready = len(st.depthBids) > 0 && len(st.depthAsks) > 0 && len(st.klines) >= 10
	return v
}

// Oscillators computes RSI(14) and Williams %R(14) from the 1m bars.
func (d *DerivStream) Oscillators(asset types.Asset) (rsi, williamsR float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return rsi14(d.assets[asset].klines), williamsR14(d.assets[asset].klines)
}

// depthWeightedImbalance weights each level by 1/rank: the touch dominates,
// deep levels fade. Result is in [-1, 1], positive = bid-heavy.
func depthWeightedImbalance(bids, asks []types.Level) float64 {
	var bidW, askW float64
	for i, l := range bids {
		bidW += l.Price * l.Size / float64(i+1)
	}
	for i, l := range asks {
		askW += l.Price * l.Size / float64(i+1)
	}
	total := bidW + askW
	if total <= 0 {
		return 0
	}
	return (bidW - askW) / total
}

// windowStats derives (vwapDev, volRatio, volMult) for bars inside the round
// window vs the trailing baseline.
func windowStats(bars []klineBar, windowStart time.Time) (vwapDev, volRatio, volMult float64) {
	volRatio, volMult = 1.0, 1.0
	if len(bars) == 0 {
		return 0, volRatio, volMult
	}

	var pvSum, vSum float64
	var baselineVol float64
	var baselineBars int
	var windowVol float64
	var windowBars int
	last := bars[len(bars)-1].close

	for _, b := range bars {
		typical := (b.high + b.low + b.close) / 3
		if b.openTime.Before(windowStart) {
			baselineVol += b.volume
			baselineBars++
			continue
		}
		pvSum += typical * b.volume
		vSum += b.volume
		windowVol += b.volume
		windowBars++
	}

	if vSum > 0 && last > 0 {
		vwap := pvSum / vSum
		if vwap > 0 {
			vwapDev = (last - vwap) / vwap
		}
	}
	if baselineBars > 0 && windowBars > 0 {
		basePerBar := baselineVol / float64(baselineBars)
		winPerBar := windowVol / float64(windowBars)
		if basePerBar > 0 {
			volRatio = winPerBar / basePerBar
		}
	}
	// Size multiplier: damp on dead volume, never boost aggressively.
	volMult = clampF(0.6+0.4*math.Min(volRatio, 2.0)/1.0, 0.6, 1.4)
	return vwapDev, volRatio, volMult
}

func rsi14(bars []klineBar) float64 {
	const period = 14
	if len(bars) < period+1 {
		return 50
	}
	bars = bars[len(bars)-period-1:]
	var gain, loss float64
	for i := 1; i < len(bars); i++ {
		diff := bars[i].close - bars[i-1].close
		if diff > 0 {
			gain += diff
		} else {
			loss -= diff
		}
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

func williamsR14(bars []klineBar) float64 {
	const period = 14
	if len(bars) < period {
		return -50
	}
	bars = bars[len(bars)-period:]
	hi, lo := bars[0].high, bars[0].low
	for _, b := range bars {
		if b.high > hi {
			hi = b.high
		}
		if b.low < lo {
			lo = b.low
		}
	}
	if hi == lo {
		return -50
	}
	return (hi - bars[len(bars)-1].close) / (hi - lo) * -100
}
