// Package feed maintains fresh, monotone views of every market-data input:
// spot prices, the resolution oracle, CLOB books, derivatives microstructure
// and leader copy-flow. The feed manager merges them into immutable decision
// snapshots for the scorer with explicit staleness accounting.
package feed

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/cenkalti/backoff/v4"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// emaHalfLives are the time-weighted EMA horizons in seconds.
var emaHalfLives = []float64{5, 30, 60, 180}

type pricePoint struct {
	ts    time.Time
	price float64
}

// kalmanState is a constant-velocity Kalman filter over the tick stream.
// State: [price, velocity]; velocity feeds the momentum vote and the LLR.
type kalmanState struct {
	price float64
	vel   float64
	pVar  [2][2]float64 // covariance
	last  time.Time
	ready bool
	ticks int
}

const (
	kalmanProcessVar = 1e-7 // per-second velocity process noise (relative)
	kalmanMeasVar    = 1e-8 // measurement noise (relative)
	kalmanWarmTicks  = 25
)

func (k *kalmanState) update(ts time.Time, price float64) {
	if !k.ready && k.ticks == 0 {
		k.price = price
		k.pVar = [2][2]float64{{1, 0}, {0, 1}}
		k.last = ts
		k.ticks++
		return
	}

	dt := ts.Sub(k.last).Seconds()
	if dt <= 0 {
		dt = 1e-3
	}
	k.last = ts

	// Predict
	pred := k.price + k.vel*dt
	q := kalmanProcessVar * price * price * dt
	p00 := k.pVar[0][0] + dt*(k.pVar[1][0]+k.pVar[0][1]) + dt*dt*k.pVar[1][1] + q*dt
	p01 := k.pVar[0][1] + dt*k.pVar[1][1]
	p10 := k.pVar[1][0] + dt*k.pVar[1][1]
	p11 := k.pVar[1][1] + q

	// Update
	r := kalmanMeasVar * price * price
	s := p00 + r
	k0 := p00 / s
	k1 := p10 / s
	innov := price - pred

	k.price = pred + k0*innov
	k.vel = k.vel + k1*innov
	k.pVar[0][0] = (1 - k0) * p00
	k.pVar[0][1] = (1 - k0) * p01
	k.pVar[1][0] = p10 - k1*p00
	k.pVar[1][1] = p11 - k1*p01

	k.ticks++
	if k.ticks >= kalmanWarmTicks {
		k.ready = true
	}
}

// assetPrices is the per-asset tick state, exclusively owned by PriceStream.
type assetPrices struct {
	last    float64
	lastTs  time.Time
	history []pricePoint // bounded ring, oldest first
	emas    map[float64]float64
	emaTs   time.Time
	kalman  kalmanState

	// taker flow accumulated from aggTrades over a rolling window
	buyVol  float64
	sellVol float64
	flowTs  time.Time
}

// PriceStream subscribes tick-by-tick spot prices per asset and maintains
// the bounded time-series deque, time-weighted EMAs and a Kalman filter.
type PriceStream struct {
	cfg    config.FeedsConfig
	logger *slog.Logger

	mu     sync.RWMutex
	assets map[types.Asset]*assetPrices
}

// NewPriceStream creates the spot price stream.
func NewPriceStream(cfg config.FeedsConfig, logger *slog.Logger) *PriceStream {
	assets := make(map[types.Asset]*assetPrices, len(types.AllAssets))
	for _, a := range types.AllAssets {
		assets[a] = &assetPrices{emas: make(map[float64]float64)}
	}
	return &PriceStream{
		cfg:    cfg,
		logger: logger.With("component", "price_stream"),
		assets: assets,
	}
}

// Run maintains one aggTrade subscription per asset until ctx is cancelled.
func (p *PriceStream) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, asset := range types.AllAssets {
		asset := asset
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runSymbol(ctx, asset)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *PriceStream) runSymbol(ctx context.Context, asset types.Asset) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	symbol := asset.SpotSymbol()
	for ctx.Err() == nil {
		doneC, stopC, err := binance.WsAggTradeServe(symbol,
			func(event *binance.WsAggTradeEvent) {
				price, perr := strconv.ParseFloat(event.Price, 64)
				if perr != nil || price <= 0 {
					return
				}
				qty, _ := strconv.ParseFloat(event.Quantity, 64)
				ts := time.UnixMilli(event.TradeTime)
				p.onTick(asset, ts, price, qty, event.IsBuyerMaker)
			},
			func(err error) {
				p.logger.Warn("aggtrade stream error", "symbol", symbol, "error", err)
			})
		if err != nil {
			wait := bo.NextBackOff()
			p.logger.Warn("aggtrade subscribe failed", "symbol", symbol, "error", err, "backoff", wait)
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
			p.logger.Warn("aggtrade stream closed, reconnecting", "symbol", symbol, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// onTick is the single writer for per-asset tick state.
func (p *PriceStream) onTick(asset types.Asset, ts time.Time, price, qty float64, buyerIsMaker bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.assets[asset]
	st.last = price
	st.lastTs = ts

	st.history = append(st.history, pricePoint{ts: ts, price: price})
	if cap := p.cfg.PriceHistoryCap; cap > 0 && len(st.history) > cap {
		st.history = st.history[len(st.history)-cap:]
	}

	// Time-weighted EMAs: alpha = 1 - exp(-ln2 * dt / halfLife)
	dt := 1.0
	if !st.emaTs.IsZero() {
		dt = ts.Sub(st.emaTs).Seconds()
		if dt <= 0 {
			dt = 1e-3
		}
	}
	st.emaTs = ts
	for _, hl := range emaHalfLives {
		prev, ok := st.emas[hl]
		if !ok {
			st.emas[hl] = price
			continue
		}
		alpha := 1 - math.Exp(-math.Ln2*dt/hl)
		st.emas[hl] = prev + alpha*(price-prev)
	}

	st.kalman.update(ts, price)

	// Rolling taker flow: exponential decay at ~60s horizon.
	decay := math.Exp(-dt / 60.0)
	st.buyVol *= decay
	st.sellVol *= decay
	if buyerIsMaker {
		st.sellVol += qty * price // aggressor sold
	} else {
		st.buyVol += qty * price // aggressor bought
	}
	st.flowTs = ts
}

// Last returns the most recent price observation for an asset.
func (p *PriceStream) Last(asset types.Asset) types.PriceView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := p.assets[asset]
	return types.PriceView{Value: st.last, Ts: st.lastTs}
}

// Momentum returns the multi-horizon momentum view for an asset.
func (p *PriceStream) Momentum(asset types.Asset, annVol float64) types.MomentumView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := p.assets[asset]

	return types.MomentumView{
		Prob5s:   momentumProb(st.last, st.emas[5], annVol, 5),
		Prob30s:  momentumProb(st.last, st.emas[30], annVol, 30),
		Prob180s: momentumProb(st.last, st.emas[180], annVol, 180),
		KalmanP:  kalmanProb(st.kalman, annVol),
		EMA5:     st.emas[5],
		EMA60:    st.emas[60],
		KalVel:   st.kalman.vel,
		KalReady: st.kalman.ready,
	}
}

// momentumProb maps price-vs-EMA displacement, normalized by the expected
// move over the horizon, through a logistic squash into P(up).
func momentumProb(price, ema, annVol, horizonS float64) float64 {
	if price <= 0 || ema <= 0 {
		return 0.5
	}
	if annVol <= 0 {
		annVol = 0.70
	}
	perSec := annVol / math.Sqrt(252*24*3600)
	expected := perSec * math.Sqrt(horizonS)
	if expected <= 0 {
		return 0.5
	}
	z := (price/ema - 1) / expected
	return 1.0 / (1.0 + math.Exp(-clampF(z, -8, 8)))
}

func kalmanProb(k kalmanState, annVol float64) float64 {
	if !k.ready || k.price <= 0 {
		return 0.5
	}
	if annVol <= 0 {
		annVol = 0.70
	}
	perSec := annVol / math.Sqrt(252*24*3600) * k.price
	if perSec <= 0 {
		return 0.5
	}
	z := k.vel / perSec
	return 1.0 / (1.0 + math.Exp(-clampF(z, -8, 8)))
}

// TakerFlow returns (taker buy share, age) from the rolling aggTrade window.
func (p *PriceStream) TakerFlow(asset types.Asset) (ratio float64, ts time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := p.assets[asset]
	total := st.buyVol + st.sellVol
	if total <= 0 {
		return 0.5, st.flowTs
	}
	return st.buyVol / total, st.flowTs
}

// returnsLocked returns the log returns between consecutive points of the
// price deque, oldest first.
func (p *PriceStream) returnsLocked(asset types.Asset) []float64 {
	st := p.assets[asset]
	if len(st.history) < 3 {
		return nil
	}
	rets := make([]float64, 0, len(st.history)-1)
	for i := 1; i < len(st.history); i++ {
		a, b := st.history[i-1].price, st.history[i].price
		if a > 0 && b > 0 {
			rets = append(rets, math.Log(b/a))
		}
	}
	return rets
}

// Regime computes variance-ratio and lag-1 autocorrelation of the tick
// returns, plus annualized realized volatility.
func (p *PriceStream) Regime(asset types.Asset) (vr, autocorr, annVol float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rets := p.returnsLocked(asset)
	if len(rets) < 30 {
		return 1.0, 0.0, 0.70
	}

	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	var v1 float64
	for _, r := range rets {
		v1 += (r - mean) * (r - mean)
	}
	v1 /= float64(len(rets) - 1)

	// k-period aggregated variance with k=4
	const k = 4
	var vk float64
	nk := 0
	for i := 0; i+k <= len(rets); i += k {
		sum := 0.0
		for j := i; j < i+k; j++ {
			sum += rets[j]
		}
		vk += (sum - float64(k)*mean) * (sum - float64(k)*mean)
		nk++
	}
	if nk > 1 && v1 > 0 {
		vk /= float64(nk - 1)
		vr = vk / (float64(k) * v1)
	} else {
		vr = 1.0
	}

	var num, den float64
	for i := 1; i < len(rets); i++ {
		num += (rets[i] - mean) * (rets[i-1] - mean)
	}
	for _, r := range rets {
		den += (r - mean) * (r - mean)
	}
	if den > 0 {
		autocorr = num / den
	}

	// Assume ~1 tick/sec for annualization; the deque is trade-time spaced
	// so this is an approximation refreshed every call.
	annVol = math.Sqrt(v1) * math.Sqrt(252*24*3600)
	if annVol <= 0 || math.IsNaN(annVol) {
		annVol = 0.70
	}
	return vr, autocorr, annVol
}

// JumpDetect reports a sudden move: z-score of the latest short-window move
// against recent tick volatility, with its direction.
func (p *PriceStream) JumpDetect(asset types.Asset) (isJump bool, dir types.MarketSide, z float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rets := p.returnsLocked(asset)
	if len(rets) < 40 {
		return false, "", 0
	}
	window := rets[:len(rets)-5]
	recent := rets[len(rets)-5:]

	var mean, variance float64
	for _, r := range window {
		mean += r
	}
	mean /= float64(len(window))
	for _, r := range window {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(window) - 1)
	sd := math.Sqrt(variance)
	if sd <= 0 {
		return false, "", 0
	}

	move := 0.0
	for _, r := range recent {
		move += r
	}
	z = move / (sd * math.Sqrt(float64(len(recent))))
	if math.Abs(z) < 4.0 {
		return false, "", z
	}
	if z > 0 {
		return true, types.SideUp, z
	}
	return true, types.SideDown, z
}

// Direction classifies the asset's current short-horizon trend from the EMA
// cross, or "" when flat. Used for cross-asset consensus.
func (p *PriceStream) Direction(asset types.Asset) types.MarketSide {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := p.assets[asset]
	e5, e60 := st.emas[5], st.emas[60]
	if e5 <= 0 || e60 <= 0 {
		return ""
	}
	diff := e5/e60 - 1
	switch {
	case diff > 2e-5:
		return types.SideUp
	case diff < -2e-5:
		return types.SideDown
	}
	return ""
}

// BTCLeadProb maps BTC's lagged short-horizon move into a P(up) signal for
// altcoins: BTC often leads the basket by a few seconds.
func (p *PriceStream) BTCLeadProb() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := p.assets[types.AssetBTC]
	e5, e60 := st.emas[5], st.emas[60]
	if e5 <= 0 || e60 <= 0 {
		return 0.5
	}
	z := (e5/e60 - 1) / 3e-4
	return 1.0 / (1.0 + math.Exp(-clampF(z, -6, 6)))
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
