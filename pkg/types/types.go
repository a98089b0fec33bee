// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — assets, rounds,
// decision snapshots, signals, reject reasons, orders and redemption tasks.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"fmt"
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Asset is one of the four crypto underlyings with Up/Down rounds.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
	AssetSOL Asset = "SOL"
	AssetXRP Asset = "XRP"
)

// AllAssets lists every tradeable underlying in a stable order.
var AllAssets = []Asset{AssetBTC, AssetETH, AssetSOL, AssetXRP}

// SpotSymbol returns the Binance spot symbol for the asset.
func (a Asset) SpotSymbol() string { return string(a) + "USDT" }

// Valid reports whether the asset is one of the supported underlyings.
func (a Asset) Valid() bool {
	switch a {
	case AssetBTC, AssetETH, AssetSOL, AssetXRP:
		return true
	}
	return false
}

// MarketSide is the direction of a round bet.
type MarketSide string

const (
	SideUp   MarketSide = "Up"
	SideDown MarketSide = "Down"
)

// Opposite returns the other side of a binary round.
func (s MarketSide) Opposite() MarketSide {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// IndexSet returns the conditional-tokens index set for the side
// (1 = Up, 2 = Down), used to derive ERC-1155 position ids and to
// build redeemPositions calls.
func (s MarketSide) IndexSet() uint64 {
	if s == SideUp {
		return 1
	}
	return 2
}

// Side represents the direction of a CLOB order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: rests on the book
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: full immediate fill or nothing
	OrderTypeIOC OrderType = "FAK" // Immediate-Or-Cancel (venue name: FAK)
)

// ExecutionMode is the scorer's chosen execution path for a signal.
type ExecutionMode string

const (
	ModeMaker    ExecutionMode = "maker"     // post inside the spread, taker fallback
	ModeTakerFOK ExecutionMode = "taker_fok" // cross the book, all-or-nothing
	ModeTakerIOC ExecutionMode = "taker_ioc" // cross the book, keep partials
	ModeLimitGTC ExecutionMode = "limit_gtc" // pullback limit parked at max entry
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// Float returns the tick size as a float64 price increment.
func (t TickSize) Float() float64 {
	switch t {
	case Tick01:
		return 0.1
	case Tick001:
		return 0.01
	case Tick0001:
		return 0.001
	case Tick00001:
		return 0.0001
	default:
		return 0.01
	}
}

// ————————————————————————————————————————————————————————————————————————
// Rounds
// ————————————————————————————————————————————————————————————————————————

// Round is one Up/Down binary market bounded to wall-clock slot boundaries.
// Discovered via the markets API, retired once settled on-chain or stale.
type Round struct {
	ConditionID string // CTF condition id (cid)
	Asset       Asset
	DurationMin int // 5 or 15
	Question    string
	Slug        string

	StartTs time.Time
	EndTs   time.Time

	TokenUp   string // CLOB token id for the Up outcome
	TokenDown string // CLOB token id for the Down outcome

	UpPrice  float64 // last quoted Up price from the markets API
	TickSize TickSize
	NegRisk  bool
	Active   bool
	Closed   bool
}

// Token returns the CLOB token id for a side.
func (r Round) Token(side MarketSide) string {
	if side == SideUp {
		return r.TokenUp
	}
	return r.TokenDown
}

// MinsLeft returns minutes until the round closes (may be negative).
func (r Round) MinsLeft(now time.Time) float64 {
	return r.EndTs.Sub(now).Minutes()
}

// PctRemaining returns the fraction of the round's life still ahead.
func (r Round) PctRemaining(now time.Time) float64 {
	total := r.EndTs.Sub(r.StartTs).Seconds()
	if total <= 0 {
		return 0
	}
	left := r.EndTs.Sub(now).Seconds()
	if left < 0 {
		left = 0
	}
	return left / total
}

// Fingerprint identifies the round by exact slot bounds. Two positions with
// the same fingerprint are the same round even if their cids differ (e.g.
// after a market re-list). Falls back to the question when bounds are absent.
func (r Round) Fingerprint() string {
	if !r.StartTs.IsZero() && !r.EndTs.IsZero() {
		return fmt.Sprintf("%s|%dm|%d|%d", r.Asset, r.DurationMin, r.StartTs.Unix(), r.EndTs.Unix())
	}
	return fmt.Sprintf("%s|%dm|%s", r.Asset, r.DurationMin, r.Question)
}

// SlotStart returns the wall-clock slot boundary that contains ts for the
// given duration, i.e. ts truncated to a multiple of durationMin minutes.
func SlotStart(ts time.Time, durationMin int) time.Time {
	step := time.Duration(durationMin) * time.Minute
	return ts.UTC().Truncate(step)
}

// ————————————————————————————————————————————————————————————————————————
// Decision snapshot
// ————————————————————————————————————————————————————————————————————————

// PriceView is a price observation with its timestamp. Every scorer input
// carries one so staleness is always explicit.
type PriceView struct {
	Value float64
	Ts    time.Time
}

// AgeMS returns the observation age in milliseconds, or a very large value
// when the observation was never made.
func (v PriceView) AgeMS(now time.Time) float64 {
	if v.Ts.IsZero() || v.Value <= 0 {
		return 9e9
	}
	return float64(now.Sub(v.Ts)) / float64(time.Millisecond)
}

// AgeS returns the observation age in seconds (9e9 when absent).
func (v PriceView) AgeS(now time.Time) float64 {
	if v.Ts.IsZero() || v.Value <= 0 {
		return 9e9
	}
	return now.Sub(v.Ts).Seconds()
}

// Level is one order book price level.
type Level struct {
	Price float64
	Size  float64
}

// BookView is the best-of-book state for one token at snapshot time.
type BookView struct {
	TokenID  string
	BestBid  float64
	BestAsk  float64
	Asks     []Level // top-N asks, ascending
	Bids     []Level // top-N bids, descending
	TickSize float64
	Ts       time.Time
	Source   string // "ws", "clob-rest"
}

// AgeMS returns the book age in milliseconds (9e9 when absent).
func (b BookView) AgeMS(now time.Time) float64 {
	if b.Ts.IsZero() {
		return 9e9
	}
	return float64(now.Sub(b.Ts)) / float64(time.Millisecond)
}

// FlowView is the aggregated leader copy-flow for one round.
type FlowView struct {
	UpConf   float64 // weighted Up conviction in [0,1]
	DownConf float64
	N        int     // sample count
	AvgEntry float64 // average leader entry price (0..1)
	Ts       time.Time
}

// AgeS returns the flow age in seconds (9e9 when absent).
func (f FlowView) AgeS(now time.Time) float64 {
	if f.Ts.IsZero() {
		return 9e9
	}
	return now.Sub(f.Ts).Seconds()
}

// MomentumView carries the multi-horizon momentum state for one asset.
type MomentumView struct {
	Prob5s   float64 // EMA-derived P(up) at 5s half-life
	Prob30s  float64
	Prob180s float64
	KalmanP  float64 // Kalman-velocity-derived P(up)
	EMA5     float64 // 5s half-life EMA level
	EMA60    float64
	KalVel   float64 // Kalman velocity in price units/sec
	KalReady bool
}

// DerivView carries the derivatives-market microstructure state.
type DerivView struct {
	DepthImbalance float64 // depth-weighted 1/rank imbalance in [-1,1]
	TakerRatio     float64 // taker buy volume share in [0,1]
	VolRatio       float64 // current vs trailing-window volume
	PerpBasis      float64 // (mark-index)/index
	FundingRate    float64
	VWAPDev        float64 // (price-vwap)/vwap over the round window
	VolMult        float64 // volume-derived size multiplier
	OFI            float64 // aggregate-trade order flow imbalance [-1,1]
	OIDelta        float64 // open-interest change fraction
	LSRatio        float64 // global long/short account ratio
	LiqUpUSD       float64 // recent short-liquidation notional (confirms Up)
	LiqDownUSD     float64 // recent long-liquidation notional (confirms Down)
	Ready          bool    // depth + klines cache warm
	Ts             time.Time
}

// RegimeView carries regime and oscillator state.
type RegimeView struct {
	VarianceRatio float64
	Autocorr      float64
	RSI           float64
	WilliamsR     float64
	AnnVol        float64 // annualized realized volatility
}

// Snapshot is the immutable per-tick decision view handed to the scorer.
// It is a value type: the snapshot store publishes copies, never pointers
// into feed-owned state.
type Snapshot struct {
	Taken time.Time
	Asset Asset

	Spot     PriceView // price-stream price
	Oracle   PriceView // oracle answer, Ts = updated_at
	PrevOpen float64   // previous window's open (oracle), 0 when unknown

	OpenPrice  float64 // price to beat for the round, 0 when not yet known
	OpenSource string  // "PM", "CL-exact", "interp", "" when absent

	Book    BookView // book for the cheap-side prefetch token
	OppBook BookView
	Flow    FlowView

	Momentum MomentumView
	Deriv    DerivView
	Regime   RegimeView

	CrossUp     int     // other assets currently trending up
	CrossDown   int     // other assets currently trending down
	BTCLeadProb float64 // lagged-BTC-move P(up) for altcoins, 0.5 neutral

	Quality float64 // analysis_quality composite in [0,1]
}

// ————————————————————————————————————————————————————————————————————————
// Signals and reject reasons
// ————————————————————————————————————————————————————————————————————————

// Reason is a closed enum of scorer/risk skip codes. Every rejection carries
// one so skip diagnostics can be aggregated exhaustively.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNoOpenPrice        Reason = "no_open_price"
	ReasonWindowTooLate      Reason = "window_too_late"
	ReasonNoFreshPrice       Reason = "no_fresh_price"
	ReasonOracleTooOld       Reason = "cl_age_too_old"
	ReasonOracleAgeInvalid   Reason = "core_source_age_invalid"
	ReasonBookWSMissing      Reason = "book_ws_missing"
	ReasonVolumeMissing      Reason = "volume_missing"
	ReasonOBHardBlock        Reason = "ob_hard_block"
	ReasonJumpAgainst        Reason = "jump_against"
	ReasonScoreBelowGate     Reason = "score_below_gate"
	ReasonProbBelowGate      Reason = "prob_below_gate"
	ReasonEdgeHardBlock      Reason = "edge_hard_block"
	ReasonEntryOutside       Reason = "entry_outside"
	ReasonPayoutBelow        Reason = "payout_below"
	ReasonEVBelow            Reason = "ev_below"
	ReasonEVFrontier         Reason = "ev_frontier_prob_low"
	ReasonSizeBelowMin       Reason = "size_below_min"
	ReasonDuplicateCID       Reason = "duplicate_cid"
	ReasonOppositeSameCID    Reason = "opposite_side_same_cid"
	ReasonOppositeSameRound  Reason = "opposite_side_same_round"
	ReasonMaxOpenPositions   Reason = "max_open_positions"
	ReasonSideCapExceeded    Reason = "side_cap_exceeded"
	ReasonCidCapExceeded     Reason = "cid_cap_exceeded"
	ReasonBankrollCap        Reason = "bankroll_cap"
	ReasonBoosterLocked      Reason = "booster_locked"
	ReasonBoosterWeak        Reason = "booster_weak"
	ReasonBoosterUsedUp      Reason = "booster_used_up"
	ReasonDebounced          Reason = "debounced"
	ReasonTokenMissing       Reason = "token_missing"
	ReasonConflictDivergence Reason = "pxalign_datadiv_conflict"
)

// Signal is the scorer's accepted output: a fully sized, execution-ready bet.
type Signal struct {
	CID         string
	Asset       Asset
	DurationMin int
	Side        MarketSide
	TokenID     string
	StartTs     time.Time
	EndTs       time.Time

	Score    int
	TrueProb float64 // calibrated P(win) in (0,1)
	Edge     float64 // TrueProb - market price for side
	Entry    float64 // target entry price in (0,1)

	NotionalUSDC float64
	Mode         ExecutionMode
	Tier         string // "TIER-A" leader-confirmed, "TIER-B" tech-only, "TIER-C" synthetic

	MaxEntryAllowed float64 // execution ceiling (tick-snapped by the executor)
	PayoutMult      float64
	EVNet           float64 // fee-adjusted EV
	ExecutionEV     float64 // EVNet - slip - nofill penalties
	Quality         float64 // analysis_quality at decision time

	Booster    bool // same-side add-on to a confirmed position
	Contrarian bool // contrarian-tail entry

	OpenPrice       float64
	OpenSource      string
	OracleAgeS      float64
	QuoteAgeMS      float64
	BookAgeMS       float64
	SignalLatencyMS float64

	Notes []string // scoring annotations for the journal
}

// ————————————————————————————————————————————————————————————————————————
// Positions, portfolio, settlement
// ————————————————————————————————————————————————————————————————————————

// Position is the bot's holding in one round, keyed by cid. Created on the
// first confirmed fill, mutated by fills and reconciler updates, destroyed
// when queued for redemption or expired worthless.
type Position struct {
	CID          string     `json:"cid"`
	Asset        Asset      `json:"asset"`
	DurationMin  int        `json:"duration_min"`
	Side         MarketSide `json:"side"`
	Shares       float64    `json:"shares"`
	CostUSDC     float64    `json:"cost_usdc"`
	ValueNowUSDC float64    `json:"value_now_usdc"`
	AvgEntry     float64    `json:"avg_entry"`
	OpenedTs     time.Time  `json:"opened_ts"`
	StartTs      time.Time  `json:"start_ts"`
	EndTs        time.Time  `json:"end_ts"`
	AddOnCount   int        `json:"add_on_count"`
	Core         bool       `json:"core"` // initial entry (vs booster leg)
	Redeemable   bool       `json:"redeemable"`
	Question     string     `json:"question"`
}

// Fingerprint mirrors Round.Fingerprint for exposure rules.
func (p Position) Fingerprint() string {
	if !p.StartTs.IsZero() && !p.EndTs.IsZero() {
		return fmt.Sprintf("%s|%dm|%d|%d", p.Asset, p.DurationMin, p.StartTs.Unix(), p.EndTs.Unix())
	}
	return fmt.Sprintf("%s|%dm|%s", p.Asset, p.DurationMin, p.Question)
}

// PortfolioView is the reconciler's published, copy-on-write account state.
// Readers receive copies; all writes go through the reconciler.
type PortfolioView struct {
	Ts time.Time

	WalletUSDC    float64
	OpenStake     float64 // sum of open position cost
	OpenMarkValue float64 // sum of open position current value
	SettlingClaim float64 // redeemable value awaiting redemption
	TotalEquity   float64
	Baseline      float64 // P&L origin locked at first snapshot

	Open      map[string]Position // cid → open position (copy)
	SideStake map[MarketSide]float64

	LossStreak  int
	DrawdownPct float64
}

// Bankroll returns the capital base used for sizing: wallet collateral.
// Open stake is already committed and excluded.
func (v PortfolioView) Bankroll() float64 {
	return v.WalletUSDC
}

// RedemptionTaskState tracks a redemption through its lifecycle.
type RedemptionTaskState string

const (
	RedeemDiscovered  RedemptionTaskState = "discovered"
	RedeemPreflightOK RedemptionTaskState = "preflight_ok"
	RedeemSubmitted   RedemptionTaskState = "tx_submitted"
	RedeemConfirmed   RedemptionTaskState = "tx_confirmed"
	RedeemFinalized   RedemptionTaskState = "finalized"
	RedeemAbandoned   RedemptionTaskState = "abandoned"
)

// RedemptionTask is one queued on-chain claim.
type RedemptionTask struct {
	CID            string
	WinningSide    MarketSide
	ClaimUSDC      float64
	QueuedTs       time.Time
	VerifyAttempts int
	SubmitAttempts int
	TxHash         string
	State          RedemptionTaskState
	Backfill       bool
}

// ————————————————————————————————————————————————————————————————————————
// Adaptive-learning buckets
// ————————————————————————————————————————————————————————————————————————

// ScoreTier buckets a score for adaptive learning.
func ScoreTier(score int) string {
	switch {
	case score >= 12:
		return "s12+"
	case score >= 9:
		return "s9-11"
	default:
		return "s0-8"
	}
}

// EntryBand buckets an entry price for adaptive learning.
func EntryBand(entry float64) string {
	switch {
	case entry <= 0.20:
		return "e00-20"
	case entry <= 0.35:
		return "e20-35"
	case entry <= 0.50:
		return "e35-50"
	case entry <= 0.65:
		return "e50-65"
	default:
		return "e65+"
	}
}

// BucketKey identifies one adaptive-learning partition.
func BucketKey(durationMin, score int, entry float64) string {
	return fmt.Sprintf("%dm|%s|%s", durationMin, ScoreTier(score), EntryBand(entry))
}

// BucketStat accumulates realized execution and outcome quality per bucket.
// Used to scale future Kelly sizing and EV floors.
type BucketStat struct {
	Fills     int     `json:"fills"`
	Outcomes  int     `json:"outcomes"`
	Wins      int     `json:"wins"`
	GrossWin  float64 `json:"gross_win"`
	GrossLoss float64 `json:"gross_loss"`
	SlipBps   float64 `json:"slip_bps"` // cumulative; divide by Fills for mean
	PnL       float64 `json:"pnl"`
	NoFills   int     `json:"no_fills"`
	Attempts  int     `json:"attempts"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders (CLOB wire shapes)
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the executor.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string
	Price      float64
	Size       float64 // quantity in tokens
	Side       Side
	OrderType  OrderType
	TickSize   TickSize
	Expiration int64 // unix timestamp, 0 = no expiry
	FeeRateBps int
	ClientID   string
	NegRisk    bool
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload wraps a signed order with API metadata.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the CLOB's reply to an order placement.
type OrderResponse struct {
	Success   bool     `json:"success"`
	ErrorMsg  string   `json:"errorMsg"`
	OrderID   string   `json:"orderID"`
	Status    string   `json:"status"` // live, matched, delayed, unmatched
	TakingAmt string   `json:"takingAmount"`
	MakingAmt string   `json:"makingAmount"`
	TxHashes  []string `json:"transactionsHashes"`
}

// CancelResponse lists which orders were cancelled.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// OpenOrder is the CLOB's view of a resting order.
type OpenOrder struct {
	OrderID      string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Side         string `json:"side"`
}

// BookResponse is the REST order book shape.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Hash      string       `json:"hash"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
	TickSize  string       `json:"tick_size"`
}

// PriceLevel is one string-typed book level as returned by the API.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket event payloads (CLOB market + user channels)
// ————————————————————————————————————————————————————————————————————————

// WSAuth is the credentials payload for the user channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSSubscribeMsg is the subscribe/unsubscribe frame.
type WSSubscribeMsg struct {
	Auth      *WSAuth  `json:"auth,omitempty"`
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
}

// WSBookEvent is a full book snapshot from the market channel.
type WSBookEvent struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
	TickSize  string       `json:"tick_size"`
}

// WSPriceChange is one incremental level update.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Hash    string `json:"hash"`
}

// WSPriceChangeEvent batches incremental book updates.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	PriceChanges []WSPriceChange `json:"price_changes"`
	Timestamp    string          `json:"timestamp"`
}

// WSTradeEvent is a fill notification from the user channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"`
	ID        string `json:"id"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome"`
	TakerOID  string `json:"taker_order_id"`
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle event from the user channel.
type WSOrderEvent struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Type         string `json:"type"` // PLACEMENT, UPDATE, CANCELLATION
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// External REST shapes (markets, positions, trades)
// ————————————————————————————————————————————————————————————————————————

// APIPosition is the data indexer's view of one wallet position.
type APIPosition struct {
	ConditionID  string  `json:"conditionId"`
	Outcome      string  `json:"outcome"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	InitialValue float64 `json:"initialValue"`
	CurrentValue float64 `json:"currentValue"`
	Redeemable   bool    `json:"redeemable"`
	Title        string  `json:"title"`
	EndDate      string  `json:"endDate"`
	StartDate    string  `json:"startDate"`
	Asset        string  `json:"asset"`
}

// APITrade is one public trade from the data indexer.
type APITrade struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Outcome         string  `json:"outcome"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	Size            float64 `json:"size"`
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	TransactionHash string  `json:"transactionHash"`
}
