// Package config defines all configuration for the Up/Down rounds bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
// Everything is bound once at boot; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Rounds    RoundsConfig    `mapstructure:"rounds"`
	Scorer    ScorerConfig    `mapstructure:"scorer"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Settle    SettleConfig    `mapstructure:"settle"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WalletConfig holds the wallet used for signing orders and redemptions.
// PrivateKey signs L1 (EIP-712) auth, CLOB orders, and redemption txs.
// FunderAddress is the on-chain address that funds orders (may differ from
// the signer when using a proxy wallet).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds venue endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// ChainConfig holds RPC endpoints and on-chain contract addresses.
//
//   - RPCEndpoints: candidate HTTPS providers; the RPC optimizer probes all
//     and keeps the fastest one active.
//   - WSEndpoint: websocket provider for oracle log subscriptions.
//   - Aggregators: Chainlink price aggregator per asset symbol.
type ChainConfig struct {
	RPCEndpoints   []string          `mapstructure:"rpc_endpoints"`
	WSEndpoint     string            `mapstructure:"ws_endpoint"`
	CTFAddress     string            `mapstructure:"ctf_address"`
	USDCAddress    string            `mapstructure:"usdc_address"`
	Aggregators    map[string]string `mapstructure:"aggregators"`
	ProbeInterval  time.Duration     `mapstructure:"probe_interval"`
	ProbeSamples   int               `mapstructure:"probe_samples"`
	SwapMarginPct  float64           `mapstructure:"swap_margin_pct"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// FeedsConfig tunes the market-data layer.
type FeedsConfig struct {
	PriceHistoryCap     int           `mapstructure:"price_history_cap"`      // bounded deque length (~300)
	QuoteFreshMS        float64       `mapstructure:"quote_fresh_ms"`         // price stream freshness for decision price
	OracleFreshS        float64       `mapstructure:"oracle_fresh_s"`         // oracle preferred-source window
	OraclePollInterval  time.Duration `mapstructure:"oracle_poll_interval"`   // RPC fallback poll
	BookFreshFloorMS    float64       `mapstructure:"book_fresh_floor_ms"`    // adaptive cap lower bound
	BookFreshCeilMS     float64       `mapstructure:"book_fresh_ceil_ms"`     // adaptive cap upper bound
	BookFreshMedianMult float64       `mapstructure:"book_fresh_median_mult"` // cap = median(age) * mult
	BookSoftMaxAgeMS    float64       `mapstructure:"book_soft_max_age_ms"`   // last-resort soft WS window
	CLOBRestFreshMS     float64       `mapstructure:"clob_rest_fresh_ms"`     // REST book fallback window
	StaleTicksReconnect int           `mapstructure:"stale_ticks_reconnect"`  // health ticks before forced reconnect
	OFIWindow           time.Duration `mapstructure:"ofi_window"`
	LiqWindow           time.Duration `mapstructure:"liq_window"`
	OIPollInterval      time.Duration `mapstructure:"oi_poll_interval"`
	KlineWarmupBars     int           `mapstructure:"kline_warmup_bars"`
	CopyFlowInterval    time.Duration `mapstructure:"copyflow_interval"`
	CopyFlowMaxAgeS     float64       `mapstructure:"copyflow_max_age_s"`
	CopyFlowMinN        int           `mapstructure:"copyflow_min_n"`
	LeaderWallets       []string      `mapstructure:"leader_wallets"` // externally ranked wallet list
	LeaderScores        []float64     `mapstructure:"leader_scores"`  // parallel weights, default 1.0
}

// RoundsConfig controls round discovery.
type RoundsConfig struct {
	Enable5m     bool          `mapstructure:"enable_5m"`
	Enable15m    bool          `mapstructure:"enable_15m"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SeriesSlugs  []string      `mapstructure:"series_slugs"` // active-series identifiers per asset/duration
}

// ScorerConfig holds every threshold of the signal pipeline. Defaults follow
// the live-tuned values; all are explicit fields rather than scattered reads.
type ScorerConfig struct {
	// Eligibility
	PctRemainingMin float64 `mapstructure:"pct_remaining_min"`
	OracleAgeWarnS  float64 `mapstructure:"cl_age_warn_s"`
	OracleAgeSkipS  float64 `mapstructure:"cl_age_max_skip_s"`

	// Direction
	DirMoveMin         float64 `mapstructure:"dir_move_min"`
	DirConflictMoveMax float64 `mapstructure:"dir_conflict_move_max"`
	DirConflictPen     int     `mapstructure:"dir_conflict_score_pen"`
	DirConflictEdgePen float64 `mapstructure:"dir_conflict_edge_pen"`
	MomThreshUp        float64 `mapstructure:"mom_thresh_up"`
	MomThreshDn        float64 `mapstructure:"mom_thresh_dn"`

	// Feature scoring
	TimingPct2        float64 `mapstructure:"timing_pct_2"`
	TimingPct1        float64 `mapstructure:"timing_pct_1"`
	MoveT1            float64 `mapstructure:"move_t1"`
	MoveT2            float64 `mapstructure:"move_t2"`
	MoveT3            float64 `mapstructure:"move_t3"`
	OBHardBlock       float64 `mapstructure:"ob_hard_block"`
	OBScoreT1         float64 `mapstructure:"ob_score_t1"`
	OBScoreT2         float64 `mapstructure:"ob_score_t2"`
	OBScoreT3         float64 `mapstructure:"ob_score_t3"`
	ImbalanceConfirm  float64 `mapstructure:"imbalance_confirm_min"`
	TakerT2           float64 `mapstructure:"taker_t2"`
	TakerT3           float64 `mapstructure:"taker_t3"`
	TakerNeutralBand  float64 `mapstructure:"taker_neutral_band"`
	VolT1             float64 `mapstructure:"vol_t1"`
	VolT2             float64 `mapstructure:"vol_t2"`
	PerpConfirm       float64 `mapstructure:"perp_confirm"`
	PerpStrong        float64 `mapstructure:"perp_strong"`
	FundingStrong     float64 `mapstructure:"funding_strong"`
	FundingExtreme    float64 `mapstructure:"funding_extreme"`
	OIDeltaMin        float64 `mapstructure:"oi_delta_min"`
	LSLongExtreme     float64 `mapstructure:"ls_long_extreme"`
	LSShortExtreme    float64 `mapstructure:"ls_short_extreme"`
	VWAPT1            float64 `mapstructure:"vwap_t1"`
	VWAPT2            float64 `mapstructure:"vwap_t2"`
	DivergencePenMin  float64 `mapstructure:"divergence_pen_min"`
	RegimeVRTrend     float64 `mapstructure:"regime_vr_trend"`
	RegimeACTrend     float64 `mapstructure:"regime_ac_trend"`
	RegimeVRMeanRev   float64 `mapstructure:"regime_vr_mr"`
	RegimeACMeanRev   float64 `mapstructure:"regime_ac_mr"`
	RegimeMultTrend   float64 `mapstructure:"regime_mult_trend"`
	RegimeMultMeanRev float64 `mapstructure:"regime_mult_mr"`
	RSIOverbought     float64 `mapstructure:"rsi_overbought"`
	RSIOversold       float64 `mapstructure:"rsi_oversold"`
	WROverbought      float64 `mapstructure:"wr_overbought"`
	WROversold        float64 `mapstructure:"wr_oversold"`
	BTCLeadT1         float64 `mapstructure:"btc_lead_t1"`
	BTCLeadT2         float64 `mapstructure:"btc_lead_t2"`
	CrossConsensusMin int     `mapstructure:"cross_consensus_min"`

	// Probability synthesis
	LLRPriceMult  float64 `mapstructure:"llr_price_mult"`
	LLREMAMult    float64 `mapstructure:"llr_ema_mult"`
	LLRKalmanMult float64 `mapstructure:"llr_kalman_mult"`
	LLROBMult     float64 `mapstructure:"llr_ob_mult"`
	LLRTakerMult  float64 `mapstructure:"llr_taker_mult"`
	LLRPerpMult   float64 `mapstructure:"llr_perp_mult"`
	LLRPerpCap    float64 `mapstructure:"llr_perp_cap"`
	LLRCLAgree    float64 `mapstructure:"llr_cl_agree"`
	LLRCLDisagree float64 `mapstructure:"llr_cl_disagree"`
	LLRBTCLead    float64 `mapstructure:"llr_btc_lead_mult"`
	LLRClamp      float64 `mapstructure:"llr_clamp"`
	TieBiasUp     float64 `mapstructure:"tie_bias_up"`
	ProbClampMin  float64 `mapstructure:"prob_clamp_min"`
	ProbClampMax  float64 `mapstructure:"prob_clamp_max"`

	// Quality recalibration
	QualityScaleMin float64 `mapstructure:"quality_scale_min"`
	QualityScaleMax float64 `mapstructure:"quality_scale_max"`

	// Gates
	MaxWinMode        bool    `mapstructure:"max_win_mode"`
	UtilEdgeMult      float64 `mapstructure:"util_edge_mult"`
	MinScoreGate      int     `mapstructure:"min_score_gate"`
	MinScoreGate5m    int     `mapstructure:"min_score_gate_5m"`
	MinScoreGate15m   int     `mapstructure:"min_score_gate_15m"`
	Rolling3Pen       int     `mapstructure:"rolling3_score_pen"`
	MinTrueProb5m     float64 `mapstructure:"min_true_prob_5m"`
	MinTrueProb15m    float64 `mapstructure:"min_true_prob_15m"`
	EdgeHardBlock     float64 `mapstructure:"edge_hard_block"`
	EdgeFloor         float64 `mapstructure:"edge_floor"`
	MinPayout5m       float64 `mapstructure:"min_payout_5m"`
	MinPayout15m      float64 `mapstructure:"min_payout_15m"`
	PayoutNearMissTol float64 `mapstructure:"payout_near_miss_tol"`
	MaxEntry          float64 `mapstructure:"max_entry"`
	MaxEntryTol       float64 `mapstructure:"max_entry_tol"`
	EntryHardCap15m   float64 `mapstructure:"entry_hard_cap_15m"`
	MinEntry15m       float64 `mapstructure:"min_entry_15m"`
	FeeCoeff          float64 `mapstructure:"fee_coeff"` // venue fee: p*(1-p)*coeff
	MinEVNet5m        float64 `mapstructure:"min_ev_net_5m"`
	MinEVNet15m       float64 `mapstructure:"min_ev_net_15m"`
	EVFrontierMargin  float64 `mapstructure:"ev_frontier_margin"`
	EVFrontierHighAdd float64 `mapstructure:"ev_frontier_high_entry_add"`
	ColdSlipBps       float64 `mapstructure:"cold_slip_bps"`    // zero-sample bucket default
	ColdNoFillPct     float64 `mapstructure:"cold_nofill_pct"`  // zero-sample bucket default
	BucketMinSamples  int     `mapstructure:"bucket_min_samples"`
	DebounceWindow    time.Duration `mapstructure:"debounce_window"`

	// Pullback limit / contrarian tail
	PullbackEnabled    bool    `mapstructure:"pullback_enabled"`
	PullbackMinPctLeft float64 `mapstructure:"pullback_min_pct_left"`
	TailEnabled        bool    `mapstructure:"tail_enabled"`
	TailMaxEntry       float64 `mapstructure:"tail_max_entry"`
	TailMinMinsLeft    float64 `mapstructure:"tail_min_mins_left"`
	TailMinMovePct     float64 `mapstructure:"tail_min_move_pct"`
	TailSizeMult       float64 `mapstructure:"tail_size_mult"`

	// Leader flow
	LeaderFollowMinN   int     `mapstructure:"leader_follow_min_n"`
	LeaderFollowMinNet float64 `mapstructure:"leader_follow_min_net"`
	LeaderScoreBonus   int     `mapstructure:"leader_score_bonus"`
	LeaderEdgeBonus    float64 `mapstructure:"leader_edge_bonus"`
	CopyFlowBonusMax   int     `mapstructure:"copyflow_bonus_max"`
	CopyNetEdgeMult    float64 `mapstructure:"copy_net_edge_mult"`
	LeaderFreshScale   float64 `mapstructure:"leader_fresh_size_scale"`
	LeaderNoFlowScale  float64 `mapstructure:"leader_noflow_size_scale"`

	// Booster (same-side add-on)
	BoosterEnabled     bool    `mapstructure:"booster_enabled"`
	BoosterMaxPerCID   int     `mapstructure:"booster_max_per_cid"`
	BoosterMinScore    int     `mapstructure:"booster_min_score"`
	BoosterMinProb     float64 `mapstructure:"booster_min_prob"`
	BoosterMinEdge     float64 `mapstructure:"booster_min_edge"`
	BoosterMinEV       float64 `mapstructure:"booster_min_ev"`
	BoosterMaxEntry    float64 `mapstructure:"booster_max_entry"`
	BoosterMinLeftMins float64 `mapstructure:"booster_min_left_mins"`
	BoosterSizePct     float64 `mapstructure:"booster_size_pct"`
	BoosterLockLosses  int     `mapstructure:"booster_lock_losses"`
	BoosterLockHours   float64 `mapstructure:"booster_lock_hours"`

	// Execution mode selection
	ForceTakerScore   int     `mapstructure:"force_taker_score"`
	ForceTakerMoveMin float64 `mapstructure:"force_taker_move_min"`
	FastTakerNearEndS float64 `mapstructure:"fast_taker_near_end_s"`

	// Anti-freeze
	ForceTradeEveryRound bool    `mapstructure:"force_trade_every_round"`
	RoundForcePayoutCap  float64 `mapstructure:"round_force_payout_cap"`
}

// SizingConfig tunes Kelly sizing and its many dampers.
type SizingConfig struct {
	MaxBankrollPct      float64 `mapstructure:"max_bankroll_pct"`      // single-order ceiling
	MaxCidExposurePct   float64 `mapstructure:"max_cid_exposure_pct"`
	MaxSingleAbsUSDC    float64 `mapstructure:"max_single_abs_usdc"`
	MinHardCapUSDC      float64 `mapstructure:"min_hard_cap_usdc"`
	MinBetAbsUSDC       float64 `mapstructure:"min_bet_abs_usdc"`
	MinBetPct           float64 `mapstructure:"min_bet_pct"`
	MinExecNotionalUSDC float64 `mapstructure:"min_exec_notional_usdc"`
	TailCapEntry1       float64 `mapstructure:"tail_cap_entry_1"` // e.g. 0.05
	TailCapPct1         float64 `mapstructure:"tail_cap_pct_1"`
	TailCapEntry2       float64 `mapstructure:"tail_cap_entry_2"` // e.g. 0.12
	TailCapPct2         float64 `mapstructure:"tail_cap_pct_2"`
	DrawdownSoftPct     float64 `mapstructure:"drawdown_soft_pct"` // scale down past this drawdown
	DrawdownScaleMin    float64 `mapstructure:"drawdown_scale_min"`
	SuperBetEnabled     bool    `mapstructure:"super_bet_enabled"`
	SuperBetEntryMax    float64 `mapstructure:"super_bet_entry_max"`
	SuperBetMinPayout   float64 `mapstructure:"super_bet_min_payout"`
	SuperBetMinScore    int     `mapstructure:"super_bet_min_score"`
	SuperBetMinEV       float64 `mapstructure:"super_bet_min_ev"`
	SuperBetFloorUSDC   float64 `mapstructure:"super_bet_floor_usdc"`
	SuperBetMaxUSDC     float64 `mapstructure:"super_bet_max_usdc"`
	SuperBetMaxPct      float64 `mapstructure:"super_bet_max_pct"`
	SuperBetCooldown    time.Duration `mapstructure:"super_bet_cooldown"`
	RoundStackDecay     float64 `mapstructure:"round_stack_decay"` // correlated-Kelly per extra leg
	RoundStackMin       float64 `mapstructure:"round_stack_min"`
	CrossWindowDecay    float64 `mapstructure:"cross_window_decay"` // same-window other-asset decay
}

// ExecutionConfig tunes the order state machine.
type ExecutionConfig struct {
	MakerHold5m        time.Duration `mapstructure:"maker_hold_5m"`
	MakerHold15m       time.Duration `mapstructure:"maker_hold_15m"`
	MakerTickInside    int           `mapstructure:"maker_tick_inside"` // ticks inside best ask
	MinPartialTrack    float64       `mapstructure:"min_partial_track"` // shares; smaller partials are ignored
	TakerSlipBps5m     float64       `mapstructure:"taker_slip_bps_5m"`
	TakerSlipBps15m    float64       `mapstructure:"taker_slip_bps_15m"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryJitter        time.Duration `mapstructure:"retry_jitter"`
	PollInterval       time.Duration `mapstructure:"poll_interval"` // order status poll while maker rests
	AdverseMoveTicks   int           `mapstructure:"adverse_move_ticks"`
	FeeRateBps         int           `mapstructure:"fee_rate_bps"`
	OrderExpirySeconds int64         `mapstructure:"order_expiry_seconds"`
}

// RiskConfig sets the reconciler cadence and exposure rules.
type RiskConfig struct {
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	MaxOpenPositions  int           `mapstructure:"max_open_positions"`
	MaxSidePct        float64       `mapstructure:"max_side_pct"`
	MaxSidePctChoppy  float64       `mapstructure:"max_side_pct_choppy"`
	MaxCidPct         float64       `mapstructure:"max_cid_pct"`
	PresenceThreshold float64       `mapstructure:"presence_threshold"` // min value to count as open
	PruneCycles       int           `mapstructure:"prune_cycles"`
	PruneGrace        time.Duration `mapstructure:"prune_grace"`
}

// SettleConfig tunes redemption discovery and execution.
type SettleConfig struct {
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	DustUSDC         float64       `mapstructure:"dust_usdc"`
	MaxVerify        int           `mapstructure:"max_verify"` // preflight attempts before abandon
	MaxSubmit        int           `mapstructure:"max_submit"`
	ReceiptTimeout   time.Duration `mapstructure:"receipt_timeout"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	GasLimit         uint64        `mapstructure:"gas_limit"`
	PriorityFeeGwei  float64       `mapstructure:"priority_fee_gwei"`
	BackfillInterval time.Duration `mapstructure:"backfill_interval"`
	BackfillPages    int           `mapstructure:"backfill_pages"`
}

// StoreConfig sets where state is persisted.
type StoreConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	SeenRing    int    `mapstructure:"seen_ring"`     // bounded seen-CID ring
	SettledTTL  time.Duration `mapstructure:"settled_ttl"` // settled-outcome retention
	MetricsDB   string `mapstructure:"metrics_db"`    // sqlite path, empty disables
	JournalFile string `mapstructure:"journal_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, POLY_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults binds every tunable to its live-tuned default so a minimal
// YAML file (endpoints + wallet) is a working configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.probe_interval", "5m")
	v.SetDefault("chain.probe_samples", 5)
	v.SetDefault("chain.swap_margin_pct", 0.20)
	v.SetDefault("chain.request_timeout", "8s")

	v.SetDefault("feeds.price_history_cap", 300)
	v.SetDefault("feeds.quote_fresh_ms", 2500.0)
	v.SetDefault("feeds.oracle_fresh_s", 30.0)
	v.SetDefault("feeds.oracle_poll_interval", "3s")
	v.SetDefault("feeds.book_fresh_floor_ms", 1500.0)
	v.SetDefault("feeds.book_fresh_ceil_ms", 8000.0)
	v.SetDefault("feeds.book_fresh_median_mult", 3.0)
	v.SetDefault("feeds.book_soft_max_age_ms", 15000.0)
	v.SetDefault("feeds.clob_rest_fresh_ms", 4000.0)
	v.SetDefault("feeds.stale_ticks_reconnect", 4)
	v.SetDefault("feeds.ofi_window", "20s")
	v.SetDefault("feeds.liq_window", "90s")
	v.SetDefault("feeds.oi_poll_interval", "45s")
	v.SetDefault("feeds.kline_warmup_bars", 30)
	v.SetDefault("feeds.copyflow_interval", "6s")
	v.SetDefault("feeds.copyflow_max_age_s", 45.0)
	v.SetDefault("feeds.copyflow_min_n", 3)

	v.SetDefault("rounds.enable_5m", false)
	v.SetDefault("rounds.enable_15m", true)
	v.SetDefault("rounds.poll_interval", "10s")

	v.SetDefault("scorer.pct_remaining_min", 0.12)
	v.SetDefault("scorer.cl_age_warn_s", 45.0)
	v.SetDefault("scorer.cl_age_max_skip_s", 90.0)
	v.SetDefault("scorer.dir_move_min", 0.0004)
	v.SetDefault("scorer.dir_conflict_move_max", 0.0012)
	v.SetDefault("scorer.dir_conflict_score_pen", 2)
	v.SetDefault("scorer.dir_conflict_edge_pen", 0.01)
	v.SetDefault("scorer.mom_thresh_up", 0.55)
	v.SetDefault("scorer.mom_thresh_dn", 0.45)
	v.SetDefault("scorer.timing_pct_2", 0.70)
	v.SetDefault("scorer.timing_pct_1", 0.45)
	v.SetDefault("scorer.move_t1", 0.0008)
	v.SetDefault("scorer.move_t2", 0.0018)
	v.SetDefault("scorer.move_t3", 0.0035)
	v.SetDefault("scorer.ob_hard_block", -0.45)
	v.SetDefault("scorer.ob_score_t1", 0.08)
	v.SetDefault("scorer.ob_score_t2", 0.20)
	v.SetDefault("scorer.ob_score_t3", 0.38)
	v.SetDefault("scorer.imbalance_confirm_min", 0.10)
	v.SetDefault("scorer.taker_t2", 0.56)
	v.SetDefault("scorer.taker_t3", 0.62)
	v.SetDefault("scorer.taker_neutral_band", 0.03)
	v.SetDefault("scorer.vol_t1", 1.25)
	v.SetDefault("scorer.vol_t2", 1.80)
	v.SetDefault("scorer.perp_confirm", 0.0004)
	v.SetDefault("scorer.perp_strong", 0.0012)
	v.SetDefault("scorer.funding_strong", 0.0004)
	v.SetDefault("scorer.funding_extreme", 0.0010)
	v.SetDefault("scorer.oi_delta_min", 0.002)
	v.SetDefault("scorer.ls_long_extreme", 2.6)
	v.SetDefault("scorer.ls_short_extreme", 0.55)
	v.SetDefault("scorer.vwap_t1", 0.0005)
	v.SetDefault("scorer.vwap_t2", 0.0015)
	v.SetDefault("scorer.divergence_pen_min", 0.0006)
	v.SetDefault("scorer.regime_vr_trend", 1.15)
	v.SetDefault("scorer.regime_ac_trend", 0.05)
	v.SetDefault("scorer.regime_vr_mr", 0.85)
	v.SetDefault("scorer.regime_ac_mr", -0.05)
	v.SetDefault("scorer.regime_mult_trend", 1.15)
	v.SetDefault("scorer.regime_mult_mr", 0.80)
	v.SetDefault("scorer.rsi_overbought", 65.0)
	v.SetDefault("scorer.rsi_oversold", 35.0)
	v.SetDefault("scorer.wr_overbought", -20.0)
	v.SetDefault("scorer.wr_oversold", -80.0)
	v.SetDefault("scorer.btc_lead_t1", 0.58)
	v.SetDefault("scorer.btc_lead_t2", 0.66)
	v.SetDefault("scorer.cross_consensus_min", 3)
	v.SetDefault("scorer.llr_price_mult", 0.9)
	v.SetDefault("scorer.llr_ema_mult", 220.0)
	v.SetDefault("scorer.llr_kalman_mult", 0.55)
	v.SetDefault("scorer.llr_ob_mult", 0.8)
	v.SetDefault("scorer.llr_taker_mult", 2.2)
	v.SetDefault("scorer.llr_perp_mult", 250.0)
	v.SetDefault("scorer.llr_perp_cap", 0.45)
	v.SetDefault("scorer.llr_cl_agree", 0.25)
	v.SetDefault("scorer.llr_cl_disagree", 0.55)
	v.SetDefault("scorer.llr_btc_lead_mult", 1.1)
	v.SetDefault("scorer.llr_clamp", 4.0)
	v.SetDefault("scorer.tie_bias_up", 0.012)
	v.SetDefault("scorer.prob_clamp_min", 0.05)
	v.SetDefault("scorer.prob_clamp_max", 0.95)
	v.SetDefault("scorer.quality_scale_min", 0.72)
	v.SetDefault("scorer.quality_scale_max", 1.0)
	v.SetDefault("scorer.max_win_mode", true)
	v.SetDefault("scorer.util_edge_mult", 0.35)
	v.SetDefault("scorer.min_score_gate", 6)
	v.SetDefault("scorer.min_score_gate_5m", 8)
	v.SetDefault("scorer.min_score_gate_15m", 7)
	v.SetDefault("scorer.rolling3_score_pen", 2)
	v.SetDefault("scorer.min_true_prob_5m", 0.62)
	v.SetDefault("scorer.min_true_prob_15m", 0.58)
	v.SetDefault("scorer.edge_hard_block", -0.15)
	v.SetDefault("scorer.edge_floor", -0.02)
	v.SetDefault("scorer.min_payout_5m", 1.75)
	v.SetDefault("scorer.min_payout_15m", 1.72)
	v.SetDefault("scorer.payout_near_miss_tol", 0.06)
	v.SetDefault("scorer.max_entry", 0.54)
	v.SetDefault("scorer.max_entry_tol", 0.02)
	v.SetDefault("scorer.entry_hard_cap_15m", 0.58)
	v.SetDefault("scorer.min_entry_15m", 0.05)
	v.SetDefault("scorer.fee_coeff", 0.0624)
	v.SetDefault("scorer.min_ev_net_5m", 0.030)
	v.SetDefault("scorer.min_ev_net_15m", 0.020)
	v.SetDefault("scorer.ev_frontier_margin", 0.035)
	v.SetDefault("scorer.ev_frontier_high_entry_add", 0.10)
	v.SetDefault("scorer.cold_slip_bps", 60.0)
	v.SetDefault("scorer.cold_nofill_pct", 0.12)
	v.SetDefault("scorer.bucket_min_samples", 8)
	v.SetDefault("scorer.debounce_window", "900ms")
	v.SetDefault("scorer.pullback_enabled", true)
	v.SetDefault("scorer.pullback_min_pct_left", 0.40)
	v.SetDefault("scorer.tail_enabled", true)
	v.SetDefault("scorer.tail_max_entry", 0.28)
	v.SetDefault("scorer.tail_min_mins_left", 7.0)
	v.SetDefault("scorer.tail_min_move_pct", 0.0010)
	v.SetDefault("scorer.tail_size_mult", 0.80)
	v.SetDefault("scorer.leader_follow_min_n", 5)
	v.SetDefault("scorer.leader_follow_min_net", 0.35)
	v.SetDefault("scorer.leader_score_bonus", 2)
	v.SetDefault("scorer.leader_edge_bonus", 0.012)
	v.SetDefault("scorer.copyflow_bonus_max", 2)
	v.SetDefault("scorer.copy_net_edge_mult", 0.02)
	v.SetDefault("scorer.leader_fresh_size_scale", 1.0)
	v.SetDefault("scorer.leader_noflow_size_scale", 0.70)
	v.SetDefault("scorer.booster_enabled", true)
	v.SetDefault("scorer.booster_max_per_cid", 1)
	v.SetDefault("scorer.booster_min_score", 11)
	v.SetDefault("scorer.booster_min_prob", 0.64)
	v.SetDefault("scorer.booster_min_edge", 0.08)
	v.SetDefault("scorer.booster_min_ev", 0.035)
	v.SetDefault("scorer.booster_max_entry", 0.62)
	v.SetDefault("scorer.booster_min_left_mins", 3.0)
	v.SetDefault("scorer.booster_size_pct", 0.012)
	v.SetDefault("scorer.booster_lock_losses", 3)
	v.SetDefault("scorer.booster_lock_hours", 6.0)
	v.SetDefault("scorer.force_taker_score", 12)
	v.SetDefault("scorer.force_taker_move_min", 0.0012)
	v.SetDefault("scorer.fast_taker_near_end_s", 75.0)
	v.SetDefault("scorer.force_trade_every_round", false)
	v.SetDefault("scorer.round_force_payout_cap", 1.72)

	v.SetDefault("sizing.max_bankroll_pct", 0.10)
	v.SetDefault("sizing.max_cid_exposure_pct", 0.06)
	v.SetDefault("sizing.max_single_abs_usdc", 250.0)
	v.SetDefault("sizing.min_hard_cap_usdc", 2.0)
	v.SetDefault("sizing.min_bet_abs_usdc", 1.0)
	v.SetDefault("sizing.min_bet_pct", 0.004)
	v.SetDefault("sizing.min_exec_notional_usdc", 1.0)
	v.SetDefault("sizing.tail_cap_entry_1", 0.05)
	v.SetDefault("sizing.tail_cap_pct_1", 0.008)
	v.SetDefault("sizing.tail_cap_entry_2", 0.12)
	v.SetDefault("sizing.tail_cap_pct_2", 0.015)
	v.SetDefault("sizing.drawdown_soft_pct", 0.12)
	v.SetDefault("sizing.drawdown_scale_min", 0.40)
	v.SetDefault("sizing.super_bet_enabled", true)
	v.SetDefault("sizing.super_bet_entry_max", 0.12)
	v.SetDefault("sizing.super_bet_min_payout", 8.0)
	v.SetDefault("sizing.super_bet_min_score", 12)
	v.SetDefault("sizing.super_bet_min_ev", 0.08)
	v.SetDefault("sizing.super_bet_floor_usdc", 5.0)
	v.SetDefault("sizing.super_bet_max_usdc", 30.0)
	v.SetDefault("sizing.super_bet_max_pct", 0.02)
	v.SetDefault("sizing.super_bet_cooldown", "20m")
	v.SetDefault("sizing.round_stack_decay", 0.55)
	v.SetDefault("sizing.round_stack_min", 0.15)
	v.SetDefault("sizing.cross_window_decay", 0.80)

	v.SetDefault("execution.maker_hold_5m", "8s")
	v.SetDefault("execution.maker_hold_15m", "20s")
	v.SetDefault("execution.maker_tick_inside", 1)
	v.SetDefault("execution.min_partial_track", 2.0)
	v.SetDefault("execution.taker_slip_bps_5m", 150.0)
	v.SetDefault("execution.taker_slip_bps_15m", 250.0)
	v.SetDefault("execution.max_attempts", 3)
	v.SetDefault("execution.retry_base", "400ms")
	v.SetDefault("execution.retry_jitter", "250ms")
	v.SetDefault("execution.poll_interval", "750ms")
	v.SetDefault("execution.adverse_move_ticks", 2)
	v.SetDefault("execution.fee_rate_bps", 0)
	v.SetDefault("execution.order_expiry_seconds", 0)

	v.SetDefault("risk.sync_interval", "2s")
	v.SetDefault("risk.max_open_positions", 8)
	v.SetDefault("risk.max_side_pct", 0.30)
	v.SetDefault("risk.max_side_pct_choppy", 0.18)
	v.SetDefault("risk.max_cid_pct", 0.06)
	v.SetDefault("risk.presence_threshold", 0.25)
	v.SetDefault("risk.prune_cycles", 3)
	v.SetDefault("risk.prune_grace", "90s")

	v.SetDefault("settle.scan_interval", "5s")
	v.SetDefault("settle.dust_usdc", 0.02)
	v.SetDefault("settle.max_verify", 40)
	v.SetDefault("settle.max_submit", 5)
	v.SetDefault("settle.receipt_timeout", "90s")
	v.SetDefault("settle.retry_backoff", "8s")
	v.SetDefault("settle.gas_limit", 350000)
	v.SetDefault("settle.priority_fee_gwei", 32.0)
	v.SetDefault("settle.backfill_interval", "15m")
	v.SetDefault("settle.backfill_pages", 6)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.seen_ring", 4096)
	v.SetDefault("store.settled_ttl", "36h")
	v.SetDefault("store.journal_file", "metrics.jsonl")
	v.SetDefault("store.metrics_db", "metrics.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.DataBaseURL == "" {
		return fmt.Errorf("api.data_base_url is required")
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		return fmt.Errorf("chain.rpc_endpoints must list at least one provider")
	}
	if !c.Rounds.Enable5m && !c.Rounds.Enable15m {
		return fmt.Errorf("rounds: at least one of enable_5m / enable_15m must be set")
	}
	if c.Scorer.FeeCoeff < 0 || c.Scorer.FeeCoeff > 0.5 {
		return fmt.Errorf("scorer.fee_coeff out of range: %v", c.Scorer.FeeCoeff)
	}
	if c.Scorer.ProbClampMin <= 0 || c.Scorer.ProbClampMax >= 1 || c.Scorer.ProbClampMin >= c.Scorer.ProbClampMax {
		return fmt.Errorf("scorer.prob_clamp bounds invalid: [%v,%v]", c.Scorer.ProbClampMin, c.Scorer.ProbClampMax)
	}
	if c.Sizing.MaxBankrollPct <= 0 || c.Sizing.MaxBankrollPct > 1 {
		return fmt.Errorf("sizing.max_bankroll_pct must be in (0,1]")
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}
	if len(c.Feeds.LeaderScores) > 0 && len(c.Feeds.LeaderScores) != len(c.Feeds.LeaderWallets) {
		return fmt.Errorf("feeds.leader_scores length must match feeds.leader_wallets")
	}
	return nil
}

// MinPayout returns the payout floor for a duration.
func (s ScorerConfig) MinPayout(durationMin int) float64 {
	if durationMin <= 5 {
		return s.MinPayout5m
	}
	return s.MinPayout15m
}

// MinEVNet returns the EV floor for a duration.
func (s ScorerConfig) MinEVNet(durationMin int) float64 {
	if durationMin <= 5 {
		return s.MinEVNet5m
	}
	return s.MinEVNet15m
}

// MinTrueProb returns the probability gate for a duration.
func (s ScorerConfig) MinTrueProb(durationMin int) float64 {
	if durationMin <= 5 {
		return s.MinTrueProb5m
	}
	return s.MinTrueProb15m
}

// MinScore returns the score gate for a duration.
func (s ScorerConfig) MinScore(durationMin int) int {
	if durationMin <= 5 {
		if s.MinScoreGate5m > s.MinScoreGate {
			return s.MinScoreGate5m
		}
		return s.MinScoreGate
	}
	if s.MinScoreGate15m > s.MinScoreGate {
		return s.MinScoreGate15m
	}
	return s.MinScoreGate
}

// MakerHold returns the maker resting window for a duration.
func (e ExecutionConfig) MakerHold(durationMin int) time.Duration {
	if durationMin <= 5 {
		return e.MakerHold5m
	}
	return e.MakerHold15m
}

// TakerSlipBps returns the taker slippage cap for a duration.
func (e ExecutionConfig) TakerSlipBps(durationMin int) float64 {
	if durationMin <= 5 {
		return e.TakerSlipBps5m
	}
	return e.TakerSlipBps15m
}
