// Package config defines the full configuration surface for the trading
// supervisor. Config is loaded from a single YAML file with environment
// variable overrides (NOVAPULSE_* via viper's AutomaticEnv), mirroring the
// file-plus-env-overlay pattern used across the retrieved trading bots.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// SupervisorConfig is the top-level configuration tree. It maps directly
// onto the YAML file structure via mapstructure tags.
type SupervisorConfig struct {
	Tenant     string           `mapstructure:"tenant"`
	Pairs      []string         `mapstructure:"pairs"`
	PaperMode  bool             `mapstructure:"paper_mode"`
	Canary     bool             `mapstructure:"canary"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Confluence ConfluenceConfig `mapstructure:"confluence"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Regime     RegimeConfig     `mapstructure:"regime"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
}

// TradingConfig tunes the scan/position-management cadence and entry flow.
type TradingConfig struct {
	ScanInterval           time.Duration `mapstructure:"scan_interval"`
	PositionCheckInterval  time.Duration `mapstructure:"position_check_interval"`
	WarmupBars             int           `mapstructure:"warmup_bars"`
	MaxPositionDuration    time.Duration `mapstructure:"max_position_duration"`
	ChaseAttempts          int           `mapstructure:"chase_attempts"`
	ChaseDelay             time.Duration `mapstructure:"chase_delay"`
	ExitRetryAttempts      int           `mapstructure:"exit_retry_attempts"`
	ExitRetryBackoff       time.Duration `mapstructure:"exit_retry_backoff"`
	ReconcileInterval      time.Duration `mapstructure:"reconcile_interval"`
	CleanupInterval        time.Duration `mapstructure:"cleanup_interval"`
	StrategyEvalTimeout    time.Duration `mapstructure:"strategy_eval_timeout"`
	OutlierThresholdPct    decimal.Decimal `mapstructure:"outlier_threshold_pct"`
	EventPriceMovePct      decimal.Decimal `mapstructure:"event_price_move_pct"`
	HealthInterval         time.Duration   `mapstructure:"health_interval"`
	MaxSpreadPct           decimal.Decimal `mapstructure:"max_spread_pct"`
}

// ExchangeConfig configures the exchange adapter.
type ExchangeConfig struct {
	Name            string        `mapstructure:"name"`
	APIKey          string        `mapstructure:"api_key"`
	APISecret       string        `mapstructure:"api_secret"`
	BaseURL         string        `mapstructure:"base_url"`
	WSURL           string        `mapstructure:"ws_url"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	OrderIDCacheSize int          `mapstructure:"order_id_cache_size"`
	MakerFeeRate    decimal.Decimal `mapstructure:"maker_fee_rate"`
	TakerFeeRate    decimal.Decimal `mapstructure:"taker_fee_rate"`
	PostOnly              bool `mapstructure:"post_only"`
	LimitFallbackToMarket bool `mapstructure:"limit_fallback_to_market"`
}

// ConfluenceConfig tunes multi-timeframe aggregation, regime thresholds and
// strategy weighting/guardrails.
type ConfluenceConfig struct {
	Timeframes              []int           `mapstructure:"timeframes"` // minutes, e.g. [1,5,15]
	PrimaryTimeframe        int             `mapstructure:"primary_timeframe"`
	TimeframeWeights        map[int]decimal.Decimal `mapstructure:"timeframe_weights"`
	MinAgreement            decimal.Decimal `mapstructure:"multi_timeframe_min_agreement"`
	MinConfluenceCount      int             `mapstructure:"min_confluence_count"` // alias: confluence_threshold
	SureFireCount           int             `mapstructure:"sure_fire_count"`
	MinConfidence           decimal.Decimal `mapstructure:"min_confidence"`
	ADXTrendThreshold       decimal.Decimal `mapstructure:"adx_trend_threshold"`
	ATRLowPct               decimal.Decimal `mapstructure:"atr_low_pct"`
	ATRHighPct              decimal.Decimal `mapstructure:"atr_high_pct"`
	OppositionPenalty       decimal.Decimal `mapstructure:"opposition_penalty"`
	AgreementBonus          decimal.Decimal `mapstructure:"agreement_bonus"`
	ObiCountsAsConfluence   bool            `mapstructure:"obi_counts_as_confluence"`
	ObiThreshold            decimal.Decimal `mapstructure:"obi_threshold"`
	BookScoreThreshold      decimal.Decimal `mapstructure:"book_score_threshold"`
	ObiWeight               decimal.Decimal `mapstructure:"obi_weight"`
	BaseWeights             map[string]decimal.Decimal `mapstructure:"base_weights"`
	RegimeMultipliers       map[string]map[string]decimal.Decimal `mapstructure:"regime_multipliers"` // keyed "trend_low" etc -> strategy -> mult
	StrategyCooldowns       map[string]time.Duration `mapstructure:"strategy_cooldowns"`
	GuardrailWindowTrades   int             `mapstructure:"guardrail_window_trades"`
	GuardrailMinTrades      int             `mapstructure:"guardrail_min_trades"`
	GuardrailMinWinRate     decimal.Decimal `mapstructure:"guardrail_min_win_rate"`
	GuardrailMinProfitFactor decimal.Decimal `mapstructure:"guardrail_min_profit_factor"`
	GuardrailDisableMinutes int             `mapstructure:"guardrail_disable_minutes"`
	SessionHourMultipliers  map[int]decimal.Decimal `mapstructure:"session_hour_multipliers"`
	SessionHourMinSamples   int             `mapstructure:"session_hour_min_samples"`
	// UseClosedCandlesOnly and SingleStrategyMode are pipeline-level knobs
	// grouped here, alongside the rest of the engine's tuning surface,
	// rather than under trading: both only ever affect what Evaluate feeds
	// its detectors, never the scan/position loops trading.* otherwise tunes.
	UseClosedCandlesOnly    bool `mapstructure:"use_closed_candles_only"`
	SingleStrategyMode      bool `mapstructure:"single_strategy_mode"`
}

// RiskConfig sets pre-trade gates, sizing parameters and circuit breaker
// thresholds.
type RiskConfig struct {
	InitialBankroll        decimal.Decimal `mapstructure:"initial_bankroll"`
	RiskPerTradePct        decimal.Decimal `mapstructure:"risk_per_trade_pct"`
	KellyFractionCap       decimal.Decimal `mapstructure:"kelly_fraction_cap"`
	MaxConcurrentPositions int             `mapstructure:"max_concurrent_positions"`
	MaxDailyTrades         int             `mapstructure:"max_daily_trades"`
	MaxDailyLossPct        decimal.Decimal `mapstructure:"max_daily_loss_pct"`
	DrawdownTier1Pct       decimal.Decimal `mapstructure:"drawdown_tier1_pct"` // 3%
	DrawdownTier2Pct       decimal.Decimal `mapstructure:"drawdown_tier2_pct"` // 7%
	DrawdownTier3Pct       decimal.Decimal `mapstructure:"drawdown_tier3_pct"` // 12%
	DrawdownTier4Pct       decimal.Decimal `mapstructure:"drawdown_tier4_pct"` // 18%
	GlobalCooldownAfterLoss time.Duration  `mapstructure:"global_cooldown_after_loss"`
	PerPairCooldown        time.Duration   `mapstructure:"per_pair_cooldown"`
	PerStrategyCooldown    time.Duration   `mapstructure:"per_strategy_cooldown"`
	QuietHoursUTC          []int           `mapstructure:"quiet_hours_utc"`
	HourlyThrottle         int             `mapstructure:"hourly_throttle"`
	MaxPortfolioHeatPct    decimal.Decimal `mapstructure:"max_portfolio_heat_pct"`
	MaxRiskOfRuin          decimal.Decimal `mapstructure:"max_risk_of_ruin"`
	CorrelationGroups      map[string][]string `mapstructure:"correlation_groups"`
	MinSizeMultiplier      decimal.Decimal `mapstructure:"min_size_multiplier"` // floor, e.g. 0.30
	ConsecutiveLossCircuitBreaker int      `mapstructure:"consecutive_loss_circuit_breaker"`
	DrawdownCircuitBreakerPct decimal.Decimal `mapstructure:"drawdown_circuit_breaker_pct"`
	EmergencyCloseAllOnCircuitBreaker bool `mapstructure:"emergency_close_all_on_circuit_breaker"`
	MaxKellySizePct        decimal.Decimal `mapstructure:"max_kelly_size_pct"` // fraction of bankroll, Kelly upper bound
	MaxPositionUSD         decimal.Decimal `mapstructure:"max_position_usd"`
	MinNotionalUSD         decimal.Decimal `mapstructure:"min_notional_usd"`
	MinRiskReward          decimal.Decimal `mapstructure:"min_risk_reward"`
	MaxSLDistancePct       decimal.Decimal `mapstructure:"max_sl_distance_pct"`
	SignalMaxAge           time.Duration   `mapstructure:"signal_max_age"`
	RORMinClosedTrades     int             `mapstructure:"ror_min_closed_trades"`
	CorrelationGroupCap    int             `mapstructure:"correlation_group_cap"`
	ATRMultiplierSL        decimal.Decimal `mapstructure:"atr_multiplier_sl"`
	ATRMultiplierTP        decimal.Decimal `mapstructure:"atr_multiplier_tp"`
}

// RegimeConfig holds the volatility-level lookback and expansion ratio used
// by regime classification; the vol-bucket thresholds are in
// ConfluenceConfig and the outlier threshold is in TradingConfig.
type RegimeConfig struct {
	VolLevelLookback int `mapstructure:"vol_level_lookback"`
	VolExpandingRatio decimal.Decimal `mapstructure:"vol_expanding_ratio"`
}

// MonitoringConfig tunes staleness/health circuit breakers and the control
// plane listener.
type MonitoringConfig struct {
	MaxTickerAge        time.Duration `mapstructure:"max_ticker_age"`
	MaxCandleAge        time.Duration `mapstructure:"max_candle_age"`
	StaleConsecutiveMax int           `mapstructure:"stale_consecutive_max"`
	WSDisconnectGrace   time.Duration `mapstructure:"ws_disconnect_grace"`
	ControlPlaneAddr    string        `mapstructure:"control_plane_addr"`
	MetricsAddr         string        `mapstructure:"metrics_addr"`
}

// LedgerConfig selects and configures durable storage.
type LedgerConfig struct {
	Backend      string `mapstructure:"backend"` // "file" or "postgres"
	DataDir      string `mapstructure:"data_dir"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	LockPath     string `mapstructure:"lock_path"`
}

// DefaultTradingConfig returns spec-documented defaults.
func DefaultTradingConfig() TradingConfig {
	return TradingConfig{
		ScanInterval:          5 * time.Second,
		PositionCheckInterval: 2 * time.Second,
		WarmupBars:            200,
		MaxPositionDuration:   24 * time.Hour,
		ChaseAttempts:         3,
		ChaseDelay:            2 * time.Second,
		ExitRetryAttempts:     5,
		ExitRetryBackoff:      time.Second,
		ReconcileInterval:     5 * time.Minute,
		CleanupInterval:       time.Hour,
		StrategyEvalTimeout:   5 * time.Second,
		OutlierThresholdPct:   decimal.NewFromFloat(0.20),
		EventPriceMovePct:     decimal.NewFromFloat(0.005),
		HealthInterval:        10 * time.Second,
		MaxSpreadPct:          decimal.NewFromFloat(0.003),
	}
}

// DefaultExchangeConfig returns spec-documented defaults.
func DefaultExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		Name:             "binance",
		BaseURL:          "https://api.binance.com",
		WSURL:            "wss://stream.binance.com:9443",
		RateLimitPerSec:  10,
		RateLimitBurst:   20,
		RequestTimeout:   10 * time.Second,
		ReconnectDelay:   5 * time.Second,
		OrderIDCacheSize: 1024,
		MakerFeeRate:     decimal.NewFromFloat(0.001),
		TakerFeeRate:     decimal.NewFromFloat(0.001),
		PostOnly:              false,
		LimitFallbackToMarket: true,
	}
}

// DefaultConfluenceConfig returns spec-documented defaults.
func DefaultConfluenceConfig() ConfluenceConfig {
	return ConfluenceConfig{
		Timeframes:         []int{1, 5, 15},
		PrimaryTimeframe:   1,
		TimeframeWeights:   map[int]decimal.Decimal{1: decimal.NewFromFloat(1.0), 5: decimal.NewFromFloat(1.3), 15: decimal.NewFromFloat(1.5)},
		MinAgreement:       decimal.NewFromFloat(0.60),
		MinConfluenceCount: 2,
		SureFireCount:      4,
		MinConfidence:      decimal.NewFromFloat(0.55),
		ADXTrendThreshold:  decimal.NewFromInt(25),
		ATRLowPct:          decimal.NewFromFloat(0.008),
		ATRHighPct:         decimal.NewFromFloat(0.02),
		OppositionPenalty:  decimal.NewFromFloat(0.25),
		AgreementBonus:     decimal.NewFromFloat(0.10),
		ObiCountsAsConfluence: true,
		ObiThreshold:       decimal.NewFromFloat(0.30),
		BookScoreThreshold: decimal.NewFromFloat(0.30),
		ObiWeight:          decimal.NewFromFloat(0.8),
		BaseWeights: map[string]decimal.Decimal{
			"keltner": decimal.NewFromFloat(1.0), "mean_reversion": decimal.NewFromFloat(1.0),
			"ichimoku": decimal.NewFromFloat(1.0), "order_flow": decimal.NewFromFloat(1.0),
			"trend": decimal.NewFromFloat(1.0), "stoch_divergence": decimal.NewFromFloat(1.0),
			"vol_squeeze": decimal.NewFromFloat(1.0), "supertrend": decimal.NewFromFloat(1.0),
			"reversal": decimal.NewFromFloat(1.0),
		},
		RegimeMultipliers:        map[string]map[string]decimal.Decimal{},
		StrategyCooldowns:        map[string]time.Duration{},
		GuardrailWindowTrades:    20,
		GuardrailMinTrades:       10,
		GuardrailMinWinRate:      decimal.NewFromFloat(0.35),
		GuardrailMinProfitFactor: decimal.NewFromFloat(0.85),
		GuardrailDisableMinutes:  120,
		SessionHourMultipliers:   map[int]decimal.Decimal{},
		SessionHourMinSamples:    10,
		UseClosedCandlesOnly:     true,
		SingleStrategyMode:       false,
	}
}

// DefaultRiskConfig returns spec-documented defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		InitialBankroll:         decimal.NewFromInt(10000),
		RiskPerTradePct:         decimal.NewFromFloat(0.01),
		KellyFractionCap:        decimal.NewFromFloat(0.25),
		MaxConcurrentPositions:  5,
		MaxDailyTrades:          30,
		MaxDailyLossPct:         decimal.NewFromFloat(0.05),
		DrawdownTier1Pct:        decimal.NewFromFloat(0.03),
		DrawdownTier2Pct:        decimal.NewFromFloat(0.07),
		DrawdownTier3Pct:        decimal.NewFromFloat(0.12),
		DrawdownTier4Pct:        decimal.NewFromFloat(0.18),
		GlobalCooldownAfterLoss: 30 * time.Minute,
		PerPairCooldown:         10 * time.Minute,
		PerStrategyCooldown:     10 * time.Minute,
		HourlyThrottle:          6,
		MaxPortfolioHeatPct:     decimal.NewFromFloat(0.25),
		MaxRiskOfRuin:           decimal.NewFromFloat(0.05),
		CorrelationGroups: map[string][]string{
			"btc":          {"BTCUSDT"},
			"eth":          {"ETHUSDT"},
			"alt-l1":       {"SOLUSDT", "AVAXUSDT", "ADAUSDT", "DOTUSDT"},
			"alt-oracle":   {"LINKUSDT"},
			"alt-payment":  {"XRPUSDT", "LTCUSDT"},
		},
		MinSizeMultiplier:             decimal.NewFromFloat(0.30),
		ConsecutiveLossCircuitBreaker: 5,
		DrawdownCircuitBreakerPct:     decimal.NewFromFloat(0.20),
		MaxKellySizePct:               decimal.NewFromFloat(0.05),
		MaxPositionUSD:                decimal.NewFromInt(2000),
		MinNotionalUSD:                decimal.NewFromInt(10),
		MinRiskReward:                 decimal.NewFromFloat(1.5),
		MaxSLDistancePct:              decimal.NewFromFloat(0.10),
		SignalMaxAge:                  90 * time.Second,
		RORMinClosedTrades:            50,
		CorrelationGroupCap:           2,
		ATRMultiplierSL:               decimal.NewFromFloat(2),
		ATRMultiplierTP:               decimal.NewFromFloat(4),
	}
}

// DefaultRegimeConfig returns spec-documented defaults.
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		VolLevelLookback:  100,
		VolExpandingRatio: decimal.NewFromFloat(1.5),
	}
}

// DefaultMonitoringConfig returns spec-documented defaults.
func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		MaxTickerAge:        30 * time.Second,
		MaxCandleAge:        3 * time.Minute,
		StaleConsecutiveMax: 3,
		WSDisconnectGrace:   30 * time.Second,
		ControlPlaneAddr:    ":8081",
		MetricsAddr:         ":9090",
	}
}

// DefaultLedgerConfig returns spec-documented defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Backend:      "file",
		DataDir:      "./data/ledger",
		WriteTimeout: 30 * time.Second,
		LockPath:     "./data/novapulse.lock",
	}
}

// DefaultSupervisorConfig returns a complete, internally-consistent default
// configuration suitable for paper mode.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Tenant:     "default",
		Pairs:      []string{"BTCUSDT", "ETHUSDT"},
		PaperMode:  true,
		Trading:    DefaultTradingConfig(),
		Exchange:   DefaultExchangeConfig(),
		Confluence: DefaultConfluenceConfig(),
		Risk:       DefaultRiskConfig(),
		Regime:     DefaultRegimeConfig(),
		Monitoring: DefaultMonitoringConfig(),
		Ledger:     DefaultLedgerConfig(),
	}
}

// Load reads configuration from a YAML/JSON file at path, layering
// NOVAPULSE_* environment variables on top (dotted keys become
// underscore-separated, matching viper's SetEnvKeyReplacer convention).
func Load(path string) (*SupervisorConfig, error) {
	v := viper.New()
	cfg := DefaultSupervisorConfig()

	v.SetEnvPrefix("NOVAPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate enforces bounds on the numeric knobs checked below; knobs it does
// not check are used as configured. A configuration that fails validation
// must abort startup rather than run with an undefined value.
func (c *SupervisorConfig) Validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("pairs: at least one trading pair is required")
	}
	if c.Canary && !c.PaperMode {
		// canary mode constrains live trading; it never implies paper simulation.
	}

	t := c.Trading
	if t.ScanInterval <= 0 {
		return fmt.Errorf("trading.scan_interval must be positive")
	}
	if t.PositionCheckInterval <= 0 {
		return fmt.Errorf("trading.position_check_interval must be positive")
	}
	if t.WarmupBars < 50 {
		return fmt.Errorf("trading.warmup_bars must be >= 50")
	}
	if t.ChaseAttempts < 0 || t.ChaseAttempts > 10 {
		return fmt.Errorf("trading.chase_attempts must be in [0,10]")
	}
	if t.OutlierThresholdPct.LessThanOrEqual(decimal.Zero) || t.OutlierThresholdPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.outlier_threshold_pct must be in (0,1]")
	}
	if t.EventPriceMovePct.LessThanOrEqual(decimal.Zero) || t.EventPriceMovePct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.event_price_move_pct must be in (0,1]")
	}
	if t.HealthInterval <= 0 {
		return fmt.Errorf("trading.health_interval must be positive")
	}
	if t.MaxSpreadPct.LessThanOrEqual(decimal.Zero) || t.MaxSpreadPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.max_spread_pct must be in (0,1]")
	}

	e := c.Exchange
	if e.Name == "" {
		return fmt.Errorf("exchange.name is required")
	}
	if !c.PaperMode && (e.APIKey == "" || e.APISecret == "") {
		return fmt.Errorf("exchange.api_key/api_secret are required outside paper mode")
	}
	if e.RateLimitPerSec <= 0 {
		return fmt.Errorf("exchange.rate_limit_per_sec must be positive")
	}
	if e.OrderIDCacheSize < 1 {
		return fmt.Errorf("exchange.order_id_cache_size must be >= 1")
	}
	if e.MakerFeeRate.IsNegative() || e.MakerFeeRate.GreaterThan(decimal.NewFromFloat(0.05)) {
		return fmt.Errorf("exchange.maker_fee_rate must be in [0,0.05]")
	}
	if e.TakerFeeRate.IsNegative() || e.TakerFeeRate.GreaterThan(decimal.NewFromFloat(0.05)) {
		return fmt.Errorf("exchange.taker_fee_rate must be in [0,0.05]")
	}

	cf := c.Confluence
	if len(cf.Timeframes) == 0 {
		return fmt.Errorf("confluence.timeframes must be non-empty")
	}
	if cf.MinConfluenceCount < 1 {
		return fmt.Errorf("confluence.min_confluence_count must be >= 1")
	}
	if cf.SureFireCount < cf.MinConfluenceCount {
		return fmt.Errorf("confluence.sure_fire_count must be >= min_confluence_count")
	}
	if cf.GuardrailMinWinRate.LessThan(decimal.Zero) || cf.GuardrailMinWinRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("confluence.guardrail_min_win_rate must be in [0,1]")
	}
	if cf.MinConfidence.LessThan(decimal.Zero) || cf.MinConfidence.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("confluence.min_confidence must be in [0,1]")
	}

	r := c.Risk
	if r.InitialBankroll.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.initial_bankroll must be positive")
	}
	if r.RiskPerTradePct.LessThanOrEqual(decimal.Zero) || r.RiskPerTradePct.GreaterThan(decimal.NewFromFloat(0.1)) {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0,0.1]")
	}
	if r.KellyFractionCap.LessThanOrEqual(decimal.Zero) || r.KellyFractionCap.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.kelly_fraction_cap must be in (0,1]")
	}
	if r.MaxConcurrentPositions < 1 {
		return fmt.Errorf("risk.max_concurrent_positions must be >= 1")
	}
	if !(r.DrawdownTier1Pct.LessThan(r.DrawdownTier2Pct) &&
		r.DrawdownTier2Pct.LessThan(r.DrawdownTier3Pct) &&
		r.DrawdownTier3Pct.LessThan(r.DrawdownTier4Pct)) {
		return fmt.Errorf("risk.drawdown_tierN_pct must be strictly increasing")
	}
	if r.MinSizeMultiplier.LessThanOrEqual(decimal.Zero) || r.MinSizeMultiplier.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.min_size_multiplier must be in (0,1]")
	}
	for _, h := range r.QuietHoursUTC {
		if h < 0 || h > 23 {
			return fmt.Errorf("risk.quiet_hours_utc entries must be in [0,23]")
		}
	}
	if r.MaxKellySizePct.LessThanOrEqual(decimal.Zero) || r.MaxKellySizePct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.max_kelly_size_pct must be in (0,1]")
	}
	if r.MaxPositionUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.max_position_usd must be positive")
	}
	if r.MinNotionalUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.min_notional_usd must be positive")
	}
	if r.MinRiskReward.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.min_risk_reward must be positive")
	}
	if r.MaxSLDistancePct.LessThanOrEqual(decimal.Zero) || r.MaxSLDistancePct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.max_sl_distance_pct must be in (0,1]")
	}
	if r.SignalMaxAge <= 0 {
		return fmt.Errorf("risk.signal_max_age must be positive")
	}
	if r.RORMinClosedTrades < 1 {
		return fmt.Errorf("risk.ror_min_closed_trades must be >= 1")
	}
	if r.CorrelationGroupCap < 1 {
		return fmt.Errorf("risk.correlation_group_cap must be >= 1")
	}
	if r.ConsecutiveLossCircuitBreaker < 1 {
		return fmt.Errorf("risk.consecutive_loss_circuit_breaker must be >= 1")
	}
	if r.DrawdownCircuitBreakerPct.LessThanOrEqual(decimal.Zero) || r.DrawdownCircuitBreakerPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.drawdown_circuit_breaker_pct must be in (0,1]")
	}
	if r.ATRMultiplierSL.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.atr_multiplier_sl must be positive")
	}
	if r.ATRMultiplierTP.LessThanOrEqual(r.ATRMultiplierSL) {
		return fmt.Errorf("risk.atr_multiplier_tp must be greater than atr_multiplier_sl")
	}

	m := c.Monitoring
	if m.MaxTickerAge <= 0 {
		return fmt.Errorf("monitoring.max_ticker_age must be positive")
	}
	if m.MaxCandleAge <= 0 {
		return fmt.Errorf("monitoring.max_candle_age must be positive")
	}
	if m.StaleConsecutiveMax < 1 {
		return fmt.Errorf("monitoring.stale_consecutive_max must be >= 1")
	}
	if m.WSDisconnectGrace <= 0 {
		return fmt.Errorf("monitoring.ws_disconnect_grace must be positive")
	}

	l := c.Ledger
	switch l.Backend {
	case "file":
		if l.DataDir == "" {
			return fmt.Errorf("ledger.data_dir is required for file backend")
		}
	case "postgres":
		if l.PostgresDSN == "" {
			return fmt.Errorf("ledger.postgres_dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be 'file' or 'postgres', got %q", l.Backend)
	}
	if l.WriteTimeout <= 0 {
		return fmt.Errorf("ledger.write_timeout must be positive")
	}

	return nil
}
