package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Config is the full bot configuration, assembled from environment variables.
// It is published as an immutable snapshot: callers take one snapshot per
// operation via a Handle and never mutate it.
type Config struct {
	Binance      BinanceConfig      `json:"binance"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Vault        VaultConfig        `json:"vault"`
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Notification NotificationConfig `json:"notification"`
	Risk         RiskConfig         `json:"risk"`
	Executor     ExecutorConfig     `json:"executor"`
	Scanner      ScannerConfig      `json:"scanner"`
	Signals      SignalConfig       `json:"signals"`
	Filters      FilterConfig       `json:"filters"`
	Monitor      MonitorConfig      `json:"monitor"`
	Loops        LoopsConfig        `json:"loops"`
	Sniper       SniperConfig       `json:"sniper"`
	Supervisor   SupervisorConfig   `json:"supervisor"`
}

// BinanceConfig holds Binance Futures connectivity settings
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
	MockMode  bool   `json:"mock_mode"` // use the mock client instead of real endpoints
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type VaultConfig struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	Token     string `json:"token"`
	MountPath string `json:"mount_path"`
	SecretKey string `json:"secret_key"` // KV path holding the exchange credentials
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

type NotificationConfig struct {
	Enabled          bool   `json:"enabled"`
	TelegramEnabled  bool   `json:"telegram_enabled"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   int64  `json:"telegram_chat_id"`
}

// RiskConfig holds sizing and admission limits
type RiskConfig struct {
	MaxPositions                int     `json:"max_positions"`
	RiskPerTrade                float64 `json:"risk_per_trade"`          // fraction, e.g. 0.025
	SniperRiskPerTrade          float64 `json:"sniper_risk_per_trade"`   // fraction
	MaxPortfolioRisk            float64 `json:"max_portfolio_risk"`      // fraction
	MaxTotalCapitalUsage        float64 `json:"max_total_capital_usage"` // fraction of balance usable as margin
	DefaultLeverage             int     `json:"default_leverage"`
	DailyMaxLossPct             float64 `json:"daily_max_loss_pct"` // fraction of daily start balance
	IntradayDrawdownHardStopPct float64 `json:"intraday_drawdown_hard_stop_pct"`
	AllowRiskBypassForForce     bool    `json:"allow_risk_bypass_for_force"`
}

// ExecutorConfig holds order execution settings
type ExecutorConfig struct {
	MaxSpreadPctCore        float64   `json:"max_spread_pct_core"`
	MaxSpreadPctSniper      float64   `json:"max_spread_pct_sniper"`
	AutoIsolateMinLeverage  int       `json:"auto_isolate_min_leverage"`
	DefaultMarginCrossed    bool      `json:"default_margin_crossed"`
	AllowMarginModeOverride bool      `json:"allow_margin_mode_override"`
	OrderTimeoutSec         int       `json:"order_timeout_sec"`
	LimitBufferPct          float64   `json:"limit_buffer_pct"`
	UsePostOnlyEntries      bool      `json:"use_post_only_entries"`
	AutoPostOnlyEntries     bool      `json:"auto_post_only_entries"`
	AutoMakerSpreadBps      float64   `json:"auto_maker_spread_bps"`
	IcebergThreshold        float64   `json:"iceberg_threshold"`  // notional USDT above which orders are chunked
	IcebergChunkSize        float64   `json:"iceberg_chunk_size"` // notional USDT per chunk
	EnableBracketBatch      bool      `json:"enable_bracket_batch"`
	UseMarkPriceForStops    bool      `json:"use_mark_price_for_stops"`
	TakeProfitParts         []float64 `json:"take_profit_parts"` // fractions summing to 1
	EnableTrailingStop      bool      `json:"enable_trailing_stop"`
	TSLCallbackPctMin       float64   `json:"tsl_callback_pct_min"`
	TSLCallbackPctMax       float64   `json:"tsl_callback_pct_max"`
	TSLATRLookbackInterval  string    `json:"tsl_atr_lookback_interval"`
	HeadroomMinPct          float64   `json:"headroom_min_pct"`
	ReduceStepPct           float64   `json:"reduce_step_pct"`
}

// ScannerConfig holds market scanner settings
type ScannerConfig struct {
	TopN                   int      `json:"top_n"`
	MaxSymbols             int      `json:"max_symbols"`
	MinQuoteVolumeUSDT24h  float64  `json:"min_quote_volume_usdt_24h"`
	Concurrency            int      `json:"concurrency"`
	StrictWhitelist        bool     `json:"strict_whitelist"`
	TestnetStrictWhitelist bool     `json:"testnet_strict_whitelist"`
	SymbolWhitelist        []string `json:"symbol_whitelist"`
	TestnetWhitelist       []string `json:"testnet_whitelist"`
}

// SignalConfig holds signal generation thresholds
type SignalConfig struct {
	MinScore                 int     `json:"min_score"`
	VolumeThreshold          float64 `json:"volume_threshold"`
	RSIOversold              float64 `json:"rsi_oversold"`
	RSIOverbought            float64 `json:"rsi_overbought"`
	RequireTrendConfirmation bool    `json:"require_trend_confirmation"`
	MinMomentumThresholdPct  float64 `json:"min_momentum_threshold_pct"`
	RRMinTrend               float64 `json:"rr_min_trend"`
	RRMinRange               float64 `json:"rr_min_range"`
	EnableADXFilter          bool    `json:"enable_adx_filter"`
	ADXMinTrendStrength      float64 `json:"adx_min_trend_strength"`
	EnableFundingAware       bool    `json:"enable_funding_aware"`
	FundingAdverseThreshold  float64 `json:"funding_adverse_threshold"`
	FundingBlockWindowMins   int     `json:"funding_block_window_minutes"`
	OIChangePeriod           string  `json:"oi_change_period"`
	OIChangeLookback         int     `json:"oi_change_lookback"`
	OIChangeMinAbs           float64 `json:"oi_change_min_abs"`
	TakerRatioLongMin        float64 `json:"taker_ratio_long_min"`
	TakerRatioShortMax       float64 `json:"taker_ratio_short_max"`
}

// FilterConfig holds correlation and sector filter settings
type FilterConfig struct {
	CorrWindowDays        int     `json:"corr_window_days"`
	MaxCorrelation        float64 `json:"max_correlation"`
	MaxPositionsPerSector int     `json:"max_positions_per_sector"`
}

// MonitorConfig holds position monitor settings
type MonitorConfig struct {
	IntervalSec           int     `json:"interval_sec"`
	MaxDrawdownPct        float64 `json:"max_drawdown_pct"`        // kill switch, percent
	TrailingActivationPct float64 `json:"trailing_activation_pct"` // profit % to arm trailing
	TSLMinPct             float64 `json:"tsl_min_pct"`
	TSLMaxPct             float64 `json:"tsl_max_pct"`
	PartialTPThresholdPct float64 `json:"partial_tp_threshold_pct"`
	EmergencyStopPct      float64 `json:"emergency_stop_pct"` // negative
	MaxLossPct            float64 `json:"max_loss_pct"`       // negative
	BlacklistHours        int     `json:"blacklist_hours"`
	EnableFundingExits    bool    `json:"enable_funding_exits"`
	FundingExitThreshold  float64 `json:"funding_exit_threshold"`
}

// LoopsConfig holds auxiliary loop settings
type LoopsConfig struct {
	DCAEnabled             bool    `json:"dca_enabled"`
	MaxDCACount            int     `json:"max_dca_count"`
	DCAThresholdPct        float64 `json:"dca_threshold_pct"` // negative
	DCAMultiplier          float64 `json:"dca_multiplier"`
	PyramidingEnabled      bool    `json:"pyramiding_enabled"`
	PyramidingThresholdPct float64 `json:"pyramiding_threshold_pct"`
	PyramidingMultiplier   float64 `json:"pyramiding_multiplier"`
	TimeExitHours          int     `json:"time_exit_hours"`
	TimeExitMinProfitPct   float64 `json:"time_exit_min_profit_pct"`
	AutoSyncMinutes        int     `json:"auto_sync_minutes"`
}

// SniperConfig holds micro-scalp loop settings
type SniperConfig struct {
	Enabled         bool    `json:"enabled"`
	ExtraSlots      int     `json:"extra_slots"`
	DefaultLeverage int     `json:"default_leverage"`
	TPPct           float64 `json:"tp_pct"`
	SLPct           float64 `json:"sl_pct"`
}

type SupervisorConfig struct {
	CheckIntervalSec int `json:"check_interval_sec"`
	LoopThresholdSec int `json:"loop_threshold_sec"`
	InactiveMins     int `json:"inactive_mins"`
}

// Load builds a Config from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Binance.APIKey = getEnvOrDefault("BINANCE_API_KEY", "")
	cfg.Binance.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", "")
	cfg.Binance.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", false)
	cfg.Binance.MockMode = getEnvBoolOrDefault("BINANCE_MOCK_MODE", false)

	cfg.Database.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.Database.User = getEnvOrDefault("DB_USER", "postgres")
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.Database.Database = getEnvOrDefault("DB_NAME", "futures_bot")
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", true)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.Redis.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", false)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", "")
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.Vault.SecretKey = getEnvOrDefault("VAULT_SECRET_KEY", "binance/credentials")

	cfg.Server.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", true)
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "127.0.0.1")
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", 8080)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", true)

	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", true)
	cfg.Notification.TelegramEnabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", false)
	cfg.Notification.TelegramBotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", "")
	cfg.Notification.TelegramChatID = getEnvInt64OrDefault("TELEGRAM_CHAT_ID", 0)

	cfg.Risk.MaxPositions = getEnvIntOrDefault("MAX_POSITIONS", 5)
	cfg.Risk.RiskPerTrade = getEnvFloatOrDefault("RISK_PER_TRADE", 0.025)
	cfg.Risk.SniperRiskPerTrade = getEnvFloatOrDefault("SNIPER_RISK_PER_TRADE", 0.01)
	cfg.Risk.MaxPortfolioRisk = getEnvFloatOrDefault("MAX_PORTFOLIO_RISK", 0.10)
	cfg.Risk.MaxTotalCapitalUsage = getEnvFloatOrDefault("MAX_TOTAL_CAPITAL_USAGE", 0.80)
	cfg.Risk.DefaultLeverage = getEnvIntOrDefault("DEFAULT_LEVERAGE", 5)
	cfg.Risk.DailyMaxLossPct = getEnvFloatOrDefault("DAILY_MAX_LOSS_PCT", 0.05)
	cfg.Risk.IntradayDrawdownHardStopPct = getEnvFloatOrDefault("INTRADAY_DRAWDOWN_HARD_STOP_PCT", 0.25)
	cfg.Risk.AllowRiskBypassForForce = getEnvBoolOrDefault("ALLOW_RISK_BYPASS_FOR_FORCE", false)

	cfg.Executor.MaxSpreadPctCore = getEnvFloatOrDefault("MAX_SPREAD_PCT_CORE", 0.2)
	cfg.Executor.MaxSpreadPctSniper = getEnvFloatOrDefault("MAX_SPREAD_PCT_SNIPER", 0.35)
	cfg.Executor.AutoIsolateMinLeverage = getEnvIntOrDefault("AUTO_ISOLATE_MIN_LEVERAGE", 10)
	cfg.Executor.DefaultMarginCrossed = getEnvBoolOrDefault("DEFAULT_MARGIN_CROSSED", true)
	cfg.Executor.AllowMarginModeOverride = getEnvBoolOrDefault("ALLOW_MARGIN_MODE_OVERRIDE", true)
	cfg.Executor.OrderTimeoutSec = getEnvIntOrDefault("ORDER_TIMEOUT_SEC", 8)
	cfg.Executor.LimitBufferPct = getEnvFloatOrDefault("LIMIT_BUFFER_PCT", 0.05)
	cfg.Executor.UsePostOnlyEntries = getEnvBoolOrDefault("USE_POST_ONLY_ENTRIES", false)
	cfg.Executor.AutoPostOnlyEntries = getEnvBoolOrDefault("AUTO_POST_ONLY_ENTRIES", true)
	cfg.Executor.AutoMakerSpreadBps = getEnvFloatOrDefault("AUTO_MAKER_SPREAD_BPS", 2.0)
	cfg.Executor.IcebergThreshold = getEnvFloatOrDefault("ICEBERG_THRESHOLD", 5000)
	cfg.Executor.IcebergChunkSize = getEnvFloatOrDefault("ICEBERG_CHUNK_SIZE", 1500)
	cfg.Executor.EnableBracketBatch = getEnvBoolOrDefault("ENABLE_BRACKET_BATCH", true)
	cfg.Executor.UseMarkPriceForStops = getEnvBoolOrDefault("USE_MARK_PRICE_FOR_STOPS", true)
	cfg.Executor.EnableTrailingStop = getEnvBoolOrDefault("ENABLE_TRAILING_STOP", true)
	cfg.Executor.TSLCallbackPctMin = getEnvFloatOrDefault("TSL_CALLBACK_PCT_MIN", 0.3)
	cfg.Executor.TSLCallbackPctMax = getEnvFloatOrDefault("TSL_CALLBACK_PCT_MAX", 3.0)
	cfg.Executor.TSLATRLookbackInterval = getEnvOrDefault("TSL_ATR_LOOKBACK_INTERVAL", "15m")
	cfg.Executor.HeadroomMinPct = getEnvFloatOrDefault("HEADROOM_MIN_PCT", 20.0)
	cfg.Executor.ReduceStepPct = getEnvFloatOrDefault("REDUCE_STEP_PCT", 0.15)

	parts, err := parseTakeProfitParts(getEnvOrDefault("TAKE_PROFIT_PARTS", "0.5,0.3,0.2"))
	if err != nil {
		return nil, err
	}
	cfg.Executor.TakeProfitParts = parts

	cfg.Scanner.TopN = getEnvIntOrDefault("SCANNER_TOP_N", 80)
	cfg.Scanner.MaxSymbols = getEnvIntOrDefault("SCANNER_MAX_SYMBOLS", 30)
	cfg.Scanner.MinQuoteVolumeUSDT24h = getEnvFloatOrDefault("MIN_QUOTE_VOLUME_USDT_24H", 20_000_000)
	cfg.Scanner.Concurrency = getEnvIntOrDefault("SCANNER_CONCURRENCY", 8)
	cfg.Scanner.StrictWhitelist = getEnvBoolOrDefault("SCANNER_STRICT_WHITELIST", false)
	cfg.Scanner.TestnetStrictWhitelist = getEnvBoolOrDefault("SCANNER_TESTNET_STRICT_WHITELIST", true)
	cfg.Scanner.SymbolWhitelist = getEnvListOrDefault("SYMBOL_WHITELIST", nil)
	cfg.Scanner.TestnetWhitelist = getEnvListOrDefault("TESTNET_WHITELIST", []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"})

	cfg.Signals.MinScore = getEnvIntOrDefault("PROD_MIN_SCORE", 55)
	cfg.Signals.VolumeThreshold = getEnvFloatOrDefault("PROD_VOLUME_THRESHOLD", 1.2)
	cfg.Signals.RSIOversold = getEnvFloatOrDefault("PROD_RSI_OVERSOLD", 30)
	cfg.Signals.RSIOverbought = getEnvFloatOrDefault("PROD_RSI_OVERBOUGHT", 70)
	cfg.Signals.RequireTrendConfirmation = getEnvBoolOrDefault("REQUIRE_TREND_CONFIRMATION", true)
	cfg.Signals.MinMomentumThresholdPct = getEnvFloatOrDefault("MIN_MOMENTUM_THRESHOLD_PCT", 0.3)
	cfg.Signals.RRMinTrend = getEnvFloatOrDefault("RR_MIN_TREND", 2.0)
	cfg.Signals.RRMinRange = getEnvFloatOrDefault("RR_MIN_RANGE", 1.5)
	cfg.Signals.EnableADXFilter = getEnvBoolOrDefault("ENABLE_ADX_FILTER", true)
	cfg.Signals.ADXMinTrendStrength = getEnvFloatOrDefault("ADX_MIN_TREND_STRENGTH", 20)
	cfg.Signals.EnableFundingAware = getEnvBoolOrDefault("ENABLE_FUNDING_AWARE", true)
	cfg.Signals.FundingAdverseThreshold = getEnvFloatOrDefault("FUNDING_ADVERSE_THRESHOLD", 0.0005)
	cfg.Signals.FundingBlockWindowMins = getEnvIntOrDefault("FUNDING_BLOCK_WINDOW_MINUTES", 20)
	cfg.Signals.OIChangePeriod = getEnvOrDefault("OI_CHANGE_PERIOD", "15m")
	cfg.Signals.OIChangeLookback = getEnvIntOrDefault("OI_CHANGE_LOOKBACK", 8)
	cfg.Signals.OIChangeMinAbs = getEnvFloatOrDefault("OI_CHANGE_MIN_ABS", 2.0)
	cfg.Signals.TakerRatioLongMin = getEnvFloatOrDefault("TAKER_RATIO_LONG_MIN", 0.95)
	cfg.Signals.TakerRatioShortMax = getEnvFloatOrDefault("TAKER_RATIO_SHORT_MAX", 1.05)

	cfg.Filters.CorrWindowDays = getEnvIntOrDefault("CORR_WINDOW_DAYS", 30)
	cfg.Filters.MaxCorrelation = getEnvFloatOrDefault("MAX_CORRELATION", 0.5)
	cfg.Filters.MaxPositionsPerSector = getEnvIntOrDefault("MAX_POSITIONS_PER_SECTOR", 2)

	cfg.Monitor.IntervalSec = getEnvIntOrDefault("MONITOR_INTERVAL_SEC", 6)
	cfg.Monitor.MaxDrawdownPct = getEnvFloatOrDefault("MAX_DRAWDOWN_PCT", 15.0)
	cfg.Monitor.TrailingActivationPct = getEnvFloatOrDefault("TRAILING_ACTIVATION_PCT", 3.0)
	cfg.Monitor.TSLMinPct = getEnvFloatOrDefault("TSL_MIN_PCT", 0.4)
	cfg.Monitor.TSLMaxPct = getEnvFloatOrDefault("TSL_MAX_PCT", 1.2)
	cfg.Monitor.PartialTPThresholdPct = getEnvFloatOrDefault("PARTIAL_TP_THRESHOLD_PCT", 5.0)
	cfg.Monitor.EmergencyStopPct = getEnvFloatOrDefault("EMERGENCY_STOP_PCT", -15.0)
	cfg.Monitor.MaxLossPct = getEnvFloatOrDefault("MAX_LOSS_PCT", -8.0)
	cfg.Monitor.BlacklistHours = getEnvIntOrDefault("BLACKLIST_HOURS", 2)
	cfg.Monitor.EnableFundingExits = getEnvBoolOrDefault("ENABLE_FUNDING_EXITS", false)
	cfg.Monitor.FundingExitThreshold = getEnvFloatOrDefault("FUNDING_EXIT_THRESHOLD", 0.001)

	cfg.Loops.DCAEnabled = getEnvBoolOrDefault("DCA_ENABLED", true)
	cfg.Loops.MaxDCACount = getEnvIntOrDefault("MAX_DCA_COUNT", 2)
	cfg.Loops.DCAThresholdPct = getEnvFloatOrDefault("DCA_THRESHOLD_PCT", -2.0)
	cfg.Loops.DCAMultiplier = getEnvFloatOrDefault("DCA_MULTIPLIER", 1.5)
	cfg.Loops.PyramidingEnabled = getEnvBoolOrDefault("PYRAMIDING_ENABLED", true)
	cfg.Loops.PyramidingThresholdPct = getEnvFloatOrDefault("PYRAMIDING_THRESHOLD_PCT", 5.0)
	cfg.Loops.PyramidingMultiplier = getEnvFloatOrDefault("PYRAMIDING_MULTIPLIER", 0.5)
	cfg.Loops.TimeExitHours = getEnvIntOrDefault("TIME_EXIT_HOURS", 4)
	cfg.Loops.TimeExitMinProfitPct = getEnvFloatOrDefault("TIME_EXIT_MIN_PROFIT_PCT", 0.3)
	cfg.Loops.AutoSyncMinutes = getEnvIntOrDefault("POSITIONS_AUTO_SYNC_MINUTES", 10)

	cfg.Sniper.Enabled = getEnvBoolOrDefault("SNIPER_ENABLED", true)
	cfg.Sniper.ExtraSlots = getEnvIntOrDefault("SNIPER_EXTRA_SLOTS", 2)
	cfg.Sniper.DefaultLeverage = getEnvIntOrDefault("SNIPER_DEFAULT_LEVERAGE", 10)
	cfg.Sniper.TPPct = getEnvFloatOrDefault("SNIPER_TP_PCT", 1.5)
	cfg.Sniper.SLPct = getEnvFloatOrDefault("SNIPER_SL_PCT", 1.0)

	cfg.Supervisor.CheckIntervalSec = getEnvIntOrDefault("SUPERVISOR_CHECK_INTERVAL_SEC", 30)
	cfg.Supervisor.LoopThresholdSec = getEnvIntOrDefault("SUPERVISOR_LOOP_THRESHOLD_SEC", 300)
	cfg.Supervisor.InactiveMins = getEnvIntOrDefault("SUPERVISOR_INACTIVE_MINS", 120)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("MAX_POSITIONS must be positive, got %d", c.Risk.MaxPositions)
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > c.Risk.MaxPortfolioRisk {
		return fmt.Errorf("RISK_PER_TRADE %.4f must be in (0, MAX_PORTFOLIO_RISK=%.4f]",
			c.Risk.RiskPerTrade, c.Risk.MaxPortfolioRisk)
	}
	if c.Risk.MaxTotalCapitalUsage <= 0 || c.Risk.MaxTotalCapitalUsage > 1 {
		return fmt.Errorf("MAX_TOTAL_CAPITAL_USAGE must be in (0,1], got %.4f", c.Risk.MaxTotalCapitalUsage)
	}
	if c.Executor.TSLCallbackPctMin > c.Executor.TSLCallbackPctMax {
		return fmt.Errorf("TSL_CALLBACK_PCT_MIN %.2f > TSL_CALLBACK_PCT_MAX %.2f",
			c.Executor.TSLCallbackPctMin, c.Executor.TSLCallbackPctMax)
	}
	return nil
}

// MonitorInterval returns the position-monitor cadence
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalSec) * time.Second
}

// OrderTimeout returns the limit-order fill wait
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Executor.OrderTimeoutSec) * time.Second
}

func parseTakeProfitParts(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	parts := make([]float64, 0, len(fields))
	sum := 0.0
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TAKE_PROFIT_PARTS entry %q: %w", f, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("TAKE_PROFIT_PARTS entries must be positive, got %v", v)
		}
		parts = append(parts, v)
		sum += v
	}
	if sum < 0.999 || sum > 1.001 {
		return nil, fmt.Errorf("TAKE_PROFIT_PARTS must sum to 1, got %.4f", sum)
	}
	return parts, nil
}

// Handle is an atomically swappable configuration snapshot.
// Readers call Snapshot once per operation; Reload publishes a new snapshot.
type Handle struct {
	ptr atomic.Pointer[Config]
}

// NewHandle creates a handle holding the given config
func NewHandle(cfg *Config) *Handle {
	h := &Handle{}
	h.ptr.Store(cfg)
	return h
}

// Snapshot returns the current immutable config
func (h *Handle) Snapshot() *Config {
	return h.ptr.Load()
}

// Reload re-reads the environment and swaps the snapshot
func (h *Handle) Reload() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	h.ptr.Store(cfg)
	return nil
}

// ==================== ENV HELPERS ====================

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(value, "true") || value == "1"
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		fields := strings.Split(value, ",")
		out := make([]string, 0, len(fields))
		for _, f := range fields {
			if s := strings.TrimSpace(f); s != "" {
				out = append(out, strings.ToUpper(s))
			}
		}
		return out
	}
	return defaultValue
}
