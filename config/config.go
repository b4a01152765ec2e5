package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full bot configuration.
type Config struct {
	Trading  TradingConfig  `yaml:"trading"`
	Risk     RiskConfig     `yaml:"risk"`
	Venues   VenuesConfig   `yaml:"venues"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Telegram TelegramConfig `yaml:"telegram"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// TradingConfig controls the trading cycle.
type TradingConfig struct {
	Pairs                []string `yaml:"pairs"`
	CycleSeconds         int      `yaml:"cycle_seconds"`
	MaxIterations        int      `yaml:"max_iterations"` // 0 runs until stopped
	CandleTimeframe      string   `yaml:"candle_timeframe"`
	CandleLimit          int      `yaml:"candle_limit"`
	ATRPeriod            int      `yaml:"atr_period"`
	EntryThreshold       float64  `yaml:"entry_threshold"`
	ExitThreshold        float64  `yaml:"exit_threshold"`
	PredictionThreshold  float64  `yaml:"prediction_threshold"`
	SafetyMargin         float64  `yaml:"safety_margin"`
	TradeFraction        float64  `yaml:"trade_fraction"`
	DepthLevels          int      `yaml:"depth_levels"`
	BasePriceAdjustment  float64  `yaml:"base_price_adjustment"`
	BaseMaxPositionSize  float64  `yaml:"base_max_position_size"`
	MinOrderNotional     float64  `yaml:"min_order_notional"`
	MinSellNotional      float64  `yaml:"min_sell_notional"`
}

// RiskConfig controls the pre-trade gates.
type RiskConfig struct {
	MaxDrawdown         float64 `yaml:"max_drawdown"`
	BaseDailyLossLimit  float64 `yaml:"base_daily_loss_limit"`
	VolatilityThreshold float64 `yaml:"volatility_threshold"`
	FixedStopLoss       float64 `yaml:"fixed_stop_loss"`
	MaxConcurrentPairs  int     `yaml:"max_concurrent_pairs"`
	ForecastMultiplier  float64 `yaml:"forecast_multiplier"`
}

// VenueConfig is one venue's connection settings. Credentials come from the
// environment, never from the YAML file.
type VenueConfig struct {
	Name      string  `yaml:"name"`
	BaseURL   string  `yaml:"base_url"`
	WSURL     string  `yaml:"ws_url"`
	MakerFee  float64 `yaml:"maker_fee"`
	APIKey    string  `yaml:"-"`
	APISecret string  `yaml:"-"`
}

// VenuesConfig holds the two trading venues.
type VenuesConfig struct {
	Primary   VenueConfig `yaml:"primary"`
	Secondary VenueConfig `yaml:"secondary"`
}

// OracleConfig points at the scoring sidecar. An empty base URL selects the
// local momentum predictor.
type OracleConfig struct {
	BaseURL string `yaml:"base_url"`
}

// TelegramConfig enables the Telegram notifier when both values are set.
type TelegramConfig struct {
	Token  string `yaml:"-"`
	ChatID string `yaml:"-"`
}

// StorageConfig controls where session state is persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// MetricsConfig controls the Prometheus endpoint. Empty disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present. Environment values
// override the YAML for the keys that overlap; credentials only ever come
// from the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// CycleInterval returns the cycle cadence as a time.Duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Trading.CycleSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	cfg.Venues.Primary.APIKey = os.Getenv("PRIMARY_API_KEY")
	cfg.Venues.Primary.APISecret = os.Getenv("PRIMARY_API_SECRET")
	cfg.Venues.Secondary.APIKey = os.Getenv("SECONDARY_API_KEY")
	cfg.Venues.Secondary.APISecret = os.Getenv("SECONDARY_API_SECRET")
	cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")
	if v := os.Getenv("ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
}

func setDefaults(cfg *Config) {
	if len(cfg.Trading.Pairs) == 0 {
		cfg.Trading.Pairs = []string{"ETH/USDT", "SOL/USDT", "BNB/USDT", "XRP/USDT"}
	}
	if cfg.Trading.CycleSeconds <= 0 {
		cfg.Trading.CycleSeconds = 300
	}
	if cfg.Trading.MaxIterations < 0 {
		cfg.Trading.MaxIterations = 0
	}
	if cfg.Trading.CandleTimeframe == "" {
		cfg.Trading.CandleTimeframe = "5m"
	}
	if cfg.Trading.CandleLimit <= 0 {
		cfg.Trading.CandleLimit = 120
	}
	if cfg.Trading.ATRPeriod <= 0 {
		cfg.Trading.ATRPeriod = 14
	}
	if cfg.Trading.EntryThreshold <= 0 {
		cfg.Trading.EntryThreshold = 0.7
	}
	if cfg.Trading.ExitThreshold <= 0 {
		cfg.Trading.ExitThreshold = 0.3
	}
	if cfg.Trading.PredictionThreshold <= 0 {
		cfg.Trading.PredictionThreshold = 0.7
	}
	if cfg.Trading.SafetyMargin <= 0 {
		cfg.Trading.SafetyMargin = 0.005
	}
	if cfg.Trading.TradeFraction <= 0 {
		cfg.Trading.TradeFraction = 0.1
	}
	if cfg.Trading.DepthLevels <= 0 {
		cfg.Trading.DepthLevels = 5
	}
	if cfg.Trading.BasePriceAdjustment <= 0 {
		cfg.Trading.BasePriceAdjustment = 0.001
	}
	if cfg.Trading.BaseMaxPositionSize <= 0 {
		cfg.Trading.BaseMaxPositionSize = 0.5
	}
	if cfg.Trading.MinOrderNotional <= 0 {
		cfg.Trading.MinOrderNotional = 10
	}
	if cfg.Trading.MinSellNotional <= 0 {
		cfg.Trading.MinSellNotional = 10
	}

	if cfg.Risk.MaxDrawdown <= 0 {
		cfg.Risk.MaxDrawdown = 0.05
	}
	if cfg.Risk.BaseDailyLossLimit <= 0 {
		cfg.Risk.BaseDailyLossLimit = 0.02
	}
	if cfg.Risk.VolatilityThreshold <= 0 {
		cfg.Risk.VolatilityThreshold = 0.05
	}
	if cfg.Risk.FixedStopLoss <= 0 {
		cfg.Risk.FixedStopLoss = 0.03
	}
	if cfg.Risk.MaxConcurrentPairs <= 0 {
		cfg.Risk.MaxConcurrentPairs = 4
	}
	if cfg.Risk.ForecastMultiplier <= 0 {
		cfg.Risk.ForecastMultiplier = 1.5
	}

	if cfg.Venues.Primary.Name == "" {
		cfg.Venues.Primary.Name = "binance"
	}
	if cfg.Venues.Primary.BaseURL == "" {
		cfg.Venues.Primary.BaseURL = "https://api.binance.com"
	}
	if cfg.Venues.Primary.WSURL == "" {
		cfg.Venues.Primary.WSURL = "wss://stream.binance.com:9443/ws"
	}
	if cfg.Venues.Primary.MakerFee <= 0 {
		cfg.Venues.Primary.MakerFee = 0.001
	}
	if cfg.Venues.Secondary.Name == "" {
		cfg.Venues.Secondary.Name = "bingx"
	}
	if cfg.Venues.Secondary.BaseURL == "" {
		cfg.Venues.Secondary.BaseURL = "https://open-api.bingx.com"
	}
	if cfg.Venues.Secondary.MakerFee <= 0 {
		cfg.Venues.Secondary.MakerFee = 0.001
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "spotbot.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
