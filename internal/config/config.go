package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. It is built once at startup and
// passed by value into every component constructor.
type Config struct {
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Orders     OrdersConfig     `yaml:"orders"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Session    SessionConfig    `yaml:"session"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Broker     BrokerConfig     `yaml:"broker"`
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Strategies StrategiesConfig `yaml:"strategies"`
}

type TradingConfig struct {
	DefaultQuantity int64 `yaml:"default_quantity"` // one lot
	MaxPositions    int   `yaml:"max_positions"`
}

type RiskConfig struct {
	DailyLossLimit    float64       `yaml:"daily_loss_limit"`
	PortfolioLimit    float64       `yaml:"portfolio_limit"`
	RiskPerTrade      float64       `yaml:"risk_per_trade"`
	Interval          time.Duration `yaml:"interval"`
	AutoCloseStopLoss bool          `yaml:"auto_close_stop_loss"`
}

type OrdersConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	CancelOnShutdown bool          `yaml:"cancel_on_shutdown"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type SchedulerConfig struct {
	IdleInterval time.Duration `yaml:"idle_interval"`
	RiskBackoff  time.Duration `yaml:"risk_backoff"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

type BrokerConfig struct {
	ClientID       string        `yaml:"client_id"`
	AccessToken    string        `yaml:"access_token"`
	Paper          bool          `yaml:"paper"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second
	Burst          int           `yaml:"burst"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type ServerConfig struct {
	Port      string `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StrategiesConfig struct {
	Underlying  string             `yaml:"underlying"`
	Instruments []types.Instrument `yaml:"instruments"`
	Momentum    StrategyConfig     `yaml:"momentum"`
	Scalping    StrategyConfig     `yaml:"scalping"`
}

// StrategyConfig carries the per-strategy knobs shared by every variant
type StrategyConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	Cooldown        time.Duration `yaml:"cooldown"`
	MaxPositions    int           `yaml:"max_positions"`
	MaxTradesPerDay int           `yaml:"max_trades_per_day"`
	PositionSize    int64         `yaml:"position_size"`
	StopLossPct     float64       `yaml:"stop_loss_pct"`
	TargetPct       float64       `yaml:"target_pct"`
	MaxHold         time.Duration `yaml:"max_hold"`
}

// Default returns the configuration used when no file or env override is given
func Default() Config {
	return Config{
		Trading: TradingConfig{
			DefaultQuantity: 25,
			MaxPositions:    5,
		},
		Risk: RiskConfig{
			DailyLossLimit: 5000,
			PortfolioLimit: 100000,
			RiskPerTrade:   0.02,
			Interval:       10 * time.Second,
		},
		Orders: OrdersConfig{
			Timeout:          30 * time.Second,
			CancelOnShutdown: true,
		},
		Reconcile: ReconcileConfig{Interval: 5 * time.Second},
		Session: SessionConfig{
			Start:    "09:15",
			End:      "15:30",
			Timezone: "Asia/Kolkata",
		},
		Scheduler: SchedulerConfig{
			IdleInterval: 60 * time.Second,
			RiskBackoff:  5 * time.Minute,
			ErrorBackoff: 30 * time.Second,
		},
		Broker: BrokerConfig{
			Paper:          true,
			RateLimit:      10,
			Burst:          5,
			MaxRetries:     3,
			RetryDelay:     time.Second,
			BreakerTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{URL: "trader.db"},
		Server: ServerConfig{
			Port:      "8080",
			JWTSecret: "klear-secret-key",
			APIKey:    "ops-api-key",
			APISecret: "ops-api-secret",
		},
		Log: LogConfig{Level: "info"},
		Strategies: StrategiesConfig{
			Underlying: "NIFTY",
			Momentum: StrategyConfig{
				Enabled:         true,
				Interval:        15 * time.Second,
				Cooldown:        5 * time.Minute,
				MaxPositions:    3,
				MaxTradesPerDay: 10,
				PositionSize:    50,
				StopLossPct:     0.25,
				TargetPct:       0.50,
				MaxHold:         2 * time.Hour,
			},
			Scalping: StrategyConfig{
				Enabled:         true,
				Interval:        5 * time.Second,
				Cooldown:        60 * time.Second,
				MaxPositions:    2,
				MaxTradesPerDay: 10,
				PositionSize:    25,
				StopLossPct:     0.15,
				TargetPct:       0.25,
				MaxHold:         15 * time.Minute,
			},
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults and then
// applies environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	floats := map[string]*float64{
		"DAILY_LOSS_LIMIT": &c.Risk.DailyLossLimit,
		"RISK_PER_TRADE":   &c.Risk.RiskPerTrade,
		"PORTFOLIO_LIMIT":  &c.Risk.PortfolioLimit,
	}
	for key, dst := range floats {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = f
		}
	}

	if v, ok := lookup("MAX_POSITIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_POSITIONS: %w", err)
		}
		c.Trading.MaxPositions = n
	}
	if v, ok := lookup("DEFAULT_QUANTITY"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid DEFAULT_QUANTITY: %w", err)
		}
		c.Trading.DefaultQuantity = n
	}

	strs := map[string]*string{
		"MARKET_START_TIME":   &c.Session.Start,
		"MARKET_END_TIME":     &c.Session.End,
		"DATABASE_URL":        &c.Database.URL,
		"LOG_LEVEL":           &c.Log.Level,
		"PORT":                &c.Server.Port,
		"JWT_SECRET":          &c.Server.JWTSecret,
		"BROKER_CLIENT_ID":    &c.Broker.ClientID,
		"BROKER_ACCESS_TOKEN": &c.Broker.AccessToken,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	return nil
}

// Validate checks the configuration for values the engine cannot run with
func (c Config) Validate() error {
	var errs []error

	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 0.1 {
		errs = append(errs, fmt.Errorf("risk_per_trade must be in (0, 0.1], got %v", c.Risk.RiskPerTrade))
	}
	if c.Risk.DailyLossLimit <= 0 {
		errs = append(errs, errors.New("daily_loss_limit must be positive"))
	}
	if c.Risk.PortfolioLimit <= 0 {
		errs = append(errs, errors.New("portfolio_limit must be positive"))
	}
	if c.Trading.DefaultQuantity <= 0 {
		errs = append(errs, errors.New("default_quantity must be positive"))
	}
	if c.Trading.MaxPositions <= 0 {
		errs = append(errs, errors.New("max_positions must be positive"))
	}
	if c.Orders.Timeout <= 0 {
		errs = append(errs, errors.New("orders.timeout must be positive"))
	}
	if c.Reconcile.Interval <= 0 || c.Risk.Interval <= 0 {
		errs = append(errs, errors.New("loop intervals must be positive"))
	}
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("server.jwt_secret must be set"))
	}
	if err := c.Session.validate(); err != nil {
		errs = append(errs, err)
	}

	for name, s := range map[string]StrategyConfig{"momentum": c.Strategies.Momentum, "scalping": c.Strategies.Scalping} {
		if s.PositionSize <= 0 {
			errs = append(errs, fmt.Errorf("strategies.%s.position_size must be positive", name))
		}
		if s.Interval <= 0 {
			errs = append(errs, fmt.Errorf("strategies.%s.interval must be positive", name))
		}
	}

	return errors.Join(errs...)
}

// ZerologLevel maps the configured level name, defaulting to info
func (l LogConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(l.Level)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

const redacted = "********"

// Redacted returns a copy with secrets masked, for printing
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	c.Server.JWTSecret = mask(c.Server.JWTSecret)
	c.Server.APISecret = mask(c.Server.APISecret)
	c.Broker.AccessToken = mask(c.Broker.AccessToken)
	c.Strategies.Instruments = append([]types.Instrument(nil), c.Strategies.Instruments...)
	return c
}
