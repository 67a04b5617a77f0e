// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
mode: "live"
schedule: "* * * * *"
log_level: "info"
log_file: "logs/rebalancer.log"
registry: "file"
targets_file: "targets.yaml"
db_conn_str: "..."
default_exchange: "wallex"
call_timeout: 10s
cycle_timeout: 1m
rate_limit: 5
rate_burst: 5
max_concurrent_targets: 4
sweep_expired_orders: true
metrics_addr: ":9090"
paper_prices:
  BTC/USDT: { price: "60000", min_order_size: "0.0001" }
paper_balances:
  BTC: "0.5"
targets:
  - name: btc
    market: BTCUSDT
    target_cost: 1000
    target_rate: 0.5
    min_trade_value: 10
    enabled: true
*/

const (
	ModeLive = "live"
	ModeOnce = "once"

	RegistryFile     = "file"
	RegistryPostgres = "postgres"
	RegistryInline   = "inline"
)

type PaperMarket struct {
	Price        decimal.Decimal `yaml:"price"`
	MinOrderSize decimal.Decimal `yaml:"min_order_size"`
}

type Config struct {
	Mode     string `yaml:"mode"`
	Schedule string `yaml:"schedule"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	LogJSON  bool   `yaml:"log_json"`

	Registry    string `yaml:"registry"`
	TargetsFile string `yaml:"targets_file"`
	DBConnStr   string `yaml:"db_conn_str"`
	DBMaxOpen   int    `yaml:"db_max_open"`
	DBMaxIdle   int    `yaml:"db_max_idle"`

	// RunMigration creates the database and applies scripts/schema.sql on start.
	RunMigration bool `yaml:"run_migration"`

	DefaultExchange string `yaml:"default_exchange"`
	WallexAPIKey    string `yaml:"wallex_api_key"`
	BinanceAPIKey   string `yaml:"binance_api_key"`
	BinanceSecret   string `yaml:"binance_secret"`
	BinanceBaseURL  string `yaml:"binance_base_url"`
	FTXAPIKey       string `yaml:"ftx_api_key"`
	FTXSecret       string `yaml:"ftx_secret"`
	FTXBaseURL      string `yaml:"ftx_base_url"`

	PaperPrices   map[string]PaperMarket     `yaml:"paper_prices"`
	PaperBalances map[string]decimal.Decimal `yaml:"paper_balances"`
	PaperFill     bool                       `yaml:"paper_fill"`

	CallTimeout          time.Duration `yaml:"call_timeout"`
	CycleTimeout         time.Duration `yaml:"cycle_timeout"`
	RateLimit            float64       `yaml:"rate_limit"`
	RateBurst            int           `yaml:"rate_burst"`
	MaxConcurrentTargets int           `yaml:"max_concurrent_targets"`
	SweepExpiredOrders   bool          `yaml:"sweep_expired_orders"`

	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat"`
	MetricsAddr    string `yaml:"metrics_addr"`

	Targets []rebalance.Target `yaml:"targets"`
}

func defaults() Config {
	return Config{
		Mode:                 ModeLive,
		Schedule:             "* * * * *",
		LogLevel:             "info",
		Registry:             RegistryFile,
		TargetsFile:          "targets.yaml",
		DBMaxOpen:            10,
		DBMaxIdle:            5,
		DefaultExchange:      "wallex",
		CallTimeout:          10 * time.Second,
		CycleTimeout:         time.Minute,
		RateLimit:            5,
		RateBurst:            5,
		MaxConcurrentTargets: 4,
	}
}

// MustLoadConfig loads .env, the YAML file named by -config and the command
// line flags, in that order of precedence from lowest to highest. It exits
// the process on invalid configuration.
func MustLoadConfig() Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func Load(args []string) (Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	fs := flag.NewFlagSet("rebalancer", flag.ContinueOnError)
	configFile := fs.String("config", os.Getenv("REBALANCER_CONFIG"), "Path to YAML config file")
	mode := fs.String("mode", "", "Mode: live or once")
	schedule := fs.String("schedule", "", "Cron schedule of evaluation ticks")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFile := fs.String("log-file", "", "Rotated log file, empty for stdout only")
	registry := fs.String("registry", "", "Target source: file, postgres or inline")
	targetsFile := fs.String("targets", "", "Path to the YAML targets file")
	defaultExchange := fs.String("exchange", "", "Gateway for targets that do not name one")
	callTimeout := fs.Duration("call-timeout", 0, "Timeout of one exchange call (e.g., 10s)")
	cycleTimeout := fs.Duration("cycle-timeout", 0, "Timeout of one target's whole cycle (e.g., 1m)")
	rateLimit := fs.Float64("rate-limit", -1, "Exchange calls per second across all targets, 0 for unlimited")
	maxConcurrent := fs.Int("max-concurrent", 0, "Targets evaluated concurrently per tick")
	metricsAddr := fs.String("metrics-addr", "", "Address of the Prometheus endpoint, empty to disable")
	telegramToken := fs.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := fs.String("telegram-chat", "", "Telegram chat ID for notifications")
	migrate := fs.Bool("migrate", false, "Create the database and apply scripts/schema.sql before starting")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaults()
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse config file: %v", rebalance.ErrConfiguration, err)
		}
	}

	applyEnv(&cfg)

	setString(&cfg.Mode, *mode)
	setString(&cfg.Schedule, *schedule)
	setString(&cfg.LogLevel, *logLevel)
	setString(&cfg.LogFile, *logFile)
	setString(&cfg.Registry, *registry)
	setString(&cfg.TargetsFile, *targetsFile)
	setString(&cfg.DefaultExchange, *defaultExchange)
	setString(&cfg.MetricsAddr, *metricsAddr)
	setString(&cfg.TelegramToken, *telegramToken)
	setString(&cfg.TelegramChatID, *telegramChatID)
	if *callTimeout > 0 {
		cfg.CallTimeout = *callTimeout
	}
	if *cycleTimeout > 0 {
		cfg.CycleTimeout = *cycleTimeout
	}
	if *rateLimit >= 0 {
		cfg.RateLimit = *rateLimit
	}
	if *migrate {
		cfg.RunMigration = true
	}
	if *maxConcurrent > 0 {
		cfg.MaxConcurrentTargets = *maxConcurrent
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv fills secrets and connection strings from the environment. The
// environment wins over the file so that secrets can stay out of it.
func applyEnv(cfg *Config) {
	setString(&cfg.DBConnStr, os.Getenv("DB_CONN_STR"))
	setString(&cfg.WallexAPIKey, os.Getenv("WALLEX_API_KEY"))
	setString(&cfg.BinanceAPIKey, os.Getenv("BINANCE_API_KEY"))
	setString(&cfg.BinanceSecret, os.Getenv("BINANCE_SECRET_KEY"))
	setString(&cfg.FTXAPIKey, os.Getenv("FTX_API_KEY"))
	setString(&cfg.FTXSecret, os.Getenv("FTX_API_SECRET"))
	setString(&cfg.FTXBaseURL, os.Getenv("FTX_BASE_URL"))
	setString(&cfg.TelegramToken, os.Getenv("TELEGRAM_TOKEN"))
	setString(&cfg.TelegramChatID, os.Getenv("TELEGRAM_CHAT_ID"))
	if v := os.Getenv("DB_MAX_OPEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBMaxOpen = n
		}
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks the settings the process cannot start without. Targets
// are validated one by one at every tick instead.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeLive, ModeOnce:
	default:
		return fmt.Errorf("%w: unknown mode %q", rebalance.ErrConfiguration, c.Mode)
	}
	switch strings.ToLower(c.Registry) {
	case RegistryFile:
		if c.TargetsFile == "" {
			return fmt.Errorf("%w: registry %q needs targets_file", rebalance.ErrConfiguration, c.Registry)
		}
	case RegistryPostgres:
		if c.DBConnStr == "" {
			return fmt.Errorf("%w: registry %q needs db_conn_str", rebalance.ErrConfiguration, c.Registry)
		}
	case RegistryInline:
	default:
		return fmt.Errorf("%w: unknown registry %q", rebalance.ErrConfiguration, c.Registry)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call_timeout must be > 0", rebalance.ErrConfiguration)
	}
	if c.CycleTimeout < 0 {
		return fmt.Errorf("%w: cycle_timeout must be >= 0", rebalance.ErrConfiguration)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit must be >= 0", rebalance.ErrConfiguration)
	}
	if c.MaxConcurrentTargets <= 0 {
		return fmt.Errorf("%w: max_concurrent_targets must be > 0", rebalance.ErrConfiguration)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", rebalance.ErrConfiguration, err)
	}
	return nil
}
