package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/crypto"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// Exchange types understood by the gateway factory.
const (
	ExchangeBinanceUSDT = "binance-usdtfut"
	ExchangeBybitLinear = "bybit-linear"
	ExchangePaper       = "paper"
)

// Config holds environment-driven settings for the position engine.
type Config struct {
	Port      string
	JWTSecret string
	DryRun    bool
	// AllowRegistration opens POST /api/auth/register to anyone.
	AllowRegistration bool

	LogLevel  string
	LogFormat string // "json" or "console"

	// Storage
	DBDriver    string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string

	// Alerts
	TelegramToken  string
	TelegramChatID int64

	ExchangesFile string
	Exchanges     []ExchangeConfig

	Position   PositionConfig
	Aged       AgedConfig
	Lock       LockConfig
	Protection ProtectionConfig
	Reconcile  ReconcileConfig
	Paper      PaperConfig

	MonitorInterval time.Duration
}

// ExchangeConfig describes one venue connection.
type ExchangeConfig struct {
	Name      string                 `yaml:"name"`
	Type      string                 `yaml:"type"`
	APIKey    string                 `yaml:"api_key"`
	APISecret string                 `yaml:"api_secret"`
	Testnet   bool                   `yaml:"testnet"`
	Quotes    []string               `yaml:"quotes"`
	RateLimit common.RateLimitConfig `yaml:"rate_limit"`
}

// PositionConfig sizes and limits new positions.
type PositionConfig struct {
	SizeUSD          float64
	Leverage         int
	StopLossPercent  float64
	MaxPositions     int
	MaxExposureUSD   float64
	MaxSpreadPercent float64
	MinReserveUSD    float64
	// MinQtyCostTolerance is how far above SizeUSD a position may go when the
	// venue minimum quantity forces a round-up (0.1 = 10%).
	MinQtyCostTolerance float64
	CommissionRate      float64
	// TrailingPercent trails the stop behind the best price; 0 disables.
	TrailingPercent float64
}

// AgedConfig drives exits of positions held past their expected life.
type AgedConfig struct {
	MaxAge          time.Duration
	GracePeriod     time.Duration
	LossStepPercent float64 // added per hour after the grace period
	MaxLossPercent  float64
	ForceCloseAge   time.Duration
}

// LockConfig bounds per-symbol lock waits.
type LockConfig struct {
	Timeout    time.Duration
	StaleAfter time.Duration
}

// ProtectionConfig tunes the cancel-then-recreate path.
type ProtectionConfig struct {
	QtyLookupAttempts int
	QtyLookupDelay    time.Duration
}

// ReconcileConfig schedules the consistency sweeps.
type ReconcileConfig struct {
	OrphanInterval      time.Duration
	Interval            time.Duration
	QtyTolerancePercent float64
}

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	InitialBalance float64
	FeeRate        float64
	SlippageBps    float64
	Atomic         bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/positions.db")
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		DryRun:         getEnv("DRY_RUN", "false") == "true",
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "json")),
		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:         dbPath,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: int64(getEnvInt("TELEGRAM_CHAT_ID", 0)),
		ExchangesFile:  os.Getenv("EXCHANGES_FILE"),
		Position: PositionConfig{
			SizeUSD:             getEnvFloat("POSITION_SIZE_USD", 200),
			Leverage:            getEnvInt("LEVERAGE", 10),
			StopLossPercent:     getEnvFloat("STOP_LOSS_PERCENT", 2),
			MaxPositions:        getEnvInt("MAX_POSITIONS", 10),
			MaxExposureUSD:      getEnvFloat("MAX_EXPOSURE_USD", 5000),
			MaxSpreadPercent:    getEnvFloat("MAX_SPREAD_PERCENT", 0.5),
			MinReserveUSD:       getEnvFloat("MIN_RESERVE_USD", 50),
			MinQtyCostTolerance: getEnvFloat("MIN_QTY_COST_TOLERANCE", 0.1),
			CommissionRate:      getEnvFloat("COMMISSION_RATE", 0.0005),
			TrailingPercent:     getEnvFloat("TRAILING_STOP_PERCENT", 0),
		},
		Aged: AgedConfig{
			MaxAge:          getEnvDuration("AGED_MAX_AGE", 3*time.Hour),
			GracePeriod:     getEnvDuration("AGED_GRACE_PERIOD", 8*time.Hour),
			LossStepPercent: getEnvFloat("AGED_LOSS_STEP_PERCENT", 0.5),
			MaxLossPercent:  getEnvFloat("AGED_MAX_LOSS_PERCENT", 10),
			ForceCloseAge:   getEnvDuration("AGED_FORCE_CLOSE_AGE", 48*time.Hour),
		},
		Lock: LockConfig{
			Timeout:    getEnvDuration("LOCK_TIMEOUT", 30*time.Second),
			StaleAfter: getEnvDuration("LOCK_STALE_AFTER", 2*time.Minute),
		},
		Protection: ProtectionConfig{
			QtyLookupAttempts: getEnvInt("PROTECTION_QTY_LOOKUP_ATTEMPTS", 3),
			QtyLookupDelay:    getEnvDuration("PROTECTION_QTY_LOOKUP_DELAY", 500*time.Millisecond),
		},
		Reconcile: ReconcileConfig{
			OrphanInterval:      getEnvDuration("ORPHAN_SWEEP_INTERVAL", 5*time.Minute),
			Interval:            getEnvDuration("RECONCILE_INTERVAL", time.Minute),
			QtyTolerancePercent: getEnvFloat("RECONCILE_QTY_TOLERANCE_PERCENT", 1),
		},
		Paper: PaperConfig{
			InitialBalance: getEnvFloat("PAPER_INITIAL_BALANCE", 10000),
			FeeRate:        getEnvFloat("PAPER_FEE_RATE", 0.0004),
			SlippageBps:    getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
			Atomic:         getEnv("PAPER_ATOMIC_PROTECTION", "false") == "true",
		},
		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 10*time.Second),
	}
	cfg.AllowRegistration = getEnv("API_ALLOW_REGISTRATION", "false") == "true"

	if cfg.ExchangesFile != "" {
		ex, err := LoadExchangesFile(cfg.ExchangesFile)
		if err != nil {
			return nil, err
		}
		cfg.Exchanges = ex
	} else {
		cfg.Exchanges = exchangesFromEnv(cfg.DryRun)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadExchangesFile reads the YAML exchange list.
func LoadExchangesFile(path string) ([]ExchangeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exchanges file: %w", err)
	}
	var doc struct {
		Exchanges []ExchangeConfig `yaml:"exchanges"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse exchanges file: %w", err)
	}
	var kr *crypto.Keyring
	for i := range doc.Exchanges {
		ex := &doc.Exchanges[i]
		ex.APIKey = os.ExpandEnv(ex.APIKey)
		ex.APISecret = os.ExpandEnv(ex.APISecret)
		if crypto.IsSealed(ex.APIKey) || crypto.IsSealed(ex.APISecret) {
			if kr == nil {
				if kr, err = secretsKeyring(); err != nil {
					return nil, fmt.Errorf("exchange %q: %w", ex.Name, err)
				}
			}
			if ex.APIKey, err = kr.Open(ex.APIKey); err != nil {
				return nil, fmt.Errorf("exchange %q api_key: %w", ex.Name, err)
			}
			if ex.APISecret, err = kr.Open(ex.APISecret); err != nil {
				return nil, fmt.Errorf("exchange %q api_secret: %w", ex.Name, err)
			}
		}
		if len(ex.Quotes) == 0 {
			ex.Quotes = defaultQuotes()
		}
	}
	return doc.Exchanges, nil
}

// secretsKeyring builds the keyring for sealed credentials from
// SECRETS_KEYS ("1:base64,2:base64"); the highest version is current.
func secretsKeyring() (*crypto.Keyring, error) {
	raw := os.Getenv("SECRETS_KEYS")
	if raw == "" {
		return nil, fmt.Errorf("sealed credentials need SECRETS_KEYS")
	}
	keys, current, err := crypto.ParseKeys(raw)
	if err != nil {
		return nil, err
	}
	return crypto.NewKeyring(current, keys)
}

func exchangesFromEnv(dryRun bool) []ExchangeConfig {
	var out []ExchangeConfig
	if dryRun {
		return []ExchangeConfig{{Name: "paper", Type: ExchangePaper, Quotes: defaultQuotes(), RateLimit: common.DefaultRateLimitConfig()}}
	}
	if getEnv("ENABLE_BINANCE_USDT_FUTURES", "false") == "true" {
		out = append(out, ExchangeConfig{
			Name:      "binance",
			Type:      ExchangeBinanceUSDT,
			APIKey:    os.Getenv("BINANCE_USDT_KEY"),
			APISecret: os.Getenv("BINANCE_USDT_SECRET"),
			Testnet:   getEnv("BINANCE_TESTNET", "false") == "true",
			Quotes:    defaultQuotes(),
			RateLimit: common.RateLimitConfig{
				Burst:       getEnvInt("BINANCE_RATE_BURST", 20),
				PerSecond:   getEnvFloat("BINANCE_RATE_PER_SECOND", 20),
				PerMinute:   getEnvInt("BINANCE_RATE_PER_MINUTE", 1200),
				MaxAttempts: getEnvInt("BINANCE_MAX_ATTEMPTS", 5),
				BaseDelay:   getEnvDuration("BINANCE_BASE_DELAY", 250*time.Millisecond),
				MaxDelay:    getEnvDuration("BINANCE_MAX_DELAY", 10*time.Second),
				Jitter:      getEnvFloat("BINANCE_JITTER", 0.1),
			},
		})
	}
	if getEnv("ENABLE_BYBIT_LINEAR", "false") == "true" {
		out = append(out, ExchangeConfig{
			Name:      "bybit",
			Type:      ExchangeBybitLinear,
			APIKey:    os.Getenv("BYBIT_API_KEY"),
			APISecret: os.Getenv("BYBIT_API_SECRET"),
			Testnet:   getEnv("BYBIT_TESTNET", "false") == "true",
			Quotes:    defaultQuotes(),
			RateLimit: common.RateLimitConfig{
				Burst:       getEnvInt("BYBIT_RATE_BURST", 10),
				PerSecond:   getEnvFloat("BYBIT_RATE_PER_SECOND", 10),
				PerMinute:   getEnvInt("BYBIT_RATE_PER_MINUTE", 600),
				MaxAttempts: getEnvInt("BYBIT_MAX_ATTEMPTS", 5),
				BaseDelay:   getEnvDuration("BYBIT_BASE_DELAY", 500*time.Millisecond),
				MaxDelay:    getEnvDuration("BYBIT_MAX_DELAY", 15*time.Second),
				Jitter:      getEnvFloat("BYBIT_JITTER", 0.1),
			},
		})
	}
	return out
}

// Validate checks ranges that would otherwise fail deep inside a workflow.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("config: no exchanges enabled (set DRY_RUN=true or enable a venue)")
	}
	seen := make(map[string]bool)
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("config: exchange without name")
		}
		if seen[ex.Name] {
			return fmt.Errorf("config: duplicate exchange %q", ex.Name)
		}
		seen[ex.Name] = true
		switch ex.Type {
		case ExchangeBinanceUSDT, ExchangeBybitLinear:
			if ex.APIKey == "" || ex.APISecret == "" {
				return fmt.Errorf("config: exchange %q missing credentials", ex.Name)
			}
		case ExchangePaper:
		default:
			return fmt.Errorf("config: exchange %q has unknown type %q", ex.Name, ex.Type)
		}
	}
	if c.Position.SizeUSD <= 0 {
		return fmt.Errorf("config: POSITION_SIZE_USD must be positive")
	}
	if c.Position.Leverage < 1 {
		return fmt.Errorf("config: LEVERAGE must be >= 1")
	}
	if c.Position.StopLossPercent <= 0 || c.Position.StopLossPercent >= 100 {
		return fmt.Errorf("config: STOP_LOSS_PERCENT must be in (0, 100)")
	}
	if c.Position.MinQtyCostTolerance < 0 {
		return fmt.Errorf("config: MIN_QTY_COST_TOLERANCE must not be negative")
	}
	if c.Position.TrailingPercent < 0 || c.Position.TrailingPercent >= 100 {
		return fmt.Errorf("config: TRAILING_STOP_PERCENT must be in [0, 100)")
	}
	if c.Protection.QtyLookupAttempts < 1 {
		return fmt.Errorf("config: PROTECTION_QTY_LOOKUP_ATTEMPTS must be >= 1")
	}
	if c.Aged.ForceCloseAge > 0 && c.Aged.ForceCloseAge < c.Aged.MaxAge {
		return fmt.Errorf("config: AGED_FORCE_CLOSE_AGE must exceed AGED_MAX_AGE")
	}
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q", c.DBDriver)
	}
	return nil
}

func defaultQuotes() []string {
	return splitAndTrim(getEnv("QUOTE_ASSETS", "USDT,USDC,BUSD,USD"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
