package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Compile-time defaults. Environment overrides at startup only.
const (
	DefaultStrategy   = "ma_crossover"
	DefaultSymbol     = "BTCUSDT"
	DefaultAmount     = 100.0
	DefaultTimeframe  = "5m"
	DefaultListenAddr = ":8080"

	// Risk parameters, in percent.
	DefaultStopLossPct = -5.0
	DefaultTPMinPct    = 2.0
	DefaultTPTrailPct  = 3.0

	// Controller parameters.
	DefaultAnalysisInterval = 10 * time.Minute
	DefaultMaxAutonomous    = 3
	DefaultMinScore         = 0.3
	DefaultMinBudget        = 10.0
	DefaultReapAge          = 24 * time.Hour

	// Single symmetric fee estimate per side. Venue-reported commission
	// supersedes it on realized PnL when fills carry one.
	FeeRate = 0.001
)

// Config holds every tunable the process reads from the environment.
type Config struct {
	// Exchange credentials and environment
	ExchangeAPIKey    string
	ExchangeAPISecret string
	ExchangeTestnet   bool

	// Persistence
	StorageURL string
	StorageDB  string

	// Bot defaults
	DefaultStrategy string
	DefaultSymbol   string
	DefaultAmount   float64
	MaxPositionSize float64

	// Risk parameters (percent)
	StopLossPct float64
	TPMinPct    float64
	TPTrailPct  float64

	// Controller parameters
	AnalysisInterval time.Duration
	MaxAutonomous    int
	MinScore         float64
	MinBudget        float64
	ReapAge          time.Duration

	// Facade
	ListenAddr  string
	CORSOrigins []string
	JWTSecret   string

	// Logging
	LogLevel string
	LogDir   string
}

// Load reads .env (if present) and the process environment.
// A returned error is fatal: the caller exits with code 1.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ExchangeAPIKey:    os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret: os.Getenv("EXCHANGE_API_SECRET"),
		ExchangeTestnet:   envBool("EXCHANGE_TESTNET", true),
		StorageURL:        envStr("STORAGE_URL", "coinpilot.db"),
		StorageDB:         envStr("STORAGE_DB", "coinpilot"),
		DefaultStrategy:   envStr("DEFAULT_STRATEGY", DefaultStrategy),
		DefaultSymbol:     envStr("DEFAULT_SYMBOL", DefaultSymbol),
		DefaultAmount:     envFloat("DEFAULT_AMOUNT", DefaultAmount),
		MaxPositionSize:   envFloat("MAX_POSITION_SIZE", 0),
		StopLossPct:       envFloat("STOP_LOSS_PCT", DefaultStopLossPct),
		TPMinPct:          envFloat("TP_MIN_PCT", DefaultTPMinPct),
		TPTrailPct:        envFloat("TP_TRAIL_PCT", DefaultTPTrailPct),
		AnalysisInterval:  time.Duration(envInt("ANALYSIS_INTERVAL_SEC", int(DefaultAnalysisInterval.Seconds()))) * time.Second,
		MaxAutonomous:     envInt("MAX_AUTONOMOUS", DefaultMaxAutonomous),
		MinScore:          envFloat("MIN_SCORE", DefaultMinScore),
		MinBudget:         envFloat("MIN_BUDGET", DefaultMinBudget),
		ReapAge:           time.Duration(envInt("REAP_AGE_HOURS", int(DefaultReapAge.Hours()))) * time.Hour,
		ListenAddr:        envStr("LISTEN_ADDR", DefaultListenAddr),
		JWTSecret:         os.Getenv("API_JWT_SECRET"),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		LogDir:            os.Getenv("LOG_DIR"),
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.StopLossPct >= 0 {
		return fmt.Errorf("STOP_LOSS_PCT must be negative, got %.2f", c.StopLossPct)
	}
	if c.TPMinPct <= 0 {
		return fmt.Errorf("TP_MIN_PCT must be positive, got %.2f", c.TPMinPct)
	}
	if c.TPTrailPct <= 0 {
		return fmt.Errorf("TP_TRAIL_PCT must be positive, got %.2f", c.TPTrailPct)
	}
	if c.MaxAutonomous < 0 {
		return fmt.Errorf("MAX_AUTONOMOUS must not be negative, got %d", c.MaxAutonomous)
	}
	if c.MinBudget <= 0 {
		return fmt.Errorf("MIN_BUDGET must be positive, got %.2f", c.MinBudget)
	}
	if c.AnalysisInterval < time.Minute {
		return fmt.Errorf("ANALYSIS_INTERVAL_SEC must be at least 60, got %v", c.AnalysisInterval)
	}
	if c.DefaultAmount < c.MinBudget {
		return fmt.Errorf("DEFAULT_AMOUNT %.2f is below MIN_BUDGET %.2f", c.DefaultAmount, c.MinBudget)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
