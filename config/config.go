// Package config centralizes engine parameters. Everything is loaded from
// the environment; cmd/engine loads a .env file first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Engine   EngineConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Exchange ExchangeConfig
	LLM      LLMConfig
	Logging  LoggingConfig
}

// EngineConfig holds cycle scheduling and orchestration options.
type EngineConfig struct {
	DecisionModeDefault string        // trinity, llm or indicator
	CycleInterval       time.Duration // default 180s
	MaxHoldHours        int           // time-stop for open positions
	SummaryEveryCycles  int           // per-bot summary cadence
	ShutdownGrace       time.Duration // drain window on SIGTERM
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	PoolSize    int           // DB_POOL_SIZE
	MaxOverflow int           // DB_MAX_OVERFLOW, added on top of PoolSize
	PoolRecycle time.Duration // DB_POOL_RECYCLE
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

type ExchangeConfig struct {
	BaseURL       string
	WSBaseURL     string
	APIKey        string
	SecretKey     string
	MarketDataRPS float64 // token bucket refill for market-data endpoints
	OrderRPS      float64 // token bucket refill for order endpoints
}

// LLMConfig covers provider credentials, cost controls and prompt caps.
type LLMConfig struct {
	Provider       string // claude, openai or deepseek
	Model          string
	ClaudeAPIKey   string
	OpenAIAPIKey   string
	DeepSeekAPIKey string

	DailyCostLimitUSD  float64 // 0 disables the budget gate
	CacheTTL           time.Duration
	EnableCache        bool
	MaxTokensPerCall   int
	TemperatureDefault float64

	PromptMaxPositions      int
	PromptMaxContextSymbols int

	DeepSeekUseReasonerForComplex bool
	DeepSeekReasonerMinChars      int
	DeepSeekDiscountUTCWindow     string // "HH:MM-HH:MM", empty disables
	MaxTokensDiscountCap          int
}

type LoggingConfig struct {
	Level   string // debug, info, warn, error
	Console bool   // human-readable console writer instead of JSON
}

// Load reads the full configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			DecisionModeDefault: getEnvOrDefault("DECISION_MODE_DEFAULT", "trinity"),
			CycleInterval:       time.Duration(getEnvIntOrDefault("CYCLE_INTERVAL_SECONDS", 180)) * time.Second,
			MaxHoldHours:        getEnvIntOrDefault("MAX_HOLD_HOURS", 24),
			SummaryEveryCycles:  getEnvIntOrDefault("SUMMARY_EVERY_CYCLES", 12),
			ShutdownGrace:       getEnvDurationOrDefault("SHUTDOWN_GRACE", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:        getEnvOrDefault("DB_HOST", "localhost"),
			Port:        getEnvIntOrDefault("DB_PORT", 5432),
			User:        getEnvOrDefault("DB_USER", "postgres"),
			Password:    os.Getenv("DB_PASSWORD"),
			Database:    getEnvOrDefault("DB_NAME", "trading_engine"),
			SSLMode:     getEnvOrDefault("DB_SSLMODE", "disable"),
			PoolSize:    getEnvIntOrDefault("DB_POOL_SIZE", 20),
			MaxOverflow: getEnvIntOrDefault("DB_MAX_OVERFLOW", 80),
			PoolRecycle: getEnvDurationOrDefault("DB_POOL_RECYCLE", time.Hour),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBoolOrDefault("REDIS_ENABLED", true),
			Address:  getEnvOrDefault("REDIS_ADDRESS", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
			PoolSize: getEnvIntOrDefault("REDIS_POOL_SIZE", 10),
		},
		Exchange: ExchangeConfig{
			BaseURL:       getEnvOrDefault("EXCHANGE_BASE_URL", "https://api.binance.com"),
			WSBaseURL:     getEnvOrDefault("EXCHANGE_WS_BASE_URL", "wss://stream.binance.com:9443"),
			APIKey:        os.Getenv("EXCHANGE_API_KEY"),
			SecretKey:     os.Getenv("EXCHANGE_SECRET_KEY"),
			MarketDataRPS: getEnvFloatOrDefault("EXCHANGE_MARKET_DATA_RPS", 10),
			OrderRPS:      getEnvFloatOrDefault("EXCHANGE_ORDER_RPS", 5),
		},
		LLM: LLMConfig{
			Provider:           getEnvOrDefault("LLM_PROVIDER", "deepseek"),
			Model:              getEnvOrDefault("LLM_MODEL", "deepseek-chat"),
			ClaudeAPIKey:       os.Getenv("CLAUDE_API_KEY"),
			OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
			DeepSeekAPIKey:     os.Getenv("DEEPSEEK_API_KEY"),
			DailyCostLimitUSD:  getEnvFloatOrDefault("LLM_DAILY_COST_LIMIT_USD", 0),
			CacheTTL:           time.Duration(getEnvIntOrDefault("LLM_CACHE_TTL_SECONDS", 180)) * time.Second,
			EnableCache:        getEnvBoolOrDefault("LLM_ENABLE_CACHE", true),
			MaxTokensPerCall:   getEnvIntOrDefault("LLM_MAX_TOKENS_PER_CALL", 4000),
			TemperatureDefault: getEnvFloatOrDefault("LLM_TEMPERATURE_DEFAULT", 0.3),

			PromptMaxPositions:      getEnvIntOrDefault("PROMPT_MAX_POSITIONS", 10),
			PromptMaxContextSymbols: getEnvIntOrDefault("PROMPT_MAX_CONTEXT_SYMBOLS", 12),

			DeepSeekUseReasonerForComplex: getEnvBoolOrDefault("DEEPSEEK_USE_REASONER_FOR_COMPLEX", true),
			DeepSeekReasonerMinChars:      getEnvIntOrDefault("DEEPSEEK_REASONER_MIN_CHARS", 6000),
			DeepSeekDiscountUTCWindow:     os.Getenv("DEEPSEEK_DISCOUNT_UTC_WINDOW"),
			MaxTokensDiscountCap:          getEnvIntOrDefault("LLM_MAX_TOKENS_DISCOUNT_CAP", 8000),
		},
		Logging: LoggingConfig{
			Level:   getEnvOrDefault("LOG_LEVEL", "info"),
			Console: getEnvBoolOrDefault("LOG_CONSOLE", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine.DecisionModeDefault {
	case "trinity", "llm", "indicator":
	default:
		return fmt.Errorf("invalid DECISION_MODE_DEFAULT %q", c.Engine.DecisionModeDefault)
	}
	if c.Engine.CycleInterval <= 0 {
		return fmt.Errorf("CYCLE_INTERVAL_SECONDS must be positive")
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("DB_POOL_SIZE must be positive")
	}
	if c.LLM.DailyCostLimitUSD < 0 {
		return fmt.Errorf("LLM_DAILY_COST_LIMIT_USD must be >= 0")
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getEnvDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Plain integers are treated as seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
