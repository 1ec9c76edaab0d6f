// Package cache provides best-effort Redis caching for market data,
// LLM budget aggregates and trade memory. Trading never blocks on cache
// failure: callers treat errors as misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-trading-engine/config"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// Miss reports whether err is a plain cache miss.
func Miss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Service wraps a Redis client with a failure-count circuit breaker.
// After maxFailures consecutive errors the breaker opens and operations
// short-circuit; a background ping every checkInterval probes recovery.
type Service struct {
	client *redis.Client
	log    zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// Key layouts. Market data and indicators carry their own TTLs; daily
// aggregates expire after 48h to survive timezone edges.
const (
	KeyMarketData   = "md:%s:%s"     // symbol, timeframe
	KeyIndicator    = "ind:%s:%s:%s" // type, symbol, timeframe
	KeyLLMCost      = "llm:cost:%s"  // YYYYMMDD
	KeyLLMTokens    = "llm:tokens:%s"
	KeyLLMResponse  = "llm:resp:%s" // prompt fingerprint
	KeyTradeMemory  = "mem:%s:%s"   // bot, symbol
	KeyDailyCounter = "day:%s:%s"   // bot, YYYYMMDD
)

const (
	MarketDataTTL  = 300 * time.Second
	IndicatorTTL   = 900 * time.Second
	DailyAggTTL    = 48 * time.Hour
	TradeMemoryTTL = 0 // no expiry
)

// New connects to Redis. A failed initial ping returns the service in
// degraded mode rather than an error.
func New(cfg config.RedisConfig, log zerolog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:        client,
		log:           log.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("initial redis connection failed, starting degraded")
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.log.Info().Str("address", cfg.Address).Msg("redis connected")
	return s, nil
}

// IsHealthy reports whether Redis is currently usable.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.log.Warn().Int("failures", s.failureCount).Msg("circuit breaker open, redis marked unhealthy")
		}
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.log.Info().Msg("circuit breaker closed, redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth probes Redis in the background once per checkInterval while
// the breaker is open.
func (s *Service) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// Get retrieves a raw value. redis.Nil passes through as a miss.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return "", ErrUnavailable
	}

	result, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", err
		}
		s.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	s.recordSuccess()
	return result, nil
}

// Set stores a value with TTL. Non-string values are JSON-marshalled.
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrUnavailable
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(raw)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// SetJSON marshals and stores a JSON value.
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return s.Set(ctx, key, value, ttl)
}

// Delete removes a key.
func (s *Service) Delete(ctx context.Context, key string) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrUnavailable
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// IncrByFloat atomically adds delta to a float counter, setting the TTL
// on every write. Used for the daily LLM cost aggregates.
func (s *Service) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return 0, ErrUnavailable
	}

	val, err := s.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis incrbyfloat failed: %w", err)
	}
	if ttl > 0 {
		s.client.Expire(ctx, key, ttl)
	}
	s.recordSuccess()
	return val, nil
}

// IncrBy atomically adds delta to an integer counter with TTL on write.
func (s *Service) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return 0, ErrUnavailable
	}

	val, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis incrby failed: %w", err)
	}
	if ttl > 0 {
		s.client.Expire(ctx, key, ttl)
	}
	s.recordSuccess()
	return val, nil
}

// GetFloat reads a float counter; a missing key yields 0.
func (s *Service) GetFloat(ctx context.Context, key string) (float64, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return 0, ErrUnavailable
	}

	val, err := s.client.Get(ctx, key).Float64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		s.recordFailure()
		return 0, fmt.Errorf("redis get float failed: %w", err)
	}
	s.recordSuccess()
	return val, nil
}

// Ping checks connectivity directly.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// Close releases the Redis connection.
func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Stats reports breaker state for summaries.
type Stats struct {
	Healthy      bool `json:"healthy"`
	FailureCount int  `json:"failure_count"`
}

func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Healthy: s.healthy, FailureCount: s.failureCount}
}

// MarketDataKey builds the OHLCV cache key for a symbol/timeframe.
func MarketDataKey(symbol, timeframe string) string {
	return fmt.Sprintf(KeyMarketData, symbol, timeframe)
}

// IndicatorKey builds the cache key for a computed indicator bundle.
func IndicatorKey(indicatorType, symbol, timeframe string) string {
	return fmt.Sprintf(KeyIndicator, indicatorType, symbol, timeframe)
}

// LLMCostKey and LLMTokensKey address the daily aggregates.
func LLMCostKey(day string) string   { return fmt.Sprintf(KeyLLMCost, day) }
func LLMTokensKey(day string) string { return fmt.Sprintf(KeyLLMTokens, day) }

// LLMResponseKey addresses a cached completion by prompt fingerprint.
func LLMResponseKey(fingerprint string) string {
	return fmt.Sprintf(KeyLLMResponse, fingerprint)
}

// TradeMemoryKey addresses per-(bot,symbol) running stats.
func TradeMemoryKey(botID, symbol string) string {
	return fmt.Sprintf(KeyTradeMemory, botID, symbol)
}

// DailyCounterKey addresses a bot's per-day counters.
func DailyCounterKey(botID, day string) string {
	return fmt.Sprintf(KeyDailyCounter, botID, day)
}
