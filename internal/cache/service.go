// Package cache provides the shared Redis-backed TTL cache used for market
// data, symbol info, daily-risk checkpoints and DCA counters. When Redis is
// unavailable the service degrades to an in-process map so the bot keeps
// trading with slightly staler data.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/logging"
)

// KeyPrefix namespaces every key written by this process
const KeyPrefix = "futuresbot:"

// Well-known key templates
const (
	KeyAccountBalance   = "binance:account:balance"
	KeyPrice            = "binance:price:%s"       // symbol
	KeySymbolInfo       = "binance:symbol_info:%s" // symbol
	KeyMarginModes      = "binance:positions:margin_modes"
	KeyDailyBalance     = "risk:daily_balance:%s"  // YYYY-MM-DD
	KeyIntradayPeak     = "risk:intraday_peak:%s"   // YYYY-MM-DD
	KeyIntradayTrough   = "risk:intraday_trough:%s" // YYYY-MM-DD
	KeyDCACount         = "dca_count:%s"            // symbol
	KeyBlacklist        = "blacklist:%s"            // symbol
)

// Standard TTLs
const (
	TTLAccountBalance = 10 * time.Second
	TTLPrice          = 2 * time.Second
	TTLPriceWS        = 10 * time.Second
	TTLSymbolInfo     = time.Hour
	TTLMarginModes    = 5 * time.Second
	TTLDailyRisk      = 48 * time.Hour
	TTLDCACount       = 7 * 24 * time.Hour
)

// ErrMiss is returned when a key is absent or expired
var ErrMiss = fmt.Errorf("cache miss")

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Service wraps a Redis client with health tracking and a local fallback
type Service struct {
	client *redis.Client
	log    zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	maxFailures  int

	memMu  sync.Mutex
	memory map[string]memoryEntry
}

// NewService connects to Redis per the given configuration. A failed initial
// connection is not fatal; the service starts degraded and recovers on its own.
func NewService(cfg config.RedisConfig) *Service {
	s := &Service{
		log:         logging.Component("cache"),
		maxFailures: 3,
		memory:      make(map[string]memoryEntry),
	}

	if !cfg.Enabled {
		s.log.Warn().Msg("redis disabled, running on in-process cache only")
		return s
	}

	s.client = redis.NewClient(&redis.Options{
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Str("address", cfg.Address).Msg("initial redis connection failed, degraded mode")
		return s
	}

	s.healthy = true
	s.log.Info().Str("address", cfg.Address).Msg("redis connected")
	return s
}

// IsHealthy reports whether Redis is currently usable
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy && s.client != nil
}

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.healthy = false
		s.log.Warn().Err(err).Int("failures", s.failureCount).Msg("redis marked unhealthy")
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
	if !s.healthy && s.client != nil {
		s.healthy = true
		s.log.Info().Msg("redis recovered")
	}
}

// Set stores a JSON-encoded value under key with the given TTL
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}

	s.setMemory(key, payload, ttl)

	if !s.IsHealthy() {
		return nil
	}
	if err := s.client.Set(ctx, KeyPrefix+key, payload, ttl).Err(); err != nil {
		s.recordFailure(err)
		return nil // memory copy already written
	}
	s.recordSuccess()
	return nil
}

// Get loads a JSON-encoded value. Returns ErrMiss when absent or expired.
func (s *Service) Get(ctx context.Context, key string, dest interface{}) error {
	if s.IsHealthy() {
		payload, err := s.client.Get(ctx, KeyPrefix+key).Bytes()
		switch {
		case err == nil:
			s.recordSuccess()
			return json.Unmarshal(payload, dest)
		case err == redis.Nil:
			s.recordSuccess()
			return ErrMiss
		default:
			s.recordFailure(err)
		}
	}

	payload, ok := s.getMemory(key)
	if !ok {
		return ErrMiss
	}
	return json.Unmarshal(payload, dest)
}

// Delete removes a key
func (s *Service) Delete(ctx context.Context, key string) {
	s.memMu.Lock()
	delete(s.memory, key)
	s.memMu.Unlock()

	if s.IsHealthy() {
		if err := s.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
			s.recordFailure(err)
		}
	}
}

// Incr atomically increments an integer counter and refreshes its TTL.
// Returns the new value.
func (s *Service) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s.IsHealthy() {
		pipe := s.client.TxPipeline()
		incr := pipe.Incr(ctx, KeyPrefix+key)
		pipe.Expire(ctx, KeyPrefix+key, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			s.recordFailure(err)
		} else {
			s.recordSuccess()
			n := incr.Val()
			s.setMemory(key, []byte(fmt.Sprintf("%d", n)), ttl)
			return n, nil
		}
	}

	// Degraded path: read-modify-write on the local map
	s.memMu.Lock()
	defer s.memMu.Unlock()
	var n int64
	if entry, ok := s.memory[key]; ok && time.Now().Before(entry.expiresAt) {
		fmt.Sscanf(string(entry.payload), "%d", &n)
	}
	n++
	s.memory[key] = memoryEntry{payload: []byte(fmt.Sprintf("%d", n)), expiresAt: time.Now().Add(ttl)}
	return n, nil
}

// GetInt reads an integer counter, returning 0 on miss
func (s *Service) GetInt(ctx context.Context, key string) int64 {
	if s.IsHealthy() {
		n, err := s.client.Get(ctx, KeyPrefix+key).Int64()
		if err == nil {
			s.recordSuccess()
			return n
		}
		if err == redis.Nil {
			s.recordSuccess()
			return 0
		}
		s.recordFailure(err)
	}

	payload, ok := s.getMemory(key)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(string(payload), "%d", &n)
	return n
}

// ScanPrefix returns all keys under the given prefix, without the process namespace
func (s *Service) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	if s.IsHealthy() {
		var keys []string
		iter := s.client.Scan(ctx, 0, KeyPrefix+prefix+"*", 200).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, strings.TrimPrefix(iter.Val(), KeyPrefix))
		}
		if err := iter.Err(); err != nil {
			s.recordFailure(err)
		} else {
			s.recordSuccess()
			return keys, nil
		}
	}

	s.memMu.Lock()
	defer s.memMu.Unlock()
	now := time.Now()
	var keys []string
	for k, entry := range s.memory {
		if strings.HasPrefix(k, prefix) && now.Before(entry.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close releases the Redis connection
func (s *Service) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

func (s *Service) setMemory(key string, payload []byte, ttl time.Duration) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	s.memory[key] = memoryEntry{payload: payload, expiresAt: time.Now().Add(ttl)}

	// Opportunistic sweep to keep the fallback map bounded
	if len(s.memory) > 4096 {
		now := time.Now()
		for k, entry := range s.memory {
			if now.After(entry.expiresAt) {
				delete(s.memory, k)
			}
		}
	}
}

func (s *Service) getMemory(key string) ([]byte, bool) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	entry, ok := s.memory[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.payload, true
}
