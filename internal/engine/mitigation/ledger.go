package mitigation

import (
	"Go2FlowGuard/internal/config"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers recently installed rules for the suppress policy.
type Ledger interface {
	// Claim records key for ttl. It returns false when key is already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops key so the next detection submits again.
	Release(ctx context.Context, key string) error
	Close() error
}

// NewLedger builds the ledger named in the mitigation config.
func NewLedger(cfg config.MitigationConfig) (Ledger, error) {
	switch cfg.Ledger {
	case "", "memory":
		return NewMemoryLedger(), nil
	case "redis":
		return NewRedisLedger(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown mitigation ledger: '%s'", cfg.Ledger)
	}
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLedger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.entries[key] = now.Add(ttl)

	// Sweep expired keys so the map stays bounded by the active rule count.
	if len(l.entries) > 1024 {
		for k, exp := range l.entries {
			if !now.Before(exp) {
				delete(l.entries, k)
			}
		}
	}
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Close() error { return nil }

// RedisLedger shares the ledger between controller instances through Redis
// keys that expire with the rule.
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLedger connects to Redis and checks the connection.
func NewRedisLedger(cfg config.RedisConfig) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisLedger{client: client, keyPrefix: "flowguard:rule:"}, nil
}

func (l *RedisLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim rule key: %w", err)
	}
	return ok, nil
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release rule key: %w", err)
	}
	return nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
