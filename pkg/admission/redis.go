package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisAcquireScript grants a slot token atomically: membership cardinality
// is the live slot count, so check-then-add races are impossible.
// KEYS[1] = slot set key (e.g. "slots:payment-agent")
// ARGV[1] = concurrency limit
// ARGV[2] = slot token
// ARGV[3] = slot TTL seconds (lease; self-heals leaked slots)
var redisAcquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local token = ARGV[2]
local ttl = tonumber(ARGV[3])

if redis.call("SCARD", key) >= limit then
    return 0
end
redis.call("SADD", key, token)
redis.call("EXPIRE", key, ttl)
return 1
`)

// RedisSlotStore coordinates slots across sidecar replicas sharing one
// agent's quota. SREM is naturally idempotent, so a double release of the
// same token never frees a second slot.
type RedisSlotStore struct {
	client *redis.Client
	lease  time.Duration
}

// NewRedisSlotStore creates a store backed by Redis.
func NewRedisSlotStore(addr, password string, db int) *RedisSlotStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSlotStore{client: rdb, lease: 60 * time.Second}
}

// NewRedisSlotStoreWithClient wraps an existing client (testing, pooling).
func NewRedisSlotStoreWithClient(client *redis.Client) *RedisSlotStore {
	return &RedisSlotStore{client: client, lease: 60 * time.Second}
}

func slotKey(agentID string) string {
	return fmt.Sprintf("slots:%s", agentID)
}

// TryAcquire attempts to grant a distributed slot. On success the returned
// Slot releases the token through SREM.
func (s *RedisSlotStore) TryAcquire(ctx context.Context, agentID string, limit int) (*Slot, bool, error) {
	token := uuid.New().String()
	ttl := int(s.lease / time.Second)

	res, err := redisAcquireScript.Run(ctx, s.client, []string{slotKey(agentID)},
		limit, token, ttl).Int()
	if err != nil {
		return nil, false, fmt.Errorf("admission: redis acquire failed: %w", err)
	}
	if res != 1 {
		return nil, false, nil
	}

	slot := &Slot{release: func() {
		// Release must not inherit a canceled request context.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.client.SRem(rctx, slotKey(agentID), token).Err()
	}}
	return slot, true, nil
}

// InUse returns the live distributed slot count for the agent.
func (s *RedisSlotStore) InUse(ctx context.Context, agentID string) (int, error) {
	n, err := s.client.SCard(ctx, slotKey(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("admission: redis scard failed: %w", err)
	}
	return int(n), nil
}
