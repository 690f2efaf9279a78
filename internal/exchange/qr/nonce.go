package qr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"handoff/internal/platform/redis"

	"github.com/google/uuid"
)

// NonceRecord tracks the currently valid token for one instance. Issuing a
// new token overwrites the record, invalidating earlier tokens.
type NonceRecord struct {
	JTI      string `json:"jti"`
	CodeHash string `json:"code_hash"`
}

// NonceStore persists the active nonce per instance with a TTL.
type NonceStore interface {
	Save(ctx context.Context, instanceID uuid.UUID, rec NonceRecord, ttl time.Duration) error
	// Get returns nil when no unexpired nonce exists.
	Get(ctx context.Context, instanceID uuid.UUID) (*NonceRecord, error)
}

// RedisNonceStore stores nonces in Redis, letting TTL expiry do the cleanup.
type RedisNonceStore struct {
	client *redis.Client
}

// NewRedisNonceStore creates a Redis-backed nonce store.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

func nonceKey(instanceID uuid.UUID) string {
	return "handoff:qr:nonce:" + instanceID.String()
}

func (s *RedisNonceStore) Save(ctx context.Context, instanceID uuid.UUID, rec NonceRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal nonce: %w", err)
	}
	if err := s.client.Set(ctx, nonceKey(instanceID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save nonce: %w", err)
	}
	return nil
}

func (s *RedisNonceStore) Get(ctx context.Context, instanceID uuid.UUID) (*NonceRecord, error) {
	payload, err := s.client.Get(ctx, nonceKey(instanceID)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	var rec NonceRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal nonce: %w", err)
	}
	return &rec, nil
}

type memoryNonce struct {
	rec       NonceRecord
	expiresAt time.Time
}

// InMemoryNonceStore implements NonceStore for tests and single-node
// deployments without Redis.
type InMemoryNonceStore struct {
	mu     sync.RWMutex
	nonces map[uuid.UUID]memoryNonce
	now    func() time.Time
}

// NewInMemoryNonceStore creates an empty in-memory nonce store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{
		nonces: make(map[uuid.UUID]memoryNonce),
		now:    time.Now,
	}
}

// WithNow overrides the clock, for tests exercising expiry.
func (s *InMemoryNonceStore) WithNow(now func() time.Time) *InMemoryNonceStore {
	s.now = now
	return s
}

func (s *InMemoryNonceStore) Save(ctx context.Context, instanceID uuid.UUID, rec NonceRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[instanceID] = memoryNonce{rec: rec, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryNonceStore) Get(ctx context.Context, instanceID uuid.UUID) (*NonceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nonces[instanceID]
	if !ok || s.now().After(n.expiresAt) {
		return nil, nil
	}
	rec := n.rec
	return &rec, nil
}
