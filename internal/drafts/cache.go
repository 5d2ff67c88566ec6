package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryCache keeps states in process memory.
type MemoryCache struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{states: make(map[string]State)}
}

func (c *MemoryCache) Load(_ context.Context, userID string) (State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.states[userID]; ok {
		return s, nil
	}
	return NoDraft{}, nil
}

func (c *MemoryCache) Store(ctx context.Context, userID string, s State) error {
	if _, live := Live(s); !live {
		return c.Delete(ctx, userID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[userID] = s
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, userID)
	return nil
}

// RedisCache shares draft state between processes. Entries expire after ttl.
type RedisCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "inbox-assistant:draft:", ttl: ttl}
}

type redisState struct {
	Phase       Phase     `json:"phase"`
	Draft       Record    `json:"draft"`
	Shown       *Record   `json:"shown,omitempty"`
	PresentedAt time.Time `json:"presented_at,omitempty"`
}

func (c *RedisCache) key(userID string) string { return c.prefix + userID }

func (c *RedisCache) Load(ctx context.Context, userID string) (State, error) {
	raw, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NoDraft{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load draft state: %w", err)
	}
	var rs redisState
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode draft state: %w", err)
	}
	switch rs.Phase {
	case PhasePending:
		return DraftPending{Draft: rs.Draft}, nil
	case PhaseAwaiting:
		st := AwaitingConfirmation{Draft: rs.Draft, PresentedAt: rs.PresentedAt}
		if rs.Shown != nil {
			st.Shown = *rs.Shown
		}
		return st, nil
	default:
		return NoDraft{}, nil
	}
}

func (c *RedisCache) Store(ctx context.Context, userID string, s State) error {
	var rs redisState
	switch st := s.(type) {
	case DraftPending:
		rs = redisState{Phase: PhasePending, Draft: st.Draft}
	case AwaitingConfirmation:
		shown := st.Shown
		rs = redisState{Phase: PhaseAwaiting, Draft: st.Draft, Shown: &shown, PresentedAt: st.PresentedAt}
	default:
		return c.Delete(ctx, userID)
	}
	raw, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encode draft state: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(userID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("store draft state: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("delete draft state: %w", err)
	}
	return nil
}
