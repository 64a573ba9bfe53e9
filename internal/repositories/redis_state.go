package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/shared"
	"github.com/redis/go-redis/v9"
)

const redisStatePrefix = "mixify:oauth_state:"

// RedisStateStore implements [StateStore] on Redis, for deployments running several server processes.
//
// Keys carry the state TTL so Redis expires abandoned flows on its own.
type RedisStateStore struct {
	client redis.Cmdable
}

// NewRedisStateStore creates a new [RedisStateStore] over any go-redis client.
func NewRedisStateStore(client redis.Cmdable) *RedisStateStore {
	return &RedisStateStore{client: client}
}

type redisState struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func redisStateKey(state string) string {
	return redisStatePrefix + state
}

// Save stores the state with a TTL matching its expiry. Existing keys are never overwritten.
func (s *RedisStateStore) Save(ctx context.Context, state *models.AuthState) error {
	ttl := state.ExpiresAt.Sub(state.CreatedAt)
	if ttl <= 0 {
		return persistErr("save state", fmt.Errorf("non-positive ttl %s", ttl))
	}

	data, err := json.Marshal(redisState{
		UserID:    state.UserID,
		Provider:  state.Provider,
		CreatedAt: state.CreatedAt.UTC(),
		ExpiresAt: state.ExpiresAt.UTC(),
	})
	if err != nil {
		return persistErr("encode state", err)
	}

	ok, err := s.client.SetNX(ctx, redisStateKey(state.State), data, ttl).Result()
	if err != nil {
		return persistErr("save state", err)
	}
	if !ok {
		return persistErr("save state", fmt.Errorf("state already exists"))
	}
	return nil
}

// Consume reads and deletes the key with GETDEL.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (*models.AuthState, error) {
	if state == "" {
		return nil, shared.ErrInvalidState
	}

	data, err := s.client.GetDel(ctx, redisStateKey(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrInvalidState
	}
	if err != nil {
		return nil, persistErr("consume state", err)
	}

	var rs redisState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, persistErr("decode state", err)
	}

	return &models.AuthState{
		State:     state,
		UserID:    rs.UserID,
		Provider:  rs.Provider,
		CreatedAt: rs.CreatedAt.UTC(),
		ExpiresAt: rs.ExpiresAt.UTC(),
	}, nil
}

// Cleanup is a no-op: Redis expires keys by TTL.
func (s *RedisStateStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
