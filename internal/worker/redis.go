package worker

import (
	"context"
	"fmt"
	"time"

	"aibuddy/internal/redis"
)

const (
	turnKeyPrefix = "finalize:turns:"
	turnKeyTTL    = 7 * 24 * time.Hour
)

// redisCounter shares turn counts between service instances.
type redisCounter struct {
	client *redis.Client
}

func newRedisCounter(client *redis.Client) *redisCounter {
	return &redisCounter{client: client}
}

func turnKey(userID int64) string {
	return fmt.Sprintf("%s%d", turnKeyPrefix, userID)
}

func (r *redisCounter) Incr(ctx context.Context, userID int64) (int64, error) {
	return r.client.Incr(ctx, turnKey(userID), turnKeyTTL)
}

func (r *redisCounter) Reset(ctx context.Context, userID int64) error {
	return r.client.Del(ctx, turnKey(userID))
}

// NewTurnCounter uses redis when the client is enabled and process memory otherwise.
func NewTurnCounter(client *redis.Client) TurnCounter {
	if client.Enabled() {
		return newRedisCounter(client)
	}
	return newMemoryCounter()
}
