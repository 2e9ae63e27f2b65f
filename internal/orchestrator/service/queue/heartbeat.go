package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Heartbeat keeps a short-TTL liveness key per worker in Redis. The recovery
// pass consults it before declaring a worker gone: the DB timestamp alone can
// lag when the task table is under write pressure. All operations are
// best-effort; a down Redis degrades recovery to the DB check.
type Heartbeat struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewHeartbeat(rdb *redis.Client, ttl time.Duration) *Heartbeat {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Heartbeat{redis: rdb, ttl: ttl}
}

func workerKey(workerID string) string {
	return fmt.Sprintf("ac:worker:hb:%s", workerID)
}

// Beat refreshes the worker's liveness key.
func (h *Heartbeat) Beat(ctx context.Context, workerID string) {
	if h == nil || h.redis == nil {
		return
	}
	if err := h.redis.Set(ctx, workerKey(workerID), time.Now().UTC().Format(time.RFC3339), h.ttl).Err(); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("worker", workerID).Msg("failed to refresh worker liveness key")
	}
}

// Alive reports whether the worker's liveness key exists. Errors read as not
// alive so the caller falls through to the DB heartbeat check.
func (h *Heartbeat) Alive(ctx context.Context, workerID string) bool {
	if h == nil || h.redis == nil {
		return false
	}
	n, err := h.redis.Exists(ctx, workerKey(workerID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("worker", workerID).Msg("failed to check worker liveness key")
		}
		return false
	}
	return n > 0
}
