package worker

import (
	"context"
	"log"
	"time"

	"taxflow/internal/redis"
)

const (
	runTokenPrefix  = "taxflow:run:"
	defaultTokenTTL = 10 * time.Minute
)

// runTokens guards a session's run across instances. A nil client grants every token.
type runTokens struct {
	client *redis.Client
	ttl    time.Duration
}

func newRunTokens(client *redis.Client, ttl time.Duration) *runTokens {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &runTokens{client: client, ttl: ttl}
}

// acquire claims the session's token. Redis errors fall through to the database claim.
func (r *runTokens) acquire(ctx context.Context, sessionID, token string) bool {
	if r == nil || r.client == nil {
		return true
	}
	ok, err := r.client.SetNX(ctx, runTokenPrefix+sessionID, token, r.ttl)
	if err != nil {
		log.Printf("worker: run token for session %s unavailable: %v", sessionID, err)
		return true
	}
	if !ok {
		debugLog("tokens: session %s already running elsewhere", sessionID)
	}
	return ok
}

func (r *runTokens) release(sessionID, token string) {
	if r == nil || r.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := r.client.Release(ctx, runTokenPrefix+sessionID, token); err != nil {
		log.Printf("worker: release run token for session %s failed: %v", sessionID, err)
	}
}
