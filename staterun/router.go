// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package staterun

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Router routes requests to the current owning replica of a session
// identified by a header, guaranteeing at most one owner at a time, via a
// Redis key per session holding the owning replica id under a lease.
type Router struct {
	redis *redis.Client
}

// NewRouter returns a Router backed by rdb.
func NewRouter(rdb *redis.Client) *Router {
	return &Router{redis: rdb}
}

func routeKey(sessionID string) string { return "staterun:route:" + sessionID }

// Acquire claims ownership of sessionID for replicaID for ttl, succeeding
// only if no other replica currently holds it — SET NX PX, so two
// replicas racing to claim the same session can never both succeed.
func (r *Router) Acquire(ctx context.Context, sessionID, replicaID string, ttl time.Duration) (bool, error) {
	ok, err := r.redis.SetNX(ctx, routeKey(sessionID), replicaID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("staterun: acquiring route for session %s: %w", sessionID, err)
	}
	return ok, nil
}

// Renew extends replicaID's lease on sessionID by ttl, failing if
// replicaID is no longer the owner (its lease expired and another replica
// claimed it, or it never held it).
func (r *Router) Renew(ctx context.Context, sessionID, replicaID string, ttl time.Duration) (bool, error) {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`
	res, err := r.redis.Eval(ctx, script, []string{routeKey(sessionID)}, replicaID, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("staterun: renewing route for session %s: %w", sessionID, err)
	}
	n, _ := res.(int64)
	return n != 0, nil
}

// Release gives up replicaID's ownership of sessionID, if it still holds
// it, so another replica can claim it immediately rather than waiting out
// the lease.
func (r *Router) Release(ctx context.Context, sessionID, replicaID string) error {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	if _, err := r.redis.Eval(ctx, script, []string{routeKey(sessionID)}, replicaID).Result(); err != nil {
		return fmt.Errorf("staterun: releasing route for session %s: %w", sessionID, err)
	}
	return nil
}

// Owner returns the replica id currently owning sessionID, if any.
func (r *Router) Owner(ctx context.Context, sessionID string) (replicaID string, ok bool, err error) {
	v, err := r.redis.Get(ctx, routeKey(sessionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("staterun: reading route for session %s: %w", sessionID, err)
	}
	return v, true, nil
}
