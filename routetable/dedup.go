// This file is part of meshcore, an offline peer-to-peer mesh messaging core.
//
// meshcore is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// meshcore is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
// Affero General Public License for more details.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package routetable

import (
	"context"
	"errors"
	"time"

	redis "github.com/go-redis/redis/v8"

	"meshcore/util"
)

// Seen reports whether a request_uuid already has a live
// RouteRequestEntry, i.e. whether this node has already processed this
// discovery request. A *Store satisfies discovery.DedupCache directly
// through this method — the default backend is just a read against the
// table that already tracks in-flight requests.
func (h *handle) Seen(ctx context.Context, id util.RequestUUID) (bool, error) {
	_, err := h.GetRouteRequest(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RedisDedupCache is an alternate discovery.DedupCache backend for
// deployments where several processes on the same device share one
// route discovery engine and need a dedup set outside any single
// process's SQLite file: Redis as a cache in front of slower storage,
// applied here to discovery's loop-suppression check.
type RedisDedupCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedupCache connects to a Redis server for use as a
// cross-process discovery dedup set. Keys expire after ttl, bounding
// the cache to in-flight requests without needing an explicit sweep.
func NewRedisDedupCache(addr string, db int, ttl time.Duration) *RedisDedupCache {
	return &RedisDedupCache{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		ttl:    ttl,
	}
}

// Seen marks id as seen and reports whether it was already seen
// before this call (first-writer-wins, via Redis SETNX semantics).
func (c *RedisDedupCache) Seen(ctx context.Context, id util.RequestUUID) (bool, error) {
	ok, err := c.client.SetNX(ctx, "discovery:seen:"+id.String(), 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	// SetNX returns true when the key was newly set (i.e. not seen before).
	return !ok, nil
}

// Close releases the Redis client connection.
func (c *RedisDedupCache) Close() error {
	return c.client.Close()
}
