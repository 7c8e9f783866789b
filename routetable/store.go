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
	"database/sql"

	"meshcore/meshlog"
)

// schema uses a "CREATE TABLE IF NOT EXISTS" startup idiom rather than
// a separate embedded migration script, since the route table's shape
// is small and fixed.
const schema = `
CREATE TABLE IF NOT EXISTS route_request (
	request_uuid TEXT PRIMARY KEY,
	destination_local_id INTEGER NOT NULL,
	previous_hop_local_id INTEGER,
	remaining_hops INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS broadcast_status (
	request_uuid TEXT NOT NULL,
	neighbor_local_id INTEGER NOT NULL,
	is_progress_pending INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (request_uuid, neighbor_local_id)
);
CREATE TABLE IF NOT EXISTS route_entry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	discovery_uuid TEXT NOT NULL UNIQUE,
	destination_local_id INTEGER NOT NULL,
	next_hop_local_id INTEGER,
	previous_hop_local_id INTEGER,
	hop_count INTEGER NOT NULL,
	last_use_timestamp INTEGER
);
CREATE TABLE IF NOT EXISTS route_usage (
	usage_request_uuid TEXT PRIMARY KEY,
	route_entry_discovery_uuid TEXT NOT NULL,
	previous_hop_local_id INTEGER,
	last_used_timestamp INTEGER
);
CREATE TABLE IF NOT EXISTS route_usage_backtracking (
	usage_uuid TEXT PRIMARY KEY,
	destination_local_id INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS key_exchange_state (
	address TEXT PRIMARY KEY,
	last_our_sent INTEGER,
	last_their_received INTEGER
);
`

var log = meshlog.New("routetable")

// handle carries every route-table query method, implemented once
// against the execer interface. Store and Tx each embed one, bound to
// either the pooled *sql.DB or an open *sql.Tx, so the same method set
// works whether or not a call participates in an explicit transaction.
type handle struct {
	x execer
}

// Store is a handle on a route table database. Opening the same
// connect spec twice shares the underlying connection pool entry.
type Store struct {
	handle
	spec string
	db   *sql.DB
}

// Open connects to (and, if needed, initializes) a route table
// database. spec is "sqlite3:/path/to/file.db" or "mysql:dsn", the
// same addressing convention the rest of the corpus uses for its SQL
// stores.
func Open(ctx context.Context, spec string) (*Store, error) {
	db, err := dbPool.connect(spec)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = dbPool.release(spec)
		return nil, err
	}
	log.Infof("opened route table at %s", spec)
	return &Store{handle: handle{x: db}, spec: spec, db: db}, nil
}

// Close releases this handle's reference to the connection pool.
func (s *Store) Close() error {
	return dbPool.release(s.spec)
}

// WithTx runs fn inside a single transaction, committing on success
// and rolling back on any error — used by the aggregate actions in
// §4.4 (e.g. installing a RouteEntry while tearing down its
// RouteRequestEntry and BroadcastStatusEntry rows) that must be atomic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
			return
		}
		err = sqlTx.Commit()
	}()
	err = fn(&Tx{handle{x: sqlTx}})
	return err
}

// Tx mirrors Store's query surface against an open *sql.Tx, used
// inside a Store.WithTx callback.
type Tx struct {
	handle
}
