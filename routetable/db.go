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
	"errors"
	"os"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql" // init MySQL driver
	_ "github.com/mattn/go-sqlite3"    // init SQLite3 driver
)

// Errors related to opening a route table database.
var (
	ErrInvalidSpec = errors.New("routetable: invalid connect spec")
	ErrNoDatabase  = errors.New("routetable: database file not found")
)

// dbPoolEntry is a reference-counted *sql.DB, shared by every Store
// opened with the same connect spec (e.g. two subsystems pointed at
// the same on-device SQLite file).
type dbPoolEntry struct {
	db   *sql.DB
	refs int
}

// pool is the package-wide connection pool, mirroring the connect
// string addressing scheme the rest of the corpus uses for its own SQL
// stores ("engine:params", e.g. "sqlite3:/path/to/file.db" or
// "mysql:user:pass@tcp(host)/db").
type pool struct {
	mu    sync.Mutex
	insts map[string]*dbPoolEntry
}

var dbPool = &pool{insts: make(map[string]*dbPoolEntry)}

func (p *pool) connect(spec string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst, ok := p.insts[spec]; ok {
		inst.refs++
		return inst.db, nil
	}

	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidSpec
	}
	var (
		db  *sql.DB
		err error
	)
	switch parts[0] {
	case "sqlite3":
		if fi, statErr := os.Stat(parts[1]); statErr != nil || fi.IsDir() {
			if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
				return nil, statErr
			}
			// first run: SQLite creates the file on open, matching the
			// teacher's own lazily-created metadata database.
		}
		db, err = sql.Open("sqlite3", parts[1])
	case "mysql":
		db, err = sql.Open("mysql", parts[1])
	default:
		return nil, ErrInvalidSpec
	}
	if err != nil {
		return nil, err
	}
	p.insts[spec] = &dbPoolEntry{db: db, refs: 1}
	return db, nil
}

func (p *pool) release(spec string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.insts[spec]
	if !ok {
		return nil
	}
	inst.refs--
	if inst.refs <= 0 {
		delete(p.insts, spec)
		return inst.db.Close()
	}
	return nil
}

// execer covers the subset of *sql.DB / *sql.Tx used by the route
// table queries, letting every query function run identically inside
// or outside an explicit transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
