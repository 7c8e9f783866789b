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

	"meshcore/util"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("routetable: not found")

//----------------------------------------------------------------------
// RouteRequestEntry
//----------------------------------------------------------------------

// InsertRouteRequest creates a new in-flight request row.
func (h *handle) InsertRouteRequest(ctx context.Context, e *RouteRequestEntry) error {
	_, err := h.x.ExecContext(ctx,
		`INSERT INTO route_request(request_uuid, destination_local_id, previous_hop_local_id, remaining_hops) VALUES (?, ?, ?, ?)`,
		e.RequestUUID.String(), int64(e.DestinationLocalID), nullableLocalID(e.PreviousHopLocalID), e.RemainingHops)
	return err
}

// GetRouteRequest looks up an in-flight request by its uuid.
func (h *handle) GetRouteRequest(ctx context.Context, id util.RequestUUID) (*RouteRequestEntry, error) {
	row := h.x.QueryRowContext(ctx,
		`SELECT destination_local_id, previous_hop_local_id, remaining_hops FROM route_request WHERE request_uuid = ?`,
		id.String())
	var (
		dest  int64
		prevN sql.NullInt64
		hops  int
	)
	if err := row.Scan(&dest, &prevN, &hops); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e := &RouteRequestEntry{RequestUUID: id, DestinationLocalID: util.LocalNodeId(dest), RemainingHops: hops}
	if prevN.Valid {
		prev := util.LocalNodeId(prevN.Int64)
		e.PreviousHopLocalID = &prev
	}
	return e, nil
}

// DeleteRouteRequest removes a request and every BroadcastStatusEntry
// row that references it (the foreign key's cascade, expressed
// explicitly since not every backend this store targets enforces
// declarative ON DELETE CASCADE the same way).
func (h *handle) DeleteRouteRequest(ctx context.Context, id util.RequestUUID) error {
	if _, err := h.x.ExecContext(ctx, `DELETE FROM broadcast_status WHERE request_uuid = ?`, id.String()); err != nil {
		return err
	}
	_, err := h.x.ExecContext(ctx, `DELETE FROM route_request WHERE request_uuid = ?`, id.String())
	return err
}

//----------------------------------------------------------------------
// BroadcastStatusEntry
//----------------------------------------------------------------------

// UpsertBroadcastStatus creates or updates the per-neighbor broadcast
// bookkeeping row for a request.
func (h *handle) UpsertBroadcastStatus(ctx context.Context, id util.RequestUUID, neighbor util.LocalNodeId, pending bool) error {
	// REPLACE INTO is understood identically by both sqlite3 and mysql,
	// unlike ON CONFLICT/ON DUPLICATE KEY UPDATE which diverge.
	_, err := h.x.ExecContext(ctx,
		`REPLACE INTO broadcast_status(request_uuid, neighbor_local_id, is_progress_pending) VALUES (?, ?, ?)`,
		id.String(), int64(neighbor), boolToInt(pending))
	return err
}

// DeleteBroadcastStatus removes the bookkeeping row for one neighbor's
// reply to a request (a final, non-pending response was consumed).
func (h *handle) DeleteBroadcastStatus(ctx context.Context, id util.RequestUUID, neighbor util.LocalNodeId) error {
	_, err := h.x.ExecContext(ctx,
		`DELETE FROM broadcast_status WHERE request_uuid = ? AND neighbor_local_id = ?`,
		id.String(), int64(neighbor))
	return err
}

// CountBroadcastStatus returns how many neighbors still owe a final
// reply for a request (P2's bookkeeping invariant).
func (h *handle) CountBroadcastStatus(ctx context.Context, id util.RequestUUID) (int, error) {
	row := h.x.QueryRowContext(ctx, `SELECT COUNT(*) FROM broadcast_status WHERE request_uuid = ?`, id.String())
	var n int
	err := row.Scan(&n)
	return n, err
}

// HasPendingInProgress reports whether any neighbor has replied
// RequestAlreadyInProgress for this request without yet resolving.
func (h *handle) HasPendingInProgress(ctx context.Context, id util.RequestUUID) (bool, error) {
	row := h.x.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broadcast_status WHERE request_uuid = ? AND is_progress_pending = 1`,
		id.String())
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

//----------------------------------------------------------------------
// RouteEntry
//----------------------------------------------------------------------

// InsertRouteEntry installs a newly discovered route.
func (h *handle) InsertRouteEntry(ctx context.Context, e *RouteEntry) (int64, error) {
	res, err := h.x.ExecContext(ctx,
		`INSERT INTO route_entry(discovery_uuid, destination_local_id, next_hop_local_id, previous_hop_local_id, hop_count, last_use_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.DiscoveryUUID.String(), int64(e.DestinationLocalID), nullableLocalID(e.NextHopLocalID),
		nullableLocalID(e.PreviousHopLocalID), e.HopCount, nullableTimestamp(e.LastUseTimestamp))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetRouteEntry looks up a route by its discovery uuid.
func (h *handle) GetRouteEntry(ctx context.Context, discoveryUUID util.RequestUUID) (*RouteEntry, error) {
	row := h.x.QueryRowContext(ctx,
		`SELECT id, destination_local_id, next_hop_local_id, previous_hop_local_id, hop_count, last_use_timestamp
		 FROM route_entry WHERE discovery_uuid = ?`, discoveryUUID.String())
	return scanRouteEntry(row, discoveryUUID)
}

// TouchRouteEntry bumps a route's last-use timestamp on reuse.
func (h *handle) TouchRouteEntry(ctx context.Context, discoveryUUID util.RequestUUID, ts util.AbsoluteTime) error {
	_, err := h.x.ExecContext(ctx,
		`UPDATE route_entry SET last_use_timestamp = ? WHERE discovery_uuid = ?`,
		ts.EpochMs(), discoveryUUID.String())
	return err
}

// DeleteRouteEntry removes a route and cascades to its usages and
// their backtracking rows (P6).
func (h *handle) DeleteRouteEntry(ctx context.Context, discoveryUUID util.RequestUUID) error {
	if _, err := h.x.ExecContext(ctx,
		`DELETE FROM route_usage_backtracking WHERE usage_uuid IN
		 (SELECT usage_request_uuid FROM route_usage WHERE route_entry_discovery_uuid = ?)`,
		discoveryUUID.String()); err != nil {
		return err
	}
	if _, err := h.x.ExecContext(ctx,
		`DELETE FROM route_usage WHERE route_entry_discovery_uuid = ?`, discoveryUUID.String()); err != nil {
		return err
	}
	_, err := h.x.ExecContext(ctx, `DELETE FROM route_entry WHERE discovery_uuid = ?`, discoveryUUID.String())
	return err
}

// ListRouteEntries returns every route this node currently holds, for
// local introspection (mesh/debugrpc) rather than any routing decision.
func (h *handle) ListRouteEntries(ctx context.Context) ([]*RouteEntry, error) {
	rows, err := h.x.QueryContext(ctx, `
		SELECT id, discovery_uuid, destination_local_id, next_hop_local_id,
		       previous_hop_local_id, hop_count, last_use_timestamp
		FROM route_entry ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RouteEntry
	for rows.Next() {
		var (
			id, dest           int64
			discoveryUUID      string
			nextHopN, prevHopN sql.NullInt64
			hopCount           int
			lastUse            sql.NullInt64
		)
		if err := rows.Scan(&id, &discoveryUUID, &dest, &nextHopN, &prevHopN, &hopCount, &lastUse); err != nil {
			return nil, err
		}
		uuid, err := util.ParseRequestUUID(discoveryUUID)
		if err != nil {
			return nil, err
		}
		e := &RouteEntry{
			ID:                 id,
			DiscoveryUUID:      uuid,
			DestinationLocalID: util.LocalNodeId(dest),
			HopCount:           hopCount,
		}
		if nextHopN.Valid {
			nh := util.LocalNodeId(nextHopN.Int64)
			e.NextHopLocalID = &nh
		}
		if prevHopN.Valid {
			ph := util.LocalNodeId(prevHopN.Int64)
			e.PreviousHopLocalID = &ph
		}
		if lastUse.Valid {
			t := util.AbsoluteTimeFromEpochMs(uint64(lastUse.Int64))
			e.LastUseTimestamp = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRouteRequests returns every still-open (unresolved) route request,
// for local introspection (mesh/debugrpc).
func (h *handle) ListRouteRequests(ctx context.Context) ([]*RouteRequestEntry, error) {
	rows, err := h.x.QueryContext(ctx, `
		SELECT request_uuid, destination_local_id, previous_hop_local_id, remaining_hops
		FROM route_request ORDER BY request_uuid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RouteRequestEntry
	for rows.Next() {
		var (
			requestUUID string
			dest        int64
			prevHopN    sql.NullInt64
			remaining   int
		)
		if err := rows.Scan(&requestUUID, &dest, &prevHopN, &remaining); err != nil {
			return nil, err
		}
		uuid, err := util.ParseRequestUUID(requestUUID)
		if err != nil {
			return nil, err
		}
		e := &RouteRequestEntry{
			RequestUUID:        uuid,
			DestinationLocalID: util.LocalNodeId(dest),
			RemainingHops:      remaining,
		}
		if prevHopN.Valid {
			ph := util.LocalNodeId(prevHopN.Int64)
			e.PreviousHopLocalID = &ph
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MostRecentOpenedRouteTo finds the freshest open route usable for
// destination, joining route_entry with route_usage and
// route_usage_backtracking so a route opened for one destination but
// reused for another is still found by the reused destination.
func (h *handle) MostRecentOpenedRouteTo(ctx context.Context, destination util.LocalNodeId) (*RouteEntry, *util.AbsoluteTime, error) {
	row := h.x.QueryRowContext(ctx, `
		SELECT re.id, re.discovery_uuid, re.destination_local_id, re.next_hop_local_id,
		       re.previous_hop_local_id, re.hop_count, MAX(ru.last_used_timestamp) AS last_used
		FROM route_entry re
		JOIN route_usage ru ON ru.route_entry_discovery_uuid = re.discovery_uuid
		LEFT JOIN route_usage_backtracking rub ON rub.usage_uuid = ru.usage_request_uuid
		WHERE re.next_hop_local_id IS NOT NULL
		  AND (re.destination_local_id = ? OR rub.destination_local_id = ?)
		GROUP BY re.id
		ORDER BY last_used DESC
		LIMIT 1`, int64(destination), int64(destination))

	var (
		id, dest           int64
		discoveryUUID      string
		nextHopN, prevHopN sql.NullInt64
		hopCount           int
		lastUsed           sql.NullInt64
	)
	if err := row.Scan(&id, &discoveryUUID, &dest, &nextHopN, &prevHopN, &hopCount, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	uuid, err := util.ParseRequestUUID(discoveryUUID)
	if err != nil {
		return nil, nil, err
	}
	e := &RouteEntry{
		ID:                 id,
		DiscoveryUUID:      uuid,
		DestinationLocalID: util.LocalNodeId(dest),
		HopCount:           hopCount,
	}
	if nextHopN.Valid {
		nh := util.LocalNodeId(nextHopN.Int64)
		e.NextHopLocalID = &nh
	}
	if prevHopN.Valid {
		ph := util.LocalNodeId(prevHopN.Int64)
		e.PreviousHopLocalID = &ph
	}
	var lastUsedAt *util.AbsoluteTime
	if lastUsed.Valid {
		t := util.AbsoluteTimeFromEpochMs(uint64(lastUsed.Int64))
		lastUsedAt = &t
		e.LastUseTimestamp = &t
	}
	return e, lastUsedAt, nil
}

func scanRouteEntry(row *sql.Row, discoveryUUID util.RequestUUID) (*RouteEntry, error) {
	var (
		id                 int64
		dest               int64
		nextHopN, prevHopN sql.NullInt64
		hopCount           int
		lastUse            sql.NullInt64
	)
	if err := row.Scan(&id, &dest, &nextHopN, &prevHopN, &hopCount, &lastUse); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e := &RouteEntry{
		ID:                 id,
		DiscoveryUUID:      discoveryUUID,
		DestinationLocalID: util.LocalNodeId(dest),
		HopCount:           hopCount,
	}
	if nextHopN.Valid {
		nh := util.LocalNodeId(nextHopN.Int64)
		e.NextHopLocalID = &nh
	}
	if prevHopN.Valid {
		ph := util.LocalNodeId(prevHopN.Int64)
		e.PreviousHopLocalID = &ph
	}
	if lastUse.Valid {
		t := util.AbsoluteTimeFromEpochMs(uint64(lastUse.Int64))
		e.LastUseTimestamp = &t
	}
	return e, nil
}

//----------------------------------------------------------------------
// RouteUsage / RouteUsageBacktracking
//----------------------------------------------------------------------

// InsertRouteUsage records one application-level send riding a route.
func (h *handle) InsertRouteUsage(ctx context.Context, u *RouteUsage) error {
	_, err := h.x.ExecContext(ctx,
		`INSERT INTO route_usage(usage_request_uuid, route_entry_discovery_uuid, previous_hop_local_id, last_used_timestamp)
		 VALUES (?, ?, ?, ?)`,
		u.UsageRequestUUID.String(), u.RouteEntryDiscoveryUUID.String(),
		nullableLocalID(u.PreviousHopLocalID), nullableTimestamp(u.LastUsedTimestamp))
	return err
}

// InsertBacktracking records the original application destination for
// a usage created against a route opened for a different destination.
func (h *handle) InsertBacktracking(ctx context.Context, b *RouteUsageBacktracking) error {
	_, err := h.x.ExecContext(ctx,
		`INSERT INTO route_usage_backtracking(usage_uuid, destination_local_id) VALUES (?, ?)`,
		b.UsageUUID.String(), int64(b.DestinationLocalID))
	return err
}

// DeleteStaleUsages removes usages of a route whose last use predates
// threshold, without touching the route row itself — a maintenance
// sweep (ReapStale) separately decides when to drop the route.
func (h *handle) DeleteStaleUsages(ctx context.Context, discoveryUUID util.RequestUUID, threshold util.AbsoluteTime) error {
	if _, err := h.x.ExecContext(ctx,
		`DELETE FROM route_usage_backtracking WHERE usage_uuid IN
		 (SELECT usage_request_uuid FROM route_usage WHERE route_entry_discovery_uuid = ? AND last_used_timestamp < ?)`,
		discoveryUUID.String(), threshold.EpochMs()); err != nil {
		return err
	}
	_, err := h.x.ExecContext(ctx,
		`DELETE FROM route_usage WHERE route_entry_discovery_uuid = ? AND last_used_timestamp < ?`,
		discoveryUUID.String(), threshold.EpochMs())
	return err
}

//----------------------------------------------------------------------
// KeyExchangeState
//----------------------------------------------------------------------

// GetKeyExchangeState looks up the debounce state for a peer address.
func (h *handle) GetKeyExchangeState(ctx context.Context, addr util.AddressName) (*KeyExchangeState, error) {
	row := h.x.QueryRowContext(ctx,
		`SELECT last_our_sent, last_their_received FROM key_exchange_state WHERE address = ?`, string(addr))
	var ourN, theirN sql.NullInt64
	if err := row.Scan(&ourN, &theirN); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s := &KeyExchangeState{Address: addr}
	if ourN.Valid {
		t := util.AbsoluteTimeFromEpochMs(uint64(ourN.Int64))
		s.LastOurSent = &t
	}
	if theirN.Valid {
		t := util.AbsoluteTimeFromEpochMs(uint64(theirN.Int64))
		s.LastTheirReceived = &t
	}
	return s, nil
}

// UpsertKeyExchangeState creates or updates a peer's debounce state.
func (h *handle) UpsertKeyExchangeState(ctx context.Context, s *KeyExchangeState) error {
	_, err := h.x.ExecContext(ctx,
		`REPLACE INTO key_exchange_state(address, last_our_sent, last_their_received) VALUES (?, ?, ?)`,
		string(s.Address), nullableTimestamp(s.LastOurSent), nullableTimestamp(s.LastTheirReceived))
	return err
}

//----------------------------------------------------------------------
// helpers
//----------------------------------------------------------------------

func nullableLocalID(id *util.LocalNodeId) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func nullableTimestamp(t *util.AbsoluteTime) any {
	if t == nil {
		return nil
	}
	return t.EpochMs()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
