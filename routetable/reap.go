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

	"meshcore/util"
)

// ReapStale deletes every RouteEntry whose last use predates
// threshold, cascading to its usages and backtracking rows. §4.4 only
// requires demoting a stale route to "not usable" on probe; this sweep
// is the periodic cleanup that keeps rows from accumulating forever,
// run from the mesh heartbeat rather than on the discovery hot path.
func (s *Store) ReapStale(ctx context.Context, threshold util.AbsoluteTime) (reaped int, err error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT discovery_uuid FROM route_entry WHERE last_use_timestamp IS NOT NULL AND last_use_timestamp < ?`,
		threshold.EpochMs())
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, uuid)
	}
	rows.Close()

	for _, raw := range stale {
		id, err := util.ParseRequestUUID(raw)
		if err != nil {
			log.Warnf("skipping malformed route uuid %q during reap: %v", raw, err)
			continue
		}
		if err := s.DeleteRouteEntry(ctx, id); err != nil {
			return reaped, err
		}
		reaped++
	}
	log.Infof("reaped %d stale routes", reaped)
	return reaped, nil
}
