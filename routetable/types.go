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

// Package routetable is the persistent arena backing route discovery:
// in-flight requests, per-neighbor broadcast bookkeeping, discovered
// routes, and their usages. Rows carry foreign keys to one another
// (request_uuid, discovery_uuid, usage_uuid) rather than live object
// references, so cascade deletes and atomic multi-row updates stay
// tractable against a plain SQL backend.
package routetable

import (
	"meshcore/util"
)

// RouteRequestEntry tracks a discovery request this node originated or
// relayed. PreviousHop is nil for an entry this node originated.
// RemainingHops is the remaining-hops value carried by the
// RouteRequestMessage this node itself broadcast (DEFAULT_HOPS for an
// origin, one less than the inbound value for a relay); it sets the hop
// count of the route installed when RouteFound comes back. The
// MaxHopsReached check reads the inbound message's value, not this one.
type RouteRequestEntry struct {
	RequestUUID        util.RequestUUID
	DestinationLocalID util.LocalNodeId
	PreviousHopLocalID *util.LocalNodeId
	RemainingHops      int
}

// IsOrigin reports whether this node originated the request (as
// opposed to relaying it on behalf of a previous hop).
func (e *RouteRequestEntry) IsOrigin() bool {
	return e.PreviousHopLocalID == nil
}

// BroadcastStatusEntry records that a request was handed to a specific
// neighbor and tracks whether that neighbor reported back
// RequestAlreadyInProgress (still pending) or nothing yet.
type BroadcastStatusEntry struct {
	RequestUUID       util.RequestUUID
	NeighborLocalID   util.LocalNodeId
	IsProgressPending bool
}

// RouteEntry is a discovered multi-hop route to a destination. A route
// is open iff NextHopLocalID is set.
type RouteEntry struct {
	ID                 int64
	DiscoveryUUID      util.RequestUUID
	DestinationLocalID util.LocalNodeId
	NextHopLocalID     *util.LocalNodeId
	PreviousHopLocalID *util.LocalNodeId
	HopCount           int
	LastUseTimestamp   *util.AbsoluteTime
}

// IsOpen reports whether the route has a usable next hop.
func (e *RouteEntry) IsOpen() bool {
	return e.NextHopLocalID != nil
}

// RouteUsage is one application-level send that rode a given route.
type RouteUsage struct {
	UsageRequestUUID        util.RequestUUID
	RouteEntryDiscoveryUUID util.RequestUUID
	PreviousHopLocalID      *util.LocalNodeId
	LastUsedTimestamp       *util.AbsoluteTime
}

// RouteUsageBacktracking preserves the original application-level
// destination of a usage when the usage reused an already-open route
// whose own destination differs from the new request's destination.
type RouteUsageBacktracking struct {
	UsageUUID          util.RequestUUID
	DestinationLocalID util.LocalNodeId
}

// KeyExchangeState debounces outbound Signal prekey bundle resends per
// peer address.
type KeyExchangeState struct {
	Address           util.AddressName
	LastOurSent       *util.AbsoluteTime
	LastTheirReceived *util.AbsoluteTime
}
