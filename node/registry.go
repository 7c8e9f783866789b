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

// Package node assigns a stable local identifier to every address name
// the mesh core has ever seen, independent of whether a neighbor
// connection or a route currently exists for it. The route tables key
// their rows on this local id rather than on the address name
// directly; the neighbor table keys its links on endpoint id and
// address name.
package node

import (
	"meshcore/util"
)

// Node is a local handle for a remote address name.
type Node struct {
	LocalID util.LocalNodeId
	Address util.AddressName
}

// Registry finds or creates the local handle for an address name.
// Lookups are idempotent: the same address always resolves to the same
// LocalID for the lifetime of the registry.
type Registry interface {
	// FindOrCreate returns the Node for addr, creating and persisting a
	// fresh LocalID on first sight.
	FindOrCreate(addr util.AddressName) (Node, error)

	// Lookup returns the Node for addr without creating one.
	Lookup(addr util.AddressName) (Node, bool)

	// ByLocalID reverses FindOrCreate, resolving an id back to its
	// address name.
	ByLocalID(id util.LocalNodeId) (Node, bool)
}
