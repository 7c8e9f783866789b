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

package node

import (
	"sync"

	"meshcore/util"
)

// MemoryRegistry is the default Registry: an in-process table that
// hands out monotonically increasing local ids. It is the only Registry
// in this module; its ids last only as long as the process.
type MemoryRegistry struct {
	mu      sync.Mutex
	byAddr  map[util.AddressName]Node
	byLocal map[util.LocalNodeId]Node
	next    util.LocalNodeId
}

// NewMemoryRegistry returns an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byAddr:  make(map[util.AddressName]Node),
		byLocal: make(map[util.LocalNodeId]Node),
	}
}

func (r *MemoryRegistry) FindOrCreate(addr util.AddressName) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.byAddr[addr]; ok {
		return n, nil
	}
	r.next++
	n := Node{LocalID: r.next, Address: addr}
	r.byAddr[addr] = n
	r.byLocal[n.LocalID] = n
	return n, nil
}

func (r *MemoryRegistry) Lookup(addr util.AddressName) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byAddr[addr]
	return n, ok
}

func (r *MemoryRegistry) ByLocalID(id util.LocalNodeId) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byLocal[id]
	return n, ok
}
