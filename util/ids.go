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

package util

import (
	"github.com/google/uuid"
)

// AddressName is the opaque string identifying a remote Signal identity
// (a peer), as handed out by the neighbor discovery substrate.
type AddressName string

// LocalNodeId is a stable 64-bit integer assigned by the node registry
// to an AddressName. It never changes for the lifetime of a node entry.
type LocalNodeId int64

// EndpointId is a transport-assigned handle to a concrete neighbor link.
type EndpointId string

// RequestUUID is a 128-bit discovery request identifier, stored as text
// in the route tables and carried as 16 raw bytes in wire frames.
type RequestUUID struct {
	id uuid.UUID
}

// NewRequestUUID generates a fresh random request identifier.
func NewRequestUUID() RequestUUID {
	return RequestUUID{id: uuid.New()}
}

// ParseRequestUUID parses a textual request identifier.
func ParseRequestUUID(s string) (RequestUUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RequestUUID{}, err
	}
	return RequestUUID{id: id}, nil
}

// String returns the textual representation used as the primary key in
// the route tables.
func (r RequestUUID) String() string {
	return r.id.String()
}

// Bytes returns the 16 raw bytes of the identifier.
func (r RequestUUID) Bytes() [16]byte {
	return r.id
}

// RequestUUIDFromBytes reconstructs an identifier from 16 raw bytes.
func RequestUUIDFromBytes(b [16]byte) RequestUUID {
	return RequestUUID{id: uuid.UUID(b)}
}

// IsZero reports whether this is the unset request identifier.
func (r RequestUUID) IsZero() bool {
	return r.id == uuid.Nil
}
