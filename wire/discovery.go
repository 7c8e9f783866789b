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

package wire

import "fmt"

// RouteStatus enumerates the terminal and pending outcomes of a route
// discovery request, carried in RouteResponseMessage.
type RouteStatus uint16

// Route status values.
const (
	StatusRouteFound RouteStatus = iota
	StatusRequestAlreadyInProgress
	StatusNoRouteFound
	StatusMaxHopsReached
	StatusTtlExpired
)

// String renders the status for logging.
func (s RouteStatus) String() string {
	switch s {
	case StatusRouteFound:
		return "RouteFound"
	case StatusRequestAlreadyInProgress:
		return "RequestAlreadyInProgress"
	case StatusNoRouteFound:
		return "NoRouteFound"
	case StatusMaxHopsReached:
		return "MaxHopsReached"
	case StatusTtlExpired:
		return "TtlExpired"
	default:
		return "Unknown"
	}
}

// IsTerminalNegative reports whether the status is one of the three
// "no route, and never will be from this branch" outcomes (as opposed
// to RouteFound or the non-terminal RequestAlreadyInProgress).
func (s RouteStatus) IsTerminalNegative() bool {
	switch s {
	case StatusNoRouteFound, StatusMaxHopsReached, StatusTtlExpired:
		return true
	default:
		return false
	}
}

// uuidSize is the fixed wire length of a RequestUUID, in bytes.
const uuidSize = 16

// RouteRequestMessage is broadcast to flood a route discovery request
// one hop at a time.
type RouteRequestMessage struct {
	MsgHeader
	RequestUUID        []byte `size:"16"`
	DestNameLen        uint16 `order:"big"`
	DestinationAddress []byte `size:"DestNameLen"`
	RemainingHops      uint16 `order:"big"`
	MaxTTLEpochMs      uint64 `order:"big"`
}

// NewRouteRequestMessage builds a discovery request frame.
func NewRouteRequestMessage(reqUUID [16]byte, destination string, remainingHops uint16, maxTTLEpochMs uint64) *RouteRequestMessage {
	dst := []byte(destination)
	return &RouteRequestMessage{
		MsgHeader:          MsgHeader{MsgSize: uint16(4 + uuidSize + 2 + len(dst) + 2 + 8), MsgType: ROUTE_DISCOVERY_REQUEST},
		RequestUUID:        reqUUID[:],
		DestNameLen:        uint16(len(dst)),
		DestinationAddress: dst,
		RemainingHops:      remainingHops,
		MaxTTLEpochMs:      maxTTLEpochMs,
	}
}

// UUID returns the fixed-size request identifier.
func (m *RouteRequestMessage) UUID() (out [16]byte) {
	copy(out[:], m.RequestUUID)
	return
}

// String returns a human-readable summary.
func (m *RouteRequestMessage) String() string {
	return fmt.Sprintf("RouteRequestMessage{dest=%s,hops=%d}", string(m.DestinationAddress), m.RemainingHops)
}

// RouteResponseMessage answers a previously broadcast discovery request.
// HopCount is only meaningful when Status is StatusRouteFound: it is the
// sender's own hop count, DefaultHops minus the remaining-hops value of
// the request it received (destination) or relayed (relay), plus one.
// In an origin—relay—destination chain both replies carry 2. The
// recipient uses it only as a plausibility bound, not to derive its
// own count.
type RouteResponseMessage struct {
	MsgHeader
	RequestUUID []byte      `size:"16"`
	Status      RouteStatus `order:"big"`
	HopCount    uint16      `order:"big"`
}

// NewRouteResponseMessage builds a discovery response frame.
func NewRouteResponseMessage(reqUUID [16]byte, status RouteStatus, hopCount uint16) *RouteResponseMessage {
	return &RouteResponseMessage{
		MsgHeader:   MsgHeader{MsgSize: uint16(4 + uuidSize + 2 + 2), MsgType: ROUTE_DISCOVERY_RESPONSE},
		RequestUUID: reqUUID[:],
		Status:      status,
		HopCount:    hopCount,
	}
}

// UUID returns the fixed-size request identifier.
func (m *RouteResponseMessage) UUID() (out [16]byte) {
	copy(out[:], m.RequestUUID)
	return
}

// String returns a human-readable summary.
func (m *RouteResponseMessage) String() string {
	return fmt.Sprintf("RouteResponseMessage{status=%s}", m.Status)
}
