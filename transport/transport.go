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

// Package transport pins the local-link capability the neighbor table
// drives: advertising presence, discovering nearby endpoints, and
// moving raw bytes once two nodes agree to connect. The concrete radio
// (Bluetooth, Wi-Fi Direct, a LAN multicast bridge, ...) lives outside
// this module; this package only fixes the event/command surface the
// rest of the core is written against, the same way the corpus pins a
// Responder/Endpoint surface in front of its own network backends.
package transport

import (
	"context"
	"errors"

	"meshcore/util"
)

// Link-layer error codes.
var (
	ErrEndpointUnknown  = errors.New("transport: endpoint unknown")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrNotConnected     = errors.New("transport: not connected")
)

// EventKind enumerates the asynchronous notifications a Transport
// backend raises.
type EventKind int

// Event kinds.
const (
	EventEndpointFound EventKind = iota
	EventEndpointLost
	EventConnectionInitiated
	EventConnectionResult
	EventDisconnected
	EventPayloadReceived
)

// Event is the single notification type flowing out of a Transport.
// Not every field is populated for every Kind; callers switch on Kind
// first.
type Event struct {
	Kind     EventKind
	Endpoint util.EndpointId
	Address  util.AddressName // valid for EventEndpointFound / EventConnectionInitiated
	Accepted bool             // valid for EventConnectionResult
	Payload  []byte           // valid for EventPayloadReceived
	Resp     Responder        // valid for EventConnectionInitiated / EventPayloadReceived
}

// Transport is the capability the neighbor table drives to find peers
// and exchange bytes with them once connected. All methods are safe
// for concurrent use; asynchronous outcomes are delivered on the
// channel returned by Events.
type Transport interface {
	// Advertise starts broadcasting local presence under the given
	// address name so nearby nodes can discover this one.
	Advertise(ctx context.Context, self util.AddressName) error

	// Discover starts scanning for nearby advertising nodes. Findings
	// and losses are reported as EventEndpointFound/EventEndpointLost.
	Discover(ctx context.Context) error

	// RequestConnection asks the backend to open a connection to a
	// discovered endpoint. The outcome arrives as EventConnectionResult.
	RequestConnection(endpoint util.EndpointId) error

	// AcceptConnection completes a connection that arrived as
	// EventConnectionInitiated.
	AcceptConnection(endpoint util.EndpointId) error

	// RejectConnection declines a connection that arrived as
	// EventConnectionInitiated.
	RejectConnection(endpoint util.EndpointId) error

	// Disconnect tears down an established connection.
	Disconnect(endpoint util.EndpointId) error

	// SendPayload transmits a byte payload over an established
	// connection. Returns ErrNotConnected if the endpoint isn't
	// currently connected.
	SendPayload(endpoint util.EndpointId, payload []byte) error

	// Events returns the channel events are delivered on.
	Events() <-chan *Event
}
