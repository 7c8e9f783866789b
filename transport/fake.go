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

package transport

import (
	"context"
	"sync"

	"meshcore/util"
)

// FakeHub wires a closed set of FakeTransport instances together in
// memory, so tests can exercise the neighbor table and above without a
// real radio. Every FakeTransport registered on the same hub can
// discover and connect to every other one.
type FakeHub struct {
	mu    sync.Mutex
	peers map[util.EndpointId]*FakeTransport
}

// NewFakeHub returns an empty hub.
func NewFakeHub() *FakeHub {
	return &FakeHub{peers: make(map[util.EndpointId]*FakeTransport)}
}

// FakeTransport is an in-memory Transport double, one per simulated
// node, registered on a shared FakeHub.
type FakeTransport struct {
	hub  *FakeHub
	self util.EndpointId
	addr util.AddressName

	mu        sync.Mutex
	connected map[util.EndpointId]bool
	events    chan *Event
}

// NewFakeTransport registers a new simulated node on hub under id.
func NewFakeTransport(hub *FakeHub, id util.EndpointId) *FakeTransport {
	t := &FakeTransport{
		hub:       hub,
		self:      id,
		connected: make(map[util.EndpointId]bool),
		events:    make(chan *Event, 16),
	}
	hub.mu.Lock()
	hub.peers[id] = t
	hub.mu.Unlock()
	return t
}

func (t *FakeTransport) Advertise(ctx context.Context, self util.AddressName) error {
	t.mu.Lock()
	t.addr = self
	t.mu.Unlock()
	return nil
}

func (t *FakeTransport) Discover(ctx context.Context) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	for id, other := range t.hub.peers {
		if id == t.self {
			continue
		}
		other.mu.Lock()
		addr := other.addr
		other.mu.Unlock()
		t.emit(&Event{Kind: EventEndpointFound, Endpoint: id, Address: addr})
	}
	return nil
}

func (t *FakeTransport) peer(id util.EndpointId) *FakeTransport {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	return t.hub.peers[id]
}

func (t *FakeTransport) RequestConnection(endpoint util.EndpointId) error {
	other := t.peer(endpoint)
	if other == nil {
		return ErrEndpointUnknown
	}
	t.mu.Lock()
	addr := t.addr
	t.mu.Unlock()
	other.emit(&Event{
		Kind:     EventConnectionInitiated,
		Endpoint: t.self,
		Address:  addr,
		Resp:     &FuncResponder{EndpointID: t.self, SendFn: func(p []byte) error { return t.deliver(endpoint, p) }},
	})
	return nil
}

func (t *FakeTransport) AcceptConnection(endpoint util.EndpointId) error {
	other := t.peer(endpoint)
	if other == nil {
		return ErrEndpointUnknown
	}
	t.mu.Lock()
	t.connected[endpoint] = true
	t.mu.Unlock()
	other.mu.Lock()
	other.connected[t.self] = true
	other.mu.Unlock()
	other.emit(&Event{Kind: EventConnectionResult, Endpoint: t.self, Accepted: true})
	return nil
}

func (t *FakeTransport) RejectConnection(endpoint util.EndpointId) error {
	other := t.peer(endpoint)
	if other == nil {
		return ErrEndpointUnknown
	}
	other.emit(&Event{Kind: EventConnectionResult, Endpoint: t.self, Accepted: false})
	return nil
}

func (t *FakeTransport) Disconnect(endpoint util.EndpointId) error {
	t.mu.Lock()
	delete(t.connected, endpoint)
	t.mu.Unlock()
	if other := t.peer(endpoint); other != nil {
		other.mu.Lock()
		delete(other.connected, t.self)
		other.mu.Unlock()
		other.emit(&Event{Kind: EventDisconnected, Endpoint: t.self})
	}
	return nil
}

func (t *FakeTransport) SendPayload(endpoint util.EndpointId, payload []byte) error {
	return t.deliver(endpoint, payload)
}

func (t *FakeTransport) deliver(endpoint util.EndpointId, payload []byte) error {
	t.mu.Lock()
	ok := t.connected[endpoint]
	t.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	other := t.peer(endpoint)
	if other == nil {
		return ErrEndpointUnknown
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	other.emit(&Event{
		Kind:     EventPayloadReceived,
		Endpoint: t.self,
		Payload:  cp,
		Resp:     &FuncResponder{EndpointID: t.self, SendFn: func(p []byte) error { return t.deliver(endpoint, p) }},
	})
	return nil
}

func (t *FakeTransport) emit(ev *Event) {
	go func() { t.events <- ev }()
}

func (t *FakeTransport) Events() <-chan *Event {
	return t.events
}
