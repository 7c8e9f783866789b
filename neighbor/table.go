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

// Package neighbor owns the per-endpoint connection state machine and
// the address↔endpoint lookup the rest of the core is built on. All
// mutation flows through a single actor goroutine draining transport
// events and host-initiated commands off one mailbox.
package neighbor

import (
	"context"
	"errors"

	"meshcore/meshlog"
	"meshcore/transport"
	"meshcore/util"
)

var log = meshlog.New("neighbor")

// Status is a link's position in the per-endpoint state machine.
type Status int

// Link states.
const (
	StatusNone Status = iota
	StatusFound
	StatusInitiatedFromRemote
	StatusInitiatedFromHost
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "Found"
	case StatusInitiatedFromRemote:
		return "InitiatedFromRemote"
	case StatusInitiatedFromHost:
		return "InitiatedFromHost"
	case StatusConnected:
		return "Connected"
	default:
		return "None"
	}
}

// Errors returned by Table's public operations.
var (
	ErrAlreadyConnected   = errors.New("neighbor: already connected")
	ErrRemoteIsInitiating = errors.New("neighbor: remote is already initiating a connection")
	ErrEndpointNotFound   = errors.New("neighbor: no link for endpoint")
)

// EventKind enumerates the link lifecycle events a listener observes.
type EventKind int

// Event kinds, matching spec §4.1's event stream.
const (
	EventInitiated EventKind = iota
	EventConnected
	EventFailed
	EventDisconnected
	EventFound
	EventLost
)

// Event is delivered to every subscribed listener, in the order it
// occurred on the table.
type Event struct {
	Kind     EventKind
	Endpoint util.EndpointId
	Address  util.AddressName
}

// link is the volatile, in-memory per-endpoint record.
type link struct {
	endpoint util.EndpointId
	address  util.AddressName
	status   Status
}

// Table is the neighbor table (C1). Construct with New and start with
// Run; Run blocks until ctx is cancelled, draining transport events
// and host commands on its single goroutine.
type Table struct {
	trans transport.Transport

	cmds chan func(*state)

	listeners map[string]chan *Event
	listenMu  chanMutex
}

// state is the data only the actor goroutine ever touches.
type state struct {
	byEndpoint map[util.EndpointId]*link
	byAddress  map[util.AddressName]util.EndpointId
}

// chanMutex is a trivial mutex built from a channel, matching the
// rest of the corpus's preference for channel-based coordination over
// sync primitives where an actor model is already in play.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) lock()   { <-m }
func (m chanMutex) unlock() { m <- struct{}{} }

// New creates a neighbor table driving the given transport.
func New(trans transport.Transport) *Table {
	return &Table{
		trans:     trans,
		cmds:      make(chan func(*state), 16),
		listeners: make(map[string]chan *Event),
		listenMu:  newChanMutex(),
	}
}

// Run drains transport events and host commands until ctx is done.
// Call it once, in its own goroutine, after New.
func (t *Table) Run(ctx context.Context) {
	st := &state{
		byEndpoint: make(map[util.EndpointId]*link),
		byAddress:  make(map[util.AddressName]util.EndpointId),
	}
	evs := t.trans.Events()
	for {
		select {
		case ev := <-evs:
			t.handleTransportEvent(st, ev)
		case cmd := <-t.cmds:
			cmd(st)
		case <-ctx.Done():
			return
		}
	}
}

//----------------------------------------------------------------------
// Listener registration
//----------------------------------------------------------------------

// Register adds a named listener channel. Events are fanned out in
// the order they occurred; a slow listener must keep its channel
// drained or risk blocking the table's actor goroutine.
func (t *Table) Register(name string, ch chan *Event) {
	t.listenMu.lock()
	defer t.listenMu.unlock()
	t.listeners[name] = ch
}

// Unregister removes a named listener.
func (t *Table) Unregister(name string) {
	t.listenMu.lock()
	defer t.listenMu.unlock()
	delete(t.listeners, name)
}

func (t *Table) dispatch(ev *Event) {
	t.listenMu.lock()
	defer t.listenMu.unlock()
	for _, ch := range t.listeners {
		ch <- ev
	}
}

//----------------------------------------------------------------------
// Public operations — each round-trips through the actor mailbox so
// every mutation is serialized with transport event handling.
//----------------------------------------------------------------------

// RequestConnection asks the transport to connect to a discovered
// endpoint, transitioning it to InitiatedFromHost. Fails if the
// endpoint is already Connected or the remote side is already
// initiating (InitiatedFromRemote) — that branch is left to the
// remote's own drive.
func (t *Table) RequestConnection(ctx context.Context, address util.AddressName) error {
	return t.call(ctx, func(st *state) error {
		if ep, ok := st.byAddress[address]; ok {
			if l := st.byEndpoint[ep]; l != nil {
				switch l.status {
				case StatusConnected:
					return ErrAlreadyConnected
				case StatusInitiatedFromRemote:
					return ErrRemoteIsInitiating
				}
				if err := t.trans.RequestConnection(ep); err != nil {
					return err
				}
				l.status = StatusInitiatedFromHost
				return nil
			}
		}
		return ErrEndpointNotFound
	})
}

// AcceptConnection completes a connection that arrived as
// InitiatedFromRemote (or, less commonly, one this host initiated and
// the remote accepted first).
func (t *Table) AcceptConnection(ctx context.Context, endpoint util.EndpointId) error {
	return t.call(ctx, func(st *state) error {
		l, ok := st.byEndpoint[endpoint]
		if !ok {
			return ErrEndpointNotFound
		}
		if err := t.trans.AcceptConnection(l.endpoint); err != nil {
			return err
		}
		// The transport only notifies the remote side of the outcome; the
		// acceptor's own transition to Connected happens here, synchronously
		// with the accept.
		l.status = StatusConnected
		t.dispatch(&Event{Kind: EventConnected, Endpoint: l.endpoint, Address: l.address})
		return nil
	})
}

// RejectConnection declines a pending connection.
func (t *Table) RejectConnection(ctx context.Context, endpoint util.EndpointId) error {
	return t.call(ctx, func(st *state) error {
		l, ok := st.byEndpoint[endpoint]
		if !ok {
			return ErrEndpointNotFound
		}
		if err := t.trans.RejectConnection(l.endpoint); err != nil {
			return err
		}
		l.status = StatusFound
		t.dispatch(&Event{Kind: EventFailed, Endpoint: l.endpoint, Address: l.address})
		return nil
	})
}

// Disconnect tears down an established (or pending) link.
func (t *Table) Disconnect(ctx context.Context, endpoint util.EndpointId) error {
	return t.call(ctx, func(st *state) error {
		l, ok := st.byEndpoint[endpoint]
		if !ok {
			return ErrEndpointNotFound
		}
		if err := t.trans.Disconnect(l.endpoint); err != nil {
			return err
		}
		delete(st.byEndpoint, l.endpoint)
		delete(st.byAddress, l.address)
		t.dispatch(&Event{Kind: EventDisconnected, Endpoint: l.endpoint, Address: l.address})
		return nil
	})
}

// LinkedEndpoint resolves an address to its current endpoint id, if any.
func (t *Table) LinkedEndpoint(ctx context.Context, address util.AddressName) (endpoint util.EndpointId, found bool) {
	done := make(chan struct{})
	t.cmds <- func(st *state) {
		endpoint, found = st.byAddress[address]
		close(done)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return
}

// AddressOf resolves an endpoint id back to its address name, for
// callers handling an inbound payload that only carries the endpoint
// it arrived on.
func (t *Table) AddressOf(ctx context.Context, endpoint util.EndpointId) (address util.AddressName, found bool) {
	done := make(chan struct{})
	t.cmds <- func(st *state) {
		if l, ok := st.byEndpoint[endpoint]; ok {
			address, found = l.address, true
		}
		close(done)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return
}

// ConnectedNeighbors returns every address currently in state Connected.
func (t *Table) ConnectedNeighbors(ctx context.Context) (out []util.AddressName) {
	done := make(chan struct{})
	t.cmds <- func(st *state) {
		for addr, ep := range st.byAddress {
			if l := st.byEndpoint[ep]; l != nil && l.status == StatusConnected {
				out = append(out, addr)
			}
		}
		close(done)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return
}

// call enqueues fn onto the actor mailbox and blocks for its result.
func (t *Table) call(ctx context.Context, fn func(*state) error) error {
	result := make(chan error, 1)
	t.cmds <- func(st *state) { result <- fn(st) }
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
