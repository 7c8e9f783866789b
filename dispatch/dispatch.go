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

// Package dispatch is the message dispatcher (C5): it maps an
// application-level send to either direct-neighbor delivery or a
// discovered route, stages sends that need a key exchange first, and
// reconciles delivered/read acknowledgements against the outbound
// messages it tracks. Like the neighbor table and the discovery
// engine, it owns a single actor mailbox so every state transition on
// an outbound message is serialized.
//
// Outbound message records are intentionally kept in memory only:
// persistence of chat content is an external collaborator's concern,
// the core depends only on the routing tables it owns.
package dispatch

import (
	"context"
	"time"

	"meshcore/discovery"
	"meshcore/envelope"
	"meshcore/meshlog"
	"meshcore/node"
	"meshcore/routetable"
	"meshcore/util"
	"meshcore/wire"
)

var log = meshlog.New("dispatch")

// RouteMessageTTL bounds how long a routed chat frame may sit in
// transit before a relay drops it rather than forwarding it further.
const RouteMessageTTL = 5 * time.Minute

// Status is an outbound message's position in its small delivery state
// machine: PendingKeyExchange → Pending → Delivered/Read, or Failed.
type Status int

// Outbound message states.
const (
	StatusPendingKeyExchange Status = iota
	StatusPending
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPendingKeyExchange:
		return "PendingKeyExchange"
	case StatusPending:
		return "Pending"
	case StatusDelivered:
		return "Delivered"
	case StatusRead:
		return "Read"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// OutboundMessage is one application-level send this node originated.
// ID is this dispatcher's own message identifier — carried on the wire
// inside the chat frame itself so the receiver can echo it back in a
// MessageAck — not a transport-assigned payload id (this module's
// Transport capability hands off payloads synchronously and does not
// return one).
type OutboundMessage struct {
	ID          string
	Destination util.AddressName
	Text        string
	Status      Status
}

// RouteResolver is the slice of the route discovery engine the
// dispatcher needs: resolve a destination to a usable route, doing
// whatever flooding is necessary.
type RouteResolver interface {
	InitiateDiscovery(ctx context.Context, destination util.AddressName) (discovery.Result, error)
}

// Dispatcher is the message dispatcher (C5). Construct with New and
// start with Run.
type Dispatcher struct {
	self      util.AddressName
	store     *routetable.Store
	registry  node.Registry
	env       *envelope.Envelope
	neighbors discovery.NeighborLookup
	trans     discovery.PayloadSender
	routes    RouteResolver

	// onReceive, when set, is invoked for every ENCRYPTED_MESSAGE body
	// this node decrypts, just before the delivery ack is sent back.
	onReceive func(from util.AddressName, text string)

	cmds chan func(*state)
}

// state is the data only the dispatcher's actor goroutine touches.
type state struct {
	outbound map[string]*OutboundMessage
	// pendingByPeer holds ids of messages staged as PendingKeyExchange
	// for a given peer, re-driven the next time a session with that
	// peer is (re)established.
	pendingByPeer map[util.AddressName][]string
	// inbound tracks the sender of each received message still awaiting
	// a read acknowledgement, keyed by the sender's own message id.
	inbound map[string]util.AddressName
}

// New constructs a dispatcher. onReceive may be nil if the caller only
// cares about send/ack flows (e.g. in tests).
func New(self util.AddressName, store *routetable.Store, registry node.Registry, env *envelope.Envelope, neighbors discovery.NeighborLookup, trans discovery.PayloadSender, routes RouteResolver, onReceive func(from util.AddressName, text string)) *Dispatcher {
	return &Dispatcher{
		self:      self,
		store:     store,
		registry:  registry,
		env:       env,
		neighbors: neighbors,
		trans:     trans,
		routes:    routes,
		onReceive: onReceive,
		cmds:      make(chan func(*state), 32),
	}
}

// Run drains the dispatcher's command mailbox until ctx is done. Call
// it once, in its own goroutine, after New.
func (d *Dispatcher) Run(ctx context.Context) {
	st := &state{
		outbound:      make(map[string]*OutboundMessage),
		pendingByPeer: make(map[util.AddressName][]string),
		inbound:       make(map[string]util.AddressName),
	}
	for {
		select {
		case cmd := <-d.cmds:
			cmd(st)
		case <-ctx.Done():
			return
		}
	}
}

// call enqueues fn onto the actor mailbox and blocks for its result.
func (d *Dispatcher) call(ctx context.Context, fn func(*state) error) error {
	result := make(chan error, 1)
	d.cmds <- func(st *state) { result <- fn(st) }
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifySessionEstablished re-drives every message this dispatcher has
// staged as PendingKeyExchange for addr, along with anything it had
// already marked Failed for that peer. Call it whenever the envelope
// layer reports a freshly completed key exchange
// (envelope.ReceiveResult.SessionEstablished) for addr.
func (d *Dispatcher) NotifySessionEstablished(ctx context.Context, addr util.AddressName) error {
	return d.call(ctx, func(st *state) error {
		d.redriveForPeer(ctx, st, addr)
		return nil
	})
}

// MarkRead sends a read acknowledgement for a previously received
// message back to its sender. Calling it twice, or for an id this
// dispatcher never received (already read-acked, or unknown), is a
// harmless no-op.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	return d.call(ctx, func(st *state) error {
		sender, ok := st.inbound[id]
		if !ok {
			return nil
		}
		delete(st.inbound, id)
		_, err := d.frameSend(ctx, st, sender, wire.MSG_MESSAGE_READ_ACK, mustMarshalAck(id))
		return err
	})
}

// Outbound returns a snapshot of a tracked message's current state,
// for tests and local introspection (e.g. mesh/debugrpc).
func (d *Dispatcher) Outbound(ctx context.Context, id string) (OutboundMessage, bool) {
	var (
		msg OutboundMessage
		ok  bool
	)
	done := make(chan struct{})
	d.cmds <- func(st *state) {
		if m, found := st.outbound[id]; found {
			msg, ok = *m, true
		}
		close(done)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return msg, ok
}

// ListOutbound returns a snapshot of every message this dispatcher has
// ever sent, for local introspection (e.g. mesh/debugrpc).
func (d *Dispatcher) ListOutbound(ctx context.Context) []OutboundMessage {
	var out []OutboundMessage
	done := make(chan struct{})
	d.cmds <- func(st *state) {
		out = make([]OutboundMessage, 0, len(st.outbound))
		for _, m := range st.outbound {
			out = append(out, *m)
		}
		close(done)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return out
}
