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

// Package mesh wires the neighbor table, envelope, route discovery
// engine, and message dispatcher into one running node: own the
// transport's event stream, hand every inbound payload to the layer
// that owns its body type, and start each component's actor loop in
// its own goroutine.
package mesh

import (
	"context"
	"errors"
	"time"

	"meshcore/config"
	"meshcore/discovery"
	"meshcore/dispatch"
	"meshcore/envelope"
	"meshcore/meshlog"
	"meshcore/neighbor"
	"meshcore/node"
	"meshcore/routetable"
	"meshcore/signal"
	"meshcore/transport"
	"meshcore/util"
	"meshcore/wire"
)

var log = meshlog.New("mesh")

// DefaultHeartbeatInterval governs how often the route table's
// maintenance sweep runs when config.MeshConfig.HeartbeatInterval is
// left at zero.
const DefaultHeartbeatInterval = 15 * time.Minute

// Node is a fully wired mesh participant: the neighbor table, the
// Signal-encrypted envelope, the route discovery engine, and the
// message dispatcher, all sharing one route table store and node
// registry. Construct with New, then start with Run.
type Node struct {
	self util.AddressName

	Store    *routetable.Store
	Registry node.Registry
	Envelope *envelope.Envelope
	Neighbor *neighbor.Table
	Routes   *discovery.Engine
	Dispatch *dispatch.Dispatcher

	trans     transport.Transport
	heartbeat time.Duration
}

// OnReceive is invoked for every chat message this node decrypts, just
// before Node sends the automatic delivery acknowledgement.
type OnReceive func(from util.AddressName, text string)

// New wires one node's full stack from its configuration, the cipher it
// should drive sessions through, and the transport carrying its wire
// traffic. cipher is almost always a fresh one per node (it holds no
// persistent state of its own; KeyExchangeState in store is what
// survives a restart).
func New(ctx context.Context, cfg *config.MeshConfig, cipher signal.SessionCipher, trans transport.Transport, onReceive OnReceive) (*Node, error) {
	self := util.AddressName(cfg.NodeName)

	store, err := routetable.Open(ctx, cfg.StorageDSN)
	if err != nil {
		return nil, err
	}

	registry := node.NewMemoryRegistry()
	env := envelope.New(self, cipher, store)
	neighbors := neighbor.New(trans)

	dedup, err := newDedupCache(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	routes := discovery.New(self, store, registry, env, neighbors, trans, dedup)

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	n := &Node{
		self:      self,
		Store:     store,
		Registry:  registry,
		Envelope:  env,
		Neighbor:  neighbors,
		Routes:    routes,
		trans:     trans,
		heartbeat: heartbeat,
	}
	var onRecv func(util.AddressName, string)
	if onReceive != nil {
		onRecv = func(from util.AddressName, text string) { onReceive(from, text) }
	}
	n.Dispatch = dispatch.New(self, store, registry, env, neighbors, trans, routes, onRecv)
	return n, nil
}

// newDedupCache selects discovery's loop-suppression backend per
// cfg.DedupBackend: "redis" for a cache shared across processes, the
// route table itself (the default) otherwise.
func newDedupCache(cfg *config.MeshConfig, store *routetable.Store) (discovery.DedupCache, error) {
	switch cfg.DedupBackend {
	case "", "store":
		return store, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("mesh: dedupBackend \"redis\" requires redisAddr")
		}
		ttl := cfg.DiscoveryTTL
		if ttl <= 0 {
			ttl = discovery.DefaultTTL
		}
		return routetable.NewRedisDedupCache(cfg.RedisAddr, cfg.RedisDB, ttl), nil
	default:
		return nil, errors.New("mesh: unknown dedupBackend " + cfg.DedupBackend)
	}
}

// Run starts every component's actor loop and the transport event
// pump, and blocks until ctx is cancelled. Call it once, typically in
// its own goroutine from main.
func (n *Node) Run(ctx context.Context) {
	go n.Neighbor.Run(ctx)
	go n.Routes.Run(ctx)
	go n.Dispatch.Run(ctx)
	go n.runHeartbeat(ctx)
	n.pumpEvents(ctx)
}

// Close releases the node's storage handle. Call after Run's ctx has
// been cancelled and Run has returned.
func (n *Node) Close() error {
	return n.Store.Close()
}

func (n *Node) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(n.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			threshold := util.AbsoluteTimeNow().Add(-discovery.RouteMaxInactivity)
			if _, err := n.Store.ReapStale(ctx, threshold); err != nil {
				log.Warnf("heartbeat reap failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// pumpEvents is the node's transport-event loop: it owns the one thing
// neither the neighbor table nor the envelope layer will do on their
// own — resolving an inbound payload's sender address and routing the
// decrypted body to whichever component owns that message type.
func (n *Node) pumpEvents(ctx context.Context) {
	evs := n.trans.Events()
	for {
		select {
		case ev := <-evs:
			if ev.Kind == transport.EventPayloadReceived {
				n.handlePayload(ctx, ev)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) handlePayload(ctx context.Context, ev *transport.Event) {
	addr, ok := n.Neighbor.AddressOf(ctx, ev.Endpoint)
	if !ok {
		log.Warnf("payload from unknown endpoint %s, dropping", ev.Endpoint)
		return
	}
	result, err := n.Envelope.Receive(ctx, addr, ev.Payload)
	if err != nil {
		log.Warnf("decrypting payload from %s: %v", addr, err)
		return
	}
	if result.Reply != nil && ev.Resp != nil {
		if err := ev.Resp.Send(result.Reply); err != nil {
			log.Warnf("sending key-exchange reply to %s: %v", addr, err)
		}
	}
	if result.SessionEstablished {
		if err := n.Dispatch.NotifySessionEstablished(ctx, addr); err != nil {
			log.Warnf("notifying dispatcher of session with %s: %v", addr, err)
		}
	}
	if result.Body == nil {
		return
	}
	n.routeBody(ctx, addr, result.Body)
}

func (n *Node) routeBody(ctx context.Context, addr util.AddressName, body *wire.NearbyMessageBody) {
	switch body.BodyType {
	case wire.MSG_ROUTE_DISCOVERY_REQ:
		req := new(wire.RouteRequestMessage)
		if err := wire.Unmarshal(body.EncryptedData, req); err != nil {
			log.Warnf("malformed route request from %s: %v", addr, err)
			return
		}
		if err := n.Routes.HandleIncomingRequest(ctx, addr, req); err != nil {
			log.Warnf("handling route request from %s: %v", addr, err)
		}
	case wire.MSG_ROUTE_DISCOVERY_RESP:
		resp := new(wire.RouteResponseMessage)
		if err := wire.Unmarshal(body.EncryptedData, resp); err != nil {
			log.Warnf("malformed route response from %s: %v", addr, err)
			return
		}
		if err := n.Routes.HandleIncomingResponse(ctx, addr, resp); err != nil {
			log.Warnf("handling route response from %s: %v", addr, err)
		}
	default:
		if err := n.Dispatch.HandleBody(ctx, addr, body); err != nil {
			log.Warnf("handling message body from %s: %v", addr, err)
		}
	}
}
