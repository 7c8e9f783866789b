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

// Package discovery implements the flooding-based on-demand route
// discovery engine (C4): originating a request, relaying it on behalf
// of other nodes, and resolving responses back down the chain that
// carried them. All state lives in routetable; this package's own
// memory holds only the origin-side callbacks waiting on a still-open
// request_uuid, the same shape the neighbor table uses for its actor
// mailbox.
package discovery

import (
	"context"
	"errors"
	"time"

	"meshcore/envelope"
	"meshcore/meshlog"
	"meshcore/node"
	"meshcore/routetable"
	"meshcore/util"
	"meshcore/wire"
)

var log = meshlog.New("discovery")

// Defaults governing flood breadth, request lifetime, and route
// staleness.
const (
	DefaultHops        = 10
	DefaultTTL         = 5 * time.Minute
	RouteMaxInactivity = 12 * time.Hour

	// timeoutEpsilon is the slack added past a request's own TTL before
	// forcing termination of neighbors still reporting
	// RequestAlreadyInProgress, bounding P3 without an explicit cancel API.
	timeoutEpsilon = 2 * time.Second
)

// Errors surfaced to InitiateDiscovery callers.
var (
	ErrNoNeighborsAvailable = errors.New("discovery: no neighbors available")
	ErrNeighborUnreachable  = errors.New("discovery: neighbor has no linked endpoint")
)

// DedupCache reports whether a request_uuid has already been seen by
// this node, the loop-suppression check underlying P1. *routetable.Store
// satisfies this directly (via its embedded Seen method, reading the
// same route_request table the rest of discovery already writes);
// RedisDedupCache is the alternate backend for deployments that share
// one discovery engine across processes.
type DedupCache interface {
	Seen(ctx context.Context, id util.RequestUUID) (bool, error)
}

// NeighborLookup is the slice of the neighbor table's surface
// discovery needs: who is reachable right now, and how to reach them.
type NeighborLookup interface {
	ConnectedNeighbors(ctx context.Context) []util.AddressName
	LinkedEndpoint(ctx context.Context, addr util.AddressName) (util.EndpointId, bool)
}

// PayloadSender is the slice of the transport surface discovery needs
// to hand a framed envelope to an already-connected neighbor.
type PayloadSender interface {
	SendPayload(endpoint util.EndpointId, payload []byte) error
}

// Result is what InitiateDiscovery ultimately yields: either a usable
// route, or one of the negative RouteStatus outcomes.
type Result struct {
	Found bool
	Route *routetable.RouteEntry

	// Reused is true when Route was an already-open route returned
	// without any wire traffic (P5), as opposed to one just installed
	// by a fresh discovery's RouteFound aggregate action (which already
	// recorded its own RouteUsage). Callers driving an application send
	// use this to decide whether they still need to record a
	// RouteUsage of their own for this particular send.
	Reused bool

	Status wire.RouteStatus
}

// pendingOrigin is a discovery this node originated and is still
// waiting to resolve.
type pendingOrigin struct {
	result chan Result
}

// state is the data only the engine's actor goroutine touches.
type state struct {
	pending map[string]*pendingOrigin
}

// Engine is the route discovery engine (C4). Construct with New and
// start with Run; every public method round-trips through the actor
// mailbox so request/response handling for a given request_uuid — and
// indeed across all request_uuids, since one mailbox serializes the
// whole engine — preserves the ordering §5 requires.
type Engine struct {
	self      util.AddressName
	store     *routetable.Store
	registry  node.Registry
	env       *envelope.Envelope
	neighbors NeighborLookup
	trans     PayloadSender
	dedup     DedupCache

	cmds chan func(*state)
}

// New constructs a discovery engine. dedup may be store itself (the
// common case) or an alternate DedupCache such as RedisDedupCache.
func New(self util.AddressName, store *routetable.Store, registry node.Registry, env *envelope.Envelope, neighbors NeighborLookup, trans PayloadSender, dedup DedupCache) *Engine {
	return &Engine{
		self:      self,
		store:     store,
		registry:  registry,
		env:       env,
		neighbors: neighbors,
		trans:     trans,
		dedup:     dedup,
		cmds:      make(chan func(*state), 32),
	}
}

// Run drains the engine's command mailbox until ctx is done. Call it
// once, in its own goroutine, after New.
func (e *Engine) Run(ctx context.Context) {
	st := &state{pending: make(map[string]*pendingOrigin)}
	for {
		select {
		case cmd := <-e.cmds:
			cmd(st)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) resolvePending(st *state, id util.RequestUUID, result Result) {
	p, ok := st.pending[id.String()]
	if !ok {
		return
	}
	delete(st.pending, id.String())
	p.result <- result
}

//----------------------------------------------------------------------
// Wire send helpers
//----------------------------------------------------------------------

func (e *Engine) sendToNeighbor(ctx context.Context, addr util.AddressName, bodyType wire.MessageType, payload []byte) error {
	ep, ok := e.neighbors.LinkedEndpoint(ctx, addr)
	if !ok {
		return ErrNeighborUnreachable
	}
	body := wire.NewNearbyMessageBody(bodyType, payload)
	raw, err := e.env.Send(ctx, addr, body)
	if err != nil {
		return err
	}
	return e.trans.SendPayload(ep, raw)
}

func (e *Engine) reply(ctx context.Context, to util.AddressName, reqUUID util.RequestUUID, status wire.RouteStatus, hopCount uint16) error {
	resp := wire.NewRouteResponseMessage(reqUUID.Bytes(), status, hopCount)
	raw, err := wire.Marshal(resp)
	if err != nil {
		return err
	}
	return e.sendToNeighbor(ctx, to, wire.MSG_ROUTE_DISCOVERY_RESP, raw)
}

// broadcastAndRecord sends req to every connected neighbor except
// exclude, persisting one BroadcastStatusEntry per successful hand-off,
// and returns the local ids of the neighbors that received it.
func (e *Engine) broadcastAndRecord(ctx context.Context, reqUUID util.RequestUUID, req *wire.RouteRequestMessage, exclude util.AddressName) ([]util.LocalNodeId, error) {
	raw, err := wire.Marshal(req)
	if err != nil {
		return nil, err
	}
	var sent []util.LocalNodeId
	for _, addr := range e.neighbors.ConnectedNeighbors(ctx) {
		if addr == exclude {
			continue
		}
		if err := e.sendToNeighbor(ctx, addr, wire.MSG_ROUTE_DISCOVERY_REQ, raw); err != nil {
			log.Warnf("broadcast %s to %s failed: %v", reqUUID, addr, err)
			continue
		}
		n, err := e.registry.FindOrCreate(addr)
		if err != nil {
			log.Warnf("resolving neighbor %s during broadcast of %s: %v", addr, reqUUID, err)
			continue
		}
		if err := e.store.UpsertBroadcastStatus(ctx, reqUUID, n.LocalID, false); err != nil {
			log.Warnf("recording broadcast of %s to %s: %v", reqUUID, addr, err)
			continue
		}
		sent = append(sent, n.LocalID)
	}
	return sent, nil
}

func (e *Engine) scheduleTimeout(reqUUID util.RequestUUID, deadline util.AbsoluteTime) {
	d := time.Until(time.UnixMilli(int64(deadline.EpochMs()))) + timeoutEpsilon
	if d < 0 {
		d = timeoutEpsilon
	}
	time.AfterFunc(d, func() {
		e.cmds <- func(st *state) { e.forceTimeout(context.Background(), st, reqUUID) }
	})
}

// forceTimeout bounds how long this node waits on neighbors still
// reporting RequestAlreadyInProgress: once a request's own TTL (plus
// slack) has elapsed, it is terminated negatively regardless of
// outstanding bookkeeping, bound to the request's TTL to guarantee P3.
func (e *Engine) forceTimeout(ctx context.Context, st *state, reqUUID util.RequestUUID) {
	req, err := e.store.GetRouteRequest(ctx, reqUUID)
	if errors.Is(err, routetable.ErrNotFound) {
		return // already resolved
	}
	if err != nil {
		log.Errorf("timeout lookup for %s: %v", reqUUID, err)
		return
	}
	log.Warnf("request %s timed out waiting on in-progress neighbors; surfacing NoRouteFound", reqUUID)
	if err := e.store.DeleteRouteRequest(ctx, reqUUID); err != nil {
		log.Errorf("deleting timed-out request %s: %v", reqUUID, err)
		return
	}
	if req.PreviousHopLocalID != nil {
		prev, ok := e.registry.ByLocalID(*req.PreviousHopLocalID)
		if !ok {
			log.Warnf("previous hop %d for timed-out request %s no longer known", *req.PreviousHopLocalID, reqUUID)
			return
		}
		if err := e.reply(ctx, prev.Address, reqUUID, wire.StatusNoRouteFound, 0); err != nil {
			log.Warnf("relaying timeout for %s to previous hop: %v", reqUUID, err)
		}
		return
	}
	e.resolvePending(st, reqUUID, Result{Found: false, Status: wire.StatusNoRouteFound})
}
