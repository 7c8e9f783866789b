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

package discovery

import (
	"context"
	"errors"

	"meshcore/routetable"
	"meshcore/util"
	"meshcore/wire"
)

// InitiateDiscovery originates a route discovery for destination. If a
// usable open route already exists (I3/P5), it is returned immediately
// with no wire traffic. Otherwise a fresh request is broadcast to every
// connected neighbor and the call blocks until the engine resolves it,
// or ctx is cancelled.
func (e *Engine) InitiateDiscovery(ctx context.Context, destination util.AddressName) (Result, error) {
	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	e.cmds <- func(st *state) { e.startDiscovery(ctx, st, destination, resultCh, errCh) }
	select {
	case r := <-resultCh:
		return r, nil
	case err := <-errCh:
		return Result{}, err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Engine) startDiscovery(ctx context.Context, st *state, destination util.AddressName, resultCh chan Result, errCh chan error) {
	destNode, err := e.registry.FindOrCreate(destination)
	if err != nil {
		errCh <- err
		return
	}

	route, lastUsed, err := e.store.MostRecentOpenedRouteTo(ctx, destNode.LocalID)
	switch {
	case err == nil:
		if lastUsed == nil || !routeStale(*lastUsed) {
			resultCh <- Result{Found: true, Route: route, Reused: true}
			return
		}
		log.Infof("ignoring stale route to %s, last used %s", destination, lastUsed)
	case errors.Is(err, routetable.ErrNotFound):
		// no open route yet, fall through to a fresh discovery
	default:
		errCh <- err
		return
	}

	reqUUID := util.NewRequestUUID()
	entry := &routetable.RouteRequestEntry{
		RequestUUID:        reqUUID,
		DestinationLocalID: destNode.LocalID,
		RemainingHops:      DefaultHops,
	}
	if err := e.store.InsertRouteRequest(ctx, entry); err != nil {
		errCh <- err
		return
	}

	deadline := util.AbsoluteTimeNow().Add(DefaultTTL)
	req := wire.NewRouteRequestMessage(reqUUID.Bytes(), string(destination), uint16(DefaultHops), deadline.EpochMs())

	sentTo, err := e.broadcastAndRecord(ctx, reqUUID, req, "")
	if err != nil {
		_ = e.store.DeleteRouteRequest(ctx, reqUUID)
		errCh <- err
		return
	}
	if len(sentTo) == 0 {
		_ = e.store.DeleteRouteRequest(ctx, reqUUID)
		errCh <- ErrNoNeighborsAvailable
		return
	}

	st.pending[reqUUID.String()] = &pendingOrigin{result: resultCh}
	e.scheduleTimeout(reqUUID, deadline)
}

func routeStale(lastUsed util.AbsoluteTime) bool {
	return util.AbsoluteTimeNow().Val-lastUsed.Val > uint64(RouteMaxInactivity.Milliseconds())
}

// HandleIncomingRequest processes one RouteRequestMessage received
// from sender: loop suppression, destination check, TTL/hop checks,
// and — for anything else — persisting and relaying the request one
// hop further.
func (e *Engine) HandleIncomingRequest(ctx context.Context, sender util.AddressName, req *wire.RouteRequestMessage) error {
	done := make(chan error, 1)
	e.cmds <- func(st *state) { done <- e.handleIncomingRequest(ctx, st, sender, req) }
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handleIncomingRequest(ctx context.Context, st *state, sender util.AddressName, req *wire.RouteRequestMessage) error {
	reqUUID := util.RequestUUIDFromBytes(req.UUID())

	senderNode, err := e.registry.FindOrCreate(sender)
	if err != nil {
		return err
	}

	seen, err := e.dedup.Seen(ctx, reqUUID)
	if err != nil {
		return err
	}
	if seen {
		return e.reply(ctx, sender, reqUUID, wire.StatusRequestAlreadyInProgress, 0)
	}

	if string(e.self) == string(req.DestinationAddress) {
		// We are the destination and never forward this request further,
		// so our own remaining-hops budget is whatever arrived on the
		// wire: hop_count = DefaultHops - remaining_hops_at_send + 1.
		hopCount := uint16(DefaultHops - int(req.RemainingHops) + 1)
		return e.reply(ctx, sender, reqUUID, wire.StatusRouteFound, hopCount)
	}

	now := util.AbsoluteTimeNow()
	if req.MaxTTLEpochMs < now.EpochMs() {
		return e.reply(ctx, sender, reqUUID, wire.StatusTtlExpired, 0)
	}
	if req.RemainingHops == 0 {
		return e.reply(ctx, sender, reqUUID, wire.StatusMaxHopsReached, 0)
	}

	destNode, err := e.registry.FindOrCreate(util.AddressName(req.DestinationAddress))
	if err != nil {
		return err
	}

	entry := &routetable.RouteRequestEntry{
		RequestUUID:        reqUUID,
		DestinationLocalID: destNode.LocalID,
		PreviousHopLocalID: &senderNode.LocalID,
		RemainingHops:      int(req.RemainingHops) - 1,
	}
	if err := e.store.InsertRouteRequest(ctx, entry); err != nil {
		return err
	}

	relay := wire.NewRouteRequestMessage(req.UUID(), string(req.DestinationAddress), req.RemainingHops-1, req.MaxTTLEpochMs)
	sentTo, err := e.broadcastAndRecord(ctx, reqUUID, relay, sender)
	if err != nil {
		return err
	}
	if len(sentTo) == 0 {
		if err := e.reply(ctx, sender, reqUUID, wire.StatusNoRouteFound, 0); err != nil {
			log.Warnf("replying NoRouteFound for %s: %v", reqUUID, err)
		}
		return e.store.DeleteRouteRequest(ctx, reqUUID)
	}
	e.scheduleTimeout(reqUUID, util.AbsoluteTimeFromEpochMs(req.MaxTTLEpochMs))
	return nil
}
