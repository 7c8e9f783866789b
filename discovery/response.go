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

// HandleIncomingResponse processes one RouteResponseMessage received
// from sender, updating the per-neighbor bookkeeping and, where the
// request resolves, installing a route or propagating the negative
// outcome toward the origin.
func (e *Engine) HandleIncomingResponse(ctx context.Context, sender util.AddressName, resp *wire.RouteResponseMessage) error {
	done := make(chan error, 1)
	e.cmds <- func(st *state) { done <- e.handleIncomingResponse(ctx, st, sender, resp) }
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handleIncomingResponse(ctx context.Context, st *state, sender util.AddressName, resp *wire.RouteResponseMessage) error {
	reqUUID := util.RequestUUIDFromBytes(resp.UUID())
	req, err := e.store.GetRouteRequest(ctx, reqUUID)
	if errors.Is(err, routetable.ErrNotFound) {
		// late or duplicate response for an already-resolved request;
		// silently ignored per the propagation policy.
		return nil
	}
	if err != nil {
		return err
	}

	senderNode, err := e.registry.FindOrCreate(sender)
	if err != nil {
		return err
	}

	switch {
	case resp.Status == wire.StatusRouteFound:
		return e.handleRouteFound(ctx, st, req, senderNode.LocalID, resp.HopCount)
	case resp.Status == wire.StatusRequestAlreadyInProgress:
		return e.store.UpsertBroadcastStatus(ctx, reqUUID, senderNode.LocalID, true)
	case resp.Status.IsTerminalNegative():
		return e.handleTerminalNegative(ctx, st, req, senderNode.LocalID, resp.Status)
	default:
		log.Warnf("ignoring unrecognized route status %v for %s", resp.Status, reqUUID)
		return nil
	}
}

// handleRouteFound installs the aggregate RouteEntry/RouteUsage rows
// atomically, then — outside the transaction — either relays RouteFound
// to the previous hop or resolves the origin's waiting caller.
//
// receivedHopCount is the replying neighbor's own hop count for this
// request, used only as a plausibility bound (P4): this node's own
// count does not derive from it. Every node computes its own
// hop_count from its own remaining-hops budget at the moment it last
// sent this request — DefaultHops - req.RemainingHops + 1 — so the
// origin always installs 1 and each relay further along the path
// (more of the budget already spent) installs one more than the node
// before it. That computed value, not receivedHopCount+1, is what gets
// relayed one hop further upstream.
func (e *Engine) handleRouteFound(ctx context.Context, st *state, req *routetable.RouteRequestEntry, neighbor util.LocalNodeId, receivedHopCount uint16) error {
	if int(receivedHopCount) < 1 || int(receivedHopCount) > DefaultHops {
		// P4: never accept an implausible hop count. Treat like a
		// negative reply from this neighbor instead of installing a route.
		log.Warnf("rejecting RouteFound for %s via neighbor %d: implausible hop count %d", req.RequestUUID, neighbor, receivedHopCount)
		return e.handleTerminalNegative(ctx, st, req, neighbor, wire.StatusNoRouteFound)
	}
	hopCount := DefaultHops - req.RemainingHops + 1

	now := util.AbsoluteTimeNow()
	usageUUID := util.NewRequestUUID()

	err := e.store.WithTx(ctx, func(tx *routetable.Tx) error {
		if err := tx.DeleteBroadcastStatus(ctx, req.RequestUUID, neighbor); err != nil {
			return err
		}
		entry := &routetable.RouteEntry{
			DiscoveryUUID:      req.RequestUUID,
			DestinationLocalID: req.DestinationLocalID,
			NextHopLocalID:     &neighbor,
			PreviousHopLocalID: req.PreviousHopLocalID,
			HopCount:           hopCount,
			LastUseTimestamp:   &now,
		}
		if _, err := tx.InsertRouteEntry(ctx, entry); err != nil {
			return err
		}
		usage := &routetable.RouteUsage{
			UsageRequestUUID:        usageUUID,
			RouteEntryDiscoveryUUID: req.RequestUUID,
			PreviousHopLocalID:      req.PreviousHopLocalID,
			LastUsedTimestamp:       &now,
		}
		if err := tx.InsertRouteUsage(ctx, usage); err != nil {
			return err
		}
		return tx.DeleteRouteRequest(ctx, req.RequestUUID)
	})
	if err != nil {
		return err
	}

	route := &routetable.RouteEntry{
		DiscoveryUUID:      req.RequestUUID,
		DestinationLocalID: req.DestinationLocalID,
		NextHopLocalID:     &neighbor,
		PreviousHopLocalID: req.PreviousHopLocalID,
		HopCount:           hopCount,
		LastUseTimestamp:   &now,
	}

	if req.PreviousHopLocalID != nil {
		prev, ok := e.registry.ByLocalID(*req.PreviousHopLocalID)
		if !ok {
			log.Warnf("previous hop %d for resolved request %s no longer known", *req.PreviousHopLocalID, req.RequestUUID)
			return nil
		}
		return e.reply(ctx, prev.Address, req.RequestUUID, wire.StatusRouteFound, uint16(hopCount))
	}
	e.resolvePending(st, req.RequestUUID, Result{Found: true, Route: route})
	return nil
}

// handleTerminalNegative implements the NoRouteFound/TtlExpired/
// MaxHopsReached branch of the response table: delete this neighbor's
// bookkeeping row, and only finalize the request once no neighbor is
// left owing a reply and none is still RequestAlreadyInProgress.
func (e *Engine) handleTerminalNegative(ctx context.Context, st *state, req *routetable.RouteRequestEntry, neighbor util.LocalNodeId, status wire.RouteStatus) error {
	if err := e.store.DeleteBroadcastStatus(ctx, req.RequestUUID, neighbor); err != nil {
		return err
	}

	remaining, err := e.store.CountBroadcastStatus(ctx, req.RequestUUID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	pending, err := e.store.HasPendingInProgress(ctx, req.RequestUUID)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}

	if err := e.store.DeleteRouteRequest(ctx, req.RequestUUID); err != nil {
		return err
	}
	if req.PreviousHopLocalID != nil {
		prev, ok := e.registry.ByLocalID(*req.PreviousHopLocalID)
		if !ok {
			log.Warnf("previous hop %d for exhausted request %s no longer known", *req.PreviousHopLocalID, req.RequestUUID)
			return nil
		}
		return e.reply(ctx, prev.Address, req.RequestUUID, status, 0)
	}
	e.resolvePending(st, req.RequestUUID, Result{Found: false, Status: status})
	return nil
}
