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

package dispatch

import (
	"context"
	"errors"

	"meshcore/routetable"
	"meshcore/signal"
	"meshcore/util"
	"meshcore/wire"
)

// ErrNoRouteAvailable is returned (internally logged, not propagated to
// SendMessage's caller) when neither a direct neighbor link nor a
// discovered route exists for a destination.
var ErrNoRouteAvailable = errors.New("dispatch: no route available")

// SendMessage stages and attempts delivery of one chat message. A
// session that still needs establishing with the peer or next hop
// leaves the message staged as PendingKeyExchange, to be re-driven
// later. For a destination that is not a direct neighbor the call
// waits for route discovery to finish; if no route is found the
// message is marked Failed. The returned id identifies the message for
// Outbound lookups and ack correlation.
func (d *Dispatcher) SendMessage(ctx context.Context, destination util.AddressName, text string) (string, error) {
	id := util.NewRequestUUID().String()
	err := d.call(ctx, func(st *state) error {
		msg := &OutboundMessage{ID: id, Destination: destination, Text: text, Status: StatusPending}
		st.outbound[id] = msg
		return d.attemptSend(ctx, st, msg)
	})
	return id, err
}

// attemptSend hands the chat frame to frameSend and reconciles the
// outcome against the message's own status.
func (d *Dispatcher) attemptSend(ctx context.Context, st *state, msg *OutboundMessage) error {
	staged, err := d.frameSend(ctx, st, msg.Destination, wire.MSG_ENCRYPTED_MESSAGE, mustMarshalText(msg.ID, msg.Text))
	switch {
	case errors.Is(err, ErrNoRouteAvailable):
		log.Warnf("no route to %s for message %s, marking failed", msg.Destination, msg.ID)
		msg.Status = StatusFailed
		return nil
	case err != nil:
		return err
	case staged != "":
		d.stagePendingKeyExchange(ctx, st, staged, msg)
		return nil
	default:
		msg.Status = StatusPending
		return nil
	}
}

// frameSend delivers one application frame (chat text or an ack) to
// destination. A directly connected neighbor gets it straight; anyone
// else gets it end-to-end encrypted for destination and wrapped in a
// RoutedMessage forwarded hop by hop along a discovered route. The
// returned address is non-empty exactly when delivery stalled on a
// missing Signal session with that peer — direct peer or next hop —
// and the caller should stage for redrive once one exists.
func (d *Dispatcher) frameSend(ctx context.Context, st *state, destination util.AddressName, bodyType wire.MessageType, payload []byte) (util.AddressName, error) {
	if ep, ok := d.neighbors.LinkedEndpoint(ctx, destination); ok {
		body := wire.NewNearbyMessageBody(bodyType, payload)
		raw, err := d.env.Send(ctx, destination, body)
		if err != nil {
			if errors.Is(err, signal.ErrNoSession) {
				return destination, nil
			}
			return "", err
		}
		return "", d.trans.SendPayload(ep, raw)
	}

	result, err := d.routes.InitiateDiscovery(ctx, destination)
	if err != nil || !result.Found {
		return "", ErrNoRouteAvailable
	}
	route := result.Route
	if result.Reused {
		if err := d.recordReuse(ctx, route, destination); err != nil {
			return "", err
		}
	}
	nextHop, ok := d.registry.ByLocalID(*route.NextHopLocalID)
	if !ok {
		return "", ErrNoRouteAvailable
	}
	ep, ok := d.neighbors.LinkedEndpoint(ctx, nextHop.Address)
	if !ok {
		return "", ErrNoRouteAvailable
	}

	// The inner frame is end-to-end encrypted for the real destination;
	// a session with a node we have never been a neighbor of cannot be
	// bootstrapped over a route (key-exchange bundles only ever travel
	// directly between neighbors), so that case fails the whole send.
	innerBody := wire.NewNearbyMessageBody(bodyType, payload)
	innerRaw, err := d.env.Send(ctx, destination, innerBody)
	if err != nil {
		if errors.Is(err, signal.ErrNoSession) {
			log.Warnf("no end-to-end session with non-neighbor %s, cannot route frame", destination)
			return "", ErrNoRouteAvailable
		}
		return "", err
	}

	deadline := util.AbsoluteTimeNow().Add(RouteMessageTTL)
	routed := wire.NewRoutedMessage(string(d.self), string(destination), deadline.EpochMs(), innerRaw)
	routedRaw, err := wire.Marshal(routed)
	if err != nil {
		return "", err
	}
	outerBody := wire.NewNearbyMessageBody(wire.MSG_ROUTED_MESSAGE, routedRaw)
	raw, err := d.env.Send(ctx, nextHop.Address, outerBody)
	if err != nil {
		if errors.Is(err, signal.ErrNoSession) {
			return nextHop.Address, nil
		}
		return "", err
	}
	return "", d.trans.SendPayload(ep, raw)
}

// recordReuse accounts for an application send that piggybacked on an
// already-open route (P5): the engine's own RouteFound aggregate
// action only records the usage for the send that triggered the
// original discovery, so every later reuse records its own.
func (d *Dispatcher) recordReuse(ctx context.Context, route *routetable.RouteEntry, destination util.AddressName) error {
	now := util.AbsoluteTimeNow()
	usageUUID := util.NewRequestUUID()
	usage := &routetable.RouteUsage{
		UsageRequestUUID:        usageUUID,
		RouteEntryDiscoveryUUID: route.DiscoveryUUID,
		PreviousHopLocalID:      route.PreviousHopLocalID,
		LastUsedTimestamp:       &now,
	}
	if err := d.store.InsertRouteUsage(ctx, usage); err != nil {
		return err
	}
	destNode, err := d.registry.FindOrCreate(destination)
	if err != nil {
		return err
	}
	if destNode.LocalID != route.DestinationLocalID {
		if err := d.store.InsertBacktracking(ctx, &routetable.RouteUsageBacktracking{
			UsageUUID:          usageUUID,
			DestinationLocalID: destNode.LocalID,
		}); err != nil {
			return err
		}
	}
	return d.store.TouchRouteEntry(ctx, route.DiscoveryUUID, now)
}

// stagePendingKeyExchange parks msg for later resend and kicks off (or
// debounces) a key exchange with target.
func (d *Dispatcher) stagePendingKeyExchange(ctx context.Context, st *state, target util.AddressName, msg *OutboundMessage) {
	msg.Status = StatusPendingKeyExchange
	st.pendingByPeer[target] = append(st.pendingByPeer[target], msg.ID)
	bundle, err := d.env.EnsureSession(ctx, target)
	if err != nil {
		log.Warnf("ensure_session for %s failed while staging message %s: %v", target, msg.ID, err)
		return
	}
	if bundle == nil {
		return
	}
	ep, ok := d.neighbors.LinkedEndpoint(ctx, target)
	if !ok {
		log.Warnf("no endpoint for %s to send key-exchange bundle", target)
		return
	}
	if err := d.trans.SendPayload(ep, bundle); err != nil {
		log.Warnf("sending key-exchange bundle to %s: %v", target, err)
	}
}

// redriveForPeer retries every message staged as PendingKeyExchange or
// Failed for addr, called once a session is (re)established with it.
func (d *Dispatcher) redriveForPeer(ctx context.Context, st *state, addr util.AddressName) {
	ids := st.pendingByPeer[addr]
	delete(st.pendingByPeer, addr)
	for _, id := range ids {
		msg, ok := st.outbound[id]
		if !ok || msg.Status == StatusDelivered || msg.Status == StatusRead {
			continue
		}
		if err := d.attemptSend(ctx, st, msg); err != nil {
			log.Warnf("redrive of message %s to %s failed: %v", id, addr, err)
		}
	}
	for _, msg := range st.outbound {
		if msg.Destination == addr && msg.Status == StatusFailed {
			if err := d.attemptSend(ctx, st, msg); err != nil {
				log.Warnf("redrive of failed message %s to %s failed: %v", msg.ID, addr, err)
			}
		}
	}
}

func mustMarshalText(id, text string) []byte {
	raw, err := wire.Marshal(wire.NewTextMessage(id, text))
	if err != nil {
		// Fixed-layout struct marshalling of a local string pair cannot
		// fail; a panic here would mean a programmer error in the frame
		// definition itself.
		panic(err)
	}
	return raw
}

func mustMarshalAck(payloadID string) []byte {
	raw, err := wire.Marshal(wire.NewMessageAck(payloadID))
	if err != nil {
		panic(err)
	}
	return raw
}
