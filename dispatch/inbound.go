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

	"meshcore/util"
	"meshcore/wire"
)

// HandleBody processes one already-decrypted NearbyMessageBody
// received from sender. The caller (the node's transport-event loop)
// owns the envelope.Receive call that produced body; HandleBody only
// ever sees frames of the dispatcher's own concern — chat text, its
// acks, and routed relay frames — never route-discovery bodies, which
// the caller routes to the discovery engine directly.
func (d *Dispatcher) HandleBody(ctx context.Context, sender util.AddressName, body *wire.NearbyMessageBody) error {
	return d.call(ctx, func(st *state) error {
		switch body.BodyType {
		case wire.MSG_ENCRYPTED_MESSAGE:
			return d.handleDirectText(ctx, st, sender, body.EncryptedData)
		case wire.MSG_ROUTED_MESSAGE:
			return d.handleRouted(ctx, st, sender, body.EncryptedData)
		case wire.MSG_MESSAGE_DELIVERED_ACK:
			return d.handleAck(st, body.EncryptedData, StatusDelivered)
		case wire.MSG_MESSAGE_READ_ACK:
			return d.handleAck(st, body.EncryptedData, StatusRead)
		default:
			log.Warnf("dispatch: ignoring body of type %s from %s", body.BodyType, sender)
			return nil
		}
	})
}

func (d *Dispatcher) handleDirectText(ctx context.Context, st *state, sender util.AddressName, payload []byte) error {
	text := new(wire.TextMessage)
	if err := wire.Unmarshal(payload, text); err != nil {
		log.Warnf("dropping malformed text frame from %s: %v", sender, err)
		return nil
	}
	st.inbound[text.ID] = sender
	if d.onReceive != nil {
		d.onReceive(sender, text.Text)
	}
	if _, err := d.frameSend(ctx, st, sender, wire.MSG_MESSAGE_DELIVERED_ACK, mustMarshalAck(text.ID)); err != nil {
		log.Warnf("acking message %s from %s: %v", text.ID, sender, err)
	}
	return nil
}

// handleRouted processes one inbound RoutedMessage: deliver locally
// when this node is the named destination, otherwise forward the
// still-opaque inner payload one hop further toward it.
func (d *Dispatcher) handleRouted(ctx context.Context, st *state, sender util.AddressName, raw []byte) error {
	routed := new(wire.RoutedMessage)
	if err := wire.Unmarshal(raw, routed); err != nil {
		log.Warnf("dropping malformed routed frame from %s: %v", sender, err)
		return nil
	}
	if util.AbsoluteTimeNow().EpochMs() > routed.MaxTTLEpochMs {
		log.Warnf("dropping expired routed frame %s->%s via %s", routed.Origin, routed.Destination, sender)
		return nil
	}
	if routed.Destination != string(d.self) {
		return d.forwardRouted(ctx, st, routed, raw)
	}

	origin := util.AddressName(routed.Origin)
	result, err := d.env.Receive(ctx, origin, routed.Payload)
	if err != nil {
		log.Warnf("decrypting routed frame from %s (via %s): %v", origin, sender, err)
		return nil
	}
	if result.Body == nil || result.Body.BodyType != wire.MSG_ENCRYPTED_MESSAGE {
		log.Warnf("routed frame from %s carried no chat text, ignoring", origin)
		return nil
	}
	text := new(wire.TextMessage)
	if err := wire.Unmarshal(result.Body.EncryptedData, text); err != nil {
		log.Warnf("dropping malformed routed text from %s: %v", origin, err)
		return nil
	}
	st.inbound[text.ID] = origin
	if d.onReceive != nil {
		d.onReceive(origin, text.Text)
	}
	if _, err := d.frameSend(ctx, st, origin, wire.MSG_MESSAGE_DELIVERED_ACK, mustMarshalAck(text.ID)); err != nil {
		log.Warnf("acking routed message %s from %s: %v", text.ID, origin, err)
	}
	return nil
}

// forwardRouted re-wraps raw (unchanged, still opaque end-to-end
// ciphertext) for the next hop of a route toward routed.Destination,
// the same discovered-route machinery an application send uses.
// Anything that cannot be resolved right now is dropped, consistent
// with routed chat delivery giving no store-and-forward guarantee.
func (d *Dispatcher) forwardRouted(ctx context.Context, st *state, routed *wire.RoutedMessage, raw []byte) error {
	destination := util.AddressName(routed.Destination)
	result, err := d.routes.InitiateDiscovery(ctx, destination)
	if err != nil || !result.Found {
		log.Warnf("no route to forward message toward %s, dropping", destination)
		return nil
	}
	route := result.Route
	if result.Reused {
		if err := d.recordReuse(ctx, route, destination); err != nil {
			log.Warnf("recording reuse while forwarding toward %s: %v", destination, err)
		}
	}
	nextHop, ok := d.registry.ByLocalID(*route.NextHopLocalID)
	if !ok {
		log.Warnf("next hop for route toward %s no longer known, dropping", destination)
		return nil
	}
	ep, ok := d.neighbors.LinkedEndpoint(ctx, nextHop.Address)
	if !ok {
		log.Warnf("next hop %s toward %s not linked, dropping", nextHop.Address, destination)
		return nil
	}
	outerBody := wire.NewNearbyMessageBody(wire.MSG_ROUTED_MESSAGE, raw)
	out, err := d.env.Send(ctx, nextHop.Address, outerBody)
	if err != nil {
		log.Warnf("re-wrapping routed frame for %s: %v", nextHop.Address, err)
		return nil
	}
	if err := d.trans.SendPayload(ep, out); err != nil {
		log.Warnf("forwarding routed frame to %s: %v", nextHop.Address, err)
	}
	return nil
}

func (d *Dispatcher) handleAck(st *state, payload []byte, newStatus Status) error {
	ack := new(wire.MessageAck)
	if err := wire.Unmarshal(payload, ack); err != nil {
		log.Warnf("dropping malformed ack frame: %v", err)
		return nil
	}
	msg, ok := st.outbound[string(ack.PayloadID)]
	if !ok {
		return nil // unknown or already-forgotten message id; nothing to reconcile
	}
	if msg.Status == StatusRead {
		return nil // read is terminal; a trailing delivered-ack is a no-op
	}
	msg.Status = newStatus
	return nil
}
