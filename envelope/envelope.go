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

// Package envelope hands plaintext to the Signal session cipher, frames
// ciphertext as the two-variant NearbyMessage wire envelope, and
// reverses the process on receive. It owns key-exchange debouncing but
// never the transport hand-off itself — callers receive marshaled
// bytes and decide how to send them.
package envelope

import (
	"context"
	"errors"
	"time"

	"meshcore/meshlog"
	"meshcore/routetable"
	"meshcore/signal"
	"meshcore/util"
	"meshcore/wire"
)

var log = meshlog.New("envelope")

// ErrInvalidWireFormat is returned when a received NearbyMessage fails
// to unmarshal. Callers log and drop; there is no reply.
var ErrInvalidWireFormat = errors.New("envelope: invalid wire format")

// DebounceWindow bounds how often an outbound prekey bundle is
// re-sent to a peer we have already contacted.
const DebounceWindow = 90 * 24 * time.Hour

// Envelope is the C2 component: one instance per node, shared by the
// dispatcher and the route discovery engine for all outbound/inbound
// framing.
type Envelope struct {
	self   util.AddressName
	cipher signal.SessionCipher
	store  *routetable.Store
}

// New returns an Envelope driving cipher and persisting key-exchange
// debounce state in store.
func New(self util.AddressName, cipher signal.SessionCipher, store *routetable.Store) *Envelope {
	return &Envelope{self: self, cipher: cipher, store: store}
}

// Send frames body as an encrypted NearbyMessage addressed to addr.
// Returns signal.ErrNoSession (unwrapped, checkable with errors.Is) if
// no session exists yet — the dispatcher reacts by staging the message
// and calling EnsureSession.
func (e *Envelope) Send(ctx context.Context, addr util.AddressName, body *wire.NearbyMessageBody) ([]byte, error) {
	plaintext, err := wire.Marshal(body)
	if err != nil {
		return nil, err
	}
	ciphertext, err := e.cipher.Encrypt(addr, plaintext)
	if err != nil {
		return nil, err
	}
	return wire.Marshal(wire.NewCiphertextEnvelope(ciphertext))
}

// EnsureSession is a no-op when a session already exists. Otherwise it
// debounces against KeyExchangeState.LastOurSent and, when due,
// generates and marshals a fresh prekey bundle envelope for the caller
// to hand to the transport. A nil, nil return means "nothing to send".
func (e *Envelope) EnsureSession(ctx context.Context, addr util.AddressName) ([]byte, error) {
	if e.cipher.HasSession(addr) {
		return nil, nil
	}
	state, err := e.store.GetKeyExchangeState(ctx, addr)
	if err != nil && !errors.Is(err, routetable.ErrNotFound) {
		return nil, err
	}
	if state == nil {
		state = &routetable.KeyExchangeState{Address: addr}
	}
	now := util.AbsoluteTimeNow()
	if state.LastOurSent != nil && now.Val-state.LastOurSent.Val < uint64(DebounceWindow.Milliseconds()) {
		return nil, nil
	}
	raw, err := e.sendBundle(ctx, addr, state, now)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (e *Envelope) sendBundle(ctx context.Context, addr util.AddressName, state *routetable.KeyExchangeState, now util.AbsoluteTime) ([]byte, error) {
	bundle, err := e.cipher.GenerateLocalPrekeyBundle()
	if err != nil {
		return nil, err
	}
	raw, err := wire.Marshal(wire.NewKeyExchangeEnvelope(bundle))
	if err != nil {
		return nil, err
	}
	state.LastOurSent = &now
	if err := e.store.UpsertKeyExchangeState(ctx, state); err != nil {
		return nil, err
	}
	return raw, nil
}

// ReceiveResult is what Receive yields for one inbound NearbyMessage.
type ReceiveResult struct {
	// Body is the decrypted application frame, set only when the
	// inbound message carried ciphertext rather than a key exchange.
	Body *wire.NearbyMessageBody

	// Reply, when non-nil, is a marshaled NearbyMessage the caller
	// should hand back to the transport (e.g. our own bundle, sent
	// proactively in response to the peer's first bundle).
	Reply []byte

	// SessionEstablished is true when this call just completed a key
	// exchange with the peer (a freshly-received bundle). The
	// dispatcher watches for this to re-drive any message it had
	// staged as PendingKeyExchange for that peer.
	SessionEstablished bool
}

// Receive unwraps a raw NearbyMessage received from addr. On a
// malformed envelope it returns ErrInvalidWireFormat; the caller logs
// and drops, no reply is sent. On a decryption failure it returns
// signal.ErrDecryptionFailed after triggering a fresh session
// exchange, since the receiver cannot distinguish "no session" from
// any other decrypt failure once the ciphertext has already arrived.
func (e *Envelope) Receive(ctx context.Context, addr util.AddressName, raw []byte) (*ReceiveResult, error) {
	msg := new(wire.NearbyMessage)
	if err := wire.Unmarshal(raw, msg); err != nil {
		log.Warnf("dropping malformed envelope from %s: %v", addr, err)
		return nil, ErrInvalidWireFormat
	}
	if msg.IsExchange() {
		return e.receiveExchange(ctx, addr, msg.Payload)
	}
	return e.receiveCiphertext(ctx, addr, msg.Payload)
}

func (e *Envelope) receiveExchange(ctx context.Context, addr util.AddressName, bundle []byte) (*ReceiveResult, error) {
	if err := e.cipher.EstablishSessionFromBundle(addr, bundle); err != nil {
		return nil, err
	}
	state, err := e.store.GetKeyExchangeState(ctx, addr)
	if err != nil && !errors.Is(err, routetable.ErrNotFound) {
		return nil, err
	}
	if state == nil {
		state = &routetable.KeyExchangeState{Address: addr}
	}
	now := util.AbsoluteTimeNow()
	state.LastTheirReceived = &now

	result := &ReceiveResult{SessionEstablished: true}
	if state.LastOurSent == nil {
		reply, err := e.sendBundle(ctx, addr, state, now)
		if err != nil {
			return nil, err
		}
		result.Reply = reply
		return result, nil
	}
	if err := e.store.UpsertKeyExchangeState(ctx, state); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Envelope) receiveCiphertext(ctx context.Context, addr util.AddressName, ciphertext []byte) (*ReceiveResult, error) {
	plaintext, err := e.cipher.Decrypt(addr, ciphertext)
	if err != nil {
		if _, exErr := e.EnsureSession(ctx, addr); exErr != nil {
			log.Warnf("ensure_session after decrypt failure from %s: %v", addr, exErr)
		}
		return nil, signal.ErrDecryptionFailed
	}
	body := new(wire.NearbyMessageBody)
	if err := wire.Unmarshal(plaintext, body); err != nil {
		return nil, ErrInvalidWireFormat
	}
	return &ReceiveResult{Body: body}, nil
}
