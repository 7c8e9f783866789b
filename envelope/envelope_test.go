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

package envelope

import (
	"context"
	"errors"
	"testing"

	"meshcore/routetable"
	"meshcore/signal"
	"meshcore/wire"
)

func openTestStore(t *testing.T) *routetable.Store {
	t.Helper()
	spec := "sqlite3:file:" + t.Name() + "?mode=memory&cache=shared"
	s, err := routetable.Open(context.Background(), spec)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureSessionSendsBundleWhenNoSession(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cipher := signal.NewFakeCipher("alice")
	e := New("alice", cipher, store)

	raw, err := e.EnsureSession(ctx, "bob")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if raw == nil {
		t.Fatalf("expected a bundle envelope to send")
	}
	msg := new(wire.NearbyMessage)
	if err := wire.Unmarshal(raw, msg); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if !msg.IsExchange() {
		t.Fatalf("expected an exchange envelope")
	}
}

func TestEnsureSessionNoOpWhenSessionEstablished(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cipher := signal.NewFakeCipher("alice")
	e := New("alice", cipher, store)

	if err := cipher.EstablishSessionFromBundle("bob", []byte("bob")); err != nil {
		t.Fatalf("establish session: %v", err)
	}
	raw, err := e.EnsureSession(ctx, "bob")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected no-op, got %d bytes to send", len(raw))
	}
}

func TestEnsureSessionDebouncesRepeatedCalls(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cipher := signal.NewFakeCipher("alice")
	e := New("alice", cipher, store)

	first, err := e.EnsureSession(ctx, "bob")
	if err != nil || first == nil {
		t.Fatalf("expected first call to send a bundle, err=%v raw=%v", err, first)
	}
	second, err := e.EnsureSession(ctx, "bob")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if second != nil {
		t.Fatalf("expected second call within debounce window to be a no-op")
	}
}

// TestRoundTrip exercises P7: decrypt(encrypt(wrap(p))) == p for an
// established session between two peers.
func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	aliceStore := openTestStore(t)
	bobStore := openTestStore(t)
	aliceCipher := signal.NewFakeCipher("alice")
	bobCipher := signal.NewFakeCipher("bob")
	alice := New("alice", aliceCipher, aliceStore)
	bob := New("bob", bobCipher, bobStore)

	aliceBundle, err := alice.EnsureSession(ctx, "bob")
	if err != nil || aliceBundle == nil {
		t.Fatalf("alice ensure session: err=%v raw=%v", err, aliceBundle)
	}
	bobResult, err := bob.Receive(ctx, "alice", aliceBundle)
	if err != nil {
		t.Fatalf("bob receive exchange: %v", err)
	}
	if bobResult.Reply == nil {
		t.Fatalf("expected bob to reply with its own bundle")
	}
	aliceResult, err := alice.Receive(ctx, "bob", bobResult.Reply)
	if err != nil {
		t.Fatalf("alice receive exchange reply: %v", err)
	}
	if aliceResult.Reply != nil {
		t.Fatalf("alice should not reply again once last_our_sent is set")
	}

	body := wire.NewNearbyMessageBody(wire.MSG_ENCRYPTED_MESSAGE, []byte("hi"))
	raw, err := alice.Send(ctx, "bob", body)
	if err != nil {
		t.Fatalf("alice send: %v", err)
	}
	result, err := bob.Receive(ctx, "alice", raw)
	if err != nil {
		t.Fatalf("bob receive ciphertext: %v", err)
	}
	if result.Body == nil || string(result.Body.EncryptedData) != "hi" {
		t.Fatalf("round trip mismatch: %+v", result.Body)
	}
}

func TestSendWithoutSessionReturnsNoSession(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cipher := signal.NewFakeCipher("alice")
	e := New("alice", cipher, store)

	body := wire.NewNearbyMessageBody(wire.MSG_ENCRYPTED_MESSAGE, []byte("hi"))
	if _, err := e.Send(ctx, "bob", body); !errors.Is(err, signal.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestReceiveMalformedEnvelopeIsDropped(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cipher := signal.NewFakeCipher("alice")
	e := New("alice", cipher, store)

	if _, err := e.Receive(ctx, "bob", []byte{0x00, 0x01}); !errors.Is(err, ErrInvalidWireFormat) {
		t.Fatalf("expected ErrInvalidWireFormat, got %v", err)
	}
}

func TestReceiveDecryptFailureTriggersEnsureSession(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cipher := signal.NewFakeCipher("alice")
	e := New("alice", cipher, store)

	env := wire.NewCiphertextEnvelope([]byte("garbage, no session"))
	raw, err := wire.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if _, err := e.Receive(ctx, "bob", raw); !errors.Is(err, signal.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	state, err := store.GetKeyExchangeState(ctx, "bob")
	if err != nil {
		t.Fatalf("get key exchange state: %v", err)
	}
	if state.LastOurSent == nil {
		t.Fatalf("expected ensure_session to have fired and recorded an outbound bundle")
	}
}
