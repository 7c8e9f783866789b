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
	"sync"
	"testing"
	"time"

	"meshcore/discovery"
	"meshcore/envelope"
	"meshcore/node"
	"meshcore/routetable"
	"meshcore/signal"
	"meshcore/util"
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

// noRoutes is a RouteResolver that never has one, for tests that only
// exercise direct-neighbor delivery.
type noRoutes struct{}

func (noRoutes) InitiateDiscovery(ctx context.Context, destination util.AddressName) (discovery.Result, error) {
	return discovery.Result{Found: false, Status: wire.StatusNoRouteFound}, nil
}

// fixedNeighbor is a NeighborLookup with exactly one connected peer.
type fixedNeighbor struct {
	addr util.AddressName
	ep   util.EndpointId
}

func (f fixedNeighbor) ConnectedNeighbors(ctx context.Context) []util.AddressName {
	return []util.AddressName{f.addr}
}

func (f fixedNeighbor) LinkedEndpoint(ctx context.Context, addr util.AddressName) (util.EndpointId, bool) {
	if addr == f.addr {
		return f.ep, true
	}
	return "", false
}

// testNode pairs one dispatcher with the envelope it shares with a
// single directly-linked peer, looping SendPayload straight into the
// peer's Receive/HandleBody path in-process instead of through a real
// transport.
type testNode struct {
	addr util.AddressName
	env  *envelope.Envelope
	disp *Dispatcher
	peer *testNode

	mu       sync.Mutex
	received []string
}

// SendPayload hands off asynchronously, the same way a real transport
// would: a synchronous call back into the peer could recurse into its
// own actor mailbox (e.g. a bundle reply triggering
// NotifySessionEstablished) while that mailbox's goroutine is still
// busy running the command that triggered the send in the first place.
func (n *testNode) SendPayload(ep util.EndpointId, payload []byte) error {
	go func() {
		_ = n.peer.receive(n.addr, payload)
	}()
	return nil
}

func (n *testNode) receive(from util.AddressName, raw []byte) error {
	ctx := context.Background()
	result, err := n.env.Receive(ctx, from, raw)
	if err != nil {
		return err
	}
	if result.Reply != nil {
		if err := n.peer.receive(n.addr, result.Reply); err != nil {
			return err
		}
	}
	if result.SessionEstablished {
		if err := n.disp.NotifySessionEstablished(ctx, from); err != nil {
			return err
		}
	}
	if result.Body != nil {
		return n.disp.HandleBody(ctx, from, result.Body)
	}
	return nil
}

func (n *testNode) onReceive(from util.AddressName, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, text)
}

func (n *testNode) texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.received))
	copy(out, n.received)
	return out
}

// newLinkedPair builds two dispatchers, "alice" and "bob", each
// believing the other is its one and only directly connected neighbor.
func newLinkedPair(t *testing.T) (*testNode, *testNode) {
	t.Helper()
	aliceStore, bobStore := openTestStore(t), openTestStore(t)
	aliceReg, bobReg := node.NewMemoryRegistry(), node.NewMemoryRegistry()
	aliceCipher, bobCipher := signal.NewFakeCipher("alice"), signal.NewFakeCipher("bob")
	aliceEnv := envelope.New("alice", aliceCipher, aliceStore)
	bobEnv := envelope.New("bob", bobCipher, bobStore)

	alice := &testNode{addr: "alice", env: aliceEnv}
	bob := &testNode{addr: "bob", env: bobEnv}
	alice.peer, bob.peer = bob, alice

	alice.disp = New("alice", aliceStore, aliceReg, aliceEnv,
		fixedNeighbor{addr: "bob", ep: "ep-bob"}, alice, noRoutes{}, alice.onReceive)
	bob.disp = New("bob", bobStore, bobReg, bobEnv,
		fixedNeighbor{addr: "alice", ep: "ep-alice"}, bob, noRoutes{}, bob.onReceive)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go alice.disp.Run(ctx)
	go bob.disp.Run(ctx)
	return alice, bob
}

// establishSessions exchanges a key-exchange bundle both ways before a
// test's actual scenario, so tests can isolate the PendingKeyExchange
// behavior from the direct-send behavior.
func establishSessions(t *testing.T, alice, bob *testNode) {
	t.Helper()
	ctx := context.Background()
	bundle, err := alice.env.EnsureSession(ctx, "bob")
	if err != nil || bundle == nil {
		t.Fatalf("alice ensure session: err=%v bundle=%v", err, bundle)
	}
	if err := bob.receive("alice", bundle); err != nil {
		t.Fatalf("bob receive bundle: %v", err)
	}
}

// pollUntil polls cond every 5ms until it reports true or timeout
// elapses, for assertions against the async SendPayload hand-off.
func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestDirectChatDeliversAndAcks exercises scenario 1: a direct-neighbor
// chat message is delivered, the recipient's read triggers
// MESSAGE_READ_ACK, and the sender's own record reaches Read.
func TestDirectChatDeliversAndAcks(t *testing.T) {
	alice, bob := newLinkedPair(t)
	establishSessions(t, alice, bob)
	ctx := context.Background()

	id, err := alice.disp.SendMessage(ctx, "bob", "hello bob")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	if !pollUntil(t, time.Second, func() bool { return len(bob.texts()) == 1 }) {
		t.Fatalf("bob never received the message, got %v", bob.texts())
	}
	if got := bob.texts(); got[0] != "hello bob" {
		t.Fatalf("unexpected text at bob: %q", got[0])
	}

	var msg OutboundMessage
	if !pollUntil(t, time.Second, func() bool {
		m, ok := alice.disp.Outbound(ctx, id)
		msg = m
		return ok && m.Status == StatusDelivered
	}) {
		t.Fatalf("expected Delivered after bob's automatic ack, last status=%s", msg.Status)
	}

	if err := bob.disp.MarkRead(ctx, id); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !pollUntil(t, time.Second, func() bool {
		m, ok := alice.disp.Outbound(ctx, id)
		msg = m
		return ok && m.Status == StatusRead
	}) {
		t.Fatalf("expected Read after bob marks the message read, last status=%s", msg.Status)
	}
}

// TestSessionDeferredSendRedrivesOnKeyExchange exercises scenario 6:
// sending to a peer with no established session stages the message,
// and it is re-driven to Delivered once the exchange completes.
func TestSessionDeferredSendRedrivesOnKeyExchange(t *testing.T) {
	alice, bob := newLinkedPair(t)
	ctx := context.Background()

	id, err := alice.disp.SendMessage(ctx, "bob", "hi without a session yet")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	var msg OutboundMessage
	if !pollUntil(t, time.Second, func() bool {
		m, ok := alice.disp.Outbound(ctx, id)
		msg = m
		return ok && m.Status == StatusDelivered
	}) {
		t.Fatalf("message never redrove to Delivered, last status=%s", msg.Status)
	}
	if got := bob.texts(); len(got) != 1 || got[0] != "hi without a session yet" {
		t.Fatalf("expected bob to eventually receive the message, got %v", got)
	}
}
