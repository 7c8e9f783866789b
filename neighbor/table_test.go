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

package neighbor

import (
	"context"
	"testing"
	"time"

	"meshcore/transport"
	"meshcore/util"
)

func newTestPair(t *testing.T) (ctx context.Context, alice, bob *Table, aliceT, bobT *transport.FakeTransport) {
	t.Helper()
	hub := transport.NewFakeHub()
	aliceEP := util.EndpointId("alice-ep")
	bobEP := util.EndpointId("bob-ep")
	aliceT = transport.NewFakeTransport(hub, aliceEP)
	bobT = transport.NewFakeTransport(hub, bobEP)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := aliceT.Advertise(ctx, "alice"); err != nil {
		t.Fatalf("advertise alice: %v", err)
	}
	if err := bobT.Advertise(ctx, "bob"); err != nil {
		t.Fatalf("advertise bob: %v", err)
	}

	alice = New(aliceT)
	bob = New(bobT)
	go alice.Run(ctx)
	go bob.Run(ctx)
	return ctx, alice, bob, aliceT, bobT
}

func waitFor(t *testing.T, ch chan *Event, kind EventKind) *Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestDiscoveryTransitionsToFound(t *testing.T) {
	ctx, alice, _, aliceT, _ := newTestPair(t)

	events := make(chan *Event, 8)
	alice.Register("test", events)
	defer alice.Unregister("test")

	if err := aliceT.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	ev := waitFor(t, events, EventFound)
	if ev.Address != "bob" {
		t.Fatalf("expected address bob, got %q", ev.Address)
	}

	if _, found := alice.LinkedEndpoint(ctx, "bob"); !found {
		t.Fatalf("expected bob to be linked after discovery")
	}
}

func TestRequestAcceptReachesConnected(t *testing.T) {
	ctx, alice, bob, aliceT, _ := newTestPair(t)

	aliceEvents := make(chan *Event, 8)
	bobEvents := make(chan *Event, 8)
	alice.Register("test", aliceEvents)
	bob.Register("test", bobEvents)
	defer alice.Unregister("test")
	defer bob.Unregister("test")

	if err := aliceT.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitFor(t, aliceEvents, EventFound)

	if err := alice.RequestConnection(ctx, "bob"); err != nil {
		t.Fatalf("request connection: %v", err)
	}

	waitFor(t, bobEvents, EventInitiated)

	bobEndpoint, found := bob.LinkedEndpoint(ctx, "alice")
	if !found {
		t.Fatalf("expected bob to know about alice after initiation")
	}
	if err := bob.AcceptConnection(ctx, bobEndpoint); err != nil {
		t.Fatalf("accept connection: %v", err)
	}

	waitFor(t, bobEvents, EventConnected)
	waitFor(t, aliceEvents, EventConnected)

	neighbors := alice.ConnectedNeighbors(ctx)
	if len(neighbors) != 1 || neighbors[0] != "bob" {
		t.Fatalf("expected alice to have bob as connected neighbor, got %v", neighbors)
	}
}

func TestRequestConnectionWhenAlreadyConnectedFails(t *testing.T) {
	ctx, alice, bob, aliceT, _ := newTestPair(t)

	aliceEvents := make(chan *Event, 8)
	bobEvents := make(chan *Event, 8)
	alice.Register("test", aliceEvents)
	bob.Register("test", bobEvents)
	defer alice.Unregister("test")
	defer bob.Unregister("test")

	if err := aliceT.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitFor(t, aliceEvents, EventFound)

	if err := alice.RequestConnection(ctx, "bob"); err != nil {
		t.Fatalf("request connection: %v", err)
	}
	waitFor(t, bobEvents, EventInitiated)

	bobEndpoint, _ := bob.LinkedEndpoint(ctx, "alice")
	if err := bob.AcceptConnection(ctx, bobEndpoint); err != nil {
		t.Fatalf("accept connection: %v", err)
	}
	waitFor(t, aliceEvents, EventConnected)

	if err := alice.RequestConnection(ctx, "bob"); err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestRejectConnectionReturnsToFound(t *testing.T) {
	ctx, alice, bob, aliceT, _ := newTestPair(t)

	aliceEvents := make(chan *Event, 8)
	bobEvents := make(chan *Event, 8)
	alice.Register("test", aliceEvents)
	bob.Register("test", bobEvents)
	defer alice.Unregister("test")
	defer bob.Unregister("test")

	if err := aliceT.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitFor(t, aliceEvents, EventFound)

	if err := alice.RequestConnection(ctx, "bob"); err != nil {
		t.Fatalf("request connection: %v", err)
	}
	waitFor(t, bobEvents, EventInitiated)

	bobEndpoint, _ := bob.LinkedEndpoint(ctx, "alice")
	if err := bob.RejectConnection(ctx, bobEndpoint); err != nil {
		t.Fatalf("reject connection: %v", err)
	}

	waitFor(t, bobEvents, EventFailed)
	waitFor(t, aliceEvents, EventFailed)

	neighbors := alice.ConnectedNeighbors(ctx)
	if len(neighbors) != 0 {
		t.Fatalf("expected no connected neighbors after reject, got %v", neighbors)
	}
}

func TestDisconnectRetiresBothSides(t *testing.T) {
	ctx, alice, bob, aliceT, _ := newTestPair(t)

	aliceEvents := make(chan *Event, 8)
	bobEvents := make(chan *Event, 8)
	alice.Register("test", aliceEvents)
	bob.Register("test", bobEvents)
	defer alice.Unregister("test")
	defer bob.Unregister("test")

	if err := aliceT.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitFor(t, aliceEvents, EventFound)
	if err := alice.RequestConnection(ctx, "bob"); err != nil {
		t.Fatalf("request connection: %v", err)
	}
	waitFor(t, bobEvents, EventInitiated)
	bobEndpoint, _ := bob.LinkedEndpoint(ctx, "alice")
	if err := bob.AcceptConnection(ctx, bobEndpoint); err != nil {
		t.Fatalf("accept connection: %v", err)
	}
	waitFor(t, aliceEvents, EventConnected)

	aliceEndpoint, _ := alice.LinkedEndpoint(ctx, "bob")
	if err := alice.Disconnect(ctx, aliceEndpoint); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	waitFor(t, aliceEvents, EventDisconnected)
	waitFor(t, bobEvents, EventDisconnected)

	if _, found := alice.LinkedEndpoint(ctx, "bob"); found {
		t.Fatalf("expected alice to have forgotten bob after disconnect")
	}
	if _, found := bob.LinkedEndpoint(ctx, "alice"); found {
		t.Fatalf("expected bob to have forgotten alice after disconnect")
	}
}
