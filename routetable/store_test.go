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

package routetable

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshcore/util"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	spec := "sqlite3:file:" + t.Name() + "?mode=memory&cache=shared"
	s, err := Open(context.Background(), spec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRouteRequestLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := util.NewRequestUUID()

	e := &RouteRequestEntry{RequestUUID: id, DestinationLocalID: 42}
	if err := s.InsertRouteRequest(ctx, e); err != nil {
		t.Fatalf("InsertRouteRequest: %v", err)
	}
	got, err := s.GetRouteRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetRouteRequest: %v", err)
	}
	if got.DestinationLocalID != 42 || !got.IsOrigin() {
		t.Fatalf("unexpected row: %+v", got)
	}
	if err := s.DeleteRouteRequest(ctx, id); err != nil {
		t.Fatalf("DeleteRouteRequest: %v", err)
	}
	if _, err := s.GetRouteRequest(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBroadcastStatusBookkeeping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := util.NewRequestUUID()

	if err := s.InsertRouteRequest(ctx, &RouteRequestEntry{RequestUUID: id, DestinationLocalID: 1}); err != nil {
		t.Fatal(err)
	}
	for _, n := range []util.LocalNodeId{2, 3, 4} {
		if err := s.UpsertBroadcastStatus(ctx, id, n, false); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := s.CountBroadcastStatus(ctx, id); err != nil || n != 3 {
		t.Fatalf("CountBroadcastStatus = %d, %v; want 3, nil", n, err)
	}
	if err := s.UpsertBroadcastStatus(ctx, id, 2, true); err != nil {
		t.Fatal(err)
	}
	if pending, err := s.HasPendingInProgress(ctx, id); err != nil || !pending {
		t.Fatalf("HasPendingInProgress = %v, %v; want true, nil", pending, err)
	}
	if err := s.DeleteBroadcastStatus(ctx, id, 3); err != nil {
		t.Fatal(err)
	}
	if n, err := s.CountBroadcastStatus(ctx, id); err != nil || n != 2 {
		t.Fatalf("CountBroadcastStatus after delete = %d, %v; want 2, nil", n, err)
	}
}

func TestRouteEntryCascadeDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	discoveryID := util.NewRequestUUID()
	nextHop := util.LocalNodeId(7)

	if _, err := s.InsertRouteEntry(ctx, &RouteEntry{
		DiscoveryUUID: discoveryID, DestinationLocalID: 9, NextHopLocalID: &nextHop, HopCount: 2,
	}); err != nil {
		t.Fatal(err)
	}
	usageID := util.NewRequestUUID()
	if err := s.InsertRouteUsage(ctx, &RouteUsage{
		UsageRequestUUID: usageID, RouteEntryDiscoveryUUID: discoveryID,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertBacktracking(ctx, &RouteUsageBacktracking{UsageUUID: usageID, DestinationLocalID: 99}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRouteEntry(ctx, discoveryID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRouteEntry(ctx, discoveryID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("route entry should be gone, got %v", err)
	}
	var n int
	row := s.x.QueryRowContext(ctx, `SELECT COUNT(*) FROM route_usage WHERE route_entry_discovery_uuid = ?`, discoveryID.String())
	if err := row.Scan(&n); err != nil || n != 0 {
		t.Fatalf("route_usage not cascaded: n=%d err=%v", n, err)
	}
	row = s.x.QueryRowContext(ctx, `SELECT COUNT(*) FROM route_usage_backtracking WHERE usage_uuid = ?`, usageID.String())
	if err := row.Scan(&n); err != nil || n != 0 {
		t.Fatalf("backtracking not cascaded: n=%d err=%v", n, err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := util.NewRequestUUID()

	wantErr := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertRouteRequest(ctx, &RouteRequestEntry{RequestUUID: id, DestinationLocalID: 1}); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithTx error = %v, want %v", err, wantErr)
	}
	if _, err := s.GetRouteRequest(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rollback to leave no row, got %v", err)
	}
}

func TestSeenDedupCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := util.NewRequestUUID()

	seen, err := s.Seen(ctx, id)
	if err != nil || seen {
		t.Fatalf("Seen before insert = %v, %v; want false, nil", seen, err)
	}
	if err := s.InsertRouteRequest(ctx, &RouteRequestEntry{RequestUUID: id, DestinationLocalID: 1}); err != nil {
		t.Fatal(err)
	}
	seen, err = s.Seen(ctx, id)
	if err != nil || !seen {
		t.Fatalf("Seen after insert = %v, %v; want true, nil", seen, err)
	}
}

func TestReapStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	discoveryID := util.NewRequestUUID()
	nextHop := util.LocalNodeId(3)

	old := util.AbsoluteTimeFromEpochMs(1000)
	if _, err := s.InsertRouteEntry(ctx, &RouteEntry{
		DiscoveryUUID: discoveryID, DestinationLocalID: 5, NextHopLocalID: &nextHop,
		HopCount: 1, LastUseTimestamp: &old,
	}); err != nil {
		t.Fatal(err)
	}
	threshold := util.AbsoluteTimeFromEpochMs(uint64(time.Now().UnixMilli()))
	n, err := s.ReapStale(ctx, threshold)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("ReapStale reaped %d routes, want 1", n)
	}
	if _, err := s.GetRouteEntry(ctx, discoveryID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected route to be reaped, got %v", err)
	}
}
