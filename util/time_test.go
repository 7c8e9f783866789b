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

package util

import (
	"testing"
	"time"
)

func TestAbsoluteTimeBefore(t *testing.T) {
	t1 := AbsoluteTimeNow()
	t2 := t1.Add(time.Hour)
	t3 := t1.Add(24 * time.Hour)
	tNever := AbsoluteTimeNever()

	if !t1.Before(t2) {
		t.Fatal("(1)")
	}
	if !t1.Before(t3) {
		t.Fatal("(2)")
	}
	if !t2.Before(t3) {
		t.Fatal("(3)")
	}
	if !t1.Before(tNever) {
		t.Fatal("(4)")
	}
	if tNever.Before(t1) {
		t.Fatal("(5)")
	}
}

func TestAbsoluteTimeExpired(t *testing.T) {
	past := AbsoluteTimeNow().Add(-time.Hour)
	if !past.Expired() {
		t.Fatal("expected past timestamp to be expired")
	}
	future := AbsoluteTimeNow().Add(time.Hour)
	if future.Expired() {
		t.Fatal("expected future timestamp not to be expired")
	}
	if AbsoluteTimeNever().Expired() {
		t.Fatal("expected Never to never be expired")
	}
}

func TestAbsoluteTimeString(t *testing.T) {
	if AbsoluteTimeNever().String() != "Never" {
		t.Fatal("expected Never to render as \"Never\"")
	}
	now := AbsoluteTimeNow()
	if _, err := time.Parse(time.RFC3339Nano, now.String()); err != nil {
		t.Fatalf("expected RFC3339Nano rendering, got %q: %v", now.String(), err)
	}
}

func TestAbsoluteTimeEpochMsRoundTrip(t *testing.T) {
	t1 := AbsoluteTimeNow()
	t2 := AbsoluteTimeFromEpochMs(t1.EpochMs())
	if t1 != t2 {
		t.Fatalf("expected round-trip through EpochMs to preserve the value, got %v != %v", t1, t2)
	}
}
