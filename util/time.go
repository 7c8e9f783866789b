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
	"math"
	"time"
)

//----------------------------------------------------------------------
// Absolute time
//----------------------------------------------------------------------

// AbsoluteTime refers to a unique point in time, stored as milliseconds
// since the Unix epoch. Route discovery TTLs are carried on the wire,
// and key-exchange debounce timestamps stored in the route tables, as
// this millisecond representation.
type AbsoluteTime struct {
	Val uint64 `order:"big"`
}

// NewAbsoluteTime set the point in time to the given time value
func NewAbsoluteTime(t time.Time) AbsoluteTime {
	return AbsoluteTime{Val: uint64(t.UnixMilli())}
}

// AbsoluteTimeNow returns the current point in time.
func AbsoluteTimeNow() AbsoluteTime {
	return NewAbsoluteTime(time.Now())
}

// AbsoluteTimeNever returns the time defined as "never"
func AbsoluteTimeNever() AbsoluteTime {
	return AbsoluteTime{math.MaxUint64}
}

// String returns a human-readable notation of an absolute time.
func (t AbsoluteTime) String() string {
	if t.Val == math.MaxUint64 {
		return "Never"
	}
	return time.UnixMilli(int64(t.Val)).Format(time.RFC3339Nano)
}

// Add a duration to an absolute time yielding a new absolute time.
func (t AbsoluteTime) Add(d time.Duration) AbsoluteTime {
	if t.Val == math.MaxUint64 {
		return t
	}
	return AbsoluteTime{
		Val: t.Val + uint64(d.Milliseconds()),
	}
}

// Before reports whether t occurs strictly before other.
func (t AbsoluteTime) Before(other AbsoluteTime) bool {
	return t.Val < other.Val
}

// Expired returns true if the timestamp is in the past.
func (t AbsoluteTime) Expired() bool {
	// check for "never"
	if t.Val == math.MaxUint64 {
		return false
	}
	return t.Val < uint64(time.Now().UnixMilli())
}

// EpochMs returns the raw millisecond-epoch value, as carried in
// fixed-layout wire frames (e.g. a route request's TTL deadline).
func (t AbsoluteTime) EpochMs() uint64 {
	return t.Val
}

// AbsoluteTimeFromEpochMs reconstructs an AbsoluteTime from a raw
// millisecond-epoch value read off the wire.
func AbsoluteTimeFromEpochMs(ms uint64) AbsoluteTime {
	return AbsoluteTime{Val: ms}
}

//----------------------------------------------------------------------
// Relative time
//----------------------------------------------------------------------

// Relative time is a timestamp defined relative to the current time.
// It actually is more like a duration than a time...
type RelativeTime struct {
	Val uint64 `order:"big"`
}

// NewRelativeTime is initialized with a given duration.
func NewRelativeTime(d time.Duration) RelativeTime {
	return RelativeTime{
		Val: uint64(d.Milliseconds()),
	}
}

// String returns a human-readble representation of a relative time (duration).
func (t RelativeTime) String() string {
	if t.Val == math.MaxUint64 {
		return "Forever"
	}
	return (time.Duration(t.Val) * time.Millisecond).String()
}
