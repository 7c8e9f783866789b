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

// Package wire defines the bit-exact wire messages that cross the trust
// boundary between mesh peers: the two-variant secure envelope, the
// decrypted message body, and the route discovery request/response
// frames. Fields are fixed-layout and encoded with gospel's struct-tag
// binary marshaller, the same mechanism the rest of the corpus uses for
// its own wire messages.
package wire

import (
	"errors"

	"github.com/bfix/gospel/data"
)

// ErrHeaderTooSmall is returned when a byte slice is too short to hold
// a message header.
var ErrHeaderTooSmall = errors.New("wire: message header too small")

// MsgHeader is the common prefix of every wire message.
type MsgHeader struct {
	MsgSize uint16 `order:"big"`
	MsgType uint16 `order:"big"`
}

// Message is implemented by every wire frame.
type Message interface {
	Header() *MsgHeader
}

// Header returns the message header (satisfies Message).
func (h *MsgHeader) Header() *MsgHeader { return h }

// Marshal serializes a wire message to its binary form.
func Marshal(m Message) ([]byte, error) {
	return data.Marshal(m)
}

// Unmarshal fills a wire message from its binary form.
func Unmarshal(buf []byte, m Message) error {
	return data.Unmarshal(m, buf)
}

// PeekHeader reads just the header from a byte buffer, without decoding
// the rest of the message; used to dispatch on MsgType before choosing
// the concrete frame to unmarshal into.
func PeekHeader(buf []byte) (*MsgHeader, error) {
	if len(buf) < 4 {
		return nil, ErrHeaderTooSmall
	}
	h := new(MsgHeader)
	if err := data.Unmarshal(h, buf[:4]); err != nil {
		return nil, err
	}
	return h, nil
}

// Message type identifiers. Grouped by the frame that carries them;
// NearbyMessage and the frames carried inside it use NEARBY_MESSAGE,
// discovery frames use the ROUTE_DISCOVERY_* range. A
// NearbyMessageBody's payload kind is its MessageType (MSG_*) field.
const (
	NEARBY_MESSAGE uint16 = 3000 + iota
)

const (
	ROUTE_DISCOVERY_REQUEST uint16 = 3100 + iota
	ROUTE_DISCOVERY_RESPONSE
)
