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

package wire

import "fmt"

// MessageType enumerates the payload kinds carried inside a decrypted
// NearbyMessageBody.
type MessageType uint16

// Message type values.
const (
	MSG_UNKNOWN MessageType = iota
	MSG_ENCRYPTED_MESSAGE
	MSG_MESSAGE_DELIVERED_ACK
	MSG_MESSAGE_READ_ACK
	MSG_PERSONAL_INFO
	MSG_CONTACT_UPDATE_INFO
	MSG_TYPING_INDICATOR
	MSG_ROUTE_DISCOVERY_REQ
	MSG_ROUTE_DISCOVERY_RESP
	MSG_ROUTED_MESSAGE
)

// String renders the message type for logging.
func (t MessageType) String() string {
	switch t {
	case MSG_ENCRYPTED_MESSAGE:
		return "ENCRYPTED_MESSAGE"
	case MSG_MESSAGE_DELIVERED_ACK:
		return "MESSAGE_DELIVERED_ACK"
	case MSG_MESSAGE_READ_ACK:
		return "MESSAGE_READ_ACK"
	case MSG_PERSONAL_INFO:
		return "PERSONAL_INFO"
	case MSG_CONTACT_UPDATE_INFO:
		return "CONTACT_UPDATE_INFO"
	case MSG_TYPING_INDICATOR:
		return "TYPING_INDICATOR"
	case MSG_ROUTE_DISCOVERY_REQ:
		return "ROUTE_DISCOVERY_REQ"
	case MSG_ROUTE_DISCOVERY_RESP:
		return "ROUTE_DISCOVERY_RESP"
	case MSG_ROUTED_MESSAGE:
		return "ROUTED_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// NearbyMessageBody is the plaintext yielded by decrypting a
// NearbyMessage's ciphertext payload.
type NearbyMessageBody struct {
	MsgHeader
	BodyType      MessageType `order:"big"`
	EncryptedData []byte      `size:"*"`
}

// NewNearbyMessageBody builds a body frame of the given type.
func NewNearbyMessageBody(t MessageType, data []byte) *NearbyMessageBody {
	return &NearbyMessageBody{
		MsgHeader:     MsgHeader{MsgSize: uint16(4 + 2 + len(data)), MsgType: NEARBY_MESSAGE},
		BodyType:      t,
		EncryptedData: data,
	}
}

// String returns a human-readable summary.
func (b *NearbyMessageBody) String() string {
	return fmt.Sprintf("NearbyMessageBody{%s,%dB}", b.BodyType, len(b.EncryptedData))
}

// MessageAck carries a delivered/read acknowledgement for a previously
// sent application message, addressed by the sender's own message id
// (the ID field of the TextMessage being acknowledged).
type MessageAck struct {
	MsgHeader
	PayloadIDLen uint16 `order:"big"`
	PayloadID    []byte `size:"PayloadIDLen"`
}

// NewMessageAck builds an ack frame for the given message id.
func NewMessageAck(payloadID string) *MessageAck {
	b := []byte(payloadID)
	return &MessageAck{
		MsgHeader:    MsgHeader{MsgSize: uint16(4 + 2 + len(b)), MsgType: NEARBY_MESSAGE},
		PayloadIDLen: uint16(len(b)),
		PayloadID:    b,
	}
}

// PersonalInfo carries the sender's profile presented during initial
// contact (display name only — avatar/QR export are out of scope).
type PersonalInfo struct {
	MsgHeader
	DisplayName string
}

// NewPersonalInfo builds a profile-info frame.
func NewPersonalInfo(displayName string) *PersonalInfo {
	return &PersonalInfo{
		MsgHeader:   MsgHeader{MsgSize: uint16(4 + len(displayName) + 1), MsgType: NEARBY_MESSAGE},
		DisplayName: displayName,
	}
}

// TextMessage carries plain chat text (pre-encryption payload, or the
// result of decrypting an ENCRYPTED_MESSAGE body). ID is the sender's
// own message identifier, carried so the receiver can echo it back in
// a MessageAck.
type TextMessage struct {
	MsgHeader
	ID   string
	Text string
}

// NewTextMessage builds a text-message frame.
func NewTextMessage(id, text string) *TextMessage {
	return &TextMessage{
		MsgHeader: MsgHeader{MsgSize: uint16(4 + len(id) + 1 + len(text) + 1), MsgType: NEARBY_MESSAGE},
		ID:        id,
		Text:      text,
	}
}

// RoutedMessage carries an end-to-end encrypted chat frame across a
// discovered multi-hop route. Origin and Destination name the two
// parties of the inner Signal session; Payload is that session's
// ciphertext, opaque to every relay in between. A relay forwards
// Payload byte-for-byte, re-wrapping only the outer per-hop envelope,
// and drops the frame once MaxTTLEpochMs has passed rather than
// holding it for later delivery.
type RoutedMessage struct {
	MsgHeader
	Origin        string
	Destination   string
	MaxTTLEpochMs uint64 `order:"big"`
	PayloadLen    uint16 `order:"big"`
	Payload       []byte `size:"PayloadLen"`
}

// NewRoutedMessage builds a routed-delivery frame.
func NewRoutedMessage(origin, destination string, maxTTLEpochMs uint64, payload []byte) *RoutedMessage {
	return &RoutedMessage{
		MsgHeader:     MsgHeader{MsgSize: uint16(4 + len(origin) + 1 + len(destination) + 1 + 8 + 2 + len(payload)), MsgType: NEARBY_MESSAGE},
		Origin:        origin,
		Destination:   destination,
		MaxTTLEpochMs: maxTTLEpochMs,
		PayloadLen:    uint16(len(payload)),
		Payload:       payload,
	}
}

// String returns a human-readable summary.
func (r *RoutedMessage) String() string {
	return fmt.Sprintf("RoutedMessage{%s->%s,%dB}", r.Origin, r.Destination, len(r.Payload))
}
