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

// NearbyMessage is the outermost two-variant envelope exchanged between
// directly-connected peers. ExchangeFlag selects how Payload is
// interpreted: 1 means Payload is a serialized Signal prekey bundle, 0
// means Payload is a serialized Signal CiphertextMessage that decrypts
// to a NearbyMessageBody. A byte flag is used instead of a bool field
// since the marshaller only understands fixed-width integer types.
type NearbyMessage struct {
	MsgHeader
	ExchangeFlag uint8  `order:"big"`
	Payload      []byte `size:"*"`
}

// NewKeyExchangeEnvelope wraps a serialized prekey bundle for transport.
func NewKeyExchangeEnvelope(bundle []byte) *NearbyMessage {
	return &NearbyMessage{
		MsgHeader:    MsgHeader{MsgSize: uint16(4 + 1 + len(bundle)), MsgType: NEARBY_MESSAGE},
		ExchangeFlag: 1,
		Payload:      bundle,
	}
}

// NewCiphertextEnvelope wraps a serialized Signal ciphertext message.
func NewCiphertextEnvelope(ciphertext []byte) *NearbyMessage {
	return &NearbyMessage{
		MsgHeader:    MsgHeader{MsgSize: uint16(4 + 1 + len(ciphertext)), MsgType: NEARBY_MESSAGE},
		ExchangeFlag: 0,
		Payload:      ciphertext,
	}
}

// IsExchange reports whether this envelope carries a key-exchange bundle
// rather than ciphertext.
func (m *NearbyMessage) IsExchange() bool {
	return m.ExchangeFlag != 0
}

// String returns a human-readable summary of the envelope.
func (m *NearbyMessage) String() string {
	kind := "ciphertext"
	if m.IsExchange() {
		kind = "key-exchange"
	}
	return fmt.Sprintf("NearbyMessage{%s,%dB}", kind, len(m.Payload))
}
