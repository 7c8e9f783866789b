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

// Package signal declares the Signal double-ratchet capability as
// consumed by the mesh core. The protocol itself (identity keys,
// prekeys, sessions, ciphertext formats) is an external collaborator;
// this package only pins the narrow surface the core calls through.
package signal

import (
	"errors"

	"meshcore/util"
)

// ErrNoSession is returned by Encrypt when no session exists yet for
// the given address. The envelope package passes it through unchanged;
// the dispatcher reacts by staging a key exchange instead of treating
// this as a hard failure.
var ErrNoSession = errors.New("signal: no session established")

// ErrDecryptionFailed is returned by Decrypt on any cryptographic
// failure (corrupt ciphertext, ratchet desync, wrong key, etc).
var ErrDecryptionFailed = errors.New("signal: decryption failed")

// SessionCipher is the opaque Signal capability the envelope component
// drives. A production build wires this to the real Signal protocol
// library; this module never looks inside a session or a bundle.
type SessionCipher interface {
	// HasSession reports whether a ratchet session already exists for
	// the given peer.
	HasSession(addr util.AddressName) bool

	// GenerateLocalPrekeyBundle serializes the local node's current
	// prekey bundle for transmission during key exchange.
	GenerateLocalPrekeyBundle() ([]byte, error)

	// EstablishSessionFromBundle consumes a peer's serialized prekey
	// bundle and establishes (or replaces) the local ratchet session
	// for that peer.
	EstablishSessionFromBundle(addr util.AddressName, bundle []byte) error

	// Encrypt produces a ciphertext message for the given plaintext.
	// Returns ErrNoSession if no session exists yet.
	Encrypt(addr util.AddressName, plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt. Returns ErrDecryptionFailed on any
	// cryptographic error, including NoSession — the caller cannot tell
	// the two apart from the ciphertext alone.
	Decrypt(addr util.AddressName, ciphertext []byte) ([]byte, error)
}
