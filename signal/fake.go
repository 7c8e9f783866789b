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

package signal

import (
	"fmt"
	"sync"

	"meshcore/util"
)

// FakeCipher is an in-memory SessionCipher double for tests. It does not
// encrypt anything: a "ciphertext" is just the plaintext prefixed with
// the sender's bundle tag, and a "bundle" is the address name itself.
// Sessions are tracked per peer address so HasSession/Encrypt/Decrypt
// behave like a real ratchet without any actual cryptography.
type FakeCipher struct {
	self util.AddressName

	mu       sync.Mutex
	sessions map[util.AddressName]bool
}

// NewFakeCipher returns a FakeCipher for the given local address.
func NewFakeCipher(self util.AddressName) *FakeCipher {
	return &FakeCipher{self: self, sessions: make(map[util.AddressName]bool)}
}

func (f *FakeCipher) HasSession(addr util.AddressName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[addr]
}

func (f *FakeCipher) GenerateLocalPrekeyBundle() ([]byte, error) {
	return []byte(f.self), nil
}

func (f *FakeCipher) EstablishSessionFromBundle(addr util.AddressName, bundle []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[addr] = true
	return nil
}

func (f *FakeCipher) Encrypt(addr util.AddressName, plaintext []byte) ([]byte, error) {
	f.mu.Lock()
	ok := f.sessions[addr]
	f.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	return []byte(fmt.Sprintf("%s:%s", f.self, plaintext)), nil
}

func (f *FakeCipher) Decrypt(addr util.AddressName, ciphertext []byte) ([]byte, error) {
	f.mu.Lock()
	ok := f.sessions[addr]
	f.mu.Unlock()
	if !ok {
		return nil, ErrDecryptionFailed
	}
	prefix := string(addr) + ":"
	if len(ciphertext) < len(prefix) || string(ciphertext[:len(prefix)]) != prefix {
		return nil, ErrDecryptionFailed
	}
	return ciphertext[len(prefix):], nil
}
