/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth implements the MD5-keyed symmetric authenticator: a MAC
// over the fixed NTP header using a shared key identified by a key id,
// matching RFC 5905's symmetric-key scheme (the only authentication
// mechanism this repo implements; no Autokey/PKI negotiation).
package auth

import (
	"crypto/md5" //nolint:gosec // fixed by the wire protocol, not a choice this code makes
	"fmt"
	"sync"

	"github.com/ntpsync/ntpd/protocol/ntp"
)

// KeyStore maps a key identifier to its shared secret. It is safe for
// concurrent reads; Set/Delete take a lock since configuration reload can
// race a receive in flight.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[uint32][]byte
}

// NewKeyStore returns an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[uint32][]byte)}
}

// Set installs or replaces the key for id.
func (k *KeyStore) Set(id uint32, secret []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = append([]byte(nil), secret...)
}

// Delete removes the key for id.
func (k *KeyStore) Delete(id uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, id)
}

// Lookup returns the secret for id, if configured.
func (k *KeyStore) Lookup(id uint32) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	return key, ok
}

// MAC computes the 16-byte message digest over the packet header using
// the given key, matching RFC 5905's MD5(key || header) construction.
func MAC(key []byte, pkt *ntp.Packet) ([16]byte, error) {
	raw, err := pkt.Bytes()
	if err != nil {
		return [16]byte{}, fmt.Errorf("marshaling packet for mac: %w", err)
	}
	buf := make([]byte, 0, len(key)+len(raw))
	buf = append(buf, key...)
	buf = append(buf, raw...)
	return md5.Sum(buf), nil //nolint:gosec
}

// Verify checks a received MAC trailer against the packet header using
// the key identified by mac.KeyID, returning the AuthCode-equivalent
// outcome via (ok, configured): ok is true only if the key was known and
// the digest matched.
func (k *KeyStore) Verify(pkt *ntp.Packet, mac ntp.MAC) (ok bool, configured bool) {
	key, found := k.Lookup(mac.KeyID)
	if !found {
		return false, false
	}
	want, err := MAC(key, pkt)
	if err != nil {
		return false, true
	}
	return want == mac.Digest, true
}

// Sign computes a MAC trailer for pkt using the key identified by keyID.
func (k *KeyStore) Sign(pkt *ntp.Packet, keyID uint32) (ntp.MAC, error) {
	key, found := k.Lookup(keyID)
	if !found {
		return ntp.MAC{}, fmt.Errorf("auth: no key configured for id %d", keyID)
	}
	digest, err := MAC(key, pkt)
	if err != nil {
		return ntp.MAC{}, err
	}
	return ntp.MAC{KeyID: keyID, Digest: digest}, nil
}
