// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package omemo

import (
	"bytes"
	"fmt"
	"sort"
)

const (
	// NoSignedPreKeyID is reported by SignedPreKeyID when the bundle carried
	// no signed pre-key.
	NoSignedPreKeyID = -1

	// MaxKeyID is the largest signed or one-time pre-key id.
	MaxKeyID = 1<<31 - 1
)

// KeyBundle is the public key material a device publishes. It is immutable:
// accessors return copies and nothing refers back to the parsed document.
type KeyBundle struct {
	signedPreKeyID        int
	signedPreKey          []byte
	signedPreKeySignature []byte
	identityKey           []byte
	preKeys               map[int][]byte
}

// NewKeyBundle builds a bundle from caller-supplied material. All slices and
// the map are copied. Pass NoSignedPreKeyID and a nil signedPreKey when there
// is no signed pre-key. Ids outside 0..MaxKeyID fail with InvalidAttribute.
func NewKeyBundle(signedPreKeyID int, signedPreKey, signature, identityKey []byte, preKeys map[int][]byte) (*KeyBundle, error) {
	if signedPreKeyID != NoSignedPreKeyID && !validKeyID(signedPreKeyID) {
		return nil, badAttribute(tagSignedPreKeyPublic, attrSignedPreKeyID,
			fmt.Errorf("key id %d out of range", signedPreKeyID))
	}
	for id := range preKeys {
		if !validKeyID(id) {
			return nil, badAttribute(tagPreKeyPublic, attrPreKeyID,
				fmt.Errorf("key id %d out of range", id))
		}
	}

	b := &KeyBundle{
		signedPreKeyID:        signedPreKeyID,
		signedPreKey:          clone(signedPreKey),
		signedPreKeySignature: clone(signature),
		identityKey:           clone(identityKey),
		preKeys:               make(map[int][]byte, len(preKeys)),
	}
	for id, key := range preKeys {
		b.preKeys[id] = clone(key)
	}
	return b, nil
}

func validKeyID(id int) bool {
	return id >= 0 && id <= MaxKeyID
}

// SignedPreKeyID returns the signed pre-key id, or NoSignedPreKeyID.
func (b *KeyBundle) SignedPreKeyID() int { return b.signedPreKeyID }

// HasSignedPreKey reports whether a signed pre-key was present.
func (b *KeyBundle) HasSignedPreKey() bool { return b.signedPreKeyID != NoSignedPreKeyID }

// SignedPreKey returns the signed pre-key, or nil when absent.
func (b *KeyBundle) SignedPreKey() []byte { return clone(b.signedPreKey) }

// SignedPreKeySignature returns the signature over the signed pre-key, or nil.
func (b *KeyBundle) SignedPreKeySignature() []byte { return clone(b.signedPreKeySignature) }

// IdentityKey returns the device's identity key, or nil.
func (b *KeyBundle) IdentityKey() []byte { return clone(b.identityKey) }

// PreKeys returns a copy of the one-time pre-keys keyed by id. Never nil.
func (b *KeyBundle) PreKeys() map[int][]byte {
	out := make(map[int][]byte, len(b.preKeys))
	for id, key := range b.preKeys {
		out[id] = clone(key)
	}
	return out
}

// PreKey returns the pre-key with the given id.
func (b *KeyBundle) PreKey(id int) ([]byte, bool) {
	key, ok := b.preKeys[id]
	if !ok {
		return nil, false
	}
	return clone(key), true
}

// PreKeyIDs returns the pre-key ids in ascending order.
func (b *KeyBundle) PreKeyIDs() []int {
	ids := make([]int, 0, len(b.preKeys))
	for id := range b.preKeys {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// PreKeyCount returns the number of one-time pre-keys.
func (b *KeyBundle) PreKeyCount() int { return len(b.preKeys) }

// Equal compares ids and byte contents. Absent and empty byte fields are
// treated alike.
func (b *KeyBundle) Equal(other *KeyBundle) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.signedPreKeyID != other.signedPreKeyID ||
		!bytes.Equal(b.signedPreKey, other.signedPreKey) ||
		!bytes.Equal(b.signedPreKeySignature, other.signedPreKeySignature) ||
		!bytes.Equal(b.identityKey, other.identityKey) ||
		len(b.preKeys) != len(other.preKeys) {
		return false
	}
	for id, key := range b.preKeys {
		otherKey, ok := other.preKeys[id]
		if !ok || !bytes.Equal(key, otherKey) {
			return false
		}
	}
	return true
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
