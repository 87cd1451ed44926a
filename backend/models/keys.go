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

package models

import (
	"time"

	"github.com/efchatnet/efomemo/backend/omemo"
)

type SignedPreKey struct {
	KeyID     int    `json:"key_id" db:"signed_pre_key_id"`
	PublicKey []byte `json:"public_key" db:"signed_pre_key"`
	Signature []byte `json:"signature" db:"signed_pre_key_signature"`
}

type OneTimePreKey struct {
	KeyID     int    `json:"key_id" db:"key_id"`
	PublicKey []byte `json:"public_key" db:"public_key"`
	Used      bool   `json:"used,omitempty" db:"used"`
}

// DeviceBundle is a stored OMEMO bundle of one device.
type DeviceBundle struct {
	JID          string          `json:"jid" db:"jid"`
	DeviceID     int             `json:"device_id" db:"device_id"`
	Node         string          `json:"node"`
	Revision     string          `json:"revision" db:"revision"`
	IdentityKey  []byte          `json:"identity_key,omitempty" db:"identity_key"`
	SignedPreKey *SignedPreKey   `json:"signed_pre_key,omitempty"`
	PreKeys      []OneTimePreKey `json:"pre_keys"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// FromKeyBundle flattens a decoded bundle for storage. Pre-keys are in
// ascending id order.
func FromKeyBundle(jid string, deviceID int, b *omemo.KeyBundle) *DeviceBundle {
	db := &DeviceBundle{
		JID:         jid,
		DeviceID:    deviceID,
		Node:        omemo.BundleNode(deviceID),
		IdentityKey: b.IdentityKey(),
		PreKeys:     make([]OneTimePreKey, 0, b.PreKeyCount()),
	}
	// A signature can arrive without its key; KeyID then stays
	// omemo.NoSignedPreKeyID.
	if b.HasSignedPreKey() || b.SignedPreKeySignature() != nil {
		db.SignedPreKey = &SignedPreKey{
			KeyID:     b.SignedPreKeyID(),
			PublicKey: b.SignedPreKey(),
			Signature: b.SignedPreKeySignature(),
		}
	}
	for _, id := range b.PreKeyIDs() {
		key, _ := b.PreKey(id)
		db.PreKeys = append(db.PreKeys, OneTimePreKey{KeyID: id, PublicKey: key})
	}
	return db
}

// KeyBundle rebuilds the wire bundle. Used pre-keys are left out.
func (d *DeviceBundle) KeyBundle() (*omemo.KeyBundle, error) {
	spkID := omemo.NoSignedPreKeyID
	var spk, sig []byte
	if d.SignedPreKey != nil {
		spkID = d.SignedPreKey.KeyID
		spk = d.SignedPreKey.PublicKey
		sig = d.SignedPreKey.Signature
	}

	preKeys := make(map[int][]byte, len(d.PreKeys))
	for _, pk := range d.PreKeys {
		if pk.Used {
			continue
		}
		preKeys[pk.KeyID] = pk.PublicKey
	}
	return omemo.NewKeyBundle(spkID, spk, sig, d.IdentityKey, preKeys)
}
