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

import "strconv"

// Namespace is the legacy OMEMO (axolotl) namespace bundles are published under.
const Namespace = "eu.siacs.conversations.axolotl"

// bundleNodePrefix is the PEP node prefix; the device id is appended.
const bundleNodePrefix = Namespace + ".bundles:"

// Element and attribute names of a bundle.
const (
	tagBundle                = "bundle"
	tagSignedPreKeyPublic    = "signedPreKeyPublic"
	tagSignedPreKeySignature = "signedPreKeySignature"
	tagIdentityKey           = "identityKey"
	tagPreKeys               = "prekeys"
	tagPreKeyPublic          = "preKeyPublic"

	attrSignedPreKeyID = "signedPreKeyId"
	attrPreKeyID       = "preKeyId"
)

// BundleNode returns the PEP node a device publishes its bundle to.
func BundleNode(deviceID int) string {
	return bundleNodePrefix + strconv.Itoa(deviceID)
}
