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

package storage

import (
	"context"
	"errors"

	"github.com/efchatnet/efomemo/backend/models"
	"github.com/efchatnet/efomemo/backend/omemo"
)

// ErrNotFound is wrapped by every lookup that finds nothing.
var ErrNotFound = errors.New("storage: not found")

type BundleStore interface {
	// SaveBundle replaces the published bundle of a device and returns the
	// new revision.
	SaveBundle(ctx context.Context, jid string, deviceID int, bundle *omemo.KeyBundle) (string, error)
	// GetBundle returns the stored bundle with every pre-key, used ones
	// flagged.
	GetBundle(ctx context.Context, jid string, deviceID int) (*models.DeviceBundle, error)
	// GetEncodedBundle returns the bundle as a <bundle> element.
	GetEncodedBundle(ctx context.Context, jid string, deviceID int) ([]byte, error)
	ListDevices(ctx context.Context, jid string) ([]int, error)
	DeleteBundle(ctx context.Context, jid string, deviceID int) error

	MarkPreKeyUsed(ctx context.Context, jid string, deviceID, keyID int) error
	GetUnusedPreKeyCount(ctx context.Context, jid string, deviceID int) (int, error)
}

type BundleCache interface {
	GetEncoded(ctx context.Context, jid string, deviceID int) ([]byte, error)
	SetEncoded(ctx context.Context, jid string, deviceID int, raw []byte) error
	Invalidate(ctx context.Context, jid string, deviceID int) error
	PublishUpdate(ctx context.Context, jid string, deviceID int, revision string) error
}
