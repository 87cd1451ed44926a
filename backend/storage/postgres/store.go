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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efomemo/backend/models"
	"github.com/efchatnet/efomemo/backend/omemo"
	"github.com/efchatnet/efomemo/backend/storage"
	redisStore "github.com/efchatnet/efomemo/backend/storage/redis"
)

type Store struct {
	db    *sql.DB
	cache storage.BundleCache
}

// NewStore creates a Postgres backed store. A nil redis client disables the
// encoded bundle cache and update notifications.
func NewStore(db *sql.DB, rdb *redis.Client, cacheTTL time.Duration) *Store {
	s := &Store{db: db}
	if rdb != nil {
		s.cache = redisStore.NewBundleCache(rdb, cacheTTL)
	}
	return s
}

func (s *Store) SaveBundle(ctx context.Context, jid string, deviceID int, bundle *omemo.KeyBundle) (string, error) {
	revision := uuid.New().String()
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO omemo_bundles (jid, device_id, revision, identity_key,
			signed_pre_key_id, signed_pre_key, signed_pre_key_signature, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (jid, device_id) DO UPDATE
		SET revision = $3, identity_key = $4, signed_pre_key_id = $5,
			signed_pre_key = $6, signed_pre_key_signature = $7, updated_at = $8`,
		jid, deviceID, revision, bundle.IdentityKey(), bundle.SignedPreKeyID(),
		bundle.SignedPreKey(), bundle.SignedPreKeySignature(), now)
	if err != nil {
		return "", fmt.Errorf("failed to save bundle: %w", err)
	}

	// A republished key keeps its used flag only while its bytes are unchanged
	ids := []int64{}
	for _, id := range bundle.PreKeyIDs() {
		ids = append(ids, int64(id))
		key, _ := bundle.PreKey(id)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO omemo_pre_keys (jid, device_id, key_id, public_key, used, created_at)
			VALUES ($1, $2, $3, $4, false, $5)
			ON CONFLICT (jid, device_id, key_id) DO UPDATE
			SET used = omemo_pre_keys.used AND omemo_pre_keys.public_key = EXCLUDED.public_key,
				public_key = EXCLUDED.public_key`,
			jid, deviceID, id, key, now)
		if err != nil {
			return "", fmt.Errorf("failed to save pre-key %d: %w", id, err)
		}
	}

	// Drop pre-keys the device no longer publishes
	_, err = tx.ExecContext(ctx, `
		DELETE FROM omemo_pre_keys
		WHERE jid = $1 AND device_id = $2 AND NOT (key_id = ANY($3))`,
		jid, deviceID, pq.Array(ids))
	if err != nil {
		return "", fmt.Errorf("failed to prune pre-keys: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.bundleChanged(ctx, jid, deviceID, revision)
	return revision, nil
}

func (s *Store) GetBundle(ctx context.Context, jid string, deviceID int) (*models.DeviceBundle, error) {
	bundle := &models.DeviceBundle{
		JID:      jid,
		DeviceID: deviceID,
		Node:     omemo.BundleNode(deviceID),
		PreKeys:  []models.OneTimePreKey{},
	}

	var spk models.SignedPreKey
	err := s.db.QueryRowContext(ctx, `
		SELECT revision, identity_key, signed_pre_key_id, signed_pre_key,
			signed_pre_key_signature, updated_at
		FROM omemo_bundles WHERE jid = $1 AND device_id = $2`, jid, deviceID).Scan(
		&bundle.Revision, &bundle.IdentityKey, &spk.KeyID, &spk.PublicKey,
		&spk.Signature, &bundle.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bundle %s/%d: %w", jid, deviceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if spk.KeyID != omemo.NoSignedPreKeyID || spk.Signature != nil {
		bundle.SignedPreKey = &spk
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, public_key, used FROM omemo_pre_keys
		WHERE jid = $1 AND device_id = $2
		ORDER BY key_id`, jid, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var pk models.OneTimePreKey
		if err := rows.Scan(&pk.KeyID, &pk.PublicKey, &pk.Used); err != nil {
			return nil, err
		}
		bundle.PreKeys = append(bundle.PreKeys, pk)
	}
	return bundle, rows.Err()
}

// GetEncodedBundle serves from the cache when it can and fills it on a miss.
func (s *Store) GetEncodedBundle(ctx context.Context, jid string, deviceID int) ([]byte, error) {
	if s.cache != nil {
		raw, err := s.cache.GetEncoded(ctx, jid, deviceID)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[Store] Bundle cache read failed for %s/%d: %v", jid, deviceID, err)
		}
	}

	bundle, err := s.GetBundle(ctx, jid, deviceID)
	if err != nil {
		return nil, err
	}
	b, err := bundle.KeyBundle()
	if err != nil {
		return nil, fmt.Errorf("stored bundle %s/%d: %w", jid, deviceID, err)
	}
	raw, err := omemo.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetEncoded(ctx, jid, deviceID, raw); err != nil {
			log.Printf("[Store] Bundle cache write failed for %s/%d: %v", jid, deviceID, err)
		}
	}
	return raw, nil
}

func (s *Store) ListDevices(ctx context.Context, jid string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id FROM omemo_bundles
		WHERE jid = $1 ORDER BY device_id`, jid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		devices = append(devices, id)
	}
	return devices, rows.Err()
}

// DeleteBundle removes a device's bundle; its pre-keys go with it.
func (s *Store) DeleteBundle(ctx context.Context, jid string, deviceID int) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM omemo_bundles WHERE jid = $1 AND device_id = $2`,
		jid, deviceID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("bundle %s/%d: %w", jid, deviceID, storage.ErrNotFound)
	}

	s.bundleChanged(ctx, jid, deviceID, "")
	return nil
}

func (s *Store) MarkPreKeyUsed(ctx context.Context, jid string, deviceID, keyID int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE omemo_pre_keys SET used = true
		WHERE jid = $1 AND device_id = $2 AND key_id = $3 AND used = false`,
		jid, deviceID, keyID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pre-key %d of %s/%d: %w", keyID, jid, deviceID, storage.ErrNotFound)
	}

	// The cached element still lists the consumed key
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, jid, deviceID); err != nil {
			log.Printf("[Store] Bundle cache invalidation failed for %s/%d: %v", jid, deviceID, err)
		}
	}
	return nil
}

func (s *Store) GetUnusedPreKeyCount(ctx context.Context, jid string, deviceID int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM omemo_pre_keys
		WHERE jid = $1 AND device_id = $2 AND used = false`,
		jid, deviceID).Scan(&count)
	return count, err
}

// bundleChanged drops the cached element and notifies subscribers. A cache
// outage never fails the write that already committed.
func (s *Store) bundleChanged(ctx context.Context, jid string, deviceID int, revision string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, jid, deviceID); err != nil {
		log.Printf("[Store] Bundle cache invalidation failed for %s/%d: %v", jid, deviceID, err)
	}
	if err := s.cache.PublishUpdate(ctx, jid, deviceID, revision); err != nil {
		log.Printf("[Store] Bundle update notification failed for %s/%d: %v", jid, deviceID, err)
	}
}
