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

import "fmt"

var migrations = []string{
	// One row per published device bundle
	`CREATE TABLE IF NOT EXISTS omemo_bundles (
		jid VARCHAR(255) NOT NULL,
		device_id BIGINT NOT NULL,
		revision VARCHAR(36) NOT NULL,
		identity_key BYTEA,
		signed_pre_key_id INTEGER NOT NULL DEFAULT -1,
		signed_pre_key BYTEA,
		signed_pre_key_signature BYTEA,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (jid, device_id)
	)`,

	// One-time pre-keys of a bundle
	`CREATE TABLE IF NOT EXISTS omemo_pre_keys (
		jid VARCHAR(255) NOT NULL,
		device_id BIGINT NOT NULL,
		key_id INTEGER NOT NULL,
		public_key BYTEA NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (jid, device_id, key_id),
		FOREIGN KEY (jid, device_id) REFERENCES omemo_bundles(jid, device_id) ON DELETE CASCADE
	)`,

	// Create index for finding unused prekeys
	`CREATE INDEX IF NOT EXISTS idx_unused_omemo_pre_keys
	ON omemo_pre_keys(jid, device_id, used)
	WHERE used = FALSE`,
}

func (s *Store) Migrate() error {
	for i, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
