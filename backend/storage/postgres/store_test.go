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
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efomemo/backend/omemo"
	"github.com/efchatnet/efomemo/backend/storage"
)

func TestMigrationsAreIdempotent(t *testing.T) {
	for _, m := range migrations {
		require.Contains(t, m, "IF NOT EXISTS")
	}
}

// openTestDB connects to TEST_DATABASE_URL or skips the test.
func openTestDB(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, nil, 0)
	require.NoError(t, s.Migrate())
	return s
}

func newBundle(t *testing.T, preKeys map[int][]byte) *omemo.KeyBundle {
	t.Helper()
	b, err := omemo.NewKeyBundle(3, []byte{1}, []byte{2}, []byte{3}, preKeys)
	require.NoError(t, err)
	return b
}

// memCache is an in-memory storage.BundleCache that records notifications.
type memCache struct {
	entries       map[string][]byte
	invalidations int
	revisions     []string
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func cacheKey(jid string, deviceID int) string {
	return fmt.Sprintf("%s/%d", jid, deviceID)
}

func (c *memCache) GetEncoded(_ context.Context, jid string, deviceID int) ([]byte, error) {
	raw, ok := c.entries[cacheKey(jid, deviceID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return raw, nil
}

func (c *memCache) SetEncoded(_ context.Context, jid string, deviceID int, raw []byte) error {
	c.entries[cacheKey(jid, deviceID)] = raw
	return nil
}

func (c *memCache) Invalidate(_ context.Context, jid string, deviceID int) error {
	c.invalidations++
	delete(c.entries, cacheKey(jid, deviceID))
	return nil
}

func (c *memCache) PublishUpdate(_ context.Context, _ string, _ int, revision string) error {
	c.revisions = append(c.revisions, revision)
	return nil
}

func TestGetEncodedBundleServesCache(t *testing.T) {
	cache := newMemCache()
	cached := []byte(`<bundle xmlns="eu.siacs.conversations.axolotl"><prekeys></prekeys></bundle>`)
	cache.entries[cacheKey("a@example.org", 1)] = cached

	// A hit never reaches the database
	s := &Store{cache: cache}
	raw, err := s.GetEncodedBundle(context.Background(), "a@example.org", 1)
	require.NoError(t, err)
	require.Equal(t, cached, raw)
}

func TestStoreBundleLifecycle(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	jid := "lifecycle@example.org"
	t.Cleanup(func() { s.DeleteBundle(ctx, jid, 1) })

	b := newBundle(t, map[int][]byte{
		10: {10},
		11: {11},
	})
	rev, err := s.SaveBundle(ctx, jid, 1, b)
	require.NoError(t, err)
	require.NotEmpty(t, rev)

	got, err := s.GetBundle(ctx, jid, 1)
	require.NoError(t, err)
	require.Equal(t, rev, got.Revision)
	rebuilt, err := got.KeyBundle()
	require.NoError(t, err)
	require.True(t, b.Equal(rebuilt))

	require.NoError(t, s.MarkPreKeyUsed(ctx, jid, 1, 10))
	require.True(t, errors.Is(s.MarkPreKeyUsed(ctx, jid, 1, 10), storage.ErrNotFound))

	count, err := s.GetUnusedPreKeyCount(ctx, jid, 1)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	raw, err := s.GetEncodedBundle(ctx, jid, 1)
	require.NoError(t, err)
	decoded, err := omemo.ParseBundle(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, []int{11}, decoded.PreKeyIDs())

	got, err = s.GetBundle(ctx, jid, 1)
	require.NoError(t, err)
	require.Len(t, got.PreKeys, 2)
	require.True(t, got.PreKeys[0].Used)
	require.False(t, got.PreKeys[1].Used)

	// Republishing without key 11 drops it
	_, err = s.SaveBundle(ctx, jid, 1, newBundle(t, map[int][]byte{12: {12}}))
	require.NoError(t, err)
	got, err = s.GetBundle(ctx, jid, 1)
	require.NoError(t, err)
	rebuilt, err = got.KeyBundle()
	require.NoError(t, err)
	require.Equal(t, []int{12}, rebuilt.PreKeyIDs())

	devices, err := s.ListDevices(ctx, jid)
	require.NoError(t, err)
	require.Equal(t, []int{1}, devices)

	require.NoError(t, s.DeleteBundle(ctx, jid, 1))
	_, err = s.GetBundle(ctx, jid, 1)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreEncodedBundleCache(t *testing.T) {
	s := openTestDB(t)
	cache := newMemCache()
	s.cache = cache
	ctx := context.Background()
	jid := "cache@example.org"
	t.Cleanup(func() { s.DeleteBundle(ctx, jid, 1) })

	rev, err := s.SaveBundle(ctx, jid, 1, newBundle(t, map[int][]byte{10: {10}, 11: {11}}))
	require.NoError(t, err)
	require.Equal(t, []string{rev}, cache.revisions)
	require.Empty(t, cache.entries)

	// A miss fills the cache
	raw, err := s.GetEncodedBundle(ctx, jid, 1)
	require.NoError(t, err)
	require.Equal(t, raw, cache.entries[cacheKey(jid, 1)])

	// Consuming a key drops the cached element and the next read omits it
	require.NoError(t, s.MarkPreKeyUsed(ctx, jid, 1, 10))
	require.NotContains(t, cache.entries, cacheKey(jid, 1))

	raw, err = s.GetEncodedBundle(ctx, jid, 1)
	require.NoError(t, err)
	decoded, err := omemo.ParseBundle(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, []int{11}, decoded.PreKeyIDs())
	require.Equal(t, raw, cache.entries[cacheKey(jid, 1)])

	// Deleting notifies with an empty revision
	require.NoError(t, s.DeleteBundle(ctx, jid, 1))
	require.Equal(t, []string{rev, ""}, cache.revisions)
	require.Empty(t, cache.entries)
}
