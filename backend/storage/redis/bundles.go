// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efomemo/backend/omemo"
	"github.com/efchatnet/efomemo/backend/storage"
)

const (
	DefaultBundleTTL = 10 * time.Minute

	// Redis key prefixes
	bundlePrefix = "omemo:bundle:" // omemo:bundle:{jid}:{deviceId} - encoded <bundle>
	notifyPrefix = "omemo:notify:" // omemo:notify:{jid} - pub/sub channel
)

// BundleUpdate is published whenever a device's bundle changes. An empty
// Revision means the bundle was removed.
type BundleUpdate struct {
	Type     string `json:"type"`
	JID      string `json:"jid"`
	DeviceID int    `json:"device_id"`
	Node     string `json:"node"`
	Revision string `json:"revision,omitempty"`
}

type BundleCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewBundleCache(rdb *redis.Client, ttl time.Duration) *BundleCache {
	if ttl <= 0 {
		ttl = DefaultBundleTTL
	}
	return &BundleCache{rdb: rdb, ttl: ttl}
}

func bundleKey(jid string, deviceID int) string {
	return bundlePrefix + jid + ":" + strconv.Itoa(deviceID)
}

func notifyChannel(jid string) string {
	return notifyPrefix + jid
}

// GetEncoded returns the cached bundle XML, or an error wrapping
// storage.ErrNotFound on a miss.
func (c *BundleCache) GetEncoded(ctx context.Context, jid string, deviceID int) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, bundleKey(jid, deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cached bundle %s/%d: %w", jid, deviceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached bundle: %w", err)
	}
	return raw, nil
}

func (c *BundleCache) SetEncoded(ctx context.Context, jid string, deviceID int, raw []byte) error {
	if err := c.rdb.Set(ctx, bundleKey(jid, deviceID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache bundle: %w", err)
	}
	return nil
}

func (c *BundleCache) Invalidate(ctx context.Context, jid string, deviceID int) error {
	if err := c.rdb.Del(ctx, bundleKey(jid, deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate bundle: %w", err)
	}
	return nil
}

// PublishUpdate notifies subscribers of jid that a device's bundle changed.
func (c *BundleCache) PublishUpdate(ctx context.Context, jid string, deviceID int, revision string) error {
	payload, err := json.Marshal(newBundleUpdate(jid, deviceID, revision))
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	if err := c.rdb.Publish(ctx, notifyChannel(jid), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	return nil
}

// SubscribeToUpdates subscribes to bundle changes of every device of jid.
func (c *BundleCache) SubscribeToUpdates(ctx context.Context, jid string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, notifyChannel(jid))
}

func newBundleUpdate(jid string, deviceID int, revision string) BundleUpdate {
	return BundleUpdate{
		Type:     "bundle_update",
		JID:      jid,
		DeviceID: deviceID,
		Node:     omemo.BundleNode(deviceID),
		Revision: revision,
	}
}

// ParseBundleUpdate decodes a message received from SubscribeToUpdates.
func ParseBundleUpdate(payload string) (BundleUpdate, error) {
	var u BundleUpdate
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		return BundleUpdate{}, fmt.Errorf("failed to parse update: %w", err)
	}
	return u, nil
}
