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

package integration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efomemo/backend/handlers"
	"github.com/efchatnet/efomemo/backend/middleware"
	"github.com/efchatnet/efomemo/backend/storage"
	redisStore "github.com/efchatnet/efomemo/backend/storage/redis"
)

var errUpdatesDisabled = errors.New("bundle updates need a redis client")

// BundleIntegration provides OMEMO bundle publishing as a plugin for efchat
type BundleIntegration struct {
	store         storage.BundleStore
	bundleHandler *handlers.BundleHandler
	updates       *redisStore.BundleCache
	jwtSecret     string
	jwtIssuer     string
}

// Config holds configuration for the bundle integration
type Config struct {
	Store          storage.BundleStore
	Redis          *redis.Client // optional, enables WatchBundles
	JWTSecret      string
	JWTIssuer      string
	StrictBundles  bool
	MaxBundleBytes int64
}

// NewBundleIntegration creates an integration that can be embedded into efchat
func NewBundleIntegration(config *Config) *BundleIntegration {
	e := &BundleIntegration{
		store:         config.Store,
		bundleHandler: handlers.NewBundleHandler(config.Store, config.StrictBundles, config.MaxBundleBytes),
		jwtSecret:     config.JWTSecret,
		jwtIssuer:     config.JWTIssuer,
	}
	if config.Redis != nil {
		e.updates = redisStore.NewBundleCache(config.Redis, 0)
	}
	return e
}

// RegisterRoutes adds the bundle routes under /api/omemo to an existing router.
// If authMiddleware is nil, the built-in JWT validation is used; a custom
// middleware must store the caller's JID with middleware.WithJID.
func (e *BundleIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/omemo").Subrouter()

	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.jwtSecret, e.jwtIssuer))
	}

	e.bundleHandler.Routes(api)
}

// GetStore returns the underlying storage implementation
func (e *BundleIntegration) GetStore() storage.BundleStore {
	return e.store
}

// NeedsReplenish reports whether a device has fewer than threshold unused
// pre-keys and should publish a fresh bundle.
func (e *BundleIntegration) NeedsReplenish(ctx context.Context, jid string, deviceID, threshold int) (bool, error) {
	count, err := e.store.GetUnusedPreKeyCount(ctx, jid, deviceID)
	if err != nil {
		return false, err
	}
	return count < threshold, nil
}

// WatchBundles streams bundle changes of jid's devices so the host can push
// them to contacts. The subscription is active when WatchBundles returns; the
// channel is closed once ctx is done.
func (e *BundleIntegration) WatchBundles(ctx context.Context, jid string) (<-chan redisStore.BundleUpdate, error) {
	if e.updates == nil {
		return nil, errUpdatesDisabled
	}

	sub := e.updates.SubscribeToUpdates(ctx, jid)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to bundle updates: %w", err)
	}

	out := make(chan redisStore.BundleUpdate)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				u, err := redisStore.ParseBundleUpdate(msg.Payload)
				if err != nil {
					log.Printf("[BundleIntegration] Dropping bad update for %s: %v", jid, err)
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
