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

package main

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efomemo/backend/config"
	"github.com/efchatnet/efomemo/backend/integration"
	"github.com/efchatnet/efomemo/backend/middleware"
	"github.com/efchatnet/efomemo/backend/storage/postgres"
)

func main() {
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Database connection
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Redis connection
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	// Initialize storage
	store := postgres.NewStore(db, rdb, cfg.BundleCacheTTL)

	// Run migrations
	if err := store.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	bundles := integration.NewBundleIntegration(&integration.Config{
		Store:          store,
		Redis:          rdb,
		JWTSecret:      cfg.JWTSecret,
		JWTIssuer:      cfg.JWTIssuer,
		StrictBundles:  cfg.StrictBundles,
		MaxBundleBytes: cfg.MaxBundleBytes,
	})

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.Logging)
	r.Use(middleware.NewCORS(cfg.AllowedOrigins))

	bundles.RegisterRoutes(r, nil)

	// Health check (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Database unavailable"))
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Redis unavailable"))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	log.Printf("OMEMO bundle server starting on %s", cfg.Addr)
	log.Printf("JWT Issuer: %s, strict bundles: %v", cfg.JWTIssuer, cfg.StrictBundles)

	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
