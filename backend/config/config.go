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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr        string
	DatabaseURL string
	RedisAddr   string
	JWTSecret   string
	JWTIssuer   string
	// StrictBundles rejects published bundles whose key elements lack their
	// id attribute instead of skipping those keys.
	StrictBundles  bool
	BundleCacheTTL time.Duration
	// MaxBundleBytes caps the size of a published bundle body.
	MaxBundleBytes int64
	AllowedOrigins []string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr          *string
	DatabaseURL   *string
	RedisAddr     *string
	StrictBundles *bool
}

var defaultOrigins = []string{
	"https://efchat.net",
	"https://app.efchat.net",
	"http://localhost:3000",
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	addr := ":" + port
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	dbURL := getenv("DATABASE_URL", "postgres://localhost/efomemo?sslmode=disable")
	if overrides.DatabaseURL != nil {
		dbURL = *overrides.DatabaseURL
	}

	redisAddr := getenv("REDIS_URL", "localhost:6379")
	if overrides.RedisAddr != nil {
		redisAddr = *overrides.RedisAddr
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	strict := false
	if v := os.Getenv("OMEMO_STRICT_BUNDLES"); v == "true" || v == "1" {
		strict = true
	}
	if overrides.StrictBundles != nil {
		strict = *overrides.StrictBundles
	}

	ttl := 10 * time.Minute
	if v := os.Getenv("BUNDLE_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BUNDLE_CACHE_TTL %q: %w", v, err)
		}
		ttl = d
	}

	maxBytes := int64(64 << 10)
	if v := os.Getenv("MAX_BUNDLE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_BUNDLE_BYTES %q", v)
		}
		maxBytes = n
	}

	origins := defaultOrigins
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	return &Config{
		Addr:           addr,
		DatabaseURL:    dbURL,
		RedisAddr:      redisAddr,
		JWTSecret:      jwtSecret,
		JWTIssuer:      getenv("JWT_ISSUER", "efchat"),
		StrictBundles:  strict,
		BundleCacheTTL: ttl,
		MaxBundleBytes: maxBytes,
		AllowedOrigins: origins,
	}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
