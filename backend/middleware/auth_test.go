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

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims() Claims {
	return Claims{
		JID: "alice@example.org",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "efchat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestAuthMiddleware(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	noJID := validClaims()
	noJID.JID = ""

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims()), status: http.StatusOK},
		{name: "no header", header: "", status: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims()), status: http.StatusUnauthorized},
		{name: "wrong algorithm", header: "Bearer " + signToken(t, jwt.SigningMethodHS384, []byte(testSecret), validClaims()), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), status: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer), status: http.StatusUnauthorized},
		{name: "missing jid", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noJID), status: http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotJID string
			h := NewAuthMiddleware(testSecret, "efchat")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotJID, _ = GetJID(r)
				claims, ok := GetClaims(r)
				require.True(t, ok)
				require.Equal(t, gotJID, claims.JID)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/omemo/devices/alice@example.org", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				require.Equal(t, "alice@example.org", gotJID)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	h := NewCORS([]string{"https://app.efchat.net"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/omemo/devices/x", nil)
	req.Header.Set("Origin", "https://app.efchat.net")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.efchat.net", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/omemo/devices/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSWildcard(t *testing.T) {
	h := NewCORS([]string{"*", "https://app.efchat.net"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		origin      string
		allowOrigin string
		credentials string
	}{
		{origin: "https://evil.example", allowOrigin: "*"},
		{origin: "", allowOrigin: "*"},
		{origin: "https://app.efchat.net", allowOrigin: "https://app.efchat.net", credentials: "true"},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/omemo/devices/x", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.allowOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			require.Equal(t, tt.credentials, rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestLoggingSetsRequestID(t *testing.T) {
	h := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
}
