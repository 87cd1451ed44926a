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

package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efomemo/backend/middleware"
	"github.com/efchatnet/efomemo/backend/omemo"
	"github.com/efchatnet/efomemo/backend/storage"
)

const DefaultMaxBundleBytes = 64 << 10

type BundleHandler struct {
	store    storage.BundleStore
	strict   bool
	maxBytes int64
}

// NewBundleHandler creates a handler. strict rejects published bundles with
// key elements missing their id attribute; maxBytes <= 0 selects
// DefaultMaxBundleBytes.
func NewBundleHandler(store storage.BundleStore, strict bool, maxBytes int64) *BundleHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBundleBytes
	}
	return &BundleHandler{store: store, strict: strict, maxBytes: maxBytes}
}

// Routes registers the bundle endpoints on r.
func (h *BundleHandler) Routes(r *mux.Router) {
	r.HandleFunc("/bundle/{deviceId:[0-9]+}/status", h.GetKeyStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/bundle/{deviceId:[0-9]+}", h.PublishBundle).Methods("PUT", "OPTIONS")
	r.HandleFunc("/bundle/{deviceId:[0-9]+}", h.DeleteBundle).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/bundle/{jid}/{deviceId:[0-9]+}", h.GetBundle).Methods("GET", "OPTIONS")
	r.HandleFunc("/bundle/{jid}/{deviceId:[0-9]+}/prekeys/{preKeyId:[0-9]+}/used", h.MarkPreKeyUsed).Methods("POST", "OPTIONS")
	r.HandleFunc("/devices/{jid}", h.ListDevices).Methods("GET", "OPTIONS")
}

// PublishBundle stores the <bundle> element in the request body as the
// caller's bundle for the device in the path.
func (h *BundleHandler) PublishBundle(w http.ResponseWriter, r *http.Request) {
	jid, ok := middleware.GetJID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	deviceID, ok := intVar(w, r, "deviceId")
	if !ok {
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBytes)
	bundle, err := omemo.ParseBundle(body, omemo.WithStrict(h.strict))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Bundle too large", http.StatusRequestEntityTooLarge)
			return
		}
		var perr *omemo.ParseError
		if errors.As(err, &perr) {
			log.Printf("[BundleHandler] Rejected bundle from %s/%d: %v", jid, deviceID, err)
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   perr.Kind.String(),
				"message": perr.Error(),
			})
			return
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	revision, err := h.store.SaveBundle(r.Context(), jid, deviceID, bundle)
	if err != nil {
		log.Printf("[BundleHandler] Error saving bundle for %s/%d: %v", jid, deviceID, err)
		http.Error(w, "Failed to save bundle", http.StatusInternalServerError)
		return
	}

	log.Printf("[BundleHandler] Published bundle for %s/%d: revision %s, %d pre-keys",
		jid, deviceID, revision, bundle.PreKeyCount())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"revision": revision,
		"node":     omemo.BundleNode(deviceID),
		"pre_keys": bundle.PreKeyCount(),
	})
}

// GetBundle returns a device's bundle as XML, or as JSON when the client
// asks for application/json.
func (h *BundleHandler) GetBundle(w http.ResponseWriter, r *http.Request) {
	jid := mux.Vars(r)["jid"]
	deviceID, ok := intVar(w, r, "deviceId")
	if !ok {
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		bundle, err := h.store.GetBundle(r.Context(), jid, deviceID)
		if err != nil {
			storeError(w, "GetBundle", err)
			return
		}
		writeJSON(w, http.StatusOK, bundle)
		return
	}

	raw, err := h.store.GetEncodedBundle(r.Context(), jid, deviceID)
	if err != nil {
		storeError(w, "GetBundle", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(raw)
}

func (h *BundleHandler) DeleteBundle(w http.ResponseWriter, r *http.Request) {
	jid, ok := middleware.GetJID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	deviceID, ok := intVar(w, r, "deviceId")
	if !ok {
		return
	}

	if err := h.store.DeleteBundle(r.Context(), jid, deviceID); err != nil {
		storeError(w, "DeleteBundle", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BundleHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	jid := mux.Vars(r)["jid"]

	devices, err := h.store.ListDevices(r.Context(), jid)
	if err != nil {
		storeError(w, "ListDevices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jid":     jid,
		"devices": devices,
	})
}

// MarkPreKeyUsed records that a session was built from one of a device's
// one-time pre-keys, so it is no longer handed out.
func (h *BundleHandler) MarkPreKeyUsed(w http.ResponseWriter, r *http.Request) {
	jid := mux.Vars(r)["jid"]
	deviceID, ok := intVar(w, r, "deviceId")
	if !ok {
		return
	}
	keyID, ok := intVar(w, r, "preKeyId")
	if !ok {
		return
	}

	if err := h.store.MarkPreKeyUsed(r.Context(), jid, deviceID, keyID); err != nil {
		storeError(w, "MarkPreKeyUsed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetKeyStatus reports how many unused pre-keys the caller's device has left.
func (h *BundleHandler) GetKeyStatus(w http.ResponseWriter, r *http.Request) {
	jid, ok := middleware.GetJID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	deviceID, ok := intVar(w, r, "deviceId")
	if !ok {
		return
	}

	count, err := h.store.GetUnusedPreKeyCount(r.Context(), jid, deviceID)
	if err != nil {
		storeError(w, "GetKeyStatus", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":      deviceID,
		"remaining_keys": count,
	})
}

func intVar(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	n, err := strconv.ParseUint(mux.Vars(r)[name], 10, 31)
	if err != nil {
		http.Error(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return int(n), true
}

func storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	log.Printf("[BundleHandler] %s failed: %v", op, err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
