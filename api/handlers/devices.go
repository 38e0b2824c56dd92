// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/devicecloud-io/core-server/internal/server"
)

// DeviceListEntry is one row of the GET /api/v1/devices response.
type DeviceListEntry struct {
	DeviceID      string `json:"device_id"`
	RemoteAddr    string `json:"remote_addr"`
	ConnectedAt   string `json:"connected_at"`
	LastMessageAt string `json:"last_message_at"`
}

// DevicesHandler lists currently connected device sessions, optionally
// filtered by the "device_id" query parameter. Exposed as
// GET /api/v1/devices.
func DevicesHandler(srv *server.DeviceServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		slog.Debug("listing connected devices", "device_id", r.URL.Query().Get("device_id"))

		entries := srv.Connected(r.URL.Query().Get("device_id"))
		resp := make([]DeviceListEntry, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, DeviceListEntry{
				DeviceID:      e.DeviceID,
				RemoteAddr:    e.RemoteAddr,
				ConnectedAt:   e.ConnectedAt.Format(timeFormat),
				LastMessageAt: e.LastMessageAt.Format(timeFormat),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("encoding devices response", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
