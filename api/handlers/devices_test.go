// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devicecloud-io/core-server/internal/pubsub"
	"github.com/devicecloud-io/core-server/internal/server"
)

func TestDevicesHandler(t *testing.T) {
	srv := server.New(nil, nil, pubsub.New(), server.RateLimitConfig{}, nil)
	handler := DevicesHandler(srv)

	t.Run("GET with no connected devices returns an empty list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		var got []DeviceListEntry
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("got %d entries, want 0", len(got))
		}
	})

	t.Run("GET filtered by an unknown device_id returns an empty list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices?device_id=nope", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)

		var got []DeviceListEntry
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("got %d entries, want 0", len(got))
		}
	})

	t.Run("POST is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/devices", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
		}
	})
}
