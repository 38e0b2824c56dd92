// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/devicecloud-io/core-server/internal/ota"
	"github.com/devicecloud-io/core-server/internal/server"
	"github.com/devicecloud-io/core-server/internal/store"
)

// OtaTriggerResponse is returned by OtaHandler on success.
type OtaTriggerResponse struct {
	File    string `json:"file"`
	Started string `json:"started"`
	Outcome string `json:"outcome"`
}

// OtaHandler triggers an OTA job against a connected device, given a binary
// already present under binariesDir. Exposed as
// GET /api/v1/devices/{id}/ota?file=<name>.
func OtaHandler(srv *server.DeviceServer, db *store.DB, binariesDir string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		deviceID := r.PathValue("id")
		fileName := r.URL.Query().Get("file")
		if deviceID == "" || fileName == "" {
			http.Error(w, "device id and file query parameter are required", http.StatusBadRequest)
			return
		}

		sess, ok := srv.Session(deviceID)
		if !ok {
			http.Error(w, "device not connected", http.StatusNotFound)
			return
		}

		if !srv.TryClaimOTA(deviceID) {
			http.Error(w, "an OTA job is already in flight for this device", http.StatusConflict)
			return
		}

		binPath := filepath.Join(binariesDir, filepath.Base(fileName))
		buffer, err := os.ReadFile(binPath)
		if err != nil {
			srv.ReleaseOTA(deviceID)
			http.Error(w, "binary not found", http.StatusNotFound)
			return
		}

		started := time.Now()
		flasher := ota.New(sess, "ota-http:"+deviceID, buffer, ota.Options{}, logger)

		go func() {
			defer srv.ReleaseOTA(deviceID)

			result, runErr := flasher.Run(context.Background())
			rec := store.OtaJobRecord{
				DeviceID:   deviceID,
				BinaryPath: binPath,
				FileSize:   int64(len(buffer)),
				StartedAt:  started,
				FinishedAt: time.Now(),
			}
			if runErr != nil {
				rec.Outcome = "failed: " + runErr.Error()
				logger.Warn("ota job failed", "deviceID", deviceID, "err", runErr)
			} else {
				rec.Outcome = "ok"
				rec.ProtocolVersion = result.ProtocolVersion
				rec.MissedChunkCount = result.MissedChunkCount
			}
			if err := db.RecordOtaJob(rec); err != nil {
				logger.Error("recording ota job", "deviceID", deviceID, "err", err)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(OtaTriggerResponse{
			File:    fileName,
			Started: started.Format(timeFormat),
			Outcome: "pending",
		}); err != nil {
			slog.Error("encoding ota response", "err", err)
		}
	}
}
