// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devicecloud-io/core-server/internal/cryptoutil"
	"github.com/devicecloud-io/core-server/internal/framing"
	"github.com/devicecloud-io/core-server/internal/keystore"
	"github.com/devicecloud-io/core-server/internal/pubsub"
	"github.com/devicecloud-io/core-server/internal/server"
	"github.com/devicecloud-io/core-server/internal/store"
)

type fakeKeyStore struct{ keys map[string]string }

func newFakeKeyStore() *fakeKeyStore { return &fakeKeyStore{keys: make(map[string]string)} }

func (f *fakeKeyStore) GetCoreKey(deviceID string) (string, bool, error) {
	pem, ok := f.keys[deviceID]
	return pem, ok, nil
}

func (f *fakeKeyStore) SaveHandshakeKey(deviceID, pemBytes string) error {
	f.keys[deviceID] = pemBytes
	return nil
}

func newRequestWithID(method, target, id string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.SetPathValue("id", id)
	return req
}

func TestOtaHandlerRejectsWrongMethod(t *testing.T) {
	srv := server.New(nil, nil, pubsub.New(), server.RateLimitConfig{}, nil)
	handler := OtaHandler(srv, nil, "", slog.Default())

	req := newRequestWithID(http.MethodPost, "/api/v1/devices/x/ota", "x")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestOtaHandlerRequiresIDAndFile(t *testing.T) {
	srv := server.New(nil, nil, pubsub.New(), server.RateLimitConfig{}, nil)
	handler := OtaHandler(srv, nil, "", slog.Default())

	req := newRequestWithID(http.MethodGet, "/api/v1/devices//ota", "")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestOtaHandlerDeviceNotConnected(t *testing.T) {
	srv := server.New(nil, nil, pubsub.New(), server.RateLimitConfig{}, nil)
	handler := OtaHandler(srv, nil, "", slog.Default())

	req := newRequestWithID(http.MethodGet, "/api/v1/devices/unknown/ota?file=firmware.bin", "unknown")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// connectedDeviceServer spins up a real handshake over a net.Pipe so that a
// DeviceServer has one genuinely registered session to exercise OtaHandler's
// success and conflict paths against.
func connectedDeviceServer(t *testing.T) (*server.DeviceServer, string) {
	t.Helper()

	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey (server): %v", err)
	}
	deviceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey (device): %v", err)
	}

	ks := newFakeKeyStore()
	rawDeviceID := []byte("abcdef012345")
	deviceID, err := keystore.CanonicalDeviceID(rawDeviceID)
	if err != nil {
		t.Fatalf("CanonicalDeviceID: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&deviceKey.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	_, pemBytes, err := keystore.ParseDERPublicKey(der)
	if err != nil {
		t.Fatalf("ParseDERPublicKey: %v", err)
	}
	if err := ks.SaveHandshakeKey(deviceID, pemBytes); err != nil {
		t.Fatalf("SaveHandshakeKey: %v", err)
	}

	srv := server.New(serverKey, ks, pubsub.New(), server.RateLimitConfig{}, slog.Default())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, lis)

	deviceConn, err := net.Dial("tcp", lis.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	t.Cleanup(func() { deviceConn.Close() })

	nonce := make([]byte, cryptoutil.NonceSize)
	if _, err := io.ReadFull(deviceConn, nonce); err != nil {
		t.Fatalf("reading nonce: %v", err)
	}
	plaintext := append(append([]byte(nil), nonce...), rawDeviceID...)
	ciphertext, err := cryptoutil.RSAEncryptPKCS1v15(&serverKey.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("RSAEncryptPKCS1v15: %v", err)
	}
	if _, err := deviceConn.Write(ciphertext); err != nil {
		t.Fatalf("writing core-id: %v", err)
	}

	keySize := serverKey.PublicKey.Size()
	handshakeBuffer := make([]byte, 2*keySize)
	if _, err := io.ReadFull(deviceConn, handshakeBuffer); err != nil {
		t.Fatalf("reading session key buffer: %v", err)
	}
	sessKeyBytes, err := cryptoutil.RSADecryptPKCS1v15(deviceKey, handshakeBuffer[:keySize])
	if err != nil {
		t.Fatalf("RSADecryptPKCS1v15: %v", err)
	}
	sessionKey, err := cryptoutil.ParseSessionKey(sessKeyBytes)
	if err != nil {
		t.Fatalf("ParseSessionKey: %v", err)
	}
	cipherStream := framing.NewCipherStream(framing.NewFrameWriter(deviceConn), sessionKey.Key[:], sessionKey.IV[:])
	if err := cipherStream.WriteRecord([]byte("Hello from device")); err != nil {
		t.Fatalf("writing Hello: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := srv.Session(deviceID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the session to register")
		}
		time.Sleep(time.Millisecond)
	}

	return srv, deviceID
}

func TestOtaHandlerTriggersJobAndRejectsConcurrentClaim(t *testing.T) {
	srv, deviceID := connectedDeviceServer(t)

	db, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	binDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(binDir, "firmware.bin"), []byte("firmware bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	handler := OtaHandler(srv, db, binDir, slog.Default())

	req := newRequestWithID(http.MethodGet, "/api/v1/devices/"+deviceID+"/ota?file=firmware.bin", deviceID)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	req2 := newRequestWithID(http.MethodGet, "/api/v1/devices/"+deviceID+"/ota?file=firmware.bin", deviceID)
	rec2 := httptest.NewRecorder()
	handler(rec2, req2)

	if rec2.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d (OTA already in flight)", rec2.Code, http.StatusConflict)
	}
}

func TestOtaHandlerBinaryNotFound(t *testing.T) {
	srv, deviceID := connectedDeviceServer(t)
	db, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	handler := OtaHandler(srv, db, t.TempDir(), slog.Default())

	req := newRequestWithID(http.MethodGet, "/api/v1/devices/"+deviceID+"/ota?file=missing.bin", deviceID)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	// The binary-not-found path must release the OTA claim it took.
	if !srv.TryClaimOTA(deviceID) {
		t.Error("expected the OTA claim to have been released after a binary-not-found error")
	}
}
