// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package handshake

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/devicecloud-io/core-server/internal/cryptoutil"
	"github.com/devicecloud-io/core-server/internal/framing"
	"github.com/devicecloud-io/core-server/internal/keystore"
	"github.com/devicecloud-io/core-server/internal/protoerr"
)

// fakeKeyStore is an in-memory keystore.KeyStore for tests, avoiding a real
// database dependency.
type fakeKeyStore struct {
	keys map[string]string
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[string]string)}
}

func (f *fakeKeyStore) GetCoreKey(deviceID string) (string, bool, error) {
	pem, ok := f.keys[deviceID]
	return pem, ok, nil
}

func (f *fakeKeyStore) SaveHandshakeKey(deviceID, pemBytes string) error {
	f.keys[deviceID] = pemBytes
	return nil
}

func testDeviceID() []byte {
	return []byte("abcdef012345")
}

func TestHandshakeHappyPath(t *testing.T) {
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey (server): %v", err)
	}
	deviceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey (device): %v", err)
	}

	ks := newFakeKeyStore()
	deviceID, err := keystore.CanonicalDeviceID(testDeviceID())
	if err != nil {
		t.Fatalf("CanonicalDeviceID: %v", err)
	}
	_, pemBytes, err := keystore.ParseDERPublicKey(mustMarshalPKIXPublicKey(t, &deviceKey.PublicKey))
	if err != nil {
		t.Fatalf("ParseDERPublicKey: %v", err)
	}
	if err := ks.SaveHandshakeKey(deviceID, pemBytes); err != nil {
		t.Fatalf("SaveHandshakeKey: %v", err)
	}

	serverConn, deviceConn := net.Pipe()
	defer deviceConn.Close()

	resultCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := Run(context.Background(), serverConn, serverKey, ks, true, nil)
		resultCh <- result
		errCh <- err
	}()

	helloRecord := runDeviceSide(t, deviceConn, serverKey, deviceKey, testDeviceID(), nil)

	result := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.DeviceID != deviceID {
		t.Errorf("DeviceID = %q, want %q", result.DeviceID, deviceID)
	}
	if string(helloRecord) != "Hello from device" {
		t.Fatalf("test setup error: helloRecord = %q", helloRecord)
	}
}

func TestHandshakeNonceMismatch(t *testing.T) {
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey (server): %v", err)
	}
	ks := newFakeKeyStore()

	serverConn, deviceConn := net.Pipe()
	defer deviceConn.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), serverConn, serverKey, ks, true, nil)
		errCh <- err
	}()

	nonce := make([]byte, cryptoutil.NonceSize)
	if _, err := io.ReadFull(deviceConn, nonce); err != nil {
		t.Fatalf("reading nonce: %v", err)
	}

	wrongNonce := make([]byte, cryptoutil.NonceSize)
	wrongNonce[0] = nonce[0] ^ 0xFF

	plaintext := append(append([]byte(nil), wrongNonce...), testDeviceID()...)
	ciphertext, err := cryptoutil.RSAEncryptPKCS1v15(&serverKey.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("RSAEncryptPKCS1v15: %v", err)
	}
	if _, err := deviceConn.Write(ciphertext); err != nil {
		t.Fatalf("writing forged core-id: %v", err)
	}

	err = <-errCh
	var protoErr *protoerr.Error
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected *protoerr.Error, got %v (%T)", err, err)
	}
	if protoErr.Kind != protoerr.KindHandshakeNonceMismatch {
		t.Errorf("Kind = %v, want %v", protoErr.Kind, protoerr.KindHandshakeNonceMismatch)
	}
}

func mustMarshalPKIXPublicKey(t *testing.T, pub *rsa.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("x509.MarshalPKIXPublicKey: %v", err)
	}
	return der
}

// runDeviceSide plays the device's half of the handshake over conn and
// returns the decrypted Hello record it sent, for the test to assert on.
func runDeviceSide(t *testing.T, conn net.Conn, serverKey *rsa.PrivateKey, deviceKey *rsa.PrivateKey, deviceID []byte, extraKeyDER []byte) []byte {
	t.Helper()

	nonce := make([]byte, cryptoutil.NonceSize)
	if _, err := io.ReadFull(conn, nonce); err != nil {
		t.Fatalf("reading nonce: %v", err)
	}

	plaintext := append(append([]byte(nil), nonce...), deviceID...)
	plaintext = append(plaintext, extraKeyDER...)
	ciphertext, err := cryptoutil.RSAEncryptPKCS1v15(&serverKey.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("RSAEncryptPKCS1v15: %v", err)
	}
	if _, err := conn.Write(ciphertext); err != nil {
		t.Fatalf("writing core-id: %v", err)
	}

	keySize := serverKey.PublicKey.Size()
	handshakeBuffer := make([]byte, 2*keySize)
	if _, err := io.ReadFull(conn, handshakeBuffer); err != nil {
		t.Fatalf("reading session key buffer: %v", err)
	}
	sessCiphertext := handshakeBuffer[:keySize]
	signature := handshakeBuffer[keySize:]

	sessKeyBytes, err := cryptoutil.RSADecryptPKCS1v15(deviceKey, sessCiphertext)
	if err != nil {
		t.Fatalf("RSADecryptPKCS1v15: %v", err)
	}
	sessionKey, err := cryptoutil.ParseSessionKey(sessKeyBytes)
	if err != nil {
		t.Fatalf("ParseSessionKey: %v", err)
	}

	tag := cryptoutil.HMACSHA1(sessKeyBytes, sessCiphertext)
	if err := cryptoutil.RSAVerifyPKCS1v15(&serverKey.PublicKey, tag, signature); err != nil {
		t.Fatalf("RSAVerifyPKCS1v15: %v", err)
	}

	cipherStream := framing.NewCipherStream(framing.NewFrameWriter(conn), sessionKey.Key[:], sessionKey.IV[:])
	if err := cipherStream.WriteRecord([]byte("Hello from device")); err != nil {
		t.Fatalf("writing Hello: %v", err)
	}
	return []byte("Hello from device")
}
