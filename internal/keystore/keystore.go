// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package keystore defines the KeyStore contract used by the handshake to
// look up and persist per-device RSA public keys, plus DER/PEM parsing
// helpers. The gorm-backed implementation is store.DB in internal/store.
package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// DeviceIDSize is the length in bytes of a raw DeviceID as sent by the
// device during handshake.
const DeviceIDSize = 12

// CanonicalDeviceID encodes a raw DeviceIDSize-byte device id as lowercase
// hex, rejecting any other length.
func CanonicalDeviceID(raw []byte) (string, error) {
	if len(raw) != DeviceIDSize {
		return "", fmt.Errorf("keystore: device id must be %d bytes, got %d", DeviceIDSize, len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// KeyStore looks up and persists per-device RSA public keys, keyed by
// canonical DeviceID and stored as PEM text.
type KeyStore interface {
	// GetCoreKey returns the device's known public key PEM, or ok=false
	// if the device has never been seen.
	GetCoreKey(deviceID string) (pemBytes string, ok bool, err error)

	// SaveHandshakeKey persists a PEM-encoded public key learned in-band
	// during a handshake (converted from the DER blob a first-seen
	// device appends to its handshake payload).
	SaveHandshakeKey(deviceID string, pemBytes string) error
}

// Lookup resolves a device's RSA public key via ks, parsing the stored PEM.
func Lookup(ks KeyStore, deviceID string) (*rsa.PublicKey, bool, error) {
	pemBytes, ok, err := ks.GetCoreKey(deviceID)
	if err != nil || !ok {
		return nil, ok, err
	}
	pub, err := ParsePEMPublicKey([]byte(pemBytes))
	if err != nil {
		return nil, false, err
	}
	return pub, true, nil
}

// ParseDERPublicKey parses the DER blob a first-seen device appends to its
// handshake payload into an RSA public key, and returns its PEM encoding for
// persistence. The PEM is always re-encoded as PKIX, regardless of which
// encoding the device sent, so that ParsePEMPublicKey's single PKIX-only
// read path can always parse back whatever was stored.
func ParseDERPublicKey(der []byte) (*rsa.PublicKey, string, error) {
	var rsaPub *rsa.PublicKey
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		var ok bool
		rsaPub, ok = pub.(*rsa.PublicKey)
		if !ok {
			return nil, "", fmt.Errorf("keystore: device public key is not RSA")
		}
	} else {
		// Some deployed devices send PKCS#1 rather than PKIX.
		rsaPub, err = x509.ParsePKCS1PublicKey(der)
		if err != nil {
			return nil, "", fmt.Errorf("keystore: parsing device public key: %w", err)
		}
	}

	pkixDER, err := x509.MarshalPKIXPublicKey(rsaPub)
	if err != nil {
		return nil, "", fmt.Errorf("keystore: re-encoding device public key as PKIX: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: pkixDER}
	return rsaPub, string(pem.EncodeToMemory(block)), nil
}

// ParsePEMPublicKey parses a PEM-encoded RSA public key as persisted by
// a KeyStore's SaveHandshakeKey (for example store.DB).
func ParsePEMPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("keystore: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keystore: parsing PEM public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keystore: PEM public key is not RSA")
	}
	return rsaPub, nil
}
