// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package handshake implements the five-step RSA+AES key-exchange state
// machine run once per accepted socket. Each step is a separate function
// that run calls in sequence, passing results along explicitly; a step
// either returns its outputs or a typed *protoerr.Error, and the single
// deadline set up in Run bounds the whole sequence.
package handshake

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/devicecloud-io/core-server/internal/cryptoutil"
	"github.com/devicecloud-io/core-server/internal/framing"
	"github.com/devicecloud-io/core-server/internal/keystore"
	"github.com/devicecloud-io/core-server/internal/protoerr"
)

// GlobalTimeout bounds the entire handshake exchange.
const GlobalTimeout = 10 * time.Second

// ReadTimeout bounds each individual blocking read within the handshake.
const ReadTimeout = 30 * time.Second

// Result is the outcome of a completed handshake, handed off to a
// DeviceSession.
type Result struct {
	DeviceID        string
	Cipher          *framing.CipherStream
	Decipher        *framing.DecipherStream
	SessionKey      cryptoutil.SessionKey
	HandshakeBuffer []byte
	PendingBuffers  [][]byte
}

// Run drives the handshake to completion over conn, using serverKey as the
// server's RSA keypair and ks to resolve/persist device public keys. On any
// failure it closes conn itself and returns a *protoerr.Error identifying
// the failed stage.
func Run(ctx context.Context, conn net.Conn, serverKey *rsa.PrivateKey, ks keystore.KeyStore, useFraming bool, logger *slog.Logger) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, GlobalTimeout)
	defer cancel()

	result, err := run(ctx, conn, serverKey, ks, useFraming, logger)
	if err != nil {
		_ = conn.Close()
		if logger != nil {
			logger.Warn("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		}
		return nil, err
	}
	return result, nil
}

func run(ctx context.Context, conn net.Conn, serverKey *rsa.PrivateKey, ks keystore.KeyStore, useFraming bool, logger *slog.Logger) (*Result, error) {
	nonce, err := sendNonce(ctx, conn)
	if err != nil {
		return nil, err
	}

	deviceID, sessionNonceEcho, providedKeyDER, err := readCoreID(ctx, conn, serverKey, nonce)
	if err != nil {
		return nil, err
	}
	_ = sessionNonceEcho

	devicePub, err := getCoreKey(ks, deviceID, providedKeyDER)
	if err != nil {
		return nil, err
	}

	sessionKey, handshakeBuffer, err := sendSessionKey(ctx, conn, serverKey, devicePub)
	if err != nil {
		return nil, err
	}

	cipherStream, decipherStream, err := buildStreams(conn, sessionKey, useFraming)
	if err != nil {
		return nil, err
	}

	helloRecord, pending, err := sendHello(ctx, conn, decipherStream)
	if err != nil {
		return nil, err
	}
	_ = helloRecord

	if logger != nil {
		logger.Info("handshake complete", "device_id", deviceID, "remote", conn.RemoteAddr())
	}

	return &Result{
		DeviceID:        deviceID,
		Cipher:          cipherStream,
		Decipher:        decipherStream,
		SessionKey:      sessionKey,
		HandshakeBuffer: handshakeBuffer,
		PendingBuffers:  pending,
	}, nil
}

// sendNonce is state 1: generate 40 random bytes and write them raw.
func sendNonce(ctx context.Context, conn net.Conn) ([]byte, error) {
	nonce, err := cryptoutil.RandomBytes(cryptoutil.NonceSize)
	if err != nil {
		return nil, protoerr.New(protoerr.KindHandshakeDecrypt, "send-nonce", err)
	}
	if err := setWriteDeadline(ctx, conn); err != nil {
		return nil, protoerr.New(protoerr.KindSessionIO, "send-nonce", err)
	}
	if _, err := conn.Write(nonce); err != nil {
		return nil, protoerr.New(protoerr.KindSessionIO, "send-nonce", err)
	}
	return nonce, nil
}

// readCoreID is state 2: read 256 bytes, RSA-decrypt, validate nonce echo,
// extract DeviceID and optional DER public key.
func readCoreID(ctx context.Context, conn net.Conn, serverKey *rsa.PrivateKey, nonce []byte) (deviceID string, echoedNonce []byte, providedKeyDER []byte, err error) {
	if err := setReadDeadline(ctx, conn, ReadTimeout); err != nil {
		return "", nil, nil, protoerr.New(protoerr.KindSessionIO, "read-core-id", err)
	}
	buf := make([]byte, 256)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", nil, nil, classifyReadErr(err, "read-core-id")
	}

	plaintext, err := cryptoutil.RSADecryptPKCS1v15(serverKey, buf)
	if err != nil {
		return "", nil, nil, protoerr.New(protoerr.KindHandshakeDecrypt, "read-core-id", err)
	}
	if len(plaintext) < cryptoutil.NonceSize+keystore.DeviceIDSize {
		return "", nil, nil, protoerr.New(protoerr.KindHandshakeDecrypt, "read-core-id",
			fmt.Errorf("decrypted payload too short: %d bytes", len(plaintext)))
	}

	echoedNonce = plaintext[:cryptoutil.NonceSize]
	if !equalBytes(echoedNonce, nonce) {
		return "", nil, nil, protoerr.New(protoerr.KindHandshakeNonceMismatch, "read-core-id", nil)
	}

	rawID := plaintext[cryptoutil.NonceSize : cryptoutil.NonceSize+keystore.DeviceIDSize]
	deviceID, err = keystore.CanonicalDeviceID(rawID)
	if err != nil {
		return "", nil, nil, protoerr.New(protoerr.KindHandshakeDecrypt, "read-core-id", err)
	}

	if rest := plaintext[cryptoutil.NonceSize+keystore.DeviceIDSize:]; len(rest) > 0 {
		providedKeyDER = append([]byte(nil), rest...)
	}

	return deviceID, echoedNonce, providedKeyDER, nil
}

// getCoreKey is state 3: look up (or accept and persist) the device key.
func getCoreKey(ks keystore.KeyStore, deviceID string, providedKeyDER []byte) (*rsa.PublicKey, error) {
	if len(providedKeyDER) > 0 {
		pub, pemBytes, err := keystore.ParseDERPublicKey(providedKeyDER)
		if err != nil {
			return nil, protoerr.New(protoerr.KindHandshakeUnknownDevice, "get-core-key", err)
		}
		if err := ks.SaveHandshakeKey(deviceID, pemBytes); err != nil {
			return nil, protoerr.New(protoerr.KindHandshakeUnknownDevice, "get-core-key", err)
		}
		return pub, nil
	}

	pub, ok, err := keystore.Lookup(ks, deviceID)
	if err != nil {
		return nil, protoerr.New(protoerr.KindHandshakeUnknownDevice, "get-core-key", err)
	}
	if !ok {
		return nil, protoerr.New(protoerr.KindHandshakeUnknownDevice, "get-core-key",
			fmt.Errorf("no key on file for device %s", deviceID))
	}
	return pub, nil
}

// sendSessionKey is state 4: generate, encrypt, MAC, sign, and write the
// session key. The cipher/decipher streams are built afterwards by
// buildStreams.
func sendSessionKey(ctx context.Context, conn net.Conn, serverKey *rsa.PrivateKey, devicePub *rsa.PublicKey) (cryptoutil.SessionKey, []byte, error) {
	sessionKey, err := cryptoutil.NewSessionKey()
	if err != nil {
		return cryptoutil.SessionKey{}, nil, protoerr.New(protoerr.KindHandshakeDecrypt, "send-session-key", err)
	}

	ciphertext, err := cryptoutil.RSAEncryptPKCS1v15(devicePub, sessionKey.Bytes())
	if err != nil {
		return cryptoutil.SessionKey{}, nil, protoerr.New(protoerr.KindHandshakeDecrypt, "send-session-key", err)
	}

	tag := cryptoutil.HMACSHA1(sessionKey.Bytes(), ciphertext)

	signature, err := cryptoutil.RSASignPKCS1v15(serverKey, tag)
	if err != nil {
		return cryptoutil.SessionKey{}, nil, protoerr.New(protoerr.KindHandshakeDecrypt, "send-session-key", err)
	}

	handshakeBuffer := append(append([]byte(nil), ciphertext...), signature...)

	if err := setWriteDeadline(ctx, conn); err != nil {
		return cryptoutil.SessionKey{}, nil, protoerr.New(protoerr.KindSessionIO, "send-session-key", err)
	}
	if _, err := conn.Write(handshakeBuffer); err != nil {
		return cryptoutil.SessionKey{}, nil, protoerr.New(protoerr.KindSessionIO, "send-session-key", err)
	}

	return sessionKey, handshakeBuffer, nil
}

// buildStreams constructs the cipher/decipher streams piped through the
// ChunkingFramer. useFraming=false (disabling the framer) is not supported:
// no deployed device firmware negotiates it, and doing so would require an
// entirely different wire convention for locating record boundaries.
func buildStreams(conn net.Conn, sk cryptoutil.SessionKey, useFraming bool) (*framing.CipherStream, *framing.DecipherStream, error) {
	if !useFraming {
		return nil, nil, protoerr.New(protoerr.KindSessionIO, "send-session-key",
			fmt.Errorf("unframed transport is not supported"))
	}
	fw := framing.NewFrameWriter(conn)
	fr := framing.NewFrameReader(conn)
	cipherStream := framing.NewCipherStream(fw, sk.Key[:], sk.IV[:])
	decipherStream := framing.NewDecipherStream(fr, sk.Key[:], sk.IV[:])
	return cipherStream, decipherStream, nil
}

// sendHello is state 5: wait for the device's first decrypted block (its
// Hello), honoring the 30s read timeout. Any further already-arrived
// records are drained with a short non-blocking deadline and queued as
// PendingBuffers, to be handed to the DeviceSession in arrival order. All
// reads happen sequentially on the caller's goroutine so that no read ever
// races with the DeviceSession that takes over the same decipher stream
// once Run returns.
func sendHello(ctx context.Context, conn net.Conn, decipher *framing.DecipherStream) (helloRecord []byte, pending [][]byte, err error) {
	if err := setReadDeadline(ctx, conn, ReadTimeout); err != nil {
		return nil, nil, protoerr.New(protoerr.KindSessionIO, "send-hello", err)
	}
	helloRecord, err = decipher.ReadRecord()
	if err != nil {
		return nil, nil, classifyReadErr(err, "send-hello")
	}

	// Drain any records that arrived alongside Hello without blocking
	// further: a short grace deadline catches coalesced writes from the
	// device without risking a hang if nothing more is pending.
	for {
		if err := conn.SetReadDeadline(time.Now().Add(drainGrace)); err != nil {
			return helloRecord, pending, nil
		}
		rec, err := decipher.ReadRecord()
		if err != nil {
			// Clear the grace deadline so the DeviceSession's reads block
			// normally instead of failing at once on an expired deadline.
			_ = conn.SetReadDeadline(time.Time{})
			return helloRecord, pending, nil
		}
		pending = append(pending, rec)
	}
}

const drainGrace = 15 * time.Millisecond

func setWriteDeadline(ctx context.Context, conn net.Conn) error {
	if dl, ok := ctx.Deadline(); ok {
		return conn.SetWriteDeadline(dl)
	}
	return conn.SetWriteDeadline(time.Time{})
}

func setReadDeadline(ctx context.Context, conn net.Conn, cap time.Duration) error {
	deadline := time.Now().Add(cap)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	return conn.SetReadDeadline(deadline)
}

func classifyReadErr(err error, stage string) *protoerr.Error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return protoerr.New(protoerr.KindHandshakeTimeout, stage, err)
	}
	return protoerr.New(protoerr.KindSessionIO, stage, err)
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
