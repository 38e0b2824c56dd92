// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package server implements DeviceServer: the TCP accept loop that pairs a
// Handshake with a DeviceSession for every device connection, rate-limits
// handshake attempts per remote address, and maintains the connected-device
// registry consulted by the HTTP operational API.
package server

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/devicecloud-io/core-server/internal/handshake"
	"github.com/devicecloud-io/core-server/internal/keystore"
	"github.com/devicecloud-io/core-server/internal/pubsub"
	"github.com/devicecloud-io/core-server/internal/session"
)

// EventDeviceConnected and EventDeviceDisconnected are published on the
// server's Publisher whenever a DeviceSession is registered/deregistered.
const (
	EventDeviceConnected    = "device/connected"
	EventDeviceDisconnected = "device/disconnected"
)

// RateLimitConfig bounds handshake attempts per remote address, per
// SPEC_FULL.md §3's RateLimitConfig.
type RateLimitConfig struct {
	HandshakesPerSecond float64
	HandshakeBurst      int
}

// RegistryEntry describes one live connection for the operational API.
type RegistryEntry struct {
	DeviceID      string
	RemoteAddr    string
	ConnectedAt   time.Time
	LastMessageAt time.Time
}

// DeviceServer accepts TCP connections, performs the device handshake, and
// hands successful connections off to a DeviceSession dispatch loop.
type DeviceServer struct {
	serverKey *rsa.PrivateKey
	keyStore  keystore.KeyStore
	publisher *pubsub.Publisher
	logger    *slog.Logger
	rateLimit RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	registryMu sync.RWMutex
	registry   map[string]*RegistryEntry
	sessions   map[string]*session.DeviceSession

	otaMu       sync.Mutex
	otaInFlight map[string]struct{}
}

// New constructs a DeviceServer. publisher and keyStore are shared,
// process-global dependencies injected by the caller (cmd/serve.go).
func New(serverKey *rsa.PrivateKey, keyStore keystore.KeyStore, publisher *pubsub.Publisher, rl RateLimitConfig, logger *slog.Logger) *DeviceServer {
	return &DeviceServer{
		serverKey: serverKey,
		keyStore:  keyStore,
		publisher: publisher,
		logger:    logger,
		rateLimit: rl,
		limiters:  make(map[string]*rate.Limiter),
		registry:    make(map[string]*RegistryEntry),
		sessions:    make(map[string]*session.DeviceSession),
		otaInFlight: make(map[string]struct{}),
	}
}

// TryClaimOTA reserves exclusive rights to run an OTA job against deviceID.
// It returns false if a job is already in flight for that device.
func (d *DeviceServer) TryClaimOTA(deviceID string) bool {
	d.otaMu.Lock()
	defer d.otaMu.Unlock()
	if _, ok := d.otaInFlight[deviceID]; ok {
		return false
	}
	d.otaInFlight[deviceID] = struct{}{}
	return true
}

// ReleaseOTA releases a claim taken by TryClaimOTA.
func (d *DeviceServer) ReleaseOTA(deviceID string) {
	d.otaMu.Lock()
	defer d.otaMu.Unlock()
	delete(d.otaInFlight, deviceID)
}

// Serve accepts connections on lis until ctx is cancelled or Accept fails.
func (d *DeviceServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *DeviceServer) handleConn(ctx context.Context, conn net.Conn) {
	host := remoteHost(conn.RemoteAddr())
	if !d.allow(host) {
		if d.logger != nil {
			d.logger.Warn("rejecting connection, handshake rate limit exceeded", "remote", host)
		}
		_ = conn.Close()
		return
	}

	result, err := handshake.Run(ctx, conn, d.serverKey, d.keyStore, true, d.logger)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("handshake failed", "remote", host, "err", err)
		}
		return
	}

	sess := session.New(conn, result.Cipher, result.Decipher, result.DeviceID, result.SessionKey.CounterSeed(), d.logger)
	d.register(sess)
	sess.OnDisconnect(func(cause error) {
		d.deregister(sess.GetID())
		if cause != nil && d.logger != nil {
			d.logger.Debug("session closed", "deviceID", sess.GetID(), "err", cause)
		}
		d.publisher.Publish(pubsub.Event{
			Name:        EventDeviceDisconnected,
			DeviceID:    sess.GetID(),
			IsPublic:    false,
			IsInternal:  true,
			PublishedAt: time.Now(),
		})
	})

	d.publisher.Publish(pubsub.Event{
		Name:        EventDeviceConnected,
		DeviceID:    sess.GetID(),
		IsPublic:    false,
		IsInternal:  true,
		PublishedAt: time.Now(),
	})

	sess.Run(ctx, result.PendingBuffers)
}

func (d *DeviceServer) allow(host string) bool {
	if d.rateLimit.HandshakesPerSecond <= 0 {
		return true
	}
	d.mu.Lock()
	lim, ok := d.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.rateLimit.HandshakesPerSecond), d.rateLimit.HandshakeBurst)
		d.limiters[host] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}

func (d *DeviceServer) register(sess *session.DeviceSession) {
	now := time.Now()
	d.registryMu.Lock()
	defer d.registryMu.Unlock()
	d.sessions[sess.GetID()] = sess
	d.registry[sess.GetID()] = &RegistryEntry{
		DeviceID:      sess.GetID(),
		RemoteAddr:    sess.ConnectionKey(),
		ConnectedAt:   now,
		LastMessageAt: now,
	}
}

func (d *DeviceServer) deregister(deviceID string) {
	d.registryMu.Lock()
	defer d.registryMu.Unlock()
	delete(d.sessions, deviceID)
	delete(d.registry, deviceID)
}

// Session returns the live DeviceSession for deviceID, if connected.
func (d *DeviceServer) Session(deviceID string) (*session.DeviceSession, bool) {
	d.registryMu.RLock()
	defer d.registryMu.RUnlock()
	sess, ok := d.sessions[deviceID]
	return sess, ok
}

// Connected returns a snapshot of the connected-device registry, optionally
// filtered to a single deviceID.
func (d *DeviceServer) Connected(deviceID string) []RegistryEntry {
	d.registryMu.RLock()
	defer d.registryMu.RUnlock()
	if deviceID != "" {
		if e, ok := d.registry[deviceID]; ok {
			return []RegistryEntry{*e}
		}
		return nil
	}
	entries := make([]RegistryEntry, 0, len(d.registry))
	for _, e := range d.registry {
		entries = append(entries, *e)
	}
	return entries
}

func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return strings.TrimSpace(addr.String())
	}
	return host
}
