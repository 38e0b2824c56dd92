// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package session implements DeviceSession (the source's "SparkCore"): the
// post-handshake owner of a framed, encrypted socket. It parses inbound
// bytes into CoAP messages, tracks the device->server message counter,
// dispatches by symbolic name, and exposes sendMessage/listenFor/sendReply
// plus a cooperative single-owner write lock used by the Flasher during OTA.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"

	"github.com/devicecloud-io/core-server/internal/coap"
	"github.com/devicecloud-io/core-server/internal/framing"
	"github.com/devicecloud-io/core-server/internal/protoerr"
)

// DisconnectHandler is invoked exactly once when a session closes, with the
// cause of the closure (nil for a clean close).
type DisconnectHandler func(cause error)

// Handler is invoked for each inbound message matching a registered event
// name, always from the session's single dispatch goroutine.
type Handler func(msg *coap.Message)

// listener is a one-shot registration created by ListenFor.
type listener struct {
	name  string
	uri   string
	token []byte
	ch    chan *coap.Message
}

// DeviceSession owns one device's framed encrypted socket end to end.
type DeviceSession struct {
	conn     net.Conn
	cipher   *framing.CipherStream
	decipher *framing.DecipherStream
	deviceID string
	logger   *slog.Logger

	mu              sync.Mutex
	outCounter      uint32
	expectedCounter uint32
	owner           string
	closed          bool
	closeCause      error

	handlersMu sync.Mutex
	handlers   map[string][]Handler
	listeners  []*listener

	disconnectMu sync.Mutex
	onDisconnect []DisconnectHandler
}

// New constructs a DeviceSession from a completed handshake. initialCounter
// seeds the expected device->server counter (from the session key's IV).
// The server->device counter starts at a random value; the session does not
// send a Hello of its own carrying that value to the device.
func New(conn net.Conn, cipher *framing.CipherStream, decipher *framing.DecipherStream, deviceID string, initialCounter uint32, logger *slog.Logger) *DeviceSession {
	return &DeviceSession{
		conn:            conn,
		cipher:          cipher,
		decipher:        decipher,
		deviceID:        deviceID,
		logger:          logger,
		outCounter:      rand.Uint32(), //nolint:gosec // not security sensitive, matches device Hello counter seeding
		expectedCounter: initialCounter,
		handlers:        make(map[string][]Handler),
	}
}

// GetID returns the session's DeviceID.
func (s *DeviceSession) GetID() string { return s.deviceID }

// ConnectionKey is a stable identity for logging/correlation purposes.
func (s *DeviceSession) ConnectionKey() string {
	return fmt.Sprintf("%s/%s", s.deviceID, s.conn.RemoteAddr())
}

// TakeOwnership grants exclusive send rights to owner. It fails if another
// owner already holds them.
func (s *DeviceSession) TakeOwnership(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" && s.owner != owner {
		return false
	}
	s.owner = owner
	return true
}

// ReleaseOwnership releases owner's exclusive send rights, if held.
func (s *DeviceSession) ReleaseOwnership(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == owner {
		s.owner = ""
	}
}

// SendMessage serialises and sends a symbolic message, encrypting and
// framing it on the wire. It returns false without writing if the session
// has an exclusive owner and owner is not that owner, or if the session is
// closed.
func (s *DeviceSession) SendMessage(name string, uriQueries [][]byte, payload []byte, owner string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.owner != "" && s.owner != owner {
		s.mu.Unlock()
		return false
	}
	s.outCounter++
	counter := s.outCounter
	s.mu.Unlock()

	def, ok := coap.ByName(name)
	if !ok {
		if s.logger != nil {
			s.logger.Error("unknown symbolic message name", "name", name)
		}
		return false
	}

	msg := &coap.Message{
		Type:      def.Type,
		Code:      def.Code,
		MessageID: uint16(counter),
	}
	for _, segment := range splitPath(def.Path) {
		msg.AddOption(coap.OptionURIPath, []byte(segment))
	}
	for _, q := range uriQueries {
		msg.AddOption(coap.OptionURIQuery, q)
	}
	msg.Payload = payload

	encoded, err := coap.Encode(msg)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("encoding outbound message", "name", name, "err", err)
		}
		return false
	}
	if err := s.cipher.WriteRecord(encoded); err != nil {
		s.closeWith(protoerr.New(protoerr.KindSessionIO, "send-message", err))
		return false
	}
	return true
}

// SendReply sends a response-style message carrying the given CoAP message
// id (e.g. an ACK), without requiring ownership: replies are always allowed
// regardless of who currently owns the session, matching the Flasher's
// ChunkMissedAck behavior.
func (s *DeviceSession) SendReply(name string, messageID uint16) bool {
	def, ok := coap.ByName(name)
	if !ok {
		return false
	}
	msg := &coap.Message{
		Type:      coap.TypeAcknowledge,
		Code:      def.Code,
		MessageID: messageID,
	}
	for _, segment := range splitPath(def.Path) {
		msg.AddOption(coap.OptionURIPath, []byte(segment))
	}
	encoded, err := coap.Encode(msg)
	if err != nil {
		return false
	}
	if err := s.cipher.WriteRecord(encoded); err != nil {
		s.closeWith(protoerr.New(protoerr.KindSessionIO, "send-reply", err))
		return false
	}
	return true
}

// ListenFor registers a one-shot wait for the next inbound message matching
// name (and, if non-empty/non-nil, uri and token). It returns a channel that
// receives exactly one message, and a cancel function that unregisters the
// listener if it is no longer wanted.
func (s *DeviceSession) ListenFor(name, uri string, token []byte) (<-chan *coap.Message, func()) {
	l := &listener{name: name, uri: uri, token: token, ch: make(chan *coap.Message, 1)}
	s.handlersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.handlersMu.Unlock()

	cancel := func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		for i, other := range s.listeners {
			if other == l {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
	return l.ch, cancel
}

// On registers a standing handler for every inbound message with the given
// symbolic name, including internal pseudo-events such as "msg_chunkmissed".
func (s *DeviceSession) On(eventName string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[eventName] = append(s.handlers[eventName], h)
}

// OnDisconnect registers a handler invoked exactly once when the session
// closes.
func (s *DeviceSession) OnDisconnect(h DisconnectHandler) {
	s.disconnectMu.Lock()
	defer s.disconnectMu.Unlock()
	s.onDisconnect = append(s.onDisconnect, h)
}

// Run is the session's single dispatch loop: it reads, decrypts, parses,
// validates the counter, and dispatches inbound messages until the socket
// errors, a protocol violation occurs, or ctx is cancelled. It processes
// pendingBuffers (handed off from the Handshake) before reading any new
// bytes, preserving arrival order.
func (s *DeviceSession) Run(ctx context.Context, pendingBuffers [][]byte) {
	defer s.conn.Close()

	for _, buf := range pendingBuffers {
		if !s.processRecord(buf) {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()
	defer close(done)

	for {
		record, err := s.decipher.ReadRecord()
		if err != nil {
			s.closeWith(protoerr.New(protoerr.KindSessionIO, "dispatch-loop", err))
			return
		}
		if !s.processRecord(record) {
			return
		}
	}
}

// processRecord parses and dispatches one decrypted record. It returns
// false if the session was closed as a result (caller should stop reading).
func (s *DeviceSession) processRecord(record []byte) bool {
	msg, err := coap.Decode(record)
	if err != nil {
		s.closeWith(protoerr.New(protoerr.KindSessionIO, "parse-message", err))
		return false
	}

	if !s.validateAndAdvanceCounter(msg.MessageID) {
		s.closeWith(protoerr.New(protoerr.KindSessionCounterMismatch, "dispatch-loop", nil))
		return false
	}

	name, err := coap.NameOf(msg)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("unrecognised inbound message", "err", err)
		}
		return true
	}

	s.dispatch(name, msg)
	return true
}

// validateAndAdvanceCounter enforces spec.md's counter invariant: the
// device->server counter must increment by exactly 1 per message, wrapping
// from 0xFFFFFFFF to 0. Only the low 16 bits of that counter ever travel on
// the wire (CoAP's MessageID field), so the incoming id is checked against
// expectedCounter's low 16 bits while the full 32-bit value keeps advancing
// underneath, matching testable property #4's mod-2^32 accounting.
func (s *DeviceSession) validateAndAdvanceCounter(wireID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wireID != uint16(s.expectedCounter) {
		return false
	}
	s.expectedCounter++
	return true
}

func (s *DeviceSession) dispatch(name string, msg *coap.Message) {
	s.handlersMu.Lock()
	var matchedListeners []*listener
	remaining := s.listeners[:0]
	for _, l := range s.listeners {
		if l.name == name && (l.uri == "" || l.uri == msg.URIPath()) && (len(l.token) == 0 || tokensEqual(l.token, msg.Token)) {
			matchedListeners = append(matchedListeners, l)
			continue
		}
		remaining = append(remaining, l)
	}
	s.listeners = remaining
	handlers := append([]Handler(nil), s.handlers[name]...)
	handlers = append(handlers, s.handlers[internalEventName(name)]...)
	s.handlersMu.Unlock()

	for _, l := range matchedListeners {
		l.ch <- msg
		close(l.ch)
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (s *DeviceSession) closeWith(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeCause = cause
	s.mu.Unlock()

	_ = s.conn.Close()

	s.disconnectMu.Lock()
	handlers := append([]DisconnectHandler(nil), s.onDisconnect...)
	s.disconnectMu.Unlock()
	for _, h := range handlers {
		h(cause)
	}
}

// Close closes the session cleanly (no cause).
func (s *DeviceSession) Close() {
	s.closeWith(nil)
}

func tokensEqual(a, b []byte) bool {
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

// internalEventName maps a symbolic CoAP message name to its internal
// pseudo-event name (e.g. "ChunkMissed" -> "msg_chunkmissed"), so that
// upper layers like the Flasher can subscribe via On("msg_chunkmissed", ...)
// as named in spec.md §4.2, distinct from the user-facing EventPublisher.
func internalEventName(name string) string {
	b := make([]byte, 0, len(name)+4)
	b = append(b, "msg_"...)
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b = append(b, byte(r))
	}
	return string(b)
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}
