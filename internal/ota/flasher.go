// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package ota implements the Flasher: a retry-aware chunked OTA delivery
// state machine run over a DeviceSession the Flasher has taken ownership of.
// It supports both slow OTA (request/ack per chunk) and fast OTA (pipelined,
// missed-chunk recovery), deciding between them from the device's
// UpdateReady response.
package ota

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/devicecloud-io/core-server/internal/coap"
	"github.com/devicecloud-io/core-server/internal/protoerr"
	"github.com/devicecloud-io/core-server/internal/session"
)

// DefaultChunkSize is the default OTA chunk size in bytes.
const DefaultChunkSize = 256

// MaxChunkSize is the largest chunk size this protocol supports.
const MaxChunkSize = 594

// MaxMissedChunks bounds the number of concurrently outstanding missed-chunk
// reports before the OTA is considered unrecoverable.
const MaxMissedChunks = 10

// OverallTimeout bounds the entire OTA job.
const OverallTimeout = 60 * time.Second

// updateReadyRetryWaits is the UpdateBegin/UpdateReady retry schedule: three
// 6s attempts followed by one final 90s attempt.
var updateReadyRetryWaits = []time.Duration{6 * time.Second, 6 * time.Second, 6 * time.Second, 90 * time.Second}

// DestFlag selects the OTA destination region on the device.
type DestFlag uint8

const (
	DestFlagFactory DestFlag = 0
	DestFlagOTA     DestFlag = 1
)

// Options configures a single OTA job.
type Options struct {
	ChunkSize          uint16
	DestFlag           DestFlag
	DestAddr           uint32
	IgnoreMissedChunks bool // only consulted when fast OTA is not negotiated
}

// Flasher orchestrates one OTA update across a single DeviceSession.
type Flasher struct {
	sess    *session.DeviceSession
	owner   string
	buffer  []byte
	opts    Options
	logger  *slog.Logger
	fastOTA bool

	chunkIndex      int
	missedChunks    map[uint16]struct{}
	missedCh        chan []uint16
	cancelMissed    func()
	protocolVersion uint8
}

// Result summarises a completed OTA job for audit/logging purposes.
type Result struct {
	ProtocolVersion  uint8
	FastOTA          bool
	MissedChunkCount int
}

// New constructs a Flasher for one OTA job. owner is the cooperative
// ownership token passed to DeviceSession.TakeOwnership/ReleaseOwnership.
func New(sess *session.DeviceSession, owner string, buffer []byte, opts Options, logger *slog.Logger) *Flasher {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Flasher{
		sess:         sess,
		owner:        owner,
		buffer:       buffer,
		opts:         opts,
		logger:       logger,
		missedChunks: make(map[uint16]struct{}),
		missedCh:     make(chan []uint16, 64),
	}
}

// Run drives the OTA job to completion. Every path after a successful claim
// releases ownership exactly once. The msg_chunkmissed handler registered on
// the session is not removed when Run returns.
func (f *Flasher) Run(ctx context.Context) (*Result, error) {
	if len(f.buffer) == 0 {
		return nil, protoerr.New(protoerr.KindOtaClaimDenied, "prepare", fmt.Errorf("empty firmware buffer"))
	}
	if f.opts.ChunkSize > MaxChunkSize {
		return nil, protoerr.New(protoerr.KindOtaClaimDenied, "prepare", fmt.Errorf("chunk size %d exceeds max %d", f.opts.ChunkSize, MaxChunkSize))
	}

	ctx, cancel := context.WithTimeout(ctx, OverallTimeout)
	defer cancel()

	if !f.sess.TakeOwnership(f.owner) {
		return nil, protoerr.New(protoerr.KindOtaClaimDenied, "claim", nil)
	}
	defer f.sess.ReleaseOwnership(f.owner)

	f.chunkIndex = -1
	f.subscribeMissed()
	defer f.cancelMissed()

	if err := f.begin(ctx); err != nil {
		return nil, err
	}

	if err := f.sendLoop(ctx); err != nil {
		return nil, err
	}

	if err := f.drain(ctx); err != nil {
		return nil, err
	}

	if !f.sess.SendMessage("UpdateDone", nil, nil, f.owner) {
		return nil, protoerr.New(protoerr.KindSessionIO, "finish", fmt.Errorf("failed to send UpdateDone"))
	}

	return &Result{
		ProtocolVersion:  f.protocolVersion,
		FastOTA:          f.fastOTA,
		MissedChunkCount: len(f.missedChunks),
	}, nil
}

// subscribeMissed registers the msg_chunkmissed internal handler: it
// immediately acks the message, then parses the payload as a sequence of
// big-endian uint16 chunk indexes and forwards them to missedCh.
func (f *Flasher) subscribeMissed() {
	f.sess.On("msg_chunkmissed", func(msg *coap.Message) {
		f.sess.SendReply("ChunkMissedAck", msg.MessageID)

		if !f.fastOTA && f.opts.IgnoreMissedChunks {
			return
		}

		var indexes []uint16
		for i := 0; i+1 < len(msg.Payload); i += 2 {
			indexes = append(indexes, binary.BigEndian.Uint16(msg.Payload[i:i+2]))
		}
		select {
		case f.missedCh <- indexes:
		default:
			if f.logger != nil {
				f.logger.Warn("missed-chunk channel full, dropping report")
			}
		}
	})
	f.cancelMissed = func() {}
}

func (f *Flasher) begin(ctx context.Context) error {
	flags := uint8(0x01) // bit 0: fast OTA supported

	payload := make([]byte, 12)
	payload[0] = flags
	binary.BigEndian.PutUint16(payload[1:3], f.opts.ChunkSize)
	binary.BigEndian.PutUint32(payload[3:7], uint32(len(f.buffer)))
	payload[7] = uint8(f.opts.DestFlag)
	binary.BigEndian.PutUint32(payload[8:12], f.opts.DestAddr)

	for attempt := 0; ; attempt++ {
		readyCh, cancelReady := f.sess.ListenFor("UpdateReady", "", nil)
		abortCh, cancelAbort := f.sess.ListenFor("UpdateAbort", "", nil)

		if !f.sess.SendMessage("UpdateBegin", nil, payload, f.owner) {
			cancelReady()
			cancelAbort()
			return protoerr.New(protoerr.KindSessionIO, "begin", fmt.Errorf("failed to send UpdateBegin"))
		}

		wait := updateReadyRetryWaits[min(attempt, len(updateReadyRetryWaits)-1)]
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			cancelReady()
			cancelAbort()
			return protoerr.New(protoerr.KindOtaTimeout, "begin", ctx.Err())

		case msg := <-readyCh:
			timer.Stop()
			cancelAbort()
			if len(msg.Payload) < 1 {
				return protoerr.New(protoerr.KindOtaBeginTimeout, "begin", fmt.Errorf("empty UpdateReady payload"))
			}
			f.protocolVersion = msg.Payload[0]
			f.fastOTA = f.protocolVersion > 0
			return nil

		case msg := <-abortCh:
			timer.Stop()
			cancelReady()
			reason := "unknown"
			if len(msg.Payload) >= 1 {
				reason = fmt.Sprintf("%d", msg.Payload[0])
			}
			return protoerr.Aborted("begin", reason)

		case <-timer.C:
			cancelReady()
			cancelAbort()
			if attempt == len(updateReadyRetryWaits)-1 {
				return protoerr.New(protoerr.KindOtaBeginTimeout, "begin", fmt.Errorf("no UpdateReady after %d attempts", attempt+1))
			}
			// retry: loop around and resend UpdateBegin
		}
	}
}

func (f *Flasher) sendLoop(ctx context.Context) error {
	total := len(f.buffer)
	chunkSize := int(f.opts.ChunkSize)

	for offset := 0; offset < total; offset += chunkSize {
		f.chunkIndex++
		if err := f.sendChunk(ctx, f.chunkIndex, offset); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk reads chunkSize bytes at offset (zero-padding the final short
// chunk), computes its CRC32, and sends it. In slow OTA it awaits
// ChunkReceived; in fast OTA it returns immediately.
func (f *Flasher) sendChunk(ctx context.Context, index int, offset int) error {
	chunkSize := int(f.opts.ChunkSize)
	chunk := make([]byte, chunkSize)
	n := copy(chunk, f.buffer[offset:min(offset+chunkSize, len(f.buffer))])
	for i := n; i < chunkSize; i++ {
		chunk[i] = 0
	}

	crc := crc32.ChecksumIEEE(chunk)
	var crcQuery [4]byte
	binary.BigEndian.PutUint32(crcQuery[:], crc)

	queries := [][]byte{crcQuery[:]}
	if f.fastOTA {
		var idxQuery [2]byte
		binary.BigEndian.PutUint16(idxQuery[:], uint16(index))
		queries = append(queries, idxQuery[:])
	}

	if err := f.checkMissedFlood(); err != nil {
		return err
	}

	if f.fastOTA {
		if !f.sess.SendMessage("Chunk", queries, chunk, f.owner) {
			return protoerr.New(protoerr.KindSessionIO, "send-loop", fmt.Errorf("failed to send chunk %d", index))
		}
		return nil
	}

	receivedCh, cancel := f.sess.ListenFor("ChunkReceived", "", nil)
	defer cancel()

	if !f.sess.SendMessage("Chunk", queries, chunk, f.owner) {
		return protoerr.New(protoerr.KindSessionIO, "send-loop", fmt.Errorf("failed to send chunk %d", index))
	}

	select {
	case <-ctx.Done():
		return protoerr.New(protoerr.KindOtaTimeout, "send-loop", ctx.Err())
	case msg := <-receivedCh:
		if len(msg.Payload) < 1 || msg.Payload[0] != 0 {
			return protoerr.New(protoerr.KindOtaChunkReceivedFail, "send-loop", fmt.Errorf("chunk %d not acknowledged", index))
		}
		return nil
	}
}

// drain runs after the buffer is exhausted: in fast OTA, it waits 3s for
// stragglers, then for up to 3 rounds retransmits any reported missed
// chunks and waits another 3s.
func (f *Flasher) drain(ctx context.Context) error {
	if !f.fastOTA {
		return nil
	}

	if err := f.waitForMissedReports(ctx, 3*time.Second); err != nil {
		return err
	}

	for round := 0; round < 3; round++ {
		if len(f.missedChunks) == 0 {
			break
		}
		if err := f.resendMissed(ctx); err != nil {
			return err
		}
		if err := f.waitForMissedReports(ctx, 3*time.Second); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flasher) waitForMissedReports(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return protoerr.New(protoerr.KindOtaTimeout, "drain", ctx.Err())
		case <-timer.C:
			return nil
		case indexes := <-f.missedCh:
			for _, idx := range indexes {
				f.missedChunks[idx] = struct{}{}
			}
			if err := f.checkMissedFlood(); err != nil {
				return err
			}
		}
	}
}

func (f *Flasher) resendMissed(ctx context.Context) error {
	chunkSize := int(f.opts.ChunkSize)
	indexes := make([]uint16, 0, len(f.missedChunks))
	for idx := range f.missedChunks {
		indexes = append(indexes, idx)
	}
	for _, idx := range indexes {
		offset := int(idx) * chunkSize
		if offset >= len(f.buffer) {
			delete(f.missedChunks, idx)
			continue
		}
		if err := f.sendChunk(ctx, int(idx), offset); err != nil {
			return err
		}
		delete(f.missedChunks, idx)
	}
	return nil
}

func (f *Flasher) checkMissedFlood() error {
	if len(f.missedChunks) > MaxMissedChunks {
		return protoerr.New(protoerr.KindOtaMissedChunkFlood, "drain", fmt.Errorf("%d outstanding missed chunks exceeds max %d", len(f.missedChunks), MaxMissedChunks))
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
