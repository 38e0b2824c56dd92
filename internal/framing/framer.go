// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package framing implements the length-prefixed chunk framer that carries
// AES-128-CBC ciphertext over a duplex socket, and the cipher/decipher
// streams built on top of it.
package framing

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/devicecloud-io/core-server/internal/cryptoutil"
)

// MaxFrameSize bounds a single chunk frame's payload length. The 2-byte
// length prefix could address up to 65535 bytes; this is a defensive cap
// well above any legitimate CoAP message this protocol ever produces.
const MaxFrameSize = 8192

// FrameWriter writes length-prefixed frames: uint16_be length || payload.
// Zero-length frames are never emitted.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w for frame-at-a-time writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one frame. It is safe for concurrent use.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("framing: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := fw.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("framing: writing length prefix: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("framing: writing frame payload: %w", err)
	}
	return nil
}

// FrameReader reads length-prefixed frames written by a FrameWriter.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame blocks until one full frame is available and returns its
// payload. It returns io.EOF if the underlying reader is exhausted cleanly
// between frames.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if int(n) > MaxFrameSize {
		return nil, fmt.Errorf("framing: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	if n == 0 {
		return nil, fmt.Errorf("framing: received illegal zero-length frame")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("framing: reading frame payload: %w", err)
	}
	return payload, nil
}

// CipherStream encrypts plaintext application records with AES-128-CBC and
// writes each as one chunk frame. Each record is independently padded with
// PKCS#7 so that record boundaries survive the round trip; the IV advances
// as CBC chaining naturally carries state forward across writes, matching
// how the device firmware maintains a single running CBC stream for the
// lifetime of the session.
type CipherStream struct {
	mu  sync.Mutex
	fw  *FrameWriter
	key []byte
	iv  []byte
}

// NewCipherStream constructs a CipherStream that frames its output onto fw.
func NewCipherStream(fw *FrameWriter, key, iv []byte) *CipherStream {
	ivCopy := make([]byte, len(iv))
	copy(ivCopy, iv)
	return &CipherStream{fw: fw, key: key, iv: ivCopy}
}

// WriteRecord encrypts and frames one application record.
func (cs *CipherStream) WriteRecord(plaintext []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	padded := cryptoutil.PadPKCS7(plaintext)
	enc, err := cryptoutil.NewAESCBCEncrypter(cs.key, cs.iv)
	if err != nil {
		return fmt.Errorf("framing: building encrypter: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	enc.CryptBlocks(ciphertext, padded)

	// Next record chains from the last ciphertext block, preserving a
	// single logical CBC stream across writes.
	copy(cs.iv, ciphertext[len(ciphertext)-cryptoutil.BlockSize:])

	return cs.fw.WriteFrame(ciphertext)
}

// DecipherStream reads chunk frames and decrypts each into a plaintext
// application record, the inverse of CipherStream.
type DecipherStream struct {
	mu  sync.Mutex
	fr  *FrameReader
	key []byte
	iv  []byte
}

// NewDecipherStream constructs a DecipherStream reading frames from fr.
func NewDecipherStream(fr *FrameReader, key, iv []byte) *DecipherStream {
	ivCopy := make([]byte, len(iv))
	copy(ivCopy, iv)
	return &DecipherStream{fr: fr, key: key, iv: ivCopy}
}

// ReadRecord blocks for the next frame and returns its decrypted, unpadded
// plaintext.
func (ds *DecipherStream) ReadRecord() ([]byte, error) {
	ciphertext, err := ds.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%cryptoutil.BlockSize != 0 {
		return nil, fmt.Errorf("framing: ciphertext length %d not a multiple of block size", len(ciphertext))
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	dec, err := cryptoutil.NewAESCBCDecrypter(ds.key, ds.iv)
	if err != nil {
		return nil, fmt.Errorf("framing: building decrypter: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	dec.CryptBlocks(plaintext, ciphertext)

	copy(ds.iv, ciphertext[len(ciphertext)-cryptoutil.BlockSize:])

	unpadded, err := cryptoutil.UnpadPKCS7(plaintext)
	if err != nil {
		return nil, fmt.Errorf("framing: unpadding record: %w", err)
	}
	return unpadded, nil
}
