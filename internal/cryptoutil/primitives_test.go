// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestSessionKeyRoundTrip(t *testing.T) {
	t.Run("parse then re-serialize preserves bytes", func(t *testing.T) {
		raw, err := RandomBytes(SessionKeySize)
		if err != nil {
			t.Fatalf("RandomBytes: %v", err)
		}
		sk, err := ParseSessionKey(raw)
		if err != nil {
			t.Fatalf("ParseSessionKey: %v", err)
		}
		got := sk.Bytes()
		if string(got) != string(raw) {
			t.Errorf("round trip mismatch: got %x, want %x", got, raw)
		}
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		if _, err := ParseSessionKey(make([]byte, 10)); err == nil {
			t.Error("expected error for short buffer")
		}
	})

	t.Run("CounterSeed reads first 4 IV bytes big-endian", func(t *testing.T) {
		sk := SessionKey{IV: [16]byte{0x00, 0x00, 0x01, 0x00}}
		if got, want := sk.CounterSeed(), uint32(256); got != want {
			t.Errorf("CounterSeed() = %d, want %d", got, want)
		}
	})
}

func TestRSAEncryptDecryptRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	plaintext := []byte("handshake payload")

	ct, err := RSAEncryptPKCS1v15(&priv.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("RSAEncryptPKCS1v15: %v", err)
	}
	pt, err := RSADecryptPKCS1v15(priv, ct)
	if err != nil {
		t.Fatalf("RSADecryptPKCS1v15: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Errorf("got %q, want %q", pt, plaintext)
	}
}

func TestRSASignVerifyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tag := HMACSHA1([]byte("key"), []byte("data"))

	sig, err := RSASignPKCS1v15(priv, tag)
	if err != nil {
		t.Fatalf("RSASignPKCS1v15: %v", err)
	}
	if err := RSAVerifyPKCS1v15(&priv.PublicKey, tag, sig); err != nil {
		t.Errorf("RSAVerifyPKCS1v15: %v", err)
	}

	t.Run("rejects tampered tag", func(t *testing.T) {
		tampered := append([]byte(nil), tag...)
		tampered[0] ^= 0xFF
		if err := RSAVerifyPKCS1v15(&priv.PublicKey, tampered, sig); err == nil {
			t.Error("expected verification failure")
		}
	})
}

func TestPKCS7Padding(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("a"),
		make([]byte, BlockSize),
		make([]byte, BlockSize-1),
		make([]byte, BlockSize+3),
	}
	for _, data := range cases {
		padded := PadPKCS7(data)
		if len(padded)%BlockSize != 0 {
			t.Fatalf("padded length %d not a multiple of block size for input len %d", len(padded), len(data))
		}
		unpadded, err := UnpadPKCS7(padded)
		if err != nil {
			t.Fatalf("UnpadPKCS7: %v", err)
		}
		if len(unpadded) != len(data) {
			t.Errorf("unpadded length = %d, want %d", len(unpadded), len(data))
		}
	}

	t.Run("rejects corrupted padding", func(t *testing.T) {
		padded := PadPKCS7([]byte("hello"))
		padded[len(padded)-1] = 0xFF
		if _, err := UnpadPKCS7(padded); err == nil {
			t.Error("expected error for corrupted padding")
		}
	})
}

func TestAESCBCRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	plaintext := PadPKCS7([]byte("a CoAP-framed record"))

	enc, err := NewAESCBCEncrypter(key, iv)
	if err != nil {
		t.Fatalf("NewAESCBCEncrypter: %v", err)
	}
	ciphertext := make([]byte, len(plaintext))
	enc.CryptBlocks(ciphertext, plaintext)

	dec, err := NewAESCBCDecrypter(key, iv)
	if err != nil {
		t.Fatalf("NewAESCBCDecrypter: %v", err)
	}
	recovered := make([]byte, len(ciphertext))
	dec.CryptBlocks(recovered, ciphertext)

	if string(recovered) != string(plaintext) {
		t.Errorf("got %x, want %x", recovered, plaintext)
	}
}
