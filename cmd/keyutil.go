// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// parseServerPrivateKey reads and parses the server's own PEM-encoded RSA
// private key, trying PKCS#1 then PKCS#8 the way the teacher's
// parsePrivateKey tries multiple encodings before giving up.
func parseServerPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server private key %s: %w", path, err)
	}

	der := b
	if block, _ := pem.Decode(b); block != nil {
		der = block.Bytes
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing server private key %s: %w", path, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("server private key %s is not RSA", path)
	}
	return rsaKey, nil
}
