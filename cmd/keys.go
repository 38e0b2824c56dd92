// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	keysOutPrivate string
	keysOutPublic  string
	keysBits       int
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate or inspect the server's own RSA keypair",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new server RSA keypair and write it to disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keysOutPrivate == "" || keysOutPublic == "" {
			return fmt.Errorf("both --private and --public output paths are required")
		}
		key, err := rsa.GenerateKey(rand.Reader, keysBits)
		if err != nil {
			return fmt.Errorf("generating server keypair: %w", err)
		}

		privDER := x509.MarshalPKCS1PrivateKey(key)
		if err := writePEM(keysOutPrivate, "RSA PRIVATE KEY", privDER, 0o600); err != nil {
			return err
		}

		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return fmt.Errorf("marshalling server public key: %w", err)
		}
		if err := writePEM(keysOutPublic, "PUBLIC KEY", pubDER, 0o644); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s (%d-bit)\n", keysOutPrivate, keysOutPublic, keysBits)
		return nil
	},
}

var keysPrintPubkeyCmd = &cobra.Command{
	Use:   "print-pubkey",
	Short: "Print the server's public key in PEM form given its private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keysOutPrivate == "" {
			return fmt.Errorf("--private is required")
		}
		key, err := parseServerPrivateKey(keysOutPrivate)
		if err != nil {
			return err
		}
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return fmt.Errorf("marshalling server public key: %w", err)
		}
		return pem.Encode(cmd.OutOrStdout(), &pem.Block{Type: "PUBLIC KEY", Bytes: der})
	},
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysPrintPubkeyCmd)

	keysGenerateCmd.Flags().StringVar(&keysOutPrivate, "private", "", "Output path for the private key")
	keysGenerateCmd.Flags().StringVar(&keysOutPublic, "public", "", "Output path for the public key")
	keysGenerateCmd.Flags().IntVar(&keysBits, "bits", 2048, "RSA key size in bits")

	keysPrintPubkeyCmd.Flags().StringVar(&keysOutPrivate, "private", "", "Path to the private key")
}
