// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package config defines the device-cloud server's configuration structure
// and its per-section validation. The structs carry mapstructure tags, but
// cmd/serve.go fills them field by field from viper rather than decoding
// them with mapstructure.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// LogConfig mirrors the teacher's log section.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ListenConfig is the device-facing TCP listener.
type ListenConfig struct {
	IP   string `mapstructure:"ip"`
	Port string `mapstructure:"port"`
}

// Address returns the concatenated IP:Port address for net.Listen.
func (l *ListenConfig) Address() string {
	return l.IP + ":" + l.Port
}

func (l *ListenConfig) validate() error {
	if l.Port == "" {
		return errors.New("the device listener port is required (listen.port)")
	}
	return nil
}

// HTTPConfig is the operational API's HTTP listener, mirroring the
// teacher's HTTPConfig (cert/key optional, enabling TLS only when both are
// set).
type HTTPConfig struct {
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
	IP       string `mapstructure:"ip"`
	Port     string `mapstructure:"port"`
}

// ListenAddress returns the concatenated IP:Port address for net.Listen.
func (h *HTTPConfig) ListenAddress() string {
	return h.IP + ":" + h.Port
}

// UseTLS reports whether both a certificate and key are configured.
func (h *HTTPConfig) UseTLS() bool {
	return h.CertPath != "" && h.KeyPath != ""
}

func (h *HTTPConfig) validate() error {
	if h.Port == "" {
		return errors.New("the operational API's HTTP port is required (http.port)")
	}
	if (h.CertPath == "") != (h.KeyPath == "") {
		return errors.New("both http.cert and http.key must be provided together, or neither")
	}
	return nil
}

// DatabaseConfig mirrors the teacher's DatabaseConfig (type + DSN).
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

func (dc *DatabaseConfig) validate() error {
	if dc.DSN == "" {
		return errors.New("database configuration error: dsn is required (db.dsn)")
	}
	dc.Type = strings.ToLower(dc.Type)
	if dc.Type != "sqlite" && dc.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s (must be 'sqlite' or 'postgres')", dc.Type)
	}
	return nil
}

// KeysConfig locates the server's own RSA keypair (ServerKeyPair in
// SPEC_FULL.md §3), analogous to the teacher's manufacturerKeyPath/
// deviceCAKeyPath flags.
type KeysConfig struct {
	PrivateKeyPath string `mapstructure:"private_key"`
	PublicKeyPath  string `mapstructure:"public_key"`
}

func (k *KeysConfig) validate() error {
	if k.PrivateKeyPath == "" {
		return errors.New("the server private key path is required (keys.private_key)")
	}
	return nil
}

// RateLimitConfig bounds handshake attempts per remote address.
type RateLimitConfig struct {
	HandshakesPerSecond float64 `mapstructure:"handshakes_per_second"`
	HandshakeBurst      int     `mapstructure:"handshake_burst"`
}

// TimeoutsConfig holds timeout fields for the handshake and OTA. Nothing
// reads them: the handshake and ota packages always use their own
// package-level timeout constants.
type TimeoutsConfig struct {
	HandshakeGlobalSeconds int `mapstructure:"handshake_global_seconds"`
	HandshakeReadSeconds   int `mapstructure:"handshake_read_seconds"`
	OtaOverallSeconds      int `mapstructure:"ota_overall_seconds"`
}

// Config is the complete, validated server configuration.
type Config struct {
	Log         LogConfig       `mapstructure:"log"`
	Listen      ListenConfig    `mapstructure:"listen"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	DB          DatabaseConfig  `mapstructure:"db"`
	Keys        KeysConfig      `mapstructure:"keys"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Timeouts    TimeoutsConfig  `mapstructure:"timeouts"`
	BinariesDir string          `mapstructure:"binaries_directory"`
}

// Validate enforces required fields, mirroring the teacher's
// rootCmdLoadConfig's explicit presence checks.
func (c *Config) Validate() error {
	if err := c.Listen.validate(); err != nil {
		return err
	}
	if err := c.HTTP.validate(); err != nil {
		return err
	}
	if err := c.DB.validate(); err != nil {
		return err
	}
	if err := c.Keys.validate(); err != nil {
		return err
	}
	if c.BinariesDir == "" {
		return errors.New("binaries_directory is required")
	}
	return nil
}
