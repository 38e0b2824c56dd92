// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package store provides gorm-backed persistence for device public keys and
// an OTA job audit log, mirroring the teacher's internal/db sqlite/postgres
// driver selection.
package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// StoredDeviceKey is the persisted row backing KeyStore.
type StoredDeviceKey struct {
	DeviceID        string `gorm:"primaryKey;size:24"`
	PublicKeyPEM    string `gorm:"type:text"`
	FirstSeenAt     time.Time
	LastHandshakeAt time.Time
}

// OtaJobRecord is a purely observational audit row written once per
// completed or failed Flasher run. The Flasher never reads it back; OTA
// updates are never resumed.
type OtaJobRecord struct {
	ID               uint `gorm:"primaryKey"`
	DeviceID         string
	BinaryPath       string
	FileSize         int64
	ProtocolVersion  uint8
	StartedAt        time.Time
	FinishedAt       time.Time
	Outcome          string
	MissedChunkCount int
}

// DB wraps a *gorm.DB opened against either sqlite or postgres.
type DB struct {
	*gorm.DB
}

// Open opens a database connection for the given driver ("sqlite" or
// "postgres") and DSN, and auto-migrates the schema.
func Open(driver, dsn string) (*DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported database driver %q (must be 'sqlite' or 'postgres')", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	if err := gdb.AutoMigrate(&StoredDeviceKey{}, &OtaJobRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}

	return &DB{DB: gdb}, nil
}

// GetCoreKey implements keystore.KeyStore.
func (db *DB) GetCoreKey(deviceID string) (pemBytes string, ok bool, err error) {
	var row StoredDeviceKey
	result := db.First(&row, "device_id = ?", deviceID)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: looking up device key: %w", result.Error)
	}
	return row.PublicKeyPEM, true, nil
}

// SaveHandshakeKey implements keystore.KeyStore, upserting by DeviceID.
func (db *DB) SaveHandshakeKey(deviceID string, pemBytes string) error {
	now := time.Now()
	row := StoredDeviceKey{
		DeviceID:        deviceID,
		PublicKeyPEM:    pemBytes,
		FirstSeenAt:     now,
		LastHandshakeAt: now,
	}
	result := db.Where("device_id = ?", deviceID).FirstOrCreate(&row)
	if result.Error != nil {
		return fmt.Errorf("store: saving device key: %w", result.Error)
	}
	return nil
}

// TouchHandshake updates LastHandshakeAt for an already-known device.
func (db *DB) TouchHandshake(deviceID string) error {
	result := db.Model(&StoredDeviceKey{}).Where("device_id = ?", deviceID).Update("last_handshake_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("store: touching handshake time: %w", result.Error)
	}
	return nil
}

// RecordOtaJob writes one audit row for a completed or failed OTA job.
func (db *DB) RecordOtaJob(rec OtaJobRecord) error {
	if err := db.Create(&rec).Error; err != nil {
		return fmt.Errorf("store: recording ota job: %w", err)
	}
	return nil
}
