// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devicecloud-io/core-server/api/handlers"
	"github.com/devicecloud-io/core-server/internal/config"
	"github.com/devicecloud-io/core-server/internal/pubsub"
	"github.com/devicecloud-io/core-server/internal/server"
	"github.com/devicecloud-io/core-server/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device-cloud server",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindServeFlags(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServeConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen-ip", "0.0.0.0", "IP address the device listener binds to")
	serveCmd.Flags().String("listen-port", "5683", "Port the device listener binds to")
	serveCmd.Flags().String("http-ip", "127.0.0.1", "IP address the operational HTTP API binds to")
	serveCmd.Flags().String("http-port", "8080", "Port the operational HTTP API binds to")
	serveCmd.Flags().String("http-cert", "", "Path to the operational API's TLS certificate")
	serveCmd.Flags().String("http-key", "", "Path to the operational API's TLS key")
	serveCmd.Flags().String("db-type", "sqlite", "Database driver (sqlite or postgres)")
	serveCmd.Flags().String("db-dsn", "", "Database DSN")
	serveCmd.Flags().String("server-private-key", "", "Path to the server's RSA private key")
	serveCmd.Flags().String("binaries-directory", "", "Directory containing OTA binaries")
	serveCmd.Flags().Float64("handshakes-per-second", 5, "Allowed handshake attempts per second per remote address")
	serveCmd.Flags().Int("handshake-burst", 10, "Burst size for the handshake rate limiter")
	serveCmd.Flags().String("log-level", "info", "Log level (debug or info)")
}

func bindServeFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding serve flags: %w", err)
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

func loadServeConfig() (*config.Config, error) {
	cfg := &config.Config{
		Listen: config.ListenConfig{
			IP:   viper.GetString("listen-ip"),
			Port: viper.GetString("listen-port"),
		},
		HTTP: config.HTTPConfig{
			IP:       viper.GetString("http-ip"),
			Port:     viper.GetString("http-port"),
			CertPath: viper.GetString("http-cert"),
			KeyPath:  viper.GetString("http-key"),
		},
		DB: config.DatabaseConfig{
			Type: viper.GetString("db-type"),
			DSN:  viper.GetString("db-dsn"),
		},
		Keys: config.KeysConfig{
			PrivateKeyPath: viper.GetString("server-private-key"),
		},
		RateLimit: config.RateLimitConfig{
			HandshakesPerSecond: viper.GetFloat64("handshakes-per-second"),
			HandshakeBurst:      viper.GetInt("handshake-burst"),
		},
		BinariesDir: viper.GetString("binaries-directory"),
	}
	applyLogLevel(viper.GetString("log-level"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cfg *config.Config) error {
	serverKey, err := parseServerPrivateKey(cfg.Keys.PrivateKeyPath)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DB.Type, cfg.DB.DSN)
	if err != nil {
		return err
	}

	publisher := pubsub.New()
	logger := slog.Default()

	devServer := server.New(serverKey, db, publisher, server.RateLimitConfig{
		HandshakesPerSecond: cfg.RateLimit.HandshakesPerSecond,
		HandshakeBurst:      cfg.RateLimit.HandshakeBurst,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.Listen.Address())
	if err != nil {
		return fmt.Errorf("binding device listener: %w", err)
	}
	logger.Info("listening for devices", "addr", lis.Addr().String())

	errCh := make(chan error, 2)
	go func() {
		errCh <- devServer.Serve(ctx, lis)
	}()
	go func() {
		errCh <- serveHTTP(ctx, cfg, devServer, db, logger)
	}()

	select {
	case <-ctx.Done():
		return <-errCh
	case err := <-errCh:
		stop()
		return err
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, devServer *server.DeviceServer, db *store.DB, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HealthHandler)
	mux.HandleFunc("GET /api/v1/devices", handlers.DevicesHandler(devServer))
	mux.HandleFunc("GET /api/v1/devices/{id}/ota", handlers.OtaHandler(devServer, db, cfg.BinariesDir, logger))

	srv := &http.Server{
		Addr:              cfg.HTTP.ListenAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Debug("http server forced to shutdown", "err", err)
		}
	}()

	logger.Info("serving operational API", "addr", cfg.HTTP.ListenAddress())

	if cfg.HTTP.UseTLS() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
		}
		err := srv.ListenAndServeTLS(cfg.HTTP.CertPath, cfg.HTTP.KeyPath)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
