// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var logLevel slog.LevelVar

var cfgFile string

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "core-server",
	Short: "Device-cloud core server",
	Long: `Terminates TCP connections from Particle-class microcontrollers,
performs the device handshake, carries CoAP over a framed encrypted
transport, and orchestrates OTA firmware delivery.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a config file")
	rootCmd.PersistentFlags().Bool("debug", false, "Print debug contents")
}

func applyLogLevel(level string) {
	if level == "debug" {
		logLevel.Set(slog.LevelDebug)
		return
	}
	if viper.GetBool("debug") {
		logLevel.Set(slog.LevelDebug)
	}
}
