// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package cli holds the boxoffice command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/boxoffice/internal/config"
	"github.com/tomtom215/boxoffice/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "boxoffice",
	Short: "Event seat reservation service",
	Long: `Boxoffice reserves seats for events without overselling. It serves the
booking API, records every booking in a local outbox, publishes the outbox to
NATS JetStream and runs the consistency worker that reacts to booking,
payment and user events.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a YAML config file (default: $CONFIG_PATH, ./config.yaml, /etc/boxoffice/config.yaml)")
}

// Execute runs the command selected by os.Args.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads and validates the configuration, then configures the
// global logger from it.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logging.Init(cfg.Logging.Options())
	return cfg, nil
}
