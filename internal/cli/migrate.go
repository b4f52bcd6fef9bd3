// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/boxoffice/internal/database"
	"github.com/tomtom215/boxoffice/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending booking database migrations",
	Long:  `Apply the embedded goose migrations to the booking database and print the resulting schema version.`,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return migrate(cmd, cfg.Database)
}

func migrate(cmd *cobra.Command, cfg database.Config) error {
	cfg.AutoMigrate = false
	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(cmd.Context()); err != nil {
		return err
	}
	v, err := db.Version(cmd.Context())
	if err != nil {
		return err
	}
	logging.Info().Str("path", cfg.Path).Int64("version", v).Msg("Booking database migrated")
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}
