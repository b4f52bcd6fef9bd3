// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/supervisor"
	"github.com/tomtom215/boxoffice/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the booking API",
	Long: `Run the booking API and the outbox dispatcher. The consistency worker runs
in the same process unless worker.enabled is false.`,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the consistency worker",
	Long: `Run the consistency worker and the outbox dispatcher without the HTTP API.
Payment events still drive bookings, so the worker opens the same ledger and
booking database as the API.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	return start(cmd.Context(), true)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	return start(cmd.Context(), false)
}

// start builds the supervisor tree for one process and serves it until
// SIGINT or SIGTERM.
func start(parent context.Context, withAPI bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Bool("api", withAPI).Bool("worker", cfg.Worker.Enabled || !withAPI).Msg("Starting boxoffice")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(a.dispatcher)

	// The feed is fed by the worker, so it needs both halves in one process.
	if withAPI && cfg.Worker.Enabled && cfg.Live.Enabled {
		a.hub = websocket.NewHub(cfg.Live)
		tree.AddAPIService(a.hub)
	}

	if cfg.Worker.Enabled || !withAPI {
		w, err := a.newWorker()
		if err != nil {
			return err
		}
		tree.AddMessagingService(w)
	}

	if withAPI {
		svc, err := a.newHTTPService()
		if err != nil {
			return err
		}
		tree.AddAPIService(svc)
	}

	if err := run(ctx, tree); err != nil {
		return err
	}
	logging.Info().Msg("Boxoffice stopped gracefully")
	return nil
}
