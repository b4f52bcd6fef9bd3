// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/boxoffice/internal/analytics"
	"github.com/tomtom215/boxoffice/internal/api"
	"github.com/tomtom215/boxoffice/internal/auth"
	"github.com/tomtom215/boxoffice/internal/authz"
	"github.com/tomtom215/boxoffice/internal/booking"
	"github.com/tomtom215/boxoffice/internal/catalog"
	"github.com/tomtom215/boxoffice/internal/config"
	"github.com/tomtom215/boxoffice/internal/database"
	"github.com/tomtom215/boxoffice/internal/events"
	"github.com/tomtom215/boxoffice/internal/ledger"
	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/resilience"
	"github.com/tomtom215/boxoffice/internal/supervisor"
	"github.com/tomtom215/boxoffice/internal/supervisor/services"
	"github.com/tomtom215/boxoffice/internal/wal"
	"github.com/tomtom215/boxoffice/internal/websocket"
	"github.com/tomtom215/boxoffice/internal/worker"
)

// app holds the components shared by the serve and worker commands.
type app struct {
	cfg *config.Config

	breakers    *resilience.Registry
	transport   *events.Transport
	kv          *badger.DB
	outbox      *wal.Outbox
	db          *database.DB
	analytics   *analytics.Store
	catalog     *catalog.Client
	coordinator *booking.Coordinator
	dispatcher  *wal.Dispatcher
	hub         *websocket.Hub

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

func (a *app) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// close releases everything in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			logging.Error().Err(err).Str("component", c.name).Msg("Error during shutdown")
		}
	}
	a.closers = nil
}

// newApp opens the storage, the bus and the coordinator. On error every
// component opened so far is closed again.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.breakers = resilience.NewRegistry(cfg.RegistryConfig())

	if cfg.NATS.Enabled && cfg.Events.Transport == events.TransportNATS {
		ns, err := events.NewEmbeddedServer(cfg.NATS)
		if err != nil {
			return nil, err
		}
		a.onClose("nats-server", func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return ns.Shutdown(shutdownCtx)
		})
		cfg.Events.URL = ns.ClientURL()
	}

	a.transport, err = events.Open(ctx, cfg.Events, events.NewLogger())
	if err != nil {
		return nil, fmt.Errorf("opening event transport: %w", err)
	}
	a.onClose("event-transport", a.transport.Close)

	a.kv, err = wal.Open(cfg.Outbox)
	if err != nil {
		return nil, err
	}
	a.onClose("badger", a.kv.Close)

	a.outbox, err = wal.NewOutbox(a.kv)
	if err != nil {
		return nil, err
	}
	a.onClose("outbox", a.outbox.Close)

	seats, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}

	a.db, err = database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.onClose("database", a.db.Close)

	if cfg.Analytics.Enabled {
		a.analytics, err = analytics.Open(cfg.Analytics)
		if err != nil {
			return nil, err
		}
		a.onClose("analytics", a.analytics.Close)
	}

	a.catalog = catalog.NewClient(cfg.Catalog, a.breakers)
	a.coordinator = booking.NewCoordinator(
		cfg.Booking,
		a.catalog,
		seats,
		a.db,
		events.NewOutboxEmitter(a.outbox),
		a.breakers,
	)

	publisher := events.NewPublisher(a.transport.Publisher, a.breakers)
	a.onClose("event-publisher", publisher.Close)
	a.dispatcher = wal.NewDispatcher(a.outbox, a.kv, publisher, cfg.Outbox)

	logging.Info().
		Str("confirmation_mode", cfg.Booking.ConfirmationMode).
		Str("ledger", cfg.Ledger.Backend).
		Str("events", cfg.Events.Transport).
		Bool("analytics", a.analytics != nil).
		Msg("Booking coordinator ready")
	return a, nil
}

func (a *app) openLedger(ctx context.Context) (ledger.Ledger, error) {
	switch a.cfg.Ledger.Backend {
	case config.LedgerKV:
		if a.transport.JetStream == nil {
			return nil, errors.New("ledger backend kv requires the nats event transport")
		}
		return ledger.NewKVLedger(ctx, a.transport.JetStream, a.cfg.Ledger.KVBucket)
	default:
		return ledger.NewBadgerLedger(a.kv), nil
	}
}

func (a *app) newWorker() (*worker.Worker, error) {
	deps := worker.Deps{
		Processed: worker.NewProcessedStore(a.kv, a.cfg.Worker.ProcessedTTL),
		Notifier:  worker.LogNotifier{},
		Catalog:   a.catalog,
		Bookings:  a.coordinator,
	}
	if a.analytics != nil {
		deps.Projection = a.analytics
	}
	if a.hub != nil {
		deps.Broadcaster = a.hub
	}
	return worker.New(a.cfg.Worker, a.transport.Subscriber, a.transport.Publisher, deps, events.NewLogger())
}

func (a *app) newHTTPService() (*services.HTTPServerService, error) {
	verifier, err := auth.NewVerifier(a.cfg.Auth, a.breakers)
	if err != nil {
		return nil, fmt.Errorf("configuring auth: %w", err)
	}
	enforcer, err := authz.NewEnforcer(a.cfg.Authz)
	if err != nil {
		return nil, fmt.Errorf("configuring authz: %w", err)
	}

	checks := map[string]api.Pinger{
		"database": a.db,
		"outbox": api.PingFunc(func(ctx context.Context) error {
			_, err := a.outbox.Len(ctx)
			return err
		}),
	}
	if a.analytics != nil {
		checks["analytics"] = a.analytics
	}

	handler := api.NewHandler(a.coordinator, a.breakers, checks)
	if a.hub != nil {
		handler.WithLive(a.hub)
	}
	router := api.NewRouter(a.cfg.Server, handler, verifier, enforcer)
	server := api.NewServer(a.cfg.Server, router)
	return services.NewHTTPServerService(server, a.cfg.Server.ShutdownTimeout), nil
}

// run serves tree until ctx is canceled.
func run(ctx context.Context, tree *supervisor.Tree) error {
	err := tree.Serve(ctx)

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree: %w", err)
	}
	return nil
}
