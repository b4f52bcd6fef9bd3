// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Command boxoffice runs the event seat reservation service.
//
//	boxoffice serve      # booking API, outbox dispatcher and worker
//	boxoffice worker     # worker and outbox dispatcher only
//	boxoffice migrate    # apply booking database migrations
//	boxoffice version
//
// Configuration comes from an optional YAML file (--config or CONFIG_PATH)
// overlaid with BOXOFFICE_ environment variables, for example:
//
//	export BOXOFFICE_AUTH__JWT_SECRET=$(openssl rand -base64 32)
//	export BOXOFFICE_NATS__ENABLED=true
//	boxoffice serve
package main

import (
	"os"

	"github.com/tomtom215/boxoffice/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
