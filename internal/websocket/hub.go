// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package websocket pushes live seat changes to browsers.
//
// The Hub is a supervised service. Clients connect to its ServeHTTP handler,
// optionally passing ?resourceId= to receive updates for a single resource.
// Updates are dropped rather than queued when the hub or a client falls
// behind; the feed is advisory and the booking API stays authoritative.
package websocket

import (
	"context"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/boxoffice/internal/logging"
)

// Message types.
const (
	MessageTypeSeatUpdate = "seat_update"
	MessageTypePing       = "ping"
	MessageTypePong       = "pong"
)

// Message is the frame written to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SeatUpdate reports a change in the seats held against a resource.
// SeatsDelta is positive when seats were reserved and negative when they
// were released.
type SeatUpdate struct {
	ResourceID string    `json:"resourceId"`
	BookingID  string    `json:"bookingId"`
	Status     string    `json:"status"`
	SeatsDelta int64     `json:"seatsDelta"`
	At         time.Time `json:"at"`
}

// Config configures the hub.
type Config struct {
	// Enabled mounts the feed when the API and the worker share a process.
	Enabled bool `koanf:"enabled"`

	// AllowedOrigins for the upgrade. Empty allows same-origin requests
	// only; "*" allows any origin.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// BufferSize is the capacity of the hub's broadcast queue and of each
	// client's send queue.
	BufferSize int `koanf:"buffer_size"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, BufferSize: 256}
}

// Hub tracks connected clients and fans seat updates out to them.
type Hub struct {
	cfg       Config
	upgrader  websocket.Upgrader
	broadcast chan SeatUpdate

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a hub. Call Serve to start delivering updates.
func NewHub(cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	h := &Hub{
		cfg:       cfg,
		broadcast: make(chan SeatUpdate, cfg.BufferSize),
		clients:   make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      checkOrigin(cfg.AllowedOrigins),
	}
	return h
}

// checkOrigin returns nil for an empty list, which makes the upgrader
// apply its same-origin check.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}

// String names the service in the supervisor tree.
func (h *Hub) String() string { return "websocket-hub" }

// Serve delivers queued updates until ctx is done, then disconnects every
// client.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			closed := h.closeAllClients()
			logging.Info().
				Str("component", "websocket-hub").
				Int("clients_closed", closed).
				Msg("websocket hub stopped")
			return ctx.Err()
		case update := <-h.broadcast:
			h.broadcastToClients(update)
		}
	}
}

// BroadcastSeatUpdate queues update for delivery and reports whether it
// was accepted. A full queue drops the update.
func (h *Hub) BroadcastSeatUpdate(update SeatUpdate) bool {
	select {
	case h.broadcast <- update:
		return true
	default:
		logging.Warn().Str("resource_id", update.ResourceID).Msg("broadcast channel full, dropping seat update")
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		logging.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, conn, r.URL.Query().Get("resourceId"))
	h.add(c)
	c.start()
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Str("resource_id", c.resourceID).Msg("websocket client connected")
}

// remove unregisters c and closes its send queue. It is safe to call more
// than once.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
	}
}

// sortedClients returns the clients in connection order. Must be called
// with mu held.
func (h *Hub) sortedClients() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}

// broadcastToClients delivers update to every interested client. A client
// whose queue is full is disconnected.
func (h *Hub) broadcastToClients(update SeatUpdate) {
	msg := Message{Type: MessageTypeSeatUpdate, Data: update}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.sortedClients() {
		if !c.wants(update.ResourceID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) closeAllClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.sortedClients()
	for _, c := range clients {
		close(c.send)
		delete(h.clients, c)
	}
	return len(clients)
}
