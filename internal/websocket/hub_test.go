// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Hub, string, context.CancelFunc) {
	t.Helper()

	hub := NewHub(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", url, err)
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type seatFrame struct {
	Type string     `json:"type"`
	Data SeatUpdate `json:"data"`
}

func readUpdate(t *testing.T, conn *websocket.Conn) seatFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f seatFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return f
}

func TestBroadcastRespectsResourceFilter(t *testing.T) {
	t.Parallel()

	hub, url, _ := startHub(t)
	all := dial(t, url)
	filtered := dial(t, url+"?resourceId=concert")
	waitForClients(t, hub, 2)

	if !hub.BroadcastSeatUpdate(SeatUpdate{ResourceID: "theatre", BookingID: "b-1", Status: "pending", SeatsDelta: 2}) {
		t.Fatal("first update dropped")
	}
	if !hub.BroadcastSeatUpdate(SeatUpdate{ResourceID: "concert", BookingID: "b-2", Status: "cancelled", SeatsDelta: -3}) {
		t.Fatal("second update dropped")
	}

	if f := readUpdate(t, all); f.Type != MessageTypeSeatUpdate || f.Data.BookingID != "b-1" {
		t.Errorf("unfiltered first frame = %+v", f)
	}
	if f := readUpdate(t, all); f.Data.BookingID != "b-2" {
		t.Errorf("unfiltered second frame = %+v", f)
	}

	f := readUpdate(t, filtered)
	if f.Data.BookingID != "b-2" || f.Data.ResourceID != "concert" || f.Data.SeatsDelta != -3 {
		t.Errorf("filtered client got %+v, want only the concert update", f)
	}
}

func TestPingGetsPong(t *testing.T) {
	t.Parallel()

	hub, url, _ := startHub(t)
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != MessageTypePong {
		t.Errorf("Type = %q, want pong", msg.Type)
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	t.Parallel()

	hub, url, _ := startHub(t)
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	_ = conn.Close()
	waitForClients(t, hub, 0)
}

func TestServeStopClosesClients(t *testing.T) {
	t.Parallel()

	hub, url, cancel := startHub(t)
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	cancel()
	waitForClients(t, hub, 0)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Errorf("ReadMessage err = %v, want going-away close", err)
	}
}

func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{BufferSize: 1})
	if !hub.BroadcastSeatUpdate(SeatUpdate{ResourceID: "a"}) {
		t.Fatal("first update should be queued")
	}
	if hub.BroadcastSeatUpdate(SeatUpdate{ResourceID: "b"}) {
		t.Error("second update should be dropped while nothing drains the queue")
	}
	if hub.String() != "websocket-hub" {
		t.Errorf("String() = %q", hub.String())
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	if checkOrigin(nil) != nil {
		t.Error("empty list should defer to the same-origin check")
	}

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"listed", []string{"https://tickets.example.com"}, "https://tickets.example.com", true},
		{"not listed", []string{"https://tickets.example.com"}, "https://evil.example.com", false},
		{"wildcard", []string{"*"}, "https://anywhere.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/ws/availability", nil)
			r.Header.Set("Origin", tt.origin)
			if got := checkOrigin(tt.allowed)(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}
