// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 256
)

// WSExporter pushes records to WebSocket subscribers for live dashboard
// views. Slow subscribers are disconnected rather than allowed to back up
// the hub.
type WSExporter struct {
	logger   *zap.Logger
	addr     string
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewWSExporter creates a live-push exporter listening on addr.
func NewWSExporter(addr string, logger *zap.Logger) *WSExporter {
	e := &WSExporter{
		logger:  logger,
		addr:    addr,
		clients: make(map[*wsClient]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is served from anywhere during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", e.handleWS)
	e.server = &http.Server{Addr: addr, Handler: mux}
	return e
}

// Start begins accepting subscriber connections.
func (e *WSExporter) Start() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	e.logger.Info("websocket exporter listening", zap.String("addr", e.addr))

	go func() {
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.logger.Warn("websocket server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (e *WSExporter) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	e.mu.Lock()
	e.clients[c] = true
	e.mu.Unlock()

	go e.writePump(c)
	go e.readPump(c)
}

// readPump consumes (and discards) client frames so pings and close
// handshakes are processed.
func (e *WSExporter) readPump(c *wsClient) {
	defer e.drop(c)
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (e *WSExporter) writePump(c *wsClient) {
	defer e.drop(c)
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (e *WSExporter) drop(c *wsClient) {
	e.mu.Lock()
	delete(e.clients, c)
	e.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	c.conn.Close()
}

// ExportRecords broadcasts each record as one JSON text frame.
func (e *WSExporter) ExportRecords(ctx context.Context, records []*Record) error {
	e.mu.Lock()
	clients := make([]*wsClient, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.Unlock()

	if len(clients) == 0 {
		return nil
	}

	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			continue
		}
		for _, c := range clients {
			select {
			case c.send <- data:
			default:
				// Subscriber can't keep up; cut it loose.
				e.drop(c)
			}
		}
	}
	return nil
}

// Shutdown closes all subscriber connections and the listener.
func (e *WSExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	clients := make([]*wsClient, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.Unlock()
	for _, c := range clients {
		e.drop(c)
	}
	return e.server.Shutdown(ctx)
}
