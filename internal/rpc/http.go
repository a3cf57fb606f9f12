package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/masclabs/masc/internal/bus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local coordination transport; same-origin policy does not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HTTPServer exposes the RPC surface over HTTP: POST /rpc for JSON-RPC,
// GET /health for probes, and GET /ws for a live event feed.
type HTTPServer struct {
	rpc    *Server
	events *bus.Bus
	srv    *http.Server
}

// NewHTTPServer builds the HTTP front end.
func NewHTTPServer(rpc *Server, events *bus.Bus, host string, port int) *HTTPServer {
	h := &HTTPServer{rpc: rpc, events: events}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", h.handleRPC)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ws", h.handleWS)
	h.srv = &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (h *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("rpc.http_listening", "addr", h.srv.Addr)
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (h *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	resp := h.rpc.Handle(r.Context(), body)
	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if _, err := w.Write(resp); err != nil {
		slog.Debug("rpc.http_write_failed", "error", err)
	}
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"subscribers": h.events.Len(),
	})
}

// handleWS streams room events to the client as JSON objects.
func (h *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("rpc.ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.events.Subscribe()
	defer cancel()

	// Drain client frames so pong handling and close detection work.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(map[string]any{"event": ev.Name, "payload": ev.Payload}); err != nil {
				slog.Debug("rpc.ws_write_failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
