package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"rescue-service/realtime"
)

// SocketHandler upgrades clients onto the realtime channel
type SocketHandler struct {
	registry *realtime.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
	clients  sync.WaitGroup
}

// NewSocketHandler creates a new SocketHandler
func NewSocketHandler(registry *realtime.Registry, logger *slog.Logger) *SocketHandler {
	return &SocketHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Connect handles GET /ws?userId=&garageIds=a,b
func (h *SocketHandler) Connect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err, "remoteAddr", r.RemoteAddr)
		return
	}

	query := r.URL.Query()
	client := realtime.NewClient(conn, h.registry, h.logger)
	h.clients.Add(1)
	h.registry.Connect(client, query.Get("userId"), query.Get("garageIds"))
	go func() {
		defer h.clients.Done()
		client.Run()
	}()
}

// Wait blocks until every accepted connection has stopped pumping or ctx
// is done. Close the connections first, e.g. with Registry.Clear.
func (h *SocketHandler) Wait(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		h.clients.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports liveness and the number of open channels
func (h *SocketHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "OK",
		"connections": h.registry.Count(),
	})
}
