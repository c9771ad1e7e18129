package clockbus

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Stats is the /stats response body
type Stats struct {
	Leaders  int             `json:"leaders"`
	Consorts int             `json:"consorts"`
	Metrics  MetricsSnapshot `json:"metrics"`
	Mirror   string          `json:"mirror"`
}

// WebSocketHandler upgrades HTTP requests onto the clock bus
type WebSocketHandler struct {
	service  *Service
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(s *Service) *WebSocketHandler {
	return &WebSocketHandler{
		service: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  s.config.Connection.ReadBufferSize,
			WriteBufferSize: s.config.Connection.WriteBufferSize,
			CheckOrigin:     s.config.Connection.CheckOrigin,
		},
	}
}

// HandleConnection upgrades the request and hands the socket to a supervisor
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	// Upgrade writes its own error response on failure
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("failed to upgrade WebSocket connection")
		return
	}

	if !h.service.accept(NewConnection(ws, h.service.config.Connection, h.service.clock)) {
		ws.Close()
	}
}

// HandleStats returns registry counts and relay metrics
func (h *WebSocketHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.service.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to write stats response")
	}
}

// HandleHealth reports liveness
func (h *WebSocketHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// RegisterRoutes registers clock bus routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.HandleConnection)
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/health", h.HandleHealth)
}
