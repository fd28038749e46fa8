package handler

import (
	"net/http"

	"github.com/marketchat/internal/config"
)

// ConfigHandler serves the public client parameters (no auth required).
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetWSConfig returns the WebSocket protocol parameters the client must
// follow, in particular how often to send heartbeat events.
func (h *ConfigHandler) GetWSConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"heartbeat_interval_seconds": int(h.cfg.HeartbeatInterval.Seconds()),
		"max_message_size":           h.cfg.WSMaxMessageSize,
	})
}

// GetPushConfig tells the client whether push is available.
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": h.cfg.PushServiceURL != "",
	})
}
