package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (api *API) WebSocketConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.hub.ConnectionInfo())
}

func (api *API) WebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(chi.URLParam(r, "client_id"))
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	api.websocket.Serve(w, r, clientID)
}
