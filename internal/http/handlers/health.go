package handlers

import (
	"net/http"
	"time"
)

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if api.hub != nil {
		response["websocket_connections"] = api.hub.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, response)
}
