package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/http/middleware"
	"github.com/iago/docflow/internal/notify"
	"github.com/iago/docflow/internal/service"
	"github.com/iago/docflow/internal/worker"
)

var errInvalidPayload = errors.New("invalid payload")

type API struct {
	documents *service.DocumentsService
	workflows *service.WorkflowsService
	jobs      *worker.JobRunner
	hub       *notify.Hub
	websocket *notify.WebSocketHandler
	logger    *zap.SugaredLogger
	// maxUploadBytes bounds the multipart body before the service sees it.
	maxUploadBytes int64
}

type APIDependencies struct {
	Documents      *service.DocumentsService
	Workflows      *service.WorkflowsService
	Jobs           *worker.JobRunner
	Hub            *notify.Hub
	WebSocket      *notify.WebSocketHandler
	Logger         *zap.SugaredLogger
	MaxUploadBytes int64
}

func NewAPI(deps APIDependencies) *API {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = service.DefaultMaxUploadBytes
	}
	return &API{
		documents:      deps.Documents,
		workflows:      deps.Workflows,
		jobs:           deps.Jobs,
		hub:            deps.Hub,
		websocket:      deps.WebSocket,
		logger:         logger,
		maxUploadBytes: maxUpload,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps the domain error kinds onto HTTP statuses.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrWebhookSecret):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		api.logger.Errorw("request failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// decodeOptionalJSON accepts an empty body and leaves value untouched.
func decodeOptionalJSON(r *http.Request, value any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil && !errors.Is(err, io.EOF) {
		return errInvalidPayload
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return value
}
