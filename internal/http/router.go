package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/iago/docflow/internal/http/handlers"
	"github.com/iago/docflow/internal/http/middleware"
)

const APIPrefix = "/api/v1"

type RouterDependencies struct {
	API         *handlers.API
	Logger      *zap.SugaredLogger
	AuthToken   string
	CORSOrigins []string
	// RateLimiter is optional; nil disables per-client limiting.
	RateLimiter *middleware.RateLimiter
}

func NewRouter(deps RouterDependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Trace(deps.Logger))
	router.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}))
	if deps.RateLimiter != nil {
		router.Use(deps.RateLimiter.Middleware)
	}
	router.Use(middleware.Auth(middleware.AuthConfig{
		Token:             deps.AuthToken,
		ProtectedPrefixes: []string{APIPrefix + "/", "/ws/"},
		Skip:              isWebhookRequest,
	}))

	api := deps.API
	router.Get("/health", api.Health)

	router.Route(APIPrefix, func(r chi.Router) {
		r.Get("/health", api.Health)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", api.UploadDocument)
			r.Get("/", api.ListDocuments)
			r.Get("/{id}", api.GetDocument)
			r.Patch("/{id}", api.UpdateDocument)
			r.Delete("/{id}", api.DeleteDocument)
			r.Get("/{id}/download", api.DownloadDocument)
			r.Post("/{id}/analyze", api.AnalyzeDocument)
			r.Get("/{id}/analysis", api.GetAnalysis)
		})

		r.Route("/processing", func(r chi.Router) {
			r.Post("/jobs", api.CreateJob)
			r.Get("/jobs", api.ListJobs)
			r.Get("/jobs/external/{job_id}", api.GetJobByExternalID)
			r.Get("/jobs/{id}", api.GetJob)
			r.Post("/jobs/{id}/cancel", api.CancelJob)
			r.Post("/batch", api.CreateBatch)
			r.Get("/status", api.SystemStatus)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", api.CreateWorkflow)
			r.Get("/", api.ListWorkflows)
			r.Get("/{id}", api.GetWorkflow)
			r.Patch("/{id}", api.UpdateWorkflow)
			r.Put("/{id}", api.UpdateWorkflow)
			r.Delete("/{id}", api.DeleteWorkflow)
			r.Post("/{id}/execute", api.ExecuteWorkflow)
			r.Post("/{id}/steps/{step_id}/execute", api.ExecuteWorkflowStep)
			r.Post("/{id}/webhook", api.WorkflowWebhook)
		})
	})

	router.Get("/ws/connections", api.WebSocketConnections)
	router.Get("/ws/{client_id}", api.WebSocket)

	return router
}

func isWebhookRequest(r *http.Request) bool {
	return r.Method == http.MethodPost &&
		strings.HasPrefix(r.URL.Path, APIPrefix+"/workflows/") &&
		strings.HasSuffix(r.URL.Path, "/webhook")
}
