package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iago/docflow/internal/ai"
	"github.com/iago/docflow/internal/docstore"
	"github.com/iago/docflow/internal/extract"
	"github.com/iago/docflow/internal/http/handlers"
	"github.com/iago/docflow/internal/http/middleware"
	"github.com/iago/docflow/internal/notify"
	"github.com/iago/docflow/internal/queue"
	"github.com/iago/docflow/internal/repository"
	"github.com/iago/docflow/internal/service"
	"github.com/iago/docflow/internal/worker"
)

const testToken = "test-token"

type stubAnalyzer struct{}

func (stubAnalyzer) Summarize(context.Context, string, string) (ai.Summary, error) {
	return ai.Summary{Summary: "A short memo about onboarding.", Confidence: 0.7}, nil
}

func (stubAnalyzer) Categorize(context.Context, string) (ai.Categorization, error) {
	return ai.Categorization{Category: "Report", Confidence: 0.8, Reasoning: "memo"}, nil
}

func (stubAnalyzer) ExtractInsights(context.Context, string) (ai.Insights, error) {
	return ai.Insights{KeyPoints: []string{"onboarding"}, Sentiment: "positive"}, nil
}

func (stubAnalyzer) GenerateTags(context.Context, string, int) ([]string, error) {
	return []string{"memo"}, nil
}

func (stubAnalyzer) ModelName() string { return "stub-model" }

type testRuntime struct {
	server *httptest.Server
	store  *repository.MemoryStore
	client *http.Client
}

func startTestRuntime(t *testing.T) *testRuntime {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	logger := zap.NewNop().Sugar()
	store := repository.NewMemoryStore()
	analyses := docstore.NewMemoryStore()
	localQueue := queue.NewLocalQueue(256, queue.RetryPolicy{MaxRetries: -1}, logger)
	hub := notify.NewHub(logger)

	documents := worker.NewDocumentProcessor(store, extract.NewFileExtractor(extract.Config{}, logger), stubAnalyzer{}, analyses, hub, logger)
	workflows := worker.NewWorkflowRunner(store, documents, hub, logger)
	jobs := worker.NewJobRunner(worker.JobRunnerDependencies{
		Jobs:      store,
		Producer:  localQueue,
		Documents: documents,
		Workflows: workflows,
		Notifier:  hub,
		Logger:    logger,
	})

	api := handlers.NewAPI(handlers.APIDependencies{
		Documents: service.NewDocumentsService(store, analyses, jobs, service.DocumentsConfig{UploadDir: t.TempDir()}, logger),
		Workflows: service.NewWorkflowsService(store, localQueue, 0, logger),
		Jobs:      jobs,
		Hub:       hub,
		WebSocket: notify.NewWebSocketHandler(hub, notify.WebSocketConfig{}, logger),
		Logger:    logger,
	})
	router := NewRouter(RouterDependencies{
		API:         api,
		Logger:      logger,
		AuthToken:   testToken,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimitConfig{RPS: 10000, Burst: 10000}),
	})

	processor := worker.NewProcessor(localQueue, jobs, workflows, 2, logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Start(ctx)
	}()

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		server.Close()
		<-done
	})
	return &testRuntime{server: server, store: store, client: server.Client()}
}

func (rt *testRuntime) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) (int, []byte) {
	t.Helper()
	request, err := http.NewRequest(method, rt.server.URL+path, body)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+testToken)
	for key, value := range headers {
		if value == "" {
			request.Header.Del(key)
			continue
		}
		request.Header.Set(key, value)
	}
	response, err := rt.client.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response.StatusCode, raw
}

func (rt *testRuntime) sendJSON(t *testing.T, method, path string, payload any) (int, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	status, raw := rt.do(t, method, path, bytes.NewReader(encoded), map[string]string{"Content-Type": "application/json"})
	return status, decodeObject(t, raw)
}

func (rt *testRuntime) getJSON(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	status, raw := rt.do(t, http.MethodGet, path, nil, nil)
	return status, decodeObject(t, raw)
}

func decodeObject(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	if len(raw) == 0 {
		return map[string]any{}
	}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", string(raw))
	return decoded
}

func (rt *testRuntime) upload(t *testing.T, filename, content string, fields map[string]string) (int, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())

	status, raw := rt.do(t, http.MethodPost, APIPrefix+"/documents", &body, map[string]string{"Content-Type": writer.FormDataContentType()})
	return status, decodeObject(t, raw)
}

func (rt *testRuntime) waitForJob(t *testing.T, jobID string, want string) map[string]any {
	t.Helper()
	var job map[string]any
	require.Eventually(t, func() bool {
		status, body := rt.getJSON(t, APIPrefix+"/processing/jobs/external/"+jobID)
		if status != http.StatusOK {
			return false
		}
		job = body
		return body["status"] == want
	}, 5*time.Second, 20*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func TestHealthIsPublic(t *testing.T) {
	rt := startTestRuntime(t)

	status, raw := rt.do(t, http.MethodGet, "/health", nil, map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", decodeObject(t, raw)["status"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	rt := startTestRuntime(t)

	status, raw := rt.do(t, http.MethodGet, APIPrefix+"/documents", nil, map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusUnauthorized, status)
	body := decodeObject(t, raw)
	assert.Equal(t, "unauthorized", body["error"].(map[string]any)["code"])
	assert.NotEmpty(t, body["request_id"])

	status, _ = rt.do(t, http.MethodGet, APIPrefix+"/documents", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUploadExtractsAndAnalyzes(t *testing.T) {
	rt := startTestRuntime(t)

	status, uploaded := rt.upload(t, "memo.txt", "Welcome aboard. Onboarding starts Monday.", map[string]string{
		"title": "Onboarding memo",
		"tags":  `["hr"]`,
	})
	require.Equal(t, http.StatusCreated, status, "%v", uploaded)
	assert.Equal(t, "Document uploaded successfully", uploaded["message"])
	jobID, _ := uploaded["job_id"].(string)
	require.NotEmpty(t, jobID)
	documentID := int64(uploaded["document_id"].(float64))

	job := rt.waitForJob(t, jobID, "completed")
	assert.EqualValues(t, 100, job["progress"])
	assert.NotNil(t, job["duration_seconds"])

	documentPath := fmt.Sprintf("%s/documents/%d", APIPrefix, documentID)
	status, document := rt.getJSON(t, documentPath)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", document["status"])
	assert.Contains(t, document["extracted_text"], "Onboarding starts Monday")
	assert.Equal(t, "Onboarding memo", document["title"])

	status, accepted := rt.sendJSON(t, http.MethodPost, documentPath+"/analyze", map[string]any{"analysis_type": "all"})
	require.Equal(t, http.StatusAccepted, status, "%v", accepted)
	rt.waitForJob(t, accepted["job_id"].(string), "completed")

	status, analysis := rt.getJSON(t, documentPath+"/analysis")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "stub-model", analysis["model"])
	assert.Equal(t, "all", analysis["analysis_type"])

	_, document = rt.getJSON(t, documentPath)
	assert.Equal(t, "Report", document["category"])
	assert.ElementsMatch(t, []any{"hr", "memo"}, document["tags"])

	status, duplicate := rt.upload(t, "copy.txt", "Welcome aboard. Onboarding starts Monday.", nil)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Document already exists", duplicate["message"])
	assert.EqualValues(t, documentID, duplicate["document_id"])
}

func TestUploadRejectsDisallowedType(t *testing.T) {
	rt := startTestRuntime(t)

	status, body := rt.upload(t, "blob.bin", "\x00\x01\x02\x03", nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body["error"].(map[string]any)["code"])
}

func TestMissingDocumentUsesErrorEnvelope(t *testing.T) {
	rt := startTestRuntime(t)

	status, body := rt.getJSON(t, APIPrefix+"/documents/4040")
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"].(map[string]any)["code"])

	status, body = rt.getJSON(t, APIPrefix+"/documents/abc")
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["error"].(map[string]any)["code"])
}

func TestWorkflowYAMLExecute(t *testing.T) {
	rt := startTestRuntime(t)

	definition := `
name: announce
trigger_type: manual
steps:
  - step_id: notify
    step_type: notification
    config:
      channel: websocket
      message: hello
`
	status, raw := rt.do(t, http.MethodPost, APIPrefix+"/workflows", strings.NewReader(definition), map[string]string{"Content-Type": "application/yaml"})
	require.Equal(t, http.StatusCreated, status, string(raw))
	created := decodeObject(t, raw)
	assert.Equal(t, true, created["is_active"])
	workflowPath := fmt.Sprintf("%s/workflows/%d", APIPrefix, int64(created["id"].(float64)))

	status, accepted := rt.sendJSON(t, http.MethodPost, workflowPath+"/execute", nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "Workflow execution started", accepted["message"])

	require.Eventually(t, func() bool {
		_, workflow := rt.getJSON(t, workflowPath)
		return workflow["successful_runs"] == float64(1)
	}, 5*time.Second, 20*time.Millisecond)

	_, workflow := rt.getJSON(t, workflowPath)
	assert.EqualValues(t, 1, workflow["total_runs"])
	assert.EqualValues(t, 0, workflow["failed_runs"])

	status, body := rt.sendJSON(t, http.MethodPost, workflowPath+"/steps/missing/execute", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"].(map[string]any)["code"])
}

func TestWorkflowCRUD(t *testing.T) {
	rt := startTestRuntime(t)

	status, created := rt.sendJSON(t, http.MethodPost, APIPrefix+"/workflows", map[string]any{
		"name": "nightly",
		"steps": []map[string]any{
			{"step_id": "n1", "step_type": "notification", "config": map[string]any{}},
		},
	})
	require.Equal(t, http.StatusCreated, status, "%v", created)
	workflowPath := fmt.Sprintf("%s/workflows/%d", APIPrefix, int64(created["id"].(float64)))

	status, updated := rt.sendJSON(t, http.MethodPut, workflowPath, map[string]any{"description": "runs at night"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "runs at night", updated["description"])

	status, raw := rt.do(t, http.MethodGet, APIPrefix+"/workflows", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(raw, &listed))
	assert.Len(t, listed, 1)

	status, _ = rt.do(t, http.MethodDelete, workflowPath, nil, nil)
	require.Equal(t, http.StatusOK, status)

	status, raw = rt.do(t, http.MethodGet, APIPrefix+"/workflows", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &listed))
	assert.Empty(t, listed)

	status, body := rt.sendJSON(t, http.MethodPost, APIPrefix+"/workflows", map[string]any{
		"name":         "bad schedule",
		"trigger_type": "scheduled",
		"steps":        []map[string]any{{"step_id": "n1", "step_type": "notification"}},
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body["error"].(map[string]any)["code"])
}

func TestWebhookBypassesBearerButChecksSecret(t *testing.T) {
	rt := startTestRuntime(t)

	status, created := rt.sendJSON(t, http.MethodPost, APIPrefix+"/workflows", map[string]any{
		"name":           "inbound",
		"trigger_type":   "webhook",
		"trigger_config": map[string]any{"secret": "s3cret"},
		"steps":          []map[string]any{{"step_id": "n1", "step_type": "notification"}},
	})
	require.Equal(t, http.StatusCreated, status, "%v", created)
	webhookPath := fmt.Sprintf("%s/workflows/%d/webhook", APIPrefix, int64(created["id"].(float64)))

	status, _ = rt.do(t, http.MethodPost, webhookPath, nil, map[string]string{"Authorization": "", "X-Webhook-Secret": "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, raw := rt.do(t, http.MethodPost, webhookPath, nil, map[string]string{"Authorization": "", "X-Webhook-Secret": "s3cret"})
	require.Equal(t, http.StatusAccepted, status, string(raw))
}

func TestProcessingEndpoints(t *testing.T) {
	rt := startTestRuntime(t)

	status, body := rt.sendJSON(t, http.MethodPost, APIPrefix+"/processing/jobs", map[string]any{"job_type": "ai_analysis"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body["error"].(map[string]any)["code"])

	status, batch := rt.sendJSON(t, http.MethodPost, APIPrefix+"/processing/batch", map[string]any{"document_ids": []int64{998, 999}})
	require.Equal(t, http.StatusCreated, status, "%v", batch)
	assert.EqualValues(t, 2, batch["document_count"])
	job := rt.waitForJob(t, batch["job_id"].(string), "completed")
	output := job["output_data"].(map[string]any)
	assert.EqualValues(t, 2, output["not_found"])

	status, body = rt.sendJSON(t, http.MethodPost, APIPrefix+"/processing/jobs/777/cancel", nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["error"].(map[string]any)["code"])

	status, _ = rt.getJSON(t, APIPrefix+"/processing/jobs/external/unknown")
	assert.Equal(t, http.StatusNotFound, status)

	status, report := rt.getJSON(t, APIPrefix+"/processing/status")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, report["total_jobs"])
	assert.Equal(t, "healthy", report["system_health"])

	status, raw := rt.do(t, http.MethodGet, APIPrefix+"/processing/jobs?status=completed", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var jobs []map[string]any
	require.NoError(t, json.Unmarshal(raw, &jobs))
	assert.Len(t, jobs, 1)
}

func TestWebSocketConnectionsListing(t *testing.T) {
	rt := startTestRuntime(t)

	status, body := rt.getJSON(t, "/ws/connections")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["total_connections"])
}
