package handlers

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/service"
)

const multipartMemory = 8 << 20

// UploadDocument accepts a multipart form with a "file" part and optional
// title, description, category and tags fields.
func (api *API) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds the upload limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart form is required")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	defer file.Close()

	tags, err := parseTags(r.FormValue("tags"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := api.documents.Upload(r.Context(), service.UploadInput{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     file,
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
		Tags:        tags,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// parseTags reads a JSON array, falling back to a comma separated list.
func parseTags(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return nil, errors.New("tags must be a JSON array of strings")
		}
		return tags, nil
	}
	return strings.Split(raw, ","), nil
}

func (api *API) ListDocuments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := api.documents.List(r.Context(), service.ListDocumentsInput{
		Page:     queryInt(r, "page"),
		Size:     queryInt(r, "size"),
		Category: query.Get("category"),
		Status:   query.Get("status"),
		Search:   query.Get("search"),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (api *API) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid document id")
		return
	}
	document, err := api.documents.Get(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, document)
}

func (api *API) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid document id")
		return
	}
	var update service.DocumentUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid payload")
		return
	}
	document, err := api.documents.Update(r.Context(), id, update)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, document)
}

func (api *API) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid document id")
		return
	}
	if err := api.documents.Delete(r.Context(), id); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Document deleted successfully"})
}

func (api *API) DownloadDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid document id")
		return
	}
	path, name, err := api.documents.FilePath(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeFile(w, r, path)
}

type analyzeRequest struct {
	AnalysisType string `json:"analysis_type"`
	CustomPrompt string `json:"custom_prompt"`
}

func (api *API) AnalyzeDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid document id")
		return
	}
	request := analyzeRequest{AnalysisType: domain.AnalysisAll}
	if err := decodeOptionalJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid payload")
		return
	}
	job, err := api.documents.Analyze(r.Context(), id, request.AnalysisType, request.CustomPrompt)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":     "Analysis started",
		"document_id": id,
		"job_id":      job.JobID,
	})
}

func (api *API) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid document id")
		return
	}
	record, err := api.documents.Analysis(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
