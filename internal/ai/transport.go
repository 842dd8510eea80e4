package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultProviderTimeout = 30 * time.Second
	defaultProviderRetries = 2
	maxProviderBodyBytes   = 4 << 20
)

// providerTransport posts JSON to one provider endpoint with bearer auth and
// the shared retry policy.
type providerTransport struct {
	name       string
	endpoint   string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	headers    map[string]string
}

func newProviderTransport(
	name, baseURL, path, apiKey string,
	timeout time.Duration,
	maxRetries int,
	httpClient *http.Client,
) providerTransport {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if maxRetries <= 0 {
		maxRetries = defaultProviderRetries
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return providerTransport{
		name:       name,
		endpoint:   strings.TrimSuffix(strings.TrimSpace(baseURL), "/") + path,
		apiKey:     strings.TrimSpace(apiKey),
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: httpClient,
		headers:    map[string]string{},
	}
}

func (t providerTransport) available() bool {
	return t.apiKey != ""
}

// generate validates request, encodes payload once and retries the call,
// handing each successful body to decode.
func (t providerTransport) generate(
	ctx context.Context,
	request GenerateRequest,
	payload any,
	decode func(body []byte) (GenerateResult, error),
) (GenerateResult, error) {
	if !t.available() {
		return GenerateResult{}, ErrProviderUnavailable
	}
	if err := validateRequest(request); err != nil {
		return GenerateResult{}, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal %s payload: %w", t.name, err)
	}

	return generateWithRetry(ctx, t.name, t.maxRetries, func(ctx context.Context) (GenerateResult, error) {
		body, err := t.post(ctx, encoded)
		if err != nil {
			return GenerateResult{}, err
		}
		result, err := decode(body)
		if err != nil {
			return GenerateResult{}, fmt.Errorf("decode %s response: %w", t.name, err)
		}
		if strings.TrimSpace(result.Text) == "" {
			return GenerateResult{}, fmt.Errorf("%s response without text output", t.name)
		}
		result.ModelID = firstNonEmpty(result.ModelID, request.Model)
		return result, nil
	})
}

func (t providerTransport) post(ctx context.Context, payload []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(callCtx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", t.name, err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+t.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")
	for key, value := range t.headers {
		if value != "" {
			httpRequest.Header.Set(key, value)
		}
	}

	httpResponse, err := t.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timeout: %w", t.name, err)
		}
		return nil, fmt.Errorf("%s transport error: %w", t.name, err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxProviderBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", t.name, err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return nil, &providerHTTPError{
			Provider:   t.name,
			StatusCode: httpResponse.StatusCode,
			Message:    truncateMessage(body),
		}
	}
	return body, nil
}
