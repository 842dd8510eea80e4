package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type OpenAIClientConfig struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	HTTPClient   *http.Client
	Organization string
}

// OpenAIClient calls the OpenAI Responses API.
type OpenAIClient struct {
	transport providerTransport
}

func NewOpenAIClient(config OpenAIClientConfig) *OpenAIClient {
	baseURL := config.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.openai.com/v1"
	}
	transport := newProviderTransport("openai", baseURL, "/responses", config.APIKey, config.Timeout, config.MaxRetries, config.HTTPClient)
	transport.headers["OpenAI-Organization"] = strings.TrimSpace(config.Organization)
	return &OpenAIClient{transport: transport}
}

func (c *OpenAIClient) Available() bool {
	return c.transport.available()
}

func (c *OpenAIClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	payload := map[string]any{
		"model":             request.Model,
		"input":             request.Input,
		"instructions":      request.Instructions,
		"temperature":       request.Temperature,
		"max_output_tokens": request.MaxOutputTokens,
	}
	if request.JSONMode {
		payload["text"] = map[string]any{"format": map[string]string{"type": "json_object"}}
	}
	return c.transport.generate(ctx, request, payload, decodeResponsesBody)
}

type responsesBody struct {
	Model  string `json:"model"`
	Output []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	OutputText string `json:"output_text"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func decodeResponsesBody(body []byte) (GenerateResult, error) {
	var decoded responsesBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return GenerateResult{}, err
	}

	text := strings.TrimSpace(decoded.OutputText)
	if text == "" {
		var parts []string
		for _, output := range decoded.Output {
			for _, content := range output.Content {
				if content.Type != "output_text" && content.Type != "text" {
					continue
				}
				if trimmed := strings.TrimSpace(content.Text); trimmed != "" {
					parts = append(parts, trimmed)
				}
			}
		}
		text = strings.Join(parts, "\n")
	}

	return GenerateResult{
		Text:    text,
		ModelID: decoded.Model,
		Usage: TokenUsage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		},
	}, nil
}
