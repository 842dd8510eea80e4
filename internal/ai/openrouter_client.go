package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type OpenRouterClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	SiteURL    string
	AppName    string
}

// OpenRouterClient calls the OpenAI-compatible chat completions endpoint of
// OpenRouter.
type OpenRouterClient struct {
	transport providerTransport
}

func NewOpenRouterClient(config OpenRouterClientConfig) *OpenRouterClient {
	baseURL := config.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	appName := strings.TrimSpace(config.AppName)
	if appName == "" {
		appName = "Docflow"
	}
	transport := newProviderTransport("openrouter", baseURL, "/chat/completions", config.APIKey, config.Timeout, config.MaxRetries, config.HTTPClient)
	transport.headers["HTTP-Referer"] = strings.TrimSpace(config.SiteURL)
	transport.headers["X-Title"] = appName
	return &OpenRouterClient{transport: transport}
}

func (c *OpenRouterClient) Available() bool {
	return c.transport.available()
}

func (c *OpenRouterClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	payload := map[string]any{
		"model":       request.Model,
		"messages":    chatMessages(request),
		"temperature": request.Temperature,
		"max_tokens":  request.MaxOutputTokens,
	}
	if request.JSONMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	return c.transport.generate(ctx, request, payload, decodeChatCompletionBody)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func chatMessages(request GenerateRequest) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if instructions := strings.TrimSpace(request.Instructions); instructions != "" {
		messages = append(messages, chatMessage{Role: "system", Content: instructions})
	}
	return append(messages, chatMessage{Role: "user", Content: request.Input})
}

type chatCompletionBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func decodeChatCompletionBody(body []byte) (GenerateResult, error) {
	var decoded chatCompletionBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return GenerateResult{}, err
	}
	result := GenerateResult{
		ModelID: decoded.Model,
		Usage: TokenUsage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		},
	}
	if len(decoded.Choices) > 0 {
		result.Text = messageContentText(decoded.Choices[0].Message.Content)
	}
	return result, nil
}

// messageContentText accepts either a plain string or a list of content
// parts with a text field.
func messageContentText(raw json.RawMessage) string {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part.Text); trimmed != "" {
			texts = append(texts, trimmed)
		}
	}
	return strings.Join(texts, "\n")
}
