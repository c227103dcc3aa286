package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/hubpilot/internal/config"
	"github.com/nugget/hubpilot/internal/httpkit"
)

// DefaultGeminiBaseURL is the public Generative Language API model root.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiClient calls the Gemini generateContent endpoint.
type GeminiClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// GeminiOption configures a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithBaseURL points the client at a different model root, e.g. a
// proxy or a test server.
func WithBaseURL(u string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client. The caller is then
// responsible for the API key header.
func WithHTTPClient(hc *http.Client) GeminiOption {
	return func(c *GeminiClient) { c.httpClient = hc }
}

// NewGeminiClient creates a client for model using apiKey.
func NewGeminiClient(apiKey, model string, logger *slog.Logger, opts ...GeminiOption) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &GeminiClient{
		baseURL: DefaultGeminiBaseURL,
		model:   model,
		logger:  logger.With("provider", "gemini"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = httpkit.NewClient(
			// Cancellation is driven by ctx; a retry window can be long.
			httpkit.WithTimeout(0),
			httpkit.WithHeader("x-goog-api-key", apiKey),
			httpkit.WithDialRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(c.logger),
		)
	}
	return c
}

// Model returns the default model name.
func (c *GeminiClient) Model() string {
	return c.model
}

// Gemini request/response types

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenConfig struct {
	Temperature      float64        `json:"temperature,omitempty"`
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate sends one generateContent request.
func (c *GeminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.Schema != nil || req.Temperature != 0 {
		body.GenerationConfig = &geminiGenConfig{Temperature: req.Temperature}
		if req.Schema != nil {
			body.GenerationConfig.ResponseMIMEType = "application/json"
			body.GenerationConfig.ResponseSchema = req.Schema
		}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"prompt_len", len(req.Prompt),
		"system_len", len(req.System),
		"schema", req.Schema != nil,
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	url := fmt.Sprintf("%s/%s:generateContent", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		apiErr := parseGeminiError(resp.StatusCode, errBody)
		c.logger.Warn("API error", "status", resp.StatusCode, "code", apiErr.Status, "message", apiErr.Message)
		return nil, apiErr
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &Response{
		Model:   model,
		Elapsed: time.Since(start),
	}
	if gr.ModelVersion != "" {
		result.Model = gr.ModelVersion
	}
	if gr.UsageMetadata != nil {
		result.InputTokens = gr.UsageMetadata.PromptTokenCount
		result.OutputTokens = gr.UsageMetadata.CandidatesTokenCount
	}
	if len(gr.Candidates) > 0 {
		cand := gr.Candidates[0]
		result.FinishReason = cand.FinishReason
		var sb strings.Builder
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
		result.Text = sb.String()
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"finish_reason", result.FinishReason,
		"elapsed", result.Elapsed,
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", result.Text)

	if strings.TrimSpace(result.Text) == "" {
		return result, ErrEmptyResponse
	}
	return result, nil
}

// Ping fetches the model's metadata, which verifies reachability and
// the API key without spending generation quota.
func (c *GeminiClient) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("invalid API key")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("unexpected status from Gemini API: %d", resp.StatusCode)
	}
	return nil
}

func parseGeminiError(status int, body string) *APIError {
	apiErr := &APIError{Provider: "gemini", StatusCode: status, Body: body}
	var eb geminiErrorBody
	if err := json.Unmarshal([]byte(body), &eb); err == nil {
		apiErr.Status = eb.Error.Status
		apiErr.Message = eb.Error.Message
	}
	return apiErr
}
