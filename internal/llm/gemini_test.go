package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGeminiGenerate(t *testing.T) {
	var gotPath, gotKey string
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{
			"candidates":[{"content":{"role":"model","parts":[{"text":"{\"text\":"},{"text":"\"hi\",\"suggestions\":[]}"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":7,"totalTokenCount":19}
		}`)
	}))
	defer srv.Close()

	c := NewGeminiClient("key-123", "gemini-2.0-flash", testLogger(), WithBaseURL(srv.URL))
	resp, err := c.Generate(context.Background(), &Request{
		System: "be brief",
		Prompt: "hello",
		Schema: map[string]any{"type": "OBJECT"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotPath != "/gemini-2.0-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "key-123" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotBody.GenerationConfig == nil || gotBody.GenerationConfig.ResponseMIMEType != "application/json" {
		t.Errorf("generationConfig = %+v, want JSON mime type", gotBody.GenerationConfig)
	}
	if gotBody.SystemInstruction == nil || gotBody.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("systemInstruction = %+v", gotBody.SystemInstruction)
	}
	if resp.Text != `{"text":"hi","suggestions":[]}` {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 12/7", resp.InputTokens, resp.OutputTokens)
	}
	if resp.FinishReason != "STOP" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestGeminiGenerate_ModelOverride(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}))
	defer srv.Close()

	c := NewGeminiClient("k", "default-model", testLogger(), WithBaseURL(srv.URL+"/"))
	if _, err := c.Generate(context.Background(), &Request{Model: "other-model", Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/other-model:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestGeminiGenerate_QuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	c := NewGeminiClient("k", "m", testLogger(), WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), &Request{Prompt: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != "RESOURCE_EXHAUSTED" || apiErr.StatusCode != 429 {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !IsQuota(err) {
		t.Error("IsQuota should be true for 429")
	}
}

func TestGeminiGenerate_BadRequestIsNotQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"Invalid JSON payload","status":"INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	c := NewGeminiClient("k", "m", testLogger(), WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), &Request{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsQuota(err) {
		t.Errorf("IsQuota(%v) = true, want false", err)
	}
	if !strings.Contains(err.Error(), "INVALID_ARGUMENT") {
		t.Errorf("error %q should carry provider status", err)
	}
}

func TestGeminiGenerate_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	c := NewGeminiClient("k", "m", testLogger(), WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), &Request{Prompt: "x"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestGeminiPing(t *testing.T) {
	tests := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusOK, false},
		{http.StatusForbidden, true},
		{http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || r.URL.Path != "/m" {
				t.Errorf("unexpected ping request %s %s", r.Method, r.URL.Path)
			}
			w.WriteHeader(tt.status)
		}))
		c := NewGeminiClient("k", "m", testLogger(), WithBaseURL(srv.URL))
		err := c.Ping(context.Background())
		if (err != nil) != tt.wantErr {
			t.Errorf("status %d: Ping() = %v, wantErr %v", tt.status, err, tt.wantErr)
		}
		srv.Close()
	}
}

func TestIsQuota(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429 status", &APIError{Provider: "gemini", StatusCode: 429}, true},
		{"resource exhausted", &APIError{Provider: "gemini", StatusCode: 400, Status: "RESOURCE_EXHAUSTED"}, true},
		{"wrapped", fmt.Errorf("generate: %w", &APIError{StatusCode: 429}), true},
		{"quota text", errors.New("Quota exceeded for metric"), true},
		{"429 text", errors.New("upstream said 429 Too Many Requests"), true},
		{"server error", &APIError{Provider: "gemini", StatusCode: 500, Message: "internal"}, false},
		{"network", errors.New("connection reset by peer"), false},
		{"bad request mentioning 429", &APIError{Provider: "gemini", StatusCode: 400, Status: "INVALID_ARGUMENT", Message: "Unexpected token at position 4291"}, false},
		{"bad request status 429 in body", &APIError{Provider: "gemini", StatusCode: 400, Body: "retry 429"}, false},
		{"quota message", &APIError{Provider: "gemini", StatusCode: 403, Message: "Quota exceeded for project"}, true},
		{"dial to port 4290", errors.New("dial tcp 10.0.0.5:4290: connect: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsQuota(tt.err); got != tt.want {
				t.Errorf("IsQuota(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
