package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaGenerate_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var apiReq ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&apiReq))
		assert.Equal(t, "llama3.2", apiReq.Model)
		assert.False(t, apiReq.Stream)
		require.Len(t, apiReq.Messages, 2)
		assert.Equal(t, "system", apiReq.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]interface{}{
				"role":    "assistant",
				"content": "Hello from the local model.",
			},
		})
	}))
	defer ts.Close()

	provider := NewOllamaProvider(ts.URL)
	resp, err := provider.Generate(context.Background(), &Request{
		Model: "llama3.2",
		Messages: []Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "Hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from the local model.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Greater(t, resp.InputTokens, 0, "tokens estimated from content length")
}

func TestOllamaGenerate_ToolCalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var apiReq ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&apiReq))
		require.Len(t, apiReq.Tools, 1)
		assert.Equal(t, "code_runner", apiReq.Tools[0].Function.Name)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]interface{}{
				"role": "assistant",
				"tool_calls": []map[string]interface{}{{
					"function": map[string]interface{}{
						"name":      "code_runner",
						"arguments": map[string]interface{}{"query": "print(1+1)"},
					},
				}},
			},
		})
	}))
	defer ts.Close()

	provider := NewOllamaProvider(ts.URL)
	resp, err := provider.Generate(context.Background(), &Request{
		Model:    "llama3.2",
		Messages: []Message{{Role: "user", Content: "run this"}},
		Tools:    []Tool{{Name: "code_runner", Description: "run code"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "code_runner", resp.ToolCalls[0].Name)
	assert.Equal(t, "print(1+1)", resp.ToolCalls[0].Arguments["query"])
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestOllamaGenerate_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"internal error", http.StatusInternalServerError, `{"error":"model 'nonexistent' not found, try pulling it first"}`},
		{"model not pulled", http.StatusNotFound, `{"error":"model not found"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			provider := NewOllamaProvider(ts.URL)
			resp, err := provider.Generate(context.Background(), &Request{
				Model:    "nonexistent-model",
				Messages: []Message{{Role: "user", Content: "Hello"}},
			})

			// An error body must never decode into a silent empty answer;
			// worker failure is fatal to the turn.
			require.Error(t, err)
			assert.Nil(t, resp)
			var upstream *UpstreamError
			require.ErrorAs(t, err, &upstream)
			assert.Contains(t, err.Error(), strconv.Itoa(tt.status), "error must carry the HTTP status code")
		})
	}
}

func TestOllamaGenerate_ReplaysAssistantToolCalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var apiReq ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&apiReq))
		require.Len(t, apiReq.Messages, 3)
		require.Len(t, apiReq.Messages[1].ToolCalls, 1, "assistant tool calls must survive the replay")
		assert.Equal(t, "internet_research", apiReq.Messages[1].ToolCalls[0].Function.Name)
		assert.Equal(t, "go 1.22", apiReq.Messages[1].ToolCalls[0].Function.Arguments["query"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]interface{}{
				"role":    "assistant",
				"content": "Final answer using the tool result.",
			},
		})
	}))
	defer ts.Close()

	provider := NewOllamaProvider(ts.URL)
	resp, err := provider.Generate(context.Background(), &Request{
		Model: "llama3.2",
		Messages: []Message{
			{Role: "user", Content: "research this"},
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID:        "ollama_call_0",
				Name:      "internet_research",
				Arguments: map[string]interface{}{"query": "go 1.22"},
			}}},
			{Role: "tool", Content: "summary of findings"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Final answer using the tool result.", resp.Content)
}

func TestOllamaGenerate_Unreachable(t *testing.T) {
	provider := NewOllamaProvider("http://127.0.0.1:1")
	_, err := provider.Generate(context.Background(), &Request{
		Model:    "llama3.2",
		Messages: []Message{{Role: "user", Content: "Hello"}},
	})
	require.Error(t, err)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "ollama", upstream.Provider)
}

func TestOllamaDefaultBaseURL(t *testing.T) {
	provider := NewOllamaProvider("")
	assert.Equal(t, "http://localhost:11434", provider.baseURL)
}
