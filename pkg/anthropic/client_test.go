package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, inspect func(body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		if inspect != nil {
			inspect(body)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_ncm_001",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": `{"code":"09012100",`},
				{"type": "text", "text": `"confidence":0.91}`},
			},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":            120,
				"output_tokens":           40,
				"cache_read_input_tokens": 900,
			},
		})
	}))
}

func TestClient_Complete(t *testing.T) {
	ts := completionServer(t, func(body map[string]any) {
		assert.Equal(t, "claude-haiku-4-5-20251001", body["model"])
		assert.EqualValues(t, 256, body["max_tokens"])
		assert.EqualValues(t, 0, body["temperature"])

		system, ok := body["system"].([]any)
		require.True(t, ok)
		require.Len(t, system, 1)
		block := system[0].(map[string]any)
		assert.Equal(t, "classify fiscal codes", block["text"])
		assert.NotNil(t, block["cache_control"])

		msgs := body["messages"].([]any)
		require.Len(t, msgs, 1)
		assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
	})
	defer ts.Close()

	temp := 0.0
	client := NewClient("test-key", option.WithBaseURL(ts.URL))
	out, err := client.Complete(context.Background(), Prompt{
		Model:       "claude-haiku-4-5-20251001",
		MaxTokens:   256,
		System:      "classify fiscal codes",
		CacheSystem: true,
		User:        "Café torrado em grão",
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_ncm_001", out.ID)
	assert.Equal(t, "end_turn", out.StopReason)
	assert.Equal(t, `{"code":"09012100","confidence":0.91}`, out.Text)
	assert.Equal(t, int64(120), out.Usage.InputTokens)
	assert.Equal(t, int64(40), out.Usage.OutputTokens)
	assert.Equal(t, int64(900), out.Usage.CacheReadTokens)
}

func TestClient_Complete_NoSystem(t *testing.T) {
	ts := completionServer(t, func(body map[string]any) {
		_, ok := body["system"]
		assert.False(t, ok)
	})
	defer ts.Close()

	client := NewClient("test-key", option.WithBaseURL(ts.URL))
	_, err := client.Complete(context.Background(), Prompt{Model: "m", MaxTokens: 16, User: "x"})
	require.NoError(t, err)
}

func TestClient_Complete_APIError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		overloaded bool
	}{
		{"overloaded", http.StatusServiceUnavailable, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`)) //nolint:errcheck
			}))
			defer ts.Close()

			client := NewClient("test-key", option.WithBaseURL(ts.URL))
			_, err := client.Complete(context.Background(), Prompt{Model: "m", MaxTokens: 16, User: "x"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "anthropic: complete")

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.overloaded, apiErr.Overloaded())
		})
	}
}
