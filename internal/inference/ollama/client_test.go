package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/ports"
)

func TestGenerateDecodesChatResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "llama3", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "hello", req.Messages[0].Content)

		_ = json.NewEncoder(w).Encode(chatResponse{
			Model:           "llama3",
			Message:         chatMessage{Role: "assistant", Content: "hi there"},
			Done:            true,
			PromptEvalCount: 3,
			EvalCount:       5,
		})
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second)
	completion, err := client.Generate(context.Background(), "hello", ports.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi there", completion.Text)
	assert.Equal(t, "llama3", completion.Model)
	assert.Equal(t, 3, completion.Usage.PromptTokens)
	assert.Equal(t, 5, completion.Usage.CompletionTokens)
	assert.Equal(t, 8, completion.Usage.TotalTokens)
}

func TestGeneratePrependsSystemPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "be terse", req.Messages[0].Content)
		assert.Equal(t, "user", req.Messages[1].Role)
		_ = json.NewEncoder(w).Encode(chatResponse{Done: true})
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second)
	_, err := client.Generate(context.Background(), "hi", ports.CompletionOptions{SystemPrompt: "be terse"})
	require.NoError(t, err)
}

func TestGenerateNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second)
	_, err := client.Generate(context.Background(), "hi", ports.CompletionOptions{})
	require.Error(t, err)
}

func TestGenerateStreamEmitsDeltasThenTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		flusher := w.(http.Flusher)
		chunks := []chatResponse{
			{Message: chatMessage{Content: "hel"}},
			{Message: chatMessage{Content: "lo"}},
			{Done: true, PromptEvalCount: 1, EvalCount: 2},
		}
		for _, c := range chunks {
			b, _ := json.Marshal(c)
			w.Write(b)
			w.Write([]byte("\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second)
	deltas, err := client.GenerateStream(context.Background(), "hi", ports.CompletionOptions{})
	require.NoError(t, err)

	var text string
	var sawDone bool
	for d := range deltas {
		if d.Done {
			sawDone = true
			require.NotNil(t, d.Usage)
			assert.Equal(t, 3, d.Usage.TotalTokens)
			continue
		}
		text += d.Text
	}
	assert.True(t, sawDone)
	assert.Equal(t, "hello", text)
}

func TestHealthReportsUnhealthyOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second)
	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, health.Healthy)
}

func TestHealthReportsHealthyOnOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second)
	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
}
