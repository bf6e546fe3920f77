package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenAI_Chat(t *testing.T) {
	var gotAuth string
	var gotBody openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-default"})
	resp, err := p.Chat(context.Background(), &Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
		APIKey:   "sk-caller",
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Content)
	require.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}, resp.Usage)
	require.Equal(t, "Bearer sk-caller", gotAuth)
	require.False(t, gotBody.Stream)
	require.Equal(t, "hello", gotBody.Messages[0].Content)
}

func TestOpenAI_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadGateway, true},
		{http.StatusInternalServerError, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"server_error"}}`)
			}))
			defer srv.Close()

			_, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL}).Chat(context.Background(), &Request{Model: "m"})
			var te *TransportError
			require.ErrorAs(t, err, &te)
			require.True(t, te.Acknowledged)
			require.Equal(t, tt.status, te.StatusCode)
			require.Contains(t, te.Error(), "nope")
			require.Equal(t, tt.retryable, Retryable(err))
		})
	}
}

func TestOpenAI_TimeoutBeforeHeadersIsUnacknowledged(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL}).Chat(ctx, &Request{Model: "m"})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.False(t, te.Acknowledged)
	require.True(t, te.Timeout)
	require.True(t, Retryable(err))
}

func TestOpenAI_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		} {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL}).Stream(context.Background(), &Request{Model: "m"})
	require.NoError(t, err)

	resp, err := Collect(s)
	require.NoError(t, err)
	require.Equal(t, "Hello", resp.Content)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestMock(t *testing.T) {
	m := &Mock{FailFirst: 2}
	ctx := context.Background()
	req := &Request{Model: "m", Messages: []Message{{Role: RoleSystem, Content: "be nice"}, {Role: RoleUser, Content: "ping me"}}}

	for i := 0; i < 2; i++ {
		_, err := m.Chat(ctx, req)
		require.True(t, Retryable(err))
	}
	resp, err := m.Chat(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "Echo: ping me", resp.Content)
	require.Equal(t, 3, m.Calls())
	require.Equal(t, 4, resp.Usage.PromptTokens)

	m = &Mock{Reply: "abcdefghij", ChunkSize: 4}
	s, err := m.Stream(ctx, req)
	require.NoError(t, err)
	var deltas []string
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if c.Delta != "" {
			deltas = append(deltas, c.Delta)
		}
	}
	require.Equal(t, []string{"abcd", "efgh", "ij"}, deltas)
}

func TestMock_StreamCancellation(t *testing.T) {
	m := &Mock{Reply: "a long reply", ChunkSize: 1, ChunkDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Stream(ctx, &Request{})
	require.NoError(t, err)

	cancel()
	_, err = s.Recv()
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&Mock{ProviderName: "Mock"}, NewOpenAI(OpenAIConfig{}))
	p, err := r.Get("")
	require.NoError(t, err)
	require.Equal(t, "Mock", p.Name())

	p, err = r.Get("OpenAI")
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())

	_, err = r.Get("anthropic")
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.Equal(t, []string{"mock", "openai"}, r.Names())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Jitter = 0
	p.MaxBackoff = 500 * time.Millisecond

	b := p.NewBackOff()
	require.Equal(t, 200*time.Millisecond, b.NextBackOff())
	require.Equal(t, 400*time.Millisecond, b.NextBackOff())
	require.Equal(t, 500*time.Millisecond, b.NextBackOff())

	require.Equal(t, 1, RetryPolicy{}.Attempts())
}

type staticCreds map[string]string

func (s staticCreds) ResolveProviderKey(_ context.Context, callerID, provider string) (string, error) {
	if k, ok := s[callerID+"/"+provider]; ok {
		return k, nil
	}
	return "", ErrNoCredential
}

func TestCredentialChain(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-env")
	chain := CredentialChain{
		staticCreds{"team-a/openai": "sk-team"},
		EnvCredentials{"openai": "TEST_OPENAI_KEY"},
	}
	ctx := context.Background()

	key, err := chain.ResolveProviderKey(ctx, "team-a", "openai")
	require.NoError(t, err)
	require.Equal(t, "sk-team", key)

	key, err = chain.ResolveProviderKey(ctx, "team-b", "openai")
	require.NoError(t, err)
	require.Equal(t, "sk-env", key)

	_, err = chain.ResolveProviderKey(ctx, "team-b", "anthropic")
	require.ErrorIs(t, err, ErrNoCredential)
}
