package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultMaxResponseBytes = 4 * 1024 * 1024
)

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	Name             string
	BaseURL          string
	APIKey           string
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// OpenAI implements Provider for the Chat Completions API and any server that
// speaks it. Calls are bounded by the caller's context, not a client timeout.
type OpenAI struct {
	name             string
	baseURL          string
	apiKey           string
	client           *http.Client
	maxResponseBytes int64
}

// NewOpenAI creates a provider. An empty name defaults to "openai".
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.HTTPClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.DisableCompression = true
		cfg.HTTPClient = &http.Client{Transport: tr}
	}
	return &OpenAI{
		name:             cfg.Name,
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		client:           cfg.HTTPClient,
		maxResponseBytes: cfg.MaxResponseBytes,
	}
}

func (p *OpenAI) Name() string { return p.name }

type openAIChatRequest struct {
	Model         string               `json:"model"`
	Messages      []Message            `json:"messages"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAI) Chat(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := p.readLimited(resp.Body)
	if err != nil {
		return nil, &TransportError{Provider: p.name, Acknowledged: true, Timeout: IsTimeout(err), Err: err}
	}

	var out openAIChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: response had no choices", p.name)
	}
	return &Response{
		Model:        out.Model,
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Usage:        out.Usage,
	}, nil
}

func (p *OpenAI) Stream(ctx context.Context, req *Request) (Stream, error) {
	resp, err := p.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &openAIStream{name: p.name, body: resp.Body, scanner: sc}, nil
}

// do sends the request and returns a 2xx response. Failures before a status
// line arrives are unacknowledged.
func (p *OpenAI) do(ctx context.Context, req *Request, stream bool) (*http.Response, error) {
	payload := openAIChatRequest{Model: req.Model, Messages: req.Messages, Stream: stream}
	if stream {
		payload.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: p.name, Timeout: IsTimeout(err), Err: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, &TransportError{
			Provider:     p.name,
			Acknowledged: true,
			StatusCode:   resp.StatusCode,
			Err:          p.errorBody(resp.Body),
		}
	}
	return resp, nil
}

func (p *OpenAI) errorBody(r io.Reader) error {
	data, err := p.readLimited(r)
	if err != nil {
		return fmt.Errorf("read error body: %w", err)
	}
	var eb openAIErrorResponse
	if json.Unmarshal(data, &eb) == nil && eb.Error.Message != "" {
		return fmt.Errorf("%s (type=%s)", eb.Error.Message, eb.Error.Type)
	}
	return errors.New(strings.TrimSpace(string(data)))
}

func (p *OpenAI) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > p.maxResponseBytes {
		return nil, fmt.Errorf("response exceeded limit (%d bytes)", p.maxResponseBytes)
	}
	return data, nil
}

type openAIStream struct {
	name    string
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Recv reads SSE data lines until one carries content, a finish reason, or
// usage. "data: [DONE]" ends the stream.
func (s *openAIStream) Recv() (Chunk, error) {
	for !s.done && s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			break
		}
		var raw openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			return Chunk{}, fmt.Errorf("%s: decode stream chunk: %w", s.name, err)
		}
		var c Chunk
		if len(raw.Choices) > 0 {
			c.Delta = raw.Choices[0].Delta.Content
			if fr := raw.Choices[0].FinishReason; fr != nil {
				c.FinishReason = *fr
			}
		}
		c.Usage = raw.Usage
		if c.Delta == "" && c.FinishReason == "" && c.Usage == nil {
			continue
		}
		return c, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, &TransportError{Provider: s.name, Acknowledged: true, Timeout: IsTimeout(err), Err: err}
	}
	return Chunk{}, io.EOF
}

func (s *openAIStream) Close() error {
	return s.body.Close()
}
