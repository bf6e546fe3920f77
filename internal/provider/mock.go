package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// Mock is an in-process provider for local runs and tests. Without a Reply it
// echoes the last user message.
type Mock struct {
	ProviderName string
	Reply        string
	// FailFirst makes the first N calls fail with Err.
	FailFirst int
	// Err defaults to an unacknowledged timeout.
	Err error
	// Delay is waited before answering; the context cancels it.
	Delay time.Duration
	// ChunkSize is the number of runes per streamed chunk, default 8.
	ChunkSize int
	// ChunkDelay is waited before each streamed chunk.
	ChunkDelay time.Duration

	mu    sync.Mutex
	calls int
	last  *Request
}

func (m *Mock) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Calls returns how many Chat or Stream calls were made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns a copy of the most recent request.
func (m *Mock) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	cp.Messages = append([]Message(nil), m.last.Messages...)
	return &cp
}

func (m *Mock) Chat(ctx context.Context, req *Request) (*Response, error) {
	text, err := m.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Response{
		Model:        req.Model,
		Content:      text,
		FinishReason: "stop",
		Usage:        m.usage(req, text),
	}, nil
}

func (m *Mock) Stream(ctx context.Context, req *Request) (Stream, error) {
	text, err := m.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	size := m.ChunkSize
	if size <= 0 {
		size = 8
	}
	var chunks []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		chunks = append(chunks, string(runes[i:end]))
	}
	usage := m.usage(req, text)
	return &mockStream{ctx: ctx, chunks: chunks, usage: usage, delay: m.ChunkDelay}, nil
}

func (m *Mock) begin(ctx context.Context, req *Request) (string, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	cp := *req
	m.last = &cp
	m.mu.Unlock()

	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", &TransportError{Provider: m.Name(), Timeout: IsTimeout(ctx.Err()), Err: ctx.Err()}
		case <-t.C:
		}
	}
	if call <= m.FailFirst {
		if m.Err != nil {
			return "", m.Err
		}
		return "", &TransportError{Provider: m.Name(), Timeout: true, Err: context.DeadlineExceeded}
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return "Echo: " + req.Messages[i].Content, nil
		}
	}
	return "Hello from the mock provider.", nil
}

// usage approximates tokens as whitespace-separated words.
func (m *Mock) usage(req *Request, reply string) Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(strings.Fields(msg.Content))
	}
	completion := len(strings.Fields(reply))
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

type mockStream struct {
	ctx    context.Context
	chunks []string
	usage  Usage
	delay  time.Duration
	pos    int
	closed bool
}

func (s *mockStream) Recv() (Chunk, error) {
	if s.closed {
		return Chunk{}, errors.New("mock: stream closed")
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
		case <-t.C:
		}
	}
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.pos > len(s.chunks) {
		return Chunk{}, io.EOF
	}
	if s.pos == len(s.chunks) {
		s.pos++
		u := s.usage
		return Chunk{FinishReason: "stop", Usage: &u}, nil
	}
	c := Chunk{Delta: s.chunks[s.pos]}
	s.pos++
	return c, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
