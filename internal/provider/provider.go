// Package provider talks to upstream LLM providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is one chat completion call.
type Request struct {
	Model    string
	Messages []Message
	// APIKey overrides the provider's configured key for this call.
	APIKey string
}

// Usage counts tokens for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Response is a completed, non-streaming reply.
type Response struct {
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
}

// Chunk is one piece of a streamed reply. Usage, when present, covers the
// whole stream and usually arrives on the last chunk.
type Chunk struct {
	Delta        string
	FinishReason string
	Usage        *Usage
}

// Stream yields chunks until Recv returns io.EOF. Close must always be called
// and aborts the upstream read.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider is the interface for all upstream LLM providers.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// TransportError is a failed exchange with a provider. Acknowledged reports
// whether the provider answered with a status line, meaning it may have
// processed the request.
type TransportError struct {
	Provider     string
	Acknowledged bool
	StatusCode   int
	Timeout      bool
	Err          error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	case e.Timeout:
		return fmt.Sprintf("%s: timeout: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the call can be repeated without risking a
// duplicate completion: the provider never acknowledged it, or it answered
// with a status that says the request was not processed.
func (e *TransportError) Retryable() bool {
	if !e.Acknowledged {
		return true
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Retryable reports whether err is a retryable TransportError.
func Retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable()
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ErrUnknownProvider is returned for names missing from the registry.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps provider names to implementations.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

// NewRegistry registers ps. The first one is the default.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	name := strings.ToLower(p.Name())
	if r.fallback == "" {
		r.fallback = name
	}
	r.providers[name] = p
}

// Get looks up a provider by name. An empty name selects the default.
func (r *Registry) Get(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Collect drains s into a single Response.
func Collect(s Stream) (*Response, error) {
	defer s.Close()
	var (
		b    strings.Builder
		resp Response
	)
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			resp.Content = b.String()
			return &resp, nil
		}
		if err != nil {
			return nil, err
		}
		b.WriteString(c.Delta)
		if c.FinishReason != "" {
			resp.FinishReason = c.FinishReason
		}
		if c.Usage != nil {
			resp.Usage = *c.Usage
		}
	}
}
