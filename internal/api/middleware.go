package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/auth"
	"github.com/triage-ai/palisade-gateway/internal/proxy"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const principalCtxKey contextKey = iota

// principalFromContext extracts the authenticated caller from the request context.
func principalFromContext(ctx context.Context) *auth.Principal {
	v, _ := ctx.Value(principalCtxKey).(*auth.Principal)
	return v
}

// maxBodyBytes bounds request bodies; a full batch of maximal items fits.
const maxBodyBytes = 8 << 20

// --- Auth middleware ---

// authMiddleware validates the bearer API key, checks that the caller holds
// scope and injects the principal into the request context.
func (d *Dependencies) authMiddleware(scope auth.Scope, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header", "")
			return
		}
		if d.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "Authentication is not configured", "")
			return
		}

		p, err := d.Auth.Authenticate(r.Context(), token)
		switch {
		case errors.Is(err, auth.ErrAuthUnavailable):
			d.Logger.Error("auth backend unavailable", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "unavailable", "Authentication backend unavailable", "")
			return
		case err != nil:
			d.Logger.Warn("auth failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid API key", "")
			return
		}
		if !p.Has(scope) {
			writeError(w, http.StatusForbidden, "forbidden", "API key lacks the "+string(scope)+" scope", "")
			return
		}

		noteCaller(w, p.CallerID)
		ctx := context.WithValue(r.Context(), principalCtxKey, p)
		next(w, r.WithContext(ctx))
	}
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes the standard error body.
func writeError(w http.ResponseWriter, status int, code, detail, traceID string) {
	writeJSON(w, status, ErrorResp{Code: code, Detail: detail, TraceID: traceID})
}

// writeProxyError maps an orchestrator failure onto a response. Errors raised
// before a trace existed get a fresh id so every body stays correlatable.
func (d *Dependencies) writeProxyError(w http.ResponseWriter, err error) {
	e, ok := proxy.AsError(err)
	if !ok {
		e = &proxy.Error{Code: proxy.CodeInternal, Detail: "internal error", Cause: err}
	}
	if e.TraceID == "" {
		e.TraceID = uuid.NewString()
	}
	if e.RateLimit != nil {
		ratelimit.WriteHeaders(w, *e.RateLimit)
	}
	if e.Code == proxy.CodeInternal {
		d.Logger.Error("request failed", zap.String("trace_id", e.TraceID), zap.Error(err))
	}
	writeJSON(w, e.Code.HTTPStatus(), ErrorResp{
		Code:     string(e.Code),
		Detail:   e.Detail,
		TraceID:  e.TraceID,
		Findings: e.Findings,
	})
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		}
		if sw.caller != "" {
			fields = append(fields, zap.String("caller_id", sw.caller))
		}
		logger.Info("http request", fields...)
	})
}

// statusWriter records the response status. It forwards Flush so streamed
// responses still reach the client chunk by chunk.
type statusWriter struct {
	http.ResponseWriter
	status int
	caller string
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// noteCaller lets a handler report the authenticated caller to the logger.
func noteCaller(w http.ResponseWriter, callerID string) {
	for {
		switch v := w.(type) {
		case *statusWriter:
			v.caller = callerID
			return
		case interface{ Unwrap() http.ResponseWriter }:
			w = v.Unwrap()
		default:
			return
		}
	}
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
