package detectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// DefaultScoreMethod is the full gRPC method name of the model sidecar.
// Requests and responses are google.protobuf.Struct:
//
//	request:  {"text": string, "context_type": string}
//	response: {"label": string, "confidence": number, "model": string}
const DefaultScoreMethod = "/palisade.scorer.v1.Scorer/Score"

// MLScorer is a Detector backed by a model-serving sidecar. It reports a single
// whole-text finding when the model labels the content as an attack.
//
// Transport errors are returned, not swallowed: the engine fails closed for
// this stage.
type MLScorer struct {
	conn   *grpc.ClientConn
	method string
	logger *zap.Logger
}

// NewMLScorer dials endpoint lazily. method may be empty for DefaultScoreMethod.
func NewMLScorer(endpoint, method string, logger *zap.Logger) (*MLScorer, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NewMLScorer: %w", err)
	}
	if method == "" {
		method = DefaultScoreMethod
	}

	logger.Info("ml scorer configured",
		zap.String("endpoint", endpoint),
		zap.String("method", method),
	)

	return &MLScorer{conn: conn, method: method, logger: logger}, nil
}

func (d *MLScorer) Name() string {
	return "ml_prompt_injection"
}

func (d *MLScorer) Kind() engine.Kind {
	return engine.KindPromptInjection
}

func (d *MLScorer) Score(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	in, err := structpb.NewStruct(map[string]any{
		"text":         req.Content,
		"context_type": string(req.ContextType),
	})
	if err != nil {
		return nil, fmt.Errorf("MLScorer.Score: %w", err)
	}
	out := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, d.method, in, out); err != nil {
		d.logger.Warn("ml scorer call failed", zap.Error(err))
		return nil, fmt.Errorf("MLScorer.Score: %w", err)
	}

	fields := out.GetFields()
	label := strings.ToUpper(fields["label"].GetStringValue())
	confidence := fields["confidence"].GetNumberValue()
	model := fields["model"].GetStringValue()

	var kind engine.Kind
	switch label {
	case "INJECTION", "PROMPT_INJECTION":
		kind = engine.KindPromptInjection
	case "JAILBREAK":
		kind = engine.KindJailbreak
	default:
		return nil, nil
	}
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	return []engine.Finding{{
		Kind:        kind,
		Category:    "ml_" + strings.ToLower(label),
		Severity:    confidence,
		Confidence:  confidence,
		Span:        engine.Span{Start: 0, End: len(req.Content)},
		MatchedText: req.Content,
		RuleID:      "ml." + model,
		Detail:      fmt.Sprintf("ml_model=%s label=%s", model, label),
	}}, nil
}

// Close shuts down the gRPC connection.
func (d *MLScorer) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
