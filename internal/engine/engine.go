package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RuleDetectorError is the rule id attached to fail-closed findings.
const RuleDetectorError = "detector_error"

// ErrDetectorTimeout is reported when a detector misses the evaluation deadline.
var ErrDetectorTimeout = errors.New("detector timeout exceeded")

// SentryEngine fans out a request to a set of detectors in parallel and
// summarizes each detector's findings into an AnalysisResult.
type SentryEngine struct {
	thresholds Thresholds
	timeout    time.Duration
	logger     *zap.Logger
}

// NewSentryEngine creates an engine with the given thresholds and per-evaluation timeout.
func NewSentryEngine(thresholds Thresholds, timeout time.Duration, logger *zap.Logger) *SentryEngine {
	return &SentryEngine{
		thresholds: thresholds,
		timeout:    timeout,
		logger:     logger,
	}
}

// Thresholds returns the recommendation thresholds in use.
func (e *SentryEngine) Thresholds() Thresholds {
	return e.thresholds
}

// detectorOutput holds a single detector's findings alongside its metadata.
type detectorOutput struct {
	index    int
	findings []Finding
	elapsed  time.Duration
	err      error
}

// Evaluate runs the detectors concurrently against req and returns one result per
// detector, in the order given. The second return value is non-nil when at least
// one detector failed; failed detectors still get a result, a fail-closed BLOCK.
//
// Each goroutine sends through a buffered channel sized for all detectors, so
// late finishers never block after the deadline fires and we stop reading.
func (e *SentryEngine) Evaluate(ctx context.Context, req *DetectRequest, dets ...Detector) ([]*AnalysisResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	ch := make(chan detectorOutput, len(dets))
	for i, det := range dets {
		go func(i int, d Detector) {
			start := time.Now()
			findings, err := d.Score(ctx, req)
			ch <- detectorOutput{index: i, findings: findings, elapsed: time.Since(start), err: err}
		}(i, det)
	}

	outputs := make([]*detectorOutput, len(dets))
	remaining := len(dets)
	for remaining > 0 {
		select {
		case out := <-ch:
			outputs[out.index] = &out
			remaining--
		case <-ctx.Done():
			e.logger.Warn("detector deadline exceeded, failing closed",
				zap.Duration("timeout", e.timeout),
				zap.Int("pending", remaining),
			)
			remaining = 0
		}
	}

	var errs []error
	results := make([]*AnalysisResult, len(dets))
	for i, d := range dets {
		out := outputs[i]
		if out == nil {
			errs = append(errs, ErrDetectorTimeout)
			results[i] = FailClosed(d, req, ErrDetectorTimeout)
			continue
		}
		if out.err != nil {
			e.logger.Warn("detector error",
				zap.String("detector", d.Name()),
				zap.Error(out.err),
			)
			errs = append(errs, out.err)
			results[i] = FailClosed(d, req, out.err)
			continue
		}
		results[i] = Summarize(d, req, out.findings, e.thresholds, out.elapsed)
	}

	return results, errors.Join(errs...)
}

// Analyze runs a single detector. Errors produce a fail-closed result.
func (e *SentryEngine) Analyze(ctx context.Context, req *DetectRequest, d Detector) (*AnalysisResult, error) {
	results, err := e.Evaluate(ctx, req, d)
	return results[0], err
}

// FailClosed returns a BLOCK result standing in for a detector that could not run.
// Silently skipping a security check is worse than a false block.
func FailClosed(d Detector, req *DetectRequest, cause error) *AnalysisResult {
	return &AnalysisResult{
		Detector:    d.Name(),
		ContextType: req.ContextType,
		ContentHash: ContentHash(req.Content),
		Findings: []Finding{{
			Kind:       d.Kind(),
			Category:   RuleDetectorError,
			Severity:   1.0,
			Confidence: 1.0,
			RuleID:     RuleDetectorError,
			Detail:     "detector unavailable: " + cause.Error(),
		}},
		RiskScore:      1.0,
		IsSafe:         false,
		Recommendation: RecommendBlock,
	}
}
