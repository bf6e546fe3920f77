package engine

import (
	"context"
)

// Detector is the interface every security detector must implement.
// Implementations are pure over their inputs and safe for concurrent use.
type Detector interface {
	// Name returns the detector's unique identifier (e.g., "prompt_injection").
	Name() string

	// Kind returns the primary finding kind this detector covers.
	Kind() Kind

	// Score evaluates the content and returns every finding it produces.
	// Must respect ctx deadline. Return early if ctx is cancelled.
	Score(ctx context.Context, req *DetectRequest) ([]Finding, error)
}

// Recommender is implemented by detectors whose recommendation mapping differs
// from the default risk thresholds.
type Recommender interface {
	Recommend(findings []Finding, risk float64) Recommendation
}

// Versioned is implemented by catalog-backed detectors.
type Versioned interface {
	CatalogVersion() string
}

// DetectRequest contains the payload and context for a detection run.
type DetectRequest struct {
	Content     string
	ContextType ContextType
}
