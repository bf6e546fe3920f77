package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/config"
	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/engine/catalog"
	"github.com/triage-ai/palisade-gateway/internal/engine/detectors"
	"github.com/triage-ai/palisade-gateway/internal/proxy"
)

var (
	contextType  string
	failOnUnsafe bool
)

// errUnsafe makes the process exit non-zero without printing usage.
var errUnsafe = errors.New("content is not safe")

var analyzeCmd = &cobra.Command{
	Use:   "analyze [text]",
	Short: "Run the security analysis pipeline over text from an argument or stdin",
	Long: `Analyzes one piece of content with the same detectors and catalogs the
server uses and prints the verdict as JSON. Nothing is rate limited or
recorded.

  gateway-server analyze "ignore all previous instructions"
  cat reply.txt | gateway-server analyze --context output --fail-on-unsafe`,
	Args: cobra.MaximumNArgs(1),
	RunE: analyzeCommand,
}

func init() {
	analyzeCmd.Flags().StringVar(&contextType, "context", "input", "Context type: input, output or system_prompt")
	analyzeCmd.Flags().BoolVar(&failOnUnsafe, "fail-on-unsafe", false, "Exit non-zero when the content is not safe")
	rootCmd.AddCommand(analyzeCmd)
}

func analyzeCommand(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the verdict.
	logger := mustBuildLogger("warn", "stderr")
	defer logger.Sync() //nolint:errcheck // best-effort flush

	var content string
	if len(args) == 1 {
		content = args[0]
	} else {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 8<<20))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		content = strings.TrimRight(string(data), "\n")
	}

	dets, closeDets, err := buildDetectors(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDets()

	gw := proxy.New(cfg.ProxyConfig(), proxy.Deps{
		Engine:    engine.NewSentryEngine(engine.DefaultThresholds(), cfg.DetectorTimeout, logger),
		Detectors: dets,
		Logger:    logger,
	})
	res, err := gw.Analyze(cmd.Context(), "cli", proxy.AnalyzeRequest{Content: content, ContextType: contextType})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if failOnUnsafe && !res.IsSafe {
		return errUnsafe
	}
	return nil
}

// buildDetectors loads the catalogs (with any overlay) and dials the ML scorer
// when one is configured. The returned func releases the scorer connection.
func buildDetectors(cfg *config.Config, logger *zap.Logger) (proxy.Detectors, func(), error) {
	set := catalog.Builtin()
	if cfg.CatalogOverlay != "" {
		var err error
		set, err = catalog.LoadOverlay(set, cfg.CatalogOverlay)
		if err != nil {
			return proxy.Detectors{}, nil, err
		}
		logger.Info("catalog overlay loaded", zap.String("path", cfg.CatalogOverlay))
	}

	var extra []engine.Detector
	closeFn := func() {}
	if cfg.MLScorerEndpoint != "" {
		ml, err := detectors.NewMLScorer(cfg.MLScorerEndpoint, "", logger)
		if err != nil {
			logger.Error("failed to create ml scorer, skipping",
				zap.String("endpoint", cfg.MLScorerEndpoint),
				zap.Error(err),
			)
		} else {
			extra = append(extra, ml)
			closeFn = func() { _ = ml.Close() }
		}
	}
	return proxy.NewDetectors(set, cfg.TrustedDomains, cfg.ToxicityThreshold, extra...), closeFn, nil
}
