package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/api"
	"github.com/triage-ai/palisade-gateway/internal/auth"
	"github.com/triage-ai/palisade-gateway/internal/chread"
	"github.com/triage-ai/palisade-gateway/internal/config"
	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/metrics"
	"github.com/triage-ai/palisade-gateway/internal/policy"
	"github.com/triage-ai/palisade-gateway/internal/provider"
	"github.com/triage-ai/palisade-gateway/internal/proxy"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
	"github.com/triage-ai/palisade-gateway/internal/storage"
	"github.com/triage-ai/palisade-gateway/internal/store"
	"github.com/triage-ai/palisade-gateway/internal/telemetry"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

const (
	sweepInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Args:  cobra.NoArgs,
	RunE:  serveCommand,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel, "stdout")
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting gateway",
		zap.String("http_port", cfg.HTTPPort),
		zap.Duration("provider_timeout", cfg.ProviderTimeout),
		zap.String("stream_check_mode", string(cfg.StreamCheckMode)),
		zap.Int("rate_per_minute", cfg.RateLimits.PerMinute),
		zap.Int("rate_per_hour", cfg.RateLimits.PerHour),
	)

	// Telemetry
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "palisade-gateway",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()
	stats := metrics.New()

	// Detectors and engine
	dets, closeDets, err := buildDetectors(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDets()
	eng := engine.NewSentryEngine(engine.DefaultThresholds(), cfg.DetectorTimeout, logger)

	// Postgres: callers, policies and provider keys
	var pg *store.Store
	if cfg.PostgresDSN != "" {
		db, err := store.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		pg = store.NewStore(db)
		defer func() { _ = pg.Close() }()
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, using static keys and file policies only")
	}

	// Policies: the file wins over the database, the default covers the rest
	var sources policy.Chain
	if cfg.PolicyFile != "" {
		fs, err := policy.NewFileSource(cfg.PolicyFile, logger)
		if err != nil {
			return err
		}
		defer func() { _ = fs.Close() }()
		sources = append(sources, fs)
	}
	if pg != nil {
		sources = append(sources, pg)
	}
	policies := policy.NewCache(sources, cfg.PolicyRefresh, policy.Default(), logger)

	// Auth
	var authn auth.Chain
	if cfg.StaticKeys != "" {
		static, err := auth.NewStaticAuthenticator(cfg.StaticKeys)
		if err != nil {
			return err
		}
		authn = append(authn, static)
	}
	if pg != nil {
		authn = append(authn, auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			Store:    pg,
			CacheTTL: cfg.AuthCacheTTL,
			Logger:   logger,
		}))
	}
	if len(authn) == 0 {
		return errors.New("no authenticator configured: set GATEWAY_STATIC_KEYS or POSTGRES_DSN")
	}

	// Providers and credentials
	providers := provider.NewRegistry()
	envKeys := provider.EnvCredentials{}
	for _, p := range cfg.Providers {
		providers.Register(provider.NewOpenAI(provider.OpenAIConfig{Name: p.Name, BaseURL: p.BaseURL}))
		if p.APIKeyEnv != "" {
			envKeys[strings.ToLower(p.Name)] = p.APIKeyEnv
		}
	}
	if cfg.MockProvider {
		providers.Register(&provider.Mock{})
	}
	var creds provider.CredentialChain
	if pg != nil {
		creds = append(creds, pg)
	}
	creds = append(creds, envKeys)

	// Trace sinks: memory always, ClickHouse and Kafka when configured,
	// the log when nothing durable is
	memory := storage.NewMemorySink(cfg.RecorderCapacity)
	sinks := storage.Fanout{memory}
	var traces tracing.Reader = memory
	if cfg.ClickHouseDSN != "" {
		conn, err := storage.OpenClickHouse(ctx, cfg.ClickHouseDSN)
		if err != nil {
			logger.Warn("clickhouse connection failed, traces stay in memory", zap.Error(err))
		} else {
			// The sink owns the connection; the recorder closes it on shutdown.
			sinks = append(sinks, storage.NewClickHouseSink(conn, logger))
			traces = chread.NewReader(conn, logger)
			logger.Info("clickhouse connected")
		}
	}
	if cfg.KafkaBrokers != "" {
		sinks = append(sinks, storage.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info("kafka trace export enabled", zap.String("topic", cfg.KafkaTopic))
	}
	if len(sinks) == 1 {
		sinks = append(sinks, storage.NewLogSink(logger))
	}
	recorder := tracing.NewRecorder(sinks, tracing.RecorderConfig{
		Capacity: cfg.RecorderCapacity,
		OnDrop:   stats.ObserveRecorderDrop,
	}, logger)

	// Rate limiting
	limiter := ratelimit.New(cfg.RateLimits, cfg.RateOverrides)
	go limiter.Run(ctx, sweepInterval)

	gw := proxy.New(cfg.ProxyConfig(), proxy.Deps{
		Engine:      eng,
		Detectors:   dets,
		Policies:    policies,
		Limiter:     limiter,
		Providers:   providers,
		Credentials: creds,
		Pricing:     tracing.DefaultPricing().Merge(cfg.Pricing),
		Emitter:     recorder,
		Stats:       stats,
		Tracer:      telemetry.Tracer(),
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(&api.Dependencies{
			Gateway: gw,
			Auth:    authn,
			Traces:  traces,
			Stats:   stats,
			Logger:  logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams may run until StreamTimeout.
		WriteTimeout: cfg.StreamTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", httpServer.Addr),
			zap.Strings("providers", providers.Names()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = recorder.Close()
			return err
		}
	}

	// Graceful shutdown: stop taking requests, then drain the recorder
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if err := recorder.Close(); err != nil {
		logger.Warn("trace sinks closed with errors", zap.Error(err))
	}

	logger.Info("gateway stopped", zap.Uint64("dropped_records", recorder.Dropped()))
	return nil
}
