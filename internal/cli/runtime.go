package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/internal/demo"
	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/guardrail"
	"github.com/harun/agentloop/pkg/hooks"
	"github.com/harun/agentloop/pkg/provider"
	"github.com/harun/agentloop/pkg/runner"
	"github.com/harun/agentloop/pkg/session"
)

// newModel builds the model backend from the configured profiles.
// Tests swap it for a scripted model.
var newModel = func(cfg *config.Config) (agent.Model, error) {
	profiles := make([]provider.Profile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, provider.Profile(p))
	}
	model, err := provider.FromProfiles(provider.FailoverConfig{MaxRetries: cfg.Runner.ModelRetries}, profiles...)
	if err != nil {
		return nil, err
	}
	return model, nil
}

// loadConfig reads the config file named by --config. An explicit
// --log-level wins over the file.
func loadConfig(cmd *cobra.Command) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}
	return loader, cfg, nil
}

func openStore(cfg *config.Config) (*session.Store, error) {
	return session.New(filepath.Join(cfg.DataDir, "sessions"))
}

// runtime is everything a command needs to run agents.
type runtime struct {
	cfg     *config.Config
	log     *logger.Logger
	runner  *runner.Runner
	model   agent.Model
	filter  *guardrail.ContentFilter
	store   *session.Store
	hooks   *hooks.Manager
	metrics *http.Server
}

func openRuntime(cmd *cobra.Command) (*runtime, error) {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration (run agentloop configure): %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	rt := &runtime{cfg: cfg, log: lg}

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl")); err != nil {
		lg.Zerolog().Warn().Err(err).Msg("Audit log disabled")
	}
	if cfg.Tracing.Enabled {
		var processors []sdktrace.SpanProcessor
		if cfg.Tracing.LogSpans {
			processors = append(processors, tracing.NewLogProcessor(*lg.Zerolog()))
		}
		opts := tracing.Options{ServiceName: cfg.Tracing.ServiceName, SampleRatio: cfg.Tracing.SampleRatio}
		if err := tracing.InitOpenTelemetry(opts, processors...); err != nil {
			lg.Zerolog().Warn().Err(err).Msg("Tracing disabled")
		}
	}
	if cfg.Metrics.Enabled {
		rt.serveMetrics(cfg.Metrics.Address)
	}

	if rt.model, err = newModel(cfg); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to create model backend: %w", err)
	}
	if rt.filter, err = guardrail.NewContentFilter(cfg.Moderation); err != nil {
		rt.Close()
		return nil, err
	}
	runnerCfg := runner.Config{
		MaxTurns:           cfg.Runner.MaxTurns,
		MaxConcurrentTools: cfg.Runner.MaxConcurrentTools,
		ToolTimeout:        time.Duration(cfg.Runner.ToolTimeoutSeconds) * time.Second,
		MaxToolOutputBytes: cfg.Runner.MaxToolOutputBytes,
		Logger:             lg.Zerolog(),
	}
	if len(cfg.Hooks) > 0 {
		manager, err := newHookManager(cfg.Hooks, lg)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.hooks = manager
		runnerCfg.Hooks = manager
	}
	rt.runner, err = runner.New(runnerCfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.store, err = openStore(cfg); err != nil {
		rt.Close()
		return nil, err
	}

	// moderation rules follow edits to the config file
	err = loader.Watch(func(next *config.Config) {
		if err := rt.filter.Update(next.Moderation); err != nil {
			log.Warn().Err(err).Msg("Keeping previous moderation rules")
		}
	})
	if err != nil {
		lg.Zerolog().Debug().Err(err).Msg("Config hot reload disabled")
	}

	return rt, nil
}

func newHookManager(entries []config.HookConfig, lg *logger.Logger) (*hooks.Manager, error) {
	defs := make([]hooks.Hook, 0, len(entries))
	for _, h := range entries {
		defs = append(defs, hooks.Hook{
			ID:      h.ID,
			Event:   runner.EventKind(h.Event),
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
		})
	}
	manager, err := hooks.NewManager(hooks.Config{Hooks: defs, Logger: lg.Zerolog()})
	if err != nil {
		return nil, fmt.Errorf("invalid hooks: %w", err)
	}
	return manager, nil
}

func (rt *runtime) serveMetrics(addr string) {
	observability.EnsureRegistered()
	rt.metrics = &http.Server{
		Addr:              addr,
		Handler:           observability.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", addr).Msg("Metrics server stopped")
		}
	}()
	log.Info().Str("address", addr).Msg("Serving metrics")
}

func (rt *runtime) deps() demo.Deps {
	return demo.Deps{
		Runner: rt.runner,
		Model:  rt.model,
		Settings: agent.ModelSettings{
			Model:       rt.cfg.AI.Model,
			Temperature: rt.cfg.AI.Temperature,
			MaxTokens:   rt.cfg.AI.MaxTokens,
		},
		Demo:   rt.cfg.Demo,
		Filter: rt.filter,
	}
}

// Close stops the metrics listener, waits for queued hooks and flushes
// traces and logs.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.hooks != nil {
		_ = rt.hooks.Close()
	}
	if rt.metrics != nil {
		_ = rt.metrics.Shutdown(ctx)
	}
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}
	_ = observability.GetAuditLogger().Close()
	_ = rt.log.Close()
}
