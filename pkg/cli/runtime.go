package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/deadletter"
	"github.com/nimburion/leasequeue/pkg/eventbus"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/observability/tracing"
	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/store"
	"github.com/nimburion/leasequeue/pkg/tenant"
	"github.com/nimburion/leasequeue/pkg/version"
)

// env is what a command needs after flags are parsed. Close releases
// everything opened through it in reverse order.
type env struct {
	cfg     *config.Config
	secrets *config.Config
	log     logger.Logger
	closers []func()
}

func (e *env) onClose(fn func()) {
	e.closers = append(e.closers, fn)
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// loadConfig reads configuration with the secrets file flag applied.
func (a *app) loadConfig() (*config.Config, *config.Config, error) {
	if err := applySecretFileFlag(a.opts.EnvPrefix, a.secretFile); err != nil {
		return nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(a.cfgPath, a.opts.EnvPrefix).LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if level := strings.TrimSpace(a.logLevel); level != "" {
		cfg.Observability.LogLevel = level
	}
	return cfg, secrets, nil
}

// bootstrap loads configuration and builds the logger. Commands that print
// results to stdout pass cmd.ErrOrStderr() as logOut.
func (a *app) bootstrap(cmd *cobra.Command, logOut io.Writer) (*env, error) {
	cfg, secrets, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	log, closeLog, err := newLogger(cfg.Observability, logOut)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, secrets: secrets, log: log.With("service", cfg.Service.Name)}
	e.onClose(closeLog)
	e.log.Debug("configuration loaded", "config_file", a.cfgPath, "command", cmd.CommandPath())
	return e, nil
}

// newLogger builds the zap logger, wrapped for async dispatch when enabled.
func newLogger(cfg config.ObservabilityConfig, out io.Writer) (logger.Logger, func(), error) {
	level, err := logger.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := logger.ParseLogFormat(cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	base, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: out})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	log := logger.WrapAsync(base, logger.AsyncConfig{
		Enabled:      cfg.AsyncLogging.Enabled,
		QueueSize:    cfg.AsyncLogging.QueueSize,
		WorkerCount:  cfg.AsyncLogging.WorkerCount,
		DropWhenFull: cfg.AsyncLogging.DropWhenFull,
	})
	closeLog := func() {
		// Sync on a terminal returns EINVAL on some platforms; nothing to report.
		if async, ok := log.(*logger.AsyncLogger); ok {
			_ = async.Close()
			return
		}
		_ = base.Sync()
	}
	return log, closeLog, nil
}

// startTracing installs the OTLP tracer provider when tracing is enabled.
func (e *env) startTracing(ctx context.Context) error {
	obs := e.cfg.Observability
	provider, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    e.cfg.Service.Name,
		ServiceVersion: version.Current(e.cfg.Service.Name).Version,
		Environment:    e.cfg.Service.Environment,
		Endpoint:       obs.TracingEndpoint,
		SampleRate:     obs.TracingSampleRate,
		Enabled:        obs.TracingEnabled,
		Insecure:       obs.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	if obs.TracingEnabled {
		e.log.Info("tracing enabled", "endpoint", obs.TracingEndpoint, "sample_rate", obs.TracingSampleRate)
	}
	e.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			e.log.Warn("tracer provider shutdown failed", "error", err)
		}
	})
	return nil
}

// openRouter opens every configured store behind a tenant router.
func (e *env) openRouter(ctx context.Context) (*tenant.Router, error) {
	router, err := store.NewRouter(ctx, e.cfg, e.log)
	if err != nil {
		return nil, err
	}
	e.onClose(func() {
		if err := router.Close(); err != nil {
			e.log.Warn("failed to close record stores", "error", err)
		}
	})
	return router, nil
}

// openDeadLetter connects the dead-letter broker when enabled. Both return
// values are nil when it is disabled.
func (e *env) openDeadLetter() (*deadletter.Publisher, eventbus.EventBus, error) {
	if !e.cfg.DeadLetter.Enabled {
		return nil, nil, nil
	}
	publisher, bus, err := deadletter.NewFromConfig(e.cfg.DeadLetter, e.log.With("component", "deadletter"))
	if err != nil {
		return nil, nil, fmt.Errorf("create dead-letter publisher: %w", err)
	}
	e.onClose(func() {
		if err := bus.Close(); err != nil {
			e.log.Warn("failed to close dead-letter broker", "error", err)
		}
	})
	return publisher, bus, nil
}

// openQueue builds the queue core over router. Dead letters and store
// outages are always logged and also published when publisher is set.
func (e *env) openQueue(router queue.Router, publisher *deadletter.Publisher) (*queue.Queue, error) {
	policies, err := e.cfg.Queue.Policies()
	if err != nil {
		return nil, err
	}
	sinks := queue.MultiSink{queue.NewLogSink(e.log)}
	if publisher != nil {
		sinks = append(sinks, publisher)
	}
	return queue.New(router, e.log, queue.Config{
		Kinds:         policies,
		ScanOverfetch: e.cfg.Queue.ScanOverfetch,
	}, queue.WithSink(sinks))
}

// openDataQueue is the common path for one-shot record commands.
func (e *env) openDataQueue(ctx context.Context) (*queue.Queue, error) {
	router, err := e.openRouter(ctx)
	if err != nil {
		return nil, err
	}
	publisher, _, err := e.openDeadLetter()
	if err != nil {
		return nil, err
	}
	return e.openQueue(router, publisher)
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

// errUnhealthy makes healthcheck exit non-zero after printing its report.
var errUnhealthy = errors.New("one or more dependencies are unhealthy")
