// Package logging writes one structured entry per management API request.
package logging

import (
	"strings"
	"time"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/server/router"
)

// Mode defines logging verbosity for matching request paths.
type Mode string

// Logging mode constants
const (
	ModeOff     Mode = "off"
	ModeMinimal Mode = "minimal"
	ModeFull    Mode = "full"
)

// Log field name constants
const (
	FieldMethod     = "method"
	FieldRoute      = "route"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDurationMS = "duration_ms"
	FieldTenantID   = "tenant_id"
	FieldRemoteAddr = "remote_addr"
	FieldUserAgent  = "user_agent"
	FieldError      = "error"
)

// PathPolicy configures a logging mode for a path prefix. The longest
// matching prefix wins.
type PathPolicy struct {
	Prefix string
	Mode   Mode
}

// Config configures request logging.
type Config struct {
	ExcludedPathPrefixes []string
	PathPolicies         []PathPolicy
}

// DefaultConfig keeps probe and scrape traffic out of the logs.
func DefaultConfig() Config {
	return Config{
		PathPolicies: []PathPolicy{
			{Prefix: "/health", Mode: ModeOff},
			{Prefix: "/ready", Mode: ModeOff},
			{Prefix: "/metrics", Mode: ModeOff},
		},
	}
}

// Logging logs requests with DefaultConfig.
func Logging(log logger.Logger) router.MiddlewareFunc {
	return WithConfig(log, DefaultConfig())
}

// WithConfig logs each completed request. 5xx responses and handler errors
// log at error, 4xx at warn, everything else at info.
func WithConfig(log logger.Logger, cfg Config) router.MiddlewareFunc {
	cfg = normalize(cfg)
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			mode := cfg.modeForPath(c.Request().URL.Path)
			if mode == ModeOff {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			req := c.Request()
			status := c.Response().Status()
			fields := []any{
				FieldMethod, req.Method,
				FieldRoute, c.Route(),
				FieldStatus, status,
				FieldDurationMS, time.Since(start).Milliseconds(),
			}
			if tenantID := c.Param("tenant"); tenantID != "" {
				fields = append(fields, FieldTenantID, tenantID)
			}
			if mode == ModeFull {
				fields = append(fields,
					FieldPath, req.URL.Path,
					FieldRemoteAddr, req.RemoteAddr,
					FieldUserAgent, req.UserAgent(),
				)
			}
			if err != nil {
				fields = append(fields, FieldError, err.Error())
			}

			reqLog := log.WithContext(req.Context())
			switch {
			case err != nil || status >= 500:
				reqLog.Error("request completed", fields...)
			case status >= 400:
				reqLog.Warn("request completed", fields...)
			default:
				reqLog.Info("request completed", fields...)
			}
			return err
		}
	}
}

func normalize(cfg Config) Config {
	policies := make([]PathPolicy, 0, len(cfg.PathPolicies))
	for _, policy := range cfg.PathPolicies {
		if strings.TrimSpace(policy.Prefix) == "" {
			continue
		}
		policy.Mode = parseMode(policy.Mode)
		policies = append(policies, policy)
	}
	cfg.PathPolicies = policies
	return cfg
}

func (c Config) modeForPath(path string) Mode {
	for _, prefix := range c.ExcludedPathPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return ModeOff
		}
	}
	bestLen := -1
	bestMode := ModeFull
	for _, policy := range c.PathPolicies {
		if strings.HasPrefix(path, policy.Prefix) && len(policy.Prefix) > bestLen {
			bestLen = len(policy.Prefix)
			bestMode = policy.Mode
		}
	}
	return bestMode
}

func parseMode(mode Mode) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case ModeOff:
		return ModeOff
	case ModeMinimal:
		return ModeMinimal
	default:
		return ModeFull
	}
}
