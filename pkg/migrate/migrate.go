// Package migrate creates and evolves the record tables of the SQL stores.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

const (
	defaultSubcommand = "up"
	defaultSteps      = 1
	defaultTimeout    = 60 * time.Second
)

// PendingMigration is a migration not yet applied.
type PendingMigration struct {
	Version int64
	Name    string
}

// Status is what "migrate status" reports.
type Status struct {
	AppliedVersions []int64
	Pending         []PendingMigration
}

// Operations are the hooks a migrate command drives.
type Operations struct {
	Up     func(ctx context.Context) (int, error)
	Down   func(ctx context.Context, steps int) (int, error)
	Status func(ctx context.Context) (*Status, error)
}

// Options configures a migrate command run.
type Options struct {
	// Target names the store being migrated, for logs.
	Target  string
	Timeout time.Duration
	Logger  logger.Logger
}

// Run parses args and executes the migrate subcommand.
func Run(ctx context.Context, args []string, opts Options, ops Operations) error {
	subcommand, steps, err := ParseArgs(args)
	if err != nil {
		return err
	}
	return RunParsed(ctx, subcommand, steps, opts, ops)
}

// RunParsed executes up, down or status under opts.Timeout.
func RunParsed(ctx context.Context, subcommand string, steps int, opts Options, ops Operations) error {
	if opts.Logger == nil {
		return errors.New("migration logger is required")
	}
	if ops.Up == nil || ops.Down == nil || ops.Status == nil {
		return errors.New("migration operations are incomplete")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := opts.Logger.With("target", opts.Target)
	switch subcommand {
	case "up":
		applied, err := ops.Up(ctx)
		if err != nil {
			return err
		}
		log.Info("migrations applied", "count", applied)
		return nil
	case "down":
		if steps <= 0 {
			return errors.New("steps must be greater than zero")
		}
		reverted, err := ops.Down(ctx, steps)
		if err != nil {
			return err
		}
		log.Info("migrations reverted", "count", reverted, "steps", steps)
		return nil
	case "status":
		status, err := ops.Status(ctx)
		if err != nil {
			return err
		}
		log.Info("migration status", "applied", len(status.AppliedVersions), "pending", len(status.Pending))
		for _, version := range status.AppliedVersions {
			log.Info("migration applied", "version", version)
		}
		for _, pending := range status.Pending {
			log.Info("migration pending", "version", pending.Version, "name", pending.Name)
		}
		return nil
	default:
		return fmt.Errorf("usage: migrate [up|down|status] [steps], got %q", subcommand)
	}
}

// ParseArgs parses [up|down|status] [steps]; no args means "up".
func ParseArgs(args []string) (string, int, error) {
	subcommand := defaultSubcommand
	if len(args) > 0 {
		subcommand = args[0]
	}
	steps := defaultSteps
	if len(args) > 1 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid down steps %q", args[1])
		}
		steps = parsed
	}
	return subcommand, steps, nil
}
