// Package cli builds the leasequeue command tree.
package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/leasequeue/pkg/cli/migrate"
	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/worker"
)

const shutdownGrace = 10 * time.Second

// Options configures the command tree.
type Options struct {
	Name        string
	Description string
	// ConfigPath is the default for --config-file.
	ConfigPath string
	// EnvPrefix defaults to LEASEQUEUE.
	EnvPrefix string

	// ConfigureWorker registers handlers before "worker" starts claiming.
	// Kinds without a handler fail every record they claim.
	ConfigureWorker func(cfg *config.Config, log logger.Logger, w *worker.Worker) error

	CustomCommands []*cobra.Command
}

type app struct {
	opts Options

	cfgPath    string
	secretFile string
	logLevel   string
	output     string
}

// NewRootCommand creates the CLI: worker, sweep, enqueue, get, list,
// deadletter watch, migrate, healthcheck, config and version.
func NewRootCommand(opts Options) *cobra.Command {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "leasequeue"
	}
	if strings.TrimSpace(opts.EnvPrefix) == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	a := &app{opts: opts}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	setPolicy(rootCmd, PolicyAlways)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	flags.StringVar(&a.secretFile, "secret-file", "", "path to secrets file (sets "+resolveEnvPrefix(opts.EnvPrefix)+"_SECRETS_FILE)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVarP(&a.output, "output", "o", outputYAML, "output format for printed results (yaml, json)")

	rootCmd.AddCommand(
		a.versionCommand(),
		a.workerCommand(),
		a.sweepCommand(),
		a.enqueueCommand(),
		a.getCommand(),
		a.listCommand(),
		a.deadLetterCommand(),
		a.healthcheckCommand(),
		a.configCommand(),
		setPolicy(migrate.NewCommand(a.migrateEnv), PolicyMigration),
	)

	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		if subCmd != nil && subCmd.Name() == "completion" {
			setPolicy(subCmd, PolicyAlways)
			break
		}
	}
	return rootCmd
}

// migrateEnv hands the migrate command its configuration and a logger
// writing to stderr.
func (a *app) migrateEnv(cmd *cobra.Command) (*config.Config, logger.Logger, func(), error) {
	e, err := a.bootstrap(cmd, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	return e.cfg, e.log, e.Close, nil
}

// Execute runs the command and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
