package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/deadletter"
	"github.com/nimburion/leasequeue/pkg/version"
)

func (a *app) versionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.print(cmd.OutOrStdout(), version.Current(a.opts.Name))
		},
	}
	return setPolicy(cmd, PolicyAlways)
}

func (a *app) configCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	setPolicy(configCmd, PolicyAlways)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := a.loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
	configCmd.AddCommand(setPolicy(validateCmd, PolicyAlways))

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  "Show the effective configuration. Credentials and connection URLs are masked unless --show-secrets is set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig()
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = config.Redacted(cfg)
			}
			return printConfig(cmd, a.output, cfg)
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print secret values")
	configCmd.AddCommand(setPolicy(showCmd, PolicyAlways))

	return configCmd
}

// printConfig keeps the yaml field names of Config in both formats.
func printConfig(cmd *cobra.Command, format string, cfg *config.Config) error {
	if strings.EqualFold(strings.TrimSpace(format), outputJSON) {
		data, err := configJSON(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	data, err := configYAML(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func (a *app) deadLetterCommand() *cobra.Command {
	deadLetterCmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Dead-letter notification commands",
	}
	setPolicy(deadLetterCmd, PolicyOnDemand)

	var kinds []string
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print dead-letter notifications as they are published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := a.bootstrap(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			if !e.cfg.DeadLetter.Enabled {
				return errors.New("dead-letter publishing is disabled (deadletter.enabled)")
			}
			parsed, err := config.ParseKinds(kinds)
			if err != nil {
				return err
			}
			bus, err := deadletter.NewEventBus(e.cfg.DeadLetter, e.log)
			if err != nil {
				return fmt.Errorf("connect dead-letter broker: %w", err)
			}
			defer bus.Close()

			// Topics are consumed concurrently.
			var outMu sync.Mutex
			out := cmd.OutOrStdout()
			err = deadletter.Watch(ctx, bus, e.cfg.DeadLetter.TopicPrefix, parsed,
				func(n deadletter.Notification) error {
					outMu.Lock()
					defer outMu.Unlock()
					return a.printStream(out, n)
				},
				func(err error) {
					e.log.Warn("skipping malformed notification", "error", err)
				},
			)
			if err != nil {
				return err
			}
			e.log.Info("watching dead-letter topics", "prefix", e.cfg.DeadLetter.TopicPrefix, "kinds", len(parsed))
			<-ctx.Done()
			return nil
		},
	}
	watchCmd.Flags().StringSliceVar(&kinds, "kind", nil, "kinds to watch (default all)")
	deadLetterCmd.AddCommand(setPolicy(watchCmd, PolicyOnDemand))
	return deadLetterCmd
}
