// Package migrate provides the "migrate" command, which creates and evolves
// record tables for every configured store partition.
package migrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/migrate"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/store"
	mysqlstore "github.com/nimburion/leasequeue/pkg/store/mysql"
)

const defaultTimeout = 2 * time.Minute

// EnvLoader loads configuration and a logger; the returned func releases them.
type EnvLoader func(cmd *cobra.Command) (*config.Config, logger.Logger, func(), error)

// Target is one store partition to migrate.
type Target struct {
	Partition string
	Store     config.StoreConfig
}

// NewCommand builds "migrate up|down|status".
func NewCommand(load EnvLoader) *cobra.Command {
	var (
		partitions []string
		timeout    time.Duration
	)
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Record table migrations",
		Long: "Apply, revert or inspect the record table migrations of every configured store. " +
			"SQL stores track applied versions in <table_prefix>schema_migrations; " +
			"MongoDB and DynamoDB stores create their collections, indexes or tables on \"up\".",
	}
	migrateCmd.PersistentFlags().StringSliceVar(&partitions, "partition", nil,
		"partitions to migrate (\""+store.DefaultPartition+"\" for the default store; default all)")
	migrateCmd.PersistentFlags().DurationVar(&timeout, "timeout", defaultTimeout, "timeout per partition")

	run := func(cmd *cobra.Command, subcommand string, steps int) error {
		cfg, log, closeEnv, err := load(cmd)
		if err != nil {
			return err
		}
		defer closeEnv()
		targets, err := Targets(cfg, partitions)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if err := migrateTarget(cmd.Context(), target, subcommand, steps, timeout, log); err != nil {
				return fmt.Errorf("partition %s: %w", target.Partition, err)
			}
		}
		return nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "up", 0)
		},
	}
	downCmd := &cobra.Command{
		Use:   "down [steps]",
		Short: "Revert the last migrations of SQL stores (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, steps, err := migrate.ParseArgs(append([]string{"down"}, args...))
			if err != nil {
				return err
			}
			return run(cmd, "down", steps)
		},
	}
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations of SQL stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "status", 0)
		},
	}
	migrateCmd.AddCommand(upCmd, downCmd, statusCmd)
	return migrateCmd
}

// Targets lists the default store and every partition, optionally filtered
// by partition name.
func Targets(cfg *config.Config, only []string) ([]Target, error) {
	all := make([]Target, 0, len(cfg.Tenants)+1)
	all = append(all, Target{Partition: store.DefaultPartition, Store: cfg.Store})
	for _, partition := range cfg.Tenants {
		all = append(all, Target{Partition: partition.Name, Store: partition.Store})
	}
	if len(only) == 0 {
		return all, nil
	}

	byName := make(map[string]Target, len(all))
	for _, target := range all {
		byName[target.Partition] = target
	}
	selected := make([]Target, 0, len(only))
	for _, name := range only {
		target, ok := byName[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown partition %q", name)
		}
		selected = append(selected, target)
	}
	return selected, nil
}

func migrateTarget(ctx context.Context, target Target, subcommand string, steps int, timeout time.Duration, log logger.Logger) error {
	log = log.With("partition", target.Partition, "store_type", target.Store.Type)
	storeType := strings.ToLower(strings.TrimSpace(target.Store.Type))

	switch storeType {
	case config.StoreTypePostgres, config.StoreTypeMySQL:
		dialect, err := migrate.DialectFor(storeType)
		if err != nil {
			return err
		}
		dsn := target.Store.URL
		if storeType == config.StoreTypeMySQL {
			if dsn, err = mysqlstore.NormalizeDSN(dsn); err != nil {
				return err
			}
		}
		return migrate.RunWithSQLDriver(ctx, dialect, dsn, target.Store.TablePrefix, subcommand, steps, timeout, log)
	case config.StoreTypeMongoDB, config.StoreTypeDynamoDB:
		if subcommand != "up" {
			log.Info("store has no versioned migrations", "subcommand", subcommand)
			return nil
		}
		storeCfg := target.Store
		storeCfg.AutoMigrate = true
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		s, err := store.NewRecordStore(ctx, storeCfg, log)
		if err != nil {
			return err
		}
		return s.Close()
	default:
		log.Info("store needs no migrations", "subcommand", subcommand)
		return nil
	}
}
