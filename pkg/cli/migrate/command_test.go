package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

type testLogger struct{}

func (testLogger) Debug(string, ...any)                      {}
func (testLogger) Info(string, ...any)                       {}
func (testLogger) Warn(string, ...any)                       {}
func (testLogger) Error(string, ...any)                      {}
func (testLogger) With(...any) logger.Logger                 { return testLogger{} }
func (testLogger) WithContext(context.Context) logger.Logger { return testLogger{} }

func partitionedConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store = config.StoreConfig{Type: config.StoreTypePostgres, URL: "postgres://default"}
	cfg.Tenants = []config.PartitionConfig{
		{Name: "eu", Tenants: []string{"acme"}, Store: config.StoreConfig{Type: config.StoreTypeMySQL, URL: "user@tcp(eu)/lq"}},
		{Name: "cache", Tenants: []string{"beta"}, Store: config.StoreConfig{Type: config.StoreTypeRedis}},
	}
	return cfg
}

func TestTargets(t *testing.T) {
	cfg := partitionedConfig()

	all, err := Targets(cfg, nil)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(all) != 3 || all[0].Partition != "default" || all[1].Partition != "eu" || all[2].Partition != "cache" {
		t.Fatalf("unexpected targets: %+v", all)
	}

	selected, err := Targets(cfg, []string{" eu "})
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(selected) != 1 || selected[0].Store.Type != config.StoreTypeMySQL {
		t.Fatalf("unexpected selection: %+v", selected)
	}

	if _, err := Targets(cfg, []string{"us"}); err == nil || !strings.Contains(err.Error(), `unknown partition "us"`) {
		t.Fatalf("expected unknown partition error, got %v", err)
	}
}

func TestMigrateTarget_SkipsStoresWithoutSchema(t *testing.T) {
	for _, storeType := range []string{config.StoreTypeMemory, config.StoreTypeRedis} {
		target := Target{Partition: "p", Store: config.StoreConfig{Type: storeType}}
		if err := migrateTarget(context.Background(), target, "up", 0, defaultTimeout, testLogger{}); err != nil {
			t.Fatalf("%s: unexpected error %v", storeType, err)
		}
	}
	mongo := Target{Partition: "p", Store: config.StoreConfig{Type: config.StoreTypeMongoDB}}
	if err := migrateTarget(context.Background(), mongo, "status", 0, defaultTimeout, testLogger{}); err != nil {
		t.Fatalf("status on mongodb must be a no-op, got %v", err)
	}
}

func TestMigrateTarget_SQLRequiresURL(t *testing.T) {
	target := Target{Partition: "default", Store: config.StoreConfig{Type: config.StoreTypePostgres}}
	err := migrateTarget(context.Background(), target, "up", 0, defaultTimeout, testLogger{})
	if err == nil || !strings.Contains(err.Error(), "database URL is required") {
		t.Fatalf("expected missing URL error, got %v", err)
	}
}

func TestNewCommand_PropagatesLoadErrors(t *testing.T) {
	errLoad := errors.New("bad config")
	cmd := NewCommand(func(*cobra.Command) (*config.Config, logger.Logger, func(), error) {
		return nil, nil, nil, errLoad
	})
	cmd.SetArgs([]string{"status"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); !errors.Is(err, errLoad) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestNewCommand_RejectsBadDownSteps(t *testing.T) {
	loaded := false
	cmd := NewCommand(func(*cobra.Command) (*config.Config, logger.Logger, func(), error) {
		loaded = true
		return partitionedConfig(), testLogger{}, func() {}, nil
	})
	cmd.SetArgs([]string{"down", "many"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), `invalid down steps "many"`) {
		t.Fatalf("expected steps error, got %v", err)
	}
	if loaded {
		t.Fatal("configuration must not be loaded for invalid arguments")
	}
}
