package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/deadletter"
	"github.com/nimburion/leasequeue/pkg/eventbus"
	"github.com/nimburion/leasequeue/pkg/health"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	obsmetrics "github.com/nimburion/leasequeue/pkg/observability/metrics"
	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/server"
	"github.com/nimburion/leasequeue/pkg/server/router/gorilla"
	"github.com/nimburion/leasequeue/pkg/sweeper"
	"github.com/nimburion/leasequeue/pkg/tenant"
	"github.com/nimburion/leasequeue/pkg/worker"
)

const checkTimeout = 3 * time.Second

// services are the pieces every long-running or diagnostic command shares.
type services struct {
	router    *tenant.Router
	queue     *queue.Queue
	publisher *deadletter.Publisher
	bus       eventbus.EventBus
	health    *health.Registry
}

func (e *env) openServices(ctx context.Context) (*services, error) {
	router, err := e.openRouter(ctx)
	if err != nil {
		return nil, err
	}
	publisher, bus, err := e.openDeadLetter()
	if err != nil {
		return nil, err
	}
	q, err := e.openQueue(router, publisher)
	if err != nil {
		return nil, err
	}

	registry := health.NewRegistry()
	registry.Register(health.NewStoreChecker(router.Handles(), checkTimeout))
	if bus != nil {
		// Queue state never depends on the broker.
		registry.Register(health.NewDegradingChecker("deadletter-broker", bus, checkTimeout))
	}
	return &services{router: router, queue: q, publisher: publisher, bus: bus, health: registry}, nil
}

// newSweeper builds the sweeper and its lock provider; the provider is
// closed with e.
func (e *env) newSweeper(q sweeper.Queue) (*sweeper.Sweeper, sweeper.LockProvider, error) {
	targets, err := sweepTargets(e.cfg)
	if err != nil {
		return nil, nil, err
	}
	locks, err := sweeper.NewLockProvider(e.cfg.Sweeper, e.log.With("component", "sweeper-lock"))
	if err != nil {
		return nil, nil, fmt.Errorf("create sweeper lock provider: %w", err)
	}
	e.onClose(func() {
		if err := locks.Close(); err != nil {
			e.log.Warn("failed to close sweeper lock provider", "error", err)
		}
	})
	sw, err := sweeper.New(q, locks, e.log.With("component", "sweeper"), sweeper.Config{
		Targets:   targets,
		Interval:  e.cfg.Sweeper.Interval,
		BatchSize: e.cfg.Sweeper.BatchSize,
		LockTTL:   e.cfg.Sweeper.LockTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return sw, locks, nil
}

// newManagementServer serves probes, metrics and the record API.
func (e *env) newManagementServer(svc *services) (*server.ManagementServer, error) {
	metricsRegistry := obsmetrics.NewRegistry()
	groups := [][]prometheus.Collector{
		queue.Collectors(),
		worker.Collectors(),
		sweeper.Collectors(),
		deadletter.Collectors(),
	}
	for _, group := range groups {
		for _, collector := range group {
			if err := metricsRegistry.Register(collector); err != nil {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
		}
	}
	log := e.log.With("component", "management")
	ms := server.NewManagementServer(e.cfg.Management, gorilla.NewRouter(), log, svc.health, metricsRegistry)
	server.RegisterRecordAPI(ms.Router(), svc.queue, log)
	return ms, nil
}

func (a *app) workerCommand() *cobra.Command {
	var (
		tenants   []string
		kinds     []string
		noSweeper bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and process records",
		Long: "Claim and process records for the configured tenants and kinds. The sweeper and the " +
			"management server run in the same process when enabled.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := a.bootstrap(cmd, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()
			if len(tenants) > 0 {
				e.cfg.Worker.Tenants = tenants
			}
			if len(kinds) > 0 {
				e.cfg.Worker.Kinds = kinds
			}
			if err := e.startTracing(ctx); err != nil {
				return err
			}

			svc, err := e.openServices(ctx)
			if err != nil {
				return err
			}
			targets, err := workerTargets(e.cfg.Worker)
			if err != nil {
				return err
			}
			w, err := worker.New(svc.queue, e.log.With("component", "worker"), worker.Config{
				Targets:         targets,
				Concurrency:     e.cfg.Worker.Concurrency,
				BatchSize:       e.cfg.Worker.BatchSize,
				PollInterval:    e.cfg.Worker.PollInterval,
				AttemptTimeout:  e.cfg.Worker.AttemptTimeout,
				StopTimeout:     e.cfg.Worker.StopTimeout,
				RenewLeases:     e.cfg.Worker.RenewLeases,
				BreakerFailures: e.cfg.Worker.BreakerFailures,
				BreakerCooldown: e.cfg.Worker.BreakerCooldown,
			})
			if err != nil {
				return fmt.Errorf("create worker: %w", err)
			}
			if a.opts.ConfigureWorker != nil {
				if err := a.opts.ConfigureWorker(e.cfg, e.log, w); err != nil {
					return fmt.Errorf("configure worker: %w", err)
				}
			}
			// An open claim breaker slows one target; the process stays ready.
			svc.health.Register(health.NewDegradingChecker("worker", w, checkTimeout))

			components := []component{{name: "worker", run: w.Start}}
			if e.cfg.Sweeper.Enabled && !noSweeper {
				sw, locks, err := e.newSweeper(svc.queue)
				if err != nil {
					return err
				}
				svc.health.Register(sweeper.NewLockProviderHealthChecker("sweeper-lock", locks, checkTimeout))
				components = append(components, component{name: "sweeper", run: sw.Start})
			}
			if e.cfg.Management.Enabled {
				ms, err := e.newManagementServer(svc)
				if err != nil {
					return err
				}
				components = append(components, component{name: "management", run: ms.Start})
			}
			return runComponents(ctx, e.log, components)
		},
	}
	addTargetFlags(cmd.Flags(), &tenants, &kinds, "worker")
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run the sweeper in this process")
	return setPolicy(cmd, PolicyRun)
}

func (a *app) sweepCommand() *cobra.Command {
	var (
		once    bool
		tenants []string
		kinds   []string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return expired leases to pending or dead-letter them",
		Long: "Sweep expired leases for the sweeper targets. Without --once it runs every " +
			"sweeper.interval until interrupted; with --once it sweeps each target once and prints the results.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logOut := cmd.OutOrStdout()
			if once {
				logOut = cmd.ErrOrStderr()
			}
			e, err := a.bootstrap(cmd, logOut)
			if err != nil {
				return err
			}
			defer e.Close()
			if len(tenants) > 0 {
				e.cfg.Sweeper.Tenants = tenants
			}
			if len(kinds) > 0 {
				e.cfg.Sweeper.Kinds = kinds
			}

			q, err := e.openDataQueue(ctx)
			if err != nil {
				return err
			}
			sw, _, err := e.newSweeper(q)
			if err != nil {
				return err
			}
			if !once {
				return sw.Start(ctx)
			}

			results, runErr := sw.RunOnce(ctx)
			views := make([]sweepView, 0, len(results))
			for _, result := range results {
				view := sweepView{
					TenantID:     result.Target.TenantID,
					Kind:         result.Target.Kind,
					Skipped:      result.Skipped,
					Scanned:      result.Sweep.Scanned,
					Released:     result.Sweep.Released,
					DeadLettered: result.Sweep.DeadLettered,
					Conflicts:    result.Sweep.Conflicts,
				}
				if result.Err != nil {
					view.Error = result.Err.Error()
				}
				views = append(views, view)
			}
			if err := a.print(cmd.OutOrStdout(), views); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "sweep every target once and exit")
	addTargetFlags(cmd.Flags(), &tenants, &kinds, "sweeper")
	return setPolicy(cmd, PolicyScheduled)
}

func (a *app) healthcheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to record stores, the dead-letter broker and the sweeper lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.bootstrap(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			svc, err := e.openServices(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.Sweeper.Enabled {
				locks, err := sweeper.NewLockProvider(e.cfg.Sweeper, e.log)
				if err != nil {
					return fmt.Errorf("create sweeper lock provider: %w", err)
				}
				defer locks.Close()
				svc.health.Register(sweeper.NewLockProviderHealthChecker("sweeper-lock", locks, checkTimeout))
			}

			result := svc.health.Check(cmd.Context())
			if err := a.print(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.IsReady() {
				return errUnhealthy
			}
			return nil
		},
	}
	return setPolicy(cmd, PolicyAlways)
}

type component struct {
	name string
	run  func(context.Context) error
}

// runComponents runs each component until ctx is cancelled. The first one to
// return, with or without an error, stops the rest.
func runComponents(ctx context.Context, log logger.Logger, components []component) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(components))
	for _, c := range components {
		go func() {
			err := c.run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("component stopped with error", "component", c.name, "error", err)
				err = fmt.Errorf("%s: %w", c.name, err)
			} else {
				err = nil
			}
			cancel()
			errCh <- err
		}()
	}

	var errs []error
	for range components {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func workerTargets(cfg config.WorkerConfig) ([]worker.Target, error) {
	if len(cfg.Tenants) == 0 {
		return nil, errors.New("no tenants to process: set worker.tenants or --tenant")
	}
	kinds, err := config.ParseKinds(cfg.Kinds)
	if err != nil {
		return nil, err
	}
	targets := make([]worker.Target, 0, len(cfg.Tenants)*len(kinds))
	for _, tenantID := range cfg.Tenants {
		for _, kind := range kinds {
			targets = append(targets, worker.Target{TenantID: tenantID, Kind: kind})
		}
	}
	return targets, nil
}

// sweepTargets falls back to the worker's tenants and kinds when the
// sweeper lists none.
func sweepTargets(cfg *config.Config) ([]sweeper.Target, error) {
	tenants := cfg.Sweeper.Tenants
	if len(tenants) == 0 {
		tenants = cfg.Worker.Tenants
	}
	if len(tenants) == 0 {
		return nil, errors.New("no tenants to sweep: set sweeper.tenants, worker.tenants or --tenant")
	}
	names := cfg.Sweeper.Kinds
	if len(names) == 0 {
		names = cfg.Worker.Kinds
	}
	kinds, err := config.ParseKinds(names)
	if err != nil {
		return nil, err
	}
	targets := make([]sweeper.Target, 0, len(tenants)*len(kinds))
	for _, tenantID := range tenants {
		for _, kind := range kinds {
			targets = append(targets, sweeper.Target{TenantID: tenantID, Kind: kind})
		}
	}
	return targets, nil
}

// addTargetFlags registers --tenant and --kind, overriding <section>.tenants
// and <section>.kinds.
func addTargetFlags(fs *pflag.FlagSet, tenants, kinds *[]string, section string) {
	fs.StringSliceVar(tenants, "tenant", nil, "tenants to process (overrides "+section+".tenants)")
	fs.StringSliceVar(kinds, "kind", nil, "kinds to process (overrides "+section+".kinds; default all)")
}
