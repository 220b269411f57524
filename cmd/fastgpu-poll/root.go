// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/fastgpu/internal/api"
	"github.com/ManuGH/fastgpu/internal/config"
	"github.com/ManuGH/fastgpu/internal/fsutil"
	"github.com/ManuGH/fastgpu/internal/gpu"
	"github.com/ManuGH/fastgpu/internal/health"
	"github.com/ManuGH/fastgpu/internal/history"
	"github.com/ManuGH/fastgpu/internal/log"
	"github.com/ManuGH/fastgpu/internal/pool"
	"github.com/ManuGH/fastgpu/internal/resilience"
	"github.com/ManuGH/fastgpu/internal/telemetry"
	"github.com/ManuGH/fastgpu/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// poller is the part of the resource pool the command drives.
type poller interface {
	PollScripts(ctx context.Context, exitWhenEmpty bool) error
	Status(ctx context.Context) (pool.Status, error)
	LastPoll() time.Time
	Close() error
}

// poolFactory builds the pool for a work directory. runs is nil when the
// history ledger is disabled.
type poolFactory func(ctx context.Context, path string, cfg config.Config) (p poller, runs api.RunLister, err error)

type rootOptions struct {
	path          string
	exit          int
	configPath    string
	interval      time.Duration
	ids           string
	workers       int
	metricsListen string
	logLevel      string
}

func newRootCmd(newPool poolFactory) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "fastgpu_poll",
		Short: "Poll path for scripts and run them on free GPUs",
		Long: `Poll <path>/to_run for executable scripts and run each one on a free GPU.

Scripts are taken in name order. Output goes to out/<script>.stdout, .stderr and
.exitcode; the script itself ends up in complete/ (exit 0) or fail/.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPoll(cmd, opts, newPool)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.path, "path", ".", "Path containing `to_run` directory")
	f.IntVar(&opts.exit, "exit", 1, "Exit when `to_run` is empty (0 keeps polling)")
	f.StringVar(&opts.configPath, "config", "", "YAML config file (default <path>/"+config.DefaultConfigFile+" if present)")
	f.DurationVar(&opts.interval, "interval", 0, "poll interval")
	f.StringVar(&opts.ids, "ids", "", "comma separated GPU or worker ids to use")
	f.IntVar(&opts.workers, "workers", 0, "use N fixed worker slots instead of GPUs")
	f.StringVar(&opts.metricsListen, "metrics-listen", "", "address for the status and metrics server, e.g. :9464")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newSetupCmd(), newStatusCmd(), newVersionCmd())
	return cmd
}

// loadConfig resolves defaults, file and environment, then applies the flags
// the user set explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, string, error) {
	cfgPath := config.ResolvePath(opts.path, opts.configPath)
	cfg, err := config.NewLoader(cfgPath).Load()
	if err != nil {
		return cfg, cfgPath, err
	}

	f := cmd.Flags()
	if f.Changed("interval") {
		cfg.PollInterval = opts.interval
	}
	if f.Changed("ids") {
		ids, err := config.SplitIntList(opts.ids)
		if err != nil {
			return cfg, cfgPath, fmt.Errorf("--ids: %w", err)
		}
		cfg.Devices.IDs = ids
	}
	if f.Changed("workers") {
		cfg.Devices.Kind = config.KindWorker
		cfg.Devices.Workers = opts.workers
	}
	if f.Changed("metrics-listen") {
		cfg.MetricsListen = opts.metricsListen
	}
	if f.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, cfgPath, config.Validate(cfg)
}

func runPoll(cmd *cobra.Command, opts *rootOptions, newPool poolFactory) error {
	cfg, cfgPath, err := loadConfig(cmd, opts)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Output:  cmd.ErrOrStderr(),
		Service: "fastgpu",
		Version: version.Version,
	})
	logger := log.WithComponent("cli")
	if cfgPath != "" {
		logger.Info().Str(log.FieldEvent, "config.loaded").Str(log.FieldConfigPath, cfgPath).Msg("loaded configuration file")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "fastgpu",
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	p, runs, err := newPool(ctx, opts.path, cfg)
	if err != nil {
		return fmt.Errorf("create resource pool: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close resource pool")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The server follows the poller: when polling ends, so does serving.
		defer cancel()
		err := p.PollScripts(gctx, opts.exit != 0)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.MetricsListen != "" {
		srv := api.New(api.Deps{
			Pool:    p,
			Runs:    runs,
			Health:  newHealthManager(opts.path, cfg, p),
			Version: version.Version,
			Tracing: cfg.Telemetry.Enabled,
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.MetricsListen)
		})
	}

	return g.Wait()
}

func newHealthManager(path string, cfg config.Config, p poller) *health.Manager {
	m := health.NewManager(version.Version)
	if dirs, err := fsutil.Layout(path); err == nil {
		m.RegisterChecker(health.NewDirChecker("to_run", dirs.ToRun))
	}
	m.RegisterChecker(health.NewHeartbeatChecker(p.LastPoll, 10*cfg.PollInterval+5*time.Second))
	m.RegisterChecker(health.NewSoftFuncChecker("slots", func(ctx context.Context) error {
		st, err := p.Status(ctx)
		if err != nil {
			return err
		}
		if st.BusyErr != "" {
			return errors.New(st.BusyErr)
		}
		return nil
	}))
	return m
}

// newDefaultPool wires the real resource pool, GPU probe and history ledger.
func newDefaultPool(ctx context.Context, path string, cfg config.Config) (poller, api.RunLister, error) {
	if _, err := fsutil.SetupDirs(path); err != nil {
		return nil, nil, err
	}
	if err := health.PerformStartupChecks(path, cfg); err != nil {
		return nil, nil, err
	}

	opts := pool.Options{
		PollInterval: cfg.PollInterval,
		KillGrace:    cfg.Run.KillGrace,
		KillTimeout:  cfg.Run.KillTimeout,
	}

	var store *history.Store
	if cfg.History.Enabled {
		var err error
		store, err = history.Open(history.Path(path, cfg.History.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("open history: %w", err)
		}
		opts.History = store
	}

	var (
		p   *pool.ResourcePool
		err error
	)
	switch cfg.Devices.Kind {
	case config.KindWorker:
		ids := cfg.Devices.IDs
		if len(ids) == 0 {
			ids = pool.WorkerIDs(cfg.Devices.Workers)
		}
		p, err = pool.NewFixedWorkers(path, ids, opts)
	default:
		probe := gpu.NewGuarded(
			gpu.NewNvidiaSMI(cfg.Devices.NvidiaSMI, log.WithComponent("gpu")),
			resilience.NewCircuitBreaker("nvidia_smi", 3, 30*time.Second),
		)
		p, err = pool.NewGPU(ctx, path, probe, cfg.Devices.IDs, cfg.Devices.RequireIdle, opts)
	}
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, nil, err
	}

	if store == nil {
		return p, nil, nil
	}
	p.SetCloser(store)
	return p, store, nil
}
