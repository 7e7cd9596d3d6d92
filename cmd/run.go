package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stackharvest/internal/dispatcher"
	"github.com/JakeFAU/stackharvest/internal/orchestrator"
	"github.com/JakeFAU/stackharvest/internal/server"
	"github.com/JakeFAU/stackharvest/internal/worker"
)

type runFlags struct {
	workers   int
	instances int
	target    int64
	setupOnly bool
	export    bool
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:       "run <local|cloud|hybrid>",
		Short:     "Plan the queue and run a complete harvest",
		Long:      `local runs workers in this process, cloud launches instances and runs the scaler, hybrid does both.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(orchestrator.ModeLocal), string(orchestrator.ModeCloud), string(orchestrator.ModeHybrid)},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := orchestrator.ParseMode(args[0])
			if err != nil {
				return err
			}
			return runHarvest(cmd, mode, flags)
		},
	}
	cmd.Flags().IntVar(&flags.workers, "workers", 5, "local worker sessions (local and hybrid modes)")
	cmd.Flags().IntVar(&flags.instances, "instances", 5, "initial cloud instances (cloud and hybrid modes)")
	cmd.Flags().Int64Var(&flags.target, "target", 100000, "stop once this many questions are stored (0 uses queue.page_budget)")
	cmd.Flags().BoolVar(&flags.setupOnly, "setup-only", false, "plan the queue and exit")
	cmd.Flags().BoolVar(&flags.export, "export", false, "export stored questions when the run ends")
	return cmd
}

func runHarvest(cmd *cobra.Command, mode orchestrator.Mode, flags *runFlags) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := orchestrator.Deps{
		Queue:  app.Queue,
		Store:  app.Store,
		Clock:  app.Clock,
		Logger: app.Logger.Named("orchestrator"),
	}
	opts := orchestrator.Options{
		Mode:       mode,
		Instances:  flags.instances,
		Target:     flags.target,
		PageBudget: app.Config.Queue.PageBudget,
		SetupOnly:  flags.setupOnly,
	}

	var stopWorkers func()
	var localStats func() []worker.Stats
	if !flags.setupOnly && mode != orchestrator.ModeCloud {
		w, err := app.NewWorker("", flags.workers)
		if err != nil {
			return fmt.Errorf("worker init failed: %w", err)
		}
		pool := dispatcher.New(app.Logger.Named("dispatcher"), w)
		deps.Pool = pool
		stopWorkers, localStats = pool.Stop, pool.Stats
	}
	if !flags.setupOnly && mode != orchestrator.ModeLocal {
		scaler, err := app.NewScaler(ctx)
		if err != nil {
			return err
		}
		deps.Fleet = scaler
	}
	if !flags.setupOnly {
		mon, err := app.NewMonitor()
		if err != nil {
			return err
		}
		apiSrv := app.NewAPI(stopWorkers, localStats)
		cfg := app.Config.Server
		deps.Services = []orchestrator.Service{
			{Name: "health server", Run: func(ctx context.Context) error {
				return server.Serve(ctx, app.Logger, server.Listeners(cfg.Port, cfg.MetricsPort, apiSrv.Handler(), apiSrv.MetricsHandler())...)
			}},
			{Name: "monitor", Run: mon.Run},
			{Name: "remote shutdown", Run: func(ctx context.Context) error {
				select {
				case <-apiSrv.Drained():
					return orchestrator.ErrStopRun
				case <-ctx.Done():
					return nil
				}
			}},
		}
	}
	if flags.export {
		deps.Export = func(ctx context.Context) (string, error) {
			return exportQuestions(ctx, app.Config.Export, app.Store, app.Clock, app.Config.Export.Prefix, 0, app.Logger)
		}
	}

	o, err := orchestrator.New(opts, deps)
	if err != nil {
		return err
	}
	return o.Run(ctx)
}
