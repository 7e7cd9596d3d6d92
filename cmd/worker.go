package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stackharvest/internal/api"
	"github.com/JakeFAU/stackharvest/internal/server"
	"github.com/JakeFAU/stackharvest/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker [worker-id]",
		Short: "Run a worker node with its health server and monitor",
		Long: `Claims tasks from the shared queue with a bounded number of concurrent
sessions and serves /health, /stats, /workers, /metrics and /shutdown.
SIGTERM or an authorised POST /shutdown drains in-flight work before exit.
Without a worker id one is generated from the hostname.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			var id string
			if len(args) == 1 {
				id = args[0]
			}
			w, err := app.NewWorker(id, concurrency)
			if err != nil {
				return fmt.Errorf("worker init failed: %w", err)
			}
			mon, err := app.NewMonitor()
			if err != nil {
				return err
			}
			apiSrv := app.NewAPI(w.Stop, func() []worker.Stats { return []worker.Stats{w.Stats()} })
			return startNode(cmd.Context(), app, apiSrv, func(ctx context.Context) error {
				monCtx, stopMonitor := context.WithCancel(ctx)
				done := make(chan struct{})
				go func() {
					defer close(done)
					_ = mon.Run(monCtx)
				}()
				err := w.Run(ctx)
				stopMonitor()
				<-done
				return err
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "concurrent sessions (default worker.concurrency)")
	return cmd
}

// startNode is replaced in tests.
var startNode = runNode

// runNode serves the health endpoints next to work until a signal arrives,
// work returns, or a remote shutdown has drained the queue.
func runNode(parent context.Context, app *server.App, apiSrv *api.Server, work func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := app.Config.Server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, app.Logger,
			server.Listeners(cfg.Port, cfg.MetricsPort, apiSrv.Handler(), apiSrv.MetricsHandler())...)
	})
	g.Go(func() error {
		err := work(gctx)
		if apiSrv.Unhealthy() {
			select {
			case <-apiSrv.Drained():
			case <-gctx.Done():
			}
		}
		cancel()
		return err
	})
	g.Go(func() error {
		select {
		case <-apiSrv.Drained():
			app.Logger.Info("remote shutdown drained, exiting")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	err := g.Wait()
	app.Logger.Info("node stopped", zap.Error(err))
	return err
}
