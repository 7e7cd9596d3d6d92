package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Listener is one HTTP endpoint of the process.
type Listener struct {
	Name    string
	Addr    string
	Handler http.Handler
}

// Listeners returns the health listener and, when metricsPort > 0, a
// dedicated metrics listener.
func Listeners(port, metricsPort int, handler, metricsHandler http.Handler) []Listener {
	out := []Listener{{Name: "health", Addr: fmt.Sprintf(":%d", port), Handler: handler}}
	if metricsPort > 0 && metricsPort != port {
		out = append(out, Listener{Name: "metrics", Addr: fmt.Sprintf(":%d", metricsPort), Handler: metricsHandler})
	}
	return out
}

// Serve runs every listener until ctx is done, then shuts them down
// gracefully. A listener that fails to start stops the others.
func Serve(ctx context.Context, logger *zap.Logger, listeners ...Listener) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	opened := make([]net.Listener, 0, len(listeners))
	for _, l := range listeners {
		ln, err := net.Listen("tcp", l.Addr)
		if err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			return fmt.Errorf("listen %s on %s: %w", l.Name, l.Addr, err)
		}
		opened = append(opened, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, l := range listeners {
		ln := opened[i]
		srv := &http.Server{
			Handler:           l.Handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		name := l.Name
		g.Go(func() error {
			logger.Info("http server started", zap.String("listener", name), zap.String("addr", ln.Addr().String()))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.String("listener", name), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
