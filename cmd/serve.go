package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-cli/internal/api"
	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the trigger API and run the retry and tracking loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newAPI(env).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return serve(ctx, srv, env, cfg.Server.ShutdownTimeout)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newAPI(env *env) *api.Server {
	return api.New(api.Deps{
		Coordinator:    env.Coordinator,
		Store:          env.Store,
		Retries:        env.Queue,
		Tracker:        env.Tracker,
		Gateway:        env.Gateway,
		Breakers:       env.Breakers,
		Metrics:        env.Metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
}

// serve runs the HTTP server alongside the background loops until ctx is
// cancelled, then shuts the server down within timeout.
func serve(ctx context.Context, srv *http.Server, env *env, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		env.Queue.Run(gctx)
		return nil
	})
	g.Go(func() error {
		env.Tracker.Run(gctx)
		return nil
	})
	if cfg.Monitoring.Enabled {
		collector := monitoring.NewCollector(env.Tracker, env.Store, env.Breakers)
		checker := monitoring.NewChecker(collector, env.Alerter, cfg.Monitoring)
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return eris.Wrap(err, "server shutdown")
		}
		return nil
	})

	g.Go(func() error {
		zap.L().Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	})

	return g.Wait()
}
