package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/toolscout/internal/api"
)

var (
	servePort       int
	serveContinuous bool
	serveNoWorker   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and queue worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()
		env.startBackground(ctx, cfg)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewServer(api.Deps{
				Engine:    env.Engine,
				Queue:     env.Queue,
				Platforms: env.Scheduler,
				Metrics:   env.Recorder,
			}, cfg.Server).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		if !serveNoWorker {
			g.Go(func() error { return env.Queue.Start(gctx) })
		}
		if serveContinuous {
			g.Go(func() error { return env.Engine.ContinuousMode(gctx, cfg.Engine.ContinuousInterval) })
		}
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			env.Engine.Stop()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Queue.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			return env.Queue.Stop(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveContinuous, "continuous", false, "also run the next due term every engine.continuous_interval")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "serve the API without processing queue jobs")
	rootCmd.AddCommand(serveCmd)
}
