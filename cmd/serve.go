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
	"golang.org/x/time/rate"

	"github.com/gridharvest/coordinator/internal/api"
)

var (
	servePort     int
	serveInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator: epoch scheduler, consensus evaluator, and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCoordinator(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		server := api.NewServer(env.Schedule, env.Scheduler, env.Registry, env.Catalog, env.Store, env.Collector, api.Options{
			ProofWindow: time.Duration(cfg.Server.ProofWindowMins) * time.Minute,
			StatusRate:  rate.Limit(cfg.Server.StatusRatePerSec),
			StatusBurst: cfg.Server.StatusBurst,
			SubmitRate:  rate.Limit(cfg.Server.SubmitRatePerSec),
			SubmitBurst: cfg.Server.SubmitBurst,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.Router(),
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return env.Scheduler.Run(ctx, serveInterval)
		})
		g.Go(func() error {
			return env.Evaluator.Run(ctx, serveInterval)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if err := g.Wait(); err != nil && !eris.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", time.Minute, "scheduler and evaluator tick interval")
	rootCmd.AddCommand(serveCmd)
}
