package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/offerbook/internal/api"
	"github.com/xtrntr/offerbook/internal/sweeper"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("no-sweeper", false, "do not expire offers in the background")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP surface and sweep expired offers until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		noSweeper, err := cmd.Flags().GetBool("no-sweeper")
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		return serve(ctx, a, !noSweeper)
	},
}

func serve(ctx context.Context, a *app, sweep bool) error {
	handler := api.NewHandler(a.engine, a.conn, a.metrics, a.cfg.HTTP.SettlementToken, a.log)
	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler.Routes(a.registry),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.log.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	if sweep {
		sw := sweeper.New(a.cfg.Sweeper, a.conn.Offers, a.metrics, a.log)
		g.Go(func() error { return sw.Run(gctx) })
	}
	return g.Wait()
}
