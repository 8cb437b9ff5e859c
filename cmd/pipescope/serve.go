package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pipescope/internal/approvals"
	"pipescope/internal/server"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run hierarchy over HTTP with server-sent tree updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if addr != "" {
					a.cfg.Addr = addr
				}
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides ADDR)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	// Each approve/reject request is itself the operator's confirmation.
	gw, err := a.gateway(approvals.AlwaysConfirm)
	if err != nil {
		return err
	}

	opts := server.Options{
		Tree:           a.builder,
		Approvals:      gw,
		Definitions:    a.definitions,
		Filters:        a.filters,
		Refresh:        a.scheduler,
		Events:         a.broker,
		Notifier:       a.notifier,
		Metrics:        a.metrics.Handler(),
		Project:        a.cfg.Project,
		ServiceName:    serviceName,
		AllowedOrigins: a.cfg.AllowedOrigins,
		RateLimit:      a.cfg.RateLimit,
		Logger:         a.logger,
	}
	if a.decisions != nil {
		opts.Decisions = a.decisions
		opts.Ready = a.database.Ping
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.cfg.Addr).Msg("starting pipescope server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Prime the run list so the scheduler starts when runs are active.
	a.builder.Runs(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("shutdown server")
	}
	return nil
}
