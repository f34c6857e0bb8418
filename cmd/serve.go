package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/api"
	"github.com/JakeFAU/seo-crawler/internal/metrics"
)

// newServeCmd creates the 'serve' subcommand, which exposes the crawl engine
// over the HTTP control API until interrupted.
func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, portOverride int) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := appInstance.Config
	logger := appInstance.Logger

	httpMetrics, err := metrics.NewHTTP(appInstance.Registry)
	if err != nil {
		return fmt.Errorf("http metrics: %w", err)
	}
	opts := api.Options{
		Engine:      appInstance.Engine,
		Gatherer:    appInstance.Registry,
		HTTPMetrics: httpMetrics,
		APIKey:      cfg.Server.APIKey,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      logger,
	}
	if appInstance.Runs != nil {
		opts.Runs = appInstance.Runs
	}

	port := cfg.Server.Port
	if portOverride > 0 {
		port = portOverride
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           api.NewServer(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down control api")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
