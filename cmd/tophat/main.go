// Command tophat serves a directory over HTTP/1.1.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/tophat/pkg/tophat/server"
	"github.com/yourusername/tophat/pkg/tophat/static"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, args []string) error {
	opts, err := parseOptions(args, os.Stderr)
	if err != nil {
		return err
	}
	logger := newLogger(opts, os.Stderr)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := &static.Handler{
		Root:     opts.Root,
		Index:    opts.Index,
		Compress: opts.Compress,
		Logger:   logger.With().Str("component", "static").Logger(),
	}

	cfg := opts.serverConfig(logger)
	cfg.Registerer = registry
	srv, err := server.New(cfg, handler)
	if err != nil {
		return err
	}
	logger.Info().
		Str("addr", srv.Addr().String()).
		Str("root", opts.Root).
		Msg("tophat listening")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.Shutdown))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("connections closed forcibly")
		}

		stats := srv.Stats()
		logger.Info().
			Uint64("connections", stats.TotalConnections.Load()).
			Uint64("requests", stats.TotalRequests.Load()).
			Uint64("errors", stats.ErrorResponses.Load()).
			Dur("uptime", stats.Duration()).
			Msg("server stopped")
		return nil
	})

	if opts.Metrics != "" {
		metrics := &http.Server{
			Addr:              opts.Metrics,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info().Str("addr", opts.Metrics).Msg("metrics endpoint listening")
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("tophat: metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
