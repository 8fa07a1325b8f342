package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/thannaske/licenseusage/pkg/metrics"
	"github.com/thannaske/licenseusage/pkg/sampler"
	"github.com/thannaske/licenseusage/pkg/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sample on a schedule and serve usage metrics",
	Long: `Run in the foreground, asking the sampler on a cron schedule whether the
daily sample is due, and expose the newest sample as Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSite(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if cmd.Flags().Changed("schedule") {
			cfg.Serve.Schedule, _ = cmd.Flags().GetString("schedule")
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Serve.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		}

		daemon, err := sampler.NewDaemon(s.sampler, cfg.Serve.Schedule, s.instanceID, s.siteHash, s.log)
		if err != nil {
			return err
		}
		daemon.Start()
		defer daemon.Close()

		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(&metrics.Collector{
			Store:      s.store,
			InstanceID: s.instanceID,
			Limit:      subscriptionLimit(s),
			Log:        s.log.Named("metrics"),
		})

		if cfg.Serve.MetricsAddr == "" {
			<-ctx.Done()
			return nil
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              cfg.Serve.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			s.log.Info(ctx, "serving metrics", slog.F("address", srv.Addr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !xerrors.Is(err, http.ErrServerClosed) {
				return xerrors.Errorf("serve metrics: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func subscriptionLimit(s *site) *usage.Limit {
	if s.details == nil {
		return nil
	}
	return &s.details.Limit
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("schedule", sampler.DefaultSchedule, "cron schedule for sampling checks")
	serveCmd.Flags().String("metrics-addr", "", "address to serve /metrics on (default from config)")
}
