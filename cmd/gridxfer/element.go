package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridxfer/pkg/element"
	"gridxfer/pkg/metrics"
	"gridxfer/pkg/ticket"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func elementCmd() *cobra.Command {
	var (
		name    string
		listen  string
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "element",
		Short: "Run a storage element server",
		Long: `Run a storage element that accepts replica reads and writes over gRPC.
Every request must carry an access envelope signed with the catalogue's
ticket secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if name != "" {
				cfg.Element.Name = name
			}
			if listen != "" {
				cfg.Element.Listen = listen
			}
			if dataDir != "" {
				cfg.Element.DataDir = dataDir
			}
			if err := cfg.ValidateElement(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := setupLogger(verbose, cfg.Log.Level)
			defer logger.Sync()

			authority, err := ticket.NewAuthority([]byte(cfg.Catalogue.TicketSecret), ticketIssuer, cfg.Catalogue.TicketTTLDuration())
			if err != nil {
				return fmt.Errorf("failed to create ticket authority: %w", err)
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.NewTransferMetrics(registry)

			srv := element.New(&cfg.Element, authority, logger.Named("element"), m)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start element: %w", err)
			}

			logger.Info("Storage element started",
				zap.String("name", cfg.Element.Name),
				zap.String("address", srv.Addr()),
				zap.String("data_dir", cfg.Element.DataDir))

			var health *http.Server
			if cfg.Element.MetricsListen != "" {
				httpMux := http.NewServeMux()
				metrics.NewHealthEndpoint(cfg.Element.Name, srv.Ready, registry, logger.Named("health")).RegisterHandlers(httpMux)
				health = &http.Server{
					Addr:              cfg.Element.MetricsListen,
					Handler:           httpMux,
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("Health endpoint failed", zap.Error(err))
					}
				}()
				logger.Info("Health endpoint listening", zap.String("address", cfg.Element.MetricsListen))
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			logger.Info("Shutting down storage element...")
			if health != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				health.Shutdown(ctx)
				cancel()
			}
			srv.Stop()

			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "storage element name")
	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory holding the stored replicas")

	return cmd
}
