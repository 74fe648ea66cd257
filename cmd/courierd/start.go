package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chatterlab/courier"
	"github.com/chatterlab/courier/internal/delivery"
	"github.com/chatterlab/courier/internal/transport"
)

func newStartCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the delivery daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Account == "" {
				return fmt.Errorf("account is required")
			}

			logger := log.New(os.Stderr, "courierd ", log.LstdFlags)

			client, err := courier.New(courier.Config{
				DBPath: cfg.DBPath,
				APIURL: cfg.APIURL,
				WSURL:  cfg.WSURL,
				Auth: transport.BasicAuth{
					Username: cfg.Account,
					Password: cfg.Password,
				},
				Self:                   delivery.RecipientID(cfg.Account),
				Logger:                 logger,
				MaxAttempts:            cfg.MaxAttempts,
				JobTimeout:             cfg.JobTimeout,
				ResetsPerSecond:        cfg.ResetsPerSecond,
				SenderKeyRetryDisabled: cfg.SenderKeyRetryDisabled,
			})
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			defer func() { _ = client.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client.Start(ctx)
			logger.Printf("started, account %s", cfg.Account)

			metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(client)}
			go func() {
				logger.Printf("metrics listening on %s", cfg.MetricsAddr)
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Printf("metrics server: %v", err)
				}
			}()

			<-ctx.Done()
			logger.Printf("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "config file path")
	cmd.Flags().String("db-path", "", "database path (default $XDG_DATA_HOME/courier/default.db)")
	_ = v.BindPFlag("db_path", cmd.Flags().Lookup("db-path"))
	cmd.Flags().String("api-url", "", "messaging API base URL")
	_ = v.BindPFlag("api_url", cmd.Flags().Lookup("api-url"))
	cmd.Flags().String("ws-url", "", "signal stream websocket URL")
	_ = v.BindPFlag("ws_url", cmd.Flags().Lookup("ws-url"))
	cmd.Flags().String("account", "", "account ID")
	_ = v.BindPFlag("account", cmd.Flags().Lookup("account"))
	cmd.Flags().String("password-file", "", "file containing the account password")
	_ = v.BindPFlag("password_file", cmd.Flags().Lookup("password-file"))
	cmd.Flags().String("metrics-addr", ":9480", "metrics listen address")
	_ = v.BindPFlag("metrics_addr", cmd.Flags().Lookup("metrics-addr"))

	return cmd
}

func metricsMux(client *courier.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(client.Metrics().Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
