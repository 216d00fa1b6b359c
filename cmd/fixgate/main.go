// Package main provides the FIX gateway daemon.
//
// Architecture overview:
//
//	┌─────────────┐   push/pop    ┌─────────────┐   Alfa/Bravo/Charlie  ┌──────────┐
//	│ Application │──────────────▶│   Session   │──────────────────────▶│  Pusher  │──▶ sink socket
//	│    code     │◀──────────────│  Instance   │◀──────────────────────│  Popper  │◀── source socket
//	└─────────────┘  Delta/Echo   └─────────────┘   Foxtrot split       └────┬─────┘
//	                                                                         │
//	                                                                   ┌─────▼─────┐
//	                                                                   │  Journal  │
//	                                                                   │ (SQLite)  │
//	                                                                   └───────────┘
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rishav/fix-gateway/internal/config"
	"github.com/rishav/fix-gateway/internal/session"
)

func main() {
	var (
		configPath  string
		journalPath string
		metricsAddr string
		debug       bool
	)

	root := &cobra.Command{
		Use:           "fixgate",
		Short:         "FIX session gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(debug)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				go serveMetrics(ctx, metricsAddr, log)
			}

			ctl := session.New(cfg, journalPath, log)
			for ctx.Err() == nil {
				if err := ctl.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("session run failed", zap.Error(err))
					// Back off before retrying the schedule so a
					// persistent failure does not spin.
					select {
					case <-time.After(10 * time.Second):
					case <-ctx.Done():
					}
				}
			}

			log.Info("gateway stopped")
			return nil
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "session configuration file")
	root.Flags().StringVar(&journalPath, "journal", "fixgate.db", "message journal database path")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address serving Prometheus metrics (empty disables)")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed", zap.Error(err))
	}
}
