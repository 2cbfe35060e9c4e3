package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/lnet"
)

func serveCmd() *cobra.Command {
	var (
		transport   string
		addr        string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat room server",
		Long: `Run a chat room server until interrupted.

QUIC servers use a throwaway self-signed certificate. With --metrics-addr
the server also exposes Prometheus metrics at /metrics and the room at /users.

Examples:
  lnetchat serve
  lnetchat serve --transport=ws --addr=:8080
  lnetchat serve --metrics-addr=127.0.0.1:9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, transport, addr, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&transport, "transport", "t", "tcp", "Transport: tcp, quic or ws")
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:7000", "Address to listen on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on this address")

	return cmd
}

func runServe(ctx context.Context, transport, addr, metricsAddr string) error {
	logger := slog.Default()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	mcfg := lnet.DefaultMetricsConfig()
	mcfg.Registry = reg
	m := lnet.NewMetrics(mcfg)

	room := NewRoom(logger)
	srv, err := newServer(serverOptions{
		transport: transport,
		addr:      addr,
		hooks:     room.Hooks(),
		metrics:   m,
		logger:    logger,
	})
	if err != nil {
		return err
	}
	room.Attach(srv)

	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("chat room open", "transport", transport, "addr", srv.Addr().String())

	go drive(ctx, srv, logger)

	var httpSrv *http.Server
	if metricsAddr != "" {
		httpSrv = &http.Server{
			Addr:              metricsAddr,
			Handler:           adminRouter(reg, room),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics endpoint", "addr", metricsAddr)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(stopCtx)
	}
	return srv.Stop(stopCtx)
}

// adminRouter serves the metrics registry and the current user list.
func adminRouter(reg *prometheus.Registry, room *Room) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/users", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(room.Users())
	})
	return r
}
