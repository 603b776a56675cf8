package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"

	"github.com/pixora/chat-sync/internal/metrics"
	"github.com/pixora/chat-sync/internal/relay"
)

func init() {
	runCmd.Flags().String("conversation", "", "conversation to select after connecting")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and stay connected until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		d, err := newSession(cfg, log)
		if err != nil {
			return err
		}
		defer d.Close()

		log.Info("chatbridge starting",
			"version", version,
			"api_url", cfg.API.URL,
			"ws_url", cfg.WS.URL,
			"queue_size", cfg.WS.QueueSize,
			"reconnect_delay", cfg.WS.ReconnectDelay,
			"redis_addr", cfg.Redis.Addr,
			"nats_url", cfg.NATS.URL,
			"metrics_addr", cfg.Metrics.Addr,
		)

		errCh := make(chan error, 1)
		var srv *http.Server
		if cfg.Metrics.Addr != "" {
			srv = metricsServer(cfg.Metrics.Addr)
			go func() {
				log.Info("serving metrics", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
		}

		if cfg.NATS.URL != "" {
			nc := relay.DefaultConfig()
			nc.URL = cfg.NATS.URL
			nc.Prefix = cfg.NATS.SubjectPrefix
			rc, err := relay.Connect(nc, log)
			if err != nil {
				return err
			}
			defer rc.Close()
			detach, err := relay.Attach(rc, d.session)
			if err != nil {
				return err
			}
			defer detach()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout)
		err = d.session.Start(ctx)
		cancel()
		if err != nil {
			return err
		}
		if id, _ := cmd.Flags().GetString("conversation"); id != "" {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout)
			err := d.session.SelectConversation(ctx, id)
			cancel()
			if err != nil {
				return err
			}
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigs:
			log.Info("received signal", "signal", sig.String())
		case err := <-errCh:
			log.Error("metrics server failed", "err", err)
		}

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("metrics server shutdown", "err", err)
			}
		}
		log.Info("chatbridge stopped")
		return nil
	},
}

// metricsServer serves /metrics behind access logging and panic recovery.
func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var h http.Handler = mux
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	h = handlers.LoggingHandler(os.Stderr, h)

	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
