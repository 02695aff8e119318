package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/CadiZhang/space-shooter/internal/config"
	"github.com/CadiZhang/space-shooter/internal/logging"
	"github.com/CadiZhang/space-shooter/internal/relay"
	"github.com/CadiZhang/space-shooter/internal/room"
	"github.com/CadiZhang/space-shooter/internal/server"
	"github.com/CadiZhang/space-shooter/internal/version"
)

func main() {
	var opts config.ServerOptions

	cmd := &cobra.Command{
		Use:          "space-shooter-relay",
		Short:        "Signaling relay that pairs two players per room",
		Version:      version.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(opts)
			if err != nil {
				return err
			}
			logger := logging.InitWithDefault(logging.ParseLevel(cfg.LogLevel, slog.LevelInfo))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file")
	f.StringVar(&opts.ListenAddr, "addr", "", "listen address (default \":8080\")")
	f.DurationVar(&opts.RoomTTL, "room-ttl", 0, "maximum room lifetime (default 1h)")
	f.DurationVar(&opts.SweepInterval, "sweep-interval", 0, "expired room sweep period (default 1m)")
	f.StringSliceVar(&opts.AllowedOrigins, "allowed-origin", nil, "allowed websocket Origin (repeatable, default any)")
	f.Float64Var(&opts.MessageRate, "rate", 0, "per-connection messages per second")
	f.IntVar(&opts.MessageBurst, "burst", 0, "per-connection message burst")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	hub := relay.NewHub(room.NewRegistry(), relay.HubConfig{
		RoomTTL:       cfg.RoomTTL,
		SweepInterval: cfg.SweepInterval,
		MessageRate:   rate.Limit(cfg.MessageRate),
		MessageBurst:  cfg.MessageBurst,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewRouter(hub, server.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			Release:        true,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("starting signaling server", "addr", cfg.ListenAddr, "version", version.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
