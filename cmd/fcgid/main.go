package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftbyte/fcgid/internal/admin"
	"github.com/driftbyte/fcgid/internal/config"
	"github.com/driftbyte/fcgid/internal/engine"
	"github.com/driftbyte/fcgid/internal/handlers"
	"github.com/driftbyte/fcgid/internal/observability"
	"github.com/driftbyte/fcgid/internal/server"
)

var (
	version = "0.1.0"
	build   = "dev"
)

func main() {
	var (
		configFile  = flag.String("config", "", "worker config file (toml)")
		listen      = flag.String("listen", "", "override listen address (host:port or unix:/path)")
		logLevel    = flag.String("log-level", "", "override log level")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("fcgid v%s (build: %s)\n", version, build)
		return
	}

	log := observability.InitLogger("fcgid")

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	applyLogLevel(log, cfg.LogLevel)

	handler, err := handlers.ByName(cfg.Handler)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve handler")
	}

	limits := engine.Limits{
		MaxConns:           cfg.MaxConns,
		MaxRequestsPerConn: cfg.MaxRequestsPerConn,
	}
	srv := server.New(handler, limits, log)

	ln, err := server.Listen(cfg.Listen)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Listen).Msg("bind listener")
	}
	log.Info().Str("addr", cfg.Listen).Str("handler", cfg.Handler).
		Int("max_conns", cfg.MaxConns).Int("max_requests_per_conn", cfg.MaxRequestsPerConn).
		Msgf("fcgid v%s listening", version)

	var adminSrv *admin.Server
	if cfg.AdminListen != "" {
		adminSrv = admin.New(cfg.WorkerID, cfg.AdminListen, srv, cfg.CorsOrigins, cfg.AdminToken, log)
		adminSrv.Start(log)
	}

	stopWatch := make(chan struct{})
	if *configFile != "" {
		go func() {
			err := config.Watch(*configFile, log, func(next config.Config) {
				applyLogLevel(log, next.LogLevel)
			}, stopWatch)
			if err != nil {
				log.Warn().Err(err).Msg("config watcher unavailable")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Stringer("signal", sig).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("serve failed")
		}
	}
	close(stopWatch)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	if adminSrv != nil {
		if err := adminSrv.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("admin shutdown failed")
		}
	}
	log.Info().Msg("fcgid stopped")
}

func applyLogLevel(log zerolog.Logger, raw string) {
	level, ok := observability.ParseLevel(raw)
	if !ok {
		if raw != "" {
			log.Warn().Str("level", raw).Msg("unknown log level, keeping current")
		}
		return
	}
	zerolog.SetGlobalLevel(level)
}
