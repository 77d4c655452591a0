// Command lucid-server serves the demonstration and benchmark methods.
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

	"lucid-rpc/bench"
	"lucid-rpc/codec"
	"lucid-rpc/config"
	"lucid-rpc/logger"
	"lucid-rpc/middleware"
	"lucid-rpc/server"
)

func add(ctx context.Context, a, b float64) (float64, error) {
	return a + b, nil
}

func divide(ctx context.Context, a, b float64) (float64, error) {
	if b == 0 {
		return 0, errors.New("Division by zero")
	}
	return a / b, nil
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./lucid.{yaml,json,toml} if present)")
	addr := flag.String("addr", "", "Override server.address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lucid-server: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "lucid-server: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithComponent("lucid-server")

	router := server.NewRouter().
		Handle("add", server.Func2("a", "b", add)).
		Handle("divide", server.Func2("a", "b", divide)).
		Mount(bench.Service()).
		MustBuild()

	srv, err := server.NewServer(router,
		server.WithWorkers(cfg.Server.Workers),
		server.WithCodec(&codec.Codec{MaxFrameSize: cfg.Server.MaxFrameSize}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	srv.Use(middleware.LoggingMiddleware(nil))
	if cfg.Server.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.HandlerTimeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(cfg.Server.HandlerTimeout))
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Serve(cfg.Server.Network, cfg.Server.Address)
	}()

	var httpSrv *http.Server
	if cfg.Server.WebSocketPath != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Server.WebSocketPath, srv.WebSocketHandler())
		httpSrv = &http.Server{Addr: cfg.Server.WebSocketAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.Server.WebSocketAddr).Str("path", cfg.Server.WebSocketPath).Msg("websocket endpoint enabled")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		httpSrv.Shutdown(ctx)
		cancel()
	}
	if err := srv.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
		os.Exit(1)
	}
}
