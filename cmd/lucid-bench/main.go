// Command lucid-bench drives concurrent calls against a lucid-rpc server and
// prints throughput and latency percentiles.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lucid-rpc/bench"
	"lucid-rpc/client"
	"lucid-rpc/codec"
	"lucid-rpc/config"
	"lucid-rpc/loadbalance"
	"lucid-rpc/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./lucid.{yaml,json,toml} if present)")
	addr := flag.String("addr", "", "Override client.address")
	wsURL := flag.String("ws", "", "Benchmark a WebSocket endpoint instead, e.g. ws://127.0.0.1:5001/rpc")
	method := flag.String("method", "add", "Method to call")
	rawParams := flag.String("params", "", `Params as JSON, e.g. "[2,3]" or '{"delay_ms":10}'`)
	workers := flag.Int("threads", 4, "Concurrent workers")
	perWorker := flag.Int("requests-per-thread", 50, "Sequential calls per worker")
	timeoutMs := flag.Int("timeout-ms", 3000, "timeout_ms hint sent with every call")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lucid-bench: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Client.Address = *addr
	}
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "lucid-bench: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithComponent("lucid-bench")

	var params any
	if *rawParams != "" {
		if !json.Valid([]byte(*rawParams)) {
			log.Fatal().Str("params", *rawParams).Msg("params must be valid JSON")
		}
		params = json.RawMessage(*rawParams)
	}

	balancer, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid balancer")
	}
	opts := []client.Option{
		client.WithPoolSize(cfg.Client.PoolSize),
		client.WithBalancer(balancer),
		client.WithDialTimeout(cfg.Client.DialTimeout),
		client.WithCallTimeout(cfg.Client.CallTimeout),
		client.WithHeartbeat(cfg.Client.Heartbeat),
		client.WithCodec(&codec.Codec{MaxFrameSize: cfg.Client.MaxFrameSize}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var c *client.Client
	if *wsURL != "" {
		c, err = client.DialWebSocket(ctx, *wsURL, nil, opts...)
	} else {
		c, err = client.Dial(ctx, cfg.Client.Network, cfg.Client.Address, opts...)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer c.Close()

	report := bench.Run(ctx, c, bench.Options{
		Method:            *method,
		Params:            params,
		Workers:           *workers,
		RequestsPerWorker: *perWorker,
		Timeout:           time.Duration(*timeoutMs) * time.Millisecond,
	})
	report.Print(os.Stdout)
}
