// Package bench provides the benchmark workload handlers and the load
// generator that drives them.
package bench

import (
	"context"
	"time"

	"lucid-rpc/message"
	"lucid-rpc/server"
)

const (
	DefaultIODelayMs    = 10
	DefaultCPUN         = 26
	DefaultMixedDelayMs = 5
	DefaultMixedN       = 20
)

// IOResult reports a simulated I/O wait.
type IOResult struct {
	Kind    string `json:"kind"`
	DelayMs int    `json:"delay_ms"`
}

// CPUResult reports a naive Fibonacci computation.
type CPUResult struct {
	Kind string `json:"kind"`
	N    int    `json:"n"`
	Fib  int    `json:"fib"`
}

// MixedResult combines both workloads.
type MixedResult struct {
	Kind string    `json:"kind"`
	IO   IOResult  `json:"io"`
	CPU  CPUResult `json:"cpu"`
}

// Service returns the "bench" service: bench.io, bench.cpu and bench.mixed.
func Service() *server.Service {
	return server.NewService("bench").
		Add("io", ioHandler).
		Add("cpu", cpuHandler).
		Add("mixed", mixedHandler)
}

// IO sleeps for delayMs, or until ctx is done.
func IO(ctx context.Context, delayMs int) IOResult {
	if delayMs > 0 {
		t := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	return IOResult{Kind: "io", DelayMs: delayMs}
}

// CPU computes fib(n) the slow way.
func CPU(n int) CPUResult {
	return CPUResult{Kind: "cpu", N: n, Fib: fib(max(n, 0))}
}

func fib(x int) int {
	if x <= 1 {
		return x
	}
	return fib(x-1) + fib(x-2)
}

func ioHandler(ctx context.Context, p message.Params) (any, error) {
	delay, err := optionalInt(p, 0, "delay_ms", DefaultIODelayMs)
	if err != nil {
		return nil, err
	}
	return IO(ctx, delay), nil
}

func cpuHandler(ctx context.Context, p message.Params) (any, error) {
	n, err := optionalInt(p, 0, "n", DefaultCPUN)
	if err != nil {
		return nil, err
	}
	return CPU(n), nil
}

func mixedHandler(ctx context.Context, p message.Params) (any, error) {
	delay, err := optionalInt(p, 0, "delay_ms", DefaultMixedDelayMs)
	if err != nil {
		return nil, err
	}
	n, err := optionalInt(p, 1, "n", DefaultMixedN)
	if err != nil {
		return nil, err
	}
	return MixedResult{Kind: "mixed", IO: IO(ctx, delay), CPU: CPU(n)}, nil
}

// optionalInt binds one argument, falling back to def when it is absent.
func optionalInt(p message.Params, index int, name string, def int) (int, error) {
	v := def
	if _, err := p.Arg(index, name, &v); err != nil {
		return 0, err
	}
	return v, nil
}
