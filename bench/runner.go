package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"lucid-rpc/message"
)

// Caller is the client surface the load generator needs.
type Caller interface {
	Call(ctx context.Context, method string, params any, meta message.Meta) (json.RawMessage, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, method string, params any, meta message.Meta) (json.RawMessage, error)

func (f CallerFunc) Call(ctx context.Context, method string, params any, meta message.Meta) (json.RawMessage, error) {
	return f(ctx, method, params, meta)
}

// Options shapes a benchmark run.
type Options struct {
	Method            string
	Params            any
	Workers           int
	RequestsPerWorker int
	Timeout           time.Duration // sent as the timeout_ms hint
}

// Report summarises a run.
type Report struct {
	Total       int
	Success     int
	Failed      int
	Elapsed     time.Duration
	RPS         float64
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	SampleError string
}

// Run drives Workers goroutines, each issuing RequestsPerWorker sequential
// calls flagged idempotent. Calls already running finish when ctx is
// cancelled; no new ones start.
func Run(ctx context.Context, c Caller, opts Options) Report {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	meta := message.Meta{message.MetaIdempotent: true}
	if opts.Timeout > 0 {
		meta[message.MetaTimeoutMs] = opts.Timeout.Milliseconds()
	}

	var (
		mu        sync.Mutex
		latencies []time.Duration
		errs      []string
		wg        sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < opts.RequestsPerWorker; i++ {
				if ctx.Err() != nil {
					mu.Lock()
					errs = append(errs, ctx.Err().Error())
					mu.Unlock()
					continue
				}
				t0 := time.Now()
				_, err := c.Call(ctx, opts.Method, opts.Params, meta)
				elapsed := time.Since(t0)
				mu.Lock()
				if err != nil {
					errs = append(errs, err.Error())
				} else {
					latencies = append(latencies, elapsed)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)

	r := Report{
		Total:   opts.Workers * opts.RequestsPerWorker,
		Success: len(latencies),
		Failed:  len(errs),
		Elapsed: total,
	}
	if total > 0 {
		r.RPS = float64(r.Success) / total.Seconds()
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	r.P50 = percentile(latencies, 0.50)
	r.P95 = percentile(latencies, 0.95)
	r.P99 = percentile(latencies, 0.99)
	if len(errs) > 0 {
		r.SampleError = errs[0]
	}
	return r
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// Print writes the report as key=value lines.
func (r Report) Print(w io.Writer) {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	fmt.Fprintf(w, "total_requests=%d\n", r.Total)
	fmt.Fprintf(w, "success=%d\n", r.Success)
	fmt.Fprintf(w, "failed=%d\n", r.Failed)
	fmt.Fprintf(w, "elapsed_sec=%.3f\n", r.Elapsed.Seconds())
	fmt.Fprintf(w, "rps=%.2f\n", r.RPS)
	fmt.Fprintf(w, "p50_ms=%.2f\n", ms(r.P50))
	fmt.Fprintf(w, "p95_ms=%.2f\n", ms(r.P95))
	fmt.Fprintf(w, "p99_ms=%.2f\n", ms(r.P99))
	if r.SampleError != "" {
		fmt.Fprintf(w, "sample_error=%s\n", r.SampleError)
	}
}
