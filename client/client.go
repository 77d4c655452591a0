// Package client provides a pooled lucid-rpc client.
//
// A Client keeps N multiplexed transports to one server. Every call picks one
// through a load balancer; a transport that died is redialled the next time
// it is picked, so a broken connection costs the calls that were in flight on
// it and nothing more. The client never retries a call.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lucid-rpc/codec"
	"lucid-rpc/loadbalance"
	"lucid-rpc/logger"
	"lucid-rpc/message"
	"lucid-rpc/transport"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("client: closed")

// DialFunc opens one transport of the pool.
type DialFunc func(ctx context.Context) (*transport.ClientTransport, error)

type Client struct {
	dial        DialFunc
	balancer    loadbalance.Balancer
	poolSize    int
	dialTimeout time.Duration
	callTimeout time.Duration
	heartbeat   time.Duration
	codec       *codec.Codec
	log         *zerolog.Logger

	mu         sync.Mutex
	transports []*transport.ClientTransport // nil until dialled
	closed     bool
}

// Option configures a Client.
type Option func(*Client)

// WithPoolSize sets the number of multiplexed connections. Default 1.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithBalancer sets the connection picking strategy. Default round robin.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithDialTimeout bounds each (re)dial.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithCallTimeout sets the timeout for calls whose meta has no timeout_ms.
// Zero waits without bound.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithHeartbeat makes every transport send heartbeat frames at interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Client) { c.heartbeat = interval }
}

// WithCodec sets the frame codec of every transport.
func WithCodec(cd *codec.Codec) Option {
	return func(c *Client) { c.codec = cd }
}

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client whose connections are opened lazily by dial.
func New(dial DialFunc, opts ...Option) *Client {
	c := &Client{
		dial:        dial,
		balancer:    &loadbalance.RoundRobinBalancer{},
		poolSize:    1,
		dialTimeout: 5 * time.Second,
		codec:       codec.Default,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.poolSize <= 0 {
		c.poolSize = 1
	}
	if c.log == nil {
		c.log = logger.WithComponent("client")
	}
	c.transports = make([]*transport.ClientTransport, c.poolSize)
	return c
}

// Dial creates a client for a TCP (or unix) server and opens its first
// connection, so an unreachable address fails here rather than on first call.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Client, error) {
	var c *Client
	c = New(func(ctx context.Context) (*transport.ClientTransport, error) {
		return transport.Dial(ctx, network, address, c.transportOptions()...)
	}, opts...)
	if err := c.warm(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DialWebSocket creates a client for a lucid-rpc WebSocket endpoint.
func DialWebSocket(ctx context.Context, url string, header http.Header, opts ...Option) (*Client, error) {
	var c *Client
	c = New(func(ctx context.Context) (*transport.ClientTransport, error) {
		return transport.DialWebSocket(ctx, url, header, c.transportOptions()...)
	}, opts...)
	if err := c.warm(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) transportOptions() []transport.Option {
	opts := []transport.Option{
		transport.WithCodec(c.codec),
		transport.WithLogger(c.log),
		transport.WithCallTimeout(c.callTimeout),
	}
	if c.heartbeat > 0 {
		opts = append(opts, transport.WithHeartbeat(c.heartbeat))
	}
	return opts
}

func (c *Client) warm(ctx context.Context) error {
	if _, err := c.connect(ctx, 0); err != nil {
		return err
	}
	return nil
}

// Call invokes method and returns its raw JSON result. The timeout comes
// from meta's timeout_ms, else from WithCallTimeout.
func (c *Client) Call(ctx context.Context, method string, params any, meta message.Meta) (json.RawMessage, error) {
	t, err := c.pick(ctx)
	if err != nil {
		return nil, err
	}
	return t.Call(ctx, method, params, meta)
}

// CallInto is Call followed by decoding the result into reply.
func (c *Client) CallInto(ctx context.Context, method string, params any, meta message.Meta, reply any) error {
	raw, err := c.Call(ctx, method, params, meta)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("client: decode result of %s: %w", method, err)
	}
	return nil
}

// Future is a submitted call whose response has not been awaited yet.
type Future struct {
	ID      uint64
	Method  string
	t       *transport.ClientTransport
	timeout time.Duration
	hinted  bool // timeout came from timeout_ms and is always enforced
}

// Go submits a call without waiting for it.
func (c *Client) Go(ctx context.Context, method string, params any, meta message.Meta) (*Future, error) {
	t, err := c.pick(ctx)
	if err != nil {
		return nil, err
	}
	id, err := t.Submit(method, params, meta)
	if err != nil {
		return nil, err
	}
	f := &Future{ID: id, Method: method, t: t, timeout: c.callTimeout}
	if hint, ok := meta.TimeoutHint(); ok {
		f.timeout, f.hinted = hint, true
	}
	return f, nil
}

// Wait blocks for the result. Like any await it succeeds at most once;
// a second Wait fails with transport.ErrUnknownRequest.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	if f.hinted {
		return f.t.AwaitWithin(ctx, f.ID, f.timeout)
	}
	return f.t.Await(ctx, f.ID, f.timeout)
}

// Close closes every connection. Calls still pending fail with
// CONNECTION_CLOSED.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	transports := c.transports
	c.transports = make([]*transport.ClientTransport, len(transports))
	c.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if t != nil {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Stats returns the pending request count per pooled connection; -1 marks a
// connection that is not currently open.
func (c *Client) Stats() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := make([]int, len(c.transports))
	for i, t := range c.transports {
		if t == nil || t.Err() != nil {
			stats[i] = -1
			continue
		}
		stats[i] = t.Pending()
	}
	return stats
}

// pick chooses a transport for the next call, redialling it if needed.
func (c *Client) pick(ctx context.Context) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	members := make([]loadbalance.Member, len(c.transports))
	for i, t := range c.transports {
		members[i] = loadbalance.Member{Index: i}
		if t != nil && t.Err() == nil {
			members[i].Healthy = true
			members[i].Pending = t.Pending()
		}
	}
	idx, err := c.balancer.Pick(members)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if idx < 0 || idx >= len(c.transports) {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: balancer %s picked %d of %d", c.balancer.Name(), idx, len(c.transports))
	}
	t := c.transports[idx]
	c.mu.Unlock()

	if t != nil && t.Err() == nil {
		return t, nil
	}
	return c.connect(ctx, idx)
}

// connect (re)dials slot idx. Dialling happens outside the lock; when two
// callers race, the first healthy transport stored wins and the other closes.
func (c *Client) connect(ctx context.Context, idx int) (*transport.ClientTransport, error) {
	dialCtx := ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	fresh, err := c.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		fresh.Close()
		return nil, ErrClosed
	}
	if cur := c.transports[idx]; cur != nil {
		if cur.Err() == nil {
			fresh.Close()
			return cur, nil
		}
		c.log.Info().Int("slot", idx).Err(cur.Err()).Msg("redialled dead connection")
		cur.Close()
	}
	c.transports[idx] = fresh
	return fresh, nil
}
