// Package server implements the dispatch side of lucid-rpc: an accept loop,
// one read loop per connection, and concurrent per-request execution.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → validate envelope (BAD_REQUEST written inline, loop continues)
//	  → for each request: submit to worker pool (parallel processing)
//	    → Middleware Chain → dispatch (route, bind params, call handler) → write response
//
// Responses on one connection are serialized through that connection's write
// lock; they may leave in any order relative to arrival.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"lucid-rpc/codec"
	"lucid-rpc/logger"
	"lucid-rpc/message"
	"lucid-rpc/middleware"
	"lucid-rpc/transport"
)

// ErrServerClosed is returned by Serve and ServeListener after Shutdown.
var ErrServerClosed = errors.New("rpc: server closed")

// Server dispatches requests to the handlers of a Router.
type Server struct {
	router      *Router
	codec       *codec.Codec
	log         *zerolog.Logger
	workers     int
	pool        *ants.Pool
	middlewares []middleware.Middleware // applied in order
	handler     middleware.HandlerFunc  // middleware(middleware(...(dispatch)))
	upgrader    websocket.Upgrader

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[string]io.Closer

	wg       sync.WaitGroup // tracks in-flight requests for graceful shutdown
	running  atomic.Int64   // requests currently inside the middleware chain
	shutdown atomic.Bool    // set during shutdown to suppress Accept errors

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Option configures a Server.
type Option func(*Server)

// WithWorkers bounds the number of concurrently running handlers. Zero or
// less means unbounded.
func WithWorkers(n int) Option {
	return func(s *Server) { s.workers = n }
}

// WithCodec sets the frame codec, e.g. to impose a frame size ceiling.
func WithCodec(c *codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMiddleware registers middlewares ahead of any added with Use.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// NewServer creates a server over an immutable routing table.
func NewServer(router *Router, opts ...Option) (*Server, error) {
	if router == nil {
		return nil, errors.New("rpc: nil router")
	}
	s := &Server{
		router:    router,
		codec:     codec.Default,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[string]io.Closer),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.WithComponent("server")
	}

	pool, err := ants.NewPool(s.workers, ants.WithPanicHandler(func(p any) {
		s.log.Error().Interface("panic", p).Msg("worker panic recovered")
	}))
	if err != nil {
		return nil, fmt.Errorf("rpc: worker pool: %w", err)
	}
	s.pool = pool
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	return s, nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before serving starts.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
	// Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
}

// Serve listens on the given address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// ServeListener accepts connections from ln until Shutdown. It takes
// ownership of ln.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Strs("methods", s.router.Methods()).Msg("listening")

	// Accept loop: one goroutine per connection
	for {
		conn, err := ln.Accept()
		if err != nil {
			// listener.Close() during shutdown surfaces here
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		go s.handleConn(conn, conn.RemoteAddr().String())
	}
}

// ServeConn serves a single already-established byte stream and returns when
// it closes. Any reliable ordered stream works: TCP, pipes, WebSocket streams.
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	s.handleConn(conn, "")
}

// WebSocketHandler returns an http.Handler that upgrades each request to a
// WebSocket and serves it as a lucid-rpc stream.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shutdown.Load() {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		s.handleConn(transport.NewWebSocketStream(conn), r.RemoteAddr)
	})
}

// handleConn processes a single connection. Reads are sequential to keep frame
// boundaries intact; each well-formed request is executed on the worker pool.
//
// The per-connection write mutex is shared by every request of this
// connection so that concurrently finishing handlers never interleave frames.
func (s *Server) handleConn(conn io.ReadWriteCloser, remote string) {
	id := s.newConnID()
	log := s.log.With().Str("conn", id).Logger()
	if remote != "" {
		log = log.With().Str("remote", remote).Logger()
	}
	ctx := log.WithContext(context.Background())

	defer conn.Close()
	if !s.track(id, conn) {
		return
	}
	defer s.untrack(id)

	log.Debug().Msg("connection accepted")
	writeMu := &sync.Mutex{}

	for !s.shutdown.Load() {
		raw, err := s.codec.ReadMessage(conn)
		if err != nil {
			var syntax *codec.SyntaxError
			if errors.As(err, &syntax) {
				log.Warn().Err(err).Msg("bad request")
				s.write(conn, writeMu, &log, message.Fail(nil, message.NewError(message.CodeBadRequest,
					"Payload must be a JSON object", nil)))
				continue
			}
			if !errors.Is(err, io.EOF) && !s.shutdown.Load() {
				log.Debug().Err(err).Msg("connection read failed")
			}
			break
		}

		req, err := message.ParseRequest(raw)
		if errors.Is(err, message.ErrForeignKind) {
			continue // heartbeats and other kinds
		}
		if err != nil {
			var rpcErr *message.Error
			if !errors.As(err, &rpcErr) {
				rpcErr = message.NewError(message.CodeBadRequest, err.Error(), nil)
			}
			log.Warn().Str("reason", rpcErr.Message).Msg("bad request")
			s.write(conn, writeMu, &log, message.Fail(req.ID, rpcErr))
			continue
		}

		if !s.begin() {
			s.write(conn, writeMu, &log, message.Fail(req.ID, message.NewError(message.CodeInternal,
				"Server is shutting down", map[string]any{"method": req.Method})))
			continue
		}
		task := func() {
			defer s.wg.Done()
			s.running.Add(1)
			resp := s.handle(ctx, req)
			s.running.Add(-1)
			s.write(conn, writeMu, &log, resp)
		}
		if err := s.pool.Submit(task); err != nil {
			s.wg.Done()
			log.Error().Err(err).Str("method", req.Method).Msg("failed to schedule request")
			s.write(conn, writeMu, &log, message.Fail(req.ID, message.NewError(message.CodeInternal,
				err.Error(), map[string]any{"method": req.Method})))
			if errors.Is(err, ants.ErrPoolClosed) {
				break
			}
		}
	}
	log.Debug().Msg("connection closed")
}

// handle runs the middleware chain. A panic escaping a middleware becomes
// INTERNAL like any handler failure.
func (s *Server) handle(ctx context.Context, req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = internalError(req, fmt.Errorf("%v", r))
		}
	}()
	resp = s.handler(ctx, req)
	if resp == nil {
		resp = internalError(req, errors.New("no response"))
	}
	return resp
}

// dispatch is the innermost handler of the chain: route, spread params, call.
// It never lets a handler failure escape; panics and errors become INTERNAL
// with the method name in details.
func (s *Server) dispatch(ctx context.Context, req *message.Request) (resp *message.Response) {
	h, ok := s.router.Lookup(req.Method)
	if !ok {
		return message.Fail(req.ID, message.NewError(message.CodeMethodNotFound,
			"Method not found: "+req.Method, map[string]any{"method": req.Method}))
	}

	params, err := message.ParseParams(req.Params)
	if err != nil {
		return internalError(req, err)
	}

	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", r).Str("method", req.Method).Msg("handler panic recovered")
			resp = internalError(req, fmt.Errorf("%v", r))
		}
	}()

	result, err := h(ctx, params)
	if err != nil {
		return internalError(req, err)
	}
	resp, err = message.NewResult(req.ID, result)
	if err != nil {
		return internalError(req, fmt.Errorf("encode result: %w", err))
	}
	return resp
}

func internalError(req *message.Request, err error) *message.Response {
	return message.Fail(req.ID, message.NewError(message.CodeInternal, err.Error(),
		map[string]any{"method": req.Method}))
}

// write sends one response under the connection's write lock.
func (s *Server) write(conn io.Writer, writeMu *sync.Mutex, log *zerolog.Logger, resp *message.Response) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := s.codec.WriteMessage(conn, resp); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag (so Accept errors are recognized as intentional)
//  2. Close the listeners (stop accepting new connections)
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close remaining connections and release the worker pool
//
// Connection loops are not preempted; they observe the flag at their next
// iteration or when their connection is closed in step 4.
func (s *Server) Shutdown(timeout time.Duration) error {
	// Set the flag BEFORE closing listeners, or Serve reports a real error.
	// Holding mu orders it against begin, so no wg.Add races the Wait below.
	s.mu.Lock()
	s.shutdown.Store(true)
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("rpc: timeout waiting for ongoing requests to finish")
	}

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.pool.Release()

	s.log.Info().Err(err).Msg("server stopped")
	return err
}

// Running reports the number of requests currently being handled.
func (s *Server) Running() int {
	return int(s.running.Load())
}

// begin registers an in-flight request. It refuses once shutdown has begun.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// track registers a live connection so Shutdown can close it. It refuses once
// shutdown has begun.
func (s *Server) track(id string, c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[id] = c
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// newConnID returns a ULID used to correlate the log lines of one connection.
func (s *Server) newConnID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}
