// Package transport implements the client-side correlation engine.
//
// ClientTransport runs many concurrent calls over one byte stream. Each request
// gets a fresh id and a single-slot delivery channel; a background goroutine
// (recvLoop) reads responses and routes each one to the channel registered
// under its id.
//
//	goroutine-1 ──Submit(id=1)──┐
//	goroutine-2 ──Submit(id=2)──┼──→ single stream ──→ Server
//	goroutine-3 ──Submit(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] ← response → Await(2) wakes up
//
// Responses may arrive in any order. When the stream dies, every request still
// pending is resolved with a synthetic connection-level error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lucid-rpc/codec"
	"lucid-rpc/logger"
	"lucid-rpc/message"
)

var (
	// ErrUnknownRequest is returned by Await for an id that was never issued,
	// was already consumed, or is being awaited by another caller.
	ErrUnknownRequest = errors.New("transport: unknown request id")
	// ErrTimeout is returned by Await when no response arrived in time.
	ErrTimeout = errors.New("transport: request timed out")
	// ErrProtocolViolation is returned when a response breaks the ok/result/error contract.
	ErrProtocolViolation = message.ErrProtocolViolation
)

// slot is the single-slot delivery channel of one outstanding request.
type slot struct {
	ch      chan *message.RawResponse // buffered, capacity 1
	claimed bool                      // an Await is waiting on ch
}

// ClientTransport manages one multiplexed connection.
type ClientTransport struct {
	conn      io.ReadWriteCloser
	codec     *codec.Codec
	log       *zerolog.Logger
	timeout   time.Duration // default for Call when meta has no hint
	heartbeat time.Duration

	mu      sync.Mutex       // guards seq, pending and dead
	seq     uint64           // last issued id, strictly increasing
	pending map[uint64]*slot // outstanding id → delivery slot
	dead    *message.Error   // terminal error once the connection is gone

	sending sync.Mutex // write lock, distinct from mu

	done      chan struct{} // closed when recvLoop exits
	closeOnce sync.Once
	closeErr  error
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithCodec sets the frame codec, e.g. to impose a frame size ceiling.
func WithCodec(c *codec.Codec) Option {
	return func(t *ClientTransport) { t.codec = c }
}

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(t *ClientTransport) { t.log = l }
}

// WithCallTimeout sets the timeout Call uses when meta carries no timeout_ms.
// Zero means wait forever.
func WithCallTimeout(d time.Duration) Option {
	return func(t *ClientTransport) { t.timeout = d }
}

// WithHeartbeat sends a {"type":"heartbeat"} frame every interval. Peers skip
// it as a foreign message kind; it only keeps idle connections warm.
func WithHeartbeat(interval time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = interval }
}

// NewClientTransport takes ownership of conn and starts the background reader.
func NewClientTransport(conn io.ReadWriteCloser, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		codec:   codec.Default,
		pending: make(map[uint64]*slot),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logger.WithComponent("transport")
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Dial connects to a lucid-rpc server and returns a transport for it.
func Dial(ctx context.Context, network, address string, opts ...Option) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, opts...), nil
}

// Submit sends a request and returns its id without waiting for the response.
//
// The delivery slot is registered before the frame is written, so a response
// can never arrive ahead of its waiter.
func (t *ClientTransport) Submit(method string, params any, meta message.Meta) (uint64, error) {
	t.mu.Lock()
	if t.dead != nil {
		err := t.dead
		t.mu.Unlock()
		return 0, err
	}
	t.seq++
	id := t.seq
	t.pending[id] = &slot{ch: make(chan *message.RawResponse, 1)}
	t.mu.Unlock()

	req, err := message.NewRequest(id, method, params, meta)
	if err != nil {
		t.forget(id)
		return 0, err
	}

	t.sending.Lock()
	err = t.codec.WriteMessage(t.conn, req)
	t.sending.Unlock()
	if err != nil {
		t.forget(id)
		return 0, fmt.Errorf("transport: send %s: %w", method, err)
	}
	return id, nil
}

// Await blocks until the response for id arrives, timeout elapses, or ctx is
// done. A zero timeout waits without bound.
//
// Each id resolves at most once: the entry is removed however Await returns,
// and a response arriving after a timeout is discarded.
func (t *ClientTransport) Await(ctx context.Context, id uint64, timeout time.Duration) (json.RawMessage, error) {
	return t.await(ctx, id, timeout, timeout > 0)
}

// AwaitWithin is Await with a timeout that is always enforced. A timeout of
// zero or less fails with ErrTimeout at once unless the response is already
// buffered.
func (t *ClientTransport) AwaitWithin(ctx context.Context, id uint64, timeout time.Duration) (json.RawMessage, error) {
	return t.await(ctx, id, timeout, true)
}

func (t *ClientTransport) await(ctx context.Context, id uint64, timeout time.Duration, bounded bool) (json.RawMessage, error) {
	t.mu.Lock()
	s, ok := t.pending[id]
	if !ok || s.claimed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}
	s.claimed = true
	t.mu.Unlock()

	var expired <-chan time.Time
	if bounded {
		if timeout <= 0 {
			defer t.forget(id)
			select {
			case resp := <-s.ch:
				return resp.Resolve()
			default:
				return nil, fmt.Errorf("%w (id=%d)", ErrTimeout, id)
			}
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case resp := <-s.ch:
		t.forget(id)
		return resp.Resolve()
	case <-expired:
		t.forget(id)
		return nil, fmt.Errorf("%w (id=%d)", ErrTimeout, id)
	case <-ctx.Done():
		t.forget(id)
		return nil, ctx.Err()
	}
}

// Call submits a request and waits for its result. The timeout is taken from
// meta's timeout_ms when present, otherwise from WithCallTimeout. A hint of
// zero or less expires at once.
func (t *ClientTransport) Call(ctx context.Context, method string, params any, meta message.Meta) (json.RawMessage, error) {
	id, err := t.Submit(method, params, meta)
	if err != nil {
		return nil, err
	}
	if hint, ok := meta.TimeoutHint(); ok {
		return t.AwaitWithin(ctx, id, hint)
	}
	return t.Await(ctx, id, t.timeout)
}

// Close closes the connection. Requests still pending resolve with
// CONNECTION_CLOSED. Close waits for the background reader to exit.
func (t *ClientTransport) Close() error {
	t.closeOnce.Do(func() {
		t.terminate(message.NewError(message.CodeConnectionClosed, "Connection closed", nil))
		t.closeErr = t.conn.Close()
		<-t.done
	})
	return t.closeErr
}

// Err returns the terminal error once the connection is gone, nil while alive.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead == nil {
		return nil
	}
	return t.dead
}

// Pending returns the number of requests not yet consumed by Await.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Done is closed when the background reader has exited.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// recvLoop is the only reader of the connection. Reads must be sequential to
// keep frame boundaries intact.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	for {
		raw, err := t.codec.ReadMessage(t.conn)
		if err != nil {
			if t.terminate(message.NewError(message.CodeConnectionError,
				"Connection dropped while waiting for response",
				map[string]any{"cause": err.Error()})) {
				t.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}

		resp, err := message.DecodeResponse(raw)
		if err != nil {
			t.log.Debug().Err(err).Msg("discarding non-object message")
			continue
		}
		// Forward-compatible skip of other message kinds
		if !resp.IsKind(message.TypeResponse) {
			continue
		}
		t.deliver(resp)
	}
}

// deliver routes resp to its waiter. Stale, unknown and duplicate ids are dropped.
func (t *ClientTransport) deliver(resp *message.RawResponse) {
	id, err := strconv.ParseUint(string(bytes.TrimSpace(resp.ID)), 10, 64)
	if err != nil {
		t.log.Debug().RawJSON("id", nonEmpty(resp.ID)).Msg("discarding response without request id")
		return
	}

	t.mu.Lock()
	s := t.pending[id]
	t.mu.Unlock()
	if s == nil {
		t.log.Debug().Uint64("id", id).Msg("discarding stale response")
		return
	}

	select {
	case s.ch <- resp:
	default:
		t.log.Debug().Uint64("id", id).Msg("discarding duplicate response")
	}
}

// terminate marks the connection dead and hands every pending slot a synthetic
// error. Only the first call has an effect; it reports whether it was first.
//
// Entries stay registered so a later Await still finds its slot and observes
// the error.
func (t *ClientTransport) terminate(e *message.Error) bool {
	t.mu.Lock()
	if t.dead != nil {
		t.mu.Unlock()
		return false
	}
	t.dead = e
	slots := make([]*slot, 0, len(t.pending))
	for _, s := range t.pending {
		slots = append(slots, s)
	}
	t.mu.Unlock()

	for _, s := range slots {
		select {
		case s.ch <- message.Synthetic(e.Code, e.Message, e.Details):
		default: // a real response got there first
		}
	}
	return true
}

func (t *ClientTransport) forget(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// heartbeatLoop writes heartbeat frames until the connection dies.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	beat := map[string]string{"type": "heartbeat"}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// Heartbeat writes also need the sending lock to avoid frame interleaving
			t.sending.Lock()
			err := t.codec.WriteMessage(t.conn, beat)
			t.sending.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func nonEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
