package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"lucid-rpc/codec"
	"lucid-rpc/message"
)

// fakePeer is a scripted server on the far end of a net.Pipe.
type fakePeer struct {
	conn     net.Conn
	requests chan *message.Request
	writeMu  sync.Mutex
}

func newPipeTransport(t *testing.T, opts ...Option) (*ClientTransport, *fakePeer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	ct := NewClientTransport(clientConn, opts...)
	peer := &fakePeer{conn: serverConn, requests: make(chan *message.Request, 128)}
	go peer.readLoop()
	t.Cleanup(func() {
		ct.Close()
		serverConn.Close()
	})
	return ct, peer
}

func (p *fakePeer) readLoop() {
	defer close(p.requests)
	for {
		raw, err := codec.Default.ReadMessage(p.conn)
		if err != nil {
			return
		}
		req, err := message.ParseRequest(raw)
		if err != nil {
			continue
		}
		p.requests <- req
	}
}

func (p *fakePeer) next(t *testing.T) *message.Request {
	t.Helper()
	select {
	case req, ok := <-p.requests:
		if !ok {
			t.Fatal("peer connection closed")
		}
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
	return nil
}

func (p *fakePeer) send(t *testing.T, v any) {
	t.Helper()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := codec.Default.WriteMessage(p.conn, v); err != nil {
		t.Errorf("peer write failed: %v", err)
	}
}

func (p *fakePeer) reply(t *testing.T, req *message.Request, result any) {
	t.Helper()
	resp, err := message.NewResult(req.ID, result)
	if err != nil {
		t.Fatal(err)
	}
	p.send(t, resp)
}

func TestSubmitSendsIDAndMeta(t *testing.T) {
	ct, peer := newPipeTransport(t)

	id, err := ct.Submit("add", []int{2, 3}, message.Meta{"timeout_ms": 250, "idempotent": true})
	if err != nil {
		t.Fatal(err)
	}

	sent := peer.next(t)
	if string(sent.ID) != "1" || id != 1 {
		t.Fatalf("expect first id 1, got submit=%d wire=%s", id, sent.ID)
	}
	if sent.Method != "add" || string(sent.Params) != "[2,3]" {
		t.Fatalf("unexpected request %+v", sent)
	}
	if d, _ := sent.Meta.TimeoutHint(); d != 250*time.Millisecond || !sent.Meta.Idempotent() {
		t.Fatalf("meta not forwarded: %v", sent.Meta)
	}

	peer.reply(t, sent, 5)
	result, err := ct.Await(context.Background(), id, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != "5" {
		t.Fatalf("expect 5, got %s", result)
	}
}

func TestIDsStrictlyIncrease(t *testing.T) {
	ct, peer := newPipeTransport(t)

	var last uint64
	for i := 0; i < 5; i++ {
		id, err := ct.Submit("noop", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		peer.next(t)
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	ct, peer := newPipeTransport(t)

	idA, err := ct.Submit("add", []int{1, 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := ct.Submit("add", []int{10, 20}, nil)
	if err != nil {
		t.Fatal(err)
	}
	reqA, reqB := peer.next(t), peer.next(t)

	// B completes before A
	peer.reply(t, reqB, 30)
	peer.reply(t, reqA, 3)

	a, err := ct.Await(context.Background(), idA, time.Second)
	if err != nil || string(a) != "3" {
		t.Fatalf("A: expect 3, got %s (%v)", a, err)
	}
	b, err := ct.Await(context.Background(), idB, time.Second)
	if err != nil || string(b) != "30" {
		t.Fatalf("B: expect 30, got %s (%v)", b, err)
	}
}

func TestStructuredError(t *testing.T) {
	ct, peer := newPipeTransport(t)

	id, err := ct.Submit("divide", []int{1, 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := peer.next(t)
	peer.send(t, message.Fail(req.ID, message.NewError(message.CodeInternal, "Division by zero",
		map[string]any{"method": "divide"})))

	_, err = ct.Await(context.Background(), id, time.Second)
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expect *message.Error, got %v", err)
	}
	if rpcErr.Code != message.CodeInternal || rpcErr.Message != "Division by zero" {
		t.Fatalf("unexpected error %+v", rpcErr)
	}
	if rpcErr.Details["method"] != "divide" {
		t.Fatalf("expect details.method=divide, got %v", rpcErr.Details)
	}
}

func TestAwaitAtMostOnce(t *testing.T) {
	ct, peer := newPipeTransport(t)

	if _, err := ct.Await(context.Background(), 42, 0); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("never issued id: expect ErrUnknownRequest, got %v", err)
	}

	id, _ := ct.Submit("add", []int{1, 1}, nil)
	peer.reply(t, peer.next(t), 2)

	if _, err := ct.Await(context.Background(), id, time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := ct.Await(context.Background(), id, time.Second); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("second await: expect ErrUnknownRequest, got %v", err)
	}
	if n := ct.Pending(); n != 0 {
		t.Fatalf("expect empty pending set, got %d", n)
	}
}

func TestConcurrentAwaitSameID(t *testing.T) {
	ct, peer := newPipeTransport(t)

	id, _ := ct.Submit("slow", nil, nil)
	req := peer.next(t)

	first := make(chan error, 1)
	go func() {
		_, err := ct.Await(context.Background(), id, time.Second)
		first <- err
	}()

	// Wait until the first Await has claimed the slot
	deadline := time.Now().Add(time.Second)
	for !claimed(ct, id) {
		if time.Now().After(deadline) {
			t.Fatal("first Await never claimed the slot")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := ct.Await(context.Background(), id, time.Second); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("concurrent Await: expect ErrUnknownRequest, got %v", err)
	}

	peer.reply(t, req, "done")
	if err := <-first; err != nil {
		t.Fatalf("first waiter should get the response, got %v", err)
	}
}

func claimed(ct *ClientTransport, id uint64) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	s, ok := ct.pending[id]
	return ok && s.claimed
}

func TestAwaitTimeoutDiscardsLateResponse(t *testing.T) {
	ct, peer := newPipeTransport(t)

	id, _ := ct.Submit("slow", nil, nil)
	req := peer.next(t)

	start := time.Now()
	_, err := ct.Await(context.Background(), id, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}

	// The late response finds no waiter and is dropped
	peer.reply(t, req, "late")
	if _, err := ct.Await(context.Background(), id, 10*time.Millisecond); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expect ErrUnknownRequest after timeout, got %v", err)
	}

	// The connection is still healthy
	id2, _ := ct.Submit("add", []int{2, 3}, nil)
	peer.reply(t, peer.next(t), 5)
	result, err := ct.Await(context.Background(), id2, time.Second)
	if err != nil || string(result) != "5" {
		t.Fatalf("expect 5 after late discard, got %s (%v)", result, err)
	}
}

func TestAwaitContextCancel(t *testing.T) {
	ct, peer := newPipeTransport(t)

	id, _ := ct.Submit("slow", nil, nil)
	peer.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ct.Await(ctx, id, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
	if ct.Pending() != 0 {
		t.Fatalf("cancelled request should leave the pending set")
	}
}

func TestCallUsesTimeoutHint(t *testing.T) {
	ct, _ := newPipeTransport(t, WithCallTimeout(time.Hour))

	start := time.Now()
	_, err := ct.Call(context.Background(), "never", nil, message.Meta{"timeout_ms": 30})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout hint was not honoured")
	}
}

func TestCallNonPositiveTimeoutHint(t *testing.T) {
	for _, hint := range []any{0, -5, float64(0), json.Number("-1")} {
		ct, peer := newPipeTransport(t)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		start := time.Now()
		_, err := ct.Call(ctx, "never", nil, message.Meta{"timeout_ms": hint})
		cancel()
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("hint %v: expect ErrTimeout, got %v", hint, err)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Fatalf("hint %v: expected to expire at once", hint)
		}
		if ct.Pending() != 0 {
			t.Fatalf("hint %v: expired request should leave the pending set", hint)
		}
		peer.next(t)
	}
}

func TestAwaitWithinPrefersBufferedResponse(t *testing.T) {
	ct, peer := newPipeTransport(t)

	id, err := ct.Submit("add", []int{1, 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	peer.reply(t, peer.next(t), 3)
	for i := 0; !buffered(ct, id); i++ {
		if i > 200 {
			t.Fatal("response never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	result, err := ct.AwaitWithin(context.Background(), id, 0)
	if err != nil || string(result) != "3" {
		t.Fatalf("expect buffered result 3, got %s (%v)", result, err)
	}
}

// buffered reports whether the response for id is waiting in its slot.
func buffered(ct *ClientTransport, id uint64) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	s, ok := ct.pending[id]
	return ok && len(s.ch) == 1
}

func TestCloseDrainsPending(t *testing.T) {
	ct, peer := newPipeTransport(t)

	ids := make([]uint64, 3)
	for i := range ids {
		id, err := ct.Submit("slow", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		peer.next(t)
		ids[i] = id
	}

	if err := ct.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, id := range ids {
		_, err := ct.Await(context.Background(), id, time.Second)
		if code := message.CodeOf(err); code != message.CodeConnectionClosed {
			t.Fatalf("id %d: expect CONNECTION_CLOSED, got %v", id, err)
		}
	}

	if _, err := ct.Submit("add", nil, nil); message.CodeOf(err) != message.CodeConnectionClosed {
		t.Fatalf("submit after close: expect CONNECTION_CLOSED, got %v", err)
	}
	if message.CodeOf(ct.Err()) != message.CodeConnectionClosed {
		t.Fatalf("Err(): expect CONNECTION_CLOSED, got %v", ct.Err())
	}
}

func TestConnectionLossDrainsPending(t *testing.T) {
	ct, peer := newPipeTransport(t)

	waiting := make(chan error, 2)
	for i := 0; i < 2; i++ {
		id, err := ct.Submit("slow", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		peer.next(t)
		go func(id uint64) {
			_, err := ct.Await(context.Background(), id, 0)
			waiting <- err
		}(id)
	}

	peer.conn.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-waiting:
			var rpcErr *message.Error
			if !errors.As(err, &rpcErr) || rpcErr.Code != message.CodeConnectionError {
				t.Fatalf("expect CONNECTION_ERROR, got %v", err)
			}
			if _, ok := rpcErr.Details["cause"]; !ok {
				t.Fatalf("expect cause in details, got %v", rpcErr.Details)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter hung after connection loss")
		}
	}
}

func TestMalformedPayloadKillsConnection(t *testing.T) {
	ct, peer := newPipeTransport(t)

	id, _ := ct.Submit("add", []int{1, 2}, nil)
	peer.next(t)

	peer.writeMu.Lock()
	peer.conn.Write([]byte{0, 0, 0, 3, '{', '{', '{'})
	peer.writeMu.Unlock()

	_, err := ct.Await(context.Background(), id, 2*time.Second)
	if message.CodeOf(err) != message.CodeConnectionError {
		t.Fatalf("expect CONNECTION_ERROR, got %v", err)
	}
}

func TestUnsolicitedMessagesIgnored(t *testing.T) {
	ct, peer := newPipeTransport(t)

	id, _ := ct.Submit("add", []int{2, 3}, nil)
	req := peer.next(t)

	peer.send(t, map[string]any{"type": "event", "id": 1, "payload": "hi"})
	peer.send(t, map[string]any{"type": "response", "id": 999, "ok": true, "result": 1, "error": nil})
	peer.send(t, map[string]any{"type": "response", "id": nil, "ok": false, "result": nil,
		"error": map[string]any{"code": "BAD_REQUEST", "message": "x", "details": map[string]any{}}})
	peer.send(t, map[string]any{"type": "response", "id": "abc", "ok": true, "result": 1})
	peer.send(t, []int{1, 2, 3})
	peer.reply(t, req, 5)

	result, err := ct.Await(context.Background(), id, time.Second)
	if err != nil || string(result) != "5" {
		t.Fatalf("expect 5, got %s (%v)", result, err)
	}
	if ct.Err() != nil {
		t.Fatalf("connection should still be alive, got %v", ct.Err())
	}
}

func TestProtocolViolation(t *testing.T) {
	ct, peer := newPipeTransport(t)

	id, _ := ct.Submit("add", []int{2, 3}, nil)
	req := peer.next(t)
	peer.send(t, map[string]any{
		"type": "response", "id": json.RawMessage(req.ID), "ok": true, "result": 5,
		"error": map[string]any{"code": "INTERNAL", "message": "both"},
	})

	_, err := ct.Await(context.Background(), id, time.Second)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expect ErrProtocolViolation, got %v", err)
	}
}

func TestConcurrentCalls(t *testing.T) {
	ct, peer := newPipeTransport(t)

	// Echo server that completes requests in random order
	go func() {
		for req := range peer.requests {
			go func(req *message.Request) {
				time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
				var n int
				json.Unmarshal(req.Params, &n)
				resp, _ := message.NewResult(req.ID, n*2)
				peer.writeMu.Lock()
				codec.Default.WriteMessage(peer.conn, resp)
				peer.writeMu.Unlock()
			}(req)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := ct.Call(context.Background(), "double", n, message.Meta{"timeout_ms": 2000})
			if err != nil {
				t.Errorf("call %d failed: %v", n, err)
				return
			}
			var got int
			if err := json.Unmarshal(result, &got); err != nil || got != n*2 {
				t.Errorf("expect %d, got %s", n*2, result)
			}
		}(i)
	}
	wg.Wait()
}

func TestHeartbeatIsSkippableFrame(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ct := NewClientTransport(clientConn, WithHeartbeat(10*time.Millisecond))
	t.Cleanup(func() {
		ct.Close()
		serverConn.Close()
	})

	raw, err := codec.Default.ReadMessage(serverConn)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := message.ParseRequest(raw); !errors.Is(err, message.ErrForeignKind) {
		t.Fatalf("heartbeat should parse as a foreign kind, got %v (%s)", err, raw)
	}
}
