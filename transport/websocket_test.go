package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lucid-rpc/codec"
	"lucid-rpc/message"
)

// wsEchoServer answers every request with its params as the result.
func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stream := NewWebSocketStream(conn)
		defer stream.Close()
		for {
			raw, err := codec.Default.ReadMessage(stream)
			if err != nil {
				return
			}
			req, err := message.ParseRequest(raw)
			if err != nil {
				continue
			}
			resp, _ := message.NewResult(req.ID, req.Params)
			if err := codec.Default.WriteMessage(stream, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketCall(t *testing.T) {
	srv := wsEchoServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ct, err := DialWebSocket(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ct.Close()

	result, err := ct.Call(ctx, "echo", []string{"a", "b"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `["a","b"]` {
		t.Fatalf("expect echoed params, got %s", result)
	}
}

func TestWebSocketServerCloseDrains(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stream := NewWebSocketStream(conn)
		codec.Default.ReadMessage(stream)
		<-release
		stream.Close()
	}))
	defer srv.Close()

	ct, err := DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ct.Close()

	id, err := ct.Submit("hang", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	close(release)

	_, err = ct.Await(context.Background(), id, 2*time.Second)
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != message.CodeConnectionError {
		t.Fatalf("expect CONNECTION_ERROR, got %v", err)
	}
}

func TestWebSocketCloseWithStuckWriter(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// never read, so the client's socket buffers fill up
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ct, err := DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}

	big := strings.Repeat("x", 1<<20)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			if _, err := ct.Submit("fill", []string{big}, nil); err != nil {
				return
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		ct.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind a stuck writer")
	}

	select {
	case <-writerDone:
	case <-time.After(3 * time.Second):
		t.Fatal("stuck writer was not released by Close")
	}
}
