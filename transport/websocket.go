package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketStream adapts a WebSocket connection into the byte stream the
// protocol expects. Each Write becomes one binary message; Read concatenates
// incoming messages, so frame boundaries do not need to line up with
// WebSocket message boundaries.
type WebSocketStream struct {
	conn *websocket.Conn

	rmu sync.Mutex
	r   io.Reader // reader of the current incoming message

	wmu sync.Mutex
}

// NewWebSocketStream wraps conn. The stream owns conn from now on.
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

func (s *WebSocketStream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if s.r == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *WebSocketStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the underlying connection. It must not
// take wmu, so it can unblock a Write stuck on a peer that stopped reading.
func (s *WebSocketStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// DialWebSocket connects to a lucid-rpc WebSocket endpoint (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, header http.Header, opts ...Option) (*ClientTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(NewWebSocketStream(conn), opts...), nil
}
