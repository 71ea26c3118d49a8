package client

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"paramsync/backend/internal/protocol"
)

// Transport 一条已建立的连接。
// Send 由客户端串行调用且不能无限阻塞；Recv 只在读 goroutine 中调用。
type Transport interface {
	Send(msg protocol.ClientMessage) error
	Recv() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// Clock 计时器来源，测试里替换为手动推进的时钟
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// WebSocketDialer 基于 gorilla/websocket 的 Dialer
type WebSocketDialer struct {
	// 例如 ws://localhost:8000/api/v1/session/connect/abc123
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &wsTransport{conn: conn, writeTimeout: timeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) Send(msg protocol.ClientMessage) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Recv() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error { return t.conn.Close() }
