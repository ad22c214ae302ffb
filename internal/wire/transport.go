package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteBufferSize = 1 << 20

// ErrTransportClosed is returned by writes after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport is one ordered, bidirectional message channel to the remote.
// ReadMessage is called from a single goroutine; WriteMessage may be called
// concurrently.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialOptions configures Dial.
type DialOptions struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// WebSocket is a Transport over a gorilla websocket connection.
type WebSocket struct {
	conn      *websocket.Conn
	url       string
	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*WebSocket)(nil)

// Dial connects to a websocket debugger URL.
func Dial(ctx context.Context, wsURL string, opts DialOptions) (*WebSocket, error) {
	timeout := opts.HandshakeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("connecting to WebSocket: %w", err)
	}
	return &WebSocket{
		conn:   conn,
		url:    wsURL,
		closed: make(chan struct{}),
	}, nil
}

// URL returns the websocket URL this transport is connected to.
func (w *WebSocket) URL() string {
	return w.url
}

// ReadMessage blocks until the next text or binary frame arrives.
func (w *WebSocket) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMessage sends one text frame.
func (w *WebSocket) WriteMessage(data []byte) error {
	select {
	case <-w.closed:
		return ErrTransportClosed
	default:
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame (best effort) and closes the socket.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		w.mu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		w.mu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// IsNormalClose reports whether err is the result of an orderly shutdown
// rather than a broken connection.
func IsNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// BrowserInfo is the payload of the /json/version endpoint.
type BrowserInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discover asks the browser's HTTP endpoint for its websocket debugger URL.
func Discover(ctx context.Context, host string, port int) (*BrowserInfo, error) {
	jsonURL := fmt.Sprintf("http://%s/json/version", net.JoinHostPort(host, strconv.Itoa(port)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jsonURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status from %s: %s", jsonURL, resp.Status)
	}

	var info BrowserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding version response: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("no WebSocket URL in response")
	}

	return &info, nil
}
