package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/bidicap/internal/wire"
)

const fakeBrowserPath = "/devtools/browser/fake"

// HandlerFunc answers one command received by the FakeBrowser. It may reply,
// fail, emit events, or do nothing to leave the command unanswered.
type HandlerFunc func(p *Peer, msg *wire.Message)

// FakeBrowser is an in-process stand-in for a browser's debugging endpoint.
// It serves /json/version and a websocket that speaks the protocol envelope.
//
// Unhandled commands get an empty result. A handful of Browser and Target
// commands are answered with a single page target and session "S1".
type FakeBrowser struct {
	t      testing.TB
	Server *httptest.Server

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	received []*wire.Message
	peers    []*Peer
	notify   chan struct{}
}

// Peer is the server side of one websocket connection.
type Peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewFakeBrowser starts a fake browser that is shut down with the test.
func NewFakeBrowser(t testing.TB) *FakeBrowser {
	t.Helper()

	fb := &FakeBrowser{
		t:        t,
		handlers: make(map[string]HandlerFunc),
		notify:   make(chan struct{}, 1),
	}
	fb.installDefaults()

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", fb.handleVersion)
	mux.HandleFunc(fakeBrowserPath, fb.handleWebSocket)
	fb.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		fb.DropConnections()
		fb.Server.Close()
	})

	return fb
}

// WSURL returns the websocket URL of the fake browser.
func (fb *FakeBrowser) WSURL() string {
	u, err := url.Parse(fb.Server.URL)
	require.NoError(fb.t, err)
	return "ws://" + u.Host + fakeBrowserPath
}

// HostPort returns the host and port the HTTP endpoint listens on.
func (fb *FakeBrowser) HostPort() (string, int) {
	u, err := url.Parse(fb.Server.URL)
	require.NoError(fb.t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(fb.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(fb.t, err)
	return host, port
}

// Handle registers fn for method, replacing any previous handler.
func (fb *FakeBrowser) Handle(method string, fn HandlerFunc) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.handlers[method] = fn
}

// Silence makes the fake browser never answer method.
func (fb *FakeBrowser) Silence(method string) {
	fb.Handle(method, func(*Peer, *wire.Message) {})
}

// Result makes the fake browser answer method with a fixed result.
func (fb *FakeBrowser) Result(method string, result any) {
	fb.Handle(method, func(p *Peer, msg *wire.Message) {
		p.Reply(msg, result)
	})
}

// Received returns the methods of every command received so far, in order.
func (fb *FakeBrowser) Received() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	methods := make([]string, 0, len(fb.received))
	for _, m := range fb.received {
		methods = append(methods, m.Method)
	}
	return methods
}

// Commands returns every command received for method.
func (fb *FakeBrowser) Commands(method string) []*wire.Message {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []*wire.Message
	for _, m := range fb.received {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// Emit sends an event to every connected peer.
func (fb *FakeBrowser) Emit(sessionID, method string, params any) {
	fb.mu.Lock()
	peers := append([]*Peer(nil), fb.peers...)
	fb.mu.Unlock()
	for _, p := range peers {
		p.Emit(sessionID, method, params)
	}
}

// WaitConnected blocks until at least one peer is connected.
func (fb *FakeBrowser) WaitConnected() {
	for {
		fb.mu.Lock()
		n := len(fb.peers)
		fb.mu.Unlock()
		if n > 0 {
			return
		}
		<-fb.notify
	}
}

// DropConnections closes every websocket abruptly.
func (fb *FakeBrowser) DropConnections() {
	fb.mu.Lock()
	peers := fb.peers
	fb.peers = nil
	fb.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}

// Reply answers msg with result.
func (p *Peer) Reply(msg *wire.Message, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	p.write(&wire.Message{ID: msg.ID, SessionID: msg.SessionID, Result: data})
}

// Fail answers msg with a protocol error.
func (p *Peer) Fail(msg *wire.Message, code int64, message string) {
	p.write(&wire.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Error:     &wire.RemoteError{Code: code, Message: message},
	})
}

// Emit sends an event on this connection.
func (p *Peer) Emit(sessionID, method string, params any) {
	data, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	p.write(&wire.Message{SessionID: sessionID, Method: method, Params: data})
}

// Raw writes a raw frame.
func (p *Peer) Raw(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Peer) write(m *wire.Message) {
	data, err := wire.Encode(m)
	if err != nil {
		panic(err)
	}
	p.Raw(data)
}

func (fb *FakeBrowser) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wire.BrowserInfo{
		Browser:              "FakeChrome/1.0",
		ProtocolVersion:      "1.3",
		UserAgent:            "fake",
		V8Version:            "0.0",
		WebSocketDebuggerURL: "ws://" + r.Host + fakeBrowserPath,
	})
}

func (fb *FakeBrowser) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := &Peer{conn: conn}

	fb.mu.Lock()
	fb.peers = append(fb.peers, peer)
	fb.mu.Unlock()
	select {
	case fb.notify <- struct{}{}:
	default:
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}

		fb.mu.Lock()
		fb.received = append(fb.received, msg)
		handler, ok := fb.handlers[msg.Method]
		fb.mu.Unlock()

		if !ok {
			peer.Reply(msg, struct{}{})
			continue
		}
		handler(peer, msg)
	}
}

func (fb *FakeBrowser) installDefaults() {
	fb.handlers["Browser.getVersion"] = func(p *Peer, msg *wire.Message) {
		p.Reply(msg, map[string]string{
			"product":         "FakeChrome/1.0",
			"protocolVersion": "1.3",
			"userAgent":       "fake",
			"jsVersion":       "0.0",
		})
	}
	fb.handlers["Target.getTargets"] = func(p *Peer, msg *wire.Message) {
		p.Reply(msg, map[string]any{
			"targetInfos": []map[string]string{
				{"targetId": "T1", "type": "page", "title": "Fake", "url": "about:blank"},
				{"targetId": "W1", "type": "service_worker", "title": "", "url": "https://example.com/sw.js"},
			},
		})
	}
	fb.handlers["Target.attachToTarget"] = func(p *Peer, msg *wire.Message) {
		p.Reply(msg, map[string]string{"sessionId": "S1"})
	}
	fb.handlers["Target.createTarget"] = func(p *Peer, msg *wire.Message) {
		p.Reply(msg, map[string]string{"targetId": "T2"})
	}
}
