// Package bidi implements the command/event bridge to a remote browser:
// a dispatcher that correlates commands with responses and a router that
// fans events out to listeners, both multiplexed over one transport.
//
// A single goroutine reads the transport and handles messages strictly in
// arrival order. Responses wake the caller waiting on the matching
// correlation id; events are queued per subscription and never block
// the read loop.
package bidi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomyan/bidicap/internal/log"
	"github.com/tomyan/bidicap/internal/wire"
)

// DefaultCommandTimeout bounds every command unless overridden.
const DefaultCommandTimeout = 30 * time.Second

// Options configures a Conn.
type Options struct {
	// CommandTimeout bounds how long Send waits for a response.
	// Zero means DefaultCommandTimeout; negative disables the bound.
	CommandTimeout time.Duration
	Logger         *log.Logger
}

// Conn is one logical session with the remote: a Command Dispatcher and an
// Event Router sharing a transport.
type Conn struct {
	transport wire.Transport
	timeout   time.Duration
	log       *log.Logger

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *wire.Message
	closed    bool

	router *router

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closeErr  error
}

// New starts the read loop on transport and returns the connection.
func New(transport wire.Transport, opts Options) *Conn {
	timeout := opts.CommandTimeout
	if timeout == 0 {
		timeout = DefaultCommandTimeout
	}

	c := &Conn{
		transport: transport,
		timeout:   timeout,
		log:       opts.Logger,
		pending:   make(map[int64]chan *wire.Message),
		router:    newRouter(opts.Logger),
		done:      make(chan struct{}),
	}

	go c.readLoop()

	return c
}

// Dial connects to a websocket debugger URL and starts a Conn on it.
func Dial(ctx context.Context, wsURL string, opts Options) (*Conn, error) {
	ws, err := wire.Dial(ctx, wsURL, wire.DialOptions{})
	if err != nil {
		return nil, err
	}
	return New(ws, opts), nil
}

type timeoutKey struct{}

// WithTimeout overrides the command bound for sends made with ctx.
func WithTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, timeoutKey{}, d)
}

func (c *Conn) timeoutFor(ctx context.Context) time.Duration {
	if d, ok := ctx.Value(timeoutKey{}).(time.Duration); ok {
		return d
	}
	return c.timeout
}

// Send issues a browser-level command and waits for its response.
func (c *Conn) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.SendSession(ctx, "", method, params)
}

// SendSession issues a command scoped to an attached target session and
// waits for its response. It fails with *TimeoutError when the bound
// elapses, *ProtocolError when the remote reports an error, and
// ErrSessionClosed when the connection goes away first. The command is sent
// exactly once; retrying is the caller's decision.
func (c *Conn) SendSession(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	msg, err := wire.NewCommand(id, sessionID, method, params)
	if err != nil {
		return nil, err
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *wire.Message, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		metricCommands.WithLabelValues(outcomeClosed).Inc()
		return nil, fmt.Errorf("%s: %w", method, ErrSessionClosed)
	}
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer c.release(id)

	metricInFlight.Inc()
	defer metricInFlight.Dec()

	c.log.Debugf("wire:send", "-> %s", data)
	start := time.Now()
	if err := c.transport.WriteMessage(data); err != nil {
		select {
		case <-c.done:
			metricCommands.WithLabelValues(outcomeClosed).Inc()
			return nil, fmt.Errorf("%s: %w", method, ErrSessionClosed)
		default:
		}
		metricCommands.WithLabelValues(outcomeSend).Inc()
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	var expired <-chan time.Time
	bound := c.timeoutFor(ctx)
	if bound > 0 {
		timer := time.NewTimer(bound)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case resp := <-respCh:
		metricCommandDuration.Observe(time.Since(start).Seconds())
		if resp.Error != nil {
			metricCommands.WithLabelValues(outcomeProtocol).Inc()
			return nil, &ProtocolError{
				Method:  method,
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Data:    resp.Error.Data,
			}
		}
		metricCommands.WithLabelValues(outcomeOK).Inc()
		return resp.Result, nil
	case <-c.done:
		metricCommands.WithLabelValues(outcomeClosed).Inc()
		return nil, fmt.Errorf("%s: %w", method, ErrSessionClosed)
	case <-ctx.Done():
		metricCommands.WithLabelValues(outcomeCanceled).Inc()
		return nil, ctx.Err()
	case <-expired:
		metricCommands.WithLabelValues(outcomeTimeout).Inc()
		return nil, &TimeoutError{Method: method, ID: id, After: bound}
	}
}

func (c *Conn) release(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Pending reports how many commands are awaiting a response.
func (c *Conn) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Subscribe registers listener for every event named name, from any session.
// AllEvents subscribes to everything.
func (c *Conn) Subscribe(name string, listener Listener) Subscription {
	return c.router.subscribe("", name, listener)
}

// SubscribeSession registers listener for events named name that belong to
// one attached target session.
func (c *Conn) SubscribeSession(sessionID, name string, listener Listener) Subscription {
	return c.router.subscribe(sessionID, name, listener)
}

// Unsubscribe removes a subscription and drops the events queued for it.
// It does not wait for a listener call already in progress, so it is safe
// to call from inside a listener; that call, or one that had already passed
// its final check, may still run to completion. No other delivery starts
// for the listener. It reports whether the subscription was still
// registered.
func (c *Conn) Unsubscribe(sub Subscription) bool {
	return c.router.unsubscribe(sub)
}

// Queued reports how many events are waiting for sub's listener.
func (c *Conn) Queued(sub Subscription) int {
	return c.router.pending(sub)
}

// Subscriptions reports how many subscriptions are registered.
func (c *Conn) Subscriptions() int {
	return c.router.count()
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error that tore the connection down, or nil
// after an orderly Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close fails every outstanding command with ErrSessionClosed, removes all
// listeners and closes the transport. It is safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return c.closeErr
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if cause != nil && !wire.IsNormalClose(cause) {
			c.errMu.Lock()
			c.err = cause
			c.errMu.Unlock()
			c.log.Warnf("bidi", "connection lost: %v", cause)
		}

		c.pendingMu.Lock()
		c.closed = true
		outstanding := len(c.pending)
		c.pendingMu.Unlock()

		close(c.done)
		c.router.closeAll()
		if err := c.transport.Close(); err != nil && !errors.Is(err, wire.ErrTransportClosed) {
			c.closeErr = err
		}
		c.log.Debugf("bidi", "closed with %d command(s) outstanding", outstanding)
	})
}

func (c *Conn) readLoop() {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		c.log.Debugf("wire:recv", "<- %s", data)

		msg, err := wire.Decode(data)
		if err != nil {
			c.log.Errorf("wire:recv", "ignoring message: %v", err)
			continue
		}

		switch msg.Kind() {
		case wire.KindResponse:
			c.resolve(msg)
		case wire.KindEvent:
			metricEventsReceived.Inc()
			c.router.dispatch(Event{
				Name:      msg.Method,
				SessionID: msg.SessionID,
				Payload:   msg.Params,
			})
		}
	}
}

// resolve hands a response to its waiting caller. The pending entry is
// removed here, so a correlation id resolves at most one command.
func (c *Conn) resolve(msg *wire.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debugf("wire:recv", "dropping response for unknown id %d", msg.ID)
		return
	}
	ch <- msg
}
