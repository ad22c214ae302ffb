// Package session is the facade over a bidi connection: browser-level
// target management, and per-target sessions for navigation, element
// lookup, script evaluation and event subscriptions.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"

	"github.com/tomyan/bidicap/internal/bidi"
	"github.com/tomyan/bidicap/internal/log"
	"github.com/tomyan/bidicap/internal/wire"
)

// DefaultLoadTimeout bounds how long Navigate waits for the load event.
const DefaultLoadTimeout = 30 * time.Second

// Options configures Connect.
type Options struct {
	Host string
	Port int
	// WSURL skips discovery and dials the debugger URL directly.
	WSURL          string
	CommandTimeout time.Duration
	LoadTimeout    time.Duration
	Logger         *log.Logger
}

// Browser is a connection to a browser and the sessions attached through it.
type Browser struct {
	conn        *bidi.Conn
	exec        executor
	log         *log.Logger
	loadTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// Connect discovers the browser's debugger URL (unless opts.WSURL is set)
// and opens a connection to it.
func Connect(ctx context.Context, opts Options) (*Browser, error) {
	wsURL := opts.WSURL
	if wsURL == "" {
		info, err := wire.Discover(ctx, opts.Host, opts.Port)
		if err != nil {
			return nil, err
		}
		wsURL = info.WebSocketDebuggerURL
	}

	conn, err := bidi.Dial(ctx, wsURL, bidi.Options{
		CommandTimeout: opts.CommandTimeout,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	opts.Logger.Debugf("session", "connected to %s", wsURL)

	return NewBrowser(conn, opts), nil
}

// NewBrowser wraps an established connection.
func NewBrowser(conn *bidi.Conn, opts Options) *Browser {
	loadTimeout := opts.LoadTimeout
	if loadTimeout == 0 {
		loadTimeout = DefaultLoadTimeout
	}
	return &Browser{
		conn:        conn,
		exec:        executor{conn: conn},
		log:         opts.Logger,
		loadTimeout: loadTimeout,
		sessions:    make(map[string]*Session),
	}
}

// Conn returns the underlying connection.
func (b *Browser) Conn() *bidi.Conn {
	return b.conn
}

// Version returns the browser version information.
func (b *Browser) Version(ctx context.Context) (*VersionInfo, error) {
	protocol, product, revision, userAgent, jsVersion, err := browser.GetVersion().Do(b.exec.with(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting version: %w", err)
	}
	return &VersionInfo{
		Browser:         product,
		ProtocolVersion: protocol,
		Revision:        revision,
		UserAgent:       userAgent,
		V8Version:       jsVersion,
	}, nil
}

// Targets returns all browser targets (pages, workers, etc.).
func (b *Browser) Targets(ctx context.Context) ([]TargetInfo, error) {
	infos, err := target.GetTargets().Do(b.exec.with(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting targets: %w", err)
	}

	targets := make([]TargetInfo, 0, len(infos))
	for _, t := range infos {
		targets = append(targets, TargetInfo{
			ID:    string(t.TargetID),
			Type:  t.Type,
			Title: t.Title,
			URL:   t.URL,
		})
	}
	return targets, nil
}

// Pages returns only page targets (tabs).
func (b *Browser) Pages(ctx context.Context) ([]TargetInfo, error) {
	targets, err := b.Targets(ctx)
	if err != nil {
		return nil, err
	}

	pages := make([]TargetInfo, 0)
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// ResolvePage picks a page by index or target ID. An empty selector picks
// the first page.
func (b *Browser) ResolvePage(ctx context.Context, selector string) (*TargetInfo, error) {
	pages, err := b.Pages(ctx)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}

	if selector == "" {
		return &pages[0], nil
	}

	if idx, err := strconv.Atoi(selector); err == nil {
		if idx < 0 || idx >= len(pages) {
			return nil, fmt.Errorf("invalid target index: %d (have %d pages)", idx, len(pages))
		}
		return &pages[idx], nil
	}

	for i := range pages {
		if pages[i].ID == selector {
			return &pages[i], nil
		}
	}

	return nil, fmt.Errorf("invalid target: %s (not found)", selector)
}

// NewPage opens a tab at url and returns its target ID.
func (b *Browser) NewPage(ctx context.Context, url string) (string, error) {
	if url == "" {
		url = "about:blank"
	}
	id, err := target.CreateTarget(url).Do(b.exec.with(ctx))
	if err != nil {
		return "", fmt.Errorf("creating target: %w", err)
	}
	return string(id), nil
}

// Attach opens a flattened session on a target. Attaching to the same
// target twice returns the existing session.
func (b *Browser) Attach(ctx context.Context, targetID string) (*Session, error) {
	b.mu.Lock()
	if s, ok := b.sessions[targetID]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	sessionID, err := target.AttachToTarget(target.ID(targetID)).WithFlatten(true).Do(b.exec.with(ctx))
	if err != nil {
		return nil, fmt.Errorf("attaching to target: %w", err)
	}

	s := newSession(b, targetID, string(sessionID))

	b.mu.Lock()
	if existing, ok := b.sessions[targetID]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	b.sessions[targetID] = s
	b.mu.Unlock()

	b.log.Debugf("session", "attached to %s as %s", targetID, sessionID)
	return s, nil
}

// AttachPage resolves a page like ResolvePage and attaches to it.
func (b *Browser) AttachPage(ctx context.Context, selector string) (*Session, error) {
	page, err := b.ResolvePage(ctx, selector)
	if err != nil {
		return nil, err
	}
	return b.Attach(ctx, page.ID)
}

func (b *Browser) forget(s *Session) {
	b.mu.Lock()
	if b.sessions[s.targetID] == s {
		delete(b.sessions, s.targetID)
	}
	b.mu.Unlock()
}

// Close detaches every session (best effort) and closes the connection.
func (b *Browser) Close() error {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range sessions {
		_ = s.Close(ctx)
	}

	return b.conn.Close()
}
