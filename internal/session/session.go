package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"golang.org/x/sync/errgroup"

	"github.com/tomyan/bidicap/internal/bidi"
	"github.com/tomyan/bidicap/internal/log"
)

const releaseTimeout = 2 * time.Second

// Session is one attached target. It is an explicit handle: a process may
// hold any number of sessions across any number of browsers.
type Session struct {
	browser   *Browser
	conn      *bidi.Conn
	exec      executor
	log       *log.Logger
	targetID  string
	sessionID string

	mu      sync.Mutex
	enabled map[string]bool
	subs    map[string]*Subscription
	closed  bool
}

func newSession(b *Browser, targetID, sessionID string) *Session {
	return &Session{
		browser:   b,
		conn:      b.conn,
		exec:      executor{conn: b.conn, sessionID: sessionID},
		log:       b.log,
		targetID:  targetID,
		sessionID: sessionID,
		enabled:   make(map[string]bool),
		subs:      make(map[string]*Subscription),
	}
}

// ID returns the protocol session id.
func (s *Session) ID() string {
	return s.sessionID
}

// TargetID returns the id of the attached target.
func (s *Session) TargetID() string {
	return s.targetID
}

// EnableDomains enables each domain not yet enabled on this session. The
// enable commands are issued concurrently.
func (s *Session) EnableDomains(ctx context.Context, domains ...string) error {
	return s.toggleDomains(ctx, true, domains)
}

// DisableDomains disables each domain currently enabled on this session.
func (s *Session) DisableDomains(ctx context.Context, domains ...string) error {
	return s.toggleDomains(ctx, false, domains)
}

func (s *Session) toggleDomains(ctx context.Context, enable bool, domains []string) error {
	verb := "disable"
	if enable {
		verb = "enable"
	}

	var todo []string
	s.mu.Lock()
	for _, d := range domains {
		if s.enabled[d] != enable {
			todo = append(todo, d)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dedupe(todo) {
		g.Go(func() error {
			if _, err := s.conn.SendSession(gctx, s.sessionID, d+"."+verb, nil); err != nil {
				return fmt.Errorf("%s %s domain: %w", verb, d, err)
			}
			s.mu.Lock()
			s.enabled[d] = enable
			s.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// trackDomain records the effect of a raw <Domain>.enable or
// <Domain>.disable command so later subscriptions see the domain's state.
func (s *Session) trackDomain(method string) {
	domain, verb, ok := strings.Cut(method, ".")
	if !ok || domain == "" || (verb != "enable" && verb != "disable") {
		return
	}
	s.mu.Lock()
	s.enabled[domain] = verb == "enable"
	s.mu.Unlock()
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Navigate loads url and waits for the page load event. Same-document
// navigations return as soon as the browser acknowledges them.
func (s *Session) Navigate(ctx context.Context, url string) (*NavigateResult, error) {
	if err := s.EnableDomains(ctx, "Page"); err != nil {
		return nil, err
	}

	loaded := make(chan struct{}, 1)
	sub := s.conn.SubscribeSession(s.sessionID, "Page.loadEventFired", func(bidi.Event) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer s.conn.Unsubscribe(sub)

	frameID, loaderID, errorText, err := page.Navigate(url).Do(s.exec.with(ctx))
	if err != nil {
		return nil, fmt.Errorf("navigating: %w", err)
	}
	if errorText != "" {
		return nil, fmt.Errorf("%w: %s: %s", ErrNavigationFailed, url, errorText)
	}

	result := &NavigateResult{
		FrameID:  string(frameID),
		LoaderID: string(loaderID),
		URL:      url,
	}
	if loaderID == "" {
		return result, nil
	}

	timer := time.NewTimer(s.browser.loadTimeout)
	defer timer.Stop()

	select {
	case <-loaded:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.conn.Done():
		return nil, fmt.Errorf("waiting for load: %w", bidi.ErrSessionClosed)
	case <-timer.C:
		return nil, &bidi.TimeoutError{Method: "Page.loadEventFired", After: s.browser.loadTimeout}
	}
}

// wrapScript turns a script with a top-level return statement into an
// immediately invoked function so its value becomes the completion value.
func wrapScript(script string) string {
	if !hasTopLevelReturn(script) {
		return script
	}
	return "(function() {\n" + script + "\n})()"
}

// hasTopLevelReturn reports whether src has a return keyword outside every
// bracket, string, template literal and comment. Regular expression
// literals are not recognised.
func hasTopLevelReturn(src string) bool {
	var (
		depth int
		// bracket depth outside each open template interpolation
		templates []int
	)
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case strings.HasPrefix(src[i:], "//"):
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return false
			}
			i += end + 3
		case c == '\'' || c == '"':
			i = skipString(src, i)
		case c == '`':
			var interp bool
			if i, interp = skipTemplate(src, i+1); interp {
				templates = append(templates, depth)
				depth++
			}
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
			if c == '}' && len(templates) > 0 && templates[len(templates)-1] == depth {
				templates = templates[:len(templates)-1]
				var interp bool
				if i, interp = skipTemplate(src, i+1); interp {
					templates = append(templates, depth)
					depth++
				}
			}
		case depth == 0 && keywordAt(src, i, "return"):
			return true
		}
	}
	return false
}

// skipString returns the index of the quote closing the string opened at i.
func skipString(src string, i int) int {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q, '\n':
			return j
		}
	}
	return len(src)
}

// skipTemplate scans template literal text from i. It returns the index of
// the closing backtick, or of the brace opening an interpolation with
// interp set.
func skipTemplate(src string, i int) (end int, interp bool) {
	for ; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case '`':
			return i, false
		case '$':
			if i+1 < len(src) && src[i+1] == '{' {
				return i + 1, true
			}
		}
	}
	return len(src), false
}

func keywordAt(src string, i int, kw string) bool {
	if !strings.HasPrefix(src[i:], kw) {
		return false
	}
	if i > 0 && (isIdentByte(src[i-1]) || src[i-1] == '.') {
		return false
	}
	end := i + len(kw)
	return end == len(src) || !isIdentByte(src[end])
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// Evaluate runs script in the page and returns its decoded value. Scripts
// containing a top-level return are evaluated as a function body. Promises
// are awaited. A script that throws fails with *bidi.EvaluationError.
func (s *Session) Evaluate(ctx context.Context, script string) (any, error) {
	return s.evaluate(ctx, wrapScript(script))
}

func (s *Session) evaluate(ctx context.Context, expr string) (any, error) {
	obj, exc, err := runtime.Evaluate(expr).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(s.exec.with(ctx))
	if err != nil {
		return nil, fmt.Errorf("evaluating script: %w", err)
	}
	if exc != nil {
		return nil, evaluationError(exc)
	}
	return decodeRemoteObject(obj)
}

// Execute calls the function declaration fn with args, each encoded as JSON.
func (s *Session) Execute(ctx context.Context, fn string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	return s.evaluate(ctx, fmt.Sprintf("(%s)(...%s)", fn, encoded))
}

// PerformanceMetrics returns the page's current performance metrics.
func (s *Session) PerformanceMetrics(ctx context.Context) (map[string]float64, error) {
	if err := s.EnableDomains(ctx, "Performance"); err != nil {
		return nil, err
	}
	list, err := performance.GetMetrics().Do(s.exec.with(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting metrics: %w", err)
	}

	metrics := make(map[string]float64, len(list))
	for _, m := range list {
		metrics[m.Name] = m.Value
	}
	return metrics, nil
}

// Pause waits for d, returning early if ctx ends or the connection closes.
func (s *Session) Pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.conn.Done():
		return bidi.ErrSessionClosed
	}
}

// Close removes every listener registered through this session and detaches
// from the target. Closing an already closed session is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[string]*Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel(s.conn)
	}
	s.browser.forget(s)

	err := target.DetachFromTarget().WithSessionID(target.SessionID(s.sessionID)).Do(s.browser.exec.with(ctx))
	if err != nil && !errors.Is(err, bidi.ErrSessionClosed) {
		return fmt.Errorf("detaching: %w", err)
	}
	return nil
}
