package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tomyan/bidicap/internal/bidi"
)

// Subscription is the handle returned by On. An aliased event may be fed
// by several protocol events; the handle covers all of them.
type Subscription struct {
	ID    string `json:"id"`
	Event string `json:"event"`

	subs []bidi.Subscription
}

func (sub *Subscription) cancel(conn *bidi.Conn) {
	for _, s := range sub.subs {
		conn.Unsubscribe(s)
	}
}

// translateFunc rewrites a protocol event payload into an alias payload.
type translateFunc func(ev bidi.Event) (json.RawMessage, error)

type eventAlias struct {
	sources   []string
	domains   []string
	translate translateFunc
}

// eventAliases maps the BiDi-style event names to the protocol events that
// feed them.
var eventAliases = map[string]eventAlias{
	"log.entryAdded": {
		sources:   []string{"Runtime.consoleAPICalled", "Log.entryAdded"},
		domains:   []string{"Runtime", "Log"},
		translate: translateLogEntry,
	},
	"network.beforeRequestSent": {
		sources:   []string{"Network.requestWillBeSent"},
		domains:   []string{"Network"},
		translate: translateRequest,
	},
	"Performance.metrics": {
		sources:   []string{"Performance.metrics"},
		domains:   []string{"Performance"},
		translate: translateMetrics,
	},
}

// EventDomains returns the protocol domains that must be enabled for
// events named name to be emitted.
func EventDomains(name string) []string {
	if alias, ok := eventAliases[name]; ok {
		return alias.domains
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		return []string{name[:i]}
	}
	return nil
}

// On registers listener for events named name on this session. Aliased
// names enable the domains they need and deliver translated payloads under
// the alias name; other names are subscribed to as is.
func (s *Session) On(ctx context.Context, name string, listener bidi.Listener) (*Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("subscribing to %s: %w", name, bidi.ErrSessionClosed)
	}

	sub := &Subscription{Event: name}

	alias, ok := eventAliases[name]
	if !ok {
		sub.subs = append(sub.subs, s.conn.SubscribeSession(s.sessionID, name, listener))
	} else {
		if err := s.EnableDomains(ctx, alias.domains...); err != nil {
			return nil, err
		}
		for _, source := range alias.sources {
			sub.subs = append(sub.subs, s.conn.SubscribeSession(s.sessionID, source, s.translated(name, alias.translate, listener)))
		}
	}
	sub.ID = sub.subs[0].ID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.cancel(s.conn)
		return nil, fmt.Errorf("subscribing to %s: %w", name, bidi.ErrSessionClosed)
	}
	s.subs[sub.ID] = sub
	s.mu.Unlock()

	s.log.Debugf("session", "listening for %s on %s", name, s.sessionID)
	return sub, nil
}

// Off removes a subscription made with On. It reports whether it was
// still registered.
func (s *Session) Off(sub *Subscription) bool {
	s.mu.Lock()
	_, ok := s.subs[sub.ID]
	delete(s.subs, sub.ID)
	s.mu.Unlock()
	if ok {
		sub.cancel(s.conn)
	}
	return ok
}

func (s *Session) translated(name string, translate translateFunc, listener bidi.Listener) bidi.Listener {
	return func(ev bidi.Event) {
		payload, err := translate(ev)
		if err != nil {
			s.log.Warnf("session", "dropping %s: %v", ev.Name, err)
			return
		}
		listener(bidi.Event{Name: name, SessionID: ev.SessionID, Payload: payload})
	}
}

// LogEntry is the payload of log.entryAdded.
type LogEntry struct {
	Type      string      `json:"type"`
	Level     string      `json:"level"`
	Method    string      `json:"method,omitempty"`
	Text      string      `json:"text"`
	Args      []any       `json:"args,omitempty"`
	Source    EntrySource `json:"source"`
	Timestamp int64       `json:"timestamp"`
}

// EntrySource identifies where a log entry came from.
type EntrySource struct {
	Context int64  `json:"context,omitempty"`
	URL     string `json:"url,omitempty"`
}

var consoleLevels = map[string]string{
	"debug":   "debug",
	"error":   "error",
	"assert":  "error",
	"warning": "warn",
	"verbose": "debug",
}

func logLevel(kind string) string {
	if level, ok := consoleLevels[kind]; ok {
		return level
	}
	return "info"
}

func translateLogEntry(ev bidi.Event) (json.RawMessage, error) {
	var entry LogEntry
	switch ev.Name {
	case "Runtime.consoleAPICalled":
		method := ev.Get("type").String()
		entry = LogEntry{
			Type:      "console",
			Level:     logLevel(method),
			Method:    method,
			Source:    EntrySource{Context: ev.Get("executionContextId").Int()},
			Timestamp: ev.Get("timestamp").Int(),
		}
		var texts []string
		for _, arg := range ev.Get("args").Array() {
			texts = append(texts, consoleArgText(arg))
			entry.Args = append(entry.Args, consoleArgValue(arg))
		}
		entry.Text = strings.Join(texts, " ")
	case "Log.entryAdded":
		e := ev.Get("entry")
		entry = LogEntry{
			Type:      e.Get("source").String(),
			Level:     logLevel(e.Get("level").String()),
			Text:      e.Get("text").String(),
			Source:    EntrySource{URL: e.Get("url").String()},
			Timestamp: e.Get("timestamp").Int(),
		}
	default:
		return nil, fmt.Errorf("unexpected source event %s", ev.Name)
	}
	return json.Marshal(entry)
}

func consoleArgText(arg gjson.Result) string {
	if v := arg.Get("value"); v.Exists() {
		if v.Type == gjson.String {
			return v.String()
		}
		return v.Raw
	}
	if v := arg.Get("unserializableValue"); v.Exists() {
		return v.String()
	}
	if v := arg.Get("description"); v.Exists() {
		return v.String()
	}
	return arg.Get("type").String()
}

func consoleArgValue(arg gjson.Result) any {
	if v := arg.Get("value"); v.Exists() {
		return v.Value()
	}
	return consoleArgText(arg)
}

// Request is the payload of network.beforeRequestSent.
type Request struct {
	RequestID string      `json:"requestId"`
	Request   RequestData `json:"request"`
	Type      string      `json:"type,omitempty"`
	Timestamp float64     `json:"timestamp"`
}

// RequestData describes the outgoing request.
type RequestData struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

func translateRequest(ev bidi.Event) (json.RawMessage, error) {
	req := Request{
		RequestID: ev.Get("requestId").String(),
		Type:      ev.Get("type").String(),
		Timestamp: ev.Get("timestamp").Float(),
		Request: RequestData{
			URL:     ev.Get("request.url").String(),
			Method:  ev.Get("request.method").String(),
			Headers: make(map[string]string),
		},
	}
	ev.Get("request.headers").ForEach(func(k, v gjson.Result) bool {
		req.Request.Headers[k.String()] = v.String()
		return true
	})
	return json.Marshal(req)
}

// Metrics is the payload of Performance.metrics.
type Metrics struct {
	Title         string             `json:"title,omitempty"`
	Metrics       []Metric           `json:"metrics"`
	MetricsByName map[string]float64 `json:"metricsByName"`
}

// Metric is one named performance measurement.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func translateMetrics(ev bidi.Event) (json.RawMessage, error) {
	m := Metrics{
		Title:         ev.Get("title").String(),
		Metrics:       []Metric{},
		MetricsByName: make(map[string]float64),
	}
	for _, r := range ev.Get("metrics").Array() {
		metric := Metric{Name: r.Get("name").String(), Value: r.Get("value").Float()}
		m.Metrics = append(m.Metrics, metric)
		m.MetricsByName[metric.Name] = metric.Value
	}
	return json.Marshal(m)
}
