package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// commandFunc handles an aliased command. params is the JSON encoding of
// the caller's parameters.
type commandFunc func(s *Session, ctx context.Context, params gjson.Result) (any, error)

var commandAliases = map[string]commandFunc{
	"Script.evaluate": (*Session).evaluateCommand,
	"script.evaluate": (*Session).evaluateCommand,
	"Log.enable":      (*Session).logEnableCommand,
}

// SendCommand sends a raw protocol command on this session and returns its
// result as plain Go values (integral numbers as int64). A few BiDi-style
// names are handled here instead of being sent as is:
//
//   - Script.evaluate / script.evaluate evaluate params.expression (or
//     params.functionDeclaration) and return the decoded value.
//   - Log.enable enables the Log and Runtime domains plus the domains of
//     any event names listed in params.events.
func (s *Session) SendCommand(ctx context.Context, name string, params any) (any, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if handler, ok := commandAliases[name]; ok {
		return handler(s, ctx, gjson.ParseBytes(raw))
	}

	result, err := s.conn.SendSession(ctx, s.sessionID, name, raw)
	if err != nil {
		return nil, err
	}
	s.trackDomain(name)
	if len(result) == 0 {
		return map[string]any{}, nil
	}
	return decodeJSONValue(result)
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return data, nil
}

func (s *Session) evaluateCommand(ctx context.Context, params gjson.Result) (any, error) {
	if fn := params.Get("functionDeclaration"); fn.Exists() {
		var args []any
		for _, a := range params.Get("arguments").Array() {
			if v := a.Get("value"); v.Exists() {
				args = append(args, v.Value())
				continue
			}
			args = append(args, a.Value())
		}
		return s.Execute(ctx, fn.String(), args...)
	}

	expr := params.Get("expression")
	if !expr.Exists() {
		return nil, errors.New("evaluate: missing expression")
	}
	return s.Evaluate(ctx, expr.String())
}

func (s *Session) logEnableCommand(ctx context.Context, params gjson.Result) (any, error) {
	domains := []string{"Log", "Runtime"}
	for _, ev := range params.Get("events").Array() {
		domains = append(domains, EventDomains(ev.String())...)
	}
	if err := s.EnableDomains(ctx, domains...); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}
