package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tomyan/bidicap/internal/config"
	"github.com/tomyan/bidicap/internal/session"
)

// TextValuer is implemented by result types that have an obvious plain-text representation.
type TextValuer interface {
	TextValue() string
}

// ValueResult is returned by eval and send.
type ValueResult struct {
	Value any `json:"value"`
}

// TextResult is returned by text.
type TextResult struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

// SetTextResult is returned by set-text.
type SetTextResult struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

// ClickResult is returned by click.
type ClickResult struct {
	Selector string `json:"selector"`
	Clicked  bool   `json:"clicked"`
}

// PagesResult is returned by pages.
type PagesResult struct {
	Pages []session.TargetInfo `json:"pages"`
}

// PerfResult is returned by perf.
type PerfResult struct {
	Metrics map[string]float64 `json:"metrics"`
}

// LaunchResult is returned by launch.
type LaunchResult struct {
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	DataDir string `json:"dataDir"`
	Browser string `json:"browser"`
	WSURL   string `json:"webSocketDebuggerUrl"`
}

func (r ValueResult) TextValue() string   { return valueText(r.Value) }
func (r TextResult) TextValue() string    { return r.Text }
func (r SetTextResult) TextValue() string { return r.Text }
func (r ClickResult) TextValue() string   { return fmt.Sprintf("%t", r.Clicked) }
func (r LaunchResult) TextValue() string  { return fmt.Sprintf("%d", r.Port) }

func (r PagesResult) TextValue() string {
	var b strings.Builder
	for i, p := range r.Pages {
		fmt.Fprintf(&b, "%d\t%s\t%s\t%s\n", i, p.ID, p.Title, p.URL)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (r PerfResult) TextValue() string {
	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s\t%v\n", name, r.Metrics[name])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// valueText renders strings bare and everything else as compact JSON.
func valueText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func outputResult(format string, w io.Writer, v any) error {
	switch format {
	case config.OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputNDJSON:
		return json.NewEncoder(w).Encode(v)
	case config.OutputText:
		if tv, ok := v.(TextValuer); ok {
			_, err := fmt.Fprintln(w, tv.TextValue())
			return err
		}
		// Fall back to JSON for complex types
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
