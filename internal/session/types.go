package session

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrElementNotFound  = errors.New("element not found")
	ErrNoPages          = errors.New("no pages available")
	ErrNavigationFailed = errors.New("navigation failed")
)

// VersionInfo contains browser version information.
type VersionInfo struct {
	Browser         string `json:"browser"`
	ProtocolVersion string `json:"protocol"`
	Revision        string `json:"revision,omitempty"`
	UserAgent       string `json:"userAgent,omitempty"`
	V8Version       string `json:"v8,omitempty"`
}

// TargetInfo describes a browser target (tab, worker, ...).
type TargetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// NavigateResult contains the result of a navigation.
type NavigateResult struct {
	FrameID  string `json:"frameId"`
	LoaderID string `json:"loaderId,omitempty"`
	URL      string `json:"url"`
}

// TextValue renders the result for text output.
func (r *NavigateResult) TextValue() string {
	return r.URL
}

func notFound(selector string) error {
	return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
}
