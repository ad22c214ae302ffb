package bidi

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrTimeout       = errors.New("command timed out")
	ErrProtocol      = errors.New("protocol error")
	ErrSessionClosed = errors.New("session closed")
	ErrEvaluation    = errors.New("evaluation failed")
)

// TimeoutError is returned when no response arrives within the command bound.
type TimeoutError struct {
	Method string
	ID     int64
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d): no response after %s", e.Method, e.ID, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ProtocolError is a failure result reported by the remote.
type ProtocolError struct {
	Method  string `json:"method,omitempty"`
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
	if e.Data != "" {
		msg += " (" + e.Data + ")"
	}
	if e.Method != "" {
		msg = e.Method + ": " + msg
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// EvaluationError carries the exception raised by a remote script.
type EvaluationError struct {
	Text         string `json:"text"`
	Exception    string `json:"exception,omitempty"`
	URL          string `json:"url,omitempty"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

func (e *EvaluationError) Error() string {
	if e.Exception != "" && e.Exception != e.Text {
		return fmt.Sprintf("evaluation failed: %s: %s", e.Text, e.Exception)
	}
	return "evaluation failed: " + e.Text
}

func (e *EvaluationError) Unwrap() error {
	return ErrEvaluation
}
