// Package tools implements the coordination tool catalogue and the dispatch
// router that runs every call through resolution, authorization, rate
// limiting, and the join gate.
package tools

import (
	"encoding/json"
	"fmt"
)

// Result is the unified return type from tool execution.
type Result struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"`
}

// NewResult wraps plain text output.
func NewResult(text string) *Result {
	return &Result{Text: text}
}

// JSONResult marshals v as the tool output. Marshal failures degrade to an
// error result rather than panicking mid-dispatch.
func JSONResult(v any) *Result {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &Result{Text: string(raw)}
}

// ErrorResult wraps a stable human-readable error message.
func ErrorResult(message string) *Result {
	return &Result{Text: message, IsError: true}
}

// WithError attaches the originating error for logging and tracing.
func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
