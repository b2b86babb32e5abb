// Package toolerr implements the structured tool-error taxonomy the
// Reasoning Engine and Tool Executor use to decide whether a failure is
// worth retrying, should be surfaced to the model as a different strategy
// hint, or should abort the current plan outright.
package toolerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrorType is one of the eight failure categories a tool call can produce.
// Unlike the teacher's internal ToolErrorType (which splits network/panic
// out as their own buckets for Go-specific retry plumbing), this taxonomy
// is the one the rest of this module's wire format and classification
// precedence are contractually pinned to.
type ErrorType string

const (
	Transient        ErrorType = "transient"
	Permanent        ErrorType = "permanent"
	Permission       ErrorType = "permission"
	Timeout          ErrorType = "timeout"
	Validation       ErrorType = "validation"
	ResourceNotFound ErrorType = "not_found"
	RateLimit        ErrorType = "rate_limit"
	Dependency       ErrorType = "dependency"
)

// hints gives the model a short, reusable steer for each error type so it
// doesn't have to re-derive a strategy every time it sees the same category.
var hints = map[ErrorType]string{
	Transient:        "transient error, safe to retry as-is",
	Permanent:        "permanent error, try a different tool or approach",
	Permission:       "permission denied, this action cannot be retried without different credentials",
	Timeout:          "the operation timed out, consider a longer timeout or a smaller request",
	Validation:       "the arguments were invalid, check required fields and value ranges",
	ResourceNotFound: "the requested resource does not exist, verify the identifier or path",
	RateLimit:        "rate limited, back off before retrying",
	Dependency:       "a required external command or tool is missing",
}

// ToolError is the structured error a tool returns instead of a bare string,
// so the Reasoning Engine can decide what to do next without re-parsing
// free text.
type ToolError struct {
	Type            ErrorType
	ToolName        string
	Message         string
	RetrySuggestion string
	AlternativeTools []string
	Details         map[string]any
}

// New builds a ToolError. Most callers should use Classify instead; New is
// for tools that already know exactly what went wrong.
func New(t ErrorType, toolName, message string) *ToolError {
	return &ToolError{Type: t, ToolName: toolName, Message: message}
}

func (e *ToolError) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Type, e.ToolName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// WithRetrySuggestion attaches a concrete next step for the model to try.
func (e *ToolError) WithRetrySuggestion(s string) *ToolError {
	e.RetrySuggestion = s
	return e
}

// WithAlternativeTools names other tools the model could use instead.
func (e *ToolError) WithAlternativeTools(tools ...string) *ToolError {
	e.AlternativeTools = tools
	return e
}

// WithDetails attaches structured diagnostic context.
func (e *ToolError) WithDetails(d map[string]any) *ToolError {
	e.Details = d
	return e
}

// ToMap builds the wire representation a tool result carries back to the
// model: error, error_type, message, tool_name, hint, and the optional
// retry_suggestion / alternative_tools / details fields.
func (e *ToolError) ToMap() map[string]any {
	m := map[string]any{
		"error":      true,
		"error_type": string(e.Type),
		"message":    e.Message,
		"tool_name":  e.ToolName,
		"hint":       hints[e.Type],
	}
	if e.RetrySuggestion != "" {
		m["retry_suggestion"] = e.RetrySuggestion
	}
	if len(e.AlternativeTools) > 0 {
		m["alternative_tools"] = e.AlternativeTools
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}

// ToToolResult JSON-serializes the error for inclusion in a tool_result
// content block.
func (e *ToolError) ToToolResult() string {
	b, err := json.Marshal(e.ToMap())
	if err != nil {
		return fmt.Sprintf(`{"error":true,"error_type":%q,"message":%q}`, e.Type, e.Message)
	}
	return string(b)
}

// Classify converts an arbitrary Go error into a ToolError, applying the
// same precedence the original tool layer used: sentinel/type checks first
// (timeout, not-exist, permission, invalid argument), then substring checks
// on the lowercased message (network keywords, rate limiting, not-found
// phrasing, missing-command phrasing), defaulting to Permanent.
func Classify(err error, toolName string) *ToolError {
	if err == nil {
		return nil
	}
	var existing *ToolError
	if errors.As(err, &existing) {
		return existing
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(Timeout, toolName, err.Error()).
			WithRetrySuggestion("increase the timeout and retry")
	}
	if os.IsNotExist(err) {
		return New(ResourceNotFound, toolName, err.Error()).
			WithRetrySuggestion("verify the file path is correct")
	}
	if os.IsPermission(err) {
		return New(Permission, toolName, err.Error())
	}

	var numErr interface{ Timeout() bool }
	if errors.As(err, &numErr) && numErr.Timeout() {
		return New(Timeout, toolName, err.Error()).
			WithRetrySuggestion("increase the timeout and retry")
	}

	msg := strings.ToLower(err.Error())

	if containsAny(msg, "invalid", "validation", "required field", "must be") {
		return New(Validation, toolName, err.Error()).
			WithRetrySuggestion("check the argument format and value ranges")
	}

	if containsAny(msg, "connect", "network", "refused", "dns", "unreachable", "reset by peer", "broken pipe") {
		return New(Transient, toolName, err.Error()).
			WithRetrySuggestion("network issue, retry shortly")
	}

	if containsAny(msg, "rate limit", "too many requests", "429") {
		return New(RateLimit, toolName, err.Error()).
			WithRetrySuggestion("wait a few seconds before retrying")
	}

	if containsAny(msg, "not found", "no such file", "does not exist") {
		return New(ResourceNotFound, toolName, err.Error()).
			WithRetrySuggestion("verify the identifier or path")
	}

	if containsAny(msg, "command not found", "not recognized", "executable file not found") {
		return New(Dependency, toolName, err.Error()).
			WithRetrySuggestion("install the required command or tool first")
	}

	return New(Permanent, toolName, err.Error())
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Is reports whether err is (or wraps) a ToolError of the given type.
func Is(err error, t ErrorType) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Type == t
	}
	return false
}

// IsRetryable reports whether a tool error's category suggests an automatic
// retry could succeed without the model changing its approach.
func (e *ToolError) IsRetryable() bool {
	switch e.Type {
	case Transient, Timeout, RateLimit:
		return true
	default:
		return false
	}
}
