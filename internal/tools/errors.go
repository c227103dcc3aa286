// Package tools provides the tool registry and execution framework.
//
// This file defines the error types carried inside failed tool results.
package tools

import (
	"errors"
	"fmt"
	"strings"
)

// Registration errors.
var (
	ErrToolNameEmpty = errors.New("tool name is empty")
	ErrNilHandler    = errors.New("tool handler is nil")
	ErrDuplicateTool = errors.New("tool already registered")
)

// ErrToolUnavailable means a call named a tool that is not declared or
// has no handler. It describes a capability mismatch, not a transient
// failure, so retrying the call is pointless.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrMissingArgument means required parameters were absent from a call.
type ErrMissingArgument struct {
	ToolName string
	Names    []string
}

// Error implements the error interface.
func (e *ErrMissingArgument) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("missing required argument: %s", e.Names[0])
	}
	return fmt.Sprintf("missing required arguments: %s", strings.Join(e.Names, ", "))
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	ToolName string
	Value    any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("tool %s panicked: %v", e.ToolName, e.Value)
}
