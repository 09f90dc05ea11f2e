// Package errors provides error handling for quorum.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Common sentinel errors for use across quorum.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested query context does not exist
	ErrNotFound = New("not found")

	// ErrInvalidTransition indicates a query state change that the state
	// machine does not permit (e.g. COMPLETED back to EXECUTING)
	ErrInvalidTransition = New("invalid state transition")

	// ErrInvalidPlan indicates the execution plan failed validation
	// (no execution rules, dependency cycle, duplicate result view index)
	ErrInvalidPlan = New("invalid execution plan")

	// ErrDispatch indicates a sub-query could not be delivered to its
	// data source at send time
	ErrDispatch = New("dispatch failed")

	// ErrSubstitution indicates a dependency placeholder referenced a
	// child context that is missing or not completed
	ErrSubstitution = New("dependency substitution failed")

	// ErrNotCompleted indicates aggregated results were requested before
	// the parent query reached its terminal state
	ErrNotCompleted = New("query not completed")

	// ErrStillExecuting indicates a destructive operation was attempted
	// on a query that is still executing
	ErrStillExecuting = New("query still executing")
)
