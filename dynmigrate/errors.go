// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by a migration run that was halted by a call to
// Stop.  The in-flight page is completed and checkpointed before the
// run exits, so the migration is left in a resumable state.
var ErrStopped = errors.New("migration stopped by request")

// SyntaxError describes a malformed template specification.  It is always
// detected at parse time, before any record has been processed.
type SyntaxError struct {
	Spec   string // the full specification being parsed
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template syntax error in %q: %s", e.Spec, e.Reason)
}

// EvalError describes the failure to evaluate a single template against a
// single record.  Evaluation failures are recoverable; the migrator nulls or
// skips the affected field according to its configured policy and continues.
type EvalError struct {
	Field  string // the source field the template referenced
	Reason string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("template evaluation failed for field %q: %s", e.Field, e.Reason)
}

// FatalWriteError wraps a non-retryable error from DynamoDB, such as a
// missing table or a permissions failure.  It aborts the migration
// immediately; the run is left in a failed, resumable state.
type FatalWriteError struct {
	Op   string // "scan", "write" or "delete"
	Code string // AWS error code, if the failure came from the service
	Err  error
}

func (e *FatalWriteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *FatalWriteError) Unwrap() error { return e.Err }
