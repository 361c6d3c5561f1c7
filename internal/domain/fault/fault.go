// Package fault defines the orchestrator error taxonomy. Every failure that
// crosses a command boundary is classified into exactly one Class so callers
// and the feedback router can decide between retry, block, and fail without
// inspecting error strings.
package fault

import (
	"errors"
	"fmt"
)

// Class partitions orchestrator failures.
type Class string

const (
	// ClassValidation: a document or request violates structural invariants.
	ClassValidation Class = "validation"
	// ClassTransientAgent: the agent adapter failed in a retryable way (timeout, infra).
	ClassTransientAgent Class = "transient_agent"
	// ClassPermanentAgent: the agent adapter failed terminally or retries are exhausted.
	ClassPermanentAgent Class = "permanent_agent"
	// ClassPolicyBlock: a policy gate (budget, loops, clarification) prevents progress.
	ClassPolicyBlock Class = "policy_block"
	// ClassConcurrency: a lost reservation CAS; no state was changed.
	ClassConcurrency Class = "concurrency_conflict"
	// ClassSystem: unexpected infrastructure failure (disk, git, missing binary).
	ClassSystem Class = "system"
)

// Error is a classified orchestrator error. Code is a stable machine-readable
// identifier; Message is the human-readable reason surfaced to callers.
type Error struct {
	Class   Class
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without an underlying cause.
func New(class Class, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// Wrap creates a classified error wrapping an underlying cause.
func Wrap(class Class, code, message string, err error) *Error {
	return &Error{Class: class, Code: code, Message: message, Err: err}
}

// ClassOf returns the Class of err if it is (or wraps) a fault.Error,
// and ClassSystem otherwise. A nil err has no class; callers must check first.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassSystem
}

// CodeOf returns the stable code of err, or "internal" for unclassified errors.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "internal"
}

// Retryable reports whether the error class permits a retry under step policy.
func Retryable(err error) bool {
	return ClassOf(err) == ClassTransientAgent
}
