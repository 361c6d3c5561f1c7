// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed or rejected input.
var ErrValidation = errors.New("validation failed")

// ErrBusy indicates the worker pool is saturated and no new work is accepted.
var ErrBusy = errors.New("busy: worker pool saturated")

// ErrTerminal indicates an operation targeted a protocol already in a terminal state.
var ErrTerminal = errors.New("protocol is in a terminal state")
