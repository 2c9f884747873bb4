// Package faults defines the error taxonomy shared across the orchestration
// core. Components wrap these sentinels with fmt.Errorf("...: %w", ...) so
// callers can branch with errors.Is without string matching.
package faults

import "errors"

var (
	// ErrValidation marks malformed input: empty agent types, nil handles,
	// consensus configs without participants.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks lookups of unknown agents, sessions or conversations.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a dependency that exists but cannot serve:
	// disabled agents, sessions below their participation threshold.
	ErrUnavailable = errors.New("unavailable")

	// ErrConflict marks duplicate registrations and duplicate per-round
	// opinions.
	ErrConflict = errors.New("conflict")

	// ErrTimeout marks deadlines that elapsed before completion.
	ErrTimeout = errors.New("timeout")

	// ErrInternal marks unexpected failures inside an agent call or handler.
	ErrInternal = errors.New("internal error")
)
