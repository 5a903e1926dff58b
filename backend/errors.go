package backend

import "errors"

var (
	// ErrStaleBackend means a frozen or freed container was used. Every
	// mutating operation freezes its input and returns a fresh container;
	// holding on to the old one is a caller bug.
	ErrStaleBackend = errors.New("backend was used after it was superseded or freed")

	// ErrAlreadyApplied means the request's seq is not ahead of what the
	// actor has already applied.
	ErrAlreadyApplied = errors.New("change request has already been applied")

	// ErrUnknownVersion means the request referenced a base version that is
	// no longer (or never was) in the version registry.
	ErrUnknownVersion = errors.New("unknown base version")

	// ErrMalformedRequest means the change request is missing required
	// fields or carries the wrong types.
	ErrMalformedRequest = errors.New("malformed change request")

	// ErrCanonicalMismatch means a caller-supplied canonical change did not
	// structurally match the one the processor produced. Only raised in
	// StrictMode.
	ErrCanonicalMismatch = errors.New("canonical change does not match processed request")
)
