// Package caseerr defines the closed set of error kinds the system
// distinguishes — transient I/O, validation, and terminal errors.
// Expected-negative outcomes (no spans, not resolved, no relevant context)
// are never errors; they are ordinary zero-value results.
package caseerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", ErrTransient) and unwrap
// with errors.Is.
var (
	// ErrTransient marks Store/Index/Transport/LLM I/O failures that the
	// worker pool retries with backoff up to max_attempts.
	ErrTransient = errors.New("transient error")
	// ErrValidation marks schema or range violations in LLM output or input
	// payloads; callers retry once (parse) or discard (range), never
	// propagating to user-visible output.
	ErrValidation = errors.New("validation error")
	// ErrTerminal marks permanent configuration or integrity errors; the job
	// is marked failed and logged with a payload hash, never retried.
	ErrTerminal = errors.New("terminal error")
	// ErrNotFound marks a missing entity lookup.
	ErrNotFound = errors.New("not found")
)

// Wrap annotates err with a kind sentinel so callers can classify it with
// errors.Is without inspecting strings.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsTerminal(err error) bool   { return errors.Is(err, ErrTerminal) }
