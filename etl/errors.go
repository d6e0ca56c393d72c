package etl

import (
	"errors"
	"fmt"
)

// ── Error taxonomy ─────────────────────────────────────────
// Record-level failures (constraint violations, unmatched join
// keys) never surface as errors: they are counted and the run
// continues. Only batch-level failures abort an increment, and
// only for the affected table.

// SchemaMismatchError reports a batch that cannot be decoded
// against the inferred schema beyond the configured evolution
// rules. The increment is aborted and retried on the next poll.
type SchemaMismatchError struct {
	Source string
	Column string
	Detail string
}

func (e *SchemaMismatchError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("schema mismatch in %s: column %q: %s", e.Source, e.Column, e.Detail)
	}
	return fmt.Sprintf("schema mismatch: column %q: %s", e.Column, e.Detail)
}

// IsSchemaMismatch reports whether err is a SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var sm *SchemaMismatchError
	return errors.As(err, &sm)
}

// UpstreamUnavailableError reports an unreachable landing
// location. The source is skipped for this cycle and retried on
// the next poll.
type UpstreamUnavailableError struct {
	Source string
	Err    error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("landing location for %s unavailable: %v", e.Source, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// IsUpstreamUnavailable reports whether err is an UpstreamUnavailableError.
func IsUpstreamUnavailable(err error) bool {
	var uu *UpstreamUnavailableError
	return errors.As(err, &uu)
}
