package casefile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound signals the case does not exist.
	ErrNotFound = errors.New("casefile: not found")
	// ErrForbidden signals the actor or role may not issue this command.
	ErrForbidden = errors.New("casefile: forbidden")
	// ErrConflictingState signals the command is invalid for the current
	// status. It is surfaced to the actor without automatic retry because the
	// state has already moved.
	ErrConflictingState = errors.New("casefile: conflicting state")
	// ErrValidation signals a missing or invalid field for the requested
	// kind/status; the actor must correct the input.
	ErrValidation = errors.New("casefile: validation")
	// ErrStoreUnavailable signals a transient storage failure. Callers may
	// retry with backoff.
	ErrStoreUnavailable = errors.New("casefile: store unavailable")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func conflictf(command string, status Status) error {
	return fmt.Errorf("%w: %s not allowed from %s", ErrConflictingState, command, status)
}

// mapStoreErr folds timeouts and connection-level failures into
// ErrStoreUnavailable so a hung store surfaces as a bounded, retryable error.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. Class 57: operator intervention,
		// e.g. an admin terminating the backend.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return err
}
