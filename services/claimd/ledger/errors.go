package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyClaimed is returned by Reserve when the key is reserved or issued.
	ErrAlreadyClaimed = errors.New("ledger: already claimed")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrOutcomeConflict is returned when a finalised record is asked to change outcome.
	ErrOutcomeConflict = errors.New("ledger: conflicting outcome")
	// ErrInvalidOutcome rejects finalisation into a non-terminal state.
	ErrInvalidOutcome = errors.New("ledger: invalid outcome")
	// ErrTransient wraps storage failures that are safe to retry unchanged.
	ErrTransient = errors.New("ledger: storage unavailable")
)

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}
