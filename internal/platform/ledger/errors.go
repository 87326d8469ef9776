package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("audit event validation failed")
	ErrOrgBusy            = errors.New("organization append queue is full")
	ErrConcurrencyTimeout = errors.New("timed out waiting for organization append slot")
	ErrStorageFailure     = errors.New("ledger storage failure")
	ErrChainIntegrity     = errors.New("ledger chain integrity violation")
	ErrEntryNotFound      = errors.New("ledger entry not found")
	ErrSequenceConflict   = errors.New("ledger sequence conflict")
)

type WriteErrorKind string

const (
	KindOrgBusy            WriteErrorKind = "ORG_BUSY"
	KindValidationFailed   WriteErrorKind = "VALIDATION_FAILED"
	KindStorageFailure     WriteErrorKind = "STORAGE_FAILURE"
	KindConcurrencyTimeout WriteErrorKind = "CONCURRENCY_TIMEOUT"
)

// ChainWriteError is returned by Writer.Append. It unwraps to the matching
// sentinel and to the underlying cause.
type ChainWriteError struct {
	Kind  WriteErrorKind
	OrgID string
	Err   error
}

func (e *ChainWriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("append %s: %s", e.OrgID, e.Kind)
	}
	return fmt.Sprintf("append %s: %s: %v", e.OrgID, e.Kind, e.Err)
}

func (e *ChainWriteError) Unwrap() []error {
	out := []error{e.sentinel()}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func (e *ChainWriteError) sentinel() error {
	switch e.Kind {
	case KindOrgBusy:
		return ErrOrgBusy
	case KindValidationFailed:
		return ErrValidation
	case KindConcurrencyTimeout:
		return ErrConcurrencyTimeout
	default:
		return ErrStorageFailure
	}
}

// Retryable reports whether the caller should retry the append with backoff.
func (e *ChainWriteError) Retryable() bool {
	return e.Kind == KindOrgBusy || e.Kind == KindConcurrencyTimeout || e.Kind == KindStorageFailure
}

// ValidationError lists every problem found in a rejected event.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit event: %v", e.Problems)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func writeErr(kind WriteErrorKind, orgID string, err error) error {
	return &ChainWriteError{Kind: kind, OrgID: orgID, Err: err}
}
