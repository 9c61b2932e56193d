package common

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// InvalidIdError reports a malformed canonical, Wikidata or media id.
type InvalidIdError struct {
	Kind  string
	Value string
}

func (e *InvalidIdError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: empty", e.Kind)
	}
	return fmt.Sprintf("invalid %s: %q", e.Kind, e.Value)
}

// ValidationError collects every schema, format or referential problem
// found in a batch or record.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	switch len(e.Messages) {
	case 0:
		return "validation failed"
	case 1:
		return "validation failed: " + e.Messages[0]
	default:
		return fmt.Sprintf("validation failed with %d problems: %s", len(e.Messages), strings.Join(e.Messages, "; "))
	}
}

// NotFoundError is returned when an external identity lookup has no record.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no external record for %s", e.ID)
}

// AmbiguousResolutionError signals several candidates for one record. It is
// deferred through the review queue and never aborts a batch.
type AmbiguousResolutionError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguousResolutionError) Error() string {
	return fmt.Sprintf("ambiguous resolution for %q: %d candidates (%s)", e.Name, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

// DuplicateKeyError is a uniqueness violation raised by the store.
type DuplicateKeyError struct {
	Kind string
	Key  string
	Err  error
}

func (e *DuplicateKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("duplicate %s key %q: %v", e.Kind, e.Key, e.Err)
	}
	return fmt.Sprintf("duplicate %s key %q", e.Kind, e.Key)
}

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// Transient error codes that denote rate limiting or quota exhaustion.
const (
	CodeRateLimited = "ratelimited"
	CodeMaxLag      = "maxlag"
	CodeTooMany     = "429"
	CodeTimeout     = "timeout"
	CodeUnavailable = "503"
)

// TransientExternalError is a rate limit, timeout or temporary outage of an
// external service. Only rate-limit codes are retried.
type TransientExternalError struct {
	Code       string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientExternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient external error (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transient external error (%s)", e.Code)
}

func (e *TransientExternalError) Unwrap() error { return e.Err }

// RateLimited reports whether the code denotes throttling or quota exhaustion.
func (e *TransientExternalError) RateLimited() bool {
	switch e.Code {
	case CodeRateLimited, CodeMaxLag, CodeTooMany:
		return true
	}
	return false
}

// StoreUnavailableError means the graph store cannot be reached. It is
// fatal to a batch.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("graph store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// MergeConflictError means a merge would violate a graph invariant.
type MergeConflictError struct {
	PrimaryID   string
	DuplicateID string
	Reason      string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("cannot merge %s into %s: %s", e.DuplicateID, e.PrimaryID, e.Reason)
}

// IsRetryable reports whether err is a rate-limit TransientExternalError.
func IsRetryable(err error) bool {
	var te *TransientExternalError
	if errors.As(err, &te) {
		return te.RateLimited()
	}
	return false
}

// IsStoreUnavailable reports whether err wraps a StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var se *StoreUnavailableError
	return errors.As(err, &se)
}
