package ingest

import (
	"errors"
	"fmt"
)

// ErrInvalidQuery is returned when a fetch is attempted with an unusable filter.
// Nothing is sent upstream when this error is returned.
var ErrInvalidQuery = errors.New("invalid upstream query")

// InvalidQueryError names the filter that made a query unusable.
type InvalidQueryError struct {
	Field string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("%v: %s must not be empty", ErrInvalidQuery, e.Field)
}

func (e *InvalidQueryError) Unwrap() error { return ErrInvalidQuery }

// UpstreamError reports a transport failure or non-2xx response from a third-party API.
// StatusCode is 0 when no response was received (timeout, connection refused, open circuit).
type UpstreamError struct {
	API        string
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s upstream error: status %d: %s", e.API, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s upstream error: %s: %v", e.API, e.Message, e.Err)
	}
	return fmt.Sprintf("%s upstream error: %s", e.API, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RejectReason tags why the validator refused a record.
type RejectReason string

const (
	ReasonMissingRequired RejectReason = "missing_required"
	ReasonOutOfRange      RejectReason = "out_of_range"
	ReasonUnparseable     RejectReason = "unparseable"
)

// Rejected is a per-record validation failure. It is counted, never fatal.
type Rejected struct {
	Reason RejectReason
	Field  string
	Detail string
}

func (e *Rejected) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("rejected %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("rejected %s: %s (%s)", e.Field, e.Reason, e.Detail)
}

// PersistenceError wraps a transaction failure. The whole batch was rolled back.
type PersistenceError struct {
	VillageID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist batch for %s: %v", e.VillageID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CacheError wraps a cache backend failure. Ingestion runs never fail because of it.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// ErrNotFound is returned by a Reader when a village has no stored readings.
var ErrNotFound = errors.New("no readings for village")

// ErrDuplicateKey is returned by a Tx when an insert violates a dedup uniqueness constraint.
var ErrDuplicateKey = errors.New("duplicate dedup key")

// ErrUnknownVillage is returned when a village id is not in the registry.
var ErrUnknownVillage = errors.New("unknown village")

// ErrNothingToRefresh is returned when a village has neither coordinates nor
// a market region that an enabled fetcher could use.
var ErrNothingToRefresh = errors.New("nothing to refresh for village")
