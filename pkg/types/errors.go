package types

import (
	"fmt"
	"time"
)

// Error kinds used throughout the module. Validation-style errors (InvalidRequest,
// InsufficientMasterData, PriceDataUnavailable, LagExtractionFailed,
// ModelNotFound) are business errors: reported to the caller, never retried.
// ExternalFetchFailed and PersistenceFailure are technical failures the
// caller may retry; the ingestion pipeline itself skips a failed chunk.
// Cancelled is reported distinctly from both.

// InvalidRequestError signals a malformed request: bad instrument code,
// unparsable date, from > to, or a required field missing for the selected
// mode.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// ExternalFetchFailedError wraps a failure from an external data source:
// network/HTTP/parse errors after retries are exhausted.
type ExternalFetchFailedError struct {
	SourceID string
	Symbol   string
	Err      error
}

func (e *ExternalFetchFailedError) Error() string {
	return fmt.Sprintf("external fetch failed: source=%s symbol=%s: %v", e.SourceID, e.Symbol, e.Err)
}

func (e *ExternalFetchFailedError) Unwrap() error { return e.Err }

// InsufficientMasterDataError is raised by the master-data preparation
// pipeline when back-fill cannot reach the required cardinality.
type InsufficientMasterDataError struct {
	Instrument Instrument
	Have       int
	Need       int
	Range      TimeRange
}

func (e *InsufficientMasterDataError) Error() string {
	return fmt.Sprintf("insufficient master data for %s: have %d, need %d, range %s..%s",
		e.Instrument, e.Have, e.Need, e.Range.From, e.Range.To)
}

// PriceDataUnavailableError is raised when the preparation pipeline's
// back-fill cannot obtain raw bars for a required day, even after invoking
// the ingestion pipeline.
type PriceDataUnavailableError struct {
	Instrument Instrument
	Day        time.Time
}

func (e *PriceDataUnavailableError) Error() string {
	return fmt.Sprintf("price data unavailable for %s on %s", e.Instrument, e.Day.Format("2006-01-02"))
}

// LagExtractionFailedError is raised by the forecast engine when a required
// lag value is absent/zero/null even after self-heal.
type LagExtractionFailedError struct {
	Instrument Instrument
	Day        time.Time
	LagIndex   int
}

func (e *LagExtractionFailedError) Error() string {
	return fmt.Sprintf("lag extraction failed for %s on %s (lag L%d)", e.Instrument, e.Day.Format("2006-01-02"), e.LagIndex)
}

// ModelNotFoundError is raised when no artifact matches the requested
// (instrument, version).
type ModelNotFoundError struct {
	Instrument Instrument
	Version    string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model not found: instrument=%s version=%s", e.Instrument, e.Version)
}

// PersistenceFailureError wraps a storage-layer failure that is not the
// expected (timestamp) uniqueness conflict: connection loss, constraint
// violations of another kind. The orchestration layer is expected to retry
// with a decreasing retry budget.
type PersistenceFailureError struct {
	Op  string
	Err error
}

func (e *PersistenceFailureError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceFailureError) Unwrap() error { return e.Err }

// CancelledError is returned when cooperative cancellation interrupted an
// in-progress operation. Reported distinctly from success and failure.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Op)
}
