package harvest

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when no row matches.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned when a stage-status advance would
// violate the transition rules (see CanTransition).
var ErrIllegalTransition = errors.New("illegal stage transition")

// TransientFetchError wraps a network failure that survived retries.
// Timeouts, connection resets, 429 and 5xx responses end up here.
type TransientFetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure for %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError marks a 4xx client error. The page is skipped and
// never retried.
type PermanentFetchError struct {
	URL        string
	StatusCode int
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("permanent fetch failure for %s: status %d", e.URL, e.StatusCode)
}

// ExtractionError marks a malformed page. It is fatal to that page only;
// the enclosing crawl continues with the next page. A record missing its
// natural key is an integration bug and surfaces here, never as a skip.
type ExtractionError struct {
	Page int
	URL  string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed on page %d (%s): %v", e.Page, e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// StageProcessingError reports an external-call failure for one record.
// Transient distinguishes retryable causes (rate limits, upstream 5xx)
// from permanent rejections; either way the record is marked failed and
// the batch continues.
type StageProcessingError struct {
	NaturalKey string
	Stage      Stage
	Transient  bool
	Err        error
}

func (e *StageProcessingError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s failure for %s: %v", kind, e.Stage, e.NaturalKey, e.Err)
}

func (e *StageProcessingError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable fetch or processing error.
func IsTransient(err error) bool {
	var fetchErr *TransientFetchError
	if errors.As(err, &fetchErr) {
		return true
	}
	var stageErr *StageProcessingError
	if errors.As(err, &stageErr) {
		return stageErr.Transient
	}
	return false
}
