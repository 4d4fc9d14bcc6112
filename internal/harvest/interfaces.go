package harvest

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves one URL and returns the raw body plus metadata.
// Implementations retry transient failures internally and honor a
// politeness delay between requests.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// PageExtractor turns one fetched page into structured records. It is a
// pure function of the page content and performs no I/O.
type PageExtractor interface {
	Extract(pageContent []byte) (PageResult, error)
}

// RecordStore is the idempotent persistence layer, keyed by natural key.
type RecordStore interface {
	// UpsertRecord inserts the record, ignoring natural-key conflicts.
	// It returns 1 when a row was actually inserted, 0 on conflict.
	// Existing rows are never overwritten by a later crawl pass.
	UpsertRecord(ctx context.Context, rec Record) (int, error)

	// UpsertClassification inserts a decision/theme link, ignoring duplicates.
	UpsertClassification(ctx context.Context, c Classification) (int, error)

	// FindByStage returns up to limit records whose status for stage
	// equals status, oldest first.
	FindByStage(ctx context.Context, stage Stage, status StageStatus, limit int) ([]Record, error)

	// AdvanceStage transitions one record's stage status and writes the
	// result payload atomically with it. Illegal transitions return
	// ErrIllegalTransition; a missing key returns ErrNotFound.
	AdvanceStage(ctx context.Context, naturalKey string, stage Stage, status StageStatus, result StageResult) error

	// ResetInProgress rewinds in_progress records for a stage back to
	// pending. Called at orchestrator startup as crash recovery.
	ResetInProgress(ctx context.Context, stage Stage) (int, error)

	// CountByStage reports how many records have the given status for stage.
	CountByStage(ctx context.Context, stage Stage, status StageStatus) (int, error)
}

// StageProcessor performs the external enrichment call for one record.
// Failures must be distinguishable as transient vs permanent through
// StageProcessingError.
type StageProcessor interface {
	Stage() Stage
	Process(ctx context.Context, rec Record) (StageResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes ingest/enrichment events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
