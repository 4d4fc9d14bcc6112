// Package download implements the download stage: fetching the source
// document and persisting its bytes to the blob store.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/jurisq/lexharvester/internal/harvest"
)

// Processor fetches a record's source document, hashes it and stores it.
// The record row never carries document bytes; only the blob URI and the
// content hash go back to the store.
type Processor struct {
	fetcher      harvest.Fetcher
	blobs        harvest.BlobStore
	hasher       harvest.Hasher
	fallbackType string
}

// Option configures optional processor behavior.
type Option func(*Processor)

// WithFallbackContentType sets the content type stored for documents whose
// URL extension is not recognized. Most gazette attachments are PDFs
// served from extensionless links.
func WithFallbackContentType(contentType string) Option {
	return func(p *Processor) {
		if contentType != "" {
			p.fallbackType = contentType
		}
	}
}

// New builds the download stage processor.
func New(fetcher harvest.Fetcher, blobs harvest.BlobStore, hasher harvest.Hasher, opts ...Option) (*Processor, error) {
	if fetcher == nil || blobs == nil || hasher == nil {
		return nil, fmt.Errorf("fetcher, blob store and hasher are required")
	}
	p := &Processor{
		fetcher:      fetcher,
		blobs:        blobs,
		hasher:       hasher,
		fallbackType: "application/octet-stream",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Stage implements harvest.StageProcessor.
func (p *Processor) Stage() harvest.Stage { return harvest.StageDownload }

// Process implements harvest.StageProcessor.
func (p *Processor) Process(ctx context.Context, rec harvest.Record) (harvest.StageResult, error) {
	if rec.SourceURL == "" {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageDownload,
			Err:        fmt.Errorf("record has no source url"),
		}
	}

	resp, err := p.fetcher.Fetch(ctx, rec.SourceURL)
	if err != nil {
		var permanent *harvest.PermanentFetchError
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageDownload,
			Transient:  !errors.As(err, &permanent),
			Err:        err,
		}
	}

	hash, err := p.hasher.Hash(resp.Body)
	if err != nil {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageDownload,
			Err:        fmt.Errorf("hash content: %w", err),
		}
	}

	uri, err := p.blobs.PutObject(ctx, objectPath(rec), p.contentType(rec.SourceURL), bytes.NewReader(resp.Body))
	if err != nil {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageDownload,
			Transient:  true,
			Err:        fmt.Errorf("store content: %w", err),
		}
	}

	return harvest.StageResult{ContentRef: uri, ContentHash: hash}, nil
}

// objectPath derives a stable blob path from the natural key, keeping the
// source file extension when there is one.
func objectPath(rec harvest.Record) string {
	key := strings.ReplaceAll(rec.NaturalKey, "/", "_")
	if ext := path.Ext(strings.Split(rec.SourceURL, "?")[0]); ext != "" {
		return key + ext
	}
	return key + ".bin"
}

func (p *Processor) contentType(sourceURL string) string {
	switch strings.ToLower(path.Ext(strings.Split(sourceURL, "?")[0])) {
	case ".pdf":
		return "application/pdf"
	case ".html", ".htm":
		return "text/html"
	case ".txt":
		return "text/plain"
	default:
		return p.fallbackType
	}
}
