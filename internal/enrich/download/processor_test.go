package download

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jurisq/lexharvester/internal/harvest"
	"github.com/jurisq/lexharvester/internal/hash/sha256"
	"github.com/jurisq/lexharvester/internal/storage/memory"
)

type fakeFetcher struct {
	body []byte
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (harvest.FetchResponse, error) {
	if f.err != nil {
		return harvest.FetchResponse{}, f.err
	}
	return harvest.FetchResponse{URL: url, StatusCode: 200, Body: f.body}, nil
}

func TestProcessStoresContentAndHash(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	proc, err := New(&fakeFetcher{body: []byte("%PDF-1.4 contenu")}, blobs, sha256.New())
	require.NoError(t, err)
	require.Equal(t, harvest.StageDownload, proc.Stage())

	rec := harvest.Record{
		NaturalKey: "document/abcdef12",
		Kind:       harvest.KindDocument,
		SourceURL:  "https://gazette.example.org/doc/12345.pdf",
	}
	result, err := proc.Process(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, "memory://document_abcdef12.pdf", result.ContentRef)
	require.NotEmpty(t, result.ContentHash)

	content, ok := blobs.Object("document_abcdef12.pdf")
	require.True(t, ok)
	require.Equal(t, []byte("%PDF-1.4 contenu"), content)
}

func TestContentTypeFallbackIsConfigurable(t *testing.T) {
	t.Parallel()

	proc, err := New(&fakeFetcher{}, memory.NewBlobStore(), sha256.New(),
		WithFallbackContentType("application/pdf"))
	require.NoError(t, err)

	// Extensionless gazette links carry the configured fallback.
	require.Equal(t, "application/pdf", proc.contentType("https://gazette.example.org/doc/4711"))
	require.Equal(t, "text/html", proc.contentType("https://gazette.example.org/doc/4711.html"))
}

func TestProcessMissingSourceURLIsPermanent(t *testing.T) {
	t.Parallel()

	proc, err := New(&fakeFetcher{}, memory.NewBlobStore(), sha256.New())
	require.NoError(t, err)

	_, err = proc.Process(context.Background(), harvest.Record{NaturalKey: "document/x"})
	require.Error(t, err)
	require.False(t, harvest.IsTransient(err))
}

func TestProcessClassifiesFetchErrors(t *testing.T) {
	t.Parallel()

	rec := harvest.Record{
		NaturalKey: "document/x",
		SourceURL:  "https://gazette.example.org/doc/x.pdf",
	}

	proc, err := New(&fakeFetcher{err: &harvest.PermanentFetchError{URL: rec.SourceURL, StatusCode: 404}},
		memory.NewBlobStore(), sha256.New())
	require.NoError(t, err)
	_, err = proc.Process(context.Background(), rec)
	require.Error(t, err)
	require.False(t, harvest.IsTransient(err))

	proc, err = New(&fakeFetcher{err: &harvest.TransientFetchError{URL: rec.SourceURL, Attempts: 3}},
		memory.NewBlobStore(), sha256.New())
	require.NoError(t, err)
	_, err = proc.Process(context.Background(), rec)
	require.Error(t, err)
	require.True(t, harvest.IsTransient(err))
}
