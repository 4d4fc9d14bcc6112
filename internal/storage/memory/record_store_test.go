package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jurisq/lexharvester/internal/harvest"
)

func TestUpsertRecordIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewRecordStore()
	ctx := context.Background()
	rec := harvest.Record{NaturalKey: "decision/civil/1", Kind: harvest.KindDecision}

	n, err := s.UpsertRecord(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.UpsertRecord(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestUpsertNeverOverwritesEnrichment(t *testing.T) {
	t.Parallel()

	s := NewRecordStore()
	ctx := context.Background()
	rec := harvest.Record{NaturalKey: "decision/civil/1", Kind: harvest.KindDecision}
	_, err := s.UpsertRecord(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, s.AdvanceStage(ctx, rec.NaturalKey, harvest.StageTranslate, harvest.StatusInProgress, harvest.StageResult{}))
	require.NoError(t, s.AdvanceStage(ctx, rec.NaturalKey, harvest.StageTranslate, harvest.StatusSuccess,
		harvest.StageResult{TranslatedText: "translated"}))

	// A later crawl pass re-upserts the same key; the stored row must keep
	// its enrichment state.
	_, err = s.UpsertRecord(ctx, harvest.Record{NaturalKey: "decision/civil/1", Kind: harvest.KindDecision})
	require.NoError(t, err)

	stored, ok := s.Get(rec.NaturalKey)
	require.True(t, ok)
	require.Equal(t, harvest.StatusSuccess, stored.Translate)
	require.Equal(t, "translated", stored.Result.TranslatedText)
}

func TestAdvanceStageEnforcesTransitions(t *testing.T) {
	t.Parallel()

	s := NewRecordStore()
	ctx := context.Background()
	_, err := s.UpsertRecord(ctx, harvest.Record{NaturalKey: "decision/civil/2"})
	require.NoError(t, err)

	// pending -> success skips in_progress and must fail.
	err = s.AdvanceStage(ctx, "decision/civil/2", harvest.StageDownload, harvest.StatusSuccess, harvest.StageResult{})
	require.ErrorIs(t, err, harvest.ErrIllegalTransition)

	require.NoError(t, s.AdvanceStage(ctx, "decision/civil/2", harvest.StageDownload, harvest.StatusInProgress, harvest.StageResult{}))
	require.NoError(t, s.AdvanceStage(ctx, "decision/civil/2", harvest.StageDownload, harvest.StatusSuccess,
		harvest.StageResult{ContentRef: "file:///tmp/a.pdf"}))

	// success is terminal for automatic transitions.
	err = s.AdvanceStage(ctx, "decision/civil/2", harvest.StageDownload, harvest.StatusInProgress, harvest.StageResult{})
	require.ErrorIs(t, err, harvest.ErrIllegalTransition)

	stored, _ := s.Get("decision/civil/2")
	require.Equal(t, "file:///tmp/a.pdf", stored.ContentRef)
}

func TestAdvanceStageFailedIsRetryable(t *testing.T) {
	t.Parallel()

	s := NewRecordStore()
	ctx := context.Background()
	_, err := s.UpsertRecord(ctx, harvest.Record{NaturalKey: "decision/civil/3"})
	require.NoError(t, err)

	require.NoError(t, s.AdvanceStage(ctx, "decision/civil/3", harvest.StageAnalyze, harvest.StatusInProgress, harvest.StageResult{}))
	require.NoError(t, s.AdvanceStage(ctx, "decision/civil/3", harvest.StageAnalyze, harvest.StatusFailed, harvest.StageResult{}))
	require.NoError(t, s.AdvanceStage(ctx, "decision/civil/3", harvest.StageAnalyze, harvest.StatusInProgress, harvest.StageResult{}))
}

func TestAdvanceStageUnknownKey(t *testing.T) {
	t.Parallel()

	s := NewRecordStore()
	err := s.AdvanceStage(context.Background(), "decision/civil/404", harvest.StageEmbed, harvest.StatusInProgress, harvest.StageResult{})
	require.True(t, errors.Is(err, harvest.ErrNotFound))
}

func TestFindByStageRespectsOrderAndLimit(t *testing.T) {
	t.Parallel()

	s := NewRecordStore()
	ctx := context.Background()
	for _, key := range []string{"decision/civil/1", "decision/civil/2", "decision/civil/3"} {
		_, err := s.UpsertRecord(ctx, harvest.Record{NaturalKey: key})
		require.NoError(t, err)
	}

	pending, err := s.FindByStage(ctx, harvest.StageDownload, harvest.StatusPending, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "decision/civil/1", pending[0].NaturalKey)
	require.Equal(t, "decision/civil/2", pending[1].NaturalKey)
}

func TestResetInProgress(t *testing.T) {
	t.Parallel()

	s := NewRecordStore()
	ctx := context.Background()
	_, err := s.UpsertRecord(ctx, harvest.Record{NaturalKey: "decision/civil/1"})
	require.NoError(t, err)
	require.NoError(t, s.AdvanceStage(ctx, "decision/civil/1", harvest.StageDownload, harvest.StatusInProgress, harvest.StageResult{}))

	n, err := s.ResetInProgress(ctx, harvest.StageDownload)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := s.FindByStage(ctx, harvest.StageDownload, harvest.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestUpsertClassificationIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	s := NewRecordStore()
	ctx := context.Background()
	c := harvest.Classification{DecisionKey: "decision/civil/1", ThemeKey: "theme/civil/contrats", Chamber: "civil"}

	n, err := s.UpsertClassification(ctx, c)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.UpsertClassification(ctx, c)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Len(t, s.Classifications(), 1)
}
