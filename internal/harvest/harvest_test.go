package harvest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := []struct{ from, to StageStatus }{
		{StatusPending, StatusInProgress},
		{StatusFailed, StatusInProgress},
		{StatusInProgress, StatusSuccess},
		{StatusInProgress, StatusFailed},
	}
	for _, tc := range legal {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to StageStatus }{
		{StatusSuccess, StatusInProgress},
		{StatusSuccess, StatusPending},
		{StatusPending, StatusSuccess},
		{StatusPending, StatusFailed},
		{StatusInProgress, StatusPending},
		{StatusInProgress, StatusInProgress},
	}
	for _, tc := range illegal {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestStageStatusAccessors(t *testing.T) {
	t.Parallel()

	rec := Record{
		Download:  StatusSuccess,
		Translate: StatusPending,
		Analyze:   StatusFailed,
		Embed:     StatusInProgress,
	}
	require.Equal(t, StatusSuccess, rec.StageStatusFor(StageDownload))
	require.Equal(t, StatusPending, rec.StageStatusFor(StageTranslate))
	require.Equal(t, StatusFailed, rec.StageStatusFor(StageAnalyze))
	require.Equal(t, StatusInProgress, rec.StageStatusFor(StageEmbed))

	rec.SetStageStatus(StageTranslate, StatusInProgress)
	require.Equal(t, StatusInProgress, rec.Translate)
}

func TestNaturalKeys(t *testing.T) {
	t.Parallel()

	key, err := DecisionKey("Chambre Civile", "12345")
	require.NoError(t, err)
	require.Equal(t, "decision/chambre-civile/12345", key)

	_, err = DecisionKey("", "12345")
	require.Error(t, err)

	docKey, err := DocumentKey("https://example.org/doc/1.pdf")
	require.NoError(t, err)
	require.Contains(t, docKey, "document/")
	again, err := DocumentKey("https://example.org/doc/1.pdf")
	require.NoError(t, err)
	require.Equal(t, docKey, again)

	themeKey, err := ThemeKey("Civil", "Contrats et Obligations")
	require.NoError(t, err)
	require.Equal(t, "theme/civil/contrats-et-obligations", themeKey)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, IsTransient(&TransientFetchError{URL: "u", Attempts: 3, Err: errors.New("boom")}))
	require.True(t, IsTransient(&StageProcessingError{Stage: StageTranslate, Transient: true, Err: errors.New("429")}))
	require.False(t, IsTransient(&StageProcessingError{Stage: StageTranslate, Err: errors.New("400")}))
	require.False(t, IsTransient(&PermanentFetchError{URL: "u", StatusCode: 404}))
	require.False(t, IsTransient(errors.New("misc")))
}
