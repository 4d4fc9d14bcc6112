package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jurisq/lexharvester/internal/harvest"
)

func TestShouldPromoteEmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.True(t, h.ShouldPromote(harvest.FetchResponse{StatusCode: 200}))
}

func TestShouldPromoteSPAMarker(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	body := []byte(`<html><body><div id="root"></div></body></html>`)
	require.True(t, h.ShouldPromote(harvest.FetchResponse{StatusCode: 200, Body: body}))
}

func TestShouldNotPromoteRegularPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	body := []byte("<html><body>" + strings.Repeat("<p>arrêt</p>", 300) + "</body></html>")
	require.False(t, h.ShouldPromote(harvest.FetchResponse{StatusCode: 200, Body: body}))
}

func TestShouldNotPromoteNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.False(t, h.ShouldPromote(harvest.FetchResponse{StatusCode: 500}))
}

func TestShouldPromoteScriptHeavyThinPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(2048)
	body := []byte(`<html><head><script>window.__data=load()</script></head><body></body></html>`)
	require.True(t, h.ShouldPromote(harvest.FetchResponse{StatusCode: 200, Body: body}))
}
