package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jurisq/lexharvester/internal/api"
	"github.com/jurisq/lexharvester/internal/config"
	"github.com/jurisq/lexharvester/internal/harvest"
	"github.com/jurisq/lexharvester/internal/jobs"
	"github.com/jurisq/lexharvester/internal/metrics"
	"github.com/jurisq/lexharvester/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

const firstPage = `
<html><body>
<div class="theme-block" data-chamber="civil">
  <h3 class="theme-label">Contrats</h3>
  <table>
    <tr class="decision-row">
      <td class="num">12345</td>
      <td class="date">2024-03-12</td>
      <td class="title">Résiliation de bail</td>
      <td>
        <a class="decision-link" href="/decision/12345">détail</a>
        <a class="doc-link" href="/doc/12345.pdf">PDF</a>
      </td>
    </tr>
  </table>
</div>
<a class="next-page" href="?page=2">Suivant</a>
</body></html>`

const emptyShell = `
<html><body>
<h1>Gazette officielle</h1>
<a class="next-page" href="?page=99">Suivant</a>
</body></html>`

func newGazetteServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(firstPage))
			return
		}
		_, _ = w.Write([]byte(emptyShell))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(listURL, baseURL string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Site: config.SiteConfig{
			BaseURL:   baseURL,
			UserAgent: "lexharvester-test/0.1",
			DelayMs:   1,
		},
		HTTP: config.HTTPConfig{
			TimeoutSeconds:   5,
			MaxRetries:       1,
			BackoffInitialMs: 10,
			BackoffMaxMs:     50,
		},
		Harvest: config.HarvestConfig{EmptyPageThreshold: 2, MaxPagesDefault: 10},
		Enrich:  config.EnrichConfig{BatchSize: 5, RateLimitMs: 0, CallTimeoutSeconds: 5},
		Storage: config.StorageConfig{Backend: "memory"},
		Sections: map[string]config.SectionConfig{
			"civil": {Chamber: "civil", StartURL: listURL},
		},
	}
}

func TestHarvestJobEndToEnd(t *testing.T) {
	ts := newGazetteServer(t)
	cfg := testConfig(ts.URL+"/decisions", ts.URL)

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	runner, err := a.RunnerFor("harvest:civil")
	require.NoError(t, err)

	controller := jobs.New(zap.NewNop())
	_, err = controller.Start(context.Background(), "harvest:civil", runner)
	require.NoError(t, err)
	controller.Wait()

	snap := controller.Progress("harvest:civil")
	require.Equal(t, jobs.StateIdle, snap.State)
	require.Empty(t, snap.Error)
	// One theme, one decision, one document.
	require.Equal(t, 3, snap.Progress["records_inserted"])

	store, ok := a.Store().(*memory.RecordStore)
	require.True(t, ok)
	rec, found := store.Get("decision/civil/12345")
	require.True(t, found)
	require.Equal(t, ts.URL+"/decision/12345", rec.SourceURL)

	// Document records start pending for the download stage.
	pending, err := store.FindByStage(context.Background(), harvest.StageDownload, harvest.StatusPending, 0)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
}

func TestDownloadJobEndToEnd(t *testing.T) {
	ts := newGazetteServer(t)
	cfg := testConfig(ts.URL+"/decisions", ts.URL)

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	store := a.Store()
	_, err = store.UpsertRecord(context.Background(), harvest.Record{
		NaturalKey:  "document/abcdef12",
		Kind:        harvest.KindDocument,
		SourceURL:   ts.URL + "/doc/12345.pdf",
		HarvestedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	runner, err := a.RunnerFor("enrich:download")
	require.NoError(t, err)

	controller := jobs.New(zap.NewNop())
	_, err = controller.Start(context.Background(), "enrich:download", runner)
	require.NoError(t, err)
	controller.Wait()

	snap := controller.Progress("enrich:download")
	require.Equal(t, jobs.StateIdle, snap.State)
	require.Equal(t, 1, snap.Progress["succeeded"])

	rec, found := store.(*memory.RecordStore).Get("document/abcdef12")
	require.True(t, found)
	require.Equal(t, harvest.StatusSuccess, rec.Download)
	require.NotEmpty(t, rec.ContentRef)
	require.NotEmpty(t, rec.ContentHash)
}

func TestDownloadProgressVisibleMidRun(t *testing.T) {
	gate := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "slow.pdf") {
			<-gate
		}
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	t.Cleanup(ts.Close)

	var once sync.Once
	closeGate := func() { once.Do(func() { close(gate) }) }
	defer closeGate()

	cfg := testConfig(ts.URL+"/decisions", ts.URL)
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	store := a.Store()
	for _, doc := range []string{"fast.pdf", "slow.pdf"} {
		_, err = store.UpsertRecord(context.Background(), harvest.Record{
			NaturalKey:  "document/" + doc,
			Kind:        harvest.KindDocument,
			SourceURL:   ts.URL + "/doc/" + doc,
			HarvestedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	runner, err := a.RunnerFor("enrich:download")
	require.NoError(t, err)

	controller := jobs.New(zap.NewNop())
	_, err = controller.Start(context.Background(), "enrich:download", runner)
	require.NoError(t, err)

	// While the second document hangs on the upstream, the first one's
	// commit is already visible to a poller.
	require.Eventually(t, func() bool {
		snap := controller.Progress("enrich:download")
		return snap.State == jobs.StateRunning && snap.Progress["succeeded"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap := controller.Progress("enrich:download")
	require.Equal(t, 2, snap.Progress["total"])
	require.Equal(t, 1, snap.Progress["processed"])

	closeGate()
	controller.Wait()

	final := controller.Progress("enrich:download")
	require.Equal(t, jobs.StateIdle, final.State)
	require.Equal(t, 2, final.Progress["succeeded"])
}

func TestRunnerForRejectsUnknownNames(t *testing.T) {
	ts := newGazetteServer(t)
	a, err := New(context.Background(), testConfig(ts.URL+"/decisions", ts.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	for _, name := range []string{
		"harvest:penal",      // not configured
		"enrich:translate",   // no AI backend configured
		"enrich:nope",        // unknown stage
		"vacuum:civil",       // unknown verb
		"harvest",            // missing section
		"enrich:embed:later", // bad suffix
	} {
		_, err := a.RunnerFor(name)
		require.ErrorIs(t, err, api.ErrUnknownJob, "name %q", name)
	}
}

func TestRunnerForEnrichWithAIBackend(t *testing.T) {
	ts := newGazetteServer(t)
	cfg := testConfig(ts.URL+"/decisions", ts.URL)
	cfg.Enrich.APIBaseURL = "http://localhost:9999"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	for _, name := range []string{"enrich:translate", "enrich:analyze", "enrich:embed", "enrich:translate:retry"} {
		_, err := a.RunnerFor(name)
		require.NoError(t, err, "name %q", name)
	}
}
