// Package app wires configuration into the harvester's runtime components
// and resolves job names to runnable closures.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/jurisq/lexharvester/internal/api"
	"github.com/jurisq/lexharvester/internal/config"
	"github.com/jurisq/lexharvester/internal/detector"
	"github.com/jurisq/lexharvester/internal/enrich"
	"github.com/jurisq/lexharvester/internal/enrich/ai"
	"github.com/jurisq/lexharvester/internal/enrich/download"
	"github.com/jurisq/lexharvester/internal/extractor/gazette"
	collyfetcher "github.com/jurisq/lexharvester/internal/fetcher/colly"
	"github.com/jurisq/lexharvester/internal/fetcher/headless"
	"github.com/jurisq/lexharvester/internal/harvest"
	"github.com/jurisq/lexharvester/internal/hash/sha256"
	"github.com/jurisq/lexharvester/internal/jobs"
	"github.com/jurisq/lexharvester/internal/paginator"
	pubsubpub "github.com/jurisq/lexharvester/internal/publisher/pubsub"
	"github.com/jurisq/lexharvester/internal/storage/gcs"
	"github.com/jurisq/lexharvester/internal/storage/local"
	"github.com/jurisq/lexharvester/internal/storage/memory"
	"github.com/jurisq/lexharvester/internal/storage/postgres"
)

// App owns the wired components and their lifecycles.
type App struct {
	cfg config.Config
	log *zap.Logger

	store        harvest.RecordStore
	storeCloser  func()
	blobs        harvest.BlobStore
	fetcher      harvest.Fetcher
	headless     *headless.Fetcher
	detect       *detector.Heuristic
	publisher    harvest.Publisher
	orchestrator *enrich.Orchestrator

	pubsubClient *pubsub.Client
	gcsClient    *gcstorage.Client
}

// New builds the full component graph from configuration.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initBlobStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Site.UserAgent,
		Timeout:        cfg.RequestTimeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		Delay:          cfg.PolitenessDelay(),
	}, log.Named("fetcher"))

	if cfg.Headless.Enabled {
		hf, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Site.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.headless = hf
		a.detect = detector.NewHeuristic(cfg.Headless.PromotionThresh)
	}

	if err := a.initOrchestrator(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.log.Info("using in-memory record store")
		a.store = memory.NewRecordStore()
		return nil
	}
	store, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifeMins) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("init postgres store: %w", err)
	}
	a.store = store
	a.storeCloser = store.Close
	return nil
}

func (a *App) initBlobStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "memory":
		a.blobs = memory.NewBlobStore()
	case "local":
		blobs, err := local.New(local.Config{
			BaseDir: a.cfg.Storage.BaseDir,
			Prefix:  a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init local blob store: %w", err)
		}
		a.blobs = blobs
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcs.New(client, gcs.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
		a.blobs = blobs
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

// initPublisher connects Pub/Sub when configured; events are optional and
// the app runs without them.
func (a *App) initPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	a.pubsubClient = client
	a.publisher = pubsubpub.New(client.Topic(a.cfg.PubSub.TopicName))
	return nil
}

func (a *App) initOrchestrator() error {
	downloadProc, err := download.New(a.fetcher, a.blobs, sha256.New(),
		download.WithFallbackContentType(a.cfg.Storage.ContentType))
	if err != nil {
		return fmt.Errorf("init download processor: %w", err)
	}
	processors := []harvest.StageProcessor{downloadProc}

	if a.cfg.Enrich.APIBaseURL != "" {
		client, err := ai.NewClient(ai.Config{
			BaseURL: a.cfg.Enrich.APIBaseURL,
			APIKey:  a.cfg.Enrich.APIKey,
			Timeout: time.Duration(a.cfg.Enrich.CallTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init ai client: %w", err)
		}
		processors = append(processors,
			ai.NewTranslateProcessor(client),
			ai.NewAnalyzeProcessor(client),
			ai.NewEmbedProcessor(client),
		)
	} else {
		a.log.Warn("enrich.api_base_url not set; only the download stage is available")
	}

	ratePerSecond := 0.0
	if a.cfg.Enrich.RateLimitMs > 0 {
		ratePerSecond = 1000.0 / float64(a.cfg.Enrich.RateLimitMs)
	}
	opts := []enrich.Option{enrich.WithLogger(a.log.Named("enrich"))}
	if a.publisher != nil {
		opts = append(opts, enrich.WithPublisher(a.publisher))
	}
	orchestrator, err := enrich.New(enrich.Config{
		BatchSize:        a.cfg.Enrich.BatchSize,
		PerRecordTimeout: time.Duration(a.cfg.Enrich.CallTimeoutSeconds) * time.Second,
		RatePerSecond:    ratePerSecond,
	}, a.store, processors, opts...)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	a.orchestrator = orchestrator
	return nil
}

// Close releases external resources.
func (a *App) Close() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubClient != nil {
		_ = a.pubsubClient.Close()
	}
	if a.gcsClient != nil {
		_ = a.gcsClient.Close()
	}
	if a.storeCloser != nil {
		a.storeCloser()
	}
}

// RunnerFor implements api.RunnerFactory. Supported names:
// "harvest:<section>", "enrich:<stage>" and "enrich:<stage>:retry".
func (a *App) RunnerFor(name string) (jobs.Runner, error) {
	parts := strings.Split(name, ":")
	switch {
	case len(parts) == 2 && parts[0] == "harvest":
		return a.harvestRunner(parts[1])
	case len(parts) >= 2 && parts[0] == "enrich":
		retry := len(parts) == 3 && parts[2] == "retry"
		if len(parts) == 3 && !retry {
			return nil, api.ErrUnknownJob
		}
		return a.enrichRunner(harvest.Stage(parts[1]), retry)
	default:
		return nil, api.ErrUnknownJob
	}
}

func (a *App) harvestRunner(sectionName string) (jobs.Runner, error) {
	section, ok := a.cfg.Sections[sectionName]
	if !ok {
		return nil, fmt.Errorf("%w: no section %q configured", api.ErrUnknownJob, sectionName)
	}

	extractor, err := gazette.New(gazette.Config{
		BaseURL:        a.cfg.Site.BaseURL,
		DefaultChamber: section.Chamber,
	})
	if err != nil {
		return nil, fmt.Errorf("init extractor for %s: %w", sectionName, err)
	}

	maxPages := section.MaxPages
	if maxPages == 0 {
		maxPages = a.cfg.Harvest.MaxPagesDefault
	}
	opts := []paginator.Option{paginator.WithLogger(a.log.Named("paginator"))}
	if a.publisher != nil {
		opts = append(opts, paginator.WithPublisher(a.publisher))
	}
	if a.headless != nil {
		opts = append(opts, paginator.WithHeadlessFallback(a.headless, a.detect.ShouldPromote))
	}
	crawler, err := paginator.New(paginator.Config{
		Section:            sectionName,
		ListURL:            section.StartURL,
		MaxPages:           maxPages,
		EmptyPageThreshold: a.cfg.Harvest.EmptyPageThreshold,
	}, a.fetcher, extractor, a.store, opts...)
	if err != nil {
		return nil, fmt.Errorf("init crawler for %s: %w", sectionName, err)
	}

	return func(ctx context.Context, run *jobs.Run) error {
		counters, err := crawler.Run(ctx, run.Stopping, func(c harvest.SectionCounters) {
			setHarvestProgress(run, c)
		})
		setHarvestProgress(run, counters)
		return err
	}, nil
}

func setHarvestProgress(run *jobs.Run, c harvest.SectionCounters) {
	run.SetProgress("pages_visited", c.PagesVisited)
	run.SetProgress("themes_seen", c.ThemesSeen)
	run.SetProgress("decisions_seen", c.DecisionsSeen)
	run.SetProgress("documents_seen", c.DocumentsSeen)
	run.SetProgress("records_inserted", c.RecordsInserted)
}

func (a *App) enrichRunner(stage harvest.Stage, retry bool) (jobs.Runner, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", api.ErrUnknownJob, stage)
	}
	if !a.orchestrator.HasProcessor(stage) {
		return nil, fmt.Errorf("%w: stage %q has no processor configured", api.ErrUnknownJob, stage)
	}
	return func(ctx context.Context, run *jobs.Run) error {
		if total, err := a.stageTotal(ctx, stage, retry); err == nil {
			run.SetProgress("total", total)
		}
		progress := func(r harvest.StageReport) { setEnrichProgress(run, r) }

		var (
			report harvest.StageReport
			err    error
		)
		if retry {
			report, err = a.orchestrator.RetryFailed(ctx, stage, run.Stopping, progress)
		} else {
			report, err = a.orchestrator.RunStage(ctx, stage, run.Stopping, progress)
		}
		setEnrichProgress(run, report)
		return err
	}, nil
}

// stageTotal reports how many records a pass will work through, so the
// progress endpoint can show processed against a total.
func (a *App) stageTotal(ctx context.Context, stage harvest.Stage, retry bool) (int, error) {
	if retry {
		return a.store.CountByStage(ctx, stage, harvest.StatusFailed)
	}
	return a.orchestrator.PendingCount(ctx, stage)
}

func setEnrichProgress(run *jobs.Run, r harvest.StageReport) {
	run.SetProgress("processed", r.Processed)
	run.SetProgress("succeeded", r.Succeeded)
	run.SetProgress("failed", r.Failed)
	if r.LastError != "" {
		run.SetProgress("last_error", r.LastError)
	}
}

// Store exposes the record store (for readiness checks and tests).
func (a *App) Store() harvest.RecordStore { return a.store }
