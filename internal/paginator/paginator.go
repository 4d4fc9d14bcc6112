// Package paginator walks a section's listing pages, upserting extracted
// records until the source is exhausted.
package paginator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/jurisq/lexharvester/internal/clock/system"
	"github.com/jurisq/lexharvester/internal/harvest"
	"github.com/jurisq/lexharvester/internal/metrics"
)

// TopicRecordIngested receives one event per newly inserted record.
const TopicRecordIngested = "record.ingested"

// Config controls one section crawl.
type Config struct {
	// Section names the listing being crawled (e.g. "civil").
	Section string
	// ListURL is the listing endpoint; PageParam is appended as a query
	// parameter, starting at 1.
	ListURL   string
	PageParam string
	// MaxPages caps the crawl as a safety net. Zero means no cap.
	MaxPages int
	// EmptyPageThreshold stops the crawl after this many consecutive pages
	// that produced no new decision or document records.
	EmptyPageThreshold int
}

// RecordIngested is the payload published for each inserted record.
type RecordIngested struct {
	NaturalKey string `json:"natural_key"`
	Kind       string `json:"kind"`
	Section    string `json:"section"`
}

// Crawler runs the paginated harvest loop for one section.
type Crawler struct {
	cfg       Config
	fetcher   harvest.Fetcher
	headless  harvest.Fetcher
	promote   func(resp harvest.FetchResponse) bool
	extractor harvest.PageExtractor
	store     harvest.RecordStore
	publisher harvest.Publisher
	clock     harvest.Clock
	log       *zap.Logger
}

// Option configures optional crawler collaborators.
type Option func(*Crawler)

// WithHeadlessFallback refetches a page with the headless fetcher when
// promote reports the static response is an empty JS shell.
func WithHeadlessFallback(headless harvest.Fetcher, promote func(resp harvest.FetchResponse) bool) Option {
	return func(c *Crawler) {
		c.headless = headless
		c.promote = promote
	}
}

// WithPublisher emits a record.ingested event per inserted record.
func WithPublisher(p harvest.Publisher) Option {
	return func(c *Crawler) { c.publisher = p }
}

// WithLogger sets the crawler logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Crawler) { c.log = log }
}

// WithClock overrides the clock used to stamp HarvestedAt.
func WithClock(clock harvest.Clock) Option {
	return func(c *Crawler) { c.clock = clock }
}

// New builds a Crawler.
func New(
	cfg Config,
	fetcher harvest.Fetcher,
	extractor harvest.PageExtractor,
	store harvest.RecordStore,
	opts ...Option,
) (*Crawler, error) {
	if cfg.Section == "" {
		return nil, fmt.Errorf("section is required")
	}
	if cfg.ListURL == "" {
		return nil, fmt.Errorf("list url is required")
	}
	if fetcher == nil || extractor == nil || store == nil {
		return nil, fmt.Errorf("fetcher, extractor and store are required")
	}
	c := &Crawler{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		clock:     system.Clock{},
		log:       zap.NewNop(),
	}
	if c.cfg.PageParam == "" {
		c.cfg.PageParam = "page"
	}
	if c.cfg.EmptyPageThreshold <= 0 {
		c.cfg.EmptyPageThreshold = 2
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run crawls listing pages until the stop heuristic fires, the source
// reports no further pages, the page cap is reached, or stop returns true.
// stop is checked at page boundaries only; an in-flight page always
// completes. progress, when non-nil, receives the running counters after
// every ingested page so a poller sees the crawl advance.
//
// A page that fails permanently (4xx, unparseable markup) is logged and
// skipped; it neither advances nor resets the empty-page counter. Store
// errors abort the run: continuing past a persistence failure would
// silently drop records.
func (c *Crawler) Run(ctx context.Context, stop func() bool, progress func(harvest.SectionCounters)) (harvest.SectionCounters, error) {
	var counters harvest.SectionCounters
	consecutiveEmpty := 0

	for page := 1; c.cfg.MaxPages == 0 || page <= c.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return counters, err
		}
		if stop != nil && stop() {
			c.log.Info("crawl stopped by request",
				zap.String("section", c.cfg.Section), zap.Int("page", page))
			return counters, nil
		}

		pageURL := c.pageURL(page)
		body, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			var permanent *harvest.PermanentFetchError
			if errors.As(err, &permanent) {
				c.log.Warn("page fetch failed permanently, skipping",
					zap.String("section", c.cfg.Section),
					zap.String("url", pageURL),
					zap.Int("status", permanent.StatusCode))
				metrics.ObservePage(c.cfg.Section, "skipped")
				continue
			}
			metrics.ObservePage(c.cfg.Section, "error")
			return counters, fmt.Errorf("fetch page %d: %w", page, err)
		}

		result, err := c.extractor.Extract(body)
		if err != nil {
			c.log.Warn("page extraction failed, skipping",
				zap.String("section", c.cfg.Section),
				zap.Error(&harvest.ExtractionError{Page: page, URL: pageURL, Err: err}))
			metrics.ObservePage(c.cfg.Section, "skipped")
			continue
		}
		metrics.ObservePage(c.cfg.Section, "ok")
		counters.PagesVisited++

		newRecords, err := c.ingest(ctx, result, &counters)
		if progress != nil {
			progress(counters)
		}
		if err != nil {
			return counters, err
		}

		if newRecords == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= c.cfg.EmptyPageThreshold {
				c.log.Info("stopping: consecutive pages without new records",
					zap.String("section", c.cfg.Section),
					zap.Int("pages", consecutiveEmpty))
				return counters, nil
			}
		} else {
			consecutiveEmpty = 0
		}

		if !result.HasMore {
			c.log.Info("stopping: source reports no further pages",
				zap.String("section", c.cfg.Section), zap.Int("page", page))
			return counters, nil
		}
	}

	c.log.Info("stopping: page cap reached",
		zap.String("section", c.cfg.Section), zap.Int("max_pages", c.cfg.MaxPages))
	return counters, nil
}

// ingest upserts the page's records and classifications. Returns the
// number of newly inserted decision and document records; themes recur on
// every page and would defeat the stop heuristic if counted.
func (c *Crawler) ingest(ctx context.Context, result harvest.PageResult, counters *harvest.SectionCounters) (int, error) {
	newRecords := 0
	for _, rec := range result.Records {
		if rec.HarvestedAt.IsZero() {
			rec.HarvestedAt = c.clock.Now()
		}
		inserted, err := c.store.UpsertRecord(ctx, rec)
		if err != nil {
			return newRecords, fmt.Errorf("upsert record %s: %w", rec.NaturalKey, err)
		}
		switch rec.Kind {
		case harvest.KindTheme:
			counters.ThemesSeen++
		case harvest.KindDecision:
			counters.DecisionsSeen++
		case harvest.KindDocument:
			counters.DocumentsSeen++
		}
		if inserted == 0 {
			continue
		}
		counters.RecordsInserted++
		metrics.ObserveRecordsInserted(string(rec.Kind), inserted)
		if rec.Kind != harvest.KindTheme {
			newRecords++
		}
		c.publishIngested(ctx, rec)
	}
	for _, cls := range result.Classifications {
		if _, err := c.store.UpsertClassification(ctx, cls); err != nil {
			return newRecords, fmt.Errorf("upsert classification %s/%s: %w", cls.DecisionKey, cls.ThemeKey, err)
		}
	}
	return newRecords, nil
}

// publishIngested emits the event best effort; harvesting never fails
// because a downstream consumer is unreachable.
func (c *Crawler) publishIngested(ctx context.Context, rec harvest.Record) {
	if c.publisher == nil {
		return
	}
	payload := RecordIngested{
		NaturalKey: rec.NaturalKey,
		Kind:       string(rec.Kind),
		Section:    c.cfg.Section,
	}
	if _, err := c.publisher.Publish(ctx, TopicRecordIngested, payload); err != nil {
		c.log.Warn("publish record.ingested failed",
			zap.String("natural_key", rec.NaturalKey), zap.Error(err))
	}
}

func (c *Crawler) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	resp, err := c.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if c.headless != nil && c.promote != nil && c.promote(resp) {
		c.log.Debug("promoting page to headless fetch", zap.String("url", pageURL))
		headlessResp, err := c.headless.Fetch(ctx, pageURL)
		if err != nil {
			// The static body is still usable; fall back to it.
			c.log.Warn("headless fetch failed, using static body",
				zap.String("url", pageURL), zap.Error(err))
			return resp.Body, nil
		}
		return headlessResp.Body, nil
	}
	return resp.Body, nil
}

func (c *Crawler) pageURL(page int) string {
	u, err := url.Parse(c.cfg.ListURL)
	if err != nil {
		return c.cfg.ListURL
	}
	q := u.Query()
	q.Set(c.cfg.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}
