// Package enrich drives the per-stage enrichment passes over harvested
// records.
package enrich

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jurisq/lexharvester/internal/harvest"
	"github.com/jurisq/lexharvester/internal/metrics"
)

// TopicStageCompleted receives one event per finished stage pass.
const TopicStageCompleted = "stage.completed"

// Config controls one orchestrator.
type Config struct {
	// BatchSize bounds how many records are pulled from the store per
	// round trip.
	BatchSize int
	// PerRecordTimeout bounds each external processor call.
	PerRecordTimeout time.Duration
	// RatePerSecond throttles processor calls. Zero disables throttling.
	RatePerSecond float64
}

// StageCompleted is the payload published when a stage pass finishes.
type StageCompleted struct {
	Stage     string `json:"stage"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Orchestrator runs enrichment stages as resumable batch passes. Each
// record commits individually, so a crash or stop mid-pass loses at most
// the record being processed, and that one is rewound at the next startup.
type Orchestrator struct {
	cfg        Config
	store      harvest.RecordStore
	processors map[harvest.Stage]harvest.StageProcessor
	limiter    *rate.Limiter
	publisher  harvest.Publisher
	log        *zap.Logger
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithPublisher emits a stage.completed event per finished pass.
func WithPublisher(p harvest.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithLogger sets the orchestrator logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New builds an Orchestrator over the given processors.
func New(cfg Config, store harvest.RecordStore, processors []harvest.StageProcessor, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(processors) == 0 {
		return nil, fmt.Errorf("at least one processor is required")
	}
	byStage := make(map[harvest.Stage]harvest.StageProcessor, len(processors))
	for _, p := range processors {
		if !p.Stage().Valid() {
			return nil, fmt.Errorf("processor has unknown stage %q", p.Stage())
		}
		if _, dup := byStage[p.Stage()]; dup {
			return nil, fmt.Errorf("duplicate processor for stage %q", p.Stage())
		}
		byStage[p.Stage()] = p
	}
	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		processors: byStage,
		log:        zap.NewNop(),
	}
	if o.cfg.BatchSize <= 0 {
		o.cfg.BatchSize = 20
	}
	if o.cfg.PerRecordTimeout <= 0 {
		o.cfg.PerRecordTimeout = 60 * time.Second
	}
	if cfg.RatePerSecond > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunStage processes all pending records for a stage. Records that fail
// stay failed and do not block the rest of the pass. progress, when
// non-nil, receives the running report after every committed record so a
// poller sees the pass advance.
func (o *Orchestrator) RunStage(ctx context.Context, stage harvest.Stage, stop func() bool, progress func(harvest.StageReport)) (harvest.StageReport, error) {
	return o.run(ctx, stage, harvest.StatusPending, stop, progress)
}

// RetryFailed re-runs a stage over its failed records.
func (o *Orchestrator) RetryFailed(ctx context.Context, stage harvest.Stage, stop func() bool, progress func(harvest.StageReport)) (harvest.StageReport, error) {
	return o.run(ctx, stage, harvest.StatusFailed, stop, progress)
}

func (o *Orchestrator) run(ctx context.Context, stage harvest.Stage, from harvest.StageStatus, stop func() bool, progress func(harvest.StageReport)) (harvest.StageReport, error) {
	report := harvest.StageReport{Stage: stage}
	processor, ok := o.processors[stage]
	if !ok {
		return report, fmt.Errorf("no processor registered for stage %q", stage)
	}

	// Crash recovery: whatever was left in_progress by an interrupted run
	// cannot be trusted as complete.
	rewound, err := o.store.ResetInProgress(ctx, stage)
	if err != nil {
		return report, fmt.Errorf("reset in_progress: %w", err)
	}
	if rewound > 0 {
		o.log.Info("rewound interrupted records",
			zap.String("stage", string(stage)), zap.Int("count", rewound))
	}

	// A failed record that fails again re-enters the failed set, so the
	// retry pass works off a one-shot snapshot instead of re-querying.
	if from == harvest.StatusFailed {
		snapshot, err := o.store.FindByStage(ctx, stage, from, 0)
		if err != nil {
			return report, fmt.Errorf("find %s records: %w", from, err)
		}
		for _, rec := range snapshot {
			if stop != nil && stop() {
				return report, nil
			}
			if err := o.processRecord(ctx, processor, stage, rec, &report); err != nil {
				return report, err
			}
			if progress != nil {
				progress(report)
			}
		}
		o.publishCompleted(ctx, report)
		return report, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := o.store.FindByStage(ctx, stage, from, o.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("find %s records: %w", from, err)
		}
		if len(batch) == 0 {
			o.publishCompleted(ctx, report)
			return report, nil
		}
		for _, rec := range batch {
			if stop != nil && stop() {
				o.log.Info("stage pass stopped by request",
					zap.String("stage", string(stage)),
					zap.Int("processed", report.Processed))
				return report, nil
			}
			if err := o.processRecord(ctx, processor, stage, rec, &report); err != nil {
				return report, err
			}
			if progress != nil {
				progress(report)
			}
		}
	}
}

// processRecord runs one record through the stage processor and commits
// the outcome. Processor failures are recorded in the report; only store
// failures propagate as errors.
func (o *Orchestrator) processRecord(
	ctx context.Context,
	processor harvest.StageProcessor,
	stage harvest.Stage,
	rec harvest.Record,
	report *harvest.StageReport,
) error {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := o.store.AdvanceStage(ctx, rec.NaturalKey, stage, harvest.StatusInProgress, harvest.StageResult{}); err != nil {
		return fmt.Errorf("mark %s in_progress: %w", rec.NaturalKey, err)
	}
	report.Processed++

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.PerRecordTimeout)
	result, procErr := processor.Process(callCtx, rec)
	cancel()

	if procErr != nil {
		report.Failed++
		report.LastError = procErr.Error()
		metrics.ObserveStageRecord(string(stage), "failed")
		o.log.Warn("stage processing failed",
			zap.String("natural_key", rec.NaturalKey),
			zap.String("stage", string(stage)),
			zap.Bool("transient", harvest.IsTransient(procErr)),
			zap.Error(procErr))
		if err := o.store.AdvanceStage(ctx, rec.NaturalKey, stage, harvest.StatusFailed, harvest.StageResult{}); err != nil {
			return fmt.Errorf("mark %s failed: %w", rec.NaturalKey, err)
		}
		return nil
	}

	if err := o.store.AdvanceStage(ctx, rec.NaturalKey, stage, harvest.StatusSuccess, result); err != nil {
		return fmt.Errorf("mark %s success: %w", rec.NaturalKey, err)
	}
	report.Succeeded++
	metrics.ObserveStageRecord(string(stage), "success")
	return nil
}

// publishCompleted emits the pass summary best effort.
func (o *Orchestrator) publishCompleted(ctx context.Context, report harvest.StageReport) {
	if o.publisher == nil {
		return
	}
	payload := StageCompleted{
		Stage:     string(report.Stage),
		Processed: report.Processed,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
	}
	if _, err := o.publisher.Publish(ctx, TopicStageCompleted, payload); err != nil {
		o.log.Warn("publish stage.completed failed",
			zap.String("stage", string(report.Stage)), zap.Error(err))
	}
}

// PendingCount reports how many records still await a stage. Used by the
// progress endpoint.
func (o *Orchestrator) PendingCount(ctx context.Context, stage harvest.Stage) (int, error) {
	return o.store.CountByStage(ctx, stage, harvest.StatusPending)
}

// HasProcessor reports whether a stage can be run by this orchestrator.
func (o *Orchestrator) HasProcessor(stage harvest.Stage) bool {
	_, ok := o.processors[stage]
	return ok
}
