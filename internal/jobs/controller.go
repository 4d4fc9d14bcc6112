// Package jobs provides single-flight job control: at most one run per
// job name, with cooperative stop and progress snapshots.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jurisq/lexharvester/internal/metrics"
)

// ErrAlreadyRunning is returned by Start when the job has an active run.
var ErrAlreadyRunning = errors.New("job already running")

// ErrNotRunning is returned by Stop when the job has no active run.
var ErrNotRunning = errors.New("job not running")

// State is the lifecycle state of a job.
type State string

// Job states. A job returns to idle after a natural completion; a stop
// request moves it through stopping to stopped.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Runner executes one job run. It must check run.Stopping() at safe
// boundaries and return promptly when it reports true.
type Runner func(ctx context.Context, run *Run) error

// Snapshot is a point-in-time view of a job.
type Snapshot struct {
	Job        string         `json:"job"`
	RunID      string         `json:"run_id,omitempty"`
	State      State          `json:"state"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Progress   map[string]any `json:"progress,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Run is the handle passed to a Runner. Progress written here is visible
// through Controller.Progress while the run is still going.
type Run struct {
	id       string
	mu       sync.RWMutex
	stopping bool
	progress map[string]any
}

// ID returns the unique run identifier.
func (r *Run) ID() string { return r.id }

// Stopping reports whether a cooperative stop was requested. Runners
// check this at page/record boundaries; in-flight external calls are
// never cancelled.
func (r *Run) Stopping() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopping
}

// SetProgress publishes one progress value.
func (r *Run) SetProgress(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[key] = value
}

func (r *Run) requestStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopping = true
}

func (r *Run) progressSnapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.progress) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.progress))
	for k, v := range r.progress {
		out[k] = v
	}
	return out
}

type jobState struct {
	state      State
	run        *Run
	startedAt  time.Time
	finishedAt *time.Time
	lastErr    string
}

// Controller tracks jobs by name and enforces single-flight execution.
type Controller struct {
	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup
	log  *zap.Logger
}

// New builds a Controller.
func New(log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		jobs: make(map[string]*jobState),
		log:  log,
	}
}

// Start launches a run for the named job. A second start while the job is
// running or stopping returns ErrAlreadyRunning.
func (c *Controller) Start(ctx context.Context, name string, runner Runner) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	js, ok := c.jobs[name]
	if ok && (js.state == StateRunning || js.state == StateStopping) {
		return "", ErrAlreadyRunning
	}

	run := &Run{
		id:       uuid.NewString(),
		progress: make(map[string]any),
	}
	c.jobs[name] = &jobState{
		state:     StateRunning,
		run:       run,
		startedAt: time.Now().UTC(),
	}
	c.log.Info("job started", zap.String("job", name), zap.String("run_id", run.id))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := runner(ctx, run)
		c.finish(name, run, err)
	}()
	return run.id, nil
}

// finish records the run outcome. A stopped or fatally failed run lands
// in stopped; a natural completion returns the job to idle, even when
// some records failed (failures live in the run's progress counters).
func (c *Controller) finish(name string, run *Run, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	js, ok := c.jobs[name]
	if !ok || js.run != run {
		return
	}
	now := time.Now().UTC()
	js.finishedAt = &now

	switch {
	case err != nil:
		js.state = StateStopped
		js.lastErr = err.Error()
		metrics.ObserveJob(name, "error")
		c.log.Error("job failed", zap.String("job", name),
			zap.String("run_id", run.id), zap.Error(err))
	case run.Stopping():
		js.state = StateStopped
		metrics.ObserveJob(name, "stopped")
		c.log.Info("job stopped", zap.String("job", name), zap.String("run_id", run.id))
	default:
		js.state = StateIdle
		metrics.ObserveJob(name, "completed")
		c.log.Info("job completed", zap.String("job", name), zap.String("run_id", run.id))
	}
}

// Stop requests a cooperative stop of the named job's active run.
func (c *Controller) Stop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	js, ok := c.jobs[name]
	if !ok || js.state != StateRunning {
		return ErrNotRunning
	}
	js.state = StateStopping
	js.run.requestStop()
	c.log.Info("job stop requested", zap.String("job", name), zap.String("run_id", js.run.id))
	return nil
}

// Progress returns the current snapshot for a job. Unknown jobs report
// idle with no run.
func (c *Controller) Progress(name string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	js, ok := c.jobs[name]
	if !ok {
		return Snapshot{Job: name, State: StateIdle}
	}
	return c.snapshotLocked(name, js)
}

// List returns snapshots of all jobs the controller has seen.
func (c *Controller) List() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Snapshot, 0, len(c.jobs))
	for name, js := range c.jobs {
		out = append(out, c.snapshotLocked(name, js))
	}
	return out
}

// StopAll requests a cooperative stop of every running job.
func (c *Controller) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, js := range c.jobs {
		if js.state == StateRunning {
			js.state = StateStopping
			js.run.requestStop()
			c.log.Info("job stop requested", zap.String("job", name), zap.String("run_id", js.run.id))
		}
	}
}

// Wait blocks until all launched runs have finished. Used during shutdown.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) snapshotLocked(name string, js *jobState) Snapshot {
	snap := Snapshot{
		Job:        name,
		State:      js.state,
		FinishedAt: js.finishedAt,
		Error:      js.lastErr,
	}
	if js.run != nil {
		snap.RunID = js.run.id
		snap.Progress = js.run.progressSnapshot()
	}
	if !js.startedAt.IsZero() {
		started := js.startedAt
		snap.StartedAt = &started
	}
	return snap
}
