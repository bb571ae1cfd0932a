// Package detector turns file events into entropy verdicts.
//
// Each event is sampled, scored and compared against a threshold. Files
// scoring above it are suspicious; at most one Verdict per path is reported
// within the cooldown window. Events are sharded across workers by path so
// that a given path is always processed in arrival order.
package detector

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"entropyguard/internal/entropy"
	"entropyguard/internal/sampler"
	"entropyguard/internal/watcher"
)

// Defaults used when Config fields are zero.
const (
	DefaultThreshold = 7.5
	DefaultCooldown  = 5 * time.Minute
	DefaultQueueSize = 64
	DefaultGrace     = 10 * time.Second
)

// State is the per-path detection state.
type State int

const (
	Idle State = iota
	Sampling
	Scoring
	Clean
	Suspicious
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sampling:
		return "sampling"
	case Scoring:
		return "scoring"
	case Clean:
		return "clean"
	case Suspicious:
		return "suspicious"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Decision is the outcome recorded for one processed event.
type Decision string

const (
	DecisionClean      Decision = "clean"
	DecisionSuspicious Decision = "suspicious"
	DecisionSuppressed Decision = "suppressed" // suspicious, inside cooldown
	DecisionSkipped    Decision = "skipped"    // sampling failed
)

// Verdict is emitted when a file's entropy exceeds the threshold.
type Verdict struct {
	Path       string
	Score      float64
	Threshold  float64
	DeviceID   string
	DecidedAt  time.Time
	SampleSize int64
	Partial    bool
}

// Result describes how one event was handled.
type Result struct {
	Event    watcher.Event
	State    State
	Decision Decision
	Score    float64
	Size     int64
	Partial  bool
	Verdict  *Verdict
	Err      error // sample or report failure
	Duration time.Duration
}

// Config controls detection policy and concurrency.
type Config struct {
	DeviceID  string
	// Threshold is in bits per byte. Zero selects DefaultThreshold;
	// anything else outside (0, 8] is rejected by New.
	Threshold float64
	Cooldown  time.Duration
	Workers   int
	QueueSize int
	Grace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	return c
}

// Sampler reads file content.
type Sampler interface {
	Sample(ctx context.Context, path string) (*sampler.Sample, error)
}

// Reporter delivers verdicts to the alert sink.
type Reporter interface {
	Report(ctx context.Context, v Verdict) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, v Verdict) error

func (f ReporterFunc) Report(ctx context.Context, v Verdict) error { return f(ctx, v) }

// Observer receives every Result.
type Observer interface {
	Observe(Result)
}

// Engine runs the detection state machine.
type Engine struct {
	cfg       Config
	sampler   Sampler
	reporter  Reporter
	logger    *slog.Logger
	observers []Observer
	cooldown  *Cooldown
	now       func() time.Time

	mu     sync.Mutex
	states map[string]State

	processed atomic.Uint64
	verdicts  atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an engine.
func New(cfg Config, s Sampler, r Reporter, logger *slog.Logger, observers ...Observer) (*Engine, error) {
	if s == nil {
		return nil, errors.New("detector: sampler is required")
	}
	if r == nil {
		return nil, errors.New("detector: reporter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if math.IsNaN(cfg.Threshold) || cfg.Threshold < 0 || cfg.Threshold > entropy.MaxBitsPerByte {
		return nil, fmt.Errorf("detector: threshold %v outside (0, %v]", cfg.Threshold, entropy.MaxBitsPerByte)
	}
	cfg = cfg.withDefaults()

	return &Engine{
		cfg:       cfg,
		sampler:   s,
		reporter:  r,
		logger:    logger,
		observers: observers,
		cooldown:  NewCooldown(cfg.Cooldown),
		now:       time.Now,
		states:    make(map[string]State),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the current state of path. Paths not being processed are Idle.
func (e *Engine) State(path string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[path]
}

func (e *Engine) setState(path string, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == Idle {
		delete(e.states, path)
		return
	}
	e.states[path] = s
}

// Stats returns counters of processed events, emitted verdicts and events
// dropped at shutdown.
func (e *Engine) Stats() (processed, verdicts, dropped uint64) {
	return e.processed.Load(), e.verdicts.Load(), e.dropped.Load()
}

// Run consumes events until ctx is cancelled or events is closed. On
// return every shard has drained; work still running Grace after
// cancellation has its context cancelled and queued events are dropped.
func (e *Engine) Run(ctx context.Context, events <-chan watcher.Event) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	shards := make([]chan watcher.Event, e.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan watcher.Event, e.cfg.QueueSize)
		wg.Add(1)
		go func(queue <-chan watcher.Event) {
			defer wg.Done()
			e.worker(workCtx, queue)
		}(shards[i])
	}

	e.logger.Info("detection engine started",
		"workers", e.cfg.Workers,
		"threshold", e.cfg.Threshold,
		"cooldown", e.cfg.Cooldown,
	)

	e.dispatch(ctx, events, shards)

	for _, q := range shards {
		close(q)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	if ctx.Err() != nil {
		grace := time.NewTimer(e.cfg.Grace)
		select {
		case <-drained:
			grace.Stop()
		case <-grace.C:
			e.logger.Warn("grace period expired, aborting in-flight work", "grace", e.cfg.Grace)
			cancelWork()
			<-drained
		}
	} else {
		<-drained
	}

	processed, verdicts, dropped := e.Stats()
	e.logger.Info("detection engine stopped",
		"processed", processed,
		"verdicts", verdicts,
		"dropped", dropped,
	)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, events <-chan watcher.Event, shards []chan watcher.Event) {
	prune := time.NewTicker(max(e.cfg.Cooldown, time.Second))
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-prune.C:
			e.cooldown.Prune(now)
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case shards[shardFor(ev.Path, len(shards))] <- ev:
			case <-ctx.Done():
				e.dropped.Add(1)
				return
			}
		}
	}
}

func (e *Engine) worker(ctx context.Context, queue <-chan watcher.Event) {
	for ev := range queue {
		if ctx.Err() != nil {
			e.dropped.Add(1)
			continue
		}
		e.Process(ctx, ev)
	}
}

func shardFor(path string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(path))
	return int(h.Sum32() % uint32(n))
}

// Process runs one event through sample, score, decide and report. It never
// panics on file races; failures are carried in Result.Err.
func (e *Engine) Process(ctx context.Context, ev watcher.Event) Result {
	start := e.now()
	res := Result{Event: ev}
	defer func() {
		res.Duration = e.now().Sub(start)
		e.setState(ev.Path, Idle)
		e.processed.Add(1)
		for _, o := range e.observers {
			o.Observe(res)
		}
	}()

	e.setState(ev.Path, Sampling)
	sample, err := e.sampler.Sample(ctx, ev.Path)
	if err != nil {
		res.State = Idle
		res.Decision = DecisionSkipped
		res.Err = err
		e.logSkipped(ev, err)
		return res
	}

	e.setState(ev.Path, Scoring)
	res.Score = entropy.Estimate(sample.Bytes)
	res.Size = sample.Size
	res.Partial = sample.Partial

	decidedAt := e.now()
	if res.Score <= e.cfg.Threshold {
		res.State = Clean
		res.Decision = DecisionClean
		e.setState(ev.Path, Clean)
		e.logDecision(ev, res, decidedAt)
		return res
	}

	res.State = Suspicious
	e.setState(ev.Path, Suspicious)

	if !e.cooldown.TryAcquire(ev.Path, decidedAt) {
		res.Decision = DecisionSuppressed
		e.logDecision(ev, res, decidedAt)
		return res
	}

	res.Decision = DecisionSuspicious
	v := Verdict{
		Path:       ev.Path,
		Score:      res.Score,
		Threshold:  e.cfg.Threshold,
		DeviceID:   e.cfg.DeviceID,
		DecidedAt:  decidedAt,
		SampleSize: sample.Size,
		Partial:    sample.Partial,
	}
	res.Verdict = &v
	e.verdicts.Add(1)
	e.logDecision(ev, res, decidedAt)

	if err := e.reporter.Report(ctx, v); err != nil {
		// The verdict is dead-lettered by the reporter; the cooldown stays
		// in place so a burst does not produce a flood of failing reports.
		res.Err = err
		e.logger.Error("alert report failed", "path", ev.Path, "score", res.Score, "error", err)
	}
	return res
}

func (e *Engine) logDecision(ev watcher.Event, res Result, decidedAt time.Time) {
	level := slog.LevelInfo
	if res.State == Suspicious {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "file scored",
		"path", ev.Path,
		"event", ev.Kind.String(),
		"score", res.Score,
		"threshold", e.cfg.Threshold,
		"decision", string(res.Decision),
		"timestamp", decidedAt.UTC().Format(time.RFC3339Nano),
		"partial", res.Partial,
		"size", res.Size,
	)
}

func (e *Engine) logSkipped(ev watcher.Event, err error) {
	level := slog.LevelWarn
	if errors.Is(err, sampler.ErrNotFound) {
		level = slog.LevelDebug
	}
	e.logger.Log(context.Background(), level, "file skipped",
		"path", ev.Path,
		"event", ev.Kind.String(),
		"decision", string(DecisionSkipped),
		"timestamp", e.now().UTC().Format(time.RFC3339Nano),
		"reason", sampler.KindOf(err).String(),
		"error", err,
	)
}
