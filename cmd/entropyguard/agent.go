package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"entropyguard/internal/alert"
	"entropyguard/internal/broadcast"
	"entropyguard/internal/config"
	"entropyguard/internal/detector"
	"entropyguard/internal/health"
	"entropyguard/internal/ledger"
	"entropyguard/internal/logging"
	"entropyguard/internal/metrics"
	"entropyguard/internal/sampler"
	"entropyguard/internal/store"
	"entropyguard/internal/wal"
	"entropyguard/internal/watcher"
)

// deadLetterBacklog is the number of pending dead letters above which the
// agent reports itself degraded.
const deadLetterBacklog = 100

// alertStore is the durable side of the dispatcher.
type alertStore interface {
	alert.Ledger
	alert.DeadLetters
}

// agent is one fully wired detection pipeline.
type agent struct {
	cfg    *config.Config
	logger *slog.Logger
	crash  *logging.CrashHandler

	store    alertStore
	sink     alert.Sink
	journal  *wal.Journal
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	health   *health.Checker

	watcher    *watcher.Watcher
	engine     *detector.Engine
	dispatcher *alert.Dispatcher

	closers []io.Closer
}

func newLogger(c config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Output
	lc.FilePath = c.FilePath
	lc.MaxSize = int64(c.MaxSizeMB)
	lc.MaxBackups = c.MaxBackups
	lc.MaxAge = c.MaxAgeDays
	lc.Compress = c.Compress
	return logging.New(lc)
}

func openStore(cfg *config.Config) (alertStore, io.Closer, error) {
	switch cfg.Storage.Type {
	case "memory":
		return alert.NewMemoryStore(), nil, nil
	default:
		s, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		return s, s, nil
	}
}

func newSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (alert.Sink, io.Closer, error) {
	switch cfg.Sink.Type {
	case "ledger":
		l := cfg.Sink.Ledger
		s, err := ledger.New(ledger.Config{
			Endpoint:       l.Endpoint,
			AuthToken:      l.AuthToken,
			Timeout:        l.Timeout(),
			ReportMethod:   l.ReportMethod,
			StatusMethod:   l.StatusMethod,
			Contract:       l.Contract,
			GasLimit:       l.GasLimit,
			GasPriceGwei:   l.GasPriceGwei,
			ConfirmTimeout: l.ConfirmTimeout(),
			PollInterval:   l.PollInterval(),
			DuplicateCode:  l.DuplicateCode,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "pubsub":
		p := cfg.Sink.PubSub
		s, err := broadcast.New(ctx, broadcast.Config{
			ProjectID: p.ProjectID,
			TopicID:   p.TopicID,
			Ordered:   p.Ordered,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "log":
		return alert.NewLogSink(logger.With("component", "sink")), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
}

func newDispatcher(cfg *config.Config, sink alert.Sink, st alertStore, j alert.Journal, logger *slog.Logger) (*alert.Dispatcher, error) {
	return alert.NewDispatcher(alert.Config{
		Retry: alert.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay(),
		},
		BucketWidth: cfg.BucketWidth(),
		RateLimit:   cfg.Sink.RateLimit,
		Burst:       cfg.Sink.Burst,
	}, sink, st, st, j, logger.With("component", "dispatcher"))
}

func newSampler(c config.SamplerConfig) *sampler.Sampler {
	return sampler.New(sampler.Config{
		MaxBytes:  c.MaxBytes,
		Attempts:  c.Attempts,
		Backoff:   c.Backoff(),
		Resamples: c.Resamples,
	})
}

// newAgent builds the pipeline. On error everything opened so far is
// closed.
func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *agent, err error) {
	if cfg.Watch.Root == "" {
		return nil, errors.New("watch root is required (set watch.root, -root or ENTROPYGUARD_WATCH_ROOT)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a = &agent{
		cfg:      cfg,
		logger:   logger,
		crash:    logging.NewCrashHandler(filepath.Join(cfg.DataDir, "crashes"), version, cfg.DeviceID, logger),
		registry: prometheus.NewRegistry(),
		health:   health.NewChecker(),
	}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	a.metrics = metrics.New(a.registry)

	st, closer, err := openStore(cfg)
	if err != nil {
		return a, err
	}
	a.store = st
	a.addCloser(closer)

	if cfg.Journal.Enabled {
		j, err := wal.OpenJournal(cfg.Journal.Path, cfg.Journal.SecretPath)
		if err != nil {
			return a, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
		a.addCloser(j)
		if n := j.WAL().Truncated(); n > 0 {
			logger.Warn("journal had a torn tail", "bytes_dropped", n)
		}
	}

	sink, closer, err := newSink(ctx, cfg, logger)
	if err != nil {
		return a, fmt.Errorf("create %s sink: %w", cfg.Sink.Type, err)
	}
	a.sink = sink
	a.addCloser(closer)

	var j alert.Journal
	if a.journal != nil {
		j = a.journal
	}
	a.dispatcher, err = newDispatcher(cfg, sink, st, j, logger)
	if err != nil {
		return a, err
	}
	a.dispatcher.SetObserver(a.metrics)

	a.watcher, err = watcher.New(watcher.Config{
		Root:               cfg.Watch.Root,
		Debounce:           cfg.Watch.Debounce(),
		MaxWait:            cfg.Watch.MaxWait(),
		Exclude:            cfg.Watch.Exclude,
		Ignore:             append(append([]string{}, cfg.Watch.Ignore...), cfg.DataDir),
		HeartbeatInterval:  cfg.Watch.Heartbeat(),
		MaxResubscribes:    cfg.Watch.MaxResubscribes,
		ResubscribeBackoff: cfg.Watch.ResubscribeDelay(),
		Buffer:             cfg.Watch.Buffer,
	}, logger.With("component", "watcher"))
	if err != nil {
		return a, err
	}
	a.watcher.SetObserver(a.metrics)

	a.engine, err = detector.New(detector.Config{
		DeviceID:  cfg.DeviceID,
		Threshold: cfg.Detection.Threshold,
		Cooldown:  cfg.Detection.Cooldown(),
		Workers:   cfg.Detection.Workers,
		QueueSize: cfg.Detection.QueueSize,
		Grace:     cfg.Detection.Grace(),
	}, newSampler(cfg.Sampler), a.dispatcher, logger.With("component", "detector"), a.metrics)
	if err != nil {
		return a, err
	}

	a.registerChecks()
	return a, nil
}

func (a *agent) registerChecks() {
	a.health.RegisterFunc("watcher", true, func(ctx context.Context) health.CheckResult {
		result := health.FileCheck(a.watcher.Root(), 0)(ctx)
		if result.Details == nil {
			result.Details = map[string]any{}
		}
		result.Details["pending"] = a.watcher.Pending()
		result.Details["resubscribes"] = a.watcher.Resubscribes()
		result.Details["overflows"] = a.watcher.Overflows()
		return result
	})
	if db, ok := a.store.(*store.Store); ok {
		a.health.RegisterFunc("store", true, health.PingCheck(db.DB().PingContext))
	}
	if a.journal != nil {
		a.health.RegisterFunc("journal", true, health.FileCheck(a.journal.WAL().Path(), wal.HeaderSize))
	}
	a.health.RegisterFunc("deadletters", false, health.BacklogCheck("dead_letters", deadLetterBacklog,
		func(ctx context.Context) (int, error) {
			pending, err := a.store.ListDeadLetters(ctx, alert.DeadLetterFilter{})
			return len(pending), err
		}))
}

func (a *agent) addCloser(c io.Closer) {
	if c != nil {
		a.closers = append(a.closers, c)
	}
}

// close releases resources in reverse order of acquisition.
func (a *agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// run blocks until ctx is done or watching fails for good. A nil return
// means a clean, signal-initiated shutdown.
func (a *agent) run(ctx context.Context) error {
	cfg := a.cfg
	a.startSession()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.crash.Recover(map[string]any{"task": name}, func() { fn(runCtx) })
		}()
	}

	if cfg.Metrics.Enabled {
		background("metrics", func(ctx context.Context) {
			err := metrics.Serve(ctx, cfg.Metrics.Addr, a.registry, a.logger,
				metrics.Route{Pattern: "/livez", Handler: a.health.LivenessHandler()},
				metrics.Route{Pattern: "/readyz", Handler: a.health.ReadinessHandler()},
				metrics.Route{Pattern: "/healthz", Handler: a.health.HealthHandler()},
			)
			if err != nil {
				a.logger.Error("metrics server stopped", "error", err)
			}
		})
	}
	background("redrive", func(ctx context.Context) {
		a.dispatcher.RunRedrive(ctx, cfg.DeadLetter.RedriveInterval())
	})
	if a.journal != nil && cfg.Journal.HeartbeatSec > 0 {
		background("heartbeat", func(ctx context.Context) {
			a.runHeartbeat(ctx, cfg.Journal.Heartbeat())
		})
	}

	engineDone := make(chan error, 1)
	go func() {
		var err error
		if a.crash.Recover(map[string]any{"task": "detector"}, func() {
			err = a.engine.Run(runCtx, a.watcher.Events())
		}) {
			err = errors.New("detection engine panicked")
		}
		engineDone <- err
	}()

	a.logger.Info("entropyguard started",
		"version", version,
		"root", a.watcher.Root(),
		"device_id", cfg.DeviceID,
		"threshold", cfg.Detection.Threshold,
		"sink", a.sink.Name(),
	)

	a.health.SetReady(true)
	watchErr := a.watcher.Run(runCtx)
	a.health.SetReady(false)
	if watchErr != nil {
		a.logger.Error("watching failed", "error", watchErr)
	}

	// The watcher closed its events channel; the engine drains what is
	// queued, bounded by its grace period once runCtx is cancelled.
	engineErr := <-engineDone
	cancel()
	wg.Wait()

	reason := "signal"
	if watchErr != nil {
		reason = watchErr.Error()
	}
	a.endSession(reason)

	processed, verdicts, dropped := a.engine.Stats()
	a.logger.Info("entropyguard stopped",
		"processed", processed,
		"verdicts", verdicts,
		"dropped", dropped,
		"reason", reason,
	)

	if watchErr != nil {
		return watchErr
	}
	if engineErr != nil && !errors.Is(engineErr, context.Canceled) {
		return engineErr
	}
	return nil
}

func (a *agent) startSession() {
	if a.journal == nil {
		return
	}
	err := a.journal.StartSession(wal.SessionPayload{
		DeviceID:  a.cfg.DeviceID,
		Root:      a.cfg.Watch.Root,
		Version:   version,
		Threshold: a.cfg.Detection.Threshold,
		Sink:      a.sink.Name(),
	})
	if err != nil {
		a.logger.Warn("journal session start failed", "error", err)
	}
}

func (a *agent) endSession(reason string) {
	if a.journal == nil {
		return
	}
	if err := a.journal.EndSession(wal.SessionPayload{DeviceID: a.cfg.DeviceID, Reason: reason}); err != nil {
		a.logger.Warn("journal session end failed", "error", err)
	}
}

func (a *agent) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, verdicts, dropped := a.engine.Stats()
			hb := wal.HeartbeatPayload{Processed: processed, Verdicts: verdicts, Dropped: dropped}
			if pending, err := a.store.ListDeadLetters(ctx, alert.DeadLetterFilter{}); err == nil {
				hb.PendingDead = len(pending)
			}
			if err := a.journal.Heartbeat(hb); err != nil {
				a.logger.Warn("journal heartbeat failed", "error", err)
			}
		}
	}
}
