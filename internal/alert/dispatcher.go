package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entropyguard/internal/detector"
	"entropyguard/internal/security"
)

// Config controls a Dispatcher.
type Config struct {
	Retry RetryPolicy
	// BucketWidth is the time granularity of submission IDs; verdicts on
	// the same path within one bucket share an ID.
	BucketWidth time.Duration
	// RateLimit is the sustained submissions per second; zero disables
	// limiting.
	RateLimit float64
	Burst     int
}

// Observer is notified of submission outcomes.
type Observer interface {
	SubmissionSucceeded(sink string, duplicate bool, attempts int)
	SubmissionFailed(sink string, kind ErrorKind)
	DeadLettered(kind ErrorKind)
}

// Dispatcher delivers records to a Sink at least once and at most once per
// SubmissionID as far as the local ledger can tell.
type Dispatcher struct {
	cfg         Config
	sink        Sink
	ledger      Ledger
	deadLetters DeadLetters
	journal     Journal
	observer    Observer
	limiter     *security.RateLimiter
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher creates a Dispatcher. journal may be nil.
func NewDispatcher(cfg Config, sink Sink, ledger Ledger, dl DeadLetters, journal Journal, logger *slog.Logger) (*Dispatcher, error) {
	if sink == nil {
		return nil, errors.New("alert: sink is required")
	}
	if ledger == nil || dl == nil {
		return nil, errors.New("alert: ledger and dead-letter store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Retry = cfg.Retry.withDefaults()

	d := &Dispatcher{
		cfg:         cfg,
		sink:        sink,
		ledger:      ledger,
		deadLetters: dl,
		journal:     journal,
		logger:      logger,
		now:         time.Now,
	}
	if cfg.RateLimit > 0 {
		d.limiter = security.NewRateLimiter(cfg.RateLimit, cfg.Burst)
	}
	return d, nil
}

// SetObserver registers o for submission outcomes.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// Sink returns the configured sink.
func (d *Dispatcher) Sink() Sink {
	return d.sink
}

// Report builds the record for v and submits it. It implements
// detector.Reporter.
func (d *Dispatcher) Report(ctx context.Context, v detector.Verdict) error {
	rec := NewRecord(v, d.cfg.BucketWidth)
	d.journalAppend(JournalEntry{Event: JournalVerdict, Record: rec})
	_, err := d.Submit(ctx, rec)
	return err
}

// Submit delivers rec. A record already present in the local ledger is not
// sent again; its stored receipt is returned with Duplicate set. An
// unreadable ledger does not block delivery: sinks dedupe by SubmissionID.
// Transient failures are retried per the retry policy. When delivery
// finally fails the record is stored as a dead letter and a
// *SubmissionError returned.
func (d *Dispatcher) Submit(ctx context.Context, rec Record) (Receipt, error) {
	receipt, ok, err := d.lookup(ctx, rec)
	if err != nil {
		d.logger.Warn("ledger lookup failed, submitting anyway",
			"submission_id", rec.SubmissionID,
			"path", rec.Path,
			"error", err,
		)
	} else if ok {
		return receipt, nil
	}

	if err := rec.Validate(); err != nil {
		return Receipt{}, d.fail(ctx, rec, Permanent, 0, err)
	}

	policy := d.cfg.Retry
	var lastErr error
	attempts := 0
	for attempts < policy.MaxAttempts {
		attempts++

		receipt, err := d.attempt(ctx, rec)
		if err == nil {
			return d.succeed(ctx, rec, receipt, attempts)
		}
		lastErr = err

		kind := KindOf(err)
		if d.observer != nil {
			d.observer.SubmissionFailed(d.sink.Name(), kind)
		}
		if kind == Permanent || ctx.Err() != nil {
			break
		}
		if attempts == policy.MaxAttempts {
			break
		}

		delay := max(policy.Delay(attempts), retryAfter(err))
		d.logger.Warn("alert submission failed, retrying",
			"submission_id", rec.SubmissionID,
			"sink", d.sink.Name(),
			"attempt", attempts,
			"delay", delay,
			"error", err,
		)
		if err := sleepContext(ctx, delay); err != nil {
			lastErr = fmt.Errorf("%w (retry aborted: %v)", lastErr, err)
			break
		}
	}

	return Receipt{}, d.fail(ctx, rec, KindOf(lastErr), attempts, lastErr)
}

func (d *Dispatcher) lookup(ctx context.Context, rec Record) (Receipt, bool, error) {
	receipt, ok, err := d.ledger.Lookup(ctx, rec.SubmissionID)
	if err != nil {
		return Receipt{}, false, fmt.Errorf("ledger lookup %s: %w", rec.SubmissionID, err)
	}
	if !ok {
		return Receipt{}, false, nil
	}
	receipt.Duplicate = true
	d.logger.Info("alert already submitted",
		"submission_id", rec.SubmissionID,
		"path", rec.Path,
		"reference", receipt.Reference,
	)
	if d.observer != nil {
		d.observer.SubmissionSucceeded(receipt.Sink, true, 0)
	}
	return receipt, true, nil
}

func (d *Dispatcher) attempt(ctx context.Context, rec Record) (Receipt, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return Receipt{}, NewTransient(err)
		}
	}

	receipt, err := d.sink.Submit(ctx, rec)
	if err != nil {
		if after := retryAfter(err); after > 0 && d.limiter != nil {
			d.limiter.Block(after)
		}
		return Receipt{}, err
	}
	if receipt.SubmissionID == "" {
		receipt.SubmissionID = rec.SubmissionID
	}
	if receipt.Sink == "" {
		receipt.Sink = d.sink.Name()
	}
	if receipt.SubmittedAt.IsZero() {
		receipt.SubmittedAt = d.now().UTC()
	}
	return receipt, nil
}

func (d *Dispatcher) succeed(ctx context.Context, rec Record, receipt Receipt, attempts int) (Receipt, error) {
	// The sink accepted the record; losing the local row only costs a
	// remote dedupe on the next submission.
	inserted, err := d.ledger.Record(context.WithoutCancel(ctx), rec, receipt)
	if err != nil {
		d.logger.Error("failed to record submission", "submission_id", rec.SubmissionID, "error", err)
	}
	if !inserted && err == nil {
		receipt.Duplicate = true
	}

	d.journalAppend(JournalEntry{Event: JournalSubmitted, Record: rec, Receipt: &receipt, Attempts: attempts})
	if d.observer != nil {
		d.observer.SubmissionSucceeded(receipt.Sink, receipt.Duplicate, attempts)
	}

	d.logger.Info("alert submitted",
		"submission_id", rec.SubmissionID,
		"device_id", rec.DeviceID,
		"path", rec.Path,
		"score", rec.Score,
		"sink", receipt.Sink,
		"reference", receipt.Reference,
		"duplicate", receipt.Duplicate,
		"attempts", attempts,
	)
	return receipt, nil
}

func (d *Dispatcher) fail(ctx context.Context, rec Record, kind ErrorKind, attempts int, cause error) error {
	now := d.now().UTC()
	dl := DeadLetter{
		Record:    rec,
		Kind:      kind,
		Attempts:  attempts,
		LastError: cause.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	subErr := &SubmissionError{Kind: kind, Sink: d.sink.Name(), Attempts: attempts, Err: cause}

	if err := d.deadLetters.PutDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		d.logger.Error("failed to persist dead letter",
			"submission_id", rec.SubmissionID,
			"path", rec.Path,
			"error", err,
		)
		return fmt.Errorf("%w; dead letter not stored: %v", subErr, err)
	}
	d.journalAppend(JournalEntry{
		Event:    JournalDeadLettered,
		Record:   rec,
		Kind:     kind,
		Attempts: attempts,
		Error:    cause.Error(),
	})
	if d.observer != nil {
		d.observer.DeadLettered(kind)
	}

	d.logger.Error("alert dead-lettered",
		"submission_id", rec.SubmissionID,
		"device_id", rec.DeviceID,
		"path", rec.Path,
		"score", rec.Score,
		"kind", kind.String(),
		"attempts", attempts,
		"error", cause,
	)
	return subErr
}

func (d *Dispatcher) journalAppend(e JournalEntry) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Append(e); err != nil {
		d.logger.Error("journal append failed",
			"event", e.Event.String(),
			"submission_id", e.Record.SubmissionID,
			"error", err,
		)
	}
}

// RedriveOptions selects which dead letters are resubmitted.
type RedriveOptions struct {
	// IncludePermanent also retries permanent failures, for use after an
	// operator has fixed the cause.
	IncludePermanent bool
	Limit            int
}

// RedriveStats summarises one redrive pass.
type RedriveStats struct {
	Attempted int
	Resolved  int
	Failed    int
}

// Redrive resubmits transient dead letters once each.
func (d *Dispatcher) Redrive(ctx context.Context) (RedriveStats, error) {
	return d.RedriveWith(ctx, RedriveOptions{})
}

// RedriveWith resubmits dead letters selected by opts. Each is attempted
// once under its original SubmissionID; success resolves it, failure
// updates its attempt count and last error.
func (d *Dispatcher) RedriveWith(ctx context.Context, opts RedriveOptions) (RedriveStats, error) {
	var stats RedriveStats

	filter := DeadLetterFilter{Limit: opts.Limit}
	if !opts.IncludePermanent {
		filter.Kind = Transient
	}
	letters, err := d.deadLetters.ListDeadLetters(ctx, filter)
	if err != nil {
		return stats, fmt.Errorf("list dead letters: %w", err)
	}

	for _, dl := range letters {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Attempted++

		if d.redriveOne(ctx, dl) {
			stats.Resolved++
		} else {
			stats.Failed++
		}
	}

	if stats.Attempted > 0 {
		d.logger.Info("dead-letter redrive complete",
			"attempted", stats.Attempted,
			"resolved", stats.Resolved,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}

func (d *Dispatcher) redriveOne(ctx context.Context, dl DeadLetter) bool {
	rec := dl.Record
	id := rec.SubmissionID

	receipt, ok, err := d.lookup(ctx, rec)
	if err != nil {
		d.logger.Warn("ledger lookup failed, redriving anyway", "submission_id", id, "error", err)
	}
	if err != nil || !ok {
		receipt, err = d.attempt(ctx, rec)
		if err == nil {
			receipt, _ = d.succeed(ctx, rec, receipt, dl.Attempts+1)
		}
	}

	now := d.now().UTC()
	if err != nil {
		dl.Attempts++
		dl.Kind = KindOf(err)
		dl.LastError = err.Error()
		dl.UpdatedAt = now
		if putErr := d.deadLetters.PutDeadLetter(context.WithoutCancel(ctx), dl); putErr != nil {
			d.logger.Error("failed to update dead letter", "submission_id", id, "error", putErr)
		}
		d.logger.Warn("dead-letter redrive failed", "submission_id", id, "attempts", dl.Attempts, "error", err)
		return false
	}

	if err := d.deadLetters.ResolveDeadLetter(context.WithoutCancel(ctx), id, now); err != nil {
		d.logger.Error("failed to resolve dead letter", "submission_id", id, "error", err)
	}
	d.journalAppend(JournalEntry{Event: JournalResolved, Record: rec, Receipt: &receipt, Attempts: dl.Attempts + 1})
	return true
}

// RunRedrive redrives transient dead letters every interval until ctx is
// cancelled.
func (d *Dispatcher) RunRedrive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Redrive(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("dead-letter redrive failed", "error", err)
			}
		}
	}
}
