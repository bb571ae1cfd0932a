package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"entropyguard/internal/alert"
	"entropyguard/internal/archive"
	"entropyguard/internal/config"
	"entropyguard/internal/detector"
	"entropyguard/internal/entropy"
	"entropyguard/internal/sampler"
	"entropyguard/internal/wal"
)

func cmdScore(args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	threshold := fs.Float64("threshold", detector.DefaultThreshold, "Entropy threshold in bits per byte")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return errors.New("usage: entropyguard score [-threshold f] <file>...")
	}
	return scoreFiles(context.Background(), os.Stdout, sampler.New(sampler.DefaultConfig()), *threshold, fs.Args())
}

// scoreFiles prints one line per path. Unreadable files are reported
// inline and make the command fail after all paths are processed.
func scoreFiles(ctx context.Context, out io.Writer, s *sampler.Sampler, threshold float64, paths []string) error {
	failed := 0
	for _, path := range paths {
		sample, err := s.Sample(ctx, path)
		if err != nil {
			fmt.Fprintf(out, "%-40s %8s  %s\n", path, "-", sampler.KindOf(err))
			failed++
			continue
		}

		score := entropy.Estimate(sample.Bytes)
		verdict := "ok"
		if score > threshold {
			verdict = "SUSPICIOUS"
		}
		note := ""
		if sample.Partial {
			note = fmt.Sprintf(" (first %s of %s)", formatBytes(sample.Size), formatBytes(sample.FileSize))
		}
		fmt.Fprintf(out, "%-40s %8.4f  %s%s\n", path, score, verdict, note)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be scored", failed, len(paths))
	}
	return nil
}

func cmdJournal(args []string) error {
	if len(args) < 1 || args[0] != "verify" {
		return errors.New("usage: entropyguard journal verify [-config path]")
	}
	fs := flag.NewFlagSet("journal verify", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	return verifyJournal(os.Stdout, cfg)
}

func verifyJournal(out io.Writer, cfg *config.Config) error {
	if !wal.Exists(cfg.Journal.Path) {
		return fmt.Errorf("no journal at %s", cfg.Journal.Path)
	}
	if _, err := os.Stat(cfg.Journal.SecretPath); err != nil {
		return fmt.Errorf("journal secret: %w", err)
	}
	secret, err := wal.LoadSecret(cfg.Journal.SecretPath)
	if err != nil {
		return err
	}

	report, verr := wal.Verify(cfg.Journal.Path, secret)
	if report == nil {
		return verr
	}

	fmt.Fprintln(out, "=== Journal ===")
	fmt.Fprintf(out, "Path:          %s\n", cfg.Journal.Path)
	fmt.Fprintf(out, "Journal ID:    %s\n", hex.EncodeToString(report.JournalID[:8]))
	fmt.Fprintf(out, "Created:       %s\n", report.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Entries:       %d\n", report.Entries)
	if report.Entries > 0 {
		fmt.Fprintf(out, "Span:          %s .. %s\n",
			report.FirstEntry.UTC().Format(time.RFC3339), report.LastEntry.UTC().Format(time.RFC3339))
	}
	for t := wal.EntryVerdict; t <= wal.EntryHeartbeat; t++ {
		if n := report.ByType[t]; n > 0 {
			fmt.Fprintf(out, "  %-14s %d\n", t.String()+":", n)
		}
	}
	if report.OpenSessions > 0 {
		fmt.Fprintf(out, "Unclean exits: %d\n", report.OpenSessions)
	}

	if verr != nil {
		if wal.IsTampered(verr) {
			fmt.Fprintf(out, "\nFAILED after sequence %d: journal has been modified\n", report.LastSequence)
		}
		return fmt.Errorf("verify journal: %w", verr)
	}
	fmt.Fprintln(out, "\nOK: hash chain and HMACs verified")
	return nil
}

func cmdDeadLetters(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: entropyguard deadletters list|redrive|export [-config path] [-limit n] [-all]")
	}
	sub := args[0]

	fs := flag.NewFlagSet("deadletters "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	limit := fs.Int("limit", 0, "Maximum number of dead letters")
	all := fs.Bool("all", false, "Include resolved or permanent dead letters")
	fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	st, closer, err := openStore(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	switch sub {
	case "list":
		return listDeadLetters(ctx, os.Stdout, st, alert.DeadLetterFilter{IncludeResolved: *all, Limit: *limit})
	case "redrive":
		return redriveDeadLetters(ctx, os.Stdout, cfg, st, alert.RedriveOptions{IncludePermanent: *all, Limit: *limit}, logger)
	case "export":
		return exportDeadLetters(ctx, os.Stdout, cfg, st, alert.DeadLetterFilter{IncludeResolved: *all, Limit: *limit}, logger)
	default:
		return fmt.Errorf("unknown deadletters command: %s", sub)
	}
}

func listDeadLetters(ctx context.Context, out io.Writer, st alert.DeadLetters, f alert.DeadLetterFilter) error {
	letters, err := st.ListDeadLetters(ctx, f)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Fprintln(out, "No dead letters.")
		return nil
	}

	fmt.Fprintln(out, "=== Dead Letters ===")
	fmt.Fprintf(out, "%-14s %-10s %-4s %-20s %-7s %s\n", "Submission", "Kind", "Try", "Updated", "Score", "Path")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, dl := range letters {
		id := dl.Record.SubmissionID
		if len(id) > 13 {
			id = id[:13]
		}
		kind := dl.Kind.String()
		if dl.ResolvedAt != nil {
			kind = "resolved"
		}
		fmt.Fprintf(out, "%-14s %-10s %-4d %-20s %-7.4f %s\n",
			id, kind, dl.Attempts, dl.UpdatedAt.UTC().Format(time.RFC3339), dl.Record.Score, dl.Record.Path)
		if dl.LastError != "" && dl.ResolvedAt == nil {
			fmt.Fprintf(out, "%14s %s\n", "", dl.LastError)
		}
	}
	fmt.Fprintf(out, "\n%d dead letter(s)\n", len(letters))
	return nil
}

func redriveDeadLetters(ctx context.Context, out io.Writer, cfg *config.Config, st alertStore, opts alert.RedriveOptions, logger *slog.Logger) error {
	sink, closer, err := newSink(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create %s sink: %w", cfg.Sink.Type, err)
	}
	if closer != nil {
		defer closer.Close()
	}

	var j alert.Journal
	if cfg.Journal.Enabled && wal.Exists(cfg.Journal.Path) {
		journal, err := wal.OpenJournal(cfg.Journal.Path, cfg.Journal.SecretPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		j = journal
	}

	d, err := newDispatcher(cfg, sink, st, j, logger)
	if err != nil {
		return err
	}
	stats, err := d.RedriveWith(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Redrive: %d attempted, %d resolved, %d failed\n", stats.Attempted, stats.Resolved, stats.Failed)
	if stats.Failed > 0 {
		return fmt.Errorf("%d dead letter(s) still undelivered", stats.Failed)
	}
	return nil
}

func exportDeadLetters(ctx context.Context, out io.Writer, cfg *config.Config, st alert.DeadLetters, f alert.DeadLetterFilter, logger *slog.Logger) error {
	var (
		uploader archive.Uploader
		prefix   string
	)
	if s3cfg := cfg.DeadLetter.S3; s3cfg.Bucket != "" {
		u, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Bucket:   s3cfg.Bucket,
			Region:   s3cfg.Region,
			Endpoint: s3cfg.Endpoint,
			Timeout:  s3cfg.Timeout(),
			Retries:  s3cfg.Retries,
		})
		if err != nil {
			return err
		}
		uploader = u
		prefix = s3cfg.Prefix
	} else {
		if err := os.MkdirAll(cfg.DeadLetter.ExportDir, 0700); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
		uploader = archive.DirUploader{Dir: cfg.DeadLetter.ExportDir}
	}

	res, err := archive.NewExporter(st, uploader, cfg.DeviceID, prefix, logger).Export(ctx, f)
	if errors.Is(err, archive.ErrNothingToExport) {
		fmt.Fprintln(out, "No dead letters to export.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Exported %d dead letter(s), %s, to %s\n", res.Count, formatBytes(int64(res.Bytes)), res.Location)
	return nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
