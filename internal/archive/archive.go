// Package archive exports dead letters as gzip-compressed JSON Lines to a
// local directory or an S3 bucket.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"entropyguard/internal/alert"
	"entropyguard/internal/security"
)

// ErrNothingToExport is returned when the filter selects no dead letters.
var ErrNothingToExport = errors.New("archive: no dead letters to export")

// Uploader stores an export object under key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) (string, error)
}

// Encode writes letters as JSON Lines and gzips the result.
func Encode(letters []alert.DeadLetter) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}

	enc := json.NewEncoder(gz)
	for i := range letters {
		if err := enc.Encode(&letters[i]); err != nil {
			_ = gz.Close()
			return nil, fmt.Errorf("archive: encode %s: %w", letters[i].Record.SubmissionID, err)
		}
	}

	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("archive: close gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads an export produced by Encode.
func Decode(r io.Reader) ([]alert.DeadLetter, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("archive: open gzip stream: %w", err)
	}
	defer gz.Close()

	var letters []alert.DeadLetter
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var dl alert.DeadLetter
		if err := json.Unmarshal(sc.Bytes(), &dl); err != nil {
			return nil, fmt.Errorf("archive: line %d: %w", line, err)
		}
		letters = append(letters, dl)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("archive: read: %w", err)
	}
	return letters, nil
}

// ObjectKey names an export: <prefix>/<device>/deadletters-<UTC time>.jsonl.gz.
func ObjectKey(prefix, deviceID string, at time.Time) string {
	name := fmt.Sprintf("deadletters-%s.jsonl.gz", at.UTC().Format("20060102T150405Z"))
	device := strings.ReplaceAll(deviceID, "/", "_")
	if device == "" {
		device = "unknown"
	}
	return path.Join(prefix, device, name)
}

// Exporter writes dead letters from a store to an Uploader.
type Exporter struct {
	source   alert.DeadLetters
	uploader Uploader
	deviceID string
	prefix   string
	logger   *slog.Logger
	now      func() time.Time
}

// NewExporter creates an Exporter.
func NewExporter(source alert.DeadLetters, uploader Uploader, deviceID, prefix string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		source:   source,
		uploader: uploader,
		deviceID: deviceID,
		prefix:   prefix,
		logger:   logger.With("component", "archive"),
		now:      time.Now,
	}
}

// Result describes a completed export.
type Result struct {
	Location string
	Count    int
	Bytes    int
}

// Export uploads the dead letters selected by f as one object.
func (e *Exporter) Export(ctx context.Context, f alert.DeadLetterFilter) (Result, error) {
	letters, err := e.source.ListDeadLetters(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("archive: list dead letters: %w", err)
	}
	if len(letters) == 0 {
		return Result{}, ErrNothingToExport
	}

	body, err := Encode(letters)
	if err != nil {
		return Result{}, err
	}

	key := ObjectKey(e.prefix, e.deviceID, e.now())
	loc, err := e.uploader.Upload(ctx, key, body)
	if err != nil {
		return Result{}, fmt.Errorf("archive: upload %s: %w", key, err)
	}

	e.logger.Info("dead letters exported", "location", loc, "count", len(letters), "bytes", len(body))
	return Result{Location: loc, Count: len(letters), Bytes: len(body)}, nil
}

// DirUploader writes exports under a local directory.
type DirUploader struct {
	Dir string
}

// Upload writes body to Dir/key atomically with owner-only permissions.
func (u DirUploader) Upload(ctx context.Context, key string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := filepath.Join(u.Dir, filepath.FromSlash(key))
	if err := security.WriteSecretFile(dst, body); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return dst, nil
}
