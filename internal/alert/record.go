// Package alert turns verdicts into durable, idempotent alert submissions.
//
// A Record's SubmissionID is derived from the device, the path and the
// time bucket of the decision, so resubmitting the same verdict, whether by
// retry, redrive or a restarted agent, always carries the same ID. The
// Dispatcher checks the local ledger before calling a Sink and records the
// receipt afterwards; sinks are expected to dedupe remotely as well.
package alert

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"entropyguard/internal/detector"
)

// submissionNamespace scopes UUIDv5 submission IDs to this agent.
var submissionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:entropyguard:alert"))

// Record is the alert artifact delivered to sinks.
type Record struct {
	SubmissionID string    `json:"submissionId"`
	DeviceID     string    `json:"deviceId"`
	Path         string    `json:"path"`
	Score        float64   `json:"score"`
	Threshold    float64   `json:"threshold"`
	DecidedAt    time.Time `json:"decidedAt"`
	Bucket       int64     `json:"bucket"`
	SampleSize   int64     `json:"sampleSize"`
	Partial      bool      `json:"partial"`
}

// BucketOf returns the start of the bucket containing t, in Unix seconds.
// A non-positive width buckets by the second.
func BucketOf(t time.Time, width time.Duration) int64 {
	if width <= 0 {
		return t.Unix()
	}
	return t.Truncate(width).Unix()
}

// SubmissionID derives the deterministic ID for a verdict on path by device
// within bucket.
func SubmissionID(deviceID, path string, bucket int64) string {
	name := deviceID + "\x00" + path + "\x00" + strconv.FormatInt(bucket, 10)
	return uuid.NewSHA1(submissionNamespace, []byte(name)).String()
}

// NewRecord builds the Record for v.
func NewRecord(v detector.Verdict, bucketWidth time.Duration) Record {
	bucket := BucketOf(v.DecidedAt, bucketWidth)
	return Record{
		SubmissionID: SubmissionID(v.DeviceID, v.Path, bucket),
		DeviceID:     v.DeviceID,
		Path:         v.Path,
		Score:        v.Score,
		Threshold:    v.Threshold,
		DecidedAt:    v.DecidedAt.UTC(),
		Bucket:       bucket,
		SampleSize:   v.SampleSize,
		Partial:      v.Partial,
	}
}

func (r Record) String() string {
	return fmt.Sprintf("%s (%s score=%.4f)", r.SubmissionID, r.Path, r.Score)
}
