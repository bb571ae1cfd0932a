package wal

import (
	"errors"
	"fmt"
	"os"
	"time"

	"entropyguard/internal/alert"
)

// Journal records alert lifecycle facts in a WAL.
type Journal struct {
	wal *WAL
}

// NewJournal wraps an open WAL.
func NewJournal(w *WAL) *Journal {
	return &Journal{wal: w}
}

// OpenJournal opens the journal at path with the secret stored at
// secretPath.
func OpenJournal(path, secretPath string) (*Journal, error) {
	secret, err := LoadSecret(secretPath)
	if err != nil {
		return nil, err
	}
	w, err := Open(path, secret)
	if err != nil {
		return nil, err
	}
	return NewJournal(w), nil
}

// WAL returns the underlying log.
func (j *Journal) WAL() *WAL {
	return j.wal
}

func entryTypeOf(ev alert.JournalEvent) (EntryType, error) {
	switch ev {
	case alert.JournalVerdict:
		return EntryVerdict, nil
	case alert.JournalSubmitted:
		return EntrySubmitted, nil
	case alert.JournalDeadLettered:
		return EntryDeadLettered, nil
	case alert.JournalResolved:
		return EntryResolved, nil
	default:
		return 0, fmt.Errorf("wal: unknown journal event %d", int(ev))
	}
}

var _ alert.Journal = (*Journal)(nil)

// Append implements alert.Journal.
func (j *Journal) Append(entry alert.JournalEntry) error {
	t, err := entryTypeOf(entry.Event)
	if err != nil {
		return err
	}

	p := AlertPayload{
		Record:   entry.Record,
		Attempts: entry.Attempts,
		Error:    entry.Error,
	}
	if entry.Kind != 0 {
		p.Kind = entry.Kind.String()
	}
	if entry.Receipt != nil {
		p.Sink = entry.Receipt.Sink
		p.Reference = entry.Receipt.Reference
		p.Duplicate = entry.Receipt.Duplicate
	}

	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	return j.wal.Append(t, data)
}

// StartSession records the start of an agent run.
func (j *Journal) StartSession(p SessionPayload) error {
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	return j.wal.Append(EntrySessionStart, data)
}

// EndSession records a clean shutdown.
func (j *Journal) EndSession(p SessionPayload) error {
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	return j.wal.Append(EntrySessionEnd, data)
}

// Heartbeat records pipeline counters.
func (j *Journal) Heartbeat(p HeartbeatPayload) error {
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	return j.wal.Append(EntryHeartbeat, data)
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	return j.wal.Close()
}

// Report summarizes a journal verification.
type Report struct {
	JournalID    [32]byte
	CreatedAt    time.Time
	Entries      uint64
	LastSequence uint64
	ByType       map[EntryType]uint64
	FirstEntry   time.Time
	LastEntry    time.Time
	// OpenSessions counts session starts without a matching end, which
	// happens after a crash or kill.
	OpenSessions int
}

// Verify walks the journal at path without opening it for writing and
// checks every CRC, hash link and HMAC. The returned report covers the
// entries read before the first failure.
func Verify(path string, secret []byte) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	key, err := DeriveKey(secret, h.JournalID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		JournalID: h.JournalID,
		CreatedAt: time.Unix(0, h.CreatedAt),
		ByType:    make(map[EntryType]uint64),
	}
	open := 0
	err = walkEntries(f, key, func(e *Entry) error {
		if report.Entries == 0 {
			report.FirstEntry = e.Time()
		}
		report.Entries++
		report.LastSequence = e.Sequence
		report.LastEntry = e.Time()
		report.ByType[e.Type]++
		switch e.Type {
		case EntrySessionStart:
			open++
		case EntrySessionEnd:
			if open > 0 {
				open--
			}
		}
		return nil
	})
	report.OpenSessions = open
	if err != nil {
		return report, err
	}
	return report, nil
}

// IsTampered reports whether err indicates modified rather than merely
// truncated journal content.
func IsTampered(err error) bool {
	return errors.Is(err, ErrInvalidHMAC) ||
		errors.Is(err, ErrBrokenChain) ||
		errors.Is(err, ErrSequenceGap) ||
		errors.Is(err, ErrCorruptedEntry)
}
