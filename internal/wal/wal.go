// Package wal implements the tamper-evident alert journal.
//
// The journal is an append-only file of entries linked by a SHA-256 hash
// chain. Each entry carries an HMAC under a key derived from the agent's
// journal secret and a CRC32 for torn-write detection. Entries are synced
// before Append returns.
package wal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Version and magic constants
const (
	Version    = 1
	Magic      = "EGJL"
	HeaderSize = 64
)

// MaxPayloadSize bounds a single entry payload.
const MaxPayloadSize = 1 << 20

// EntryType discriminates entry payloads.
type EntryType uint8

const (
	EntryVerdict      EntryType = 1 // Suspicious verdict, before submission
	EntrySubmitted    EntryType = 2 // Record accepted by a sink
	EntryDeadLettered EntryType = 3 // Record could not be delivered
	EntryResolved     EntryType = 4 // Dead letter delivered by redrive
	EntrySessionStart EntryType = 5 // Agent started
	EntrySessionEnd   EntryType = 6 // Agent stopped cleanly
	EntryHeartbeat    EntryType = 7 // Periodic pipeline counters
)

func (t EntryType) String() string {
	switch t {
	case EntryVerdict:
		return "verdict"
	case EntrySubmitted:
		return "submitted"
	case EntryDeadLettered:
		return "dead_lettered"
	case EntryResolved:
		return "resolved"
	case EntrySessionStart:
		return "session_start"
	case EntrySessionEnd:
		return "session_end"
	case EntryHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Errors
var (
	ErrInvalidMagic    = errors.New("wal: invalid magic number")
	ErrInvalidVersion  = errors.New("wal: unsupported version")
	ErrCorruptedEntry  = errors.New("wal: corrupted entry (CRC mismatch)")
	ErrBrokenChain     = errors.New("wal: broken hash chain")
	ErrInvalidHMAC     = errors.New("wal: HMAC verification failed")
	ErrWALClosed       = errors.New("wal: log is closed")
	ErrSequenceGap     = errors.New("wal: sequence number gap detected")
	ErrPayloadTooLarge = errors.New("wal: payload too large")
)

// Header is the journal file header.
type Header struct {
	Magic     [4]byte
	Version   uint32
	JournalID [32]byte
	CreatedAt int64
	Reserved  [16]byte
}

// Entry is a single journal entry.
type Entry struct {
	// Length of the entire entry (for seeking)
	Length uint32

	// Monotonic sequence number
	Sequence uint64

	// Entry timestamp (UnixNano)
	Timestamp int64

	// Entry type discriminator
	Type EntryType

	// Type-specific payload
	Payload []byte

	// Hash of previous entry (chain link)
	PrevHash [32]byte

	// HMAC-SHA256 for integrity verification
	HMAC [32]byte

	// CRC32 for corruption detection
	CRC32 uint32
}

// Time returns the entry timestamp.
func (e *Entry) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// WAL is an open journal.
type WAL struct {
	mu sync.Mutex

	path      string
	file      *os.File
	header    Header
	hmacKey   []byte
	createdAt time.Time

	nextSequence uint64
	lastHash     [32]byte
	closed       bool

	entryCount uint64
	byteCount  int64
	// truncated is the number of bytes of torn tail dropped on open.
	truncated int64
}

// Open opens or creates the journal at path. The HMAC key is derived from
// secret and the journal ID stored in the header, so a journal is bound to
// the secret it was created with.
func Open(path string, secret []byte) (*WAL, error) {
	if len(secret) == 0 {
		return nil, errors.New("wal: secret is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	w := &WAL{path: path, file: file}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat wal file: %w", err)
	}

	if stat.Size() == 0 {
		if _, err := rand.Read(w.header.JournalID[:]); err != nil {
			file.Close()
			return nil, fmt.Errorf("generate journal id: %w", err)
		}
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		w.byteCount = HeaderSize
		if _, err := file.Seek(HeaderSize, io.SeekStart); err != nil {
			file.Close()
			return nil, fmt.Errorf("seek after header: %w", err)
		}
	} else {
		if w.header, err = readHeader(file); err != nil {
			file.Close()
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	w.createdAt = time.Unix(0, w.header.CreatedAt)

	w.hmacKey, err = DeriveKey(secret, w.header.JournalID)
	if err != nil {
		file.Close()
		return nil, err
	}

	if stat.Size() > 0 {
		if err := w.scanToEnd(); err != nil {
			file.Close()
			return nil, fmt.Errorf("scan wal: %w", err)
		}
	}

	return w, nil
}

func (w *WAL) writeHeader() error {
	w.header.Version = Version
	w.header.CreatedAt = time.Now().UnixNano()
	copy(w.header.Magic[:], Magic)

	buf := make([]byte, HeaderSize)
	copy(buf[0:4], w.header.Magic[:])
	binary.BigEndian.PutUint32(buf[4:8], w.header.Version)
	copy(buf[8:40], w.header.JournalID[:])
	binary.BigEndian.PutUint64(buf[40:48], uint64(w.header.CreatedAt))
	// Reserved bytes 48-64 are zero

	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return err
	}

	return w.file.Sync()
}

func readHeader(r io.ReaderAt) (Header, error) {
	var h Header
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return h, err
	}

	if string(buf[0:4]) != Magic {
		return h, ErrInvalidMagic
	}
	copy(h.Magic[:], buf[0:4])

	h.Version = binary.BigEndian.Uint32(buf[4:8])
	if h.Version != Version {
		return h, fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, h.Version, Version)
	}

	copy(h.JournalID[:], buf[8:40])
	h.CreatedAt = int64(binary.BigEndian.Uint64(buf[40:48]))
	return h, nil
}

// readEntryAt reads the entry starting at offset. It returns io.EOF at a
// clean end of file and a non-nil entry only when the bytes are complete.
func readEntryAt(r io.ReaderAt, offset int64) (*Entry, error) {
	lenBuf := make([]byte, 4)
	if _, err := r.ReadAt(lenBuf, offset); err != nil {
		return nil, err
	}

	entryLen := binary.BigEndian.Uint32(lenBuf)
	if entryLen == 0 {
		return nil, io.EOF
	}
	if entryLen > MaxPayloadSize+minEntrySize {
		return nil, fmt.Errorf("entry at offset %d: implausible length %d", offset, entryLen)
	}

	entryBuf := make([]byte, entryLen)
	if _, err := r.ReadAt(entryBuf, offset); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return deserializeEntry(entryBuf)
}

// scanToEnd finds the last intact entry and drops any torn tail left by a
// crash mid-write.
func (w *WAL) scanToEnd() error {
	offset := int64(HeaderSize)

	for {
		entry, err := readEntryAt(w.file, offset)
		if err != nil {
			break
		}
		if entry.CRC32 != computeEntryCRC(entry) {
			break
		}

		w.nextSequence = entry.Sequence + 1
		w.lastHash = entry.Hash()
		w.entryCount++

		offset += int64(entry.Length)
	}

	stat, err := w.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() > offset {
		w.truncated = stat.Size() - offset
		if err := w.file.Truncate(offset); err != nil {
			return fmt.Errorf("drop torn tail: %w", err)
		}
	}

	w.byteCount = offset
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	return nil
}

// Append adds a new entry to the journal and syncs it to disk.
func (w *WAL) Append(entryType EntryType, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	entry := &Entry{
		Sequence:  w.nextSequence,
		Timestamp: time.Now().UnixNano(),
		Type:      entryType,
		Payload:   payload,
		PrevHash:  w.lastHash,
	}

	entry.HMAC = computeHMAC(w.hmacKey, entry)
	entry.CRC32 = computeEntryCRC(entry)

	data := serializeEntry(entry)
	entry.Length = uint32(len(data))
	binary.BigEndian.PutUint32(data[0:4], entry.Length)

	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync entry: %w", err)
	}

	w.lastHash = entry.Hash()
	w.nextSequence++
	w.entryCount++
	w.byteCount += int64(len(data))

	return nil
}

// ReadAll reads and verifies all entries.
func (w *WAL) ReadAll() ([]Entry, error) {
	return w.ReadAfter(0, true)
}

// ReadAfter reads entries with sequence >= fromSeq, or all entries when
// inclusive is true and fromSeq is zero. Every entry is checked for CRC,
// chain linkage and HMAC.
func (w *WAL) ReadAfter(fromSeq uint64, inclusive bool) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var entries []Entry
	err := walkEntries(w.file, w.hmacKey, func(e *Entry) error {
		if e.Sequence > fromSeq || (inclusive && e.Sequence == fromSeq) {
			entries = append(entries, *e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// walkEntries visits every entry after the header in order, verifying it.
func walkEntries(r io.ReaderAt, key []byte, visit func(*Entry) error) error {
	offset := int64(HeaderSize)
	var prevHash [32]byte
	var expectSeq uint64

	for {
		entry, err := readEntryAt(r, offset)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read entry at offset %d: %w", offset, err)
		}

		if entry.CRC32 != computeEntryCRC(entry) {
			return fmt.Errorf("entry %d: %w", entry.Sequence, ErrCorruptedEntry)
		}
		if entry.Sequence != expectSeq {
			return fmt.Errorf("entry %d (expected %d): %w", entry.Sequence, expectSeq, ErrSequenceGap)
		}
		if entry.PrevHash != prevHash {
			return fmt.Errorf("entry %d: %w", entry.Sequence, ErrBrokenChain)
		}
		if key != nil && !verifyHMAC(key, entry) {
			return fmt.Errorf("entry %d: %w", entry.Sequence, ErrInvalidHMAC)
		}

		if err := visit(entry); err != nil {
			return err
		}

		prevHash = entry.Hash()
		expectSeq = entry.Sequence + 1
		offset += int64(entry.Length)
	}
}

// VerifyHMAC verifies an entry's HMAC.
func (w *WAL) VerifyHMAC(entry *Entry) bool {
	return verifyHMAC(w.hmacKey, entry)
}

func verifyHMAC(key []byte, entry *Entry) bool {
	expected := computeHMAC(key, entry)
	return hmac.Equal(entry.HMAC[:], expected[:])
}

// computeHMAC computes the HMAC for an entry.
func computeHMAC(key []byte, entry *Entry) [32]byte {
	h := hmac.New(sha256.New, key)
	writeEntryFields(h, entry)

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

// Hash computes the hash of an entry (for chain linking).
func (e *Entry) Hash() [32]byte {
	h := sha256.New()
	writeEntryFields(h, e)

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

func writeEntryFields(h io.Writer, e *Entry) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Sequence)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp))
	h.Write(buf[:])
	h.Write([]byte{byte(e.Type)})
	h.Write(e.Payload)
	h.Write(e.PrevHash[:])
}

// computeEntryCRC computes the CRC32 for corruption detection.
func computeEntryCRC(entry *Entry) uint32 {
	crc := crc32.NewIEEE()
	writeEntryFields(crc, entry)
	crc.Write(entry.HMAC[:])
	return crc.Sum32()
}

const minEntrySize = 4 + 8 + 8 + 1 + 4 + 32 + 32 + 4

// serializeEntry serializes an entry to bytes. The length prefix is filled
// in by the caller.
func serializeEntry(entry *Entry) []byte {
	buf := make([]byte, minEntrySize+len(entry.Payload))
	offset := 4

	binary.BigEndian.PutUint64(buf[offset:], entry.Sequence)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], uint64(entry.Timestamp))
	offset += 8

	buf[offset] = byte(entry.Type)
	offset++

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(entry.Payload)))
	offset += 4
	copy(buf[offset:], entry.Payload)
	offset += len(entry.Payload)

	copy(buf[offset:], entry.PrevHash[:])
	offset += 32

	copy(buf[offset:], entry.HMAC[:])
	offset += 32

	binary.BigEndian.PutUint32(buf[offset:], entry.CRC32)

	return buf
}

// deserializeEntry deserializes an entry from bytes.
func deserializeEntry(data []byte) (*Entry, error) {
	if len(data) < minEntrySize {
		return nil, errors.New("entry too short")
	}

	entry := &Entry{}
	offset := 0

	entry.Length = binary.BigEndian.Uint32(data[offset:])
	offset += 4

	entry.Sequence = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	entry.Timestamp = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	entry.Type = EntryType(data[offset])
	offset++

	payloadLen := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	if len(data) < offset+int(payloadLen)+32+32+4 {
		return nil, errors.New("entry truncated")
	}

	entry.Payload = make([]byte, payloadLen)
	copy(entry.Payload, data[offset:offset+int(payloadLen)])
	offset += int(payloadLen)

	copy(entry.PrevHash[:], data[offset:offset+32])
	offset += 32

	copy(entry.HMAC[:], data[offset:offset+32])
	offset += 32

	entry.CRC32 = binary.BigEndian.Uint32(data[offset:])

	return entry, nil
}

// JournalID returns the identifier stored in the header.
func (w *WAL) JournalID() [32]byte {
	return w.header.JournalID
}

// CreatedAt returns when the journal file was created.
func (w *WAL) CreatedAt() time.Time {
	return w.createdAt
}

// Size returns the current journal file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byteCount
}

// EntryCount returns the number of entries in the journal.
func (w *WAL) EntryCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entryCount
}

// Truncated returns how many bytes of torn tail were dropped on open.
func (w *WAL) Truncated() int64 {
	return w.truncated
}

// LastSequence returns the last sequence number written.
func (w *WAL) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextSequence == 0 {
		return 0
	}
	return w.nextSequence - 1
}

// Close closes the journal file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	return w.file.Close()
}

// Path returns the journal file path.
func (w *WAL) Path() string {
	return w.path
}

// Exists checks if a journal file exists at the given path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
