package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropyguard/internal/alert"
)

// =============================================================================
// Helper functions
// =============================================================================

func newTestSecret() []byte {
	return bytes.Repeat([]byte{0x5a}, SecretSize)
}

func createTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.wal")
	w, err := Open(path, newTestSecret())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func testRecord() alert.Record {
	return alert.Record{
		SubmissionID: alert.SubmissionID("dev-1", "/data/a.docx", 1700000000),
		DeviceID:     "dev-1",
		Path:         "/data/a.docx",
		Score:        7.98,
		Threshold:    7.5,
		DecidedAt:    time.Unix(1700000100, 0).UTC(),
		Bucket:       1700000000,
		SampleSize:   10000,
	}
}

// =============================================================================
// Tests for Open and header handling
// =============================================================================

func TestOpenCreatesHeader(t *testing.T) {
	w, path := createTestWAL(t)

	assert.Equal(t, int64(HeaderSize), w.Size())
	assert.Equal(t, uint64(0), w.EntryCount())
	assert.NotEqual(t, [32]byte{}, w.JournalID())
	assert.True(t, Exists(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestOpenRequiresSecret(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "j.wal"), nil)
	assert.Error(t, err)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wal")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize), 0600))

	_, err := Open(path, newTestSecret())
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReopenKeepsJournalID(t *testing.T) {
	w, path := createTestWAL(t)
	id := w.JournalID()
	require.NoError(t, w.Append(EntryVerdict, []byte("one")))
	require.NoError(t, w.Close())

	w2, err := Open(path, newTestSecret())
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, id, w2.JournalID())
	assert.Equal(t, uint64(1), w2.EntryCount())
}

// =============================================================================
// Tests for Append and ReadAll
// =============================================================================

func TestAppendAndReadAll(t *testing.T) {
	w, _ := createTestWAL(t)

	types := []EntryType{EntrySessionStart, EntryVerdict, EntrySubmitted, EntrySessionEnd}
	for i, typ := range types {
		require.NoError(t, w.Append(typ, []byte{byte(i)}))
	}

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, len(types))

	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
		assert.Equal(t, types[i], e.Type)
		assert.Equal(t, []byte{byte(i)}, e.Payload)
		assert.True(t, w.VerifyHMAC(&e))
	}
	assert.Equal(t, entries[0].Hash(), entries[1].PrevHash)
	assert.Equal(t, uint64(3), w.LastSequence())
}

func TestAppendEmptyPayload(t *testing.T) {
	w, _ := createTestWAL(t)
	require.NoError(t, w.Append(EntryHeartbeat, nil))

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Payload)
}

func TestAppendPayloadTooLarge(t *testing.T) {
	w, _ := createTestWAL(t)
	err := w.Append(EntryVerdict, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := createTestWAL(t)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(EntryVerdict, nil), ErrWALClosed)
	assert.NoError(t, w.Close())
}

func TestReadAfter(t *testing.T) {
	w, _ := createTestWAL(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(EntryVerdict, []byte{byte(i)}))
	}

	entries, err := w.ReadAfter(2, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(3), entries[0].Sequence)

	entries, err = w.ReadAfter(2, true)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestConcurrentAppend(t *testing.T) {
	w, _ := createTestWAL(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, w.Append(EntryVerdict, []byte("x")))
			}
		}()
	}
	wg.Wait()

	entries, err := w.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 80)
}

// =============================================================================
// Tests for recovery and tamper detection
// =============================================================================

func TestReopenContinuesChain(t *testing.T) {
	w, path := createTestWAL(t)
	require.NoError(t, w.Append(EntryVerdict, []byte("a")))
	require.NoError(t, w.Close())

	w2, err := Open(path, newTestSecret())
	require.NoError(t, err)
	defer w2.Close()
	require.NoError(t, w2.Append(EntrySubmitted, []byte("b")))

	entries, err := w2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[1].Sequence)
	assert.Equal(t, entries[0].Hash(), entries[1].PrevHash)
}

func TestTornTailIsDropped(t *testing.T) {
	w, path := createTestWAL(t)
	require.NoError(t, w.Append(EntryVerdict, []byte("complete")))
	size := w.Size()
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 200, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(path, newTestSecret())
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, int64(7), w2.Truncated())
	assert.Equal(t, size, w2.Size())
	require.NoError(t, w2.Append(EntrySubmitted, []byte("next")))

	entries, err := w2.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestVerifyDetectsWrongSecret(t *testing.T) {
	w, path := createTestWAL(t)
	require.NoError(t, w.Append(EntryVerdict, []byte("a")))
	require.NoError(t, w.Close())

	_, err := Verify(path, bytes.Repeat([]byte{0x01}, SecretSize))
	assert.ErrorIs(t, err, ErrInvalidHMAC)
	assert.True(t, IsTampered(err))
}

func TestVerifyDetectsModifiedPayload(t *testing.T) {
	w, path := createTestWAL(t)
	require.NoError(t, w.Append(EntryVerdict, []byte("score=7.98")))
	require.NoError(t, w.Append(EntrySubmitted, []byte("ok")))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(data, []byte("7.98"))
	require.Positive(t, idx)
	data[idx] = '1'
	require.NoError(t, os.WriteFile(path, data, 0600))

	report, err := Verify(path, newTestSecret())
	assert.ErrorIs(t, err, ErrCorruptedEntry)
	assert.True(t, IsTampered(err))
	assert.Equal(t, uint64(0), report.Entries)
}

func TestVerifyReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	secretPath := filepath.Join(t.TempDir(), "journal.key")

	j, err := OpenJournal(path, secretPath)
	require.NoError(t, err)
	require.NoError(t, j.StartSession(SessionPayload{DeviceID: "dev-1", Root: "/data"}))
	require.NoError(t, j.Append(alert.JournalEntry{Event: alert.JournalVerdict, Record: testRecord()}))
	require.NoError(t, j.Heartbeat(HeartbeatPayload{Processed: 3, Verdicts: 1}))
	require.NoError(t, j.Close())

	secret, err := LoadSecret(secretPath)
	require.NoError(t, err)

	report, err := Verify(path, secret)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), report.Entries)
	assert.Equal(t, uint64(2), report.LastSequence)
	assert.Equal(t, uint64(1), report.ByType[EntryVerdict])
	assert.Equal(t, 1, report.OpenSessions)
	assert.False(t, report.FirstEntry.After(report.LastEntry))
}

// =============================================================================
// Tests for key derivation
// =============================================================================

func TestDeriveKey(t *testing.T) {
	secret := newTestSecret()
	var a, b [32]byte
	b[0] = 1

	ka, err := DeriveKey(secret, a)
	require.NoError(t, err)
	ka2, err := DeriveKey(secret, a)
	require.NoError(t, err)
	kb, err := DeriveKey(secret, b)
	require.NoError(t, err)

	assert.Len(t, ka, 32)
	assert.Equal(t, ka, ka2)
	assert.NotEqual(t, ka, kb)
}

func TestLoadSecretPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "journal.key")
	s1, err := LoadSecret(path)
	require.NoError(t, err)
	s2, err := LoadSecret(path)
	require.NoError(t, err)
	assert.Len(t, s1, SecretSize)
	assert.Equal(t, s1, s2)
}

func TestEntryTypeString(t *testing.T) {
	assert.Equal(t, "verdict", EntryVerdict.String())
	assert.Equal(t, "heartbeat", EntryHeartbeat.String())
	assert.Equal(t, "type(99)", EntryType(99).String())
}
