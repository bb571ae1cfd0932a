package alert

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDeadLetterNotFound is returned when a dead letter ID is unknown.
var ErrDeadLetterNotFound = errors.New("alert: dead letter not found")

// Ledger is the local record of delivered submissions.
type Ledger interface {
	// Lookup returns the stored receipt for id, if any.
	Lookup(ctx context.Context, id string) (Receipt, bool, error)
	// Record stores a delivered submission. Recording an ID that already
	// exists is a no-op and reports inserted=false.
	Record(ctx context.Context, rec Record, receipt Receipt) (inserted bool, err error)
}

// DeadLetter is a record that could not be delivered.
type DeadLetter struct {
	Record     Record     `json:"record"`
	Kind       ErrorKind  `json:"kind"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// DeadLetterFilter selects dead letters.
type DeadLetterFilter struct {
	Kind            ErrorKind // zero for any kind
	IncludeResolved bool
	Limit           int
}

// DeadLetters stores failed submissions for redrive and review.
type DeadLetters interface {
	// PutDeadLetter stores dl, replacing an unresolved entry with the same
	// submission ID.
	PutDeadLetter(ctx context.Context, dl DeadLetter) error
	ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id string, at time.Time) error
}

// MemoryStore is an in-process Ledger and DeadLetters.
type MemoryStore struct {
	mu          sync.Mutex
	receipts    map[string]Receipt
	records     map[string]Record
	deadLetters map[string]*DeadLetter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts:    make(map[string]Receipt),
		records:     make(map[string]Record),
		deadLetters: make(map[string]*DeadLetter),
	}
}

func (m *MemoryStore) Lookup(_ context.Context, id string) (Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	return r, ok, nil
}

func (m *MemoryStore) Record(_ context.Context, rec Record, receipt Receipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[rec.SubmissionID]; ok {
		return false, nil
	}
	m.receipts[rec.SubmissionID] = receipt
	m.records[rec.SubmissionID] = rec
	return true, nil
}

// Len returns the number of recorded submissions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receipts)
}

func (m *MemoryStore) PutDeadLetter(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.deadLetters[dl.Record.SubmissionID]; ok && existing.ResolvedAt == nil {
		dl.CreatedAt = existing.CreatedAt
	}
	m.deadLetters[dl.Record.SubmissionID] = &dl
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, f DeadLetterFilter) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeadLetter, 0, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		if !f.IncludeResolved && dl.ResolvedAt != nil {
			continue
		}
		if f.Kind != 0 && dl.Kind != f.Kind {
			continue
		}
		out = append(out, *dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ResolveDeadLetter(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.deadLetters[id]
	if !ok || dl.ResolvedAt != nil {
		return ErrDeadLetterNotFound
	}
	dl.ResolvedAt = &at
	dl.UpdatedAt = at
	return nil
}
