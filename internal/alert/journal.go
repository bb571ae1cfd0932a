package alert

// JournalEvent identifies what happened to a record.
type JournalEvent int

const (
	JournalVerdict JournalEvent = iota + 1
	JournalSubmitted
	JournalDeadLettered
	JournalResolved
)

func (e JournalEvent) String() string {
	switch e {
	case JournalVerdict:
		return "verdict"
	case JournalSubmitted:
		return "submitted"
	case JournalDeadLettered:
		return "dead_lettered"
	case JournalResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// JournalEntry is one audit fact about a record.
type JournalEntry struct {
	Event    JournalEvent
	Record   Record
	Receipt  *Receipt
	Kind     ErrorKind
	Attempts int
	Error    string
}

// Journal is an append-only, tamper-evident audit trail.
type Journal interface {
	Append(entry JournalEntry) error
}
