package wal

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"entropyguard/internal/alert"
)

// AlertPayload is the payload of verdict, submission, dead-letter and
// resolution entries.
type AlertPayload struct {
	Record    alert.Record `json:"record"`
	Sink      string       `json:"sink,omitempty"`
	Reference string       `json:"reference,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Kind      string       `json:"kind,omitempty"`
	Attempts  int          `json:"attempts,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// SessionPayload marks the start or end of an agent run.
type SessionPayload struct {
	DeviceID  string    `json:"deviceId"`
	Root      string    `json:"root,omitempty"`
	Version   string    `json:"version,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Sink      string    `json:"sink,omitempty"`
	At        time.Time `json:"at"`
	Reason    string    `json:"reason,omitempty"`
}

// HeartbeatPayload records pipeline counters at a point in time.
type HeartbeatPayload struct {
	At          time.Time `json:"at"`
	Processed   uint64    `json:"processed"`
	Verdicts    uint64    `json:"verdicts"`
	Dropped     uint64    `json:"dropped"`
	PendingDead int       `json:"pendingDeadLetters"`
}

func encodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wal: encode payload: %w", err)
	}
	return data, nil
}

// DecodeAlert decodes an alert entry payload.
func DecodeAlert(e Entry) (AlertPayload, error) {
	var p AlertPayload
	switch e.Type {
	case EntryVerdict, EntrySubmitted, EntryDeadLettered, EntryResolved:
	default:
		return p, fmt.Errorf("wal: entry %d is %s, not an alert entry", e.Sequence, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("wal: decode entry %d: %w", e.Sequence, err)
	}
	return p, nil
}

// DecodeSession decodes a session start or end payload.
func DecodeSession(e Entry) (SessionPayload, error) {
	var p SessionPayload
	if e.Type != EntrySessionStart && e.Type != EntrySessionEnd {
		return p, fmt.Errorf("wal: entry %d is %s, not a session entry", e.Sequence, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("wal: decode entry %d: %w", e.Sequence, err)
	}
	return p, nil
}

// DecodeHeartbeat decodes a heartbeat payload.
func DecodeHeartbeat(e Entry) (HeartbeatPayload, error) {
	var p HeartbeatPayload
	if e.Type != EntryHeartbeat {
		return p, fmt.Errorf("wal: entry %d is %s, not a heartbeat", e.Sequence, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("wal: decode entry %d: %w", e.Sequence, err)
	}
	return p, nil
}
