package model

import (
	"fmt"
	"time"
)

// Status is the processing state of a message identifier.
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusProcessing Status = "PROCESSING"
	StatusConverted  Status = "CONVERTED"
	StatusForwarded  Status = "FORWARDED"
	StatusFailed     Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusReceived:   1,
	StatusProcessing: 2,
	StatusConverted:  3,
	StatusForwarded:  4,
}

// ParseStatus accepts the upper-case names stored in records.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

func (s Status) Terminal() bool {
	return s == StatusForwarded || s == StatusFailed
}

// CanTransition reports whether a record in status s may move to next.
// Progress is forward only; FAILED is reachable from anything except
// FORWARDED. Repeating the current status is allowed.
func (s Status) CanTransition(next Status) bool {
	if s == StatusForwarded {
		return next == StatusForwarded
	}
	if next == StatusFailed {
		return true
	}
	if s == StatusFailed {
		return false
	}
	return statusRank[next] >= statusRank[s]
}

// ProcessingRecord is the durable idempotency record for one message id.
type ProcessingRecord struct {
	MessageID   string    `json:"message_id" db:"message_id"`
	Status      Status    `json:"status" db:"status"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
	Error       string    `json:"error,omitempty" db:"error_message"`
	RetryCount  int       `json:"retry_count" db:"retry_count"`
}
