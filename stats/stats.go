// Package stats counts pipeline events for log summaries and Prometheus.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StagePoll   Stage = "poll"
	StageSweep  Stage = "sweep"
	StageReplay Stage = "replay"
)

type EventType string

const (
	EventTypeFetched         EventType = "fetched"
	EventTypeDuplicate       EventType = "duplicate"
	EventTypeReceived        EventType = "received"
	EventTypeConverted       EventType = "converted"
	EventTypeForwarded       EventType = "forwarded"
	EventTypeFailed          EventType = "failed"
	EventTypeParseError      EventType = "parse_error"
	EventTypeConversionError EventType = "conversion_error"
	EventTypeRejected        EventType = "rejected"
	EventTypeRedriven        EventType = "redriven"
)

// EventTypes lists every event type in reporting order.
var EventTypes = []EventType{
	EventTypeFetched,
	EventTypeDuplicate,
	EventTypeReceived,
	EventTypeConverted,
	EventTypeForwarded,
	EventTypeFailed,
	EventTypeParseError,
	EventTypeConversionError,
	EventTypeRejected,
	EventTypeRedriven,
}

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(evt Event)
}

// Multi fans one event out to several sinks. Nil sinks are skipped.
type Multi []Sink

func (m Multi) Emit(evt Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(evt)
		}
	}
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

type Summary struct {
	Fetched          int
	Duplicates       int
	Received         int
	Converted        int
	Forwarded        int
	Failed           int
	ParseErrors      int
	ConversionErrors int
	Rejected         int
	Redriven         int
	// Outcomes of sweep re-drives. They are kept apart from Forwarded and
	// Failed because the message already reached an outcome when it was
	// first fetched.
	RedriveForwarded int
	RedriveFailed    int
	LastError        error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"duplicates", s.Duplicates,
		"received", s.Received,
		"converted", s.Converted,
		"forwarded", s.Forwarded,
		"failed", s.Failed,
		"parseErrors", s.ParseErrors,
		"conversionErrors", s.ConversionErrors,
		"rejected", s.Rejected,
		"redriven", s.Redriven,
		"redriveForwarded", s.RedriveForwarded,
		"redriveFailed", s.RedriveFailed,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Done counts messages fetched in this run that reached an outcome. Each
// fetched message counts once; sweep re-drives are not included, so Done
// never exceeds Fetched.
func (s Summary) Done() int {
	return s.Duplicates + s.Forwarded + s.Failed + s.ParseErrors + s.Rejected
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
	started time.Time
}

func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

func (c *Collector) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if evt.Stage == StageSweep && c.redriveOutcome(evt.Type) {
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
		return
	}
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeReceived:
		c.summary.Received++
	case EventTypeConverted:
		c.summary.Converted++
	case EventTypeForwarded:
		c.summary.Forwarded++
	case EventTypeFailed:
		c.summary.Failed++
	case EventTypeParseError:
		c.summary.ParseErrors++
	case EventTypeConversionError:
		c.summary.ConversionErrors++
	case EventTypeRejected:
		c.summary.Rejected++
	case EventTypeRedriven:
		c.summary.Redriven++
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err
	}
}

// redriveOutcome records a sweep outcome and reports whether typ was one.
func (c *Collector) redriveOutcome(typ EventType) bool {
	switch typ {
	case EventTypeForwarded:
		c.summary.RedriveForwarded++
	case EventTypeFailed, EventTypeParseError, EventTypeRejected:
		c.summary.RedriveFailed++
	default:
		return false
	}
	return true
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Elapsed returns the time since the collector was created.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.started)
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value == pairs[j].Value {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value > pairs[j].Value
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Printf("%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
