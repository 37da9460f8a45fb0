// Package state answers whether a message has already been processed. It
// pairs a volatile cache with a durable record store; the store is the
// source of truth and the cache only saves round trips.
package state

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dhcgn/mailscribe/model"
)

const (
	CacheKeyPrefix       = "email:processed:"
	DefaultCacheDuration = 24 * time.Hour
)

// Cache is the volatile tier. Implementations may lose entries at any time.
type Cache interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Records is the durable tier. The message id is unique; Create must not
// overwrite an existing record.
type Records interface {
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (model.ProcessingRecord, bool, error)
	Create(ctx context.Context, rec model.ProcessingRecord) (bool, error)
	Upsert(ctx context.Context, rec model.ProcessingRecord) error
	ClaimRetry(ctx context.Context, id string, maxRetries int) (bool, error)
	ListByStatus(ctx context.Context, status model.Status, maxRetries int) ([]model.ProcessingRecord, error)
	Close() error
}

// Options configures a Tracker.
type Options struct {
	Enabled       bool
	CacheDuration string
}

// Tracker is the two-tier idempotency store. Store and cache failures are
// logged and never returned.
type Tracker struct {
	records Records
	cache   Cache
	enabled bool
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker wires records and cache together. cache may be nil.
func NewTracker(records Records, cache Cache, opts Options, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "state")

	ttl, ok := ParseTTL(opts.CacheDuration)
	if !ok {
		logger.Warn("unable to parse cache duration, using default", "value", opts.CacheDuration, "default", DefaultCacheDuration)
	}

	return &Tracker{
		records: records,
		cache:   cache,
		enabled: opts.Enabled,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// TTL returns the cache lifetime in effect.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Enabled reports whether duplicate prevention is active.
func (t *Tracker) Enabled() bool {
	return t.enabled
}

// IsAlreadyProcessed checks the cache first and falls back to the store,
// backfilling the cache on a store hit.
func (t *Tracker) IsAlreadyProcessed(ctx context.Context, id string) bool {
	if !t.enabled || id == "" {
		return false
	}

	key := CacheKeyPrefix + id
	if t.cache != nil {
		hit, err := t.cache.Exists(ctx, key)
		if err != nil {
			t.logger.Warn("cache lookup failed", "message_id", id, "error", err)
		} else if hit {
			t.logger.Debug("message found in cache", "message_id", id)
			return true
		}
	}

	if t.records == nil {
		return false
	}
	exists, err := t.records.Exists(ctx, id)
	if err != nil {
		t.logger.Error("record lookup failed", "message_id", id, "error", err)
		return false
	}
	if !exists {
		return false
	}

	t.logger.Debug("message found in store", "message_id", id)
	t.setCache(ctx, id, "processed")
	return true
}

// MarkAsProcessed writes status for id to both tiers, creating the record
// if needed. Retry counter and error detail of an existing record are kept.
func (t *Tracker) MarkAsProcessed(ctx context.Context, id string, status model.Status) {
	if !t.enabled || id == "" || t.records == nil {
		return
	}

	rec, found, err := t.records.Get(ctx, id)
	if err != nil {
		t.logger.Error("error marking message as processed", "message_id", id, "status", status, "error", err)
		return
	}
	if !found {
		rec = model.ProcessingRecord{MessageID: id}
	}
	rec.Status = status
	rec.ProcessedAt = t.now().UTC()

	if err := t.records.Upsert(ctx, rec); err != nil {
		t.logger.Error("error marking message as processed", "message_id", id, "status", status, "error", err)
		return
	}
	t.setCache(ctx, id, string(status))
	t.logger.Debug("marked message", "message_id", id, "status", status)
}

// Claim records the first sighting of id as RECEIVED. It returns false only
// when the store already holds a record for id, which means another worker
// owns the message. Store errors count as a successful claim.
func (t *Tracker) Claim(ctx context.Context, id string) bool {
	if !t.enabled || id == "" || t.records == nil {
		return true
	}

	created, err := t.records.Create(ctx, model.ProcessingRecord{
		MessageID:   id,
		Status:      model.StatusReceived,
		ProcessedAt: t.now().UTC(),
	})
	if err != nil {
		t.logger.Error("error recording received message", "message_id", id, "error", err)
		return true
	}
	if !created {
		t.logger.Info("message already claimed", "message_id", id)
		return false
	}

	t.setCache(ctx, id, string(model.StatusReceived))
	return true
}

// UpdateStatus moves id to status. A non-empty detail is stored and bumps
// the retry counter. Backward transitions are refused.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, status model.Status, detail string) {
	if id == "" || t.records == nil {
		return
	}

	rec, found, err := t.records.Get(ctx, id)
	if err != nil {
		t.logger.Error("error updating processing status", "message_id", id, "status", status, "error", err)
		return
	}
	if !found {
		rec = model.ProcessingRecord{MessageID: id, Status: status}
	}
	if found && !rec.Status.CanTransition(status) {
		t.logger.Warn("refusing status transition", "message_id", id, "from", rec.Status, "to", status)
		return
	}

	rec.Status = status
	rec.ProcessedAt = t.now().UTC()
	if detail != "" {
		rec.Error = detail
		rec.RetryCount++
	}

	if err := t.records.Upsert(ctx, rec); err != nil {
		t.logger.Error("error updating processing status", "message_id", id, "status", status, "error", err)
		return
	}
	t.setCache(ctx, id, string(status))
}

// ClaimRetry moves a FAILED record below maxRetries back to RECEIVED. Only
// the caller that gets true may re-drive the message.
func (t *Tracker) ClaimRetry(ctx context.Context, id string, maxRetries int) bool {
	if t.records == nil {
		return false
	}
	ok, err := t.records.ClaimRetry(ctx, id, maxRetries)
	if err != nil {
		t.logger.Error("error claiming retry", "message_id", id, "error", err)
		return false
	}
	if ok {
		t.setCache(ctx, id, string(model.StatusReceived))
	}
	return ok
}

// Failed lists FAILED records that still have retries left.
func (t *Tracker) Failed(ctx context.Context, maxRetries int) ([]model.ProcessingRecord, error) {
	if t.records == nil {
		return nil, nil
	}
	return t.records.ListByStatus(ctx, model.StatusFailed, maxRetries)
}

// Record returns the stored record for id.
func (t *Tracker) Record(ctx context.Context, id string) (model.ProcessingRecord, bool, error) {
	if t.records == nil {
		return model.ProcessingRecord{}, false, nil
	}
	return t.records.Get(ctx, id)
}

func (t *Tracker) setCache(ctx context.Context, id, value string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Set(ctx, CacheKeyPrefix+id, value, t.ttl); err != nil {
		t.logger.Warn("cache write failed", "message_id", id, "error", err)
	}
}

// ParseTTL reads a cache duration such as "24h", "30m" or "45s". A bare
// number means hours. Zero, negative or overflowing values and anything else
// yield 24h and false.
func ParseTTL(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultCacheDuration, false
	}

	unit := time.Hour
	num := s
	switch s[len(s)-1] {
	case 'h':
		num = s[:len(s)-1]
	case 'm':
		unit, num = time.Minute, s[:len(s)-1]
	case 's':
		unit, num = time.Second, s[:len(s)-1]
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n <= 0 || n > math.MaxInt64/int64(unit) {
		return DefaultCacheDuration, false
	}
	return time.Duration(n) * unit, true
}
