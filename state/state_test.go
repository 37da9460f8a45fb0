package state

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailscribe/model"
)

// countingRecords records how often the durable tier is consulted.
type countingRecords struct {
	*MemoryRecords
	exists atomic.Int32
}

func (c *countingRecords) Exists(ctx context.Context, id string) (bool, error) {
	c.exists.Add(1)
	return c.MemoryRecords.Exists(ctx, id)
}

var errStore = errors.New("store unavailable")

type brokenRecords struct{}

func (brokenRecords) Exists(context.Context, string) (bool, error) { return false, errStore }
func (brokenRecords) Get(context.Context, string) (model.ProcessingRecord, bool, error) {
	return model.ProcessingRecord{}, false, errStore
}
func (brokenRecords) Create(context.Context, model.ProcessingRecord) (bool, error) {
	return false, errStore
}
func (brokenRecords) Upsert(context.Context, model.ProcessingRecord) error { return errStore }
func (brokenRecords) ClaimRetry(context.Context, string, int) (bool, error) {
	return false, errStore
}
func (brokenRecords) ListByStatus(context.Context, model.Status, int) ([]model.ProcessingRecord, error) {
	return nil, errStore
}
func (brokenRecords) Close() error { return nil }

type brokenCache struct{}

func (brokenCache) Exists(context.Context, string) (bool, error) { return false, errStore }
func (brokenCache) Get(context.Context, string) (string, bool, error) { return "", false, errStore }
func (brokenCache) Set(context.Context, string, string, time.Duration) error { return errStore }

func enabled() Options {
	return Options{Enabled: true, CacheDuration: "24h"}
}

func TestTracker_NotProcessedUntilMarked(t *testing.T) {
	ctx := context.Background()

	for _, name := range []string{"mark", "update", "claim"} {
		t.Run(name, func(t *testing.T) {
			tr := NewTracker(NewMemoryRecords(), NewMemoryCache(), enabled(), nil)
			require.False(t, tr.IsAlreadyProcessed(ctx, "m1"))

			switch name {
			case "mark":
				tr.MarkAsProcessed(ctx, "m1", model.StatusReceived)
			case "update":
				tr.UpdateStatus(ctx, "m1", model.StatusProcessing, "")
			case "claim":
				require.True(t, tr.Claim(ctx, "m1"))
			}

			assert.True(t, tr.IsAlreadyProcessed(ctx, "m1"))
		})
	}
}

func TestTracker_CacheWarmSkipsStore(t *testing.T) {
	ctx := context.Background()
	records := &countingRecords{MemoryRecords: NewMemoryRecords()}
	tr := NewTracker(records, NewMemoryCache(), enabled(), nil)

	tr.MarkAsProcessed(ctx, "m1", model.StatusForwarded)
	require.True(t, tr.IsAlreadyProcessed(ctx, "m1"))
	assert.Equal(t, int32(0), records.exists.Load())
}

func TestTracker_CacheColdBackfills(t *testing.T) {
	ctx := context.Background()
	records := &countingRecords{MemoryRecords: NewMemoryRecords()}
	_, err := records.Create(ctx, model.ProcessingRecord{MessageID: "m1", Status: model.StatusForwarded})
	require.NoError(t, err)

	cache := NewMemoryCache()
	tr := NewTracker(records, cache, enabled(), nil)

	require.True(t, tr.IsAlreadyProcessed(ctx, "m1"))
	assert.Equal(t, int32(1), records.exists.Load())

	v, ok, err := cache.Get(ctx, CacheKeyPrefix+"m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "processed", v)

	require.True(t, tr.IsAlreadyProcessed(ctx, "m1"))
	assert.Equal(t, int32(1), records.exists.Load(), "second lookup must be served by the cache")
}

func TestTracker_NilCache(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryRecords(), nil, enabled(), nil)

	require.True(t, tr.Claim(ctx, "m1"))
	assert.True(t, tr.IsAlreadyProcessed(ctx, "m1"))
}

func TestTracker_Disabled(t *testing.T) {
	ctx := context.Background()
	records := NewMemoryRecords()
	tr := NewTracker(records, NewMemoryCache(), Options{Enabled: false}, nil)

	tr.MarkAsProcessed(ctx, "m1", model.StatusForwarded)
	assert.True(t, tr.Claim(ctx, "m1"))
	assert.True(t, tr.Claim(ctx, "m1"))
	assert.False(t, tr.IsAlreadyProcessed(ctx, "m1"))
	assert.Equal(t, 0, records.Len())
}

func TestTracker_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryRecords(), NewMemoryCache(), enabled(), nil)

	assert.True(t, tr.Claim(ctx, "m1"))
	assert.False(t, tr.Claim(ctx, "m1"))

	rec, found, err := tr.Record(ctx, "m1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusReceived, rec.Status)
}

func TestTracker_UpdateStatusCountsFailures(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryRecords(), NewMemoryCache(), enabled(), nil)

	require.True(t, tr.Claim(ctx, "m1"))
	tr.UpdateStatus(ctx, "m1", model.StatusProcessing, "")
	tr.UpdateStatus(ctx, "m1", model.StatusFailed, "smtp down")

	rec, _, err := tr.Record(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "smtp down", rec.Error)
	assert.Equal(t, 1, rec.RetryCount)

	tr.UpdateStatus(ctx, "m1", model.StatusFailed, "source message not found in mailbox")
	rec, _, err = tr.Record(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RetryCount)
}

func TestTracker_UpdateStatusRefusesRegression(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryRecords(), NewMemoryCache(), enabled(), nil)

	require.True(t, tr.Claim(ctx, "m1"))
	tr.UpdateStatus(ctx, "m1", model.StatusForwarded, "")
	tr.UpdateStatus(ctx, "m1", model.StatusProcessing, "")
	tr.UpdateStatus(ctx, "m1", model.StatusFailed, "late failure")

	rec, _, err := tr.Record(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusForwarded, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
}

func TestTracker_UpdateStatusCreatesMissing(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryRecords(), nil, enabled(), nil)

	tr.UpdateStatus(ctx, "m1", model.StatusFailed, "parse")
	rec, found, err := tr.Record(ctx, "m1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestTracker_RetryFlow(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryRecords(), NewMemoryCache(), enabled(), nil)

	require.True(t, tr.Claim(ctx, "m1"))
	tr.UpdateStatus(ctx, "m1", model.StatusFailed, "first")

	failed, err := tr.Failed(ctx, 3)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.True(t, tr.ClaimRetry(ctx, "m1", 3))
	assert.False(t, tr.ClaimRetry(ctx, "m1", 3))

	failed, err = tr.Failed(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestTracker_SwallowsBookkeepingErrors(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(brokenRecords{}, brokenCache{}, enabled(), nil)

	assert.False(t, tr.IsAlreadyProcessed(ctx, "m1"))
	assert.True(t, tr.Claim(ctx, "m1"), "store errors must not block the message")
	assert.False(t, tr.ClaimRetry(ctx, "m1", 3))
	assert.NotPanics(t, func() {
		tr.MarkAsProcessed(ctx, "m1", model.StatusForwarded)
		tr.UpdateStatus(ctx, "m1", model.StatusFailed, "x")
	})
}

func TestParseTTL(t *testing.T) {
	tests := []struct {
		in     string
		want   time.Duration
		wantOK bool
	}{
		{"24h", 24 * time.Hour, true},
		{"30m", 30 * time.Minute, true},
		{"45s", 45 * time.Second, true},
		{"2", 2 * time.Hour, true},
		{" 12h ", 12 * time.Hour, true},
		{"", DefaultCacheDuration, false},
		{"1d", DefaultCacheDuration, false},
		{"abc", DefaultCacheDuration, false},
		{"1.5h", DefaultCacheDuration, false},
		{"-3h", DefaultCacheDuration, false},
		{"0h", DefaultCacheDuration, false},
		{"0", DefaultCacheDuration, false},
		{"9999999999h", DefaultCacheDuration, false},
		{"2562047h", 2562047 * time.Hour, true},
		{"9223372036854775807s", DefaultCacheDuration, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTTL(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, c.Set(ctx, "b", "2", time.Hour))
	require.NoError(t, c.Set(ctx, "forever", "3", 0))

	ok, _ := c.Exists(ctx, "a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = c.Exists(ctx, "a")
	assert.False(t, ok)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())

	v, ok, err := c.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}
