// Package statetest holds a conformance suite shared by every durable
// Records backend.
package statetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailscribe/model"
	"github.com/dhcgn/mailscribe/state"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) state.Records

// RunRecords exercises the Records contract against the backend built by
// newRecords.
func RunRecords(t *testing.T, newRecords Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		r := open(t, newRecords)
		ctx := context.Background()

		exists, err := r.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists)

		_, found, err := r.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("CreateIsInsertIfAbsent", func(t *testing.T) {
		r := open(t, newRecords)
		ctx := context.Background()

		first := record("a@example.com", model.StatusReceived, 0)
		created, err := r.Create(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)

		second := record("a@example.com", model.StatusFailed, 5)
		created, err = r.Create(ctx, second)
		require.NoError(t, err)
		assert.False(t, created)

		got, found, err := r.Get(ctx, "a@example.com")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, model.StatusReceived, got.Status)
		assert.Equal(t, 0, got.RetryCount)
	})

	t.Run("UpsertRoundTrip", func(t *testing.T) {
		r := open(t, newRecords)
		ctx := context.Background()

		rec := record("b@example.com", model.StatusProcessing, 0)
		require.NoError(t, r.Upsert(ctx, rec))

		rec.Status = model.StatusFailed
		rec.Error = "smtp: 550 mailbox unavailable"
		rec.RetryCount = 2
		require.NoError(t, r.Upsert(ctx, rec))

		got, found, err := r.Get(ctx, "b@example.com")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, model.StatusFailed, got.Status)
		assert.Equal(t, "smtp: 550 mailbox unavailable", got.Error)
		assert.Equal(t, 2, got.RetryCount)
		assert.True(t, rec.ProcessedAt.Equal(got.ProcessedAt), "processed_at %v != %v", rec.ProcessedAt, got.ProcessedAt)

		exists, err := r.Exists(ctx, "b@example.com")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("ClaimRetry", func(t *testing.T) {
		r := open(t, newRecords)
		ctx := context.Background()

		require.NoError(t, r.Upsert(ctx, record("failed-low", model.StatusFailed, 1)))
		require.NoError(t, r.Upsert(ctx, record("failed-max", model.StatusFailed, 3)))
		require.NoError(t, r.Upsert(ctx, record("done", model.StatusForwarded, 0)))

		ok, err := r.ClaimRetry(ctx, "failed-low", 3)
		require.NoError(t, err)
		assert.True(t, ok)

		got, _, err := r.Get(ctx, "failed-low")
		require.NoError(t, err)
		assert.Equal(t, model.StatusReceived, got.Status)
		assert.Equal(t, 1, got.RetryCount)

		ok, err = r.ClaimRetry(ctx, "failed-low", 3)
		require.NoError(t, err)
		assert.False(t, ok, "second claim must lose")

		ok, err = r.ClaimRetry(ctx, "failed-max", 3)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = r.ClaimRetry(ctx, "done", 3)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = r.ClaimRetry(ctx, "missing", 3)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		r := open(t, newRecords)
		ctx := context.Background()

		require.NoError(t, r.Upsert(ctx, record("c", model.StatusFailed, 0)))
		require.NoError(t, r.Upsert(ctx, record("a", model.StatusFailed, 2)))
		require.NoError(t, r.Upsert(ctx, record("b", model.StatusFailed, 3)))
		require.NoError(t, r.Upsert(ctx, record("d", model.StatusForwarded, 0)))

		below, err := r.ListByStatus(ctx, model.StatusFailed, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(below))

		all, err := r.ListByStatus(ctx, model.StatusFailed, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(all))

		none, err := r.ListByStatus(ctx, model.StatusConverted, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ConcurrentCreateHasOneWinner", func(t *testing.T) {
		r := open(t, newRecords)
		ctx := context.Background()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				created, err := r.Create(ctx, record("race@example.com", model.StatusReceived, 0))
				if err == nil && created {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})
}

func open(t *testing.T, newRecords Factory) state.Records {
	t.Helper()
	r := newRecords(t)
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Errorf("close records: %v", err)
		}
	})
	return r
}

func record(id string, status model.Status, retries int) model.ProcessingRecord {
	rec := model.ProcessingRecord{
		MessageID:   id,
		Status:      status,
		ProcessedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		RetryCount:  retries,
	}
	if status == model.StatusFailed {
		rec.Error = fmt.Sprintf("failure #%d", retries)
	}
	return rec
}

func ids(recs []model.ProcessingRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.MessageID)
	}
	return out
}
