package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailscribe/config"
	"github.com/dhcgn/mailscribe/model"
	"github.com/dhcgn/mailscribe/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		SMTP: config.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "bot@example.com", To: "team@example.com", StartTLS: true},
		Conversion: config.ConversionConfig{
			BaseURL:       "http://converter:8080",
			Endpoint:      "/api/audio-video/convert",
			Timeout:       time.Minute,
			RetryAttempts: 3,
		},
		Processing: config.ProcessingConfig{
			Workers:       2,
			Backlog:       4,
			Admission:     "block",
			MaxRetries:    3,
			RetryInterval: time.Minute,
		},
		DuplicatePrevention: config.DuplicatePreventionConfig{Enabled: true, CacheDuration: "2h"},
		Store:               config.StoreConfig{Driver: store.DriverSQLite, Path: filepath.Join(t.TempDir(), "records.db")},
		Log:                 config.LogConfig{Level: "error"},
	}
}

func staticLoader(cfg config.Config) Loader {
	return func(*cobra.Command, config.Scope) (config.Config, *slog.Logger, func() error, error) {
		return cfg, discard, func() error { return nil }, nil
	}
}

type emptyMailbox struct{}

func (emptyMailbox) FetchLatest(context.Context, int) ([]model.Raw, error) { return nil, nil }
func (emptyMailbox) FetchByID(context.Context, string) (model.Raw, bool, error) {
	return model.Raw{}, false, nil
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t)

	svc, err := Build(cfg, emptyMailbox{}, nil, discard)
	require.NoError(t, err)

	assert.Equal(t, 6, svc.Pool.Capacity())
	assert.Equal(t, 2*time.Hour, svc.Tracker.TTL())
	assert.Equal(t, "cache-purge", svc.PurgeJob(discard).Name)
	require.NoError(t, svc.Pipeline.Poll(context.Background()))
	require.NoError(t, svc.Close(context.Background()))
}

func TestBuild_RejectsBadFormats(t *testing.T) {
	cfg := testConfig(t)
	cfg.Processing.AudioFormats = "mp3,../x"

	_, err := Build(cfg, emptyMailbox{}, nil, discard)
	require.Error(t, err)
}

func seedRecords(t *testing.T, cfg config.Config) {
	t.Helper()
	records, err := store.Open(cfg.Store.Driver, cfg.Store.Path, discard)
	require.NoError(t, err)
	defer records.Close()

	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	for _, rec := range []model.ProcessingRecord{
		{MessageID: "a@example.com", Status: model.StatusForwarded, ProcessedAt: now},
		{MessageID: "b@example.com", Status: model.StatusFailed, ProcessedAt: now, Error: "smtp down", RetryCount: 2},
		{MessageID: "c@example.com", Status: model.StatusFailed, ProcessedAt: now, Error: "smtp down", RetryCount: 1},
	} {
		require.NoError(t, records.Upsert(context.Background(), rec))
	}
}

func TestRecordsCommand_ListsAndWritesCSV(t *testing.T) {
	cfg := testConfig(t)
	seedRecords(t, cfg)
	csvPath := filepath.Join(t.TempDir(), "out", "records.csv")

	var out bytes.Buffer
	c := NewRecordsCommand(staticLoader(cfg))
	c.SetOut(&out)
	c.SetArgs([]string{"--csv", csvPath})
	require.NoError(t, c.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), "3 records")
	assert.Contains(t, out.String(), "FAILED")

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"message_id", "status", "processed_at", "retry_count", "error"}, rows[0])
	assert.Equal(t, []string{"a@example.com", "FORWARDED", "2026-05-04T10:00:00Z", "0", ""}, rows[1])
}

func TestRecordsCommand_StatusFilterAndMark(t *testing.T) {
	cfg := testConfig(t)
	seedRecords(t, cfg)

	var out bytes.Buffer
	c := NewRecordsCommand(staticLoader(cfg))
	c.SetOut(&out)
	c.SetArgs([]string{"--mark", "b@example.com"})
	require.NoError(t, c.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Marked b@example.com as FORWARDED")

	records, err := store.Open(cfg.Store.Driver, cfg.Store.Path, discard)
	require.NoError(t, err)
	rec, found, err := records.Get(context.Background(), "b@example.com")
	require.NoError(t, err)
	require.NoError(t, records.Close())
	require.True(t, found)
	assert.Equal(t, model.StatusForwarded, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)

	out.Reset()
	c = NewRecordsCommand(staticLoader(cfg))
	c.SetOut(&out)
	c.SetArgs([]string{"--status", "FAILED"})
	require.NoError(t, c.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "1 records")

	c = NewRecordsCommand(staticLoader(cfg))
	c.SetOut(io.Discard)
	c.SetErr(io.Discard)
	c.SetArgs([]string{"--status", "DONE"})
	require.Error(t, c.ExecuteContext(context.Background()))
}

func TestReplayCommand_EmptyMbox(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "empty.mbox")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	c := NewReplayCommand(staticLoader(cfg))
	c.SetArgs([]string{path})
	c.SetOut(io.Discard)
	require.NoError(t, c.ExecuteContext(context.Background()))
}
