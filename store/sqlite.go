// Package store holds the durable processing-record backends.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/dhcgn/mailscribe/model"
	"github.com/dhcgn/mailscribe/store/migrations"

	_ "modernc.org/sqlite"
)

const recordColumns = `message_id, status, processed_at, error_message, retry_count`

// SQLiteStore keeps processing records in a SQLite table whose primary key
// is the message id.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenSQLite connects to path (":memory:" works) and applies migrations.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "store", "driver", "sqlite")

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := applyMigrations(db.DB, logger); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database after migration failure", "error", closeErr)
		}
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("database connected", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func applyMigrations(db *sql.DB, logger *slog.Logger) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("create embed source driver: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("no database migrations to apply")
			return nil
		}
		return err
	}

	logger.Info("database migrations applied")
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM processing_records WHERE message_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("check record %q: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.ProcessingRecord, bool, error) {
	var rec model.ProcessingRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT `+recordColumns+` FROM processing_records WHERE message_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessingRecord{}, false, nil
	}
	if err != nil {
		return model.ProcessingRecord{}, false, fmt.Errorf("get record %q: %w", id, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec model.ProcessingRecord) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO processing_records (`+recordColumns+`)
		VALUES (:message_id, :status, :processed_at, :error_message, :retry_count)
		ON CONFLICT(message_id) DO NOTHING`, normalize(rec))
	if err != nil {
		return false, fmt.Errorf("create record %q: %w", rec.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create record %q: %w", rec.MessageID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec model.ProcessingRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO processing_records (`+recordColumns+`)
		VALUES (:message_id, :status, :processed_at, :error_message, :retry_count)
		ON CONFLICT(message_id) DO UPDATE SET
			status = excluded.status,
			processed_at = excluded.processed_at,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count`, normalize(rec))
	if err != nil {
		return fmt.Errorf("upsert record %q: %w", rec.MessageID, err)
	}
	return nil
}

func (s *SQLiteStore) ClaimRetry(ctx context.Context, id string, maxRetries int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_records
		SET status = ?, processed_at = ?
		WHERE message_id = ? AND status = ? AND (? <= 0 OR retry_count < ?)`,
		model.StatusReceived, time.Now().UTC(), id, model.StatusFailed, maxRetries, maxRetries)
	if err != nil {
		return false, fmt.Errorf("claim retry %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim retry %q: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status model.Status, maxRetries int) ([]model.ProcessingRecord, error) {
	recs := make([]model.ProcessingRecord, 0)
	err := s.db.SelectContext(ctx, &recs, `
		SELECT `+recordColumns+` FROM processing_records
		WHERE status = ? AND (? <= 0 OR retry_count < ?)
		ORDER BY message_id`, status, maxRetries, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", status, err)
	}
	return recs, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	s.logger.Debug("database closed")
	return nil
}

func normalize(rec model.ProcessingRecord) model.ProcessingRecord {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	return rec
}
