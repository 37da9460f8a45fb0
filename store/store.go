package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mailscribe/state"
)

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverFile   = "file"
)

// Open builds the Records backend named by driver. For sqlite and bolt path
// is the database file; for file it is the state directory.
func Open(driver, path string, logger *slog.Logger) (state.Records, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}

	switch driver {
	case DriverSQLite, "":
		if err := ensureParent(path); err != nil {
			return nil, err
		}
		return OpenSQLite(path, logger)
	case DriverBolt:
		if err := ensureParent(path); err != nil {
			return nil, err
		}
		return OpenBolt(path)
	case DriverFile:
		return state.NewFileRecords(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func ensureParent(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
