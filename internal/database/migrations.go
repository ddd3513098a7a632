package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
)

// Data and trigger scripts run after every *.sql schema script.
var trailingScripts = []string{"INSERTS", "TRIGGERS"}

// runSetupScripts executes the setup scripts found in dir: all *.sql files
// in name order, then INSERTS and TRIGGERS when present. Each script runs
// once and is recorded in setup_scripts.
func runSetupScripts(ctx context.Context, ex execQuerier, dir string, logger log.FieldLogger) error {
	if dir == "" {
		return nil
	}
	if err := createSetupScriptsTable(ctx, ex); err != nil {
		return fmt.Errorf("failed to create setup_scripts table: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to read setup scripts: %w", err)
	}
	sort.Strings(files)
	for _, name := range trailingScripts {
		files = append(files, filepath.Join(dir, name))
	}

	for _, file := range files {
		filename := filepath.Base(file)

		hasRun, err := hasScriptRun(ctx, ex, filename)
		if err != nil {
			return fmt.Errorf("failed to check setup script status: %w", err)
		}
		if hasRun {
			continue
		}

		content, err := os.ReadFile(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("failed to read setup script %s: %w", filename, err)
		}

		// go-sqlite3 runs every statement of a multi-statement Exec.
		if _, err := ex.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute setup script %s: %w", filename, err)
		}
		if _, err := ex.ExecContext(ctx, "INSERT INTO setup_scripts (filename) VALUES (?)", filename); err != nil {
			return fmt.Errorf("failed to record setup script %s: %w", filename, err)
		}
		logger.WithField("script", filename).Debug("setup script completed")
	}
	return nil
}

func createSetupScriptsTable(ctx context.Context, ex execQuerier) error {
	_, err := ex.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS setup_scripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT UNIQUE NOT NULL,
			executed_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func hasScriptRun(ctx context.Context, ex execQuerier, filename string) (bool, error) {
	rows, err := ex.QueryContext(ctx, "SELECT COUNT(*) FROM setup_scripts WHERE filename = ?", filename)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return false, err
		}
	}
	return count > 0, rows.Err()
}
