package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/bdougie/framesearch/internal/models"
)

// sqliteMaxParams stays well under SQLite's bound-parameter limit.
const sqliteMaxParams = 500

// SQLiteMetadata stores keyframe records in a local SQLite file.
type SQLiteMetadata struct {
	db *sql.DB
}

// OpenSQLiteMetadata opens (or creates) the database at path. ":memory:" is accepted.
func OpenSQLiteMetadata(path string) (*SQLiteMetadata, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", p)
		}
	}

	return &SQLiteMetadata{db: db}, nil
}

// InitSchema creates the keyframes table if it doesn't exist
func (s *SQLiteMetadata) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS keyframes (
		key INTEGER PRIMARY KEY,
		group_num INTEGER NOT NULL,
		video_num INTEGER NOT NULL,
		keyframe_num INTEGER NOT NULL,
		UNIQUE(group_num, video_num, keyframe_num)
	);

	CREATE INDEX IF NOT EXISTS idx_keyframes_group_video ON keyframes(group_num, video_num);
	`)
	if err != nil {
		return tableDDLError("keyframes", err)
	}
	return nil
}

// GetByKeys fetches the records for keys in chunks. The result order is unspecified.
func (s *SQLiteMetadata) GetByKeys(ctx context.Context, keys []models.Key) ([]models.Record, error) {
	records := make([]models.Record, 0, len(keys))
	for start := 0; start < len(keys); start += sqliteMaxParams {
		end := min(start+sqliteMaxParams, len(keys))
		chunk, err := s.getChunk(ctx, keys[start:end])
		if err != nil {
			return nil, err
		}
		records = append(records, chunk...)
	}
	return records, nil
}

func (s *SQLiteMetadata) getChunk(ctx context.Context, keys []models.Key) ([]models.Record, error) {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = int64(k)
	}
	query := `SELECT key, group_num, video_num, keyframe_num FROM keyframes WHERE key IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",") + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query keyframes")
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var r models.Record
		var key int64
		if err := rows.Scan(&key, &r.Group, &r.Video, &r.Frame); err != nil {
			return nil, errors.Wrap(err, "failed to scan keyframe")
		}
		r.Key = models.Key(key)
		records = append(records, r)
	}
	return records, rows.Err()
}

// InsertRecords inserts records in one transaction, replacing rows with the same key.
func (s *SQLiteMetadata) InsertRecords(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO keyframes (key, group_num, video_num, keyframe_num)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare insert")
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, int64(r.Key), r.Group, r.Video, r.Frame); err != nil {
			return errors.Wrapf(err, "failed to insert keyframe %d", r.Key)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit keyframes")
}

// DeleteAll removes every keyframe record.
func (s *SQLiteMetadata) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM keyframes`)
	return errors.Wrap(err, "failed to delete keyframes")
}

// Count returns the number of stored records
func (s *SQLiteMetadata) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM keyframes`).Scan(&n)
	return n, errors.Wrap(err, "failed to count keyframes")
}

// Close closes the database connection
func (s *SQLiteMetadata) Close() error {
	return s.db.Close()
}
