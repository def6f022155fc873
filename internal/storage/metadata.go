package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/bdougie/framesearch/internal/models"
)

// PostgresMetadata stores keyframe records in the keyframes table.
type PostgresMetadata struct {
	pg *Postgres
}

// NewPostgresMetadata returns a metadata store on the shared pool
func NewPostgresMetadata(pg *Postgres) *PostgresMetadata {
	return &PostgresMetadata{pg: pg}
}

// GetByKeys fetches the records for keys. The result order is unspecified.
func (s *PostgresMetadata) GetByKeys(ctx context.Context, keys []models.Key) ([]models.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.pg.pool.Query(ctx,
		`SELECT key, group_num, video_num, keyframe_num FROM keyframes WHERE key = ANY($1)`,
		keysToInt64(keys))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query keyframes")
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan keyframes")
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (models.Record, error) {
	var r models.Record
	var key int64
	err := row.Scan(&key, &r.Group, &r.Video, &r.Frame)
	r.Key = models.Key(key)
	return r, err
}

// InsertRecords bulk loads records with COPY.
func (s *PostgresMetadata) InsertRecords(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.pg.pool.CopyFrom(ctx,
		pgx.Identifier{"keyframes"},
		[]string{"key", "group_num", "video_num", "keyframe_num"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{int64(r.Key), r.Group, r.Video, r.Frame}, nil
		}))
	if err != nil {
		return errors.Wrap(err, "failed to copy keyframes")
	}
	return nil
}

// DeleteAll removes every keyframe record.
func (s *PostgresMetadata) DeleteAll(ctx context.Context) error {
	if _, err := s.pg.pool.Exec(ctx, "DELETE FROM keyframes"); err != nil {
		return errors.Wrap(err, "failed to delete keyframes")
	}
	return nil
}

// InitSchema creates the keyframes table if it doesn't exist
func (s *PostgresMetadata) InitSchema(ctx context.Context) error {
	_, err := s.pg.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS keyframes (
            key BIGINT PRIMARY KEY,
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

// Close is a no-op: the pool belongs to Postgres.
func (s *PostgresMetadata) Close() error {
	return nil
}
