// Package migrate loads the id map into the metadata store.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bdougie/framesearch/internal/idmap"
	"github.com/bdougie/framesearch/internal/models"
)

const (
	defaultWorkers   = 4
	defaultBatchSize = 10000
)

// Writer is the write side of a metadata store.
type Writer interface {
	DeleteAll(ctx context.Context) error
	InsertRecords(ctx context.Context, records []models.Record) error
}

// Options tunes a migration
type Options struct {
	BatchSize int
	Workers   int
	// Replace deletes every existing record before inserting.
	Replace bool
	Logger  *slog.Logger
}

// Result reports what a migration wrote.
type Result struct {
	Inserted int
	Batches  int
}

type batch struct {
	num     int
	total   int
	records []models.Record
}

// Records converts a mapping into metadata rows in key order.
func Records(m *idmap.Mapping) []models.Record {
	records := make([]models.Record, 0, m.Len())
	m.Each(func(k models.Key, c models.Coordinate) {
		records = append(records, models.Record{Key: k, Group: c.Group, Video: c.Video, Frame: c.Frame})
	})
	return records
}

// Run writes every entry of m to w in batches spread over a worker pool.
// A failed batch doesn't stop the others; all failures are returned together.
func Run(ctx context.Context, m *idmap.Mapping, w Writer, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	if opts.Replace {
		if err := w.DeleteAll(ctx); err != nil {
			return Result{}, fmt.Errorf("failed to clear keyframes: %w", err)
		}
		logger.Info("cleared existing keyframes")
	}

	batches := split(Records(m), opts.BatchSize)
	if len(batches) == 0 {
		logger.Info("nothing to migrate")
		return Result{}, nil
	}

	workChan := make(chan batch, len(batches))
	errorsChan := make(chan error, len(batches))

	var wg sync.WaitGroup
	var inserted atomic.Int64
	remaining := atomic.Int64{}
	remaining.Store(int64(len(batches)))

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range workChan {
				if err := ctx.Err(); err != nil {
					errorsChan <- fmt.Errorf("batch %d/%d skipped: %w", b.num, b.total, err)
					continue
				}
				if err := w.InsertRecords(ctx, b.records); err != nil {
					errorsChan <- fmt.Errorf("batch %d/%d failed: %w", b.num, b.total, err)
					continue
				}
				inserted.Add(int64(len(b.records)))
				left := remaining.Add(-1)
				logger.Debug("inserted batch", "batch", b.num, "records", len(b.records), "remaining", left)
			}
		}()
	}

	for _, b := range batches {
		workChan <- b
	}
	close(workChan)

	wg.Wait()
	close(errorsChan)

	res := Result{Inserted: int(inserted.Load()), Batches: len(batches)}

	var errs []error
	var messages []string
	for err := range errorsChan {
		errs = append(errs, err)
		messages = append(messages, err.Error())
	}
	if len(errs) > 0 {
		return res, &Error{Errs: errs, msg: strings.Join(messages, "; ")}
	}

	logger.Info("migrated keyframes", "records", res.Inserted, "batches", res.Batches)
	return res, nil
}

// Error collects the failed batches of a migration.
type Error struct {
	Errs []error
	msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("encountered errors during migration: %s", e.msg)
}

func (e *Error) Unwrap() []error { return e.Errs }

func split(records []models.Record, size int) []batch {
	var out []batch
	total := (len(records) + size - 1) / size
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		out = append(out, batch{num: len(out) + 1, total: total, records: records[start:end]})
	}
	return out
}
