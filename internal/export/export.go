// Package export writes query results to CSV files for offline auditing.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bdougie/framesearch/internal/layout"
	"github.com/bdougie/framesearch/internal/models"
)

// DefaultLimit caps the rows written per query.
const DefaultLimit = 100

const maxQueryChars = 75

// Mode names the kind of search; it prefixes the file name.
type Mode string

const (
	ModeText        Mode = "search_text"
	ModeExclude     Mode = "search_text_exclude"
	ModeSelected    Mode = "search_selected"
	ModeRange       Mode = "search_range"
	ModeExcludeKeys Mode = "search_exclude_ids"
)

// Exporter writes one CSV per query into a directory
type Exporter struct {
	dir   string
	limit int
	mu    sync.Mutex
}

// New creates an exporter writing into dir. limit <= 0 uses DefaultLimit.
func New(dir string, limit int) *Exporter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Exporter{dir: dir, limit: limit}
}

// FileName builds the export file name for a query.
func FileName(mode Mode, query string, topK int, threshold *float64) string {
	q := strings.ReplaceAll(query, " ", "_")
	q = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, q)
	if runes := []rune(q); len(runes) > maxQueryChars {
		q = string(runes[:maxQueryChars])
	}

	t := "none"
	if threshold != nil {
		t = strconv.FormatFloat(*threshold, 'f', -1, 64)
	}
	return fmt.Sprintf("%s_%s_%d_%s.csv", mode, q, topK, t)
}

// Write saves up to the row limit of results and returns the file path.
func (e *Exporter) Write(mode Mode, query string, topK int, threshold *float64, results []models.RankedResult) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(e.dir); os.IsNotExist(err) {
		if err := os.MkdirAll(e.dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create export directory: %v", err)
		}
	}

	path := filepath.Join(e.dir, FileName(mode, query, topK, threshold))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %v", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"video_id", "frame_idx"}); err != nil {
		return "", err
	}
	for _, r := range results[:min(len(results), e.limit)] {
		row := []string{
			layout.VideoID(r.Coordinate.Group, r.Coordinate.Video),
			strconv.Itoa(r.Coordinate.Frame),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to write export file: %v", err)
	}
	return path, nil
}
