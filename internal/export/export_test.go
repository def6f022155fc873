package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framesearch/internal/models"
)

func threshold(t float64) *float64 { return &t }

func TestFileName(t *testing.T) {
	tests := []struct {
		name      string
		mode      Mode
		query     string
		topK      int
		threshold *float64
		want      string
	}{
		{"text", ModeText, "a red car", 10, threshold(0.5), "search_text_a_red_car_10_0.5.csv"},
		{"exclude", ModeExclude, "boat", 5, threshold(0.25), "search_text_exclude_boat_5_0.25.csv"},
		{"no threshold", ModeSelected, "x", 3, nil, "search_selected_x_3_none.csv"},
		{"slashes", ModeText, "a/b", 1, nil, "search_text_a_b_1_none.csv"},
		{"long", ModeText, strings.Repeat("ab ", 40), 1, nil, "search_text_" + strings.Repeat("ab_", 25) + "_1_none.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.mode, tt.query, tt.topK, tt.threshold))
		})
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	e := New(dir, 0)

	results := []models.RankedResult{
		{Key: 7, Coordinate: models.Coordinate{Group: 24, Video: 1, Frame: 137}, Score: 0.9},
		{Key: 3, Coordinate: models.Coordinate{Group: 2, Video: 15, Frame: 4}, Score: 0.8},
	}
	path, err := e.Write(ModeText, "a dog", 10, threshold(0.5), results)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "search_text_a_dog_10_0.5.csv"), path)

	assert.Equal(t, [][]string{
		{"video_id", "frame_idx"},
		{"L24_V001", "137"},
		{"L02_V015", "4"},
	}, readCSV(t, path))
}

func TestWriteRespectsLimit(t *testing.T) {
	e := New(t.TempDir(), 3)

	results := make([]models.RankedResult, 10)
	for i := range results {
		results[i] = models.RankedResult{Key: models.Key(i), Coordinate: models.Coordinate{Group: 1, Video: 1, Frame: i}}
	}
	path, err := e.Write(ModeRange, "q", 10, nil, results)
	require.NoError(t, err)

	rows := readCSV(t, path)
	assert.Len(t, rows, 4)
	assert.Equal(t, []string{"L01_V001", "2"}, rows[3])
}

func TestWriteEmptyResults(t *testing.T) {
	path, err := New(t.TempDir(), 0).Write(ModeExcludeKeys, "nothing", 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"video_id", "frame_idx"}}, readCSV(t, path))
}
