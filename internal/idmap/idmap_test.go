package idmap

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framesearch/internal/models"
)

const sample = `{"0": "1/1/1", "1": "1/1/2", "2": "2/1/1"}`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, []models.Key{0, 1, 2}, m.Keys())

	c, err := m.CoordinateOf(2)
	require.NoError(t, err)
	assert.Equal(t, models.Coordinate{Group: 2, Video: 1, Frame: 1}, c)

	k, err := m.KeyOf(models.Coordinate{Group: 1, Video: 1, Frame: 2})
	require.NoError(t, err)
	assert.Equal(t, models.Key(1), k)
}

func TestRoundTrip(t *testing.T) {
	m, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	m.Each(func(k models.Key, c models.Coordinate) {
		got, err := m.KeyOf(c)
		require.NoError(t, err)
		assert.Equal(t, k, got)

		back, err := m.CoordinateOf(k)
		require.NoError(t, err)
		assert.Equal(t, c, back)
	})
}

func TestNotFound(t *testing.T) {
	m, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	_, err = m.CoordinateOf(99)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = m.KeyOf(models.Coordinate{Group: 9, Video: 9, Frame: 9})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `nope`},
		{"bad key", `{"x": "1/1/1"}`},
		{"negative key", `{"-1": "1/1/1"}`},
		{"short coordinate", `{"0": "1/1"}`},
		{"non numeric coordinate", `{"0": "1/a/1"}`},
		{"duplicate coordinate", `{"0": "1/1/1", "1": "1/1/1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestBuilderAssignsDenseKeys(t *testing.T) {
	b := NewBuilder()
	for _, c := range []models.Coordinate{
		{Group: 24, Video: 1, Frame: 137},
		{Group: 24, Video: 1, Frame: 138},
		{Group: 24, Video: 2, Frame: 1},
	} {
		_, err := b.Add(c)
		require.NoError(t, err)
	}
	_, err := b.Add(models.Coordinate{Group: 24, Video: 1, Frame: 137})
	assert.Error(t, err, "coordinates must stay unique")

	m := b.Build()
	k, err := m.KeyOf(models.Coordinate{Group: 24, Video: 2, Frame: 1})
	require.NoError(t, err)
	assert.Equal(t, models.Key(2), k)
}

func TestSaveAndLoad(t *testing.T) {
	m, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "id2index.json")
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Keys(), loaded.Keys())

	var buf bytes.Buffer
	_, err = loaded.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"2": "2/1/1"`)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
