// Package idmap holds the static bijection between keyframe keys and dataset coordinates.
//
// A Mapping is built once, either from the JSON table written during corpus ingestion
// ({"0": "24/1/137", ...}) or with a Builder, and is read-only afterwards. Concurrent
// readers need no locking.
package idmap

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/bdougie/framesearch/internal/models"
)

// ErrNotFound is returned when a key or coordinate is absent from the mapping.
var ErrNotFound = errors.New("idmap: not found")

// Mapping is an immutable key <-> coordinate bijection.
type Mapping struct {
	coords map[models.Key]models.Coordinate
	keys   map[models.Coordinate]models.Key
	// sorted holds every key in ascending order so iteration is deterministic.
	sorted []models.Key
}

// CoordinateOf returns the coordinate of key
func (m *Mapping) CoordinateOf(key models.Key) (models.Coordinate, error) {
	c, ok := m.coords[key]
	if !ok {
		return models.Coordinate{}, errors.Wrapf(ErrNotFound, "key %d", key)
	}
	return c, nil
}

// KeyOf returns the key of coordinate c
func (m *Mapping) KeyOf(c models.Coordinate) (models.Key, error) {
	k, ok := m.keys[c]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "coordinate %s", c)
	}
	return k, nil
}

// Len returns the number of entries.
func (m *Mapping) Len() int {
	return len(m.sorted)
}

// Keys returns a copy of all keys in ascending order.
func (m *Mapping) Keys() []models.Key {
	out := make([]models.Key, len(m.sorted))
	copy(out, m.sorted)
	return out
}

// Each calls fn for every entry in ascending key order.
func (m *Mapping) Each(fn func(models.Key, models.Coordinate)) {
	for _, k := range m.sorted {
		fn(k, m.coords[k])
	}
}

// Load reads a mapping from a JSON table on disk.
func Load(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open id map %s", path)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load id map %s", path)
	}
	return m, nil
}

// Parse decodes a JSON table of the form {"<key>": "<group>/<video>/<frame>"}.
func Parse(r io.Reader) (*Mapping, error) {
	var raw map[string]string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode id map")
	}

	m := newMapping(len(raw))
	for k, v := range raw {
		key, err := strconv.ParseInt(k, 10, 64)
		if err != nil || key < 0 {
			return nil, fmt.Errorf("invalid key %q", k)
		}
		c, err := ParseCoordinate(v)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k, err)
		}
		if err := m.add(models.Key(key), c); err != nil {
			return nil, err
		}
	}
	m.seal()
	return m, nil
}

// ParseCoordinate parses a "group/video/frame" string.
func ParseCoordinate(s string) (models.Coordinate, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return models.Coordinate{}, fmt.Errorf("invalid coordinate %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return models.Coordinate{}, fmt.Errorf("invalid coordinate %q", s)
		}
		nums[i] = n
	}
	return models.Coordinate{Group: nums[0], Video: nums[1], Frame: nums[2]}, nil
}

// WriteTo encodes the mapping in the same JSON form Parse reads.
func (m *Mapping) WriteTo(w io.Writer) (int64, error) {
	raw := make(map[string]string, len(m.coords))
	for k, c := range m.coords {
		raw[strconv.FormatInt(int64(k), 10)] = c.String()
	}
	data, err := json.MarshalIndent(raw, "", "    ")
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode id map")
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Save writes the mapping to path, creating parent directories.
func (m *Mapping) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create id map directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create id map %s", path)
	}
	defer f.Close()

	if _, err := m.WriteTo(f); err != nil {
		return errors.Wrapf(err, "failed to write id map %s", path)
	}
	return nil
}

// Builder assigns dense keys, starting at 0, to coordinates in the order they are added.
type Builder struct {
	m *Mapping
}

// NewBuilder returns an empty builder
func NewBuilder() *Builder {
	return &Builder{m: newMapping(0)}
}

// Add assigns the next key to c.
func (b *Builder) Add(c models.Coordinate) (models.Key, error) {
	key := models.Key(len(b.m.coords))
	if err := b.m.add(key, c); err != nil {
		return 0, err
	}
	return key, nil
}

// Build returns the finished mapping. The builder must not be used afterwards.
func (b *Builder) Build() *Mapping {
	m := b.m
	b.m = nil
	m.seal()
	return m
}

func newMapping(size int) *Mapping {
	return &Mapping{
		coords: make(map[models.Key]models.Coordinate, size),
		keys:   make(map[models.Coordinate]models.Key, size),
	}
}

func (m *Mapping) add(key models.Key, c models.Coordinate) error {
	if prev, ok := m.coords[key]; ok {
		return fmt.Errorf("duplicate key %d (%s and %s)", key, prev, c)
	}
	if prev, ok := m.keys[c]; ok {
		return fmt.Errorf("coordinate %s mapped by keys %d and %d", c, prev, key)
	}
	m.coords[key] = c
	m.keys[c] = key
	return nil
}

func (m *Mapping) seal() {
	m.sorted = make([]models.Key, 0, len(m.coords))
	for k := range m.coords {
		m.sorted = append(m.sorted, k)
	}
	sort.Slice(m.sorted, func(i, j int) bool { return m.sorted[i] < m.sorted[j] })
}
