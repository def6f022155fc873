// Package layout knows how keyframe images are laid out on disk:
// <root>/Keyframes_Lgg/keyframes/Lgg_Vvvv/fff.jpg
package layout

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bdougie/framesearch/internal/idmap"
	"github.com/bdougie/framesearch/internal/models"
)

// NotFoundPath is returned by FramePath when no image exists for a coordinate.
var NotFoundPath = filepath.Join("static", "path_not_found.jpg")

// DefaultExpectedCount is the size of the reference keyframe corpus.
const DefaultExpectedCount = 289324

var frameExts = []string{".jpg", ".png"}

// Dataset is a keyframe directory tree.
type Dataset struct {
	Root string
}

// VideoID formats the dataset's video identifier, e.g. L24_V001.
func VideoID(group, video int) string {
	return fmt.Sprintf("L%02d_V%03d", group, video)
}

func (d Dataset) groupDir(group int) string {
	return filepath.Join(d.Root, fmt.Sprintf("Keyframes_L%02d", group))
}

func (d Dataset) videoDir(group, video int) string {
	return filepath.Join(d.groupDir(group), "keyframes", VideoID(group, video))
}

// FramePath returns the image of c, trying .jpg then .png. The second value is false
// and the path is NotFoundPath when neither exists.
func (d Dataset) FramePath(c models.Coordinate) (string, bool) {
	base := filepath.Join(d.videoDir(c.Group, c.Video), fmt.Sprintf("%03d", c.Frame))
	for _, ext := range frameExts {
		p := base + ext
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return NotFoundPath, false
}

// ScanOptions controls id map generation.
type ScanOptions struct {
	// Groups limits the scan to these group numbers. Empty means every Keyframes_Lgg directory.
	Groups []int
	// ExpectedCount logs a warning when the scan finds a different number of frames.
	ExpectedCount int
	Workers       int
	Logger        *slog.Logger
}

// ScanReport summarizes a scan.
type ScanReport struct {
	Groups  int
	Videos  int
	Frames  int
	Skipped []string
}

type videoDir struct {
	group, video int
	path         string
}

// Scan walks the dataset and assigns dense keys from 0: groups ascending, videos by
// their _V number, frames by the digits of their file stem.
func (d Dataset) Scan(ctx context.Context, opts ScanOptions) (*idmap.Mapping, ScanReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	if info, err := os.Stat(d.Root); err != nil || !info.IsDir() {
		return nil, ScanReport{}, fmt.Errorf("keyframes directory does not exist at path: '%s'", d.Root)
	}

	var report ScanReport
	groups := append([]int(nil), opts.Groups...)
	if len(groups) == 0 {
		var err error
		groups, err = d.listGroups()
		if err != nil {
			return nil, report, err
		}
	}
	sort.Ints(groups)
	logger.Info("scanning keyframe groups", "root", d.Root, "groups", len(groups))

	var videos []videoDir
	for _, g := range groups {
		root := filepath.Join(d.groupDir(g), "keyframes")
		vs, err := listVideos(root, g)
		if err != nil {
			logger.Warn("skipping group", "group", g, "error", err)
			report.Skipped = append(report.Skipped, root)
			continue
		}
		report.Groups++
		videos = append(videos, vs...)
	}
	report.Videos = len(videos)

	// Each video is listed independently; assembly below keeps the deterministic order.
	frames := make([][]int, len(videos))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, v := range videos {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fs, skipped, err := listFrames(v.path)
			if err != nil {
				return fmt.Errorf("failed to read frames directory '%s': %w", v.path, err)
			}
			frames[i] = fs
			if len(skipped) > 0 {
				mu.Lock()
				report.Skipped = append(report.Skipped, skipped...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, report, err
	}

	b := idmap.NewBuilder()
	for i, v := range videos {
		for _, f := range frames[i] {
			if _, err := b.Add(models.Coordinate{Group: v.group, Video: v.video, Frame: f}); err != nil {
				return nil, report, err
			}
		}
	}
	mapping := b.Build()
	report.Frames = mapping.Len()
	sort.Strings(report.Skipped)

	logger.Info("generated id map", "frames", report.Frames, "videos", report.Videos, "groups", report.Groups)
	if opts.ExpectedCount > 0 && report.Frames != opts.ExpectedCount {
		logger.Warn("frame count differs from expected, dataset may be incomplete",
			"frames", report.Frames, "expected", opts.ExpectedCount)
	}
	return mapping, report, nil
}

func (d Dataset) listGroups() ([]int, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyframes directory '%s': %w", d.Root, err)
	}
	var groups []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, ok := strings.CutPrefix(e.Name(), "Keyframes_L")
		if !ok {
			continue
		}
		if g, err := strconv.Atoi(n); err == nil {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

func listVideos(root string, group int) ([]videoDir, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []videoDir
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, "L") {
			continue
		}
		_, num, ok := strings.Cut(name, "_V")
		if !ok {
			continue
		}
		v, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		out = append(out, videoDir{group: group, video: v, path: filepath.Join(root, name)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].video < out[j].video })
	return out, nil
}

// listFrames returns the frame numbers found in dir, ascending. Image files whose stem
// holds no digits, or repeat a frame number already seen, are returned as skipped.
func listFrames(dir string) ([]int, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	var frames []int
	var skipped []string
	seen := make(map[int]bool)
	for _, e := range entries {
		if e.IsDir() || !isFrameImage(e.Name()) {
			continue
		}
		n, ok := frameNumber(e.Name())
		if !ok || seen[n] {
			skipped = append(skipped, filepath.Join(dir, e.Name()))
			continue
		}
		seen[n] = true
		frames = append(frames, n)
	}
	sort.Ints(frames)
	return frames, skipped, nil
}

func isFrameImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range frameExts {
		if ext == e {
			return true
		}
	}
	return false
}

// frameNumber reads the digits of the part of name before the first dot.
func frameNumber(name string) (int, bool) {
	stem, _, _ := strings.Cut(name, ".")
	var digits strings.Builder
	for _, r := range stem {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0, false
	}
	return n, true
}
