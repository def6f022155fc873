package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdougie/framesearch/internal/app"
	"github.com/bdougie/framesearch/internal/export"
	"github.com/bdougie/framesearch/internal/layout"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/query"
	"github.com/bdougie/framesearch/internal/scope"
)

type searchFlags struct {
	topK          int
	threshold     float64
	excludeGroups []int
	groups        []int
	videos        []int
	ranges        []string
	excludeIDs    []int64
	asJSON        bool
}

func newSearchCmd() *cobra.Command {
	var f searchFlags

	cmd := &cobra.Command{
		Use:   "search [query text]",
		Short: "Run a single keyframe query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")

			var threshold *float64
			if cmd.Flags().Changed("threshold") {
				threshold = query.Threshold(f.threshold)
			}
			mode, constraint, err := f.constraint()
			if err != nil {
				return err
			}
			if mode == export.ModeText && threshold == nil {
				threshold = query.Threshold(cfg.Query.TextThreshold)
			}

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Query.Timeout)
			defer cancel()

			start := time.Now()
			resp, err := a.Query.Query(ctx, query.Request{
				Text:           text,
				TopK:           f.topK,
				ScoreThreshold: threshold,
				Scope:          constraint,
			})
			if err != nil {
				return err
			}
			logger.Info("query complete",
				"mode", mode,
				"results", len(resp.Results),
				"candidates", resp.Stats.Candidates,
				"join_misses", resp.Stats.JoinMisses,
				"elapsed", time.Since(start),
			)

			if a.Exporter != nil {
				path, err := a.Exporter.Write(mode, text, f.topK, threshold, resp.Results)
				if err != nil {
					logger.Error("failed to export results", "error", err)
				} else {
					logger.Info("saved results", "path", path)
				}
			}

			if f.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			return printResults(cmd.OutOrStdout(), a.Dataset, resp.Results)
		},
	}

	cmd.Flags().IntVarP(&f.topK, "top-k", "k", 0, "number of results (default from query.default_top_k)")
	cmd.Flags().Float64VarP(&f.threshold, "threshold", "t", 0, "keep results scoring strictly above this")
	cmd.Flags().IntSliceVar(&f.excludeGroups, "exclude-groups", nil, "skip these groups")
	cmd.Flags().IntSliceVar(&f.groups, "groups", nil, "only search these groups")
	cmd.Flags().IntSliceVar(&f.videos, "videos", nil, "only search these videos")
	cmd.Flags().StringSliceVar(&f.ranges, "range", nil, "only search keys in START-END (repeatable)")
	cmd.Flags().Int64SliceVar(&f.excludeIDs, "exclude-ids", nil, "skip these keys")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the raw response as JSON")
	cmd.MarkFlagsMutuallyExclusive("exclude-groups", "groups", "range", "exclude-ids")
	cmd.MarkFlagsMutuallyExclusive("exclude-groups", "videos", "range", "exclude-ids")

	return cmd
}

// constraint picks the scope from whichever flags were given.
func (f searchFlags) constraint() (export.Mode, scope.Constraint, error) {
	switch {
	case len(f.excludeGroups) > 0:
		return export.ModeExclude, scope.ExcludingGroups(f.excludeGroups), nil
	case len(f.groups) > 0 || len(f.videos) > 0:
		return export.ModeSelected, scope.Include(f.groups, f.videos), nil
	case len(f.ranges) > 0:
		ranges, err := parseRanges(f.ranges)
		if err != nil {
			return "", scope.Constraint{}, err
		}
		return export.ModeRange, scope.InRanges(ranges...), nil
	case len(f.excludeIDs) > 0:
		keys := make([]models.Key, len(f.excludeIDs))
		for i, id := range f.excludeIDs {
			keys[i] = models.Key(id)
		}
		return export.ModeExcludeKeys, scope.ExcludingKeys(keys), nil
	}
	return export.ModeText, scope.None(), nil
}

// parseRanges reads "START-END" pairs. A single number is a one-key range.
func parseRanges(values []string) ([]scope.Range, error) {
	out := make([]scope.Range, 0, len(values))
	for _, v := range values {
		startStr, endStr, found := strings.Cut(strings.TrimSpace(v), "-")
		if !found {
			endStr = startStr
		}
		start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q", v)
		}
		end, err := strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q", v)
		}
		if end < start {
			return nil, fmt.Errorf("invalid range %q: end before start", v)
		}
		out = append(out, scope.Range{Start: models.Key(start), End: models.Key(end)})
	}
	return out, nil
}

func printResults(w io.Writer, dataset layout.Dataset, results []models.RankedResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tKEY\tVIDEO\tFRAME\tSCORE\tPATH")
	for i, r := range results {
		path, _ := dataset.FramePath(r.Coordinate)
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%.4f\t%s\n",
			i+1, r.Key, layout.VideoID(r.Coordinate.Group, r.Coordinate.Video), r.Coordinate.Frame, r.Score, path)
	}
	return tw.Flush()
}
