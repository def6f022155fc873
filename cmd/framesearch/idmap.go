package main

import (
	"github.com/spf13/cobra"

	"github.com/bdougie/framesearch/internal/layout"
)

func newIDMapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idmap",
		Short: "Manage the key to keyframe id map",
	}
	cmd.AddCommand(newIDMapGenerateCmd())
	return cmd
}

func newIDMapGenerateCmd() *cobra.Command {
	var (
		root     string
		out      string
		groups   []int
		expected int
		workers  int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build the id map from the keyframe directory layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if root == "" {
				root = cfg.Data.KeyframesRoot
			}
			if out == "" {
				out = cfg.Data.IDMapPath
			}
			if !cmd.Flags().Changed("expected") && cfg.Data.ExpectedCount > 0 {
				expected = cfg.Data.ExpectedCount
			}

			mapping, report, err := layout.Dataset{Root: root}.Scan(cmd.Context(), layout.ScanOptions{
				Groups:        groups,
				ExpectedCount: expected,
				Workers:       workers,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			for _, p := range report.Skipped {
				logger.Warn("skipped", "path", p)
			}

			if err := mapping.Save(out); err != nil {
				return err
			}
			logger.Info("saved id map", "path", out, "entries", mapping.Len())
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "keyframes directory (default from data.keyframes_root)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default from data.id_map_path)")
	cmd.Flags().IntSliceVar(&groups, "groups", nil, "only scan these groups")
	cmd.Flags().IntVar(&expected, "expected", layout.DefaultExpectedCount, "warn when the frame count differs (0 disables)")
	cmd.Flags().IntVar(&workers, "workers", 4, "directories listed in parallel")
	return cmd
}
