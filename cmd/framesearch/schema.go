package main

import (
	"github.com/spf13/cobra"

	"github.com/bdougie/framesearch/internal/app"
)

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage database tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the embedding and keyframe tables if they don't exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			stores, err := app.OpenStores(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer stores.Close()

			if err := stores.Index.InitSchema(ctx); err != nil {
				return err
			}
			if err := stores.Metadata.InitSchema(ctx); err != nil {
				return err
			}
			logger.Info("schema ready", "index_table", cfg.Index.Table, "metadata_driver", cfg.Metadata.Driver)
			return nil
		},
	})
	return cmd
}
