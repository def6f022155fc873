package main

import (
	"github.com/spf13/cobra"

	"github.com/bdougie/framesearch/internal/app"
	"github.com/bdougie/framesearch/internal/idmap"
	"github.com/bdougie/framesearch/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	var (
		idMapPath  string
		replace    bool
		initSchema bool
		batchSize  int
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Load the id map into the metadata store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if idMapPath == "" {
				idMapPath = cfg.Data.IDMapPath
			}
			if !cmd.Flags().Changed("batch-size") {
				batchSize = cfg.Migrate.BatchSize
			}
			if !cmd.Flags().Changed("workers") {
				workers = cfg.Migrate.Workers
			}

			mapping, err := idmap.Load(idMapPath)
			if err != nil {
				return err
			}

			stores, err := app.OpenStores(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer stores.Close()

			if initSchema {
				if err := stores.Metadata.InitSchema(ctx); err != nil {
					return err
				}
			}

			res, err := migrate.Run(ctx, mapping, stores.Metadata, migrate.Options{
				BatchSize: batchSize,
				Workers:   workers,
				Replace:   replace,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			logger.Info("inserted keyframes into the database", "records", res.Inserted, "driver", cfg.Metadata.Driver)
			return nil
		},
	}

	cmd.Flags().StringVar(&idMapPath, "id-map", "", "id map JSON (default from data.id_map_path)")
	cmd.Flags().BoolVar(&replace, "replace", true, "delete existing records first")
	cmd.Flags().BoolVar(&initSchema, "init-schema", true, "create the metadata table if missing")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per insert (default from migrate.batch_size)")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel inserts (default from migrate.workers)")
	return cmd
}
