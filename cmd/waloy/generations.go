package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/objectstore"
	"github.com/waloy/waloy/internal/restore"
)

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "List every generation retained in the object store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket: cfg.S3.Bucket, Prefix: cfg.S3.Prefix, Region: cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint, PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return err
		}

		gens, err := restore.ListGenerations(ctx, store)
		if err != nil {
			return err
		}
		for _, g := range gens {
			marker := ""
			if g.IsLatest {
				marker = " (latest)"
			}
			fmt.Printf("%s  created=%s  segments=%d  snapshot=%s%s\n",
				g.ID, time.UnixMilli(g.CreatedAtMS).Format(time.RFC3339), g.SegmentCount,
				common.FormatBytes(g.SnapshotSize), marker)
		}
		return nil
	},
}
