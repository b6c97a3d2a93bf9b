package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/objectstore"
	"github.com/waloy/waloy/internal/restore"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <gen_id>",
	Short: "Print a generation's manifest as JSON",
	Args:  cobra.ExactArgs(1),
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

		m, err := restore.Inspect(ctx, store, common.GenerationID(args[0]))
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
