package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/waloy/waloy/internal/codec"
	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/objectstore"
	"github.com/waloy/waloy/internal/restore"
)

var restoreAt string

var restoreCmd = &cobra.Command{
	Use:   "restore <dest>",
	Short: "Restore the latest generation (or the state as of --at) to dest",
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
		pipe := codec.New(codec.Compression(cfg.Compression), cfg.EncryptionKey)

		dest := common.SanitizePath(args[0])
		if restoreAt == "" {
			if err := restore.Restore(ctx, store, pipe, dest); err != nil {
				return err
			}
			fmt.Printf("restored latest generation to %s\n", dest)
			return nil
		}

		ts, err := parseAt(restoreAt)
		if err != nil {
			return err
		}
		if err := restore.RestoreToTime(ctx, store, pipe, ts.UnixMilli(), dest); err != nil {
			return err
		}
		fmt.Printf("restored state as of %s to %s\n", ts.Format(time.RFC3339), dest)
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreAt, "at", "", "restore to this point in time (RFC3339 or unix-ms)")
}

// parseAt accepts an RFC3339 timestamp, a unix-ms integer, or a duration
// string (e.g. "10m", "2h") meaning that long ago.
func parseAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	if d, err := common.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("--at %q is neither RFC3339, unix-ms, nor a duration ago", s)
}
