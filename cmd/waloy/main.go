// Command waloy is the restore and inspection front-end for the
// replication engine. It never runs the engine's sync loop itself; that
// is the embedding application's job.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/waloy/waloy/internal/config"
	"github.com/waloy/waloy/internal/obslog"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "waloy",
	Short: "Restore and inspect SQLite WAL replicas stored in S3",
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	obslog.Init(obslog.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.Format == "json"})
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a waloy YAML config file")
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(generationsCmd)
	rootCmd.AddCommand(inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
