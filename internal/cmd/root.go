// Package cmd implements the motpipe command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/LdDl/mot-pipeline/internal/config"
	"github.com/LdDl/mot-pipeline/internal/logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with values injected at build time
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile   string
	appConfig config.Config
	logger    = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "motpipe",
	Short: "Track objects across recorded videos",
	Long: `motpipe runs multi-object tracking jobs over sequences of recorded videos.

A job feeds every frame through a detector and a SORT-like tracker and stores
one record per tracked object: label, probability, time in and time out.
Jobs can be paused and resumed from their last checkpoint.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentPreRunE = initConfig
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("store", "", "Store location: sqlite database file or file store directory")
	rootCmd.PersistentFlags().String("store-driver", "", "Store driver: sqlite or file")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	v := config.New()
	bindings := map[string]string{
		"log.level":    "log-level",
		"store.path":   "store",
		"store.driver": "store-driver",
	}
	for key, flag := range bindings {
		if f := rootCmd.PersistentFlags().Lookup(flag); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	appConfig = cfg
	built, err := logging.New(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "Can't build logger")
	}
	logger = built
	logger.Debug("Configuration loaded", zap.String("config", cfgFile), zap.String("store", cfg.Store.Driver+":"+cfg.Store.Path))
	return nil
}

// Execute runs the command line and returns process exit code
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func writeJSONOut(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
