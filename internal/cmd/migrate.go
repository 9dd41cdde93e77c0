package cmd

import (
	"fmt"

	"github.com/LdDl/mot-pipeline/store"
	"github.com/LdDl/mot-pipeline/store/sqlite"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage schema of the sqlite store",
	Long: `Apply or roll back schema migrations of the sqlite store.

Other commands migrate the schema up automatically, these are for manual
maintenance. The file store has no schema.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSQLite(func(db *sqlite.Store) error {
			if err := db.MigrateUp(); err != nil {
				return err
			}
			return printVersion(cmd, db)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSQLite(func(db *sqlite.Store) error {
			if err := db.MigrateDown(); err != nil {
				return err
			}
			return printVersion(cmd, db)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSQLite(func(db *sqlite.Store) error {
			return printVersion(cmd, db)
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
}

func withSQLite(fn func(db *sqlite.Store) error) error {
	if appConfig.Store.Driver != store.DriverSQLite && appConfig.Store.Driver != "" {
		return errors.Errorf("migrations apply to the sqlite store only, configured driver is '%s'", appConfig.Store.Driver)
	}
	db, err := sqlite.Open(appConfig.Store.Path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Can't close store", zap.Error(err))
		}
	}()
	return fn(db)
}

func printVersion(cmd *cobra.Command, db *sqlite.Store) error {
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	if dirty {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d (dirty)\n", version)
		return nil
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d\n", version)
	return nil
}
