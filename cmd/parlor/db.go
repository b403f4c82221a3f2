package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/parlor/internal/config"
	"github.com/zulandar/parlor/internal/db"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the session tables",
		Long:  "Creates the SQLite file or Dolt database named in the config and migrates the session tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parlor config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var gormDB *gorm.DB
	switch cfg.Sessions.Store {
	case config.StoreSQLite:
		gormDB, err = db.OpenSQLite(cfg.Sessions.SQLitePath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Opened SQLite database %s\n", cfg.Sessions.SQLitePath)
	case config.StoreDolt:
		gormDB, err = connectDolt(cfg, out)
		if err != nil {
			return err
		}
	default:
		fmt.Fprintf(out, "Session store %q has no tables to migrate\n", cfg.Sessions.Store)
		return nil
	}

	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
