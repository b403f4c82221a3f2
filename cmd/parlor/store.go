package main

import (
	"fmt"
	"io"

	"github.com/zulandar/parlor/internal/config"
	"github.com/zulandar/parlor/internal/db"
	"github.com/zulandar/parlor/internal/session"
	"gorm.io/gorm"
)

// openStore builds the session store for the configured backend and restores
// its last snapshot. The returned close func releases any database handle.
func openStore(cfg *config.Config, out io.Writer) (*session.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Sessions.Store {
	case config.StoreMemory:
		return session.NewStore(session.StoreOpts{}), noop, nil

	case config.StoreFile:
		snap := session.NewFileSnapshotter(cfg.Sessions.File)
		fmt.Fprintf(out, "Session snapshots: %s\n", snap.Path())
		return session.NewStore(session.StoreOpts{Snapshotter: snap}), noop, nil

	case config.StoreSQLite:
		gormDB, err := db.OpenSQLite(cfg.Sessions.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		fmt.Fprintf(out, "Session snapshots: sqlite %s\n", cfg.Sessions.SQLitePath)
		return storeFromDB(gormDB)

	case config.StoreDolt:
		gormDB, err := connectDolt(cfg, out)
		if err != nil {
			return nil, nil, err
		}
		return storeFromDB(gormDB)
	}
	return nil, nil, fmt.Errorf("unsupported session store %q", cfg.Sessions.Store)
}

func storeFromDB(gormDB *gorm.DB) (*session.Store, func() error, error) {
	closeDB := func() error {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		closeDB()
		return nil, nil, err
	}
	snap, err := session.NewDBSnapshotter(gormDB)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return session.NewStore(session.StoreOpts{Snapshotter: snap}), closeDB, nil
}

// connectDolt makes sure the configured Dolt database exists and opens it.
func connectDolt(cfg *config.Config, out io.Writer) (*gorm.DB, error) {
	d := cfg.Sessions.Dolt
	adminDB, err := db.ConnectAdmin(d.Host, d.Port)
	if err != nil {
		return nil, fmt.Errorf("connect to Dolt at %s:%d: %w", d.Host, d.Port, err)
	}
	fmt.Fprintf(out, "Connected to Dolt at %s:%d\n", d.Host, d.Port)

	if err := db.CreateDatabase(adminDB, d.Database); err != nil {
		return nil, err
	}
	if sqlDB, err := adminDB.DB(); err == nil {
		sqlDB.Close()
	}

	gormDB, err := db.Connect(d.Host, d.Port, d.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", d.Database, err)
	}
	fmt.Fprintf(out, "Database %s ready\n", d.Database)
	return gormDB, nil
}
