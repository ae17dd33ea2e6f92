// Package app wires configuration, storage backends and the engine into one runtime.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"apjsurvey/internal/config"
	"apjsurvey/internal/db"
	"apjsurvey/internal/engine"
	"apjsurvey/internal/migrate"
	"apjsurvey/internal/points"
	"apjsurvey/internal/store"
)

type Runtime struct {
	Config  *config.Config
	Log     logrus.FieldLogger
	Store   store.Store
	Engine  engine.Engine
	Tracker *engine.Tracker
	Points  *points.Tracker

	closers []func() error
}

// ResolveConfig loads configPath when given, otherwise the workspace config or the defaults.
func ResolveConfig(workspace, configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.FromFile(configPath)
	}
	return config.LoadOptional(workspace)
}

// Open builds the runtime for cfg. The SQLite database is only opened when a backend needs it.
func Open(ctx context.Context, workspace string, cfg *config.Config, log logrus.FieldLogger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	rt := &Runtime{Config: cfg, Log: log}

	var conn *sql.DB
	sqliteDB := func() (*sql.DB, error) {
		if conn != nil {
			return conn, nil
		}
		c, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := migrate.Migrate(c); err != nil {
			c.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if v, err := migrate.Current(c); err == nil {
			log.WithFields(logrus.Fields{"path": db.Path(workspace), "schema_version": v}).Debug("sqlite ready")
		}
		conn = c
		rt.closers = append(rt.closers, c.Close)
		return c, nil
	}

	switch cfg.Storage.Driver {
	case "mongo":
		m, err := store.OpenMongo(ctx, store.MongoConfig{URI: cfg.Storage.Mongo.URI, Database: cfg.Storage.Mongo.Database})
		if err != nil {
			return nil, err
		}
		rt.Store = m
		rt.closers = append(rt.closers, m.Close)
	default:
		c, err := sqliteDB()
		if err != nil {
			return nil, err
		}
		rt.Store = store.NewSQLite(c)
	}

	var sets points.SetStore
	switch cfg.Points.Driver {
	case "redis":
		r, err := points.OpenRedis(ctx, points.RedisConfig{
			Addr:     cfg.Points.Redis.Addr,
			Password: cfg.Points.Redis.Password,
			DB:       cfg.Points.Redis.DB,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		sets = r
		rt.closers = append(rt.closers, r.Close)
	default:
		c, err := sqliteDB()
		if err != nil {
			rt.Close()
			return nil, err
		}
		sets = points.SQLiteStore{DB: c}
	}

	rt.Engine = engine.New(rt.Store, cfg, log)
	rt.Tracker = engine.NewTracker(rt.Engine)
	rt.Points = points.NewTracker(sets, log)
	log.WithFields(logrus.Fields{"storage": cfg.Storage.Driver, "points": cfg.Points.Driver}).Debug("runtime ready")
	return rt, nil
}

// Close releases backends in reverse order of opening.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
