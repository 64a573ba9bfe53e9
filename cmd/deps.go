package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/desertthunder/mixify/internal/auth"
	"github.com/desertthunder/mixify/internal/repositories"
	"github.com/desertthunder/mixify/internal/services"
	"github.com/desertthunder/mixify/internal/shared"
	"github.com/desertthunder/mixify/internal/tasks"
	"github.com/redis/go-redis/v9"
)

// deps is the object graph shared by the serve and connections commands.
type deps struct {
	db          *sql.DB
	redis       *redis.Client
	connections *repositories.ConnectionRepository
	states      repositories.StateStore
	provider    services.OAuthProvider // nil when Spotify credentials are missing
	api         services.PlaylistAPI   // nil when Spotify credentials are missing
	flow        *auth.Flow
	refresher   *auth.Refresher
	trigger     *auth.Trigger
	sweeper     *tasks.Sweeper
}

// open connects to storage, applies migrations and builds the token lifecycle components.
func (r *Runner) open(ctx context.Context) (*deps, error) {
	db, err := r.openDatabase(ctx)
	if err != nil {
		return nil, err
	}

	d := &deps{db: db, connections: repositories.NewConnectionRepository(db)}

	switch r.config.State.Backend {
	case "redis":
		d.redis = redis.NewClient(&redis.Options{
			Addr:     r.config.State.RedisAddr,
			Password: r.config.State.RedisPassword,
			DB:       r.config.State.RedisDB,
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: redis at %s: %v", shared.ErrServiceUnavailable, r.config.State.RedisAddr, err)
		}
		d.states = repositories.NewRedisStateStore(d.redis)
	default:
		d.states = repositories.NewSQLiteStateStore(db)
	}

	svc, err := services.NewSpotifyService(r.config.Spotify)
	switch {
	case errors.Is(err, shared.ErrConfiguration):
		r.logger.Warn("spotify credentials incomplete, connect endpoints will report missing_env", "err", err)
	case err != nil:
		d.Close()
		return nil, err
	default:
		d.provider, d.api = svc, svc
	}

	d.refresher, err = auth.NewRefresher(auth.RefresherOpts{
		Provider:    d.provider,
		Connections: d.connections,
		Margin:      r.config.Refresh.Margin,
		Timeout:     r.config.Spotify.Timeout,
		Collapse:    r.config.Refresh.Collapse,
		Logger:      r.logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	d.flow = auth.NewFlow(auth.FlowOpts{
		Provider:    d.provider,
		Connections: d.connections,
		States:      d.states,
		StateTTL:    r.config.State.TTL,
		Logger:      r.logger,
	})
	d.trigger = auth.NewTrigger(d.refresher, r.logger)
	d.sweeper = tasks.NewSweeper(d.connections, d.states, d.refresher, r.logger)

	return d, nil
}

// openDatabase opens the configured SQLite database and runs pending migrations.
func (r *Runner) openDatabase(ctx context.Context) (*sql.DB, error) {
	path := r.config.Database.Path
	r.logger.Debug("opening database", "path", path)

	db, err := shared.NewDatabase(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	if path != shared.MemoryDSN {
		shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)
	}

	if err := shared.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// Close releases the database and redis connections.
func (d *deps) Close() error {
	var errs []error
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}
