package main

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/desertthunder/mixify/internal/shared"
	"github.com/urfave/cli/v3"
)

const redacted = "********"

// SetupDatabase initializes the database and runs migrations.
func (r *Runner) SetupDatabase(ctx context.Context, cmd *cli.Command) error {
	r.logger.Info("initializing database", "path", r.config.Database.Path)

	db, err := r.openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	status, err := shared.MigrationsStatus(ctx, db)
	if err != nil {
		return err
	}

	r.logger.Infof("setup complete for database: %v", r.config.Database.Path)
	return r.writePlain("✓ Database ready at %s (%d migrations applied)\n", r.config.Database.Path, len(status))
}

// MigrationsStatus lists every known migration and whether it is applied.
func (r *Runner) MigrationsStatus(ctx context.Context, cmd *cli.Command) error {
	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	status, err := shared.MigrationsStatus(ctx, db)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		type row struct {
			Version int    `json:"version"`
			Name    string `json:"name"`
			Applied bool   `json:"applied"`
		}
		rows := make([]row, 0, len(status))
		for _, s := range status {
			rows = append(rows, row{Version: s.Version, Name: s.Name, Applied: s.Applied})
		}
		return r.writeJSON(rows, true)
	}

	r.writePlainHeader("Migrations")
	for _, s := range status {
		mark := " "
		if s.Applied {
			mark = "✓"
		}
		r.writePlain("[%s] %03d %s\n", mark, s.Version, s.Name)
	}
	return nil
}

// MigrationsRollback rolls back the most recently applied migration.
func (r *Runner) MigrationsRollback(ctx context.Context, cmd *cli.Command) error {
	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	if err := shared.RollbackMigration(ctx, db); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	r.logger.Info("rolled back latest migration", "path", r.config.Database.Path)
	return r.writePlain("✓ Rolled back latest migration\n")
}

// ConfigInit writes the example configuration file.
func (r *Runner) ConfigInit(ctx context.Context, cmd *cli.Command) error {
	if err := shared.CreateConfigFile(r.configPath); err != nil {
		return err
	}

	r.logger.Info("config file created", "path", r.configPath)
	r.writePlain("✓ Wrote %s\n", r.configPath)
	r.writePlain("Set spotify.client_id, spotify.client_secret and session.secret before running 'mixify serve'\n")
	return nil
}

// ConfigShow prints the effective configuration as TOML with secrets redacted.
func (r *Runner) ConfigShow(ctx context.Context, cmd *cli.Command) error {
	cfg := *r.config
	if cfg.Spotify.ClientSecret != "" {
		cfg.Spotify.ClientSecret = redacted
	}
	if cfg.Session.Secret != "" {
		cfg.Session.Secret = redacted
	}
	if cfg.State.RedisPassword != "" {
		cfg.State.RedisPassword = redacted
	}

	if err := toml.NewEncoder(r.output).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
