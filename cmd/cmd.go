// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

// serveCommand runs the HTTP service
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the Mixify HTTP service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides server.host and server.port",
			},
			&cli.BoolFlag{
				Name:  "open",
				Usage: "Open the profile page in the default browser",
			},
		},
		Action: r.Serve,
	}
}

// setupCommand handles setup operations for the database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Initialize database and run migrations",
				Action: r.SetupDatabase,
			},
		},
	}
}

// migrationsCommand inspects and rolls back schema migrations
func migrationsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "migrations",
		Aliases: []string{"migrate"},
		Usage:   "Database migration operations",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "List migrations and whether they are applied",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.MigrationsStatus,
			},
			{
				Name:   "rollback",
				Usage:  "Roll back the most recently applied migration",
				Action: r.MigrationsRollback,
			},
		},
	}
}

// configCommand manages the configuration file
func configCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration file operations",
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Write the example configuration to the --config path",
				Action: r.ConfigInit,
			},
			{
				Name:  "show",
				Usage:  "Print the effective configuration with secrets redacted",
				Action: r.ConfigShow,
			},
		},
	}
}

// sessionCommand issues development session cookies
func sessionCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Session cookie operations",
		Commands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "Print a signed session cookie for a user",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Aliases:  []string{"u"},
						Usage:    "Application user id",
						Required: true,
					},
				},
				Action: r.SessionIssue,
			},
		},
	}
}

// connectionsCommand inspects and maintains stored Spotify connections
func connectionsCommand(r *Runner) *cli.Command {
	userFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:     "user",
			Aliases:  []string{"u"},
			Usage:    "Application user id",
			Required: true,
		}
	}
	jsonFlag := func() cli.Flag {
		return &cli.BoolFlag{
			Name:  "json",
			Usage: "Output raw JSON",
		}
	}

	return &cli.Command{
		Name:    "connections",
		Aliases: []string{"conn"},
		Usage:   "Spotify connection operations",
		Commands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Show a user's connection status",
				Flags:  []cli.Flag{userFlag(), jsonFlag()},
				Action: r.ConnectionsShow,
			},
			{
				Name:  "refresh",
				Usage: "Refresh a user's access token",
				Flags: []cli.Flag{
					userFlag(),
					jsonFlag(),
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Refresh even when the token is still fresh",
						Value: true,
					},
				},
				Action: r.ConnectionsRefresh,
			},
			{
				Name:  "sweep",
				Usage: "Refresh every connection expiring soon",
				Flags: []cli.Flag{
					jsonFlag(),
					&cli.DurationFlag{
						Name:  "window",
						Usage: "Refresh connections expiring within this window (default: refresh.sweep_window)",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent workers",
						Value: 4,
					},
					&cli.IntFlag{
						Name:  "rate",
						Usage: "Maximum refreshes per second",
						Value: 5,
					},
					&cli.StringFlag{
						Name:  "export",
						Usage: "Also write the report to a file (csv, md, text)",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Export file path (default: sweep_{timestamp}.{format})",
					},
				},
				Action: r.ConnectionsSweep,
			},
			{
				Name:   "disconnect",
				Usage:  "Delete a user's connection",
				Flags:  []cli.Flag{userFlag()},
				Action: r.ConnectionsDisconnect,
			},
		},
	}
}
