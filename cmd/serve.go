package main

import (
	"context"
	"fmt"

	"github.com/desertthunder/mixify/internal/server"
	"github.com/desertthunder/mixify/internal/shared"
	"github.com/desertthunder/mixify/internal/tasks"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"
)

// Serve runs the HTTP service until the context is cancelled.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	srv, d, err := r.buildServer(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if interval := r.config.Refresh.SweepInterval; interval > 0 {
		r.logger.Info("starting background sweep", "interval", interval, "window", r.config.Refresh.SweepWindow)
		go d.sweeper.Every(ctx, interval, tasks.SweepOpts{Window: r.config.Refresh.SweepWindow})
	}

	addr := cmd.String("addr")
	if addr == "" {
		addr = r.config.Server.Addr()
	}

	if cmd.Bool("open") {
		profile := r.config.Server.BaseURL + "/profile"
		if err := shared.OpenBrowser(profile); err != nil {
			r.logger.Warn("failed to open browser", "url", profile, "err", err)
		}
	}

	return srv.ListenAndServe(ctx, addr)
}

// buildServer wires the Spotify handler, session identity and refresh hook into a [server.Server].
//
// The caller owns the returned deps.
func (r *Runner) buildServer(ctx context.Context) (*server.Server, *deps, error) {
	d, err := r.open(ctx)
	if err != nil {
		return nil, nil, err
	}

	codec, err := server.NewSessionCodec(r.config.Session, r.config.Server.SecureCookies)
	if err != nil {
		d.Close()
		return nil, nil, fmt.Errorf("failed to create session codec: %w", err)
	}

	spotify := server.NewSpotifyHandler(server.SpotifyHandlerOpts{
		Flow:          d.flow,
		Trigger:       d.trigger,
		Connections:   d.connections,
		API:           d.api,
		Identity:      codec,
		StateTTL:      r.config.State.TTL,
		BaseURL:       r.config.Server.BaseURL,
		SecureCookies: r.config.Server.SecureCookies,
		Logger:        r.logger,
	})

	hook := server.RefreshHook(server.RefreshHookOpts{
		Refresher: d.trigger,
		Identity:  codec,
		Routes:    r.config.Server.RefreshRoutes,
		Limiter:   hookLimiter(r.config.Refresh),
		Wait:      r.config.Refresh.HookTimeout,
		Logger:    r.logger,
	})

	return server.NewServer(r.logger, []server.Handler{spotify}, hook), d, nil
}

// hookLimiter returns the refresh hook budget, or nil when hook_rate is zero.
func hookLimiter(cfg shared.RefreshConfig) *rate.Limiter {
	if cfg.HookRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.HookRate), cfg.HookBurst)
}
