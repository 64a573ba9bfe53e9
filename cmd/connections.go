package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/desertthunder/mixify/internal/auth"
	"github.com/desertthunder/mixify/internal/formatter"
	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/server"
	"github.com/desertthunder/mixify/internal/shared"
	"github.com/desertthunder/mixify/internal/tasks"
	"github.com/urfave/cli/v3"
)

// ConnectionsShow prints a user's connection status.
func (r *Runner) ConnectionsShow(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.String("user")

	d, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	conn, err := d.connections.Get(ctx, userID, models.ProviderSpotify)
	if errors.Is(err, shared.ErrNotConnected) {
		if cmd.Bool("json") {
			return r.writeJSON(server.ConnectionStatus{}, true)
		}
		return r.writePlain("%s has no Spotify connection\n", userID)
	}
	if err != nil {
		return err
	}

	status := server.NewConnectionStatus(conn, time.Now())
	if cmd.Bool("json") {
		return r.writeJSON(status, true)
	}

	r.writePlainHeader("Spotify connection: " + userID)
	r.writePlain("Account:    %s (%s)\n", status.DisplayName, status.ProviderID)
	r.writePlain("Scope:      %s\n", status.Scope)
	r.writePlain("Expires:    %s\n", status.ExpiresAt.Format(time.RFC3339))
	r.writePlain("Expired:    %t\n", status.Expired)
	if status.ReconnectRequired {
		r.writePlain("No refresh token stored; the user must reconnect\n")
	}
	return nil
}

// ConnectionsRefresh refreshes a user's access token through the token refresher.
func (r *Runner) ConnectionsRefresh(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.String("user")

	d, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	tok, err := d.refresher.AccessToken(ctx, userID, cmd.Bool("force"))
	if err != nil {
		var rerr *auth.RefreshError
		if errors.As(err, &rerr) {
			r.logger.Error("refresh failed", "user", userID, "status", rerr.StatusCode, "body", rerr.Body)
		}
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(map[string]any{
			"success":    true,
			"refreshed":  tok.Refreshed,
			"expires_at": tok.ExpiresAt,
		}, true)
	}

	if tok.Refreshed {
		return r.writePlain("✓ Refreshed token for %s, expires %s\n", userID, tok.ExpiresAt.Format(time.RFC3339))
	}
	return r.writePlain("Token for %s is still fresh, expires %s\n", userID, tok.ExpiresAt.Format(time.RFC3339))
}

// ConnectionsSweep refreshes every connection expiring within the window.
func (r *Runner) ConnectionsSweep(ctx context.Context, cmd *cli.Command) error {
	useJSON := cmd.Bool("json")

	window := cmd.Duration("window")
	if window <= 0 {
		window = r.config.Refresh.SweepWindow
	}

	d, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	opts := tasks.SweepOpts{
		Window:     window,
		NumWorkers: int(cmd.Int("workers")),
		RateLimit:  float64(cmd.Int("rate")),
	}

	var wg sync.WaitGroup
	var progress chan tasks.ProgressUpdate
	if !useJSON {
		progress = make(chan tasks.ProgressUpdate, 64)
		opts.Progress = progress
		wg.Add(1)
		go func() {
			defer wg.Done()
			for update := range progress {
				r.writePlain("[%s %d/%d] %s\n", update.Phase, update.Step, update.Total, update.Message)
			}
		}()
	}

	report, err := d.sweeper.Run(ctx, opts)
	if progress != nil {
		close(progress)
		wg.Wait()
	}
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	if format := cmd.String("export"); format != "" {
		path, err := formatter.WriteExport(report, format, cmd.String("output"))
		if err != nil {
			return err
		}
		r.logger.Info("sweep report exported", "path", path, "format", format)
	}

	if useJSON {
		type item struct {
			UserID            string    `json:"user_id"`
			ExpiresAt         time.Time `json:"expires_at"`
			NewExpiry         time.Time `json:"new_expiry,omitzero"`
			Refreshed         bool      `json:"refreshed"`
			ReconnectRequired bool      `json:"reconnect_required"`
			Error             string    `json:"error,omitempty"`
		}
		items := make([]item, 0, len(report.Results))
		for _, res := range report.Results {
			it := item{
				UserID:            res.UserID,
				ExpiresAt:         res.ExpiresAt,
				NewExpiry:         res.NewExpiry,
				Refreshed:         res.Refreshed,
				ReconnectRequired: res.ReconnectRequired,
			}
			if res.Err != nil {
				it.Error = res.Err.Error()
			}
			items = append(items, it)
		}
		return r.writeJSON(map[string]any{
			"candidates":         report.Candidates,
			"refreshed":          report.Refreshed,
			"failed":             report.Failed,
			"reconnect_required": report.ReconnectRequired,
			"states_removed":     report.StatesRemoved,
			"results":            items,
		}, true)
	}

	r.writePlainHeader("Sweep complete")
	r.writePlain("Candidates:          %d\n", report.Candidates)
	r.writePlain("Refreshed:           %d\n", report.Refreshed)
	r.writePlain("Failed:              %d\n", report.Failed)
	r.writePlain("Reconnect required:  %d\n", report.ReconnectRequired)
	r.writePlain("States removed:      %d\n", report.StatesRemoved)
	return nil
}

// ConnectionsDisconnect deletes a user's connection. Disconnecting twice is not an error.
func (r *Runner) ConnectionsDisconnect(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.String("user")

	d, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	err = d.connections.Delete(ctx, userID, models.ProviderSpotify)
	if errors.Is(err, shared.ErrNotConnected) {
		return r.writePlain("%s has no Spotify connection\n", userID)
	}
	if err != nil {
		return err
	}
	return r.writePlain("✓ Disconnected Spotify for %s\n", userID)
}

// SessionIssue prints a signed session cookie so a user can be impersonated in development.
func (r *Runner) SessionIssue(ctx context.Context, cmd *cli.Command) error {
	codec, err := server.NewSessionCodec(r.config.Session, r.config.Server.SecureCookies)
	if err != nil {
		return err
	}

	value, err := codec.Encode(cmd.String("user"))
	if err != nil {
		return err
	}
	return r.writePlain("%s=%s\n", codec.CookieName(), value)
}
