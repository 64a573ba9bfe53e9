package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mixify/internal/auth"
	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/repositories"
	"github.com/desertthunder/mixify/internal/shared"
	"golang.org/x/time/rate"
)

const (
	defaultWindow     = 10 * time.Minute
	defaultNumWorkers = 4
	maxNumWorkers     = 10
	defaultRateLimit  = 5.0
)

// TokenRefresher is the part of [auth.Refresher] the sweep needs.
type TokenRefresher interface {
	AccessToken(ctx context.Context, userID string, force bool) (*auth.Token, error)
}

// SweepOpts contains configuration for a sweep.
type SweepOpts struct {
	Window     time.Duration         // Refresh connections expiring within this window (default: 10m)
	NumWorkers int                   // Concurrent workers (default: 4, max: 10)
	RateLimit  float64               // Refreshes per second (default: 5)
	Progress   chan<- ProgressUpdate // Optional, never blocks
}

// SweepResult is the outcome for one connection.
type SweepResult struct {
	UserID            string
	ExpiresAt         time.Time // expiry before the sweep
	NewExpiry         time.Time
	Refreshed         bool
	ReconnectRequired bool
	Err               error
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	Candidates        int
	Refreshed         int
	Failed            int
	ReconnectRequired int
	StatesRemoved     int64
	Results           []SweepResult
}

// Sweeper proactively refreshes connections before they expire and prunes stale OAuth states.
type Sweeper struct {
	conns     repositories.ConnectionStore
	states    repositories.StateStore // optional
	refresher TokenRefresher
	now       func() time.Time
	logger    *log.Logger
}

// NewSweeper creates a [Sweeper]. states may be nil to skip state cleanup.
func NewSweeper(conns repositories.ConnectionStore, states repositories.StateStore, refresher TokenRefresher, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		conns:     conns,
		states:    states,
		refresher: refresher,
		now:       time.Now,
		logger:    shared.WithLogger(logger, "component", "tasks.sweeper"),
	}
}

// Run refreshes every connection expiring within opts.Window using a rate limited worker pool.
//
// Individual refresh failures are reported per connection and do not fail the sweep.
func (s *Sweeper) Run(ctx context.Context, opts SweepOpts) (*SweepReport, error) {
	if s.refresher == nil {
		return nil, fmt.Errorf("%w: refresher not initialized", shared.ErrServiceUnavailable)
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = defaultNumWorkers
	}
	if opts.NumWorkers > maxNumWorkers {
		opts.NumWorkers = maxNumWorkers
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}

	sendProgress(opts.Progress, listingUpdate(opts.Window))

	now := s.now().UTC()
	candidates, err := s.conns.ListExpiring(ctx, models.ProviderSpotify, now.Add(opts.Window))
	if err != nil {
		return nil, err
	}

	report := &SweepReport{
		Candidates: len(candidates),
		Results:    make([]SweepResult, 0, len(candidates)),
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)

	jobs := make(chan *models.Connection, len(candidates))
	results := make(chan SweepResult, len(candidates))

	var wg sync.WaitGroup
	for range opts.NumWorkers {
		wg.Add(1)
		go s.worker(ctx, &wg, limiter, jobs, results)
	}

	for _, conn := range candidates {
		jobs <- conn
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	for res := range results {
		completed++
		report.Results = append(report.Results, res)

		switch {
		case res.ReconnectRequired:
			report.ReconnectRequired++
		case res.Err != nil:
			report.Failed++
		default:
			report.Refreshed++
		}
		sendProgress(opts.Progress, refreshedUpdate(completed, len(candidates), res))
	}

	if s.states != nil {
		removed, err := s.states.Cleanup(ctx, now)
		if err != nil {
			s.logger.Warn("failed to clean up authorization states", "err", err)
		} else {
			report.StatesRemoved = removed
			sendProgress(opts.Progress, cleanupUpdate(removed))
		}
	}

	s.logger.Info("sweep finished",
		"candidates", report.Candidates,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
		"reconnect_required", report.ReconnectRequired,
		"states_removed", report.StatesRemoved,
	)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// worker refreshes connections from jobs until it is closed.
func (s *Sweeper) worker(
	ctx context.Context,
	wg *sync.WaitGroup,
	limiter *rate.Limiter,
	jobs <-chan *models.Connection,
	results chan<- SweepResult,
) {
	defer wg.Done()

	for conn := range jobs {
		res := SweepResult{UserID: conn.UserID, ExpiresAt: conn.ExpiresAt}

		if !conn.CanRefresh() {
			res.ReconnectRequired = true
			results <- res
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			res.Err = err
			results <- res
			continue
		}

		tok, err := s.refresher.AccessToken(ctx, conn.UserID, true)
		switch {
		case errors.Is(err, shared.ErrNoRefreshToken):
			res.ReconnectRequired = true
		case err != nil:
			res.Err = err
			s.logger.Warn("sweep refresh failed", "user", conn.UserID, "err", err)
		default:
			res.Refreshed = true
			res.NewExpiry = tok.ExpiresAt
		}
		results <- res
	}
}

// Every runs a sweep immediately and then on each tick of interval until ctx is done.
func (s *Sweeper) Every(ctx context.Context, interval time.Duration, opts SweepOpts) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Run(ctx, opts); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
