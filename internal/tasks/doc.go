// Package tasks runs background maintenance over stored provider connections.
//
// # Sweep
//
// [Sweeper.Run] lists connections whose access token expires within a window and refreshes
// each through the token refresher with a worker pool and a [rate.Limiter], so a large batch
// does not burst the provider token endpoint. Connections without a refresh token are reported
// as needing reconnection and never sent to the provider. Expired OAuth states are pruned at the
// end of the sweep.
//
// # Progress Reporting
//
// Sweeps report [ProgressUpdate] values on an optional channel. Sends use select with default,
// so a slow or absent reader never blocks the sweep.
//
// [Sweeper.Every] repeats the sweep on an interval for the serve command.
package tasks
