package tasks

import (
	"fmt"
	"time"
)

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data, a [SweepResult] for RefreshConnection
}

// Operation phase enumeration
type Phase int

const (
	ListExpiring Phase = iota
	RefreshConnection
	CleanupStates
)

func (p Phase) String() string {
	switch p {
	case ListExpiring:
		return "list_expiring"
	case RefreshConnection:
		return "refresh_connection"
	case CleanupStates:
		return "cleanup_states"
	default:
		return ""
	}
}

func listingUpdate(window time.Duration) ProgressUpdate {
	return ProgressUpdate{
		Phase:   ListExpiring,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Listing connections expiring within %s...", window),
	}
}

func refreshedUpdate(step, total int, res SweepResult) ProgressUpdate {
	msg := fmt.Sprintf("Refreshed %s (expires %s)", res.UserID, res.NewExpiry.Format(time.RFC3339))
	switch {
	case res.ReconnectRequired:
		msg = fmt.Sprintf("Skipped %s: reconnect required", res.UserID)
	case res.Err != nil:
		msg = fmt.Sprintf("Failed %s: %v", res.UserID, res.Err)
	}
	return ProgressUpdate{Phase: RefreshConnection, Step: step, Total: total, Message: msg, Data: res}
}

func cleanupUpdate(removed int64) ProgressUpdate {
	return ProgressUpdate{
		Phase:   CleanupStates,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Removed %d expired authorization states", removed),
	}
}

// sendProgress sends a progress update through the channel without blocking.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}
