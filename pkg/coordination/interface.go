package coordination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned when the artifact is held by another session
	// and the caller asked not to wait.
	ErrConflict = errors.New("coordination: artifact held by another session")
	// ErrNoLeader is returned by Leader when nobody holds the path.
	ErrNoLeader = errors.New("coordination: no leader")
	// ErrUnavailable marks a transient connectivity fault.
	ErrUnavailable = errors.New("coordination: service unavailable")
	// ErrPermissionDenied marks an authorization failure. It is permanent.
	ErrPermissionDenied = errors.New("coordination: permission denied")
	// ErrRejected marks an explicit rejection by the service. It is permanent.
	ErrRejected = errors.New("coordination: request rejected")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("coordination: session closed")
)

// Service is a connection to a coordination service. One Service may be
// shared by any number of elections; each election owns its own artifacts.
type Service interface {
	// SessionID identifies the current session. It changes when the
	// service replaces an expired session.
	SessionID() string

	// CreateExclusive creates the session-bound artifact for path and
	// blocks until it is the exclusive holder or ctx is done.
	CreateExclusive(ctx context.Context, path, value string) (Artifact, error)

	// Delete relinquishes the artifact. Deleting an artifact that is
	// already gone is not an error.
	Delete(ctx context.Context, artifact Artifact) error

	// Leader returns the value stored by the current holder of path.
	Leader(ctx context.Context, path string) (string, error)

	// WatchSession subscribes to session state changes. The returned
	// function cancels the subscription.
	WatchSession() (<-chan SessionEvent, func())

	// Close terminates the connection.
	Close() error
}

// CandidateLister is implemented by services that keep an ordered wait
// queue per path.
type CandidateLister interface {
	// Candidates returns the values of every contender in acquisition order.
	// The first entry is the holder.
	Candidates(ctx context.Context, path string) ([]string, error)
}

// Artifact is the mutual-exclusion record created by CreateExclusive.
type Artifact struct {
	ID      string
	Path    string
	Session string
	// Revision is monotonically increasing per service and usable as a
	// fencing token.
	Revision int64
}

// SessionState is the connectivity state of a session.
type SessionState int

const (
	SessionConnected SessionState = iota
	SessionSuspended
	SessionLost
	SessionReconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionSuspended:
		return "suspended"
	case SessionLost:
		return "lost"
	case SessionReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// SessionEvent reports a session state change. SessionID is the session in
// effect after the change; a RECONNECTED event carrying a different ID than
// an artifact's Session means the artifact is gone.
type SessionEvent struct {
	State     SessionState
	SessionID string
	At        time.Time
}

// IsPermanent reports whether err is a fault retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrRejected)
}
