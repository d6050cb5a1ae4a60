package election

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on a coordinator that is
	// acquiring or leading. Callers may ignore it.
	ErrAlreadyRunning = errors.New("election: coordinator already running")
	// ErrNotRunning reports a control call on a stopped coordinator.
	// Callers may ignore it.
	ErrNotRunning = errors.New("election: coordinator not running")

	ErrAlreadyRegistered = errors.New("election: contest already registered")
	ErrNotRegistered     = errors.New("election: contest not registered")

	// ErrCoordinationUnavailable is the cause of the FailedToAcquire event
	// emitted when transient faults outlast the retry budget.
	ErrCoordinationUnavailable = errors.New("election: coordination service unavailable")
	// ErrLeadershipLost wraps the cause of an involuntary Revoked event.
	ErrLeadershipLost = errors.New("election: leadership lost")

	ErrSessionExpired  = errors.New("election: session expired")
	ErrSessionReplaced = errors.New("election: session replaced")
	ErrSuspendTimeout  = errors.New("election: session suspended too long")

	ErrEmptyRole        = errors.New("election: role is required")
	ErrEmptyCandidateID = errors.New("election: candidate id is required")
	ErrEmptyPath        = errors.New("election: path is required")
	ErrNilService       = errors.New("election: coordination service is required")
)
