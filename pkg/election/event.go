package election

import "time"

// EventType distinguishes leadership events.
type EventType int

const (
	EventGranted EventType = iota + 1
	EventRevoked
	EventFailedToAcquire
)

func (t EventType) String() string {
	switch t {
	case EventGranted:
		return "granted"
	case EventRevoked:
		return "revoked"
	case EventFailedToAcquire:
		return "failed_to_acquire"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is emitted once per leadership transition.
type Event struct {
	Type      EventType
	Candidate Candidate
	Path      string
	// Cause is set on FailedToAcquire, and on Revoked when leadership was
	// lost rather than given up.
	Cause error
	// Revision is the fencing token of the artifact behind a Granted or
	// Revoked event; it increases with every acquisition of the path.
	Revision int64
	At       time.Time
}

// Involuntary reports whether a Revoked event was caused by losing the
// mutex rather than by Stop.
func (e Event) Involuntary() bool {
	return e.Type == EventRevoked && e.Cause != nil
}
