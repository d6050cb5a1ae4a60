package storage

import (
	"context"
	"errors"

	"elector/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
)

// EventStore is the leadership journal.
type EventStore interface {
	// Append persists one leadership event.
	Append(ctx context.Context, rec *models.LeadershipRecord) error

	// List returns the newest events of role, newest first. An empty role
	// lists every role.
	List(ctx context.Context, role string, limit int) ([]models.LeadershipRecord, error)

	Close() error
}

// LocationStore publishes where the leader of each role can be reached.
type LocationStore interface {
	// UpdateLocation records loc as the current leader of loc.Role.
	UpdateLocation(ctx context.Context, loc models.LeaderLocation) error

	// GetLocation returns the last published leader of role.
	GetLocation(ctx context.Context, role string) (*models.LeaderLocation, error)
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ClampLimit bounds a caller-supplied list limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
