// Package election runs leader elections over a coordination.Service.
//
// A Coordinator owns one Mutex for one Contest (path plus candidate) and
// drives it through IDLE, ACQUIRING, LEADING and RELEASING until stopped,
// reporting Granted, Revoked and FailedToAcquire events to the contest's
// callbacks. A Registry manages every coordinator in the process.
package election

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// Candidate identifies a process contending for leadership under a role.
type Candidate struct {
	Role     string            `json:"role"`
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewCandidate validates and copies its inputs.
func NewCandidate(role, id string, metadata map[string]string) (Candidate, error) {
	role = strings.TrimSpace(role)
	id = strings.TrimSpace(id)
	if role == "" {
		return Candidate{}, ErrEmptyRole
	}
	if id == "" {
		return Candidate{}, ErrEmptyCandidateID
	}
	return Candidate{Role: role, ID: id, Metadata: maps.Clone(metadata)}, nil
}

// Value encodes the candidate as the artifact value stored in the
// coordination service.
func (c Candidate) Value() string {
	b, _ := json.Marshal(c)
	return string(b)
}

func (c Candidate) String() string {
	return c.Role + "/" + c.ID
}

// ParseCandidate decodes a value written by Candidate.Value.
func ParseCandidate(value string) (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal([]byte(value), &c); err != nil {
		return Candidate{}, fmt.Errorf("failed to decode candidate: %w", err)
	}
	if c.Role == "" || c.ID == "" {
		return Candidate{}, fmt.Errorf("failed to decode candidate: missing role or id")
	}
	return c, nil
}

// NormalizePath returns p rooted at "/" without a trailing slash.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	p = "/" + strings.Trim(p, "/")
	if p == "/" {
		return "", ErrEmptyPath
	}
	return p, nil
}

// Key identifies one contest in a Registry.
type Key struct {
	Role string
	Path string
}

func (k Key) String() string {
	return k.Role + "@" + k.Path
}

// Callbacks receive the events of one contest. They run on the
// coordinator's goroutine, so a slow callback delays the state machine.
type Callbacks struct {
	OnGranted         func(Event)
	OnRevoked         func(Event)
	OnFailedToAcquire func(Event)
}

// Contest is the immutable identity of one election.
type Contest struct {
	Path      string
	Candidate Candidate
	Callbacks Callbacks
}

// Key returns the registry key of the contest.
func (c Contest) Key() Key {
	return Key{Role: c.Candidate.Role, Path: c.Path}
}
