// Package memory is an in-process coordination service. A Server holds the
// shared state; every Client is one session against it. Acquisition is FIFO
// per path. The Server exposes fault injection (session expiry, suspension,
// outages) so election behavior can be exercised without a cluster.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"elector/pkg/coordination"
)

type entry struct {
	artifact coordination.Artifact
	value    string
	granted  chan struct{}
	// dropped is closed when the entry's session ends while it waits.
	dropped chan struct{}
}

// Server is the shared store.
type Server struct {
	mu     sync.Mutex
	rev    int64
	queues map[string][]*entry
	fault  error
}

// NewServer creates an empty store.
func NewServer() *Server {
	return &Server{queues: make(map[string][]*entry)}
}

// Connect opens a new session.
func (s *Server) Connect() *Client {
	id := newSessionID()
	return &Client{
		srv:       s,
		sessionID: id,
		events:    coordination.NewBroadcaster(id),
	}
}

// SetFault makes every subsequent call fail with err until cleared with nil.
// Blocked acquisitions are not affected.
func (s *Server) SetFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

// Held reports whether any session currently holds path.
func (s *Server) Held(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[path]) > 0
}

// Artifacts returns the number of artifacts (holders and waiters) stored
// across all paths.
func (s *Server) Artifacts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// enqueue must be called with s.mu held. A session that already has an
// artifact at path gets that artifact back with the new value.
func (s *Server) enqueue(path, session, value string) *entry {
	for _, e := range s.queues[path] {
		if e.artifact.Session == session {
			e.value = value
			return e
		}
	}

	s.rev++
	e := &entry{
		artifact: coordination.Artifact{
			ID:       fmt.Sprintf("%s/%020d", path, s.rev),
			Path:     path,
			Session:  session,
			Revision: s.rev,
		},
		value:   value,
		granted: make(chan struct{}),
		dropped: make(chan struct{}),
	}
	q := append(s.queues[path], e)
	s.queues[path] = q
	if len(q) == 1 {
		close(e.granted)
	}
	return e
}

// remove must be called with s.mu held. The next waiter is granted when
// the holder goes away.
func (s *Server) remove(path, id string) bool {
	q := s.queues[path]
	for i, e := range q {
		if e.artifact.ID != id {
			continue
		}
		q = append(q[:i:i], q[i+1:]...)
		if len(q) == 0 {
			delete(s.queues, path)
		} else {
			s.queues[path] = q
			if i == 0 {
				close(q[0].granted)
			}
		}
		return true
	}
	return false
}

// dropSession must be called with s.mu held.
func (s *Server) dropSession(session string) {
	for path, q := range s.queues {
		for _, e := range append([]*entry(nil), q...) {
			if e.artifact.Session == session && s.remove(path, e.artifact.ID) {
				close(e.dropped)
			}
		}
	}
}

// Client is one session against a Server. It implements
// coordination.Service and coordination.CandidateLister.
type Client struct {
	srv    *Server
	events *coordination.Broadcaster

	mu        sync.Mutex
	sessionID string
	suspended bool
	closed    bool
}

var (
	_ coordination.Service         = (*Client)(nil)
	_ coordination.CandidateLister = (*Client)(nil)
)

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// check returns the session to act under or the reason the client cannot
// reach the server.
func (c *Client) check() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", coordination.ErrSessionClosed
	}
	if c.suspended {
		return "", coordination.ErrUnavailable
	}
	return c.sessionID, nil
}

func (c *Client) CreateExclusive(ctx context.Context, path, value string) (coordination.Artifact, error) {
	session, err := c.check()
	if err != nil {
		return coordination.Artifact{}, err
	}

	c.srv.mu.Lock()
	if c.srv.fault != nil {
		err := c.srv.fault
		c.srv.mu.Unlock()
		return coordination.Artifact{}, err
	}
	e := c.srv.enqueue(path, session, value)
	c.srv.mu.Unlock()

	select {
	case <-e.granted:
		return e.artifact, nil
	default:
	}

	select {
	case <-e.granted:
		return e.artifact, nil
	case <-e.dropped:
		if _, err := c.check(); errors.Is(err, coordination.ErrSessionClosed) {
			return coordination.Artifact{}, err
		}
		return coordination.Artifact{}, fmt.Errorf("%w: session %s ended while waiting for %s",
			coordination.ErrUnavailable, session, path)
	case <-ctx.Done():
		c.srv.mu.Lock()
		c.srv.remove(path, e.artifact.ID)
		c.srv.mu.Unlock()
		return coordination.Artifact{}, ctx.Err()
	}
}

func (c *Client) Delete(_ context.Context, artifact coordination.Artifact) error {
	if _, err := c.check(); err != nil {
		return err
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.fault != nil {
		return c.srv.fault
	}
	c.srv.remove(artifact.Path, artifact.ID)
	return nil
}

func (c *Client) Leader(_ context.Context, path string) (string, error) {
	if _, err := c.check(); err != nil {
		return "", err
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	q := c.srv.queues[path]
	if len(q) == 0 {
		return "", coordination.ErrNoLeader
	}
	return q[0].value, nil
}

func (c *Client) Candidates(_ context.Context, path string) ([]string, error) {
	if _, err := c.check(); err != nil {
		return nil, err
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	q := c.srv.queues[path]
	values := make([]string, 0, len(q))
	for _, e := range q {
		values = append(values, e.value)
	}
	return values, nil
}

func (c *Client) WatchSession() (<-chan coordination.SessionEvent, func()) {
	return c.events.Subscribe()
}

// Close deletes every artifact of the session and ends all subscriptions.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.sessionID
	c.mu.Unlock()

	c.srv.mu.Lock()
	c.srv.dropSession(session)
	c.srv.mu.Unlock()

	c.events.Close()
	return nil
}

// Expire invalidates the current session as if its lease ran out: all of
// its artifacts are deleted, LOST is published, and the client reconnects
// under a fresh session.
func (c *Client) Expire() {
	c.mu.Lock()
	old := c.sessionID
	c.sessionID = newSessionID()
	c.suspended = false
	fresh := c.sessionID
	c.mu.Unlock()

	c.events.Publish(coordination.SessionEvent{State: coordination.SessionLost, SessionID: old})

	c.srv.mu.Lock()
	c.srv.dropSession(old)
	c.srv.mu.Unlock()

	c.events.Publish(coordination.SessionEvent{State: coordination.SessionReconnected, SessionID: fresh})
}

// Suspend simulates a dropped connection that keeps the session alive.
func (c *Client) Suspend() {
	c.mu.Lock()
	c.suspended = true
	session := c.sessionID
	c.mu.Unlock()

	c.events.Publish(coordination.SessionEvent{State: coordination.SessionSuspended, SessionID: session})
}

// Resume restores the connection under the same session.
func (c *Client) Resume() {
	c.mu.Lock()
	c.suspended = false
	session := c.sessionID
	c.mu.Unlock()

	c.events.Publish(coordination.SessionEvent{State: coordination.SessionReconnected, SessionID: session})
}

func newSessionID() string {
	return uuid.New().String()
}
