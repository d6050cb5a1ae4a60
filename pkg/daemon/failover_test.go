package daemon_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"

	"elector/pkg/client"
	. "elector/pkg/daemon"
	"elector/pkg/election"
)

// FailoverSuite runs two daemons against one Redis and moves leadership
// between them through the admin API.
type FailoverSuite struct {
	suite.Suite
	redis   *miniredis.Miniredis
	daemons map[string]*Daemon
	servers map[string]*httptest.Server
}

func TestFailoverSuite(t *testing.T) {
	suite.Run(t, new(FailoverSuite))
}

func (s *FailoverSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.redis = mr
	s.daemons = make(map[string]*Daemon)
	s.servers = make(map[string]*httptest.Server)

	for _, node := range []string{"node-a", "node-b"} {
		cfg := loadConfig(s.T(), fmt.Sprintf(`
node:
  id: %s
coordination:
  backend: redis
  redis:
    addr: %s
    sessionTTL: 5s
    renewInterval: 50ms
    pollInterval: 10ms
election:
  backoff:
    initialInterval: 10ms
    maxInterval: 50ms
elections:
  - role: billing
    autoStart: false
journal:
  backend: redis
  stream: elector:test
api:
  enabled: true
  rateLimitRPS: 1000
`, node, mr.Addr()))

		d, err := New(context.Background(), cfg, nil)
		s.Require().NoError(err)
		s.daemons[node] = d
		s.servers[node] = httptest.NewServer(d.API().Handler())
	}
}

func (s *FailoverSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for node, d := range s.daemons {
		s.servers[node].Close()
		s.NoError(d.Shutdown(ctx))
	}
	s.redis.Close()
}

func (s *FailoverSuite) coordinator(node string) *election.Coordinator {
	c, ok := s.daemons[node].Registry().Lookup(election.Key{Role: "billing", Path: "/elections/billing"})
	s.Require().True(ok)
	return c
}

func (s *FailoverSuite) client(node string) *client.Client {
	return client.NewClient(s.servers[node].URL)
}

func (s *FailoverSuite) TestLeadershipMovesOnStop() {
	ctx := context.Background()

	started, err := s.client("node-a").Start(ctx, "billing")
	s.Require().NoError(err)
	s.Require().Len(started, 1)
	s.False(started[0].Noop)
	s.Eventually(s.coordinator("node-a").IsLeader, 5*time.Second, 10*time.Millisecond)

	_, err = s.client("node-b").Start(ctx, "billing")
	s.Require().NoError(err)
	s.Eventually(func() bool {
		return s.coordinator("node-b").State() == election.StateAcquiring
	}, 5*time.Second, 10*time.Millisecond)
	s.False(s.coordinator("node-b").IsLeader())

	leaders, err := s.client("node-b").Leader(ctx, "billing")
	s.Require().NoError(err)
	s.Require().Len(leaders, 1)
	s.Require().NotNil(leaders[0].Leader)
	s.Equal("node-a", leaders[0].Leader.ID)
	s.False(leaders[0].IsLocal)

	stopped, err := s.client("node-a").Stop(ctx, "billing", 5*time.Second)
	s.Require().NoError(err)
	s.Require().Len(stopped, 1)
	s.Equal(election.StateStopped, stopped[0].Status.State)

	s.Eventually(s.coordinator("node-b").IsLeader, 5*time.Second, 10*time.Millisecond)
	s.Greater(s.coordinator("node-b").FencingToken(), int64(0))

	s.Eventually(func() bool {
		events, err := s.client("node-b").Events(ctx, "billing", 10)
		if err != nil {
			return false
		}
		var grantedB, revokedA bool
		for _, ev := range events {
			grantedB = grantedB || (ev.CandidateID == "node-b" && ev.Event == "granted")
			revokedA = revokedA || (ev.CandidateID == "node-a" && ev.Event == "revoked")
		}
		return grantedB && revokedA
	}, 5*time.Second, 20*time.Millisecond)
}

func (s *FailoverSuite) TestStartTwiceIsNoop() {
	ctx := context.Background()

	_, err := s.client("node-a").Start(ctx, "billing")
	s.Require().NoError(err)
	again, err := s.client("node-a").Start(ctx, "billing")
	s.Require().NoError(err)
	s.Require().Len(again, 1)
	s.True(again[0].Noop)
}
