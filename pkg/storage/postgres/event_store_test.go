package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"elector/pkg/election"
	"elector/pkg/models"
	"elector/pkg/storage/postgres"
)

// EventStoreSuite runs against a real database named by DATABASE_URL.
type EventStoreSuite struct {
	suite.Suite
	store *postgres.EventStore
	role  string
}

func TestEventStoreSuite(t *testing.T) {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		t.Skip("Skipping integration tests")
	}
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set")
	}
	suite.Run(t, new(EventStoreSuite))
}

func (s *EventStoreSuite) SetupSuite() {
	store, err := postgres.NewEventStore(os.Getenv("DATABASE_URL"))
	s.Require().NoError(err)
	s.store = store
}

func (s *EventStoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *EventStoreSuite) SetupTest() {
	s.role = "role-" + time.Now().Format("150405.000000000")
}

func (s *EventStoreSuite) TestAppendAndList() {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, typ := range []election.EventType{election.EventGranted, election.EventRevoked, election.EventGranted} {
		rec := models.NewLeadershipRecord(election.Event{
			Type:      typ,
			Candidate: election.Candidate{Role: s.role, ID: "node-a", Metadata: map[string]string{"zone": "a"}},
			Path:      "/elections/" + s.role,
			Revision:  int64(i + 1),
			At:        base.Add(time.Duration(i) * time.Second),
		})
		s.Require().NoError(s.store.Append(ctx, rec))
	}

	records, err := s.store.List(ctx, s.role, 2)
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.Equal(int64(3), records[0].Revision)
	s.Equal("granted", records[0].Event)
	s.Equal("revoked", records[1].Event)
	s.Equal("a", records[0].Metadata["zone"])
}

func (s *EventStoreSuite) TestListUnknownRole() {
	records, err := s.store.List(context.Background(), s.role+"-missing", 10)
	s.Require().NoError(err)
	s.Empty(records)
}
