package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elector/pkg/election"
	"elector/pkg/models"
	. "elector/pkg/storage/redis"
)

func setupStore(t *testing.T, cfg EventStoreConfig) (*miniredis.Miniredis, *EventStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewEventStore(client, cfg)
}

func record(role string, typ election.EventType, rev int64) *models.LeadershipRecord {
	return models.NewLeadershipRecord(election.Event{
		Type:      typ,
		Candidate: election.Candidate{Role: role, ID: "node-a"},
		Path:      "/elections/" + role,
		Revision:  rev,
		At:        time.Now(),
	})
}

func TestEventStore_AppendAndList(t *testing.T) {
	ctx := context.Background()
	_, store := setupStore(t, EventStoreConfig{})

	require.NoError(t, store.Append(ctx, record("billing", election.EventGranted, 1)))
	require.NoError(t, store.Append(ctx, record("search", election.EventGranted, 2)))
	require.NoError(t, store.Append(ctx, record("billing", election.EventRevoked, 1)))

	billing, err := store.List(ctx, "billing", 10)
	require.NoError(t, err)
	require.Len(t, billing, 2)
	assert.Equal(t, "revoked", billing[0].Event)
	assert.Equal(t, "granted", billing[1].Event)

	all, err := store.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "billing", all[0].Role)
	assert.Equal(t, "search", all[1].Role)
}

func TestEventStore_ListLimit(t *testing.T) {
	ctx := context.Background()
	_, store := setupStore(t, EventStoreConfig{Stream: "journal"})

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Append(ctx, record("billing", election.EventGranted, i)))
	}

	records, err := store.List(ctx, "billing", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(5), records[0].Revision)
	assert.Equal(t, int64(4), records[1].Revision)
}

func TestEventStore_ListEmpty(t *testing.T) {
	_, store := setupStore(t, EventStoreConfig{})
	records, err := store.List(context.Background(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEventStore_Unavailable(t *testing.T) {
	mr, store := setupStore(t, EventStoreConfig{})
	mr.Close()
	assert.Error(t, store.Append(context.Background(), record("billing", election.EventGranted, 1)))
}

func TestEventStore_CloseLeavesSharedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewEventStore(client, EventStoreConfig{})
	require.NoError(t, store.Close())
	assert.NoError(t, client.Ping(context.Background()).Err())
}
