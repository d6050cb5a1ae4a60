package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"elector/pkg/models"
	"elector/pkg/storage"
)

const DefaultStream = "elector:events"

// EventStoreConfig holds the journal stream settings
type EventStoreConfig struct {
	// Stream is the key of the stream holding every role's events. Each
	// role also gets its own stream at Stream + ":" + role.
	Stream string
	// MaxLen approximately caps each stream. Zero keeps everything.
	MaxLen int64
}

// EventStore journals leadership events in Redis streams.
type EventStore struct {
	client *redis.Client
	cfg    EventStoreConfig
	owned  bool
}

// NewEventStore uses client, which stays owned by the caller.
func NewEventStore(client *redis.Client, cfg EventStoreConfig) *EventStore {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	return &EventStore{client: client, cfg: cfg}
}

// DialEventStore connects to addr and pings it.
func DialEventStore(ctx context.Context, opts *redis.Options, cfg EventStoreConfig) (*EventStore, error) {
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewEventStore(client, cfg)
	s.owned = true
	return s, nil
}

// Close closes the client if the store dialed it.
func (s *EventStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Append adds rec to the global and the role stream.
func (s *EventStore) Append(ctx context.Context, rec *models.LeadershipRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	values := map[string]interface{}{
		"payload": payload,
		"role":    rec.Role,
		"event":   rec.Event,
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, stream := range []string{s.cfg.Stream, s.roleStream(rec.Role)} {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				MaxLen: s.cfg.MaxLen,
				Approx: s.cfg.MaxLen > 0,
				Values: values,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// List reads the newest events of role, or of every role when role is empty.
func (s *EventStore) List(ctx context.Context, role string, limit int) ([]models.LeadershipRecord, error) {
	stream := s.cfg.Stream
	if role != "" {
		stream = s.roleStream(role)
	}

	msgs, err := s.client.XRevRangeN(ctx, stream, "+", "-", int64(storage.ClampLimit(limit))).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	records := make([]models.LeadershipRecord, 0, len(msgs))
	for _, msg := range msgs {
		payloadStr, ok := msg.Values["payload"].(string)
		if !ok {
			return nil, fmt.Errorf("invalid payload format in %s", msg.ID)
		}
		var rec models.LeadershipRecord
		if err := json.Unmarshal([]byte(payloadStr), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %s: %w", msg.ID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *EventStore) roleStream(role string) string {
	return s.cfg.Stream + ":" + role
}
