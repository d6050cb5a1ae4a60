package dispatch

import (
	"context"
	"time"

	"elector/pkg/election"
	"elector/pkg/metrics"
	"elector/pkg/models"
	"elector/pkg/storage"
)

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, ev election.Event) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Handle(ctx context.Context, ev election.Event) error {
	return f.Fn(ctx, ev)
}

// Journal appends every event to store.
func Journal(store storage.EventStore, storeName string) Sink {
	return SinkFunc{SinkName: "journal", Fn: func(ctx context.Context, ev election.Event) error {
		err := store.Append(ctx, models.NewLeadershipRecord(ev))
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.JournalWrites.WithLabelValues(storeName, status).Inc()
		return err
	}}
}

// Location publishes url as the leader location of the role on Granted.
func Location(store storage.LocationStore, url string) Sink {
	return SinkFunc{SinkName: "location", Fn: func(ctx context.Context, ev election.Event) error {
		if ev.Type != election.EventGranted {
			return nil
		}
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		return store.UpdateLocation(ctx, models.LeaderLocation{
			Role:         ev.Candidate.Role,
			CandidateID:  ev.Candidate.ID,
			URL:          url,
			FencingToken: ev.Revision,
			UpdatedAt:    at,
		})
	}}
}
