package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"elector/pkg/election"
)

// Metadata is the candidate metadata stored as JSONB.
type Metadata map[string]string

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, m)
}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// LeadershipRecord is one journaled leadership event.
type LeadershipRecord struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Role        string    `json:"role" gorm:"not null;index:idx_role_occurred"`
	Path        string    `json:"path" gorm:"not null"`
	CandidateID string    `json:"candidate_id" gorm:"not null"`
	Event       string    `json:"event" gorm:"type:varchar(32);not null"`
	Cause       string    `json:"cause,omitempty"`
	Revision    int64     `json:"revision"`
	Metadata    Metadata  `json:"metadata,omitempty" gorm:"type:jsonb"`
	OccurredAt  time.Time `json:"occurred_at" gorm:"not null;index:idx_role_occurred"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate hook to generate UUID if not present
func (r *LeadershipRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

// NewLeadershipRecord converts an election event into a record.
func NewLeadershipRecord(ev election.Event) *LeadershipRecord {
	rec := &LeadershipRecord{
		ID:          uuid.New(),
		Role:        ev.Candidate.Role,
		Path:        ev.Path,
		CandidateID: ev.Candidate.ID,
		Event:       ev.Type.String(),
		Revision:    ev.Revision,
		Metadata:    Metadata(ev.Candidate.Metadata),
		OccurredAt:  ev.At,
	}
	if ev.Cause != nil {
		rec.Cause = ev.Cause.Error()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	return rec
}

// LeaderLocation is where the current leader of a role can be reached.
type LeaderLocation struct {
	Role         string    `json:"role"`
	CandidateID  string    `json:"candidate_id"`
	URL          string    `json:"url"`
	FencingToken int64     `json:"fencing_token"`
	UpdatedAt    time.Time `json:"updated_at"`
}
