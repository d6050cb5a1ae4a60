package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"elector/pkg/models"
	"elector/pkg/storage"
)

// EventStore journals leadership events in PostgreSQL.
type EventStore struct {
	db *gorm.DB
}

// NewEventStore initializes the GORM connection and AutoMigrates the schema.
func NewEventStore(dsn string) (*EventStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewEventStoreFromDB(db)
}

// NewEventStoreFromDB wraps an open connection and migrates the schema.
func NewEventStoreFromDB(db *gorm.DB) (*EventStore, error) {
	if err := db.AutoMigrate(&models.LeadershipRecord{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return &EventStore{db: db}, nil
}

func (s *EventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append persists one leadership event.
func (s *EventStore) Append(ctx context.Context, rec *models.LeadershipRecord) error {
	result := s.db.WithContext(ctx).Create(rec)
	if result.Error != nil {
		return fmt.Errorf("failed to append event: %w", result.Error)
	}
	return nil
}

// List returns the newest events of role.
func (s *EventStore) List(ctx context.Context, role string, limit int) ([]models.LeadershipRecord, error) {
	var records []models.LeadershipRecord

	query := s.db.WithContext(ctx).Model(&models.LeadershipRecord{})
	if role != "" {
		query = query.Where("role = ?", role)
	}
	result := query.
		Order("occurred_at desc").
		Order("revision desc").
		Limit(storage.ClampLimit(limit)).
		Find(&records)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to list events: %w", result.Error)
	}
	return records, nil
}
