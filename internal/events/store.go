package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is the database representation of an Event. Rows are append-only;
// nothing in this process ever updates or deletes them.
type Record struct {
	ID        uint `gorm:"primaryKey"`
	Timestamp time.Time
	Type      string
	Message   string
	// Event-specific fields as a JSON object, matching the log line shape.
	Fields string
}

type eventStore struct {
	db *gorm.DB
}

func newEventStore(path string) (*eventStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}

	return &eventStore{db: db}, nil
}

func (s *eventStore) append(event Event) error {
	fields, err := json.Marshal(event.Fields)
	if err != nil {
		return err
	}

	return s.db.Create(&Record{
		Timestamp: event.Timestamp,
		Type:      event.Type,
		Message:   event.Message,
		Fields:    string(fields),
	}).Error
}

// QueryRecent opens the mirror database at path and returns up to limit of
// the most recent events, newest first, optionally filtered by type. Used by
// the offline events command, not by the running host.
func QueryRecent(path, eventType string, limit int) ([]Record, error) {
	store, err := newEventStore(path)
	if err != nil {
		return nil, err
	}
	defer store.close()

	query := store.db.Order("id desc").Limit(limit)
	if eventType != "" {
		query = query.Where("type = ?", eventType)
	}

	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error querying events: %w", err)
	}
	return records, nil
}

func (s *eventStore) close() error {
	database, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	return database.Close()
}
