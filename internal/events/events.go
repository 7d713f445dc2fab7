// Package events implements the append-only event log consumed by the admin
// console. Events are written as one JSON object per line; consumers tail the
// file, so lines are emitted with a single write and never rewritten.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilbreak/headless/internal/core"
)

// Types of events understood by the admin console.
const (
	ServerStart      = "server_start"
	ServerStop       = "server_stop"
	PlayerConnect    = "player_connect"
	PlayerDisconnect = "player_disconnect"
	PlayerIdentified = "player_identified"
	SessionFailed    = "session_failed"
)

// Event is a single append-only record. Events have no in-process read path;
// they exist for the external log reader.
type Event struct {
	Timestamp time.Time
	Type      string
	Message   string
	Fields    map[string]string
}

// Sink appends events to the JSONL log file and, when configured, mirrors
// them into a sqlite database for the admin console to query.
type Sink struct {
	logger *logrus.Logger

	mu   sync.Mutex
	file *os.File
	db   *eventStore
}

// NewSink opens the event log file for appending and initializes the
// optional database mirror.
func NewSink(cfg *core.Config, logger *logrus.Logger) (*Sink, error) {
	file, err := os.OpenFile(cfg.Events.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening event log %s: %w", cfg.Events.LogPath, err)
	}

	sink := &Sink{logger: logger, file: file}

	if cfg.Events.DatabasePath != "" {
		store, err := newEventStore(cfg.Events.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("initializing event database: %w", err)
		}
		sink.db = store
	}

	return sink, nil
}

// Emit appends one event. Failures to write are logged and swallowed; the
// event log must never take the host down.
func (s *Sink) Emit(eventType, message string, fields map[string]string) {
	event := Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Message:   message,
		Fields:    fields,
	}

	line, err := marshalLine(event)
	if err != nil {
		s.logger.Warnf("failed to encode %s event: %v", eventType, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// One write call per line so that a tailing reader never observes a
	// partially written record.
	if _, err := s.file.Write(line); err != nil {
		s.logger.Warnf("failed to append %s event: %v", eventType, err)
	}

	if s.db != nil {
		if err := s.db.append(event); err != nil {
			s.logger.Warnf("failed to mirror %s event: %v", eventType, err)
		}
	}
}

// marshalLine flattens the event into a single JSON object with the
// event-specific fields promoted to top-level keys, newline terminated.
func marshalLine(event Event) ([]byte, error) {
	record := make(map[string]string, len(event.Fields)+3)
	for k, v := range event.Fields {
		record[k] = v
	}
	record["timestamp"] = event.Timestamp.Format(time.RFC3339)
	record["type"] = event.Type
	record["message"] = event.Message

	line, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.close(); err != nil {
			s.logger.Warnf("failed to close event database: %v", err)
		}
	}
	return s.file.Close()
}
